package avatar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"go-attendance-verifier/retry"
)

const DefaultMaxImageBytes = 10 << 20

var ErrImageTooLarge = errors.New("reference image exceeds size limit")

// Downloader fetches reference images over HTTP, retrying transient failures.
type Downloader struct {
	httpClient *http.Client
	policy     retry.Policy
	maxBytes   int64
}

func NewDownloader(timeout time.Duration, policy retry.Policy) *Downloader {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Downloader{
		httpClient: &http.Client{Timeout: timeout},
		policy:     policy,
		maxBytes:   DefaultMaxImageBytes,
	}
}

func (d *Downloader) WithMaxBytes(n int64) *Downloader {
	d.maxBytes = n
	return d
}

// Download returns the body of url. A 404 means the user has no usable
// reference image and is not retried, nor is any other 4xx.
func (d *Downloader) Download(ctx context.Context, url string) ([]byte, error) {
	return retry.DoValue(ctx, d.policy, func(ctx context.Context, attempt int) ([]byte, error) {
		data, err := d.fetch(ctx, url)
		if err != nil {
			slog.Warn("Avatar download attempt failed", "attempt", attempt, "url", url, "error", err)
			return nil, err
		}
		slog.Debug("Avatar downloaded", "url", url, "size", len(data), "attempt", attempt)
		return data, nil
	})
}

func (d *Downloader) fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("failed to create avatar request: %w", err))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute avatar request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, retry.Permanent(fmt.Errorf("%w: %s returned 404", ErrNoReferenceImage, url))
	case resp.StatusCode >= 400 && resp.StatusCode < 500 &&
		resp.StatusCode != http.StatusRequestTimeout && resp.StatusCode != http.StatusTooManyRequests:
		return nil, retry.Permanent(fmt.Errorf("avatar download failed with status %d", resp.StatusCode))
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("avatar download failed with status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, d.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read avatar body: %w", err)
	}
	if int64(len(data)) > d.maxBytes {
		return nil, retry.Permanent(ErrImageTooLarge)
	}
	if len(data) == 0 {
		return nil, retry.Permanent(fmt.Errorf("%w: empty body from %s", ErrNoReferenceImage, url))
	}
	return data, nil
}
