package detector

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go-attendance-verifier/facematch"
	"go-attendance-verifier/retry"
)

const maxResponseSize = 1 << 20

// HTTPDetector calls a face detection service over HTTP
type HTTPDetector struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPDetector creates a new instance of HTTPDetector
func NewHTTPDetector(baseURL string, timeout time.Duration) *HTTPDetector {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDetector{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Detect posts the base64 encoded image to <base>/api/detect.
// Client errors (4xx) are permanent, everything else may be retried.
func (c *HTTPDetector) Detect(ctx context.Context, image []byte) (facematch.DetectionResult, error) {
	url := fmt.Sprintf("%s/api/detect", c.baseURL)

	jsonData, err := json.Marshal(detectRequest{Image: base64.StdEncoding.EncodeToString(image)})
	if err != nil {
		return facematch.DetectionResult{}, retry.Permanent(fmt.Errorf("failed to marshal detect request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return facematch.DetectionResult{}, retry.Permanent(fmt.Errorf("failed to create detect request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return facematch.DetectionResult{}, fmt.Errorf("failed to execute detect request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		err := fmt.Errorf("face detection failed with status %d: %s", resp.StatusCode, string(body))
		if isClientError(resp.StatusCode) {
			return facematch.DetectionResult{}, retry.Permanent(err)
		}
		return facematch.DetectionResult{}, err
	}

	var detectResp detectResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseSize)).Decode(&detectResp); err != nil {
		return facematch.DetectionResult{}, fmt.Errorf("failed to decode detect response: %w", err)
	}
	if detectResp.Error != "" {
		return facematch.DetectionResult{}, retry.Permanent(fmt.Errorf("detector reported: %s", detectResp.Error))
	}

	result := detectResp.toResult()
	slog.Debug("Face detection completed", "faces", len(result.Faces), "width", result.ImageWidth, "height", result.ImageHeight)
	return result, nil
}

// HealthCheck verifies the face detection service is available
func (c *HTTPDetector) HealthCheck(ctx context.Context) error {
	url := fmt.Sprintf("%s/api/healthz", c.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute health check request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("health check failed with status %d: %s", resp.StatusCode, string(body))
	}

	slog.Info("Face detection service health check passed")
	return nil
}

func isClientError(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}
