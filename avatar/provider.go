package avatar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

var ErrNoReferenceImage = errors.New("no reference image on file")

// ReferenceStore knows where each user's reference photo lives.
type ReferenceStore interface {
	// ReferenceImageURL returns ErrNoReferenceImage when the user has none.
	ReferenceImageURL(ctx context.Context, userID string) (string, error)
	SetReferenceImageURL(ctx context.Context, userID, url string) error
}

type Provider struct {
	store      ReferenceStore
	cache      Cache
	downloader *Downloader
}

func NewProvider(store ReferenceStore, cache Cache, downloader *Downloader) *Provider {
	return &Provider{store: store, cache: cache, downloader: downloader}
}

// Fetch returns the user's reference image, from cache when still fresh.
func (p *Provider) Fetch(ctx context.Context, userID string) ([]byte, error) {
	if data, ok := p.cache.Get(ctx, userID); ok {
		slog.Debug("Avatar cache hit", "user_id", userID)
		return data, nil
	}

	url, err := p.store.ReferenceImageURL(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrNoReferenceImage) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to look up reference image: %w", err)
	}
	if url == "" {
		return nil, ErrNoReferenceImage
	}

	data, err := p.downloader.Download(ctx, url)
	if err != nil {
		return nil, err
	}
	p.cache.Set(ctx, userID, data)
	return data, nil
}

// SetReference stores a new reference url and drops the cached image.
func (p *Provider) SetReference(ctx context.Context, userID, url string) error {
	if err := p.store.SetReferenceImageURL(ctx, userID, url); err != nil {
		return fmt.Errorf("failed to store reference image url: %w", err)
	}
	p.cache.Delete(ctx, userID)
	slog.Info("Reference image updated", "user_id", userID)
	return nil
}
