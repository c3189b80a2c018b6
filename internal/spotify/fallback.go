package spotify

import (
	"context"
	"errors"
	"log/slog"

	"github.com/nevermorelove/spotify-track-bot/internal/domain"
)

// FallbackSource tries the primary metadata source and falls back to the
// secondary when the primary is unavailable. Invalid references are never
// retried against the secondary.
type FallbackSource struct {
	primary   MetadataSource
	secondary MetadataSource
}

func NewFallbackSource(primary, secondary MetadataSource) *FallbackSource {
	return &FallbackSource{primary: primary, secondary: secondary}
}

func (f *FallbackSource) FetchTrack(ctx context.Context, key domain.TrackKey) (domain.TrackMetadata, error) {
	meta, err := f.primary.FetchTrack(ctx, key)
	if err == nil {
		return meta, nil
	}
	if errors.Is(err, domain.ErrInvalidReference) {
		return domain.TrackMetadata{}, err
	}

	slog.Warn("primary metadata source failed, trying fallback", "key", key, "error", err)

	meta, fallbackErr := f.secondary.FetchTrack(ctx, key)
	if fallbackErr != nil {
		slog.Warn("fallback metadata source failed", "key", key, "error", fallbackErr)
		// Report the primary failure; it is the more meaningful one.
		return domain.TrackMetadata{}, err
	}
	return meta, nil
}
