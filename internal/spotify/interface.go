// Package spotify resolves track references into canonical track metadata.
// The primary source is the Spotify Web API; a scraper over the public track
// pages serves as a credential-less fallback.
package spotify

import (
	"context"

	"github.com/nevermorelove/spotify-track-bot/internal/domain"
)

// MetadataSource fetches canonical metadata for a track key. Implementations
// wrap provider failures into domain.ErrUpstreamUnavailable.
type MetadataSource interface {
	FetchTrack(ctx context.Context, key domain.TrackKey) (domain.TrackMetadata, error)
}
