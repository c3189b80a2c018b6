package spotify

import (
	"context"
	"sync"

	"github.com/nevermorelove/spotify-track-bot/internal/domain"
)

// Resolver turns a raw track reference into a key plus canonical metadata.
// It parses locally first, so malformed input never reaches the network,
// and keeps a pass-through metadata cache so repeated references to the
// same track cost a single provider call.
type Resolver struct {
	source MetadataSource

	mu    sync.RWMutex
	cache map[domain.TrackKey]domain.TrackMetadata
}

func NewResolver(source MetadataSource) *Resolver {
	return &Resolver{
		source: source,
		cache:  make(map[domain.TrackKey]domain.TrackMetadata),
	}
}

// Resolve parses the reference and fetches metadata for it. Returns
// domain.ErrInvalidReference without any network activity for input that
// does not parse to a track identifier.
func (r *Resolver) Resolve(ctx context.Context, reference string) (domain.TrackKey, domain.TrackMetadata, error) {
	key, err := domain.ParseReference(reference)
	if err != nil {
		return "", domain.TrackMetadata{}, err
	}

	r.mu.RLock()
	meta, ok := r.cache[key]
	r.mu.RUnlock()
	if ok {
		return key, meta, nil
	}

	meta, err = r.source.FetchTrack(ctx, key)
	if err != nil {
		return "", domain.TrackMetadata{}, err
	}

	r.mu.Lock()
	r.cache[key] = meta
	r.mu.Unlock()

	return key, meta, nil
}
