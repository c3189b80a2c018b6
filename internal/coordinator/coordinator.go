// Package coordinator ties reference resolution, the artifact cache and the
// acquisition pipeline into one request path shared by every transport.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevermorelove/spotify-track-bot/internal/cache"
	"github.com/nevermorelove/spotify-track-bot/internal/domain"
)

type referenceResolver interface {
	Resolve(ctx context.Context, reference string) (domain.TrackKey, domain.TrackMetadata, error)
}

type artifactCache interface {
	Lookup(ctx context.Context, key domain.TrackKey) (*cache.Lease, error)
}

type acquirer interface {
	Acquire(ctx context.Context, key domain.TrackKey, meta domain.TrackMetadata) (cache.Record, error)
}

// Delivery is a ready-to-send artifact. Callers must Release the lease once
// the file has been handed off.
type Delivery struct {
	Lease     *cache.Lease
	Record    cache.Record
	FromCache bool
}

// Release gives the underlying cache lease back. Safe on a nil delivery.
func (d *Delivery) Release() {
	if d != nil && d.Lease != nil {
		d.Lease.Release()
	}
}

// Coordinator handles one track reference end to end. It is stateless; all
// request scoping lives in the collaborators it composes.
type Coordinator struct {
	resolver referenceResolver
	cache    artifactCache
	acquirer acquirer
}

func New(resolver referenceResolver, artifacts artifactCache, acq acquirer) *Coordinator {
	return &Coordinator{
		resolver: resolver,
		cache:    artifacts,
		acquirer: acq,
	}
}

// Handle resolves a track reference and returns a leased, deliverable
// artifact, acquiring it first on a cache miss. Concurrent calls for the
// same track share one acquisition; each caller still gets its own lease.
func (c *Coordinator) Handle(ctx context.Context, reference string) (*Delivery, error) {
	start := time.Now()

	key, meta, err := c.resolver.Resolve(ctx, reference)
	if err != nil {
		return nil, err
	}

	log := slog.With("key", key, "title", meta.Title, "artist", meta.Artist)

	lease, err := c.cache.Lookup(ctx, key)
	if err == nil {
		log.Info("serving cached artifact", "duration", time.Since(start))
		return &Delivery{Lease: lease, Record: lease.Record, FromCache: true}, nil
	}
	if !errors.Is(err, cache.ErrMiss) {
		return nil, fmt.Errorf("cache lookup: %w", err)
	}

	log.Info("cache miss, acquiring")
	if _, err := c.acquirer.Acquire(ctx, key, meta); err != nil {
		return nil, err
	}

	// The acquisition's own lease is gone by now, so the stored record could
	// in principle be evicted before we re-lease it. Treat that as storage
	// inconsistency rather than reporting a spurious not-found.
	lease, err = c.cache.Lookup(ctx, key)
	if err != nil {
		if errors.Is(err, cache.ErrMiss) {
			return nil, fmt.Errorf("%w: artifact %s evicted before delivery", domain.ErrStorageInconsistent, key)
		}
		return nil, fmt.Errorf("cache lookup after acquisition: %w", err)
	}

	log.Info("acquired artifact", "size_bytes", lease.Record.SizeBytes, "duration", time.Since(start))
	return &Delivery{Lease: lease, Record: lease.Record, FromCache: false}, nil
}
