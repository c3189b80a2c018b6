// Package cache owns the durable artifact store: a sqlite record table plus
// a managed directory of audio files and covers named deterministically from
// the track key. It enforces the storage budget by evicting
// least-recently-accessed records and guarantees that a record is visible
// only while its file exists on disk.
package cache

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/nevermorelove/spotify-track-bot/internal/domain"
)

const (
	tracksSubdir = "tracks"
	coversSubdir = "covers"
)

// Record is a cached artifact: canonical metadata plus the managed files.
type Record struct {
	Key            domain.TrackKey      `json:"key"`
	Metadata       domain.TrackMetadata `json:"metadata"`
	FilePath       string               `json:"file_path"`
	CoverPath      string               `json:"cover_path,omitempty"`
	SizeBytes      int64                `json:"size_bytes"`
	CreatedAt      time.Time            `json:"created_at"`
	LastAccessedAt time.Time            `json:"last_accessed_at"`
}

// Lease is a reference-counted handle on a cached artifact. While a lease is
// held, eviction will not delete the underlying files. Release is safe to
// call more than once.
type Lease struct {
	Record Record

	once    sync.Once
	release func()
}

func (l *Lease) Release() {
	l.once.Do(func() {
		if l.release != nil {
			l.release()
		}
	})
}

// Cache is the artifact cache. One coarse mutex guards the record table and
// the accounting; lease counts guard files against deletion mid-delivery.
type Cache struct {
	store    *recordStore
	dir      string
	maxBytes int64

	mu     sync.Mutex
	leases map[domain.TrackKey]int

	now func() time.Time
}

// New opens the cache over the given database and managed directory.
// maxBytes of 0 disables the budget.
func New(ctx context.Context, db *sql.DB, dir string, maxBytes int64) (*Cache, error) {
	for _, sub := range []string{tracksSubdir, coversSubdir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	store, err := newRecordStore(ctx, db)
	if err != nil {
		return nil, err
	}

	return &Cache{
		store:    store,
		dir:      dir,
		maxBytes: maxBytes,
		leases:   make(map[domain.TrackKey]int),
		now:      time.Now,
	}, nil
}

// TrackPath returns the managed audio path for a key.
func (c *Cache) TrackPath(key domain.TrackKey) string {
	return filepath.Join(c.dir, tracksSubdir, string(key)+".mp3")
}

// CoverPath returns the managed cover path for a key.
func (c *Cache) CoverPath(key domain.TrackKey) string {
	return filepath.Join(c.dir, coversSubdir, string(key)+".jpg")
}

// Lookup returns a leased record for the key, updating its last-access
// time, or ErrMiss. A record whose file has gone missing is dropped and
// reported as a miss.
func (c *Cache) Lookup(ctx context.Context, key domain.TrackKey) (*Lease, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, err := c.store.get(ctx, key)
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(rec.FilePath); err != nil {
		slog.Warn("cached file missing, dropping record", "key", key, "path", rec.FilePath)
		if delErr := c.store.delete(ctx, key); delErr != nil {
			return nil, delErr
		}
		return nil, ErrMiss
	}

	rec.LastAccessedAt = c.now()
	if err := c.store.touch(ctx, key, rec.LastAccessedAt); err != nil {
		return nil, err
	}

	return c.lease(key, rec), nil
}

// Store commits a produced artifact into managed storage: the audio file is
// copied to a temporary path and renamed into place, the record is
// persisted, and eviction runs if a budget is configured. The returned lease
// guards the fresh record from immediate eviction. The orchestrator's
// working files are left for its own cleanup.
func (c *Cache) Store(ctx context.Context, key domain.TrackKey, meta domain.TrackMetadata, audioPath, coverPath string) (*Lease, error) {
	destAudio := c.TrackPath(key)
	size, err := commitFile(audioPath, destAudio)
	if err != nil {
		return nil, fmt.Errorf("failed to commit audio file: %w", err)
	}

	destCover := ""
	if coverPath != "" {
		destCover = c.CoverPath(key)
		if _, err := commitFile(coverPath, destCover); err != nil {
			// Artwork is best-effort all the way through.
			slog.Warn("failed to commit cover art", "key", key, "error", err)
			destCover = ""
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	rec := Record{
		Key:            key,
		Metadata:       meta,
		FilePath:       destAudio,
		CoverPath:      destCover,
		SizeBytes:      size,
		CreatedAt:      now,
		LastAccessedAt: now,
	}

	if err := c.store.insert(ctx, rec); err != nil {
		// Keep the invariant: no record, no orphan file.
		os.Remove(destAudio)
		if destCover != "" {
			os.Remove(destCover)
		}
		return nil, err
	}

	lease := c.lease(key, rec)

	if err := c.evictUntilWithinBudget(ctx); err != nil {
		slog.Error("storage budget invariant violated", "key", key, "error", err)
	}

	return lease, nil
}

// Purge removes a record and its files. Fails with ErrBusy while the record
// is leased by an in-progress delivery.
func (c *Cache) Purge(ctx context.Context, key domain.TrackKey) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.leases[key] > 0 {
		return fmt.Errorf("%w: %s", ErrBusy, key)
	}

	rec, err := c.store.get(ctx, key)
	if err != nil {
		return err
	}

	return c.removeLocked(ctx, rec)
}

// Records lists all cached records, least-recently-accessed first.
func (c *Cache) Records(ctx context.Context) ([]Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.list(ctx)
}

// TotalBytes returns the summed size of all cached audio.
func (c *Cache) TotalBytes(ctx context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.totalSize(ctx)
}

// Sweep reconciles the record table with the managed directory: records
// whose file is gone are dropped, files and covers without a record are
// deleted. Run at startup.
func (c *Cache) Sweep(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	records, err := c.store.list(ctx)
	if err != nil {
		return err
	}

	known := make(map[string]domain.TrackKey, len(records))
	for _, rec := range records {
		if _, err := os.Stat(rec.FilePath); err != nil {
			slog.Info("sweep: dropping record with missing file", "key", rec.Key)
			if err := c.store.delete(ctx, rec.Key); err != nil {
				return err
			}
			continue
		}
		known[filepath.Base(rec.FilePath)] = rec.Key
	}

	trackEntries, err := os.ReadDir(filepath.Join(c.dir, tracksSubdir))
	if err != nil {
		return fmt.Errorf("sweep: failed to read tracks directory: %w", err)
	}

	for _, entry := range trackEntries {
		if entry.IsDir() {
			continue
		}
		if _, ok := known[entry.Name()]; ok {
			continue
		}
		orphan := filepath.Join(c.dir, tracksSubdir, entry.Name())
		slog.Info("sweep: removing orphaned file", "path", orphan)
		if err := os.Remove(orphan); err != nil {
			slog.Warn("sweep: failed to remove orphan", "path", orphan, "error", err)
		}
	}

	coverEntries, err := os.ReadDir(filepath.Join(c.dir, coversSubdir))
	if err != nil {
		return fmt.Errorf("sweep: failed to read covers directory: %w", err)
	}

	keys := make(map[domain.TrackKey]bool, len(known))
	for _, key := range known {
		keys[key] = true
	}

	for _, entry := range coverEntries {
		if entry.IsDir() {
			continue
		}
		key := domain.TrackKey(trimExt(entry.Name()))
		if keys[key] {
			continue
		}
		orphan := filepath.Join(c.dir, coversSubdir, entry.Name())
		slog.Info("sweep: removing orphaned cover", "path", orphan)
		if err := os.Remove(orphan); err != nil {
			slog.Warn("sweep: failed to remove orphan", "path", orphan, "error", err)
		}
	}

	return nil
}

// evictUntilWithinBudget removes least-recently-accessed records until the
// total is within the budget, skipping leased records. Called under the
// mutex after every store. Returns ErrStorageInconsistent when the budget
// cannot be met because everything left is leased.
func (c *Cache) evictUntilWithinBudget(ctx context.Context) error {
	if c.maxBytes <= 0 {
		return nil
	}

	total, err := c.store.totalSize(ctx)
	if err != nil {
		return err
	}
	if total <= c.maxBytes {
		return nil
	}

	slog.Warn("cache over budget, evicting",
		"totalBytes", total,
		"maxBytes", c.maxBytes,
	)

	records, err := c.store.list(ctx)
	if err != nil {
		return err
	}

	for _, rec := range records {
		if total <= c.maxBytes {
			return nil
		}
		if c.leases[rec.Key] > 0 {
			continue
		}

		if err := c.removeLocked(ctx, rec); err != nil {
			slog.Warn("eviction failed for record", "key", rec.Key, "error", err)
			continue
		}

		slog.Info("evicted cached track", "key", rec.Key, "sizeBytes", rec.SizeBytes)
		total -= rec.SizeBytes
	}

	if total > c.maxBytes {
		return fmt.Errorf("%w: %d bytes cached with budget %d and nothing evictable",
			domain.ErrStorageInconsistent, total, c.maxBytes)
	}
	return nil
}

// removeLocked deletes the files first, then the record, so a crash between
// the two leaves an orphaned record (repaired by Sweep) rather than a
// record pointing at nothing.
func (c *Cache) removeLocked(ctx context.Context, rec Record) error {
	if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %s: %w", rec.FilePath, err)
	}
	if rec.CoverPath != "" {
		if err := os.Remove(rec.CoverPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("failed to remove cover", "path", rec.CoverPath, "error", err)
		}
	}
	return c.store.delete(ctx, rec.Key)
}

func (c *Cache) lease(key domain.TrackKey, rec Record) *Lease {
	c.leases[key]++
	return &Lease{
		Record: rec,
		release: func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.leases[key]--
			if c.leases[key] <= 0 {
				delete(c.leases, key)
			}
		},
	}
}

// commitFile copies src into place through a temporary file in the target
// directory and an atomic rename, so a partially written file is never
// visible under the final name.
func commitFile(src, dest string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer in.Close()

	tmp, err := os.CreateTemp(filepath.Dir(dest), ".commit-*")
	if err != nil {
		return 0, err
	}
	tmpPath := tmp.Name()

	size, err := io.Copy(tmp, in)
	if err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return 0, err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		os.Remove(tmpPath)
		return 0, err
	}

	return size, nil
}

func trimExt(name string) string {
	return name[:len(name)-len(filepath.Ext(name))]
}
