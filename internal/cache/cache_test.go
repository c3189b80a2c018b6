package cache

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nevermorelove/spotify-track-bot/internal/domain"
)

func newTestCache(t *testing.T, maxBytes int64) *Cache {
	t.Helper()

	dir := t.TempDir()
	db, err := sql.Open("sqlite3", filepath.Join(dir, "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	c, err := New(context.Background(), db, dir, maxBytes)
	require.NoError(t, err)
	return c
}

// fakeClock hands out strictly increasing timestamps.
type fakeClock struct {
	current time.Time
}

func (f *fakeClock) now() time.Time {
	f.current = f.current.Add(time.Second)
	return f.current
}

func writeSourceFile(t *testing.T, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "source.mp3")
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0644))
	return path
}

func testMetadata(title string) domain.TrackMetadata {
	return domain.TrackMetadata{Title: title, Artist: "Artist", DurationSeconds: 200}
}

func TestStoreLookupRoundTrip(t *testing.T) {
	c := newTestCache(t, 0)
	ctx := context.Background()
	key := domain.TrackKey("4cOdK2wGLETKBW3PvgPWqT")

	src := writeSourceFile(t, 2048)
	stored, err := c.Store(ctx, key, testMetadata("Paranoid"), src, "")
	require.NoError(t, err)
	stored.Release()

	lease, err := c.Lookup(ctx, key)
	require.NoError(t, err)
	defer lease.Release()

	assert.Equal(t, key, lease.Record.Key)
	assert.Equal(t, "Paranoid", lease.Record.Metadata.Title)
	assert.Equal(t, int64(2048), lease.Record.SizeBytes)

	info, err := os.Stat(lease.Record.FilePath)
	require.NoError(t, err)
	assert.Equal(t, int64(2048), info.Size())
}

func TestLookupMiss(t *testing.T) {
	c := newTestCache(t, 0)

	_, err := c.Lookup(context.Background(), "0000000000000000000000")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestLookupTouchesLastAccessed(t *testing.T) {
	c := newTestCache(t, 0)
	clock := &fakeClock{current: time.Unix(1700000000, 0)}
	c.now = clock.now
	ctx := context.Background()
	key := domain.TrackKey("4cOdK2wGLETKBW3PvgPWqT")

	stored, err := c.Store(ctx, key, testMetadata("Song"), writeSourceFile(t, 512), "")
	require.NoError(t, err)
	storedAt := stored.Record.LastAccessedAt
	stored.Release()

	lease, err := c.Lookup(ctx, key)
	require.NoError(t, err)
	defer lease.Release()

	assert.True(t, lease.Record.LastAccessedAt.After(storedAt),
		"lookup must advance last_accessed_at")
}

func TestLookupDropsRecordWithMissingFile(t *testing.T) {
	c := newTestCache(t, 0)
	ctx := context.Background()
	key := domain.TrackKey("4cOdK2wGLETKBW3PvgPWqT")

	stored, err := c.Store(ctx, key, testMetadata("Song"), writeSourceFile(t, 512), "")
	require.NoError(t, err)
	stored.Release()

	require.NoError(t, os.Remove(c.TrackPath(key)))

	_, err = c.Lookup(ctx, key)
	assert.ErrorIs(t, err, ErrMiss)

	records, err := c.Records(ctx)
	require.NoError(t, err)
	assert.Empty(t, records)
}

func TestEvictionKeepsLRUOrder(t *testing.T) {
	// Budget of 100 bytes; three 30-byte records, then a 20-byte store.
	c := newTestCache(t, 100)
	clock := &fakeClock{current: time.Unix(1700000000, 0)}
	c.now = clock.now
	ctx := context.Background()

	keys := []domain.TrackKey{
		"AAAAAAAAAAAAAAAAAAAAAA",
		"BBBBBBBBBBBBBBBBBBBBBB",
		"CCCCCCCCCCCCCCCCCCCCCC",
	}
	for _, key := range keys {
		lease, err := c.Store(ctx, key, testMetadata(string(key)), writeSourceFile(t, 30), "")
		require.NoError(t, err)
		lease.Release()
	}

	// Refresh A so B is now the least recently accessed.
	lease, err := c.Lookup(ctx, keys[0])
	require.NoError(t, err)
	lease.Release()

	stored, err := c.Store(ctx, "DDDDDDDDDDDDDDDDDDDDDD", testMetadata("D"), writeSourceFile(t, 20), "")
	require.NoError(t, err)
	stored.Release()

	total, err := c.TotalBytes(ctx)
	require.NoError(t, err)
	assert.LessOrEqual(t, total, int64(100), "budget invariant after store")

	_, err = c.Lookup(ctx, keys[1])
	assert.ErrorIs(t, err, ErrMiss, "least-recently-accessed record must be evicted first")

	lease, err = c.Lookup(ctx, keys[0])
	require.NoError(t, err, "recently touched record must survive eviction")
	lease.Release()

	assert.NoFileExists(t, c.TrackPath(keys[1]))
}

func TestEvictionSkipsLeasedRecords(t *testing.T) {
	c := newTestCache(t, 50)
	clock := &fakeClock{current: time.Unix(1700000000, 0)}
	c.now = clock.now
	ctx := context.Background()

	oldKey := domain.TrackKey("AAAAAAAAAAAAAAAAAAAAAA")
	held, err := c.Store(ctx, oldKey, testMetadata("held"), writeSourceFile(t, 40), "")
	require.NoError(t, err)
	// Keep the lease: this record must not be evicted.

	stored, err := c.Store(ctx, "BBBBBBBBBBBBBBBBBBBBBB", testMetadata("new"), writeSourceFile(t, 40), "")
	require.NoError(t, err)
	defer stored.Release()

	assert.FileExists(t, c.TrackPath(oldKey), "leased record must survive eviction")

	held.Release()
}

func TestEvictionReportsInconsistency(t *testing.T) {
	c := newTestCache(t, 10)
	ctx := context.Background()

	held, err := c.Store(ctx, "AAAAAAAAAAAAAAAAAAAAAA", testMetadata("big"), writeSourceFile(t, 40), "")
	require.NoError(t, err)
	defer held.Release()

	err = c.evictUntilWithinBudget(ctx)
	assert.ErrorIs(t, err, domain.ErrStorageInconsistent)
}

func TestStoreCommitsCover(t *testing.T) {
	c := newTestCache(t, 0)
	ctx := context.Background()
	key := domain.TrackKey("4cOdK2wGLETKBW3PvgPWqT")

	coverSrc := filepath.Join(t.TempDir(), "cover.jpg")
	require.NoError(t, os.WriteFile(coverSrc, []byte("jpeg"), 0644))

	lease, err := c.Store(ctx, key, testMetadata("Song"), writeSourceFile(t, 512), coverSrc)
	require.NoError(t, err)
	defer lease.Release()

	assert.Equal(t, c.CoverPath(key), lease.Record.CoverPath)
	assert.FileExists(t, lease.Record.CoverPath)
}

func TestStoreMissingCoverDegrades(t *testing.T) {
	c := newTestCache(t, 0)
	ctx := context.Background()

	lease, err := c.Store(ctx, "4cOdK2wGLETKBW3PvgPWqT", testMetadata("Song"),
		writeSourceFile(t, 512), filepath.Join(t.TempDir(), "missing.jpg"))
	require.NoError(t, err)
	defer lease.Release()

	assert.Empty(t, lease.Record.CoverPath)
}

func TestPurge(t *testing.T) {
	c := newTestCache(t, 0)
	ctx := context.Background()
	key := domain.TrackKey("4cOdK2wGLETKBW3PvgPWqT")

	lease, err := c.Store(ctx, key, testMetadata("Song"), writeSourceFile(t, 512), "")
	require.NoError(t, err)

	// Leased records cannot be purged.
	assert.ErrorIs(t, c.Purge(ctx, key), ErrBusy)

	lease.Release()
	require.NoError(t, c.Purge(ctx, key))

	_, err = c.Lookup(ctx, key)
	assert.ErrorIs(t, err, ErrMiss)
	assert.NoFileExists(t, c.TrackPath(key))
}

func TestSweep(t *testing.T) {
	c := newTestCache(t, 0)
	ctx := context.Background()
	key := domain.TrackKey("4cOdK2wGLETKBW3PvgPWqT")

	lease, err := c.Store(ctx, key, testMetadata("kept"), writeSourceFile(t, 512), "")
	require.NoError(t, err)
	lease.Release()

	// A record whose file vanished.
	goneKey := domain.TrackKey("BBBBBBBBBBBBBBBBBBBBBB")
	lease, err = c.Store(ctx, goneKey, testMetadata("gone"), writeSourceFile(t, 512), "")
	require.NoError(t, err)
	lease.Release()
	require.NoError(t, os.Remove(c.TrackPath(goneKey)))

	// A file nobody has a record for.
	orphan := filepath.Join(c.dir, tracksSubdir, "orphan.mp3")
	require.NoError(t, os.WriteFile(orphan, []byte("stray"), 0644))
	orphanCover := filepath.Join(c.dir, coversSubdir, "orphan.jpg")
	require.NoError(t, os.WriteFile(orphanCover, []byte("stray"), 0644))

	require.NoError(t, c.Sweep(ctx))

	records, err := c.Records(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, key, records[0].Key)

	assert.NoFileExists(t, orphan)
	assert.NoFileExists(t, orphanCover)
	assert.FileExists(t, c.TrackPath(key))
}

func TestCommitFileAtomic(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.bin")
	require.NoError(t, os.WriteFile(src, []byte("payload"), 0644))

	dest := filepath.Join(dir, "dest.bin")
	size, err := commitFile(src, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(7), size)

	// No temporary leftovers.
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}
