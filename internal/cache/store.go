package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nevermorelove/spotify-track-bot/internal/domain"
)

// recordStore persists cache records in sqlite. All calls are made under the
// cache mutex; the store itself adds no locking.
type recordStore struct {
	db *sql.DB
}

func newRecordStore(ctx context.Context, db *sql.DB) (*recordStore, error) {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS artifacts (
			key TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			artist TEXT NOT NULL,
			album TEXT,
			duration_seconds INTEGER NOT NULL DEFAULT 0,
			artwork_url TEXT,
			file_path TEXT NOT NULL,
			cover_path TEXT,
			size_bytes INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			last_accessed_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_last_accessed ON artifacts(last_accessed_at, key);`,
	}

	for _, q := range queries {
		if _, err := db.ExecContext(ctx, q); err != nil {
			return nil, fmt.Errorf("failed to initialize artifacts table: %w", err)
		}
	}

	return &recordStore{db: db}, nil
}

func (s *recordStore) get(ctx context.Context, key domain.TrackKey) (Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT key, title, artist, album, duration_seconds, artwork_url,
		       file_path, cover_path, size_bytes, created_at, last_accessed_at
		FROM artifacts WHERE key = ?`, string(key))

	return scanRecord(row)
}

func (s *recordStore) insert(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO artifacts
			(key, title, artist, album, duration_seconds, artwork_url,
			 file_path, cover_path, size_bytes, created_at, last_accessed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Key),
		rec.Metadata.Title,
		rec.Metadata.Artist,
		rec.Metadata.Album,
		rec.Metadata.DurationSeconds,
		rec.Metadata.ArtworkURL,
		rec.FilePath,
		rec.CoverPath,
		rec.SizeBytes,
		rec.CreatedAt.UnixNano(),
		rec.LastAccessedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert record %s: %w", rec.Key, err)
	}
	return nil
}

func (s *recordStore) touch(ctx context.Context, key domain.TrackKey, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE artifacts SET last_accessed_at = ? WHERE key = ?`,
		at.UnixNano(), string(key))
	if err != nil {
		return fmt.Errorf("failed to touch record %s: %w", key, err)
	}
	return nil
}

func (s *recordStore) delete(ctx context.Context, key domain.TrackKey) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE key = ?`, string(key))
	if err != nil {
		return fmt.Errorf("failed to delete record %s: %w", key, err)
	}
	return nil
}

func (s *recordStore) totalSize(ctx context.Context) (int64, error) {
	var total sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT SUM(size_bytes) FROM artifacts`).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to compute total cache size: %w", err)
	}
	return total.Int64, nil
}

// list returns all records ordered least-recently-accessed first, key order
// breaking ties deterministically.
func (s *recordStore) list(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, title, artist, album, duration_seconds, artwork_url,
		       file_path, cover_path, size_bytes, created_at, last_accessed_at
		FROM artifacts ORDER BY last_accessed_at ASC, key ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list records: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var key, album, artworkURL, coverPath sql.NullString
	var createdAt, lastAccessedAt int64

	err := row.Scan(
		&key,
		&rec.Metadata.Title,
		&rec.Metadata.Artist,
		&album,
		&rec.Metadata.DurationSeconds,
		&artworkURL,
		&rec.FilePath,
		&coverPath,
		&rec.SizeBytes,
		&createdAt,
		&lastAccessedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, ErrMiss
		}
		return Record{}, fmt.Errorf("failed to scan record: %w", err)
	}

	rec.Key = domain.TrackKey(key.String)
	rec.Metadata.Album = album.String
	rec.Metadata.ArtworkURL = artworkURL.String
	rec.CoverPath = coverPath.String
	rec.CreatedAt = time.Unix(0, createdAt)
	rec.LastAccessedAt = time.Unix(0, lastAccessedAt)
	return rec, nil
}
