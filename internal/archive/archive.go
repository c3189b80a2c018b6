// Package archive mirrors finished artifacts to durable object storage.
// Archiving is best effort: the cache stays the source of truth for
// delivery, and upload failures never fail a request.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"

	"github.com/nevermorelove/spotify-track-bot/internal/domain"
)

const uploadTimeout = 5 * time.Minute

// Archiver stores a copy of a local artifact file under a track key.
type Archiver interface {
	Put(ctx context.Context, key domain.TrackKey, localPath string) error
}

// NopArchiver is used when no bucket is configured.
type NopArchiver struct{}

func (NopArchiver) Put(context.Context, domain.TrackKey, string) error { return nil }

// GCSArchiver mirrors artifacts into a Google Cloud Storage bucket.
type GCSArchiver struct {
	client       *storage.Client
	bucket       string
	objectPrefix string
}

// NewGCSArchiver creates an archiver for the given bucket. With an empty
// credentialsFile the client uses application default credentials.
func NewGCSArchiver(ctx context.Context, bucket, objectPrefix, credentialsFile string) (*GCSArchiver, error) {
	var client *storage.Client
	var err error

	if credentialsFile != "" {
		client, err = storage.NewClient(ctx, option.WithCredentialsFile(credentialsFile))
	} else {
		client, err = storage.NewClient(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return &GCSArchiver{
		client:       client,
		bucket:       bucket,
		objectPrefix: objectPrefix,
	}, nil
}

// Put uploads the local file as <prefix>/<key>.mp3, overwriting any
// previous copy for the same key.
func (a *GCSArchiver) Put(ctx context.Context, key domain.TrackKey, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open file %s: %w", localPath, err)
	}
	defer f.Close()

	ctx, cancel := context.WithTimeout(ctx, uploadTimeout)
	defer cancel()

	wc := a.client.Bucket(a.bucket).Object(a.objectName(key)).NewWriter(ctx)
	if _, err := io.Copy(wc, f); err != nil {
		return fmt.Errorf("failed to copy file to GCS: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

func (a *GCSArchiver) objectName(key domain.TrackKey) string {
	name := string(key) + ".mp3"
	if a.objectPrefix != "" {
		return path.Join(a.objectPrefix, name)
	}
	return name
}

// Close closes the GCS client.
func (a *GCSArchiver) Close() error {
	return a.client.Close()
}
