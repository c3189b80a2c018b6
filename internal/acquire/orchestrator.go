// Package acquire drives the cache-miss pipeline for one track: search for
// a source, download it, transcode, embed artwork, and hand the finished
// artifact to the cache. Concurrent requests for the same key share a single
// in-flight acquisition.
package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/nevermorelove/spotify-track-bot/internal/audio"
	"github.com/nevermorelove/spotify-track-bot/internal/cache"
	"github.com/nevermorelove/spotify-track-bot/internal/domain"
	"github.com/nevermorelove/spotify-track-bot/internal/downloader"
	"github.com/nevermorelove/spotify-track-bot/internal/progress"
)

const artworkFetchTimeout = 15 * time.Second

// artifactStore is the slice of the cache the orchestrator needs: it only
// ever stores, never reads or mutates records directly.
type artifactStore interface {
	Store(ctx context.Context, key domain.TrackKey, meta domain.TrackMetadata, audioPath, coverPath string) (*cache.Lease, error)
}

// Archiver mirrors a finished artifact to durable storage after it has been
// cached. Upload failures never fail the acquisition.
type Archiver interface {
	Put(ctx context.Context, key domain.TrackKey, localPath string) error
}

// Options configures the orchestrator's policies.
type Options struct {
	// MinConfidence is the acceptance bar for a search match.
	MinConfidence float64

	// MaxCandidates bounds how many search results are scored.
	MaxCandidates int

	// DownloadRetries is the number of attempts for transient download
	// failures.
	DownloadRetries int

	// DownloadBackoff is the initial retry delay; it doubles per attempt.
	DownloadBackoff time.Duration

	// TranscodeTimeout bounds the transcode step. The shared acquisition
	// must settle even if the processor wedges, or the key stays
	// unacquirable until restart.
	TranscodeTimeout time.Duration

	// WorkDir hosts per-acquisition temporary directories. Defaults to the
	// system temp directory.
	WorkDir string
}

// Orchestrator runs acquisitions. Safe for concurrent use.
type Orchestrator struct {
	source     downloader.SourceClient
	processor  audio.Processor
	store      artifactStore
	httpClient *http.Client
	archiver   Archiver
	opts       Options

	group singleflight.Group

	mu        sync.Mutex
	listeners []func(progress.Event)
}

func New(source downloader.SourceClient, processor audio.Processor, store artifactStore, opts Options) *Orchestrator {
	if opts.MaxCandidates <= 0 {
		opts.MaxCandidates = 5
	}
	if opts.DownloadRetries <= 0 {
		opts.DownloadRetries = 3
	}
	if opts.DownloadBackoff <= 0 {
		opts.DownloadBackoff = 2 * time.Second
	}
	if opts.TranscodeTimeout <= 0 {
		opts.TranscodeTimeout = 15 * time.Minute
	}

	return &Orchestrator{
		source:     source,
		processor:  processor,
		store:      store,
		httpClient: &http.Client{Timeout: artworkFetchTimeout},
		opts:       opts,
	}
}

// UseArchiver enables mirroring of finished artifacts to durable storage.
func (o *Orchestrator) UseArchiver(a Archiver) {
	o.archiver = a
}

// AddListener registers a listener that receives progress events for every
// acquisition started after the call.
func (o *Orchestrator) AddListener(listener func(progress.Event)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, listener)
}

// Acquire produces a cached artifact for the key, or attaches to an
// acquisition already in flight for it. Cancelling ctx detaches this caller
// only: the shared work runs to completion and its result is cached for
// future requesters.
func (o *Orchestrator) Acquire(ctx context.Context, key domain.TrackKey, meta domain.TrackMetadata) (cache.Record, error) {
	ch := o.group.DoChan(string(key), func() (any, error) {
		return o.run(context.WithoutCancel(ctx), key, meta)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return cache.Record{}, res.Err
		}
		return res.Val.(cache.Record), nil
	case <-ctx.Done():
		slog.Info("caller detached from acquisition", "key", key, "reason", ctx.Err())
		return cache.Record{}, ctx.Err()
	}
}

// run executes the full pipeline for one key. All working files live in a
// per-acquisition temp directory that is removed on every exit path.
func (o *Orchestrator) run(ctx context.Context, key domain.TrackKey, meta domain.TrackMetadata) (cache.Record, error) {
	tracker := progress.NewTracker(key)
	o.mu.Lock()
	for _, listener := range o.listeners {
		tracker.AddListener(listener)
	}
	o.mu.Unlock()

	workDir, err := os.MkdirTemp(o.opts.WorkDir, "acquire-"+string(key)+"-")
	if err != nil {
		err = fmt.Errorf("%w: failed to create working directory: %v", domain.ErrDownloadFailed, err)
		tracker.SetError(err)
		return cache.Record{}, err
	}
	defer os.RemoveAll(workDir)

	slog.Info("starting acquisition", "key", key, "title", meta.Title, "artist", meta.Artist)

	sourceURL, err := o.search(ctx, tracker, meta)
	if err != nil {
		tracker.SetError(err)
		return cache.Record{}, err
	}

	rawFile, err := o.download(ctx, tracker, sourceURL, workDir)
	if err != nil {
		tracker.SetError(err)
		return cache.Record{}, err
	}

	finalFile, err := o.transcode(ctx, tracker, rawFile, workDir, meta)
	if err != nil {
		tracker.SetError(err)
		return cache.Record{}, err
	}

	finalFile, coverFile := o.embedArtwork(ctx, tracker, finalFile, workDir, meta)

	lease, err := o.store.Store(ctx, key, meta, finalFile, coverFile)
	if err != nil {
		err = fmt.Errorf("failed to store artifact: %w", err)
		tracker.SetError(err)
		return cache.Record{}, err
	}
	defer lease.Release()

	if o.archiver != nil {
		if err := o.archiver.Put(ctx, key, lease.Record.FilePath); err != nil {
			slog.Warn("artifact archiving failed", "key", key, "error", err)
		}
	}

	tracker.SetStage(progress.StageComplete, "track ready")
	slog.Info("acquisition complete", "key", key, "sizeBytes", lease.Record.SizeBytes)
	return lease.Record, nil
}

func (o *Orchestrator) search(ctx context.Context, tracker *progress.Tracker, meta domain.TrackMetadata) (string, error) {
	query := meta.SearchQuery()
	tracker.SetStage(progress.StageSearching, "searching for a source")

	candidates, err := o.source.Search(ctx, query, o.opts.MaxCandidates)
	if err != nil {
		return "", fmt.Errorf("%w: source search: %v", domain.ErrDownloadFailed, err)
	}

	best, score, ok := pickBestCandidate(meta, candidates, o.opts.MinConfidence)
	if !ok {
		slog.Info("no candidate cleared the confidence bar",
			"query", query,
			"candidates", len(candidates),
			"bestScore", fmt.Sprintf("%.2f", score),
			"minConfidence", o.opts.MinConfidence,
		)
		return "", fmt.Errorf("%w: best of %d candidates scored %.2f", domain.ErrNotFound, len(candidates), score)
	}

	slog.Debug("selected source", "url", best.URL, "title", best.Title, "score", fmt.Sprintf("%.2f", score))
	return best.URL, nil
}

func (o *Orchestrator) download(ctx context.Context, tracker *progress.Tracker, sourceURL, workDir string) (string, error) {
	tracker.SetStage(progress.StageDownloading, "downloading audio")

	backoff := o.opts.DownloadBackoff
	var lastErr error

	for attempt := 1; attempt <= o.opts.DownloadRetries; attempt++ {
		path, err := o.source.Download(ctx, sourceURL, workDir)
		if err == nil {
			return path, nil
		}
		lastErr = err

		if !isTransientDownloadError(err) || attempt == o.opts.DownloadRetries {
			break
		}

		slog.Warn("download attempt failed, retrying",
			"url", sourceURL,
			"attempt", attempt,
			"backoff", backoff,
			"error", err,
		)
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return "", fmt.Errorf("%w: %v", domain.ErrDownloadFailed, ctx.Err())
		}
		backoff *= 2
	}

	return "", fmt.Errorf("%w: %v", domain.ErrDownloadFailed, lastErr)
}

func (o *Orchestrator) transcode(ctx context.Context, tracker *progress.Tracker, rawFile, workDir string, meta domain.TrackMetadata) (string, error) {
	tracker.SetStage(progress.StageTranscoding, "normalizing audio")

	ctx, cancel := context.WithTimeout(ctx, o.opts.TranscodeTimeout)
	defer cancel()

	finalFile := filepath.Join(workDir, "final.mp3")
	if err := o.processor.Transcode(ctx, rawFile, finalFile, meta); err != nil {
		// Not retried: a failing transcode almost always means a corrupt or
		// unsupported source.
		return "", fmt.Errorf("%w: %v", domain.ErrTranscodeFailed, err)
	}
	return finalFile, nil
}

// embedArtwork is best-effort: any failure logs the degradation and returns
// the un-decorated audio with no cover.
func (o *Orchestrator) embedArtwork(ctx context.Context, tracker *progress.Tracker, audioFile, workDir string, meta domain.TrackMetadata) (string, string) {
	if meta.ArtworkURL == "" {
		return audioFile, ""
	}

	tracker.SetStage(progress.StageEmbedding, "attaching artwork")

	coverFile := filepath.Join(workDir, "cover.jpg")
	if err := o.fetchArtwork(ctx, meta.ArtworkURL, coverFile); err != nil {
		slog.Warn("artwork fetch failed, delivering without cover", "url", meta.ArtworkURL, "error", err)
		return audioFile, ""
	}

	decorated := filepath.Join(workDir, "final-art.mp3")
	if err := o.processor.EmbedCoverArt(ctx, audioFile, coverFile, decorated); err != nil {
		slog.Warn("artwork embedding failed, delivering without cover", "error", err)
		return audioFile, coverFile
	}

	return decorated, coverFile
}

func (o *Orchestrator) fetchArtwork(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		os.Remove(destPath)
		return err
	}
	return nil
}

func isTransientDownloadError(err error) bool {
	return errors.Is(err, downloader.ErrTransient) || errors.Is(err, downloader.ErrDownloadTimeout)
}
