package acquire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nevermorelove/spotify-track-bot/internal/cache"
	"github.com/nevermorelove/spotify-track-bot/internal/domain"
	"github.com/nevermorelove/spotify-track-bot/internal/downloader"
)

const testKey = domain.TrackKey("4cOdK2wGLETKBW3PvgPWqT")

// mockSource is a SourceClient with function fields and call counters.
type mockSource struct {
	mu            sync.Mutex
	searchCalls   int
	downloadCalls int
	searchFunc    func(ctx context.Context, query string, maxResults int) ([]downloader.Candidate, error)
	downloadFunc  func(ctx context.Context, url, outputDir string) (string, error)
}

func (m *mockSource) Search(ctx context.Context, query string, maxResults int) ([]downloader.Candidate, error) {
	m.mu.Lock()
	m.searchCalls++
	m.mu.Unlock()
	return m.searchFunc(ctx, query, maxResults)
}

func (m *mockSource) Download(ctx context.Context, url, outputDir string) (string, error) {
	m.mu.Lock()
	m.downloadCalls++
	m.mu.Unlock()
	if m.downloadFunc != nil {
		return m.downloadFunc(ctx, url, outputDir)
	}
	path := filepath.Join(outputDir, "source.webm")
	return path, os.WriteFile(path, []byte("raw audio"), 0644)
}

func (m *mockSource) counts() (int, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.searchCalls, m.downloadCalls
}

// mockProcessor copies files around instead of invoking ffmpeg.
type mockProcessor struct {
	mu             sync.Mutex
	transcodeCalls int
	transcodeErr   error
	transcodeFunc  func(ctx context.Context) error
	embedErr       error
}

func (m *mockProcessor) Transcode(ctx context.Context, inputPath, outputPath string, meta domain.TrackMetadata) error {
	m.mu.Lock()
	m.transcodeCalls++
	m.mu.Unlock()
	if m.transcodeErr != nil {
		return m.transcodeErr
	}
	if m.transcodeFunc != nil {
		return m.transcodeFunc(ctx)
	}
	return os.WriteFile(outputPath, []byte("mp3 audio"), 0644)
}

func (m *mockProcessor) EmbedCoverArt(ctx context.Context, audioPath, coverPath, outputPath string) error {
	if m.embedErr != nil {
		return m.embedErr
	}
	return os.WriteFile(outputPath, []byte("mp3 audio with art"), 0644)
}

// mockStore records Store calls and returns plain leases.
type mockStore struct {
	mu        sync.Mutex
	calls     int
	lastCover string
	storeErr  error
}

func (m *mockStore) Store(ctx context.Context, key domain.TrackKey, meta domain.TrackMetadata, audioPath, coverPath string) (*cache.Lease, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.storeErr != nil {
		return nil, m.storeErr
	}
	m.calls++
	m.lastCover = coverPath

	info, err := os.Stat(audioPath)
	if err != nil {
		return nil, fmt.Errorf("store received missing file: %w", err)
	}

	return &cache.Lease{Record: cache.Record{
		Key:       key,
		Metadata:  meta,
		FilePath:  audioPath,
		CoverPath: coverPath,
		SizeBytes: info.Size(),
	}}, nil
}

func goodCandidates() []downloader.Candidate {
	return []downloader.Candidate{
		{
			ID:              "abc",
			Title:           "Black Sabbath - Paranoid",
			URL:             "https://www.youtube.com/watch?v=abc",
			Uploader:        "Black Sabbath",
			DurationSeconds: 168,
		},
	}
}

func paranoidMetadata(artworkURL string) domain.TrackMetadata {
	return domain.TrackMetadata{
		Title:           "Paranoid",
		Artist:          "Black Sabbath",
		DurationSeconds: 168,
		ArtworkURL:      artworkURL,
	}
}

func newTestOrchestrator(t *testing.T, source *mockSource, processor *mockProcessor, store *mockStore) *Orchestrator {
	t.Helper()
	return New(source, processor, store, Options{
		MinConfidence:   0.5,
		DownloadRetries: 3,
		DownloadBackoff: time.Millisecond,
		WorkDir:         t.TempDir(),
	})
}

func TestAcquireArtworkFailureDegrades(t *testing.T) {
	// Artwork endpoint is down; acquisition must still complete, without a
	// cover.
	artServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer artServer.Close()

	source := &mockSource{
		searchFunc: func(ctx context.Context, query string, maxResults int) ([]downloader.Candidate, error) {
			return goodCandidates(), nil
		},
	}
	store := &mockStore{}
	orch := newTestOrchestrator(t, source, &mockProcessor{}, store)

	rec, err := orch.Acquire(context.Background(), testKey, paranoidMetadata(artServer.URL+"/cover.jpg"))

	require.NoError(t, err)
	assert.Equal(t, testKey, rec.Key)
	assert.Empty(t, store.lastCover, "artwork failure must not fail the acquisition")
	assert.Equal(t, 1, store.calls)
}

func TestAcquireEmbedsArtwork(t *testing.T) {
	artServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("jpeg bytes"))
	}))
	defer artServer.Close()

	source := &mockSource{
		searchFunc: func(ctx context.Context, query string, maxResults int) ([]downloader.Candidate, error) {
			return goodCandidates(), nil
		},
	}
	store := &mockStore{}
	orch := newTestOrchestrator(t, source, &mockProcessor{}, store)

	_, err := orch.Acquire(context.Background(), testKey, paranoidMetadata(artServer.URL+"/cover.jpg"))

	require.NoError(t, err)
	assert.NotEmpty(t, store.lastCover)
}

func TestAcquireSingleFlight(t *testing.T) {
	// Two concurrent acquisitions for the same key must run the pipeline
	// exactly once and hand both callers the same result.
	block := make(chan struct{})
	source := &mockSource{
		searchFunc: func(ctx context.Context, query string, maxResults int) ([]downloader.Candidate, error) {
			<-block
			return goodCandidates(), nil
		},
	}
	store := &mockStore{}
	orch := newTestOrchestrator(t, source, &mockProcessor{}, store)

	var wg sync.WaitGroup
	results := make([]cache.Record, 2)
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = orch.Acquire(context.Background(), testKey, paranoidMetadata(""))
		}(i)
	}

	// Give both callers time to attach before releasing the search.
	time.Sleep(50 * time.Millisecond)
	close(block)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].FilePath, results[1].FilePath)

	searches, downloads := source.counts()
	assert.Equal(t, 1, searches, "concurrent callers must share one search")
	assert.Equal(t, 1, downloads, "concurrent callers must share one download")
	assert.Equal(t, 1, store.calls)
}

func TestAcquireNotFoundCleansUp(t *testing.T) {
	source := &mockSource{
		searchFunc: func(ctx context.Context, query string, maxResults int) ([]downloader.Candidate, error) {
			return []downloader.Candidate{{
				ID:    "xyz",
				Title: "completely unrelated video",
				URL:   "https://www.youtube.com/watch?v=xyz",
			}}, nil
		},
	}
	store := &mockStore{}
	workDir := t.TempDir()
	orch := New(source, &mockProcessor{}, store, Options{
		MinConfidence:   0.7,
		DownloadBackoff: time.Millisecond,
		WorkDir:         workDir,
	})

	_, err := orch.Acquire(context.Background(), testKey, paranoidMetadata(""))

	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 0, store.calls)

	// No temporary working files remain.
	entries, readErr := os.ReadDir(workDir)
	require.NoError(t, readErr)
	assert.Empty(t, entries)
}

func TestDownloadRetriesTransientFailures(t *testing.T) {
	attempts := 0
	source := &mockSource{
		searchFunc: func(ctx context.Context, query string, maxResults int) ([]downloader.Candidate, error) {
			return goodCandidates(), nil
		},
		downloadFunc: func(ctx context.Context, url, outputDir string) (string, error) {
			attempts++
			if attempts < 3 {
				return "", fmt.Errorf("%w: connection reset", downloader.ErrTransient)
			}
			path := filepath.Join(outputDir, "source.webm")
			return path, os.WriteFile(path, []byte("raw audio"), 0644)
		},
	}
	orch := newTestOrchestrator(t, source, &mockProcessor{}, &mockStore{})

	_, err := orch.Acquire(context.Background(), testKey, paranoidMetadata(""))

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestDownloadPermanentFailureNotRetried(t *testing.T) {
	source := &mockSource{
		searchFunc: func(ctx context.Context, query string, maxResults int) ([]downloader.Candidate, error) {
			return goodCandidates(), nil
		},
		downloadFunc: func(ctx context.Context, url, outputDir string) (string, error) {
			return "", errors.New("video unavailable")
		},
	}
	orch := newTestOrchestrator(t, source, &mockProcessor{}, &mockStore{})

	_, err := orch.Acquire(context.Background(), testKey, paranoidMetadata(""))

	assert.ErrorIs(t, err, domain.ErrDownloadFailed)
	_, downloads := source.counts()
	assert.Equal(t, 1, downloads, "permanent failures must not be retried")
}

func TestTranscodeFailureNotRetried(t *testing.T) {
	source := &mockSource{
		searchFunc: func(ctx context.Context, query string, maxResults int) ([]downloader.Candidate, error) {
			return goodCandidates(), nil
		},
	}
	processor := &mockProcessor{transcodeErr: errors.New("corrupt stream")}
	orch := newTestOrchestrator(t, source, processor, &mockStore{})

	_, err := orch.Acquire(context.Background(), testKey, paranoidMetadata(""))

	assert.ErrorIs(t, err, domain.ErrTranscodeFailed)
	assert.Equal(t, 1, processor.transcodeCalls)
}

func TestAcquireCancellationDetachesCaller(t *testing.T) {
	// Cancelling the requesting context must release the caller promptly
	// while the shared acquisition keeps running and stores its result.
	block := make(chan struct{})
	source := &mockSource{
		searchFunc: func(ctx context.Context, query string, maxResults int) ([]downloader.Candidate, error) {
			<-block
			return goodCandidates(), nil
		},
	}
	store := &mockStore{}
	orch := newTestOrchestrator(t, source, &mockProcessor{}, store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := orch.Acquire(ctx, testKey, paranoidMetadata(""))
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("caller did not detach after cancellation")
	}

	// Release the pipeline and wait for the shared work to finish.
	close(block)
	assert.Eventually(t, func() bool {
		store.mu.Lock()
		defer store.mu.Unlock()
		return store.calls == 1
	}, 2*time.Second, 10*time.Millisecond, "shared work must run to completion after the caller detached")
}

type mockArchiver struct {
	mu    sync.Mutex
	calls int
	paths []string
	err   error
}

func (m *mockArchiver) Put(_ context.Context, _ domain.TrackKey, localPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.paths = append(m.paths, localPath)
	return m.err
}

func TestAcquireArchivesStoredArtifact(t *testing.T) {
	source := &mockSource{
		searchFunc: func(ctx context.Context, query string, maxResults int) ([]downloader.Candidate, error) {
			return goodCandidates(), nil
		},
	}
	store := &mockStore{}
	archiver := &mockArchiver{}
	orch := newTestOrchestrator(t, source, &mockProcessor{}, store)
	orch.UseArchiver(archiver)

	rec, err := orch.Acquire(context.Background(), testKey, paranoidMetadata(""))
	require.NoError(t, err)

	require.Equal(t, 1, archiver.calls)
	assert.Equal(t, rec.FilePath, archiver.paths[0])
}

func TestAcquireArchiveFailureDoesNotFail(t *testing.T) {
	source := &mockSource{
		searchFunc: func(ctx context.Context, query string, maxResults int) ([]downloader.Candidate, error) {
			return goodCandidates(), nil
		},
	}
	store := &mockStore{}
	archiver := &mockArchiver{err: errors.New("bucket unavailable")}
	orch := newTestOrchestrator(t, source, &mockProcessor{}, store)
	orch.UseArchiver(archiver)

	_, err := orch.Acquire(context.Background(), testKey, paranoidMetadata(""))
	assert.NoError(t, err, "archiving is best effort")
	assert.Equal(t, 1, store.calls)
}

func TestTranscodeDeadlineSettlesSharedAcquisition(t *testing.T) {
	// A wedged transcode must not leave the in-flight entry for the key
	// unsettled: the step deadline cuts it off and every attached caller
	// gets the transcode failure, even after the first caller detached.
	source := &mockSource{
		searchFunc: func(ctx context.Context, query string, maxResults int) ([]downloader.Candidate, error) {
			return goodCandidates(), nil
		},
	}
	transcodeStarted := make(chan struct{})
	processor := &mockProcessor{
		transcodeFunc: func(ctx context.Context) error {
			close(transcodeStarted)
			<-ctx.Done()
			return ctx.Err()
		},
	}
	store := &mockStore{}
	orch := New(source, processor, store, Options{
		MinConfidence:    0.5,
		DownloadRetries:  1,
		DownloadBackoff:  time.Millisecond,
		TranscodeTimeout: 300 * time.Millisecond,
		WorkDir:          t.TempDir(),
	})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := orch.Acquire(firstCtx, testKey, paranoidMetadata(""))
		firstDone <- err
	}()

	<-transcodeStarted
	cancelFirst()
	assert.ErrorIs(t, <-firstDone, context.Canceled)

	secondDone := make(chan error, 1)
	go func() {
		_, err := orch.Acquire(context.Background(), testKey, paranoidMetadata(""))
		secondDone <- err
	}()

	select {
	case err := <-secondDone:
		assert.ErrorIs(t, err, domain.ErrTranscodeFailed)
	case <-time.After(2 * time.Second):
		t.Fatal("attached caller never settled after the transcode deadline")
	}

	assert.Equal(t, 0, store.calls)
	searches, _ := source.counts()
	assert.Equal(t, 1, searches, "both callers must share one acquisition")
}
