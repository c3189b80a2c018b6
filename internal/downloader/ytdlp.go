package downloader

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Constants for the yt-dlp wrapper
const (
	// Default timeout for a single download
	defaultDownloadTimeout = 10 * time.Minute

	// Default timeout for a metadata-only search
	defaultSearchTimeout = 30 * time.Second

	// Minimum file size to consider a download valid (100KB)
	minValidFileSize = 100 * 1024

	// Supported audio file extensions
	supportedAudioExtensions = ".mp3,.m4a,.opus,.webm,.ogg,.wav,.flac"
)

// Error types for better error handling
var (
	ErrYtdlpNotAvailable = fmt.Errorf("yt-dlp not available")
	ErrNoAudioFiles      = fmt.Errorf("no audio files found")
	ErrFileTooSmall      = fmt.Errorf("file too small")
	ErrDownloadTimeout   = fmt.Errorf("download timeout")

	// ErrTransient marks failures worth retrying (network errors, upstream
	// 5xx). Everything else from the tool is treated as permanent.
	ErrTransient = fmt.Errorf("transient download failure")
)

// ytdlpError wraps yt-dlp command errors with the captured output
type ytdlpError struct {
	cmd     string
	output  string
	wrapped error
}

func (e *ytdlpError) Error() string {
	return fmt.Sprintf("yt-dlp error: %s\nCommand: %s\nOutput: %s", e.wrapped, e.cmd, e.output)
}

func (e *ytdlpError) Unwrap() error {
	return e.wrapped
}

func newYtdlpError(cmd *exec.Cmd, output []byte, err error) error {
	cmdStr := cmd.String()
	if len(cmdStr) > 200 {
		cmdStr = cmdStr[:200] + "..."
	}
	return &ytdlpError{
		cmd:     cmdStr,
		output:  string(output),
		wrapped: err,
	}
}

// YtdlpClient implements SourceClient by shelling out to yt-dlp.
type YtdlpClient struct {
	downloadTimeout time.Duration
	searchTimeout   time.Duration
}

// NewYtdlpClient creates a yt-dlp backed source client. A zero
// downloadTimeout falls back to the default.
func NewYtdlpClient(downloadTimeout time.Duration) *YtdlpClient {
	if downloadTimeout <= 0 {
		downloadTimeout = defaultDownloadTimeout
	}
	return &YtdlpClient{
		downloadTimeout: downloadTimeout,
		searchTimeout:   defaultSearchTimeout,
	}
}

// searchEntry is the subset of yt-dlp's --dump-json output we consume.
type searchEntry struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	URL      string  `json:"url"`
	Uploader string  `json:"uploader"`
	Channel  string  `json:"channel"`
	Duration float64 `json:"duration"`
}

// Search runs a metadata-only ytsearch query and parses one JSON document
// per result line.
func (c *YtdlpClient) Search(ctx context.Context, query string, maxResults int) ([]Candidate, error) {
	if err := c.checkYtdlpAvailable(); err != nil {
		return nil, err
	}

	if maxResults <= 0 {
		maxResults = 5
	}

	searchCtx, cancel := context.WithTimeout(ctx, c.searchTimeout)
	defer cancel()

	target := fmt.Sprintf("ytsearch%d:%s", maxResults, query)
	cmd := exec.CommandContext(searchCtx, "yt-dlp",
		target,
		"--dump-json",
		"--flat-playlist",
		"--skip-download",
		"--no-warnings",
	)

	slog.Debug("searching for source", "query", query, "maxResults", maxResults)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if err := cmd.Run(); err != nil {
		if searchCtx.Err() != nil {
			return nil, fmt.Errorf("%w: search timed out", ErrTransient)
		}
		return nil, classifyToolError(newYtdlpError(cmd, stderrBuf.Bytes(), err), stderrBuf.String())
	}

	var candidates []Candidate
	scanner := bufio.NewScanner(&stdoutBuf)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var entry searchEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			slog.Warn("skipping unparseable search result", "error", err)
			continue
		}

		uploader := entry.Uploader
		if uploader == "" {
			uploader = entry.Channel
		}

		url := entry.URL
		if url == "" && entry.ID != "" {
			url = fmt.Sprintf("https://www.youtube.com/watch?v=%s", entry.ID)
		}

		candidates = append(candidates, Candidate{
			ID:              entry.ID,
			Title:           entry.Title,
			URL:             url,
			Uploader:        uploader,
			DurationSeconds: int(entry.Duration),
		})
	}

	slog.Debug("source search finished", "query", query, "results", len(candidates))
	return candidates, nil
}

// Download fetches the best audio stream for the URL into outputDir.
func (c *YtdlpClient) Download(ctx context.Context, url, outputDir string) (string, error) {
	if err := c.checkYtdlpAvailable(); err != nil {
		return "", err
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return "", fmt.Errorf("failed to create output directory: %w", err)
	}

	downloadCtx, cancel := context.WithTimeout(ctx, c.downloadTimeout)
	defer cancel()

	cmd := exec.CommandContext(downloadCtx, "yt-dlp",
		url,
		"-f", "bestaudio/best",
		"--no-playlist",
		"--no-warnings",
		"-o", filepath.Join(outputDir, "source.%(ext)s"),
	)

	slog.Info("downloading source", "url", url, "outputDir", outputDir)

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	if err := cmd.Run(); err != nil {
		if downloadCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: %v", ErrDownloadTimeout, c.downloadTimeout)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		slog.Error("yt-dlp download failed",
			"url", url,
			"stderr", truncate(stderrBuf.String(), 500),
		)
		return "", classifyToolError(newYtdlpError(cmd, stderrBuf.Bytes(), err), stderrBuf.String())
	}

	downloadedFile, err := findDownloadedFile(outputDir)
	if err != nil {
		return "", fmt.Errorf("failed to find downloaded file: %w", err)
	}

	if err := validateAudioFile(downloadedFile); err != nil {
		return "", fmt.Errorf("downloaded file validation failed: %w", err)
	}

	slog.Info("download complete", "file", downloadedFile)
	return downloadedFile, nil
}

// checkYtdlpAvailable verifies that yt-dlp is installed and available
func (c *YtdlpClient) checkYtdlpAvailable() error {
	cmd := exec.Command("yt-dlp", "--version")
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%w: %v", ErrYtdlpNotAvailable, err)
	}
	return nil
}

// transientMarkers are stderr fragments that indicate a retryable failure.
var transientMarkers = []string{
	"urlopen error",
	"timed out",
	"connection reset",
	"temporary failure",
	"http error 429",
	"http error 5",
}

// classifyToolError wraps retryable tool failures in ErrTransient so the
// caller's retry policy can distinguish them from permanent ones.
func classifyToolError(err error, stderr string) error {
	lowered := strings.ToLower(stderr)
	for _, marker := range transientMarkers {
		if strings.Contains(lowered, marker) {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
	}
	return err
}

// findDownloadedFile finds the most recently written audio file in the directory
func findDownloadedFile(outputDir string) (string, error) {
	audioExtensions := strings.Split(supportedAudioExtensions, ",")
	var mostRecentFile string
	var mostRecentTime time.Time

	entries, err := os.ReadDir(outputDir)
	if err != nil {
		return "", fmt.Errorf("failed to read output directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		ext := strings.ToLower(filepath.Ext(entry.Name()))
		for _, audioExt := range audioExtensions {
			if ext != audioExt {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(mostRecentTime) {
				mostRecentTime = info.ModTime()
				mostRecentFile = filepath.Join(outputDir, entry.Name())
			}
			break
		}
	}

	if mostRecentFile == "" {
		return "", ErrNoAudioFiles
	}

	return mostRecentFile, nil
}

// validateAudioFile checks that the downloaded file exists and is large
// enough to plausibly be a full track.
func validateAudioFile(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("file not accessible: %w", err)
	}

	if info.Size() < minValidFileSize {
		return fmt.Errorf("%w: %d bytes", ErrFileTooSmall, info.Size())
	}

	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
