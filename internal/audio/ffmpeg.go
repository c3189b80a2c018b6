package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/nevermorelove/spotify-track-bot/internal/domain"
)

// Default audio settings
var (
	defaultAudioCodec   = "libmp3lame"
	defaultAudioBitrate = "192k"
	defaultID3Version   = "3"
)

// defaultProcessTimeout bounds a single ffmpeg invocation. A stuck process
// is killed rather than left to stall the pipeline.
const defaultProcessTimeout = 10 * time.Minute

var (
	ErrFileNotFound = fmt.Errorf("file not found")
	ErrFileEmpty    = fmt.Errorf("file is empty")
	ErrInvalidPath  = fmt.Errorf("invalid path")
)

// ffmpegError wraps FFmpeg command errors with additional context
type ffmpegError struct {
	cmd     string
	output  string
	wrapped error
}

func (e *ffmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %s\nCommand: %s\nOutput: %s", e.wrapped, e.cmd, e.output)
}

func (e *ffmpegError) Unwrap() error {
	return e.wrapped
}

// newFFmpegError creates a new ffmpegError with truncated command output
func newFFmpegError(cmd *exec.Cmd, output []byte, err error) error {
	cmdStr := cmd.String()
	if len(cmdStr) > 200 {
		cmdStr = cmdStr[:200] + "..."
	}
	return &ffmpegError{
		cmd:     cmdStr,
		output:  string(output),
		wrapped: err,
	}
}

type ffmpeg struct{}

func NewFFMPEGEngine() *ffmpeg {
	return &ffmpeg{}
}

func (f *ffmpeg) validateFile(path string) error {
	fileInfo, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return fmt.Errorf("unable to access file: %s: %w", path, err)
	}

	if fileInfo.IsDir() {
		return fmt.Errorf("%w: %s is a directory", ErrInvalidPath, path)
	}

	if fileInfo.Size() == 0 {
		return fmt.Errorf("%w: %s", ErrFileEmpty, path)
	}

	return nil
}

// Transcode converts the input into an MP3 with the track metadata written
// into its ID3 tags. The output directory is created if needed.
func (f *ffmpeg) Transcode(ctx context.Context, inputPath, outputPath string, meta domain.TrackMetadata) error {
	slog.Debug("Transcoding audio", "input", inputPath, "output", outputPath)

	if err := f.validateFile(inputPath); err != nil {
		return fmt.Errorf("transcode failed: %w", err)
	}

	outputDir := filepath.Dir(outputPath)
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	args := []string{
		"-y",
		"-i", inputPath,
		"-vn",
		"-c:a", defaultAudioCodec,
		"-b:a", defaultAudioBitrate,
		"-id3v2_version", defaultID3Version,
		"-metadata", fmt.Sprintf("title=%s", meta.Title),
		"-metadata", fmt.Sprintf("artist=%s", meta.Artist),
	}
	if meta.Album != "" {
		args = append(args, "-metadata", fmt.Sprintf("album=%s", meta.Album))
	}
	args = append(args, outputPath)

	ctx, cancel := context.WithTimeout(ctx, defaultProcessTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg", args...)

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return newFFmpegError(cmd, output, err)
	}

	return f.validateFile(outputPath)
}

// EmbedCoverArt attaches the cover image to the audio stream as an
// attached_pic without re-encoding the audio.
func (f *ffmpeg) EmbedCoverArt(ctx context.Context, audioPath, coverPath, outputPath string) error {
	slog.Debug("Embedding cover art", "audio", audioPath, "cover", coverPath, "output", outputPath)

	if err := f.validateFile(audioPath); err != nil {
		return fmt.Errorf("cover art embedding failed: %w", err)
	}
	if err := f.validateFile(coverPath); err != nil {
		return fmt.Errorf("cover art validation failed: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, defaultProcessTimeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-y",
		"-i", audioPath,
		"-i", coverPath,
		"-map", "0:a",
		"-map", "1:v",
		"-c:a", "copy",
		"-c:v", "mjpeg",
		"-id3v2_version", defaultID3Version,
		"-metadata:s:v", "title=Album cover",
		"-metadata:s:v", "comment=Cover (front)",
		"-disposition:v", "attached_pic",
		outputPath,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return newFFmpegError(cmd, output, err)
	}

	return f.validateFile(outputPath)
}
