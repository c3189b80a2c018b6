// Package audio provides functionality for post-processing downloaded audio
// with FFmpeg: normalizing to the target codec, tagging, and embedding cover
// art.
package audio

import (
	"context"

	"github.com/nevermorelove/spotify-track-bot/internal/domain"
)

// Processor normalizes downloaded audio into the delivery format.
type Processor interface {
	// Transcode converts inputPath into an MP3 at outputPath, writing the
	// track metadata into the ID3 tags.
	Transcode(ctx context.Context, inputPath, outputPath string, meta domain.TrackMetadata) error

	// EmbedCoverArt attaches the image at coverPath to the audio file at
	// audioPath, writing the result to outputPath.
	EmbedCoverArt(ctx context.Context, audioPath, coverPath, outputPath string) error
}
