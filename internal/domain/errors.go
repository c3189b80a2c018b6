package domain

import "errors"

// Failure kinds surfaced by the pipeline. Every collaborator error is
// wrapped into exactly one of these before it crosses a package boundary,
// so the delivery layer never has to inspect internals.
var (
	// ErrInvalidReference marks user input that does not parse to a track
	// identifier. Never retried.
	ErrInvalidReference = errors.New("invalid track reference")

	// ErrUpstreamUnavailable marks transient metadata-provider failures
	// (rate limit, timeout, 5xx).
	ErrUpstreamUnavailable = errors.New("metadata provider unavailable")

	// ErrNotFound marks a search that produced no candidate above the
	// confidence threshold. Terminal.
	ErrNotFound = errors.New("no matching source found")

	// ErrDownloadFailed marks a download that failed after exhausting the
	// retry budget.
	ErrDownloadFailed = errors.New("download failed")

	// ErrTranscodeFailed marks a transcode failure. Not retried: it almost
	// always indicates a corrupt or unsupported source.
	ErrTranscodeFailed = errors.New("transcode failed")

	// ErrStorageInconsistent marks a cache budget invariant violation. It is
	// an operational problem, never swallowed.
	ErrStorageInconsistent = errors.New("cache storage inconsistent")
)

// Stable user-facing message categories, one per failure kind.
const (
	msgBadLink     = "That doesn't look like a Spotify track link. Send me a link like https://open.spotify.com/track/..."
	msgUnavailable = "Spotify is temporarily unavailable, please try again in a minute."
	msgNoMatch     = "Sorry, I couldn't find a matching recording for that track."
	msgDownload    = "Downloading the track failed, please try again later."
	msgProcessing  = "Something went wrong while processing the audio."
)

// UserMessage maps a pipeline failure to its stable user-facing message.
// Unknown errors fall back to the processing-error category.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrInvalidReference):
		return msgBadLink
	case errors.Is(err, ErrUpstreamUnavailable):
		return msgUnavailable
	case errors.Is(err, ErrNotFound):
		return msgNoMatch
	case errors.Is(err, ErrDownloadFailed):
		return msgDownload
	default:
		return msgProcessing
	}
}
