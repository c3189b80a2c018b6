// Package domain holds the core types shared across the pipeline: track
// keys, track metadata and the error taxonomy every collaborator failure is
// mapped into.
package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// TrackKey is the canonical identifier for a track, derived from the Spotify
// track ID. It is used as the cache key and the single-flight lock key.
type TrackKey string

func (k TrackKey) String() string { return string(k) }

// TrackMetadata describes a track as reported by the metadata provider.
// Immutable once fetched.
type TrackMetadata struct {
	Title           string `json:"title"`
	Artist          string `json:"artist"`
	Album           string `json:"album,omitempty"`
	DurationSeconds int    `json:"duration_seconds"`
	ArtworkURL      string `json:"artwork_url,omitempty"`
}

// SearchQuery composes the query string used to locate an audio source for
// the track.
func (m TrackMetadata) SearchQuery() string {
	return strings.TrimSpace(m.Artist + " " + m.Title)
}

var (
	trackURLPattern = regexp.MustCompile(`^open\.spotify\.com/(?:intl-[a-z]{2}(?:-[A-Za-z]{2})?/)?track/([A-Za-z0-9]{22})$`)
	trackURIPattern = regexp.MustCompile(`^spotify:track:([A-Za-z0-9]{22})$`)
)

// ParseReference extracts a TrackKey from a raw track reference. Accepted
// forms are the spotify:track:<id> URI and open.spotify.com track URLs,
// including localized intl-xx path segments. Query parameters are ignored.
// Malformed input fails with ErrInvalidReference before any network call.
func ParseReference(reference string) (TrackKey, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return "", fmt.Errorf("%w: empty reference", ErrInvalidReference)
	}

	if m := trackURIPattern.FindStringSubmatch(ref); m != nil {
		return TrackKey(m[1]), nil
	}

	ref = strings.TrimPrefix(ref, "https://")
	ref = strings.TrimPrefix(ref, "http://")

	// Drop query string and fragment before matching.
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	ref = strings.TrimSuffix(ref, "/")

	if m := trackURLPattern.FindStringSubmatch(ref); m != nil {
		return TrackKey(m[1]), nil
	}

	return "", fmt.Errorf("%w: %q is not a Spotify track link", ErrInvalidReference, reference)
}

// IsReferenceAttempt reports whether the text is trying to be a Spotify
// link at all, valid or not. The transport layer uses it to separate
// messages that deserve a parse error from ordinary chatter: an album link
// or a truncated track ID gets the bad-link answer instead of silence.
func IsReferenceAttempt(text string) bool {
	lower := strings.ToLower(strings.TrimSpace(text))
	return strings.Contains(lower, "open.spotify.com/") || strings.HasPrefix(lower, "spotify:")
}
