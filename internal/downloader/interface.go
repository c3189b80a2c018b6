// Package downloader wraps the external yt-dlp tool for locating and
// downloading audio sources.
package downloader

import "context"

// Candidate is a single source-search result.
type Candidate struct {
	ID              string
	Title           string
	URL             string
	Uploader        string
	DurationSeconds int
}

// SourceClient locates and downloads audio sources for a search query.
type SourceClient interface {
	// Search returns up to maxResults candidates for the query. An empty
	// slice means no results; that is not an error.
	Search(ctx context.Context, query string, maxResults int) ([]Candidate, error)

	// Download fetches the best audio stream for the URL into outputDir and
	// returns the path of the downloaded file.
	Download(ctx context.Context, url, outputDir string) (string, error)
}
