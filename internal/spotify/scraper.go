package spotify

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly"

	"github.com/nevermorelove/spotify-track-bot/internal/domain"
)

// OGScraper resolves track metadata by scraping the Open Graph tags of the
// public open.spotify.com track page. Used when no API credentials are
// configured; the page serves full metadata without authentication.
type OGScraper struct{}

func NewOGScraper() *OGScraper {
	return &OGScraper{}
}

// FetchTrack downloads the track page and extracts title, artist, artwork
// and duration from its meta tags.
func (s *OGScraper) FetchTrack(ctx context.Context, key domain.TrackKey) (domain.TrackMetadata, error) {
	pageURL := fmt.Sprintf("https://open.spotify.com/track/%s", key)
	slog.Debug("scraping track page", "url", pageURL)

	c := colly.NewCollector(colly.AllowURLRevisit())
	c.SetRequestTimeout(requestTimeout)

	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("User-Agent", "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/91.0.4472.124 Safari/537.36")
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.5")
	})

	var meta domain.TrackMetadata
	var parseErr error

	c.OnResponse(func(r *colly.Response) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
		if err != nil {
			parseErr = err
			return
		}
		meta = metadataFromDocument(doc)
	})

	var requestErr error
	c.OnError(func(r *colly.Response, err error) {
		requestErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
	})

	if err := c.Visit(pageURL); err != nil {
		return domain.TrackMetadata{}, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, err)
	}
	if requestErr != nil {
		return domain.TrackMetadata{}, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, requestErr)
	}
	if parseErr != nil {
		return domain.TrackMetadata{}, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, parseErr)
	}

	if meta.Title == "" {
		return domain.TrackMetadata{}, fmt.Errorf("%w: track page has no metadata", domain.ErrUpstreamUnavailable)
	}

	return meta, nil
}

func metadataFromDocument(doc *goquery.Document) domain.TrackMetadata {
	var meta domain.TrackMetadata

	meta.Title = metaContent(doc, "og:title")
	meta.ArtworkURL = metaContent(doc, "og:image")
	meta.Artist = "Unknown Artist"

	if seconds, err := strconv.Atoi(metaContent(doc, "music:duration")); err == nil {
		meta.DurationSeconds = seconds
	}

	if musician := metaContent(doc, "music:musician_description"); musician != "" {
		meta.Artist = musician
		return meta
	}

	// The description tag reads "Artist · Song · Year".
	if desc := metaContent(doc, "og:description"); desc != "" {
		if parts := strings.Split(desc, " · "); len(parts) > 1 {
			meta.Artist = strings.TrimSpace(parts[0])
		}
	}

	return meta
}

func metaContent(doc *goquery.Document, property string) string {
	selector := fmt.Sprintf(`meta[property=%q]`, property)
	content, _ := doc.Find(selector).First().Attr("content")
	return strings.TrimSpace(content)
}
