package spotify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	spotifyapi "github.com/zmb3/spotify/v2"
	spotifyauth "github.com/zmb3/spotify/v2/auth"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/nevermorelove/spotify-track-bot/internal/domain"
)

const (
	// Metadata lookups are cheap; fail fast if the provider is down.
	maxFetchAttempts = 2
	fetchRetryDelay  = 500 * time.Millisecond
	requestTimeout   = 10 * time.Second
)

// APIClient fetches track metadata from the Spotify Web API using the
// client-credentials flow.
type APIClient struct {
	client *spotifyapi.Client
}

// NewAPIClient creates a client authenticated with the given application
// credentials. The underlying oauth2 client refreshes tokens transparently.
func NewAPIClient(ctx context.Context, clientID, clientSecret string) (*APIClient, error) {
	if clientID == "" || clientSecret == "" {
		return nil, fmt.Errorf("spotify client credentials are required")
	}

	conf := &clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     spotifyauth.TokenURL,
	}

	httpClient := conf.Client(ctx)
	httpClient.Timeout = requestTimeout
	return &APIClient{client: spotifyapi.New(httpClient)}, nil
}

// FetchTrack looks up a track by its key. Provider errors are retried once
// with a short delay, then surfaced as domain.ErrUpstreamUnavailable for the
// caller's retry policy.
func (c *APIClient) FetchTrack(ctx context.Context, key domain.TrackKey) (domain.TrackMetadata, error) {
	var lastErr error

	for attempt := 1; attempt <= maxFetchAttempts; attempt++ {
		track, err := c.client.GetTrack(ctx, spotifyapi.ID(key))
		if err == nil {
			return fullTrackMetadata(track), nil
		}

		lastErr = err
		slog.Warn("Spotify track lookup failed", "key", key, "attempt", attempt, "error", err)

		if ctx.Err() != nil {
			break
		}

		if attempt < maxFetchAttempts {
			select {
			case <-time.After(fetchRetryDelay * time.Duration(attempt)):
			case <-ctx.Done():
			}
		}
	}

	return domain.TrackMetadata{}, fmt.Errorf("%w: %v", domain.ErrUpstreamUnavailable, lastErr)
}

func fullTrackMetadata(track *spotifyapi.FullTrack) domain.TrackMetadata {
	meta := domain.TrackMetadata{
		Title:           track.Name,
		Artist:          "Unknown Artist",
		Album:           track.Album.Name,
		DurationSeconds: int(track.TimeDuration() / time.Second),
	}

	if len(track.Artists) > 0 && track.Artists[0].Name != "" {
		meta.Artist = track.Artists[0].Name
	}

	if len(track.Album.Images) > 0 {
		meta.ArtworkURL = track.Album.Images[0].URL
	}

	return meta
}
