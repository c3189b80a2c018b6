package downloader

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const googleAPIBaseURL = "https://www.googleapis.com/youtube/v3"

// YouTubeAPIClient is a SourceClient that searches through the YouTube Data
// API instead of yt-dlp's built-in search. API search returns richer, more
// stable results; downloads are still delegated to yt-dlp.
type YouTubeAPIClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	downloads  SourceClient
}

func NewYouTubeAPIClient(apiKey string, downloads SourceClient) *YouTubeAPIClient {
	return &YouTubeAPIClient{
		apiKey:     apiKey,
		baseURL:    googleAPIBaseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		downloads:  downloads,
	}
}

// Search queries the API for videos matching the query. Durations come from
// a second videos.list call; a candidate whose duration cannot be fetched is
// kept with duration zero.
func (c *YouTubeAPIClient) Search(ctx context.Context, query string, maxResults int) ([]Candidate, error) {
	params := url.Values{}
	params.Add("key", c.apiKey)
	params.Add("part", "snippet")
	params.Add("type", "video")
	params.Add("q", query)
	params.Add("maxResults", strconv.Itoa(maxResults))

	var searchResponse struct {
		Items []struct {
			ID struct {
				VideoID string `json:"videoId"`
			} `json:"id"`
			Snippet struct {
				Title        string `json:"title"`
				ChannelTitle string `json:"channelTitle"`
			} `json:"snippet"`
		} `json:"items"`
	}
	if err := c.get(ctx, "/search", params, &searchResponse); err != nil {
		return nil, fmt.Errorf("youtube search failed: %w", err)
	}

	candidates := make([]Candidate, 0, len(searchResponse.Items))
	ids := make([]string, 0, len(searchResponse.Items))
	for _, item := range searchResponse.Items {
		if item.ID.VideoID == "" {
			continue
		}
		candidates = append(candidates, Candidate{
			ID:       item.ID.VideoID,
			Title:    item.Snippet.Title,
			URL:      "https://www.youtube.com/watch?v=" + item.ID.VideoID,
			Uploader: item.Snippet.ChannelTitle,
		})
		ids = append(ids, item.ID.VideoID)
	}

	if len(candidates) > 0 {
		durations, err := c.fetchDurations(ctx, ids)
		if err != nil {
			return candidates, nil
		}
		for i := range candidates {
			candidates[i].DurationSeconds = durations[candidates[i].ID]
		}
	}

	return candidates, nil
}

// Download delegates to the underlying yt-dlp client.
func (c *YouTubeAPIClient) Download(ctx context.Context, sourceURL, outputDir string) (string, error) {
	return c.downloads.Download(ctx, sourceURL, outputDir)
}

func (c *YouTubeAPIClient) fetchDurations(ctx context.Context, videoIDs []string) (map[string]int, error) {
	params := url.Values{}
	params.Add("key", c.apiKey)
	params.Add("part", "contentDetails")
	params.Add("id", strings.Join(videoIDs, ","))

	var videosResponse struct {
		Items []struct {
			ID             string `json:"id"`
			ContentDetails struct {
				Duration string `json:"duration"`
			} `json:"contentDetails"`
		} `json:"items"`
	}
	if err := c.get(ctx, "/videos", params, &videosResponse); err != nil {
		return nil, err
	}

	durations := make(map[string]int, len(videosResponse.Items))
	for _, item := range videosResponse.Items {
		if seconds, err := parseISODuration(item.ContentDetails.Duration); err == nil {
			durations[item.ID] = seconds
		}
	}
	return durations, nil
}

func (c *YouTubeAPIClient) get(ctx context.Context, path string, params url.Values, out any) error {
	reqURL := fmt.Sprintf("%s%s?%s", c.baseURL, path, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// parseISODuration converts an ISO 8601 duration like "PT2M48S" to seconds.
// Date components beyond days never occur for videos.
func parseISODuration(s string) (int, error) {
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("invalid duration: %q", s)
	}

	var total, value int
	inTime := false
	for _, r := range s[1:] {
		switch {
		case r >= '0' && r <= '9':
			value = value*10 + int(r-'0')
		case r == 'T':
			inTime = true
			value = 0
		case r == 'D':
			total += value * 86400
			value = 0
		case r == 'H' && inTime:
			total += value * 3600
			value = 0
		case r == 'M' && inTime:
			total += value * 60
			value = 0
		case r == 'S' && inTime:
			total += value
			value = 0
		default:
			return 0, fmt.Errorf("invalid duration: %q", s)
		}
	}
	return total, nil
}
