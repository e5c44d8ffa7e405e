package media

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultWebSearchURL = "https://itunes.apple.com/search"

	webSearchTimeout = 4 * time.Second
)

// WebSearcher finds artwork for a track through the iTunes search API.
type WebSearcher struct {
	client   *http.Client
	endpoint string
}

func NewWebSearcher(endpoint string) *WebSearcher {
	if endpoint == "" {
		endpoint = DefaultWebSearchURL
	}
	return &WebSearcher{
		client:   &http.Client{Timeout: webSearchTimeout},
		endpoint: endpoint,
	}
}

type searchResponse struct {
	ResultCount int `json:"resultCount"`
	Results     []struct {
		ArtworkURL100 string `json:"artworkUrl100"`
		ArtworkURL60  string `json:"artworkUrl60"`
	} `json:"results"`
}

// Search returns an artwork URL for the track, or "" when nothing matched.
func (s *WebSearcher) Search(ctx context.Context, title, artist, album string) (string, error) {
	term := strings.Join(strings.Fields(title+" "+artist+" "+album), " ")
	if term == "" {
		return "", nil
	}

	q := url.Values{}
	q.Set("term", term)
	q.Set("media", "music")
	q.Set("entity", "song")
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("artwork search failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("artwork search returned %s", resp.Status)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("failed to decode artwork search: %w", err)
	}

	for _, r := range body.Results {
		if r.ArtworkURL100 != "" {
			return strings.Replace(r.ArtworkURL100, "100x100", "600x600", 1), nil
		}
		if r.ArtworkURL60 != "" {
			return strings.Replace(r.ArtworkURL60, "60x60", "600x600", 1), nil
		}
	}
	return "", nil
}
