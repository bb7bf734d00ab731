package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"silent-disco/internal/domain"
)

const (
	DefaultLimit   = 10
	MaxLimit       = 25
	MaxQueryLength = 200
)

// Provider returns candidate tracks for a free-text seed. Results are finite and may be empty.
type Provider interface {
	SearchTracks(ctx context.Context, query string, limit int) ([]domain.Track, error)
}

type SearchResponse struct {
	Items []domain.Track `json:"items"`
}

// HTTPClient talks to a remote /music/search endpoint. The listener uses it in solo mode.
type HTTPClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) SearchTracks(ctx context.Context, query string, limit int) ([]domain.Track, error) {
	val := url.Values{}
	val.Set("query", query)
	val.Set("limit", strconv.Itoa(limit))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/music/search?"+val.Encode(), nil)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search status %d", resp.StatusCode)
	}

	var body SearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return body.Items, nil
}
