package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseISO8601Duration(t *testing.T) {
	tests := []struct {
		input    string
		expected int // ms
	}{
		{"PT3M4S", 184000},
		{"PT1H", 3600000},
		{"PT1H30M", 5400000},
		{"PT45S", 45000},
		{"PT1H1M1S", 3661000},
		{"P1DT1H", 0},
		{"invalid", 0},
		{"", 0},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseISO8601Duration(tt.input))
		})
	}
}

type RoundTripFunc func(req *http.Request) *http.Response

func (f RoundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req), nil
}

func jsonResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     make(http.Header),
	}
}

func TestSearchTracks(t *testing.T) {
	transport := RoundTripFunc(func(req *http.Request) *http.Response {
		switch {
		case strings.HasSuffix(req.URL.Path, "/search"):
			assert.Equal(t, "seed song", req.URL.Query().Get("q"))
			return jsonResponse(200, `{
				"items": [
					{"id": {"videoId": "vid1"}, "snippet": {"title": "Track 1", "channelTitle": "Artist 1", "thumbnails": {"high": {"url": "http://img/1"}}}},
					{"id": {"videoId": "vid2"}, "snippet": {"title": "Track 2", "channelTitle": "Artist 2", "thumbnails": {"default": {"url": "http://img/2"}}}},
					{"id": {}, "snippet": {"title": "channel result"}}
				]
			}`)
		case strings.HasSuffix(req.URL.Path, "/videos"):
			assert.Equal(t, "vid1,vid2", req.URL.Query().Get("id"))
			return jsonResponse(200, `{"items": [
				{"id": "vid1", "contentDetails": {"duration": "PT3M"}},
				{"id": "vid2", "contentDetails": {"duration": "PT1M30S"}}
			]}`)
		}
		return jsonResponse(404, "")
	})

	client := NewYouTubeClient("apikey", "https://mock.test/youtube/v3/search", 0, zerolog.Nop())
	client.http = &http.Client{Transport: transport}

	items, err := client.SearchTracks(context.Background(), "seed song", 10)
	require.NoError(t, err)
	require.Len(t, items, 2)

	assert.Equal(t, "vid1", items[0].ID)
	assert.Equal(t, "Artist 1", items[0].Artist)
	assert.Equal(t, 180000, items[0].DurationMs)
	assert.Equal(t, "http://img/2", items[1].ThumbnailURL)
	assert.Equal(t, 90000, items[1].DurationMs)
}

func TestSearchTracks_DurationFailureIsNotFatal(t *testing.T) {
	transport := RoundTripFunc(func(req *http.Request) *http.Response {
		if strings.HasSuffix(req.URL.Path, "/search") {
			return jsonResponse(200, `{"items": [{"id": {"videoId": "vid1"}, "snippet": {"title": "T"}}]}`)
		}
		return jsonResponse(500, "")
	})
	client := NewYouTubeClient("k", "https://mock.test/search", 0, zerolog.Nop())
	client.http = &http.Client{Transport: transport}

	items, err := client.SearchTracks(context.Background(), "q", 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Zero(t, items[0].DurationMs)
}

func TestSearchTracks_UpstreamError(t *testing.T) {
	client := NewYouTubeClient("k", "https://mock.test/search", 0, zerolog.Nop())
	client.http = &http.Client{Transport: RoundTripFunc(func(*http.Request) *http.Response {
		return jsonResponse(403, `{"error": "quota"}`)
	})}

	_, err := client.SearchTracks(context.Background(), "q", 10)
	assert.Error(t, err)
}

func TestHTTPClient_SearchTracks(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/music/search", r.URL.Path)
		assert.Equal(t, "lofi", r.URL.Query().Get("query"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"items":[{"id":"a","title":"A"}]}`))
	}))
	defer srv.Close()

	items, err := NewHTTPClient(srv.URL+"/", "tok", 0).SearchTracks(context.Background(), "lofi", 5)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "a", items[0].ID)
}
