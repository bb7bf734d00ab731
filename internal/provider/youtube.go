package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"silent-disco/internal/domain"
)

const (
	defaultSearchURL = "https://www.googleapis.com/youtube/v3/search"
	musicCategory    = "10"
)

// YouTubeClient resolves free-text queries to catalog tracks via the Data API.
// A search costs two calls: one for the videos, one for their durations.
type YouTubeClient struct {
	apiKey    string
	searchURL string
	http      *http.Client
	log       zerolog.Logger
}

func NewYouTubeClient(apiKey, searchURL string, timeout time.Duration, log zerolog.Logger) *YouTubeClient {
	if searchURL == "" {
		searchURL = defaultSearchURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &YouTubeClient{
		apiKey:    apiKey,
		searchURL: searchURL,
		http:      &http.Client{Timeout: timeout},
		log:       log.With().Str("component", "youtube").Logger(),
	}
}

type ytThumb struct {
	URL string `json:"url"`
}

type ytVideo struct {
	ID struct {
		VideoID string `json:"videoId"`
	} `json:"id"`
	Snippet struct {
		Title        string `json:"title"`
		ChannelTitle string `json:"channelTitle"`
		Thumbnails   struct {
			Default ytThumb `json:"default"`
			Medium  ytThumb `json:"medium"`
			High    ytThumb `json:"high"`
		} `json:"thumbnails"`
	} `json:"snippet"`
}

// thumbnail picks the largest image available.
func (v ytVideo) thumbnail() string {
	th := v.Snippet.Thumbnails
	for _, u := range []string{th.High.URL, th.Medium.URL, th.Default.URL} {
		if u != "" {
			return u
		}
	}
	return ""
}

func (v ytVideo) track() domain.Track {
	return domain.Track{
		ID:           v.ID.VideoID,
		Title:        v.Snippet.Title,
		Artist:       v.Snippet.ChannelTitle,
		ThumbnailURL: v.thumbnail(),
	}
}

type ytDetails struct {
	ID             string `json:"id"`
	ContentDetails struct {
		Duration string `json:"duration"`
	} `json:"contentDetails"`
}

func (c *YouTubeClient) SearchTracks(ctx context.Context, query string, limit int) ([]domain.Track, error) {
	if limit <= 0 || limit > MaxLimit {
		limit = DefaultLimit
	}

	var found struct {
		Items []ytVideo `json:"items"`
	}
	err := c.getJSON(ctx, c.searchURL, url.Values{
		"part":            {"snippet"},
		"type":            {"video"},
		"videoCategoryId": {musicCategory},
		"maxResults":      {strconv.Itoa(limit)},
		"q":               {query},
	}, &found)
	if err != nil {
		return nil, fmt.Errorf("youtube search: %w", err)
	}

	tracks := make([]domain.Track, 0, len(found.Items))
	for _, v := range found.Items {
		// channel and playlist hits carry no video id
		if v.ID.VideoID != "" {
			tracks = append(tracks, v.track())
		}
	}
	if len(tracks) == 0 {
		return tracks, nil
	}

	if err := c.fillDurations(ctx, tracks); err != nil {
		c.log.Warn().Err(err).Int("tracks", len(tracks)).Msg("fetch durations")
	}
	return tracks, nil
}

// fillDurations sets DurationMs on tracks from the videos endpoint.
func (c *YouTubeClient) fillDurations(ctx context.Context, tracks []domain.Track) error {
	ids := make([]string, len(tracks))
	for i, t := range tracks {
		ids[i] = t.ID
	}

	var details struct {
		Items []ytDetails `json:"items"`
	}
	err := c.getJSON(ctx, c.videosURL(), url.Values{
		"part": {"contentDetails"},
		"id":   {strings.Join(ids, ",")},
	}, &details)
	if err != nil {
		return err
	}

	byID := make(map[string]int, len(details.Items))
	for _, d := range details.Items {
		byID[d.ID] = parseISO8601Duration(d.ContentDetails.Duration)
	}
	for i := range tracks {
		tracks[i].DurationMs = byID[tracks[i].ID]
	}
	return nil
}

func (c *YouTubeClient) videosURL() string {
	if base, ok := strings.CutSuffix(c.searchURL, "/search"); ok {
		return base + "/videos"
	}
	return "https://www.googleapis.com/youtube/v3/videos"
}

func (c *YouTubeClient) getJSON(ctx context.Context, endpoint string, q url.Values, v any) error {
	q.Set("key", c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

var isoDuration = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?(?:(\d+)S)?$`)

// parseISO8601Duration converts PT#H#M#S to milliseconds; anything else is 0.
func parseISO8601Duration(d string) int {
	m := isoDuration.FindStringSubmatch(d)
	if m == nil {
		return 0
	}
	var total int
	for i, mult := range []int{3600, 60, 1} {
		if m[i+1] == "" {
			continue
		}
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return 0
		}
		total += n * mult
	}
	return total * 1000
}
