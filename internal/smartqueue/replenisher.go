// Package smartqueue keeps an unplayed queue topped up from a recommendation provider.
//
// The selection step is pure: given the current queue, a seed, the recent history and
// a batch of candidates it decides what to append. The fetch step goes through a cache
// keyed by seed so repeated triggers within the TTL do not hit the provider.
package smartqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"silent-disco/internal/cache"
	"silent-disco/internal/domain"
	"silent-disco/internal/provider"
)

const (
	RoomThreshold   = 3
	SoloThreshold   = 15
	DefaultCap      = 3
	DefaultFetch    = 10
	DefaultCacheTTL = time.Hour

	// fallbackQuery seeds the provider when nothing has played yet.
	fallbackQuery = "trending music"
)

type Config struct {
	Threshold  int
	Cap        int
	FetchLimit int
	CacheTTL   time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = RoomThreshold
	}
	if c.Cap <= 0 {
		c.Cap = DefaultCap
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = DefaultFetch
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	return c
}

// Input is the queue state a replenishment decision is made from.
type Input struct {
	Queue   []string      // unplayed track ids, in order
	Seed    *domain.Track // nil when nothing has played or been queued
	History []string      // most recently consumed track ids
}

type Replenisher struct {
	provider provider.Provider
	cache    cache.Cache
	cfg      Config
	log      zerolog.Logger
}

func New(p provider.Provider, c cache.Cache, cfg Config, log zerolog.Logger) *Replenisher {
	if c == nil {
		c = cache.NewMemoryCache()
	}
	return &Replenisher{
		provider: p,
		cache:    c,
		cfg:      cfg.withDefaults(),
		log:      log.With().Str("component", "smartqueue").Logger(),
	}
}

func (r *Replenisher) Threshold() int { return r.cfg.Threshold }
func (r *Replenisher) Cap() int       { return r.cfg.Cap }

// NeedsRefill reports whether a queue of the given depth is below the threshold.
func (r *Replenisher) NeedsRefill(depth int) bool {
	return depth < r.cfg.Threshold
}

// Plan returns the tracks to append, or nil when the queue is deep enough.
func (r *Replenisher) Plan(ctx context.Context, in Input) ([]domain.Track, error) {
	if !r.NeedsRefill(len(in.Queue)) {
		return nil, nil
	}
	candidates, err := r.Candidates(ctx, in.Seed)
	if err != nil {
		return nil, err
	}
	seedID := ""
	if in.Seed != nil {
		seedID = in.Seed.ID
	}
	return Select(seedID, in.Queue, in.History, candidates, r.cfg.Cap), nil
}

// Candidates fetches recommendations for seed, serving from cache when possible.
func (r *Replenisher) Candidates(ctx context.Context, seed *domain.Track) ([]domain.Track, error) {
	key := CacheKey(seed)

	if raw, ok, err := r.cache.Get(ctx, key); err != nil {
		r.log.Warn().Err(err).Str("key", key).Msg("cache get")
	} else if ok {
		var cached []domain.Track
		if err := json.Unmarshal(raw, &cached); err == nil {
			return cached, nil
		}
		r.log.Warn().Str("key", key).Msg("discarding undecodable cache entry")
	}

	tracks, err := r.provider.SearchTracks(ctx, SeedQuery(seed), r.cfg.FetchLimit)
	if err != nil {
		return nil, fmt.Errorf("provider search: %w", err)
	}

	if raw, err := json.Marshal(tracks); err == nil {
		if err := r.cache.Set(ctx, key, raw, r.cfg.CacheTTL); err != nil {
			r.log.Warn().Err(err).Str("key", key).Msg("cache set")
		}
	}
	return tracks, nil
}

// CacheKey is recommendations:<seed id>.
func CacheKey(seed *domain.Track) string {
	if seed == nil || seed.ID == "" {
		return "recommendations:_trending"
	}
	return "recommendations:" + seed.ID
}

// SeedQuery builds the free-text query sent to the provider for seed.
func SeedQuery(seed *domain.Track) string {
	if seed == nil {
		return fallbackQuery
	}
	q := strings.TrimSpace(strings.Join([]string{seed.Title, seed.Artist}, " "))
	if q == "" {
		return fallbackQuery
	}
	return q
}

// Select filters candidates against the seed, the queue and the history, keeping
// provider order, and returns at most limit tracks.
func Select(seedID string, queue, history []string, candidates []domain.Track, limit int) []domain.Track {
	seen := make(map[string]struct{}, len(queue)+len(history)+1)
	if seedID != "" {
		seen[seedID] = struct{}{}
	}
	for _, id := range queue {
		seen[id] = struct{}{}
	}
	for _, id := range history {
		seen[id] = struct{}{}
	}

	var out []domain.Track
	for _, c := range candidates {
		if len(out) >= limit {
			break
		}
		if c.ID == "" {
			continue
		}
		if _, dup := seen[c.ID]; dup {
			continue
		}
		seen[c.ID] = struct{}{}
		out = append(out, c)
	}
	return out
}
