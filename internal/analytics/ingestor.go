package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"silent-disco/internal/domain"
)

const (
	DefaultIngestInterval = 5 * time.Second
	DefaultIngestBatch    = 100
)

type EventWriter interface {
	InsertListeningEvents(ctx context.Context, events []domain.ListeningEvent) error
}

// Ingestor periodically moves buffered events into the store.
type Ingestor struct {
	rdb      redis.Cmdable
	store    EventWriter
	interval time.Duration
	batch    int
	log      zerolog.Logger
}

func NewIngestor(rdb redis.Cmdable, w EventWriter, interval time.Duration, batch int, log zerolog.Logger) *Ingestor {
	if interval <= 0 {
		interval = DefaultIngestInterval
	}
	if batch <= 0 {
		batch = DefaultIngestBatch
	}
	return &Ingestor{
		rdb:      rdb,
		store:    w,
		interval: interval,
		batch:    batch,
		log:      log.With().Str("component", "analytics").Logger(),
	}
}

func (i *Ingestor) Run(ctx context.Context) error {
	ticker := time.NewTicker(i.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := i.Drain(ctx)
			if err != nil {
				i.log.Error().Err(err).Msg("ingest")
				continue
			}
			if n > 0 {
				i.log.Debug().Int("events", n).Msg("ingested")
			}
		}
	}
}

// Drain pops up to one batch and persists it. Events that fail to persist are
// pushed back so the next tick retries them first.
func (i *Ingestor) Drain(ctx context.Context) (int, error) {
	pipe := i.rdb.Pipeline()
	cmds := make([]*redis.StringCmd, i.batch)
	for j := range cmds {
		cmds[j] = pipe.RPop(ctx, BufferKey)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("pop events: %w", err)
	}

	var raw []string
	events := make([]domain.ListeningEvent, 0, len(cmds))
	for _, cmd := range cmds {
		v, err := cmd.Result()
		if err != nil {
			continue
		}
		var ev domain.ListeningEvent
		if err := json.Unmarshal([]byte(v), &ev); err != nil {
			i.log.Warn().Err(err).Msg("discarding undecodable event")
			continue
		}
		raw = append(raw, v)
		events = append(events, ev)
	}
	if len(events) == 0 {
		return 0, nil
	}

	if err := i.store.InsertListeningEvents(ctx, events); err != nil {
		i.requeue(ctx, raw)
		return 0, fmt.Errorf("persist events: %w", err)
	}
	return len(events), nil
}

func (i *Ingestor) requeue(ctx context.Context, raw []string) {
	values := make([]any, 0, len(raw))
	for j := len(raw) - 1; j >= 0; j-- {
		values = append(values, raw[j])
	}
	if err := i.rdb.RPush(ctx, BufferKey, values...).Err(); err != nil {
		i.log.Error().Err(err).Int("events", len(raw)).Msg("requeue failed, events lost")
	}
}
