// Package analytics moves listening signals from clients into storage.
//
// Clients batch events and post them to the service, which buffers them in a Redis
// list. The Ingestor drains that list on a ticker and bulk-inserts into the store.
// Recording is fire-and-forget: a failed write is logged and never reaches playback.
package analytics

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"silent-disco/internal/domain"
)

// BufferKey is the Redis list events wait in until ingestion. New events are
// pushed on the left and consumed from the right.
const BufferKey = "events:buffer"

type Sink interface {
	Record(ctx context.Context, ev domain.ListeningEvent)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Record(context.Context, domain.ListeningEvent) {}

type RedisSink struct {
	rdb redis.Cmdable
	log zerolog.Logger
	now func() time.Time
}

func NewRedisSink(rdb redis.Cmdable, log zerolog.Logger) *RedisSink {
	return &RedisSink{
		rdb: rdb,
		log: log.With().Str("component", "analytics").Logger(),
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *RedisSink) Record(ctx context.Context, ev domain.ListeningEvent) {
	if err := s.RecordBatch(ctx, []domain.ListeningEvent{ev}); err != nil {
		s.log.Warn().Err(err).Str("type", string(ev.Type)).Msg("buffer event")
	}
}

// RecordBatch buffers evs with one LPUSH.
func (s *RedisSink) RecordBatch(ctx context.Context, evs []domain.ListeningEvent) error {
	if len(evs) == 0 {
		return nil
	}
	values := make([]any, 0, len(evs))
	for _, ev := range evs {
		if ev.ID == "" {
			ev.ID = uuid.NewString()
		}
		if ev.Timestamp.IsZero() {
			ev.Timestamp = s.now()
		}
		b, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		values = append(values, b)
	}
	return s.rdb.LPush(ctx, BufferKey, values...).Err()
}
