package realtime

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// FanoutChannel carries room frames between instances.
const FanoutChannel = "rooms"

type fanoutMessage struct {
	Origin string          `json:"origin"`
	Room   string          `json:"room"`
	Data   json.RawMessage `json:"data"`
}

// RedisFanout relays room broadcasts through Redis pub/sub so members connected
// to other instances receive them too.
type RedisFanout struct {
	rdb    *redis.Client
	origin string
	log    zerolog.Logger
}

func NewRedisFanout(rdb *redis.Client, log zerolog.Logger) *RedisFanout {
	return &RedisFanout{
		rdb:    rdb,
		origin: newConnID(),
		log:    log.With().Str("component", "realtime").Logger(),
	}
}

func (f *RedisFanout) Publish(ctx context.Context, code string, data []byte) error {
	b, err := json.Marshal(fanoutMessage{Origin: f.origin, Room: code, Data: data})
	if err != nil {
		return err
	}
	return f.rdb.Publish(ctx, FanoutChannel, b).Err()
}

// Run delivers frames published by other instances to the local hub until ctx ends.
func (f *RedisFanout) Run(ctx context.Context, hub *Hub) error {
	sub := f.rdb.Subscribe(ctx, FanoutChannel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var m fanoutMessage
			if err := json.Unmarshal([]byte(msg.Payload), &m); err != nil {
				f.log.Warn().Err(err).Msg("discarding malformed fan-out frame")
				continue
			}
			if m.Origin == f.origin || m.Room == "" {
				continue
			}
			hub.deliver(m.Room, m.Data)
		}
	}
}
