package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"silent-disco/internal/domain"
)

const (
	DefaultFlushInterval = 10 * time.Second
	DefaultBatchSize     = 50
)

// BatchSink is the client-side sink. It buffers events and posts them to
// /events/batch every flush interval or once the buffer reaches the batch size.
// A failed post drops the batch.
type BatchSink struct {
	url      string
	token    string
	http     *http.Client
	size     int
	interval time.Duration
	log      zerolog.Logger

	mu  sync.Mutex
	buf []domain.ListeningEvent
	wg  sync.WaitGroup
}

func NewBatchSink(baseURL, token string, log zerolog.Logger) *BatchSink {
	return &BatchSink{
		url:      strings.TrimRight(baseURL, "/") + "/events/batch",
		token:    token,
		http:     &http.Client{Timeout: 10 * time.Second},
		size:     DefaultBatchSize,
		interval: DefaultFlushInterval,
		log:      log.With().Str("component", "analytics").Logger(),
	}
}

func (b *BatchSink) Record(_ context.Context, ev domain.ListeningEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	b.mu.Lock()
	b.buf = append(b.buf, ev)
	full := len(b.buf) >= b.size
	b.mu.Unlock()

	if full {
		b.wg.Add(1)
		go func() {
			defer b.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), b.http.Timeout)
			defer cancel()
			b.flushLogged(ctx)
		}()
	}
}

// Run flushes on every tick and once more when ctx ends.
func (b *BatchSink) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.wg.Wait()
			final, cancel := context.WithTimeout(context.Background(), b.http.Timeout)
			defer cancel()
			b.flushLogged(final)
			return nil
		case <-ticker.C:
			b.flushLogged(ctx)
		}
	}
}

func (b *BatchSink) flushLogged(ctx context.Context) {
	if err := b.Flush(ctx); err != nil {
		b.log.Warn().Err(err).Msg("flush analytics")
	}
}

// Flush posts everything buffered so far.
func (b *BatchSink) Flush(ctx context.Context) error {
	b.mu.Lock()
	batch := b.buf
	b.buf = nil
	b.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}

	body, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("post %d events: %w", len(batch), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("post %d events: status %d", len(batch), resp.StatusCode)
	}
	return nil
}
