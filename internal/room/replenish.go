package room

import (
	"context"
	"errors"
	"fmt"

	"silent-disco/internal/domain"
	"silent-disco/internal/smartqueue"
	"silent-disco/internal/store"
)

func (m *Manager) replenishAsync(code string) {
	if m.rep == nil {
		return
	}
	m.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ReplenishTimeout)
		defer cancel()
		if err := m.Replenish(ctx, code); err != nil {
			m.log.Warn().Err(err).Str("room", code).Msg("replenish skipped")
		}
	})
}

// Replenish tops the room's unplayed queue up to the threshold. The provider is
// called without holding the room lock; dedup is re-checked once it is re-taken.
func (m *Manager) Replenish(ctx context.Context, code string) error {
	if m.rep == nil {
		return nil
	}
	seed, need, err := m.replenishSeed(ctx, code)
	if err != nil || !need {
		return err
	}

	candidates, err := m.rep.Candidates(ctx, seed)
	if err != nil {
		return err
	}

	unlock := m.lock(code)
	defer unlock()

	room, err := m.loadRoom(ctx, code)
	if err != nil {
		return err
	}
	if room.Status == domain.StatusEnded {
		return nil
	}
	queue, err := m.store.ListQueue(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	if !m.rep.NeedsRefill(len(queue)) {
		return nil
	}
	history, err := m.history(ctx, room)
	if err != nil {
		return err
	}

	seedID := ""
	if seed != nil {
		seedID = seed.ID
	}
	picks := smartqueue.Select(seedID, domain.TrackIDs(queue), history, candidates, m.rep.Cap())
	if len(picks) == 0 {
		return nil
	}

	for _, t := range picks {
		if err := m.store.UpsertTrack(ctx, t); err != nil {
			return fmt.Errorf("upsert track: %w", err)
		}
		item := &domain.QueueItem{RoomID: room.ID, Track: t, AddedBy: domain.AddedBySystem}
		if err := m.store.AppendQueueItem(ctx, item); err != nil {
			return fmt.Errorf("append queue: %w", err)
		}
	}
	m.log.Info().Str("room", code).Int("added", len(picks)).Msg("queue replenished")
	return m.broadcastQueue(ctx, room)
}

// replenishSeed picks the last queued track, falling back to the current one.
func (m *Manager) replenishSeed(ctx context.Context, code string) (*domain.Track, bool, error) {
	unlock := m.lock(code)
	defer unlock()

	room, err := m.loadRoom(ctx, code)
	if err != nil {
		return nil, false, err
	}
	if room.Status == domain.StatusEnded {
		return nil, false, nil
	}
	queue, err := m.store.ListQueue(ctx, room.ID)
	if err != nil {
		return nil, false, fmt.Errorf("load queue: %w", err)
	}
	if !m.rep.NeedsRefill(len(queue)) {
		return nil, false, nil
	}

	if n := len(queue); n > 0 {
		t := queue[n-1].Track
		return &t, true, nil
	}
	if room.CurrentTrackID == "" {
		return nil, true, nil
	}
	t, err := m.store.GetTrack(ctx, room.CurrentTrackID)
	if errors.Is(err, store.ErrNotFound) {
		return &domain.Track{ID: room.CurrentTrackID}, true, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load track: %w", err)
	}
	return t, true, nil
}

// history is the room play log window plus the current track.
func (m *Manager) history(ctx context.Context, room *domain.Room) ([]string, error) {
	played, err := m.store.RecentlyPlayed(ctx, room.ID, m.cfg.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if room.CurrentTrackID != "" {
		played = append(played, room.CurrentTrackID)
	}
	return played, nil
}
