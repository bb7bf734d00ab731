// Package room owns the authoritative per-room playback state machine.
//
// Every operation on a room runs under that room's lock, so commands for one room
// never interleave while different rooms proceed independently. Unauthorized
// mutations are dropped without a broadcast or an error. Output goes through a
// Broadcaster so the manager stays transport-agnostic.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"silent-disco/internal/domain"
	"silent-disco/internal/protocol"
	"silent-disco/internal/smartqueue"
	"silent-disco/internal/store"
)

var (
	ErrRoomNotFound = errors.New("room not found")
	ErrRoomEnded    = errors.New("room has ended")
	ErrRoomFull     = errors.New("room is full")
	ErrForbidden    = errors.New("forbidden")
	ErrNotMember    = errors.New("not a member of this room")
)

// Broadcaster delivers events to connections. Subscribe adds a connection to a
// room's fan-out group.
type Broadcaster interface {
	Subscribe(code, connID string)
	Unsubscribe(code, connID string)
	Broadcast(code string, ev protocol.Event)
	Send(connID string, ev protocol.Event)
}

type Config struct {
	MaxMembers       int
	CodeLength       int
	HistoryWindow    int
	ReplenishTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxMembers <= 0 {
		c.MaxMembers = 50
	}
	if c.CodeLength <= 0 {
		c.CodeLength = 6
	}
	if c.HistoryWindow <= 0 {
		c.HistoryWindow = 20
	}
	if c.ReplenishTimeout <= 0 {
		c.ReplenishTimeout = 15 * time.Second
	}
	return c
}

type Manager struct {
	store store.Store
	out   Broadcaster
	rep   *smartqueue.Replenisher
	cfg   Config
	log   zerolog.Logger

	now   func() time.Time
	spawn func(func())

	mu    sync.Mutex
	locks map[string]*roomLock
}

// roomLock is dropped from Manager.locks once no caller holds or waits on it.
type roomLock struct {
	mu   sync.Mutex
	refs int
}

// NewManager wires a manager. rep may be nil to disable replenishment.
func NewManager(st store.Store, out Broadcaster, rep *smartqueue.Replenisher, cfg Config, log zerolog.Logger) *Manager {
	return &Manager{
		store: st,
		out:   out,
		rep:   rep,
		cfg:   cfg.withDefaults(),
		log:   log.With().Str("component", "room").Logger(),
		now:   time.Now,
		spawn: func(f func()) { go f() },
		locks: make(map[string]*roomLock),
	}
}

func (m *Manager) lock(code string) func() {
	m.mu.Lock()
	l, ok := m.locks[code]
	if !ok {
		l = &roomLock{}
		m.locks[code] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()

		m.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(m.locks, code)
		}
		m.mu.Unlock()
	}
}

// lockedRooms reports how many rooms currently have a lock entry.
func (m *Manager) lockedRooms() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *Manager) loadRoom(ctx context.Context, code string) (*domain.Room, error) {
	r, err := m.store.GetRoomByCode(ctx, code)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrRoomNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", code, err)
	}
	return r, nil
}

// authorize resolves the acting member and checks allowed. A false result with a
// nil error means the command is to be dropped silently.
func (m *Manager) authorize(ctx context.Context, code, userID, cmd string, allowed func(domain.Member) bool) (*domain.Room, *domain.Member, bool, error) {
	room, err := m.loadRoom(ctx, code)
	if err != nil {
		return nil, nil, false, err
	}
	if room.Status == domain.StatusEnded {
		return nil, nil, false, ErrRoomEnded
	}

	actor, err := m.store.GetMember(ctx, room.ID, userID)
	if errors.Is(err, store.ErrNotFound) {
		m.log.Debug().Str("room", code).Str("user", userID).Str("cmd", cmd).Msg("dropped: not a member")
		return room, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("load member: %w", err)
	}
	if !allowed(*actor) {
		m.log.Debug().Str("room", code).Str("user", userID).Str("cmd", cmd).Msg("dropped: permission denied")
		return room, actor, false, nil
	}
	return room, actor, true, nil
}

// snapshot builds the sync_state payload. While playing, the position is
// extrapolated from the last persisted update.
func (m *Manager) snapshot(ctx context.Context, room *domain.Room) (domain.Snapshot, error) {
	now := m.now()
	snap := domain.Snapshot{
		IsPlaying: room.IsPlaying,
		Position:  room.Position,
		Timestamp: now.UnixMilli(),
	}
	if room.IsPlaying && !room.UpdatedAt.IsZero() {
		if elapsed := now.Sub(room.UpdatedAt).Seconds(); elapsed > 0 {
			snap.Position += elapsed
		}
	}

	if room.CurrentTrackID != "" {
		t, err := m.store.GetTrack(ctx, room.CurrentTrackID)
		switch {
		case errors.Is(err, store.ErrNotFound):
			snap.Track = &domain.Track{ID: room.CurrentTrackID}
		case err != nil:
			return snap, fmt.Errorf("load track: %w", err)
		default:
			snap.Track = t
		}
	}

	queue, err := m.store.ListQueue(ctx, room.ID)
	if err != nil {
		return snap, fmt.Errorf("load queue: %w", err)
	}
	snap.Queue = queue
	return snap, nil
}

// members returns the non-banned members with Online derived from the binding.
func (m *Manager) members(ctx context.Context, roomID string) ([]domain.Member, error) {
	all, err := m.store.ListMembers(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("load members: %w", err)
	}
	out := make([]domain.Member, 0, len(all))
	for _, mem := range all {
		if mem.Banned {
			continue
		}
		mem.Online = mem.ConnectionID != ""
		out = append(out, mem)
	}
	return out, nil
}

func (m *Manager) broadcastMembers(ctx context.Context, room *domain.Room) error {
	members, err := m.members(ctx, room.ID)
	if err != nil {
		return err
	}
	m.out.Broadcast(room.Code, protocol.MembersUpdate(members))
	return nil
}

func (m *Manager) broadcastQueue(ctx context.Context, room *domain.Room) error {
	queue, err := m.store.ListQueue(ctx, room.ID)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	m.out.Broadcast(room.Code, protocol.QueueUpdate(queue))
	return nil
}
