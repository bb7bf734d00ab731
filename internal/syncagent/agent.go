// Package syncagent reconciles one client's playback cursor with a room.
//
// Local commands apply optimistically and are sent without waiting. Point events
// from the server (play, pause, seek) apply as they arrive. Heartbeat snapshots are
// only corrections: they overwrite local playback when the client has never synced,
// the track differs or the drift exceeds the threshold. For a short window after the
// client's own seek, snapshot positions are ignored.
package syncagent

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"silent-disco/internal/domain"
	"silent-disco/internal/protocol"
)

const (
	DefaultHeartbeat      = 10 * time.Second
	DefaultDriftThreshold = 2 * time.Second
	DefaultSuppressWindow = 500 * time.Millisecond
)

var ErrAuth = errors.New("syncagent: authentication rejected")

// Transport is the client end of the room channel.
type Transport interface {
	Send(ctx context.Context, cmd protocol.Command) error
	Read() ([]byte, error)
	Close() error
}

type Config struct {
	Heartbeat      time.Duration
	DriftThreshold time.Duration
	SuppressWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	if c.DriftThreshold <= 0 {
		c.DriftThreshold = DefaultDriftThreshold
	}
	if c.SuppressWindow <= 0 {
		c.SuppressWindow = DefaultSuppressWindow
	}
	return c
}

// State is the local view of the room. Position is the cursor at Anchor.
type State struct {
	RoomCode  string
	Track     *domain.Track
	IsPlaying bool
	Position  float64
	Anchor    time.Time
	Queue     []domain.QueueItem
	Members   []domain.Member
	IsHost    bool
	Synced    bool
}

// PositionAt extrapolates the cursor to now while playing.
func (s State) PositionAt(now time.Time) float64 {
	if !s.IsPlaying || s.Anchor.IsZero() {
		return s.Position
	}
	return s.Position + now.Sub(s.Anchor).Seconds()
}

type Agent struct {
	conn Transport
	cfg  Config
	log  zerolog.Logger
	now  func() time.Time

	mu            sync.Mutex
	state         State
	suppressUntil time.Time
	observer      func(State)
}

func New(code string, conn Transport, cfg Config, log zerolog.Logger) *Agent {
	return &Agent{
		conn:  conn,
		cfg:   cfg.withDefaults(),
		log:   log.With().Str("component", "syncagent").Str("room", code).Logger(),
		now:   time.Now,
		state: State{RoomCode: code},
	}
}

// Observe registers f to receive the state after every visible change.
func (a *Agent) Observe(f func(State)) {
	a.mu.Lock()
	a.observer = f
	a.mu.Unlock()
}

func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := a.state
	s.Queue = append([]domain.QueueItem(nil), s.Queue...)
	s.Members = append([]domain.Member(nil), s.Members...)
	return s
}

func (a *Agent) Position() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.PositionAt(a.now())
}

// update mutates the state under the lock and notifies the observer after it.
func (a *Agent) update(f func(s *State, now time.Time) bool) {
	a.mu.Lock()
	changed := f(&a.state, a.now())
	obs, snap := a.observer, a.state
	a.mu.Unlock()
	if changed && obs != nil {
		obs(snap)
	}
}

func (a *Agent) code() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state.RoomCode
}

func (a *Agent) Join(ctx context.Context, token string) error {
	return a.conn.Send(ctx, &protocol.JoinRoom{RoomCode: a.code(), Token: token})
}

func (a *Agent) Leave(ctx context.Context) error {
	return a.conn.Send(ctx, &protocol.LeaveRoom{RoomCode: a.code()})
}

func (a *Agent) Play(ctx context.Context, track domain.Track, position float64) error {
	a.update(func(s *State, now time.Time) bool {
		t := track
		s.Track, s.IsPlaying, s.Position, s.Anchor = &t, true, position, now
		return true
	})
	return a.conn.Send(ctx, &protocol.Play{RoomCode: a.code(), Track: track, Position: position})
}

func (a *Agent) Pause(ctx context.Context) error {
	var pos float64
	a.update(func(s *State, now time.Time) bool {
		pos = s.PositionAt(now)
		s.IsPlaying, s.Position, s.Anchor = false, pos, now
		return true
	})
	return a.conn.Send(ctx, &protocol.Pause{RoomCode: a.code(), Position: pos})
}

// Seek moves the cursor and opens the suppression window.
func (a *Agent) Seek(ctx context.Context, position float64) error {
	position = math.Max(position, 0)
	a.update(func(s *State, now time.Time) bool {
		s.Position, s.Anchor = position, now
		a.suppressUntil = now.Add(a.cfg.SuppressWindow)
		return true
	})
	return a.conn.Send(ctx, &protocol.Seek{RoomCode: a.code(), Position: position})
}

func (a *Agent) AddToQueue(ctx context.Context, track domain.Track) error {
	return a.conn.Send(ctx, &protocol.QueueAdd{RoomCode: a.code(), Track: track})
}

func (a *Agent) RemoveFromQueue(ctx context.Context, queueID string) error {
	return a.conn.Send(ctx, &protocol.QueueRemove{RoomCode: a.code(), QueueID: queueID})
}

func (a *Agent) UpdatePermissions(ctx context.Context, memberID string, p domain.Permissions) error {
	return a.conn.Send(ctx, &protocol.UpdatePermissions{RoomCode: a.code(), MemberID: memberID, Permissions: p})
}

func (a *Agent) RequestSync(ctx context.Context) error {
	return a.conn.Send(ctx, &protocol.RequestSync{RoomCode: a.code()})
}

// Apply folds one server frame into the local state. It returns ErrAuth when the
// server rejected the credential.
func (a *Agent) Apply(data []byte) error {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		return fmt.Errorf("parse frame: %w", err)
	}

	switch msg.Type {
	case protocol.TypePlay:
		var p protocol.PlayPayload
		if err := msg.Into(&p); err != nil {
			return fmt.Errorf("decode play: %w", err)
		}
		a.update(func(s *State, now time.Time) bool {
			t := p.Track
			s.Track, s.IsPlaying, s.Position, s.Anchor = &t, true, p.Position, now
			return true
		})

	case protocol.TypePause:
		var p protocol.PositionPayload
		if err := msg.Into(&p); err != nil {
			return fmt.Errorf("decode pause: %w", err)
		}
		a.update(func(s *State, now time.Time) bool {
			s.IsPlaying, s.Position, s.Anchor = false, p.Position, now
			return true
		})

	case protocol.TypeSeek:
		var p protocol.PositionPayload
		if err := msg.Into(&p); err != nil {
			return fmt.Errorf("decode seek: %w", err)
		}
		a.update(func(s *State, now time.Time) bool {
			s.Position, s.Anchor = p.Position, now
			return true
		})

	case protocol.TypeSyncState:
		var snap domain.Snapshot
		if err := msg.Into(&snap); err != nil {
			return fmt.Errorf("decode sync_state: %w", err)
		}
		a.update(func(s *State, now time.Time) bool { return a.reconcile(s, now, snap) })

	case protocol.TypeQueueUpdate:
		var q []domain.QueueItem
		if err := msg.Into(&q); err != nil {
			return fmt.Errorf("decode queue_update: %w", err)
		}
		a.update(func(s *State, _ time.Time) bool {
			s.Queue = q
			return true
		})

	case protocol.TypeMembersUpdate:
		var m []domain.Member
		if err := msg.Into(&m); err != nil {
			return fmt.Errorf("decode members_update: %w", err)
		}
		a.update(func(s *State, _ time.Time) bool {
			s.Members = m
			return true
		})

	case protocol.TypeIsHost:
		var v bool
		if err := msg.Into(&v); err != nil {
			return fmt.Errorf("decode is_host: %w", err)
		}
		a.update(func(s *State, _ time.Time) bool {
			s.IsHost = v
			return true
		})

	case protocol.TypePermissionsUpdate:
		var p protocol.PermissionsPayload
		if err := msg.Into(&p); err != nil {
			return fmt.Errorf("decode permissions_update: %w", err)
		}
		a.update(func(s *State, _ time.Time) bool {
			for i := range s.Members {
				if s.Members[i].ID == p.MemberID {
					s.Members[i].Permissions = p.Permissions
					return true
				}
			}
			return false
		})

	case protocol.TypeAuthError:
		var reason string
		_ = msg.Into(&reason)
		return fmt.Errorf("%w: %s", ErrAuth, reason)

	case protocol.TypeRoomError:
		var reason string
		_ = msg.Into(&reason)
		a.log.Warn().Str("reason", reason).Msg("room error")

	case protocol.TypePong:
	default:
		a.log.Debug().Str("type", msg.Type).Msg("ignoring unknown event")
	}
	return nil
}

// reconcile applies a heartbeat snapshot. The queue is always taken; playback
// only when a correction is due.
func (a *Agent) reconcile(s *State, now time.Time, snap domain.Snapshot) bool {
	queueChanged := !sameQueue(s.Queue, snap.Queue)
	s.Queue = snap.Queue

	if s.Synced && now.Before(a.suppressUntil) {
		a.log.Debug().Msg("snapshot suppressed after local seek")
		return queueChanged
	}

	trackChanged := trackID(s.Track) != trackID(snap.Track)
	drift := math.Abs(s.PositionAt(now) - snap.Position)
	if s.Synced && !trackChanged && drift <= a.cfg.DriftThreshold.Seconds() {
		return queueChanged
	}

	if s.Synced {
		a.log.Debug().Float64("drift", drift).Bool("track_changed", trackChanged).Msg("correcting playback")
	}
	s.Track = snap.Track
	s.IsPlaying = snap.IsPlaying
	s.Position = snap.Position
	s.Anchor = now
	s.Synced = true
	return true
}

func sameQueue(a, b []domain.QueueItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID {
			return false
		}
	}
	return true
}

func trackID(t *domain.Track) string {
	if t == nil {
		return ""
	}
	return t.ID
}

// Run sends a request_sync every heartbeat and applies inbound frames until ctx
// ends, the connection drops or the server rejects the credential.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-ctx.Done()
		return a.conn.Close()
	})

	g.Go(func() error {
		ticker := time.NewTicker(a.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := a.RequestSync(ctx); err != nil {
					a.log.Warn().Err(err).Msg("heartbeat")
				}
			}
		}
	})

	g.Go(func() error {
		for {
			data, err := a.conn.Read()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("read: %w", err)
			}
			if err := a.Apply(data); err != nil {
				if errors.Is(err, ErrAuth) {
					return err
				}
				a.log.Warn().Err(err).Msg("apply frame")
			}
		}
	})

	return g.Wait()
}
