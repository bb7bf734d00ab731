// Package localqueue is the solo-mode queue: a current track, three priority tiers
// and a bounded history, kept without any server authority.
//
// What plays next is always taken from Explicit, then System, then AI. The current
// track never sits in a tier. Play operations record listening signals for the track
// being left and ask the replenisher to top up the AI tier in the background.
package localqueue

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"silent-disco/internal/analytics"
	"silent-disco/internal/domain"
	"silent-disco/internal/smartqueue"
)

var (
	ErrNotQueued    = errors.New("localqueue: track not in queue")
	ErrBadIndex     = errors.New("localqueue: start index out of range")
	ErrCurrentTrack = errors.New("localqueue: track is already playing")
)

type Tier string

const (
	TierExplicit Tier = "EXPLICIT"
	TierSystem   Tier = "SYSTEM"
	TierAI       Tier = "AI"
)

const (
	DefaultHistorySize = 20
	replenishTimeout   = 15 * time.Second
)

type Entry struct {
	ID    string       `json:"id"`
	Track domain.Track `json:"track"`
	Tier  Tier         `json:"tier"`
}

// Snapshot is the full engine state; it is also the persisted form.
type Snapshot struct {
	Current   *domain.Track `json:"current,omitempty"`
	StartedAt time.Time     `json:"startedAt"`
	Context   string        `json:"context,omitempty"`
	Explicit  []Entry       `json:"explicit"`
	System    []Entry       `json:"system"`
	AI        []Entry       `json:"ai"`
	History   []string      `json:"history"` // track ids, newest first
}

// Upcoming lists every queued entry in play order.
func (s Snapshot) Upcoming() []Entry {
	out := make([]Entry, 0, len(s.Explicit)+len(s.System)+len(s.AI))
	out = append(out, s.Explicit...)
	out = append(out, s.System...)
	return append(out, s.AI...)
}

func (s Snapshot) clone() Snapshot {
	c := s
	if s.Current != nil {
		t := *s.Current
		c.Current = &t
	}
	c.Explicit = slices.Clone(s.Explicit)
	c.System = slices.Clone(s.System)
	c.AI = slices.Clone(s.AI)
	c.History = slices.Clone(s.History)
	return c
}

// Planner decides which tracks to append to a queue.
type Planner interface {
	Plan(ctx context.Context, in smartqueue.Input) ([]domain.Track, error)
}

type Store interface {
	Save(ctx context.Context, s Snapshot) error
	Load(ctx context.Context) (Snapshot, bool, error)
}

type Options struct {
	UserID      string
	HistorySize int
	// ClearExplicitOnPlay drops user-queued tracks when a track is picked manually.
	ClearExplicitOnPlay bool
}

type Engine struct {
	planner Planner
	sink    analytics.Sink
	store   Store
	opts    Options
	log     zerolog.Logger
	now     func() time.Time
	spawn   func(func())

	mu    sync.Mutex
	state Snapshot
	// gen changes on every context switch; replenish results from an older
	// generation are dropped.
	gen uint64
}

// New builds an engine. planner, sink and store may be nil.
func New(planner Planner, sink analytics.Sink, store Store, opts Options, log zerolog.Logger) *Engine {
	if sink == nil {
		sink = analytics.Nop{}
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = DefaultHistorySize
	}
	return &Engine{
		planner: planner,
		sink:    sink,
		store:   store,
		opts:    opts,
		log:     log.With().Str("component", "localqueue").Logger(),
		now:     time.Now,
		spawn:   func(f func()) { go f() },
	}
}

// Restore loads the persisted state, if any.
func (e *Engine) Restore(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	s, ok, err := e.store.Load(ctx)
	if err != nil || !ok {
		return err
	}
	e.mu.Lock()
	e.state = s
	e.gen++
	e.mu.Unlock()
	e.log.Info().Int("queued", len(s.Upcoming())).Msg("restored local queue")
	return nil
}

func (e *Engine) State() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state.clone()
}

func (e *Engine) Current() *domain.Track {
	return e.State().Current
}

// PlayTrack starts track under a new listening context. System and AI are dropped.
func (e *Engine) PlayTrack(ctx context.Context, track domain.Track, listenCtx string) {
	e.mu.Lock()
	e.leaveCurrent(ctx)
	e.state.System, e.state.AI = nil, nil
	if e.opts.ClearExplicitOnPlay {
		e.state.Explicit = nil
	}
	e.state.Context = listenCtx
	e.gen++
	e.start(ctx, track)
	e.mu.Unlock()

	e.replenish()
}

// PlayPlaylist starts tracks[start]; the rest of the playlist becomes the System tier.
func (e *Engine) PlayPlaylist(ctx context.Context, tracks []domain.Track, start int, listenCtx string) error {
	if start < 0 || start >= len(tracks) {
		return ErrBadIndex
	}

	e.mu.Lock()
	e.leaveCurrent(ctx)
	e.state.Explicit, e.state.AI = nil, nil
	e.state.System = make([]Entry, 0, len(tracks)-start-1)
	for _, t := range tracks[start+1:] {
		e.state.System = append(e.state.System, newEntry(t, TierSystem))
	}
	e.state.Context = listenCtx
	e.gen++
	e.start(ctx, tracks[start])
	e.mu.Unlock()

	e.replenish()
	return nil
}

// PlayNext advances to the head of the highest-priority non-empty tier. It returns
// nil and stops playback when every tier is empty.
func (e *Engine) PlayNext(ctx context.Context) *domain.Track {
	e.mu.Lock()
	e.leaveCurrent(ctx)

	var next *Entry
	for _, tier := range e.tiers() {
		if len(*tier) > 0 {
			head := (*tier)[0]
			*tier = (*tier)[1:]
			next = &head
			break
		}
	}
	if next == nil {
		e.state.Current = nil
		e.state.StartedAt = time.Time{}
		e.persist(ctx)
		e.mu.Unlock()
		e.log.Info().Msg("queue exhausted, playback stopped")
		return nil
	}
	e.start(ctx, next.Track)
	t := next.Track
	e.mu.Unlock()

	e.replenish()
	return &t
}

// PlayTrackFromQueue jumps to the first queued entry for trackID. Everything queued
// ahead of it in play order is discarded.
func (e *Engine) PlayTrackFromQueue(ctx context.Context, trackID string) error {
	e.mu.Lock()
	var (
		found *Entry
		tiers = e.tiers()
	)
	for ti, tier := range tiers {
		i := slices.IndexFunc(*tier, func(en Entry) bool { return en.Track.ID == trackID })
		if i < 0 {
			continue
		}
		en := (*tier)[i]
		found = &en
		*tier = (*tier)[i+1:]
		for _, ahead := range tiers[:ti] {
			*ahead = nil
		}
		break
	}
	if found == nil {
		e.mu.Unlock()
		return ErrNotQueued
	}
	e.leaveCurrent(ctx)
	e.start(ctx, found.Track)
	e.mu.Unlock()

	e.replenish()
	return nil
}

// AddToQueue appends track to the Explicit tier.
func (e *Engine) AddToQueue(ctx context.Context, track domain.Track) (Entry, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state.Current != nil && e.state.Current.ID == track.ID {
		return Entry{}, ErrCurrentTrack
	}
	en := newEntry(track, TierExplicit)
	e.state.Explicit = append(e.state.Explicit, en)
	e.sink.Record(ctx, e.event(track.ID, domain.EventQueueAdd, 0))
	e.persist(ctx)
	return en, nil
}

// RemoveFromQueue deletes the entry with id from whichever tier holds it.
func (e *Engine) RemoveFromQueue(ctx context.Context, id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, tier := range e.tiers() {
		if i := slices.IndexFunc(*tier, func(en Entry) bool { return en.ID == id }); i >= 0 {
			*tier = slices.Delete(*tier, i, i+1)
			e.persist(ctx)
			return true
		}
	}
	return false
}

// ClearQueue empties all tiers. The current track keeps playing.
func (e *Engine) ClearQueue(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state.Explicit, e.state.System, e.state.AI = nil, nil, nil
	e.gen++
	e.persist(ctx)
}

func (e *Engine) tiers() []*[]Entry {
	return []*[]Entry{&e.state.Explicit, &e.state.System, &e.state.AI}
}

// leaveCurrent records the listening signals for the current track and moves it to
// history. Callers hold mu.
func (e *Engine) leaveCurrent(ctx context.Context) {
	cur := e.state.Current
	if cur == nil {
		return
	}
	listened := e.now().Sub(e.state.StartedAt)
	if listened < 0 {
		listened = 0
	}
	e.sink.Record(ctx, e.event(cur.ID, domain.EventDwell, listened.Seconds()))
	if listened < domain.SkipThreshold {
		e.sink.Record(ctx, e.event(cur.ID, domain.EventSkip, listened.Seconds()))
	}

	h := append([]string{cur.ID}, e.state.History...)
	if len(h) > e.opts.HistorySize {
		h = h[:e.opts.HistorySize]
	}
	e.state.History = h
	e.state.Current = nil
}

// start makes track current and removes any queued copies of it. Callers hold mu.
func (e *Engine) start(ctx context.Context, track domain.Track) {
	t := track
	e.state.Current = &t
	e.state.StartedAt = e.now()
	for _, tier := range e.tiers() {
		*tier = slices.DeleteFunc(*tier, func(en Entry) bool { return en.Track.ID == track.ID })
	}
	e.sink.Record(ctx, e.event(track.ID, domain.EventPlay, 0))
	e.persist(ctx)
}

func (e *Engine) event(trackID string, typ domain.EventType, value float64) domain.ListeningEvent {
	return domain.ListeningEvent{
		UserID:    e.opts.UserID,
		TrackID:   trackID,
		Type:      typ,
		Value:     value,
		Timestamp: e.now().UTC(),
	}
}

// persist saves the state. Callers hold mu; a failed save is logged only.
func (e *Engine) persist(ctx context.Context) {
	if e.store == nil {
		return
	}
	if err := e.store.Save(ctx, e.state); err != nil {
		e.log.Warn().Err(err).Msg("save local queue")
	}
}

// replenish tops up the AI tier in the background.
func (e *Engine) replenish() {
	if e.planner == nil {
		return
	}

	e.mu.Lock()
	if e.state.Current == nil {
		e.mu.Unlock()
		return
	}
	gen := e.gen
	in := e.input()
	e.mu.Unlock()

	e.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), replenishTimeout)
		defer cancel()

		tracks, err := e.planner.Plan(ctx, in)
		if err != nil {
			e.log.Warn().Err(err).Msg("replenish")
			return
		}
		if len(tracks) == 0 {
			return
		}

		e.mu.Lock()
		defer e.mu.Unlock()
		if gen != e.gen || e.state.Current == nil {
			e.log.Debug().Msg("dropping stale recommendations")
			return
		}
		now := e.input()
		added := 0
		for _, t := range smartqueue.Select(seedID(now.Seed), now.Queue, now.History, tracks, len(tracks)) {
			e.state.AI = append(e.state.AI, newEntry(t, TierAI))
			added++
		}
		if added > 0 {
			e.persist(ctx)
			e.log.Debug().Int("added", added).Msg("replenished AI tier")
		}
	})
}

// input describes the queue for the planner. The seed is the most recently queued
// track, falling back to the current one. Callers hold mu.
func (e *Engine) input() smartqueue.Input {
	upcoming := e.state.Upcoming()
	in := smartqueue.Input{
		Queue:   make([]string, 0, len(upcoming)),
		History: slices.Clone(e.state.History),
	}
	for _, en := range upcoming {
		in.Queue = append(in.Queue, en.Track.ID)
	}
	if n := len(upcoming); n > 0 {
		t := upcoming[n-1].Track
		in.Seed = &t
	} else if e.state.Current != nil {
		t := *e.state.Current
		in.Seed = &t
	}
	if e.state.Current != nil {
		in.History = append(in.History, e.state.Current.ID)
	}
	return in
}

func seedID(t *domain.Track) string {
	if t == nil {
		return ""
	}
	return t.ID
}

func newEntry(t domain.Track, tier Tier) Entry {
	return Entry{ID: uuid.NewString(), Track: t, Tier: tier}
}
