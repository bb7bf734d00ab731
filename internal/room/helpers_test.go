package room

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"silent-disco/internal/cache"
	"silent-disco/internal/domain"
	"silent-disco/internal/protocol"
	"silent-disco/internal/smartqueue"
	"silent-disco/internal/store"
)

// recorder fans broadcasts out to subscribed connections like the hub does.
type recorder struct {
	mu         sync.Mutex
	subs       map[string]map[string]bool
	inbox      map[string][]protocol.Event
	broadcasts int
}

func newRecorder() *recorder {
	return &recorder{subs: map[string]map[string]bool{}, inbox: map[string][]protocol.Event{}}
}

func (r *recorder) Subscribe(code, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.subs[code] == nil {
		r.subs[code] = map[string]bool{}
	}
	r.subs[code][connID] = true
}

func (r *recorder) Unsubscribe(code, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs[code], connID)
}

func (r *recorder) Broadcast(code string, ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcasts++
	for conn := range r.subs[code] {
		r.inbox[conn] = append(r.inbox[conn], ev)
	}
}

func (r *recorder) Send(connID string, ev protocol.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbox[connID] = append(r.inbox[connID], ev)
}

func (r *recorder) received(connID string) []protocol.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Event(nil), r.inbox[connID]...)
}

func (r *recorder) ofType(connID, typ string) []protocol.Event {
	var out []protocol.Event
	for _, ev := range r.received(connID) {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inbox = map[string][]protocol.Event{}
	r.broadcasts = 0
}

func (r *recorder) broadcastCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.broadcasts
}

type fakeProvider struct {
	mu     sync.Mutex
	tracks []domain.Track
	err    error
	calls  int
}

func (p *fakeProvider) SearchTracks(_ context.Context, _ string, _ int) ([]domain.Track, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.tracks, p.err
}

// flakyStore fails playback writes while failPlayback is set and queue marks
// while failMark is set.
type flakyStore struct {
	*store.MemoryStore
	mu           sync.Mutex
	failPlayback bool
	failMark     bool
}

func (s *flakyStore) MarkPlayed(ctx context.Context, roomID, queueID string) (bool, error) {
	s.mu.Lock()
	fail := s.failMark
	s.mu.Unlock()
	if fail {
		return false, errors.New("invalid input syntax for type uuid")
	}
	return s.MemoryStore.MarkPlayed(ctx, roomID, queueID)
}

func (s *flakyStore) UpdatePlayback(ctx context.Context, roomID, trackID string, isPlaying bool, position float64) error {
	s.mu.Lock()
	fail := s.failPlayback
	s.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return s.MemoryStore.UpdatePlayback(ctx, roomID, trackID, isPlaying, position)
}

type fixture struct {
	m     *Manager
	st    *store.MemoryStore
	rec   *recorder
	prov  *fakeProvider
	room  *domain.Room
	host  *domain.Member
	code  string
	hostC string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithStore(t, store.NewMemoryStore(), nil)
}

func newFixtureWithStore(t *testing.T, mem *store.MemoryStore, st store.Store) *fixture {
	t.Helper()
	if st == nil {
		st = mem
	}
	rec := newRecorder()
	prov := &fakeProvider{}
	rep := smartqueue.New(prov, cache.NewMemoryCache(), smartqueue.Config{Threshold: 3, Cap: 3}, zerolog.Nop())
	m := NewManager(st, rec, rep, Config{MaxMembers: 3}, zerolog.Nop())
	m.spawn = func(f func()) { f() }

	room := &domain.Room{Code: "AB12CD", HostUserID: "host", Visibility: domain.VisibilityPublic,
		Status: domain.StatusActive, MaxMembers: 3}
	host := &domain.Member{}
	require.NoError(t, mem.CreateRoom(context.Background(), room, host))

	return &fixture{m: m, st: mem, rec: rec, prov: prov, room: room, host: host, code: "AB12CD", hostC: "conn-host"}
}

func (f *fixture) join(t *testing.T, connID, userID string) {
	t.Helper()
	require.NoError(t, f.m.Join(context.Background(), f.code, connID, userID))
}

func (f *fixture) roomRow(t *testing.T) *domain.Room {
	t.Helper()
	r, err := f.st.GetRoomByCode(context.Background(), f.code)
	require.NoError(t, err)
	return r
}

func (f *fixture) memberID(t *testing.T, userID string) string {
	t.Helper()
	m, err := f.st.GetMember(context.Background(), f.room.ID, userID)
	require.NoError(t, err)
	return m.ID
}

func (f *fixture) hostCount(t *testing.T) int {
	t.Helper()
	members, err := f.st.ListMembers(context.Background(), f.room.ID)
	require.NoError(t, err)
	n := 0
	for _, m := range members {
		if m.Role == domain.RoleHost {
			n++
		}
	}
	return n
}

func track(id string) domain.Track {
	return domain.Track{ID: id, Title: "Title " + id, Artist: "Artist"}
}

func tracksOf(ids ...string) []domain.Track {
	out := make([]domain.Track, 0, len(ids))
	for _, id := range ids {
		out = append(out, track(id))
	}
	return out
}
