package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"silent-disco/internal/domain"
)

// MemoryStore keeps everything in process. Used for single-instance runs and tests.
type MemoryStore struct {
	mu      sync.Mutex
	rooms   map[string]*domain.Room // by id
	codes   map[string]string       // code -> room id
	tracks  map[string]domain.Track
	members map[string]*domain.Member // by id
	queue   map[string][]*domain.QueueItem
	nextKey map[string]int64
	plays   map[string][]string // room id -> track ids, oldest first
	events  []domain.ListeningEvent
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		rooms:   make(map[string]*domain.Room),
		codes:   make(map[string]string),
		tracks:  make(map[string]domain.Track),
		members: make(map[string]*domain.Member),
		queue:   make(map[string][]*domain.QueueItem),
		nextKey: make(map[string]int64),
		plays:   make(map[string][]string),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) CreateRoom(_ context.Context, room *domain.Room, host *domain.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.codes[room.Code]; ok {
		return ErrConflict
	}
	now := s.now()
	room.ID = uuid.NewString()
	room.CreatedAt, room.UpdatedAt = now, now
	r := *room
	s.rooms[r.ID] = &r
	s.codes[r.Code] = r.ID

	host.ID = uuid.NewString()
	host.RoomID = r.ID
	host.UserID = r.HostUserID
	host.Role = domain.RoleHost
	host.Permissions = domain.HostPermissions
	host.JoinedAt = now
	h := *host
	s.members[h.ID] = &h
	return nil
}

func (s *MemoryStore) GetRoomByCode(_ context.Context, code string) (*domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.codes[code]
	if !ok {
		return nil, ErrNotFound
	}
	r := *s.rooms[id]
	return &r, nil
}

func (s *MemoryStore) CodeExists(_ context.Context, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.codes[code]
	return ok, nil
}

func (s *MemoryStore) ListPublicRooms(_ context.Context, limit int) ([]domain.Room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.Room{}
	for _, r := range s.rooms {
		if r.Status == domain.StatusActive && r.Visibility == domain.VisibilityPublic {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) UpdatePlayback(_ context.Context, roomID, trackID string, isPlaying bool, position float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	r.CurrentTrackID = trackID
	r.IsPlaying = isPlaying
	r.Position = position
	r.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) UpdateRoomStatus(_ context.Context, roomID string, status domain.RoomStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[roomID]
	if !ok {
		return ErrNotFound
	}
	r.Status = status
	r.IsPlaying = false
	r.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) UpsertTrack(_ context.Context, t domain.Track) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.tracks[t.ID]; ok {
		if t.DurationMs < old.DurationMs {
			t.DurationMs = old.DurationMs
		}
		if t.ThumbnailURL == "" {
			t.ThumbnailURL = old.ThumbnailURL
		}
	}
	s.tracks[t.ID] = t
	return nil
}

func (s *MemoryStore) GetTrack(_ context.Context, id string) (*domain.Track, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tracks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (s *MemoryStore) GetMember(_ context.Context, roomID, userID string) (*domain.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, m := range s.members {
		if m.RoomID == roomID && m.UserID == userID {
			c := *m
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetMemberByID(_ context.Context, roomID, memberID string) (*domain.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[memberID]
	if !ok || m.RoomID != roomID {
		return nil, ErrNotFound
	}
	c := *m
	return &c, nil
}

func (s *MemoryStore) ListMembers(_ context.Context, roomID string) ([]domain.Member, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.Member{}
	for _, m := range s.members {
		if m.RoomID == roomID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].JoinedAt.Before(out[j].JoinedAt)
	})
	return out, nil
}

func (s *MemoryStore) CreateMember(_ context.Context, m *domain.Member) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.members {
		if existing.RoomID == m.RoomID && existing.UserID == m.UserID {
			return ErrConflict
		}
	}
	m.ID = uuid.NewString()
	m.JoinedAt = s.now()
	c := *m
	s.members[c.ID] = &c
	return nil
}

func (s *MemoryStore) BindConnection(_ context.Context, memberID, connID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[memberID]
	if !ok {
		return ErrNotFound
	}
	m.ConnectionID = connID
	return nil
}

func (s *MemoryStore) UnbindConnection(_ context.Context, memberID, connID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[memberID]
	if !ok || m.ConnectionID != connID {
		return false, nil
	}
	m.ConnectionID = ""
	return true, nil
}

func (s *MemoryStore) DeleteMemberIfConnection(_ context.Context, memberID, connID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[memberID]
	if !ok || m.ConnectionID != connID || m.Role == domain.RoleHost {
		return false, nil
	}
	delete(s.members, memberID)
	return true, nil
}

func (s *MemoryStore) UpdatePermissions(_ context.Context, memberID string, p domain.Permissions) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[memberID]
	if !ok {
		return ErrNotFound
	}
	m.Permissions = p
	return nil
}

func (s *MemoryStore) BanMember(_ context.Context, memberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.members[memberID]
	if !ok || m.Role == domain.RoleHost {
		return ErrNotFound
	}
	m.Banned = true
	m.ConnectionID = ""
	return nil
}

func (s *MemoryStore) AppendQueueItem(_ context.Context, item *domain.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t, ok := s.tracks[item.Track.ID]; ok {
		item.Track = t
	}
	item.ID = uuid.NewString()
	item.Order = s.nextKey[item.RoomID]
	item.IsPlayed = false
	item.CreatedAt = s.now()
	s.nextKey[item.RoomID] = item.Order + 1

	c := *item
	s.queue[item.RoomID] = append(s.queue[item.RoomID], &c)
	return nil
}

func (s *MemoryStore) ListQueue(_ context.Context, roomID string) ([]domain.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.QueueItem{}
	for _, it := range s.queue[roomID] {
		if !it.IsPlayed {
			out = append(out, *it)
		}
	}
	return out, nil
}

func (s *MemoryStore) RecordPlay(_ context.Context, roomID, trackID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.plays[roomID] = append(s.plays[roomID], trackID)
	return nil
}

func (s *MemoryStore) RecentlyPlayed(_ context.Context, roomID string, limit int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	plays := s.plays[roomID]
	for i := len(plays) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, plays[i])
	}
	return out, nil
}

func (s *MemoryStore) MarkPlayed(_ context.Context, roomID, queueID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range s.queue[roomID] {
		if it.ID == queueID && !it.IsPlayed {
			it.IsPlayed = true
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) MarkFirstUnplayedByTrack(_ context.Context, roomID, trackID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, it := range s.queue[roomID] {
		if it.Track.ID == trackID && !it.IsPlayed {
			it.IsPlayed = true
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) DeleteQueueItem(_ context.Context, roomID, queueID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	items := s.queue[roomID]
	for i, it := range items {
		if it.ID == queueID {
			s.queue[roomID] = append(items[:i], items[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) InsertListeningEvents(_ context.Context, events []domain.ListeningEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

// ListeningEvents returns a copy of everything ingested so far.
func (s *MemoryStore) ListeningEvents() []domain.ListeningEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.ListeningEvent(nil), s.events...)
}
