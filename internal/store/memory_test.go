package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"silent-disco/internal/domain"
)

func newRoom(t *testing.T, s *MemoryStore, code string) (*domain.Room, *domain.Member) {
	t.Helper()
	room := &domain.Room{Code: code, HostUserID: "host", Visibility: domain.VisibilityPublic,
		Status: domain.StatusActive, MaxMembers: 10}
	host := &domain.Member{}
	require.NoError(t, s.CreateRoom(context.Background(), room, host))
	return room, host
}

func TestMemoryStore_CreateRoom(t *testing.T) {
	s := NewMemoryStore()
	room, host := newRoom(t, s, "AB12CD")

	assert.NotEmpty(t, room.ID)
	assert.Equal(t, domain.RoleHost, host.Role)

	_, err := s.GetRoomByCode(context.Background(), "AB12CD")
	require.NoError(t, err)

	err = s.CreateRoom(context.Background(), &domain.Room{Code: "AB12CD"}, &domain.Member{})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.GetRoomByCode(context.Background(), "XXXXXX")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_QueueOrderAndPlayed(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	room, _ := newRoom(t, s, "AB12CD")

	var ids []string
	for _, tid := range []string{"a", "b", "a"} {
		it := &domain.QueueItem{RoomID: room.ID, Track: domain.Track{ID: tid}, AddedBy: "host"}
		require.NoError(t, s.AppendQueueItem(ctx, it))
		ids = append(ids, it.ID)
	}

	items, err := s.ListQueue(ctx, room.ID)
	require.NoError(t, err)
	require.Len(t, items, 3)
	for i := 1; i < len(items); i++ {
		assert.Greater(t, items[i].Order, items[i-1].Order)
	}

	ok, err := s.MarkFirstUnplayedByTrack(ctx, room.ID, "a")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.MarkPlayed(ctx, room.ID, ids[0])
	require.NoError(t, err)
	assert.False(t, ok, "played items never flip twice")

	items, _ = s.ListQueue(ctx, room.ID)
	assert.Equal(t, []string{"b", "a"}, domain.TrackIDs(items))

	for _, tid := range []string{"x", "a", "x"} {
		require.NoError(t, s.RecordPlay(ctx, room.ID, tid))
	}
	played, _ := s.RecentlyPlayed(ctx, room.ID, 5)
	assert.Equal(t, []string{"x", "a", "x"}, played)
	played, _ = s.RecentlyPlayed(ctx, room.ID, 2)
	assert.Equal(t, []string{"x", "a"}, played)

	deleted, err := s.DeleteQueueItem(ctx, room.ID, ids[1])
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.DeleteQueueItem(ctx, room.ID, ids[1])
	require.NoError(t, err)
	assert.False(t, deleted)

	// order keys keep growing after deletes
	it := &domain.QueueItem{RoomID: room.ID, Track: domain.Track{ID: "c"}}
	require.NoError(t, s.AppendQueueItem(ctx, it))
	assert.Equal(t, int64(3), it.Order)
}

func TestMemoryStore_ConnectionGuards(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	room, host := newRoom(t, s, "AB12CD")

	m := &domain.Member{RoomID: room.ID, UserID: "u2", Role: domain.RoleMember, ConnectionID: "c1"}
	require.NoError(t, s.CreateMember(ctx, m))
	assert.ErrorIs(t, s.CreateMember(ctx, &domain.Member{RoomID: room.ID, UserID: "u2"}), ErrConflict)

	require.NoError(t, s.BindConnection(ctx, m.ID, "c2"))

	removed, err := s.DeleteMemberIfConnection(ctx, m.ID, "c1")
	require.NoError(t, err)
	assert.False(t, removed, "stale connection must not remove a reconnected member")

	removed, err = s.DeleteMemberIfConnection(ctx, m.ID, "c2")
	require.NoError(t, err)
	assert.True(t, removed)

	require.NoError(t, s.BindConnection(ctx, host.ID, "h1"))
	removed, _ = s.DeleteMemberIfConnection(ctx, host.ID, "h1")
	assert.False(t, removed, "host rows are never deleted")

	unbound, _ := s.UnbindConnection(ctx, host.ID, "h1")
	assert.True(t, unbound)

	assert.ErrorIs(t, s.BanMember(ctx, host.ID), ErrNotFound)
}

func TestMemoryStore_ListPublicRooms(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	r1, _ := newRoom(t, s, "AAAAAA")
	newRoom(t, s, "BBBBBB")
	require.NoError(t, s.UpdateRoomStatus(ctx, r1.ID, domain.StatusEnded))

	rooms, err := s.ListPublicRooms(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rooms, 1)
	assert.Equal(t, "BBBBBB", rooms[0].Code)
}
