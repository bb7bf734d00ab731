package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"silent-disco/internal/domain"
)

func setupMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	return NewPostgresStore(mock), mock
}

var roomCols = []string{"id", "code", "name", "host_user_id", "visibility", "status", "max_members",
	"current_track_id", "is_playing", "position", "created_at", "updated_at"}

func TestPostgresStore_GetRoomByCode(t *testing.T) {
	s, mock := setupMockStore(t)
	defer mock.Close()
	ctx := context.Background()
	now := time.Now()

	t.Run("Found", func(t *testing.T) {
		track := "yt-1"
		mock.ExpectQuery("SELECT .* FROM rooms WHERE code").
			WithArgs("AB12CD").
			WillReturnRows(pgxmock.NewRows(roomCols).
				AddRow("room-1", "AB12CD", "Friday", "user-1", "PUBLIC", "ACTIVE", 50, &track, true, 12.5, now, now))

		r, err := s.GetRoomByCode(ctx, "AB12CD")
		require.NoError(t, err)
		assert.Equal(t, "room-1", r.ID)
		assert.Equal(t, domain.VisibilityPublic, r.Visibility)
		assert.Equal(t, "yt-1", r.CurrentTrackID)
		assert.Equal(t, domain.StatePlaying, r.State())
	})

	t.Run("NoTrack", func(t *testing.T) {
		mock.ExpectQuery("SELECT .* FROM rooms WHERE code").
			WithArgs("ZZZZZZ").
			WillReturnRows(pgxmock.NewRows(roomCols).
				AddRow("room-2", "ZZZZZZ", "", "user-2", "PRIVATE", "ACTIVE", 10, (*string)(nil), false, 0.0, now, now))

		r, err := s.GetRoomByCode(ctx, "ZZZZZZ")
		require.NoError(t, err)
		assert.Equal(t, domain.StateNoTrack, r.State())
	})

	t.Run("NotFound", func(t *testing.T) {
		mock.ExpectQuery("SELECT .* FROM rooms WHERE code").
			WithArgs("NOPE00").
			WillReturnError(pgx.ErrNoRows)

		_, err := s.GetRoomByCode(ctx, "NOPE00")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateRoom(t *testing.T) {
	s, mock := setupMockStore(t)
	defer mock.Close()
	now := time.Now()

	mock.ExpectQuery("WITH r AS").
		WithArgs("AB12CD", "Friday", "user-1", "PUBLIC", "ACTIVE", 50).
		WillReturnRows(pgxmock.NewRows([]string{"id", "id", "joined_at", "created_at", "updated_at"}).
			AddRow("room-1", "member-1", now, now, now))

	room := &domain.Room{Code: "AB12CD", Name: "Friday", HostUserID: "user-1",
		Visibility: domain.VisibilityPublic, Status: domain.StatusActive, MaxMembers: 50}
	host := &domain.Member{}
	require.NoError(t, s.CreateRoom(context.Background(), room, host))

	assert.Equal(t, "room-1", room.ID)
	assert.Equal(t, "member-1", host.ID)
	assert.Equal(t, "room-1", host.RoomID)
	assert.Equal(t, domain.RoleHost, host.Role)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_AppendQueueItem(t *testing.T) {
	s, mock := setupMockStore(t)
	defer mock.Close()
	now := time.Now()

	mock.ExpectQuery("INSERT INTO queue_items").
		WithArgs("room-1", "yt-1", domain.AddedBySystem).
		WillReturnRows(pgxmock.NewRows([]string{"id", "order_key", "created_at"}).
			AddRow("q-1", int64(4), now))

	item := &domain.QueueItem{RoomID: "room-1", Track: domain.Track{ID: "yt-1"}, AddedBy: domain.AddedBySystem}
	require.NoError(t, s.AppendQueueItem(context.Background(), item))
	assert.Equal(t, "q-1", item.ID)
	assert.Equal(t, int64(4), item.Order)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListQueue(t *testing.T) {
	s, mock := setupMockStore(t)
	defer mock.Close()
	now := time.Now()

	mock.ExpectQuery("SELECT q.id").
		WithArgs("room-1").
		WillReturnRows(pgxmock.NewRows([]string{"id", "room_id", "order_key", "added_by", "is_played", "created_at",
			"id", "title", "artist", "duration_ms", "thumbnail_url"}).
			AddRow("q-1", "room-1", int64(0), "user-1", false, now, "yt-1", "One", "A", 1000, "").
			AddRow("q-2", "room-1", int64(1), "SYSTEM", false, now, "yt-2", "Two", "B", 2000, ""))

	items, err := s.ListQueue(context.Background(), "room-1")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "yt-2", items[1].Track.ID)
	assert.Less(t, items[0].Order, items[1].Order)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ConditionalWrites(t *testing.T) {
	s, mock := setupMockStore(t)
	defer mock.Close()
	ctx := context.Background()

	mock.ExpectExec("DELETE FROM room_members").
		WithArgs("member-1", "conn-old").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))
	removed, err := s.DeleteMemberIfConnection(ctx, "member-1", "conn-old")
	require.NoError(t, err)
	assert.False(t, removed)

	mock.ExpectExec("DELETE FROM queue_items").
		WithArgs("room-1", "q-1").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))
	deleted, err := s.DeleteQueueItem(ctx, "room-1", "q-1")
	require.NoError(t, err)
	assert.True(t, deleted)

	mock.ExpectExec("UPDATE rooms").
		WithArgs("room-1", pgxmock.AnyArg(), true, 3.0).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	err = s.UpdatePlayback(ctx, "room-1", "yt-1", true, 3.0)
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectExec("UPDATE room_members SET banned").
		WithArgs("member-2").
		WillReturnError(errors.New("boom"))
	assert.Error(t, s.BanMember(ctx, "member-2"))

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertListeningEvents(t *testing.T) {
	s, mock := setupMockStore(t)
	defer mock.Close()

	require.NoError(t, s.InsertListeningEvents(context.Background(), nil))

	mock.ExpectCopyFrom(pgx.Identifier{"listening_events"},
		[]string{"user_id", "track_id", "room_id", "type", "value", "created_at"}).
		WillReturnResult(2)

	err := s.InsertListeningEvents(context.Background(), []domain.ListeningEvent{
		{UserID: "u1", TrackID: "yt-1", Type: domain.EventDwell, Value: 42},
		{UserID: "u1", TrackID: "yt-1", Type: domain.EventSkip},
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAutoMigrate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	for range migrations {
		mock.ExpectExec("CREATE").WillReturnResult(pgxmock.NewResult("CREATE", 0))
	}
	require.NoError(t, AutoMigrate(context.Background(), mock))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MalformedIDs(t *testing.T) {
	s, mock := setupMockStore(t)
	defer mock.Close()
	ctx := context.Background()
	badUUID := &pgconn.PgError{Code: "22P02", Message: `invalid input syntax for type uuid: "q-1"`}

	mock.ExpectExec("DELETE FROM queue_items").
		WithArgs("room-1", "q-1").
		WillReturnError(badUUID)
	deleted, err := s.DeleteQueueItem(ctx, "room-1", "q-1")
	require.NoError(t, err)
	assert.False(t, deleted)

	mock.ExpectExec("UPDATE queue_items SET is_played").
		WithArgs("room-1", "q-1").
		WillReturnError(badUUID)
	marked, err := s.MarkPlayed(ctx, "room-1", "q-1")
	require.NoError(t, err)
	assert.False(t, marked)

	mock.ExpectQuery("SELECT .* FROM room_members WHERE room_id = \\$1 AND id").
		WithArgs("room-1", "m-1").
		WillReturnError(badUUID)
	_, err = s.GetMemberByID(ctx, "room-1", "m-1")
	assert.ErrorIs(t, err, ErrNotFound)

	mock.ExpectExec("DELETE FROM queue_items").
		WithArgs("room-1", "q-2").
		WillReturnError(errors.New("conn reset"))
	_, err = s.DeleteQueueItem(ctx, "room-1", "q-2")
	assert.Error(t, err, "other failures still surface")

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_PlayLog(t *testing.T) {
	s, mock := setupMockStore(t)
	defer mock.Close()
	ctx := context.Background()

	mock.ExpectExec("INSERT INTO room_plays").
		WithArgs("room-1", "yt-1").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.RecordPlay(ctx, "room-1", "yt-1"))

	mock.ExpectQuery("SELECT track_id\\s+FROM room_plays").
		WithArgs("room-1", 20).
		WillReturnRows(pgxmock.NewRows([]string{"track_id"}).AddRow("yt-1").AddRow("yt-0"))
	played, err := s.RecentlyPlayed(ctx, "room-1", 20)
	require.NoError(t, err)
	assert.Equal(t, []string{"yt-1", "yt-0"}, played)

	assert.NoError(t, mock.ExpectationsWereMet())
}
