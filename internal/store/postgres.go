package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"silent-disco/internal/domain"
)

// DB is satisfied by *pgxpool.Pool and by pgxmock pools in tests.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

type PostgresStore struct {
	db DB
}

func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const roomColumns = `id, code, name, host_user_id, visibility, status, max_members,
	current_track_id, is_playing, position, created_at, updated_at`

const memberColumns = `id, room_id, user_id, role, can_add_queue, can_manage_queue,
	can_control_playback, connection_id, banned, joined_at`

func scanRoom(row pgx.Row) (*domain.Room, error) {
	var (
		r          domain.Room
		visibility string
		status     string
		trackID    *string
	)
	err := row.Scan(&r.ID, &r.Code, &r.Name, &r.HostUserID, &visibility, &status, &r.MaxMembers,
		&trackID, &r.IsPlaying, &r.Position, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	r.Visibility = domain.Visibility(visibility)
	r.Status = domain.RoomStatus(status)
	if trackID != nil {
		r.CurrentTrackID = *trackID
	}
	return &r, nil
}

func scanMember(row pgx.Row) (*domain.Member, error) {
	var (
		m      domain.Member
		role   string
		connID *string
	)
	err := row.Scan(&m.ID, &m.RoomID, &m.UserID, &role, &m.Permissions.CanAddQueue,
		&m.Permissions.CanManageQueue, &m.Permissions.CanControlPlayback, &connID, &m.Banned, &m.JoinedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	m.Role = domain.Role(role)
	if connID != nil {
		m.ConnectionID = *connID
	}
	return &m, nil
}

// conflict maps unique violations to ErrConflict.
func conflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

// malformedID reports an id that Postgres could not parse as a uuid. Such an id
// cannot name any row.
func malformedID(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "22P02"
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *PostgresStore) CreateRoom(ctx context.Context, room *domain.Room, host *domain.Member) error {
	err := s.db.QueryRow(ctx, `
		WITH r AS (
			INSERT INTO rooms (code, name, host_user_id, visibility, status, max_members)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id, created_at, updated_at
		), m AS (
			INSERT INTO room_members (room_id, user_id, role, can_add_queue, can_manage_queue, can_control_playback)
			SELECT r.id, $3, 'HOST', TRUE, TRUE, TRUE FROM r
			RETURNING id, joined_at
		)
		SELECT r.id, m.id, m.joined_at, r.created_at, r.updated_at FROM r, m
	`, room.Code, room.Name, room.HostUserID, string(room.Visibility), string(room.Status), room.MaxMembers).
		Scan(&room.ID, &host.ID, &host.JoinedAt, &room.CreatedAt, &room.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert room: %w", conflict(err))
	}
	host.RoomID = room.ID
	host.UserID = room.HostUserID
	host.Role = domain.RoleHost
	host.Permissions = domain.HostPermissions
	return nil
}

func (s *PostgresStore) GetRoomByCode(ctx context.Context, code string) (*domain.Room, error) {
	return scanRoom(s.db.QueryRow(ctx, `SELECT `+roomColumns+` FROM rooms WHERE code = $1`, code))
}

func (s *PostgresStore) CodeExists(ctx context.Context, code string) (bool, error) {
	var exists bool
	err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM rooms WHERE code = $1)`, code).Scan(&exists)
	return exists, err
}

func (s *PostgresStore) ListPublicRooms(ctx context.Context, limit int) ([]domain.Room, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+roomColumns+`
		FROM rooms
		WHERE status = 'ACTIVE' AND visibility = 'PUBLIC'
		ORDER BY updated_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Room{}
	for rows.Next() {
		r, err := scanRoom(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdatePlayback(ctx context.Context, roomID, trackID string, isPlaying bool, position float64) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE rooms
		SET current_track_id = $2, is_playing = $3, position = $4, updated_at = now()
		WHERE id = $1
	`, roomID, nullable(trackID), isPlaying, position)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateRoomStatus(ctx context.Context, roomID string, status domain.RoomStatus) error {
	tag, err := s.db.Exec(ctx, `UPDATE rooms SET status = $2, is_playing = FALSE, updated_at = now() WHERE id = $1`,
		roomID, string(status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpsertTrack(ctx context.Context, t domain.Track) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO tracks (id, title, artist, duration_ms, thumbnail_url)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE
		SET title = EXCLUDED.title,
		    artist = EXCLUDED.artist,
		    duration_ms = GREATEST(tracks.duration_ms, EXCLUDED.duration_ms),
		    thumbnail_url = COALESCE(NULLIF(EXCLUDED.thumbnail_url, ''), tracks.thumbnail_url)
	`, t.ID, t.Title, t.Artist, t.DurationMs, t.ThumbnailURL)
	return err
}

func (s *PostgresStore) GetTrack(ctx context.Context, id string) (*domain.Track, error) {
	var t domain.Track
	err := s.db.QueryRow(ctx, `SELECT id, title, artist, duration_ms, thumbnail_url FROM tracks WHERE id = $1`, id).
		Scan(&t.ID, &t.Title, &t.Artist, &t.DurationMs, &t.ThumbnailURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (s *PostgresStore) GetMember(ctx context.Context, roomID, userID string) (*domain.Member, error) {
	return scanMember(s.db.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM room_members WHERE room_id = $1 AND user_id = $2`, roomID, userID))
}

func (s *PostgresStore) GetMemberByID(ctx context.Context, roomID, memberID string) (*domain.Member, error) {
	m, err := scanMember(s.db.QueryRow(ctx,
		`SELECT `+memberColumns+` FROM room_members WHERE room_id = $1 AND id = $2`, roomID, memberID))
	if malformedID(err) {
		return nil, ErrNotFound
	}
	return m, err
}

func (s *PostgresStore) ListMembers(ctx context.Context, roomID string) ([]domain.Member, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+memberColumns+` FROM room_members WHERE room_id = $1 ORDER BY joined_at, id`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Member{}
	for rows.Next() {
		m, err := scanMember(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

func (s *PostgresStore) CreateMember(ctx context.Context, m *domain.Member) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO room_members (room_id, user_id, role, can_add_queue, can_manage_queue, can_control_playback, connection_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, joined_at
	`, m.RoomID, m.UserID, string(m.Role), m.Permissions.CanAddQueue, m.Permissions.CanManageQueue,
		m.Permissions.CanControlPlayback, nullable(m.ConnectionID)).Scan(&m.ID, &m.JoinedAt)
	if err != nil {
		return fmt.Errorf("insert member: %w", conflict(err))
	}
	return nil
}

func (s *PostgresStore) BindConnection(ctx context.Context, memberID, connID string) error {
	_, err := s.db.Exec(ctx, `UPDATE room_members SET connection_id = $2 WHERE id = $1`, memberID, connID)
	return err
}

func (s *PostgresStore) UnbindConnection(ctx context.Context, memberID, connID string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE room_members SET connection_id = NULL WHERE id = $1 AND connection_id = $2`, memberID, connID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) DeleteMemberIfConnection(ctx context.Context, memberID, connID string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM room_members WHERE id = $1 AND connection_id = $2 AND role <> 'HOST'`, memberID, connID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) UpdatePermissions(ctx context.Context, memberID string, p domain.Permissions) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE room_members
		SET can_add_queue = $2, can_manage_queue = $3, can_control_playback = $4
		WHERE id = $1
	`, memberID, p.CanAddQueue, p.CanManageQueue, p.CanControlPlayback)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) BanMember(ctx context.Context, memberID string) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE room_members SET banned = TRUE, connection_id = NULL WHERE id = $1 AND role <> 'HOST'`, memberID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AppendQueueItem(ctx context.Context, item *domain.QueueItem) error {
	err := s.db.QueryRow(ctx, `
		INSERT INTO queue_items (room_id, track_id, order_key, added_by)
		VALUES ($1, $2, COALESCE((SELECT MAX(order_key) + 1 FROM queue_items WHERE room_id = $1), 0), $3)
		RETURNING id, order_key, created_at
	`, item.RoomID, item.Track.ID, item.AddedBy).Scan(&item.ID, &item.Order, &item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	item.IsPlayed = false
	return nil
}

// ListQueue returns the unplayed items of a room in order.
func (s *PostgresStore) ListQueue(ctx context.Context, roomID string) ([]domain.QueueItem, error) {
	rows, err := s.db.Query(ctx, `
		SELECT q.id, q.room_id, q.order_key, q.added_by, q.is_played, q.created_at,
		       t.id, t.title, t.artist, t.duration_ms, t.thumbnail_url
		FROM queue_items q
		JOIN tracks t ON t.id = q.track_id
		WHERE q.room_id = $1 AND q.is_played = FALSE
		ORDER BY q.order_key
	`, roomID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.QueueItem{}
	for rows.Next() {
		var it domain.QueueItem
		if err := rows.Scan(&it.ID, &it.RoomID, &it.Order, &it.AddedBy, &it.IsPlayed, &it.CreatedAt,
			&it.Track.ID, &it.Track.Title, &it.Track.Artist, &it.Track.DurationMs, &it.Track.ThumbnailURL); err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *PostgresStore) RecordPlay(ctx context.Context, roomID, trackID string) error {
	_, err := s.db.Exec(ctx, `INSERT INTO room_plays (room_id, track_id) VALUES ($1, $2)`, roomID, trackID)
	return err
}

func (s *PostgresStore) RecentlyPlayed(ctx context.Context, roomID string, limit int) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT track_id
		FROM room_plays
		WHERE room_id = $1
		ORDER BY id DESC
		LIMIT $2
	`, roomID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkPlayed(ctx context.Context, roomID, queueID string) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`UPDATE queue_items SET is_played = TRUE WHERE room_id = $1 AND id = $2 AND is_played = FALSE`, roomID, queueID)
	if malformedID(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) MarkFirstUnplayedByTrack(ctx context.Context, roomID, trackID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE queue_items SET is_played = TRUE
		WHERE id = (
			SELECT id FROM queue_items
			WHERE room_id = $1 AND track_id = $2 AND is_played = FALSE
			ORDER BY order_key
			LIMIT 1
		)
	`, roomID, trackID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) DeleteQueueItem(ctx context.Context, roomID, queueID string) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM queue_items WHERE room_id = $1 AND id = $2`, roomID, queueID)
	if malformedID(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) InsertListeningEvents(ctx context.Context, events []domain.ListeningEvent) error {
	if len(events) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(events))
	for _, e := range events {
		ts := e.Timestamp
		if ts.IsZero() {
			ts = time.Now().UTC()
		}
		rows = append(rows, []any{e.UserID, e.TrackID, e.RoomID, string(e.Type), e.Value, ts})
	}
	_, err := s.db.CopyFrom(ctx, pgx.Identifier{"listening_events"},
		[]string{"user_id", "track_id", "room_id", "type", "value", "created_at"},
		pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy listening events: %w", err)
	}
	return nil
}
