package store

import (
	"context"
	"fmt"
)

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS rooms (
		id               uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		code             TEXT NOT NULL UNIQUE,
		name             TEXT NOT NULL DEFAULT '',
		host_user_id     TEXT NOT NULL,
		visibility       TEXT NOT NULL DEFAULT 'PUBLIC',
		status           TEXT NOT NULL DEFAULT 'ACTIVE',
		max_members      INT NOT NULL DEFAULT 50,
		current_track_id TEXT,
		is_playing       BOOLEAN NOT NULL DEFAULT FALSE,
		position         DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS tracks (
		id            TEXT PRIMARY KEY,
		title         TEXT NOT NULL DEFAULT '',
		artist        TEXT NOT NULL DEFAULT '',
		duration_ms   INT NOT NULL DEFAULT 0,
		thumbnail_url TEXT NOT NULL DEFAULT '',
		created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS room_members (
		id                   uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		room_id              uuid NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		user_id              TEXT NOT NULL,
		role                 TEXT NOT NULL DEFAULT 'MEMBER',
		can_add_queue        BOOLEAN NOT NULL DEFAULT TRUE,
		can_manage_queue     BOOLEAN NOT NULL DEFAULT FALSE,
		can_control_playback BOOLEAN NOT NULL DEFAULT FALSE,
		connection_id        TEXT,
		banned               BOOLEAN NOT NULL DEFAULT FALSE,
		joined_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (room_id, user_id)
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_room_members_one_host
		ON room_members(room_id) WHERE role = 'HOST'`,
	`CREATE TABLE IF NOT EXISTS queue_items (
		id         uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		room_id    uuid NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		track_id   TEXT NOT NULL REFERENCES tracks(id),
		order_key  BIGINT NOT NULL,
		added_by   TEXT NOT NULL,
		is_played  BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (room_id, order_key)
	)`,
	`CREATE TABLE IF NOT EXISTS room_plays (
		id        BIGSERIAL PRIMARY KEY,
		room_id   uuid NOT NULL REFERENCES rooms(id) ON DELETE CASCADE,
		track_id  TEXT NOT NULL,
		played_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_room_plays_room ON room_plays(room_id, id)`,
	`CREATE TABLE IF NOT EXISTS listening_events (
		id         uuid PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id    TEXT NOT NULL DEFAULT '',
		track_id   TEXT NOT NULL,
		room_id    TEXT NOT NULL DEFAULT '',
		type       TEXT NOT NULL,
		value      DOUBLE PRECISION NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_listening_events_user ON listening_events(user_id, created_at)`,
}

// AutoMigrate creates the room schema when missing.
func AutoMigrate(ctx context.Context, db DB) error {
	for i, stmt := range migrations {
		if _, err := db.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate step %d: %w", i, err)
		}
	}
	return nil
}
