package localqueue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `CREATE TABLE IF NOT EXISTS local_queue (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	state      TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
)`

// SQLiteStore keeps the latest engine snapshot in a single row.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path. ":memory:" works for tests.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// an in-memory database exists per connection
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate local queue: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO local_queue (id, state, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		string(raw), time.Now().UTC())
	return err
}

func (s *SQLiteStore) Load(ctx context.Context) (Snapshot, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT state FROM local_queue WHERE id = 1`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(raw), &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode local queue: %w", err)
	}
	return snap, true, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
