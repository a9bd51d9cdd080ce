// Package history records tunnel sessions in a local SQLite database.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/yllada/vpn-core/common"
	_ "modernc.org/sqlite"
)

// ErrSessionNotFound is returned when ending an unknown or closed session.
var ErrSessionNotFound = errors.New("session not found")

// End reasons.
const (
	ReasonDisconnected = "disconnected"
	ReasonLost         = "connection lost"
	ReasonFailed       = "failed"
	ReasonInterrupted  = "interrupted"
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	id              TEXT PRIMARY KEY,
	server_id       TEXT NOT NULL,
	server_name     TEXT NOT NULL DEFAULT '',
	connection_type TEXT NOT NULL DEFAULT '',
	interface       TEXT NOT NULL DEFAULT '',
	started_at      INTEGER NOT NULL,
	ended_at        INTEGER,
	end_reason      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS sessions_started_at ON sessions(started_at DESC);
`

// Entry is one recorded session.
type Entry struct {
	ID             string    `json:"id"`
	ServerID       string    `json:"serverId"`
	ServerName     string    `json:"serverName,omitempty"`
	ConnectionType string    `json:"connectionType,omitempty"`
	Interface      string    `json:"interface,omitempty"`
	StartedAt      time.Time `json:"startedAt"`
	EndedAt        time.Time `json:"endedAt,omitzero"`
	EndReason      string    `json:"endReason,omitempty"`
}

// Active reports whether the session has not ended.
func (e Entry) Active() bool {
	return e.EndedAt.IsZero()
}

// Duration returns how long the session lasted, or has lasted so far.
func (e Entry) Duration() time.Duration {
	if e.Active() {
		return time.Since(e.StartedAt)
	}
	return e.EndedAt.Sub(e.StartedAt)
}

// Store is the session log.
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if err := common.EnsureDir(filepath.Dir(path)); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("opening history: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Start records a new session and returns its ID. A missing ID or start
// time is filled in.
func (s *Store) Start(ctx context.Context, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, server_id, server_name, connection_type, interface, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.ServerID, e.ServerName, e.ConnectionType, e.Interface, e.StartedAt.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("recording session: %w", err)
	}
	return e.ID, nil
}

// End closes the session with id.
func (s *Store) End(ctx context.Context, id, reason string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, end_reason = ? WHERE id = ? AND ended_at IS NULL`,
		time.Now().UnixMilli(), reason, id)
	if err != nil {
		return fmt.Errorf("closing session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return nil
}

// CloseDangling ends every session left open, for example by a crash.
// It returns the number of sessions closed.
func (s *Store) CloseDangling(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET ended_at = ?, end_reason = ? WHERE ended_at IS NULL`,
		time.Now().UnixMilli(), ReasonInterrupted)
	if err != nil {
		return 0, fmt.Errorf("closing dangling sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// List returns up to limit sessions, newest first. limit <= 0 means all.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, server_id, server_name, connection_type, interface, started_at, ended_at, end_reason
		 FROM sessions ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e       Entry
			started int64
			ended   sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.ServerID, &e.ServerName, &e.ConnectionType, &e.Interface, &started, &ended, &e.EndReason); err != nil {
			return nil, err
		}
		e.StartedAt = time.UnixMilli(started)
		if ended.Valid {
			e.EndedAt = time.UnixMilli(ended.Int64)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
