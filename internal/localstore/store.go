// Package localstore keeps the device's call history in a local SQLite file.
package localstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/NeoRevolt/byoncall-sdk/internal/history"
)

var schema = []string{`CREATE TABLE IF NOT EXISTS call_logs (
	id               TEXT PRIMARY KEY,
	peer_id          TEXT NOT NULL,
	peer_name        TEXT NOT NULL DEFAULT '',
	duration_seconds INTEGER NOT NULL DEFAULT 0,
	ts               INTEGER NOT NULL,
	outcome          TEXT NOT NULL,
	outgoing         INTEGER NOT NULL DEFAULT 0,
	video            INTEGER NOT NULL DEFAULT 0
)`,
	`CREATE INDEX IF NOT EXISTS idx_call_logs_ts ON call_logs (ts DESC)`,
}

// Store is a SQLite-backed history.Recorder
type Store struct {
	db *sql.DB
}

// Open opens or creates the database at path. ":memory:" is accepted.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("localstore: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("localstore: open: %w", err)
	}
	// a single connection keeps ":memory:" databases shared and serializes writers
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("localstore: %s: %w", pragma, err)
		}
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("localstore: migrate: %w", err)
		}
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordCallLog inserts e, or replaces the row with the same ID
func (s *Store) RecordCallLog(ctx context.Context, e history.Entry) error {
	if err := e.Validate(); err != nil {
		return err
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if err := insert(ctx, s.db, e); err != nil {
		return fmt.Errorf("localstore: record: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insert(ctx context.Context, db execer, e history.Entry) error {
	ts := e.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	_, err := db.ExecContext(ctx, `INSERT INTO call_logs
		(id, peer_id, peer_name, duration_seconds, ts, outcome, outgoing, video)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			peer_id=excluded.peer_id,
			peer_name=excluded.peer_name,
			duration_seconds=excluded.duration_seconds,
			ts=excluded.ts,
			outcome=excluded.outcome,
			outgoing=excluded.outgoing,
			video=excluded.video`,
		e.ID, e.PeerID, e.PeerName, e.DurationSeconds, ts.UnixMilli(), string(e.Outcome), e.Outgoing, e.Video)
	return err
}

// List returns up to limit entries, newest first. A limit of zero or less
// returns everything.
func (s *Store) List(ctx context.Context, limit int) ([]history.Entry, error) {
	query := `SELECT id, peer_id, peer_name, duration_seconds, ts, outcome, outgoing, video
		FROM call_logs ORDER BY ts DESC, id`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	return s.query(ctx, query, args...)
}

// Search matches term against the peer's name or phone number
func (s *Store) Search(ctx context.Context, term string) ([]history.Entry, error) {
	pattern := "%" + escapeLike(strings.TrimSpace(term)) + "%"
	return s.query(ctx, `SELECT id, peer_id, peer_name, duration_seconds, ts, outcome, outgoing, video
		FROM call_logs
		WHERE peer_name LIKE ? ESCAPE '\' OR peer_id LIKE ? ESCAPE '\'
		ORDER BY ts DESC, id`, pattern, pattern)
}

// Sync replaces the whole history with entries in one transaction
func (s *Store) Sync(ctx context.Context, entries []history.Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localstore: begin sync: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM call_logs`); err != nil {
		return fmt.Errorf("localstore: clear: %w", err)
	}
	for _, e := range entries {
		if err := e.Validate(); err != nil {
			return err
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		if err := insert(ctx, tx, e); err != nil {
			return fmt.Errorf("localstore: sync %s: %w", e.ID, err)
		}
	}
	return tx.Commit()
}

// Count returns the number of stored entries
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_logs`).Scan(&n)
	return n, err
}

func (s *Store) query(ctx context.Context, query string, args ...any) ([]history.Entry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("localstore: query: %w", err)
	}
	defer rows.Close()

	var out []history.Entry
	for rows.Next() {
		var (
			e       history.Entry
			ts      int64
			outcome string
		)
		if err := rows.Scan(&e.ID, &e.PeerID, &e.PeerName, &e.DurationSeconds, &ts, &outcome, &e.Outgoing, &e.Video); err != nil {
			return nil, fmt.Errorf("localstore: scan: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts).UTC()
		e.Outcome = history.Outcome(outcome)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
