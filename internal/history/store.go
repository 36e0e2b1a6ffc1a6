// Package history records stabilized state transitions in SQLite.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/GriffinCanCode/egm-detector/internal/matcher"
)

// Query limits for Recent.
const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// timeLayout is fixed width so that text ordering of the at column matches
// time ordering. RFC3339Nano trims trailing zeros and does not.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	id           TEXT PRIMARY KEY,
	from_state   TEXT NOT NULL,
	to_state     TEXT NOT NULL,
	at           TEXT NOT NULL,
	matches_json TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_transitions_at ON transitions(at);
`

// Transition is one stabilized state change.
type Transition struct {
	ID      string                    `json:"id"`
	From    string                    `json:"from"`
	To      string                    `json:"to"`
	At      time.Time                 `json:"at"`
	Matches map[string]matcher.Result `json:"matches,omitempty"`
}

// Store persists transitions.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// single writer: the detection loop
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Record appends a transition.
func (s *Store) Record(ctx context.Context, from, to string, at time.Time, matches map[string]matcher.Result) error {
	if matches == nil {
		matches = map[string]matcher.Result{}
	}
	data, err := json.Marshal(matches)
	if err != nil {
		return fmt.Errorf("marshal matches: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO transitions (id, from_state, to_state, at, matches_json) VALUES (?, ?, ?, ?, ?)`,
		uuid.New().String(), from, to, at.UTC().Format(timeLayout), string(data),
	)
	if err != nil {
		return fmt.Errorf("insert transition: %w", err)
	}
	return nil
}

// Recent returns up to limit transitions, newest first. A non-positive limit
// uses DefaultLimit; larger values are capped at MaxLimit.
func (s *Store) Recent(ctx context.Context, limit int) ([]Transition, error) {
	switch {
	case limit <= 0:
		limit = DefaultLimit
	case limit > MaxLimit:
		limit = MaxLimit
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, from_state, to_state, at, matches_json FROM transitions
		 ORDER BY at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	out := []Transition{}
	for rows.Next() {
		var (
			tr      Transition
			at      string
			matches string
		)
		if err := rows.Scan(&tr.ID, &tr.From, &tr.To, &at, &matches); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		if tr.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, fmt.Errorf("parse time %q: %w", at, err)
		}
		if err := json.Unmarshal([]byte(matches), &tr.Matches); err != nil {
			return nil, fmt.Errorf("unmarshal matches: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Count returns the number of recorded transitions.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transitions`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count transitions: %w", err)
	}
	return n, nil
}
