// Package journal keeps a durable history of session transitions in a
// SQLite database.  A Store is a session.Observer; register it with
// Controller.Watch to record the full transition stream.
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"mitmctl/internal/session"
	"mitmctl/util"
)

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	at        TEXT NOT NULL,
	attempt   TEXT NOT NULL DEFAULT '',
	previous  TEXT NOT NULL DEFAULT '',
	phase     TEXT NOT NULL,
	privilege TEXT NOT NULL DEFAULT '',
	target    TEXT NOT NULL DEFAULT '',
	error     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS transitions_attempt ON transitions(attempt);
`

// MaxRecent caps how many entries Recent returns.
const MaxRecent = 1000

// Entry is one recorded transition.
type Entry struct {
	ID        int64     `json:"id"`
	At        time.Time `json:"at"`
	Attempt   string    `json:"attempt,omitempty"`
	Previous  string    `json:"previous,omitempty"`
	Phase     string    `json:"phase"`
	Privilege string    `json:"privilege,omitempty"`
	Target    string    `json:"target,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// FromNotification converts a controller notification.
func FromNotification(n session.Notification) Entry {
	e := Entry{
		At:       n.Status.Since,
		Attempt:  n.Attempt,
		Previous: n.Previous.String(),
		Phase:    n.Status.Phase.String(),
		Target:   n.Status.Target.Package,
	}
	if n.Status.Phase == session.AwaitingPrivilege {
		e.Privilege = n.Status.Privilege.String()
	}
	if n.Err != nil {
		e.Error = n.Err.Error()
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	return e
}

// Store is the transition journal.
type Store struct {
	db     *sql.DB
	logger *util.Logger
}

// Open opens (creating if needed) the journal at path.  ":memory:"
// gives a private in-memory journal.
func Open(path string, logger *util.Logger) (*Store, error) {
	if logger == nil {
		logger = util.Discard()
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening journal: %w", err)
	}
	// One connection: writes are serialised and an in-memory database
	// is not split across connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating journal schema: %w", err)
	}
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// Notify implements session.Observer.  Write failures are logged.
func (s *Store) Notify(n session.Notification) {
	if _, err := s.Record(context.Background(), FromNotification(n)); err != nil {
		s.logger.Warn("journal: %v", err)
	}
}

// Record appends e and returns its id.
func (s *Store) Record(ctx context.Context, e Entry) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO transitions (at, attempt, previous, phase, privilege, target, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.At.UTC().Format(time.RFC3339Nano), e.Attempt, e.Previous, e.Phase, e.Privilege, e.Target, e.Error)
	if err != nil {
		return 0, fmt.Errorf("recording transition: %w", err)
	}
	return res.LastInsertId()
}

// Recent returns up to limit entries, newest first.  A limit outside
// 1..MaxRecent is clamped.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > MaxRecent {
		limit = MaxRecent
	}
	return s.query(ctx,
		`SELECT id, at, attempt, previous, phase, privilege, target, error
		 FROM transitions ORDER BY id DESC LIMIT ?`, limit)
}

// Attempt returns every entry of one toggle attempt, oldest first.
func (s *Store) Attempt(ctx context.Context, attempt string) ([]Entry, error) {
	return s.query(ctx,
		`SELECT id, at, attempt, previous, phase, privilege, target, error
		 FROM transitions WHERE attempt = ? ORDER BY id ASC`, attempt)
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("reading journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e  Entry
			at string
		)
		if err := rows.Scan(&e.ID, &at, &e.Attempt, &e.Previous, &e.Phase, &e.Privilege, &e.Target, &e.Error); err != nil {
			return nil, fmt.Errorf("reading journal: %w", err)
		}
		e.At, err = time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return nil, fmt.Errorf("journal entry %d: bad time %q", e.ID, at)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
