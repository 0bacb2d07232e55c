package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Store persists state transitions so crash history survives restarts.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
}

// TransitionRecord is one persisted transition.
type TransitionRecord struct {
	ID      int64     `json:"id"`
	Target  string    `json:"target"`
	Session string    `json:"session"`
	Role    string    `json:"role"`
	From    string    `json:"from"`
	To      string    `json:"to"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

const schema = `
CREATE TABLE IF NOT EXISTS transitions (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	target     TEXT NOT NULL,
	session    TEXT NOT NULL DEFAULT '',
	role       TEXT NOT NULL DEFAULT '',
	from_state TEXT NOT NULL DEFAULT '',
	to_state   TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	at         TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_target_at ON transitions(target, at);
CREATE INDEX IF NOT EXISTS idx_transitions_to_at ON transitions(to_state, at);
`

// Open opens or creates the history database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("open history: empty path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create history dir: %w", err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	s := &Store{db: db, path: path}
	if err := s.Migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Migrate creates the schema if needed.
func (s *Store) Migrate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate history: %w", err)
	}
	return nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// Close closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// RecordTransition appends one transition.
func (s *Store) RecordTransition(tr Transition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`
		INSERT INTO transitions (target, session, role, from_state, to_state, reason, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tr.Target, tr.Session, string(tr.Role), string(tr.From), string(tr.To), tr.Reason, tr.At.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// CrashCounts returns how often each target entered CRASHED since the given time.
func (s *Store) CrashCounts(since time.Time) (map[string]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows, err := s.db.Query(`
		SELECT target, COUNT(*) FROM transitions
		WHERE to_state = 'CRASHED' AND from_state != 'CRASHED' AND at >= ?
		GROUP BY target`, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("query crash counts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var target string
		var n int
		if err := rows.Scan(&target, &n); err != nil {
			return nil, fmt.Errorf("scan crash count: %w", err)
		}
		out[target] = n
	}
	return out, rows.Err()
}

// Recent returns the newest transitions, newest first. An empty target
// returns transitions for every agent.
func (s *Store) Recent(target string, limit int) ([]TransitionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT id, target, session, role, from_state, to_state, reason, at FROM transitions`
	args := []any{}
	if target != "" {
		query += ` WHERE target = ?`
		args = append(args, target)
	}
	query += ` ORDER BY id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer rows.Close()

	var out []TransitionRecord
	for rows.Next() {
		var r TransitionRecord
		if err := rows.Scan(&r.ID, &r.Target, &r.Session, &r.Role, &r.From, &r.To, &r.Reason, &r.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// PruneBefore deletes transitions older than cutoff.
func (s *Store) PruneBefore(cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec(`DELETE FROM transitions WHERE at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune transitions: %w", err)
	}
	return res.RowsAffected()
}
