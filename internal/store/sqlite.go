// Package store provides the local SQLite journal of a proctoring session.
// The journal is an audit trail only; nothing is replayed from it.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS journal (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id      TEXT NOT NULL,
    category        TEXT NOT NULL,
    kind            TEXT NOT NULL,
    detail          TEXT,
    ok              INTEGER NOT NULL DEFAULT 1,
    error           TEXT,
    timestamp_ns    INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_journal_session ON journal(session_id, timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_journal_category ON journal(category, timestamp_ns);
`

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Store is the SQLite journal.
type Store struct {
	mu sync.RWMutex
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// Uploads complete on their own goroutines; one connection keeps
	// writes ordered and :memory: databases shared.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Insert appends an entry and returns its ID. A zero timestamp is replaced
// with the current time.
func (s *Store) Insert(e *Entry) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return 0, ErrClosed
	}
	if e.TimestampNs == 0 {
		e.TimestampNs = time.Now().UnixNano()
	}

	result, err := s.db.Exec(`
		INSERT INTO journal (session_id, category, kind, detail, ok, error, timestamp_ns)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID, string(e.Category), e.Kind, e.Detail, e.OK, e.Error, e.TimestampNs,
	)
	if err != nil {
		return 0, fmt.Errorf("insert entry: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("get last insert id: %w", err)
	}
	e.ID = id
	return id, nil
}

// List returns the entries of a session in insertion order. An empty
// sessionID lists every session.
func (s *Store) List(sessionID string) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	query := `SELECT id, session_id, category, kind, detail, ok, error, timestamp_ns FROM journal`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` ORDER BY id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query entries: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e        Entry
			category string
			detail   sql.NullString
			errText  sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &category, &e.Kind, &detail, &e.OK, &errText, &e.TimestampNs); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		e.Category = Category(category)
		e.Detail = detail.String
		e.Error = errText.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountByCategory returns the number of entries per category for a session.
// An empty sessionID counts every session.
func (s *Store) CountByCategory(sessionID string) (map[Category]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, ErrClosed
	}

	query := `SELECT category, COUNT(*) FROM journal`
	var args []any
	if sessionID != "" {
		query += ` WHERE session_id = ?`
		args = append(args, sessionID)
	}
	query += ` GROUP BY category`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("count entries: %w", err)
	}
	defer rows.Close()

	counts := make(map[Category]int)
	for rows.Next() {
		var (
			category string
			n        int
		)
		if err := rows.Scan(&category, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[Category(category)] = n
	}
	return counts, rows.Err()
}
