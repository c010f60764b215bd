// Package store provides SQLite-backed persistence for documents, jobs,
// review items, and the audit log.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a document, job, or review item does not exist.
var ErrNotFound = errors.New("not found")

// ErrIllegalState is returned when an operation is applied to a record in a
// terminal state.
var ErrIllegalState = errors.New("illegal state")

// Store wraps the SQLite database shared by the API, the worker, and the
// review queue.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	id TEXT PRIMARY KEY,
	content_hash TEXT NOT NULL DEFAULT 'pending',
	status TEXT NOT NULL DEFAULT 'queued',
	received_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	extraction_json TEXT NOT NULL DEFAULT '{}',
	locked_fields TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS jobs (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id),
	status TEXT NOT NULL DEFAULT 'queued',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME,
	outputs TEXT NOT NULL DEFAULT '{}',
	error TEXT NOT NULL DEFAULT '',
	review_item_id TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS review_items (
	id TEXT PRIMARY KEY,
	document_id TEXT NOT NULL REFERENCES documents(id),
	job_id TEXT NOT NULL REFERENCES jobs(id),
	created_at DATETIME NOT NULL,
	claimed_at DATETIME,
	completed_at DATETIME,
	sla_deadline DATETIME NOT NULL,
	priority INTEGER NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	assigned_to TEXT NOT NULL DEFAULT '',
	reason TEXT NOT NULL DEFAULT '',
	extraction_json TEXT NOT NULL DEFAULT '{}',
	locked_fields TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS audit_logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id TEXT NOT NULL,
	job_id TEXT NOT NULL DEFAULT '',
	at DATETIME NOT NULL,
	actor TEXT NOT NULL,
	action TEXT NOT NULL,
	details TEXT NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status, updated_at);
CREATE INDEX IF NOT EXISTS idx_jobs_document ON jobs(document_id, status);
CREATE INDEX IF NOT EXISTS idx_jobs_completed ON jobs(completed_at);
CREATE INDEX IF NOT EXISTS idx_review_claim ON review_items(status, priority, sla_deadline);
CREATE INDEX IF NOT EXISTS idx_review_completed ON review_items(completed_at);
CREATE INDEX IF NOT EXISTS idx_audit_document ON audit_logs(document_id);
`

// Open creates or opens a SQLite database at the given path and ensures the
// schema exists.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dbPath, err)
	}

	// An in-memory database is private to the connection that opened it, so
	// the pool must collapse to one connection or every pooled slot would
	// see its own empty database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}

	return &Store{db: db}, nil
}

// migrate applies incremental schema migrations for existing databases.
func migrate(db *sql.DB) error {
	// review_item_id was added to jobs after the first release.
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('jobs') WHERE name = 'review_item_id'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check review_item_id column: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE jobs ADD COLUMN review_item_id TEXT NOT NULL DEFAULT ''`); err != nil {
			return fmt.Errorf("add review_item_id column: %w", err)
		}
	}

	// locked_fields snapshots on review items likewise postdate the table.
	err = db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info('review_items') WHERE name = 'locked_fields'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("check review locked_fields column: %w", err)
	}
	if count == 0 {
		if _, err := db.Exec(`ALTER TABLE review_items ADD COLUMN locked_fields TEXT NOT NULL DEFAULT '{}'`); err != nil {
			return fmt.Errorf("add review locked_fields column: %w", err)
		}
	}

	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB returns the underlying sql.DB for advanced queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// UTCNow returns the current time formatted the way every timestamp in the
// database is stored: SQLite's canonical "YYYY-MM-DD HH:MM:SS" in UTC, the
// same shape datetime('now') produces. A single fixed-width format keeps SQL
// string comparisons chronological and lets the driver map DATETIME columns
// back to time.Time.
func UTCNow() string {
	return time.Now().UTC().Format(time.DateTime)
}

// FormatTime renders a timestamp in the store's canonical format.
func FormatTime(t time.Time) string {
	return t.UTC().Format(time.DateTime)
}

func marshalMap(m map[string]any) (string, error) {
	if m == nil {
		m = map[string]any{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("store: marshal json: %w", err)
	}
	return string(data), nil
}

func unmarshalMap(raw string) (map[string]any, error) {
	if raw == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("store: unmarshal json: %w", err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

func marshalStringMap(m map[string]string) (string, error) {
	if m == nil {
		m = map[string]string{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("store: marshal json: %w", err)
	}
	return string(data), nil
}

func unmarshalStringMap(raw string) (map[string]string, error) {
	if raw == "" {
		return map[string]string{}, nil
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("store: unmarshal json: %w", err)
	}
	if m == nil {
		m = map[string]string{}
	}
	return m, nil
}
