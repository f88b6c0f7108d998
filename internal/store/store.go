// Package store provides SQLite-based persistence for autoflow runtime data.
package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SchemaVersion is the layout written by this build.
const SchemaVersion = 1

// Buckets used by the autoflow components.
const (
	BucketSessions = "autoflow_sessions"
	BucketRuntime  = "persistent_runtime"
	BucketConfig   = "persistent_config"
)

var (
	// ErrNotFound is returned when a document does not exist.
	ErrNotFound = errors.New("document not found")
	// ErrVersionConflict is returned when a write's expected version does not
	// match the stored version.
	ErrVersionConflict = errors.New("document version conflict")
)

// Store is the SQLite-backed persistence layer for autoflow.
type Store struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// Open opens or creates a SQLite database at path and runs migrations.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps :memory: databases shared and serializes writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &Store{db: db, path: path, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string {
	return s.path
}

// migrate applies the schema if not already at the current version.
func (s *Store) migrate() error {
	var name string
	err := s.db.QueryRow(
		"SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&name)

	if err == sql.ErrNoRows {
		if _, err := s.db.Exec(schemaSQL); err != nil {
			return fmt.Errorf("applying schema: %w", err)
		}
		_, err = s.db.Exec("INSERT INTO schema_version (version) VALUES (?)", SchemaVersion)
		return err
	}
	if err != nil {
		return fmt.Errorf("checking schema version: %w", err)
	}

	var version int
	if err := s.db.QueryRow("SELECT MAX(version) FROM schema_version").Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}

	if version < SchemaVersion {
		return fmt.Errorf("schema version %d is older than %d, migration not yet implemented", version, SchemaVersion)
	}

	return nil
}

// --- Documents ---

// Document is a versioned JSON blob stored under a bucket and key.
type Document struct {
	Bucket    string    `json:"bucket"`
	Key       string    `json:"key"`
	Data      []byte    `json:"data"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Get returns the document stored under bucket/key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, bucket, key string) (*Document, error) {
	doc := &Document{Bucket: bucket, Key: key}
	var data, updatedAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT data, version, updated_at FROM documents WHERE bucket = ? AND key = ?",
		bucket, key,
	).Scan(&data, &doc.Version, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%s/%s: %w", bucket, key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s/%s: %w", bucket, key, err)
	}
	doc.Data = []byte(data)
	doc.UpdatedAt = parseTime(updatedAt)
	return doc, nil
}

// Put replaces the document under bucket/key. expectedVersion must equal the
// stored version; 0 means the document must not exist yet. On success the new
// version is returned.
func (s *Store) Put(ctx context.Context, bucket, key string, data []byte, expectedVersion int64) (int64, error) {
	now := formatTime(s.now())

	if expectedVersion == 0 {
		result, err := s.db.ExecContext(ctx,
			`INSERT INTO documents (bucket, key, data, version, updated_at) VALUES (?, ?, ?, 1, ?)
			 ON CONFLICT (bucket, key) DO NOTHING`,
			bucket, key, string(data), now,
		)
		if err != nil {
			return 0, fmt.Errorf("inserting %s/%s: %w", bucket, key, err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("inserting %s/%s: %w", bucket, key, err)
		}
		if n == 0 {
			return 0, fmt.Errorf("%s/%s already exists: %w", bucket, key, ErrVersionConflict)
		}
		return 1, nil
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE documents SET data = ?, version = version + 1, updated_at = ?
		 WHERE bucket = ? AND key = ? AND version = ?`,
		string(data), now, bucket, key, expectedVersion,
	)
	if err != nil {
		return 0, fmt.Errorf("updating %s/%s: %w", bucket, key, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("updating %s/%s: %w", bucket, key, err)
	}
	if n == 0 {
		return 0, fmt.Errorf("%s/%s at version %d: %w", bucket, key, expectedVersion, ErrVersionConflict)
	}
	return expectedVersion + 1, nil
}

// List returns every document in a bucket ordered by key.
func (s *Store) List(ctx context.Context, bucket string) ([]*Document, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, data, version, updated_at FROM documents WHERE bucket = ? ORDER BY key ASC", bucket,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc := &Document{Bucket: bucket}
		var data, updatedAt string
		if err := rows.Scan(&doc.Key, &data, &doc.Version, &updatedAt); err != nil {
			return nil, err
		}
		doc.Data = []byte(data)
		doc.UpdatedAt = parseTime(updatedAt)
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// --- Journal Entries ---

// JournalEntry is one audit record for a session.
type JournalEntry struct {
	ID        int64     `json:"id"`
	SessionID string    `json:"session_id"`
	Source    string    `json:"source"`
	Phase     string    `json:"phase"`
	Event     string    `json:"event"`
	Summary   string    `json:"summary"`
	At        time.Time `json:"at"`
}

// AddJournalEntry inserts a journal entry.
func (s *Store) AddJournalEntry(ctx context.Context, e *JournalEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	if e.Source == "" {
		e.Source = "controller"
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO journal_entries (session_id, source, phase, event, summary, at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.SessionID, e.Source, e.Phase, e.Event, e.Summary, formatTime(e.At),
	)
	if err != nil {
		return fmt.Errorf("adding journal entry: %w", err)
	}
	e.ID, _ = result.LastInsertId()
	return nil
}

// JournalQuery specifies filters for querying journal entries.
type JournalQuery struct {
	Source string
	Limit  int
}

// JournalEntries returns journal entries for a session, oldest first. With a
// Limit, the most recent Limit entries are returned.
func (s *Store) JournalEntries(ctx context.Context, sessionID string, opts *JournalQuery) ([]*JournalEntry, error) {
	query := "SELECT id, session_id, source, phase, event, summary, at FROM journal_entries WHERE session_id = ?"
	args := []interface{}{sessionID}

	if opts != nil && opts.Source != "" {
		query += " AND source = ?"
		args = append(args, opts.Source)
	}

	query += " ORDER BY id DESC"

	if opts != nil && opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*JournalEntry
	for rows.Next() {
		e := &JournalEntry{}
		var at string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Source, &e.Phase, &e.Event, &e.Summary, &at); err != nil {
			return nil, err
		}
		e.At = parseTime(at)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
