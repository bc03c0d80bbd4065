// Package store provides the durable, SQL-backed persistence layer for
// conversations, messages, tool-call records, attachments, and the
// cross-process change log. It is the single writer of record for these
// entities; internal/storage remains the generic key/value scratch store
// used for ephemeral per-session state (todos, UI preferences) that has no
// relational shape.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

var (
	// ErrNotFound is returned when a lookup by id finds no row.
	ErrNotFound = errors.New("store: not found")
	// ErrValidation is returned when an operation would violate an invariant.
	ErrValidation = errors.New("store: validation failed")
	// ErrConflict is returned when a compound operation cannot be completed
	// atomically against the current state (e.g. a repeated, non-identical
	// tool-call completion).
	ErrConflict = errors.New("store: conflict")
)

// Store is a single SQLite-backed database, opened with WAL journaling and
// foreign-key enforcement. All compound operations run inside a transaction;
// a process-wide mutex additionally serialises writers so invariants hold
// even against SQLite databases opened without WAL (e.g. in-memory test
// databases).
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	name string // logical name of this database, for change-log channel routing
}

// Open opens (creating if necessary) the SQLite database at path and runs
// schema migrations. name identifies this database for change-log channel
// routing ("global:<name>"); pass "personal" for the operator's own store.
func Open(path string, name string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(1) // a single writer connection keeps WAL semantics simple and matches the mutex above

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA foreign_keys=ON`); err != nil {
		return nil, fmt.Errorf("store: enable foreign keys: %w", err)
	}

	s := &Store{db: db, name: name}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Name returns the logical database name this store was opened with.
func (s *Store) Name() string { return s.name }

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY, applied_at INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT 'New Conversation',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			role TEXT NOT NULL CHECK (role IN ('user','assistant','system','tool')),
			content TEXT NOT NULL DEFAULT '',
			position INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			UNIQUE (conversation_id, position)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, position)`,
		`CREATE TABLE IF NOT EXISTS tool_calls (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			tool_name TEXT NOT NULL,
			provider_name TEXT NOT NULL DEFAULT '',
			input TEXT NOT NULL DEFAULT '{}',
			output TEXT,
			status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','success','error')),
			created_at INTEGER NOT NULL,
			completed_at INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tool_calls_message ON tool_calls(message_id)`,
		`CREATE TABLE IF NOT EXISTS attachments (
			id TEXT PRIMARY KEY,
			message_id TEXT NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
			filename TEXT NOT NULL,
			mime_type TEXT NOT NULL,
			size INTEGER NOT NULL,
			storage_path TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attachments_message ON attachments(message_id)`,
		`CREATE TABLE IF NOT EXISTS change_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			origin_process_id TEXT NOT NULL,
			channel TEXT NOT NULL,
			event_type TEXT NOT NULL,
			payload TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_change_log_created ON change_log(created_at)`,
		`CREATE VIRTUAL TABLE IF NOT EXISTS conversations_fts USING fts5(
			conversation_id UNINDEXED,
			title,
			body,
			content=''
		)`,
	}

	return s.withTx(context.Background(), func(tx *sql.Tx) error {
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("exec %q: %w", stmt, err)
			}
		}
		return nil
	})
}

// withTx runs fn inside a write transaction, holding the store mutex for its
// duration, and commits iff fn returns nil.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nowMillis() int64 { return time.Now().UnixMilli() }
