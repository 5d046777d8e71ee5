// Package store implements the mapping store: a single local SQLite database
// holding cross-system identifiers, content hashes, sync cursors, run
// history, and the runtime's persistent task queue. The store is
// single-writer (the sync process); external tooling reads only.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/oculairmedia/huly-vibe-sync/internal/syncerr"
)

// Store wraps the SQLite database with the mapping-store operations.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (creating if necessary) the database at path and applies
// migrations. The connection pool is limited to a single connection so all
// writes serialize through SQLite's WAL without SQLITE_BUSY churn.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

// withTx runs fn inside a transaction, rolling back on error.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// wrapDBError classifies database errors into the sync taxonomy. Constraint
// violations are Integrity; everything else stays Transient so the retry
// policy can have a go at transient lock contention.
func wrapDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "constraint") || strings.Contains(msg, "UNIQUE") || strings.Contains(msg, "FOREIGN KEY") {
		return syncerr.New(syncerr.Integrity, op, err)
	}
	return syncerr.New(syncerr.Transient, op, err)
}

// nullTime converts a nullable timestamp column to *time.Time.
func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// timeArg converts a *time.Time to a driver-friendly value.
func timeArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
