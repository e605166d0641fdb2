package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrActivityNotFound is returned when an activity doesn't exist
var ErrActivityNotFound = errors.New("activity not found")

// ErrJobNotFound is returned when a job id is unknown
var ErrJobNotFound = errors.New("job not found")

// DB wraps the SQLite handle. All reads and single-statement writes go
// through it; grouped writes go through a Batch.
type DB struct {
	*sql.DB
	path string
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens the SQLite database at path, creating it and running
// migrations if necessary.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}

	dsn := "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := migrate(sqlDB); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &DB{DB: sqlDB, path: path}, nil
}

// Path returns the database file location
func (db *DB) Path() string {
	return db.path
}

// Writer returns a writer that executes directly against the database
func (db *DB) Writer() *Writer {
	return &Writer{q: db.DB}
}

// Writer performs the write statements the ingestors need. It is bound to
// either the database or an open transaction.
type Writer struct {
	q querier
}
