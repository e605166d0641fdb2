package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Batch groups units of work into transactions committed every n units.
// A transaction is opened lazily by the first unit after a commit.
// Batch is not safe for concurrent use.
type Batch struct {
	db      *sql.DB
	every   int
	tx      *sql.Tx
	pending int

	committed int
}

// NewBatch returns a batch that commits after every n successful units
func (db *DB) NewBatch(n int) *Batch {
	return newBatch(db.DB, n)
}

func newBatch(db *sql.DB, n int) *Batch {
	if n < 1 {
		n = 1
	}
	return &Batch{db: db, every: n}
}

// Do runs fn as one unit of work inside the current transaction. If fn or
// the resulting commit fails, the whole open transaction is rolled back and
// the next call starts a fresh one.
func (b *Batch) Do(ctx context.Context, fn func(w *Writer) error) error {
	if b.tx == nil {
		tx, err := b.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("beginning transaction: %w", err)
		}
		b.tx = tx
	}

	if err := fn(&Writer{q: b.tx}); err != nil {
		b.Rollback()
		return err
	}

	b.pending++
	if b.pending >= b.every {
		return b.Flush()
	}
	return nil
}

// Flush commits any pending units
func (b *Batch) Flush() error {
	if b.tx == nil {
		return nil
	}
	tx, n := b.tx, b.pending
	b.tx, b.pending = nil, 0
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing %d records: %w", n, err)
	}
	b.committed += n
	return nil
}

// Rollback discards pending units
func (b *Batch) Rollback() {
	if b.tx == nil {
		return
	}
	_ = b.tx.Rollback()
	b.tx, b.pending = nil, 0
}

// Pending returns the number of uncommitted units
func (b *Batch) Pending() int { return b.pending }

// Committed returns the number of units committed so far
func (b *Batch) Committed() int { return b.committed }
