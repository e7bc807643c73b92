// Package storage owns the broker's relational schema: connection setup,
// migrations, and the SQL shared by the credential, queue, session, and
// mgmt packages. Every multi-statement invariant the core relies on lives
// inside a single Tx obtained from BeginImmediate on the *sql.DB this
// package opens.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// Queryer is satisfied by both *sql.DB and *Tx, so every storage function
// can run either standalone or inside the caller's transaction.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

var (
	_ Queryer = (*sql.DB)(nil)
	_ Queryer = (*Tx)(nil)
)

// Open opens (creating if missing) the SQLite database at path, enables
// foreign key enforcement and WAL journaling, and applies every pending
// migration. Foreign keys must be turned on per-connection for SQLite, so
// the pool is capped at a single connection to avoid a connection that
// slips through without the pragma applied.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite has no meaningful concurrent-writer story across connections;
	// a single shared connection plus BEGIN IMMEDIATE transactions is how
	// the engine gets the serializable-equivalent isolation receive needs.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}

	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return db, nil
}

// Tx wraps a single pinned *sql.Conn under an explicit BEGIN IMMEDIATE.
// database/sql's *sql.Tx doesn't let the caller choose SQLite's lock mode,
// so the engine drives the transaction directly against one connection
// instead. With the pool capped at one connection (see Open), this makes
// the SELECT-then-UPDATE in receive atomic with respect to any other
// transaction, which is the serializable-equivalent isolation the engine
// requires.
type Tx struct {
	conn *sql.Conn
	done bool
}

// BeginImmediate acquires the shared connection and starts a transaction
// that holds the write lock for its whole duration.
func BeginImmediate(ctx context.Context, db *sql.DB) (*Tx, error) {
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	if _, err := conn.ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		conn.Close()
		return nil, err
	}
	return &Tx{conn: conn}, nil
}

func (t *Tx) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return t.conn.ExecContext(ctx, query, args...)
}

func (t *Tx) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.conn.QueryContext(ctx, query, args...)
}

func (t *Tx) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.conn.QueryRowContext(ctx, query, args...)
}

// Commit commits the transaction and releases the underlying connection.
func (t *Tx) Commit(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	_, err := t.conn.ExecContext(ctx, `COMMIT`)
	t.conn.Close()
	return err
}

// Rollback aborts the transaction and releases the underlying connection.
// Safe to call after Commit or a prior Rollback (no-op).
func (t *Tx) Rollback(ctx context.Context) error {
	if t.done {
		return nil
	}
	t.done = true
	_, err := t.conn.ExecContext(ctx, `ROLLBACK`)
	t.conn.Close()
	return err
}
