package storage

import (
	"context"
	"database/sql"
	"fmt"
)

// migration is one ordered, idempotent schema change applied at startup.
// ID must sort lexically in application order; this package uses a
// zero-padded sequence number prefix.
type migration struct {
	ID  string
	SQL string
}

var migrations = []migration{
	{
		ID: "0001_schema_migrations",
		SQL: `
			CREATE TABLE IF NOT EXISTS schema_migrations (
				id         TEXT PRIMARY KEY,
				applied_at INTEGER NOT NULL DEFAULT (unixepoch())
			)`,
	},
	{
		ID: "0002_users",
		SQL: `
			CREATE TABLE IF NOT EXISTS users (
				id              INTEGER PRIMARY KEY AUTOINCREMENT,
				email           TEXT NOT NULL UNIQUE,
				hashed_password TEXT NOT NULL,
				role            TEXT NOT NULL DEFAULT 'user',
				kms_key_id      TEXT NOT NULL
			)`,
	},
	{
		ID: "0003_namespaces",
		SQL: `
			CREATE TABLE IF NOT EXISTS namespaces (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				name       TEXT NOT NULL UNIQUE,
				created_by INTEGER NOT NULL REFERENCES users(id)
			)`,
	},
	{
		ID: "0004_user_permissions",
		SQL: `
			CREATE TABLE IF NOT EXISTS user_permissions (
				user          INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				namespace     INTEGER NOT NULL REFERENCES namespaces(id) ON DELETE CASCADE,
				can_delete_ns INTEGER NOT NULL DEFAULT 0,
				PRIMARY KEY (user, namespace)
			)`,
	},
	{
		ID: "0005_api_keys",
		SQL: `
			CREATE TABLE IF NOT EXISTS api_keys (
				key_id                   TEXT PRIMARY KEY,
				hashed_long_token        TEXT NOT NULL,
				encrypted_signing_secret BLOB NOT NULL,
				user                     INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
				namespace                INTEGER NOT NULL REFERENCES namespaces(id) ON DELETE CASCADE,
				name                     TEXT NOT NULL DEFAULT ''
			)`,
	},
	{
		ID: "0006_queues",
		SQL: `
			CREATE TABLE IF NOT EXISTS queues (
				id         INTEGER PRIMARY KEY AUTOINCREMENT,
				namespace  INTEGER NOT NULL REFERENCES namespaces(id) ON DELETE CASCADE,
				name       TEXT NOT NULL,
				created_by INTEGER NOT NULL REFERENCES users(id),
				UNIQUE (namespace, name)
			)`,
	},
	{
		ID: "0007_queue_attributes_tags",
		SQL: `
			CREATE TABLE IF NOT EXISTS queue_attributes (
				queue INTEGER NOT NULL REFERENCES queues(id) ON DELETE CASCADE,
				k     TEXT NOT NULL,
				v     TEXT NOT NULL,
				PRIMARY KEY (queue, k)
			);
			CREATE TABLE IF NOT EXISTS queue_tags (
				queue INTEGER NOT NULL REFERENCES queues(id) ON DELETE CASCADE,
				k     TEXT NOT NULL,
				v     TEXT NOT NULL,
				PRIMARY KEY (queue, k)
			)`,
	},
	{
		ID: "0008_queue_configurations",
		SQL: `
			CREATE TABLE IF NOT EXISTS queue_configurations (
				queue              INTEGER PRIMARY KEY REFERENCES queues(id) ON DELETE CASCADE,
				max_retries        INTEGER NOT NULL DEFAULT 3,
				dead_letter_queue  INTEGER REFERENCES queues(id) ON DELETE SET NULL
			)`,
	},
	{
		// delivered_at doubles as the "not available until" mark: NULL
		// means eligible immediately, a unix timestamp means eligible
		// once now passes it. A delayed send sets it to now+delay; a
		// claim on receive sets it to now+visibility_timeout. There is
		// no separate visibility-timeout column or sweeper.
		ID: "0009_messages",
		SQL: `
			CREATE TABLE IF NOT EXISTS messages (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				queue        INTEGER NOT NULL REFERENCES queues(id) ON DELETE CASCADE,
				body         BLOB NOT NULL,
				delivered_at INTEGER,
				sent_by      INTEGER REFERENCES users(id),
				attempts     INTEGER NOT NULL DEFAULT 0
			);
			CREATE INDEX IF NOT EXISTS idx_messages_queue_available
				ON messages (queue, id)
				WHERE delivered_at IS NULL;
			CREATE TABLE IF NOT EXISTS message_attributes (
				message INTEGER NOT NULL REFERENCES messages(id) ON DELETE CASCADE,
				k       TEXT NOT NULL,
				v       TEXT NOT NULL,
				PRIMARY KEY (message, k)
			)`,
	},
	{
		ID: "0010_sessions",
		SQL: `
			CREATE TABLE IF NOT EXISTS sessions (
				id          TEXT PRIMARY KEY,
				session_key TEXT NOT NULL,
				ttl_seconds INTEGER NOT NULL,
				created_at  INTEGER NOT NULL DEFAULT (unixepoch())
			);
			CREATE TABLE IF NOT EXISTS session_entries (
				session TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
				k       TEXT NOT NULL,
				v       TEXT NOT NULL,
				PRIMARY KEY (session, k)
			)`,
	},
}

// Migrate applies every migration not already recorded in
// schema_migrations, in order, each in its own transaction.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, migrations[0].SQL); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	applied := map[string]bool{}
	rows, err := db.QueryContext(ctx, `SELECT id FROM schema_migrations`)
	if err != nil {
		return err
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return err
		}
		applied[id] = true
	}
	rows.Close()

	for _, m := range migrations[1:] {
		if applied[m.ID] {
			continue
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %s: %w", m.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (id) VALUES (?)`, m.ID); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", m.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}

	return nil
}
