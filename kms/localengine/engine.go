// Package localengine implements kms.Engine backed by a table in the
// broker's own SQLite database. Keys survive restarts but live alongside
// the data they protect, so this is a step up from memoryengine only for
// single-node durability, not for key-compromise blast radius.
package localengine

import (
	"context"
	"database/sql"
	"sync"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/creeklabs/creek/kms"
)

const keyIDBytes = 16

// Engine stores key material in a dedicated kms_keys table, created
// idempotently on first use rather than as part of the broker's main
// migration set, since it is only needed when this backend is selected.
type Engine struct {
	db   *sql.DB
	once sync.Once
	err  error
}

var _ kms.Engine = (*Engine)(nil)

func New(db *sql.DB) *Engine {
	return &Engine{db: db}
}

func (e *Engine) ensureTable(ctx context.Context) error {
	e.once.Do(func() {
		_, e.err = e.db.ExecContext(ctx, `
			CREATE TABLE IF NOT EXISTS kms_keys (
				key_id TEXT PRIMARY KEY,
				key    BLOB NOT NULL
			)`)
	})
	return e.err
}

func (e *Engine) CreateKey(ctx context.Context) (string, error) {
	if err := e.ensureTable(ctx); err != nil {
		return "", err
	}

	key, err := kms.GenerateKey()
	if err != nil {
		return "", err
	}

	for {
		raw, err := kms.RandomBytes(keyIDBytes)
		if err != nil {
			return "", err
		}
		keyID := base58.Encode(raw)

		_, err = e.db.ExecContext(ctx, `INSERT INTO kms_keys (key_id, key) VALUES (?, ?)`, keyID, key)
		if err == nil {
			return keyID, nil
		}
		if !isUniqueViolation(err) {
			return "", err
		}
		// key id collision, retry with a fresh id
	}
}

func (e *Engine) getKey(ctx context.Context, keyID string) ([]byte, error) {
	if err := e.ensureTable(ctx); err != nil {
		return nil, err
	}

	var key []byte
	err := e.db.QueryRowContext(ctx, `SELECT key FROM kms_keys WHERE key_id = ?`, keyID).Scan(&key)
	if err == sql.ErrNoRows {
		return nil, kms.ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return key, nil
}

func (e *Engine) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	key, err := e.getKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	return kms.SealGCM(key, keyID, plaintext)
}

func (e *Engine) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	key, err := e.getKey(ctx, keyID)
	if err != nil {
		return nil, err
	}
	return kms.OpenGCM(key, keyID, ciphertext)
}

func (e *Engine) DeleteKey(ctx context.Context, keyID string) error {
	if err := e.ensureTable(ctx); err != nil {
		return err
	}
	_, err := e.db.ExecContext(ctx, `DELETE FROM kms_keys WHERE key_id = ?`, keyID)
	return err
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite surfaces constraint violations as *sqlite.Error
	// with a message containing "UNIQUE constraint failed"; avoid importing
	// the driver package here to keep this file driver-agnostic.
	if err == nil {
		return false
	}
	return containsUniqueConstraint(err.Error())
}

func containsUniqueConstraint(s string) bool {
	const needle = "UNIQUE constraint failed"
	for i := 0; i+len(needle) <= len(s); i++ {
		if s[i:i+len(needle)] == needle {
			return true
		}
	}
	return false
}
