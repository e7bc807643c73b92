// Package memoryengine implements kms.Engine entirely in process memory.
// It is suitable for tests and single-process development; state does not
// survive a restart.
package memoryengine

import (
	"context"
	"sync"

	"github.com/btcsuite/btcd/btcutil/base58"

	"github.com/creeklabs/creek/kms"
)

const keyIDBytes = 16

// Engine is a thread-safe in-memory key manager, keyed by a concurrent map
// from key id to raw AES-256 key material.
type Engine struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

var _ kms.Engine = (*Engine)(nil)

func New() *Engine {
	return &Engine{keys: make(map[string][]byte)}
}

func (e *Engine) CreateKey(ctx context.Context) (string, error) {
	key, err := kms.GenerateKey()
	if err != nil {
		return "", err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var keyID string
	for {
		id, err := randomKeyID()
		if err != nil {
			return "", err
		}
		if _, exists := e.keys[id]; !exists {
			keyID = id
			break
		}
	}

	e.keys[keyID] = key
	return keyID, nil
}

func (e *Engine) Encrypt(ctx context.Context, keyID string, plaintext []byte) ([]byte, error) {
	e.mu.RLock()
	key, ok := e.keys[keyID]
	e.mu.RUnlock()
	if !ok {
		return nil, kms.ErrKeyNotFound
	}
	return kms.SealGCM(key, keyID, plaintext)
}

func (e *Engine) Decrypt(ctx context.Context, keyID string, ciphertext []byte) ([]byte, error) {
	e.mu.RLock()
	key, ok := e.keys[keyID]
	e.mu.RUnlock()
	if !ok {
		return nil, kms.ErrKeyNotFound
	}
	return kms.OpenGCM(key, keyID, ciphertext)
}

func (e *Engine) DeleteKey(ctx context.Context, keyID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.keys, keyID)
	return nil
}

func randomKeyID() (string, error) {
	raw, err := kms.RandomBytes(keyIDBytes)
	if err != nil {
		return "", err
	}
	return base58.Encode(raw), nil
}
