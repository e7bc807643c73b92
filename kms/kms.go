// Package kms defines the pluggable envelope-encryption capability set used
// to protect per-user signing material. Three variants implement Engine:
// kms/memoryengine, kms/localengine, and kms/remote.
package kms

import (
	"context"
	"errors"
)

// ErrKeyNotFound is returned by Decrypt (and by Encrypt against a deleted
// key) when the key id is unknown to the engine. Callers must treat it as
// fatal for the record bound to that key.
var ErrKeyNotFound = errors.New("kms: key not found")

// Engine is the capability set every KMS backend implements: encrypt and
// decrypt opaque blobs under a named key, and create/delete keys. All
// operations are asynchronous and cancellable via ctx.
type Engine interface {
	// Encrypt encrypts plaintext under keyID, returning an opaque ciphertext
	// blob. The blob's internal layout (nonce placement, provider envelope)
	// is backend-specific and must round-trip through Decrypt on the same
	// backend instance.
	Encrypt(ctx context.Context, keyID string, plaintext []byte) (ciphertext []byte, err error)

	// Decrypt reverses Encrypt. Returns ErrKeyNotFound if keyID was deleted.
	Decrypt(ctx context.Context, keyID string, ciphertext []byte) (plaintext []byte, err error)

	// CreateKey provisions a new key and returns its id.
	CreateKey(ctx context.Context) (keyID string, err error)

	// DeleteKey permanently removes a key. Decrypt calls against it
	// subsequently fail with ErrKeyNotFound.
	DeleteKey(ctx context.Context, keyID string) error
}

// Rotation is the handle returned by BeginRotation. The caller must
// re-encrypt every record under OldKeyID into NewKeyID inside its own
// transaction, then call CompleteRotation. NewKeyID is private to the
// handle until CompleteRotation runs, so re-running a failed rotation from
// scratch (discarding the handle) is safe: the orphaned key is never
// referenced by any record.
type Rotation struct {
	OldKeyID string
	NewKeyID string
}

// BeginRotation creates a new key and pairs it with the old one. It is a
// default composed from CreateKey, provided once here so backends don't
// each reimplement it.
func BeginRotation(ctx context.Context, e Engine, oldKeyID string) (Rotation, error) {
	newKeyID, err := e.CreateKey(ctx)
	if err != nil {
		return Rotation{}, err
	}
	return Rotation{OldKeyID: oldKeyID, NewKeyID: newKeyID}, nil
}

// CompleteRotation deletes the old key of a Rotation handle. Call only
// after every record referencing OldKeyID has been re-encrypted under
// NewKeyID and that transaction has committed.
func CompleteRotation(ctx context.Context, e Engine, r Rotation) error {
	return e.DeleteKey(ctx, r.OldKeyID)
}
