package memoryengine

import (
	"bytes"
	"context"
	"testing"

	"github.com/creeklabs/creek/kms"
)

func TestEngineRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := New()

	keyID, err := e.CreateKey(ctx)
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	if keyID == "" {
		t.Fatalf("expected non-empty key id")
	}

	plaintext := []byte("super secret signing material")

	ct, err := e.Encrypt(ctx, keyID, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	if bytes.Equal(ct, plaintext) {
		t.Fatalf("ciphertext must not equal plaintext")
	}

	pt, err := e.Decrypt(ctx, keyID, ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("expected round-trip plaintext %q, got %q", plaintext, pt)
	}

	ct2, err := e.Encrypt(ctx, keyID, plaintext)
	if err != nil {
		t.Fatalf("Encrypt (second): %v", err)
	}
	if bytes.Equal(ct, ct2) {
		t.Fatalf("expected distinct ciphertexts for repeated encryption of the same plaintext under the same key (nonce reuse)")
	}

	if err := e.DeleteKey(ctx, keyID); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}

	if _, err := e.Decrypt(ctx, keyID, ct); err != kms.ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound after delete, got %v", err)
	}
}

func TestEngineUnknownKey(t *testing.T) {
	ctx := context.Background()
	e := New()

	if _, err := e.Encrypt(ctx, "nonexistent", []byte("x")); err != kms.ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestCreateKeyUnique(t *testing.T) {
	ctx := context.Background()
	e := New()

	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		id, err := e.CreateKey(ctx)
		if err != nil {
			t.Fatalf("CreateKey: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate key id generated: %s", id)
		}
		seen[id] = true
	}
}
