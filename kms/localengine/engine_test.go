package localengine

import (
	"bytes"
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/creeklabs/creek/kms"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kms.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEngineRoundTrip(t *testing.T) {
	ctx := context.Background()
	e := New(openTestDB(t))

	keyID, err := e.CreateKey(ctx)
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}

	plaintext := []byte("wrapped signing secret")

	ct, err := e.Encrypt(ctx, keyID, plaintext)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	pt, err := e.Decrypt(ctx, keyID, ct)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("expected %q, got %q", plaintext, pt)
	}

	if err := e.DeleteKey(ctx, keyID); err != nil {
		t.Fatalf("DeleteKey: %v", err)
	}

	if _, err := e.Decrypt(ctx, keyID, ct); err != kms.ErrKeyNotFound {
		t.Fatalf("expected ErrKeyNotFound, got %v", err)
	}
}

func TestEngineSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "kms.db")

	db1, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	e1 := New(db1)
	keyID, err := e1.CreateKey(ctx)
	if err != nil {
		t.Fatalf("CreateKey: %v", err)
	}
	ct, err := e1.Encrypt(ctx, keyID, []byte("payload"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	db1.Close()

	db2, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("sql.Open (reopen): %v", err)
	}
	defer db2.Close()
	e2 := New(db2)

	pt, err := e2.Decrypt(ctx, keyID, ct)
	if err != nil {
		t.Fatalf("Decrypt after reopen: %v", err)
	}
	if string(pt) != "payload" {
		t.Fatalf("expected %q, got %q", "payload", pt)
	}
}
