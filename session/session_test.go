package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/creeklabs/creek/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, filepath.Join(t.TempDir(), "creek.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, []byte("0123456789abcdef0123456789abcdef"), time.Hour)
}

func TestCreateAndResolve(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	cookie, err := s.Create(ctx, 42)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	userID, sessionID, err := s.Resolve(ctx, cookie)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if userID != 42 {
		t.Fatalf("expected user id 42, got %d", userID)
	}
	if sessionID == "" {
		t.Fatalf("expected non-empty session id")
	}
}

func TestResolveRejectsTamperedCookie(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	cookie, err := s.Create(ctx, 1)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, _, err := s.Resolve(ctx, cookie+"tamper"); err == nil {
		t.Fatalf("expected Resolve to reject a tampered cookie")
	}
}

func TestResolveRejectsExpired(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	s.ttl = 0

	cookie, err := s.Create(ctx, 7)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	time.Sleep(1100 * time.Millisecond)

	if _, _, err := s.Resolve(ctx, cookie); err == nil {
		t.Fatalf("expected Resolve to reject an expired session")
	}
}

func TestDestroy(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	cookie, err := s.Create(ctx, 3)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	_, sessionID, err := s.Resolve(ctx, cookie)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	if err := s.Destroy(ctx, sessionID); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if _, _, err := s.Resolve(ctx, cookie); err == nil {
		t.Fatalf("expected Resolve to fail after Destroy")
	}
}
