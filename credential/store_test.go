package credential

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/creeklabs/creek/kms/memoryengine"
	"github.com/creeklabs/creek/model"
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
	return New(db, memoryengine.New())
}

func mustNamespace(t *testing.T, s *Store, createdBy int64, name string) int64 {
	t.Helper()
	res, err := s.db.ExecContext(context.Background(),
		`INSERT INTO namespaces (name, created_by) VALUES (?, ?)`, name, createdBy)
	if err != nil {
		t.Fatalf("insert namespace: %v", err)
	}
	id, _ := res.LastInsertId()
	return id
}

func TestCreateUserAndIssueAPIKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	u, err := s.CreateUser(ctx, "alice@example.com", "correct horse battery staple", model.RoleUser, nil)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if u.ID == 0 {
		t.Fatalf("expected non-zero user id")
	}
	if u.KMSKeyID == "" {
		t.Fatalf("expected kms key id to be set")
	}

	nsID := mustNamespace(t, s, u.ID, "team-a")

	issued, err := s.IssueAPIKey(ctx, u.ID, nsID, "ci")
	if err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}
	if issued.KeyID == "" || issued.LongToken == "" {
		t.Fatalf("expected non-empty key id and long token")
	}

	verified, err := s.VerifyBearer(ctx, issued.KeyID, issued.LongToken)
	if err != nil {
		t.Fatalf("VerifyBearer: %v", err)
	}
	if verified.ID != u.ID {
		t.Fatalf("expected user %d, got %d", u.ID, verified.ID)
	}

	if _, err := s.VerifyBearer(ctx, issued.KeyID, "wrong-token"); err == nil {
		t.Fatalf("expected VerifyBearer to fail with wrong long token")
	}
}

func TestResolveSigV4Material(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	u, err := s.CreateUser(ctx, "bob@example.com", "hunter2hunter2hunter2", model.RoleUser, nil)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	nsID := mustNamespace(t, s, u.ID, "team-b")

	issued, err := s.IssueAPIKey(ctx, u.ID, nsID, "sdk")
	if err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}

	mat, err := s.ResolveSigV4Material(ctx, issued.KeyID)
	if err != nil {
		t.Fatalf("ResolveSigV4Material: %v", err)
	}
	if mat.NamespaceName != "team-b" {
		t.Fatalf("expected namespace team-b, got %s", mat.NamespaceName)
	}
	if string(mat.SigningSecret) != issued.LongToken {
		t.Fatalf("expected decrypted signing secret to equal issued long token")
	}
}

func TestResolveSigV4MaterialUnknownKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	if _, err := s.ResolveSigV4Material(ctx, "nonexistent"); err == nil {
		t.Fatalf("expected error for unknown access key")
	}
}

func TestRotateUserKey(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	u, err := s.CreateUser(ctx, "carol@example.com", "another-strong-passphrase", model.RoleUser, nil)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	nsID := mustNamespace(t, s, u.ID, "team-c")

	issued, err := s.IssueAPIKey(ctx, u.ID, nsID, "rotate-me")
	if err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}

	if err := s.RotateUserKey(ctx, u.ID); err != nil {
		t.Fatalf("RotateUserKey: %v", err)
	}

	mat, err := s.ResolveSigV4Material(ctx, issued.KeyID)
	if err != nil {
		t.Fatalf("ResolveSigV4Material after rotation: %v", err)
	}
	if string(mat.SigningSecret) != issued.LongToken {
		t.Fatalf("expected signing secret to survive rotation unchanged")
	}
}
