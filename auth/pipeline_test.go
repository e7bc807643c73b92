package auth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/creeklabs/creek/auth/sigv4"
	"github.com/creeklabs/creek/credential"
	"github.com/creeklabs/creek/kms/memoryengine"
	"github.com/creeklabs/creek/model"
	"github.com/creeklabs/creek/storage"
)

type testFixture struct {
	pipeline *Pipeline
	store    *credential.Store
	userID   int64
	nsID     int64
}

func newTestPipeline(t *testing.T) testFixture {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, filepath.Join(t.TempDir(), "creek.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := credential.New(db, memoryengine.New())

	u, err := store.CreateUser(ctx, "dana@example.com", "correct-horse-battery-staple", model.RoleUser, nil)
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	res, err := db.ExecContext(ctx, `INSERT INTO namespaces (name, created_by) VALUES (?, ?)`, "prod", u.ID)
	if err != nil {
		t.Fatalf("insert namespace: %v", err)
	}
	nsID, _ := res.LastInsertId()

	return testFixture{pipeline: New(store), store: store, userID: u.ID, nsID: nsID}
}

func TestAuthenticateNative(t *testing.T) {
	ctx := context.Background()
	f := newTestPipeline(t)

	issued, err := f.store.IssueAPIKey(ctx, f.userID, f.nsID, "test")
	if err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/sqs", nil)
	req.Header.Set("Authorization", "CreekApiV1 creek_"+issued.KeyID+"_"+issued.LongToken)

	result, err := f.pipeline.Authenticate(ctx, req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if result.Namespace != AuthorizedNamespace("prod") {
		t.Fatalf("expected namespace prod, got %s", result.Namespace)
	}
}

func TestAuthenticateNativeWrongLongToken(t *testing.T) {
	ctx := context.Background()
	f := newTestPipeline(t)

	issued, err := f.store.IssueAPIKey(ctx, f.userID, f.nsID, "test")
	if err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}

	req := httptest.NewRequest(http.MethodPost, "/sqs", nil)
	req.Header.Set("Authorization", "CreekApiV1 creek_"+issued.KeyID+"_wrongtoken00000000000000")

	if _, err := f.pipeline.Authenticate(ctx, req); err == nil {
		t.Fatalf("expected Authenticate to reject a wrong long token")
	}
}

func TestAuthenticateSigV4RoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newTestPipeline(t)

	issued, err := f.store.IssueAPIKey(ctx, f.userID, f.nsID, "test")
	if err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}

	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	date := now.Format("20060102")

	body := []byte(`{"QueueName":"orders"}`)
	req := httptest.NewRequest(http.MethodPost, "/sqs", bytes.NewReader(body))
	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("X-Amz-Target", "AmazonSQS.CreateQueue")
	req.Header.Set("Host", "queue.example.com")

	bodyHash := sha256.Sum256(body)
	canonical := sigv4.CanonicalRequest(
		req.Method, req.URL.Path, req.URL.RawQuery, req.Header,
		[]string{"host", "x-amz-date"}, hex.EncodeToString(bodyHash[:]),
	)
	scope := sigv4.CredentialScope(date, "us-east-1", "sqs")
	sts := sigv4.StringToSign("AWS4-HMAC-SHA256", amzDate, scope, canonical)
	signingKey := sigv4.DeriveSigningKey(issued.LongToken, date, "us-east-1", "sqs")
	signature := sigv4.Sign(signingKey, sts)

	req.Header.Set("Authorization",
		"AWS4-HMAC-SHA256 Credential="+issued.KeyID+"/"+date+"/us-east-1/sqs/aws4_request,"+
			"SignedHeaders=host;x-amz-date,Signature="+signature)

	result, err := f.pipeline.Authenticate(ctx, req)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if result.Namespace != AuthorizedNamespace("prod") {
		t.Fatalf("expected namespace prod, got %s", result.Namespace)
	}
}

func TestAuthenticateSigV4TamperedSignature(t *testing.T) {
	ctx := context.Background()
	f := newTestPipeline(t)

	issued, err := f.store.IssueAPIKey(ctx, f.userID, f.nsID, "test")
	if err != nil {
		t.Fatalf("IssueAPIKey: %v", err)
	}

	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	date := now.Format("20060102")

	req := httptest.NewRequest(http.MethodPost, "/sqs", bytes.NewReader(nil))
	req.Header.Set("X-Amz-Date", amzDate)
	req.Header.Set("Host", "queue.example.com")
	req.Header.Set("Authorization",
		"AWS4-HMAC-SHA256 Credential="+issued.KeyID+"/"+date+"/us-east-1/sqs/aws4_request,"+
			"SignedHeaders=host;x-amz-date,Signature=deadbeef")

	if _, err := f.pipeline.Authenticate(ctx, req); err == nil {
		t.Fatalf("expected Authenticate to reject a bogus signature")
	}
}

func TestAuthenticateMissingAuthorizationHeader(t *testing.T) {
	ctx := context.Background()
	f := newTestPipeline(t)

	req := httptest.NewRequest(http.MethodPost, "/sqs", nil)
	if _, err := f.pipeline.Authenticate(ctx, req); err == nil {
		t.Fatalf("expected Authenticate to reject a missing Authorization header")
	}
}
