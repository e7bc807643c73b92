package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/creeklabs/creek/storage"
)

func newTestEngine(t *testing.T) (*Engine, string, string) {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, filepath.Join(t.TempDir(), "creek.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.ExecContext(ctx,
		`INSERT INTO users (id, email, hashed_password, role, kms_key_id) VALUES (1, 'owner@example.com', 'x', 'user', 'k1')`); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO namespaces (id, name, created_by) VALUES (1, 'team', 1)`); err != nil {
		t.Fatalf("insert namespace: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO queues (id, namespace, name, created_by) VALUES (1, 1, 'orders', 1)`); err != nil {
		t.Fatalf("insert queue: %v", err)
	}
	if _, err := db.ExecContext(ctx,
		`INSERT INTO queue_configurations (queue, max_retries, dead_letter_queue) VALUES (1, 3, NULL)`); err != nil {
		t.Fatalf("insert queue config: %v", err)
	}

	return New(db), "team", "orders"
}

func TestSendReceiveDelete(t *testing.T) {
	ctx := context.Background()
	e, ns, q := newTestEngine(t)

	res, err := e.Send(ctx, ns, q, []byte("hello"), map[string]string{"k": "v"}, SendOptions{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.MessageID == 0 {
		t.Fatalf("expected non-zero message id")
	}

	msgs, err := e.Receive(ctx, ns, q, 10, time.Minute)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if string(msgs[0].Body) != "hello" {
		t.Fatalf("expected body %q, got %q", "hello", msgs[0].Body)
	}
	if msgs[0].Attrs["k"] != "v" {
		t.Fatalf("expected attribute k=v, got %v", msgs[0].Attrs)
	}

	msgs2, err := e.Receive(ctx, ns, q, 10, time.Minute)
	if err != nil {
		t.Fatalf("Receive (second): %v", err)
	}
	if len(msgs2) != 0 {
		t.Fatalf("expected no messages while in flight, got %d", len(msgs2))
	}

	if err := e.Delete(ctx, ns, q, msgs[0].ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := e.Delete(ctx, ns, q, msgs[0].ID); err != nil {
		t.Fatalf("Delete (idempotent repeat): %v", err)
	}
}

func TestReceiveFIFOOrder(t *testing.T) {
	ctx := context.Background()
	e, ns, q := newTestEngine(t)

	for _, body := range []string{"a", "b", "c"} {
		if _, err := e.Send(ctx, ns, q, []byte(body), nil, SendOptions{}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	msgs, err := e.Receive(ctx, ns, q, 10, time.Minute)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	for i, want := range []string{"a", "b", "c"} {
		if string(msgs[i].Body) != want {
			t.Fatalf("message %d: expected %q, got %q", i, want, msgs[i].Body)
		}
	}
}

func TestReceiveAfterVisibilityExpiry(t *testing.T) {
	ctx := context.Background()
	e, ns, q := newTestEngine(t)

	if _, err := e.Send(ctx, ns, q, []byte("x"), nil, SendOptions{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if _, err := e.Receive(ctx, ns, q, 10, 0); err != nil {
		t.Fatalf("Receive: %v", err)
	}

	msgs, err := e.Receive(ctx, ns, q, 10, time.Minute)
	if err != nil {
		t.Fatalf("Receive (after expiry): %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected message to become eligible again after 0s visibility timeout, got %d", len(msgs))
	}
	if msgs[0].Attempts != 2 {
		t.Fatalf("expected attempts=2, got %d", msgs[0].Attempts)
	}
}

func TestRetryExhaustionDropsWithoutDLQ(t *testing.T) {
	ctx := context.Background()
	e, ns, q := newTestEngine(t)

	if _, err := e.Send(ctx, ns, q, []byte("doomed"), nil, SendOptions{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// max_retries=3: the message survives exactly 3 deliveries (attempts
	// reaching 3), and is dropped on the 4th receive that would otherwise
	// deliver it a 4th time.
	for i := 0; i < 4; i++ {
		if _, err := e.Receive(ctx, ns, q, 10, 0); err != nil {
			t.Fatalf("Receive #%d: %v", i, err)
		}
	}

	msgs, err := e.Receive(ctx, ns, q, 10, time.Minute)
	if err != nil {
		t.Fatalf("Receive after exhaustion: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected message to have been dropped after exceeding max_retries, got %d", len(msgs))
	}

	stats, err := e.Stats(ctx, ns, q)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.MessageCount != 0 {
		t.Fatalf("expected 0 messages remaining, got %d", stats.MessageCount)
	}
}

func TestRetryExhaustionTransfersToDLQ(t *testing.T) {
	ctx := context.Background()
	e, ns, q := newTestEngine(t)

	if _, err := e.db.ExecContext(ctx,
		`INSERT INTO queues (id, namespace, name, created_by) VALUES (2, 1, 'orders-dlq', 1)`); err != nil {
		t.Fatalf("insert dlq: %v", err)
	}
	if _, err := e.db.ExecContext(ctx,
		`UPDATE queue_configurations SET dead_letter_queue = 2 WHERE queue = 1`); err != nil {
		t.Fatalf("set dlq: %v", err)
	}

	if _, err := e.Send(ctx, ns, q, []byte("retry-me"), map[string]string{"a": "1"}, SendOptions{}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	// max_retries=3: the message survives exactly 3 deliveries, then
	// transfers to the DLQ on the 4th receive.
	for i := 0; i < 4; i++ {
		if _, err := e.Receive(ctx, ns, q, 10, 0); err != nil {
			t.Fatalf("Receive #%d: %v", i, err)
		}
	}

	dlqMsgs, err := e.Receive(ctx, ns, "orders-dlq", 10, time.Minute)
	if err != nil {
		t.Fatalf("Receive from dlq: %v", err)
	}
	if len(dlqMsgs) != 1 {
		t.Fatalf("expected 1 message transferred to dlq, got %d", len(dlqMsgs))
	}
	if string(dlqMsgs[0].Body) != "retry-me" {
		t.Fatalf("expected dlq body %q, got %q", "retry-me", dlqMsgs[0].Body)
	}
	if dlqMsgs[0].Attrs["a"] != "1" {
		t.Fatalf("expected dlq message to carry original attributes, got %v", dlqMsgs[0].Attrs)
	}
}

func TestPurge(t *testing.T) {
	ctx := context.Background()
	e, ns, q := newTestEngine(t)

	for i := 0; i < 5; i++ {
		if _, err := e.Send(ctx, ns, q, []byte("x"), nil, SendOptions{}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	if err := e.Purge(ctx, ns, q); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	stats, err := e.Stats(ctx, ns, q)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.MessageCount != 0 {
		t.Fatalf("expected 0 messages after purge, got %d", stats.MessageCount)
	}
}

func TestDeleteBatch(t *testing.T) {
	ctx := context.Background()
	e, ns, q := newTestEngine(t)

	var ids []int64
	for i := 0; i < 3; i++ {
		res, err := e.Send(ctx, ns, q, []byte("x"), nil, SendOptions{})
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
		ids = append(ids, res.MessageID)
	}

	entries := []DeleteBatchEntry{
		{ID: "1", MessageID: ids[0]},
		{ID: "2", MessageID: 999999},
		{ID: "3", MessageID: ids[2]},
	}
	results, err := e.DeleteBatch(ctx, ns, q, entries)
	if err != nil {
		t.Fatalf("DeleteBatch: %v", err)
	}
	for _, r := range results {
		if !r.Success {
			t.Fatalf("expected entry %s to succeed (delete is idempotent), got %+v", r.ID, r)
		}
	}

	stats, err := e.Stats(ctx, ns, q)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.MessageCount != 1 {
		t.Fatalf("expected 1 remaining message, got %d", stats.MessageCount)
	}
}

func TestSendToUnknownQueue(t *testing.T) {
	ctx := context.Background()
	e, ns, _ := newTestEngine(t)

	if _, err := e.Send(ctx, ns, "nonexistent", []byte("x"), nil, SendOptions{}); err == nil {
		t.Fatalf("expected Send to fail for unknown queue")
	}
}

func TestSendWithDelayNotImmediatelyEligible(t *testing.T) {
	ctx := context.Background()
	e, ns, q := newTestEngine(t)

	if _, err := e.Send(ctx, ns, q, []byte("later"), nil, SendOptions{DelaySeconds: 3600}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs, err := e.Receive(ctx, ns, q, 10, time.Minute)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("expected delayed message to be ineligible, got %d", len(msgs))
	}
}
