package sqs

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/creeklabs/creek/auth"
	"github.com/creeklabs/creek/queue"
	"github.com/creeklabs/creek/storage"
)

func newTestDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	ctx := context.Background()
	db, err := storage.Open(ctx, filepath.Join(t.TempDir(), "creek.db"))
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	if _, err := db.ExecContext(ctx, `INSERT INTO users (id, email, hashed_password, role, kms_key_id) VALUES (1, 'a@example.com', 'x', 'user', 'k1')`); err != nil {
		t.Fatalf("insert user: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO namespaces (id, name, created_by) VALUES (1, 'ns1', 1)`); err != nil {
		t.Fatalf("insert namespace: %v", err)
	}

	return New(queue.New(db), "http://localhost:8080")
}

func jsonBody(v any) *bytes.Buffer {
	b, _ := json.Marshal(v)
	return bytes.NewBuffer(b)
}

func TestParseTarget(t *testing.T) {
	action, err := ParseTarget("AmazonSQS.SendMessage")
	if err != nil {
		t.Fatalf("ParseTarget: %v", err)
	}
	if action != ActionSendMessage {
		t.Fatalf("expected ActionSendMessage, got %s", action)
	}

	if _, err := ParseTarget("AmazonSQS.Bogus"); err == nil {
		t.Fatalf("expected unknown action to fail")
	}
	if _, err := ParseTarget("NotSQS.SendMessage"); err == nil {
		t.Fatalf("expected wrong prefix to fail")
	}
}

func TestCreateSendReceiveDeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(t)
	ns := auth.AuthorizedNamespace("ns1")

	createResp, err := d.Dispatch(ctx, ActionCreateQueue, ns, jsonBody(CreateQueueRequest{QueueName: "q1"}))
	if err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	queueURL := createResp.(CreateQueueResponse).QueueUrl

	sendResp, err := d.Dispatch(ctx, ActionSendMessage, ns, jsonBody(SendMessageRequest{QueueUrl: queueURL, MessageBody: "hello"}))
	if err != nil {
		t.Fatalf("SendMessage: %v", err)
	}
	if sendResp.(SendMessageResponse).MessageId == "" {
		t.Fatalf("expected non-empty MessageId")
	}

	recvResp, err := d.Dispatch(ctx, ActionReceiveMessage, ns, jsonBody(ReceiveMessageRequest{QueueUrl: queueURL, MaxNumberOfMessages: 1}))
	if err != nil {
		t.Fatalf("ReceiveMessage: %v", err)
	}
	messages := recvResp.(ReceiveMessageResponse).Messages
	if len(messages) != 1 || messages[0].Body != "hello" {
		t.Fatalf("expected 1 message with body hello, got %+v", messages)
	}

	delResp, err := d.Dispatch(ctx, ActionDeleteMessage, ns, jsonBody(DeleteMessageRequest{QueueUrl: queueURL, ReceiptHandle: messages[0].ReceiptHandle}))
	if err != nil {
		t.Fatalf("DeleteMessage: %v", err)
	}
	_ = delResp.(DeleteMessageResponse)

	recvAgain, err := d.Dispatch(ctx, ActionReceiveMessage, ns, jsonBody(ReceiveMessageRequest{QueueUrl: queueURL}))
	if err != nil {
		t.Fatalf("ReceiveMessage (after delete): %v", err)
	}
	if len(recvAgain.(ReceiveMessageResponse).Messages) != 0 {
		t.Fatalf("expected no messages after delete")
	}
}

func TestCrossNamespaceRejected(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(t)

	if _, err := d.Dispatch(ctx, ActionCreateQueue, auth.AuthorizedNamespace("ns1"), jsonBody(CreateQueueRequest{QueueName: "q1"})); err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}

	_, err := d.Dispatch(ctx, ActionSendMessage, auth.AuthorizedNamespace("other"),
		jsonBody(SendMessageRequest{QueueUrl: "http://localhost:8080/sqs/ns1/q1", MessageBody: "x"}))
	if err == nil {
		t.Fatalf("expected cross-namespace send to fail")
	}
}

func TestListQueuesAndGetQueueUrl(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(t)
	ns := auth.AuthorizedNamespace("ns1")

	for _, name := range []string{"alpha", "beta"} {
		if _, err := d.Dispatch(ctx, ActionCreateQueue, ns, jsonBody(CreateQueueRequest{QueueName: name})); err != nil {
			t.Fatalf("CreateQueue %s: %v", name, err)
		}
	}

	listResp, err := d.Dispatch(ctx, ActionListQueues, ns, jsonBody(ListQueuesRequest{}))
	if err != nil {
		t.Fatalf("ListQueues: %v", err)
	}
	if len(listResp.(ListQueuesResponse).QueueUrls) != 2 {
		t.Fatalf("expected 2 queue urls, got %+v", listResp)
	}

	urlResp, err := d.Dispatch(ctx, ActionGetQueueUrl, ns, jsonBody(GetQueueUrlRequest{QueueName: "alpha"}))
	if err != nil {
		t.Fatalf("GetQueueUrl: %v", err)
	}
	if urlResp.(GetQueueUrlResponse).QueueUrl == "" {
		t.Fatalf("expected non-empty queue url")
	}

	if _, err := d.Dispatch(ctx, ActionGetQueueUrl, ns, jsonBody(GetQueueUrlRequest{QueueName: "missing"})); err == nil {
		t.Fatalf("expected GetQueueUrl for missing queue to fail")
	}
}

func TestDeleteMessageBatch(t *testing.T) {
	ctx := context.Background()
	d := newTestDispatcher(t)
	ns := auth.AuthorizedNamespace("ns1")

	createResp, err := d.Dispatch(ctx, ActionCreateQueue, ns, jsonBody(CreateQueueRequest{QueueName: "q1"}))
	if err != nil {
		t.Fatalf("CreateQueue: %v", err)
	}
	queueURL := createResp.(CreateQueueResponse).QueueUrl

	var handles []string
	for i := 0; i < 2; i++ {
		resp, err := d.Dispatch(ctx, ActionSendMessage, ns, jsonBody(SendMessageRequest{QueueUrl: queueURL, MessageBody: "x"}))
		if err != nil {
			t.Fatalf("SendMessage: %v", err)
		}
		handles = append(handles, resp.(SendMessageResponse).MessageId)
	}

	batchResp, err := d.Dispatch(ctx, ActionDeleteMessageBatch, ns, jsonBody(DeleteMessageBatchRequest{
		QueueUrl: queueURL,
		Entries: []DeleteMessageBatchRequestEntry{
			{Id: "1", ReceiptHandle: handles[0]},
			{Id: "2", ReceiptHandle: handles[1]},
			{Id: "3", ReceiptHandle: "not-a-number"},
		},
	}))
	if err != nil {
		t.Fatalf("DeleteMessageBatch: %v", err)
	}
	resp := batchResp.(DeleteMessageBatchResponse)
	if len(resp.Successful) != 2 {
		t.Fatalf("expected 2 successful deletes, got %+v", resp)
	}
	if len(resp.Failed) != 1 || resp.Failed[0].Id != "3" {
		t.Fatalf("expected entry 3 to fail on bad receipt handle, got %+v", resp)
	}
}
