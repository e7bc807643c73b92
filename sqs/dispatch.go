package sqs

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/creeklabs/creek/auth"
	"github.com/creeklabs/creek/errs"
	"github.com/creeklabs/creek/queue"
)

const targetPrefix = "AmazonSQS."

// ParseTarget extracts the Action from an X-Amz-Target header value of
// the form "AmazonSQS.<Action>".
func ParseTarget(target string) (Action, error) {
	if !strings.HasPrefix(target, targetPrefix) {
		return "", errs.New(errs.KindInvalidMethod, target)
	}
	name := strings.TrimPrefix(target, targetPrefix)
	switch Action(name) {
	case ActionSendMessage, ActionSendMessageBatch, ActionReceiveMessage, ActionDeleteMessage,
		ActionDeleteMessageBatch, ActionListQueues, ActionGetQueueUrl, ActionCreateQueue,
		ActionGetQueueAttributes, ActionSetQueueAttributes, ActionPurgeQueue, ActionDeleteQueue,
		ActionListQueueTags, ActionTagQueue, ActionUntagQueue:
		return Action(name), nil
	default:
		return "", errs.New(errs.KindInvalidMethod, target)
	}
}

// Dispatcher maps parsed SQS actions onto the queue engine, scoping every
// operation to the caller's AuthorizedNamespace.
type Dispatcher struct {
	Engine *queue.Engine
	Host   string

	// DefaultMaxRetries is the retry budget given to every queue created
	// through CreateQueue; request attributes do not change it.
	DefaultMaxRetries uint32
}

func New(engine *queue.Engine, host string) *Dispatcher {
	return &Dispatcher{Engine: engine, Host: host, DefaultMaxRetries: 3}
}

// Dispatch decodes body per action, invokes the engine, and returns the
// matching response value for the caller to json.Marshal. It never
// inspects headers or auth; callers must have already authenticated and
// must pass the namespace the request is authorized for.
func (d *Dispatcher) Dispatch(ctx context.Context, action Action, ns auth.AuthorizedNamespace, body io.Reader) (any, error) {
	namespace := string(ns)

	switch action {
	case ActionSendMessage:
		return d.sendMessage(ctx, namespace, body)
	case ActionSendMessageBatch:
		return d.sendMessageBatch(ctx, namespace, body)
	case ActionReceiveMessage:
		return d.receiveMessage(ctx, namespace, body)
	case ActionDeleteMessage:
		return d.deleteMessage(ctx, namespace, body)
	case ActionDeleteMessageBatch:
		return d.deleteMessageBatch(ctx, namespace, body)
	case ActionListQueues:
		return d.listQueues(ctx, namespace, body)
	case ActionGetQueueUrl:
		return d.getQueueUrl(ctx, namespace, body)
	case ActionCreateQueue:
		return d.createQueue(ctx, namespace, body)
	case ActionGetQueueAttributes:
		return d.getQueueAttributes(ctx, namespace, body)
	case ActionSetQueueAttributes:
		return d.setQueueAttributes(ctx, namespace, body)
	case ActionPurgeQueue:
		return d.purgeQueue(ctx, namespace, body)
	case ActionDeleteQueue:
		return d.deleteQueue(ctx, namespace, body)
	case ActionListQueueTags:
		return d.listQueueTags(ctx, namespace, body)
	case ActionTagQueue:
		return d.tagQueue(ctx, namespace, body)
	case ActionUntagQueue:
		return d.untagQueue(ctx, namespace, body)
	default:
		return nil, errs.New(errs.KindInvalidMethod, string(action))
	}
}

func decode[T any](body io.Reader) (T, error) {
	var v T
	if err := json.NewDecoder(body).Decode(&v); err != nil {
		var zero T
		return zero, errs.Wrap(errs.KindInvalidParameter, "decode request body", err)
	}
	return v, nil
}

// queueAndNamespaceFromURL extracts (namespace, queue) from the trailing
// two path segments of a queue URL shaped {host}/sqs/{namespace}/{queue}.
func queueAndNamespaceFromURL(queueURL string) (namespace, name string, err error) {
	trimmed := strings.TrimRight(queueURL, "/")
	segments := strings.Split(trimmed, "/")
	if len(segments) < 2 {
		return "", "", errs.New(errs.KindInvalidParameter, "QueueUrl")
	}
	name = segments[len(segments)-1]
	namespace = segments[len(segments)-2]
	if name == "" || namespace == "" {
		return "", "", errs.New(errs.KindInvalidParameter, "QueueUrl")
	}
	return namespace, name, nil
}

func requireNamespace(authorized, target string) error {
	if target != authorized {
		return errs.New(errs.KindUnauthorized, "namespace mismatch")
	}
	return nil
}

func (d *Dispatcher) queueURL(namespace, name string) string {
	return fmt.Sprintf("%s/sqs/%s/%s", strings.TrimRight(d.Host, "/"), namespace, name)
}

func attrValues(attrs map[string]MessageAttributeValue) map[string]string {
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v.StringValue
	}
	return out
}

func (d *Dispatcher) sendMessage(ctx context.Context, namespace string, body io.Reader) (any, error) {
	req, err := decode[SendMessageRequest](body)
	if err != nil {
		return nil, err
	}
	targetNS, queueName, err := queueAndNamespaceFromURL(req.QueueUrl)
	if err != nil {
		return nil, err
	}
	if err := requireNamespace(namespace, targetNS); err != nil {
		return nil, err
	}

	res, err := d.Engine.Send(ctx, namespace, queueName, []byte(req.MessageBody), attrValues(req.MessageAttributes),
		queue.SendOptions{DelaySeconds: req.DelaySeconds})
	if err != nil {
		return nil, err
	}
	return SendMessageResponse{
		MessageId:        strconv.FormatInt(res.MessageID, 10),
		MD5OfMessageBody: res.MD5,
	}, nil
}

func (d *Dispatcher) sendMessageBatch(ctx context.Context, namespace string, body io.Reader) (any, error) {
	req, err := decode[SendMessageBatchRequest](body)
	if err != nil {
		return nil, err
	}
	targetNS, queueName, err := queueAndNamespaceFromURL(req.QueueUrl)
	if err != nil {
		return nil, err
	}
	if err := requireNamespace(namespace, targetNS); err != nil {
		return nil, err
	}

	entries := make([]queue.BatchEntry, len(req.Entries))
	for i, e := range req.Entries {
		entries[i] = queue.BatchEntry{
			ID:    e.Id,
			Body:  []byte(e.MessageBody),
			Attrs: attrValues(e.MessageAttributes),
			Opts:  queue.SendOptions{DelaySeconds: e.DelaySeconds},
		}
	}

	results, err := d.Engine.SendBatch(ctx, namespace, queueName, entries)
	if err != nil {
		// A batch failure is not attributable to one entry; report the
		// whole batch as failed rather than guessing which entry broke.
		failed := make([]SendMessageBatchResultErrorEntry, len(entries))
		for i, e := range entries {
			failed[i] = SendMessageBatchResultErrorEntry{Id: e.ID, SenderFault: false, Code: "InternalError", Message: err.Error()}
		}
		return SendMessageBatchResponse{Successful: []SendMessageBatchResultEntry{}, Failed: failed}, nil
	}

	successful := make([]SendMessageBatchResultEntry, len(results))
	for i, r := range results {
		successful[i] = SendMessageBatchResultEntry{
			Id:               r.ID,
			MessageId:        strconv.FormatInt(r.Result.MessageID, 10),
			MD5OfMessageBody: r.Result.MD5,
		}
	}
	return SendMessageBatchResponse{Successful: successful, Failed: []SendMessageBatchResultErrorEntry{}}, nil
}

func (d *Dispatcher) receiveMessage(ctx context.Context, namespace string, body io.Reader) (any, error) {
	req, err := decode[ReceiveMessageRequest](body)
	if err != nil {
		return nil, err
	}
	targetNS, queueName, err := queueAndNamespaceFromURL(req.QueueUrl)
	if err != nil {
		return nil, err
	}
	if err := requireNamespace(namespace, targetNS); err != nil {
		return nil, err
	}

	maxN := int(req.MaxNumberOfMessages)
	if maxN <= 0 {
		maxN = 1
	}
	vto := time.Duration(req.VisibilityTimeout) * time.Second
	if vto <= 0 {
		vto = 30 * time.Second
	}

	msgs, err := d.Engine.Receive(ctx, namespace, queueName, maxN, vto)
	if err != nil {
		return nil, err
	}

	out := make([]SqsMessage, len(msgs))
	for i, m := range msgs {
		out[i] = SqsMessage{
			MessageId:         strconv.FormatInt(m.ID, 10),
			ReceiptHandle:     strconv.FormatInt(m.ID, 10),
			MD5OfBody:         md5Hex(m.Body),
			Body:              string(m.Body),
			MessageAttributes: m.Attrs,
		}
	}
	return ReceiveMessageResponse{Messages: out}, nil
}

func (d *Dispatcher) deleteMessage(ctx context.Context, namespace string, body io.Reader) (any, error) {
	req, err := decode[DeleteMessageRequest](body)
	if err != nil {
		return nil, err
	}
	targetNS, queueName, err := queueAndNamespaceFromURL(req.QueueUrl)
	if err != nil {
		return nil, err
	}
	if err := requireNamespace(namespace, targetNS); err != nil {
		return nil, err
	}

	messageID, err := strconv.ParseInt(req.ReceiptHandle, 10, 64)
	if err != nil {
		return nil, errs.New(errs.KindInvalidParameter, "ReceiptHandle")
	}
	if err := d.Engine.Delete(ctx, namespace, queueName, messageID); err != nil {
		return nil, err
	}
	return DeleteMessageResponse{}, nil
}

func (d *Dispatcher) deleteMessageBatch(ctx context.Context, namespace string, body io.Reader) (any, error) {
	req, err := decode[DeleteMessageBatchRequest](body)
	if err != nil {
		return nil, err
	}
	targetNS, queueName, err := queueAndNamespaceFromURL(req.QueueUrl)
	if err != nil {
		return nil, err
	}
	if err := requireNamespace(namespace, targetNS); err != nil {
		return nil, err
	}

	entries := make([]queue.DeleteBatchEntry, 0, len(req.Entries))
	badEntries := map[string]bool{}
	for _, e := range req.Entries {
		messageID, err := strconv.ParseInt(e.ReceiptHandle, 10, 64)
		if err != nil {
			badEntries[e.Id] = true
			continue
		}
		entries = append(entries, queue.DeleteBatchEntry{ID: e.Id, MessageID: messageID})
	}

	results, err := d.Engine.DeleteBatch(ctx, namespace, queueName, entries)
	if err != nil {
		return nil, err
	}

	resp := DeleteMessageBatchResponse{Successful: []DeleteMessageBatchResultEntry{}, Failed: []DeleteMessageBatchResultErrorEntry{}}
	for _, r := range results {
		if r.Success {
			resp.Successful = append(resp.Successful, DeleteMessageBatchResultEntry{Id: r.ID})
			continue
		}
		resp.Failed = append(resp.Failed, DeleteMessageBatchResultErrorEntry{Id: r.ID, SenderFault: false, Code: "InternalError", Message: r.Error})
	}
	for id := range badEntries {
		resp.Failed = append(resp.Failed, DeleteMessageBatchResultErrorEntry{Id: id, SenderFault: true, Code: "InvalidParameter", Message: "malformed ReceiptHandle"})
	}
	return resp, nil
}

func (d *Dispatcher) listQueues(ctx context.Context, namespace string, body io.Reader) (any, error) {
	req, err := decode[ListQueuesRequest](body)
	if err != nil {
		return nil, err
	}
	names, err := d.Engine.ListQueues(ctx, namespace, req.QueueNamePrefix)
	if err != nil {
		return nil, err
	}
	urls := make([]string, len(names))
	for i, n := range names {
		urls[i] = d.queueURL(namespace, n)
	}
	return ListQueuesResponse{QueueUrls: urls}, nil
}

func (d *Dispatcher) getQueueUrl(ctx context.Context, namespace string, body io.Reader) (any, error) {
	req, err := decode[GetQueueUrlRequest](body)
	if err != nil {
		return nil, err
	}
	exists, err := d.Engine.QueueExists(ctx, namespace, req.QueueName)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, errs.New(errs.KindNotFound, "queue").WithResource(req.QueueName)
	}
	return GetQueueUrlResponse{QueueUrl: d.queueURL(namespace, req.QueueName)}, nil
}

func (d *Dispatcher) createQueue(ctx context.Context, namespace string, body io.Reader) (any, error) {
	req, err := decode[CreateQueueRequest](body)
	if err != nil {
		return nil, err
	}
	_, err = d.Engine.CreateQueue(ctx, namespace, req.QueueName, queue.CreateQueueOptions{
		Attributes: req.Attributes,
		Tags:       req.Tags,
		MaxRetries: d.DefaultMaxRetries,
	})
	if err != nil {
		return nil, err
	}
	return CreateQueueResponse{QueueUrl: d.queueURL(namespace, req.QueueName)}, nil
}

func (d *Dispatcher) getQueueAttributes(ctx context.Context, namespace string, body io.Reader) (any, error) {
	req, err := decode[GetQueueAttributesRequest](body)
	if err != nil {
		return nil, err
	}
	targetNS, queueName, err := queueAndNamespaceFromURL(req.QueueUrl)
	if err != nil {
		return nil, err
	}
	if err := requireNamespace(namespace, targetNS); err != nil {
		return nil, err
	}
	attrs, err := d.Engine.GetQueueAttributes(ctx, namespace, queueName)
	if err != nil {
		return nil, err
	}
	return GetQueueAttributesResponse{Attributes: attrs}, nil
}

func (d *Dispatcher) setQueueAttributes(ctx context.Context, namespace string, body io.Reader) (any, error) {
	req, err := decode[SetQueueAttributesRequest](body)
	if err != nil {
		return nil, err
	}
	targetNS, queueName, err := queueAndNamespaceFromURL(req.QueueUrl)
	if err != nil {
		return nil, err
	}
	if err := requireNamespace(namespace, targetNS); err != nil {
		return nil, err
	}
	if err := d.Engine.SetQueueAttributes(ctx, namespace, queueName, req.Attributes); err != nil {
		return nil, err
	}
	return SetQueueAttributesResponse{}, nil
}

func (d *Dispatcher) purgeQueue(ctx context.Context, namespace string, body io.Reader) (any, error) {
	req, err := decode[PurgeQueueRequest](body)
	if err != nil {
		return nil, err
	}
	targetNS, queueName, err := queueAndNamespaceFromURL(req.QueueUrl)
	if err != nil {
		return nil, err
	}
	if err := requireNamespace(namespace, targetNS); err != nil {
		return nil, err
	}
	if err := d.Engine.Purge(ctx, namespace, queueName); err != nil {
		return nil, err
	}
	return PurgeQueueResponse{Success: true}, nil
}

func (d *Dispatcher) deleteQueue(ctx context.Context, namespace string, body io.Reader) (any, error) {
	req, err := decode[DeleteQueueRequest](body)
	if err != nil {
		return nil, err
	}
	targetNS, queueName, err := queueAndNamespaceFromURL(req.QueueUrl)
	if err != nil {
		return nil, err
	}
	if err := requireNamespace(namespace, targetNS); err != nil {
		return nil, err
	}
	if err := d.Engine.DeleteQueue(ctx, namespace, queueName); err != nil {
		return nil, err
	}
	return DeleteQueueResponse{}, nil
}

func (d *Dispatcher) listQueueTags(ctx context.Context, namespace string, body io.Reader) (any, error) {
	req, err := decode[ListQueueTagsRequest](body)
	if err != nil {
		return nil, err
	}
	targetNS, queueName, err := queueAndNamespaceFromURL(req.QueueUrl)
	if err != nil {
		return nil, err
	}
	if err := requireNamespace(namespace, targetNS); err != nil {
		return nil, err
	}
	tags, err := d.Engine.ListQueueTags(ctx, namespace, queueName)
	if err != nil {
		return nil, err
	}
	return ListQueueTagsResponse{Tags: tags}, nil
}

func (d *Dispatcher) tagQueue(ctx context.Context, namespace string, body io.Reader) (any, error) {
	req, err := decode[TagQueueRequest](body)
	if err != nil {
		return nil, err
	}
	targetNS, queueName, err := queueAndNamespaceFromURL(req.QueueUrl)
	if err != nil {
		return nil, err
	}
	if err := requireNamespace(namespace, targetNS); err != nil {
		return nil, err
	}
	if err := d.Engine.TagQueue(ctx, namespace, queueName, req.Tags); err != nil {
		return nil, err
	}
	return TagQueueResponse{}, nil
}

func (d *Dispatcher) untagQueue(ctx context.Context, namespace string, body io.Reader) (any, error) {
	req, err := decode[UntagQueueRequest](body)
	if err != nil {
		return nil, err
	}
	targetNS, queueName, err := queueAndNamespaceFromURL(req.QueueUrl)
	if err != nil {
		return nil, err
	}
	if err := requireNamespace(namespace, targetNS); err != nil {
		return nil, err
	}
	if err := d.Engine.UntagQueue(ctx, namespace, queueName, req.TagKeys); err != nil {
		return nil, err
	}
	return UntagQueueResponse{}, nil
}
