// Package queue implements the broker's message engine: send, receive,
// delete, purge, and the retry/DLQ transfer that runs inside receive.
// Every operation here assumes the caller has already authenticated and
// checked AuthorizedNamespace against the target namespace; the engine
// itself only resolves (namespace, queue) names to ids and, for receive,
// the dead-letter cutover.
package queue

import (
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/creeklabs/creek/errs"
	"github.com/creeklabs/creek/storage"
)

// Engine is the queue/message persistence boundary, backed by the
// relational store.
type Engine struct {
	db *sql.DB
}

func New(db *sql.DB) *Engine {
	return &Engine{db: db}
}

// now is overridable in tests that need to control delay/visibility math
// without sleeping.
var now = func() int64 { return time.Now().Unix() }

// SendResult is what Send and each entry of SendBatch return.
type SendResult struct {
	MessageID int64
	MD5       string
}

// SendOptions configures a single send. DelaySeconds, if positive, makes
// the message ineligible for receive until that many seconds have passed.
// SentBy, if non-nil, records the authenticated user performing the send.
type SendOptions struct {
	DelaySeconds int64
	SentBy       *int64
}

// Send inserts one message with its attributes in a single transaction.
func (e *Engine) Send(ctx context.Context, namespace, queueName string, body []byte, attrs map[string]string, opts SendOptions) (SendResult, error) {
	tx, err := storage.BeginImmediate(ctx, e.db)
	if err != nil {
		return SendResult{}, errs.Wrap(errs.KindInternalServerError, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	queueID, err := resolveQueue(ctx, tx, namespace, queueName)
	if err != nil {
		return SendResult{}, err
	}

	res, err := insertMessage(ctx, tx, queueID, body, attrs, opts, opts.SentBy)
	if err != nil {
		return SendResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return SendResult{}, errs.Wrap(errs.KindInternalServerError, "commit", err)
	}
	return res, nil
}

// BatchEntry is one request/response pair of SendBatch.
type BatchEntry struct {
	ID    string
	Body  []byte
	Attrs map[string]string
	Opts  SendOptions
}

// BatchResult pairs a BatchEntry's caller-supplied ID with its outcome.
type BatchResult struct {
	ID     string
	Result SendResult
}

// SendBatch resolves the queue once and performs every insert in one
// transaction; if any insert fails the whole batch aborts.
func (e *Engine) SendBatch(ctx context.Context, namespace, queueName string, entries []BatchEntry) ([]BatchResult, error) {
	tx, err := storage.BeginImmediate(ctx, e.db)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternalServerError, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	queueID, err := resolveQueue(ctx, tx, namespace, queueName)
	if err != nil {
		return nil, err
	}

	results := make([]BatchResult, 0, len(entries))
	for _, entry := range entries {
		res, err := insertMessage(ctx, tx, queueID, entry.Body, entry.Attrs, entry.Opts, entry.Opts.SentBy)
		if err != nil {
			return nil, err
		}
		results = append(results, BatchResult{ID: entry.ID, Result: res})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errs.Wrap(errs.KindInternalServerError, "commit", err)
	}
	return results, nil
}

// ReceivedMessage is one message claimed by Receive.
type ReceivedMessage struct {
	ID       int64
	Body     []byte
	Attempts uint32
	Attrs    map[string]string
}

// Receive atomically claims up to maxN available messages FIFO by id,
// marking each ineligible again until visibilityTimeout elapses. Before
// claiming a message whose attempts would exceed the queue's max_retries,
// it is transferred to the configured dead-letter queue (or dropped) in
// the same transaction instead of being returned.
func (e *Engine) Receive(ctx context.Context, namespace, queueName string, maxN int, visibilityTimeout time.Duration) ([]ReceivedMessage, error) {
	tx, err := storage.BeginImmediate(ctx, e.db)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternalServerError, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	queueID, err := resolveQueue(ctx, tx, namespace, queueName)
	if err != nil {
		return nil, err
	}

	maxRetries, dlqID, err := loadQueueConfig(ctx, tx, queueID)
	if err != nil {
		return nil, err
	}

	t := now()
	rows, err := tx.QueryContext(ctx, `
		SELECT id, body, attempts, sent_by FROM messages
		WHERE queue = ? AND (delivered_at IS NULL OR delivered_at <= ?)
		ORDER BY id ASC
		LIMIT ?`, queueID, t, maxN,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternalServerError, "select eligible messages", err)
	}

	type candidate struct {
		id       int64
		body     []byte
		attempts uint32
		sentBy   sql.NullInt64
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.body, &c.attempts, &c.sentBy); err != nil {
			rows.Close()
			return nil, errs.Wrap(errs.KindInternalServerError, "scan message", err)
		}
		candidates = append(candidates, c)
	}
	rows.Close()

	out := make([]ReceivedMessage, 0, len(candidates))
	visSeconds := int64(visibilityTimeout.Seconds())

	for _, c := range candidates {
		if maxRetries > 0 && c.attempts >= maxRetries {
			if err := transferOrDrop(ctx, tx, c.id, queueID, dlqID, c.body, c.sentBy); err != nil {
				return nil, err
			}
			continue
		}

		nextAttempts := c.attempts + 1

		if _, err := tx.ExecContext(ctx,
			`UPDATE messages SET delivered_at = ?, attempts = ? WHERE id = ?`,
			t+visSeconds, nextAttempts, c.id,
		); err != nil {
			return nil, errs.Wrap(errs.KindInternalServerError, "claim message", err)
		}

		attrs, err := loadAttributes(ctx, tx, c.id)
		if err != nil {
			return nil, err
		}

		out = append(out, ReceivedMessage{ID: c.id, Body: c.body, Attempts: nextAttempts, Attrs: attrs})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errs.Wrap(errs.KindInternalServerError, "commit", err)
	}
	return out, nil
}

// Delete removes message messageID from queueName iff it exists and
// belongs to that queue. Deleting an already-absent id is not an error.
func (e *Engine) Delete(ctx context.Context, namespace, queueName string, messageID int64) error {
	tx, err := storage.BeginImmediate(ctx, e.db)
	if err != nil {
		return errs.Wrap(errs.KindInternalServerError, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	queueID, err := resolveQueue(ctx, tx, namespace, queueName)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND queue = ?`, messageID, queueID); err != nil {
		return errs.Wrap(errs.KindInternalServerError, "delete message", err)
	}

	return wrapCommit(tx.Commit(ctx))
}

// DeleteBatchEntry is one request in DeleteBatch.
type DeleteBatchEntry struct {
	ID        string
	MessageID int64
}

// DeleteBatchResult reports one entry's outcome.
type DeleteBatchResult struct {
	ID      string
	Success bool
	Error   string
}

// DeleteBatch resolves Open Question §9's DeleteMessageBatch by running a
// transactional loop of single deletes: the whole batch is one
// transaction, but each entry's success/failure is reported independently
// rather than aborting the batch on a single entry's failure.
func (e *Engine) DeleteBatch(ctx context.Context, namespace, queueName string, entries []DeleteBatchEntry) ([]DeleteBatchResult, error) {
	tx, err := storage.BeginImmediate(ctx, e.db)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternalServerError, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	queueID, err := resolveQueue(ctx, tx, namespace, queueName)
	if err != nil {
		return nil, err
	}

	// Delete is idempotent: deleting an already-absent id still succeeds,
	// so only a DB error produces a failed entry.
	results := make([]DeleteBatchResult, 0, len(entries))
	for _, entry := range entries {
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND queue = ?`, entry.MessageID, queueID); err != nil {
			results = append(results, DeleteBatchResult{ID: entry.ID, Success: false, Error: err.Error()})
			continue
		}
		results = append(results, DeleteBatchResult{ID: entry.ID, Success: true})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errs.Wrap(errs.KindInternalServerError, "commit", err)
	}
	return results, nil
}

// Purge removes every message in queueName.
func (e *Engine) Purge(ctx context.Context, namespace, queueName string) error {
	tx, err := storage.BeginImmediate(ctx, e.db)
	if err != nil {
		return errs.Wrap(errs.KindInternalServerError, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	queueID, err := resolveQueue(ctx, tx, namespace, queueName)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE queue = ?`, queueID); err != nil {
		return errs.Wrap(errs.KindInternalServerError, "purge queue", err)
	}

	return wrapCommit(tx.Commit(ctx))
}

// QueueStats is the per-queue aggregate statistics payload.
type QueueStats struct {
	MessageCount int64
	AvgSizeBytes float64
}

// Stats computes QueueStats on demand; it is never cached.
func (e *Engine) Stats(ctx context.Context, namespace, queueName string) (QueueStats, error) {
	queueID, err := resolveQueueID(ctx, e.db, namespace, queueName)
	if err != nil {
		return QueueStats{}, err
	}

	var stats QueueStats
	var avg sql.NullFloat64
	err = e.db.QueryRowContext(ctx,
		`SELECT COUNT(*), AVG(LENGTH(body)) FROM messages WHERE queue = ?`, queueID,
	).Scan(&stats.MessageCount, &avg)
	if err != nil {
		return QueueStats{}, errs.Wrap(errs.KindInternalServerError, "queue stats", err)
	}
	stats.AvgSizeBytes = avg.Float64
	return stats, nil
}

// NamespaceStats is the per-namespace aggregate statistics payload.
type NamespaceStats struct {
	QueueCount int64
}

// NamespaceStatsFor computes NamespaceStats on demand.
func (e *Engine) NamespaceStatsFor(ctx context.Context, namespace string) (NamespaceStats, error) {
	var stats NamespaceStats
	err := e.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queues q JOIN namespaces n ON n.id = q.namespace WHERE n.name = ?`,
		namespace,
	).Scan(&stats.QueueCount)
	if err != nil {
		return NamespaceStats{}, errs.Wrap(errs.KindInternalServerError, "namespace stats", err)
	}
	return stats, nil
}

func resolveQueue(ctx context.Context, tx *storage.Tx, namespace, queueName string) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, `
		SELECT q.id FROM queues q JOIN namespaces n ON n.id = q.namespace
		WHERE n.name = ? AND q.name = ?`, namespace, queueName,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errs.New(errs.KindNotFound, fmt.Sprintf("queue %s/%s", namespace, queueName))
	}
	if err != nil {
		return 0, errs.Wrap(errs.KindInternalServerError, "resolve queue", err)
	}
	return id, nil
}

func resolveQueueID(ctx context.Context, q storage.Queryer, namespace, queueName string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		SELECT q.id FROM queues q JOIN namespaces n ON n.id = q.namespace
		WHERE n.name = ? AND q.name = ?`, namespace, queueName,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, errs.New(errs.KindNotFound, fmt.Sprintf("queue %s/%s", namespace, queueName))
	}
	if err != nil {
		return 0, errs.Wrap(errs.KindInternalServerError, "resolve queue", err)
	}
	return id, nil
}

func loadQueueConfig(ctx context.Context, tx *storage.Tx, queueID int64) (maxRetries uint32, dlqID *int64, err error) {
	var mr sql.NullInt64
	var dlq sql.NullInt64
	row := tx.QueryRowContext(ctx, `SELECT max_retries, dead_letter_queue FROM queue_configurations WHERE queue = ?`, queueID)
	scanErr := row.Scan(&mr, &dlq)
	if errors.Is(scanErr, sql.ErrNoRows) {
		return 0, nil, nil
	}
	if scanErr != nil {
		return 0, nil, errs.Wrap(errs.KindInternalServerError, "load queue config", scanErr)
	}
	if dlq.Valid {
		v := dlq.Int64
		dlqID = &v
	}
	return uint32(mr.Int64), dlqID, nil
}

func transferOrDrop(ctx context.Context, tx *storage.Tx, messageID, sourceQueueID int64, dlqID *int64, body []byte, sentBy sql.NullInt64) error {
	attrs, err := loadAttributes(ctx, tx, messageID)
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ? AND queue = ?`, messageID, sourceQueueID); err != nil {
		return errs.Wrap(errs.KindInternalServerError, "delete exhausted message", err)
	}

	if dlqID == nil {
		return nil
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (queue, body, delivered_at, sent_by, attempts) VALUES (?, ?, NULL, ?, 0)`,
		*dlqID, body, nullableInt64(sentBy),
	)
	if err != nil {
		return errs.Wrap(errs.KindInternalServerError, "insert dlq message", err)
	}
	newID, err := res.LastInsertId()
	if err != nil {
		return errs.Wrap(errs.KindInternalServerError, "dlq last insert id", err)
	}

	for k, v := range attrs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_attributes (message, k, v) VALUES (?, ?, ?)`, newID, k, v,
		); err != nil {
			return errs.Wrap(errs.KindInternalServerError, "insert dlq attribute", err)
		}
	}

	return nil
}

func nullableInt64(v sql.NullInt64) any {
	if !v.Valid {
		return nil
	}
	return v.Int64
}

func insertMessage(ctx context.Context, tx *storage.Tx, queueID int64, body []byte, attrs map[string]string, opts SendOptions, sentBy *int64) (SendResult, error) {
	var deliveredAt any
	if opts.DelaySeconds > 0 {
		deliveredAt = now() + opts.DelaySeconds
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO messages (queue, body, delivered_at, sent_by, attempts) VALUES (?, ?, ?, ?, 0)`,
		queueID, body, deliveredAt, sentBy,
	)
	if err != nil {
		return SendResult{}, errs.Wrap(errs.KindInvalidParameter, "insert message", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return SendResult{}, errs.Wrap(errs.KindInternalServerError, "last insert id", err)
	}

	for k, v := range attrs {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO message_attributes (message, k, v) VALUES (?, ?, ?)`, id, k, v,
		); err != nil {
			return SendResult{}, errs.Wrap(errs.KindInvalidParameter, "insert attribute", err)
		}
	}

	sum := md5.Sum(body)
	return SendResult{MessageID: id, MD5: hex.EncodeToString(sum[:])}, nil
}

func loadAttributes(ctx context.Context, tx *storage.Tx, messageID int64) (map[string]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT k, v FROM message_attributes WHERE message = ?`, messageID)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternalServerError, "load attributes", err)
	}
	defer rows.Close()

	attrs := map[string]string{}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, errs.Wrap(errs.KindInternalServerError, "scan attribute", err)
		}
		attrs[k] = v
	}
	return attrs, nil
}

func wrapCommit(err error) error {
	if err != nil {
		return errs.Wrap(errs.KindInternalServerError, "commit", err)
	}
	return nil
}
