package queue

import (
	"context"
	"database/sql"
	"errors"
	"strconv"

	"github.com/creeklabs/creek/errs"
	"github.com/creeklabs/creek/model"
	"github.com/creeklabs/creek/storage"
)

// CreateQueueOptions configures CreateQueue. MaxRetries seeds the queue's
// QueueConfig; Attributes are stored as given and do not affect it.
type CreateQueueOptions struct {
	Attributes map[string]string
	Tags       map[string]string
	CreatedBy  int64
	MaxRetries uint32
}

// CreateQueue inserts a queue, its attributes/tags, and its one
// QueueConfig row in a single transaction. (namespace, name) must be
// unique; creating an existing queue with identical attributes is not
// treated specially here, matching original_source's behavior of letting
// the unique constraint reject outright duplicates.
func (e *Engine) CreateQueue(ctx context.Context, namespace, name string, opts CreateQueueOptions) (model.Queue, error) {
	tx, err := storage.BeginImmediate(ctx, e.db)
	if err != nil {
		return model.Queue{}, errs.Wrap(errs.KindInternalServerError, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	var nsID int64
	if err := tx.QueryRowContext(ctx, `SELECT id FROM namespaces WHERE name = ?`, namespace).Scan(&nsID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Queue{}, errs.New(errs.KindNotFound, "namespace").WithResource(namespace)
		}
		return model.Queue{}, errs.Wrap(errs.KindInternalServerError, "resolve namespace", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO queues (namespace, name, created_by) VALUES (?, ?, ?)`, nsID, name, opts.CreatedBy,
	)
	if err != nil {
		return model.Queue{}, errs.Wrap(errs.KindInvalidParameter, "insert queue", err)
	}
	queueID, err := res.LastInsertId()
	if err != nil {
		return model.Queue{}, errs.Wrap(errs.KindInternalServerError, "last insert id", err)
	}

	for k, v := range opts.Attributes {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue_attributes (queue, k, v) VALUES (?, ?, ?)`, queueID, k, v,
		); err != nil {
			return model.Queue{}, errs.Wrap(errs.KindInvalidParameter, "insert queue attribute", err)
		}
	}
	for k, v := range opts.Tags {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO queue_tags (queue, k, v) VALUES (?, ?, ?)`, queueID, k, v,
		); err != nil {
			return model.Queue{}, errs.Wrap(errs.KindInvalidParameter, "insert queue tag", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue_configurations (queue, max_retries, dead_letter_queue) VALUES (?, ?, NULL)`,
		queueID, opts.MaxRetries,
	); err != nil {
		return model.Queue{}, errs.Wrap(errs.KindInternalServerError, "insert queue config", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.Queue{}, errs.Wrap(errs.KindInternalServerError, "commit", err)
	}

	return model.Queue{ID: queueID, NamespaceID: nsID, Name: name, CreatedBy: opts.CreatedBy, Attributes: opts.Attributes, Tags: opts.Tags}, nil
}

// DeleteQueue removes a queue and everything that cascades from it
// (messages, attributes, tags, config). Deleting an already-absent queue
// is not an error, matching the idempotent-delete convention used
// elsewhere in this package.
func (e *Engine) DeleteQueue(ctx context.Context, namespace, name string) error {
	tx, err := storage.BeginImmediate(ctx, e.db)
	if err != nil {
		return errs.Wrap(errs.KindInternalServerError, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM queues WHERE namespace = (SELECT id FROM namespaces WHERE name = ?) AND name = ?`,
		namespace, name,
	); err != nil {
		return errs.Wrap(errs.KindInternalServerError, "delete queue", err)
	}

	return wrapCommit(tx.Commit(ctx))
}

// ListQueues returns every queue name in namespace whose name has the
// given prefix (empty prefix matches all).
func (e *Engine) ListQueues(ctx context.Context, namespace, prefix string) ([]string, error) {
	rows, err := e.db.QueryContext(ctx, `
		SELECT q.name FROM queues q JOIN namespaces n ON n.id = q.namespace
		WHERE n.name = ? AND q.name LIKE ? ESCAPE '\'
		ORDER BY q.name`, namespace, likePrefix(prefix),
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternalServerError, "list queues", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errs.Wrap(errs.KindInternalServerError, "scan queue name", err)
		}
		out = append(out, name)
	}
	return out, nil
}

// GetQueueAttributes returns the attribute map stored against a queue,
// plus a synthesized ApproximateNumberOfMessages entry. The queue's retry
// configuration is not included.
func (e *Engine) GetQueueAttributes(ctx context.Context, namespace, name string) (map[string]string, error) {
	queueID, err := resolveQueueID(ctx, e.db, namespace, name)
	if err != nil {
		return nil, err
	}

	attrs := map[string]string{}
	rows, err := e.db.QueryContext(ctx, `SELECT k, v FROM queue_attributes WHERE queue = ?`, queueID)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternalServerError, "load queue attributes", err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return nil, errs.Wrap(errs.KindInternalServerError, "scan queue attribute", err)
		}
		attrs[k] = v
	}
	rows.Close()

	var count int64
	if err := e.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE queue = ?`, queueID).Scan(&count); err != nil {
		return nil, errs.Wrap(errs.KindInternalServerError, "count messages", err)
	}
	attrs["ApproximateNumberOfMessages"] = strconv.FormatInt(count, 10)

	return attrs, nil
}

// SetQueueAttributes overwrites (upserts) the given attribute entries on
// a queue; it does not remove attributes the caller didn't mention.
func (e *Engine) SetQueueAttributes(ctx context.Context, namespace, name string, attrs map[string]string) error {
	tx, err := storage.BeginImmediate(ctx, e.db)
	if err != nil {
		return errs.Wrap(errs.KindInternalServerError, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	queueID, err := resolveQueue(ctx, tx, namespace, name)
	if err != nil {
		return err
	}

	for k, v := range attrs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queue_attributes (queue, k, v) VALUES (?, ?, ?)
			ON CONFLICT (queue, k) DO UPDATE SET v = excluded.v`,
			queueID, k, v,
		); err != nil {
			return errs.Wrap(errs.KindInvalidParameter, "set queue attribute", err)
		}
	}

	return wrapCommit(tx.Commit(ctx))
}

// ListQueueTags returns a queue's tag map.
func (e *Engine) ListQueueTags(ctx context.Context, namespace, name string) (map[string]string, error) {
	queueID, err := resolveQueueID(ctx, e.db, namespace, name)
	if err != nil {
		return nil, err
	}

	tags := map[string]string{}
	rows, err := e.db.QueryContext(ctx, `SELECT k, v FROM queue_tags WHERE queue = ?`, queueID)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternalServerError, "load queue tags", err)
	}
	defer rows.Close()
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, errs.Wrap(errs.KindInternalServerError, "scan queue tag", err)
		}
		tags[k] = v
	}
	return tags, nil
}

// TagQueue upserts the given tag entries on a queue.
func (e *Engine) TagQueue(ctx context.Context, namespace, name string, tags map[string]string) error {
	tx, err := storage.BeginImmediate(ctx, e.db)
	if err != nil {
		return errs.Wrap(errs.KindInternalServerError, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	queueID, err := resolveQueue(ctx, tx, namespace, name)
	if err != nil {
		return err
	}

	for k, v := range tags {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO queue_tags (queue, k, v) VALUES (?, ?, ?)
			ON CONFLICT (queue, k) DO UPDATE SET v = excluded.v`,
			queueID, k, v,
		); err != nil {
			return errs.Wrap(errs.KindInvalidParameter, "tag queue", err)
		}
	}

	return wrapCommit(tx.Commit(ctx))
}

// UntagQueue removes the named tag keys from a queue.
func (e *Engine) UntagQueue(ctx context.Context, namespace, name string, keys []string) error {
	tx, err := storage.BeginImmediate(ctx, e.db)
	if err != nil {
		return errs.Wrap(errs.KindInternalServerError, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	queueID, err := resolveQueue(ctx, tx, namespace, name)
	if err != nil {
		return err
	}

	for _, k := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM queue_tags WHERE queue = ? AND k = ?`, queueID, k); err != nil {
			return errs.Wrap(errs.KindInternalServerError, "untag queue", err)
		}
	}

	return wrapCommit(tx.Commit(ctx))
}

// QueueExists reports whether (namespace, name) resolves to a queue,
// used by GetQueueUrl.
func (e *Engine) QueueExists(ctx context.Context, namespace, name string) (bool, error) {
	_, err := resolveQueueID(ctx, e.db, namespace, name)
	if err != nil {
		if ae, ok := err.(errs.Error); ok && ae.Kind == errs.KindNotFound {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// GetQueueConfig returns a queue's retry/DLQ configuration.
func (e *Engine) GetQueueConfig(ctx context.Context, namespace, name string) (model.QueueConfig, error) {
	tx, err := storage.BeginImmediate(ctx, e.db)
	if err != nil {
		return model.QueueConfig{}, errs.Wrap(errs.KindInternalServerError, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	queueID, err := resolveQueue(ctx, tx, namespace, name)
	if err != nil {
		return model.QueueConfig{}, err
	}

	maxRetries, dlqID, err := loadQueueConfig(ctx, tx, queueID)
	if err != nil {
		return model.QueueConfig{}, err
	}
	return model.QueueConfig{QueueID: queueID, MaxRetries: maxRetries, DeadLetterQueue: dlqID}, nil
}

// SetQueueConfig updates a queue's max retry count and, optionally, its
// dead letter queue. deadLetterQueue names a queue in the same namespace,
// or is empty to clear the current DLQ.
func (e *Engine) SetQueueConfig(ctx context.Context, namespace, name string, maxRetries uint32, deadLetterQueue string) error {
	tx, err := storage.BeginImmediate(ctx, e.db)
	if err != nil {
		return errs.Wrap(errs.KindInternalServerError, "begin tx", err)
	}
	defer tx.Rollback(ctx)

	queueID, err := resolveQueue(ctx, tx, namespace, name)
	if err != nil {
		return err
	}

	var dlqID any
	if deadLetterQueue != "" {
		id, err := resolveQueue(ctx, tx, namespace, deadLetterQueue)
		if err != nil {
			return err
		}
		dlqID = id
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE queue_configurations SET max_retries = ?, dead_letter_queue = ? WHERE queue = ?`,
		maxRetries, dlqID, queueID,
	); err != nil {
		return errs.Wrap(errs.KindInternalServerError, "update queue config", err)
	}

	return wrapCommit(tx.Commit(ctx))
}

// ListMessages previews up to limit messages currently sitting in a
// queue, for the management plane's queue inspector. It does not claim
// visibility timeout the way Receive does.
func (e *Engine) ListMessages(ctx context.Context, namespace, name string, limit int) ([]model.Message, error) {
	queueID, err := resolveQueueID(ctx, e.db, namespace, name)
	if err != nil {
		return nil, err
	}

	rows, err := e.db.QueryContext(ctx, `
		SELECT id, queue, body, delivered_at, sent_by, attempts FROM messages
		WHERE queue = ? ORDER BY id LIMIT ?`, queueID, limit,
	)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternalServerError, "list messages", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		var deliveredAt sql.NullInt64
		var sentBy sql.NullInt64
		if err := rows.Scan(&m.ID, &m.QueueID, &m.Body, &deliveredAt, &sentBy, &m.Attempts); err != nil {
			return nil, errs.Wrap(errs.KindInternalServerError, "scan message", err)
		}
		if deliveredAt.Valid {
			m.DeliveredAt = &deliveredAt.Int64
		}
		if sentBy.Valid {
			m.SentBy = &sentBy.Int64
		}
		out = append(out, m)
	}
	return out, nil
}

// QueueName resolves a queue id back to its name, used to render a stored
// dead_letter_queue reference for display.
func (e *Engine) QueueName(ctx context.Context, queueID int64) (string, error) {
	var name string
	err := e.db.QueryRowContext(ctx, `SELECT name FROM queues WHERE id = ?`, queueID).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return "", errs.New(errs.KindNotFound, "queue")
	}
	if err != nil {
		return "", errs.Wrap(errs.KindInternalServerError, "resolve queue name", err)
	}
	return name, nil
}

func likePrefix(prefix string) string {
	if prefix == "" {
		return "%"
	}
	escaped := ""
	for _, r := range prefix {
		if r == '%' || r == '_' || r == '\\' {
			escaped += `\`
		}
		escaped += string(r)
	}
	return escaped + "%"
}
