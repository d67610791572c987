// Package queue implements a durable FIFO job queue backed by SQLite: a
// visibility-timeout primitive that gives a single-process SQLite database
// the same consumer contract as a durable broker (persistent messages,
// prefetch=1 via single-row Claim, ack/nack-with-requeue, and a dead-letter
// queue for messages that exhaust their retry budget).
//
// Rows are invisible to other consumers for a configurable duration after
// being claimed. If the holder acks, the row is deleted. If it nacks, or
// crashes before acking, the row reappears — either immediately (explicit
// Nack) or once the visibility window elapses.
//
// Expected schema (created automatically by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS queue_messages (
//	    id          TEXT PRIMARY KEY,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- milliseconds since epoch
//	    created_at  INTEGER NOT NULL,             -- milliseconds since epoch
//	    attempts    INTEGER NOT NULL DEFAULT 0
//	);
//	CREATE INDEX IF NOT EXISTS idx_queue_visible ON queue_messages (queue, visible_at);
package queue

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// Message is a row in the queue.
type Message struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures queue behaviour.
type Options struct {
	// Queue is the logical queue name. Multiple queues can coexist in the
	// same table. Default: "" (empty string — the default queue).
	Queue string
	// Visibility is how long a claimed message stays invisible. Default: 30s.
	Visibility time.Duration
}

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
}

// Q is a queue handle bound to one logical queue name within the shared
// queue_messages table.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup, then Publish
// and Claim as needed.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the queue_messages table and index if they don't
// exist. Safe to call on every startup, including across process restarts
// and from multiple queue handles sharing the same database — queue
// declaration is idempotent.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS queue_messages (
			id          TEXT PRIMARY KEY,
			queue       TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_queue_visible ON queue_messages (queue, visible_at);
	`)
	return err
}

// Publish inserts a message that is immediately visible. Delivery is
// persistent: once this call returns without error the row survives a
// process restart.
func (q *Q) Publish(ctx context.Context, id string, payload []byte) error {
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_messages (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, q.opts.Queue, payload, now, now,
	)
	return err
}

// Claim atomically picks the single visible message with the earliest
// visible_at (prefetch=1; a nacked message, reset to 0, comes first),
// marks it invisible for the configured visibility duration, and returns
// it. Returns nil, nil if no message is available.
func (q *Q) Claim(ctx context.Context) (*Message, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE queue_messages
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM queue_messages
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Queue, now.UnixMilli(),
	)

	var m Message
	var visAt, creAt int64
	err := row.Scan(&m.ID, &m.Queue, &m.Payload, &visAt, &creAt, &m.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	m.VisibleAt = time.UnixMilli(visAt)
	m.CreatedAt = time.UnixMilli(creAt)
	return &m, nil
}

// Ack deletes a successfully processed message. Per the pipeline contract
// this must only be called after the terminal outcome (done or failed) has
// already been durably written to the job registry.
func (q *Q) Ack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE id = ? AND queue = ?`, id, q.opts.Queue,
	)
	return err
}

// Nack makes a message immediately visible again so another consumer can
// pick it up — nack-with-requeue, returning the message to the head of the
// queue.
func (q *Q) Nack(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_messages SET visible_at = 0 WHERE id = ? AND queue = ?`, id, q.opts.Queue,
	)
	return err
}

// DeadLetter moves a claimed message from this queue to dlq in a single
// transaction, simulating dead-letter-exchange routing with delivery mode
// persistent. Callers pass the id and payload of the message they just
// claimed from q; it is inserted into dlq and removed from q atomically.
func (q *Q) DeadLetter(ctx context.Context, dlq *Q, id string, payload []byte) error {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// id is the table's primary key, so the row must leave q before the
	// same id can be inserted under the dlq name.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM queue_messages WHERE id = ? AND queue = ?`, id, q.opts.Queue,
	); err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO queue_messages (id, queue, payload, visible_at, created_at) VALUES (?,?,?,?,?)`,
		id, dlq.opts.Queue, payload, now, now,
	); err != nil {
		return err
	}
	return tx.Commit()
}

// Len returns the total number of messages (visible + invisible) in the queue.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM queue_messages WHERE queue = ?`, q.opts.Queue,
	).Scan(&n)
	return n, err
}

