// Package queue implements named at-least-once message queues over the
// coordination SQLite database: the shared pool queue for claim requests,
// one input/output queue pair per tenant, and the dead-letter queue.
//
// Delivery is at least once: a received message stays in the table with its
// visibility pushed out, and reappears if the consumer never acks. There is
// no ordering guarantee across tenants and only best-effort ordering within
// a queue. Receive is a bounded wait — it polls with short sleeps until its
// deadline and returns ErrEmpty, never blocking indefinitely.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"foreman/pkg/protocol"
)

// Well-known queue names.
const (
	// Pool is the shared queue on which claim requests for currently
	// unowned tenants are posted.
	Pool = "pool"

	// Dead is the dead-letter queue. Messages land here after exhausting
	// their retry budget or immediately on permanent failures.
	Dead = "dead"
)

// InputQueue returns the input queue name for a tenant.
func InputQueue(tenant protocol.TenantKey) string {
	return "input/" + tenant.String()
}

// OutputQueue returns the output queue name for a tenant.
func OutputQueue(tenant protocol.TenantKey) string {
	return "output/" + tenant.String()
}

// Config holds queue tuning knobs.
type Config struct {
	VisibilityTimeout time.Duration // redelivery delay for unacked messages (default 30s)
	MaxAttempts       int           // delivery attempts before dead-lettering (default 5)
	PollInterval      time.Duration // receive poll cadence (default 50ms)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.VisibilityTimeout == 0 {
		out.VisibilityTimeout = 30 * time.Second
	}
	if out.MaxAttempts == 0 {
		out.MaxAttempts = 5
	}
	if out.PollInterval == 0 {
		out.PollInterval = 50 * time.Millisecond
	}
	return out
}

// ErrEmpty is returned by Receive when no message became visible within the
// wait budget.
var ErrEmpty = errors.New("queue empty")

// Delivery is one received message. Ack deletes it; Nack counts a failed
// attempt; Return puts it back untouched.
type Delivery struct {
	ID       int64
	Queue    string
	Body     []byte
	Attempts int
}

// Queues provides access to every named queue in one database.
type Queues struct {
	db  *sql.DB
	cfg Config

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Queues over an open database with protocol.SchemaDDL applied.
func New(db *sql.DB, cfg Config) *Queues {
	return &Queues{db: db, cfg: cfg.withDefaults(), nowFunc: time.Now}
}

// SetNowFunc overrides the clock (for testing).
func (q *Queues) SetNowFunc(f func() time.Time) {
	q.nowFunc = f
}

// timeFormat keeps a fixed-width fraction so the lexicographic order of
// the stored TEXT matches time order in visible_at comparisons.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func (q *Queues) now() time.Time {
	return q.nowFunc().UTC()
}

// Publish appends body to the named queue. Duplicate publishes are
// acceptable: consumers dedup by correlation id.
func (q *Queues) Publish(ctx context.Context, queue string, body []byte) error {
	now := q.now().Format(timeFormat)
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO queue_messages (queue, body, enqueued_at, visible_at) VALUES (?, ?, ?, ?)`,
		queue, string(body), now, now)
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return nil
}

// PublishMessage encodes and publishes a protocol envelope.
func (q *Queues) PublishMessage(ctx context.Context, queue string, msg protocol.Message) error {
	body, err := msg.Encode()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", queue, err)
	}
	return q.Publish(ctx, queue, body)
}

// Receive waits up to wait for a visible message on the named queue. The
// returned delivery is hidden for the visibility timeout; unacked
// deliveries reappear. Returns ErrEmpty when the wait budget expires.
func (q *Queues) Receive(ctx context.Context, queue string, wait time.Duration) (Delivery, error) {
	deadline := q.nowFunc().Add(wait)
	for {
		d, ok, err := q.receiveOne(ctx, queue)
		if err != nil {
			return Delivery{}, err
		}
		if ok {
			return d, nil
		}
		if !q.nowFunc().Before(deadline) {
			return Delivery{}, ErrEmpty
		}
		select {
		case <-ctx.Done():
			return Delivery{}, fmt.Errorf("receive from %s: %w", queue, ctx.Err())
		case <-time.After(q.cfg.PollInterval):
		}
	}
}

// receiveOne atomically claims the oldest visible message, if any.
func (q *Queues) receiveOne(ctx context.Context, queue string) (Delivery, bool, error) {
	now := q.now()
	var d Delivery
	var body string
	err := q.db.QueryRowContext(ctx, `
		UPDATE queue_messages
		SET visible_at = ?, attempts = attempts + 1
		WHERE id = (
			SELECT id FROM queue_messages
			WHERE queue = ? AND visible_at <= ?
			ORDER BY id LIMIT 1
		)
		RETURNING id, attempts, body`,
		now.Add(q.cfg.VisibilityTimeout).Format(timeFormat),
		queue, now.Format(timeFormat)).
		Scan(&d.ID, &d.Attempts, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return Delivery{}, false, nil
	}
	if err != nil {
		return Delivery{}, false, fmt.Errorf("receive from %s: %w", queue, err)
	}
	d.Queue = queue
	d.Body = []byte(body)
	return d, true, nil
}

// Ack removes a successfully processed delivery.
func (q *Queues) Ack(ctx context.Context, d Delivery) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM queue_messages WHERE id = ?`, d.ID)
	if err != nil {
		return fmt.Errorf("ack %s #%d: %w", d.Queue, d.ID, err)
	}
	return nil
}

// Nack records a failed processing attempt. Within the retry budget the
// message becomes visible again immediately; at the budget it moves to the
// dead-letter queue with a diagnostic wrapper.
func (q *Queues) Nack(ctx context.Context, d Delivery, reason string) error {
	if d.Attempts >= q.cfg.MaxAttempts {
		if err := q.DeadLetter(ctx, d.Queue, d.Body, reason); err != nil {
			return err
		}
		return q.Ack(ctx, d)
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages SET visible_at = ? WHERE id = ?`,
		q.now().Format(timeFormat), d.ID)
	if err != nil {
		return fmt.Errorf("nack %s #%d: %w", d.Queue, d.ID, err)
	}
	return nil
}

// Return puts a delivery back without counting an attempt against it. Used
// when a consumer received a message intended for someone else, such as a
// correlator seeing another call's response.
func (q *Queues) Return(ctx context.Context, d Delivery) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE queue_messages SET visible_at = ?, attempts = attempts - 1 WHERE id = ?`,
		q.now().Format(timeFormat), d.ID)
	if err != nil {
		return fmt.Errorf("return %s #%d: %w", d.Queue, d.ID, err)
	}
	return nil
}

// DeadItem is the diagnostic wrapper stored on the dead-letter queue.
type DeadItem struct {
	Queue  string    `json:"queue"`
	Reason string    `json:"reason"`
	Body   string    `json:"body"`
	DeadAt time.Time `json:"dead_at"`
}

// DeadLetter writes body to the dead-letter queue with a diagnostic reason.
// Permanent failures call this directly, bypassing retries.
func (q *Queues) DeadLetter(ctx context.Context, fromQueue string, body []byte, reason string) error {
	item := DeadItem{
		Queue:  fromQueue,
		Reason: reason,
		Body:   string(body),
		DeadAt: q.now(),
	}
	wrapped, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("dead-letter from %s: %w", fromQueue, err)
	}
	return q.Publish(ctx, Dead, wrapped)
}

// DeadLetters returns up to limit dead items, oldest first, without
// consuming them.
func (q *Queues) DeadLetters(ctx context.Context, limit int) ([]DeadItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT body FROM queue_messages WHERE queue = ? ORDER BY id LIMIT ?`,
		Dead, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []DeadItem
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan dead letter: %w", err)
		}
		var item DeadItem
		if err := json.Unmarshal([]byte(body), &item); err != nil {
			// Pre-wrapper rows are surfaced raw rather than hidden.
			item = DeadItem{Queue: Dead, Body: body}
		}
		out = append(out, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate dead letters: %w", err)
	}
	return out, nil
}

// Depth returns the number of visible messages on the named queue.
func (q *Queues) Depth(ctx context.Context, queue string) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM queue_messages WHERE queue = ? AND visible_at <= ?`,
		queue, q.now().Format(timeFormat)).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("depth of %s: %w", queue, err)
	}
	return n, nil
}
