package queue_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"foreman/pkg/protocol"
	"foreman/pkg/queue"

	_ "modernc.org/sqlite"
)

var acmeAlice = protocol.TenantKey{Project: "acme", User: "alice"}

func newTestQueues(t *testing.T, cfg queue.Config) *queue.Queues {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "foreman.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		t.Fatalf("set WAL: %v", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		t.Fatalf("set busy_timeout: %v", err)
	}
	if _, err := db.Exec(protocol.SchemaDDL); err != nil {
		t.Fatalf("apply schema: %v", err)
	}
	return queue.New(db, cfg)
}

func TestQueueNames(t *testing.T) {
	t.Parallel()

	if got := queue.InputQueue(acmeAlice); got != "input/acme/alice" {
		t.Errorf("input queue = %q", got)
	}
	if got := queue.OutputQueue(acmeAlice); got != "output/acme/alice" {
		t.Errorf("output queue = %q", got)
	}
}

func TestPublishReceiveAck(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newTestQueues(t, queue.Config{})

	if err := q.Publish(ctx, queue.Pool, []byte("m1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	d, err := q.Receive(ctx, queue.Pool, time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(d.Body) != "m1" || d.Attempts != 1 {
		t.Errorf("unexpected delivery %+v", d)
	}

	// In flight: a second receive sees nothing.
	if _, err := q.Receive(ctx, queue.Pool, 100*time.Millisecond); !errors.Is(err, queue.ErrEmpty) {
		t.Errorf("second receive: want ErrEmpty, got %v", err)
	}

	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if _, err := q.Receive(ctx, queue.Pool, 100*time.Millisecond); !errors.Is(err, queue.ErrEmpty) {
		t.Errorf("after ack: want ErrEmpty, got %v", err)
	}
}

func TestReceiveBoundedWait(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newTestQueues(t, queue.Config{PollInterval: 10 * time.Millisecond})

	start := time.Now()
	_, err := q.Receive(ctx, "input/none/none", 150*time.Millisecond)
	if !errors.Is(err, queue.ErrEmpty) {
		t.Fatalf("want ErrEmpty, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond || elapsed > 2*time.Second {
		t.Errorf("receive wait %v outside bounded window", elapsed)
	}
}

// TestVisibilityOrderWithTrimmedFraction pins the visible_at encoding: a
// message published at a clock value with trailing fractional zeros must
// be visible to a receive a few hundred microseconds later whose fraction
// extends the publisher's. A trimmed-fraction encoding would sort the
// later receive time before the stored visible_at and hide the message.
func TestVisibilityOrderWithTrimmedFraction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newTestQueues(t, queue.Config{PollInterval: 5 * time.Millisecond})

	publishAt := time.Date(2026, 1, 2, 12, 0, 1, 123000000, time.UTC)
	q.SetNowFunc(func() time.Time { return publishAt })
	if err := q.Publish(ctx, "pool", []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	q.SetNowFunc(func() time.Time {
		return time.Date(2026, 1, 2, 12, 0, 1, 123456700, time.UTC)
	})

	if n, err := q.Depth(ctx, "pool"); err != nil || n != 1 {
		t.Fatalf("depth = %d, %v; want 1 visible message", n, err)
	}
	d, err := q.Receive(ctx, "pool", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(d.Body) != "x" {
		t.Errorf("body = %q, want x", d.Body)
	}
}

func TestUnackedRedelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newTestQueues(t, queue.Config{VisibilityTimeout: 40 * time.Millisecond, PollInterval: 10 * time.Millisecond})

	if err := q.Publish(ctx, queue.Pool, []byte("m1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	first, err := q.Receive(ctx, queue.Pool, time.Second)
	if err != nil {
		t.Fatalf("first receive: %v", err)
	}
	// Consumer crashes: no ack. The message reappears after the
	// visibility timeout with a higher attempt count.
	second, err := q.Receive(ctx, queue.Pool, time.Second)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("redelivered a different message: %d != %d", second.ID, first.ID)
	}
	if second.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", second.Attempts)
	}
}

func TestNackRetriesThenDeadLetters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newTestQueues(t, queue.Config{MaxAttempts: 3, PollInterval: 10 * time.Millisecond})

	if err := q.Publish(ctx, queue.Pool, []byte("poison")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for attempt := 1; attempt <= 3; attempt++ {
		d, err := q.Receive(ctx, queue.Pool, time.Second)
		if err != nil {
			t.Fatalf("receive attempt %d: %v", attempt, err)
		}
		if d.Attempts != attempt {
			t.Errorf("attempt %d: delivery.Attempts = %d", attempt, d.Attempts)
		}
		if err := q.Nack(ctx, d, "executor failed"); err != nil {
			t.Fatalf("nack attempt %d: %v", attempt, err)
		}
	}

	// Budget exhausted: gone from the source queue, present in dead.
	if _, err := q.Receive(ctx, queue.Pool, 100*time.Millisecond); !errors.Is(err, queue.ErrEmpty) {
		t.Errorf("after dead-letter: want ErrEmpty, got %v", err)
	}

	dead, err := q.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	if dead[0].Queue != queue.Pool || dead[0].Reason != "executor failed" || dead[0].Body != "poison" {
		t.Errorf("unexpected dead item %+v", dead[0])
	}
}

func TestDeadLetterDirect(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newTestQueues(t, queue.Config{})

	if err := q.DeadLetter(ctx, "router", []byte("junk"), "unresolved tenant"); err != nil {
		t.Fatalf("dead letter: %v", err)
	}
	dead, err := q.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dead) != 1 || dead[0].Reason != "unresolved tenant" {
		t.Errorf("unexpected dead items %+v", dead)
	}
}

func TestReturnDoesNotBurnAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newTestQueues(t, queue.Config{MaxAttempts: 2, PollInterval: 10 * time.Millisecond})

	if err := q.Publish(ctx, queue.Pool, []byte("m1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	// Receive and return repeatedly; attempts must not accumulate.
	for i := 0; i < 5; i++ {
		d, err := q.Receive(ctx, queue.Pool, time.Second)
		if err != nil {
			t.Fatalf("receive %d: %v", i, err)
		}
		if d.Attempts != 1 {
			t.Fatalf("receive %d: attempts = %d, want 1", i, d.Attempts)
		}
		if err := q.Return(ctx, d); err != nil {
			t.Fatalf("return %d: %v", i, err)
		}
	}
}

func TestPublishMessageValidates(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newTestQueues(t, queue.Config{})

	err := q.PublishMessage(ctx, queue.Pool, protocol.Message{Type: protocol.MsgWork})
	if err == nil {
		t.Error("expected publish of invalid envelope to fail")
	}

	if err := q.PublishMessage(ctx, queue.Pool, protocol.NewClaimRequestMessage(acmeAlice)); err != nil {
		t.Fatalf("publish valid: %v", err)
	}
	d, err := q.Receive(ctx, queue.Pool, time.Second)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	msg, err := protocol.DecodeMessage(d.Body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != protocol.MsgClaimRequest || msg.ClaimRequest.Tenant != acmeAlice {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestDepth(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	q := newTestQueues(t, queue.Config{})

	for i := 0; i < 3; i++ {
		if err := q.Publish(ctx, queue.InputQueue(acmeAlice), []byte("m")); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	n, err := q.Depth(ctx, queue.InputQueue(acmeAlice))
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if n != 3 {
		t.Errorf("depth = %d, want 3", n)
	}
}
