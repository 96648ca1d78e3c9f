package router_test

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"foreman/pkg/protocol"
	"foreman/pkg/queue"
	"foreman/pkg/router"
	"foreman/pkg/store"

	_ "modernc.org/sqlite"
)

var acmeAlice = protocol.TenantKey{Project: "acme", User: "alice"}

const rulesTOML = `
[[senders]]
address = "alice@example.com"
project = "acme"
user = "alice"

[[senders]]
address = "bob@example.com"
project = "acme"
user = "bob"
`

type harness struct {
	store  *store.Store
	queues *queue.Queues
	router *router.Router
	ensure *fakeEnsurer
}

type fakeEnsurer struct {
	mu    sync.Mutex
	calls []protocol.TenantKey
}

func (f *fakeEnsurer) EnsureRunning(_ context.Context, tenant protocol.TenantKey) (protocol.ComputeResourceRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, tenant)
	return protocol.ComputeResourceRecord{Tenant: tenant, Status: protocol.ResourceRunning}, nil
}

func (f *fakeEnsurer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	db, err := sql.Open("sqlite", filepath.Join(dir, "foreman.db"))
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

	rulesPath := filepath.Join(dir, "rules.toml")
	if err := os.WriteFile(rulesPath, []byte(rulesTOML), 0o644); err != nil { //nolint:gosec // test fixture
		t.Fatal(err)
	}
	resolver, err := router.NewResolver(rulesPath)
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}

	st := store.New(db)
	q := queue.New(db, queue.Config{PollInterval: 10 * time.Millisecond})
	ensure := &fakeEnsurer{}
	return &harness{
		store:  st,
		queues: q,
		router: router.New(st, q, resolver, ensure, router.Config{}),
		ensure: ensure,
	}
}

// waitFor polls cond until true or the timeout elapses.
func waitFor(t *testing.T, cond func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func receiveMessage(t *testing.T, q *queue.Queues, name string) protocol.Message {
	t.Helper()
	ctx := context.Background()
	d, err := q.Receive(ctx, name, time.Second)
	if err != nil {
		t.Fatalf("receive from %s: %v", name, err)
	}
	msg, err := protocol.DecodeMessage(d.Body)
	if err != nil {
		t.Fatalf("decode from %s: %v", name, err)
	}
	if err := q.Ack(ctx, d); err != nil {
		t.Fatalf("ack: %v", err)
	}
	return msg
}

func TestRouteColdStart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	result, err := h.router.Route(ctx, router.Request{
		Sender:  "alice@example.com",
		Payload: "P1",
	})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if result.Tenant != acmeAlice {
		t.Errorf("tenant = %v, want %v", result.Tenant, acmeAlice)
	}
	if !result.ColdStart {
		t.Error("expected cold start with no live owner")
	}
	if result.CorrelationID == "" || result.SessionID == "" {
		t.Errorf("missing ids in result %+v", result)
	}

	// Work item lands on the tenant input queue.
	work := receiveMessage(t, h.queues, queue.InputQueue(acmeAlice))
	if work.Type != protocol.MsgWork || work.Work.Payload != "P1" {
		t.Errorf("unexpected input message %+v", work)
	}
	if work.Work.CorrelationID != result.CorrelationID {
		t.Error("correlation id mismatch between result and published item")
	}

	// Claim request lands on the pool queue.
	claim := receiveMessage(t, h.queues, queue.Pool)
	if claim.Type != protocol.MsgClaimRequest || claim.ClaimRequest.Tenant != acmeAlice {
		t.Errorf("unexpected pool message %+v", claim)
	}

	// The lifecycle kick happens in the background.
	waitFor(t, func() bool { return h.ensure.callCount() == 1 }, 2*time.Second)

	// A session now exists and counts as live interest.
	n, err := h.store.OpenSessionCount(ctx, acmeAlice)
	if err != nil {
		t.Fatalf("session count: %v", err)
	}
	if n != 1 {
		t.Errorf("open sessions = %d, want 1", n)
	}
}

func TestRouteWarmOwnerSkipsClaimRequest(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	if err := h.store.Claim(ctx, acmeAlice, "worker-1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	result, err := h.router.Route(ctx, router.Request{Sender: "alice@example.com", Payload: "P1"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if result.ColdStart {
		t.Error("live owner must not trigger cold start")
	}

	if _, err := h.queues.Receive(ctx, queue.Pool, 100*time.Millisecond); !errors.Is(err, queue.ErrEmpty) {
		t.Errorf("pool queue: want empty, got %v", err)
	}
	// Work still goes to the input queue regardless of ownership.
	work := receiveMessage(t, h.queues, queue.InputQueue(acmeAlice))
	if work.Type != protocol.MsgWork {
		t.Errorf("unexpected input message %+v", work)
	}
}

func TestRouteExpiredOwnerTriggersColdStart(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	now := time.Now()
	h.store.SetNowFunc(func() time.Time { return now })
	if err := h.store.Claim(ctx, acmeAlice, "worker-1", 30*time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}
	// The owner crashed; its lease lapses.
	h.store.SetNowFunc(func() time.Time { return now.Add(time.Minute) })

	result, err := h.router.Route(ctx, router.Request{Sender: "alice@example.com", Payload: "P1"})
	if err != nil {
		t.Fatalf("route: %v", err)
	}
	if !result.ColdStart {
		t.Error("expired lease must be treated as no owner")
	}
}

func TestRoutePriorityChain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	// A session already bound to acme/bob.
	if err := h.store.OpenSession(ctx, protocol.SessionRecord{
		SessionID:        "sess-bob",
		Tenant:           protocol.TenantKey{Project: "acme", User: "bob"},
		ExternalThreadID: "thread-7",
	}); err != nil {
		t.Fatalf("open session: %v", err)
	}

	// Explicit session id wins even when the sender maps elsewhere.
	result, err := h.router.Route(ctx, router.Request{
		SessionID: "sess-bob",
		Sender:    "alice@example.com",
		Payload:   "P1",
	})
	if err != nil {
		t.Fatalf("route by session: %v", err)
	}
	if result.Tenant.User != "bob" {
		t.Errorf("session id must win the chain, got tenant %v", result.Tenant)
	}

	// Thread id resolves when no session id is given.
	result, err = h.router.Route(ctx, router.Request{
		ExternalThreadID: "thread-7",
		Sender:           "alice@example.com",
		Payload:          "P2",
	})
	if err != nil {
		t.Fatalf("route by thread: %v", err)
	}
	if result.Tenant.User != "bob" || result.SessionID != "sess-bob" {
		t.Errorf("thread id must bind to the existing session, got %+v", result)
	}

	// Sender mapping is the last resort.
	result, err = h.router.Route(ctx, router.Request{Sender: "alice@example.com", Payload: "P3"})
	if err != nil {
		t.Fatalf("route by sender: %v", err)
	}
	if result.Tenant != acmeAlice {
		t.Errorf("sender mapping gave %v, want %v", result.Tenant, acmeAlice)
	}
}

func TestRouteUnresolvedDeadLetters(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness(t)

	_, err := h.router.Route(ctx, router.Request{Sender: "stranger@example.com", Payload: "P1"})
	var unresolved *protocol.UnresolvedTenantError
	if !errors.As(err, &unresolved) {
		t.Fatalf("want UnresolvedTenantError, got %v", err)
	}

	dead, err := h.queues.DeadLetters(ctx, 10)
	if err != nil {
		t.Fatalf("dead letters: %v", err)
	}
	if len(dead) != 1 {
		t.Fatalf("dead letters = %d, want 1", len(dead))
	}
	if dead[0].Queue != "router" {
		t.Errorf("unexpected dead item %+v", dead[0])
	}
}

func TestResolverReload(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.toml")
	if err := os.WriteFile(path, []byte(rulesTOML), 0o644); err != nil { //nolint:gosec // test fixture
		t.Fatal(err)
	}

	resolver, err := router.NewResolver(path)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	if _, ok := resolver.Resolve("carol@example.com"); ok {
		t.Fatal("carol must not resolve yet")
	}

	updated := rulesTOML + `
[[senders]]
address = "carol@example.com"
project = "acme"
user = "carol"
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil { //nolint:gosec // test fixture
		t.Fatal(err)
	}
	if err := resolver.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}

	key, ok := resolver.Resolve("carol@example.com")
	if !ok || key.User != "carol" {
		t.Errorf("carol resolve = %v %v", key, ok)
	}
}

func TestResolverWatchPicksUpChanges(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "rules.toml")
	if err := os.WriteFile(path, []byte(rulesTOML), 0o644); err != nil { //nolint:gosec // test fixture
		t.Fatal(err)
	}

	resolver, err := router.NewResolver(path)
	if err != nil {
		t.Fatalf("new resolver: %v", err)
	}
	resolver.SetReloadInterval(50 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go resolver.Watch(ctx)

	updated := rulesTOML + `
[[senders]]
address = "dave@example.com"
project = "acme"
user = "dave"
`
	if err := os.WriteFile(path, []byte(updated), 0o644); err != nil { //nolint:gosec // test fixture
		t.Fatal(err)
	}

	waitFor(t, func() bool {
		_, ok := resolver.Resolve("dave@example.com")
		return ok
	}, 3*time.Second)
}

func TestResolverRejectsInvalidRules(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "rules.toml")
	bad := `
[[senders]]
address = "x@example.com"
project = ""
user = "alice"
`
	if err := os.WriteFile(path, []byte(bad), 0o644); err != nil { //nolint:gosec // test fixture
		t.Fatal(err)
	}
	if _, err := router.NewResolver(path); err == nil {
		t.Error("expected error for rule with empty project")
	}
}
