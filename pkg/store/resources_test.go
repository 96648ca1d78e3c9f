package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"foreman/pkg/protocol"
	"foreman/pkg/store"
)

func strPtr(s string) *string { return &s }

func TestTransitionResourceGuard(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.EnsureResourceRow(ctx, acmeAlice); err != nil {
		t.Fatalf("ensure row: %v", err)
	}

	// stopped -> starting succeeds.
	rid := "res-1"
	err := s.TransitionResource(ctx, acmeAlice, protocol.ResourceStopped, protocol.ResourceStarting,
		store.ResourceUpdate{ResourceID: &rid})
	if err != nil {
		t.Fatalf("stopped->starting: %v", err)
	}

	// stopped -> starting again misses the guard.
	err = s.TransitionResource(ctx, acmeAlice, protocol.ResourceStopped, protocol.ResourceStarting, store.ResourceUpdate{})
	if !errors.Is(err, store.ErrWrongStatus) {
		t.Errorf("double start: want ErrWrongStatus, got %v", err)
	}

	// starting -> running records the address.
	started := time.Now()
	err = s.TransitionResource(ctx, acmeAlice, protocol.ResourceStarting, protocol.ResourceRunning,
		store.ResourceUpdate{Address: strPtr("10.0.0.5:7070"), LastStarted: &started})
	if err != nil {
		t.Fatalf("starting->running: %v", err)
	}

	rec, ok, err := s.Resource(ctx, acmeAlice)
	if err != nil || !ok {
		t.Fatalf("resource: ok=%v err=%v", ok, err)
	}
	if rec.Status != protocol.ResourceRunning || rec.Address != "10.0.0.5:7070" || rec.ResourceID != "res-1" {
		t.Errorf("unexpected record %+v", rec)
	}
}

// TestTransitionResourceRace verifies that concurrent controllers racing
// the same transition produce exactly one winner.
func TestTransitionResourceRace(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.EnsureResourceRow(ctx, acmeAlice); err != nil {
		t.Fatalf("ensure row: %v", err)
	}

	const controllers = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		winners int
	)
	for i := 0; i < controllers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.TransitionResource(ctx, acmeAlice,
				protocol.ResourceStopped, protocol.ResourceStarting, store.ResourceUpdate{})
			if err == nil {
				mu.Lock()
				winners++
				mu.Unlock()
			} else if !errors.Is(err, store.ErrWrongStatus) {
				t.Errorf("transition: %v", err)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Fatalf("expected exactly 1 winning transition, got %d", winners)
	}
}

func TestResourceHeartbeatGuardedByID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.EnsureResourceRow(ctx, acmeAlice); err != nil {
		t.Fatalf("ensure row: %v", err)
	}
	rid := "res-1"
	if err := s.TransitionResource(ctx, acmeAlice, protocol.ResourceStopped, protocol.ResourceStarting,
		store.ResourceUpdate{ResourceID: &rid}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	if err := s.ResourceHeartbeat(ctx, acmeAlice, "res-1"); err != nil {
		t.Errorf("heartbeat: %v", err)
	}
	// A stale resource id (previous incarnation) must be rejected.
	if err := s.ResourceHeartbeat(ctx, acmeAlice, "res-0"); !errors.Is(err, store.ErrWrongStatus) {
		t.Errorf("stale heartbeat: want ErrWrongStatus, got %v", err)
	}
}

func TestResourcesInStatus(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now()
	s.SetNowFunc(func() time.Time { return now.Add(-time.Hour) })

	bob := protocol.TenantKey{Project: "acme", User: "bob"}
	for _, k := range []protocol.TenantKey{acmeAlice, bob} {
		if err := s.EnsureResourceRow(ctx, k); err != nil {
			t.Fatalf("ensure row: %v", err)
		}
	}
	if err := s.TransitionResource(ctx, acmeAlice, protocol.ResourceStopped, protocol.ResourceIdle, store.ResourceUpdate{}); err != nil {
		t.Fatalf("transition: %v", err)
	}

	s.SetNowFunc(func() time.Time { return now })

	idle, err := s.ResourcesInStatus(ctx, protocol.ResourceIdle, now.Add(-time.Minute))
	if err != nil {
		t.Fatalf("resources in status: %v", err)
	}
	if len(idle) != 1 || idle[0].Tenant != acmeAlice {
		t.Errorf("expected only acme/alice idle, got %+v", idle)
	}
}
