package lifecycle_test

import (
	"context"
	"testing"
	"time"

	"foreman/pkg/lifecycle"
	"foreman/pkg/protocol"
	"foreman/pkg/store"
)

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

func TestSweepStopsLongIdleResource(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := newTestStore(t)
	launcher := &fakeLauncher{healthy: true}
	c := lifecycle.New(s, launcher, lifecycle.Config{
		StartTimeout:       2 * time.Second,
		HealthPollInterval: 5 * time.Millisecond,
		StopIdleWindow:     50 * time.Millisecond,
		SweepInterval:      20 * time.Millisecond,
	})

	if _, err := c.EnsureRunning(ctx, acmeAlice); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.ReleaseIdle(ctx, acmeAlice); err != nil {
		t.Fatalf("release idle: %v", err)
	}

	go func() { _ = c.Run(ctx) }()

	waitFor(t, func() bool {
		rec, err := c.Status(ctx, acmeAlice)
		return err == nil && rec.Status == protocol.ResourceStopped
	}, 5*time.Second)

	launcher.mu.Lock()
	terminated := len(launcher.terminated)
	launcher.mu.Unlock()
	if terminated != 1 {
		t.Errorf("terminations = %d, want 1", terminated)
	}
}

func TestSweepLeavesFreshIdleAlone(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := newTestStore(t)
	launcher := &fakeLauncher{healthy: true}
	c := lifecycle.New(s, launcher, lifecycle.Config{
		StartTimeout:       2 * time.Second,
		HealthPollInterval: 5 * time.Millisecond,
		StopIdleWindow:     time.Hour,
		SweepInterval:      20 * time.Millisecond,
	})

	if _, err := c.EnsureRunning(ctx, acmeAlice); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.ReleaseIdle(ctx, acmeAlice); err != nil {
		t.Fatalf("release idle: %v", err)
	}

	go func() { _ = c.Run(ctx) }()
	time.Sleep(100 * time.Millisecond)

	rec, err := c.Status(ctx, acmeAlice)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if rec.Status != protocol.ResourceIdle {
		t.Errorf("status = %q, want idle (within window)", rec.Status)
	}
}

func TestSweepStopsCrashedRunningResource(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := newTestStore(t)
	launcher := &fakeLauncher{healthy: true}
	c := lifecycle.New(s, launcher, lifecycle.Config{
		StartTimeout:       2 * time.Second,
		HealthPollInterval: 5 * time.Millisecond,
		StaleRunningWindow: 30 * time.Millisecond,
		SweepInterval:      20 * time.Millisecond,
	})

	if _, err := c.EnsureRunning(ctx, acmeAlice); err != nil {
		t.Fatalf("start: %v", err)
	}

	// The resource dies silently: health checks start failing and its
	// heartbeat goes stale.
	launcher.mu.Lock()
	launcher.healthy = false
	launcher.mu.Unlock()

	go func() { _ = c.Run(ctx) }()

	waitFor(t, func() bool {
		rec, err := c.Status(ctx, acmeAlice)
		return err == nil && rec.Status == protocol.ResourceStopped
	}, 5*time.Second)
}

// TestSweepReclaimsAbandonedStart covers a controller that dies between
// winning the stopped->starting transition and any abort: no surviving
// code path owns the row, so the sweep must return it to stopped once it
// has sat in starting past the start budget.
func TestSweepReclaimsAbandonedStart(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	s := newTestStore(t)
	if err := s.EnsureResourceRow(ctx, acmeAlice); err != nil {
		t.Fatalf("resource row: %v", err)
	}
	// The crashed controller's last write before dying.
	if err := s.TransitionResource(ctx, acmeAlice,
		protocol.ResourceStopped, protocol.ResourceStarting, store.ResourceUpdate{}); err != nil {
		t.Fatalf("wedge into starting: %v", err)
	}

	launcher := &fakeLauncher{healthy: true}
	c := lifecycle.New(s, launcher, lifecycle.Config{
		StartTimeout:       50 * time.Millisecond,
		HealthPollInterval: 5 * time.Millisecond,
		SweepInterval:      20 * time.Millisecond,
	})
	go func() { _ = c.Run(ctx) }()

	waitFor(t, func() bool {
		rec, err := c.Status(ctx, acmeAlice)
		return err == nil && rec.Status == protocol.ResourceStopped
	}, 5*time.Second)

	// The tenant is usable again: a fresh start wins the row back.
	rec, err := c.EnsureRunning(ctx, acmeAlice)
	if err != nil {
		t.Fatalf("restart after reclaim: %v", err)
	}
	if rec.Status != protocol.ResourceRunning {
		t.Errorf("status after restart = %q, want running", rec.Status)
	}
}
