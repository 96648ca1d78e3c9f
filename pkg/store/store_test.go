package store_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"foreman/pkg/protocol"
	"foreman/pkg/store"

	_ "modernc.org/sqlite"
)

var acmeAlice = protocol.TenantKey{Project: "acme", User: "alice"}

// newTestStore opens a WAL-mode SQLite database in a temp dir with the
// schema applied.
func newTestStore(t *testing.T) *store.Store {
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
	return store.New(db)
}

func TestClaimExclusive(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Claim(ctx, acmeAlice, "worker-1", time.Minute); err != nil {
		t.Fatalf("first claim: %v", err)
	}

	err := s.Claim(ctx, acmeAlice, "worker-2", time.Minute)
	if !errors.Is(err, protocol.ErrClaimHeld) {
		t.Fatalf("second claim: want ErrClaimHeld, got %v", err)
	}

	rec, live, err := s.Owner(ctx, acmeAlice)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if !live || rec.OwnerID != "worker-1" {
		t.Errorf("expected live lease for worker-1, got live=%v owner=%q", live, rec.OwnerID)
	}
}

func TestClaimStealsExpiredLease(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now()
	s.SetNowFunc(func() time.Time { return now })

	if err := s.Claim(ctx, acmeAlice, "worker-1", 30*time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Advance past expiry; worker-1 stopped refreshing.
	s.SetNowFunc(func() time.Time { return now.Add(31 * time.Second) })

	if err := s.Claim(ctx, acmeAlice, "worker-2", 30*time.Second); err != nil {
		t.Fatalf("claim after expiry: %v", err)
	}

	rec, live, err := s.Owner(ctx, acmeAlice)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if !live || rec.OwnerID != "worker-2" {
		t.Errorf("expected worker-2 to own after expiry, got live=%v owner=%q", live, rec.OwnerID)
	}
}

// TestClaimLeaseOrderWithTrimmedFraction pins the timestamp encoding: the
// lease guard compares stored TEXT lexicographically, so a clock value
// whose fraction is a string prefix of the expiry's must still compare in
// time order. With a trimmed-fraction encoding "12:00:01.123Z" sorts after
// "12:00:01.1234567Z" and a claimant could steal a live lease.
func TestClaimLeaseOrderWithTrimmedFraction(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	claimAt := time.Date(2026, 1, 2, 12, 0, 0, 123456700, time.UTC)
	s.SetNowFunc(func() time.Time { return claimAt })
	if err := s.Claim(ctx, acmeAlice, "worker-1", time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// 456.7µs before expiry, fraction ends in zeros.
	s.SetNowFunc(func() time.Time {
		return time.Date(2026, 1, 2, 12, 0, 1, 123000000, time.UTC)
	})

	err := s.Claim(ctx, acmeAlice, "worker-2", time.Second)
	if !errors.Is(err, protocol.ErrClaimHeld) {
		t.Fatalf("claim against live lease: want ErrClaimHeld, got %v", err)
	}
	if err := s.Refresh(ctx, acmeAlice, "worker-1", time.Second); err != nil {
		t.Fatalf("refresh of live lease: %v", err)
	}

	rec, live, err := s.Owner(ctx, acmeAlice)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if !live || rec.OwnerID != "worker-1" {
		t.Errorf("expected worker-1 to keep the lease, got live=%v owner=%q", live, rec.OwnerID)
	}
}

// TestClaimMutualExclusion races N claimants for one tenant and requires
// exactly one winner.
func TestClaimMutualExclusion(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	const claimants = 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for i := 0; i < claimants; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			owner := string(rune('a' + id))
			err := s.Claim(ctx, acmeAlice, owner, time.Minute)
			switch {
			case err == nil:
				mu.Lock()
				wins = append(wins, owner)
				mu.Unlock()
			case errors.Is(err, protocol.ErrClaimHeld):
				// expected contention
			default:
				t.Errorf("claimant %d: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	if len(wins) != 1 {
		t.Fatalf("expected exactly 1 winner, got %d (%v)", len(wins), wins)
	}

	rec, live, err := s.Owner(ctx, acmeAlice)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if !live || rec.OwnerID != wins[0] {
		t.Errorf("store owner %q does not match winner %q", rec.OwnerID, wins[0])
	}
}

func TestRefreshGuards(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now()
	s.SetNowFunc(func() time.Time { return now })

	if err := s.Claim(ctx, acmeAlice, "worker-1", 30*time.Second); err != nil {
		t.Fatalf("claim: %v", err)
	}

	// Wrong owner cannot refresh.
	if err := s.Refresh(ctx, acmeAlice, "worker-2", 30*time.Second); !errors.Is(err, store.ErrNotOwner) {
		t.Errorf("refresh by non-owner: want ErrNotOwner, got %v", err)
	}

	// Owner refresh extends the lease.
	s.SetNowFunc(func() time.Time { return now.Add(20 * time.Second) })
	if err := s.Refresh(ctx, acmeAlice, "worker-1", 30*time.Second); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	rec, live, err := s.Owner(ctx, acmeAlice)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if !live {
		t.Fatal("lease must be live after refresh")
	}
	if want := now.Add(50 * time.Second); !rec.LeaseExpiresAt.Equal(want.UTC()) {
		t.Errorf("lease expiry %v, want %v", rec.LeaseExpiresAt, want.UTC())
	}

	// An expired lease cannot be refreshed back to life.
	s.SetNowFunc(func() time.Time { return now.Add(2 * time.Minute) })
	if err := s.Refresh(ctx, acmeAlice, "worker-1", 30*time.Second); !errors.Is(err, store.ErrNotOwner) {
		t.Errorf("refresh of expired lease: want ErrNotOwner, got %v", err)
	}
}

func TestReleaseGuards(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	if err := s.Claim(ctx, acmeAlice, "worker-1", time.Minute); err != nil {
		t.Fatalf("claim: %v", err)
	}

	if err := s.Release(ctx, acmeAlice, "worker-2"); !errors.Is(err, store.ErrNotOwner) {
		t.Errorf("release by non-owner: want ErrNotOwner, got %v", err)
	}
	if err := s.Release(ctx, acmeAlice, "worker-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	_, live, err := s.Owner(ctx, acmeAlice)
	if err != nil {
		t.Fatalf("owner: %v", err)
	}
	if live {
		t.Error("no live owner expected after release")
	}

	// Released tenant is immediately claimable.
	if err := s.Claim(ctx, acmeAlice, "worker-2", time.Minute); err != nil {
		t.Fatalf("claim after release: %v", err)
	}
}
