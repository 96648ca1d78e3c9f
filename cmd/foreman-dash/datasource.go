package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"
	"foreman/pkg/queue"
	"foreman/pkg/store"

	_ "modernc.org/sqlite"
)

// eventTail is how many recent event rows the dashboard keeps on screen.
const eventTail = 50

// TenantRow is one row of the tenants view: ownership, resource state and
// queue depths for a single project/user pair.
type TenantRow struct {
	Tenant      string    `json:"tenant"`
	Owner       string    `json:"owner,omitempty"`
	LeaseExpiry time.Time `json:"lease_expires_at,omitzero"`
	Live        bool      `json:"live"`
	Resource    string    `json:"resource,omitempty"`
	Sessions    int       `json:"sessions"`
	InputDepth  int       `json:"input_depth"`
	OutputDepth int       `json:"output_depth"`
}

// Snapshot is one full read of the coordination database.
type Snapshot struct {
	Tenants   []TenantRow      `json:"tenants"`
	Events    []eventlog.Event `json:"events"`
	PoolDepth int              `json:"pool_depth"`
	DeadDepth int              `json:"dead_depth"`
	TakenAt   time.Time        `json:"taken_at"`
}

// defaultDBPath returns the coordination database path from env or default.
func defaultDBPath() string {
	if v := os.Getenv("FOREMAN_DB_PATH"); v != "" {
		return v
	}
	base := os.Getenv("FOREMAN_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		base = filepath.Join(home, ".foreman")
	}
	return filepath.Join(base, "foreman.db")
}

// FetchSnapshot reads the coordination database at dbPath and returns the
// current tenants, queue depths and the recent event tail.
//
// Error cases:
//   - dbPath does not exist or is not a valid sqlite DB → returns error
//   - SQL query error → returns error
func FetchSnapshot(ctx context.Context, dbPath string) (*Snapshot, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("state db %s: %w", dbPath, err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open state db %s: %w", dbPath, err)
	}
	defer db.Close() //nolint:errcheck // best-effort close on read-only query path

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping state db %s: %w", dbPath, err)
	}

	st := store.New(db)
	qs := queue.New(db, queue.Config{})

	tenants, err := fetchTenants(ctx, st, qs)
	if err != nil {
		return nil, err
	}

	snap := &Snapshot{Tenants: tenants, TakenAt: time.Now()}
	if snap.PoolDepth, err = qs.Depth(ctx, queue.Pool); err != nil {
		return nil, err
	}
	if snap.DeadDepth, err = qs.Depth(ctx, queue.Dead); err != nil {
		return nil, err
	}
	if snap.Events, err = fetchEvents(ctx, dbPath); err != nil {
		return nil, err
	}
	return snap, nil
}

// fetchTenants unions ownership rows, resource rows and open sessions into
// one TenantRow per known tenant.
func fetchTenants(ctx context.Context, st *store.Store, qs *queue.Queues) ([]TenantRow, error) {
	rows := make(map[protocol.TenantKey]*TenantRow)
	var order []protocol.TenantKey

	get := func(k protocol.TenantKey) *TenantRow {
		if r, ok := rows[k]; ok {
			return r
		}
		r := &TenantRow{Tenant: k.String()}
		rows[k] = r
		order = append(order, k)
		return r
	}

	owners, err := st.Owners(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, o := range owners {
		r := get(o.Tenant)
		r.Owner = o.OwnerID
		r.LeaseExpiry = o.LeaseExpiresAt
		r.Live = o.Live(now)
	}

	resources, err := st.Resources(ctx)
	if err != nil {
		return nil, err
	}
	for _, res := range resources {
		get(res.Tenant).Resource = string(res.Status)
	}

	sessionTenants, err := st.SessionTenants(ctx)
	if err != nil {
		return nil, err
	}
	for _, k := range sessionTenants {
		get(k)
	}

	out := make([]TenantRow, 0, len(order))
	for _, k := range order {
		r := rows[k]
		if r.Sessions, err = st.OpenSessionCount(ctx, k); err != nil {
			return nil, err
		}
		if r.InputDepth, err = qs.Depth(ctx, queue.InputQueue(k)); err != nil {
			return nil, err
		}
		if r.OutputDepth, err = qs.Depth(ctx, queue.OutputQueue(k)); err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}

// fetchEvents reads the most recent event rows, newest first.
func fetchEvents(ctx context.Context, dbPath string) ([]eventlog.Event, error) {
	reader, err := eventlog.NewReader(dbPath)
	if err != nil {
		return nil, err
	}
	defer reader.Close() //nolint:errcheck // read-only handle

	events, err := reader.Query(ctx, eventlog.QueryOpts{Limit: eventTail})
	if err != nil {
		return nil, err
	}
	return events, nil
}
