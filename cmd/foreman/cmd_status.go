package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"foreman/pkg/protocol"
	"foreman/pkg/queue"
	"foreman/pkg/store"

	"github.com/spf13/cobra"
)

// tenantStatus is one row of the status view, also the --json shape.
type tenantStatus struct {
	Tenant       string `json:"tenant"`
	OwnerID      string `json:"owner_id,omitempty"`
	LeaseLive    bool   `json:"lease_live"`
	Resource     string `json:"resource_status"`
	ResourceID   string `json:"resource_id,omitempty"`
	OpenSessions int    `json:"open_sessions"`
	InputDepth   int    `json:"input_depth"`
	OutputDepth  int    `json:"output_depth"`
}

// newStatusCmd creates the "foreman status" subcommand.
func newStatusCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show coordination state per tenant",
		Long:  "Displays ownership, resource status, open sessions, and queue depths\nfor every tenant known to the store, plus pool and dead-letter depths.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			db, err := openDB(paths.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			rows, poolDepth, deadDepth, err := collectStatus(cmd.Context(), db)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if asJSON {
				return printJSON(w, map[string]any{
					"tenants":    rows,
					"pool_depth": poolDepth,
					"dead_depth": deadDepth,
				})
			}
			printStatusTable(w, rows, poolDepth, deadDepth)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "emit machine-readable JSON")

	return cmd
}

// collectStatus gathers the per-tenant view. Tenants are the union of
// ownership rows, resource rows, and open sessions.
func collectStatus(ctx context.Context, db *sql.DB) ([]tenantStatus, int, int, error) {
	st := store.New(db)
	queues := queue.New(db, queue.Config{})
	now := time.Now()

	owners, err := st.Owners(ctx)
	if err != nil {
		return nil, 0, 0, err
	}
	resources, err := st.Resources(ctx)
	if err != nil {
		return nil, 0, 0, err
	}
	sessionTenants, err := st.SessionTenants(ctx)
	if err != nil {
		return nil, 0, 0, err
	}

	byTenant := make(map[protocol.TenantKey]*tenantStatus)
	var order []protocol.TenantKey
	upsert := func(tenant protocol.TenantKey) *tenantStatus {
		if ts, ok := byTenant[tenant]; ok {
			return ts
		}
		ts := &tenantStatus{Tenant: tenant.String(), Resource: string(protocol.ResourceStopped)}
		byTenant[tenant] = ts
		order = append(order, tenant)
		return ts
	}

	for _, rec := range owners {
		ts := upsert(rec.Tenant)
		if rec.Live(now) {
			ts.OwnerID = rec.OwnerID
			ts.LeaseLive = true
		}
	}
	for _, rec := range resources {
		ts := upsert(rec.Tenant)
		ts.Resource = string(rec.Status)
		ts.ResourceID = rec.ResourceID
	}
	for _, tenant := range sessionTenants {
		upsert(tenant)
	}

	for _, tenant := range order {
		ts := byTenant[tenant]
		if ts.OpenSessions, err = st.OpenSessionCount(ctx, tenant); err != nil {
			return nil, 0, 0, err
		}
		if ts.InputDepth, err = queues.Depth(ctx, queue.InputQueue(tenant)); err != nil {
			return nil, 0, 0, err
		}
		if ts.OutputDepth, err = queues.Depth(ctx, queue.OutputQueue(tenant)); err != nil {
			return nil, 0, 0, err
		}
	}

	poolDepth, err := queues.Depth(ctx, queue.Pool)
	if err != nil {
		return nil, 0, 0, err
	}
	deadDepth, err := queues.Depth(ctx, queue.Dead)
	if err != nil {
		return nil, 0, 0, err
	}

	out := make([]tenantStatus, 0, len(order))
	for _, tenant := range order {
		out = append(out, *byTenant[tenant])
	}
	return out, poolDepth, deadDepth, nil
}

func printStatusTable(w io.Writer, rows []tenantStatus, poolDepth, deadDepth int) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TENANT\tOWNER\tRESOURCE\tSESSIONS\tIN\tOUT")
	for _, ts := range rows {
		owner := "-"
		if ts.LeaseLive {
			owner = ts.OwnerID
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\n",
			ts.Tenant, owner, ts.Resource, ts.OpenSessions, ts.InputDepth, ts.OutputDepth)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\npool: %d queued claim requests, dead: %d letters\n", poolDepth, deadDepth)
}
