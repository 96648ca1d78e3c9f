package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"foreman/pkg/protocol"
)

// ResourceUpdate carries the fields a status transition may set alongside
// the status change. Nil pointers leave the column untouched.
type ResourceUpdate struct {
	ResourceID  *string
	Address     *string
	LastStarted *time.Time
}

// EnsureResourceRow creates the resource record for tenant in status
// stopped if none exists. Safe to call concurrently; the first writer wins
// and later calls are no-ops.
func (s *Store) EnsureResourceRow(ctx context.Context, tenant protocol.TenantKey) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO resources (project, user, resource_id, status, last_activity)
		VALUES (?, ?, '', 'stopped', ?)
		ON CONFLICT (project, user) DO NOTHING`,
		tenant.Project, tenant.User, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("ensure resource row %s: %w", tenant, err)
	}
	return nil
}

// Resource returns the resource record for tenant.
func (s *Store) Resource(ctx context.Context, tenant protocol.TenantKey) (protocol.ComputeResourceRecord, bool, error) {
	var rec protocol.ComputeResourceRecord
	var address, started, activity sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT resource_id, status, address, last_started, last_activity
		FROM resources WHERE project = ? AND user = ?`,
		tenant.Project, tenant.User).
		Scan(&rec.ResourceID, &rec.Status, &address, &started, &activity)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.ComputeResourceRecord{}, false, nil
	}
	if err != nil {
		return protocol.ComputeResourceRecord{}, false, fmt.Errorf("resource %s: %w", tenant, err)
	}
	rec.Tenant = tenant
	rec.Address = address.String
	rec.LastStarted = parseTime(started.String)
	rec.LastActivity = parseTime(activity.String)
	return rec, true, nil
}

// TransitionResource moves the resource record from one status to another,
// guarded by the from status. Returns ErrWrongStatus when the guard misses,
// which makes concurrent controller instances safe: exactly one wins any
// given transition.
func (s *Store) TransitionResource(ctx context.Context, tenant protocol.TenantKey, from, to protocol.ResourceStatus, update ResourceUpdate) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("transition %s: invalid status %q -> %q", tenant, from, to)
	}

	query := `UPDATE resources SET status = ?, last_activity = ?`
	args := []any{string(to), formatTime(s.now())}
	if update.ResourceID != nil {
		query += `, resource_id = ?`
		args = append(args, *update.ResourceID)
	}
	if update.Address != nil {
		query += `, address = ?`
		args = append(args, *update.Address)
	}
	if update.LastStarted != nil {
		query += `, last_started = ?`
		args = append(args, formatTime(*update.LastStarted))
	}
	query += ` WHERE project = ? AND user = ? AND status = ?`
	args = append(args, tenant.Project, tenant.User, string(from))

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("transition %s %s->%s: %w", tenant, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition %s %s->%s: rows affected: %w", tenant, from, to, err)
	}
	if n == 0 {
		return ErrWrongStatus
	}
	return nil
}

// ResourceHeartbeat records activity from the resource itself, guarded by
// resource_id so a terminated resource's late heartbeats are dropped.
func (s *Store) ResourceHeartbeat(ctx context.Context, tenant protocol.TenantKey, resourceID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE resources SET last_activity = ?
		WHERE project = ? AND user = ? AND resource_id = ?`,
		formatTime(s.now()), tenant.Project, tenant.User, resourceID)
	if err != nil {
		return fmt.Errorf("resource heartbeat %s: %w", tenant, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("resource heartbeat %s: rows affected: %w", tenant, err)
	}
	if n == 0 {
		return ErrWrongStatus
	}
	return nil
}

// ResourcesInStatus returns all resource records currently in status whose
// last_activity is older than cutoff. The controller uses this for the
// idle-to-stopping sweep.
func (s *Store) ResourcesInStatus(ctx context.Context, status protocol.ResourceStatus, cutoff time.Time) ([]protocol.ComputeResourceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project, user, resource_id, status, address, last_started, last_activity
		FROM resources WHERE status = ? AND last_activity < ?
		ORDER BY last_activity`,
		string(status), formatTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("resources in %s: %w", status, err)
	}
	defer func() { _ = rows.Close() }()
	return scanResources(rows)
}

// Resources returns every resource record, for status output.
func (s *Store) Resources(ctx context.Context) ([]protocol.ComputeResourceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project, user, resource_id, status, address, last_started, last_activity
		FROM resources ORDER BY project, user`)
	if err != nil {
		return nil, fmt.Errorf("list resources: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanResources(rows)
}

func scanResources(rows *sql.Rows) ([]protocol.ComputeResourceRecord, error) {
	var out []protocol.ComputeResourceRecord
	for rows.Next() {
		var rec protocol.ComputeResourceRecord
		var address, started, activity sql.NullString
		if err := rows.Scan(&rec.Tenant.Project, &rec.Tenant.User, &rec.ResourceID,
			&rec.Status, &address, &started, &activity); err != nil {
			return nil, fmt.Errorf("scan resource: %w", err)
		}
		rec.Address = address.String
		rec.LastStarted = parseTime(started.String)
		rec.LastActivity = parseTime(activity.String)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate resources: %w", err)
	}
	return out, nil
}
