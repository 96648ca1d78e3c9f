// Package store implements the durable coordination records over SQLite:
// ownership leases, compute resource state, and session interest counts.
// Every mutation is a conditional write keyed by tenant — INSERT/UPDATE
// guards with RowsAffected checked — which is the sole concurrency-control
// discipline in the system. There are no locks spanning tenants and no
// background expiry sweep; lease expiry is evaluated by readers.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"foreman/pkg/protocol"
)

// Store wraps the coordination database. Safe for concurrent use by any
// number of routers, workers, and controllers sharing one database.
type Store struct {
	db *sql.DB

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Store over an open database. The caller is responsible for
// applying protocol.SchemaDDL first.
func New(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now}
}

// SetNowFunc overrides the clock (for testing).
func (s *Store) SetNowFunc(f func() time.Time) {
	s.nowFunc = f
}

// Typed outcomes for conditional writes.
var (
	// ErrNotOwner means an owner-guarded write found no row for this
	// owner — the lease was lost, stolen after expiry, or never held.
	ErrNotOwner = errors.New("not the current owner")

	// ErrWrongStatus means a status-guarded resource transition found the
	// record in a different state than expected.
	ErrWrongStatus = errors.New("resource not in expected status")
)

// timeFormat keeps a fixed-width fraction so the lexicographic order of
// the stored TEXT matches time order in SQL lease comparisons. A trimmed
// fraction (RFC3339Nano style) would sort "...01.1234567Z" before
// "...01.123Z" despite being later.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func (s *Store) now() time.Time {
	return s.nowFunc().UTC()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(v string) time.Time {
	if v == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Claim atomically acquires ownership of tenant for ownerID with a fresh
// lease of ttl. It succeeds iff no ownership row exists or the existing
// row's lease has expired as of the store clock. Returns
// protocol.ErrClaimHeld when another worker holds a live lease — expected
// contention, not a failure.
func (s *Store) Claim(ctx context.Context, tenant protocol.TenantKey, ownerID string, ttl time.Duration) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ownership (project, user, owner_id, acquired_at, lease_expires_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (project, user) DO UPDATE SET
			owner_id = excluded.owner_id,
			acquired_at = excluded.acquired_at,
			lease_expires_at = excluded.lease_expires_at,
			last_activity_at = excluded.last_activity_at
		WHERE ownership.lease_expires_at <= ?`,
		tenant.Project, tenant.User, ownerID,
		formatTime(now), formatTime(now.Add(ttl)), formatTime(now),
		formatTime(now))
	if err != nil {
		return fmt.Errorf("claim %s: %w", tenant, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim %s: rows affected: %w", tenant, err)
	}
	if n == 0 {
		return protocol.ErrClaimHeld
	}
	return nil
}

// Refresh extends the lease for tenant by ttl, guarded by ownerID and a
// still-live lease. A worker that refreshes strictly faster than the TTL
// never loses its claim through polling latency alone.
func (s *Store) Refresh(ctx context.Context, tenant protocol.TenantKey, ownerID string, ttl time.Duration) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE ownership SET lease_expires_at = ?
		WHERE project = ? AND user = ? AND owner_id = ? AND lease_expires_at > ?`,
		formatTime(now.Add(ttl)), tenant.Project, tenant.User, ownerID, formatTime(now))
	if err != nil {
		return fmt.Errorf("refresh %s: %w", tenant, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("refresh %s: rows affected: %w", tenant, err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Touch bumps last_activity_at for the owner's lease.
func (s *Store) Touch(ctx context.Context, tenant protocol.TenantKey, ownerID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE ownership SET last_activity_at = ?
		WHERE project = ? AND user = ? AND owner_id = ?`,
		formatTime(s.now()), tenant.Project, tenant.User, ownerID)
	if err != nil {
		return fmt.Errorf("touch %s: %w", tenant, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch %s: rows affected: %w", tenant, err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Release deletes the ownership row, guarded by ownerID. Crashed owners
// never call this; their leases simply expire.
func (s *Store) Release(ctx context.Context, tenant protocol.TenantKey, ownerID string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM ownership WHERE project = ? AND user = ? AND owner_id = ?`,
		tenant.Project, tenant.User, ownerID)
	if err != nil {
		return fmt.Errorf("release %s: %w", tenant, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release %s: rows affected: %w", tenant, err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Owner returns the ownership record for tenant. live is true only when a
// row exists and its lease has not expired; an expired row is reported with
// live=false, identical to "no record" for claiming purposes.
func (s *Store) Owner(ctx context.Context, tenant protocol.TenantKey) (rec protocol.OwnershipRecord, live bool, err error) {
	var acquired, expires, activity string
	err = s.db.QueryRowContext(ctx, `
		SELECT owner_id, acquired_at, lease_expires_at, last_activity_at
		FROM ownership WHERE project = ? AND user = ?`,
		tenant.Project, tenant.User).
		Scan(&rec.OwnerID, &acquired, &expires, &activity)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.OwnershipRecord{}, false, nil
	}
	if err != nil {
		return protocol.OwnershipRecord{}, false, fmt.Errorf("owner %s: %w", tenant, err)
	}
	rec.Tenant = tenant
	rec.AcquiredAt = parseTime(acquired)
	rec.LeaseExpiresAt = parseTime(expires)
	rec.LastActivityAt = parseTime(activity)
	return rec, rec.Live(s.now()), nil
}

// Owners returns all ownership rows (live and expired), for status output.
func (s *Store) Owners(ctx context.Context) ([]protocol.OwnershipRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project, user, owner_id, acquired_at, lease_expires_at, last_activity_at
		FROM ownership ORDER BY project, user`)
	if err != nil {
		return nil, fmt.Errorf("list owners: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.OwnershipRecord
	for rows.Next() {
		var rec protocol.OwnershipRecord
		var acquired, expires, activity string
		if err := rows.Scan(&rec.Tenant.Project, &rec.Tenant.User, &rec.OwnerID,
			&acquired, &expires, &activity); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		rec.AcquiredAt = parseTime(acquired)
		rec.LeaseExpiresAt = parseTime(expires)
		rec.LastActivityAt = parseTime(activity)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate owners: %w", err)
	}
	return out, nil
}
