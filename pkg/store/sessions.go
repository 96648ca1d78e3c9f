package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"foreman/pkg/protocol"
)

// OpenSession creates or revives the session row. An existing row is
// reopened and its thread binding refreshed, so retried first requests are
// idempotent.
func (s *Store) OpenSession(ctx context.Context, rec protocol.SessionRecord) error {
	if rec.SessionID == "" {
		return fmt.Errorf("open session: missing session id")
	}
	if err := rec.Tenant.Validate(); err != nil {
		return fmt.Errorf("open session: %w", err)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, project, user, external_thread_id, status, last_activity)
		VALUES (?, ?, ?, ?, 'open', ?)
		ON CONFLICT (session_id) DO UPDATE SET
			external_thread_id = excluded.external_thread_id,
			status = 'open',
			last_activity = excluded.last_activity`,
		rec.SessionID, rec.Tenant.Project, rec.Tenant.User,
		rec.ExternalThreadID, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("open session %s: %w", rec.SessionID, err)
	}
	return nil
}

// TouchSession bumps a session's last_activity.
func (s *Store) TouchSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET last_activity = ? WHERE session_id = ?`,
		formatTime(s.now()), sessionID)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", sessionID, err)
	}
	return nil
}

// CloseSession marks the session closed. Closed sessions no longer count
// as live interest.
func (s *Store) CloseSession(ctx context.Context, sessionID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'closed', last_activity = ? WHERE session_id = ?`,
		formatTime(s.now()), sessionID)
	if err != nil {
		return fmt.Errorf("close session %s: %w", sessionID, err)
	}
	return nil
}

// Session returns the session row by id.
func (s *Store) Session(ctx context.Context, sessionID string) (protocol.SessionRecord, bool, error) {
	return s.sessionWhere(ctx, `session_id = ?`, sessionID)
}

// SessionByThread returns the most recently active open session bound to
// an external thread id.
func (s *Store) SessionByThread(ctx context.Context, threadID string) (protocol.SessionRecord, bool, error) {
	if threadID == "" {
		return protocol.SessionRecord{}, false, nil
	}
	return s.sessionWhere(ctx, `external_thread_id = ? AND status = 'open'`, threadID)
}

func (s *Store) sessionWhere(ctx context.Context, where string, arg any) (protocol.SessionRecord, bool, error) {
	var rec protocol.SessionRecord
	var thread sql.NullString
	var activity string
	err := s.db.QueryRowContext(ctx, `
		SELECT session_id, project, user, external_thread_id, status, last_activity
		FROM sessions WHERE `+where+` ORDER BY last_activity DESC LIMIT 1`, arg).
		Scan(&rec.SessionID, &rec.Tenant.Project, &rec.Tenant.User,
			&thread, &rec.Status, &activity)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.SessionRecord{}, false, nil
	}
	if err != nil {
		return protocol.SessionRecord{}, false, fmt.Errorf("query session: %w", err)
	}
	rec.ExternalThreadID = thread.String
	rec.LastActivity = parseTime(activity)
	return rec, true, nil
}

// OpenSessionCount returns the number of open sessions referencing tenant.
// The claim manager releases ownership only when this reaches zero.
func (s *Store) OpenSessionCount(ctx context.Context, tenant protocol.TenantKey) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sessions
		WHERE project = ? AND user = ? AND status = 'open'`,
		tenant.Project, tenant.User).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("session count %s: %w", tenant, err)
	}
	return n, nil
}

// SessionTenants returns the distinct tenants with at least one open
// session. Together with ownership and resource rows this enumerates every
// tenant the coordinator currently knows about.
func (s *Store) SessionTenants(ctx context.Context) ([]protocol.TenantKey, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT project, user FROM sessions WHERE status = 'open'
		ORDER BY project, user`)
	if err != nil {
		return nil, fmt.Errorf("session tenants: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []protocol.TenantKey
	for rows.Next() {
		var k protocol.TenantKey
		if err := rows.Scan(&k.Project, &k.User); err != nil {
			return nil, fmt.Errorf("scan session tenant: %w", err)
		}
		out = append(out, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session tenants: %w", err)
	}
	return out, nil
}

// ExpireSessions closes open sessions with no activity since cutoff and
// returns how many were closed. The controller folds this into its sweep.
func (s *Store) ExpireSessions(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = 'closed', last_activity = ?
		WHERE status = 'open' AND last_activity < ?`,
		formatTime(s.now()), formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("expire sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire sessions: rows affected: %w", err)
	}
	return int(n), nil
}
