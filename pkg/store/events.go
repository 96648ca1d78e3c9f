package store

import (
	"context"
	"fmt"
)

// LogEvent appends a row to the coordination event log. Callers treat this
// as best-effort: a failed event write never blocks a coordination action.
func (s *Store) LogEvent(ctx context.Context, evType, source, tenant, workerID, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO events (type, source, tenant, worker_id, payload) VALUES (?, ?, ?, ?, ?)`,
		evType, source, tenant, workerID, payload)
	if err != nil {
		return fmt.Errorf("log event: %w", err)
	}
	return nil
}
