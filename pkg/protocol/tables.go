package protocol

// Event represents a row in the events SQLite table.
// Tracks all coordination lifecycle events: claims, releases, resource
// transitions, routing decisions, dead letters.
type Event struct {
	ID        int64  `json:"id"`
	Type      string `json:"type"`
	Source    string `json:"source"`
	Tenant    string `json:"tenant"`
	WorkerID  string `json:"worker_id"`
	Payload   string `json:"payload"`
	CreatedAt string `json:"created_at"`
}

// Well-known event types written by the coordination services.
const (
	EventClaimed         = "claimed"
	EventClaimContention = "claim_contention"
	EventLeaseRefreshed  = "lease_refreshed"
	EventReleased        = "released"
	EventWorkDone        = "work_done"
	EventWorkFailed      = "work_failed"
	EventDeadLettered    = "dead_lettered"
	EventRouted          = "routed"
	EventColdStart       = "cold_start"
	EventTransition      = "resource_transition"
	EventCritical        = "critical"
	EventPersistFailed   = "persist_failed"
)
