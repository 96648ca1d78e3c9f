package protocol

import (
	"fmt"
	"strings"
	"time"
)

// TenantKey identifies one exclusive unit of ongoing work: a project+user
// pair. It is the partition key for every record in the coordination store
// and for the per-tenant queue names.
type TenantKey struct {
	Project string `json:"project"`
	User    string `json:"user"`
}

// String renders the key as "project/user".
func (k TenantKey) String() string {
	return k.Project + "/" + k.User
}

// Validate reports whether both components are non-empty and free of the
// '/' separator.
func (k TenantKey) Validate() error {
	if k.Project == "" || k.User == "" {
		return fmt.Errorf("tenant key %q: project and user must be non-empty", k)
	}
	if strings.ContainsRune(k.Project, '/') || strings.ContainsRune(k.User, '/') {
		return fmt.Errorf("tenant key %q: components must not contain '/'", k)
	}
	return nil
}

// ParseTenantKey parses a "project/user" string.
func ParseTenantKey(s string) (TenantKey, error) {
	proj, user, ok := strings.Cut(s, "/")
	if !ok {
		return TenantKey{}, fmt.Errorf("tenant key %q: want project/user", s)
	}
	k := TenantKey{Project: proj, User: user}
	if err := k.Validate(); err != nil {
		return TenantKey{}, err
	}
	return k, nil
}

// WorkItem is one unit of work routed to a tenant's input queue. Immutable
// once published; delivered at least once, so consumers dedup by
// CorrelationID.
type WorkItem struct {
	CorrelationID string    `json:"correlation_id"`
	Tenant        TenantKey `json:"tenant"`
	SessionID     string    `json:"session_id,omitempty"`
	Payload       string    `json:"payload"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// ResponseItem is the result published on a tenant's output queue for a
// processed WorkItem. Exactly one per successfully processed item; items
// that exhaust retries dead-letter instead and produce no response.
type ResponseItem struct {
	CorrelationID string    `json:"correlation_id"`
	Tenant        TenantKey `json:"tenant"`
	Success       bool      `json:"success"`
	Result        string    `json:"result,omitempty"`
	Error         string    `json:"error,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}

// ClaimRequest asks any unowned worker polling the pool queue to attempt
// an ownership claim for the tenant.
type ClaimRequest struct {
	Tenant TenantKey `json:"tenant"`
}

// OwnershipRecord is the durable lease row for a tenant. At most one
// non-expired record exists per tenant at any instant; expiry is evaluated
// by readers against LeaseExpiresAt, never swept in the background.
type OwnershipRecord struct {
	Tenant         TenantKey `json:"tenant"`
	OwnerID        string    `json:"owner_id"`
	AcquiredAt     time.Time `json:"acquired_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Live reports whether the lease has not expired as of now.
func (r OwnershipRecord) Live(now time.Time) bool {
	return now.Before(r.LeaseExpiresAt)
}

// ResourceStatus is the lifecycle state of the compute resource backing a
// tenant. Transitions are driven exclusively by the lifecycle controller,
// except the resource's own heartbeat updates to last_activity.
type ResourceStatus string

// Resource status constants.
const (
	ResourceStopped  ResourceStatus = "stopped"
	ResourceStarting ResourceStatus = "starting"
	ResourceRunning  ResourceStatus = "running"
	ResourceIdle     ResourceStatus = "idle"
	ResourceStopping ResourceStatus = "stopping"
)

// Valid reports whether s is one of the five known resource states.
func (s ResourceStatus) Valid() bool {
	switch s {
	case ResourceStopped, ResourceStarting, ResourceRunning, ResourceIdle, ResourceStopping:
		return true
	default:
		return false
	}
}

// ComputeResourceRecord tracks the compute resource backing a tenant.
// One resource serves one tenant for its lifetime.
type ComputeResourceRecord struct {
	Tenant       TenantKey      `json:"tenant"`
	ResourceID   string         `json:"resource_id"`
	Status       ResourceStatus `json:"status"`
	Address      string         `json:"address,omitempty"`
	LastStarted  time.Time      `json:"last_started"`
	LastActivity time.Time      `json:"last_activity"`
}

// SessionRecord counts live caller interest in a tenant. A tenant with zero
// open sessions and no recent activity is eligible for ownership release
// and resource stop.
type SessionRecord struct {
	SessionID        string    `json:"session_id"`
	Tenant           TenantKey `json:"tenant"`
	ExternalThreadID string    `json:"external_thread_id,omitempty"`
	Status           string    `json:"status"`
	LastActivity     time.Time `json:"last_activity"`
}

// Session status constants.
const (
	SessionOpen   = "open"
	SessionClosed = "closed"
)
