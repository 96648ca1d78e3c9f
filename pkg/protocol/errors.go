package protocol

import (
	"context"
	"errors"
	"fmt"
)

// UnresolvedTenantError means no identification rule matched the request.
// Such requests dead-letter immediately; retrying cannot help.
type UnresolvedTenantError struct {
	SessionID        string
	ExternalThreadID string
	Sender           string
}

func (e *UnresolvedTenantError) Error() string {
	return fmt.Sprintf("unresolved tenant (session=%q thread=%q sender=%q)",
		e.SessionID, e.ExternalThreadID, e.Sender)
}

// ResourceStartFailedError means a compute resource did not become healthy
// within the start timeout. The resource record is returned to stopped.
type ResourceStartFailedError struct {
	Tenant     TenantKey
	ResourceID string
	Reason     string
}

func (e *ResourceStartFailedError) Error() string {
	return fmt.Sprintf("resource start failed for %s (resource %s): %s",
		e.Tenant, e.ResourceID, e.Reason)
}

// CriticalError marks systemic rather than per-item trouble: resource
// crashes, out-of-resource conditions. Items failing critically dead-letter
// and raise an alerting event.
type CriticalError struct {
	Tenant TenantKey
	Reason string
}

func (e *CriticalError) Error() string {
	return fmt.Sprintf("critical failure for %s: %s", e.Tenant, e.Reason)
}

// RetryableError marks an execution failure the claim manager should retry
// with backoff before dead-lettering.
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string { return e.Err.Error() }

func (e *RetryableError) Unwrap() error { return e.Err }

// Class buckets a failure for the retry/dead-letter decision.
type Class string

// Failure classes.
const (
	ClassContention Class = "contention" // claim race lost; silently retried
	ClassTransient  Class = "transient"  // retried with backoff up to a budget
	ClassPermanent  Class = "permanent"  // dead-lettered immediately
	ClassCritical   Class = "critical"   // dead-lettered and alerted
)

// ErrClaimHeld is returned by the ownership store when another worker holds
// a live lease. It is expected contention, not a failure.
var ErrClaimHeld = errors.New("claim held by another owner")

// Classify buckets err per the coordination error taxonomy. The claim
// manager is the only component that classifies execution failures; the
// correlator only ever reports timeouts.
func Classify(err error) Class {
	if err == nil {
		return ClassTransient
	}
	if errors.Is(err, ErrClaimHeld) {
		return ClassContention
	}
	var critical *CriticalError
	if errors.As(err, &critical) {
		return ClassCritical
	}
	var unresolved *UnresolvedTenantError
	if errors.As(err, &unresolved) {
		return ClassPermanent
	}
	var retryable *RetryableError
	if errors.As(err, &retryable) {
		return ClassTransient
	}
	var startFailed *ResourceStartFailedError
	if errors.As(err, &startFailed) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	return ClassPermanent
}
