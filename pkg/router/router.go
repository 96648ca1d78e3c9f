// Package router implements work routing: identifying the tenant for an
// inbound request and publishing it to that tenant's input queue, with a
// claim request on the shared pool queue when no live owner exists.
//
// Routing is deliberately decoupled from claiming: the work item always
// goes to the input queue whether or not anyone currently owns the tenant,
// so work queues up and is picked up as soon as any worker claims the key,
// even if the claim request itself is dropped or delayed. Duplicate
// publishes from caller retries are acceptable; consumers dedup by
// correlation id.
package router

import (
	"context"
	"fmt"
	"time"

	"foreman/pkg/protocol"
	"foreman/pkg/queue"
	"foreman/pkg/store"

	"github.com/google/uuid"
)

// ResourceEnsurer is the slice of the lifecycle controller the router
// needs: kick a compute resource into existence for a cold tenant.
type ResourceEnsurer interface {
	EnsureRunning(ctx context.Context, tenant protocol.TenantKey) (protocol.ComputeResourceRecord, error)
}

// Request is one inbound unit of work before tenant identification.
type Request struct {
	SessionID        string // explicit session identifier, if the caller has one
	ExternalThreadID string // external conversation/thread identity
	Sender           string // sender identity for the configured mapping
	Payload          string
}

// RouteResult reports where a request went.
type RouteResult struct {
	Tenant        protocol.TenantKey
	CorrelationID string
	SessionID     string
	ColdStart     bool // a claim request was posted because no live owner existed
}

// Config holds router tuning knobs.
type Config struct {
	ColdStartTimeout time.Duration // budget for the background EnsureRunning kick (default 2m)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ColdStartTimeout == 0 {
		out.ColdStartTimeout = 2 * time.Minute
	}
	return out
}

// Router identifies tenants and publishes work.
type Router struct {
	store    *store.Store
	queues   *queue.Queues
	resolver *Resolver
	ensurer  ResourceEnsurer
	cfg      Config

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Router.
func New(st *store.Store, queues *queue.Queues, resolver *Resolver, ensurer ResourceEnsurer, cfg Config) *Router {
	return &Router{
		store:    st,
		queues:   queues,
		resolver: resolver,
		ensurer:  ensurer,
		cfg:      cfg.withDefaults(),
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the clock (for testing).
func (r *Router) SetNowFunc(f func() time.Time) {
	r.nowFunc = f
}

// Route identifies the tenant for req and publishes it. Identification
// runs a priority chain: explicit session id, then external thread id,
// then the configured sender mapping. Requests that resolve nowhere
// dead-letter immediately with an UnresolvedTenantError — a specific,
// prompt failure rather than a wasted timeout.
//
// Safe to retry: every publish is at-least-once and consumers dedup.
func (r *Router) Route(ctx context.Context, req Request) (RouteResult, error) {
	tenant, sessionID, err := r.identify(ctx, req)
	if err != nil {
		r.deadLetterUnresolved(ctx, req, err)
		return RouteResult{}, err
	}

	if err := r.ensureSession(ctx, sessionID, tenant, req.ExternalThreadID); err != nil {
		return RouteResult{}, err
	}

	item := protocol.WorkItem{
		CorrelationID: uuid.New().String(),
		Tenant:        tenant,
		SessionID:     sessionID,
		Payload:       req.Payload,
		EnqueuedAt:    r.nowFunc().UTC(),
	}
	if err := r.queues.PublishMessage(ctx, queue.InputQueue(tenant), protocol.NewWorkMessage(item)); err != nil {
		return RouteResult{}, fmt.Errorf("route %s: %w", tenant, err)
	}

	result := RouteResult{
		Tenant:        tenant,
		CorrelationID: item.CorrelationID,
		SessionID:     sessionID,
	}

	_, live, err := r.store.Owner(ctx, tenant)
	if err != nil {
		return RouteResult{}, fmt.Errorf("route %s: %w", tenant, err)
	}
	if !live {
		if err := r.queues.PublishMessage(ctx, queue.Pool, protocol.NewClaimRequestMessage(tenant)); err != nil {
			return RouteResult{}, fmt.Errorf("route %s: %w", tenant, err)
		}
		result.ColdStart = true
		r.kickResource(tenant)
		_ = r.store.LogEvent(ctx, protocol.EventColdStart, "router", tenant.String(), "", "")
	}

	_ = r.store.LogEvent(ctx, protocol.EventRouted, "router", tenant.String(), "",
		fmt.Sprintf(`{"correlation_id":%q,"cold_start":%v}`, item.CorrelationID, result.ColdStart))
	return result, nil
}

// identify runs the tenant identification priority chain. The returned
// session id is the caller's when given, the thread-bound session's when
// matched by thread, or a fresh id for a sender-mapped first contact.
func (r *Router) identify(ctx context.Context, req Request) (protocol.TenantKey, string, error) {
	if req.SessionID != "" {
		rec, ok, err := r.store.Session(ctx, req.SessionID)
		if err != nil {
			return protocol.TenantKey{}, "", err
		}
		if ok {
			return rec.Tenant, rec.SessionID, nil
		}
	}

	if req.ExternalThreadID != "" {
		rec, ok, err := r.store.SessionByThread(ctx, req.ExternalThreadID)
		if err != nil {
			return protocol.TenantKey{}, "", err
		}
		if ok {
			return rec.Tenant, rec.SessionID, nil
		}
	}

	if req.Sender != "" {
		if tenant, ok := r.resolver.Resolve(req.Sender); ok {
			sessionID := req.SessionID
			if sessionID == "" {
				sessionID = uuid.New().String()
			}
			return tenant, sessionID, nil
		}
	}

	return protocol.TenantKey{}, "", &protocol.UnresolvedTenantError{
		SessionID:        req.SessionID,
		ExternalThreadID: req.ExternalThreadID,
		Sender:           req.Sender,
	}
}

// ensureSession opens or touches the session so it counts as live
// interest in the tenant.
func (r *Router) ensureSession(ctx context.Context, sessionID string, tenant protocol.TenantKey, threadID string) error {
	rec := protocol.SessionRecord{
		SessionID:        sessionID,
		Tenant:           tenant,
		ExternalThreadID: threadID,
	}
	if err := r.store.OpenSession(ctx, rec); err != nil {
		return fmt.Errorf("session for %s: %w", tenant, err)
	}
	return nil
}

// kickResource asks the lifecycle controller to bring up the tenant's
// resource in the background. Best-effort: the claim request on the pool
// queue is the durable signal, this just shortens cold-start latency.
func (r *Router) kickResource(tenant protocol.TenantKey) {
	if r.ensurer == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ColdStartTimeout)
		defer cancel()
		if _, err := r.ensurer.EnsureRunning(ctx, tenant); err != nil {
			_ = r.store.LogEvent(ctx, protocol.EventTransition, "router", tenant.String(), "",
				fmt.Sprintf(`{"ensure_error":%q}`, err.Error()))
		}
	}()
}

// deadLetterUnresolved writes an unroutable request straight to the
// dead-letter queue with its diagnostic reason.
func (r *Router) deadLetterUnresolved(ctx context.Context, req Request, cause error) {
	body := fmt.Sprintf(`{"sender":%q,"session_id":%q,"external_thread_id":%q,"payload":%q}`,
		req.Sender, req.SessionID, req.ExternalThreadID, req.Payload)
	_ = r.queues.DeadLetter(ctx, "router", []byte(body), cause.Error())
	_ = r.store.LogEvent(ctx, protocol.EventDeadLettered, "router", "", "", cause.Error())
}
