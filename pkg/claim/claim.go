// Package claim implements the worker-resident ownership claim manager. A
// Manager cycles through four states: Unowned (polling the pool queue for
// claim requests), Claiming (one conditional write against the ownership
// store), Owning (serving the tenant's input queue under a refreshed lease),
// and Releasing (persist, release, signal the lifecycle controller).
//
// Losing a claim race is expected contention, not a failure. Crash recovery
// is lease expiry: a manager that dies mid-tenure simply stops refreshing
// and the next claim attempt steals the expired lease.
package claim

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"foreman/pkg/protocol"
	"foreman/pkg/queue"
	"foreman/pkg/store"
)

// Executor runs one unit of work for the tenant the manager currently owns.
type Executor interface {
	Execute(ctx context.Context, item protocol.WorkItem) (result string, err error)
}

// Persister flushes the tenant's working state to durable storage before the
// manager releases ownership.
type Persister interface {
	Persist(ctx context.Context, tenant protocol.TenantKey) error
}

// IdleReleaser lets the manager tell the lifecycle controller that the
// tenant's compute resource is no longer in active use.
type IdleReleaser interface {
	ReleaseIdle(ctx context.Context, tenant protocol.TenantKey) error
}

// State names the manager's position in its claim cycle.
type State string

// Manager states.
const (
	StateUnowned   State = "unowned"
	StateClaiming  State = "claiming"
	StateOwning    State = "owning"
	StateReleasing State = "releasing"
)

// Config holds claim manager tuning knobs.
type Config struct {
	LeaseTTL       time.Duration // ownership lease duration (default 30s)
	PollWait       time.Duration // bounded receive wait per poll (default 1s)
	IdleWindow     time.Duration // inactivity before release, with zero sessions (default 5m)
	BackoffBase    time.Duration // post-contention backoff base (default 500ms)
	BackoffJitter  time.Duration // maximum jitter added to the backoff (default 500ms)
	PersistRetries int           // persist attempts before releasing anyway (default 3)
	DedupSize      int           // processed correlation ids remembered per tenure (default 256)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.LeaseTTL == 0 {
		out.LeaseTTL = 30 * time.Second
	}
	if out.PollWait == 0 {
		out.PollWait = time.Second
	}
	if out.IdleWindow == 0 {
		out.IdleWindow = 5 * time.Minute
	}
	if out.BackoffBase == 0 {
		out.BackoffBase = 500 * time.Millisecond
	}
	if out.BackoffJitter == 0 {
		out.BackoffJitter = 500 * time.Millisecond
	}
	if out.PersistRetries == 0 {
		out.PersistRetries = 3
	}
	if out.DedupSize == 0 {
		out.DedupSize = 256
	}
	return out
}

// Manager claims and serves one tenant at a time.
type Manager struct {
	ID string

	store     *store.Store
	queues    *queue.Queues
	executor  Executor
	persister Persister
	releaser  IdleReleaser
	cfg       Config

	// nowFunc allows tests to control time.
	nowFunc func() time.Time

	mu     sync.Mutex
	state  State
	tenant protocol.TenantKey
}

// New creates a Manager with the given worker id and collaborators. The
// releaser may be nil when no lifecycle controller runs alongside.
func New(id string, st *store.Store, queues *queue.Queues, executor Executor, persister Persister, releaser IdleReleaser, cfg Config) *Manager {
	return &Manager{
		ID:        id,
		store:     st,
		queues:    queues,
		executor:  executor,
		persister: persister,
		releaser:  releaser,
		cfg:       cfg.withDefaults(),
		nowFunc:   time.Now,
		state:     StateUnowned,
	}
}

// SetNowFunc overrides the clock (for testing).
func (m *Manager) SetNowFunc(f func() time.Time) {
	m.nowFunc = f
}

// State returns the manager's current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Tenant returns the tenant currently owned, if any.
func (m *Manager) Tenant() (protocol.TenantKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateOwning && m.state != StateReleasing {
		return protocol.TenantKey{}, false
	}
	return m.tenant, true
}

func (m *Manager) setState(s State, tenant protocol.TenantKey) {
	m.mu.Lock()
	m.state = s
	m.tenant = tenant
	m.mu.Unlock()
}

// Run is the claim cycle loop. It returns nil on context cancellation; an
// ownership held at that moment is drained and released first.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		tenant, delivery, ok := m.awaitClaimRequest(ctx)
		if !ok {
			continue
		}

		m.setState(StateClaiming, tenant)
		held, err := m.tryClaim(ctx, tenant, delivery)
		if err != nil {
			m.setState(StateUnowned, protocol.TenantKey{})
			return err
		}
		if !held {
			m.backoff(ctx)
			m.setState(StateUnowned, protocol.TenantKey{})
			continue
		}

		m.setState(StateOwning, tenant)
		lost := m.serve(ctx, tenant)
		if lost {
			// Another worker holds the lease now; releasing would stomp it.
			m.setState(StateUnowned, protocol.TenantKey{})
			continue
		}

		m.setState(StateReleasing, tenant)
		m.release(ctx, tenant)
		m.setState(StateUnowned, protocol.TenantKey{})
	}
}

// awaitClaimRequest does one bounded poll of the pool queue. Bodies that are
// not claim requests are permanently malformed for this queue and
// dead-letter immediately.
func (m *Manager) awaitClaimRequest(ctx context.Context) (protocol.TenantKey, queue.Delivery, bool) {
	d, err := m.queues.Receive(ctx, queue.Pool, m.cfg.PollWait)
	if err != nil {
		return protocol.TenantKey{}, queue.Delivery{}, false
	}
	msg, err := protocol.DecodeMessage(d.Body)
	if err != nil || msg.Type != protocol.MsgClaimRequest {
		reason := "not a claim request"
		if err != nil {
			reason = err.Error()
		}
		_ = m.queues.DeadLetter(ctx, queue.Pool, d.Body, reason)
		_ = m.queues.Ack(ctx, d)
		return protocol.TenantKey{}, queue.Delivery{}, false
	}
	return msg.ClaimRequest.Tenant, d, true
}

// tryClaim attempts the conditional ownership write. The claim request is
// acked in both outcomes: on success the tenant is now served, and on
// contention some other worker already serves it.
func (m *Manager) tryClaim(ctx context.Context, tenant protocol.TenantKey, d queue.Delivery) (bool, error) {
	err := m.store.Claim(ctx, tenant, m.ID, m.cfg.LeaseTTL)
	switch protocol.Classify(err) {
	case protocol.ClassContention:
		_ = m.queues.Ack(ctx, d)
		_ = m.store.LogEvent(ctx, protocol.EventClaimContention, "claim", tenant.String(), m.ID, "")
		return false, nil
	case protocol.ClassTransient, protocol.ClassPermanent, protocol.ClassCritical:
		if err != nil {
			_ = m.queues.Nack(ctx, d, err.Error())
			return false, fmt.Errorf("claim %s: %w", tenant, err)
		}
	}
	_ = m.queues.Ack(ctx, d)
	_ = m.store.LogEvent(ctx, protocol.EventClaimed, "claim", tenant.String(), m.ID, "")
	return true, nil
}

// serve is the Owning state: poll the tenant input queue, execute items,
// refresh the lease, and watch for idleness. It returns true when the lease
// was lost to another worker, in which case no release happens.
func (m *Manager) serve(ctx context.Context, tenant protocol.TenantKey) (lost bool) {
	refreshCtx, stopRefresh := context.WithCancel(context.WithoutCancel(ctx))
	defer stopRefresh()
	lostCh := make(chan struct{})
	go m.refreshLoop(refreshCtx, tenant, lostCh)

	seen := newDedupRing(m.cfg.DedupSize)
	lastActivity := m.nowFunc()
	input := queue.InputQueue(tenant)

	for {
		select {
		case <-lostCh:
			return true
		default:
		}
		if ctx.Err() != nil {
			// Graceful drain: the current item finished above; release now.
			return false
		}

		d, err := m.queues.Receive(ctx, input, m.cfg.PollWait)
		if errors.Is(err, queue.ErrEmpty) {
			if m.idle(ctx, tenant, lastActivity) {
				return false
			}
			continue
		}
		if err != nil {
			continue
		}

		if m.handleDelivery(ctx, tenant, d, seen) {
			lastActivity = m.nowFunc()
			_ = m.store.Touch(ctx, tenant, m.ID)
		}
	}
}

// handleDelivery processes one input-queue delivery. It reports whether the
// delivery counted as tenant activity.
func (m *Manager) handleDelivery(ctx context.Context, tenant protocol.TenantKey, d queue.Delivery, seen *dedupRing) bool {
	msg, err := protocol.DecodeMessage(d.Body)
	if err != nil || msg.Type != protocol.MsgWork {
		reason := "not a work item"
		if err != nil {
			reason = err.Error()
		}
		_ = m.queues.DeadLetter(ctx, d.Queue, d.Body, reason)
		_ = m.queues.Ack(ctx, d)
		return false
	}
	item := *msg.Work

	// At-least-once delivery: a redelivered item that already produced its
	// response is acked without re-execution.
	if seen.contains(item.CorrelationID) {
		_ = m.queues.Ack(ctx, d)
		return false
	}

	result, execErr := m.executor.Execute(ctx, item)
	if execErr == nil {
		m.finishItem(ctx, tenant, d, item, result, seen)
		return true
	}

	switch protocol.Classify(execErr) {
	case protocol.ClassTransient:
		_ = m.queues.Nack(ctx, d, execErr.Error())
		_ = m.store.LogEvent(ctx, protocol.EventWorkFailed, "claim", tenant.String(), m.ID,
			fmt.Sprintf(`{"correlation_id":%q,"error":%q,"class":"transient"}`, item.CorrelationID, execErr.Error()))
	case protocol.ClassCritical:
		_ = m.queues.DeadLetter(ctx, d.Queue, d.Body, execErr.Error())
		_ = m.queues.Ack(ctx, d)
		_ = m.store.LogEvent(ctx, protocol.EventCritical, "claim", tenant.String(), m.ID,
			fmt.Sprintf(`{"correlation_id":%q,"error":%q}`, item.CorrelationID, execErr.Error()))
	default: // permanent
		_ = m.queues.DeadLetter(ctx, d.Queue, d.Body, execErr.Error())
		_ = m.queues.Ack(ctx, d)
		_ = m.store.LogEvent(ctx, protocol.EventDeadLettered, "claim", tenant.String(), m.ID,
			fmt.Sprintf(`{"correlation_id":%q,"error":%q}`, item.CorrelationID, execErr.Error()))
	}
	return true
}

// finishItem publishes the success response, acks the input delivery, and
// records the correlation id for dedup.
func (m *Manager) finishItem(ctx context.Context, tenant protocol.TenantKey, d queue.Delivery, item protocol.WorkItem, result string, seen *dedupRing) {
	resp := protocol.ResponseItem{
		CorrelationID: item.CorrelationID,
		Tenant:        tenant,
		Success:       true,
		Result:        result,
		CompletedAt:   m.nowFunc().UTC(),
	}
	if err := m.queues.PublishMessage(ctx, queue.OutputQueue(tenant), protocol.NewResponseMessage(resp)); err != nil {
		// Leave the delivery for redelivery so the response is not lost.
		_ = m.queues.Nack(ctx, d, fmt.Sprintf("publish response: %v", err))
		return
	}
	seen.add(item.CorrelationID)
	_ = m.queues.Ack(ctx, d)
	_ = m.store.LogEvent(ctx, protocol.EventWorkDone, "claim", tenant.String(), m.ID,
		fmt.Sprintf(`{"correlation_id":%q}`, item.CorrelationID))
}

// idle reports whether the tenant has gone quiet: past the idle window with
// zero open sessions.
func (m *Manager) idle(ctx context.Context, tenant protocol.TenantKey, lastActivity time.Time) bool {
	if m.nowFunc().Sub(lastActivity) < m.cfg.IdleWindow {
		return false
	}
	n, err := m.store.OpenSessionCount(ctx, tenant)
	if err != nil {
		return false
	}
	return n == 0
}

// refreshLoop extends the lease at a third of its TTL. A refresh rejected by
// the owner guard means the lease expired and was claimed by someone else;
// the tenure is over, signalled by closing lostCh.
func (m *Manager) refreshLoop(ctx context.Context, tenant protocol.TenantKey, lostCh chan<- struct{}) {
	interval := m.cfg.LeaseTTL / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := m.store.Refresh(ctx, tenant, m.ID, m.cfg.LeaseTTL)
			if errors.Is(err, store.ErrNotOwner) {
				close(lostCh)
				return
			}
			if err == nil {
				_ = m.store.LogEvent(ctx, protocol.EventLeaseRefreshed, "claim", tenant.String(), m.ID, "")
			}
		}
	}
}

// release is the Releasing state. Persist gets a bounded retry budget and the
// release proceeds even when it is exhausted: holding the lease forever over
// a persist failure would strand the tenant, while releasing risks only the
// unpersisted delta. Run uses an uncancellable context here so shutdown
// drains cleanly.
func (m *Manager) release(ctx context.Context, tenant protocol.TenantKey) {
	ctx = context.WithoutCancel(ctx)
	if m.persister != nil {
		var persistErr error
		for attempt := 0; attempt < m.cfg.PersistRetries; attempt++ {
			if persistErr = m.persister.Persist(ctx, tenant); persistErr == nil {
				break
			}
			m.backoff(ctx)
		}
		if persistErr != nil {
			_ = m.store.LogEvent(ctx, protocol.EventPersistFailed, "claim", tenant.String(), m.ID,
				fmt.Sprintf(`{"error":%q}`, persistErr.Error()))
		}
	}
	if err := m.store.Release(ctx, tenant, m.ID); err != nil && !errors.Is(err, store.ErrNotOwner) {
		_ = m.store.LogEvent(ctx, protocol.EventWorkFailed, "claim", tenant.String(), m.ID,
			fmt.Sprintf(`{"release_error":%q}`, err.Error()))
	}
	if m.releaser != nil {
		_ = m.releaser.ReleaseIdle(ctx, tenant)
	}
	_ = m.store.LogEvent(ctx, protocol.EventReleased, "claim", tenant.String(), m.ID, "")
}

// backoff sleeps the base interval plus jitter, so contending managers
// spread their retries.
func (m *Manager) backoff(ctx context.Context) {
	jitter := time.Duration(rand.Int64N(int64(m.cfg.BackoffJitter))) //nolint:gosec // jitter doesn't need crypto rand
	select {
	case <-ctx.Done():
	case <-time.After(m.cfg.BackoffBase + jitter):
	}
}

// dedupRing remembers the last N processed correlation ids.
type dedupRing struct {
	seen  map[string]struct{}
	order []string
	cap   int
}

func newDedupRing(capacity int) *dedupRing {
	return &dedupRing{seen: make(map[string]struct{}, capacity), cap: capacity}
}

func (r *dedupRing) contains(id string) bool {
	_, ok := r.seen[id]
	return ok
}

func (r *dedupRing) add(id string) {
	if r.contains(id) {
		return
	}
	if len(r.order) >= r.cap {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.seen, oldest)
	}
	r.seen[id] = struct{}{}
	r.order = append(r.order, id)
}
