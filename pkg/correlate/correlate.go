// Package correlate implements request/response correlation over the
// one-directional tenant queues. A caller publishes a WorkItem with a fresh
// correlation id on the input queue and polls the output queue for the
// matching ResponseItem; responses belonging to other calls are put back
// untouched.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"foreman/pkg/protocol"
	"foreman/pkg/queue"
)

// StatusReporter exposes the compute resource status behind a tenant, so a
// call against a still-starting resource can return pending instead of
// burning its whole wait budget.
type StatusReporter interface {
	Status(ctx context.Context, tenant protocol.TenantKey) (protocol.ComputeResourceRecord, error)
}

// ErrTimeout is returned when no matching response arrived within the wait
// budget while the tenant's resource was up.
var ErrTimeout = errors.New("no response within wait budget")

// Kind is the outcome variant of a correlated send.
type Kind string

// Outcome kinds.
const (
	Completed Kind = "completed" // matching response arrived
	Pending   Kind = "pending"   // resource still starting; response will come later
	Failed    Kind = "failed"    // timed out or the work itself failed
)

// Outcome is the result of one correlated send.
type Outcome struct {
	Kind          Kind
	CorrelationID string
	Result        string // set when Kind == Completed and the work succeeded
	Reason        string // set when Kind == Pending
	Err           error  // set when Kind == Failed
}

// Config holds correlator tuning knobs.
type Config struct {
	WaitBudget time.Duration // total time to wait for the response (default 30s)
	PollWait   time.Duration // bounded receive wait per output-queue poll (default 500ms)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.WaitBudget == 0 {
		out.WaitBudget = 30 * time.Second
	}
	if out.PollWait == 0 {
		out.PollWait = 500 * time.Millisecond
	}
	return out
}

// Correlator sends work and waits for the matching response.
type Correlator struct {
	queues *queue.Queues
	status StatusReporter
	cfg    Config

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
	// newID allows tests to fix correlation ids.
	newID func() string
}

// New creates a Correlator. The status reporter may be nil; without one
// every unanswered call times out as failed rather than pending.
func New(queues *queue.Queues, status StatusReporter, cfg Config) *Correlator {
	return &Correlator{
		queues:  queues,
		status:  status,
		cfg:     cfg.withDefaults(),
		nowFunc: time.Now,
		newID:   uuid.NewString,
	}
}

// SetIDFunc overrides correlation id generation (for testing).
func (c *Correlator) SetIDFunc(f func() string) {
	c.newID = f
}

// Send publishes one WorkItem for the tenant and waits for its response.
// Every call gets a fresh correlation id, so retried sends produce distinct
// items rather than colliding.
func (c *Correlator) Send(ctx context.Context, tenant protocol.TenantKey, sessionID, payload string) (Outcome, error) {
	if err := tenant.Validate(); err != nil {
		return Outcome{}, err
	}
	correlationID := c.newID()
	item := protocol.WorkItem{
		CorrelationID: correlationID,
		Tenant:        tenant,
		SessionID:     sessionID,
		Payload:       payload,
		EnqueuedAt:    c.nowFunc().UTC(),
	}
	if err := c.queues.PublishMessage(ctx, queue.InputQueue(tenant), protocol.NewWorkMessage(item)); err != nil {
		return Outcome{}, fmt.Errorf("send to %s: %w", tenant, err)
	}

	// A resource still booting will not answer inside any reasonable budget.
	if c.starting(ctx, tenant) {
		return Outcome{Kind: Pending, CorrelationID: correlationID, Reason: "resource starting"}, nil
	}

	return c.await(ctx, tenant, correlationID)
}

// Await waits for the response to a previously issued correlation id. Used
// to follow up on a pending outcome.
func (c *Correlator) Await(ctx context.Context, tenant protocol.TenantKey, correlationID string) (Outcome, error) {
	return c.await(ctx, tenant, correlationID)
}

func (c *Correlator) await(ctx context.Context, tenant protocol.TenantKey, correlationID string) (Outcome, error) {
	output := queue.OutputQueue(tenant)
	deadline := c.nowFunc().Add(c.cfg.WaitBudget)

	for c.nowFunc().Before(deadline) {
		if ctx.Err() != nil {
			return Outcome{}, fmt.Errorf("await %s: %w", correlationID, ctx.Err())
		}
		d, err := c.queues.Receive(ctx, output, c.cfg.PollWait)
		if errors.Is(err, queue.ErrEmpty) {
			continue
		}
		if err != nil {
			return Outcome{}, err
		}

		msg, err := protocol.DecodeMessage(d.Body)
		if err != nil || msg.Type != protocol.MsgResponse {
			reason := "not a response"
			if err != nil {
				reason = err.Error()
			}
			_ = c.queues.DeadLetter(ctx, output, d.Body, reason)
			_ = c.queues.Ack(ctx, d)
			continue
		}
		if msg.Response.CorrelationID != correlationID {
			// Someone else's response; put it back without burning an attempt.
			_ = c.queues.Return(ctx, d)
			continue
		}

		if err := c.queues.Ack(ctx, d); err != nil {
			return Outcome{}, err
		}
		if !msg.Response.Success {
			return Outcome{
				Kind:          Failed,
				CorrelationID: correlationID,
				Err:           fmt.Errorf("work failed: %s", msg.Response.Error),
			}, nil
		}
		return Outcome{
			Kind:          Completed,
			CorrelationID: correlationID,
			Result:        msg.Response.Result,
		}, nil
	}

	// Budget exhausted. A resource that is still starting makes this a
	// pending call rather than a dead one.
	if c.starting(ctx, tenant) {
		return Outcome{Kind: Pending, CorrelationID: correlationID, Reason: "resource starting"}, nil
	}
	return Outcome{Kind: Failed, CorrelationID: correlationID, Err: ErrTimeout}, nil
}

func (c *Correlator) starting(ctx context.Context, tenant protocol.TenantKey) bool {
	if c.status == nil {
		return false
	}
	rec, err := c.status.Status(ctx, tenant)
	if err != nil {
		return false
	}
	return rec.Status == protocol.ResourceStarting
}
