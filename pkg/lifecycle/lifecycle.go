// Package lifecycle implements the compute-resource controller: the state
// machine stopped -> starting -> running -> idle -> stopping -> stopped for
// the ephemeral resource backing each tenant. Transitions are guarded
// conditional writes in the store, so any number of controller instances
// can run concurrently — exactly one wins each transition and the losers
// observe the winner's result.
//
// Ownership of a tenant and the resource backing it are correlated but
// separate: the claim manager drives ownership, this controller drives the
// resource, and the two meet at ReleaseIdle.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"foreman/pkg/protocol"
	"foreman/pkg/store"
)

// Launcher is the compute-launcher collaborator. Implementations start,
// stop, wake, and health-check the actual resource processes.
type Launcher interface {
	// Launch starts a fresh resource for tenant and returns its identity
	// and network address once the process exists (it need not be healthy
	// yet — the controller polls HealthCheck).
	Launch(ctx context.Context, tenant protocol.TenantKey) (LaunchResult, error)

	// Terminate shuts the resource down gracefully.
	Terminate(ctx context.Context, resourceID string) error

	// HealthCheck reports whether the resource is up and serving.
	HealthCheck(ctx context.Context, resourceID string) (bool, error)

	// Wake signals an idle-but-alive resource on its management channel
	// rather than relaunching it.
	Wake(ctx context.Context, resourceID string) error
}

// LaunchResult identifies a freshly launched resource.
type LaunchResult struct {
	ResourceID string
	Address    string
}

// Config holds controller tuning knobs.
type Config struct {
	StartTimeout       time.Duration // whole EnsureRunning budget (default 60s)
	HealthPollInterval time.Duration // health/status poll cadence (default 500ms)
	StopIdleWindow     time.Duration // idle age before stopping (default 10m)
	StaleRunningWindow time.Duration // running heartbeat age before a health probe (default 2m)
	SweepInterval      time.Duration // Run loop cadence (default 30s)
	SessionExpiry      time.Duration // session inactivity cutoff (default 1h)
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.StartTimeout == 0 {
		out.StartTimeout = 60 * time.Second
	}
	if out.HealthPollInterval == 0 {
		out.HealthPollInterval = 500 * time.Millisecond
	}
	if out.StopIdleWindow == 0 {
		out.StopIdleWindow = 10 * time.Minute
	}
	if out.StaleRunningWindow == 0 {
		out.StaleRunningWindow = 2 * time.Minute
	}
	if out.SweepInterval == 0 {
		out.SweepInterval = 30 * time.Second
	}
	if out.SessionExpiry == 0 {
		out.SessionExpiry = time.Hour
	}
	return out
}

// Controller drives resource lifecycle transitions.
type Controller struct {
	store    *store.Store
	launcher Launcher
	cfg      Config

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// New creates a Controller. It does not start the sweep loop — call Run.
func New(st *store.Store, launcher Launcher, cfg Config) *Controller {
	return &Controller{
		store:    st,
		launcher: launcher,
		cfg:      cfg.withDefaults(),
		nowFunc:  time.Now,
	}
}

// SetNowFunc overrides the clock (for testing).
func (c *Controller) SetNowFunc(f func() time.Time) {
	c.nowFunc = f
}

// Status returns the current resource record for tenant. Absent records
// report as stopped: a tenant that never ran has nothing to wake.
func (c *Controller) Status(ctx context.Context, tenant protocol.TenantKey) (protocol.ComputeResourceRecord, error) {
	rec, ok, err := c.store.Resource(ctx, tenant)
	if err != nil {
		return protocol.ComputeResourceRecord{}, err
	}
	if !ok {
		return protocol.ComputeResourceRecord{Tenant: tenant, Status: protocol.ResourceStopped}, nil
	}
	return rec, nil
}

// EnsureRunning brings the tenant's resource to running, launching or
// waking as needed, and returns the running record. If another caller is
// mid-transition this one polls the existing transition rather than
// double-launching. The whole call is bounded by StartTimeout; on timeout
// the record returns to stopped and ResourceStartFailedError is surfaced.
func (c *Controller) EnsureRunning(ctx context.Context, tenant protocol.TenantKey) (protocol.ComputeResourceRecord, error) {
	if err := c.store.EnsureResourceRow(ctx, tenant); err != nil {
		return protocol.ComputeResourceRecord{}, err
	}

	deadline := c.nowFunc().Add(c.cfg.StartTimeout)
	for {
		rec, ok, err := c.store.Resource(ctx, tenant)
		if err != nil {
			return protocol.ComputeResourceRecord{}, err
		}
		if !ok {
			return protocol.ComputeResourceRecord{}, fmt.Errorf("ensure running %s: resource row vanished", tenant)
		}

		switch rec.Status {
		case protocol.ResourceRunning:
			return rec, nil

		case protocol.ResourceStopped:
			err := c.store.TransitionResource(ctx, tenant,
				protocol.ResourceStopped, protocol.ResourceStarting, store.ResourceUpdate{})
			if errors.Is(err, store.ErrWrongStatus) {
				// Another caller won the start; observe their transition.
				break
			}
			if err != nil {
				return protocol.ComputeResourceRecord{}, err
			}
			return c.launchAndAwait(ctx, tenant)

		case protocol.ResourceIdle:
			if err := c.wake(ctx, tenant, rec); err != nil {
				return protocol.ComputeResourceRecord{}, err
			}

		case protocol.ResourceStarting, protocol.ResourceStopping:
			// In transition under another caller; poll it.
		}

		if !c.nowFunc().Before(deadline) {
			return protocol.ComputeResourceRecord{}, &protocol.ResourceStartFailedError{
				Tenant:     tenant,
				ResourceID: rec.ResourceID,
				Reason:     fmt.Sprintf("still %s after %s", rec.Status, c.cfg.StartTimeout),
			}
		}
		select {
		case <-ctx.Done():
			return protocol.ComputeResourceRecord{}, fmt.Errorf("ensure running %s: %w", tenant, ctx.Err())
		case <-time.After(c.cfg.HealthPollInterval):
		}
	}
}

// launchAndAwait runs after winning the stopped->starting transition:
// launch the resource, poll its health up to the start deadline, and
// transition to running (or back to stopped on failure).
func (c *Controller) launchAndAwait(ctx context.Context, tenant protocol.TenantKey) (protocol.ComputeResourceRecord, error) {
	result, err := c.launcher.Launch(ctx, tenant)
	if err != nil {
		c.abortStart(ctx, tenant, err.Error())
		return protocol.ComputeResourceRecord{}, &protocol.ResourceStartFailedError{
			Tenant: tenant,
			Reason: fmt.Sprintf("launch: %s", err),
		}
	}

	started := c.nowFunc()
	deadline := started.Add(c.cfg.StartTimeout)
	for {
		healthy, err := c.launcher.HealthCheck(ctx, result.ResourceID)
		if err == nil && healthy {
			err := c.store.TransitionResource(ctx, tenant,
				protocol.ResourceStarting, protocol.ResourceRunning,
				store.ResourceUpdate{
					ResourceID:  &result.ResourceID,
					Address:     &result.Address,
					LastStarted: &started,
				})
			if err != nil {
				return protocol.ComputeResourceRecord{}, err
			}
			c.logEvent(ctx, protocol.EventTransition, tenant,
				fmt.Sprintf(`{"to":"running","resource_id":%q}`, result.ResourceID))
			rec, _, err := c.store.Resource(ctx, tenant)
			return rec, err
		}

		if !c.nowFunc().Before(deadline) {
			_ = c.launcher.Terminate(ctx, result.ResourceID)
			c.abortStart(ctx, tenant, "health check timeout")
			return protocol.ComputeResourceRecord{}, &protocol.ResourceStartFailedError{
				Tenant:     tenant,
				ResourceID: result.ResourceID,
				Reason:     "health check timeout",
			}
		}
		select {
		case <-ctx.Done():
			_ = c.launcher.Terminate(ctx, result.ResourceID)
			c.abortStart(ctx, tenant, ctx.Err().Error())
			return protocol.ComputeResourceRecord{}, fmt.Errorf("await health %s: %w", tenant, ctx.Err())
		case <-time.After(c.cfg.HealthPollInterval):
		}
	}
}

// abortStart returns a failed start to stopped. Uses a background-capable
// context so cancellation of the caller still leaves a consistent record.
func (c *Controller) abortStart(ctx context.Context, tenant protocol.TenantKey, reason string) {
	if ctx.Err() != nil {
		ctx = context.Background()
	}
	_ = c.store.TransitionResource(ctx, tenant,
		protocol.ResourceStarting, protocol.ResourceStopped, store.ResourceUpdate{})
	c.logEvent(ctx, protocol.EventTransition, tenant,
		fmt.Sprintf(`{"to":"stopped","reason":%q}`, reason))
}

// wake signals an idle resource and transitions it to running on success.
// A guard miss means another caller already woke it, which is fine.
func (c *Controller) wake(ctx context.Context, tenant protocol.TenantKey, rec protocol.ComputeResourceRecord) error {
	if err := c.launcher.Wake(ctx, rec.ResourceID); err != nil {
		// The idle process is gone; reflect reality so the next pass
		// relaunches from stopped.
		if terr := c.store.TransitionResource(ctx, tenant,
			protocol.ResourceIdle, protocol.ResourceStopped, store.ResourceUpdate{}); terr != nil && !errors.Is(terr, store.ErrWrongStatus) {
			return terr
		}
		c.logEvent(ctx, protocol.EventTransition, tenant,
			fmt.Sprintf(`{"to":"stopped","reason":"wake failed: %s"}`, err))
		return nil
	}
	err := c.store.TransitionResource(ctx, tenant,
		protocol.ResourceIdle, protocol.ResourceRunning, store.ResourceUpdate{})
	if err != nil && !errors.Is(err, store.ErrWrongStatus) {
		return err
	}
	if err == nil {
		c.logEvent(ctx, protocol.EventTransition, tenant, `{"to":"running","via":"wake"}`)
	}
	return nil
}

// ReleaseIdle moves a running resource to idle on the claim manager's
// idle-release signal. Already-idle or stopped resources are a no-op.
func (c *Controller) ReleaseIdle(ctx context.Context, tenant protocol.TenantKey) error {
	err := c.store.TransitionResource(ctx, tenant,
		protocol.ResourceRunning, protocol.ResourceIdle, store.ResourceUpdate{})
	if errors.Is(err, store.ErrWrongStatus) {
		return nil
	}
	if err != nil {
		return err
	}
	c.logEvent(ctx, protocol.EventTransition, tenant, `{"to":"idle"}`)
	return nil
}

// Heartbeat records activity from the resource itself.
func (c *Controller) Heartbeat(ctx context.Context, tenant protocol.TenantKey, resourceID string) error {
	return c.store.ResourceHeartbeat(ctx, tenant, resourceID)
}

// Run is the controller supervision loop: expire stale sessions, stop
// resources idle beyond the window, and probe running resources with stale
// heartbeats. Blocks until ctx is cancelled. Safe to run in multiple
// processes; all writes go through guarded transitions.
func (c *Controller) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c.sweep(ctx)
		}
	}
}

// sweep runs one supervision pass.
func (c *Controller) sweep(ctx context.Context) {
	now := c.nowFunc()

	if _, err := c.store.ExpireSessions(ctx, now.Add(-c.cfg.SessionExpiry)); err != nil {
		c.logEvent(ctx, "sweep_error", protocol.TenantKey{}, err.Error())
	}

	c.reclaimStaleStarting(ctx, now)
	c.stopIdle(ctx, now)
	c.probeStaleRunning(ctx, now)
}

// reclaimStaleStarting returns resources wedged in starting to stopped.
// The caller that won the stopped->starting transition normally aborts its
// own failed start, but if that process dies mid-launch nothing else
// writes the row; recovery must not depend on the crashed process.
func (c *Controller) reclaimStaleStarting(ctx context.Context, now time.Time) {
	stale, err := c.store.ResourcesInStatus(ctx, protocol.ResourceStarting, now.Add(-c.cfg.StartTimeout))
	if err != nil {
		c.logEvent(ctx, "sweep_error", protocol.TenantKey{}, err.Error())
		return
	}
	for _, rec := range stale {
		err := c.store.TransitionResource(ctx, rec.Tenant,
			protocol.ResourceStarting, protocol.ResourceStopped, store.ResourceUpdate{})
		if errors.Is(err, store.ErrWrongStatus) {
			continue // the launcher finished after all
		}
		if err != nil {
			c.logEvent(ctx, "sweep_error", rec.Tenant, err.Error())
			continue
		}
		if rec.ResourceID != "" {
			_ = c.launcher.Terminate(ctx, rec.ResourceID)
		}
		c.logEvent(ctx, protocol.EventTransition, rec.Tenant, `{"to":"stopped","reason":"stale start"}`)
	}
}

// stopIdle terminates resources idle beyond the stop window.
func (c *Controller) stopIdle(ctx context.Context, now time.Time) {
	idle, err := c.store.ResourcesInStatus(ctx, protocol.ResourceIdle, now.Add(-c.cfg.StopIdleWindow))
	if err != nil {
		c.logEvent(ctx, "sweep_error", protocol.TenantKey{}, err.Error())
		return
	}
	for _, rec := range idle {
		err := c.store.TransitionResource(ctx, rec.Tenant,
			protocol.ResourceIdle, protocol.ResourceStopping, store.ResourceUpdate{})
		if errors.Is(err, store.ErrWrongStatus) {
			continue // another controller got it, or new activity revived it
		}
		if err != nil {
			c.logEvent(ctx, "sweep_error", rec.Tenant, err.Error())
			continue
		}
		if err := c.launcher.Terminate(ctx, rec.ResourceID); err != nil {
			c.logEvent(ctx, "terminate_error", rec.Tenant, err.Error())
		}
		empty := ""
		if err := c.store.TransitionResource(ctx, rec.Tenant,
			protocol.ResourceStopping, protocol.ResourceStopped,
			store.ResourceUpdate{Address: &empty}); err != nil {
			c.logEvent(ctx, "sweep_error", rec.Tenant, err.Error())
			continue
		}
		c.logEvent(ctx, protocol.EventTransition, rec.Tenant, `{"to":"stopped","reason":"idle window"}`)
	}
}

// probeStaleRunning health-checks running resources whose heartbeat has
// gone stale and marks crashed ones stopped.
func (c *Controller) probeStaleRunning(ctx context.Context, now time.Time) {
	stale, err := c.store.ResourcesInStatus(ctx, protocol.ResourceRunning, now.Add(-c.cfg.StaleRunningWindow))
	if err != nil {
		c.logEvent(ctx, "sweep_error", protocol.TenantKey{}, err.Error())
		return
	}
	for _, rec := range stale {
		healthy, err := c.launcher.HealthCheck(ctx, rec.ResourceID)
		if err == nil && healthy {
			continue
		}
		terr := c.store.TransitionResource(ctx, rec.Tenant,
			protocol.ResourceRunning, protocol.ResourceStopped, store.ResourceUpdate{})
		if errors.Is(terr, store.ErrWrongStatus) {
			continue
		}
		if terr != nil {
			c.logEvent(ctx, "sweep_error", rec.Tenant, terr.Error())
			continue
		}
		c.logEvent(ctx, protocol.EventCritical, rec.Tenant,
			fmt.Sprintf(`{"reason":"resource lost","resource_id":%q}`, rec.ResourceID))
	}
}

func (c *Controller) logEvent(ctx context.Context, evType string, tenant protocol.TenantKey, payload string) {
	tenantStr := ""
	if tenant != (protocol.TenantKey{}) {
		tenantStr = tenant.String()
	}
	_ = c.store.LogEvent(ctx, evType, "lifecycle", tenantStr, "", payload)
}
