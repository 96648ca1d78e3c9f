package router

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"foreman/pkg/protocol"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
)

// SenderRule maps an inbound sender identity to a tenant.
type SenderRule struct {
	Address string `toml:"address"`
	Project string `toml:"project"`
	User    string `toml:"user"`
}

// Rules is the on-disk resolver configuration.
type Rules struct {
	Senders []SenderRule `toml:"senders"`
}

// DefaultReloadInterval is the fallback poll cadence for rule reloads when
// file watching misses an update.
const DefaultReloadInterval = 60 * time.Second

// Resolver maps sender identities to tenants from a TOML rules file,
// hot-reloading on file change with a fallback poll safety net.
type Resolver struct {
	path string

	mu       sync.Mutex
	bySender map[string]protocol.TenantKey

	reloadInterval time.Duration
}

// NewResolver loads the rules file and returns a Resolver.
func NewResolver(path string) (*Resolver, error) {
	r := &Resolver{
		path:           path,
		bySender:       make(map[string]protocol.TenantKey),
		reloadInterval: DefaultReloadInterval,
	}
	if err := r.Reload(); err != nil {
		return nil, err
	}
	return r, nil
}

// SetReloadInterval overrides the fallback poll cadence (for testing).
func (r *Resolver) SetReloadInterval(d time.Duration) {
	r.reloadInterval = d
}

// Reload re-reads the rules file. Invalid rules files leave the previous
// mapping in place.
func (r *Resolver) Reload() error {
	data, err := os.ReadFile(r.path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return fmt.Errorf("read rules %s: %w", r.path, err)
	}
	var rules Rules
	if err := toml.Unmarshal(data, &rules); err != nil {
		return fmt.Errorf("parse rules %s: %w", r.path, err)
	}

	m := make(map[string]protocol.TenantKey, len(rules.Senders))
	for _, rule := range rules.Senders {
		key := protocol.TenantKey{Project: rule.Project, User: rule.User}
		if rule.Address == "" || key.Validate() != nil {
			return fmt.Errorf("rules %s: invalid sender rule %+v", r.path, rule)
		}
		m[rule.Address] = key
	}

	r.mu.Lock()
	r.bySender = m
	r.mu.Unlock()
	return nil
}

// Resolve maps a sender identity to its tenant.
func (r *Resolver) Resolve(sender string) (protocol.TenantKey, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.bySender[sender]
	return key, ok
}

// Watch hot-reloads the rules file until ctx is cancelled. Uses fsnotify
// when available with a periodic reload as a safety net; falls back to
// pure polling when watching fails.
func (r *Resolver) Watch(ctx context.Context) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		r.watchPoll(ctx)
		return
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(r.path); err != nil {
		r.watchPoll(ctx)
		return
	}

	fallback := time.NewTicker(r.reloadInterval)
	defer fallback.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-watcher.Events:
			_ = r.Reload()
		case <-watcher.Errors:
			// Watcher hiccup; the fallback ticker covers the gap.
		case <-fallback.C:
			_ = r.Reload()
		}
	}
}

// watchPoll is the pure-polling fallback when fsnotify is unavailable.
func (r *Resolver) watchPoll(ctx context.Context) {
	ticker := time.NewTicker(r.reloadInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = r.Reload()
		}
	}
}
