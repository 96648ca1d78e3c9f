package lifecycle

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"

	"foreman/pkg/protocol"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Template describes how to launch a resource process for a project.
// "{tenant}", "{project}" and "{user}" in command arguments are replaced
// per launch.
type Template struct {
	Command []string `yaml:"command"`
	Address string   `yaml:"address"`
}

// Templates maps projects to launch templates, with a default fallback.
type Templates struct {
	Projects map[string]Template `yaml:"projects"`
	Default  Template            `yaml:"default"`
}

// For returns the template for a project, falling back to the default.
func (t Templates) For(project string) (Template, error) {
	if tpl, ok := t.Projects[project]; ok {
		return tpl, nil
	}
	if len(t.Default.Command) > 0 {
		return t.Default, nil
	}
	return Template{}, fmt.Errorf("no launch template for project %q and no default", project)
}

// LoadTemplates reads the YAML launch template file.
func LoadTemplates(path string) (Templates, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied config path
	if err != nil {
		return Templates{}, fmt.Errorf("read templates %s: %w", path, err)
	}
	var t Templates
	if err := yaml.Unmarshal(data, &t); err != nil {
		return Templates{}, fmt.Errorf("parse templates %s: %w", path, err)
	}
	return t, nil
}

// ExecLauncher is the production Launcher: resources are local processes
// started from per-project templates. Wake delivers SIGCONT on the
// management channel; Terminate sends SIGTERM.
type ExecLauncher struct {
	templates Templates

	mu    sync.Mutex
	procs map[string]*exec.Cmd
}

// NewExecLauncher creates an ExecLauncher from loaded templates.
func NewExecLauncher(templates Templates) *ExecLauncher {
	return &ExecLauncher{
		templates: templates,
		procs:     make(map[string]*exec.Cmd),
	}
}

// Launch starts the templated process for tenant.
func (l *ExecLauncher) Launch(ctx context.Context, tenant protocol.TenantKey) (LaunchResult, error) {
	tpl, err := l.templates.For(tenant.Project)
	if err != nil {
		return LaunchResult{}, err
	}
	if len(tpl.Command) == 0 {
		return LaunchResult{}, fmt.Errorf("empty launch command for project %q", tenant.Project)
	}

	args := make([]string, len(tpl.Command))
	replacer := strings.NewReplacer(
		"{tenant}", tenant.String(),
		"{project}", tenant.Project,
		"{user}", tenant.User,
	)
	for i, a := range tpl.Command {
		args[i] = replacer.Replace(a)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) //nolint:gosec // command comes from operator config
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return LaunchResult{}, fmt.Errorf("start resource for %s: %w", tenant, err)
	}

	resourceID := uuid.New().String()
	l.mu.Lock()
	l.procs[resourceID] = cmd
	l.mu.Unlock()

	// Reap in background so the process table stays clean.
	go func() { _ = cmd.Wait() }()

	return LaunchResult{ResourceID: resourceID, Address: replacer.Replace(tpl.Address)}, nil
}

// Terminate sends SIGTERM to the resource process and forgets it.
func (l *ExecLauncher) Terminate(_ context.Context, resourceID string) error {
	l.mu.Lock()
	cmd, ok := l.procs[resourceID]
	delete(l.procs, resourceID)
	l.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if err := cmd.Process.Kill(); err != nil {
			return fmt.Errorf("kill resource %s: %w", resourceID, err)
		}
	}
	return nil
}

// HealthCheck reports whether the resource process is still alive.
func (l *ExecLauncher) HealthCheck(_ context.Context, resourceID string) (bool, error) {
	l.mu.Lock()
	cmd, ok := l.procs[resourceID]
	l.mu.Unlock()
	if !ok || cmd.Process == nil {
		return false, nil
	}
	// Signal 0 probes liveness without delivering anything.
	if err := cmd.Process.Signal(syscall.Signal(0)); err != nil {
		return false, nil //nolint:nilerr // a dead process is a health result, not an error
	}
	return true, nil
}

// Wake signals an idle resource process to resume.
func (l *ExecLauncher) Wake(_ context.Context, resourceID string) error {
	l.mu.Lock()
	cmd, ok := l.procs[resourceID]
	l.mu.Unlock()
	if !ok || cmd.Process == nil {
		return fmt.Errorf("resource %s: no such process", resourceID)
	}
	if err := cmd.Process.Signal(syscall.SIGCONT); err != nil {
		return fmt.Errorf("wake resource %s: %w", resourceID, err)
	}
	return nil
}
