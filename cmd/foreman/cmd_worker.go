package main

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"foreman/pkg/claim"
	"foreman/pkg/lifecycle"
	"foreman/pkg/protocol"
	"foreman/pkg/queue"
	"foreman/pkg/store"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// newWorkerCmd creates the "foreman worker" subcommand.
// This wraps the pkg/claim manager into a runnable process that polls the
// pool queue, claims tenants, and executes their work items.
func newWorkerCmd() *cobra.Command {
	var workerID string
	var execCmd string
	var idleWindow time.Duration
	var leaseTTL time.Duration

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a foreman worker process",
		Long: `Starts a worker that polls the pool queue for claim requests, claims
tenants through the ownership store, and executes their work items via the
configured command.

Run as many workers as you want; the ownership lease guarantees each tenant
is served by at most one of them.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if execCmd == "" {
				return fmt.Errorf("--exec is required")
			}
			if workerID == "" {
				workerID = "w-" + uuid.New().String()[:8]
			}
			return runWorker(cmd.Context(), workerID, execCmd, claim.Config{
				LeaseTTL:   leaseTTL,
				IdleWindow: idleWindow,
			})
		},
	}

	cmd.Flags().StringVar(&workerID, "id", "", "worker ID (default: generated)")
	cmd.Flags().StringVar(&execCmd, "exec", "", "command template executed per work item; {tenant}, {project}, {user} are substituted, payload arrives on stdin (required)")
	cmd.Flags().DurationVar(&idleWindow, "idle-window", 0, "inactivity before releasing a quiet tenant (default 5m)")
	cmd.Flags().DurationVar(&leaseTTL, "lease-ttl", 0, "ownership lease duration (default 30s)")

	return cmd
}

// runWorker wires a claim manager with its collaborators and runs it until
// SIGTERM/SIGINT.
func runWorker(ctx context.Context, id, execCmd string, cfg claim.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	paths, err := ResolvePaths()
	if err != nil {
		return fmt.Errorf("resolve paths: %w", err)
	}
	db, err := openDB(paths.DBPath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	st := store.New(db)
	queues := queue.New(db, queue.Config{})

	// The lifecycle controller doubles as the idle-release signal target so
	// a released tenant's resource goes idle with it. Missing templates just
	// mean no resource management on this host.
	var releaser claim.IdleReleaser
	if templates, terr := lifecycle.LoadTemplates(paths.TemplatesPath); terr == nil {
		releaser = lifecycle.New(st, lifecycle.NewExecLauncher(templates), lifecycle.Config{})
	}

	mgr := claim.New(id, st, queues, &commandExecutor{template: execCmd}, nil, releaser, cfg)
	if err := mgr.Run(ctx); err != nil {
		return fmt.Errorf("worker %s: %w", id, err)
	}
	return nil
}

// commandExecutor is the production Executor: each work item runs the
// configured command with the payload on stdin and the trimmed stdout as the
// result. A non-zero exit is retryable; a command that cannot even start is
// critical, since every subsequent item on this host would fail the same way.
type commandExecutor struct {
	template string
}

func (e *commandExecutor) Execute(ctx context.Context, item protocol.WorkItem) (string, error) {
	replacer := strings.NewReplacer(
		"{tenant}", item.Tenant.String(),
		"{project}", item.Tenant.Project,
		"{user}", item.Tenant.User,
	)
	parts := strings.Fields(replacer.Replace(e.template))
	if len(parts) == 0 {
		return "", &protocol.CriticalError{Tenant: item.Tenant, Reason: "empty exec template"}
	}

	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...) //nolint:gosec // command comes from operator flags
	cmd.Stdin = strings.NewReader(item.Payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return "", &protocol.CriticalError{Tenant: item.Tenant, Reason: fmt.Sprintf("start executor: %s", err)}
	}
	if err := cmd.Wait(); err != nil {
		return "", &protocol.RetryableError{Err: fmt.Errorf("execute %s: %w (stderr: %s)",
			item.CorrelationID, err, strings.TrimSpace(stderr.String()))}
	}
	return strings.TrimSpace(stdout.String()), nil
}
