package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"foreman/pkg/lifecycle"
	"foreman/pkg/store"

	"github.com/spf13/cobra"
)

// newControllerCmd creates the "foreman controller" subcommand.
func newControllerCmd() *cobra.Command {
	var sweepInterval time.Duration
	var stopIdleWindow time.Duration

	cmd := &cobra.Command{
		Use:   "controller",
		Short: "Run the resource lifecycle controller",
		Long: `Starts the supervision loop over compute resources: stops resources
idle beyond the window, expires stale sessions, and marks crashed resources
stopped.

Multiple controller instances are safe; every transition is a guarded
conditional write against the shared store.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runController(cmd.Context(), lifecycle.Config{
				SweepInterval:  sweepInterval,
				StopIdleWindow: stopIdleWindow,
			})
		},
	}

	cmd.Flags().DurationVar(&sweepInterval, "sweep-interval", 0, "supervision pass cadence (default 30s)")
	cmd.Flags().DurationVar(&stopIdleWindow, "stop-idle-window", 0, "idle age before a resource is stopped (default 10m)")

	return cmd
}

func runController(ctx context.Context, cfg lifecycle.Config) error {
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

	templates, err := lifecycle.LoadTemplates(paths.TemplatesPath)
	if err != nil {
		return fmt.Errorf("controller needs launch templates: %w", err)
	}

	controller := lifecycle.New(store.New(db), lifecycle.NewExecLauncher(templates), cfg)
	return controller.Run(ctx)
}
