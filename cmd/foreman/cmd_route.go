package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"foreman/pkg/lifecycle"
	"foreman/pkg/queue"
	"foreman/pkg/router"
	"foreman/pkg/store"

	"github.com/spf13/cobra"
)

// newRouteCmd creates the "foreman route" subcommand.
func newRouteCmd() *cobra.Command {
	var sender string
	var threadID string
	var sessionID string

	cmd := &cobra.Command{
		Use:   "route <payload>",
		Short: "Route one request to its tenant input queue",
		Long: `Identifies the tenant for a request (by session id, external thread id,
or sender mapping from rules.toml), publishes the work item on the tenant's
input queue, and posts a claim request when no live owner exists.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := routeOne(cmd.Context(), router.Request{
				SessionID:        sessionID,
				ExternalThreadID: threadID,
				Sender:           sender,
				Payload:          args[0],
			})
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}

	cmd.Flags().StringVar(&sender, "sender", "", "sender address for rule-based identification")
	cmd.Flags().StringVar(&threadID, "thread", "", "external thread id")
	cmd.Flags().StringVar(&sessionID, "session", "", "existing session id")

	return cmd
}

// routeOne builds a router over the shared database and routes one request.
func routeOne(ctx context.Context, req router.Request) (router.RouteResult, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return router.RouteResult{}, fmt.Errorf("resolve paths: %w", err)
	}
	db, err := openDB(paths.DBPath)
	if err != nil {
		return router.RouteResult{}, err
	}
	defer func() { _ = db.Close() }()

	resolver, err := router.NewResolver(paths.RulesPath)
	if err != nil {
		return router.RouteResult{}, err
	}

	st := store.New(db)
	queues := queue.New(db, queue.Config{})

	// Cold starts kick the lifecycle controller only when templates exist on
	// this host; otherwise the posted claim request alone does the job.
	var ensurer router.ResourceEnsurer
	if templates, terr := lifecycle.LoadTemplates(paths.TemplatesPath); terr == nil {
		ensurer = lifecycle.New(st, lifecycle.NewExecLauncher(templates), lifecycle.Config{})
	}

	return router.New(st, queues, resolver, ensurer, router.Config{}).Route(ctx, req)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
