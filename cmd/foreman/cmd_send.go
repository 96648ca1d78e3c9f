package main

import (
	"fmt"
	"time"

	"foreman/pkg/correlate"
	"foreman/pkg/lifecycle"
	"foreman/pkg/queue"
	"foreman/pkg/router"
	"foreman/pkg/store"

	"github.com/spf13/cobra"
)

// newSendCmd creates the "foreman send" subcommand: the combined
// route-and-wait path for synchronous callers.
func newSendCmd() *cobra.Command {
	var sender string
	var threadID string
	var sessionID string
	var wait time.Duration

	cmd := &cobra.Command{
		Use:   "send <payload>",
		Short: "Route a request and wait for its response",
		Long: `Routes the request like "foreman route", then polls the tenant's output
queue for the response matching the request's correlation id.

Exits with the result on completion, reports pending when the tenant's
resource is still starting, and times out otherwise.`,
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

			outcome, err := awaitOutcome(cmd, result, wait)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), outcome)
		},
	}

	cmd.Flags().StringVar(&sender, "sender", "", "sender address for rule-based identification")
	cmd.Flags().StringVar(&threadID, "thread", "", "external thread id")
	cmd.Flags().StringVar(&sessionID, "session", "", "existing session id")
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "total time to wait for the response")

	return cmd
}

// sendOutcome is the JSON shape printed by "foreman send".
type sendOutcome struct {
	Kind          string `json:"kind"`
	Tenant        string `json:"tenant"`
	SessionID     string `json:"session_id"`
	CorrelationID string `json:"correlation_id"`
	ColdStart     bool   `json:"cold_start"`
	Result        string `json:"result,omitempty"`
	Reason        string `json:"reason,omitempty"`
	Error         string `json:"error,omitempty"`
}

// awaitOutcome waits on the output queue for the routed item's response.
func awaitOutcome(cmd *cobra.Command, routed router.RouteResult, wait time.Duration) (sendOutcome, error) {
	paths, err := ResolvePaths()
	if err != nil {
		return sendOutcome{}, fmt.Errorf("resolve paths: %w", err)
	}
	db, err := openDB(paths.DBPath)
	if err != nil {
		return sendOutcome{}, err
	}
	defer func() { _ = db.Close() }()

	st := store.New(db)
	queues := queue.New(db, queue.Config{})
	// The controller is used purely as the resource status view here, so it
	// gets no launcher.
	correlator := correlate.New(queues, lifecycle.New(st, nil, lifecycle.Config{}),
		correlate.Config{WaitBudget: wait})

	outcome, err := correlator.Await(cmd.Context(), routed.Tenant, routed.CorrelationID)
	if err != nil {
		return sendOutcome{}, err
	}

	out := sendOutcome{
		Kind:          string(outcome.Kind),
		Tenant:        routed.Tenant.String(),
		SessionID:     routed.SessionID,
		CorrelationID: routed.CorrelationID,
		ColdStart:     routed.ColdStart,
		Result:        outcome.Result,
		Reason:        outcome.Reason,
	}
	if outcome.Err != nil {
		out.Error = outcome.Err.Error()
	}
	return out, nil
}
