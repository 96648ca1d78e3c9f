package main

import (
	"fmt"

	"foreman/pkg/eventlog"

	"github.com/spf13/cobra"
)

// newLogsCmd creates the "foreman logs" subcommand.
func newLogsCmd() *cobra.Command {
	var tenant string
	var workerID string
	var eventType string
	var tail int

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query the coordination event log",
		Long:  "Displays events from the coordination log, newest first.\nFilter by tenant, worker, or event type.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			reader, err := eventlog.NewReader(paths.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = reader.Close() }()

			events, err := reader.Query(cmd.Context(), eventlog.QueryOpts{
				Tenant:    tenant,
				WorkerID:  workerID,
				EventType: eventType,
				Limit:     tail,
			})
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			for i := len(events) - 1; i >= 0; i-- {
				e := events[i]
				line := fmt.Sprintf("%s  %-20s %-10s %s", e.CreatedAt.Format("2006-01-02 15:04:05"), e.Type, e.Source, e.Tenant)
				if e.WorkerID != "" {
					line += " [" + e.WorkerID + "]"
				}
				if e.Payload != "" {
					line += " " + e.Payload
				}
				fmt.Fprintln(w, line)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&tenant, "tenant", "", "filter by tenant (project/user)")
	cmd.Flags().StringVar(&workerID, "worker", "", "filter by worker id")
	cmd.Flags().StringVar(&eventType, "type", "", "filter by event type")
	cmd.Flags().IntVar(&tail, "tail", 20, "number of recent events to show")

	return cmd
}
