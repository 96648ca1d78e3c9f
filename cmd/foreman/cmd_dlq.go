package main

import (
	"fmt"

	"foreman/pkg/queue"

	"github.com/spf13/cobra"
)

// newDLQCmd creates the "foreman dlq" subcommand.
func newDLQCmd() *cobra.Command {
	var limit int
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "List dead-lettered messages",
		Long:  "Shows messages that exhausted their retry budget or failed\npermanently, with the queue they came from and the failure reason.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			db, err := openDB(paths.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			items, err := queue.New(db, queue.Config{}).DeadLetters(cmd.Context(), limit)
			if err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if asJSON {
				return printJSON(w, items)
			}
			if len(items) == 0 {
				fmt.Fprintln(w, "dead-letter queue is empty")
				return nil
			}
			for _, item := range items {
				fmt.Fprintf(w, "%s  from=%s reason=%q\n  %s\n",
					item.DeadAt.Format("2006-01-02 15:04:05"), item.Queue, item.Reason, item.Body)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum items to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "emit machine-readable JSON")

	return cmd
}
