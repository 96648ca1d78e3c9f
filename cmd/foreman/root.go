package main

import (
	"fmt"

	"foreman/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root foreman command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "foreman",
		Short:         "Worker pool coordinator",
		Long:          "foreman coordinates a pool of workers over a shared store:\nownership leases per tenant, compute resource lifecycle, and work routing.",
		Version:       fmt.Sprintf("foreman %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newInitCmd(),
		newWorkerCmd(),
		newControllerCmd(),
		newRouteCmd(),
		newSendCmd(),
		newStatusCmd(),
		newLogsCmd(),
		newDLQCmd(),
	)

	return cmd
}
