package main

import (
	"fmt"
	"os"

	"foreman/pkg/protocol"

	"github.com/spf13/cobra"
)

// starterRules is written to rules.toml on first init so operators have a
// template to edit rather than an empty file.
const starterRules = `# Sender-to-tenant routing rules. The router falls back to these when a
# request carries neither a session id nor a known external thread id.
#
# [[senders]]
# address = "alice@example.com"
# project = "acme"
# user = "alice"
`

// starterTemplates seeds resources.yaml with a commented example.
const starterTemplates = `# Per-project resource launch templates. {tenant}, {project} and {user}
# are substituted before exec. The default template is used for projects
# without an explicit entry.
#
# default:
#   command: ["/usr/local/bin/agent", "--tenant", "{tenant}"]
# acme:
#   command: ["/usr/local/bin/agent", "--project", "{project}", "--user", "{user}"]
`

// newInitCmd creates the "foreman init" subcommand.
func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the foreman home directory and database",
		Long:  "Creates $FOREMAN_HOME (default ~/.foreman), applies the coordination\nschema, and seeds starter config files. Safe to run repeatedly.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := ResolvePaths()
			if err != nil {
				return fmt.Errorf("resolve paths: %w", err)
			}
			if err := os.MkdirAll(paths.Home, 0o755); err != nil {
				return fmt.Errorf("create %s: %w", paths.Home, err)
			}

			db, err := openDB(paths.DBPath)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()
			if _, err := db.Exec(protocol.SchemaDDL); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}

			for _, seed := range []struct {
				path    string
				content string
			}{
				{paths.RulesPath, starterRules},
				{paths.TemplatesPath, starterTemplates},
			} {
				if _, err := os.Stat(seed.path); err == nil {
					continue // never overwrite an operator's config
				}
				if err := os.WriteFile(seed.path, []byte(seed.content), 0o644); err != nil { //nolint:gosec // operator-edited config
					return fmt.Errorf("seed %s: %w", seed.path, err)
				}
			}

			fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", paths.Home)
			return nil
		},
	}
}
