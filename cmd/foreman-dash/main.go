// Package main implements the foreman-dash interactive dashboard.
//
// Run inside a terminal it shows a live view of tenant ownership, compute
// resource state, queue depths and the recent event tail. When stdout is
// not a terminal, or with --robot, it prints one JSON snapshot and exits
// so scripts and agents can consume the same data.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

// robotMode writes a single JSON snapshot of the coordination database to w.
func robotMode(ctx context.Context, w io.Writer, dbPath string) error {
	snap, err := FetchSnapshot(ctx, dbPath)
	if err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func main() {
	robot := flag.Bool("robot", false, "print one JSON snapshot and exit")
	dbPath := flag.String("db", defaultDBPath(), "coordination database path")
	flag.Parse()

	stdoutIsTTY := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	if *robot || !stdoutIsTTY {
		if err := robotMode(context.Background(), os.Stdout, *dbPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	p := tea.NewProgram(newModel(*dbPath), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error running dashboard: %v\n", err)
		os.Exit(1)
	}
}
