package main

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths holds all resolved foreman state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	Home          string // ~/.foreman or FOREMAN_HOME
	DBPath        string // foreman.db or FOREMAN_DB_PATH
	RulesPath     string // rules.toml or FOREMAN_RULES_PATH
	TemplatesPath string // resources.yaml or FOREMAN_TEMPLATES_PATH
}

// ResolvePaths returns all foreman paths, respecting env var overrides.
// Environment variables:
//   - FOREMAN_HOME: base directory for all foreman state (default: ~/.foreman)
//   - FOREMAN_DB_PATH: coordination database (default: $FOREMAN_HOME/foreman.db)
//   - FOREMAN_RULES_PATH: sender routing rules (default: $FOREMAN_HOME/rules.toml)
//   - FOREMAN_TEMPLATES_PATH: resource launch templates (default: $FOREMAN_HOME/resources.yaml)
//
// If FOREMAN_HOME is set, it becomes the base for all default paths. Specific
// env vars override both the default and the FOREMAN_HOME base.
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	return &Paths{
		Home:          home,
		DBPath:        resolvePathWithEnv("FOREMAN_DB_PATH", home, "foreman.db"),
		RulesPath:     resolvePathWithEnv("FOREMAN_RULES_PATH", home, "rules.toml"),
		TemplatesPath: resolvePathWithEnv("FOREMAN_TEMPLATES_PATH", home, "resources.yaml"),
	}, nil
}

// resolveHome returns the foreman home directory from FOREMAN_HOME or ~/.foreman.
func resolveHome() (string, error) {
	if v := os.Getenv("FOREMAN_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".foreman"), nil
}

// resolvePathWithEnv returns the path from envKey if set, otherwise joins base + suffix.
func resolvePathWithEnv(envKey, base, suffix string) string {
	if v := os.Getenv(envKey); v != "" {
		return v
	}
	return filepath.Join(base, suffix)
}
