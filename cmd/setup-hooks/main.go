// Package main installs the monitor hook command into the assistant CLI's
// settings.json, idempotently.
package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/workio/workio/internal/common/config"
	"github.com/workio/workio/internal/hooks"
)

func main() {
	var commandFlag string
	flag.StringVar(&commandFlag, "command", "", "hook command to install (default: the monitor binary beside this one)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	command := commandFlag
	if command == "" {
		command, err = defaultCommand()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to locate monitor binary: %v\n", err)
			os.Exit(1)
		}
	}

	settingsPath := filepath.Join(cfg.Monitor.ResolvedClaudeDir(), "settings.json")
	fmt.Printf("Loading settings from: %s\n", settingsPath)

	added, skipped, err := hooks.Install(settingsPath, command)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to install hooks: %v\n", err)
		os.Exit(1)
	}

	for _, name := range added {
		fmt.Printf("  [ADD]  %s: Added monitor hook\n", name)
	}
	for _, name := range skipped {
		fmt.Printf("  [SKIP] %s: Monitor hook already exists\n", name)
	}
	fmt.Printf("\nSummary:\n")
	fmt.Printf("  Added: %d hooks (%s)\n", len(added), listOrNone(added))
	fmt.Printf("  Skipped: %d hooks (%s)\n", len(skipped), listOrNone(skipped))
	fmt.Printf("\nSettings saved to: %s\n", settingsPath)
}

// defaultCommand resolves the monitor binary installed beside this one.
func defaultCommand() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", err
	}
	return filepath.Join(filepath.Dir(exe), "monitor"), nil
}

func listOrNone(names []string) string {
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, ", ")
}
