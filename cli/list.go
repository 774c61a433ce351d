package cli

// This file contains the list command for displaying retained run directories.

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/perfgo/smokerun/model"
	"github.com/perfgo/smokerun/rundir"
	"github.com/perfgo/smokerun/suite"
	"github.com/urfave/cli/v2"
)

func (a *App) list(ctx *cli.Context) error {
	limit := ctx.Int("limit")
	onlyFailed := ctx.Bool("failed")

	cfg, err := buildConfig(ctx)
	if err != nil {
		return err
	}
	root, err := rundir.ResolveRoot(cfg.SmokeRoot, cfg.ProjectRoot)
	if err != nil {
		return err
	}

	// Load all run records
	entries, err := rundir.NewManager(a.logger, root).Entries()
	if err != nil {
		return fmt.Errorf("failed to load run records: %w", err)
	}

	var filtered []rundir.Entry
	for _, entry := range entries {
		if !onlyFailed || entry.Run.ExitCode != 0 {
			filtered = append(filtered, entry)
		}
	}

	if len(filtered) == 0 {
		fmt.Printf("No retained runs found in %s\n", root)
		return nil
	}

	// Sort by timestamp (newest first)
	sort.Slice(filtered, func(i, j int) bool {
		return filtered[i].Run.Timestamp.After(filtered[j].Run.Timestamp)
	})

	display := filtered
	if limit > 0 && limit < len(display) {
		display = display[:limit]
	}

	colored := isTerminal(os.Stdout)
	fmt.Printf("\n=== Retained runs (%d total) ===\n\n", len(filtered))

	for _, entry := range display {
		r := entry.Run
		timestamp := r.Timestamp.Format("2006-01-02 15:04:05")
		duration := r.Duration.Round(time.Millisecond)

		status := r.Status
		if status == "" {
			status = model.StatusPassed
			if r.ExitCode != 0 {
				status = model.StatusFailed
			}
		}

		marker := ""
		if entry.Kept {
			marker = "  [kept]"
		}
		fmt.Printf("%s  %s  [%s]  exit=%d  %s%s\n", suite.StatusLabel(status, colored), timestamp, duration, r.ExitCode, r.Name, marker)

		// Format args (skip the program name)
		if len(r.Args) > 1 {
			fmt.Printf("   Args: %s\n", strings.Join(r.Args[1:], " "))
		}
		if r.Backend != nil {
			fmt.Printf("   Backend: %s/%s", r.Backend.Kind, r.Backend.Accelerator)
			if r.Backend.Simulated {
				fmt.Print(" (simulated)")
			}
			fmt.Println()
		}
		if r.Git != nil && r.Git.Commit != "" {
			shortCommit := r.Git.Commit
			if len(shortCommit) > 8 {
				shortCommit = shortCommit[:8]
			}
			fmt.Printf("   Commit: %s", shortCommit)
			if r.Git.Branch != "" {
				fmt.Printf(" (%s)", r.Git.Branch)
			}
			fmt.Println()
		}
		if r.Error != "" {
			fmt.Printf("   Error: %s\n", r.Error)
		}
		for _, artifact := range r.Artifacts {
			fmt.Printf("   %s: %s (%.1f KB)\n", artifact.Type, artifact.File, float64(artifact.Size)/1024)
		}
		fmt.Printf("   %s\n", entry.FullPath)
		fmt.Println()
	}

	fmt.Println("View server output: cat <path>/server.log")
	return nil
}
