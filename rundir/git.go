package rundir

// This file contains Git integration utilities for recording which
// revision a run was made against.

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/perfgo/smokerun/model"
)

// GitInfo returns the commit and branch checked out in dir.
func GitInfo(dir string) (*model.Git, error) {
	commit, err := gitOutput(dir, "rev-parse", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to get git commit: %w", err)
	}
	branch, err := gitOutput(dir, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return nil, fmt.Errorf("failed to get git branch: %w", err)
	}
	return &model.Git{Commit: commit, Branch: branch}, nil
}

func gitOutput(dir string, args ...string) (string, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	output, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(output)), nil
}
