package rundir

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/perfgo/smokerun/failure"
)

// DefaultRootName is the smoke root used when none is configured, relative to the project root.
const DefaultRootName = ".smoke"

// DetectProjectRoot returns the git repository root containing dir, or dir
// itself when it is not inside a repository.
func DetectProjectRoot(dir string) (string, error) {
	if root, err := gitOutput(dir, "rev-parse", "--show-toplevel"); err == nil && root != "" {
		return root, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve project root: %w", err)
	}
	return abs, nil
}

// ResolveRoot normalizes a configured smoke root. Relative candidates are
// taken relative to projectRoot; an empty candidate selects DefaultRootName.
// The result must be a strict descendant of projectRoot.
func ResolveRoot(candidate, projectRoot string) (string, error) {
	if projectRoot == "" {
		return "", failure.Configf("resolve-root", "project root is not set")
	}
	project, err := canonical(projectRoot)
	if err != nil {
		return "", failure.Configf("resolve-root", "invalid project root %s: %v", projectRoot, err)
	}

	if strings.TrimSpace(candidate) == "" {
		candidate = DefaultRootName
	}
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(project, candidate)
	}
	root, err := canonical(candidate)
	if err != nil {
		return "", failure.Configf("resolve-root", "invalid smoke root %s: %v", candidate, err)
	}

	if !isStrictDescendant(project, root) {
		return "", failure.Configf("resolve-root", "smoke root %s must be inside project root %s and not equal to it", root, project)
	}
	return root, nil
}

// canonical cleans path and resolves symlinks on its longest existing prefix,
// so a root that does not exist yet still compares correctly.
func canonical(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	abs = filepath.Clean(abs)

	existing := abs
	var rest []string
	for {
		if _, err := os.Lstat(existing); err == nil {
			break
		}
		parent := filepath.Dir(existing)
		if parent == existing {
			return abs, nil
		}
		rest = append([]string{filepath.Base(existing)}, rest...)
		existing = parent
	}
	resolved, err := filepath.EvalSymlinks(existing)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{resolved}, rest...)...), nil
}

func isStrictDescendant(parent, child string) bool {
	rel, err := filepath.Rel(parent, child)
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}
