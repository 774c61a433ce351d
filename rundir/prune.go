package rundir

import (
	"errors"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gofrs/flock"
)

// RetentionPolicy bounds the run directories kept under a smoke root.
// A negative KeepLast keeps any number; a zero MaxAge keeps any age.
type RetentionPolicy struct {
	KeepLast int
	MaxAge   time.Duration
}

// Unlimited reports whether the policy never removes anything.
func (p RetentionPolicy) Unlimited() bool {
	return p.KeepLast < 0 && p.MaxAge <= 0
}

// PruneResult lists what a prune pass did, by directory path.
type PruneResult struct {
	Kept    []string
	Removed []string
	Skipped []string
	Failed  []string
}

type candidate struct {
	path    string
	modTime time.Time
}

// Prune removes run directories that fall outside the retention policy.
// Directories carrying the keep marker and directories of active runs are
// never removed and do not count against KeepLast. Directories vanishing
// concurrently are tolerated; individual removal failures are logged and
// recorded without aborting the pass.
func (m *Manager) Prune(policy RetentionPolicy) (PruneResult, error) {
	var result PruneResult

	dirEntries, err := os.ReadDir(m.root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return result, nil
		}
		return result, err
	}

	var candidates []candidate
	for _, d := range dirEntries {
		if !d.IsDir() || !IsRunName(d.Name()) {
			continue
		}
		path := filepath.Join(m.root, d.Name())

		if fileExists(filepath.Join(path, KeepMarker)) {
			result.Skipped = append(result.Skipped, path)
			continue
		}
		if m.active(path) {
			m.logger.Debug().Str("dir", path).Msg("Skipping active run directory")
			result.Skipped = append(result.Skipped, path)
			continue
		}

		info, err := d.Info()
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			m.logger.Warn().Err(err).Str("dir", path).Msg("Failed to stat run directory")
			result.Failed = append(result.Failed, path)
			continue
		}
		candidates = append(candidates, candidate{path: path, modTime: info.ModTime()})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].modTime.Equal(candidates[j].modTime) {
			return candidates[i].path > candidates[j].path
		}
		return candidates[i].modTime.After(candidates[j].modTime)
	})

	now := m.now()
	for i, c := range candidates {
		expired := policy.MaxAge > 0 && now.Sub(c.modTime) > policy.MaxAge
		overflow := policy.KeepLast >= 0 && i >= policy.KeepLast
		if !expired && !overflow {
			result.Kept = append(result.Kept, c.path)
			continue
		}

		if err := os.RemoveAll(c.path); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn().Err(err).Str("dir", c.path).Msg("Failed to remove run directory")
			result.Failed = append(result.Failed, c.path)
			continue
		}
		m.logger.Debug().Str("dir", c.path).Bool("expired", expired).Msg("Pruned run directory")
		result.Removed = append(result.Removed, c.path)
	}

	return result, nil
}

// active reports whether another process holds the run lock of dir.
func (m *Manager) active(dir string) bool {
	lockPath := filepath.Join(dir, runLockFile)
	if !fileExists(lockPath) {
		return false
	}
	lock := flock.New(lockPath)
	locked, err := lock.TryLock()
	if err != nil || !locked {
		return true
	}
	_ = lock.Unlock()
	return false
}
