// Package rundir allocates and reclaims the ephemeral run directories kept
// under a smoke root.
//
// Layout of a run directory:
//
//	<root>/run-<yyyymmdd>-<hhmmss>-<id8>/
//	  server.log, backend.log     process output
//	  artifacts/                  captured requests and responses
//	  server-state/               private state, data and cache dirs of the server
//	  run.json                    run record
//	  metrics.prom                stage metrics (textfile collector format)
//	  .lock                       held while the run is active
//	  .keep / .failed             retention markers
package rundir

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/gofrs/flock"
	"github.com/perfgo/smokerun/model"
	"github.com/rs/zerolog"
)

const (
	KeepMarker   = ".keep"
	FailedMarker = ".failed"
	RecordFile   = "run.json"
	runLockFile  = ".lock"
	rootLockFile = ".smokerun.lock"
	namePrefix   = "run-"
	createTries  = 8
)

var namePattern = regexp.MustCompile(`^run-\d{8}-\d{6}-[0-9a-f]{8}$`)

// IsRunName reports whether name follows the run directory naming convention.
func IsRunName(name string) bool {
	return namePattern.MatchString(name)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source used for naming and age checks.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// Manager owns one smoke root.
type Manager struct {
	logger zerolog.Logger
	root   string
	now    func() time.Time
}

// NewManager returns a manager for an already resolved root (see ResolveRoot).
func NewManager(logger zerolog.Logger, root string, opts ...Option) *Manager {
	m := &Manager{
		logger: logger,
		root:   root,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Root returns the smoke root.
func (m *Manager) Root() string {
	return m.root
}

// Run is an allocated run directory.
type Run struct {
	ID         string
	Name       string
	Dir        string
	Created    time.Time
	ServerLog  string
	BackendLog string
	Artifacts  string
	StateDir   string

	lock *flock.Flock
}

// ArtifactPath returns a path inside the artifacts directory.
func (r *Run) ArtifactPath(name string) string {
	return filepath.Join(r.Artifacts, name)
}

// Lock serializes pruning and creation across concurrent invocations sharing
// the smoke root. The returned function releases the lock.
func (m *Manager) Lock(ctx context.Context) (func(), error) {
	if err := os.MkdirAll(m.root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create smoke root: %w", err)
	}
	lock := flock.New(filepath.Join(m.root, rootLockFile))
	locked, err := lock.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("failed to lock smoke root %s: %w", m.root, err)
	}
	if !locked {
		return nil, fmt.Errorf("failed to lock smoke root %s", m.root)
	}
	return func() {
		if err := lock.Unlock(); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to release smoke root lock")
		}
	}, nil
}

// Preview returns the run a CreateRun call would allocate now, without
// touching the filesystem. It is used for dry runs.
func (m *Manager) Preview() (*Run, error) {
	id, err := newID()
	if err != nil {
		return nil, err
	}
	return m.newRun(m.now(), id), nil
}

func newID() (string, error) {
	idBytes := make([]byte, 16)
	if _, err := rand.Read(idBytes); err != nil {
		return "", fmt.Errorf("failed to generate run ID: %w", err)
	}
	return hex.EncodeToString(idBytes), nil
}

func (m *Manager) newRun(now time.Time, id string) *Run {
	name := fmt.Sprintf("%s%s-%s", namePrefix, now.Format("20060102-150405"), id[:8])
	dir := filepath.Join(m.root, name)
	return &Run{
		ID:         id,
		Name:       name,
		Dir:        dir,
		Created:    now,
		ServerLog:  filepath.Join(dir, "server.log"),
		BackendLog: filepath.Join(dir, "backend.log"),
		Artifacts:  filepath.Join(dir, "artifacts"),
		StateDir:   filepath.Join(dir, "server-state"),
	}
}

// CreateRun atomically creates a new, uniquely named run directory. Names are
// never reused: a collision simply draws a new random suffix.
func (m *Manager) CreateRun() (*Run, error) {
	if err := os.MkdirAll(m.root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create smoke root: %w", err)
	}

	now := m.now()
	for i := 0; i < createTries; i++ {
		id, err := newID()
		if err != nil {
			return nil, err
		}
		run := m.newRun(now, id)

		if err := os.Mkdir(run.Dir, 0755); err != nil {
			if errors.Is(err, os.ErrExist) {
				m.logger.Debug().Str("dir", run.Dir).Msg("Run directory name collision, retrying")
				continue
			}
			return nil, fmt.Errorf("failed to create run directory: %w", err)
		}

		for _, sub := range []string{run.Artifacts, run.StateDir} {
			if err := os.MkdirAll(sub, 0755); err != nil {
				return nil, fmt.Errorf("failed to prepare run directory: %w", err)
			}
		}

		run.lock = flock.New(filepath.Join(run.Dir, runLockFile))
		if _, err := run.lock.TryLock(); err != nil {
			return nil, fmt.Errorf("failed to lock run directory: %w", err)
		}

		m.logger.Debug().Str("dir", run.Dir).Str("id", id).Msg("Created run directory")
		return run, nil
	}
	return nil, fmt.Errorf("failed to allocate a unique run directory after %d attempts", createTries)
}

// WriteRecord writes run.json into the run directory.
func (m *Manager) WriteRecord(run *Run, record *model.Run) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(run.Dir, RecordFile), data, 0644); err != nil {
		return fmt.Errorf("failed to write run record: %w", err)
	}
	return nil
}

// Finalize releases the run and decides its fate. An explicit keep pins the
// directory with the keep marker; a non-zero exit code preserves it with the
// failed marker (still subject to retention); otherwise it is deleted.
// It reports whether the directory was preserved.
func (m *Manager) Finalize(run *Run, exitCode int, keep bool) (bool, error) {
	if run.lock != nil {
		if err := run.lock.Unlock(); err != nil {
			m.logger.Debug().Err(err).Msg("Failed to release run lock")
		}
		run.lock = nil
	}
	if !isStrictDescendant(m.root, run.Dir) {
		return false, fmt.Errorf("refusing to finalize %s: not inside smoke root %s", run.Dir, m.root)
	}

	switch {
	case keep:
		if err := m.writeMarker(run, KeepMarker, exitCode); err != nil {
			return true, err
		}
		m.logger.Info().Str("dir", run.Dir).Msg("Keeping run directory (cleanup skipped)")
		return true, nil
	case exitCode != 0:
		if err := m.writeMarker(run, FailedMarker, exitCode); err != nil {
			return true, err
		}
		m.logger.Info().Str("dir", run.Dir).Int("exit_code", exitCode).Msg("Preserving run directory of failed run")
		return true, nil
	default:
		if err := os.RemoveAll(run.Dir); err != nil {
			return false, fmt.Errorf("failed to remove run directory: %w", err)
		}
		m.logger.Debug().Str("dir", run.Dir).Msg("Run directory removed")
		return false, nil
	}
}

func (m *Manager) writeMarker(run *Run, marker string, exitCode int) error {
	content := fmt.Sprintf("exit_code=%d\ntime=%s\n", exitCode, m.now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(filepath.Join(run.Dir, marker), []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write %s marker: %w", marker, err)
	}
	return nil
}
