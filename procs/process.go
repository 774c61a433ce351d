// Package procs owns the OS processes launched by a smoke run: the stub or
// real backend and the server under test. Each process runs in its own
// process group with stdout and stderr captured to a log file.
package procs

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"al.essio.dev/pkg/shellescape"
	"github.com/rs/zerolog"
)

// DefaultStopGrace is how long Stop waits after SIGTERM before escalating to SIGKILL.
const DefaultStopGrace = 5 * time.Second

// Spec describes a process to launch.
type Spec struct {
	Name    string
	Path    string
	Args    []string
	Env     []string // complete environment handed to the process
	Dir     string
	LogPath string
}

// CommandLine renders the spec as a shell-quoted command line.
func (s Spec) CommandLine() string {
	parts := make([]string, 0, len(s.Args)+1)
	parts = append(parts, shellescape.Quote(s.Path))
	for _, arg := range s.Args {
		parts = append(parts, shellescape.Quote(arg))
	}
	return strings.Join(parts, " ")
}

// Handle is an owned process: its pid, its log file and whether it is still
// expected to be running.
type Handle struct {
	Name    string
	LogPath string

	logger   zerolog.Logger
	cmd      *exec.Cmd
	done     chan struct{}
	waitErr  error
	expected atomic.Bool
}

// Start launches spec and returns once the process has been created.
func Start(ctx context.Context, logger zerolog.Logger, spec Spec) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if spec.Path == "" {
		return nil, errors.New("command path is required")
	}

	logFile, err := os.OpenFile(spec.LogPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s log file: %w", spec.Name, err)
	}

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdin = nil
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	setProcessGroup(cmd)

	logger.Debug().
		Str("process", spec.Name).
		Str("command", spec.CommandLine()).
		Str("log", spec.LogPath).
		Msg("Starting process")

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("failed to launch %s: %w", spec.Path, err)
	}

	h := &Handle{
		Name:    spec.Name,
		LogPath: spec.LogPath,
		logger:  logger.With().Str("process", spec.Name).Int("pid", cmd.Process.Pid).Logger(),
		cmd:     cmd,
		done:    make(chan struct{}),
	}
	h.expected.Store(true)

	go func() {
		h.waitErr = cmd.Wait()
		logFile.Close()
		close(h.done)
	}()

	return h, nil
}

// PID returns the process id.
func (h *Handle) PID() int {
	return h.cmd.Process.Pid
}

// Done is closed once the process has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Exited reports whether the process has exited, without blocking.
func (h *Handle) Exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// ExitStatus describes how the process ended. Only meaningful once Exited is true.
func (h *Handle) ExitStatus() string {
	if !h.Exited() {
		return "running"
	}
	if h.waitErr == nil {
		return "exit status 0"
	}
	return h.waitErr.Error()
}

// ExitCode returns the exit code once the process has exited, -1 otherwise.
func (h *Handle) ExitCode() int {
	if !h.Exited() {
		return -1
	}
	return h.cmd.ProcessState.ExitCode()
}

// Expected reports whether the process is still expected to be running.
func (h *Handle) Expected() bool {
	return h.expected.Load()
}

// Stop terminates the process group: SIGTERM first, SIGKILL once grace has elapsed.
func (h *Handle) Stop(grace time.Duration) error {
	h.expected.Store(false)
	if h.Exited() {
		return nil
	}
	if grace <= 0 {
		grace = DefaultStopGrace
	}

	h.logger.Debug().Msg("Stopping process")
	if err := SignalGroup(h.PID(), syscall.SIGTERM); err != nil {
		h.logger.Debug().Err(err).Msg("Failed to deliver SIGTERM")
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
	}

	h.logger.Warn().Dur("grace", grace).Msg("Process ignored SIGTERM, sending SIGKILL")
	if err := SignalGroup(h.PID(), syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill %s (pid %d): %w", h.Name, h.PID(), err)
	}

	select {
	case <-h.done:
		return nil
	case <-time.After(grace):
		return fmt.Errorf("%s (pid %d) did not exit after SIGKILL", h.Name, h.PID())
	}
}

// Registry tracks live children for forced cleanup. The watchdog implements it.
type Registry interface {
	RegisterChild(pid int)
	UnregisterChild(pid int)
}
