package backend

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/perfgo/smokerun/config"
	"github.com/perfgo/smokerun/failure"
	"github.com/perfgo/smokerun/health"
	"github.com/perfgo/smokerun/poll"
	"github.com/perfgo/smokerun/procs"
	"github.com/perfgo/smokerun/rundir"
	"github.com/rs/zerolog"
)

const (
	loopback = "127.0.0.1"

	// StubCommand is the hidden smokerun subcommand serving the stub backend.
	StubCommand = "stub-backend"

	stubPortFile = "stub.port"
	// RealBackendLogFile keeps the log of a real GPU backend that failed to
	// launch before the simulated stub takes over the backend log.
	RealBackendLogFile = "backend-real.log"
	// StubCaptureFile is the JSONL record of requests the stub received,
	// kept in the artifacts directory.
	StubCaptureFile = "stub-requests.jsonl"
)

// Instance is a running (or, for Synthetic, absent) backend.
type Instance struct {
	Descriptor Descriptor
	// Endpoint is the backend base URL; empty for Synthetic.
	Endpoint string
	Handle   *procs.Handle
	Spec     procs.Spec
	// CapturePath is where the stub records inbound requests.
	CapturePath string
}

// Launcher starts the resolved backend strategy inside a run directory.
type Launcher struct {
	logger     zerolog.Logger
	cfg        config.Backend
	executable string
	env        []string
	registry   procs.Registry
}

// NewLauncher returns a launcher. executable is the smokerun binary used to
// serve the stub; env is the environment handed to the backend process.
func NewLauncher(logger zerolog.Logger, cfg config.Backend, executable string, env []string, registry procs.Registry) *Launcher {
	return &Launcher{
		logger:     logger,
		cfg:        cfg,
		executable: executable,
		env:        env,
		registry:   registry,
	}
}

// Plan returns the process spec that Start would launch, without launching
// it. ok is false when the strategy launches no process.
func (l *Launcher) Plan(desc Descriptor, run *rundir.Run) (procs.Spec, bool, error) {
	switch desc.Kind {
	case KindSynthetic:
		return procs.Spec{}, false, nil
	case KindStub:
		return l.stubSpec(desc, run), true, nil
	default:
		spec, _, err := l.realSpec(desc, run, 0)
		return spec, true, err
	}
}

// Start launches the backend and waits for it to become ready. A stub that
// cannot bind a socket degrades the run to Synthetic unless strict-stub is set.
// A real GPU backend that fails to launch is replaced by the simulated stub
// unless the descriptor requires real hardware.
func (l *Launcher) Start(ctx context.Context, desc Descriptor, run *rundir.Run) (*Instance, error) {
	switch desc.Kind {
	case KindSynthetic:
		l.logger.Info().Msg("Synthetic backend selected, no backend process launched")
		return &Instance{Descriptor: desc}, nil
	case KindStub:
		return l.startStub(ctx, desc, run)
	default:
		return l.startReal(ctx, desc, run)
	}
}

func (l *Launcher) stubSpec(desc Descriptor, run *rundir.Run) procs.Spec {
	args := []string{
		StubCommand,
		"--listen", net.JoinHostPort(loopback, "0"),
		"--port-file", run.ArtifactPath(stubPortFile),
		"--capture", run.ArtifactPath(StubCaptureFile),
	}
	if desc.Simulated {
		args = append(args, "--simulate-gpu")
	}
	return procs.Spec{
		Name:    "stub-backend",
		Path:    l.executable,
		Args:    args,
		Env:     l.env,
		Dir:     run.Dir,
		LogPath: run.BackendLog,
	}
}

func (l *Launcher) startStub(ctx context.Context, desc Descriptor, run *rundir.Run) (*Instance, error) {
	spec := l.stubSpec(desc, run)
	handle, err := procs.Start(ctx, l.logger, spec)
	if err != nil {
		return nil, failure.Launch("backend", err, "failed to start stub backend")
	}
	l.register(handle)

	port, err := l.waitPortFile(ctx, handle, run.ArtifactPath(stubPortFile))
	if err != nil {
		l.stop(handle)
		if ctx.Err() != nil {
			return nil, err
		}
		if l.cfg.StrictStub {
			return nil, failure.WithLogTail(
				failure.Launch("backend", err, "stub backend failed to bind"),
				procs.Tail("backend", run.BackendLog, procs.DefaultTailBytes))
		}
		reason := fmt.Sprintf("stub backend could not bind a socket: %v", err)
		l.logger.Warn().Str("reason", reason).Msg("Degrading to synthetic backend")
		return &Instance{Descriptor: desc.Degrade(reason)}, nil
	}

	endpoint := fmt.Sprintf("http://%s", net.JoinHostPort(loopback, strconv.Itoa(port)))
	inst := &Instance{
		Descriptor:  desc,
		Endpoint:    endpoint,
		Handle:      handle,
		Spec:        spec,
		CapturePath: run.ArtifactPath(StubCaptureFile),
	}
	if err := l.waitReady(ctx, inst, run); err != nil {
		l.stop(handle)
		return nil, err
	}
	l.logger.Info().Str("url", endpoint).Int("pid", handle.PID()).Bool("simulated", desc.Simulated).Msg("Stub backend ready")
	return inst, nil
}

// waitPortFile waits for the stub to publish its bound port. The stub
// exiting first means it could not bind.
func (l *Launcher) waitPortFile(ctx context.Context, handle *procs.Handle, path string) (int, error) {
	var port int
	budget := poll.BudgetFor(l.cfg.WaitTimeout, 50*time.Millisecond)
	err := poll.Until(ctx, budget, func(ctx context.Context, attempt int) (bool, error) {
		data, err := os.ReadFile(path)
		if err == nil {
			p, convErr := strconv.Atoi(strings.TrimSpace(string(data)))
			if convErr == nil && p > 0 {
				port = p
				return true, nil
			}
		}
		if handle.Exited() {
			return false, poll.Stop(fmt.Errorf("stub backend exited before binding (%s)", handle.ExitStatus()))
		}
		return false, errors.New("port file not written yet")
	})
	return port, err
}

func (l *Launcher) realSpec(desc Descriptor, run *rundir.Run, port int) (procs.Spec, int, error) {
	path, err := ResolveBinary(l.cfg.Binary)
	if err != nil {
		return procs.Spec{}, 0, failure.Configf("backend", "%v", err)
	}
	host := loopback
	if v, ok := FlagValue(l.cfg.Args, hostFlags...); ok && v != "" {
		host = v
	}
	if v, ok := FlagValue(l.cfg.Args, portFlags...); ok {
		p, err := strconv.Atoi(v)
		if err != nil || p <= 0 {
			return procs.Spec{}, 0, failure.Configf("backend", "invalid backend port %q", v)
		}
		port = p
	}
	args := ComposeArgs(l.cfg.Args, FlagOptions{
		Host:        host,
		Port:        port,
		Model:       l.cfg.ModelPath,
		Accelerator: desc.Accelerator,
		GPULayers:   l.cfg.GPULayers,
		CacheReuse:  l.cfg.CacheReuse,
	})
	return procs.Spec{
		Name:    "backend",
		Path:    path,
		Args:    args,
		Env:     l.env,
		Dir:     run.Dir,
		LogPath: run.BackendLog,
	}, port, nil
}

func (l *Launcher) startReal(ctx context.Context, desc Descriptor, run *rundir.Run) (*Instance, error) {
	port, err := procs.FreePort()
	if err != nil {
		return nil, failure.Launch("backend", err, "")
	}
	spec, port, err := l.realSpec(desc, run, port)
	if err != nil {
		return nil, err
	}
	host := loopback
	if v, ok := FlagValue(spec.Args, hostFlags...); ok && v != "" && v != "0.0.0.0" {
		host = v
	}

	handle, err := procs.Start(ctx, l.logger, spec)
	if err != nil {
		return l.fallback(ctx, desc, run, failure.Launch("backend", err, "failed to start backend %s", spec.Path))
	}
	l.register(handle)

	inst := &Instance{
		Descriptor: desc,
		Endpoint:   fmt.Sprintf("http://%s", net.JoinHostPort(host, strconv.Itoa(port))),
		Handle:     handle,
		Spec:       spec,
	}
	if err := l.waitReady(ctx, inst, run); err != nil {
		l.stop(handle)
		return l.fallback(ctx, desc, run, err)
	}
	l.logger.Info().Str("url", inst.Endpoint).Int("pid", handle.PID()).Str("accelerator", string(desc.Accelerator)).Msg("Backend ready")
	return inst, nil
}

// fallback replaces a real GPU backend that failed to launch with the
// simulated stub, unless real hardware is required.
func (l *Launcher) fallback(ctx context.Context, desc Descriptor, run *rundir.Run, err error) (*Instance, error) {
	if desc.Accelerator != AcceleratorGPU || desc.RequireReal || ctx.Err() != nil || failure.KindOf(err) != failure.KindLaunch {
		return nil, err
	}
	realLog := run.ArtifactPath(RealBackendLogFile)
	if renameErr := os.Rename(run.BackendLog, realLog); renameErr != nil && !errors.Is(renameErr, os.ErrNotExist) {
		l.logger.Warn().Err(renameErr).Msg("Failed to keep real backend log")
	}
	l.logger.Warn().
		Err(err).
		Str("log", realLog).
		Str("tail", procs.Tail("backend", realLog, procs.DefaultTailBytes)).
		Msg("Real GPU backend failed to launch, falling back to simulated stub")

	return l.startStub(ctx, Descriptor{
		Kind:           KindStub,
		Accelerator:    AcceleratorGPU,
		Simulated:      true,
		DegradedReason: fmt.Sprintf("real gpu backend failed to launch: %v", err),
	}, run)
}

func (l *Launcher) waitReady(ctx context.Context, inst *Instance, run *rundir.Run) error {
	client, err := health.NewClient(config.Client{AuthMode: config.AuthNone, Timeout: 2 * time.Second}, "")
	if err != nil {
		return err
	}
	budget := poll.BudgetFor(l.cfg.WaitTimeout, l.cfg.PollInterval)
	err = health.WaitHealthy(ctx, l.logger, client, health.BackendHealth(inst.Endpoint), budget, inst.Handle)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}
	tail := procs.Tail("backend", run.BackendLog, procs.DefaultTailBytes)
	if errors.Is(err, health.ErrProcessExited) {
		return failure.WithLogTail(failure.Launch("backend", err, "backend exited during startup"), tail)
	}
	return failure.Readiness("backend", err, tail)
}

func (l *Launcher) register(h *procs.Handle) {
	if l.registry != nil {
		l.registry.RegisterChild(h.PID())
	}
}

func (l *Launcher) stop(h *procs.Handle) {
	if err := h.Stop(procs.DefaultStopGrace); err != nil {
		l.logger.Warn().Err(err).Msg("Failed to stop backend")
	}
	if l.registry != nil {
		l.registry.UnregisterChild(h.PID())
	}
}

// Stop terminates the backend process, if any.
func (l *Launcher) Stop(inst *Instance) {
	if inst == nil || inst.Handle == nil {
		return
	}
	l.stop(inst.Handle)
}
