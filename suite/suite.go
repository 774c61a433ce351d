// Package suite orchestrates one smoke run: resolve the backend, launch it,
// launch the server under test, run the verification probes and settle the
// run directory, all under the watchdog deadline.
package suite

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/perfgo/smokerun/backend"
	"github.com/perfgo/smokerun/config"
	"github.com/perfgo/smokerun/exitcodes"
	"github.com/perfgo/smokerun/failure"
	"github.com/perfgo/smokerun/model"
	"github.com/perfgo/smokerun/rundir"
	"github.com/perfgo/smokerun/server"
	"github.com/perfgo/smokerun/verify"
	"github.com/perfgo/smokerun/watchdog"
	"github.com/rs/zerolog"
)

const watchdogTag = "smoke"

// Option configures a Suite.
type Option func(*Suite)

// WithMemoryProbe replaces the system memory probe used for the GPU budget.
func WithMemoryProbe(probe backend.MemoryProbe) Option {
	return func(s *Suite) {
		s.memory = probe
	}
}

// WithOutput sets where the plan and summary tables go.
func WithOutput(w io.Writer, colored bool) Option {
	return func(s *Suite) {
		s.out = w
		s.colored = colored
	}
}

type Suite struct {
	logger  zerolog.Logger
	cfg     *config.Config
	guard   *watchdog.Guard
	memory  backend.MemoryProbe
	out     io.Writer
	colored bool
}

func New(logger zerolog.Logger, cfg *config.Config, guard *watchdog.Guard, opts ...Option) *Suite {
	s := &Suite{
		logger: logger,
		cfg:    cfg,
		guard:  guard,
		out:    os.Stdout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Report is the outcome of Run. Record is nil for dry runs, Plan is nil
// otherwise. RunDir is set when the run directory was preserved.
type Report struct {
	Record *model.Run
	Plan   *Plan
	RunDir string
}

type prepared struct {
	manager    *rundir.Manager
	desc       backend.Descriptor
	launcher   *backend.Launcher
	supervisor *server.Supervisor
}

// Run executes the suite. Configuration problems are reported before
// anything is created or launched.
func (s *Suite) Run(ctx context.Context) (*Report, error) {
	ctx = s.guard.Arm(ctx, s.cfg.WatchdogPolicy(), watchdogTag)
	defer s.guard.Disarm()

	p, err := s.prepare(ctx)
	if err != nil {
		return nil, s.classify(err, "prepare")
	}

	if s.cfg.DryRun {
		plan, err := s.plan(p)
		if err != nil {
			return nil, err
		}
		plan.Render(s.out)
		return &Report{Plan: plan}, nil
	}
	return s.execute(ctx, p)
}

func (s *Suite) prepare(ctx context.Context) (*prepared, error) {
	root, err := rundir.ResolveRoot(s.cfg.SmokeRoot, s.cfg.ProjectRoot)
	if err != nil {
		return nil, err
	}

	desc, err := backend.NewResolver(s.logger, s.cfg.Backend, s.memory).Resolve(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("mode", string(s.cfg.Backend.Mode)).Str("backend", desc.String()).Msg("Backend resolved")

	supervisor := server.NewSupervisor(s.logger, s.cfg, s.guard)
	if err := supervisor.Check(); err != nil {
		return nil, err
	}

	return &prepared{
		manager:    rundir.NewManager(s.logger, root),
		desc:       desc,
		launcher:   backend.NewLauncher(s.logger, s.cfg.Backend, s.cfg.Executable, s.cfg.BaseEnv, s.guard),
		supervisor: supervisor,
	}, nil
}

// allocate prunes the smoke root and creates the run directory while
// holding the root lock.
func (s *Suite) allocate(ctx context.Context, m *rundir.Manager) (*rundir.Run, error) {
	unlock, err := m.Lock(ctx)
	if err != nil {
		return nil, failure.Launch("rundir", err, "")
	}
	defer unlock()

	res, err := m.Prune(s.cfg.RetentionPolicy())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to prune smoke root")
	} else if len(res.Removed) > 0 || len(res.Failed) > 0 {
		s.logger.Info().Int("removed", len(res.Removed)).Int("failed", len(res.Failed)).Msg("Pruned old run directories")
	}

	run, err := m.CreateRun()
	if err != nil {
		return nil, failure.Launch("rundir", err, "")
	}
	return run, nil
}

func (s *Suite) execute(ctx context.Context, p *prepared) (*Report, error) {
	started := time.Now()
	run, err := s.allocate(ctx, p.manager)
	if err != nil {
		return nil, s.classify(err, "rundir")
	}
	logger := s.logger.With().Str("run_id", run.Name).Logger()
	logger.Info().Str("dir", run.Dir).Msg("Run directory created")

	rec := &model.Run{
		ID:        run.ID,
		Name:      run.Name,
		Timestamp: run.Created,
		Args:      s.cfg.Args,
		WorkDir:   s.workDir(),
	}
	if git, err := rundir.GitInfo(s.cfg.ProjectRoot); err == nil {
		rec.Git = git
	} else {
		logger.Debug().Err(err).Msg("No git information")
	}

	st := &stages{}
	var (
		be  *backend.Instance
		srv *server.Instance
	)
	runErr := func() error {
		err := st.do("backend", func() (string, error) {
			var err error
			be, err = p.launcher.Start(ctx, p.desc, run)
			if err != nil {
				return "", err
			}
			return be.Descriptor.String(), nil
		})
		if err != nil {
			return err
		}

		err = st.do("server", func() (string, error) {
			var err error
			srv, err = p.supervisor.Start(ctx, run, be)
			if err != nil {
				return "", err
			}
			return srv.BaseURL, nil
		})
		if err != nil {
			return err
		}

		st.current = "verify"
		prober := verify.New(logger, s.cfg.Probes, verify.Target{
			BaseURL:     srv.BaseURL,
			Client:      srv.Client,
			Backend:     be.Descriptor,
			CapturePath: be.CapturePath,
			ServerLog:   run.ServerLog,
			BackendLog:  run.BackendLog,
			ArtifactDir: run.Artifacts,
		})
		results, err := prober.Run(ctx, s.cfg.Probes.Enabled)
		st.probes(results)
		rec.Artifacts = append(rec.Artifacts, prober.Artifacts()...)
		return err
	}()

	p.supervisor.Stop(srv)
	p.launcher.Stop(be)
	if n := s.guard.TerminateChildren(syscall.SIGKILL); n > 0 {
		logger.Warn().Int("count", n).Msg("Killed leftover child processes")
	}

	runErr = s.classify(runErr, st.current)
	if s.guard.TimedOut() {
		st.timedOut()
	}

	desc := p.desc
	if be != nil {
		desc = be.Descriptor
	}
	rec.Backend = backendRecord(desc, be)
	rec.Server = serverRecord(srv)
	rec.Stages = st.list
	rec.ExitCode = ExitCode(runErr)
	rec.Status = runStatus(runErr, s.guard.TimedOut())
	if runErr != nil {
		rec.Error = runErr.Error()
	}
	rec.Duration = time.Since(started)

	s.settle(logger, p.manager, run, rec)

	report := &Report{Record: rec}
	preserved, err := p.manager.Finalize(run, rec.ExitCode, s.cfg.Keep)
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to finalize run directory")
	}
	if preserved {
		report.RunDir = run.Dir
		runErr = failure.WithRunDir(runErr, run.Dir)
	}

	RenderSummary(s.out, rec, report.RunDir, s.colored)
	return report, runErr
}

// settle writes metrics and the run record into the run directory.
func (s *Suite) settle(logger zerolog.Logger, m *rundir.Manager, run *rundir.Run, rec *model.Run) {
	metricsPath := filepath.Join(run.Dir, MetricsFile)
	if err := writeMetrics(metricsPath, rec); err != nil {
		logger.Warn().Err(err).Msg("Failed to write run metrics")
	}

	files := []struct {
		path string
		kind model.ArtifactType
	}{
		{run.ServerLog, model.ArtifactTypeServerLog},
		{run.BackendLog, model.ArtifactTypeBackendLog},
		{run.ArtifactPath(backend.RealBackendLogFile), model.ArtifactTypeBackendLog},
		{run.ArtifactPath(backend.StubCaptureFile), model.ArtifactTypeStubCapture},
		{metricsPath, model.ArtifactTypeMetrics},
	}
	for _, f := range files {
		info, err := os.Stat(f.path)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(run.Dir, f.path)
		if err != nil {
			rel = f.path
		}
		rec.Artifacts = append(rec.Artifacts, model.Artifact{Type: f.kind, Size: uint64(info.Size()), File: rel})
	}

	if err := m.WriteRecord(run, rec); err != nil {
		logger.Warn().Err(err).Msg("Failed to write run record")
	}
}

// classify turns the outcome of a stage into the error reported to the
// caller. An expired deadline overrides whatever the stage returned.
func (s *Suite) classify(err error, stage string) error {
	if s.guard.TimedOut() {
		return failure.Timeout(stage, watchdog.ErrTimedOut)
	}
	if err != nil && s.guard.Interrupted() && failure.KindOf(err) == failure.KindUnknown {
		return fmt.Errorf("stage %s: %w", stage, watchdog.ErrInterrupted)
	}
	return err
}

func (s *Suite) workDir() string {
	wd, err := os.Getwd()
	if err != nil {
		return ""
	}
	if s.cfg.ProjectRoot == "" {
		return wd
	}
	rel, err := filepath.Rel(s.cfg.ProjectRoot, wd)
	if err != nil {
		return wd
	}
	return rel
}

// ExitCode maps a run error onto the process exit code. An unclassified
// interrupt exits with exitcodes.Interrupted.
func ExitCode(err error) int {
	if errors.Is(err, watchdog.ErrInterrupted) && failure.KindOf(err) == failure.KindUnknown {
		return exitcodes.Interrupted
	}
	return failure.ExitCode(err)
}

func runStatus(err error, timedOut bool) model.Status {
	switch {
	case timedOut:
		return model.StatusTimedOut
	case err != nil:
		return model.StatusFailed
	default:
		return model.StatusPassed
	}
}

func backendRecord(desc backend.Descriptor, be *backend.Instance) *model.Backend {
	rec := &model.Backend{
		Kind:           string(desc.Kind),
		Accelerator:    string(desc.Accelerator),
		Simulated:      desc.Simulated,
		RequireReal:    desc.RequireReal,
		DegradedReason: desc.DegradedReason,
	}
	if be != nil {
		rec.Endpoint = be.Endpoint
		if be.Handle != nil {
			rec.Command = be.Spec.CommandLine()
			rec.PID = be.Handle.PID()
		}
	}
	return rec
}

func serverRecord(srv *server.Instance) *model.Server {
	if srv == nil {
		return nil
	}
	rec := &model.Server{URL: srv.BaseURL, Command: srv.Spec.CommandLine()}
	if srv.Handle != nil {
		rec.PID = srv.Handle.PID()
	}
	return rec
}
