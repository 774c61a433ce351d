// Package server launches the server under test with an isolated
// environment and gates the run on its health endpoint.
package server

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/perfgo/smokerun/backend"
	"github.com/perfgo/smokerun/config"
	"github.com/perfgo/smokerun/failure"
	"github.com/perfgo/smokerun/health"
	"github.com/perfgo/smokerun/poll"
	"github.com/perfgo/smokerun/procs"
	"github.com/perfgo/smokerun/rundir"
	"github.com/rs/zerolog"
)

const (
	bindAddress = "127.0.0.1"
	envPrefix   = "ARW_"
)

// Instance is a running server under test.
type Instance struct {
	BaseURL    string
	Port       int
	AdminToken string
	Handle     *procs.Handle
	Spec       procs.Spec
	Client     *health.Client
	Dirs       Dirs
}

type Supervisor struct {
	logger      zerolog.Logger
	cfg         config.Server
	client      config.Client
	projectRoot string
	baseEnv     []string
	registry    procs.Registry
}

func NewSupervisor(logger zerolog.Logger, cfg *config.Config, registry procs.Registry) *Supervisor {
	return &Supervisor{
		logger:      logger,
		cfg:         cfg.Server,
		client:      cfg.Client,
		projectRoot: cfg.ProjectRoot,
		baseEnv:     cfg.BaseEnv,
		registry:    registry,
	}
}

// Check reports configuration errors Start would hit, without launching
// anything: the server binary and the client TLS material.
func (s *Supervisor) Check() error {
	if _, err := s.Binary(); err != nil {
		return err
	}
	return health.CheckTLS(s.client)
}

// Binary resolves the server executable: an explicit path must exist;
// otherwise target/release then target/debug under the project root are tried.
func (s *Supervisor) Binary() (string, error) {
	if s.cfg.Binary != "" {
		path := s.cfg.Binary
		if !filepath.IsAbs(path) && s.projectRoot != "" {
			if _, err := os.Stat(path); err != nil {
				path = filepath.Join(s.projectRoot, path)
			}
		}
		info, err := os.Stat(path)
		if err != nil {
			return "", failure.Configf("server", "server binary %s not found", s.cfg.Binary)
		}
		if info.IsDir() {
			return "", failure.Configf("server", "server binary %s is a directory", s.cfg.Binary)
		}
		return path, nil
	}

	name := s.cfg.Name
	for _, profile := range []string{"release", "debug"} {
		candidate := filepath.Join(s.projectRoot, "target", profile, name)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", failure.Configf("server", "server binary %s not found under %s (set --server-bin)",
		name, filepath.Join(s.projectRoot, "target"))
}

// Prepare builds the launch spec without starting or creating anything.
// port 0 allocates a free port.
func (s *Supervisor) Prepare(run *rundir.Run, be *backend.Instance, port int) (procs.Spec, *Instance, error) {
	path, err := s.Binary()
	if err != nil {
		return procs.Spec{}, nil, err
	}
	if port == 0 {
		port, err = procs.FreePort()
		if err != nil {
			return procs.Spec{}, nil, failure.Launch("server", err, "")
		}
	}
	token := s.cfg.AdminToken
	if token == "" {
		token = uuid.NewString()
	}

	dirs := StateDirs(run.StateDir)
	endpoint := ""
	if be != nil {
		endpoint = be.Endpoint
	}
	spec := procs.Spec{
		Name:    "server",
		Path:    path,
		Args:    s.cfg.Args,
		Env:     Environment(s.baseEnv, port, token, dirs, endpoint, s.cfg.Env),
		Dir:     run.Dir,
		LogPath: run.ServerLog,
	}
	inst := &Instance{
		BaseURL:    fmt.Sprintf("http://%s:%d", bindAddress, port),
		Port:       port,
		AdminToken: token,
		Spec:       spec,
		Dirs:       dirs,
	}
	return spec, inst, nil
}

// Start launches a fresh server and blocks until /healthz succeeds, the
// process exits, or the retry budget is exhausted.
func (s *Supervisor) Start(ctx context.Context, run *rundir.Run, be *backend.Instance) (*Instance, error) {
	spec, inst, err := s.Prepare(run, be, 0)
	if err != nil {
		return nil, err
	}
	client, err := health.NewClient(s.client, inst.AdminToken)
	if err != nil {
		return nil, err
	}
	inst.Client = client

	for _, d := range []string{inst.Dirs.State, inst.Dirs.Data, inst.Dirs.Cache} {
		if err := os.MkdirAll(d, 0755); err != nil {
			return nil, failure.Launch("server", err, "failed to prepare server state")
		}
	}

	handle, err := procs.Start(ctx, s.logger, spec)
	if err != nil {
		return nil, failure.Launch("server", err, "failed to start server %s", spec.Path)
	}
	inst.Handle = handle
	if s.registry != nil {
		s.registry.RegisterChild(handle.PID())
	}

	logger := s.logger.With().Int("pid", handle.PID()).Str("url", inst.BaseURL).Logger()
	logger.Info().Str("log", run.ServerLog).Msg("Waiting for server health")

	budget := poll.BudgetFor(s.cfg.WaitTimeout, s.cfg.PollInterval)
	err = health.WaitHealthy(ctx, logger, client, health.Healthz(inst.BaseURL), budget, handle)
	if err == nil {
		logger.Info().Msg("Server healthy")
		return inst, nil
	}

	s.Stop(inst)
	if ctx.Err() != nil {
		return nil, err
	}
	tail := procs.Tail("server", run.ServerLog, procs.DefaultTailBytes)
	if errors.Is(err, health.ErrProcessExited) {
		return nil, failure.WithLogTail(failure.Launch("server", err, "server exited during startup"), tail)
	}
	return nil, failure.Readiness("server", fmt.Errorf("server %s not healthy after %s: %w", inst.BaseURL, budget, err), tail)
}

// Stop terminates the server if it is running.
func (s *Supervisor) Stop(inst *Instance) {
	if inst == nil || inst.Handle == nil {
		return
	}
	if err := inst.Handle.Stop(procs.DefaultStopGrace); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to stop server")
	}
	if s.registry != nil {
		s.registry.UnregisterChild(inst.Handle.PID())
	}
}

// Dirs are the private directories of one server instance.
type Dirs struct {
	State string
	Data  string
	Cache string
}

func StateDirs(root string) Dirs {
	return Dirs{
		State: filepath.Join(root, "state"),
		Data:  filepath.Join(root, "data"),
		Cache: filepath.Join(root, "cache"),
	}
}

// Environment builds the isolated server environment: inherited ARW_*
// settings are dropped, the server binds loopback on port, keeps its state
// in dirs, gets a fresh admin credential and has outbound egress disabled.
// extra entries are applied last.
func Environment(base []string, port int, token string, dirs Dirs, backendURL string, extra []string) []string {
	env := make([]string, 0, len(base)+16)
	for _, kv := range base {
		if strings.HasPrefix(kv, envPrefix) {
			continue
		}
		env = append(env, kv)
	}

	sum := sha256.Sum256([]byte(token))
	set := []string{
		"ARW_PORT=" + strconv.Itoa(port),
		"ARW_BIND=" + bindAddress,
		"ARW_STATE_DIR=" + dirs.State,
		"ARW_DATA_DIR=" + dirs.Data,
		"ARW_CACHE_DIR=" + dirs.Cache,
		"ARW_ADMIN_TOKEN=" + token,
		"ARW_ADMIN_TOKEN_SHA256=" + hex.EncodeToString(sum[:]),
		"ARW_DEBUG=0",
		"ARW_NET_POSTURE=offline",
		"ARW_EGRESS_PROXY_ENABLE=0",
		"ARW_EGRESS_LEDGER_ENABLE=0",
	}
	if backendURL != "" {
		set = append(set, "ARW_LLAMA_URL="+backendURL)
	}
	env = append(env, set...)
	return mergeEnv(env, extra)
}

// mergeEnv applies overrides, replacing existing keys in place.
func mergeEnv(env, overrides []string) []string {
	for _, kv := range overrides {
		key, _, _ := strings.Cut(kv, "=")
		replaced := false
		for i, existing := range env {
			if k, _, _ := strings.Cut(existing, "="); k == key {
				env[i] = kv
				replaced = true
				break
			}
		}
		if !replaced {
			env = append(env, kv)
		}
	}
	return env
}
