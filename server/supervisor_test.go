package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/perfgo/smokerun/backend"
	"github.com/perfgo/smokerun/config"
	"github.com/perfgo/smokerun/failure"
	"github.com/perfgo/smokerun/rundir"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "SERVER_HELPER_MODE"

func TestMain(m *testing.M) {
	switch os.Getenv(helperEnv) {
	case "":
		os.Exit(m.Run())
	case "healthy":
		os.Exit(runHelperServer(http.StatusOK))
	case "unhealthy":
		os.Exit(runHelperServer(http.StatusServiceUnavailable))
	case "crash":
		fmt.Fprintln(os.Stderr, "panic: state dir is read-only")
		os.Exit(101)
	}
}

func runHelperServer(status int) int {
	token := os.Getenv("ARW_ADMIN_TOKEN")
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "ARW_") || strings.HasPrefix(kv, "LEAK_") {
			fmt.Fprintln(os.Stderr, "env", kv)
		}
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+token {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(status)
	})
	addr := net.JoinHostPort(os.Getenv("ARW_BIND"), os.Getenv("ARW_PORT"))
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	return 0
}

func testConfig(t *testing.T, mode string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.ProjectRoot = t.TempDir()
	cfg.Server.Binary = os.Args[0]
	cfg.Server.WaitTimeout = 5 * time.Second
	cfg.Server.PollInterval = 20 * time.Millisecond
	cfg.BaseEnv = append(os.Environ(), helperEnv+"="+mode, "ARW_ADMIN_TOKEN=leaked", "LEAK_CHECK=1")
	return cfg
}

func newRun(t *testing.T) *rundir.Run {
	t.Helper()
	run, err := rundir.NewManager(zerolog.Nop(), t.TempDir()).CreateRun()
	require.NoError(t, err)
	return run
}

type registry struct{ pids map[int]bool }

func (r *registry) RegisterChild(pid int)   { r.pids[pid] = true }
func (r *registry) UnregisterChild(pid int) { delete(r.pids, pid) }

func TestStartWaitsForHealth(t *testing.T) {
	cfg := testConfig(t, "healthy")
	reg := &registry{pids: map[int]bool{}}
	s := NewSupervisor(zerolog.Nop(), cfg, reg)
	run := newRun(t)

	inst, err := s.Start(context.Background(), run, &backend.Instance{Endpoint: "http://127.0.0.1:9"})
	require.NoError(t, err)
	assert.True(t, reg.pids[inst.Handle.PID()])
	assert.NotEqual(t, "leaked", inst.AdminToken)

	resp, err := inst.Client.Do(mustRequest(t, inst.BaseURL+"/healthz"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.DirExists(t, inst.Dirs.State)
	assert.DirExists(t, inst.Dirs.Cache)

	s.Stop(inst)
	assert.Empty(t, reg.pids)

	log, err := os.ReadFile(run.ServerLog)
	require.NoError(t, err)
	assert.Contains(t, string(log), "ARW_LLAMA_URL=http://127.0.0.1:9")
	assert.Contains(t, string(log), "ARW_STATE_DIR="+filepath.Join(run.StateDir, "state"))
	assert.Contains(t, string(log), "LEAK_CHECK=1")
	assert.NotContains(t, string(log), "ARW_ADMIN_TOKEN=leaked")
}

func TestPrepareCreatesNothing(t *testing.T) {
	cfg := testConfig(t, "healthy")
	s := NewSupervisor(zerolog.Nop(), cfg, nil)
	run := newRun(t)

	spec, inst, err := s.Prepare(run, nil, 4321)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:4321", inst.BaseURL)
	assert.Equal(t, run.ServerLog, spec.LogPath)
	assert.NoDirExists(t, inst.Dirs.State)
	assert.NoFileExists(t, run.ServerLog)
}

func TestStartReadinessTimeout(t *testing.T) {
	cfg := testConfig(t, "unhealthy")
	cfg.Server.WaitTimeout = 300 * time.Millisecond
	s := NewSupervisor(zerolog.Nop(), cfg, nil)
	run := newRun(t)

	_, err := s.Start(context.Background(), run, nil)
	require.Error(t, err)
	assert.Equal(t, failure.KindReadiness, failure.KindOf(err))
	fe, _ := failure.As(err)
	assert.Contains(t, fe.LogTail, "server log tail")
}

func TestStartDetectsEarlyExit(t *testing.T) {
	cfg := testConfig(t, "crash")
	s := NewSupervisor(zerolog.Nop(), cfg, nil)
	run := newRun(t)

	start := time.Now()
	_, err := s.Start(context.Background(), run, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), cfg.Server.WaitTimeout)
	assert.Equal(t, failure.KindLaunch, failure.KindOf(err))
	fe, _ := failure.As(err)
	assert.Contains(t, fe.LogTail, "state dir is read-only")
	assert.Contains(t, err.Error(), "101")
}

func TestBinaryResolution(t *testing.T) {
	cfg := config.Default()
	cfg.ProjectRoot = t.TempDir()

	s := NewSupervisor(zerolog.Nop(), cfg, nil)
	_, err := s.Binary()
	require.Error(t, err)
	assert.Equal(t, failure.KindConfiguration, failure.KindOf(err))

	debug := filepath.Join(cfg.ProjectRoot, "target", "debug", cfg.Server.Name)
	require.NoError(t, os.MkdirAll(filepath.Dir(debug), 0755))
	require.NoError(t, os.WriteFile(debug, []byte("#!/bin/sh\n"), 0755))
	path, err := s.Binary()
	require.NoError(t, err)
	assert.Equal(t, debug, path)

	release := filepath.Join(cfg.ProjectRoot, "target", "release", cfg.Server.Name)
	require.NoError(t, os.MkdirAll(filepath.Dir(release), 0755))
	require.NoError(t, os.WriteFile(release, []byte("#!/bin/sh\n"), 0755))
	path, err = s.Binary()
	require.NoError(t, err)
	assert.Equal(t, release, path)

	cfg.Server.Binary = "/nonexistent/arw-server"
	_, err = NewSupervisor(zerolog.Nop(), cfg, nil).Binary()
	require.Error(t, err)
	assert.Equal(t, failure.KindConfiguration, failure.KindOf(err))
}

func TestEnvironment(t *testing.T) {
	dirs := StateDirs("/runs/x/server-state")
	env := Environment(
		[]string{"PATH=/bin", "ARW_PORT=1", "ARW_DEBUG=1"},
		4242, "tok", dirs, "",
		[]string{"ARW_DEBUG=1", "EXTRA=yes"},
	)

	lookup := map[string]string{}
	for _, kv := range env {
		k, v, _ := strings.Cut(kv, "=")
		_, dup := lookup[k]
		assert.False(t, dup, "duplicate key %s", k)
		lookup[k] = v
	}
	assert.Equal(t, "/bin", lookup["PATH"])
	assert.Equal(t, "4242", lookup["ARW_PORT"])
	assert.Equal(t, "127.0.0.1", lookup["ARW_BIND"])
	assert.Equal(t, "tok", lookup["ARW_ADMIN_TOKEN"])
	// sha256("tok")
	assert.Equal(t, "1a7674eb4ee78df7e1ac439a93c3fa8e3c945784d4dec9fd8e3011738b2f1d62", lookup["ARW_ADMIN_TOKEN_SHA256"])
	assert.Equal(t, "1", lookup["ARW_DEBUG"])
	assert.Equal(t, "yes", lookup["EXTRA"])
	assert.Equal(t, "offline", lookup["ARW_NET_POSTURE"])
	_, hasBackend := lookup["ARW_LLAMA_URL"]
	assert.False(t, hasBackend)
}

func mustRequest(t *testing.T, url string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	return req
}
