package procs

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is re-executed by the tests below as a stand-in child.
func TestHelperProcess(t *testing.T) {
	mode := os.Getenv("PROCS_HELPER_MODE")
	if mode == "" {
		return
	}
	switch mode {
	case "sleep":
		fmt.Println("helper sleeping")
		time.Sleep(time.Minute)
	case "ignore-term":
		signal.Ignore(syscall.SIGTERM)
		fmt.Println("helper ignoring SIGTERM")
		time.Sleep(time.Minute)
	case "exit":
		fmt.Println("helper exiting")
		os.Exit(3)
	}
	os.Exit(0)
}

func helperSpec(t *testing.T, mode string) Spec {
	t.Helper()
	return Spec{
		Name:    "helper",
		Path:    os.Args[0],
		Args:    []string{"-test.run=TestHelperProcess"},
		Env:     append(os.Environ(), "PROCS_HELPER_MODE="+mode),
		LogPath: filepath.Join(t.TempDir(), "helper.log"),
	}
}

func TestStartCapturesOutputAndExitStatus(t *testing.T) {
	h, err := Start(context.Background(), zerolog.Nop(), helperSpec(t, "exit"))
	require.NoError(t, err)

	select {
	case <-h.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("helper did not exit")
	}

	require.True(t, h.Exited())
	require.Equal(t, 3, h.ExitCode())
	require.Contains(t, h.ExitStatus(), "exit status 3")

	data, err := os.ReadFile(h.LogPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "helper exiting")
}

func TestStopTerminatesProcess(t *testing.T) {
	h, err := Start(context.Background(), zerolog.Nop(), helperSpec(t, "sleep"))
	require.NoError(t, err)
	require.True(t, h.Expected())
	require.True(t, Alive(h.PID()))

	require.NoError(t, h.Stop(2*time.Second))
	require.True(t, h.Exited())
	require.False(t, h.Expected())
}

func TestStopEscalatesToKill(t *testing.T) {
	h, err := Start(context.Background(), zerolog.Nop(), helperSpec(t, "ignore-term"))
	require.NoError(t, err)

	// give the helper time to install its handler
	require.Eventually(t, func() bool {
		data, _ := os.ReadFile(h.LogPath)
		return strings.Contains(string(data), "ignoring SIGTERM")
	}, 10*time.Second, 20*time.Millisecond)

	start := time.Now()
	require.NoError(t, h.Stop(200*time.Millisecond))
	require.True(t, h.Exited())
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestStartRejectsMissingBinary(t *testing.T) {
	spec := helperSpec(t, "sleep")
	spec.Path = filepath.Join(t.TempDir(), "does-not-exist")
	_, err := Start(context.Background(), zerolog.Nop(), spec)
	require.Error(t, err)
}

func TestCommandLineQuotesArguments(t *testing.T) {
	spec := Spec{Path: "/usr/bin/llama-server", Args: []string{"--model", "my model.gguf", "--port", "8080"}}
	require.Equal(t, "/usr/bin/llama-server --model 'my model.gguf' --port 8080", spec.CommandLine())
}

func TestFreePortIsBindable(t *testing.T) {
	port, err := FreePort()
	require.NoError(t, err)
	require.Greater(t, port, 0)

	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	require.NoError(t, err)
	l.Close()
}

func TestTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server.log")
	require.NoError(t, os.WriteFile(path, []byte("first line\nsecond line\nlast line\n"), 0644))

	tail := Tail("server", path, 10)
	require.Contains(t, tail, "last line")
	require.NotContains(t, tail, "first line")
	require.Contains(t, tail, "server log tail")

	missing := Tail("server", filepath.Join(t.TempDir(), "missing.log"), 10)
	require.Contains(t, missing, "unable to read server log")
}
