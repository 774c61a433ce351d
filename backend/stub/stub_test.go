package stub

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerEchoesCompletion(t *testing.T) {
	var captured bytes.Buffer
	s := New(zerolog.Nop(), Options{})
	s.capture = &captured

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/completion", "application/json",
		strings.NewReader(`{"prompt":"hello X","cache_prompt":true,"n_predict":16}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "llama stub echo: hello X", out["content"])
	assert.Equal(t, Model, out["model"])

	var entry Captured
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(captured.Bytes()), &entry))
	assert.Equal(t, "/completion", entry.Path)
	assert.True(t, entry.HasField("cache_prompt"))
	assert.False(t, entry.HasField("stream"))
	assert.Equal(t, out["id"], entry.ID)
}

func TestHandlerChat(t *testing.T) {
	s := New(zerolog.Nop(), Options{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/v1/chat/completions", "application/json",
		strings.NewReader(`{"messages":[{"role":"system","content":"be brief"},{"role":"user","content":"ping"}]}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Choices, 1)
	assert.Equal(t, "llama stub echo: ping", out.Choices[0].Message.Content)
}

func TestHandlerRejectsInvalidJSON(t *testing.T) {
	s := New(zerolog.Nop(), Options{})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/completion", "application/json", strings.NewReader(`{`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, err = http.Get(srv.URL + "/completion")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestServePublishesPortAndCaptures(t *testing.T) {
	dir := t.TempDir()
	portFile := filepath.Join(dir, "stub.port")
	captureFile := filepath.Join(dir, "requests.jsonl")

	var logs bytes.Buffer
	s := New(zerolog.New(&logs), Options{PortFile: portFile, CaptureFile: captureFile, SimulateGPU: true})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	var port int
	require.Eventually(t, func() bool {
		data, err := os.ReadFile(portFile)
		if err != nil {
			return false
		}
		port, err = strconv.Atoi(string(data))
		return err == nil && port > 0
	}, 5*time.Second, 10*time.Millisecond)

	base := "http://127.0.0.1:" + strconv.Itoa(port)
	resp, err := http.Get(base + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/completion", "application/json", strings.NewReader(`{"prompt":"x","cache_prompt":true}`))
	require.NoError(t, err)
	resp.Body.Close()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stub did not shut down")
	}

	captured, err := ReadCapture(captureFile)
	require.NoError(t, err)
	require.Len(t, captured, 1)
	assert.True(t, captured[0].HasField("cache_prompt"))
	assert.Contains(t, logs.String(), "CUDA")
}

func TestServeBindFailure(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()

	portFile := filepath.Join(t.TempDir(), "stub.port")
	s := New(zerolog.Nop(), Options{Listen: l.Addr().String(), PortFile: portFile})
	err = s.Serve(context.Background())
	require.Error(t, err)
	assert.NoFileExists(t, portFile)
}
