package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/perfgo/smokerun/backend"
	"github.com/perfgo/smokerun/backend/stub"
	"github.com/perfgo/smokerun/config"
	"github.com/perfgo/smokerun/failure"
	"github.com/perfgo/smokerun/health"
	"github.com/perfgo/smokerun/model"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServer mimics the action, state and event endpoints of the server under test.
type fakeServer struct {
	mu       sync.Mutex
	polls    map[string]int
	inputs   map[string]string
	persona  string
	tag      string
	finalSt  string
	statusOK bool
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		polls:    map[string]int{},
		inputs:   map[string]string{},
		tag:      "llama",
		finalSt:  "completed",
		statusOK: true,
	}
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/actions":
		var req struct {
			Kind    string            `json:"kind"`
			Input   map[string]string `json:"input"`
			Persona string            `json:"persona_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Kind == "" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		id := fmt.Sprintf("act-%d", len(f.inputs))
		f.inputs[id] = req.Input["msg"]
		f.persona = req.Persona
		json.NewEncoder(w).Encode(map[string]any{"action": map[string]any{"id": id}})

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/actions/"):
		id := strings.TrimPrefix(r.URL.Path, "/actions/")
		f.polls[id]++
		switch n := f.polls[id]; {
		case n == 1:
			w.WriteHeader(http.StatusNotFound)
		case n == 2:
			json.NewEncoder(w).Encode(map[string]any{"id": id, "state": "running"})
		default:
			doc := map[string]any{
				"id":      id,
				"state":   f.finalSt,
				"created": "2026-10-19T10:00:00.123Z",
				"output":  map[string]any{"echo": map[string]any{"msg": f.inputs[id]}, "backend": f.tag},
			}
			if f.persona != "" {
				doc["persona_id"] = f.persona
			}
			json.NewEncoder(w).Encode(doc)
		}

	case r.URL.Path == "/state/runtime_matrix":
		if !f.statusOK {
			json.NewEncoder(w).Encode(map[string]any{"items": map[string]any{}, "ttl_seconds": 60})
			return
		}
		w.Write([]byte(`{"ttl_seconds":60,"items":{"node-a":{"target":"node-a","generated":"2026-10-19T10:00:00Z",
			"status":{"code":"ok","label":"Ready","detail":["1 runtime ready"]}}}}`))

	case r.URL.Path == "/state/training/telemetry":
		w.Write([]byte(`{"generated":"2026-10-19T10:00:00Z","events":{"total":5},"routes":[{"path":"/actions"}],
			"bus":{"published":9},"tools":{"completed":2}}`))

	case r.URL.Path == "/state/projects":
		w.Write([]byte(`{"generated":"2026-10-19T10:00:00Z","items":[]}`))

	case r.URL.Path == "/events":
		if r.Header.Get("Accept") != "text/event-stream" || r.URL.Query().Get("replay") != "1" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Write([]byte(": hello\n\nevent: service.connected\ndata: {}\n\n"))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func probeConfig() config.Probes {
	cfg := config.Default().Probes
	cfg.Message = "X-marks-the-spot"
	cfg.ActionTimeout = 5 * time.Second
	cfg.StatusTimeout = 2 * time.Second
	return cfg
}

func newProber(t *testing.T, srv *httptest.Server, cfg config.Probes, desc backend.Descriptor) (*Prober, string) {
	t.Helper()
	dir := t.TempDir()
	client, err := health.NewClient(config.Client{AuthMode: config.AuthNone, Timeout: 2 * time.Second}, "")
	require.NoError(t, err)

	capture := filepath.Join(dir, "stub-requests.jsonl")
	require.NoError(t, os.WriteFile(capture, []byte(`{"id":"1","method":"POST","path":"/completion","body":{"prompt":"x","cache_prompt":true}}`+"\n"), 0644))
	backendLog := filepath.Join(dir, "backend.log")
	require.NoError(t, os.WriteFile(backendLog, []byte("loading\n"+stub.SimulatedGPUMarker+"\n"), 0644))
	serverLog := filepath.Join(dir, "server.log")
	require.NoError(t, os.WriteFile(serverLog, []byte("server booted\n"), 0644))

	return New(zerolog.Nop(), cfg, Target{
		BaseURL:     srv.URL,
		Client:      client,
		Backend:     desc,
		CapturePath: capture,
		ServerLog:   serverLog,
		BackendLog:  backendLog,
		ArtifactDir: dir,
	}), dir
}

func TestFunctionalRoundTrip(t *testing.T) {
	fake := newFakeServer()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := probeConfig()
	cfg.Persona = "persona-1"
	p, dir := newProber(t, srv, cfg, backend.Descriptor{Kind: backend.KindStub, Accelerator: backend.AcceleratorNone})

	detail, err := p.Functional(context.Background())
	require.NoError(t, err)
	assert.Contains(t, detail, "1 action(s)")
	assert.FileExists(t, filepath.Join(dir, "action-0.json"))
	require.Len(t, p.Artifacts(), 1)
	assert.Equal(t, model.ArtifactTypeActionResponse, p.Artifacts()[0].Type)
}

func TestFunctionalMultipleActions(t *testing.T) {
	fake := newFakeServer()
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := probeConfig()
	cfg.ActionCount = 2
	p, _ := newProber(t, srv, cfg, backend.Descriptor{Kind: backend.KindStub})

	_, err := p.Functional(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, p.completedActions)
	assert.Equal(t, "X-marks-the-spot-1", fake.inputs["act-1"])
}

func TestFunctionalWrongBackendTag(t *testing.T) {
	fake := newFakeServer()
	fake.tag = "llama"
	srv := httptest.NewServer(fake)
	defer srv.Close()

	p, _ := newProber(t, srv, probeConfig(), backend.Descriptor{Kind: backend.KindSynthetic})
	_, err := p.Functional(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.KindProbe, failure.KindOf(err))
	assert.Contains(t, err.Error(), "synthetic")
}

func TestFunctionalUnexpectedState(t *testing.T) {
	fake := newFakeServer()
	fake.finalSt = "failed"
	srv := httptest.NewServer(fake)
	defer srv.Close()

	p, _ := newProber(t, srv, probeConfig(), backend.Descriptor{Kind: backend.KindStub})
	_, err := p.Functional(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.KindProbe, failure.KindOf(err))
	assert.Contains(t, err.Error(), `"failed"`)
}

func TestValidateAction(t *testing.T) {
	withOutput := func(output any) map[string]any {
		return map[string]any{
			"state":   "completed",
			"created": "2026-10-19T10:00:00Z",
			"output":  output,
		}
	}
	base := func() map[string]any {
		return withOutput(map[string]any{"echo": map[string]any{"msg": "X"}})
	}

	for _, tc := range []struct {
		name    string
		doc     map[string]any
		msg     string
		persona string
		tag     string
		wantErr bool
	}{
		{name: "echo", doc: base(), msg: "X"},
		{name: "bad created", doc: func() map[string]any { d := base(); d["created"] = "yesterday"; return d }(), msg: "X", wantErr: true},
		{name: "empty output", doc: withOutput(map[string]any{}), msg: "X", wantErr: true},
		{name: "missing message", doc: base(), msg: "Y", wantErr: true},
		{name: "persona mismatch", doc: base(), msg: "X", persona: "p1", wantErr: true},
		{name: "angle bracket", doc: withOutput(map[string]any{"echo": "a<b", "backend": "llama"}), msg: "a<b", tag: "llama"},
		{name: "ampersand", doc: withOutput(map[string]any{"echo": "a&b"}), msg: "a&b"},
		{name: "quotes", doc: withOutput(map[string]any{"echo": `say "hi"`}), msg: `say "hi"`},
		{name: "nested list", doc: withOutput(map[string]any{"items": []any{1.0, map[string]any{"text": `c:\tmp`}}}), msg: `c:\tmp`},
		{name: "key is not content", doc: withOutput(map[string]any{"X": "y"}), msg: "X", wantErr: true},
		{name: "wrong tag", doc: withOutput(map[string]any{"echo": "X", "backend": "synthetic"}), msg: "X", tag: "llama", wantErr: true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := json.Marshal(tc.doc)
			require.NoError(t, err)
			err = ValidateAction(tc.doc, raw, tc.msg, tc.persona, tc.tag)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestCheckCapture(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "c.jsonl")

	require.NoError(t, os.WriteFile(path, nil, 0644))
	err := CheckCapture(path, "cache_prompt")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no requests captured")

	require.NoError(t, os.WriteFile(path, []byte(`{"id":"1","path":"/completion","body":{"prompt":"x"}}`+"\n"), 0644))
	require.Error(t, CheckCapture(path, "cache_prompt"))
	require.NoError(t, CheckCapture(path, ""))

	require.NoError(t, os.WriteFile(path, []byte(`{"id":"1","path":"/completion","body":{"prompt":"x","cache_prompt":true}}`+"\n"), 0644))
	require.NoError(t, CheckCapture(path, "cache_prompt"))
}

func TestValidateStatus(t *testing.T) {
	decode := func(s string) map[string]any {
		doc, err := decodeObject([]byte(s))
		require.NoError(t, err)
		return doc
	}

	summary, err := ValidateStatus(decode(`{"ttl_seconds":60,"items":{"a":{"status":{"label":"Ready","detail":["ok"]}}}}`))
	require.NoError(t, err)
	assert.Contains(t, summary, "a=Ready")

	bad := []string{
		`{"items":{"a":{"status":{"label":"Ready","detail":["ok"]}}}}`,
		`{"ttl_seconds":0,"items":{"a":{"status":{"label":"Ready","detail":["ok"]}}}}`,
		`{"ttl_seconds":1.5,"items":{"a":{"status":{"label":"Ready","detail":["ok"]}}}}`,
		`{"ttl_seconds":"60","items":{"a":{"status":{"label":"Ready","detail":["ok"]}}}}`,
		`{"ttl_seconds":60,"items":{}}`,
		`{"ttl_seconds":60,"items":{"a":{"status":{"label":"  ","detail":["ok"]}}}}`,
		`{"ttl_seconds":60,"items":{"a":{"status":{"label":"Ready","detail":[]}}}}`,
		`{"ttl_seconds":60,"items":{"a":{"status":{"label":"Ready","detail":[""]}}}}`,
		`{"ttl_seconds":60,"items":{"a":{"target":"b","status":{"label":"Ready","detail":["ok"]}}}}`,
		`{"ttl_seconds":60,"items":{"a":{"generated":"soon","status":{"label":"Ready","detail":["ok"]}}}}`,
	}
	for i, doc := range bad {
		t.Run(fmt.Sprintf("bad-%d", i), func(t *testing.T) {
			_, err := ValidateStatus(decode(doc))
			require.Error(t, err)
			assert.Equal(t, failure.KindProbe, failure.KindOf(err))
		})
	}
}

func TestStatusProbeRetriesUntilConsistent(t *testing.T) {
	fake := newFakeServer()
	fake.statusOK = false
	srv := httptest.NewServer(fake)
	defer srv.Close()

	go func() {
		time.Sleep(500 * time.Millisecond)
		fake.mu.Lock()
		fake.statusOK = true
		fake.mu.Unlock()
	}()

	p, _ := newProber(t, srv, probeConfig(), backend.Descriptor{Kind: backend.KindStub})
	detail, err := p.Status(context.Background())
	require.NoError(t, err)
	assert.Contains(t, detail, "node-a=Ready")
}

func TestStatusProbeFailsWhenNeverConsistent(t *testing.T) {
	fake := newFakeServer()
	fake.statusOK = false
	srv := httptest.NewServer(fake)
	defer srv.Close()

	cfg := probeConfig()
	cfg.StatusTimeout = 500 * time.Millisecond
	p, _ := newProber(t, srv, cfg, backend.Descriptor{Kind: backend.KindStub})
	_, err := p.Status(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.KindProbe, failure.KindOf(err))
}

func TestCheckGPULog(t *testing.T) {
	markers := regexp.MustCompile(`(?i)cuda|metal|rocm|vulkan|hip`)

	_, err := CheckGPULog("ggml: using cuda device 0", markers, true, false)
	require.NoError(t, err)

	_, err = CheckGPULog(stub.SimulatedGPUMarker, markers, true, true)
	require.NoError(t, err)

	_, err = CheckGPULog("found CUDA device\nwarning: Falling back to CPU", markers, false, false)
	require.Error(t, err)
	assert.Equal(t, failure.KindProbe, failure.KindOf(err))

	_, err = CheckGPULog(stub.SimulatedGPUMarker+"\nfalling back to cpu", markers, true, false)
	require.Error(t, err)

	detail, err := CheckGPULog("model loaded", markers, false, false)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(detail, warnPrefix))

	_, err = CheckGPULog("model loaded", markers, false, true)
	require.Error(t, err)
}

func TestStateProbes(t *testing.T) {
	srv := httptest.NewServer(newFakeServer())
	defer srv.Close()
	p, _ := newProber(t, srv, probeConfig(), backend.Descriptor{Kind: backend.KindStub})
	p.completedActions = 2

	_, err := p.Telemetry(context.Background())
	require.NoError(t, err)

	p.completedActions = 3
	_, err = p.Telemetry(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "tools.completed >= 3")

	_, err = p.Projects(context.Background())
	require.NoError(t, err)

	detail, err := p.Events(context.Background())
	require.NoError(t, err)
	assert.Contains(t, detail, "service.connected")
}

func TestRunStopsAtFirstFailureWithLogTails(t *testing.T) {
	fake := newFakeServer()
	fake.finalSt = "failed"
	srv := httptest.NewServer(fake)
	defer srv.Close()

	p, _ := newProber(t, srv, probeConfig(), backend.Descriptor{Kind: backend.KindStub, Accelerator: backend.AcceleratorGPU, Simulated: true})
	results, err := p.Run(context.Background(), []string{config.ProbeStatus, config.ProbeFunctional, config.ProbeGPU})
	require.Error(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, config.ProbeFunctional, results[0].Name)
	assert.Equal(t, model.StatusFailed, results[0].Status)

	fe, ok := failure.As(err)
	require.True(t, ok)
	assert.Contains(t, fe.LogTail, "server booted")
	assert.Contains(t, fe.LogTail, "backend log tail")
}

func TestRunAllProbes(t *testing.T) {
	srv := httptest.NewServer(newFakeServer())
	defer srv.Close()

	cfg := probeConfig()
	cfg.ActionCount = 2
	p, _ := newProber(t, srv, cfg, backend.Descriptor{Kind: backend.KindStub, Accelerator: backend.AcceleratorGPU, Simulated: true})
	results, err := p.Run(context.Background(), Order)
	require.NoError(t, err)
	require.Len(t, results, len(Order))
	for _, r := range results {
		assert.Equal(t, model.StatusPassed, r.Status, r.Name)
	}
}

func TestRunSkipsGPUWithoutAccelerator(t *testing.T) {
	srv := httptest.NewServer(newFakeServer())
	defer srv.Close()

	p, _ := newProber(t, srv, probeConfig(), backend.Descriptor{Kind: backend.KindStub})
	results, err := p.Run(context.Background(), []string{config.ProbeGPU})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, model.StatusSkipped, results[0].Status)
}
