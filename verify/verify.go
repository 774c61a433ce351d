// Package verify asserts the observable behaviour of a running server and
// backend: the functional round trip, the status document, GPU usage and a
// handful of state endpoints.
package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/perfgo/smokerun/backend"
	"github.com/perfgo/smokerun/config"
	"github.com/perfgo/smokerun/failure"
	"github.com/perfgo/smokerun/health"
	"github.com/perfgo/smokerun/model"
	"github.com/perfgo/smokerun/procs"
	"github.com/rs/zerolog"
)

// Order is the order probes run in.
var Order = []string{
	config.ProbeFunctional,
	config.ProbeStatus,
	config.ProbeGPU,
	config.ProbeTelemetry,
	config.ProbeProjects,
	config.ProbeEvents,
}

// Target is the system under verification.
type Target struct {
	BaseURL     string
	Client      *health.Client
	Backend     backend.Descriptor
	CapturePath string
	ServerLog   string
	BackendLog  string
	// ArtifactDir receives response documents; empty disables saving.
	ArtifactDir string
}

// Result is the outcome of one probe.
type Result struct {
	Name     string
	Status   model.Status
	Duration time.Duration
	Detail   string
	Err      error
}

type Prober struct {
	logger zerolog.Logger
	cfg    config.Probes
	target Target

	completedActions int
	artifacts        []model.Artifact
}

func New(logger zerolog.Logger, cfg config.Probes, target Target) *Prober {
	return &Prober{logger: logger, cfg: cfg, target: target}
}

// Artifacts lists the response documents saved so far.
func (p *Prober) Artifacts() []model.Artifact {
	return p.artifacts
}

// Run executes the enabled probes in Order and stops at the first failure.
// The returned error carries the server and backend log tails.
func (p *Prober) Run(ctx context.Context, enabled []string) ([]Result, error) {
	want := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		want[name] = true
	}

	var results []Result
	for _, name := range Order {
		if !want[name] {
			continue
		}
		if name == config.ProbeGPU && p.target.Backend.Accelerator != backend.AcceleratorGPU {
			results = append(results, Result{Name: name, Status: model.StatusSkipped, Detail: "accelerator is not gpu"})
			continue
		}

		start := time.Now()
		detail, err := p.runOne(ctx, name)
		res := Result{Name: name, Duration: time.Since(start), Detail: detail, Status: model.StatusPassed}
		logger := p.logger.With().Str("stage", "probe:"+name).Dur("duration", res.Duration).Logger()

		switch {
		case err != nil:
			res.Status = model.StatusFailed
			res.Err = err
			results = append(results, res)
			logger.Error().Err(err).Msg("Probe failed")
			if ctx.Err() != nil {
				return results, err
			}
			return results, failure.WithLogTail(err, p.logTails())
		case strings.HasPrefix(detail, warnPrefix):
			res.Status = model.StatusWarning
			res.Detail = strings.TrimPrefix(detail, warnPrefix)
			logger.Warn().Str("detail", res.Detail).Msg("Probe passed with warning")
		default:
			logger.Info().Str("detail", detail).Msg("Probe passed")
		}
		results = append(results, res)
	}
	return results, nil
}

const warnPrefix = "warning: "

func (p *Prober) runOne(ctx context.Context, name string) (string, error) {
	switch name {
	case config.ProbeFunctional:
		return p.Functional(ctx)
	case config.ProbeStatus:
		return p.Status(ctx)
	case config.ProbeGPU:
		return p.GPU()
	case config.ProbeTelemetry:
		return p.Telemetry(ctx)
	case config.ProbeProjects:
		return p.Projects(ctx)
	case config.ProbeEvents:
		return p.Events(ctx)
	default:
		return "", failure.Configf("verify", "unknown probe %q", name)
	}
}

// logTails renders the server and backend log tails.
func (p *Prober) logTails() string {
	var parts []string
	if p.target.ServerLog != "" {
		parts = append(parts, procs.Tail("server", p.target.ServerLog, procs.DefaultTailBytes))
	}
	if p.target.BackendLog != "" {
		if _, err := os.Stat(p.target.BackendLog); err == nil {
			parts = append(parts, procs.Tail("backend", p.target.BackendLog, procs.DefaultTailBytes))
		}
	}
	return strings.Join(parts, "\n")
}

func (p *Prober) url(path string) string {
	return strings.TrimRight(p.target.BaseURL, "/") + path
}

// getJSON fetches path and decodes a JSON object. The status code is
// returned alongside so callers can retry on 404.
func (p *Prober) getJSON(ctx context.Context, path string) (map[string]any, int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url(path), nil)
	if err != nil {
		return nil, 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	return p.doJSON(req)
}

func (p *Prober) doJSON(req *http.Request) (map[string]any, int, []byte, error) {
	resp, err := p.target.Client.Do(req)
	if err != nil {
		return nil, 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, nil, fmt.Errorf("failed to read %s response: %w", req.URL.Path, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, resp.StatusCode, body, fmt.Errorf("%s %s returned %d: %s", req.Method, req.URL.Path, resp.StatusCode, truncate(body, 256))
	}
	doc, err := decodeObject(body)
	if err != nil {
		return nil, resp.StatusCode, body, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	return doc, resp.StatusCode, body, nil
}

func decodeObject(body []byte) (map[string]any, error) {
	dec := json.NewDecoder(strings.NewReader(string(body)))
	dec.UseNumber()
	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("response is not a JSON object: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("response is null")
	}
	return doc, nil
}

func (p *Prober) saveArtifact(name string, kind model.ArtifactType, body []byte) {
	if p.target.ArtifactDir == "" || len(body) == 0 {
		return
	}
	path := filepath.Join(p.target.ArtifactDir, name)
	if err := os.WriteFile(path, body, 0644); err != nil {
		p.logger.Warn().Err(err).Str("path", path).Msg("Failed to save artifact")
		return
	}
	p.artifacts = append(p.artifacts, model.Artifact{Type: kind, Size: uint64(len(body)), File: filepath.Join(filepath.Base(p.target.ArtifactDir), name)})
}

func truncate(b []byte, n int) string {
	s := strings.TrimSpace(string(b))
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func parseRFC3339(raw string) error {
	if _, err := time.Parse(time.RFC3339Nano, raw); err != nil {
		return fmt.Errorf("%q is not an RFC3339 timestamp", raw)
	}
	return nil
}
