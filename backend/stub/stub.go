// Package stub is a minimal stand-in for a llama.cpp style backend. It
// echoes completion requests, records every inbound request so the server's
// backend contract can be checked afterwards, and exposes a liveness endpoint.
package stub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// SimulatedGPUMarker is logged at startup in simulated GPU mode, in the
// shape of a real CUDA initialisation line.
const SimulatedGPUMarker = "ggml_cuda_init: found 1 CUDA devices (simulated GPU backend)"

// Model is the model name the stub reports.
const Model = "llama-stub"

const maxRequestBytes = 1 << 20

type Options struct {
	// Listen is the address to bind; port 0 picks an ephemeral port.
	Listen string
	// PortFile receives the bound port once listening.
	PortFile string
	// CaptureFile receives one JSON line per inbound request.
	CaptureFile string
	SimulateGPU bool
}

// Captured is one recorded request.
type Captured struct {
	ID     string          `json:"id"`
	Time   time.Time       `json:"time"`
	Method string          `json:"method"`
	Path   string          `json:"path"`
	Body   json.RawMessage `json:"body,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	opts   Options

	mu      sync.Mutex
	capture io.Writer
}

func New(logger zerolog.Logger, opts Options) *Server {
	if opts.Listen == "" {
		opts.Listen = "127.0.0.1:0"
	}
	return &Server{logger: logger, opts: opts}
}

// Handler returns the stub's routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/v1/models", s.handleModels).Methods(http.MethodGet)
	r.HandleFunc("/completion", s.handleCompletion).Methods(http.MethodPost)
	r.HandleFunc("/completions", s.handleCompletion).Methods(http.MethodPost)
	r.HandleFunc("/v1/chat/completions", s.handleChat).Methods(http.MethodPost)
	return r
}

// Serve binds, publishes the port and serves until ctx is done.
func (s *Server) Serve(ctx context.Context) error {
	if s.opts.CaptureFile != "" {
		f, err := os.OpenFile(s.opts.CaptureFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open capture file: %w", err)
		}
		defer f.Close()
		s.capture = f
	}

	l, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", s.opts.Listen, err)
	}
	port := l.Addr().(*net.TCPAddr).Port

	if s.opts.SimulateGPU {
		s.logger.Info().Msg(SimulatedGPUMarker)
	}
	s.logger.Info().Str("addr", l.Addr().String()).Str("model", Model).Msg("Stub backend listening")

	if s.opts.PortFile != "" {
		if err := writePortFile(s.opts.PortFile, port); err != nil {
			l.Close()
			return err
		}
	}

	srv := &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(l)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// writePortFile writes atomically so readers never observe a partial port.
func writePortFile(path string, port int) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(port)), 0644); err != nil {
		return fmt.Errorf("failed to write port file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to publish port file: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "model": Model})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   []map[string]any{{"id": Model, "object": "model", "owned_by": "smokerun"}},
	})
}

type completionRequest struct {
	Prompt any `json:"prompt"`
}

func (s *Server) handleCompletion(w http.ResponseWriter, r *http.Request) {
	body, id, ok := s.record(w, r)
	if !ok {
		return
	}
	var req completionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid json: " + err.Error()})
		return
	}
	content := "llama stub echo: " + promptText(req.Prompt)
	writeJSON(w, http.StatusOK, map[string]any{
		"id":               id,
		"content":          content,
		"model":            Model,
		"stop":             true,
		"tokens_predicted": len(content),
	})
}

type chatRequest struct {
	Messages []struct {
		Role    string `json:"role"`
		Content any    `json:"content"`
	} `json:"messages"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	body, id, ok := s.record(w, r)
	if !ok {
		return
	}
	var req chatRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": map[string]any{"message": "invalid json: " + err.Error()}})
		return
	}
	last := ""
	for _, m := range req.Messages {
		if m.Role == "user" {
			last = promptText(m.Content)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":      id,
		"object":  "chat.completion",
		"created": time.Now().Unix(),
		"model":   Model,
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]any{"role": "assistant", "content": "llama stub echo: " + last},
			"finish_reason": "stop",
		}},
	})
}

// record reads the body and appends it to the capture file.
func (s *Server) record(w http.ResponseWriter, r *http.Request) ([]byte, string, bool) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "failed to read body"})
		return nil, "", false
	}
	id := uuid.NewString()
	entry := Captured{ID: id, Time: time.Now().UTC(), Method: r.Method, Path: r.URL.Path}
	if json.Valid(body) {
		entry.Body = body
	}

	s.logger.Debug().Str("id", id).Str("path", r.URL.Path).Int("bytes", len(body)).Msg("Request received")
	if err := s.appendCapture(entry); err != nil {
		s.logger.Error().Err(err).Msg("Failed to record request")
	}
	return body, id, true
}

func (s *Server) appendCapture(entry Captured) error {
	if s.capture == nil {
		return nil
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.capture.Write(append(line, '\n'))
	return err
}

func promptText(v any) string {
	switch p := v.(type) {
	case string:
		return p
	case []any:
		out := ""
		for _, item := range p {
			out += promptText(item)
		}
		return out
	case map[string]any:
		if t, ok := p["text"].(string); ok {
			return t
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
