package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/perfgo/smokerun/poll"
	"github.com/rs/zerolog"
)

// Spec describes one readiness check.
type Spec struct {
	URL          string
	Method       string
	StatusMin    int
	StatusMax    int
	BodyContains string
	// Timeout bounds a single attempt.
	Timeout time.Duration
}

// Healthz is the server-under-test readiness check: any 2xx.
func Healthz(baseURL string) Spec {
	return Spec{URL: strings.TrimRight(baseURL, "/") + "/healthz", Method: http.MethodGet, StatusMin: 200, StatusMax: 299, Timeout: 2 * time.Second}
}

// BackendHealth is the backend liveness check: exactly 200.
func BackendHealth(baseURL string) Spec {
	return Spec{URL: strings.TrimRight(baseURL, "/") + "/health", Method: http.MethodGet, StatusMin: 200, StatusMax: 200, Timeout: 2 * time.Second}
}

func (s Spec) statusOK(code int) bool {
	lo, hi := s.StatusMin, s.StatusMax
	if lo == 0 && hi == 0 {
		lo, hi = 200, 299
	}
	return code >= lo && code <= hi
}

const maxBodyBytes = 64 << 10

// Check performs a single attempt.
func Check(ctx context.Context, client *Client, spec Spec) error {
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}
	method := spec.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(ctx, method, spec.URL, nil)
	if err != nil {
		return fmt.Errorf("invalid health request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("failed to read health response: %w", err)
	}
	if !spec.statusOK(resp.StatusCode) {
		return fmt.Errorf("health check %s returned %d", spec.URL, resp.StatusCode)
	}
	if spec.BodyContains != "" && !strings.Contains(string(body), spec.BodyContains) {
		return fmt.Errorf("health check %s body does not contain %q", spec.URL, spec.BodyContains)
	}
	return nil
}

// ErrProcessExited is returned by WaitHealthy when the watched process
// exits before becoming healthy.
var ErrProcessExited = errors.New("process exited before becoming healthy")

// ExitWatcher reports whether the process behind an endpoint is gone.
type ExitWatcher interface {
	Exited() bool
	ExitStatus() string
}

// WaitHealthy polls spec within budget. When exit is non-nil the wait
// stops as soon as the process has exited.
func WaitHealthy(ctx context.Context, logger zerolog.Logger, client *Client, spec Spec, budget poll.Budget, exit ExitWatcher) error {
	return poll.Until(ctx, budget, func(ctx context.Context, attempt int) (bool, error) {
		if exit != nil && exit.Exited() {
			return false, poll.Stop(fmt.Errorf("%w (%s)", ErrProcessExited, exit.ExitStatus()))
		}
		err := Check(ctx, client, spec)
		if err == nil {
			logger.Debug().Str("url", spec.URL).Int("attempt", attempt).Msg("Endpoint healthy")
			return true, nil
		}
		logger.Debug().Err(err).Str("url", spec.URL).Int("attempt", attempt).Msg("Endpoint not ready")
		return false, err
	})
}
