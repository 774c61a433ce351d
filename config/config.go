// Package config holds the explicit configuration of a smoke run. A Config is
// built once at startup from flags, SMOKE_* environment variables and an
// optional YAML file, then handed to every component; nothing below the cli
// package reads the process environment.
package config

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/perfgo/smokerun/failure"
	"github.com/perfgo/smokerun/rundir"
	"github.com/perfgo/smokerun/watchdog"
)

// Mode selects the backend execution strategy.
type Mode string

const (
	ModeStub      Mode = "stub"
	ModeSynthetic Mode = "synthetic"
	ModeReal      Mode = "real"
	ModeCPU       Mode = "cpu"
	ModeGPU       Mode = "gpu"
)

// ParseMode accepts the mode names case-insensitively.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeStub, ModeSynthetic, ModeReal, ModeCPU, ModeGPU:
		return m, nil
	case "":
		return ModeStub, nil
	default:
		return "", failure.Configf("config", "unknown mode %q (want stub, synthetic, real, cpu or gpu)", s)
	}
}

// AuthMode selects how probe requests authenticate against the server.
type AuthMode string

const (
	AuthNone   AuthMode = "none"
	AuthBearer AuthMode = "bearer"
	AuthBasic  AuthMode = "basic"
	AuthHeader AuthMode = "header"
)

// ParseAuthMode accepts the auth mode names case-insensitively; empty means bearer.
func ParseAuthMode(s string) (AuthMode, error) {
	switch m := AuthMode(strings.ToLower(strings.TrimSpace(s))); m {
	case AuthNone, AuthBearer, AuthBasic, AuthHeader:
		return m, nil
	case "":
		return AuthBearer, nil
	default:
		return "", failure.Configf("config", "unsupported auth mode %q", s)
	}
}

// Probe names accepted in Probes.Enabled.
const (
	ProbeFunctional = "functional"
	ProbeStatus     = "status"
	ProbeGPU        = "gpu"
	ProbeTelemetry  = "telemetry"
	ProbeProjects   = "projects"
	ProbeEvents     = "events"
)

var knownProbes = []string{ProbeFunctional, ProbeStatus, ProbeGPU, ProbeTelemetry, ProbeProjects, ProbeEvents}

// DefaultTimeoutSource names the environment variable that overrides the run deadline.
const DefaultTimeoutSource = "SMOKE_TIMEOUT_SECS"

type Config struct {
	ProjectRoot string
	SmokeRoot   string
	Keep        bool
	DryRun      bool
	Verbose     bool

	// Timeout is the watchdog deadline for the whole run; zero disables it.
	Timeout       time.Duration
	TimeoutSource string

	KeepLast int
	MaxAge   time.Duration

	Backend Backend
	Server  Server
	Probes  Probes
	Client  Client

	// Executable is the smokerun binary, re-executed as the stub backend.
	Executable string
	// BaseEnv is the process environment captured once at startup.
	BaseEnv []string
	// Args is the invocation recorded in run.json.
	Args []string
}

type Backend struct {
	Mode        Mode
	RequireReal bool
	SimulateGPU bool
	StrictStub  bool

	Binary     string
	Args       []string
	ModelPath  string
	GPULayers  int
	CacheReuse int

	// Memory budget for real GPU launches: required = model size * factor + overhead,
	// compared against available memory minus reserve.
	MemoryFactor   float64
	MemoryOverhead uint64
	MemoryReserve  uint64

	WaitTimeout  time.Duration
	PollInterval time.Duration
}

type Server struct {
	Binary       string
	Name         string
	Args         []string
	Env          []string
	AdminToken   string
	WaitTimeout  time.Duration
	PollInterval time.Duration
}

type Probes struct {
	Enabled       []string
	Message       string
	Persona       string
	ActionKind    string
	ActionCount   int
	ActionTimeout time.Duration
	RequiredField string
	GPUMarkers    string
	EnforceGPU    bool
	StatusPath    string
	StatusTimeout time.Duration
}

// Client holds the HTTP client settings shared by health checks and probes.
type Client struct {
	AuthMode      AuthMode
	Bearer        string
	BasicUser     string
	BasicPassword string
	Header        string
	Timeout       time.Duration
	TLSCA         string
	TLSCert       string
	TLSKey        string
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		SmokeRoot:     rundir.DefaultRootName,
		Timeout:       10 * time.Minute,
		TimeoutSource: DefaultTimeoutSource,
		KeepLast:      5,
		MaxAge:        7 * 24 * time.Hour,
		Backend: Backend{
			Mode:           ModeStub,
			GPULayers:      999,
			CacheReuse:     256,
			MemoryFactor:   1.2,
			MemoryOverhead: 512 << 20,
			MemoryReserve:  1 << 30,
			WaitTimeout:    60 * time.Second,
			PollInterval:   400 * time.Millisecond,
		},
		Server: Server{
			Name:         "arw-server",
			WaitTimeout:  30 * time.Second,
			PollInterval: 400 * time.Millisecond,
		},
		Probes: Probes{
			Enabled:       []string{ProbeFunctional, ProbeStatus, ProbeGPU},
			Message:       "smoke-ping",
			ActionKind:    "demo.echo",
			ActionCount:   1,
			ActionTimeout: 20 * time.Second,
			RequiredField: "cache_prompt",
			GPUMarkers:    `cuda|metal|rocm|vulkan|hip`,
			StatusPath:    "/state/runtime_matrix",
			StatusTimeout: 15 * time.Second,
		},
		Client: Client{
			AuthMode: AuthBearer,
			Timeout:  10 * time.Second,
		},
	}
}

// WatchdogPolicy returns the run deadline as a watchdog policy.
func (c *Config) WatchdogPolicy() watchdog.Policy {
	return watchdog.Policy{Deadline: c.Timeout, Source: c.TimeoutSource}
}

// RetentionPolicy returns the pruning policy for the smoke root.
func (c *Config) RetentionPolicy() rundir.RetentionPolicy {
	return rundir.RetentionPolicy{KeepLast: c.KeepLast, MaxAge: c.MaxAge}
}

// ProbeEnabled reports whether the named probe should run.
func (c *Config) ProbeEnabled(name string) bool {
	for _, p := range c.Probes.Enabled {
		if p == name {
			return true
		}
	}
	return false
}

// Validate checks values that cannot be caught by flag parsing. All
// failures are configuration errors.
func (c *Config) Validate() error {
	if _, err := ParseMode(string(c.Backend.Mode)); err != nil {
		return err
	}
	if _, err := ParseAuthMode(string(c.Client.AuthMode)); err != nil {
		return err
	}
	if c.Timeout < 0 {
		return failure.Configf("config", "timeout must not be negative (got %s)", c.Timeout)
	}
	if c.MaxAge < 0 {
		return failure.Configf("config", "max age must not be negative (got %s)", c.MaxAge)
	}
	if c.Backend.MemoryFactor <= 0 {
		return failure.Configf("config", "memory factor must be positive (got %g)", c.Backend.MemoryFactor)
	}
	if c.Backend.WaitTimeout <= 0 || c.Server.WaitTimeout <= 0 {
		return failure.Configf("config", "wait timeouts must be positive")
	}
	if c.Probes.ActionCount < 1 {
		return failure.Configf("config", "action count must be at least 1 (got %d)", c.Probes.ActionCount)
	}
	for _, p := range c.Probes.Enabled {
		if !isKnownProbe(p) {
			return failure.Configf("config", "unknown probe %q (known: %s)", p, strings.Join(knownProbes, ", "))
		}
	}
	if _, err := regexp.Compile("(?i)" + c.Probes.GPUMarkers); err != nil {
		return failure.Configf("config", "invalid gpu marker pattern %q: %v", c.Probes.GPUMarkers, err)
	}
	if (c.Client.TLSCert == "") != (c.Client.TLSKey == "") {
		return failure.Configf("config", "TLS client certificate and key must be set together")
	}
	if c.Client.AuthMode == AuthHeader && strings.TrimSpace(c.Client.Header) == "" {
		return failure.Configf("config", "auth mode header requires an auth header")
	}
	if c.Client.Header != "" {
		if _, _, err := ParseHeader(c.Client.Header); err != nil {
			return err
		}
	}
	for _, kv := range c.Server.Env {
		if !strings.Contains(kv, "=") {
			return failure.Configf("config", "server env entry %q must be KEY=VALUE", kv)
		}
	}
	return nil
}

func isKnownProbe(name string) bool {
	for _, p := range knownProbes {
		if p == name {
			return true
		}
	}
	return false
}

var headerNamePattern = regexp.MustCompile("^[!#$%&'*+.^_`|~0-9A-Za-z-]+$")

// ParseHeader splits a "Name: value" header specification.
func ParseHeader(raw string) (string, string, error) {
	name, value, ok := strings.Cut(raw, ":")
	if !ok {
		return "", "", failure.Configf("config", "header %q must be in `Header-Name: value` format", raw)
	}
	name = strings.TrimSpace(name)
	value = strings.TrimSpace(value)
	if !headerNamePattern.MatchString(name) {
		return "", "", failure.Configf("config", "invalid header name %q", name)
	}
	if strings.ContainsAny(value, "\r\n") {
		return "", "", failure.Configf("config", "invalid value for header %s", name)
	}
	return name, value, nil
}

// String renders the settings that shape a run, for debug logging.
func (c *Config) String() string {
	return fmt.Sprintf("mode=%s timeout=%s keep_last=%d max_age=%s root=%s probes=%s",
		c.Backend.Mode, c.Timeout, c.KeepLast, c.MaxAge, c.SmokeRoot, strings.Join(c.Probes.Enabled, ","))
}
