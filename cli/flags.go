package cli

// This file contains the flag definitions shared by the run and plan
// commands and turns a parsed command line into a config.Config.

import (
	"fmt"
	"os"
	"time"

	"github.com/perfgo/smokerun/config"
	"github.com/perfgo/smokerun/rundir"
	"github.com/urfave/cli/v2"
)

const envPrefix = "SMOKE_"

func env(name string) []string {
	return []string{envPrefix + name}
}

// rootFlags select the project and smoke root; every command honours them.
func rootFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "YAML config file; flags and SMOKE_* variables take precedence",
			EnvVars: env("CONFIG"),
		},
		&cli.StringFlag{
			Name:    "project-root",
			Usage:   "Project root (default: git top-level of the working directory)",
			EnvVars: env("PROJECT_ROOT"),
		},
		&cli.StringFlag{
			Name:    "smoke-root",
			Usage:   "Directory holding run directories, relative to the project root",
			EnvVars: env("ROOT"),
		},
	}
}

// retentionFlags are shared by run and prune.
func retentionFlags() []cli.Flag {
	return []cli.Flag{
		&cli.IntFlag{
			Name:    "keep-last",
			Usage:   "Number of most recent run directories to retain (negative keeps all)",
			EnvVars: env("KEEP_LAST"),
			Value:   config.Default().KeepLast,
		},
		&cli.DurationFlag{
			Name:    "max-age",
			Usage:   "Remove run directories older than this (0 disables)",
			EnvVars: env("MAX_AGE"),
			Value:   config.Default().MaxAge,
		},
	}
}

func runFlags() []cli.Flag {
	def := config.Default()
	flags := []cli.Flag{
		&cli.BoolFlag{
			Name:    "dry-run",
			Usage:   "Print the plan without creating or launching anything",
			EnvVars: env("DRY_RUN"),
		},
		&cli.BoolFlag{
			Name:    "keep",
			Usage:   "Keep the run directory (don't clean up after the run)",
			EnvVars: env("KEEP"),
		},
		&cli.IntFlag{
			Name:    "timeout",
			Usage:   "Watchdog deadline for the whole run in seconds (0 disables)",
			EnvVars: []string{config.DefaultTimeoutSource},
			Value:   int(def.Timeout / time.Second),
		},

		// backend
		&cli.StringFlag{
			Name:    "mode",
			Usage:   "Backend mode: stub, synthetic, real, cpu or gpu",
			EnvVars: env("MODE"),
			Value:   string(def.Backend.Mode),
		},
		&cli.BoolFlag{
			Name:    "require-real",
			Usage:   "Fail instead of simulating when the real GPU backend is unavailable",
			EnvVars: env("REQUIRE_REAL"),
		},
		&cli.BoolFlag{
			Name:    "simulate-gpu",
			Usage:   "Simulate a GPU backend with the stub",
			EnvVars: env("SIMULATE_GPU"),
		},
		&cli.BoolFlag{
			Name:    "strict-stub",
			Usage:   "Fail when the stub backend cannot bind instead of degrading to synthetic",
			EnvVars: env("STRICT_STUB"),
		},
		&cli.StringFlag{
			Name:    "backend-bin",
			Usage:   "Real backend binary (name on PATH or path)",
			EnvVars: env("BACKEND_BIN"),
		},
		&cli.StringSliceFlag{
			Name:    "backend-arg",
			Usage:   "Extra argument for the real backend (repeatable)",
			EnvVars: env("BACKEND_ARGS"),
		},
		&cli.StringFlag{
			Name:    "model",
			Usage:   "Model file passed to the real backend",
			EnvVars: env("MODEL"),
		},
		&cli.IntFlag{
			Name:    "gpu-layers",
			Usage:   "Layers offloaded to the GPU",
			EnvVars: env("GPU_LAYERS"),
			Value:   def.Backend.GPULayers,
		},
		&cli.Float64Flag{
			Name:    "memory-factor",
			Usage:   "Model size multiplier in the GPU memory estimate",
			EnvVars: env("MEMORY_FACTOR"),
			Value:   def.Backend.MemoryFactor,
		},
		&cli.Uint64Flag{
			Name:    "memory-overhead",
			Usage:   "Fixed overhead in bytes added to the GPU memory estimate",
			EnvVars: env("MEMORY_OVERHEAD"),
			Value:   def.Backend.MemoryOverhead,
		},
		&cli.Uint64Flag{
			Name:    "memory-reserve",
			Usage:   "Bytes of available memory that must stay free",
			EnvVars: env("MEMORY_RESERVE"),
			Value:   def.Backend.MemoryReserve,
		},
		&cli.DurationFlag{
			Name:    "backend-wait",
			Usage:   "How long to wait for the backend to become healthy",
			EnvVars: env("BACKEND_WAIT"),
			Value:   def.Backend.WaitTimeout,
		},

		// server
		&cli.StringFlag{
			Name:    "server-bin",
			Usage:   "Server binary (default: target/release or target/debug under the project root)",
			EnvVars: env("SERVER_BIN"),
		},
		&cli.StringSliceFlag{
			Name:    "server-arg",
			Usage:   "Extra argument for the server (repeatable)",
			EnvVars: env("SERVER_ARGS"),
		},
		&cli.StringSliceFlag{
			Name:    "server-env",
			Usage:   "Extra KEY=VALUE for the server environment, applied last (repeatable)",
			EnvVars: env("SERVER_ENV"),
		},
		&cli.DurationFlag{
			Name:    "server-wait",
			Usage:   "How long to wait for the server to become healthy",
			EnvVars: env("SERVER_WAIT"),
			Value:   def.Server.WaitTimeout,
		},
		&cli.DurationFlag{
			Name:    "poll-interval",
			Usage:   "Interval between readiness checks",
			EnvVars: env("POLL_INTERVAL"),
			Value:   def.Server.PollInterval,
		},
		&cli.StringFlag{
			Name:    "admin-token",
			Usage:   "Admin token handed to the server (default: generated per run)",
			EnvVars: env("ADMIN_TOKEN"),
		},

		// probes
		&cli.StringSliceFlag{
			Name:    "probe",
			Usage:   "Probe to run (functional, status, gpu, telemetry, projects, events; repeatable)",
			EnvVars: env("PROBES"),
			Value:   cli.NewStringSlice(def.Probes.Enabled...),
		},
		&cli.StringFlag{
			Name:    "message",
			Usage:   "Message sent with the echo action",
			EnvVars: env("MESSAGE"),
			Value:   def.Probes.Message,
		},
		&cli.StringFlag{
			Name:    "persona",
			Usage:   "Persona id attached to actions",
			EnvVars: env("PERSONA"),
		},
		&cli.StringFlag{
			Name:    "action-kind",
			Usage:   "Kind of the submitted action",
			EnvVars: env("ACTION_KIND"),
			Value:   def.Probes.ActionKind,
		},
		&cli.IntFlag{
			Name:    "action-count",
			Usage:   "Number of actions submitted by the functional probe",
			EnvVars: env("ACTION_COUNT"),
			Value:   def.Probes.ActionCount,
		},
		&cli.BoolFlag{
			Name:    "enforce-gpu",
			Usage:   "Fail the gpu probe when no accelerator marker is found in the backend log, instead of warning",
			EnvVars: env("ENFORCE_GPU"),
		},
		&cli.StringFlag{
			Name:    "gpu-markers",
			Usage:   "Case-insensitive pattern of GPU markers in the backend log",
			EnvVars: env("GPU_MARKERS"),
			Value:   def.Probes.GPUMarkers,
		},

		// client
		&cli.StringFlag{
			Name:    "auth-mode",
			Usage:   "Probe authentication: none, bearer, basic or header",
			EnvVars: env("AUTH_MODE"),
			Value:   string(def.Client.AuthMode),
		},
		&cli.StringFlag{
			Name:    "auth-bearer",
			Usage:   "Bearer token overriding the admin token",
			EnvVars: env("AUTH_BEARER"),
		},
		&cli.StringFlag{
			Name:    "auth-basic-user",
			EnvVars: env("AUTH_BASIC_USER"),
		},
		&cli.StringFlag{
			Name:    "auth-basic-password",
			EnvVars: env("AUTH_BASIC_PASSWORD"),
		},
		&cli.StringFlag{
			Name:    "auth-header",
			Usage:   "Extra `Header-Name: value` sent with every probe request",
			EnvVars: env("AUTH_HEADER"),
		},
		&cli.StringFlag{
			Name:    "tls-ca",
			Usage:   "CA bundle for HTTPS probes",
			EnvVars: env("TLS_CA"),
		},
		&cli.StringFlag{
			Name:    "tls-cert",
			Usage:   "Client certificate for HTTPS probes",
			EnvVars: env("TLS_CERT"),
		},
		&cli.StringFlag{
			Name:    "tls-key",
			Usage:   "Client key for HTTPS probes",
			EnvVars: env("TLS_KEY"),
		},
		&cli.DurationFlag{
			Name:    "http-timeout",
			Usage:   "Timeout of a single probe request",
			EnvVars: env("HTTP_TIMEOUT"),
			Value:   def.Client.Timeout,
		},
	}
	return append(flags, retentionFlags()...)
}

// buildConfig layers defaults, the optional YAML file and explicitly set
// flags or environment variables, in that order.
func buildConfig(ctx *cli.Context) (*config.Config, error) {
	cfg := config.Default()
	timeoutSource := "default"
	if path := ctx.String("config"); path != "" {
		before := cfg.Timeout
		if err := config.LoadFile(path, cfg); err != nil {
			return nil, err
		}
		if cfg.Timeout != before {
			timeoutSource = path
		}
	}

	setString := func(name string, dst *string) {
		if ctx.IsSet(name) {
			*dst = ctx.String(name)
		}
	}
	setBool := func(name string, dst *bool) {
		if ctx.IsSet(name) {
			*dst = ctx.Bool(name)
		}
	}
	setDuration := func(name string, dst *time.Duration) {
		if ctx.IsSet(name) {
			*dst = ctx.Duration(name)
		}
	}
	setSlice := func(name string, dst *[]string) {
		if ctx.IsSet(name) {
			*dst = ctx.StringSlice(name)
		}
	}

	setString("project-root", &cfg.ProjectRoot)
	setString("smoke-root", &cfg.SmokeRoot)
	setBool("keep", &cfg.Keep)
	setBool("dry-run", &cfg.DryRun)
	setBool("verbose", &cfg.Verbose)
	if ctx.IsSet("timeout") {
		cfg.Timeout = time.Duration(ctx.Int("timeout")) * time.Second
		timeoutSource = "--timeout/" + config.DefaultTimeoutSource
	}
	cfg.TimeoutSource = timeoutSource
	if ctx.IsSet("keep-last") {
		cfg.KeepLast = ctx.Int("keep-last")
	}
	setDuration("max-age", &cfg.MaxAge)

	if ctx.IsSet("mode") {
		mode, err := config.ParseMode(ctx.String("mode"))
		if err != nil {
			return nil, err
		}
		cfg.Backend.Mode = mode
	}
	setBool("require-real", &cfg.Backend.RequireReal)
	setBool("simulate-gpu", &cfg.Backend.SimulateGPU)
	setBool("strict-stub", &cfg.Backend.StrictStub)
	setString("backend-bin", &cfg.Backend.Binary)
	setSlice("backend-arg", &cfg.Backend.Args)
	setString("model", &cfg.Backend.ModelPath)
	if ctx.IsSet("gpu-layers") {
		cfg.Backend.GPULayers = ctx.Int("gpu-layers")
	}
	if ctx.IsSet("memory-factor") {
		cfg.Backend.MemoryFactor = ctx.Float64("memory-factor")
	}
	if ctx.IsSet("memory-overhead") {
		cfg.Backend.MemoryOverhead = ctx.Uint64("memory-overhead")
	}
	if ctx.IsSet("memory-reserve") {
		cfg.Backend.MemoryReserve = ctx.Uint64("memory-reserve")
	}
	setDuration("backend-wait", &cfg.Backend.WaitTimeout)

	setString("server-bin", &cfg.Server.Binary)
	setSlice("server-arg", &cfg.Server.Args)
	setSlice("server-env", &cfg.Server.Env)
	setDuration("server-wait", &cfg.Server.WaitTimeout)
	if ctx.IsSet("poll-interval") {
		cfg.Server.PollInterval = ctx.Duration("poll-interval")
		cfg.Backend.PollInterval = cfg.Server.PollInterval
	}
	setString("admin-token", &cfg.Server.AdminToken)

	setSlice("probe", &cfg.Probes.Enabled)
	setString("message", &cfg.Probes.Message)
	setString("persona", &cfg.Probes.Persona)
	setString("action-kind", &cfg.Probes.ActionKind)
	if ctx.IsSet("action-count") {
		cfg.Probes.ActionCount = ctx.Int("action-count")
	}
	setBool("enforce-gpu", &cfg.Probes.EnforceGPU)
	setString("gpu-markers", &cfg.Probes.GPUMarkers)

	if ctx.IsSet("auth-mode") {
		mode, err := config.ParseAuthMode(ctx.String("auth-mode"))
		if err != nil {
			return nil, err
		}
		cfg.Client.AuthMode = mode
	}
	setString("auth-bearer", &cfg.Client.Bearer)
	setString("auth-basic-user", &cfg.Client.BasicUser)
	setString("auth-basic-password", &cfg.Client.BasicPassword)
	setString("auth-header", &cfg.Client.Header)
	setString("tls-ca", &cfg.Client.TLSCA)
	setString("tls-cert", &cfg.Client.TLSCert)
	setString("tls-key", &cfg.Client.TLSKey)
	setDuration("http-timeout", &cfg.Client.Timeout)

	if cfg.ProjectRoot == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get working directory: %w", err)
		}
		root, err := rundir.DetectProjectRoot(wd)
		if err != nil {
			return nil, err
		}
		cfg.ProjectRoot = root
	}

	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate smokerun executable: %w", err)
	}
	cfg.Executable = exe
	cfg.BaseEnv = os.Environ()
	cfg.Args = os.Args

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
