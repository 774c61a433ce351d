package backend

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/perfgo/smokerun/config"
	"github.com/perfgo/smokerun/failure"
	"github.com/rs/zerolog"
)

// Decision is the outcome of the real-vs-simulated policy.
type Decision int

const (
	RunReal Decision = iota
	RunSimulated
	Fail
)

func (d Decision) String() string {
	switch d {
	case RunReal:
		return "run-real"
	case RunSimulated:
		return "run-simulated"
	default:
		return "fail"
	}
}

// Decide is the accelerator fallback table:
//
//	binary present and resources sufficient  -> RunReal
//	otherwise, require real                  -> Fail
//	otherwise                                -> RunSimulated
func Decide(binaryPresent, resourcesSufficient, requireReal bool) Decision {
	switch {
	case binaryPresent && resourcesSufficient:
		return RunReal
	case requireReal:
		return Fail
	default:
		return RunSimulated
	}
}

// Resolver turns the configured mode into a Descriptor.
type Resolver struct {
	logger zerolog.Logger
	cfg    config.Backend
	memory MemoryProbe
}

// NewResolver returns a resolver. A nil probe uses SystemMemory.
func NewResolver(logger zerolog.Logger, cfg config.Backend, memory MemoryProbe) *Resolver {
	if memory == nil {
		memory = SystemMemory
	}
	return &Resolver{logger: logger, cfg: cfg, memory: memory}
}

// Resolve decides the strategy. It never launches anything; every failure
// is a ConfigurationError.
func (r *Resolver) Resolve(ctx context.Context) (Descriptor, error) {
	mode, err := config.ParseMode(string(r.cfg.Mode))
	if err != nil {
		return Descriptor{}, err
	}
	base := Descriptor{RequireReal: r.cfg.RequireReal}

	switch mode {
	case config.ModeStub:
		base.Kind, base.Accelerator = KindStub, AcceleratorNone
		return base, nil
	case config.ModeSynthetic:
		base.Kind, base.Accelerator = KindSynthetic, AcceleratorNone
		return base, nil
	case config.ModeReal, config.ModeCPU:
		if _, err := r.binary(); err != nil {
			return Descriptor{}, failure.Configf("resolve-backend", "mode %s requires a backend binary: %v", mode, err)
		}
		base.Kind, base.Accelerator = KindRealLlama, AcceleratorCPU
		return base, nil
	}

	// gpu
	if r.cfg.SimulateGPU {
		if r.cfg.RequireReal {
			return Descriptor{}, failure.Configf("resolve-backend", "simulate-gpu and require-real are mutually exclusive")
		}
		return Descriptor{Kind: KindStub, Accelerator: AcceleratorGPU, Simulated: true, DegradedReason: "gpu simulation requested"}, nil
	}

	binaryPresent := true
	reason := ""
	if _, err := r.binary(); err != nil {
		binaryPresent = false
		reason = err.Error()
	}

	sufficient := true
	if binaryPresent {
		budget := r.checkMemory(ctx)
		sufficient = budget.Sufficient()
		if !sufficient {
			reason = budget.String()
		}
	}

	decision := Decide(binaryPresent, sufficient, r.cfg.RequireReal)
	r.logger.Debug().
		Bool("binary_present", binaryPresent).
		Bool("resources_sufficient", sufficient).
		Bool("require_real", r.cfg.RequireReal).
		Str("decision", decision.String()).
		Msg("Resolved gpu backend")

	switch decision {
	case RunReal:
		base.Kind, base.Accelerator = KindRealLlama, AcceleratorGPU
		return base, nil
	case RunSimulated:
		r.logger.Warn().Str("reason", reason).Msg("Real GPU backend unavailable, simulating GPU with the stub backend")
		return Descriptor{Kind: KindStub, Accelerator: AcceleratorGPU, Simulated: true, DegradedReason: reason}, nil
	default:
		return Descriptor{}, failure.Configf("resolve-backend", "real GPU backend required but unavailable: %s", reason)
	}
}

// binary resolves the configured backend binary to an executable path.
func (r *Resolver) binary() (string, error) {
	return ResolveBinary(r.cfg.Binary)
}

// ResolveBinary looks up name as a path or on PATH.
func ResolveBinary(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("no backend binary configured")
	}
	path, err := exec.LookPath(name)
	if err != nil {
		if _, statErr := os.Stat(name); statErr != nil {
			return "", fmt.Errorf("backend binary %s not found", name)
		}
		return "", fmt.Errorf("backend binary %s is not executable", name)
	}
	return path, nil
}

func (r *Resolver) checkMemory(ctx context.Context) MemoryBudget {
	var modelSize uint64
	if r.cfg.ModelPath != "" {
		if info, err := os.Stat(r.cfg.ModelPath); err == nil {
			modelSize = uint64(info.Size())
		} else {
			r.logger.Warn().Err(err).Str("model", r.cfg.ModelPath).Msg("Failed to stat model, assuming zero size")
		}
	}
	budget := EstimateBudget(modelSize, r.cfg.MemoryFactor, r.cfg.MemoryOverhead, r.cfg.MemoryReserve)

	available, err := r.memory(ctx)
	if err != nil {
		r.logger.Warn().Err(err).Msg("Failed to probe available memory, assuming sufficient headroom")
		budget.Unknown = true
		return budget
	}
	budget.Available = available
	return budget
}
