package verify

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/perfgo/smokerun/backend/stub"
	"github.com/perfgo/smokerun/failure"
)

const (
	stageGPU = "probe:gpu"

	// CPUFallbackPhrase in a backend log means acceleration was not used.
	CPUFallbackPhrase = "falling back to cpu"
)

// GPU scans the backend log for evidence of acceleration.
func (p *Prober) GPU() (string, error) {
	data, err := os.ReadFile(p.target.BackendLog)
	if err != nil {
		return "", failure.Probef(stageGPU, err, "failed to read backend log")
	}
	pattern, err := regexp.Compile("(?i)" + p.cfg.GPUMarkers)
	if err != nil {
		return "", failure.Configf(stageGPU, "invalid gpu marker pattern: %v", err)
	}
	return CheckGPULog(string(data), pattern, p.target.Backend.Simulated, p.cfg.EnforceGPU)
}

// CheckGPULog applies the GPU rules to a backend log:
// the CPU fallback phrase always fails; a marker match passes; in simulated
// mode the injected marker passes; otherwise enforce fails and the default
// is a warning (returned with the warning prefix).
func CheckGPULog(log string, markers *regexp.Regexp, simulated, enforce bool) (string, error) {
	lower := strings.ToLower(log)
	if strings.Contains(lower, CPUFallbackPhrase) {
		return "", failure.Probe(stageGPU, "no CPU fallback", fmt.Sprintf("backend log contains %q", CPUFallbackPhrase))
	}
	if simulated && strings.Contains(log, stub.SimulatedGPUMarker) {
		return "simulated gpu marker found", nil
	}
	if m := markers.FindString(log); m != "" {
		return fmt.Sprintf("accelerator marker %q found", m), nil
	}
	if enforce {
		return "", failure.Probe(stageGPU, fmt.Sprintf("backend log matching %q", markers.String()), "no accelerator marker")
	}
	return warnPrefix + "no accelerator marker found in backend log", nil
}
