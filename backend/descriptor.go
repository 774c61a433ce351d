// Package backend resolves which backend strategy a smoke run uses and
// launches it.
package backend

import "fmt"

// Kind is the backend execution strategy.
type Kind string

const (
	KindStub      Kind = "stub"
	KindRealLlama Kind = "real"
	KindSynthetic Kind = "synthetic"
)

// Accelerator is the compute target of the backend.
type Accelerator string

const (
	AcceleratorNone Accelerator = "none"
	AcceleratorCPU  Accelerator = "cpu"
	AcceleratorGPU  Accelerator = "gpu"
)

// Descriptor is the resolved backend decision for one run. It is created
// once and not modified afterwards.
type Descriptor struct {
	Kind        Kind
	Accelerator Accelerator
	// Simulated is set when GPU behaviour is faked by the stub.
	Simulated bool
	// RequireReal forbids simulation.
	RequireReal    bool
	DegradedReason string
}

// LaunchesProcess reports whether the strategy needs a backend process.
func (d Descriptor) LaunchesProcess() bool {
	return d.Kind != KindSynthetic
}

// ExpectedTag is the backend tag the functional probe looks for in
// completed responses.
func (d Descriptor) ExpectedTag() string {
	if d.Kind == KindSynthetic {
		return "synthetic"
	}
	return "llama"
}

// Degrade returns a copy switched to the synthetic strategy.
func (d Descriptor) Degrade(reason string) Descriptor {
	return Descriptor{
		Kind:           KindSynthetic,
		Accelerator:    AcceleratorNone,
		RequireReal:    d.RequireReal,
		DegradedReason: reason,
	}
}

func (d Descriptor) String() string {
	s := fmt.Sprintf("%s/%s", d.Kind, d.Accelerator)
	if d.Simulated {
		s += " (simulated)"
	}
	if d.DegradedReason != "" {
		s += " [" + d.DegradedReason + "]"
	}
	return s
}
