package backend

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"
)

// MemoryProbe returns the currently available system memory in bytes.
type MemoryProbe func(ctx context.Context) (uint64, error)

// SystemMemory reads available memory from the OS.
func SystemMemory(ctx context.Context) (uint64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.Available, nil
}

// MemoryBudget compares the estimated memory of a real launch against what
// the host can spare.
type MemoryBudget struct {
	Required  uint64
	Reserve   uint64
	Available uint64
	// Unknown is set when available memory could not be probed.
	Unknown bool
}

// EstimateBudget computes required = modelSize*factor + overhead.
func EstimateBudget(modelSize uint64, factor float64, overhead, reserve uint64) MemoryBudget {
	return MemoryBudget{
		Required: uint64(float64(modelSize)*factor) + overhead,
		Reserve:  reserve,
	}
}

// Headroom is available memory minus the reserved margin, floored at zero.
func (b MemoryBudget) Headroom() uint64 {
	if b.Available <= b.Reserve {
		return 0
	}
	return b.Available - b.Reserve
}

// Sufficient reports whether the launch fits. An unknown budget counts as sufficient.
func (b MemoryBudget) Sufficient() bool {
	return b.Unknown || b.Required <= b.Headroom()
}

func (b MemoryBudget) String() string {
	if b.Unknown {
		return fmt.Sprintf("memory required %s, available unknown", humanBytes(b.Required))
	}
	return fmt.Sprintf("insufficient memory: required %s, headroom %s (available %s, reserve %s)",
		humanBytes(b.Required), humanBytes(b.Headroom()), humanBytes(b.Available), humanBytes(b.Reserve))
}

func humanBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
