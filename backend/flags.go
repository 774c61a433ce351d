package backend

import (
	"strconv"
	"strings"
)

var (
	hostFlags       = []string{"--host"}
	portFlags       = []string{"--port"}
	modelFlags      = []string{"-m", "--model"}
	gpuLayerFlags   = []string{"--n-gpu-layers", "-ngl", "--gpu-layers"}
	cacheReuseFlags = []string{"--cache-reuse"}
)

// FlagOptions are the values the launcher wants the real backend to run with.
type FlagOptions struct {
	Host        string
	Port        int
	Model       string
	Accelerator Accelerator
	GPULayers   int
	CacheReuse  int
}

// ComposeArgs appends host, port, model, accelerator and cache flags to the
// caller-supplied arguments. A flag the caller already passed, in either the
// "--flag value" or "--flag=value" form, is never added again.
func ComposeArgs(user []string, opts FlagOptions) []string {
	args := append([]string(nil), user...)
	add := func(names []string, value string) {
		if !HasFlag(args, names...) {
			args = append(args, names[0], value)
		}
	}

	if opts.Host != "" {
		add(hostFlags, opts.Host)
	}
	if opts.Port > 0 {
		add(portFlags, strconv.Itoa(opts.Port))
	}
	if opts.Model != "" {
		add(modelFlags, opts.Model)
	}
	switch opts.Accelerator {
	case AcceleratorGPU:
		add(gpuLayerFlags, strconv.Itoa(opts.GPULayers))
	case AcceleratorCPU:
		add(gpuLayerFlags, "0")
	}
	if opts.CacheReuse > 0 {
		add(cacheReuseFlags, strconv.Itoa(opts.CacheReuse))
	}
	return args
}

// HasFlag reports whether any of names appears in args.
func HasFlag(args []string, names ...string) bool {
	_, ok := FlagValue(args, names...)
	return ok
}

// FlagValue returns the value of the first of names present in args.
func FlagValue(args []string, names ...string) (string, bool) {
	for i, arg := range args {
		for _, name := range names {
			if arg == name {
				if i+1 < len(args) {
					return args[i+1], true
				}
				return "", true
			}
			if v, ok := strings.CutPrefix(arg, name+"="); ok {
				return v, true
			}
		}
	}
	return "", false
}
