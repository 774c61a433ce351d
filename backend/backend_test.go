package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/perfgo/smokerun/config"
	"github.com/perfgo/smokerun/failure"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecide(t *testing.T) {
	tests := []struct {
		present, sufficient, requireReal bool
		want                             Decision
	}{
		{true, true, false, RunReal},
		{true, true, true, RunReal},
		{false, true, false, RunSimulated},
		{true, false, false, RunSimulated},
		{false, false, false, RunSimulated},
		{false, true, true, Fail},
		{true, false, true, Fail},
		{false, false, true, Fail},
	}
	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.present, tt.sufficient, tt.requireReal))
		})
	}
}

func fixedMemory(available uint64, err error) MemoryProbe {
	return func(context.Context) (uint64, error) {
		return available, err
	}
}

func backendConfig(mode config.Mode) config.Backend {
	cfg := config.Default().Backend
	cfg.Mode = mode
	return cfg
}

func TestResolveSimpleModes(t *testing.T) {
	r := NewResolver(zerolog.Nop(), backendConfig(config.ModeStub), fixedMemory(0, nil))
	d, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindStub, d.Kind)
	assert.Equal(t, AcceleratorNone, d.Accelerator)
	assert.Equal(t, "llama", d.ExpectedTag())

	r = NewResolver(zerolog.Nop(), backendConfig(config.ModeSynthetic), fixedMemory(0, nil))
	d, err = r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindSynthetic, d.Kind)
	assert.False(t, d.LaunchesProcess())
	assert.Equal(t, "synthetic", d.ExpectedTag())
}

func TestResolveRealRequiresBinary(t *testing.T) {
	for _, mode := range []config.Mode{config.ModeReal, config.ModeCPU} {
		r := NewResolver(zerolog.Nop(), backendConfig(mode), fixedMemory(0, nil))
		_, err := r.Resolve(context.Background())
		require.Error(t, err)
		assert.Equal(t, failure.KindConfiguration, failure.KindOf(err))
	}

	cfg := backendConfig(config.ModeCPU)
	cfg.Binary = os.Args[0]
	d, err := NewResolver(zerolog.Nop(), cfg, fixedMemory(0, nil)).Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindRealLlama, d.Kind)
	assert.Equal(t, AcceleratorCPU, d.Accelerator)
}

func TestResolveGPUWithoutBinarySimulates(t *testing.T) {
	r := NewResolver(zerolog.Nop(), backendConfig(config.ModeGPU), fixedMemory(64<<30, nil))
	d, err := r.Resolve(context.Background())
	require.NoError(t, err)
	assert.Equal(t, KindStub, d.Kind)
	assert.Equal(t, AcceleratorGPU, d.Accelerator)
	assert.True(t, d.Simulated)
	assert.NotEmpty(t, d.DegradedReason)
}

func TestResolveGPURequireRealWithoutBinaryFails(t *testing.T) {
	cfg := backendConfig(config.ModeGPU)
	cfg.RequireReal = true
	_, err := NewResolver(zerolog.Nop(), cfg, fixedMemory(64<<30, nil)).Resolve(context.Background())
	require.Error(t, err)
	assert.Equal(t, failure.KindConfiguration, failure.KindOf(err))
}

func TestResolveGPUMemoryBudget(t *testing.T) {
	model := filepath.Join(t.TempDir(), "model.gguf")
	require.NoError(t, os.WriteFile(model, make([]byte, 1<<20), 0644))

	cfg := backendConfig(config.ModeGPU)
	cfg.Binary = os.Args[0]
	cfg.ModelPath = model
	cfg.MemoryFactor = 2
	cfg.MemoryOverhead = 1 << 20
	cfg.MemoryReserve = 1 << 20
	// required = 3 MiB

	t.Run("sufficient", func(t *testing.T) {
		d, err := NewResolver(zerolog.Nop(), cfg, fixedMemory(4<<20, nil)).Resolve(context.Background())
		require.NoError(t, err)
		assert.Equal(t, KindRealLlama, d.Kind)
		assert.Equal(t, AcceleratorGPU, d.Accelerator)
		assert.False(t, d.Simulated)
	})

	t.Run("insufficient falls back", func(t *testing.T) {
		d, err := NewResolver(zerolog.Nop(), cfg, fixedMemory(3<<20, nil)).Resolve(context.Background())
		require.NoError(t, err)
		assert.Equal(t, KindStub, d.Kind)
		assert.True(t, d.Simulated)
		assert.Contains(t, d.DegradedReason, "insufficient memory")
	})

	t.Run("insufficient with require real fails", func(t *testing.T) {
		strict := cfg
		strict.RequireReal = true
		_, err := NewResolver(zerolog.Nop(), strict, fixedMemory(3<<20, nil)).Resolve(context.Background())
		require.Error(t, err)
		assert.Equal(t, failure.KindConfiguration, failure.KindOf(err))
	})

	t.Run("probe error counts as sufficient", func(t *testing.T) {
		d, err := NewResolver(zerolog.Nop(), cfg, fixedMemory(0, errors.New("no /proc"))).Resolve(context.Background())
		require.NoError(t, err)
		assert.Equal(t, KindRealLlama, d.Kind)
	})
}

func TestResolveForcedSimulation(t *testing.T) {
	cfg := backendConfig(config.ModeGPU)
	cfg.Binary = os.Args[0]
	cfg.SimulateGPU = true
	d, err := NewResolver(zerolog.Nop(), cfg, fixedMemory(64<<30, nil)).Resolve(context.Background())
	require.NoError(t, err)
	assert.True(t, d.Simulated)

	cfg.RequireReal = true
	_, err = NewResolver(zerolog.Nop(), cfg, fixedMemory(64<<30, nil)).Resolve(context.Background())
	require.Error(t, err)
}

func TestMemoryBudget(t *testing.T) {
	b := EstimateBudget(1000, 1.5, 500, 100)
	assert.EqualValues(t, 2000, b.Required)

	b.Available = 2100
	assert.True(t, b.Sufficient())
	b.Available = 2099
	assert.False(t, b.Sufficient())
	b.Available = 50
	assert.EqualValues(t, 0, b.Headroom())
	b.Unknown = true
	assert.True(t, b.Sufficient())
}

func TestComposeArgs(t *testing.T) {
	tests := []struct {
		name string
		user []string
		opts FlagOptions
		want []string
	}{
		{
			name: "appends everything",
			opts: FlagOptions{Host: "127.0.0.1", Port: 8080, Model: "m.gguf", Accelerator: AcceleratorGPU, GPULayers: 99, CacheReuse: 256},
			want: []string{"--host", "127.0.0.1", "--port", "8080", "-m", "m.gguf", "--n-gpu-layers", "99", "--cache-reuse", "256"},
		},
		{
			name: "respects caller flags",
			user: []string{"-ngl", "20", "--cache-reuse=64", "--model", "x.gguf"},
			opts: FlagOptions{Port: 9000, Model: "m.gguf", Accelerator: AcceleratorGPU, GPULayers: 99, CacheReuse: 256},
			want: []string{"-ngl", "20", "--cache-reuse=64", "--model", "x.gguf", "--port", "9000"},
		},
		{
			name: "cpu disables offload",
			opts: FlagOptions{Accelerator: AcceleratorCPU},
			want: []string{"--n-gpu-layers", "0"},
		},
		{
			name: "equals form counts",
			user: []string{"--gpu-layers=10", "--port=1234"},
			opts: FlagOptions{Port: 9000, Accelerator: AcceleratorGPU, GPULayers: 99},
			want: []string{"--gpu-layers=10", "--port=1234"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ComposeArgs(tt.user, tt.opts)
			assert.Equal(t, tt.want, got)
			again := ComposeArgs(got, tt.opts)
			assert.Equal(t, got, again, "composition must be idempotent")
		})
	}
}

func TestFlagValue(t *testing.T) {
	v, ok := FlagValue([]string{"--port", "81"}, "--port")
	assert.True(t, ok)
	assert.Equal(t, "81", v)

	v, ok = FlagValue([]string{"--port=82"}, "--port")
	assert.True(t, ok)
	assert.Equal(t, "82", v)

	_, ok = FlagValue([]string{"--portal", "x"}, "--port")
	assert.False(t, ok)
}
