package config

import (
	"fmt"
	"os"
	"time"

	"github.com/perfgo/smokerun/failure"
	"gopkg.in/yaml.v3"
)

// fileConfig mirrors Config for YAML decoding. Pointer fields distinguish
// unset keys from zero values; durations are strings like "30s".
type fileConfig struct {
	SmokeRoot   *string `yaml:"smoke_root"`
	ProjectRoot *string `yaml:"project_root"`
	Keep        *bool   `yaml:"keep"`
	Timeout     *string `yaml:"timeout"`
	KeepLast    *int    `yaml:"keep_last"`
	MaxAge      *string `yaml:"max_age"`

	Backend struct {
		Mode           *string  `yaml:"mode"`
		RequireReal    *bool    `yaml:"require_real"`
		SimulateGPU    *bool    `yaml:"simulate_gpu"`
		StrictStub     *bool    `yaml:"strict_stub"`
		Binary         *string  `yaml:"binary"`
		Args           []string `yaml:"args"`
		ModelPath      *string  `yaml:"model"`
		GPULayers      *int     `yaml:"gpu_layers"`
		CacheReuse     *int     `yaml:"cache_reuse"`
		MemoryFactor   *float64 `yaml:"memory_factor"`
		MemoryOverhead *uint64  `yaml:"memory_overhead_bytes"`
		MemoryReserve  *uint64  `yaml:"memory_reserve_bytes"`
		WaitTimeout    *string  `yaml:"wait_timeout"`
	} `yaml:"backend"`

	Server struct {
		Binary      *string  `yaml:"binary"`
		Name        *string  `yaml:"name"`
		Args        []string `yaml:"args"`
		Env         []string `yaml:"env"`
		AdminToken  *string  `yaml:"admin_token"`
		WaitTimeout *string  `yaml:"wait_timeout"`
	} `yaml:"server"`

	Probes struct {
		Enabled       []string `yaml:"enabled"`
		Message       *string  `yaml:"message"`
		Persona       *string  `yaml:"persona"`
		ActionKind    *string  `yaml:"action_kind"`
		ActionCount   *int     `yaml:"action_count"`
		RequiredField *string  `yaml:"required_field"`
		GPUMarkers    *string  `yaml:"gpu_markers"`
		EnforceGPU    *bool    `yaml:"enforce_gpu"`
		StatusPath    *string  `yaml:"status_path"`
	} `yaml:"probes"`

	Client struct {
		AuthMode      *string `yaml:"auth_mode"`
		Bearer        *string `yaml:"bearer"`
		BasicUser     *string `yaml:"basic_user"`
		BasicPassword *string `yaml:"basic_password"`
		Header        *string `yaml:"header"`
		TLSCA         *string `yaml:"tls_ca"`
		TLSCert       *string `yaml:"tls_cert"`
		TLSKey        *string `yaml:"tls_key"`
	} `yaml:"client"`
}

// LoadFile overlays the YAML file at path onto cfg. Keys absent from the
// file leave cfg untouched.
func LoadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return failure.Configf("config", "failed to read config file %s: %v", path, err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return failure.Configf("config", "failed to parse config file %s: %v", path, err)
	}
	if err := fc.apply(cfg); err != nil {
		return failure.Configf("config", "invalid config file %s: %v", path, err)
	}
	return nil
}

func (fc *fileConfig) apply(cfg *Config) error {
	setString(&cfg.SmokeRoot, fc.SmokeRoot)
	setString(&cfg.ProjectRoot, fc.ProjectRoot)
	setBool(&cfg.Keep, fc.Keep)
	if fc.KeepLast != nil {
		cfg.KeepLast = *fc.KeepLast
	}
	if err := setDuration(&cfg.Timeout, fc.Timeout, "timeout"); err != nil {
		return err
	}
	if err := setDuration(&cfg.MaxAge, fc.MaxAge, "max_age"); err != nil {
		return err
	}

	b := &fc.Backend
	if b.Mode != nil {
		mode, err := ParseMode(*b.Mode)
		if err != nil {
			return err
		}
		cfg.Backend.Mode = mode
	}
	setBool(&cfg.Backend.RequireReal, b.RequireReal)
	setBool(&cfg.Backend.SimulateGPU, b.SimulateGPU)
	setBool(&cfg.Backend.StrictStub, b.StrictStub)
	setString(&cfg.Backend.Binary, b.Binary)
	if b.Args != nil {
		cfg.Backend.Args = b.Args
	}
	setString(&cfg.Backend.ModelPath, b.ModelPath)
	if b.GPULayers != nil {
		cfg.Backend.GPULayers = *b.GPULayers
	}
	if b.CacheReuse != nil {
		cfg.Backend.CacheReuse = *b.CacheReuse
	}
	if b.MemoryFactor != nil {
		cfg.Backend.MemoryFactor = *b.MemoryFactor
	}
	if b.MemoryOverhead != nil {
		cfg.Backend.MemoryOverhead = *b.MemoryOverhead
	}
	if b.MemoryReserve != nil {
		cfg.Backend.MemoryReserve = *b.MemoryReserve
	}
	if err := setDuration(&cfg.Backend.WaitTimeout, b.WaitTimeout, "backend.wait_timeout"); err != nil {
		return err
	}

	s := &fc.Server
	setString(&cfg.Server.Binary, s.Binary)
	setString(&cfg.Server.Name, s.Name)
	if s.Args != nil {
		cfg.Server.Args = s.Args
	}
	if s.Env != nil {
		cfg.Server.Env = s.Env
	}
	setString(&cfg.Server.AdminToken, s.AdminToken)
	if err := setDuration(&cfg.Server.WaitTimeout, s.WaitTimeout, "server.wait_timeout"); err != nil {
		return err
	}

	p := &fc.Probes
	if p.Enabled != nil {
		cfg.Probes.Enabled = p.Enabled
	}
	setString(&cfg.Probes.Message, p.Message)
	setString(&cfg.Probes.Persona, p.Persona)
	setString(&cfg.Probes.ActionKind, p.ActionKind)
	if p.ActionCount != nil {
		cfg.Probes.ActionCount = *p.ActionCount
	}
	setString(&cfg.Probes.RequiredField, p.RequiredField)
	setString(&cfg.Probes.GPUMarkers, p.GPUMarkers)
	setBool(&cfg.Probes.EnforceGPU, p.EnforceGPU)
	setString(&cfg.Probes.StatusPath, p.StatusPath)

	c := &fc.Client
	if c.AuthMode != nil {
		mode, err := ParseAuthMode(*c.AuthMode)
		if err != nil {
			return err
		}
		cfg.Client.AuthMode = mode
	}
	setString(&cfg.Client.Bearer, c.Bearer)
	setString(&cfg.Client.BasicUser, c.BasicUser)
	setString(&cfg.Client.BasicPassword, c.BasicPassword)
	setString(&cfg.Client.Header, c.Header)
	setString(&cfg.Client.TLSCA, c.TLSCA)
	setString(&cfg.Client.TLSCert, c.TLSCert)
	setString(&cfg.Client.TLSKey, c.TLSKey)
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}

func setBool(dst *bool, v *bool) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v *string, key string) error {
	if v == nil {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}
