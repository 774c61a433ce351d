package suite

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/perfgo/smokerun/backend"
	"github.com/perfgo/smokerun/rundir"
)

const redacted = "<redacted>"

// Plan is what a run would do, rendered by --dry-run.
type Plan struct {
	Root           string
	RunDir         string
	Backend        backend.Descriptor
	BackendCommand string
	ServerCommand  string
	ServerURL      string
	ServerEnv      []string
	Probes         []string
	Timeout        time.Duration
	TimeoutSource  string
	Retention      rundir.RetentionPolicy
	Keep           bool
}

func (s *Suite) plan(p *prepared) (*Plan, error) {
	run, err := p.manager.Preview()
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Root:          p.manager.Root(),
		RunDir:        run.Dir,
		Backend:       p.desc,
		Probes:        s.cfg.Probes.Enabled,
		Timeout:       s.cfg.Timeout,
		TimeoutSource: s.cfg.TimeoutSource,
		Retention:     s.cfg.RetentionPolicy(),
		Keep:          s.cfg.Keep,
	}

	var be *backend.Instance
	spec, launches, err := p.launcher.Plan(p.desc, run)
	if err != nil {
		return nil, err
	}
	if launches {
		plan.BackendCommand = spec.CommandLine()
		be = &backend.Instance{Descriptor: p.desc, Endpoint: "http://127.0.0.1:<port>"}
	}

	srvSpec, inst, err := p.supervisor.Prepare(run, be, 0)
	if err != nil {
		return nil, err
	}
	plan.ServerCommand = srvSpec.CommandLine()
	plan.ServerURL = inst.BaseURL
	plan.ServerEnv = redactEnv(serverEnv(srvSpec.Env))
	return plan, nil
}

// serverEnv returns the ARW_* entries the server will see.
func serverEnv(env []string) []string {
	var out []string
	for _, kv := range env {
		if strings.HasPrefix(kv, "ARW_") {
			out = append(out, kv)
		}
	}
	return out
}

func redactEnv(env []string) []string {
	out := make([]string, len(env))
	for i, kv := range env {
		key, _, _ := strings.Cut(kv, "=")
		if strings.Contains(key, "TOKEN") {
			kv = key + "=" + redacted
		}
		out[i] = kv
	}
	return out
}

// Render writes the plan as a two-column table.
func (p *Plan) Render(w io.Writer) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetTitle("Smoke run plan (dry run, nothing launched)")
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Step", "Detail"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 2, WidthMax: 100, WidthMaxEnforcer: text.WrapSoft},
	})

	t.AppendRow(table.Row{"smoke root", p.Root})
	t.AppendRow(table.Row{"run directory", p.RunDir})
	t.AppendRow(table.Row{"retention", retentionString(p.Retention, p.Keep)})
	t.AppendRow(table.Row{"watchdog", timeoutString(p.Timeout, p.TimeoutSource)})
	t.AppendSeparator()

	t.AppendRow(table.Row{"backend", p.Backend.String()})
	if p.BackendCommand != "" {
		t.AppendRow(table.Row{"backend command", p.BackendCommand})
	} else {
		t.AppendRow(table.Row{"backend command", "none (synthetic)"})
	}
	t.AppendSeparator()

	t.AppendRow(table.Row{"server command", p.ServerCommand})
	t.AppendRow(table.Row{"server url", p.ServerURL})
	t.AppendRow(table.Row{"server env", strings.Join(p.ServerEnv, "\n")})
	t.AppendSeparator()

	probes := "none"
	if len(p.Probes) > 0 {
		probes = strings.Join(p.Probes, ", ")
	}
	t.AppendRow(table.Row{"probes", probes})
	t.Render()
}

func retentionString(r rundir.RetentionPolicy, keep bool) string {
	var parts []string
	if r.KeepLast < 0 {
		parts = append(parts, "keep all")
	} else {
		parts = append(parts, fmt.Sprintf("keep last %d", r.KeepLast))
	}
	if r.MaxAge > 0 {
		parts = append(parts, fmt.Sprintf("max age %s", r.MaxAge))
	}
	if keep {
		parts = append(parts, "this run pinned with "+rundir.KeepMarker)
	}
	return strings.Join(parts, ", ")
}

func timeoutString(d time.Duration, source string) string {
	if d <= 0 {
		return "disabled"
	}
	if source == "" {
		return d.String()
	}
	return fmt.Sprintf("%s (%s)", d, source)
}
