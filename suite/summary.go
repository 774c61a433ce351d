package suite

import (
	"fmt"
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/perfgo/smokerun/model"
)

// StatusLabel renders a status as a short, optionally coloured label.
func StatusLabel(s model.Status, colored bool) string {
	var (
		label string
		c     *color.Color
	)
	switch s {
	case model.StatusPassed:
		label, c = "PASS", color.New(color.FgGreen, color.Bold)
	case model.StatusFailed:
		label, c = "FAIL", color.New(color.FgRed, color.Bold)
	case model.StatusTimedOut:
		label, c = "TIMEOUT", color.New(color.FgRed, color.Bold)
	case model.StatusSkipped:
		label, c = "SKIP", color.New(color.FgYellow)
	case model.StatusWarning:
		label, c = "WARN", color.New(color.FgYellow, color.Bold)
	default:
		return string(s)
	}
	if !colored {
		return label
	}
	c.EnableColor()
	return c.Sprint(label)
}

// RenderSummary prints the stage table of a finished run.
func RenderSummary(w io.Writer, rec *model.Run, runDir string, colored bool) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	style := table.StyleLight
	style.Format.Footer = text.FormatDefault
	t.SetStyle(style)
	t.SetTitle(fmt.Sprintf("Smoke run %s (%s)", rec.Name, formatDuration(rec.Duration)))
	t.AppendHeader(table.Row{"Stage", "Status", "Duration", "Detail"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Name: "Duration", Align: text.AlignRight},
		{Name: "Detail", WidthMax: 80, WidthMaxEnforcer: text.WrapSoft},
	})

	for _, st := range rec.Stages {
		t.AppendRow(table.Row{st.Name, StatusLabel(st.Status, colored), formatDuration(st.Duration), st.Detail})
	}

	footer := fmt.Sprintf("exit=%d", rec.ExitCode)
	if runDir != "" {
		footer += "  " + runDir
	}
	t.AppendFooter(table.Row{"TOTAL", StatusLabel(rec.Status, colored), formatDuration(rec.Duration), footer})
	t.Render()
}

func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fs", d.Seconds())
}
