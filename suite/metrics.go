package suite

import (
	"fmt"

	"github.com/perfgo/smokerun/model"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	metricsNamespace = "smokerun"

	// MetricsFile is written into every run directory in the node-exporter
	// textfile collector format.
	MetricsFile = "metrics.prom"
)

// runMetrics is a per-run registry; nothing is registered globally so a
// process can run several suites.
type runMetrics struct {
	registry *prometheus.Registry

	stageDuration *prometheus.GaugeVec
	stageResult   *prometheus.GaugeVec
	runDuration   prometheus.Gauge
	exitCode      prometheus.Gauge
	simulated     prometheus.Gauge
}

func newRunMetrics(rec *model.Run) *runMetrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	labels := prometheus.Labels{"run_id": rec.ID}
	if rec.Backend != nil {
		labels["backend"] = rec.Backend.Kind
		labels["accelerator"] = rec.Backend.Accelerator
	}

	return &runMetrics{
		registry: reg,
		stageDuration: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "stage_duration_seconds",
			Help:        "Wall-clock duration of a smoke stage",
			ConstLabels: labels,
		}, []string{"stage"}),
		stageResult: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "stage_result",
			Help:        "Outcome of a smoke stage (1 for the reported status)",
			ConstLabels: labels,
		}, []string{"stage", "status"}),
		runDuration: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "run_duration_seconds",
			Help:        "Wall-clock duration of the whole run",
			ConstLabels: labels,
		}),
		exitCode: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "exit_code",
			Help:        "Process exit code of the run",
			ConstLabels: labels,
		}),
		simulated: factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   metricsNamespace,
			Name:        "backend_simulated",
			Help:        "1 when GPU behaviour was simulated by the stub backend",
			ConstLabels: labels,
		}),
	}
}

func (m *runMetrics) observe(rec *model.Run) {
	for _, st := range rec.Stages {
		m.stageDuration.WithLabelValues(st.Name).Set(st.Duration.Seconds())
		m.stageResult.WithLabelValues(st.Name, string(st.Status)).Set(1)
	}
	m.runDuration.Set(rec.Duration.Seconds())
	m.exitCode.Set(float64(rec.ExitCode))
	if rec.Backend != nil && rec.Backend.Simulated {
		m.simulated.Set(1)
	}
}

// writeMetrics renders the run record as a textfile collector file.
func writeMetrics(path string, rec *model.Run) error {
	m := newRunMetrics(rec)
	m.observe(rec)
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("failed to write metrics: %w", err)
	}
	return nil
}
