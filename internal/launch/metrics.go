package launch

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/scttfrdmn/aws-cluster-launch/pkg/types"
)

// Metrics collects launch metrics on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	pipelines        *prometheus.CounterVec
	pipelineDuration *prometheus.HistogramVec
	stepDuration     *prometheus.HistogramVec
	probeAttempts    *prometheus.CounterVec
	running          prometheus.Gauge
}

// NewMetrics creates and registers the launch metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pipelines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cluster_launch_pipelines_total",
				Help: "Readiness pipelines by terminal status",
			},
			[]string{"cluster", "facet", "result"},
		),
		pipelineDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cluster_launch_pipeline_duration_seconds",
				Help:    "Time from creation to terminal state per node",
				Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1200},
			},
			[]string{"cluster", "facet"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "cluster_launch_step_duration_seconds",
				Help:    "Duration of individual pipeline steps",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 11),
			},
			[]string{"step"},
		),
		probeAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cluster_launch_ssh_probe_attempts_total",
				Help: "SSH probe attempts by outcome",
			},
			[]string{"outcome"},
		),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cluster_launch_running_pipelines",
			Help: "Pipelines not yet in a terminal state",
		}),
	}

	m.registry.MustRegister(m.pipelines, m.pipelineDuration, m.stepDuration, m.probeAttempts, m.running)
	return m
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// WriteTextfile writes the current metrics in the node-exporter textfile format
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil {
		return nil
	}
	return prometheus.WriteToTextfile(path, m.registry)
}

func (m *Metrics) recordResult(cluster string, node types.NodeSpec, r types.PipelineResult) {
	if m == nil {
		return
	}
	m.pipelines.WithLabelValues(cluster, node.Facet, string(r.Status)).Inc()
	if r.Status != types.StatusSkipped {
		m.pipelineDuration.WithLabelValues(cluster, node.Facet).Observe(r.Duration.Seconds())
	}
}

func (m *Metrics) recordStep(step types.Step, d time.Duration) {
	if m == nil {
		return
	}
	m.stepDuration.WithLabelValues(string(step)).Observe(d.Seconds())
}

func (m *Metrics) recordProbe(outcome probeOutcome) {
	if m == nil {
		return
	}
	m.probeAttempts.WithLabelValues(string(outcome)).Inc()
}

func (m *Metrics) setRunning(n int) {
	if m == nil {
		return
	}
	m.running.Set(float64(n))
}
