// Package metrics exposes deployment and container telemetry as Prometheus metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/artpar/dockpilot/internal/core/domain"
)

const namespace = "dockpilot"

// Metrics holds every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	deploymentsTotal   *prometheus.CounterVec
	deploymentDuration *prometheus.HistogramVec
	healthProbesTotal  *prometheus.CounterVec
	canaryErrorRatio   *prometheus.GaugeVec
	containerCPU       *prometheus.GaugeVec
	containerMemory    *prometheus.GaugeVec
	alertsTotal        *prometheus.CounterVec
}

// New registers the collectors with reg. Pass prometheus.NewRegistry() in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		deploymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deployments_total",
				Help:      "Deployment attempts by strategy and outcome",
			},
			[]string{"strategy", "outcome"},
		),
		deploymentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployment_duration_seconds",
				Help:      "Wall time of deployment attempts",
				Buckets:   []float64{5, 15, 30, 60, 120, 300, 600},
			},
			[]string{"strategy"},
		),
		healthProbesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "health_probes_total",
				Help:      "Health probe requests by result",
			},
			[]string{"result"},
		),
		canaryErrorRatio: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "canary_error_ratio",
				Help:      "Running error ratio of the current canary soak",
			},
			[]string{"container"},
		),
		containerCPU: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "container_cpu_percent",
				Help:      "Last sampled CPU usage",
			},
			[]string{"container"},
		),
		containerMemory: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "container_memory_percent",
				Help:      "Last sampled memory usage relative to the limit",
			},
			[]string{"container"},
		),
		alertsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alerts_total",
				Help:      "Alerts fired by rule",
			},
			[]string{"rule"},
		),
	}
}

// RecordAttempt counts a sealed attempt and observes its duration.
func (m *Metrics) RecordAttempt(strategy domain.Strategy, outcome domain.Outcome, d time.Duration) {
	if m == nil {
		return
	}
	m.deploymentsTotal.WithLabelValues(string(strategy), string(outcome)).Inc()
	m.deploymentDuration.WithLabelValues(string(strategy)).Observe(d.Seconds())
}

// ObserveProbe counts one health probe. Its signature matches health.Observer.
func (m *Metrics) ObserveProbe(result domain.HealthProbeResult) {
	if m == nil {
		return
	}
	label := "failure"
	if result.Success {
		label = "success"
	}
	m.healthProbesTotal.WithLabelValues(label).Inc()
}

// SetCanaryErrorRatio publishes the running soak error ratio.
func (m *Metrics) SetCanaryErrorRatio(container string, ratio float64) {
	if m == nil {
		return
	}
	m.canaryErrorRatio.WithLabelValues(container).Set(ratio)
}

// ObserveSample publishes a container's latest telemetry sample.
func (m *Metrics) ObserveSample(container string, sample domain.TelemetrySample) {
	if m == nil {
		return
	}
	m.containerCPU.WithLabelValues(container).Set(sample.CPUPercent)
	m.containerMemory.WithLabelValues(container).Set(sample.MemoryPercent)
}

// ObserveAlert counts a fired alert.
func (m *Metrics) ObserveAlert(alert domain.Alert) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(alert.Rule).Inc()
}

// Forget drops the per-container series, e.g. after a canary is discarded.
func (m *Metrics) Forget(container string) {
	if m == nil {
		return
	}
	m.canaryErrorRatio.DeleteLabelValues(container)
	m.containerCPU.DeleteLabelValues(container)
	m.containerMemory.DeleteLabelValues(container)
}
