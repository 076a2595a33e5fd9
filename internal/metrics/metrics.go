// Package metrics holds the daemon's prometheus collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is a private registry plus the collectors registered on it.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	pipelineStep *prometheus.HistogramVec
	pipelineRuns *prometheus.CounterVec
	commands     *prometheus.CounterVec
	instances    *prometheus.GaugeVec
	macsClaimed  prometheus.Gauge
}

// New creates and registers the collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		pipelineStep: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vmd_pipeline_step_seconds",
			Help:    "Duration of each instance creation step.",
			Buckets: []float64{.001, .01, .1, .5, 1, 5, 15, 60, 300, 900},
		}, []string{"step"}),
		pipelineRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmd_pipeline_runs_total",
			Help: "Instance creations by outcome.",
		}, []string{"outcome"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vmd_commands_total",
			Help: "Dispatched commands by method and result code.",
		}, []string{"method", "code"}),
		instances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "vmd_instances",
			Help: "Known instances by state.",
		}, []string{"state"}),
		macsClaimed: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vmd_mac_addresses_claimed",
			Help: "MAC addresses currently claimed.",
		}),
	}
	m.registry.MustRegister(
		m.pipelineStep,
		m.pipelineRuns,
		m.commands,
		m.instances,
		m.macsClaimed,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the registry for tests and custom collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveStep records the duration of one pipeline step.
func (m *Metrics) ObserveStep(step string, d time.Duration) {
	if m == nil {
		return
	}
	m.pipelineStep.WithLabelValues(step).Observe(d.Seconds())
}

// PipelineRun counts a finished pipeline, outcome "ok" or "failed".
func (m *Metrics) PipelineRun(outcome string) {
	if m == nil {
		return
	}
	m.pipelineRuns.WithLabelValues(outcome).Inc()
}

// Command counts one dispatched command.
func (m *Metrics) Command(method, code string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(method, code).Inc()
}

// SetInstances replaces the per-state instance gauge.
func (m *Metrics) SetInstances(byState map[string]int) {
	if m == nil {
		return
	}
	m.instances.Reset()
	for state, n := range byState {
		m.instances.WithLabelValues(state).Set(float64(n))
	}
}

// SetMACsClaimed sets the claimed MAC gauge.
func (m *Metrics) SetMACsClaimed(n int) {
	if m == nil {
		return
	}
	m.macsClaimed.Set(float64(n))
}
