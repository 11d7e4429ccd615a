// Package metrics exposes Prometheus counters for approval workflows.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "approvals"

// Metrics holds the engine counters on a dedicated registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry          *prometheus.Registry
	instancesStarted  *prometheus.CounterVec
	instancesFinished *prometheus.CounterVec
	decisions         *prometheus.CounterVec
	timeouts          *prometheus.CounterVec
	attention         prometheus.Counter
}

// New creates the counters and registers them, along with the Go and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		instancesStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_started_total",
				Help:      "Total number of workflow instances started by entity type and trigger type",
			},
			[]string{"entity_type", "trigger_type"},
		),
		instancesFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_finished_total",
				Help:      "Total number of workflow instances reaching a final status",
			},
			[]string{"final_status"},
		),
		decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "decisions_total",
				Help:      "Total number of step and request decisions by decision",
			},
			[]string{"decision"},
		),
		timeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_timeouts_total",
				Help:      "Total number of timed out step executions by outcome",
			},
			[]string{"outcome"},
		),
		attention: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "instances_attention_total",
				Help:      "Total number of instances flagged for administrative attention",
			},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.instancesStarted,
		m.instancesFinished,
		m.decisions,
		m.timeouts,
		m.attention,
	)

	return m
}

// Registry returns the registry the counters live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) InstanceStarted(entityType, triggerType string) {
	if m == nil {
		return
	}

	m.instancesStarted.WithLabelValues(entityType, triggerType).Inc()
}

func (m *Metrics) InstanceFinished(finalStatus string) {
	if m == nil {
		return
	}

	m.instancesFinished.WithLabelValues(finalStatus).Inc()
}

func (m *Metrics) Decision(decision string) {
	if m == nil {
		return
	}

	m.decisions.WithLabelValues(decision).Inc()
}

// StepTimedOut counts a timed out step; outcome is "escalated" or "expired".
func (m *Metrics) StepTimedOut(outcome string) {
	if m == nil {
		return
	}

	m.timeouts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) AttentionRequired() {
	if m == nil {
		return
	}

	m.attention.Inc()
}
