// Package metrics exposes the engine's Prometheus collectors on a private
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "lifecycle"

// Metrics holds every collector the runtime reports.
type Metrics struct {
	registry *prometheus.Registry

	events            *prometheus.CounterVec
	transitions       *prometheus.CounterVec
	transitionLatency *prometheus.HistogramVec
	conflicts         *prometheus.CounterVec
	actions           *prometheus.CounterVec
	actionAttempts    *prometheus.CounterVec
	timeouts          *prometheus.CounterVec
	sweepDuration     prometheus.Histogram
	definitions       prometheus.Gauge
	reloads           *prometheus.CounterVec
	hooks             *prometheus.CounterVec
}

// New creates the collectors and registers them, plus the Go and process
// collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events processed, by outcome",
		}, []string{"object_type", "event", "outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Committed state transitions",
		}, []string{"object_type", "from", "to"}),
		transitionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_duration_seconds",
			Help:      "Time from lane pickup to commit or rejection of an event",
			Buckets:   prometheus.DefBuckets,
		}, []string{"object_type"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "version_conflicts_total",
			Help:      "Optimistic version conflicts on commit",
		}, []string{"object_type"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Side-effecting actions by final status",
		}, []string{"type", "status"}),
		actionAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "action_attempts_total",
			Help:      "Delivery attempts by result",
		}, []string{"type", "result"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Timeout submissions by result",
		}, []string{"result"}),
		sweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "sweep_duration_seconds",
			Help:      "Duration of one scheduler sweep",
			Buckets:   prometheus.DefBuckets,
		}),
		definitions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "definitions_loaded",
			Help:      "Object types currently served",
		}),
		reloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "definition_reloads_total",
			Help:      "Definition load attempts by result",
		}, []string{"result"}),
		hooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hook_mutations_total",
			Help:      "CRUD hook mutations by operation and routed event",
		}, []string{"op", "event"}),
	}

	m.registry.MustRegister(
		m.events, m.transitions, m.transitionLatency, m.conflicts,
		m.actions, m.actionAttempts, m.timeouts, m.sweepDuration,
		m.definitions, m.reloads, m.hooks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry, for tests and custom exposition.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveEvent records one processed event and its lane time.
func (m *Metrics) ObserveEvent(objectType, event, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(objectType, event, outcome).Inc()
	m.transitionLatency.WithLabelValues(objectType).Observe(d.Seconds())
}

// ObserveTransition records a committed transition.
func (m *Metrics) ObserveTransition(objectType, from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(objectType, from, to).Inc()
}

// ObserveConflict records a version conflict.
func (m *Metrics) ObserveConflict(objectType string) {
	if m == nil {
		return
	}
	m.conflicts.WithLabelValues(objectType).Inc()
}

// ObserveAttempt records one action delivery attempt; result is "ok",
// "error" or "circuit_open".
func (m *Metrics) ObserveAttempt(actionType, result string) {
	if m == nil {
		return
	}
	m.actionAttempts.WithLabelValues(actionType, result).Inc()
}

// ObserveAction records an action reaching a final status.
func (m *Metrics) ObserveAction(actionType, status string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(actionType, status).Inc()
}

// ObserveTimeout records a timeout submission; result is "submitted",
// "dropped" or "inflight".
func (m *Metrics) ObserveTimeout(result string) {
	if m == nil {
		return
	}
	m.timeouts.WithLabelValues(result).Inc()
}

// ObserveSweep records the duration of a scheduler sweep.
func (m *Metrics) ObserveSweep(d time.Duration) {
	if m == nil {
		return
	}
	m.sweepDuration.Observe(d.Seconds())
}

// SetDefinitions sets the number of served object types.
func (m *Metrics) SetDefinitions(n int) {
	if m == nil {
		return
	}
	m.definitions.Set(float64(n))
}

// ObserveReload records a definition load; result is "ok" or "error".
func (m *Metrics) ObserveReload(result string) {
	if m == nil {
		return
	}
	m.reloads.WithLabelValues(result).Inc()
}

// ObserveHook records a routed CRUD mutation.
func (m *Metrics) ObserveHook(op, event string) {
	if m == nil {
		return
	}
	m.hooks.WithLabelValues(op, event).Inc()
}
