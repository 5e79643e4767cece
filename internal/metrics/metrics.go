// Package metrics provides the Prometheus collectors and HTTP handler for
// imnotify runtime metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome labels for targets and resolves
const (
	OutcomeSkipped    = "skipped"
	OutcomeOpened     = "opened"
	OutcomeOpenFailed = "open_failed"
	OutcomeClosed     = "closed"

	ResolveCacheHit = "cache_hit"
	ResolveResolved = "resolved"
	ResolveFailed   = "failed"
	ResolveConflict = "conflict"
	ResolveTimeout  = "timeout"
	ResolveBackoff  = "backoff"
)

// Metrics holds the collectors of one engine. All methods are safe on a nil
// receiver so components can run without metrics.
type Metrics struct {
	registry *prometheus.Registry

	notifications   prometheus.Counter
	targets         *prometheus.CounterVec
	resolves        *prometheus.CounterVec
	connectionState prometheus.Gauge
}

// New creates the collectors on a private registry
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		notifications: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "imnotify_notifications_total",
				Help: "Total build events accepted for delivery",
			},
		),
		targets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imnotify_target_outcomes_total",
				Help: "Notification target outcomes",
			},
			[]string{"outcome"},
		),
		resolves: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "imnotify_resolve_outcomes_total",
				Help: "Directory resolve outcomes",
			},
			[]string{"outcome"},
		),
		connectionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "imnotify_connection_state",
				Help: "Connection state: 0 initializing, 1 logged in, 2 closed, -1 none",
			},
		),
	}
	m.connectionState.Set(-1)

	m.registry.MustRegister(
		m.notifications,
		m.targets,
		m.resolves,
		m.connectionState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// IncNotification counts an accepted build event
func (m *Metrics) IncNotification() {
	if m == nil {
		return
	}
	m.notifications.Inc()
}

// IncTarget counts a target outcome
func (m *Metrics) IncTarget(outcome string) {
	if m == nil {
		return
	}
	m.targets.WithLabelValues(outcome).Inc()
}

// IncResolve counts a resolve outcome
func (m *Metrics) IncResolve(outcome string) {
	if m == nil {
		return
	}
	m.resolves.WithLabelValues(outcome).Inc()
}

// SetConnectionState records the current connection state
func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

// Registry returns the registry holding the collectors
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler that exposes the metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
