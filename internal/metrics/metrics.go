// Package metrics holds the prometheus collectors for aggregation
// repositories and recovery scanners.
//
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "corral"

// Operation results recorded on corral_repository_operations_total.
const (
	ResultOK       = "ok"
	ResultConflict = "conflict"
	ResultError    = "error"
)

// Metrics owns a registry and every corral collector.
type Metrics struct {
	registry *prometheus.Registry

	operations         *prometheus.CounterVec
	redeliveries       *prometheus.CounterVec
	deadLetters        *prometheus.CounterVec
	deadLetterFailures *prometheus.CounterVec
	scans              *prometheus.CounterVec
	skippedTicks       *prometheus.CounterVec
	scanDuration       *prometheus.HistogramVec
}

// New creates the collectors and registers them on a fresh registry.
func New() *Metrics {
	return NewWithRegistry(prometheus.NewRegistry())
}

// NewWithRegistry registers the collectors on reg.
// Panics if any collector is already registered there.
func NewWithRegistry(reg *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: reg,
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "repository",
			Name:      "operations_total",
			Help:      "Repository operations by outcome",
		}, []string{"repository", "op", "result"}),
		redeliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "redeliveries_total",
			Help:      "Completed exchanges resubmitted by recovery",
		}, []string{"repository"}),
		deadLetters: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "dead_letters_total",
			Help:      "Exchanges moved to the dead-letter endpoint",
		}, []string{"repository"}),
		deadLetterFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "dead_letter_failures_total",
			Help:      "Failed sends to the dead-letter endpoint",
		}, []string{"repository"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "scans_total",
			Help:      "Recovery scans run",
		}, []string{"repository"}),
		skippedTicks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "skipped_ticks_total",
			Help:      "Recovery ticks skipped because a scan was still running",
		}, []string{"repository"}),
		scanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "scan_duration_seconds",
			Help:      "Duration of recovery scans",
			Buckets:   prometheus.DefBuckets,
		}, []string{"repository"}),
	}

	reg.MustRegister(
		m.operations,
		m.redeliveries,
		m.deadLetters,
		m.deadLetterFailures,
		m.scans,
		m.skippedTicks,
		m.scanDuration,
	)
	return m
}

// Registry returns the prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Operation records one repository operation.
func (m *Metrics) Operation(repository, op, result string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(repository, op, result).Inc()
}

// Redelivered records one resubmission.
func (m *Metrics) Redelivered(repository string) {
	if m == nil {
		return
	}
	m.redeliveries.WithLabelValues(repository).Inc()
}

// DeadLettered records one exchange moved to the dead-letter endpoint.
func (m *Metrics) DeadLettered(repository string) {
	if m == nil {
		return
	}
	m.deadLetters.WithLabelValues(repository).Inc()
}

// DeadLetterFailed records one failed dead-letter send.
func (m *Metrics) DeadLetterFailed(repository string) {
	if m == nil {
		return
	}
	m.deadLetterFailures.WithLabelValues(repository).Inc()
}

// Scanned records one finished scan and its duration in seconds.
func (m *Metrics) Scanned(repository string, seconds float64) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(repository).Inc()
	m.scanDuration.WithLabelValues(repository).Observe(seconds)
}

// TickSkipped records a tick that fired while a scan was running.
func (m *Metrics) TickSkipped(repository string) {
	if m == nil {
		return
	}
	m.skippedTicks.WithLabelValues(repository).Inc()
}
