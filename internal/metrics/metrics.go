// Package metrics provides Prometheus metrics for the import engine.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the namespace for all importer metrics
	Namespace = "cloud_importer"
	// Subsystem is the subsystem for batch engine metrics
	Subsystem = "engine"
)

// Step results used as label values
const (
	StepOK             = "ok"
	StepCompleted      = "completed"
	StepQuotaExhausted = "quota_exhausted"
	StepBusy           = "busy"
	StepConflict       = "conflict"
	StepError          = "error"
)

// Metrics holds the engine's collectors. A nil *Metrics records nothing.
type Metrics struct {
	ImportsStarted *prometheus.CounterVec
	StepsTotal     *prometheus.CounterVec
	StepDuration   prometheus.Histogram
	ItemsTotal     *prometheus.CounterVec
	BytesSaved     prometheus.Counter
	HTTPRequests   *prometheus.CounterVec
}

// NewMetrics creates and registers all engine metrics
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ImportsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: Subsystem,
				Name:      "imports_started_total",
				Help:      "Total number of imports started",
			},
			[]string{"source_type", "tier"},
		),
		StepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: Subsystem,
				Name:      "batch_steps_total",
				Help:      "Total number of batch steps by result",
			},
			[]string{"result"},
		),
		StepDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: Subsystem,
				Name:      "batch_step_duration_seconds",
				Help:      "Duration of batch steps that processed items",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 14), // 50ms to ~7min
			},
		),
		ItemsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: Subsystem,
				Name:      "items_total",
				Help:      "Total number of items processed by outcome",
			},
			[]string{"status", "reason"},
		),
		BytesSaved: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: Subsystem,
				Name:      "compression_bytes_saved_total",
				Help:      "Bytes saved by re-encoding images",
			},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "route", "status"},
		),
	}
}

// RecordImportStarted counts a new import
func (m *Metrics) RecordImportStarted(sourceType, tier string) {
	if m == nil {
		return
	}
	m.ImportsStarted.WithLabelValues(sourceType, tier).Inc()
}

// RecordStep counts a batch step. Duration is observed only for steps that ran items.
func (m *Metrics) RecordStep(result string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.StepsTotal.WithLabelValues(result).Inc()
	if durationSeconds > 0 {
		m.StepDuration.Observe(durationSeconds)
	}
}

// RecordItem counts one item outcome
func (m *Metrics) RecordItem(status, reason string, bytesSaved int64) {
	if m == nil {
		return
	}
	m.ItemsTotal.WithLabelValues(status, reason).Inc()
	if bytesSaved > 0 {
		m.BytesSaved.Add(float64(bytesSaved))
	}
}

// RecordRequest counts one API request
func (m *Metrics) RecordRequest(method, route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
}
