// Package telemetry provides observability with Prometheus metrics and structured logging.
package telemetry

import (
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for QuotaGate
type Metrics struct {
	// Admission metrics
	AdmissionsTotal  *prometheus.CounterVec
	RejectionsTotal  *prometheus.CounterVec
	AdmissionWait    *prometheus.HistogramVec
	JobsInFlight     *prometheus.GaugeVec
	EscalationsTotal *prometheus.CounterVec

	// Reconciliation metrics
	TokensReserved *prometheus.CounterVec
	TokensRefunded *prometheus.CounterVec
	OveragesTotal  *prometheus.CounterVec

	// Queue metrics
	QueueDepth *prometheus.GaugeVec

	// Job type metrics
	JobTypeRatio *prometheus.GaugeVec
	JobTypeSlots *prometheus.GaugeVec

	// Coordination metrics
	InstanceCount   prometheus.Gauge
	PoolSlots       *prometheus.GaugeVec
	PoolTPM         *prometheus.GaugeVec
	HeartbeatsTotal prometheus.Counter
	BackendErrors   *prometheus.CounterVec

	// Memory governor metrics
	MemoryBudgetKB prometheus.Gauge
	MemoryInUseKB  prometheus.Gauge
}

// NewMetrics creates metrics registered against the given registerer; nil
// uses the default global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		AdmissionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_admissions_total",
				Help: "Jobs admitted, by model and job type",
			},
			[]string{"model", "job_type"},
		),
		RejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_rejections_total",
				Help: "Admission rejections, by model, job type and layer (local, backend)",
			},
			[]string{"model", "job_type", "layer"},
		),
		AdmissionWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotagate_admission_wait_seconds",
				Help:    "Time spent waiting for admission, by model",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
			},
			[]string{"model"},
		),
		JobsInFlight: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quotagate_jobs_in_flight",
				Help: "Jobs currently executing, by model and job type",
			},
			[]string{"model", "job_type"},
		),
		EscalationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_escalations_total",
				Help: "Escalations past a model that could not admit, by model",
			},
			[]string{"model"},
		),
		TokensReserved: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_tokens_reserved_total",
				Help: "Estimated tokens reserved at admission, by model",
			},
			[]string{"model"},
		),
		TokensRefunded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_tokens_refunded_total",
				Help: "Tokens refunded on release (actual below estimate), by model",
			},
			[]string{"model"},
		),
		OveragesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_overages_total",
				Help: "Overage events (actual above estimate), by model and resource type",
			},
			[]string{"model", "resource_type"},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quotagate_queue_depth",
				Help: "Waiters queued for admission, by model and job type",
			},
			[]string{"model", "job_type"},
		),
		JobTypeRatio: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quotagate_job_type_ratio",
				Help: "Current pool share ratio, by model and job type",
			},
			[]string{"model", "job_type"},
		),
		JobTypeSlots: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quotagate_job_type_slots",
				Help: "Allocated local slots, by model and job type",
			},
			[]string{"model", "job_type"},
		),
		InstanceCount: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "quotagate_instance_count",
				Help: "Live instances in the last received allocation",
			},
		),
		PoolSlots: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quotagate_pool_slots",
				Help: "This instance's concurrency slot allocation, by model",
			},
			[]string{"model"},
		),
		PoolTPM: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "quotagate_pool_tokens_per_minute",
				Help: "This instance's tokens-per-minute allocation, by model",
			},
			[]string{"model"},
		),
		HeartbeatsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "quotagate_heartbeats_total",
				Help: "Heartbeats sent to the coordination backend",
			},
		),
		BackendErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotagate_backend_errors_total",
				Help: "Transient backend errors, by operation",
			},
			[]string{"operation"},
		),
		MemoryBudgetKB: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "quotagate_memory_budget_kb",
				Help: "Current local memory admission budget in KB",
			},
		),
		MemoryInUseKB: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "quotagate_memory_in_use_kb",
				Help: "Memory currently reserved by in-flight jobs in KB",
			},
		),
	}
}

// Handler returns an HTTP handler for Prometheus metrics
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordAdmission records a successful admission and its wait time.
func (m *Metrics) RecordAdmission(model, jobType string, wait time.Duration, estimatedTokens int64) {
	m.AdmissionsTotal.WithLabelValues(model, jobType).Inc()
	m.AdmissionWait.WithLabelValues(model).Observe(wait.Seconds())
	m.JobsInFlight.WithLabelValues(model, jobType).Inc()
	if estimatedTokens > 0 {
		m.TokensReserved.WithLabelValues(model).Add(float64(estimatedTokens))
	}
}

// RecordRejection records an admission rejection at a given layer.
func (m *Metrics) RecordRejection(model, jobType, layer string) {
	m.RejectionsTotal.WithLabelValues(model, jobType, layer).Inc()
}

// RecordRelease records a job release and its token reconciliation.
func (m *Metrics) RecordRelease(model, jobType string, refundedTokens int64) {
	m.JobsInFlight.WithLabelValues(model, jobType).Dec()
	if refundedTokens > 0 {
		m.TokensRefunded.WithLabelValues(model).Add(float64(refundedTokens))
	}
}

// RecordOverage records one overage event.
func (m *Metrics) RecordOverage(model, resourceType string, overage int64) {
	m.OveragesTotal.WithLabelValues(model, resourceType).Add(float64(overage))
}

// RecordBackendError records a transient backend failure.
func (m *Metrics) RecordBackendError(operation string) {
	m.BackendErrors.WithLabelValues(operation).Inc()
}

// UpdateAllocation reflects a newly received allocation in the gauges.
func (m *Metrics) UpdateAllocation(instanceCount int, poolSlots, poolTPM map[string]int64) {
	m.InstanceCount.Set(float64(instanceCount))
	for model, slots := range poolSlots {
		m.PoolSlots.WithLabelValues(model).Set(float64(slots))
	}
	for model, tpm := range poolTPM {
		m.PoolTPM.WithLabelValues(model).Set(float64(tpm))
	}
}

// NewLogger builds the process logger the way the rest of the system expects
// it: JSON to stdout by default, text when format is "pretty".
func NewLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	if strings.ToLower(format) == "pretty" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

// Init initializes the telemetry system: the metrics set and the process
// logger. The returned shutdown func is currently a no-op kept for call-site
// symmetry with richer exporters.
func Init(format, level string) (*Metrics, *slog.Logger, func()) {
	metrics := NewMetrics(nil)
	logger := NewLogger(format, level)
	return metrics, logger, func() {}
}
