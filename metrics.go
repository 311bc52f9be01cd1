package alive

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Cycle outcomes recorded in alive_heartbeat_cycles_total.
const (
	OutcomeSuccess       = "success"
	OutcomeProbeRejected = "probe_rejected"
	OutcomeFailed        = "failed"
	OutcomeTimeout       = "timeout"
)

// Job statuses recorded in alive_jobs_total.
const (
	JobStatusOK      = "ok"
	JobStatusRetry   = "retry"
	JobStatusDead    = "dead"
	JobStatusUnknown = "unknown"
)

// Metrics holds the Prometheus collectors for one agent. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	CyclesTotal         *prometheus.CounterVec
	CycleDuration       prometheus.Histogram
	CallbackErrorsTotal prometheus.Counter
	LastHeartbeat       prometheus.Gauge
	RegisteredInstances prometheus.Gauge
	JobsTotal           *prometheus.CounterVec
}

// NewMetrics creates the collectors on a fresh registry. constLabels are
// attached to every series (typically namespace, process_type and instance).
func NewMetrics(constLabels prometheus.Labels) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		CyclesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "alive_heartbeat_cycles_total",
			Help:        "Heartbeat cycles by outcome",
			ConstLabels: constLabels,
		}, []string{"outcome"}),

		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "alive_heartbeat_cycle_duration_seconds",
			Help:        "Heartbeat cycle duration in seconds",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 15),
		}),

		CallbackErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "alive_callback_errors_total",
			Help:        "Discarded post-heartbeat callback failures",
			ConstLabels: constLabels,
		}),

		LastHeartbeat: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "alive_last_heartbeat_timestamp_seconds",
			Help:        "Unix time of the last successful heartbeat write",
			ConstLabels: constLabels,
		}),

		RegisteredInstances: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "alive_registered_instances",
			Help:        "Live instances seen in the registry",
			ConstLabels: constLabels,
		}),

		JobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "alive_jobs_total",
			Help:        "Queue job executions by kind and status",
			ConstLabels: constLabels,
		}, []string{"kind", "status"}),
	}

	registry.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.CallbackErrorsTotal,
		m.LastHeartbeat,
		m.RegisteredInstances,
		m.JobsTotal,
	)

	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Registry returns the underlying registry, or nil for nil metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCycle records one cycle outcome and its duration.
func (m *Metrics) ObserveCycle(outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CyclesTotal.WithLabelValues(outcome).Inc()
	m.CycleDuration.Observe(duration.Seconds())
}

// IncCallbackErrors counts a discarded callback failure.
func (m *Metrics) IncCallbackErrors() {
	if m == nil {
		return
	}
	m.CallbackErrorsTotal.Inc()
}

// SetRegisteredInstances updates the live instance gauge.
func (m *Metrics) SetRegisteredInstances(count int) {
	if m == nil {
		return
	}
	m.RegisteredInstances.Set(float64(count))
}

// ObserveJob counts a job execution.
func (m *Metrics) ObserveJob(kind, status string) {
	if m == nil {
		return
	}
	m.JobsTotal.WithLabelValues(kind, status).Inc()
}

// HeartbeatCallback returns a Callback that stamps the last-heartbeat gauge.
// The agent chains it in front of the user callback.
func (m *Metrics) HeartbeatCallback() Callback {
	return func(context.Context) error {
		if m != nil {
			m.LastHeartbeat.SetToCurrentTime()
		}
		return nil
	}
}
