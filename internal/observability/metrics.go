// Package observability exposes Prometheus metrics for the host over a
// loopback HTTP listener.
package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the host's Prometheus collectors.
type Metrics struct {
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge
	WorkerRestarts   prometheus.Counter
	HealthStatus     *prometheus.GaugeVec
	SwapOutcomes     *prometheus.CounterVec
}

// NewMetrics creates and registers the host collectors.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loom_request_duration_seconds",
				Help:    "Invoke request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "status"},
		),
		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "loom_requests_in_flight",
				Help: "Number of invoke requests currently being served",
			},
		),
		WorkerRestarts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "loom_worker_restarts_total",
				Help: "Total number of worker process restarts",
			},
		),
		HealthStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "loom_health_status",
				Help: "Health classification per entity (0 healthy, 1 unknown, 2 degraded, 3 unhealthy)",
			},
			[]string{"entity"},
		),
		SwapOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loom_swap_outcomes_total",
				Help: "Slot swap outcomes by slot and result",
			},
			[]string{"slot", "outcome"},
		),
	}

	reg.MustRegister(
		m.RequestDuration,
		m.RequestsInFlight,
		m.WorkerRestarts,
		m.HealthStatus,
		m.SwapOutcomes,
	)
	return m
}

// ObserveRequest records a completed invoke call.
func (m *Metrics) ObserveRequest(method, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(method, status).Observe(elapsed.Seconds())
}

// SetHealth records the numeric severity for an entity.
func (m *Metrics) SetHealth(entity string, severity int) {
	if m == nil {
		return
	}
	m.HealthStatus.WithLabelValues(entity).Set(float64(severity))
}

// RecordSwap counts a swap outcome.
func (m *Metrics) RecordSwap(slot, outcome string) {
	if m == nil {
		return
	}
	m.SwapOutcomes.WithLabelValues(slot, outcome).Inc()
}
