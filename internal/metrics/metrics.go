// Package metrics defines the Prometheus collectors exported by the bridge.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "owenlers"

// Cycle results.
const (
	ResultOK    = "ok"
	ResultError = "error"
)

// Skip reasons.
const (
	ReasonDuplicate = "duplicate"
	ReasonAbsent    = "absent"
)

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Cycles          *prometheus.CounterVec
	ReadingsSent    prometheus.Counter
	ReadingsSkipped *prometheus.CounterVec
	Pushes          *prometheus.CounterVec
	PushLatency     prometheus.Histogram
	Reauths         prometheus.Counter
	LastSuccess     prometheus.Gauge
	GRPCRequests    *prometheus.CounterVec
	GRPCLatency     *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Synchronization cycles by result.",
		}, []string{"result"}),
		ReadingsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_forwarded_total",
			Help:      "Readings classified as new and scheduled for delivery.",
		}),
		ReadingsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "readings_skipped_total",
			Help:      "Readings not forwarded, by reason.",
		}, []string{"reason"}),
		Pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pushes_total",
			Help:      "Consumption archive pushes to LERS by result.",
		}, []string{"result"}),
		PushLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "push_duration_seconds",
			Help:      "Duration of LERS pushes.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		Reauths: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reauthentications_total",
			Help:      "OwenCloud re-authentications after a rejected token.",
		}),
		LastSuccess: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_successful_cycle_timestamp_seconds",
			Help:      "Unix time of the last cycle that completed without errors.",
		}),
		GRPCRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "grpc_requests_total",
			Help:      "gRPC requests by method and status code.",
		}, []string{"method", "code"}),
		GRPCLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "grpc_request_duration_seconds",
			Help:      "gRPC request duration by method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
	}

	reg.MustRegister(
		m.Cycles,
		m.ReadingsSent,
		m.ReadingsSkipped,
		m.Pushes,
		m.PushLatency,
		m.Reauths,
		m.LastSuccess,
		m.GRPCRequests,
		m.GRPCLatency,
	)
	return m
}

// ObserveCycle records the outcome of one cycle.
func (m *Metrics) ObserveCycle(err error, at time.Time) {
	if m == nil {
		return
	}
	if err != nil {
		m.Cycles.WithLabelValues(ResultError).Inc()
		return
	}
	m.Cycles.WithLabelValues(ResultOK).Inc()
	m.LastSuccess.Set(float64(at.Unix()))
}

// ObserveReadings records how a cycle's readings were classified.
func (m *Metrics) ObserveReadings(forwarded, duplicates, absent int) {
	if m == nil {
		return
	}
	m.ReadingsSent.Add(float64(forwarded))
	m.ReadingsSkipped.WithLabelValues(ReasonDuplicate).Add(float64(duplicates))
	m.ReadingsSkipped.WithLabelValues(ReasonAbsent).Add(float64(absent))
}

// ObservePush records one push attempt.
func (m *Metrics) ObservePush(err error, took time.Duration) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.Pushes.WithLabelValues(result).Inc()
	m.PushLatency.Observe(took.Seconds())
}

// IncReauth counts one re-authentication.
func (m *Metrics) IncReauth() {
	if m == nil {
		return
	}
	m.Reauths.Inc()
}
