// Package metrics is the Prometheus implementation of sessionpool.Metrics.
package metrics

import (
	"errors"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Morditux/sessionpool"
)

const namespace = "sessionpool"

type poolMetrics struct {
	connectsTotal    *prometheus.CounterVec
	connectDuration  prometheus.Histogram
	txStartsTotal    *prometheus.CounterVec
	txStartDuration  *prometheus.HistogramVec
	txEndsTotal      *prometheus.CounterVec
	lockWaitDuration prometheus.Histogram
	reapedTotal      prometheus.Counter
	sessions         prometheus.Gauge
}

// New registers the pool collectors with reg and returns them as a
// sessionpool.Metrics. A nil reg uses the default registerer.
func New(reg prometheus.Registerer) sessionpool.Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &poolMetrics{
		connectsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connects_total",
				Help:      "Total number of attachment connects by status",
			},
			[]string{"status"},
		),
		connectDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connect_duration_milliseconds",
				Help:      "Duration of attachment connects in milliseconds",
				Buckets: []float64{
					1,    // local socket
					5,    // same host
					25,   // same network
					100,  // TLS handshake
					500,  // loaded server
					2000, // 2s
					10000,
				},
			},
		),
		txStartsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transaction_starts_total",
				Help:      "Total number of transaction starts by kind and status",
			},
			[]string{"read_only", "status"},
		),
		txStartDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "transaction_start_duration_milliseconds",
				Help:      "Duration of transaction starts in milliseconds",
				Buckets:   []float64{0.5, 1, 5, 10, 50, 100, 500},
			},
			[]string{"read_only"},
		),
		txEndsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "transaction_ends_total",
				Help:      "Total number of finished transactions by kind, outcome and status",
			},
			[]string{"read_only", "outcome", "status"},
		),
		lockWaitDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "registry_lock_wait_seconds",
				Help:      "Time spent waiting for the session registry lock",
				Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
			},
		),
		reapedTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_reaped_total",
				Help:      "Total number of idle sessions reclaimed by the reaper",
			},
		),
		sessions: f.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "sessions",
				Help:      "Current number of registered sessions",
			},
		),
	}
}

func status(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, sessionpool.ErrLockConflict):
		return "lock_conflict"
	default:
		return "error"
	}
}

func ms(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func (m *poolMetrics) ObserveConnect(d time.Duration, err error) {
	m.connectsTotal.WithLabelValues(status(err)).Inc()
	if err == nil {
		m.connectDuration.Observe(ms(d))
	}
}

func (m *poolMetrics) ObserveTxStart(readOnly bool, d time.Duration, err error) {
	ro := strconv.FormatBool(readOnly)
	m.txStartsTotal.WithLabelValues(ro, status(err)).Inc()
	if err == nil {
		m.txStartDuration.WithLabelValues(ro).Observe(ms(d))
	}
}

func (m *poolMetrics) ObserveTxEnd(readOnly bool, outcome string, err error) {
	m.txEndsTotal.WithLabelValues(strconv.FormatBool(readOnly), outcome, status(err)).Inc()
}

func (m *poolMetrics) ObserveLockWait(d time.Duration) {
	m.lockWaitDuration.Observe(d.Seconds())
}

func (m *poolMetrics) RecordReaped(n int) {
	m.reapedTotal.Add(float64(n))
}

func (m *poolMetrics) RecordSessions(n int) {
	m.sessions.Set(float64(n))
}
