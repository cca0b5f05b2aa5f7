package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	backendMemory = "memory"
	backendRedis  = "redis"
)

// Metrics holds the keyed store collectors
type Metrics struct {
	operations  *prometheus.CounterVec
	failures    *prometheus.CounterVec
	expirations *prometheus.CounterVec
}

// NewMetrics registers the keyed store collectors. A nil registerer yields
// collectors that are counted but never exported.
func NewMetrics(promRegistry prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sanctuary_store_operations_total",
				Help: "keyed store operations by operation and backend",
			},
			[]string{"op", "backend"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sanctuary_store_failures_total",
				Help: "keyed store operations that failed and degraded to absent/no-op",
			},
			[]string{"op", "backend"},
		),
		expirations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sanctuary_store_expired_keys_total",
				Help: "keys purged after their TTL elapsed",
			},
			[]string{"backend"},
		),
	}
	if promRegistry != nil {
		promRegistry.MustRegister(m.operations, m.failures, m.expirations)
	}
	return m
}

// The helpers tolerate a nil receiver so stores work without metrics

func (m *Metrics) observe(op, backend string) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, backend).Inc()
}

func (m *Metrics) failed(op, backend string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(op, backend).Inc()
}

func (m *Metrics) expired(backend string, n int) {
	if m == nil {
		return
	}
	m.expirations.WithLabelValues(backend).Add(float64(n))
}
