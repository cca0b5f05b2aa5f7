package hub

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Cleanup dispatch modes
const (
	modeQueued   = "queued"
	modeOverflow = "overflow"
	modeDropped  = "dropped"
)

// Metrics holds the hub collectors
type Metrics struct {
	cleanups *prometheus.CounterVec
	taskRuns *prometheus.CounterVec
	queue    prometheus.Gauge
}

// NewMetrics registers the hub collectors; registerer may be nil
func NewMetrics(promRegistry prometheus.Registerer) *Metrics {
	m := &Metrics{
		cleanups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sanctuary_hub_disconnect_cleanups_total",
			Help: "disconnect cleanups by how they were dispatched",
		}, []string{"mode"}),
		taskRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sanctuary_hub_maintenance_runs_total",
			Help: "maintenance task executions",
		}, []string{"task"}),
		queue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sanctuary_hub_cleanup_queue_depth",
			Help: "disconnect cleanups waiting for a worker",
		}),
	}
	if promRegistry != nil {
		promRegistry.MustRegister(m.cleanups, m.taskRuns, m.queue)
	}
	return m
}

func (m *Metrics) cleanup(mode string) {
	if m == nil {
		return
	}
	m.cleanups.WithLabelValues(mode).Inc()
}

func (m *Metrics) ran(task string) {
	if m == nil {
		return
	}
	m.taskRuns.WithLabelValues(task).Inc()
}

func (m *Metrics) depth(n int) {
	if m == nil {
		return
	}
	m.queue.Set(float64(n))
}
