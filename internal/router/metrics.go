package router

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics counts dispatched events by type and outcome
type Metrics struct {
	events   *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics registers the dispatcher collectors; registerer may be nil
func NewMetrics(promRegistry prometheus.Registerer) *Metrics {
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sanctuary_router_events_total",
			Help: "inbound protocol events by type and outcome",
		}, []string{"type", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sanctuary_router_event_duration_seconds",
			Help:    "time to authorize, apply and fan out one event",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"type"}),
	}
	if promRegistry != nil {
		promRegistry.MustRegister(m.events, m.duration)
	}
	return m
}

func (m *Metrics) observe(eventType, outcome string, started time.Time) {
	if m == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	m.events.WithLabelValues(eventType, outcome).Inc()
	m.duration.WithLabelValues(eventType).Observe(time.Since(started).Seconds())
}
