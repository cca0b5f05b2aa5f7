package websocket

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the gateway collectors
type Metrics struct {
	connections     prometheus.Gauge
	channels        prometheus.Gauge
	subscriptions   prometheus.Gauge
	delivered       *prometheus.CounterVec
	directedDropped prometheus.Counter
	rejected        *prometheus.CounterVec
}

// NewMetrics registers the gateway collectors. A nil registerer keeps them
// unexported.
func NewMetrics(promRegistry prometheus.Registerer) *Metrics {
	m := &Metrics{
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sanctuary_gateway_connections",
			Help: "live WebSocket connections",
		}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sanctuary_gateway_channels",
			Help: "channels with at least one subscriber",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sanctuary_gateway_subscriptions",
			Help: "connection-channel memberships",
		}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sanctuary_gateway_messages_delivered_total",
			Help: "outbound messages queued to connections",
		}, []string{"mode"}),
		directedDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sanctuary_gateway_directed_dropped_total",
			Help: "directed messages dropped because the target had no local connection",
		}),
		rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sanctuary_gateway_upgrades_rejected_total",
			Help: "connection attempts refused before upgrade",
		}, []string{"reason"}),
	}
	if promRegistry != nil {
		promRegistry.MustRegister(m.connections, m.channels, m.subscriptions, m.delivered, m.directedDropped, m.rejected)
	}
	return m
}

func (m *Metrics) setSizes(connections, channels, subscriptions int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(connections))
	m.channels.Set(float64(channels))
	m.subscriptions.Set(float64(subscriptions))
}

func (m *Metrics) deliveredTo(mode string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.delivered.WithLabelValues(mode).Add(float64(n))
}

func (m *Metrics) dropped() {
	if m == nil {
		return
	}
	m.directedDropped.Inc()
}

func (m *Metrics) rejectedUpgrade(reason string) {
	if m == nil {
		return
	}
	m.rejected.WithLabelValues(reason).Inc()
}
