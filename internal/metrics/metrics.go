package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "roomrelay"

// Metrics holds the relay's collectors.
type Metrics struct {
	registry *prometheus.Registry

	rooms          prometheus.Gauge
	sessions       prometheus.Gauge
	bridges        prometheus.Gauge
	delivered      prometheus.Counter
	published      prometheus.Counter
	publishErrors  prometheus.Counter
	lagged         prometheus.Counter
	protocolErrors *prometheus.CounterVec
	bridgeFailures prometheus.Counter
	subscribeFails prometheus.Counter
}

// New creates a Metrics with its own registry, including the Go runtime and
// process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rooms_active",
			Help:      "Rooms with at least one local subscriber.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Connected WebSocket sessions.",
		}),
		bridges: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridges_running",
			Help:      "Bus bridges currently forwarding.",
		}),
		delivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "envelopes_delivered_total",
			Help:      "Room envelopes written to clients.",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_published_total",
			Help:      "Messages published to the bus.",
		}),
		publishErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_errors_total",
			Help:      "Failed bus publishes.",
		}),
		lagged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_lagged_total",
			Help:      "Messages skipped by receivers that fell behind.",
		}),
		protocolErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_errors_total",
			Help:      "Inbound frames rejected, by reason.",
		}, []string{"reason"}),
		bridgeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_failures_total",
			Help:      "Bus bridges stopped by a bus error.",
		}),
		subscribeFails: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "subscribe_failures_total",
			Help:      "Room subscriptions that failed to start a bridge.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.rooms,
		m.sessions,
		m.bridges,
		m.delivered,
		m.published,
		m.publishErrors,
		m.lagged,
		m.protocolErrors,
		m.bridgeFailures,
		m.subscribeFails,
	)

	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RoomOpened() {
	if m != nil {
		m.rooms.Inc()
	}
}

func (m *Metrics) RoomClosed() {
	if m != nil {
		m.rooms.Dec()
	}
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.sessions.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.sessions.Dec()
	}
}

func (m *Metrics) BridgeStarted() {
	if m != nil {
		m.bridges.Inc()
	}
}

func (m *Metrics) BridgeStopped() {
	if m != nil {
		m.bridges.Dec()
	}
}

// BridgeFailed records a bridge ended by the bus rather than by Release.
func (m *Metrics) BridgeFailed() {
	if m != nil {
		m.bridgeFailures.Inc()
	}
}

func (m *Metrics) SubscribeFailed() {
	if m != nil {
		m.subscribeFails.Inc()
	}
}

func (m *Metrics) Delivered() {
	if m != nil {
		m.delivered.Inc()
	}
}

func (m *Metrics) Published() {
	if m != nil {
		m.published.Inc()
	}
}

func (m *Metrics) PublishFailed() {
	if m != nil {
		m.publishErrors.Inc()
	}
}

// Lagged records n messages skipped by a slow receiver.
func (m *Metrics) Lagged(n uint64) {
	if m != nil {
		m.lagged.Add(float64(n))
	}
}

// ProtocolError records a rejected inbound frame.
func (m *Metrics) ProtocolError(reason string) {
	if m != nil {
		m.protocolErrors.WithLabelValues(reason).Inc()
	}
}
