package ticketsync

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects Prometheus metrics for the sync core. A nil *Metrics
// is valid and records nothing.
//
// Usage:
//
//	reg := prometheus.NewRegistry()
//	cfg.Metrics = ticketsync.NewMetrics(reg)
type Metrics struct {
	// EventsReceived counts decoded inbound events.
	// Labels: event
	EventsReceived *prometheus.CounterVec

	// EventsDropped counts inbound events that never reached a store.
	// Labels: reason (malformed|not_joined|duplicate|near_duplicate|invalid|unexpected_ack)
	EventsDropped *prometheus.CounterVec

	// EventsApplied counts events that changed a store.
	// Labels: event
	EventsApplied *prometheus.CounterVec

	// Sends counts outbound events by result.
	// Labels: event, result (ok|not_connected|outbox_full|encode_error)
	Sends *prometheus.CounterVec

	// ReconnectAttempts counts scheduled reconnects.
	ReconnectAttempts prometheus.Counter

	// ConnectionState is the numeric ConnectionState of the connection.
	ConnectionState prometheus.Gauge
}

// NewMetrics registers the sync metrics on reg. Pass
// prometheus.DefaultRegisterer to expose them on the default handler.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		EventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ticketsync",
			Name:      "events_received_total",
			Help:      "Inbound events decoded, by event name.",
		}, []string{"event"}),
		EventsDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ticketsync",
			Name:      "events_dropped_total",
			Help:      "Inbound events dropped before reaching a store, by reason.",
		}, []string{"reason"}),
		EventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ticketsync",
			Name:      "events_applied_total",
			Help:      "Inbound events that changed a local store, by event name.",
		}, []string{"event"}),
		Sends: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ticketsync",
			Name:      "sends_total",
			Help:      "Outbound events, by event name and result.",
		}, []string{"event", "result"}),
		ReconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "ticketsync",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts scheduled after a transport drop.",
		}),
		ConnectionState: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ticketsync",
			Name:      "connection_state",
			Help:      "Current connection state (0=idle 1=connecting 2=connected 3=joining 4=joined 5=reconnecting 6=failed).",
		}),
	}
}

func (m *Metrics) received(event string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(event).Inc()
}

func (m *Metrics) dropped(reason string) {
	if m == nil {
		return
	}
	m.EventsDropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) applied(event string) {
	if m == nil {
		return
	}
	m.EventsApplied.WithLabelValues(event).Inc()
}

func (m *Metrics) sent(event, result string) {
	if m == nil {
		return
	}
	m.Sends.WithLabelValues(event, result).Inc()
}

func (m *Metrics) reconnectAttempt() {
	if m == nil {
		return
	}
	m.ReconnectAttempts.Inc()
}

func (m *Metrics) setState(s ConnectionState) {
	if m == nil {
		return
	}
	m.ConnectionState.Set(float64(s))
}
