// Package metrics defines the Prometheus collectors exported by roster.
//
// Collectors are registered on an injected registry so tests can use a fresh
// one per case. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "roster"

// Metrics groups every collector used by the service.
type Metrics struct {
	SessionsActive  prometheus.Gauge
	SessionsAdded   prometheus.Counter
	SessionsRemoved *prometheus.CounterVec

	ModuleDispatch *prometheus.CounterVec

	WSConnections prometheus.Gauge
	WSEvents      *prometheus.CounterVec

	ChatMessages   *prometheus.CounterVec
	ChatReconnects prometheus.Counter
}

// New registers all collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		SessionsActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of presence sessions currently in the registry",
		}),
		SessionsAdded: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_added_total",
			Help:      "Total presence sessions created",
		}),
		SessionsRemoved: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_removed_total",
			Help:      "Total presence sessions removed by reason (expired, swept, removed)",
		}, []string{"reason"}),

		ModuleDispatch: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "module_dispatch_total",
			Help:      "Module actions dispatched by tag and result",
		}, []string{"tag", "result"}),

		WSConnections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections",
			Help:      "Currently connected generic-channel websocket clients",
		}),
		WSEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_events_total",
			Help:      "Inbound websocket events by type and result",
		}, []string{"type", "result"}),

		ChatMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_messages_total",
			Help:      "Inbound chat messages by result (self, matched, unmatched)",
		}, []string{"result"}),
		ChatReconnects: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_reconnects_total",
			Help:      "Chat stream reconnect attempts",
		}),
	}
}

// SessionAdded records a new session.
func (m *Metrics) SessionAdded() {
	if m == nil {
		return
	}
	m.SessionsAdded.Inc()
	m.SessionsActive.Inc()
}

// SessionRemoved records a removal with its reason.
func (m *Metrics) SessionRemoved(reason string) {
	if m == nil {
		return
	}
	m.SessionsRemoved.WithLabelValues(reason).Inc()
	m.SessionsActive.Dec()
}

// Dispatched records a module dispatch outcome.
func (m *Metrics) Dispatched(tag, result string) {
	if m == nil {
		return
	}
	m.ModuleDispatch.WithLabelValues(tag, result).Inc()
}

// WSConnected adjusts the connection gauge by delta (+1 / -1).
func (m *Metrics) WSConnected(delta float64) {
	if m == nil {
		return
	}
	m.WSConnections.Add(delta)
}

// WSEvent records an inbound websocket event outcome.
func (m *Metrics) WSEvent(typ, result string) {
	if m == nil {
		return
	}
	m.WSEvents.WithLabelValues(typ, result).Inc()
}

// ChatMessage records an inbound chat message outcome.
func (m *Metrics) ChatMessage(result string) {
	if m == nil {
		return
	}
	m.ChatMessages.WithLabelValues(result).Inc()
}

// ChatReconnect records a reconnect attempt.
func (m *Metrics) ChatReconnect() {
	if m == nil {
		return
	}
	m.ChatReconnects.Inc()
}
