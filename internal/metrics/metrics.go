// Package metrics exposes Prometheus collectors for the synchronizer.
// Every recording method is safe to call on a nil *Metrics so components
// can be constructed without instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chat_sync"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	Registry *prometheus.Registry

	framesReceived    *prometheus.CounterVec
	duplicatesDropped *prometheus.CounterVec
	malformedFrames   *prometheus.CounterVec
	reconnectAttempts *prometheus.CounterVec
	connectionState   *prometheus.GaugeVec
	pendingSends      prometheus.Gauge
	messagesApplied   *prometheus.CounterVec
	notifications     prometheus.Counter
}

// New registers all collectors, plus the Go and process collectors, on a
// fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,
		framesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_received_total",
			Help:      "Inbound websocket frames by session scope and frame kind.",
		}, []string{"scope", "kind"}),
		duplicatesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_messages_dropped_total",
			Help:      "Message frames dropped by the recency cache.",
		}, []string{"scope"}),
		malformedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_frames_total",
			Help:      "Inbound frames that could not be decoded.",
		}, []string{"scope"}),
		reconnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts fired by the reconnect policy.",
		}, []string{"scope"}),
		connectionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "Current connection state per scope (0 disconnected .. 4 failed).",
		}, []string{"scope"}),
		pendingSends: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_sends",
			Help:      "Outbound payloads queued while no conversation session is open.",
		}),
		messagesApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_applied_total",
			Help:      "Inbound messages applied to local state by outcome.",
		}, []string{"outcome"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "User-facing notifications emitted.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.framesReceived,
		m.duplicatesDropped,
		m.malformedFrames,
		m.reconnectAttempts,
		m.connectionState,
		m.pendingSends,
		m.messagesApplied,
		m.notifications,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) FrameReceived(scope, kind string) {
	if m == nil {
		return
	}

	m.framesReceived.WithLabelValues(scope, kind).Inc()
}

func (m *Metrics) DuplicateDropped(scope string) {
	if m == nil {
		return
	}

	m.duplicatesDropped.WithLabelValues(scope).Inc()
}

func (m *Metrics) MalformedFrame(scope string) {
	if m == nil {
		return
	}

	m.malformedFrames.WithLabelValues(scope).Inc()
}

func (m *Metrics) ReconnectAttempt(scope string) {
	if m == nil {
		return
	}

	m.reconnectAttempts.WithLabelValues(scope).Inc()
}

func (m *Metrics) ConnectionState(scope string, state int) {
	if m == nil {
		return
	}

	m.connectionState.WithLabelValues(scope).Set(float64(state))
}

func (m *Metrics) PendingSends(n int) {
	if m == nil {
		return
	}

	m.pendingSends.Set(float64(n))
}

func (m *Metrics) MessageApplied(outcome string) {
	if m == nil {
		return
	}

	m.messagesApplied.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Notified() {
	if m == nil {
		return
	}

	m.notifications.Inc()
}
