package server

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/aeolun/relay/pkg/history"
)

// Metrics holds all Prometheus metrics for one server. Each instance owns its
// registry so several servers can live in one process.
type Metrics struct {
	registry *prometheus.Registry

	// Broadcast metrics
	broadcastFanout   *prometheus.HistogramVec
	broadcastDuration *prometheus.HistogramVec
	privateMessages   *prometheus.CounterVec // by result

	// Session metrics
	activeSessions       prometheus.Gauge
	onlineUsers          prometheus.Gauge
	sessionsCreated      *prometheus.CounterVec // by transport
	sessionsDisconnected prometheus.Counter
	outboundQueueDepth   prometheus.Histogram

	// Message type metrics
	messagesReceived *prometheus.CounterVec
	messagesSent     *prometheus.CounterVec
	malformedFrames  prometheus.Counter
	rateLimited      prometheus.Counter

	historyOnce sync.Once
}

// NewMetrics creates a new metrics instance backed by a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		broadcastFanout: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_broadcast_fanout",
				Help:    "Number of sessions that received each broadcast",
				Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000},
			},
			[]string{"type"}, // "message" or "presence"
		),
		broadcastDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "relay_broadcast_duration_seconds",
				Help:    "Time taken to enqueue a broadcast for every recipient",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"type"},
		),
		privateMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_private_messages_total",
				Help: "Private messages by delivery result",
			},
			[]string{"result"}, // "delivered" or "offline"
		),
		activeSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_active_sessions",
				Help: "Current number of connected sessions",
			},
		),
		onlineUsers: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "relay_online_users",
				Help: "Current number of usernames in the presence registry",
			},
		),
		sessionsCreated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_sessions_created_total",
				Help: "Total number of sessions created",
			},
			[]string{"transport"},
		),
		sessionsDisconnected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_sessions_disconnected_total",
				Help: "Total number of sessions disconnected",
			},
		),
		outboundQueueDepth: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "relay_outbound_queue_depth",
				Help:    "Outbound queue length observed when a frame is enqueued",
				Buckets: []float64{1, 2, 5, 10, 50, 100, 500, 1000, 10000},
			},
		),
		messagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_received_total",
				Help: "Total number of messages received from clients by type",
			},
			[]string{"type"},
		),
		messagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_messages_sent_total",
				Help: "Total number of messages queued to clients by type",
			},
			[]string{"type"},
		),
		malformedFrames: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_malformed_frames_total",
				Help: "Frames dropped because the payload could not be decoded",
			},
		),
		rateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "relay_rate_limited_total",
				Help: "Chat messages rejected by the per-session rate limit",
			},
		),
	}
}

// ObserveHistory exports the size and eviction count of a history store.
// Only the first store passed is registered.
func (m *Metrics) ObserveHistory(store *history.Store) {
	if m == nil {
		return
	}
	m.historyOnce.Do(func() {
		factory := promauto.With(m.registry)
		factory.NewGaugeFunc(
			prometheus.GaugeOpts{
				Name: "relay_history_messages",
				Help: "Messages currently held in the history store",
			},
			func() float64 { return float64(store.Len()) },
		)
		factory.NewCounterFunc(
			prometheus.CounterOpts{
				Name: "relay_history_evicted_total",
				Help: "Messages evicted from the history store",
			},
			func() float64 { return float64(store.Evicted()) },
		)
	})
}

// Registry returns the registry backing these metrics
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordBroadcastFanout records how many sessions received a broadcast
func (m *Metrics) RecordBroadcastFanout(broadcastType string, recipientCount int) {
	if m == nil {
		return
	}
	m.broadcastFanout.WithLabelValues(broadcastType).Observe(float64(recipientCount))
}

// RecordBroadcastDuration records how long a broadcast took
func (m *Metrics) RecordBroadcastDuration(broadcastType string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.broadcastDuration.WithLabelValues(broadcastType).Observe(durationSeconds)
}

// RecordPrivateMessage counts a private message by whether the recipient was online
func (m *Metrics) RecordPrivateMessage(delivered bool) {
	if m == nil {
		return
	}
	result := "offline"
	if delivered {
		result = "delivered"
	}
	m.privateMessages.WithLabelValues(result).Inc()
}

// RecordActiveSessions updates the active session count
func (m *Metrics) RecordActiveSessions(count int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(count))
}

// RecordOnlineUsers updates the registered username count
func (m *Metrics) RecordOnlineUsers(count int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(count))
}

// RecordSessionCreated increments the session creation counter
func (m *Metrics) RecordSessionCreated(transport string) {
	if m == nil {
		return
	}
	m.sessionsCreated.WithLabelValues(transport).Inc()
}

// RecordSessionDisconnected increments the session disconnection counter
func (m *Metrics) RecordSessionDisconnected() {
	if m == nil {
		return
	}
	m.sessionsDisconnected.Inc()
}

// RecordQueueDepth observes an outbound queue length
func (m *Metrics) RecordQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.outboundQueueDepth.Observe(float64(depth))
}

// RecordMessageReceived increments the message received counter for a type
func (m *Metrics) RecordMessageReceived(messageType string) {
	if m == nil {
		return
	}
	m.messagesReceived.WithLabelValues(messageType).Inc()
}

// RecordMessageSent increments the message sent counter for a type
func (m *Metrics) RecordMessageSent(messageType string) {
	if m == nil {
		return
	}
	m.messagesSent.WithLabelValues(messageType).Inc()
}

func (m *Metrics) RecordMalformedFrame() {
	if m == nil {
		return
	}
	m.malformedFrames.Inc()
}

func (m *Metrics) RecordRateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}
