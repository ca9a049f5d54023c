package chat

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the realtime core. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	activeSessions       prometheus.Gauge
	sessionsCreated      prometheus.Counter
	sessionsDisconnected prometheus.Counter
	authFailures         *prometheus.CounterVec

	fanoutRecipients *prometheus.HistogramVec
	deliveriesFailed *prometheus.CounterVec
	sendsRejected    *prometheus.CounterVec
	eventsReceived   *prometheus.CounterVec
	persistDuration  *prometheus.HistogramVec
}

// NewMetrics registers the collectors with reg. Tests pass a fresh
// prometheus.NewRegistry() so hubs do not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		activeSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roomchat_active_sessions",
			Help: "Current number of live connections",
		}),
		sessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_sessions_created_total",
			Help: "Total number of authenticated connections",
		}),
		sessionsDisconnected: factory.NewCounter(prometheus.CounterOpts{
			Name: "roomchat_sessions_disconnected_total",
			Help: "Total number of closed connections",
		}),
		authFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomchat_auth_failures_total",
			Help: "Connection attempts rejected during the handshake",
		}, []string{"reason"}),
		fanoutRecipients: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roomchat_fanout_recipients",
			Help:    "Number of connections each event was delivered to",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
		}, []string{"event"}),
		deliveriesFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomchat_deliveries_failed_total",
			Help: "Deliveries dropped because the recipient was closed or backed up",
		}, []string{"event"}),
		sendsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomchat_sends_rejected_total",
			Help: "Sends rejected and reported back to the sender",
		}, []string{"reason"}),
		eventsReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "roomchat_events_received_total",
			Help: "Inbound client events by type",
		}, []string{"type"}),
		persistDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "roomchat_persist_duration_seconds",
			Help:    "Time spent appending a message to the store",
			Buckets: prometheus.DefBuckets,
		}, []string{"kind"}),
	}
}

func (m *Metrics) sessionOpened(active int) {
	if m == nil {
		return
	}
	m.sessionsCreated.Inc()
	m.activeSessions.Set(float64(active))
}

func (m *Metrics) sessionClosed(active int) {
	if m == nil {
		return
	}
	m.sessionsDisconnected.Inc()
	m.activeSessions.Set(float64(active))
}

func (m *Metrics) authFailed(reason string) {
	if m == nil {
		return
	}
	m.authFailures.WithLabelValues(reason).Inc()
}

func (m *Metrics) fanout(event string, report FanoutReport) {
	if m == nil {
		return
	}
	m.fanoutRecipients.WithLabelValues(event).Observe(float64(report.Delivered))
	if n := len(report.Dropped); n > 0 {
		m.deliveriesFailed.WithLabelValues(event).Add(float64(n))
	}
}

func (m *Metrics) rejected(reason RejectReason) {
	if m == nil {
		return
	}
	m.sendsRejected.WithLabelValues(string(reason)).Inc()
}

func (m *Metrics) received(eventType string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(eventType).Inc()
}

func (m *Metrics) persisted(kind string, started time.Time) {
	if m == nil {
		return
	}
	m.persistDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}
