package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rumpy"

// Metrics contains the bot engine metrics
type Metrics struct {
	// Engine metrics
	PeersActive        prometheus.Gauge
	MessagesReceived   *prometheus.CounterVec
	MessagesProcessed  *prometheus.CounterVec
	StanzasSent        *prometheus.CounterVec
	ProcessingDuration *prometheus.HistogramVec
	ErrorsTotal        *prometheus.CounterVec
	RetriesTotal       *prometheus.CounterVec
	SubscriptionEvents *prometheus.CounterVec
	OutputQueueDepth   prometheus.Gauge

	// Collaborator metrics
	TransportConnected  prometheus.Gauge
	TransportReconnects prometheus.Counter
	StoreReconnects     prometheus.Counter
}

// NewMetrics creates a new Metrics instance
func NewMetrics() *Metrics {
	return &Metrics{
		PeersActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "dispatch",
				Name:      "peers_active",
				Help:      "Number of peers with a running dispatch worker",
			},
		),

		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "received_total",
				Help:      "Total number of inbound messages by routing outcome",
			},
			[]string{"route"},
		),

		MessagesProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "messages",
				Name:      "processed_total",
				Help:      "Total number of dispatched messages by status",
			},
			[]string{"status"},
		),

		StanzasSent: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "output",
				Name:      "stanzas_sent_total",
				Help:      "Total number of stanzas handed to the transport",
			},
			[]string{"kind"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "processing",
				Name:      "duration_seconds",
				Help:      "Time spent in application functions",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"operation"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by stage and class",
			},
			[]string{"stage", "class"},
		),

		RetriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "errors",
				Name:      "retries_total",
				Help:      "Total number of in-place retries by reason",
			},
			[]string{"reason"},
		),

		SubscriptionEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "subscription",
				Name:      "events_total",
				Help:      "Total number of subscription events handled",
			},
			[]string{"event"},
		),

		OutputQueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "output",
				Name:      "queue_depth",
				Help:      "Stanzas waiting for the output writer",
			},
		),

		TransportConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "connected",
				Help:      "Transport session status (0=disconnected, 1=connected)",
			},
		),

		TransportReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "reconnect_attempts_total",
				Help:      "Total number of transport reconnection attempts",
			},
		),

		StoreReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "reconnects_total",
				Help:      "Total number of subscriber store reconnects",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.PeersActive,
		c.MessagesReceived,
		c.MessagesProcessed,
		c.StanzasSent,
		c.ProcessingDuration,
		c.ErrorsTotal,
		c.RetriesTotal,
		c.SubscriptionEvents,
		c.OutputQueueDepth,
		c.TransportConnected,
		c.TransportReconnects,
		c.StoreReconnects,
	}
}

// SetPeersActive updates the active dispatch worker gauge
func (c *Metrics) SetPeersActive(n int) {
	c.PeersActive.Set(float64(n))
}

// RecordMessageReceived counts an inbound message by how it was routed
func (c *Metrics) RecordMessageReceived(route string) {
	c.MessagesReceived.WithLabelValues(route).Inc()
}

// RecordMessageProcessed counts a dispatched message by outcome
func (c *Metrics) RecordMessageProcessed(status string) {
	c.MessagesProcessed.WithLabelValues(status).Inc()
}

// RecordStanzaSent counts a stanza written to the transport
func (c *Metrics) RecordStanzaSent(kind string) {
	c.StanzasSent.WithLabelValues(kind).Inc()
}

// RecordProcessingDuration records time spent in an application function
func (c *Metrics) RecordProcessingDuration(operation string, duration time.Duration) {
	c.ProcessingDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordError increments the error counter
func (c *Metrics) RecordError(stage, class string) {
	c.ErrorsTotal.WithLabelValues(stage, class).Inc()
}

// RecordRetry increments the retry counter
func (c *Metrics) RecordRetry(reason string) {
	c.RetriesTotal.WithLabelValues(reason).Inc()
}

// RecordSubscriptionEvent counts a handled subscription event
func (c *Metrics) RecordSubscriptionEvent(event string) {
	c.SubscriptionEvents.WithLabelValues(event).Inc()
}

// SetOutputQueueDepth updates the output queue depth gauge
func (c *Metrics) SetOutputQueueDepth(n int) {
	c.OutputQueueDepth.Set(float64(n))
}

// RecordTransportStatus updates the transport connection gauge
func (c *Metrics) RecordTransportStatus(connected bool) {
	value := 0.0
	if connected {
		value = 1.0
	}
	c.TransportConnected.Set(value)
}

// RecordTransportReconnect increments the transport reconnect counter
func (c *Metrics) RecordTransportReconnect() {
	c.TransportReconnects.Inc()
}

// RecordStoreReconnect increments the store reconnect counter
func (c *Metrics) RecordStoreReconnect() {
	c.StoreReconnects.Inc()
}
