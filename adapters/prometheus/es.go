package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/esrc/core/es"
	"github.com/codewandler/esrc/core/metrics"
)

// esMetrics implements es.ESMetrics using Prometheus.
type esMetrics struct {
	// Log metrics
	readDuration         *prometheus.HistogramVec
	appendDuration       *prometheus.HistogramVec
	eventsAppended       *prometheus.CounterVec
	concurrencyConflicts *prometheus.CounterVec

	// Repository metrics
	hydrateDuration *prometheus.HistogramVec
	saveDuration    *prometheus.HistogramVec

	// Subscription metrics
	subscriptionEventDuration *prometheus.HistogramVec
	subscriptionEvents        *prometheus.CounterVec
	subscriptionPosition      *prometheus.GaugeVec
	subscriptionProbes        *prometheus.CounterVec
}

// NewESMetrics creates a new Prometheus implementation of ESMetrics.
func NewESMetrics(reg prometheus.Registerer) es.ESMetrics {
	m := &esMetrics{
		readDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esrc_log_read_duration_seconds",
			Help:    "Event log page read latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"stream_kind"}),

		appendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esrc_log_append_duration_seconds",
			Help:    "Event log append latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esrc_events_appended_total",
			Help: "Total number of events appended",
		}, []string{"aggregate_type"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esrc_concurrency_conflicts_total",
			Help: "Total number of appends rejected by optimistic concurrency",
		}, []string{"aggregate_type"}),

		hydrateDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esrc_repo_hydrate_duration_seconds",
			Help:    "Aggregate hydration latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		saveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esrc_repo_save_duration_seconds",
			Help:    "Aggregate save latency in seconds",
			Buckets: defaultBuckets,
		}, []string{"aggregate_type"}),

		subscriptionEventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esrc_subscription_event_duration_seconds",
			Help:    "Event handling time in seconds",
			Buckets: defaultBuckets,
		}, []string{"subscription", "event_type"}),

		subscriptionEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esrc_subscription_events_total",
			Help: "Total number of events handled by subscriptions",
		}, []string{"subscription", "event_type", "success"}),

		subscriptionPosition: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "esrc_subscription_position",
			Help: "Last position processed by a subscription",
		}, []string{"subscription"}),

		subscriptionProbes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esrc_subscription_probes_total",
			Help: "Total number of stream existence probes",
		}, []string{"stream", "found"}),
	}

	reg.MustRegister(
		m.readDuration,
		m.appendDuration,
		m.eventsAppended,
		m.concurrencyConflicts,
		m.hydrateDuration,
		m.saveDuration,
		m.subscriptionEventDuration,
		m.subscriptionEvents,
		m.subscriptionPosition,
		m.subscriptionProbes,
	)

	return m
}

func (m *esMetrics) ReadDuration(streamKind string) metrics.Timer {
	return newTimer(m.readDuration.WithLabelValues(streamKind))
}

func (m *esMetrics) AppendDuration(aggType string) metrics.Timer {
	return newTimer(m.appendDuration.WithLabelValues(aggType))
}

func (m *esMetrics) EventsAppended(aggType string, count int) {
	m.eventsAppended.WithLabelValues(aggType).Add(float64(count))
}

func (m *esMetrics) ConcurrencyConflict(aggType string) {
	m.concurrencyConflicts.WithLabelValues(aggType).Inc()
}

func (m *esMetrics) HydrateDuration(aggType string) metrics.Timer {
	return newTimer(m.hydrateDuration.WithLabelValues(aggType))
}

func (m *esMetrics) SaveDuration(aggType string) metrics.Timer {
	return newTimer(m.saveDuration.WithLabelValues(aggType))
}

func (m *esMetrics) SubscriptionEventDuration(subscription, eventType string) metrics.Timer {
	return newTimer(m.subscriptionEventDuration.WithLabelValues(subscription, eventType))
}

func (m *esMetrics) SubscriptionEventProcessed(subscription, eventType string, success bool) {
	m.subscriptionEvents.WithLabelValues(subscription, eventType, boolToStr(success)).Inc()
}

func (m *esMetrics) SubscriptionPosition(subscription string, pos es.Position) {
	m.subscriptionPosition.WithLabelValues(subscription).Set(float64(pos))
}

func (m *esMetrics) SubscriptionProbe(stream string, found bool) {
	m.subscriptionProbes.WithLabelValues(stream, boolToStr(found)).Inc()
}

var _ es.ESMetrics = (*esMetrics)(nil)
