// Package observability holds the bus's Prometheus metrics and
// OpenTelemetry tracing setup.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of bus counters. All methods are safe on a nil
// *Metrics, so components can treat metrics as optional.
type Metrics struct {
	registry *prometheus.Registry

	messagesPublished   *prometheus.CounterVec
	messagesDuplicate   prometheus.Counter
	deliveries          *prometheus.CounterVec
	routingDecisions    *prometheus.CounterVec
	routingDuration     prometheus.Histogram
	taskTransitions     *prometheus.CounterVec
	subscribers         prometheus.Gauge
	dedupEntries        prometheus.Gauge
	notificationsFailed *prometheus.CounterVec
}

// NewMetrics registers all bus metrics, plus Go runtime and process
// collectors, on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		messagesPublished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbus_messages_published_total",
			Help: "Messages appended to the event store, by type.",
		}, []string{"type"}),
		messagesDuplicate: f.NewCounter(prometheus.CounterOpts{
			Name: "agentbus_messages_duplicate_total",
			Help: "Publishes answered from an existing idempotency key.",
		}),
		deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbus_deliveries_total",
			Help: "Delivery attempts, by outcome.",
		}, []string{"outcome"}),
		routingDecisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbus_routing_decisions_total",
			Help: "Capability routing decisions, by outcome.",
		}, []string{"outcome"}),
		routingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentbus_routing_duration_seconds",
			Help:    "Time spent selecting a recipient.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
		taskTransitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbus_task_transitions_total",
			Help: "Applied task state transitions.",
		}, []string{"from", "to"}),
		subscribers: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentbus_subscribers",
			Help: "Open live event subscriptions.",
		}),
		dedupEntries: f.NewGauge(prometheus.GaugeOpts{
			Name: "agentbus_dedup_entries",
			Help: "Delivery keys held in the deduplication window.",
		}),
		notificationsFailed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentbus_notifications_failed_total",
			Help: "Outward notifications that could not be posted, by sink.",
		}, []string{"sink"}),
	}
}

// Registry exposes the underlying registry for scraping and tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) MessagePublished(msgType string) {
	if m == nil {
		return
	}
	m.messagesPublished.WithLabelValues(msgType).Inc()
}

func (m *Metrics) MessageDuplicate() {
	if m == nil {
		return
	}
	m.messagesDuplicate.Inc()
}

// Delivery records one delivery outcome: delivered, deduplicated,
// not_found, unavailable or failed.
func (m *Metrics) Delivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

// RoutingDecision records a selected or failed route and how long it took.
func (m *Metrics) RoutingDecision(outcome string, took time.Duration) {
	if m == nil {
		return
	}
	m.routingDecisions.WithLabelValues(outcome).Inc()
	m.routingDuration.Observe(took.Seconds())
}

func (m *Metrics) TaskTransition(from, to string) {
	if m == nil {
		return
	}
	m.taskTransitions.WithLabelValues(from, to).Inc()
}

// SubscriberDelta adjusts the open subscription gauge.
func (m *Metrics) SubscriberDelta(d int) {
	if m == nil {
		return
	}
	m.subscribers.Add(float64(d))
}

func (m *Metrics) DedupEntries(n int) {
	if m == nil {
		return
	}
	m.dedupEntries.Set(float64(n))
}

func (m *Metrics) NotificationFailed(sink string) {
	if m == nil {
		return
	}
	m.notificationsFailed.WithLabelValues(sink).Inc()
}
