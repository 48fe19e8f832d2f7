// Package obsmetrics exports Prometheus metrics for the cache and
// conversation manager, grouped by concern.
package obsmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// CacheMetrics tracks conversation cache effectiveness.
type CacheMetrics struct {
	hits   prometheus.Counter
	misses prometheus.Counter
}

// NewCacheMetrics registers cache counters on reg.
func NewCacheMetrics(reg prometheus.Registerer) *CacheMetrics {
	m := &CacheMetrics{
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcore",
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Conversation cache hits.",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcore",
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Conversation cache misses.",
		}),
	}
	reg.MustRegister(m.hits, m.misses)
	return m
}

func (m *CacheMetrics) RecordHit()  { m.hits.Inc() }
func (m *CacheMetrics) RecordMiss() { m.misses.Inc() }

// ConversationMetrics tracks the live state of the conversation manager.
type ConversationMetrics struct {
	queueDepth   *prometheus.GaugeVec
	activeAIJobs *prometheus.GaugeVec
	sheddedJobs  prometheus.Counter
	deliveries   *prometheus.CounterVec
}

// NewConversationMetrics registers conversation manager gauges/counters on reg.
func NewConversationMetrics(reg prometheus.Registerer) *ConversationMetrics {
	m := &ConversationMetrics{
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatcore",
			Subsystem: "conversation",
			Name:      "queue_depth",
			Help:      "Current queue depth per conversation.",
		}, []string{"conversation_id"}),
		activeAIJobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatcore",
			Subsystem: "conversation",
			Name:      "active_ai_jobs",
			Help:      "In-flight AI jobs per conversation.",
		}, []string{"conversation_id"}),
		sheddedJobs: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatcore",
			Subsystem: "conversation",
			Name:      "shedded_ai_jobs_total",
			Help:      "AI jobs dropped due to queue backpressure.",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatcore",
			Subsystem: "conversation",
			Name:      "deliveries_total",
			Help:      "Message deliveries to participants, by outcome.",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.queueDepth, m.activeAIJobs, m.sheddedJobs, m.deliveries)
	return m
}

func (m *ConversationMetrics) SetQueueDepth(conversationID string, depth int) {
	m.queueDepth.WithLabelValues(conversationID).Set(float64(depth))
}

func (m *ConversationMetrics) SetActiveAIJobs(conversationID string, n int) {
	m.activeAIJobs.WithLabelValues(conversationID).Set(float64(n))
}

func (m *ConversationMetrics) RecordShed() { m.sheddedJobs.Inc() }

func (m *ConversationMetrics) RecordDelivery(outcome string) {
	m.deliveries.WithLabelValues(outcome).Inc()
}
