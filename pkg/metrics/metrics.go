// Package metrics provides Prometheus metrics instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestDuration tracks HTTP request duration.
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "api_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "route", "status"},
	)

	// RequestsTotal tracks total HTTP requests.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "api_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// LLMStreamDuration tracks completion streaming duration.
	LLMStreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_stream_duration_seconds",
			Help:    "LLM streaming response duration",
			Buckets: []float64{.5, 1, 2, 5, 10, 20, 30, 45, 60, 90, 120},
		},
		[]string{"model", "status"},
	)

	// LLMTokensTotal tracks total LLM tokens processed.
	LLMTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "llm_tokens_total",
			Help: "Total LLM tokens processed",
		},
		[]string{"model", "direction"},
	)

	// SSEConnectionsActive tracks active SSE connections.
	SSEConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sse_connections_active",
			Help: "Number of active SSE connections",
		},
	)

	// RetrievalPasses counts retrievals by the pass that produced the result.
	RetrievalPasses = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retrieval_passes_total",
			Help: "Document retrievals by outcome pass",
		},
		[]string{"pass"},
	)

	// FallbackTurns counts turns answered with the fixed no-sources sentence.
	FallbackTurns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_fallback_turns_total",
			Help: "Chat turns that used the no-sources fallback",
		},
		[]string{"tenant_id"},
	)

	// Escalations counts needs_human transitions by trigger.
	Escalations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "escalations_total",
			Help: "Conversation escalations by trigger",
		},
		[]string{"trigger"},
	)

	// PersistenceFailures counts non-fatal bookkeeping write failures.
	PersistenceFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "persistence_failures_total",
			Help: "Non-fatal persistence failures by operation",
		},
		[]string{"operation"},
	)

	// SummariesTotal counts summarizer outcomes.
	SummariesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_summaries_total",
			Help: "Conversation summarization outcomes",
		},
		[]string{"outcome"},
	)

	// BackgroundTasksActive tracks running background tasks.
	BackgroundTasksActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "background_tasks_active",
			Help: "Number of running background tasks",
		},
	)

	// MessagesTotal tracks persisted messages.
	MessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_total",
			Help: "Total messages persisted",
		},
		[]string{"tenant_id", "role"},
	)

	// ConversationsTotal tracks conversations created.
	ConversationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversations_total",
			Help: "Total conversations created",
		},
		[]string{"tenant_id"},
	)
)

// RecordRequest records metrics for an HTTP request.
func RecordRequest(method, route, status string, duration float64) {
	RequestDuration.WithLabelValues(method, route, status).Observe(duration)
	RequestsTotal.WithLabelValues(method, route, status).Inc()
}

// RecordLLMStream records metrics for an LLM streaming response.
func RecordLLMStream(model, status string, duration float64, tokensIn, tokensOut int) {
	LLMStreamDuration.WithLabelValues(model, status).Observe(duration)
	LLMTokensTotal.WithLabelValues(model, "in").Add(float64(tokensIn))
	LLMTokensTotal.WithLabelValues(model, "out").Add(float64(tokensOut))
}

// RecordPersistenceFailure counts a swallowed write failure.
func RecordPersistenceFailure(operation string) {
	PersistenceFailures.WithLabelValues(operation).Inc()
}

// IncrementSSEConnections increments the active SSE connection count.
func IncrementSSEConnections() {
	SSEConnectionsActive.Inc()
}

// DecrementSSEConnections decrements the active SSE connection count.
func DecrementSSEConnections() {
	SSEConnectionsActive.Dec()
}
