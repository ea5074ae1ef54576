package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	turnTotal    *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec

	llmRequestTotal    *prometheus.CounterVec
	llmRequestDuration *prometheus.HistogramVec
	llmInputTokens     *prometheus.CounterVec
	llmOutputTokens    *prometheus.CounterVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	activeConversations prometheus.Gauge

	evalCaseTotal   *prometheus.CounterVec
	evalRunDuration prometheus.Histogram

	memorySearchDuration prometheus.Histogram
	memoryWriteDuration  prometheus.Histogram
	memoryEntriesTotal   prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			turnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_turn_total",
					Help: "Total agent turns by terminal state.",
				},
				[]string{"state"},
			),
			turnDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_turn_duration_seconds",
					Help:    "Agent turn duration in seconds by terminal state.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"state"},
			),
			llmRequestTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llm_request_total",
					Help: "Total LLM requests by provider and status.",
				},
				[]string{"provider", "status"},
			),
			llmRequestDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "llm_request_duration_seconds",
					Help:    "LLM request duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			llmInputTokens: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llm_input_tokens_total",
					Help: "Total input tokens consumed by provider.",
				},
				[]string{"provider"},
			),
			llmOutputTokens: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llm_output_tokens_total",
					Help: "Total output tokens produced by provider.",
				},
				[]string{"provider"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			activeConversations: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_conversations",
					Help: "Conversations currently held open by the gateway.",
				},
			),
			evalCaseTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "eval_case_total",
					Help: "Total evaluation cases by agent and outcome.",
				},
				[]string{"agent", "outcome"},
			),
			evalRunDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "eval_run_duration_seconds",
					Help:    "Full evaluation run duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memorySearchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_search_duration_seconds",
					Help:    "Memory search duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memoryWriteDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_write_duration_seconds",
					Help:    "Memory write duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			memoryEntriesTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_entries_total",
					Help: "Total memory entries indexed.",
				},
			),
		}

		prometheus.MustRegister(
			m.turnTotal,
			m.turnDuration,
			m.llmRequestTotal,
			m.llmRequestDuration,
			m.llmInputTokens,
			m.llmOutputTokens,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.activeConversations,
			m.evalCaseTotal,
			m.evalRunDuration,
			m.memorySearchDuration,
			m.memoryWriteDuration,
			m.memoryEntriesTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is
// called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler returns the Prometheus scrape handler.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

// RecordTurn records a completed agent turn.
func RecordTurn(state string, duration time.Duration) {
	m := getMetrics()
	m.turnTotal.WithLabelValues(state).Inc()
	m.turnDuration.WithLabelValues(state).Observe(duration.Seconds())
}

// RecordLLMRequest records one LLM round-trip.
func RecordLLMRequest(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.llmRequestTotal.WithLabelValues(provider, status).Inc()
	m.llmRequestDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

// RecordTokenUsage records token consumption for one LLM round-trip.
func RecordTokenUsage(provider string, inputTokens, outputTokens int) {
	m := getMetrics()
	m.llmInputTokens.WithLabelValues(provider).Add(float64(inputTokens))
	m.llmOutputTokens.WithLabelValues(provider).Add(float64(outputTokens))
}

// RecordToolExecution records one tool execution.
func RecordToolExecution(toolName string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(toolName, status).Inc()
	m.toolExecutionDuration.WithLabelValues(toolName).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(toolName).Inc()
	}
}

// SetActiveConversations updates the open-conversation gauge.
func SetActiveConversations(count int) {
	getMetrics().activeConversations.Set(float64(count))
}

// RecordEvalCase records one evaluation case outcome.
func RecordEvalCase(agent, outcome string) {
	getMetrics().evalCaseTotal.WithLabelValues(agent, outcome).Inc()
}

// RecordEvalRun records a full evaluation run.
func RecordEvalRun(duration time.Duration) {
	getMetrics().evalRunDuration.Observe(duration.Seconds())
}

// RecordMemorySearch records a memory search.
func RecordMemorySearch(duration time.Duration) {
	getMetrics().memorySearchDuration.Observe(duration.Seconds())
}

// RecordMemoryWrite records a memory write.
func RecordMemoryWrite(duration time.Duration) {
	getMetrics().memoryWriteDuration.Observe(duration.Seconds())
}

// SetMemoryEntries updates the indexed-entry gauge.
func SetMemoryEntries(total int) {
	getMetrics().memoryEntriesTotal.Set(float64(total))
}
