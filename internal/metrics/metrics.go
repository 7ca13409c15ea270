package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Turn metrics
	TurnsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragagent_turns_started_total",
			Help: "Total number of agent turns started",
		},
	)

	TurnsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_turns_completed_total",
			Help: "Total number of agent turns completed, by outcome",
		},
		[]string{"outcome"},
	)

	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragagent_turn_duration_seconds",
			Help:    "Agent turn duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		},
		[]string{"outcome"},
	)

	// Subtask metrics
	SubtasksCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_subtasks_total",
			Help: "Subtasks that reached a terminal status",
		},
		[]string{"status"},
	)

	SubtaskAttempts = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragagent_subtask_attempts",
			Help:    "Attempts needed per subtask",
			Buckets: []float64{1, 2, 3, 4, 5, 8},
		},
	)

	PlanSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ragagent_plan_subtasks",
			Help:    "Subtasks per plan",
			Buckets: []float64{0, 1, 2, 3, 4, 6, 8},
		},
	)

	// LLM gateway metrics
	LLMRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_llm_requests_total",
			Help: "Language model requests by stage, model and status",
		},
		[]string{"stage", "model", "status"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragagent_llm_latency_seconds",
			Help:    "Language model request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage", "model"},
	)

	LLMTokens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_llm_tokens_total",
			Help: "Tokens exchanged with the language model",
		},
		[]string{"stage", "kind"},
	)

	LLMCost = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_llm_cost_usd_total",
			Help: "Estimated model spend in USD",
		},
		[]string{"stage", "model"},
	)

	// Pricing fallback metrics
	PricingFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_pricing_fallback_total",
			Help: "Cost estimates that fell back to the default rate (missing/unknown model)",
		},
		[]string{"reason"},
	)

	// Retrieval metrics
	RetrievalRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_retrieval_requests_total",
			Help: "Retrieval gateway searches by backend and status",
		},
		[]string{"backend", "status"},
	)

	RetrievalLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragagent_retrieval_latency_seconds",
			Help:    "Retrieval latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"backend"},
	)

	RetrievalPassages = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragagent_retrieval_passages",
			Help:    "Passages returned per search",
			Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
		},
		[]string{"backend"},
	)

	ToolInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_tool_invocations_total",
			Help: "Tool invocations by tool and status",
		},
		[]string{"tool", "status"},
	)

	// Embedding metrics
	EmbeddingRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_embedding_requests_total",
			Help: "Embedding generation requests",
		},
		[]string{"model", "status"},
	)

	EmbeddingLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragagent_embedding_latency_seconds",
			Help:    "Embedding generation latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"model"},
	)

	EmbeddingCacheHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_embedding_cache_hits_total",
			Help: "Embedding cache hits by tier",
		},
		[]string{"tier"},
	)

	EmbeddingCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ragagent_embedding_cache_misses_total",
			Help: "Embedding cache misses",
		},
	)

	// Evaluation metrics
	EvaluationScore = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragagent_evaluation_score",
			Help:    "Answer evaluation scores",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1},
		},
		[]string{"metric"},
	)

	// Trace store metrics
	TraceWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_trace_writes_total",
			Help: "Execution trace persistence attempts",
		},
		[]string{"status"},
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragagent_http_requests_total",
			Help: "HTTP API requests by route and status code",
		},
		[]string{"route", "code"},
	)

	StreamSubscribers = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragagent_stream_subscribers",
			Help: "Active turn event stream subscribers",
		},
	)
)

// RecordTurnMetrics records metrics for a finished turn. outcome is the
// outcome kind or "error".
func RecordTurnMetrics(outcome string, durationSeconds float64) {
	TurnsCompleted.WithLabelValues(outcome).Inc()
	TurnDuration.WithLabelValues(outcome).Observe(durationSeconds)
}

// RecordSubtaskMetrics records a subtask reaching a terminal status.
func RecordSubtaskMetrics(status string, attempts int) {
	SubtasksCompleted.WithLabelValues(status).Inc()
	SubtaskAttempts.Observe(float64(attempts))
}

// RecordLLMMetrics records one language model call.
func RecordLLMMetrics(stage, model, status string, durationSeconds float64) {
	LLMRequests.WithLabelValues(stage, model, status).Inc()
	if durationSeconds > 0 {
		LLMLatency.WithLabelValues(stage, model).Observe(durationSeconds)
	}
}

// RecordLLMTokens adds prompt and completion token counts for a stage.
func RecordLLMTokens(stage string, prompt, completion int) {
	if prompt > 0 {
		LLMTokens.WithLabelValues(stage, "prompt").Add(float64(prompt))
	}
	if completion > 0 {
		LLMTokens.WithLabelValues(stage, "completion").Add(float64(completion))
	}
}

// RecordLLMCost adds the estimated spend of one call.
func RecordLLMCost(stage, model string, usd float64) {
	if usd > 0 {
		LLMCost.WithLabelValues(stage, model).Add(usd)
	}
}

// RecordRetrievalMetrics records one search against a retrieval backend.
func RecordRetrievalMetrics(backend, status string, durationSeconds float64, passages int) {
	RetrievalRequests.WithLabelValues(backend, status).Inc()
	if durationSeconds > 0 {
		RetrievalLatency.WithLabelValues(backend).Observe(durationSeconds)
	}
	if status == "success" {
		RetrievalPassages.WithLabelValues(backend).Observe(float64(passages))
	}
}

// RecordEmbeddingMetrics records embedding metrics
func RecordEmbeddingMetrics(model, status string, durationSeconds float64) {
	EmbeddingRequests.WithLabelValues(model, status).Inc()
	if durationSeconds > 0 {
		EmbeddingLatency.WithLabelValues(model).Observe(durationSeconds)
	}
}
