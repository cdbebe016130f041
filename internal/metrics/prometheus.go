package metrics

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/supportdesk/deflection-engine/pkg/circuitbreaker"
)

var (
	StageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deflection_stage_duration_seconds",
			Help:    "Duration of each analysis stage in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"stage"},
	)

	TicketsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deflection_tickets_total",
			Help: "Tickets analyzed, by routing state",
		},
		[]string{"state"},
	)

	GateFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deflection_gate_failures_total",
			Help: "Tickets stopped by a preflight check",
		},
		[]string{"check"},
	)

	GenerationErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deflection_generation_errors_total",
			Help: "Response generation failures",
		},
		[]string{"kind"},
	)

	ConfidenceScore = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "deflection_confidence_score",
			Help:    "Confidence of generated responses",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	LLMTokensUsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deflection_llm_tokens_used",
			Help: "Total LLM tokens used",
		},
		[]string{"model", "type"},
	)

	LLMCost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deflection_llm_cost_usd",
			Help: "Estimated LLM API cost in USD",
		},
		[]string{"model"},
	)

	EmbeddingFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "deflection_embedding_fallbacks_total",
			Help: "Embeddings served by the simulated embedder after a provider failure",
		},
	)

	KnowledgeMatches = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deflection_knowledge_matches",
			Help:    "Knowledge items retrieved per ticket",
			Buckets: []float64{0, 1, 2, 3, 5, 10},
		},
		[]string{"kind"},
	)

	CacheHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deflection_cache_hits_total",
			Help: "Total cache hits",
		},
		[]string{"cache_type"},
	)

	CacheMisses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deflection_cache_misses_total",
			Help: "Total cache misses",
		},
		[]string{"cache_type"},
	)

	FeedbackScore = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "deflection_feedback_score",
			Help:    "Customer satisfaction scores",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
		[]string{"helpful"},
	)

	KnowledgeIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deflection_knowledge_ingested_total",
			Help: "Knowledge items written by ingestion",
		},
		[]string{"owner_type", "status"},
	)

	PipelineJobs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "deflection_pipeline_jobs_total",
			Help: "Webhook jobs handled by the pipeline",
		},
		[]string{"event", "status"},
	)

	PipelineQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "deflection_pipeline_queue_depth",
			Help: "Jobs waiting for a pipeline worker",
		},
	)

	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "deflection_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)
)

var registerOnce sync.Once

func Init() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			StageDuration,
			TicketsTotal,
			GateFailures,
			GenerationErrors,
			ConfidenceScore,
			LLMTokensUsed,
			LLMCost,
			EmbeddingFallbacks,
			KnowledgeMatches,
			CacheHits,
			CacheMisses,
			FeedbackScore,
			KnowledgeIngested,
			PipelineJobs,
			PipelineQueueDepth,
			BreakerState,
		)
	})
}

func MetricsHandler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

// ObserveStage records how long a stage took since start.
func ObserveStage(stage string, start time.Time) {
	StageDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())
}

func RecordCacheLookup(cacheType string, hit bool) {
	if hit {
		CacheHits.WithLabelValues(cacheType).Inc()
		return
	}
	CacheMisses.WithLabelValues(cacheType).Inc()
}

func RecordUsage(model string, promptTokens, completionTokens int, cost float64) {
	LLMTokensUsed.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	LLMTokensUsed.WithLabelValues(model, "completion").Add(float64(completionTokens))
	LLMCost.WithLabelValues(model).Add(cost)
}

func RecordFeedback(score int, helpful bool) {
	label := "false"
	if helpful {
		label = "true"
	}
	FeedbackScore.WithLabelValues(label).Observe(float64(score))
}

// BreakerStateChanged matches circuitbreaker.Config.OnStateChange.
func BreakerStateChanged(name string, _, to circuitbreaker.State) {
	BreakerState.WithLabelValues(name).Set(float64(to))
}
