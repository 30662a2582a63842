package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medchat_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "medchat_http_request_duration_seconds",
			Help: "HTTP request duration in seconds",
		},
		[]string{"method", "route"},
	)

	LLMLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "medchat_llm_latency_seconds",
			Help: "Language model call latency in seconds",
		},
		[]string{"operation"},
	)

	ClassificationCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medchat_classification_cache_total",
			Help: "Topic classification cache lookups by result (hit, miss)",
		},
		[]string{"result"},
	)

	ClassificationFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medchat_classification_keyword_fallback_total",
			Help: "Classifications resolved by keyword counting because embeddings were unavailable",
		},
	)

	ExtractionFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medchat_entity_extraction_failures_total",
			Help: "Entity extractions that produced no usable output",
		},
	)

	AnalysisCache = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medchat_analysis_cache_total",
			Help: "Conversation analysis cache lookups by result (hit, miss)",
		},
		[]string{"result"},
	)

	AnalysisFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medchat_analysis_fallback_total",
			Help: "Conversation analyses that resolved to the emergency fallback",
		},
	)

	DriftValidations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medchat_drift_validations_total",
			Help: "Response validations by outcome (untracked, on_topic, redirected, drifted)",
		},
		[]string{"outcome"},
	)

	Recoveries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medchat_context_recoveries_total",
			Help: "Corrective regenerations by result (recovered, failed, skipped)",
		},
		[]string{"result"},
	)

	ContextsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "medchat_contexts_evicted_total",
			Help: "Idle conversation contexts removed by the sweep",
		},
	)

	RelevanceScreens = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medchat_relevance_screens_total",
			Help: "Patient message screens by verdict (keywords, relevant, salutation, other, fallback)",
		},
		[]string{"verdict"},
	)

	Suggestions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "medchat_suggestions_total",
			Help: "Suggestion requests by source (model, fallback)",
		},
		[]string{"source"},
	)
)
