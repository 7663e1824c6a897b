package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusRecorder implements the Recorder interface using Prometheus
// metrics on a private registry, so snapshots only carry loop metrics and
// tests never collide on the default registerer.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	iterationsTotal   *prometheus.CounterVec
	decisionsTotal    *prometheus.CounterVec
	iterationDuration *prometheus.HistogramVec
	cacheHitsTotal    *prometheus.CounterVec
	cacheMissesTotal  *prometheus.CounterVec
	forgeRetriesTotal *prometheus.CounterVec
	llmRequestsTotal  *prometheus.CounterVec
	llmDuration       *prometheus.HistogramVec
}

// NewPrometheusRecorder creates a new Prometheus-based metrics recorder.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &PrometheusRecorder{
		registry: registry,
		iterationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keepalive_iterations_total",
				Help: "Total loop iterations by PR, action, and error category",
			},
			[]string{"pr", "action", "error_category"},
		),
		decisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keepalive_decisions_total",
				Help: "Total engine decisions by PR, action, and reason",
			},
			[]string{"pr", "action", "reason"},
		),
		iterationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keepalive_iteration_duration_seconds",
				Help:    "Duration of loop iterations in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"action"},
		),
		cacheHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keepalive_api_cache_hits_total",
				Help: "API cache hits by resource",
			},
			[]string{"resource"},
		),
		cacheMissesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keepalive_api_cache_misses_total",
				Help: "API cache misses by resource",
			},
			[]string{"resource"},
		),
		forgeRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keepalive_forge_retries_total",
				Help: "Retried forge API calls by operation and error category",
			},
			[]string{"operation", "category"},
		),
		llmRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "keepalive_llm_requests_total",
				Help: "Completion-analysis model calls by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		llmDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "keepalive_llm_request_duration_seconds",
				Help:    "Duration of completion-analysis model calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"provider"},
		),
	}
}

// Registry exposes the backing registry for snapshot rendering.
func (p *PrometheusRecorder) Registry() *prometheus.Registry {
	return p.registry
}

// ObserveIteration records one completed loop iteration.
func (p *PrometheusRecorder) ObserveIteration(prNumber int, action, errorCategory string, duration time.Duration) {
	pr := strconv.Itoa(prNumber)
	p.iterationsTotal.WithLabelValues(pr, action, errorCategory).Inc()
	p.iterationDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// ObserveDecision records the engine's chosen action and reason.
func (p *PrometheusRecorder) ObserveDecision(prNumber int, action, reason string) {
	p.decisionsTotal.WithLabelValues(strconv.Itoa(prNumber), action, reason).Inc()
}

// IncCacheHit counts an API cache hit.
func (p *PrometheusRecorder) IncCacheHit(resource string) {
	p.cacheHitsTotal.WithLabelValues(resource).Inc()
}

// IncCacheMiss counts an API cache miss.
func (p *PrometheusRecorder) IncCacheMiss(resource string) {
	p.cacheMissesTotal.WithLabelValues(resource).Inc()
}

// IncForgeRetry counts a retried forge call.
func (p *PrometheusRecorder) IncForgeRetry(operation, category string) {
	p.forgeRetriesTotal.WithLabelValues(operation, category).Inc()
}

// ObserveLLMRequest records a completion-analysis model call.
func (p *PrometheusRecorder) ObserveLLMRequest(provider, model string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "error"
	}
	p.llmRequestsTotal.WithLabelValues(provider, model, status).Inc()
	p.llmDuration.WithLabelValues(provider).Observe(duration.Seconds())
}
