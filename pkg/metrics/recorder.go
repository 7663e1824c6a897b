// Package metrics records per-iteration loop telemetry three ways: Prometheus
// counters for scraping, an NDJSON file for workflow artifacts, and a text
// snapshot for step summaries.
package metrics

import (
	"time"
)

// Recorder defines the interface for recording keepalive loop metrics.
type Recorder interface {
	// ObserveIteration records one completed loop iteration.
	ObserveIteration(prNumber int, action, errorCategory string, duration time.Duration)

	// ObserveDecision records the engine's chosen action and reason.
	ObserveDecision(prNumber int, action, reason string)

	// IncCacheHit / IncCacheMiss count API cache effectiveness per resource.
	IncCacheHit(resource string)
	IncCacheMiss(resource string)

	// IncForgeRetry counts a retried forge call by operation and category.
	IncForgeRetry(operation, category string)

	// ObserveLLMRequest records a completion-analysis model call.
	ObserveLLMRequest(provider, model string, success bool, duration time.Duration)
}

// NoopRecorder implements Recorder with no-op behavior for when metrics are
// disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveIteration does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveIteration(_ int, _, _ string, _ time.Duration) {}

// ObserveDecision does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveDecision(_ int, _, _ string) {}

// IncCacheHit does nothing in the no-op recorder.
func (n *NoopRecorder) IncCacheHit(_ string) {}

// IncCacheMiss does nothing in the no-op recorder.
func (n *NoopRecorder) IncCacheMiss(_ string) {}

// IncForgeRetry does nothing in the no-op recorder.
func (n *NoopRecorder) IncForgeRetry(_, _ string) {}

// ObserveLLMRequest does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveLLMRequest(_, _ string, _ bool, _ time.Duration) {}
