package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// LoopMetrics represents aggregated metrics for one pull request's loop,
// pulled from a Prometheus server that scrapes the runners.
type LoopMetrics struct {
	PRNumber        int              `json:"pr_number"`
	Iterations      int64            `json:"iterations"`
	ActionBreakdown map[string]int64 `json:"action_breakdown"`
	CacheHits       int64            `json:"cache_hits"`
	CacheMisses     int64            `json:"cache_misses"`
	LLMRequests     int64            `json:"llm_requests"`
}

// QueryService provides methods to query loop metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetLoopMetrics retrieves aggregated iteration and cache metrics for one
// pull request across all runs the Prometheus server has scraped.
func (q *QueryService) GetLoopMetrics(ctx context.Context, prNumber int) (*LoopMetrics, error) {
	metrics := &LoopMetrics{
		PRNumber:        prNumber,
		ActionBreakdown: make(map[string]int64),
	}
	pr := fmt.Sprintf("%d", prNumber)

	iterationsQuery := fmt.Sprintf(`sum(keepalive_iterations_total{pr=%q})`, pr)
	iterationsResult, _, err := q.queryAPI.Query(ctx, iterationsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query iterations: %w", err)
	}
	if vector, ok := iterationsResult.(model.Vector); ok && len(vector) > 0 {
		metrics.Iterations = int64(vector[0].Value)
	}

	actionsQuery := fmt.Sprintf(`sum by (action) (keepalive_decisions_total{pr=%q})`, pr)
	actionsResult, _, err := q.queryAPI.Query(ctx, actionsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query decisions: %w", err)
	}
	if vector, ok := actionsResult.(model.Vector); ok {
		for _, sample := range vector {
			if action, ok := sample.Metric["action"]; ok {
				metrics.ActionBreakdown[string(action)] = int64(sample.Value)
			}
		}
	}

	hitsResult, _, err := q.queryAPI.Query(ctx, `sum(keepalive_api_cache_hits_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query cache hits: %w", err)
	}
	if vector, ok := hitsResult.(model.Vector); ok && len(vector) > 0 {
		metrics.CacheHits = int64(vector[0].Value)
	}

	missesResult, _, err := q.queryAPI.Query(ctx, `sum(keepalive_api_cache_misses_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query cache misses: %w", err)
	}
	if vector, ok := missesResult.(model.Vector); ok && len(vector) > 0 {
		metrics.CacheMisses = int64(vector[0].Value)
	}

	llmResult, _, err := q.queryAPI.Query(ctx, `sum(keepalive_llm_requests_total)`, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query LLM requests: %w", err)
	}
	if vector, ok := llmResult.(model.Vector); ok && len(vector) > 0 {
		metrics.LLMRequests = int64(vector[0].Value)
	}

	return metrics, nil
}
