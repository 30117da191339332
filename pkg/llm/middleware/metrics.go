// Package middleware provides cross-cutting llm.Middleware: Prometheus
// metrics, rate limiting, request logging, and prompt cache control.
package middleware

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"daiv/pkg/llm"
	"daiv/pkg/llm/llmerrors"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_requests_total",
		Help: "Total number of LLM API requests",
	}, []string{"model", "role", "status", "error_type"})

	tokensTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_tokens_total",
		Help: "Total number of tokens consumed",
	}, []string{"model", "role", "type"})

	costsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "llm_costs_total",
		Help: "Total estimated spend in USD",
	}, []string{"model", "role"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "llm_request_duration_seconds",
		Help:    "LLM API request duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	}, []string{"model", "role"})
)

// WithMetrics records request counts, token usage, and latency for every
// completion. role identifies the calling agent (planner, executor,
// classifier, describer).
func WithMetrics(role string) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				model := next.GetModelName()
				start := time.Now()

				resp, err := next.Complete(ctx, req)

				requestDuration.WithLabelValues(model, role).Observe(time.Since(start).Seconds())
				status, errorType := "success", ""
				if err != nil {
					status = "error"
					errorType = llmerrors.TypeOf(err).String()
				}
				requestsTotal.WithLabelValues(model, role, status, errorType).Inc()
				if resp.Usage.InputTokens > 0 {
					tokensTotal.WithLabelValues(model, role, "input").Add(float64(resp.Usage.InputTokens))
				}
				if resp.Usage.OutputTokens > 0 {
					tokensTotal.WithLabelValues(model, role, "output").Add(float64(resp.Usage.OutputTokens))
				}
				return resp, err
			},
			next.GetModelName,
		)
	}
}

// recordCost feeds the cost counter from the rate-limit middleware, which
// is where pricing is known.
func recordCost(model, role string, costUSD float64) {
	if costUSD > 0 {
		costsTotal.WithLabelValues(model, role).Add(costUSD)
	}
}
