package middleware

import (
	"context"

	"daiv/pkg/limiter"
	"daiv/pkg/llm"
	"daiv/pkg/llm/llmerrors"
	"daiv/pkg/tokens"
)

// WithRateLimit reserves tokens and budget before each completion.
// costPerMTokUSD prices one million tokens for the wrapped model; zero
// disables cost accounting. Rate-limit rejections surface as retryable
// errors so an outer retry middleware backs off; budget exhaustion is
// terminal.
func WithRateLimit(l *limiter.Limiter, role string, costPerMTokUSD float64) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				estimated := estimateTokens(&req)

				if err := l.Reserve(estimated); err != nil {
					return llm.CompletionResponse{}, llmerrors.Wrap(llmerrors.ErrorTypeRateLimit, "token budget exhausted for this minute", err)
				}
				if err := l.ReserveBudget(cost(estimated, costPerMTokUSD)); err != nil {
					return llm.CompletionResponse{}, llmerrors.Wrap(llmerrors.ErrorTypeBadPrompt, "daily spend cap reached", err)
				}

				resp, err := next.Complete(ctx, req)
				if err != nil {
					return resp, err
				}

				// Reconcile with actual usage: the estimate covered the prompt
				// plus the response ceiling, so only record the real cost.
				used := resp.Usage.InputTokens + resp.Usage.OutputTokens
				recordCost(next.GetModelName(), role, cost(used, costPerMTokUSD))
				return resp, nil
			},
			next.GetModelName,
		)
	}
}

// estimateTokens approximates the token cost of a request before it is
// sent: counted prompt tokens plus the maximum the model may generate.
func estimateTokens(req *llm.CompletionRequest) int {
	total := 0
	for i := range req.Messages {
		total += tokens.Count(req.Messages[i].Content)
	}
	maxOut := req.MaxTokens
	if maxOut <= 0 {
		maxOut = llm.DefaultMaxTokens
	}
	return total + maxOut
}

func cost(tokenCount int, costPerMTokUSD float64) float64 {
	return float64(tokenCount) / 1_000_000 * costPerMTokUSD
}
