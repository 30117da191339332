package middleware

import (
	"context"
	"time"

	"daiv/pkg/llm"
	"daiv/pkg/logx"
)

// WithLogging logs each completion with its duration, token usage, and
// stop reason. Failures log at warn level with the classified error.
func WithLogging(logger *logx.Logger) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				model := next.GetModelName()
				logger.Debug("completion request: model=%s messages=%d tools=%d", model, len(req.Messages), len(req.Tools))

				start := time.Now()
				resp, err := next.Complete(ctx, req)
				elapsed := time.Since(start).Round(time.Millisecond)

				if err != nil {
					logger.Warn("completion failed: model=%s elapsed=%s: %v", model, elapsed, err)
					return resp, err
				}
				logger.Info("completion: model=%s elapsed=%s in=%d out=%d stop=%s calls=%d",
					model, elapsed, resp.Usage.InputTokens, resp.Usage.OutputTokens, resp.StopReason, len(resp.ToolCalls))
				return resp, nil
			},
			next.GetModelName,
		)
	}
}
