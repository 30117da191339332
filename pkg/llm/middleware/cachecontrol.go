package middleware

import (
	"context"

	"daiv/pkg/llm"
)

// WithCacheControl marks the last message of each request as a prompt
// cache breakpoint so providers that support caching reuse the shared
// conversation prefix across iterations of the tool loop.
func WithCacheControl(ttl string) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if len(req.Messages) == 0 {
					return next.Complete(ctx, req)
				}

				// Copy before annotating; the caller's history is reused across
				// iterations and must stay provider-neutral.
				messages := make([]llm.CompletionMessage, len(req.Messages))
				copy(messages, req.Messages)
				last := messages[len(messages)-1]
				last.CacheControl = &llm.CacheControl{Type: "ephemeral", TTL: ttl}
				messages[len(messages)-1] = last

				req.Messages = messages
				return next.Complete(ctx, req)
			},
			next.GetModelName,
		)
	}
}
