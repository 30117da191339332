package llm

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"daiv/pkg/llm/llmerrors"
	"daiv/pkg/logx"
)

// WithRetry returns a middleware that retries retryable failures with
// exponential backoff. The budget depends on the classified error type;
// auth and bad-prompt errors fail immediately.
func WithRetry() Middleware {
	logger := logx.NewLogger("llm-retry")

	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				var resp CompletionResponse
				attempt := 0

				operation := func() error {
					var err error
					resp, err = next.Complete(ctx, req)
					if err == nil {
						return nil
					}
					attempt++
					if !llmerrors.IsRetryable(err) || attempt > llmerrors.MaxRetries(err) {
						return backoff.Permanent(err)
					}
					logger.Warn("completion attempt %d failed (%s), retrying: %v",
						attempt, llmerrors.TypeOf(err), err)
					return err
				}

				policy := backoff.NewExponentialBackOff()
				policy.InitialInterval = time.Second
				policy.MaxInterval = time.Minute
				policy.MaxElapsedTime = 10 * time.Minute

				err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
				return resp, err
			},
			next.GetModelName,
		)
	}
}

// WithFallback returns a middleware that retries the whole request against
// a fallback client when the primary fails. The primary is expected to
// carry its own retry budget, so by the time the error reaches here it is
// final for that client. Once the fallback answers, it stays pinned for
// the rest of the process; flapping between providers mid-conversation
// loses prompt caches on both sides. Only bad-prompt errors surface
// unchanged, since the fallback would reject the same request.
func WithFallback(fallback LLMClient) Middleware {
	logger := logx.NewLogger("llm-fallback")
	var pinned atomic.Bool

	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				if fallback != nil && pinned.Load() {
					return fallback.Complete(ctx, req)
				}

				resp, err := next.Complete(ctx, req)
				if err == nil || fallback == nil {
					return resp, err
				}
				if llmerrors.TypeOf(err) == llmerrors.ErrorTypeBadPrompt {
					return resp, err
				}

				logger.Warn("%s failed (%v), falling back to %s",
					next.GetModelName(), err, fallback.GetModelName())
				resp, ferr := fallback.Complete(ctx, req)
				if ferr == nil {
					pinned.Store(true)
				}
				return resp, ferr
			},
			next.GetModelName,
		)
	}
}
