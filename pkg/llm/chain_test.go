package llm

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubClient struct {
	complete func(context.Context, CompletionRequest) (CompletionResponse, error)
	name     string
	calls    int
}

func (s *stubClient) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	s.calls++
	if s.complete != nil {
		return s.complete(ctx, req)
	}
	return CompletionResponse{Content: "ok", StopReason: "end_turn"}, nil
}

func (s *stubClient) GetModelName() string { return s.name }

func tagging(tag string, order *[]string) Middleware {
	return func(next LLMClient) LLMClient {
		return WrapClient(
			func(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
				*order = append(*order, tag)
				return next.Complete(ctx, req)
			},
			next.GetModelName,
		)
	}
}

func TestChainAppliesMiddlewareOutermostFirst(t *testing.T) {
	base := &stubClient{name: "base"}
	var order []string

	client := Chain(base, tagging("outer", &order), tagging("inner", &order))
	_, err := client.Complete(context.Background(), CompletionRequest{
		Messages: []CompletionMessage{NewUserMessage("hi")},
	})

	require.NoError(t, err)
	assert.Equal(t, []string{"outer", "inner"}, order)
	assert.Equal(t, 1, base.calls)
	assert.Equal(t, "base", client.GetModelName())
}

func TestChainWithoutMiddlewareReturnsBase(t *testing.T) {
	base := &stubClient{name: "base"}
	assert.Equal(t, LLMClient(base), Chain(base))
}
