package middleware

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daiv/pkg/limiter"
	"daiv/pkg/llm"
	"daiv/pkg/llm/llmerrors"
	"daiv/pkg/logx"
)

type stubClient struct {
	lastReq llm.CompletionRequest
	calls   int
}

func (s *stubClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	s.calls++
	s.lastReq = req
	return llm.CompletionResponse{
		Content:    "ok",
		StopReason: "end_turn",
		Usage:      llm.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (s *stubClient) GetModelName() string { return "stub-model" }

func TestWithCacheControlMarksLastMessageOnly(t *testing.T) {
	base := &stubClient{}
	client := llm.Chain(base, WithCacheControl("1h"))

	original := []llm.CompletionMessage{
		llm.NewSystemMessage("system"),
		llm.NewUserMessage("hi"),
	}
	_, err := client.Complete(context.Background(), llm.CompletionRequest{Messages: original})
	require.NoError(t, err)

	require.Len(t, base.lastReq.Messages, 2)
	assert.Nil(t, base.lastReq.Messages[0].CacheControl)
	require.NotNil(t, base.lastReq.Messages[1].CacheControl)
	assert.Equal(t, "ephemeral", base.lastReq.Messages[1].CacheControl.Type)
	assert.Equal(t, "1h", base.lastReq.Messages[1].CacheControl.TTL)

	// The caller's slice stays untouched.
	assert.Nil(t, original[1].CacheControl)
}

func TestWithRateLimitPassesWithinBudget(t *testing.T) {
	l := limiter.NewLimiter(100_000, 100.0)
	defer l.Close()

	base := &stubClient{}
	client := llm.Chain(base, WithRateLimit(l, "planner", 3.0))

	_, err := client.Complete(context.Background(), llm.CompletionRequest{
		Messages:  []llm.CompletionMessage{llm.NewUserMessage("hello")},
		MaxTokens: 100,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, base.calls)
}

func TestWithRateLimitClassifiesExhaustionAsRetryable(t *testing.T) {
	l := limiter.NewLimiter(1000, 0)
	defer l.Close()
	require.NoError(t, l.Reserve(999))

	base := &stubClient{}
	client := llm.Chain(base, WithRateLimit(l, "planner", 0))

	_, err := client.Complete(context.Background(), llm.CompletionRequest{
		Messages:  []llm.CompletionMessage{llm.NewUserMessage("hello")},
		MaxTokens: 500,
	})
	require.Error(t, err)
	assert.Equal(t, llmerrors.ErrorTypeRateLimit, llmerrors.TypeOf(err))
	assert.True(t, llmerrors.IsRetryable(err))
	assert.Zero(t, base.calls)
}

func TestWithRateLimitBudgetExhaustionIsTerminal(t *testing.T) {
	l := limiter.NewLimiter(0, 0.000001)
	defer l.Close()

	base := &stubClient{}
	client := llm.Chain(base, WithRateLimit(l, "planner", 1000.0))

	_, err := client.Complete(context.Background(), llm.CompletionRequest{
		Messages:  []llm.CompletionMessage{llm.NewUserMessage("hello")},
		MaxTokens: 8192,
	})
	require.Error(t, err)
	assert.False(t, llmerrors.IsRetryable(err))
	assert.Zero(t, base.calls)
}

type fakeImageFetcher struct {
	calls   int
	failing bool
}

func (f *fakeImageFetcher) Fetch(_ context.Context, url string) (string, []byte, error) {
	f.calls++
	if f.failing {
		return "", nil, fmt.Errorf("unreachable %s", url)
	}
	return "image/png", []byte("pixels"), nil
}

func TestWithImageInjectionAttachesMarkdownImages(t *testing.T) {
	base := &stubClient{}
	fetcher := &fakeImageFetcher{}
	client := llm.Chain(base, WithImageInjection(fetcher))

	original := []llm.CompletionMessage{
		llm.NewSystemMessage("system"),
		llm.NewUserMessage("See the error: ![screenshot](https://example.com/shot.png)"),
	}
	_, err := client.Complete(context.Background(), llm.CompletionRequest{Messages: original})
	require.NoError(t, err)

	require.Len(t, base.lastReq.Messages[1].Images, 1)
	img := base.lastReq.Messages[1].Images[0]
	assert.Equal(t, "image/png", img.MediaType)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("pixels")), img.Base64Data)

	// The caller's history stays text-only.
	assert.Empty(t, original[1].Images)
}

func TestWithImageInjectionHandlesHTMLAndCaches(t *testing.T) {
	base := &stubClient{}
	fetcher := &fakeImageFetcher{}
	client := llm.Chain(base, WithImageInjection(fetcher))

	req := llm.CompletionRequest{Messages: []llm.CompletionMessage{
		llm.NewUserMessage(`before <img src="https://example.com/a.png" alt="x"> after`),
	}}
	_, err := client.Complete(context.Background(), req)
	require.NoError(t, err)
	require.Len(t, base.lastReq.Messages[0].Images, 1)

	// The same history replays next turn; the download is served from the
	// cache.
	_, err = client.Complete(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, 1, fetcher.calls)
}

func TestWithImageInjectionFailedFetchLeavesTextOnly(t *testing.T) {
	base := &stubClient{}
	fetcher := &fakeImageFetcher{failing: true}
	client := llm.Chain(base, WithImageInjection(fetcher))

	_, err := client.Complete(context.Background(), llm.CompletionRequest{Messages: []llm.CompletionMessage{
		llm.NewUserMessage("![broken](https://example.com/gone.png)"),
	}})
	require.NoError(t, err)
	assert.Empty(t, base.lastReq.Messages[0].Images)
	assert.Contains(t, base.lastReq.Messages[0].Content, "gone.png")
}

func TestWithImageInjectionIgnoresNonUserMessages(t *testing.T) {
	base := &stubClient{}
	fetcher := &fakeImageFetcher{}
	client := llm.Chain(base, WithImageInjection(fetcher))

	_, err := client.Complete(context.Background(), llm.CompletionRequest{Messages: []llm.CompletionMessage{
		llm.NewAssistantMessage("I found ![this](https://example.com/a.png)", nil),
	}})
	require.NoError(t, err)
	assert.Zero(t, fetcher.calls)
}

func TestHTTPImageFetcherChecksContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ok.png":
			w.Header().Set("Content-Type", "image/png")
			_, _ = w.Write([]byte("pixels"))
		default:
			w.Header().Set("Content-Type", "text/html")
			_, _ = w.Write([]byte("<html>not an image</html>"))
		}
	}))
	defer srv.Close()

	fetcher := NewHTTPImageFetcher("")
	mediaType, data, err := fetcher.Fetch(context.Background(), srv.URL+"/ok.png")
	require.NoError(t, err)
	assert.Equal(t, "image/png", mediaType)
	assert.Equal(t, []byte("pixels"), data)

	_, _, err = fetcher.Fetch(context.Background(), srv.URL+"/page.html")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an image")
}

func TestWithMetricsPassesThrough(t *testing.T) {
	base := &stubClient{}
	client := llm.Chain(base, WithMetrics("executor"))

	resp, err := client.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.CompletionMessage{llm.NewUserMessage("hello")},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 1, base.calls)
}

func TestWithLoggingPassesThrough(t *testing.T) {
	base := &stubClient{}
	client := llm.Chain(base, WithLogging(logx.NewLogger("test")))

	resp, err := client.Complete(context.Background(), llm.CompletionRequest{
		Messages: []llm.CompletionMessage{llm.NewUserMessage("hello")},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
}
