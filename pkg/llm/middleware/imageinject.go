package middleware

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"daiv/pkg/llm"
	"daiv/pkg/logx"
)

// Image references users paste into issues and comments: markdown
// embeds and raw HTML img tags (GitLab renders uploads as either).
var (
	markdownImagePattern = regexp.MustCompile(`!\[[^\]]*\]\((https?://[^)\s]+)\)`)
	htmlImagePattern     = regexp.MustCompile(`<img[^>]+src="(https?://[^"]+)"`)
)

const (
	// maxImageBytes caps one download; provider APIs reject oversized
	// attachments anyway.
	maxImageBytes = 5 << 20
	// maxImagesPerRequest bounds how many attachments one completion
	// carries across all of its messages.
	maxImagesPerRequest = 8

	imageFetchTimeout = 15 * time.Second
)

// ImageFetcher downloads one image reference. Implementations return the
// media type and the raw bytes.
type ImageFetcher interface {
	Fetch(ctx context.Context, url string) (mediaType string, data []byte, err error)
}

// HTTPImageFetcher fetches images over plain HTTP with a size cap. token,
// when set, authenticates requests against the platform's upload host.
type HTTPImageFetcher struct {
	client *http.Client
	token  string
}

// NewHTTPImageFetcher creates a fetcher. token may be empty for public
// hosts.
func NewHTTPImageFetcher(token string) *HTTPImageFetcher {
	return &HTTPImageFetcher{
		client: &http.Client{Timeout: imageFetchTimeout},
		token:  token,
	}
}

// Fetch implements ImageFetcher.
func (f *HTTPImageFetcher) Fetch(ctx context.Context, url string) (string, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, err
	}
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return "", nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	mediaType := resp.Header.Get("Content-Type")
	if idx := strings.Index(mediaType, ";"); idx >= 0 {
		mediaType = strings.TrimSpace(mediaType[:idx])
	}
	if !strings.HasPrefix(mediaType, "image/") {
		return "", nil, fmt.Errorf("fetch %s: content type %q is not an image", url, mediaType)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return "", nil, err
	}
	if len(data) > maxImageBytes {
		return "", nil, fmt.Errorf("fetch %s: image exceeds %d bytes", url, maxImageBytes)
	}
	return mediaType, data, nil
}

// WithImageInjection resolves image references embedded in user message
// text into inline attachments, so issues and review comments that include
// screenshots reach the model with the pixels, not just the URL. Downloads
// are cached for the process lifetime because the same history replays on
// every turn. A failed fetch leaves the message text-only.
func WithImageInjection(fetcher ImageFetcher) llm.Middleware {
	logger := logx.NewLogger("llm-images")
	var (
		mu    sync.Mutex
		cache = make(map[string]*llm.ImageAttachment) // url -> attachment, nil = fetch failed
	)

	resolve := func(ctx context.Context, url string) *llm.ImageAttachment {
		mu.Lock()
		attachment, seen := cache[url]
		mu.Unlock()
		if seen {
			return attachment
		}

		mediaType, data, err := fetcher.Fetch(ctx, url)
		if err != nil {
			logger.Warn("skipping image %s: %v", url, err)
			attachment = nil
		} else {
			attachment = &llm.ImageAttachment{
				MediaType:  mediaType,
				Base64Data: base64.StdEncoding.EncodeToString(data),
			}
		}
		mu.Lock()
		cache[url] = attachment
		mu.Unlock()
		return attachment
	}

	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				total := 0
				var resolved []llm.CompletionMessage
				for i, msg := range req.Messages {
					if msg.Role != llm.RoleUser || len(msg.Images) > 0 {
						continue
					}
					urls := imageRefs(msg.Content)
					if len(urls) == 0 {
						continue
					}
					var images []llm.ImageAttachment
					for _, url := range urls {
						if total >= maxImagesPerRequest {
							break
						}
						if attachment := resolve(ctx, url); attachment != nil {
							images = append(images, *attachment)
							total++
						}
					}
					if len(images) == 0 {
						continue
					}
					if resolved == nil {
						resolved = append([]llm.CompletionMessage{}, req.Messages...)
					}
					resolved[i].Images = images
				}
				// Attachments ride along with the request only; the caller's
				// history (and its checkpoints) stay text.
				if resolved != nil {
					req.Messages = resolved
				}
				return next.Complete(ctx, req)
			},
			next.GetModelName,
		)
	}
}

// imageRefs extracts image URLs from message text, in order, deduplicated.
func imageRefs(content string) []string {
	var urls []string
	seen := make(map[string]bool)
	for _, pattern := range []*regexp.Regexp{markdownImagePattern, htmlImagePattern} {
		for _, match := range pattern.FindAllStringSubmatch(content, -1) {
			if url := match[1]; !seen[url] {
				seen[url] = true
				urls = append(urls, url)
			}
		}
	}
	return urls
}
