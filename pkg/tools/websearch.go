package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const maxSearchResults = 8

// SearchResult is one hit from a web search.
type SearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// SearchProvider answers web queries. Implementations wrap a hosted search
// API; tests use a canned provider.
type SearchProvider interface {
	Search(ctx context.Context, query string) ([]SearchResult, error)
}

// HTTPSearchProvider queries a SearXNG-compatible JSON endpoint.
type HTTPSearchProvider struct {
	endpoint   string
	httpClient *http.Client
}

// NewHTTPSearchProvider creates a provider for the given search endpoint.
func NewHTTPSearchProvider(endpoint string) *HTTPSearchProvider {
	return &HTTPSearchProvider{
		endpoint:   strings.TrimRight(endpoint, "/"),
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}
}

// Search runs one query and returns the top hits.
func (p *HTTPSearchProvider) Search(ctx context.Context, query string) ([]SearchResult, error) {
	u := fmt.Sprintf("%s/search?q=%s&format=json", p.endpoint, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search endpoint returned %d", resp.StatusCode)
	}

	var payload struct {
		Results []struct {
			Title   string `json:"title"`
			URL     string `json:"url"`
			Content string `json:"content"`
		} `json:"results"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := make([]SearchResult, 0, maxSearchResults)
	for _, r := range payload.Results {
		results = append(results, SearchResult{Title: r.Title, URL: r.URL, Snippet: r.Content})
		if len(results) == maxSearchResults {
			break
		}
	}
	return results, nil
}

// WebSearchTool answers queries through a SearchProvider.
type WebSearchTool struct {
	provider SearchProvider
}

// NewWebSearchTool creates a web_search tool.
func NewWebSearchTool(provider SearchProvider) *WebSearchTool {
	return &WebSearchTool{provider: provider}
}

// Name returns the tool identifier.
func (t *WebSearchTool) Name() string { return ToolWebSearch }

// SideEffect returns the tool's side-effect class.
func (t *WebSearchTool) SideEffect() SideEffect { return SideEffectExternal }

// Definition returns the tool definition for the LLM.
func (t *WebSearchTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolWebSearch,
		Description: "Search the web. Use it for library documentation, error messages, or API references not present in the repository.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"query": {Type: "string", Description: "Search query"},
			},
			Required: []string{"query"},
		},
	}
}

// Exec executes the search.
func (t *WebSearchTool) Exec(ctx context.Context, args map[string]any) (any, error) {
	query, ok := stringArg(args, "query")
	if !ok || strings.TrimSpace(query) == "" {
		return ErrorResult("query is required"), nil
	}

	results, err := t.provider.Search(ctx, query)
	if err != nil {
		return ErrorResult("search failed: %v", err), nil
	}

	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		out = append(out, map[string]any{
			"title":   r.Title,
			"url":     r.URL,
			"snippet": r.Snippet,
		})
	}
	return OkResult(fmt.Sprintf("%d results for %q", len(out), query), map[string]any{
		"results": out,
	}), nil
}
