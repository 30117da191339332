// Package llm provides the provider-neutral completion interface and the
// middleware chain the agents are built on. Provider implementations live
// under impl/; everything above this package talks only to LLMClient.
package llm

import (
	"context"

	"daiv/pkg/tools"
)

// CompletionRole represents the role of a message in a conversation.
type CompletionRole string

const (
	// RoleSystem indicates a system message that provides instructions or context.
	RoleSystem CompletionRole = "system"
	// RoleUser indicates a message from the human user.
	RoleUser CompletionRole = "user"
	// RoleAssistant indicates a message from the model.
	RoleAssistant CompletionRole = "assistant"
	// RoleTool indicates a tool result being returned to the model.
	RoleTool CompletionRole = "tool"
)

const (
	// TemperatureDefault is used for planning and judgment calls.
	TemperatureDefault = 0.3
	// TemperatureDeterministic is used for classification.
	TemperatureDeterministic = 0.0

	// DefaultMaxTokens bounds a completion when the model config leaves it
	// unset.
	DefaultMaxTokens = 8192
)

// CacheControl marks a message as a prompt-cache breakpoint (Anthropic
// prompt caching; other providers ignore it).
type CacheControl struct {
	Type string `json:"type"`          // "ephemeral"
	TTL  string `json:"ttl,omitempty"` // "5m" or "1h"
}

// ToolCall represents a tool invocation requested by the model.
type ToolCall struct {
	Parameters map[string]any `json:"parameters"`
	ID         string         `json:"id"`
	Name       string         `json:"name"`
}

// ImageAttachment is an inline image carried on a user message.
type ImageAttachment struct {
	MediaType  string `json:"media_type"` // e.g. "image/png"
	Base64Data string `json:"data"`
}

// CompletionMessage represents one message in a completion request.
//
//nolint:govet // fieldalignment: logical grouping preferred
type CompletionMessage struct {
	Role         CompletionRole    `json:"role"`
	Content      string            `json:"content"`
	Images       []ImageAttachment `json:"images,omitempty"`
	ToolCalls    []ToolCall        `json:"tool_calls,omitempty"`
	ToolCallID   string            `json:"tool_call_id,omitempty"`
	CacheControl *CacheControl     `json:"cache_control,omitempty"`
}

// CompletionRequest represents a request to generate a completion.
//
//nolint:govet // fieldalignment: value semantics preferred over pointer indirection
type CompletionRequest struct {
	Messages    []CompletionMessage
	Tools       []tools.ToolDefinition
	ToolChoice  string // "", "auto", "any"
	MaxTokens   int
	Temperature float32
}

// Usage reports token consumption for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// CompletionResponse represents a response from a completion request.
//
//nolint:govet // fieldalignment: value semantics preferred over pointer indirection
type CompletionResponse struct {
	ToolCalls  []ToolCall
	Content    string
	StopReason string // "end_turn", "tool_use", "max_tokens", ...
	Usage      Usage
}

// LLMClient defines the interface for language model interactions.
type LLMClient interface { //nolint:revive // Established name throughout the codebase
	// Complete generates a completion synchronously.
	Complete(ctx context.Context, in CompletionRequest) (CompletionResponse, error)

	// GetModelName returns the model name for this client.
	GetModelName() string
}

// NewSystemMessage creates a new system message.
func NewSystemMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleSystem, Content: content}
}

// NewUserMessage creates a new user message.
func NewUserMessage(content string) CompletionMessage {
	return CompletionMessage{Role: RoleUser, Content: content}
}

// NewAssistantMessage creates an assistant message, recording any tool
// calls the model made in that turn.
func NewAssistantMessage(content string, toolCalls []ToolCall) CompletionMessage {
	return CompletionMessage{Role: RoleAssistant, Content: content, ToolCalls: toolCalls}
}

// NewToolResultMessage creates a tool-result message for one tool call.
func NewToolResultMessage(toolCallID, content string) CompletionMessage {
	return CompletionMessage{Role: RoleTool, Content: content, ToolCallID: toolCallID}
}
