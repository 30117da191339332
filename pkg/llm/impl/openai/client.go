// Package openai provides the OpenAI implementation of llm.LLMClient using
// the official Go SDK.
package openai

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"daiv/pkg/llm"
	"daiv/pkg/llm/llmerrors"
)

// Client wraps the official OpenAI client.
type Client struct {
	client openai.Client
	model  string
}

// New creates a raw OpenAI client; middleware is applied at a higher level.
func New(apiKey, model string) *Client {
	return &Client{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

// GetModelName returns the model name for this client.
func (c *Client) GetModelName() string { return c.model }

// Complete implements the llm.LLMClient interface.
//
//nolint:gocritic // CompletionRequest passed by value matches the interface
func (c *Client) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	if len(in.Messages) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "message list cannot be empty")
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(in.Messages))
	for i := range in.Messages {
		msg := &in.Messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			messages = append(messages, openai.SystemMessage(msg.Content))
		case llm.RoleAssistant:
			content := msg.Content
			// Tool calls are carried as serialized text; results come back
			// the same way, so the protocol-level tool_calls field stays
			// unused and the history remains provider-portable.
			if len(msg.ToolCalls) > 0 {
				calls, _ := json.Marshal(msg.ToolCalls)
				content += "\n[tool calls] " + string(calls)
			}
			messages = append(messages, openai.AssistantMessage(content))
		case llm.RoleTool:
			messages = append(messages, openai.UserMessage(
				fmt.Sprintf("Tool result (%s): %s", msg.ToolCallID, msg.Content)))
		case llm.RoleUser:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}

	maxTokens := in.MaxTokens
	if maxTokens <= 0 {
		maxTokens = llm.DefaultMaxTokens
	}
	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(c.model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(int64(maxTokens)),
		Temperature:         openai.Float(float64(in.Temperature)),
	}

	if len(in.Tools) > 0 {
		toolParams := make([]openai.ChatCompletionToolParam, 0, len(in.Tools))
		for i := range in.Tools {
			tool := &in.Tools[i]

			properties := make(map[string]any, len(tool.InputSchema.Properties))
			for name := range tool.InputSchema.Properties {
				prop := tool.InputSchema.Properties[name]
				schema := map[string]any{"type": prop.Type}
				if prop.Description != "" {
					schema["description"] = prop.Description
				}
				if len(prop.Enum) > 0 {
					schema["enum"] = prop.Enum
				}
				if prop.Items != nil {
					schema["items"] = map[string]any{"type": prop.Items.Type}
				}
				properties[name] = schema
			}

			toolParams = append(toolParams, openai.ChatCompletionToolParam{
				Function: openai.FunctionDefinitionParam{
					Name:        tool.Name,
					Description: openai.String(tool.Description),
					Parameters: openai.FunctionParameters{
						"type":       "object",
						"properties": properties,
						"required":   tool.InputSchema.Required,
					},
				},
			})
		}
		params.Tools = toolParams
	}

	resp, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return llm.CompletionResponse{}, llmerrors.Wrap(llmerrors.TypeOf(err), "openai api error", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "received empty response from OpenAI API")
	}

	choice := resp.Choices[0]
	out := llm.CompletionResponse{
		Content:    choice.Message.Content,
		StopReason: string(choice.FinishReason),
		Usage: llm.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}

	for i := range choice.Message.ToolCalls {
		call := &choice.Message.ToolCalls[i]
		var args map[string]any
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return llm.CompletionResponse{}, llmerrors.Wrap(llmerrors.ErrorTypeUnknown, "failed to parse tool arguments", err)
		}
		out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
			ID:         call.ID,
			Name:       call.Function.Name,
			Parameters: args,
		})
	}
	return out, nil
}
