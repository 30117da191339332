package planner

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daiv/pkg/llm"
	"daiv/pkg/prompts"
	"daiv/pkg/tools"
)

type scriptedClient struct {
	responses []llm.CompletionResponse
	requests  []llm.CompletionRequest
}

func (s *scriptedClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	s.requests = append(s.requests, req)
	if len(s.requests) > len(s.responses) {
		return llm.CompletionResponse{Content: "nothing left", StopReason: "end_turn"}, nil
	}
	return s.responses[len(s.requests)-1], nil
}

func (s *scriptedClient) GetModelName() string { return "scripted" }

func newTestPlanner(t *testing.T, client llm.LLMClient, maxIterations int) *Planner {
	t.Helper()
	provider, err := tools.NewProvider(
		[]tools.SideEffect{tools.SideEffectRead, tools.SideEffectControl},
		tools.NewCompletePlanTool(nil),
		tools.NewAskForClarificationTool(),
		tools.NewTodoWriteTool(tools.NewTodoState()),
	)
	require.NoError(t, err)
	renderer, err := prompts.NewRenderer()
	require.NoError(t, err)
	return New(client, provider, renderer, maxIterations)
}

func planCall(id string) llm.ToolCall {
	return llm.ToolCall{ID: id, Name: tools.ToolCompletePlan, Parameters: map[string]any{
		"goal": "add logging",
		"tasks": []any{map[string]any{
			"intent":        "wire middleware",
			"context_files": []any{"server.go"},
			"sub_changes":   []any{map[string]any{"path": "server.go", "reason": "add logger"}},
		}},
	}}
}

func TestPlannerProducesPlan(t *testing.T) {
	client := &scriptedClient{responses: []llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{planCall("c1")}, StopReason: "tool_use"},
	}}
	p := newTestPlanner(t, client, 10)

	outcome, err := p.Run(context.Background(), &Request{
		Prompt:     "Add request logging to the server",
		PromptData: prompts.Data{Repo: "acme/widgets", DefaultBranch: "main", Date: "2026-08-24"},
	})
	require.NoError(t, err)
	require.NotNil(t, outcome.Plan)
	assert.Nil(t, outcome.Questions)
	assert.Equal(t, "add logging", outcome.Plan.Goal)

	// Fresh runs start from the rendered system prompt.
	first := client.requests[0]
	assert.Equal(t, llm.RoleSystem, first.Messages[0].Role)
	assert.Contains(t, first.Messages[0].Content, "acme/widgets")
}

func TestPlannerProducesQuestions(t *testing.T) {
	client := &scriptedClient{responses: []llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{{
			ID: "c1", Name: tools.ToolAskForClarification,
			Parameters: map[string]any{"questions": []any{"Which endpoint?"}},
		}}, StopReason: "tool_use"},
	}}
	p := newTestPlanner(t, client, 10)

	outcome, err := p.Run(context.Background(), &Request{Prompt: "make it faster"})
	require.NoError(t, err)
	require.NotNil(t, outcome.Questions)
	assert.Equal(t, []string{"Which endpoint?"}, outcome.Questions.Questions)
}

func TestPlannerBudgetExhaustionDegradesToQuestions(t *testing.T) {
	todo := llm.CompletionResponse{ToolCalls: []llm.ToolCall{{
		ID: "c1", Name: tools.ToolTodoWrite,
		Parameters: map[string]any{"todos": []any{map[string]any{"id": "1", "text": "look", "status": "pending"}}},
	}}, StopReason: "tool_use"}
	client := &scriptedClient{responses: []llm.CompletionResponse{todo, todo}}
	p := newTestPlanner(t, client, 2)

	outcome, err := p.Run(context.Background(), &Request{Prompt: "do the thing"})
	require.NoError(t, err)
	require.NotNil(t, outcome.Questions)
	assert.Nil(t, outcome.Plan)
}

func TestPlannerResumesFromHistory(t *testing.T) {
	client := &scriptedClient{responses: []llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{planCall("c1")}, StopReason: "tool_use"},
	}}
	p := newTestPlanner(t, client, 10)

	history := []llm.CompletionMessage{
		llm.NewSystemMessage("existing system prompt"),
		llm.NewUserMessage("original request"),
		llm.NewAssistantMessage("asked questions earlier", nil),
	}
	outcome, err := p.Run(context.Background(), &Request{
		Prompt:  "Answers: use the orders endpoint",
		History: history,
	})
	require.NoError(t, err)
	require.NotNil(t, outcome.Plan)

	first := client.requests[0]
	assert.Equal(t, "existing system prompt", first.Messages[0].Content)
	assert.Equal(t, "Answers: use the orders endpoint", first.Messages[3].Content)
}
