package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daiv/pkg/llm"
	"daiv/pkg/logx"
	"daiv/pkg/tools"
)

// scriptedClient replays a fixed sequence of responses.
type scriptedClient struct {
	responses []llm.CompletionResponse
	requests  []llm.CompletionRequest
}

func (s *scriptedClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	s.requests = append(s.requests, req)
	if len(s.requests) > len(s.responses) {
		return llm.CompletionResponse{Content: "done", StopReason: "end_turn"}, nil
	}
	return s.responses[len(s.requests)-1], nil
}

func (s *scriptedClient) GetModelName() string { return "scripted" }

// echoTool is a trivial read tool recording its invocations.
type echoTool struct{ calls int }

func (e *echoTool) Name() string                 { return "echo" }
func (e *echoTool) SideEffect() tools.SideEffect { return tools.SideEffectRead }
func (e *echoTool) Definition() tools.ToolDefinition {
	return tools.ToolDefinition{
		Name:        "echo",
		Description: "Echoes the input text.",
		InputSchema: tools.InputSchema{
			Type: "object",
			Properties: map[string]tools.Property{
				"text": {Type: "string", Description: "Text to echo."},
			},
			Required: []string{"text"},
		},
	}
}

func (e *echoTool) Exec(_ context.Context, args map[string]any) (any, error) {
	e.calls++
	return tools.OkResult(args["text"].(string), nil), nil
}

func newTestLoop(t *testing.T, client llm.LLMClient, maxIterations int) (*Loop, *echoTool) {
	t.Helper()
	echo := &echoTool{}
	provider, err := tools.NewProvider(
		[]tools.SideEffect{tools.SideEffectRead, tools.SideEffectControl},
		echo,
		tools.NewCompletePlanTool(nil),
	)
	require.NoError(t, err)
	loop := NewLoop(client, provider, []string{tools.ToolCompletePlan}, maxIterations, logx.NewLogger("test"))
	return loop, echo
}

func toolTurn(calls ...llm.ToolCall) llm.CompletionResponse {
	return llm.CompletionResponse{ToolCalls: calls, StopReason: "tool_use"}
}

func planArgs() map[string]any {
	return map[string]any{
		"goal": "do the thing",
		"tasks": []any{
			map[string]any{
				"intent":        "change it",
				"context_files": []any{"a.go"},
				"sub_changes":   []any{map[string]any{"path": "a.go", "reason": "fix"}},
			},
		},
	}
}

func TestLoopExecutesToolsThenTerminal(t *testing.T) {
	client := &scriptedClient{responses: []llm.CompletionResponse{
		toolTurn(llm.ToolCall{ID: "c1", Name: "echo", Parameters: map[string]any{"text": "hi"}}),
		toolTurn(llm.ToolCall{ID: "c2", Name: tools.ToolCompletePlan, Parameters: planArgs()}),
	}}
	loop, echo := newTestLoop(t, client, 10)

	result, err := loop.Run(context.Background(), []llm.CompletionMessage{llm.NewUserMessage("go")}, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Terminal)
	assert.Equal(t, tools.ToolCompletePlan, result.Terminal.Name)
	assert.Equal(t, 1, echo.calls)
	assert.Nil(t, ConsistentPrefixDiff(result.Messages))
}

// ConsistentPrefixDiff returns nil when the history is fully consistent.
func ConsistentPrefixDiff(messages []llm.CompletionMessage) []llm.CompletionMessage {
	prefix := ConsistentPrefix(messages)
	if len(prefix) == len(messages) {
		return nil
	}
	return messages[len(prefix):]
}

func TestLoopTerminalWinsOverSiblings(t *testing.T) {
	client := &scriptedClient{responses: []llm.CompletionResponse{
		toolTurn(
			llm.ToolCall{ID: "c1", Name: "echo", Parameters: map[string]any{"text": "hi"}},
			llm.ToolCall{ID: "c2", Name: tools.ToolCompletePlan, Parameters: planArgs()},
		),
	}}
	loop, echo := newTestLoop(t, client, 10)

	result, err := loop.Run(context.Background(), []llm.CompletionMessage{llm.NewUserMessage("go")}, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Terminal)
	// The sibling is skipped but still gets a paired result.
	assert.Zero(t, echo.calls)
	assert.Nil(t, ConsistentPrefixDiff(result.Messages))
}

func TestLoopInvalidTerminalArgsContinue(t *testing.T) {
	client := &scriptedClient{responses: []llm.CompletionResponse{
		toolTurn(llm.ToolCall{ID: "c1", Name: tools.ToolCompletePlan, Parameters: map[string]any{"goal": "x", "tasks": []any{}}}),
		toolTurn(llm.ToolCall{ID: "c2", Name: tools.ToolCompletePlan, Parameters: planArgs()}),
	}}
	loop, _ := newTestLoop(t, client, 10)

	result, err := loop.Run(context.Background(), []llm.CompletionMessage{llm.NewUserMessage("go")}, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Terminal)
	assert.Len(t, client.requests, 2)
}

func TestLoopTextOnlyEndsWithoutNudge(t *testing.T) {
	client := &scriptedClient{responses: []llm.CompletionResponse{
		{Content: "all done", StopReason: "end_turn"},
	}}
	loop, _ := newTestLoop(t, client, 10)

	result, err := loop.Run(context.Background(), []llm.CompletionMessage{llm.NewUserMessage("go")}, nil)
	require.NoError(t, err)
	assert.Nil(t, result.Terminal)
	assert.Equal(t, "all done", result.FinalText)
}

func TestLoopTextOnlyNudged(t *testing.T) {
	client := &scriptedClient{responses: []llm.CompletionResponse{
		{Content: "thinking about it", StopReason: "end_turn"},
		toolTurn(llm.ToolCall{ID: "c1", Name: tools.ToolCompletePlan, Parameters: planArgs()}),
	}}
	loop, _ := newTestLoop(t, client, 10)

	result, err := loop.Run(context.Background(), []llm.CompletionMessage{llm.NewUserMessage("go")},
		&Hooks{TextOnlyNudge: "Use a terminal tool to finish."})
	require.NoError(t, err)
	require.NotNil(t, result.Terminal)

	// The nudge landed in the history between the two turns.
	second := client.requests[1]
	assert.Equal(t, "Use a terminal tool to finish.", second.Messages[len(second.Messages)-1].Content)
}

func TestLoopHitsIterationLimit(t *testing.T) {
	client := &scriptedClient{responses: []llm.CompletionResponse{
		toolTurn(llm.ToolCall{ID: "c1", Name: "echo", Parameters: map[string]any{"text": "a"}}),
		toolTurn(llm.ToolCall{ID: "c2", Name: "echo", Parameters: map[string]any{"text": "b"}}),
	}}
	loop, _ := newTestLoop(t, client, 2)

	result, err := loop.Run(context.Background(), []llm.CompletionMessage{llm.NewUserMessage("go")}, nil)
	require.NoError(t, err)
	assert.True(t, result.HitLimit)
	assert.Nil(t, result.Terminal)
}

func TestLoopBreaksRepetition(t *testing.T) {
	same := func(id string) llm.CompletionResponse {
		return toolTurn(llm.ToolCall{ID: id, Name: "echo", Parameters: map[string]any{"text": "same"}})
	}
	client := &scriptedClient{responses: []llm.CompletionResponse{
		same("c1"), same("c2"), same("c3"), same("c4"), same("c5"),
		toolTurn(llm.ToolCall{ID: "c6", Name: tools.ToolCompletePlan, Parameters: planArgs()}),
	}}
	loop, _ := newTestLoop(t, client, 20)

	result, err := loop.Run(context.Background(), []llm.CompletionMessage{llm.NewUserMessage("go")}, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Terminal)

	// After five identical turns the break message was injected.
	sixth := client.requests[5]
	last := sixth.Messages[len(sixth.Messages)-1]
	assert.Equal(t, llm.RoleUser, last.Role)
	assert.Contains(t, last.Content, "repeated the same tool calls")
}

func TestLoopTurnContextRidesAlongWithoutEnteringHistory(t *testing.T) {
	client := &scriptedClient{responses: []llm.CompletionResponse{
		toolTurn(llm.ToolCall{ID: "c1", Name: "echo", Parameters: map[string]any{"text": "hi"}}),
		toolTurn(llm.ToolCall{ID: "c2", Name: tools.ToolCompletePlan, Parameters: planArgs()}),
	}}
	loop, _ := newTestLoop(t, client, 10)

	turn := 0
	result, err := loop.Run(context.Background(), []llm.CompletionMessage{llm.NewUserMessage("go")},
		&Hooks{TurnContext: func() string {
			turn++
			return "scratchpad state " + map[int]string{1: "one", 2: "two"}[turn]
		}})
	require.NoError(t, err)
	require.NotNil(t, result.Terminal)

	// Every request carries the freshly rendered context as its last
	// system message.
	for i, req := range client.requests {
		last := req.Messages[len(req.Messages)-1]
		assert.Equal(t, llm.RoleSystem, last.Role, "request %d", i)
		assert.Contains(t, last.Content, "scratchpad state")
	}
	assert.Contains(t, client.requests[1].Messages[len(client.requests[1].Messages)-1].Content, "two")

	// The recorded history never contains the ephemeral context.
	for _, msg := range result.Messages {
		assert.NotContains(t, msg.Content, "scratchpad state")
	}
}

func TestLoopCheckpointHookCalledEachTurn(t *testing.T) {
	client := &scriptedClient{responses: []llm.CompletionResponse{
		toolTurn(llm.ToolCall{ID: "c1", Name: "echo", Parameters: map[string]any{"text": "hi"}}),
		toolTurn(llm.ToolCall{ID: "c2", Name: tools.ToolCompletePlan, Parameters: planArgs()}),
	}}
	loop, _ := newTestLoop(t, client, 10)

	saves := 0
	_, err := loop.Run(context.Background(), []llm.CompletionMessage{llm.NewUserMessage("go")},
		&Hooks{OnTurn: func(context.Context, []llm.CompletionMessage) error {
			saves++
			return nil
		}})
	require.NoError(t, err)
	assert.Equal(t, 2, saves)
}
