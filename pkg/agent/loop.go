// Package agent runs the shared LLM tool loop used by the planner, the
// executor, and the review replier, with checkpointable message history.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"daiv/pkg/llm"
	"daiv/pkg/logx"
	"daiv/pkg/tools"
)

// identicalTurnLimit is how many consecutive turns with the same tool-call
// signature are tolerated before the loop injects a break message.
const identicalTurnLimit = 5

// TerminalCall is the tool call that ended a run, with its validated
// arguments.
type TerminalCall struct {
	Name string
	Args map[string]any
}

// Result is the outcome of one loop run.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Result struct {
	// Messages is the full history including this run's turns.
	Messages []llm.CompletionMessage
	// Terminal is set when a terminal tool ended the run.
	Terminal *TerminalCall
	// FinalText is the last assistant text when the run ended without a
	// terminal tool.
	FinalText string
	// HitLimit is true when the iteration budget ran out.
	HitLimit bool
}

// Hooks customize loop behavior per phase.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Hooks struct {
	// OnTurn is called after each assistant turn with the updated history,
	// before tool execution. Used to checkpoint.
	OnTurn func(ctx context.Context, messages []llm.CompletionMessage) error
	// OnToolResult observes each non-terminal tool result. Returning an
	// error aborts the run after the current turn's results are recorded;
	// the error surfaces from Run with the consistent history attached.
	OnToolResult func(call *llm.ToolCall, result any) error
	// TurnContext supplies extra system context recomputed before each
	// completion (the current todo list, for one). It rides along with the
	// request only and is never recorded in the history.
	TurnContext func() string
	// TextOnlyNudge is appended as a user message when the model produced
	// text without tool calls and no terminal has been reached. Empty means
	// text-only responses end the run.
	TextOnlyNudge string
}

// AbortError carries the history accumulated before a hook aborted the run.
type AbortError struct {
	Err      error
	Messages []llm.CompletionMessage
}

func (e *AbortError) Error() string { return e.Err.Error() }

func (e *AbortError) Unwrap() error { return e.Err }

// Loop drives completion/tool-execution turns until a terminal tool fires,
// the model stops calling tools, or the iteration budget runs out.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Loop struct {
	client        llm.LLMClient
	provider      *tools.Provider
	terminals     map[string]bool
	logger        *logx.Logger
	maxIterations int
	temperature   float32
	maxTokens     int
}

// NewLoop creates a loop. terminals names the tools that end a run;
// maxIterations bounds the number of completion turns.
func NewLoop(client llm.LLMClient, provider *tools.Provider, terminals []string, maxIterations int, logger *logx.Logger) *Loop {
	set := make(map[string]bool, len(terminals))
	for _, name := range terminals {
		set[name] = true
	}
	return &Loop{
		client:        client,
		provider:      provider,
		terminals:     set,
		logger:        logger,
		maxIterations: maxIterations,
		temperature:   llm.TemperatureDefault,
		maxTokens:     llm.DefaultMaxTokens,
	}
}

// Run executes the loop starting from the given history. The returned
// history always pairs every assistant tool call with a tool result.
func (l *Loop) Run(ctx context.Context, messages []llm.CompletionMessage, hooks *Hooks) (*Result, error) {
	if hooks == nil {
		hooks = &Hooks{}
	}

	var lastSignature string
	identicalTurns := 0

	for iteration := 0; iteration < l.maxIterations; iteration++ {
		request := messages
		if hooks.TurnContext != nil {
			if extra := hooks.TurnContext(); extra != "" {
				request = append(append([]llm.CompletionMessage{}, messages...), llm.NewSystemMessage(extra))
			}
		}
		resp, err := l.client.Complete(ctx, llm.CompletionRequest{
			Messages:    request,
			Tools:       l.provider.Definitions(),
			MaxTokens:   l.maxTokens,
			Temperature: l.temperature,
		})
		if err != nil {
			return nil, fmt.Errorf("completion turn %d: %w", iteration, err)
		}

		messages = append(messages, llm.NewAssistantMessage(resp.Content, resp.ToolCalls))
		if hooks.OnTurn != nil {
			if err := hooks.OnTurn(ctx, messages); err != nil {
				return nil, fmt.Errorf("checkpoint after turn %d: %w", iteration, err)
			}
		}

		if len(resp.ToolCalls) == 0 {
			if hooks.TextOnlyNudge == "" {
				return &Result{Messages: messages, FinalText: resp.Content}, nil
			}
			l.logger.Debug("text-only response, nudging")
			messages = append(messages, llm.NewUserMessage(hooks.TextOnlyNudge))
			continue
		}

		signature := turnSignature(resp.ToolCalls)
		if signature == lastSignature {
			identicalTurns++
		} else {
			lastSignature, identicalTurns = signature, 1
		}

		// A terminal call wins over every sibling in the same turn. Later
		// terminal calls in the slice do not override an earlier one.
		// Siblings still get a result message so every call stays paired.
		if terminal := l.firstTerminal(resp.ToolCalls); terminal != nil {
			result := l.provider.Execute(ctx, terminal.Name, terminal.Parameters)
			for i := range resp.ToolCalls {
				call := &resp.ToolCalls[i]
				if call == terminal {
					messages = append(messages, toolResultMessage(call, result))
					continue
				}
				messages = append(messages, toolResultMessage(call,
					tools.OkResult(fmt.Sprintf("skipped: superseded by %s", terminal.Name), nil)))
			}
			if tools.IsErrorResult(result) {
				// Invalid terminal arguments go back to the model.
				continue
			}
			return &Result{
				Messages: messages,
				Terminal: &TerminalCall{Name: terminal.Name, Args: terminal.Parameters},
			}, nil
		}

		var abort error
		for i := range resp.ToolCalls {
			call := &resp.ToolCalls[i]
			result := l.provider.Execute(ctx, call.Name, call.Parameters)
			messages = append(messages, toolResultMessage(call, result))
			if abort == nil && hooks.OnToolResult != nil {
				abort = hooks.OnToolResult(call, result)
			}
		}
		if abort != nil {
			return nil, &AbortError{Err: abort, Messages: messages}
		}

		if identicalTurns >= identicalTurnLimit {
			l.logger.Warn("loop detected after %d identical turns, injecting break", identicalTurns)
			messages = append(messages, llm.NewUserMessage(
				"You have repeated the same tool calls several times without progress. "+
					"Step back, reconsider the approach, and either try something different or finish."))
			lastSignature, identicalTurns = "", 0
		}
	}

	l.logger.Warn("iteration budget (%d) exhausted", l.maxIterations)
	return &Result{Messages: messages, HitLimit: true}, nil
}

func (l *Loop) firstTerminal(calls []llm.ToolCall) *llm.ToolCall {
	for i := range calls {
		if l.terminals[calls[i].Name] {
			return &calls[i]
		}
	}
	return nil
}

func toolResultMessage(call *llm.ToolCall, result any) llm.CompletionMessage {
	encoded, err := json.Marshal(result)
	if err != nil {
		encoded = []byte(fmt.Sprintf(`{"error":"unencodable tool result: %v"}`, err))
	}
	msg := llm.NewToolResultMessage(call.ID, string(encoded))
	msg.Content = fmt.Sprintf("[%s] %s", call.Name, msg.Content)
	return msg
}

// turnSignature canonicalizes a turn's tool calls for loop detection.
func turnSignature(calls []llm.ToolCall) string {
	parts := make([]string, 0, len(calls))
	for i := range calls {
		args, _ := json.Marshal(calls[i].Parameters)
		parts = append(parts, calls[i].Name+string(args))
	}
	sort.Strings(parts)
	return strings.Join(parts, "|")
}
