// Package planner runs the read-only planning phase: investigate the
// repository, then terminate with either a plan or clarification questions.
package planner

import (
	"context"
	"fmt"

	"daiv/pkg/agent"
	"daiv/pkg/llm"
	"daiv/pkg/logx"
	"daiv/pkg/prompts"
	"daiv/pkg/proto"
	"daiv/pkg/tools"
)

const textOnlyNudge = "Finish with a terminal tool: call complete_plan with your plan, " +
	"or ask_for_clarification if the request is too ambiguous."

// Outcome is the planner's terminal result: exactly one of Plan or
// Questions is set.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Outcome struct {
	Plan      *proto.Plan
	Questions *proto.Questions
	Messages  []llm.CompletionMessage
}

// Request describes one planning run.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Request struct {
	// Prompt is the user-facing request (issue body, review comment).
	Prompt string
	// History resumes a prior run; nil starts fresh from the system prompt.
	History []llm.CompletionMessage
	// PromptData fills the system prompt template on fresh runs.
	PromptData prompts.Data
	// OnTurn checkpoints the history after each assistant turn.
	OnTurn func(ctx context.Context, messages []llm.CompletionMessage) error
	// Todos is the run's scratchpad. The current list accompanies every
	// completion so the model sees its own tracked progress.
	Todos *tools.TodoState
}

// Planner drives the planning loop over a read-only tool provider.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Planner struct {
	client        llm.LLMClient
	provider      *tools.Provider
	renderer      *prompts.Renderer
	logger        *logx.Logger
	maxIterations int
}

// New creates a planner. The provider must admit read and control tools
// only; mutation tools are rejected at provider construction.
func New(client llm.LLMClient, provider *tools.Provider, renderer *prompts.Renderer, maxIterations int) *Planner {
	return &Planner{
		client:        client,
		provider:      provider,
		renderer:      renderer,
		logger:        logx.NewLogger("planner"),
		maxIterations: maxIterations,
	}
}

// Run executes the planning loop until a terminal tool fires. An exhausted
// iteration budget degrades to a clarification outcome rather than an
// error, so the user always gets a response they can act on.
func (p *Planner) Run(ctx context.Context, req *Request) (*Outcome, error) {
	messages := req.History
	if len(messages) == 0 {
		system, err := p.renderer.Render(prompts.PlannerSystemTemplate, &req.PromptData)
		if err != nil {
			return nil, err
		}
		messages = []llm.CompletionMessage{llm.NewSystemMessage(system)}
	}
	messages = append(messages, llm.NewUserMessage(req.Prompt))

	loop := agent.NewLoop(p.client, p.provider,
		[]string{tools.ToolCompletePlan, tools.ToolAskForClarification},
		p.maxIterations, p.logger)

	result, err := loop.Run(ctx, messages, &agent.Hooks{
		OnTurn:        req.OnTurn,
		TextOnlyNudge: textOnlyNudge,
		TurnContext:   req.Todos.ContextMessage,
	})
	if err != nil {
		return nil, fmt.Errorf("planning loop: %w", err)
	}

	if result.HitLimit {
		p.logger.Warn("planning budget exhausted, degrading to clarification")
		return &Outcome{
			Questions: &proto.Questions{Questions: []string{
				"I could not settle on a plan within my investigation budget. " +
					"Can you narrow the request or point me at the relevant files?",
			}},
			Messages: result.Messages,
		}, nil
	}

	switch result.Terminal.Name {
	case tools.ToolCompletePlan:
		plan, err := tools.ParsePlanArgs(result.Terminal.Args)
		if err != nil {
			return nil, fmt.Errorf("terminal plan failed validation: %w", err)
		}
		return &Outcome{Plan: plan, Messages: result.Messages}, nil
	case tools.ToolAskForClarification:
		questions, err := tools.ParseQuestionsArgs(result.Terminal.Args)
		if err != nil {
			return nil, fmt.Errorf("terminal questions failed validation: %w", err)
		}
		return &Outcome{Questions: questions, Messages: result.Messages}, nil
	default:
		return nil, fmt.Errorf("unexpected terminal tool %q", result.Terminal.Name)
	}
}
