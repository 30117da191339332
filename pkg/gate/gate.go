// Package gate implements the human-approval gate: suspend a thread after
// posting its plan, classify the human reply on resume, and drive the
// legal approval state transitions through the store.
package gate

import (
	"context"
	"fmt"
	"strings"

	"daiv/pkg/llm"
	"daiv/pkg/logx"
	"daiv/pkg/prompts"
	"daiv/pkg/proto"
	"daiv/pkg/store"
)

// Quick-action tokens recognized without a classifier call.
const (
	ApproveToken = "/daiv approve"
	ReviseToken  = "/daiv revise"
)

// PostFunc delivers a rendered comment to the thread's platform surface
// (issue or merge request). The orchestrator supplies it.
type PostFunc func(ctx context.Context, body string) error

// Gate persists approval state and classifies replies.
type Gate struct {
	store      *store.Store
	classifier llm.LLMClient
	renderer   *prompts.Renderer
	logger     *logx.Logger
}

// New creates a gate. classifier is a small structured-output model.
func New(st *store.Store, classifier llm.LLMClient, renderer *prompts.Renderer) *Gate {
	return &Gate{
		store:      st,
		classifier: classifier,
		renderer:   renderer,
		logger:     logx.NewLogger("gate"),
	}
}

// Suspend records the plan, posts it for review, and parks the thread in
// awaiting. The plan is immutable from here; a revision produces a new one.
func (g *Gate) Suspend(ctx context.Context, thread *store.Thread, plan *proto.Plan, post PostFunc) error {
	if err := plan.Validate(); err != nil {
		return fmt.Errorf("refusing to suspend on invalid plan: %w", err)
	}

	thread.Plan = plan
	thread.Questions = nil
	thread.State = proto.ApprovalAwaiting
	if err := g.store.UpsertThread(ctx, thread); err != nil {
		return err
	}

	body, err := g.renderer.Render(prompts.PlanCommentTemplate, &prompts.Data{Plan: plan})
	if err != nil {
		return err
	}
	if err := post(ctx, body); err != nil {
		return fmt.Errorf("failed to post plan for approval: %w", err)
	}
	g.logger.Info("thread %s suspended awaiting approval", thread.ThreadID)
	return nil
}

// AskQuestions posts clarification questions and parks the thread in
// awaiting, same as a plan suspension but without a plan.
func (g *Gate) AskQuestions(ctx context.Context, thread *store.Thread, questions *proto.Questions, post PostFunc) error {
	if err := questions.Validate(); err != nil {
		return fmt.Errorf("refusing to suspend on invalid questions: %w", err)
	}

	thread.Questions = questions
	thread.State = proto.ApprovalAwaiting
	if err := g.store.UpsertThread(ctx, thread); err != nil {
		return err
	}

	body, err := g.renderer.Render(prompts.QuestionsCommentTemplate, &prompts.Data{Questions: questions.Questions})
	if err != nil {
		return err
	}
	if err := post(ctx, body); err != nil {
		return fmt.Errorf("failed to post questions: %w", err)
	}
	return nil
}

// Classify turns a human reply into a verdict. The explicit quick-action
// tokens bypass the model; everything else is classified, with ambiguity
// defaulting to ask.
func (g *Gate) Classify(ctx context.Context, reply string) (proto.ReplyVerdict, error) {
	trimmed := strings.ToLower(strings.TrimSpace(reply))
	if strings.HasPrefix(trimmed, ApproveToken) {
		return proto.VerdictApprove, nil
	}
	if strings.HasPrefix(trimmed, ReviseToken) {
		return proto.VerdictRevise, nil
	}

	prompt, err := g.renderer.Render(prompts.ClassifyReplyTemplate, &prompts.Data{Comment: reply})
	if err != nil {
		return proto.VerdictAsk, err
	}
	resp, err := g.classifier.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.CompletionMessage{llm.NewUserMessage(prompt)},
		MaxTokens:   16,
		Temperature: llm.TemperatureDeterministic,
	})
	if err != nil {
		return proto.VerdictAsk, fmt.Errorf("reply classification: %w", err)
	}

	verdict := proto.ParseReplyVerdict(strings.ToLower(strings.TrimSpace(resp.Content)))
	g.logger.Debug("classified reply as %s", verdict)
	return verdict, nil
}

// Resume applies a verdict to a suspended thread and returns the verdict.
// Approve transitions to approved; revise to revise; ask leaves the thread
// awaiting.
func (g *Gate) Resume(ctx context.Context, threadID, reply string) (proto.ReplyVerdict, error) {
	thread, err := g.store.GetThread(ctx, threadID)
	if err != nil {
		return "", err
	}
	if thread.State != proto.ApprovalAwaiting {
		return "", fmt.Errorf("thread %s is %s, not awaiting approval", threadID, thread.State)
	}

	// A thread suspended on clarification questions has no plan to approve.
	// Whatever the reply says, it is input for planning, not a verdict.
	if thread.Plan == nil {
		if err := g.store.UpdateThreadState(ctx, threadID, proto.ApprovalRevise); err != nil {
			return "", err
		}
		return proto.VerdictRevise, nil
	}

	verdict, err := g.Classify(ctx, reply)
	if err != nil {
		return "", err
	}

	switch verdict {
	case proto.VerdictApprove:
		if err := g.store.UpdateThreadState(ctx, threadID, proto.ApprovalApproved); err != nil {
			return "", err
		}
	case proto.VerdictRevise:
		if err := g.store.UpdateThreadState(ctx, threadID, proto.ApprovalRevise); err != nil {
			return "", err
		}
	case proto.VerdictAsk:
		// Stays awaiting; the orchestrator answers the question.
	}
	return verdict, nil
}

// Cancel terminates a thread when its originating issue or MR closes.
// Cancellation is terminal and legal from every non-cancelled state.
func (g *Gate) Cancel(ctx context.Context, threadID string) error {
	if err := g.store.UpdateThreadState(ctx, threadID, proto.ApprovalCancelled); err != nil {
		return err
	}
	if err := g.store.DeleteCheckpoint(ctx, threadID); err != nil {
		return err
	}
	if err := g.store.ClearFileChanges(ctx, threadID); err != nil {
		return err
	}
	g.logger.Info("thread %s cancelled", threadID)
	return nil
}
