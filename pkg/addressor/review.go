package addressor

import (
	"context"
	"fmt"
	"strings"

	"daiv/pkg/llm"
	"daiv/pkg/prompts"
	"daiv/pkg/proto"
	"daiv/pkg/store"
	"daiv/pkg/webhook"
)

// runReviewComment handles a bot mention on a merge request. A comment on
// a thread whose plan awaits approval is a gate reply; anything else is
// classified into a change request or a question.
func (a *Addressor) runReviewComment(ctx context.Context, threadID string, event *webhook.Event) {
	if thread, err := a.store.GetThread(ctx, threadID); err == nil && thread.State == proto.ApprovalAwaiting {
		a.handleGateReply(ctx, thread, event.Body)
		return
	}

	comment := a.stripMention(event.Body)
	kind, err := a.classifyComment(ctx, comment)
	if err != nil {
		a.logger.Error("classify review comment on %s: %v", threadID, err)
		return
	}

	mr, err := a.platform.GetMergeRequest(ctx, event.Repo, event.MergeRequestID)
	if err != nil {
		a.logger.Error("fetch MR %s!%d: %v", event.Repo, event.MergeRequestID, err)
		return
	}

	switch kind {
	case proto.CommentQuestion:
		a.answerReviewQuestion(ctx, event, mr.Title, mr.Description, comment)
	case proto.CommentRequestChanges:
		a.planReviewChange(ctx, threadID, event, mr.SourceBranch, comment)
	}
}

// classifyComment routes a mention into {request_changes, question} with a
// single small-model call. Ambiguity defaults to question, the cheap
// direction.
func (a *Addressor) classifyComment(ctx context.Context, comment string) (proto.CommentKind, error) {
	prompt, err := a.renderer.Render(prompts.ClassifyCommentTemplate, &prompts.Data{Comment: comment})
	if err != nil {
		return proto.CommentQuestion, err
	}
	resp, err := a.clients.Classifier.Complete(ctx, llm.CompletionRequest{
		Messages:    []llm.CompletionMessage{llm.NewUserMessage(prompt)},
		MaxTokens:   16,
		Temperature: llm.TemperatureDeterministic,
	})
	if err != nil {
		return proto.CommentQuestion, fmt.Errorf("comment classification: %w", err)
	}
	return proto.ParseCommentKind(strings.ToLower(strings.TrimSpace(resp.Content))), nil
}

// answerReviewQuestion replies in the comment's discussion without any
// planning. The reply model sees the MR title and description; deeper
// context is the planner's job, not the replier's.
func (a *Addressor) answerReviewQuestion(ctx context.Context, event *webhook.Event, title, description, question string) {
	system, err := a.renderer.Render(prompts.ReplySystemTemplate, &prompts.Data{
		Repo:        event.Repo,
		BotUsername: a.platform.BotUsername(),
	})
	if err != nil {
		a.logger.Error("render reply prompt: %v", err)
		return
	}
	user := fmt.Sprintf("Merge request !%d: %s\n\n%s\n\nQuestion: %s",
		event.MergeRequestID, title, description, question)

	resp, err := a.clients.Replier.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.CompletionMessage{
			llm.NewSystemMessage(system),
			llm.NewUserMessage(user),
		},
		MaxTokens:   llm.DefaultMaxTokens,
		Temperature: llm.TemperatureDefault,
	})
	if err != nil {
		a.logger.Error("review reply on %s!%d: %v", event.Repo, event.MergeRequestID, err)
		return
	}

	if event.DiscussionID != "" {
		_, err = a.platform.ReplyToDiscussion(ctx, event.Repo, event.MergeRequestID, event.DiscussionID, resp.Content)
	} else {
		_, err = a.platform.CreateMergeRequestComment(ctx, event.Repo, event.MergeRequestID, resp.Content)
	}
	if err != nil {
		a.logger.Warn("failed to post review reply: %v", err)
	}
}

// planReviewChange runs the planner against the MR's source branch; the
// eventual execution lands new commits on that same branch's MR flow.
func (a *Addressor) planReviewChange(ctx context.Context, threadID string, event *webhook.Event, sourceBranch, comment string) {
	env, err := a.acquireEnv(ctx, event.Repo, sourceBranch)
	if err != nil {
		a.logger.Error("prepare %s: %v", threadID, err)
		return
	}
	defer env.release()

	if !env.repoCfg.CodeReview.IsEnabled() {
		a.logger.Info("code review disabled for %s", event.Repo)
		return
	}

	thread := &store.Thread{
		ThreadID:       threadID,
		Repo:           event.Repo,
		SourceRef:      fmt.Sprintf("mr-%d", event.MergeRequestID),
		TargetRef:      sourceBranch,
		Actor:          event.Author,
		MergeRequestID: event.MergeRequestID,
		DiscussionID:   event.DiscussionID,
	}
	env.data.Comment = comment

	// The thread row must exist before the planner's first checkpoint
	// references it.
	thread.State = proto.ApprovalPlanning
	if err := a.store.UpsertThread(ctx, thread); err != nil {
		a.logger.Error("create thread %s: %v", threadID, err)
		return
	}

	prompt := fmt.Sprintf("A reviewer requested changes on merge request !%d (branch %s):\n\n%s",
		event.MergeRequestID, sourceBranch, comment)
	a.plan(ctx, thread, env, prompt, nil)
}

// stripMention removes the bot handle so prompts and classifiers see only
// the request itself.
func (a *Addressor) stripMention(body string) string {
	mention := "@" + a.platform.BotUsername()
	cleaned := strings.ReplaceAll(body, mention, "")
	cleaned = strings.ReplaceAll(cleaned, strings.ToLower(mention), "")
	return strings.TrimSpace(cleaned)
}
