package addressor

import (
	"context"
	"fmt"
	"io"
	"strings"

	"daiv/pkg/executor"
	"daiv/pkg/llm"
	"daiv/pkg/planner"
	"daiv/pkg/prompts"
	"daiv/pkg/proto"
	"daiv/pkg/store"
	"daiv/pkg/tools"
	"daiv/pkg/webhook"
)

// runIssue plans an addressed issue and suspends for approval. Issue
// updates while a plan is already posted or approved are ignored; the
// conversation continues through comments.
func (a *Addressor) runIssue(ctx context.Context, threadID string, event *webhook.Event) {
	issue, err := a.platform.GetIssue(ctx, event.Repo, event.IssueID)
	if err != nil {
		a.logger.Error("fetch issue %s#%d: %v", event.Repo, event.IssueID, err)
		return
	}
	if issue.State != "opened" {
		return
	}

	if thread, err := a.store.GetThread(ctx, threadID); err == nil {
		switch thread.State {
		case proto.ApprovalAwaiting, proto.ApprovalApproved, proto.ApprovalCancelled:
			a.logger.Debug("thread %s is %s, ignoring issue update", threadID, thread.State)
			return
		case proto.ApprovalRevise, proto.ApprovalErrored, proto.ApprovalPlanning:
			// Replanning below is the recovery path for all three; a thread
			// still in planning means a prior run crashed mid-plan.
		}
	}

	env, err := a.acquireEnv(ctx, event.Repo, "")
	if err != nil {
		a.logger.Error("prepare %s: %v", threadID, err)
		return
	}
	defer env.release()

	if !env.repoCfg.IssueAddressing.IsEnabled() {
		a.logger.Info("issue addressing disabled for %s", event.Repo)
		return
	}

	thread := &store.Thread{
		ThreadID:  threadID,
		Repo:      event.Repo,
		SourceRef: fmt.Sprintf("issue-%d", event.IssueID),
		TargetRef: env.data.DefaultBranch,
		Actor:     issue.Author,
		IssueID:   event.IssueID,
	}
	env.data.IssueTitle = issue.Title
	env.data.IssueBody = issue.Body

	// The thread row must exist before the planner's first checkpoint
	// references it.
	thread.State = proto.ApprovalPlanning
	if err := a.store.UpsertThread(ctx, thread); err != nil {
		a.logger.Error("create thread %s: %v", threadID, err)
		return
	}

	prompt := fmt.Sprintf("Issue #%d: %s\n\n%s",
		event.IssueID, strings.TrimSpace(strings.TrimPrefix(issue.Title, TitlePrefix)), issue.Body)
	a.plan(ctx, thread, env, prompt, nil)
}

// runIssueComment handles a comment on an issue we hold a thread for:
// quick actions, gate replies, and plan questions.
func (a *Addressor) runIssueComment(ctx context.Context, threadID string, event *webhook.Event) {
	thread, err := a.store.GetThread(ctx, threadID)
	if err != nil {
		// Not a thread of ours.
		return
	}
	a.handleGateReply(ctx, thread, event.Body)
}

// handleGateReply is the shared comment path for issue and MR threads
// whose plan awaits approval.
func (a *Addressor) handleGateReply(ctx context.Context, thread *store.Thread, body string) {
	trimmed := strings.ToLower(strings.TrimSpace(body))
	if strings.HasPrefix(trimmed, HelpToken) {
		if err := a.postToThread(ctx, thread, helpText); err != nil {
			a.logger.Warn("failed to post help on %s: %v", thread.ThreadID, err)
		}
		return
	}

	if thread.State != proto.ApprovalAwaiting {
		a.logger.Debug("thread %s is %s, ignoring comment", thread.ThreadID, thread.State)
		return
	}

	verdict, err := a.gate.Resume(ctx, thread.ThreadID, body)
	if err != nil {
		a.logger.Error("resume %s: %v", thread.ThreadID, err)
		return
	}

	switch verdict {
	case proto.VerdictApprove:
		thread.State = proto.ApprovalApproved
		a.execute(ctx, thread)
	case proto.VerdictRevise:
		thread.State = proto.ApprovalRevise
		a.replan(ctx, thread, body)
	case proto.VerdictAsk:
		a.answerPlanQuestion(ctx, thread, body)
	}
}

// plan runs the planner and suspends at the gate. history resumes a prior
// conversation; nil starts fresh.
func (a *Addressor) plan(ctx context.Context, thread *store.Thread, env *runEnv, prompt string, history []llm.CompletionMessage) {
	todos := a.todoStateFor(thread)
	provider, err := a.plannerProvider(env, todos)
	if err != nil {
		a.logger.Error("planner tools for %s: %v", thread.ThreadID, err)
		return
	}

	p := planner.New(a.clients.Planner, provider, a.renderer, a.cfg.Limits.PlanningRecursion)
	outcome, err := p.Run(ctx, &planner.Request{
		Prompt:     prompt,
		History:    history,
		PromptData: env.data,
		Todos:      todos,
		OnTurn:     a.checkpointer(thread.ThreadID, nil, todos),
	})
	if err != nil {
		a.postFailure(ctx, thread, err)
		return
	}

	post := func(ctx context.Context, body string) error {
		return a.postToThread(ctx, thread, body)
	}
	if outcome.Plan != nil {
		err = a.gate.Suspend(ctx, thread, outcome.Plan, post)
	} else {
		err = a.gate.AskQuestions(ctx, thread, outcome.Questions, post)
	}
	if err != nil {
		a.postFailure(ctx, thread, err)
	}
}

// replan re-enters planning with the user's revision feedback appended to
// the checkpointed conversation.
func (a *Addressor) replan(ctx context.Context, thread *store.Thread, feedback string) {
	env, err := a.acquireEnv(ctx, thread.Repo, planningRef(thread))
	if err != nil {
		a.postFailure(ctx, thread, err)
		return
	}
	defer env.release()

	history := a.loadHistory(ctx, thread.ThreadID)
	prompt := "The plan was rejected with this feedback:\n\n" + feedback +
		"\n\nProduce a revised plan that addresses it."
	if thread.Plan == nil {
		// No plan was ever posted; the thread suspended on clarification
		// questions and this reply answers them.
		prompt = "Answers to the clarification questions:\n\n" + feedback +
			"\n\nProduce a plan using them."
	}
	a.plan(ctx, thread, env, prompt, history)
}

// answerPlanQuestion replies to a question about the posted plan without
// leaving the awaiting state.
func (a *Addressor) answerPlanQuestion(ctx context.Context, thread *store.Thread, question string) {
	system, err := a.renderer.Render(prompts.ReplySystemTemplate, &prompts.Data{
		Repo:        thread.Repo,
		Plan:        thread.Plan,
		BotUsername: a.platform.BotUsername(),
	})
	if err != nil {
		a.logger.Error("render reply prompt: %v", err)
		return
	}
	resp, err := a.clients.Replier.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.CompletionMessage{
			llm.NewSystemMessage(system),
			llm.NewUserMessage(question),
		},
		MaxTokens:   llm.DefaultMaxTokens,
		Temperature: llm.TemperatureDefault,
	})
	if err != nil {
		a.logger.Error("plan question reply for %s: %v", thread.ThreadID, err)
		return
	}
	if err := a.postToThread(ctx, thread, resp.Content); err != nil {
		a.logger.Warn("failed to post reply on %s: %v", thread.ThreadID, err)
	}
}

// execute runs the approved plan and reports the merge request.
func (a *Addressor) execute(ctx context.Context, thread *store.Thread) {
	env, err := a.acquireEnv(ctx, thread.Repo, thread.TargetRef)
	if err != nil {
		a.postFailure(ctx, thread, err)
		return
	}
	defer env.release()

	changes := &executor.ChangeLog{}
	session := tools.NewSandboxSession()
	if cp, err := a.store.LoadCheckpoint(ctx, thread.ThreadID); err == nil && cp.SandboxSessionID != "" {
		session.Restore(cp.SandboxSessionID)
	}

	todos := a.todoStateFor(thread)
	provider, err := a.executorProvider(ctx, env, changes, session, todos)
	if err != nil {
		a.postFailure(ctx, thread, err)
		return
	}

	exec := executor.New(a.clients.Executor, a.clients.Describer, a.renderer,
		a.platform, a.sandbox, a.cfg.Limits.ExecutionRecursion)
	outcome, err := exec.Run(ctx, &executor.Request{
		Thread:     thread,
		Workspace:  env.ws,
		RepoConfig: env.repoCfg,
		Provider:   provider,
		Changes:    changes,
		PromptData: env.data,
		Todos:      todos,
		OnTurn:     a.checkpointer(thread.ThreadID, session, todos),
	})
	if err != nil {
		a.postFailure(ctx, thread, err)
		return
	}

	if err := a.store.AppendFileChanges(ctx, thread.ThreadID, outcome.Changes); err != nil {
		a.logger.Warn("failed to record changes for %s: %v", thread.ThreadID, err)
	}
	body := fmt.Sprintf("Done. Opened %s from `%s` (%d of %d tasks completed).",
		outcome.MergeRequest.WebURL, outcome.Branch, completedCount(outcome), len(outcome.Tasks))
	if err := a.postToThread(ctx, thread, body); err != nil {
		a.logger.Warn("failed to post result on %s: %v", thread.ThreadID, err)
	}

	// The thread is done; its resumable state has no further use.
	if err := a.store.DeleteCheckpoint(ctx, thread.ThreadID); err != nil {
		a.logger.Warn("failed to drop checkpoint for %s: %v", thread.ThreadID, err)
	}
	a.logger.Info("thread %s completed: %s", thread.ThreadID, outcome.MergeRequest.WebURL)
}

func completedCount(outcome *executor.Outcome) int {
	n := 0
	for _, task := range outcome.Tasks {
		if task.Status == proto.TaskStatusCompleted {
			n++
		}
	}
	return n
}

// planningRef is the ref planning happens against: the MR source branch
// for review threads, the default branch (resolved later) for issues.
func planningRef(thread *store.Thread) string {
	if thread.MergeRequestID != 0 {
		return thread.TargetRef
	}
	return ""
}

// plannerProvider admits read, control, and external fetch tools only.
func (a *Addressor) plannerProvider(env *runEnv, todos *tools.TodoState) (*tools.Provider, error) {
	fsctx := &tools.FSContext{Root: env.ws.Path, Repo: env.repoCfg}
	pctx := &tools.PlatformContext{Client: a.platform, Repo: env.data.Repo}
	instances := []tools.Tool{
		tools.NewGlobTool(fsctx),
		tools.NewGrepTool(fsctx),
		tools.NewLsTool(fsctx),
		tools.NewReadTool(fsctx),
		tools.NewTodoWriteTool(todos),
		tools.NewCompletePlanTool(fsctx),
		tools.NewAskForClarificationTool(),
		tools.NewGetPipelineTool(pctx),
		tools.NewGetJobLogTool(pctx),
		tools.NewGetMergeRequestTool(pctx),
		tools.NewGetIssueTool(pctx),
	}
	if a.search != nil {
		instances = append(instances, tools.NewWebSearchTool(a.search))
	}
	return tools.NewProvider(
		[]tools.SideEffect{tools.SideEffectRead, tools.SideEffectControl, tools.SideEffectExternal},
		instances...,
	)
}

// executorProvider adds mutation tools and, when a sandbox is configured,
// bash. The change log observes every applied mutation.
func (a *Addressor) executorProvider(ctx context.Context, env *runEnv, changes *executor.ChangeLog, session *tools.SandboxSession, todos *tools.TodoState) (*tools.Provider, error) {
	fsctx := &tools.FSContext{Root: env.ws.Path, Repo: env.repoCfg, Record: changes.Record}
	pctx := &tools.PlatformContext{Client: a.platform, Repo: env.data.Repo}

	instances := []tools.Tool{
		tools.NewGlobTool(fsctx),
		tools.NewGrepTool(fsctx),
		tools.NewLsTool(fsctx),
		tools.NewReadTool(fsctx),
		tools.NewWriteTool(fsctx),
		tools.NewEditTool(fsctx),
		tools.NewDeleteTool(fsctx),
		tools.NewRenameTool(fsctx),
		tools.NewTodoWriteTool(todos),
		tools.NewGetPipelineTool(pctx),
		tools.NewGetJobLogTool(pctx),
	}
	if a.sandbox != nil && env.repoCfg.Sandbox.BaseImage != "" {
		ws := env.ws
		instances = append(instances, tools.NewBashTool(a.sandbox, session, env.repoCfg.Sandbox.BaseImage,
			func(context.Context) (io.Reader, error) { return ws.Archive() },
			func(patch string) error { return ws.ApplyPatch(ctx, patch) }))
	}
	if a.search != nil {
		instances = append(instances, tools.NewWebSearchTool(a.search))
	}
	return tools.NewProvider(
		[]tools.SideEffect{tools.SideEffectRead, tools.SideEffectMutate, tools.SideEffectControl, tools.SideEffectExternal},
		instances...,
	)
}
