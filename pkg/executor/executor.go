// Package executor runs the approved plan task by task in the working
// copy, formats the result, and lands it as a commit, push, and merge
// request.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"daiv/pkg/agent"
	"daiv/pkg/config"
	"daiv/pkg/llm"
	"daiv/pkg/logx"
	"daiv/pkg/platform"
	"daiv/pkg/prompts"
	"daiv/pkg/proto"
	"daiv/pkg/sandbox"
	"daiv/pkg/store"
	"daiv/pkg/tools"
	"daiv/pkg/workspace"
)

// consecutiveFailureLimit aborts a task after this many tool failures in a
// row. The run itself only aborts when no task succeeded.
const consecutiveFailureLimit = 3

// maxContextFileBytes bounds how much of each declared context file is
// inlined into the task message.
const maxContextFileBytes = 32 * 1024

// errTaskAbandoned signals the per-task failure limit; it never escapes Run.
var errTaskAbandoned = errors.New("task abandoned after repeated tool failures")

// ChangeLog accumulates the file changes the mutation tools report during
// execution. Safe for concurrent use.
type ChangeLog struct {
	mu      sync.Mutex
	changes []proto.FileChange
}

// Record appends one applied change. Wired as tools.FSContext.Record.
func (l *ChangeLog) Record(change proto.FileChange) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.changes = append(l.changes, change)
}

// List returns the coalesced pending working set: one change per path,
// deletes superseding creates and updates.
func (l *ChangeLog) List() []proto.FileChange {
	l.mu.Lock()
	defer l.mu.Unlock()
	return proto.CoalesceChanges(l.changes)
}

// TaskResult is the outcome of one plan task.
type TaskResult struct {
	Index  int
	Status proto.TaskStatus
	Note   string
}

// Outcome is the result of a full execution run.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Outcome struct {
	Commit       string
	Branch       string
	MergeRequest *platform.MergeRequest
	Tasks        []TaskResult
	Changes      []proto.FileChange
}

// Request carries everything one run needs. The orchestrator builds the
// provider bound to the workspace and wires the change log into it.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Request struct {
	Thread     *store.Thread
	Workspace  *workspace.Workspace
	RepoConfig *config.RepoConfig
	Provider   *tools.Provider
	Changes    *ChangeLog
	PromptData prompts.Data
	// OnTurn checkpoints the history after each assistant turn.
	OnTurn func(ctx context.Context, messages []llm.CompletionMessage) error
	// Todos is the run's scratchpad; the current list accompanies every
	// completion.
	Todos *tools.TodoState
}

// Executor drives plan execution.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Executor struct {
	client        llm.LLMClient
	describer     llm.LLMClient
	renderer      *prompts.Renderer
	platform      platform.Client
	sandbox       tools.SandboxRunner
	logger        *logx.Logger
	maxIterations int
}

// New creates an executor. describer is a small model used once per run
// for the commit message; sandbox may be nil when no format step exists.
func New(client, describer llm.LLMClient, renderer *prompts.Renderer, platformClient platform.Client, sandboxRunner tools.SandboxRunner, maxIterations int) *Executor {
	return &Executor{
		client:        client,
		describer:     describer,
		renderer:      renderer,
		platform:      platformClient,
		sandbox:       sandboxRunner,
		logger:        logx.NewLogger("executor"),
		maxIterations: maxIterations,
	}
}

// Run executes every task of the thread's approved plan, then formats,
// commits, pushes, and opens a merge request. It fails only when no task
// succeeded or landing the result fails.
func (e *Executor) Run(ctx context.Context, req *Request) (*Outcome, error) {
	plan := req.Thread.Plan
	if plan == nil {
		return nil, fmt.Errorf("thread %s has no approved plan", req.Thread.ThreadID)
	}

	system, err := e.renderer.Render(prompts.ExecutorSystemTemplate, &req.PromptData)
	if err != nil {
		return nil, err
	}
	messages := []llm.CompletionMessage{llm.NewSystemMessage(system)}

	outcome := &Outcome{}
	succeeded := 0
	for i := range plan.Tasks {
		result := e.runTask(ctx, req, &messages, i)
		outcome.Tasks = append(outcome.Tasks, result)
		plan.Tasks[i].Status = result.Status
		if result.Status == proto.TaskStatusCompleted {
			succeeded++
		} else {
			e.logger.Warn("task %d failed: %s", i, result.Note)
		}
	}
	if succeeded == 0 {
		return nil, fmt.Errorf("all %d tasks failed, aborting run", len(plan.Tasks))
	}

	outcome.Changes = req.Changes.List()
	if len(outcome.Changes) == 0 {
		return nil, fmt.Errorf("plan executed but produced no file changes")
	}

	e.formatStep(ctx, req)

	message := e.describeChanges(ctx, req, outcome.Changes)

	branch := BranchName(req.RepoConfig.PullRequest.BranchNameConvention, req.Thread.ThreadID)
	if err := req.Workspace.SwitchToWorkBranch(branch); err != nil {
		return nil, fmt.Errorf("switch to work branch %s: %w", branch, err)
	}
	commit, err := req.Workspace.Commit(message)
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	if err := req.Workspace.Push(ctx, branch); err != nil {
		return nil, fmt.Errorf("push %s: %w", branch, err)
	}
	outcome.Commit = commit
	outcome.Branch = branch

	target := req.Thread.TargetRef
	if target == "" {
		target = req.PromptData.DefaultBranch
	}
	title, description := splitCommitMessage(message)
	mr, err := e.platform.CreateMergeRequest(ctx, req.Thread.Repo, branch, target, title, description)
	if err != nil {
		return nil, fmt.Errorf("create merge request: %w", err)
	}
	outcome.MergeRequest = mr

	e.logger.Info("thread %s landed %s as %s (MR !%d)", req.Thread.ThreadID, commit[:8], branch, mr.ID)
	return outcome, nil
}

// runTask executes one plan task inside the shared conversation. The
// history grows across tasks so later tasks see earlier work.
func (e *Executor) runTask(ctx context.Context, req *Request, messages *[]llm.CompletionMessage, index int) TaskResult {
	task := &req.Thread.Plan.Tasks[index]
	*messages = append(*messages, llm.NewUserMessage(e.taskMessage(req, task, index)))

	before := len(req.Changes.List())
	loop := agent.NewLoop(e.client, req.Provider, nil, e.maxIterations, e.logger)

	consecutiveFailures := 0
	hooks := &agent.Hooks{
		OnTurn:      req.OnTurn,
		TurnContext: req.Todos.ContextMessage,
		OnToolResult: func(_ *llm.ToolCall, result any) error {
			if tools.IsErrorResult(result) {
				consecutiveFailures++
				if consecutiveFailures >= consecutiveFailureLimit {
					return errTaskAbandoned
				}
				return nil
			}
			consecutiveFailures = 0
			return nil
		},
	}

	result, err := loop.Run(ctx, *messages, hooks)
	var abort *agent.AbortError
	if errors.As(err, &abort) {
		*messages = abort.Messages
		return TaskResult{Index: index, Status: proto.TaskStatusFailed,
			Note: fmt.Sprintf("%d consecutive tool failures", consecutiveFailureLimit)}
	}
	if err != nil {
		return TaskResult{Index: index, Status: proto.TaskStatusFailed, Note: err.Error()}
	}
	*messages = result.Messages
	if result.HitLimit {
		return TaskResult{Index: index, Status: proto.TaskStatusFailed, Note: "iteration budget exhausted"}
	}

	// Declared changes the task never made get one explicit follow-up.
	if missing := e.missingSubChanges(task, req.Changes); len(missing) > 0 {
		*messages = append(*messages, llm.NewUserMessage(
			"The task declared changes to these files but none were made: "+
				strings.Join(missing, ", ")+
				". Make the changes now, or state in a plain message why they are no longer needed."))
		followUp, err := loop.Run(ctx, *messages, hooks)
		if err == nil {
			*messages = followUp.Messages
		}
	}

	note := ""
	if len(req.Changes.List()) == before {
		note = "no file changes recorded"
	}
	return TaskResult{Index: index, Status: proto.TaskStatusCompleted, Note: note}
}

// taskMessage composes the per-task user message with declared context
// files inlined.
func (e *Executor) taskMessage(req *Request, task *proto.Task, index int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %d of %d: %s\n", index+1, len(req.Thread.Plan.Tasks), task.Intent)

	if len(task.SubChanges) > 0 {
		b.WriteString("\nDeclared changes:\n")
		for i := range task.SubChanges {
			fmt.Fprintf(&b, "- %s: %s\n", task.SubChanges[i].Path, task.SubChanges[i].Reason)
		}
	}

	for _, rel := range task.ContextFiles {
		if req.RepoConfig.IsExcluded(rel) || req.RepoConfig.IsContentOmitted(rel) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(req.Workspace.Path, filepath.FromSlash(rel)))
		if err != nil {
			fmt.Fprintf(&b, "\nContext file %s could not be read: %v\n", rel, err)
			continue
		}
		if len(data) > maxContextFileBytes {
			data = data[:maxContextFileBytes]
		}
		fmt.Fprintf(&b, "\nContext file %s:\n```\n%s\n```\n", rel, string(data))
	}
	return b.String()
}

func (e *Executor) missingSubChanges(task *proto.Task, log *ChangeLog) []string {
	made := make(map[string]bool)
	for _, change := range log.List() {
		made[change.Path] = true
		if change.PrevPath != "" {
			made[change.PrevPath] = true
		}
	}
	var missing []string
	for i := range task.SubChanges {
		if !made[task.SubChanges[i].Path] {
			missing = append(missing, task.SubChanges[i].Path)
		}
	}
	return missing
}

// formatStep runs the repository's configured format commands in the
// sandbox once, best-effort. A failure is reported on the thread but the
// commit proceeds with the unformatted result, and the step is never
// retried.
func (e *Executor) formatStep(ctx context.Context, req *Request) {
	cfg := req.RepoConfig.Sandbox
	if e.sandbox == nil || len(cfg.FormatCode) == 0 {
		return
	}

	archive, err := req.Workspace.Archive()
	if err != nil {
		e.warnFormatFailure(ctx, req, fmt.Errorf("archive failed: %w", err))
		return
	}
	resp, err := e.sandbox.Run(ctx, &sandbox.RunRequest{
		BaseImage:    cfg.BaseImage,
		Commands:     cfg.FormatCode,
		Archive:      archive,
		ExtractPatch: true,
	})
	if err != nil {
		e.warnFormatFailure(ctx, req, err)
		return
	}
	for _, result := range resp.Results {
		if result.ExitCode != 0 {
			e.warnFormatFailure(ctx, req, fmt.Errorf("%q exited %d", result.Command, result.ExitCode))
			return
		}
	}
	if resp.Patch == "" {
		return
	}
	if err := req.Workspace.ApplyPatch(ctx, resp.Patch); err != nil {
		e.warnFormatFailure(ctx, req, fmt.Errorf("format patch rejected: %w", err))
	}
}

// warnFormatFailure posts the format failure on the thread's surface so
// the reviewer knows the commit landed unformatted.
func (e *Executor) warnFormatFailure(ctx context.Context, req *Request, cause error) {
	e.logger.Warn("format step failed for %s: %v", req.Thread.ThreadID, cause)
	body := fmt.Sprintf("The code formatting step failed (%v). Committing the changes unformatted.", cause)

	var err error
	if req.Thread.MergeRequestID != 0 {
		_, err = e.platform.CreateMergeRequestComment(ctx, req.Thread.Repo, req.Thread.MergeRequestID, body)
	} else {
		_, err = e.platform.CreateIssueComment(ctx, req.Thread.Repo, req.Thread.IssueID, body)
	}
	if err != nil {
		e.logger.Warn("failed to post format warning for %s: %v", req.Thread.ThreadID, err)
	}
}

// describeChanges asks the describer model for a commit message, falling
// back to the plan goal when the call fails.
func (e *Executor) describeChanges(ctx context.Context, req *Request, changes []proto.FileChange) string {
	prompt, err := e.renderer.Render(prompts.DescribeChangeTemplate, &prompts.Data{
		Repo:    req.Thread.Repo,
		Plan:    req.Thread.Plan,
		Changes: changes,
	})
	if err == nil {
		resp, cerr := e.describer.Complete(ctx, llm.CompletionRequest{
			Messages:    []llm.CompletionMessage{llm.NewUserMessage(prompt)},
			MaxTokens:   512,
			Temperature: llm.TemperatureDeterministic,
		})
		if cerr == nil && strings.TrimSpace(resp.Content) != "" {
			return strings.TrimSpace(resp.Content)
		}
		err = cerr
	}
	e.logger.Warn("describer unavailable, using plan goal: %v", err)
	return req.Thread.Plan.Goal
}

// BranchName renders the repository's branch naming convention. "{thread}"
// expands to the sanitized thread id; the default convention is
// "daiv/{thread}".
func BranchName(convention, threadID string) string {
	if convention == "" {
		convention = "daiv/{thread}"
	}
	return strings.ReplaceAll(convention, "{thread}", proto.SanitizeThreadID(threadID))
}

func splitCommitMessage(message string) (title, body string) {
	parts := strings.SplitN(message, "\n", 2)
	title = strings.TrimSpace(parts[0])
	if len(parts) == 2 {
		body = strings.TrimSpace(parts[1])
	}
	return title, body
}
