// Package addressor holds the two orchestrators that turn platform events
// into agent runs: the issue addressor (new issues carrying the trigger
// prefix or label) and the review addressor (bot mentions on merge
// requests). Both route through the dispatcher so one thread never runs
// twice concurrently, and both persist progress through the store.
package addressor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"daiv/pkg/agent"
	"daiv/pkg/config"
	"daiv/pkg/dispatch"
	"daiv/pkg/gate"
	"daiv/pkg/llm"
	"daiv/pkg/logx"
	"daiv/pkg/platform"
	"daiv/pkg/prompts"
	"daiv/pkg/proto"
	"daiv/pkg/store"
	"daiv/pkg/tools"
	"daiv/pkg/webhook"
	"daiv/pkg/workspace"
)

// Issue trigger markers. An issue is addressed when its title starts with
// the prefix or it carries the label.
const (
	TitlePrefix  = "DAIV:"
	TriggerLabel = "daiv"
)

// HelpToken posts usage instructions without touching the gate.
const HelpToken = "/daiv help"

const helpText = "I plan and execute code changes from issues and review comments.\n\n" +
	"- `" + gate.ApproveToken + "` — approve the posted plan and start execution\n" +
	"- `" + gate.ReviseToken + "` — reject the plan; describe what to change in the same comment\n" +
	"- `" + HelpToken + "` — show this message\n\n" +
	"Free-form replies work too: I classify them as approval, revision, or a question."

// leaseTTL bounds how long one process holds a thread before another may
// take over after a crash.
const leaseTTL = 10 * time.Minute

// defaultBranchFallback is used until the repo's .daiv.yml names one.
const defaultBranchFallback = "main"

// Clients groups the per-role LLM chains.
type Clients struct {
	Planner    llm.LLMClient
	Executor   llm.LLMClient
	Classifier llm.LLMClient
	Describer  llm.LLMClient
	Replier    llm.LLMClient
}

// Addressor routes webhook events into agent runs.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Addressor struct {
	cfg        *config.Config
	store      *store.Store
	platform   platform.Client
	workspaces *workspace.Manager
	gate       *gate.Gate
	renderer   *prompts.Renderer
	dispatcher *dispatch.Dispatcher
	clients    Clients
	sandbox    tools.SandboxRunner
	search     tools.SearchProvider
	logger     *logx.Logger
	// holder identifies this process in the lease table.
	holder string
}

// New wires an addressor. sandboxRunner and search may be nil when the
// corresponding service is not configured; the bash, format, and
// web_search capabilities are then absent.
func New(cfg *config.Config, st *store.Store, platformClient platform.Client, workspaces *workspace.Manager, g *gate.Gate, renderer *prompts.Renderer, dispatcher *dispatch.Dispatcher, clients Clients, sandboxRunner tools.SandboxRunner, search tools.SearchProvider) *Addressor {
	return &Addressor{
		cfg:        cfg,
		store:      st,
		platform:   platformClient,
		workspaces: workspaces,
		gate:       g,
		renderer:   renderer,
		dispatcher: dispatcher,
		clients:    clients,
		sandbox:    sandboxRunner,
		search:     search,
		logger:     logx.NewLogger("addressor"),
		holder:     proto.GenerateCorrelationID(),
	}
}

// HandleEvent implements webhook.Sink. It only routes; all real work runs
// on the thread's dispatcher worker.
func (a *Addressor) HandleEvent(_ context.Context, event *webhook.Event) {
	if event.Author != "" && event.Author == a.platform.BotUsername() {
		a.logger.Debug("ignoring self-generated event on %s", event.Repo)
		return
	}

	switch event.Kind {
	case webhook.EventIssueOpened, webhook.EventIssueUpdated:
		if !addressesIssue(event) {
			return
		}
		a.submit(issueThreadID(event.Repo, event.IssueID), event, a.runIssue)
	case webhook.EventIssueClosed:
		// Interrupt any in-flight run first; the cancel job would otherwise
		// queue behind it and the agent would keep working a closed issue.
		threadID := issueThreadID(event.Repo, event.IssueID)
		a.dispatcher.Cancel(threadID)
		a.submit(threadID, event, a.runCancel)
	case webhook.EventCommentCreated:
		switch {
		case event.IssueID != 0:
			a.submit(issueThreadID(event.Repo, event.IssueID), event, a.runIssueComment)
		case event.MergeRequestID != 0 && a.mentionsBot(event.Body):
			a.submit(mrThreadID(event.Repo, event.MergeRequestID), event, a.runReviewComment)
		}
	case webhook.EventMergeRequestClosed:
		threadID := mrThreadID(event.Repo, event.MergeRequestID)
		a.dispatcher.Cancel(threadID)
		a.submit(threadID, event, a.runCancel)
	}
}

type eventHandler func(ctx context.Context, threadID string, event *webhook.Event)

// submit hands the event to the thread's worker under the store lease.
func (a *Addressor) submit(threadID string, event *webhook.Event, handler eventHandler) {
	err := a.dispatcher.Submit(threadID, func(ctx context.Context) {
		acquired, err := a.store.AcquireLease(ctx, threadID, a.holder, leaseTTL)
		if err != nil {
			a.logger.Error("lease check for %s failed: %v", threadID, err)
			return
		}
		if !acquired {
			a.logger.Info("thread %s is held elsewhere, skipping event", threadID)
			return
		}
		defer func() {
			if err := a.store.ReleaseLease(context.WithoutCancel(ctx), threadID, a.holder); err != nil {
				a.logger.Warn("failed to release lease %s: %v", threadID, err)
			}
		}()
		handler(ctx, threadID, event)
	})
	if err != nil {
		a.logger.Warn("dropped %s event for %s: %v", event.Kind, threadID, err)
	}
}

// addressesIssue reports whether the issue opts into the service.
func addressesIssue(event *webhook.Event) bool {
	if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(event.Title)), TitlePrefix) {
		return true
	}
	for _, label := range event.Labels {
		if strings.EqualFold(label, TriggerLabel) {
			return true
		}
	}
	return false
}

func issueThreadID(repo string, id int) string {
	return proto.ThreadIDFor(repo, fmt.Sprintf("issue-%d", id))
}

func mrThreadID(repo string, id int) string {
	return proto.ThreadIDFor(repo, fmt.Sprintf("mr-%d", id))
}

func (a *Addressor) mentionsBot(body string) bool {
	return strings.Contains(strings.ToLower(body), "@"+strings.ToLower(a.platform.BotUsername()))
}

// runCancel terminates the thread when its issue or MR closes. Unknown
// threads are a no-op: most closed issues never involved us.
func (a *Addressor) runCancel(ctx context.Context, threadID string, _ *webhook.Event) {
	if _, err := a.store.GetThread(ctx, threadID); err != nil {
		return
	}
	if err := a.gate.Cancel(ctx, threadID); err != nil {
		a.logger.Warn("cancel of %s failed: %v", threadID, err)
	}
}

// runEnv is one acquired working copy with its parsed repo configuration.
type runEnv struct {
	ws      *workspace.Workspace
	repoCfg *config.RepoConfig
	data    prompts.Data
}

func (e *runEnv) release() { e.ws.Release() }

// acquireEnv locks a working copy at ref (or the repo's default branch),
// reads .daiv.yml and the context file, and assembles prompt data.
func (a *Addressor) acquireEnv(ctx context.Context, repo, ref string) (*runEnv, error) {
	cloneURL := a.platform.CloneURL(repo)

	branch := ref
	if branch == "" {
		branch = defaultBranchFallback
	}
	ws, err := a.workspaces.Acquire(ctx, cloneURL, repo, branch)
	if err != nil {
		return nil, fmt.Errorf("acquire working copy %s@%s: %w", repo, branch, err)
	}

	repoCfg, err := loadRepoConfig(ws.Path)
	if err != nil {
		ws.Release()
		return nil, err
	}

	// .daiv.yml may name a different default branch than our fallback;
	// re-acquire there so issue work targets the right base.
	if ref == "" && repoCfg.DefaultBranch != "" && repoCfg.DefaultBranch != branch {
		ws.Release()
		branch = repoCfg.DefaultBranch
		ws, err = a.workspaces.Acquire(ctx, cloneURL, repo, branch)
		if err != nil {
			return nil, fmt.Errorf("acquire working copy %s@%s: %w", repo, branch, err)
		}
	}

	data := prompts.Data{
		Repo:          repo,
		DefaultBranch: branch,
		Date:          time.Now().Format("2006-01-02"),
		BotUsername:   a.platform.BotUsername(),
	}
	if raw, err := os.ReadFile(filepath.Join(ws.Path, repoCfg.ContextFileName)); err == nil {
		data.AgentsContext = string(raw)
	}

	return &runEnv{ws: ws, repoCfg: repoCfg, data: data}, nil
}

func loadRepoConfig(root string) (*config.RepoConfig, error) {
	raw, err := os.ReadFile(filepath.Join(root, config.RepoConfigFileName))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read %s: %w", config.RepoConfigFileName, err)
	}
	repoCfg, err := config.ParseRepoConfig(raw)
	if err != nil {
		return nil, err
	}
	return repoCfg, nil
}

// checkpointer persists the message history and the todo scratchpad after
// every assistant turn so a crashed process resumes mid-conversation.
func (a *Addressor) checkpointer(threadID string, session *tools.SandboxSession, todos *tools.TodoState) func(ctx context.Context, messages []llm.CompletionMessage) error {
	return func(ctx context.Context, messages []llm.CompletionMessage) error {
		raw, err := agent.MarshalMessages(messages)
		if err != nil {
			return err
		}
		cp := &store.Checkpoint{ThreadID: threadID, MessagesJSON: raw}
		if session != nil {
			cp.SandboxSessionID = session.ID()
		}
		if err := a.store.SaveCheckpoint(ctx, cp); err != nil {
			return err
		}
		if todos != nil {
			list := todos.Get()
			if err := a.store.SaveThreadTodos(ctx, threadID, &list); err != nil {
				return err
			}
		}
		return nil
	}
}

// todoStateFor seeds a run's scratchpad from the thread's persisted list.
func (a *Addressor) todoStateFor(thread *store.Thread) *tools.TodoState {
	todos := tools.NewTodoState()
	if thread.Todos != nil {
		if err := todos.Replace(*thread.Todos); err != nil {
			a.logger.Warn("stored todos for %s are invalid, starting empty: %v", thread.ThreadID, err)
		}
	}
	return todos
}

// loadHistory restores the checkpointed conversation, trimming any turn
// the crash left without tool results. Missing checkpoints start fresh.
func (a *Addressor) loadHistory(ctx context.Context, threadID string) []llm.CompletionMessage {
	cp, err := a.store.LoadCheckpoint(ctx, threadID)
	if err != nil {
		return nil
	}
	messages, err := agent.UnmarshalMessages(cp.MessagesJSON)
	if err != nil {
		a.logger.Warn("checkpoint for %s is unreadable, starting fresh: %v", threadID, err)
		return nil
	}
	return messages
}

// postFailure comments a correlation id the operator can grep server logs
// for. The underlying error never reaches the platform. Cancellation is
// not a failure: the issue or MR closed under us, so nothing is posted.
func (a *Addressor) postFailure(ctx context.Context, thread *store.Thread, err error) {
	if errors.Is(err, context.Canceled) {
		a.logger.Info("thread %s interrupted: %v", thread.ThreadID, err)
		return
	}
	correlation := proto.GenerateCorrelationID()
	a.logger.Error("thread %s failed [%s]: %v", thread.ThreadID, correlation, err)

	body := fmt.Sprintf("Something went wrong while working on this. "+
		"If the problem persists, reference `%s` when reporting it.", correlation)
	if perr := a.postToThread(ctx, thread, body); perr != nil {
		a.logger.Warn("failed to post failure comment for %s: %v", thread.ThreadID, perr)
	}

	if serr := a.store.UpdateThreadState(ctx, thread.ThreadID, proto.ApprovalErrored); serr != nil {
		a.logger.Warn("failed to mark %s errored: %v", thread.ThreadID, serr)
	}
}

// postToThread comments on the thread's originating surface.
func (a *Addressor) postToThread(ctx context.Context, thread *store.Thread, body string) error {
	if thread.MergeRequestID != 0 {
		_, err := a.platform.CreateMergeRequestComment(ctx, thread.Repo, thread.MergeRequestID, body)
		return err
	}
	_, err := a.platform.CreateIssueComment(ctx, thread.Repo, thread.IssueID, body)
	return err
}
