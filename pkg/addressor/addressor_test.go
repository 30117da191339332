package addressor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daiv/pkg/config"
	"daiv/pkg/dispatch"
	"daiv/pkg/gate"
	"daiv/pkg/llm"
	"daiv/pkg/platform"
	"daiv/pkg/prompts"
	"daiv/pkg/proto"
	"daiv/pkg/store"
	"daiv/pkg/tools"
	"daiv/pkg/webhook"
	"daiv/pkg/workspace"
)

type scriptedClient struct {
	mu        sync.Mutex
	responses []llm.CompletionResponse
	requests  []llm.CompletionRequest
	calls     int
}

func (s *scriptedClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	s.requests = append(s.requests, req)
	if s.calls > len(s.responses) {
		return llm.CompletionResponse{Content: "done", StopReason: "end_turn"}, nil
	}
	return s.responses[s.calls-1], nil
}

func (s *scriptedClient) GetModelName() string { return "scripted" }

// fakePlatform is an in-memory platform that serves one issue and one MR
// and records every outbound call.
//
//nolint:govet // fieldalignment: test fixture
type fakePlatform struct {
	mu            sync.Mutex
	cloneDir      string
	issue         *platform.Issue
	mr            *platform.MergeRequest
	issueComments []string
	mrComments    []string
	replies       map[string][]string
	createdMRs    []*platform.MergeRequest
}

func (f *fakePlatform) GetIssue(context.Context, string, int) (*platform.Issue, error) {
	if f.issue == nil {
		return nil, fmt.Errorf("no such issue")
	}
	return f.issue, nil
}

func (f *fakePlatform) GetMergeRequest(context.Context, string, int) (*platform.MergeRequest, error) {
	if f.mr == nil {
		return nil, fmt.Errorf("no such merge request")
	}
	return f.mr, nil
}

func (f *fakePlatform) ListMergeRequestDiffs(context.Context, string, int) ([]platform.Diff, error) {
	return nil, nil
}

func (f *fakePlatform) CreateMergeRequest(_ context.Context, repo, source, target, title, description string) (*platform.MergeRequest, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mr := &platform.MergeRequest{
		ID: len(f.createdMRs) + 1, Title: title, Description: description,
		SourceBranch: source, TargetBranch: target,
		WebURL: fmt.Sprintf("https://example.com/%s/merge_requests/%d", repo, len(f.createdMRs)+1),
	}
	f.createdMRs = append(f.createdMRs, mr)
	return mr, nil
}

func (f *fakePlatform) CreateIssueComment(_ context.Context, _ string, _ int, body string) (*platform.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.issueComments = append(f.issueComments, body)
	return &platform.Comment{ID: len(f.issueComments)}, nil
}

func (f *fakePlatform) CreateMergeRequestComment(_ context.Context, _ string, _ int, body string) (*platform.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mrComments = append(f.mrComments, body)
	return &platform.Comment{ID: len(f.mrComments)}, nil
}

func (f *fakePlatform) CreateDiscussion(_ context.Context, _ string, _ int, body string) (*platform.Comment, error) {
	return f.CreateMergeRequestComment(context.Background(), "", 0, body)
}

func (f *fakePlatform) ReplyToDiscussion(_ context.Context, _ string, _ int, discussionID, body string) (*platform.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replies == nil {
		f.replies = make(map[string][]string)
	}
	f.replies[discussionID] = append(f.replies[discussionID], body)
	return &platform.Comment{DiscussionID: discussionID}, nil
}

func (f *fakePlatform) ResolveDiscussion(context.Context, string, int, string) error { return nil }

func (f *fakePlatform) GetPipeline(context.Context, string, string) (*platform.Pipeline, error) {
	return &platform.Pipeline{Status: "success"}, nil
}

func (f *fakePlatform) GetJobLog(context.Context, string, int) (string, error) { return "", nil }

func (f *fakePlatform) CloneURL(string) string { return f.cloneDir }

func (f *fakePlatform) BotUsername() string { return "daiv" }

func newOrigin(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInitWithOptions(dir, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.Main},
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# origin\n"), 0o644))
	worktree, err := repo.Worktree()
	require.NoError(t, err)
	_, err = worktree.Add("README.md")
	require.NoError(t, err)
	_, err = worktree.Commit("initial commit", &git.CommitOptions{
		Author: &object.Signature{Name: "tester", Email: "t@example.com", When: time.Now()},
	})
	require.NoError(t, err)
	return dir
}

//nolint:govet // fieldalignment: test fixture
type fixture struct {
	addressor  *Addressor
	store      *store.Store
	platform   *fakePlatform
	planner    *scriptedClient
	executor   *scriptedClient
	classifier *scriptedClient
	replier    *scriptedClient
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	origin := newOrigin(t)
	fp := &fakePlatform{
		cloneDir: origin,
		issue: &platform.Issue{
			ID: 7, Title: "DAIV: add a greeting", Body: "Please add hello.txt.",
			State: "opened", Author: "alice",
		},
		mr: &platform.MergeRequest{
			ID: 12, Title: "Add widgets", Description: "WIP",
			State: "opened", SourceBranch: "feature", TargetBranch: "main",
		},
	}

	st, err := store.Open(filepath.Join(t.TempDir(), "daiv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	renderer, err := prompts.NewRenderer()
	require.NoError(t, err)

	f := &fixture{
		store:      st,
		platform:   fp,
		planner:    &scriptedClient{},
		executor:   &scriptedClient{},
		classifier: &scriptedClient{},
		replier:    &scriptedClient{},
	}

	cfg := &config.Config{
		Debounce: time.Millisecond,
		Limits:   config.Limits{PlanningRecursion: 10, ExecutionRecursion: 10},
		Platform: config.Platform{Kind: "gitlab", BotUsername: "daiv"},
	}
	manager := workspace.NewManager(t.TempDir(), workspace.Identity{Name: "daiv", Email: "daiv@example.com"})
	g := gate.New(st, f.classifier, renderer)
	d := dispatch.NewDispatcher(cfg.Debounce)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.Shutdown(ctx)
	})

	f.addressor = New(cfg, st, fp, manager, g, renderer, d, Clients{
		Planner:    f.planner,
		Executor:   f.executor,
		Classifier: f.classifier,
		Describer:  f.replier,
		Replier:    f.replier,
	}, nil, nil)
	return f
}

func planCall() llm.CompletionResponse {
	return llm.CompletionResponse{
		ToolCalls: []llm.ToolCall{{
			ID: "c1", Name: tools.ToolCompletePlan,
			Parameters: map[string]any{
				"goal": "add a greeting",
				"tasks": []any{map[string]any{
					"intent":      "create hello.txt",
					"sub_changes": []any{map[string]any{"path": "hello.txt", "reason": "new file"}},
				}},
			},
		}},
		StopReason: "tool_use",
	}
}

func TestAddressesIssue(t *testing.T) {
	assert.True(t, addressesIssue(&webhook.Event{Title: "DAIV: fix the build"}))
	assert.True(t, addressesIssue(&webhook.Event{Title: "daiv: lowercase works too"}))
	assert.True(t, addressesIssue(&webhook.Event{Title: "unrelated", Labels: []string{"daiv"}}))
	assert.False(t, addressesIssue(&webhook.Event{Title: "just a bug", Labels: []string{"bug"}}))
}

func TestRunIssuePostsPlanAndSuspends(t *testing.T) {
	f := newFixture(t)
	f.planner.responses = []llm.CompletionResponse{planCall()}

	event := &webhook.Event{Kind: webhook.EventIssueOpened, Repo: "acme/widgets",
		IssueID: 7, Title: "DAIV: add a greeting", Author: "alice"}
	threadID := issueThreadID(event.Repo, event.IssueID)
	f.addressor.runIssue(context.Background(), threadID, event)

	require.Len(t, f.platform.issueComments, 1)
	assert.Contains(t, f.platform.issueComments[0], "add a greeting")
	assert.Contains(t, f.platform.issueComments[0], gate.ApproveToken)

	thread, err := f.store.GetThread(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, proto.ApprovalAwaiting, thread.State)
	require.NotNil(t, thread.Plan)
	assert.Equal(t, 7, thread.IssueID)

	// The conversation checkpoint landed against the persisted thread row.
	cp, err := f.store.LoadCheckpoint(context.Background(), threadID)
	require.NoError(t, err)
	assert.NotEmpty(t, cp.MessagesJSON)
}

func TestQuestionsReplyFeedsBackIntoPlanning(t *testing.T) {
	f := newFixture(t)
	f.planner.responses = []llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{{
			ID: "c1", Name: tools.ToolAskForClarification,
			Parameters: map[string]any{"questions": []any{"Which greeting language?"}},
		}}, StopReason: "tool_use"},
		planCall(),
	}

	event := &webhook.Event{Kind: webhook.EventIssueOpened, Repo: "acme/widgets",
		IssueID: 7, Title: "DAIV: add a greeting", Author: "alice"}
	threadID := issueThreadID(event.Repo, event.IssueID)
	f.addressor.runIssue(context.Background(), threadID, event)

	require.Len(t, f.platform.issueComments, 1)
	assert.Contains(t, f.platform.issueComments[0], "Which greeting language?")

	// The reply answers the questions; there is no plan to approve yet, so
	// even an approval-shaped comment re-enters planning.
	f.addressor.runIssueComment(context.Background(), threadID,
		&webhook.Event{Kind: webhook.EventCommentCreated, Repo: event.Repo,
			IssueID: 7, Body: "/daiv approve use English", Author: "alice"})

	require.Len(t, f.platform.issueComments, 2)
	assert.Contains(t, f.platform.issueComments[1], gate.ApproveToken)
	thread, err := f.store.GetThread(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, proto.ApprovalAwaiting, thread.State)
	require.NotNil(t, thread.Plan)
	assert.Zero(t, f.classifier.calls)

	// The second planning round frames the reply as answers, not as plan
	// rejection feedback.
	require.Equal(t, 2, f.planner.calls)
	second := f.planner.requests[1]
	last := second.Messages[len(second.Messages)-1]
	for _, msg := range second.Messages {
		if msg.Role == llm.RoleUser {
			last = msg
		}
	}
	assert.Contains(t, last.Content, "Answers to the clarification questions")
	assert.NotContains(t, last.Content, "rejected")
}

func TestCancelledRunPostsNoFailureComment(t *testing.T) {
	f := newFixture(t)

	thread := &store.Thread{ThreadID: "t1", Repo: "acme/widgets",
		SourceRef: "issue-7", IssueID: 7, State: proto.ApprovalPlanning}
	require.NoError(t, f.store.UpsertThread(context.Background(), thread))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f.addressor.postFailure(ctx, thread, ctx.Err())

	assert.Empty(t, f.platform.issueComments)
	loaded, err := f.store.GetThread(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, proto.ApprovalPlanning, loaded.State)
}

func TestApproveCommentRunsExecution(t *testing.T) {
	f := newFixture(t)
	f.planner.responses = []llm.CompletionResponse{planCall()}
	f.executor.responses = []llm.CompletionResponse{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: tools.ToolWrite,
			Parameters: map[string]any{"path": "hello.txt", "content": "hi\n"}}}, StopReason: "tool_use"},
		{Content: "created the file", StopReason: "end_turn"},
	}

	event := &webhook.Event{Kind: webhook.EventIssueOpened, Repo: "acme/widgets",
		IssueID: 7, Title: "DAIV: add a greeting", Author: "alice"}
	threadID := issueThreadID(event.Repo, event.IssueID)
	f.addressor.runIssue(context.Background(), threadID, event)

	f.addressor.runIssueComment(context.Background(), threadID,
		&webhook.Event{Kind: webhook.EventCommentCreated, Repo: event.Repo,
			IssueID: 7, Body: gate.ApproveToken, Author: "alice"})

	require.Len(t, f.platform.createdMRs, 1)
	assert.Equal(t, "main", f.platform.createdMRs[0].TargetBranch)
	require.Len(t, f.platform.issueComments, 2)
	assert.Contains(t, f.platform.issueComments[1], f.platform.createdMRs[0].WebURL)

	// Quick action must not consume a classifier call.
	assert.Zero(t, f.classifier.calls)

	_, err := f.store.LoadCheckpoint(context.Background(), threadID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReviseCommentTriggersReplan(t *testing.T) {
	f := newFixture(t)
	f.planner.responses = []llm.CompletionResponse{planCall(), planCall()}

	event := &webhook.Event{Kind: webhook.EventIssueOpened, Repo: "acme/widgets",
		IssueID: 7, Title: "DAIV: add a greeting", Author: "alice"}
	threadID := issueThreadID(event.Repo, event.IssueID)
	f.addressor.runIssue(context.Background(), threadID, event)

	f.addressor.runIssueComment(context.Background(), threadID,
		&webhook.Event{Kind: webhook.EventCommentCreated, Repo: event.Repo,
			IssueID: 7, Body: "/daiv revise use a different filename", Author: "alice"})

	// A second plan comment was posted and the thread awaits again.
	require.Len(t, f.platform.issueComments, 2)
	thread, err := f.store.GetThread(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, proto.ApprovalAwaiting, thread.State)
	assert.Equal(t, 2, f.planner.calls)
}

func TestHelpTokenPostsUsage(t *testing.T) {
	f := newFixture(t)
	f.planner.responses = []llm.CompletionResponse{planCall()}

	event := &webhook.Event{Kind: webhook.EventIssueOpened, Repo: "acme/widgets",
		IssueID: 7, Title: "DAIV: add a greeting", Author: "alice"}
	threadID := issueThreadID(event.Repo, event.IssueID)
	f.addressor.runIssue(context.Background(), threadID, event)

	f.addressor.runIssueComment(context.Background(), threadID,
		&webhook.Event{IssueID: 7, Repo: event.Repo, Body: "/daiv help"})

	require.Len(t, f.platform.issueComments, 2)
	assert.Contains(t, f.platform.issueComments[1], gate.ApproveToken)
	// Still awaiting; help never advances the gate.
	thread, err := f.store.GetThread(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, proto.ApprovalAwaiting, thread.State)
}

func TestReviewQuestionGetsDirectReply(t *testing.T) {
	f := newFixture(t)
	f.classifier.responses = []llm.CompletionResponse{{Content: "question", StopReason: "end_turn"}}
	f.replier.responses = []llm.CompletionResponse{{Content: "It retries three times.", StopReason: "end_turn"}}

	event := &webhook.Event{Kind: webhook.EventCommentCreated, Repo: "acme/widgets",
		MergeRequestID: 12, DiscussionID: "d1", Body: "@daiv why does this retry?", Author: "bob"}
	f.addressor.runReviewComment(context.Background(), mrThreadID(event.Repo, event.MergeRequestID), event)

	require.Len(t, f.platform.replies["d1"], 1)
	assert.Contains(t, f.platform.replies["d1"][0], "retries")
	// No planning happened.
	assert.Zero(t, f.planner.calls)
}

func TestReviewChangeRequestPlansAgainstSourceBranch(t *testing.T) {
	f := newFixture(t)
	f.classifier.responses = []llm.CompletionResponse{{Content: "request_changes", StopReason: "end_turn"}}
	f.planner.responses = []llm.CompletionResponse{planCall()}

	// The MR source branch must exist at the origin.
	origin, err := git.PlainOpen(f.platform.cloneDir)
	require.NoError(t, err)
	worktree, err := origin.Worktree()
	require.NoError(t, err)
	require.NoError(t, worktree.Checkout(&git.CheckoutOptions{
		Branch: plumbing.NewBranchReferenceName("feature"), Create: true,
	}))

	event := &webhook.Event{Kind: webhook.EventCommentCreated, Repo: "acme/widgets",
		MergeRequestID: 12, Body: "@daiv please rename the variable", Author: "bob"}
	threadID := mrThreadID(event.Repo, event.MergeRequestID)
	f.addressor.runReviewComment(context.Background(), threadID, event)

	require.Len(t, f.platform.mrComments, 1)
	thread, err := f.store.GetThread(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, proto.ApprovalAwaiting, thread.State)
	assert.Equal(t, "feature", thread.TargetRef)
	assert.Equal(t, 12, thread.MergeRequestID)
}

func TestIssueClosedCancelsThread(t *testing.T) {
	f := newFixture(t)
	f.planner.responses = []llm.CompletionResponse{planCall()}

	event := &webhook.Event{Kind: webhook.EventIssueOpened, Repo: "acme/widgets",
		IssueID: 7, Title: "DAIV: add a greeting", Author: "alice"}
	threadID := issueThreadID(event.Repo, event.IssueID)
	f.addressor.runIssue(context.Background(), threadID, event)

	f.addressor.runCancel(context.Background(), threadID,
		&webhook.Event{Kind: webhook.EventIssueClosed, Repo: event.Repo, IssueID: 7})

	thread, err := f.store.GetThread(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, proto.ApprovalCancelled, thread.State)
}

func TestBotEventsAreIgnored(t *testing.T) {
	f := newFixture(t)
	f.addressor.HandleEvent(context.Background(),
		&webhook.Event{Kind: webhook.EventIssueOpened, Repo: "acme/widgets",
			IssueID: 7, Title: "DAIV: add a greeting", Author: "daiv"})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, f.platform.issueComments)
}

func TestMentionDetection(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.addressor.mentionsBot("hey @daiv can you fix this"))
	assert.False(t, f.addressor.mentionsBot("no bot here"))
	assert.Equal(t, "please fix this", f.addressor.stripMention("@daiv please fix this"))
}
