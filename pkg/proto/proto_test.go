package proto

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizeThreadID(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"plain", "myrepo-42", "myrepo-42"},
		{"dotted branch", "fix/python-version-3.11", "fix-python-version-3-11"},
		{"slashes", "group/project!17", "group-project-17"},
		{"uppercase", "MyRepo-Issue-9", "myrepo-issue-9"},
		{"collapse runs", "a...b///c", "a-b-c"},
		{"control chars", "a\x00b\tc", "a-b-c"},
		{"empty", "", "thread"},
		{"only illegal", "...", "thread"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeThreadID(tt.input)
			assert.Equal(t, tt.want, got)
			assert.NotContains(t, got, ".")
			assert.NotContains(t, got, "/")
		})
	}
}

func TestThreadIDForIsDeterministic(t *testing.T) {
	a := ThreadIDFor("group/project", "fix/python-version-3.11")
	b := ThreadIDFor("group/project", "fix/python-version-3.11")
	assert.Equal(t, a, b)
	assert.NotContains(t, a, ".")
}

func TestThreadIDForLongInput(t *testing.T) {
	id := ThreadIDFor(strings.Repeat("a", 300), "issue-1")
	assert.LessOrEqual(t, len(id), maxThreadIDLen)
}

func TestPlanValidate(t *testing.T) {
	plan := Plan{Goal: "add sum", Tasks: []Task{{Intent: "write sum in utils.py"}}}
	require.NoError(t, plan.Validate())

	assert.Error(t, (&Plan{Goal: "g"}).Validate(), "empty task list")
	assert.Error(t, (&Plan{Tasks: []Task{{Intent: "x"}}}).Validate(), "empty goal")
	assert.Error(t, (&Plan{Goal: "g", Tasks: []Task{{}}}).Validate(), "task missing intent")
}

func TestTodoListSingleInProgress(t *testing.T) {
	ok := TodoList{Items: []TodoItem{
		{ID: "1", Text: "read files", Status: TodoCompleted},
		{ID: "2", Text: "draft plan", Status: TodoInProgress},
		{ID: "3", Text: "submit plan", Status: TodoPending},
	}}
	require.NoError(t, ok.Validate())

	bad := TodoList{Items: []TodoItem{
		{ID: "1", Text: "a", Status: TodoInProgress},
		{ID: "2", Text: "b", Status: TodoInProgress},
	}}
	assert.Error(t, bad.Validate())

	dup := TodoList{Items: []TodoItem{
		{ID: "1", Text: "a", Status: TodoPending},
		{ID: "1", Text: "b", Status: TodoPending},
	}}
	assert.Error(t, dup.Validate())
}

func TestTodoListRender(t *testing.T) {
	empty := TodoList{}
	assert.Contains(t, empty.Render(), "empty")

	list := TodoList{Items: []TodoItem{
		{ID: "1", Text: "scan repo", Status: TodoCompleted},
		{ID: "2", Text: "draft plan", Status: TodoInProgress},
	}}
	rendered := list.Render()
	assert.Contains(t, rendered, "[x] 1: scan repo")
	assert.Contains(t, rendered, "[>] 2: draft plan")
}

func TestCoalesceChanges(t *testing.T) {
	t.Run("delete supersedes create", func(t *testing.T) {
		out := CoalesceChanges([]FileChange{
			{Path: "a.go", Action: ActionCreate, Content: "x"},
			{Path: "a.go", Action: ActionDelete},
		})
		require.Len(t, out, 1)
		assert.Equal(t, ActionDelete, out[0].Action)
	})

	t.Run("update after create stays create", func(t *testing.T) {
		out := CoalesceChanges([]FileChange{
			{Path: "a.go", Action: ActionCreate, Content: "v1"},
			{Path: "a.go", Action: ActionUpdate, Content: "v2"},
		})
		require.Len(t, out, 1)
		assert.Equal(t, ActionCreate, out[0].Action)
		assert.Equal(t, "v2", out[0].Content)
	})

	t.Run("rename expands to delete plus create", func(t *testing.T) {
		out := CoalesceChanges([]FileChange{
			{Path: "new.go", PrevPath: "old.go", Action: ActionRename, Content: "body"},
		})
		require.Len(t, out, 2)
		assert.Equal(t, ActionDelete, out[0].Action)
		assert.Equal(t, "old.go", out[0].Path)
		assert.Equal(t, ActionCreate, out[1].Action)
		assert.Equal(t, "new.go", out[1].Path)
	})

	t.Run("one pending change per path", func(t *testing.T) {
		out := CoalesceChanges([]FileChange{
			{Path: "a.go", Action: ActionUpdate, Content: "v1"},
			{Path: "b.go", Action: ActionUpdate, Content: "v1"},
			{Path: "a.go", Action: ActionUpdate, Content: "v2"},
		})
		require.Len(t, out, 2)
		assert.Equal(t, "a.go", out[0].Path)
		assert.Equal(t, "v2", out[0].Content)
	})
}

func TestApprovalTransitions(t *testing.T) {
	assert.True(t, CanTransition(ApprovalPlanning, ApprovalAwaiting))
	assert.True(t, CanTransition(ApprovalPlanning, ApprovalErrored))
	assert.True(t, CanTransition(ApprovalPlanning, ApprovalCancelled))
	assert.True(t, CanTransition(ApprovalRevise, ApprovalPlanning))
	assert.False(t, CanTransition(ApprovalPlanning, ApprovalApproved))
	assert.True(t, CanTransition(ApprovalAwaiting, ApprovalApproved))
	assert.True(t, CanTransition(ApprovalAwaiting, ApprovalRevise))
	assert.True(t, CanTransition(ApprovalRevise, ApprovalAwaiting))
	assert.True(t, CanTransition(ApprovalErrored, ApprovalRevise))
	assert.False(t, CanTransition(ApprovalCancelled, ApprovalApproved))
	assert.False(t, CanTransition(ApprovalApproved, ApprovalAwaiting))
}

func TestParseReplyVerdict(t *testing.T) {
	assert.Equal(t, VerdictApprove, ParseReplyVerdict("approve"))
	assert.Equal(t, VerdictRevise, ParseReplyVerdict("revise"))
	assert.Equal(t, VerdictAsk, ParseReplyVerdict("ask"))
	// Ambiguous classifier output defaults to ask.
	assert.Equal(t, VerdictAsk, ParseReplyVerdict("maybe?"))
	assert.Equal(t, VerdictAsk, ParseReplyVerdict(""))
}

func TestParseCommentKind(t *testing.T) {
	assert.Equal(t, CommentRequestChanges, ParseCommentKind("request_changes"))
	assert.Equal(t, CommentQuestion, ParseCommentKind("question"))
	assert.Equal(t, CommentQuestion, ParseCommentKind("unknown"))
}

func TestRequestContextValidate(t *testing.T) {
	ctx := RequestContext{RepoID: "1", TargetRef: "main", ThreadID: "t"}
	require.NoError(t, ctx.Validate())
	assert.Error(t, (&RequestContext{TargetRef: "main", ThreadID: "t"}).Validate())
	assert.Error(t, (&RequestContext{RepoID: "1", ThreadID: "t"}).Validate())
	assert.Error(t, (&RequestContext{RepoID: "1", TargetRef: "main"}).Validate())
}
