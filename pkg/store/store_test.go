package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"daiv/pkg/proto"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "daiv.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestThreadRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	thread := &Thread{
		ThreadID:  "group-project-issue-7",
		Repo:      "group/project",
		SourceRef: "main",
		State:     proto.ApprovalAwaiting,
		Actor:     "alice",
		IssueID:   7,
		Plan: &proto.Plan{
			Goal: "add retry",
			Tasks: []proto.Task{
				{Intent: "wrap fetch", ContextFiles: []string{"fetch.py"}, Status: proto.TaskStatusPending},
			},
		},
		Todos: &proto.TodoList{Items: []proto.TodoItem{
			{ID: "1", Text: "scan repo", Status: proto.TodoCompleted},
		}},
	}
	require.NoError(t, s.UpsertThread(ctx, thread))

	loaded, err := s.GetThread(ctx, thread.ThreadID)
	require.NoError(t, err)
	assert.Equal(t, "group/project", loaded.Repo)
	assert.Equal(t, proto.ApprovalAwaiting, loaded.State)
	assert.Equal(t, "alice", loaded.Actor)
	assert.Equal(t, 7, loaded.IssueID)
	require.NotNil(t, loaded.Plan)
	assert.Equal(t, "add retry", loaded.Plan.Goal)
	require.NotNil(t, loaded.Todos)
	assert.Len(t, loaded.Todos.Items, 1)
	assert.Nil(t, loaded.Questions)
	assert.False(t, loaded.CreatedAt.IsZero())
}

func TestGetThreadNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetThread(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUpdateThreadStateEnforcesTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertThread(ctx, &Thread{
		ThreadID: "t1", Repo: "g/p", SourceRef: "main", State: proto.ApprovalAwaiting,
	}))

	require.NoError(t, s.UpdateThreadState(ctx, "t1", proto.ApprovalApproved))

	// approved -> awaiting is not a legal transition.
	err := s.UpdateThreadState(ctx, "t1", proto.ApprovalAwaiting)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "illegal state transition")

	loaded, err := s.GetThread(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, proto.ApprovalApproved, loaded.State)
}

func TestSaveThreadTodos(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertThread(ctx, &Thread{
		ThreadID: "t1", Repo: "g/p", SourceRef: "main", State: proto.ApprovalPlanning,
	}))

	require.NoError(t, s.SaveThreadTodos(ctx, "t1", &proto.TodoList{Items: []proto.TodoItem{
		{ID: "1", Text: "scan repo", Status: proto.TodoCompleted},
		{ID: "2", Text: "draft plan", Status: proto.TodoInProgress},
	}}))

	loaded, err := s.GetThread(ctx, "t1")
	require.NoError(t, err)
	require.NotNil(t, loaded.Todos)
	require.Len(t, loaded.Todos.Items, 2)
	assert.Equal(t, "draft plan", loaded.Todos.Items[1].Text)

	// Saving only touches the todo column.
	assert.Equal(t, proto.ApprovalPlanning, loaded.State)
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertThread(ctx, &Thread{
		ThreadID: "t1", Repo: "g/p", SourceRef: "main", State: proto.ApprovalAwaiting,
	}))

	_, err := s.LoadCheckpoint(ctx, "t1")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{
		ThreadID:         "t1",
		MessagesJSON:     `[{"role":"user","content":"hi"}]`,
		SandboxSessionID: "sess-1",
	}))

	cp, err := s.LoadCheckpoint(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", cp.SandboxSessionID)
	assert.Contains(t, cp.MessagesJSON, `"role":"user"`)

	// Second save replaces the first.
	require.NoError(t, s.SaveCheckpoint(ctx, &Checkpoint{ThreadID: "t1", MessagesJSON: "[]"}))
	cp, err = s.LoadCheckpoint(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, "[]", cp.MessagesJSON)
	assert.Empty(t, cp.SandboxSessionID)

	require.NoError(t, s.DeleteCheckpoint(ctx, "t1"))
	_, err = s.LoadCheckpoint(ctx, "t1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFileChangesPreserveOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.UpsertThread(ctx, &Thread{
		ThreadID: "t1", Repo: "g/p", SourceRef: "main", State: proto.ApprovalApproved,
	}))

	require.NoError(t, s.AppendFileChanges(ctx, "t1", []proto.FileChange{
		{Path: "a.py", Action: proto.ActionCreate, Content: "v1"},
		{Path: "b.py", Action: proto.ActionUpdate, Content: "v2"},
	}))
	require.NoError(t, s.AppendFileChanges(ctx, "t1", []proto.FileChange{
		{Path: "new.py", PrevPath: "old.py", Action: proto.ActionRename},
	}))

	changes, err := s.ListFileChanges(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, changes, 3)
	assert.Equal(t, "a.py", changes[0].Path)
	assert.Equal(t, "b.py", changes[1].Path)
	assert.Equal(t, proto.ActionRename, changes[2].Action)
	assert.Equal(t, "old.py", changes[2].PrevPath)

	require.NoError(t, s.ClearFileChanges(ctx, "t1"))
	changes, err = s.ListFileChanges(ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, changes)
}

func TestLeases(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLease(ctx, "thread:t1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Same holder re-acquires (renewal).
	ok, err = s.AcquireLease(ctx, "thread:t1", "worker-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// Different holder is refused while the lease is live.
	ok, err = s.AcquireLease(ctx, "thread:t1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.ReleaseLease(ctx, "thread:t1", "worker-a"))
	ok, err = s.AcquireLease(ctx, "thread:t1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLeaseExpiryTakeover(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.AcquireLease(ctx, "thread:t1", "worker-a", -time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.AcquireLease(ctx, "thread:t1", "worker-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}
