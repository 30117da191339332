// Package store provides SQLite-backed persistence for threads,
// checkpoints, pending file changes, and leases. One writer at a time;
// the connection pool is sized accordingly.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver

	"daiv/pkg/logx"
	"daiv/pkg/proto"
)

// ErrNotFound reports a missing row.
var ErrNotFound = errors.New("not found")

// Store wraps the database connection.
type Store struct {
	db     *sql.DB
	logger *logx.Logger
}

// Open opens (creating if needed) the database at dbPath and brings the
// schema up to date.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", fmt.Sprintf(
		"file:%s?_pragma=foreign_keys(ON)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)",
		dbPath,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := initializeSchemaWithMigrations(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	// SQLite supports one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	logger := logx.NewLogger("store")
	logger.Info("database initialized: %s", dbPath)
	return &Store{db: db, logger: logger}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Thread is one persisted run, keyed by thread id.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Thread struct {
	ThreadID       string
	Repo           string
	SourceRef      string
	TargetRef      string
	State          proto.ApprovalState
	Actor          string
	IssueID        int
	MergeRequestID int
	DiscussionID   string
	Plan           *proto.Plan
	Questions      *proto.Questions
	Todos          *proto.TodoList
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UpsertThread inserts or updates a thread row.
func (s *Store) UpsertThread(ctx context.Context, thread *Thread) error {
	planJSON, err := marshalNullable(thread.Plan)
	if err != nil {
		return err
	}
	questionsJSON, err := marshalNullable(thread.Questions)
	if err != nil {
		return err
	}
	todosJSON, err := marshalNullable(thread.Todos)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO threads (
			thread_id, repo, source_ref, target_ref, state, actor,
			issue_id, merge_request_id, discussion_id,
			plan_json, questions_json, todos_json
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			repo = excluded.repo,
			source_ref = excluded.source_ref,
			target_ref = excluded.target_ref,
			state = excluded.state,
			actor = excluded.actor,
			issue_id = excluded.issue_id,
			merge_request_id = excluded.merge_request_id,
			discussion_id = excluded.discussion_id,
			plan_json = excluded.plan_json,
			questions_json = excluded.questions_json,
			todos_json = excluded.todos_json,
			updated_at = CURRENT_TIMESTAMP`,
		thread.ThreadID, thread.Repo, thread.SourceRef, thread.TargetRef,
		string(thread.State), thread.Actor,
		thread.IssueID, thread.MergeRequestID, thread.DiscussionID,
		planJSON, questionsJSON, todosJSON,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert thread %s: %w", thread.ThreadID, err)
	}
	return nil
}

// GetThread loads a thread by id. Returns ErrNotFound for unknown ids.
func (s *Store) GetThread(ctx context.Context, threadID string) (*Thread, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT thread_id, repo, source_ref, target_ref, state, actor,
		       issue_id, merge_request_id, discussion_id,
		       plan_json, questions_json, todos_json,
		       created_at, updated_at
		FROM threads WHERE thread_id = ?`, threadID)

	var thread Thread
	var state string
	var targetRef, actor, discussionID sql.NullString
	var planJSON, questionsJSON, todosJSON sql.NullString
	var issueID, mergeRequestID sql.NullInt64
	var createdAt, updatedAt string

	err := row.Scan(
		&thread.ThreadID, &thread.Repo, &thread.SourceRef, &targetRef, &state, &actor,
		&issueID, &mergeRequestID, &discussionID,
		&planJSON, &questionsJSON, &todosJSON,
		&createdAt, &updatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("thread %s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load thread %s: %w", threadID, err)
	}

	thread.State = proto.ApprovalState(state)
	thread.TargetRef = targetRef.String
	thread.Actor = actor.String
	thread.DiscussionID = discussionID.String
	thread.IssueID = int(issueID.Int64)
	thread.MergeRequestID = int(mergeRequestID.Int64)
	thread.CreatedAt = parseTimestamp(createdAt)
	thread.UpdatedAt = parseTimestamp(updatedAt)

	if err := unmarshalNullable(planJSON, &thread.Plan); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(questionsJSON, &thread.Questions); err != nil {
		return nil, err
	}
	if err := unmarshalNullable(todosJSON, &thread.Todos); err != nil {
		return nil, err
	}
	return &thread, nil
}

// UpdateThreadState transitions a thread's approval state, enforcing the
// legal transition table.
func (s *Store) UpdateThreadState(ctx context.Context, threadID string, to proto.ApprovalState) error {
	thread, err := s.GetThread(ctx, threadID)
	if err != nil {
		return err
	}
	if !proto.CanTransition(thread.State, to) {
		return fmt.Errorf("illegal state transition %s -> %s for thread %s", thread.State, to, threadID)
	}

	_, err = s.db.ExecContext(ctx,
		"UPDATE threads SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE thread_id = ?",
		string(to), threadID)
	if err != nil {
		return fmt.Errorf("failed to update state for thread %s: %w", threadID, err)
	}
	s.logger.Debug("thread %s: %s -> %s", threadID, thread.State, to)
	return nil
}

// SaveThreadTodos replaces the thread's persisted todo list so a resumed
// run picks up the scratchpad where it left off.
func (s *Store) SaveThreadTodos(ctx context.Context, threadID string, todos *proto.TodoList) error {
	todosJSON, err := marshalNullable(todos)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		"UPDATE threads SET todos_json = ?, updated_at = CURRENT_TIMESTAMP WHERE thread_id = ?",
		todosJSON, threadID)
	if err != nil {
		return fmt.Errorf("failed to save todos for thread %s: %w", threadID, err)
	}
	return nil
}

// Checkpoint is the resumable run state saved between agent turns.
type Checkpoint struct {
	ThreadID         string
	MessagesJSON     string
	SandboxSessionID string
	UpdatedAt        time.Time
}

// SaveCheckpoint inserts or replaces the thread's checkpoint.
func (s *Store) SaveCheckpoint(ctx context.Context, cp *Checkpoint) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (thread_id, messages_json, sandbox_session_id, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(thread_id) DO UPDATE SET
			messages_json = excluded.messages_json,
			sandbox_session_id = excluded.sandbox_session_id,
			updated_at = CURRENT_TIMESTAMP`,
		cp.ThreadID, cp.MessagesJSON, cp.SandboxSessionID)
	if err != nil {
		return fmt.Errorf("failed to save checkpoint for thread %s: %w", cp.ThreadID, err)
	}
	return nil
}

// LoadCheckpoint loads the thread's checkpoint. Returns ErrNotFound when
// none exists.
func (s *Store) LoadCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT thread_id, messages_json, sandbox_session_id, updated_at FROM checkpoints WHERE thread_id = ?",
		threadID)

	var cp Checkpoint
	var sessionID sql.NullString
	var updatedAt string
	err := row.Scan(&cp.ThreadID, &cp.MessagesJSON, &sessionID, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("checkpoint for thread %s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load checkpoint for thread %s: %w", threadID, err)
	}
	cp.SandboxSessionID = sessionID.String
	cp.UpdatedAt = parseTimestamp(updatedAt)
	return &cp, nil
}

// parseTimestamp parses SQLite's CURRENT_TIMESTAMP text format. Unparseable
// values come back zero rather than failing the load.
func parseTimestamp(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339, time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// DeleteCheckpoint removes the thread's checkpoint, if any.
func (s *Store) DeleteCheckpoint(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM checkpoints WHERE thread_id = ?", threadID); err != nil {
		return fmt.Errorf("failed to delete checkpoint for thread %s: %w", threadID, err)
	}
	return nil
}

// AppendFileChanges persists applied changes in order, continuing the
// thread's sequence.
func (s *Store) AppendFileChanges(ctx context.Context, threadID string, changes []proto.FileChange) error {
	if len(changes) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var next int
	if err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(seq), 0) + 1 FROM file_changes WHERE thread_id = ?",
		threadID).Scan(&next); err != nil {
		return fmt.Errorf("failed to read change sequence: %w", err)
	}

	for i, change := range changes {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO file_changes (thread_id, seq, path, prev_path, action, content) VALUES (?, ?, ?, ?, ?, ?)",
			threadID, next+i, change.Path, change.PrevPath, string(change.Action), change.Content)
		if err != nil {
			return fmt.Errorf("failed to append file change: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit file changes: %w", err)
	}
	return nil
}

// ListFileChanges returns the thread's changes in application order.
func (s *Store) ListFileChanges(ctx context.Context, threadID string) ([]proto.FileChange, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT path, prev_path, action, content FROM file_changes WHERE thread_id = ? ORDER BY seq",
		threadID)
	if err != nil {
		return nil, fmt.Errorf("failed to list file changes: %w", err)
	}
	defer rows.Close()

	var changes []proto.FileChange
	for rows.Next() {
		var change proto.FileChange
		var prevPath, content sql.NullString
		var action string
		if err := rows.Scan(&change.Path, &prevPath, &action, &content); err != nil {
			return nil, fmt.Errorf("failed to scan file change: %w", err)
		}
		change.PrevPath = prevPath.String
		change.Action = proto.ChangeAction(action)
		change.Content = content.String
		changes = append(changes, change)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate file changes: %w", err)
	}
	return changes, nil
}

// ClearFileChanges removes the thread's recorded changes.
func (s *Store) ClearFileChanges(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM file_changes WHERE thread_id = ?", threadID); err != nil {
		return fmt.Errorf("failed to clear file changes: %w", err)
	}
	return nil
}

// AcquireLease takes the named lease for holder with the given TTL.
// Returns false when another live holder has it. Expired leases are taken
// over.
func (s *Store) AcquireLease(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	expires := time.Now().Add(ttl).UTC()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO leases (key, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE leases.holder = excluded.holder OR leases.expires_at < ?`,
		key, holder, expires, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lease %s: %w", key, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check lease %s: %w", key, err)
	}
	return affected > 0, nil
}

// ReleaseLease drops the lease if held by holder.
func (s *Store) ReleaseLease(ctx context.Context, key, holder string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM leases WHERE key = ? AND holder = ?", key, holder); err != nil {
		return fmt.Errorf("failed to release lease %s: %w", key, err)
	}
	return nil
}

func marshalNullable(v any) (sql.NullString, error) {
	if v == nil || isNilPointer(v) {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func isNilPointer(v any) bool {
	switch t := v.(type) {
	case *proto.Plan:
		return t == nil
	case *proto.Questions:
		return t == nil
	case *proto.TodoList:
		return t == nil
	default:
		return false
	}
}

func unmarshalNullable[T any](src sql.NullString, dst **T) error {
	if !src.Valid || src.String == "" {
		return nil
	}
	var out T
	if err := json.Unmarshal([]byte(src.String), &out); err != nil {
		return fmt.Errorf("failed to unmarshal stored JSON: %w", err)
	}
	*dst = &out
	return nil
}
