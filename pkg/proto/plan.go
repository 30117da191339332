package proto

import "fmt"

// TaskStatus tracks per-task execution outcome inside an approved plan.
type TaskStatus string

const (
	// TaskStatusPending indicates the executor has not reached the task yet.
	TaskStatusPending TaskStatus = "pending"
	// TaskStatusCompleted indicates the executor finished the task.
	TaskStatusCompleted TaskStatus = "completed"
	// TaskStatusFailed indicates the task was abandoned after repeated tool failures.
	TaskStatusFailed TaskStatus = "failed"
)

// SubChange declares one file-level change a task intends to make.
type SubChange struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Task is one ordered step of a plan.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Task struct {
	ContextFiles []string    `json:"context_files"`
	Intent       string      `json:"intent"`
	SubChanges   []SubChange `json:"sub_changes"`
	Status       TaskStatus  `json:"status,omitempty"`
}

// Plan is the planner's terminal output and the executor's required input.
// Plans are immutable after approval; a revision produces a new plan.
type Plan struct {
	Goal  string `json:"goal"`
	Tasks []Task `json:"tasks"`
}

// Validate enforces the structural invariants the executor relies on.
func (p *Plan) Validate() error {
	if p.Goal == "" {
		return fmt.Errorf("plan goal cannot be empty")
	}
	if len(p.Tasks) == 0 {
		return fmt.Errorf("plan must contain at least one task")
	}
	for i := range p.Tasks {
		if p.Tasks[i].Intent == "" {
			return fmt.Errorf("task %d missing intent", i)
		}
	}
	return nil
}

// Questions is the planner's alternate terminal output: the request was too
// ambiguous to plan, and the user must answer before planning can continue.
type Questions struct {
	Questions []string `json:"questions"`
}

// Validate checks that at least one question was asked.
func (q *Questions) Validate() error {
	if len(q.Questions) == 0 {
		return fmt.Errorf("clarification must contain at least one question")
	}
	for i, question := range q.Questions {
		if question == "" {
			return fmt.Errorf("question %d is empty", i)
		}
	}
	return nil
}
