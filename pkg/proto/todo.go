package proto

import "fmt"

// TodoStatus tracks the lifecycle of a single scratchpad item.
type TodoStatus string

const (
	// TodoPending indicates the item has not been started.
	TodoPending TodoStatus = "pending"
	// TodoInProgress indicates the item is being worked on right now.
	TodoInProgress TodoStatus = "in_progress"
	// TodoCompleted indicates the item is done.
	TodoCompleted TodoStatus = "completed"
	// TodoCancelled indicates the item was abandoned.
	TodoCancelled TodoStatus = "cancelled"
)

// TodoItem is one entry of the planner's scratchpad.
type TodoItem struct {
	ID     string     `json:"id"`
	Text   string     `json:"text"`
	Status TodoStatus `json:"status"`
}

// TodoList is the ordered scratchpad scoped to one planner invocation.
// It is persisted inside the checkpoint.
type TodoList struct {
	Items []TodoItem `json:"items"`
}

// Validate enforces the single-in_progress invariant and basic shape.
func (l *TodoList) Validate() error {
	inProgress := 0
	seen := make(map[string]struct{}, len(l.Items))
	for i := range l.Items {
		item := &l.Items[i]
		if item.ID == "" {
			return fmt.Errorf("todo item %d missing id", i)
		}
		if item.Text == "" {
			return fmt.Errorf("todo item %q missing text", item.ID)
		}
		if _, dup := seen[item.ID]; dup {
			return fmt.Errorf("duplicate todo id %q", item.ID)
		}
		seen[item.ID] = struct{}{}

		switch item.Status {
		case TodoPending, TodoCompleted, TodoCancelled:
		case TodoInProgress:
			inProgress++
			if inProgress > 1 {
				return fmt.Errorf("at most one todo may be in_progress")
			}
		default:
			return fmt.Errorf("todo item %q has invalid status %q", item.ID, item.Status)
		}
	}
	return nil
}

// Render produces the markdown representation injected into the system
// message each turn.
func (l *TodoList) Render() string {
	if len(l.Items) == 0 {
		return "(todo list is empty)"
	}

	out := ""
	for i := range l.Items {
		item := &l.Items[i]
		marker := " "
		switch item.Status {
		case TodoInProgress:
			marker = ">"
		case TodoCompleted:
			marker = "x"
		case TodoCancelled:
			marker = "-"
		case TodoPending:
			marker = " "
		}
		out += fmt.Sprintf("- [%s] %s: %s\n", marker, item.ID, item.Text)
	}
	return out
}
