package tools

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"daiv/pkg/proto"
)

// TodoState is the shared scratchpad a todo_write tool mutates and the
// middleware stack reads. It lives in the checkpoint between turns.
type TodoState struct {
	mu   sync.Mutex
	list proto.TodoList
}

// NewTodoState creates an empty scratchpad.
func NewTodoState() *TodoState { return &TodoState{} }

// Replace atomically swaps the whole list after validation.
func (s *TodoState) Replace(list proto.TodoList) error {
	if err := list.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = list
	return nil
}

// Get returns a copy of the current list.
func (s *TodoState) Get() proto.TodoList {
	s.mu.Lock()
	defer s.mu.Unlock()
	items := make([]proto.TodoItem, len(s.list.Items))
	copy(items, s.list.Items)
	return proto.TodoList{Items: items}
}

// Clear empties the scratchpad (plan revision discards prior todos).
func (s *TodoState) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.list = proto.TodoList{}
}

// ContextMessage renders the current list for per-turn context injection.
// Empty when nothing is tracked; safe on a nil state.
func (s *TodoState) ContextMessage() string {
	if s == nil {
		return ""
	}
	list := s.Get()
	if len(list.Items) == 0 {
		return ""
	}
	return "Current todo list:\n" + list.Render()
}

// TodoWriteTool atomically replaces the todo list.
type TodoWriteTool struct {
	state *TodoState
}

// NewTodoWriteTool creates a todo_write tool bound to a scratchpad.
func NewTodoWriteTool(state *TodoState) *TodoWriteTool {
	return &TodoWriteTool{state: state}
}

// Name returns the tool identifier.
func (t *TodoWriteTool) Name() string { return ToolTodoWrite }

// SideEffect returns the tool's side-effect class.
func (t *TodoWriteTool) SideEffect() SideEffect { return SideEffectControl }

// Definition returns the tool definition for the LLM.
func (t *TodoWriteTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolTodoWrite,
		Description: "Replace the todo list with the supplied items. Use it to track multi-step work. At most one item may be in_progress at a time.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"items": {
					Type:        "array",
					Description: "Full replacement todo list, in order",
					Items:       &Property{Type: "object"},
					MinItems:    intPtr(0),
					MaxItems:    intPtr(50),
				},
			},
			Required: []string{"items"},
		},
	}
}

// Exec executes the atomic replacement.
func (t *TodoWriteTool) Exec(_ context.Context, args map[string]any) (any, error) {
	rawItems, ok := args["items"].([]any)
	if !ok {
		return ErrorResult("items must be an array"), nil
	}

	list := proto.TodoList{Items: make([]proto.TodoItem, 0, len(rawItems))}
	for i, raw := range rawItems {
		item, ok := raw.(map[string]any)
		if !ok {
			return ErrorResult("items[%d] must be an object with id, text, status", i), nil
		}
		id, _ := item["id"].(string)
		text, _ := item["text"].(string)
		status, _ := item["status"].(string)
		if id == "" {
			id = fmt.Sprintf("%d", i+1)
		}
		if status == "" {
			status = string(proto.TodoPending)
		}
		list.Items = append(list.Items, proto.TodoItem{
			ID:     id,
			Text:   text,
			Status: proto.TodoStatus(status),
		})
	}

	if err := t.state.Replace(list); err != nil {
		return ErrorResult("invalid todo list: %v", err), nil
	}
	return OkResult(fmt.Sprintf("todo list replaced with %d items", len(list.Items)), nil), nil
}

// CompletePlanTool is the planner's terminal success output.
type CompletePlanTool struct {
	fsctx *FSContext
}

// NewCompletePlanTool creates a complete_plan tool. fsctx anchors the
// plan's context_files to a working copy; nil skips the existence check.
func NewCompletePlanTool(fsctx *FSContext) *CompletePlanTool {
	return &CompletePlanTool{fsctx: fsctx}
}

// Name returns the tool identifier.
func (t *CompletePlanTool) Name() string { return ToolCompletePlan }

// SideEffect returns the tool's side-effect class.
func (t *CompletePlanTool) SideEffect() SideEffect { return SideEffectControl }

// Definition returns the tool definition for the LLM.
func (t *CompletePlanTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolCompletePlan,
		Description: "Submit the final plan: a goal and an ordered task list. Each task names the files it needs as context and the file-level changes it intends. Call this exactly once, when planning is finished.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"goal": {Type: "string", Description: "One-sentence statement of what the change accomplishes"},
				"tasks": {
					Type:        "array",
					Description: "Ordered tasks. Each task is an object with intent (string), context_files (array of paths), and sub_changes (array of {path, reason}).",
					Items:       &Property{Type: "object"},
					MinItems:    intPtr(1),
				},
			},
			Required: []string{"goal", "tasks"},
		},
	}
}

// Exec parses and validates the submitted plan; the planner reads it back
// out of the tool result. A plan naming context files that do not exist in
// the working copy is rejected so the model can correct the paths.
func (t *CompletePlanTool) Exec(_ context.Context, args map[string]any) (any, error) {
	plan, err := ParsePlanArgs(args)
	if err != nil {
		return ErrorResult("invalid plan: %v", err), nil
	}
	if missing := t.missingContextFiles(plan); len(missing) > 0 {
		return ErrorResult("context_files not found in the repository: %s", strings.Join(missing, ", ")), nil
	}
	return OkResult("plan recorded", map[string]any{"plan": plan}), nil
}

func (t *CompletePlanTool) missingContextFiles(plan *proto.Plan) []string {
	if t.fsctx == nil {
		return nil
	}
	var missing []string
	seen := make(map[string]bool)
	for _, task := range plan.Tasks {
		for _, path := range task.ContextFiles {
			if seen[path] {
				continue
			}
			seen[path] = true
			abs, _, err := t.fsctx.resolve(path)
			if err != nil {
				missing = append(missing, path)
				continue
			}
			if _, err := os.Stat(abs); err != nil {
				missing = append(missing, path)
			}
		}
	}
	return missing
}

// ParsePlanArgs converts complete_plan arguments into a validated Plan.
func ParsePlanArgs(args map[string]any) (*proto.Plan, error) {
	goal, _ := stringArg(args, "goal")
	rawTasks, ok := args["tasks"].([]any)
	if !ok {
		return nil, fmt.Errorf("tasks must be an array")
	}

	plan := proto.Plan{Goal: goal, Tasks: make([]proto.Task, 0, len(rawTasks))}
	for i, raw := range rawTasks {
		taskMap, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("tasks[%d] must be an object", i)
		}
		task := proto.Task{Status: proto.TaskStatusPending}
		task.Intent, _ = taskMap["intent"].(string)
		if files, ok := taskMap["context_files"].([]any); ok {
			for _, f := range files {
				if s, ok := f.(string); ok && s != "" {
					task.ContextFiles = append(task.ContextFiles, s)
				}
			}
		}
		if changes, ok := taskMap["sub_changes"].([]any); ok {
			for _, c := range changes {
				change, ok := c.(map[string]any)
				if !ok {
					continue
				}
				sub := proto.SubChange{}
				sub.Path, _ = change["path"].(string)
				sub.Reason, _ = change["reason"].(string)
				if sub.Path != "" {
					task.SubChanges = append(task.SubChanges, sub)
				}
			}
		}
		plan.Tasks = append(plan.Tasks, task)
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return &plan, nil
}

// AskForClarificationTool is the planner's terminal "too ambiguous" output.
type AskForClarificationTool struct{}

// NewAskForClarificationTool creates an ask_for_clarification tool.
func NewAskForClarificationTool() *AskForClarificationTool {
	return &AskForClarificationTool{}
}

// Name returns the tool identifier.
func (t *AskForClarificationTool) Name() string { return ToolAskForClarification }

// SideEffect returns the tool's side-effect class.
func (t *AskForClarificationTool) SideEffect() SideEffect { return SideEffectControl }

// Definition returns the tool definition for the LLM.
func (t *AskForClarificationTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolAskForClarification,
		Description: "Ask the user questions instead of planning, when the request is too ambiguous to plan safely. Terminal: planning stops until the user answers.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"questions": {
					Type:        "array",
					Description: "Questions for the user",
					Items:       &Property{Type: "string"},
					MinItems:    intPtr(1),
					MaxItems:    intPtr(10),
				},
			},
			Required: []string{"questions"},
		},
	}
}

// Exec parses and validates the questions.
func (t *AskForClarificationTool) Exec(_ context.Context, args map[string]any) (any, error) {
	questions, err := ParseQuestionsArgs(args)
	if err != nil {
		return ErrorResult("invalid questions: %v", err), nil
	}
	return OkResult("questions recorded", map[string]any{"questions": questions}), nil
}

// ParseQuestionsArgs converts ask_for_clarification arguments into a
// validated Questions record.
func ParseQuestionsArgs(args map[string]any) (*proto.Questions, error) {
	raw, ok := args["questions"].([]any)
	if !ok {
		return nil, fmt.Errorf("questions must be an array")
	}
	q := proto.Questions{}
	for i, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("questions[%d] must be a string", i)
		}
		q.Questions = append(q.Questions, s)
	}
	if err := q.Validate(); err != nil {
		return nil, err
	}
	return &q, nil
}

func intPtr(n int) *int { return &n }
