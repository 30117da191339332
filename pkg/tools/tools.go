// Package tools implements the closed tool surface the agent may invoke.
// Every tool declares a JSON schema and a side-effect class; the runtime
// validates inputs against the schema before dispatch and surfaces
// violations as structured tool-error results rather than Go errors, so the
// model can self-correct within the same turn.
package tools

import (
	"context"
	"fmt"
)

// Tool name constants.
const (
	ToolGlob                = "glob"
	ToolGrep                = "grep"
	ToolLs                  = "ls"
	ToolRead                = "read"
	ToolWrite               = "write"
	ToolEdit                = "edit"
	ToolDelete              = "delete"
	ToolRename              = "rename"
	ToolBash                = "bash"
	ToolWebSearch           = "web_search"
	ToolTodoWrite           = "todo_write"
	ToolCompletePlan        = "complete_plan"
	ToolAskForClarification = "ask_for_clarification"
	ToolGetPipeline         = "get_pipeline"
	ToolGetJobLog           = "get_job_log"
	ToolGetMergeRequest     = "get_merge_request"
	ToolGetIssue            = "get_issue"
)

// SideEffect classifies what a tool may touch. The planner's provider only
// admits read and control tools; the executor adds mutate and external.
type SideEffect string

const (
	// SideEffectRead tools are idempotent and repeatable.
	SideEffectRead SideEffect = "read"
	// SideEffectMutate tools change the working copy only.
	SideEffectMutate SideEffect = "mutate"
	// SideEffectExternal tools leave the process (sandbox, web, platform).
	SideEffectExternal SideEffect = "external"
	// SideEffectControl tools steer the agent loop itself.
	SideEffectControl SideEffect = "control"
)

// Property describes one input field in a tool's schema.
//
//nolint:govet // fieldalignment: mirrors the JSON schema layout
type Property struct {
	Type        string    `json:"type"`
	Description string    `json:"description,omitempty"`
	Items       *Property `json:"items,omitempty"`
	Enum        []string  `json:"enum,omitempty"`
	MinItems    *int      `json:"minItems,omitempty"`
	MaxItems    *int      `json:"maxItems,omitempty"`
}

// InputSchema is the JSON schema for a tool's arguments.
type InputSchema struct {
	Type       string              `json:"type"`
	Properties map[string]Property `json:"properties"`
	Required   []string            `json:"required"`
}

// ToolDefinition is what the LLM provider sees for one tool.
type ToolDefinition struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema InputSchema `json:"input_schema"`
}

// Tool is a schema-declared operation the agent may invoke.
type Tool interface {
	// Name returns the tool identifier.
	Name() string

	// Definition returns the tool definition for the LLM.
	Definition() ToolDefinition

	// SideEffect returns the tool's declared side-effect class.
	SideEffect() SideEffect

	// Exec executes the tool. Precondition failures (ambiguous match, file
	// not found, patch rejected) come back as error results via ErrorResult,
	// not as Go errors; a Go error means the tool could not run at all.
	Exec(ctx context.Context, args map[string]any) (any, error)
}

// ErrorResult builds the structured failure payload surfaced to the model.
func ErrorResult(format string, args ...any) map[string]any {
	return map[string]any{
		"success": false,
		"error":   fmt.Sprintf(format, args...),
	}
}

// OkResult builds a structured success payload with extra fields merged in.
func OkResult(message string, extra map[string]any) map[string]any {
	out := map[string]any{
		"success": true,
		"message": message,
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// IsErrorResult reports whether a tool result is a structured failure.
func IsErrorResult(result any) bool {
	m, ok := result.(map[string]any)
	if !ok {
		return false
	}
	success, ok := m["success"].(bool)
	return ok && !success
}

// stringArg extracts a required string argument.
func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	return v, ok
}

// intArgOrDefault extracts an integer argument, returning defaultVal if
// missing. Handles float64 (from JSON unmarshal), int, and int64.
func intArgOrDefault(args map[string]any, key string, defaultVal int) int {
	v, exists := args[key]
	if !exists {
		return defaultVal
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return defaultVal
	}
}

// ValidateArgs checks args against a tool's declared schema: required
// fields present, declared fields type-correct, enums respected. Unknown
// fields are tolerated (providers occasionally add metadata).
func ValidateArgs(def *ToolDefinition, args map[string]any) error {
	for _, required := range def.InputSchema.Required {
		if _, ok := args[required]; !ok {
			return fmt.Errorf("missing required parameter %q", required)
		}
	}

	for name, prop := range def.InputSchema.Properties {
		value, ok := args[name]
		if !ok || value == nil {
			continue
		}
		if err := validateValue(name, &prop, value); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(name string, prop *Property, value any) error {
	switch prop.Type {
	case "string":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("parameter %q must be a string", name)
		}
		if len(prop.Enum) > 0 {
			for _, allowed := range prop.Enum {
				if s == allowed {
					return nil
				}
			}
			return fmt.Errorf("parameter %q must be one of %v", name, prop.Enum)
		}
	case "integer", "number":
		switch value.(type) {
		case int, int64, float64:
		default:
			return fmt.Errorf("parameter %q must be a number", name)
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return fmt.Errorf("parameter %q must be a boolean", name)
		}
	case "array":
		items, ok := value.([]any)
		if !ok {
			return fmt.Errorf("parameter %q must be an array", name)
		}
		if prop.MinItems != nil && len(items) < *prop.MinItems {
			return fmt.Errorf("parameter %q must contain at least %d items", name, *prop.MinItems)
		}
		if prop.MaxItems != nil && len(items) > *prop.MaxItems {
			return fmt.Errorf("parameter %q must contain at most %d items", name, *prop.MaxItems)
		}
		if prop.Items != nil {
			for i, item := range items {
				if err := validateValue(fmt.Sprintf("%s[%d]", name, i), prop.Items, item); err != nil {
					return err
				}
			}
		}
	case "object":
		if _, ok := value.(map[string]any); !ok {
			return fmt.Errorf("parameter %q must be an object", name)
		}
	}
	return nil
}
