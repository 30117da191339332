package tools

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"daiv/pkg/proto"
)

// WriteTool creates or overwrites a file, creating parent directories as
// needed.
type WriteTool struct {
	fsctx *FSContext
}

// NewWriteTool creates a write tool bound to a working copy.
func NewWriteTool(fsctx *FSContext) *WriteTool { return &WriteTool{fsctx: fsctx} }

// Name returns the tool identifier.
func (t *WriteTool) Name() string { return ToolWrite }

// SideEffect returns the tool's side-effect class.
func (t *WriteTool) SideEffect() SideEffect { return SideEffectMutate }

// Definition returns the tool definition for the LLM.
func (t *WriteTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolWrite,
		Description: "Create a new file or overwrite an existing one with the given content. Parent directories are created as needed. Prefer edit for targeted changes to existing files.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path":    {Type: "string", Description: "Repository-relative path of the file to write"},
				"content": {Type: "string", Description: "Full file content"},
			},
			Required: []string{"path", "content"},
		},
	}
}

// Exec executes the write.
func (t *WriteTool) Exec(_ context.Context, args map[string]any) (any, error) {
	rel, ok := stringArg(args, "path")
	if !ok || rel == "" {
		return ErrorResult("path is required"), nil
	}
	content, ok := stringArg(args, "content")
	if !ok {
		return ErrorResult("content is required and must be a string"), nil
	}

	abs, clean, err := t.fsctx.resolve(rel)
	if err != nil {
		return ErrorResult("%v", err), nil
	}
	if t.fsctx.excluded(clean) {
		return ErrorResult("path %s is not writable", clean), nil
	}

	action := proto.ActionCreate
	if _, statErr := os.Stat(abs); statErr == nil {
		action = proto.ActionUpdate
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return ErrorResult("failed to create parent directories for %s: %v", clean, err), nil
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return ErrorResult("failed to write %s: %v", clean, err), nil
	}

	t.fsctx.record(proto.FileChange{Path: clean, Action: action, Content: content})
	return OkResult(fmt.Sprintf("wrote %d bytes to %s", len(content), clean), map[string]any{
		"path":   clean,
		"action": string(action),
	}), nil
}

// EditTool performs exact-count string replacement in a file. The old
// string is matched literally, including whitespace.
type EditTool struct {
	fsctx *FSContext
}

// NewEditTool creates an edit tool bound to a working copy.
func NewEditTool(fsctx *FSContext) *EditTool { return &EditTool{fsctx: fsctx} }

// Name returns the tool identifier.
func (t *EditTool) Name() string { return ToolEdit }

// SideEffect returns the tool's side-effect class.
func (t *EditTool) SideEffect() SideEffect { return SideEffectMutate }

// Definition returns the tool definition for the LLM.
func (t *EditTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolEdit,
		Description: "Replace an exact string in a file. The occurrence count must match exactly (default 1); include more surrounding context to disambiguate. Whitespace is matched literally.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path":  {Type: "string", Description: "Repository-relative path of the file to edit"},
				"old":   {Type: "string", Description: "Exact string to find"},
				"new":   {Type: "string", Description: "Replacement string. Empty deletes the matched text."},
				"count": {Type: "integer", Description: "Number of occurrences that must exist and will be replaced. Defaults to 1."},
			},
			Required: []string{"path", "old", "new"},
		},
	}
}

// Exec executes the edit.
func (t *EditTool) Exec(_ context.Context, args map[string]any) (any, error) {
	rel, ok := stringArg(args, "path")
	if !ok || rel == "" {
		return ErrorResult("path is required"), nil
	}
	oldString, ok := stringArg(args, "old")
	if !ok || oldString == "" {
		return ErrorResult("old is required and must be a non-empty string"), nil
	}
	newString, ok := stringArg(args, "new")
	if !ok {
		return ErrorResult("new is required and must be a string"), nil
	}
	count := intArgOrDefault(args, "count", 1)
	if count < 1 {
		return ErrorResult("count must be at least 1"), nil
	}

	abs, clean, err := t.fsctx.resolve(rel)
	if err != nil {
		return ErrorResult("%v", err), nil
	}
	if t.fsctx.excluded(clean) {
		return ErrorResult("file not found: %s", clean), nil
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return ErrorResult("file not found or not readable: %s", clean), nil
	}
	content := string(data)

	occurrences := strings.Count(content, oldString)
	if occurrences == 0 {
		return ErrorResult("NotFound: old string not found in %s. It must match the file content exactly, including whitespace and indentation.", clean), nil
	}
	if occurrences != count {
		return ErrorResult("AmbiguousMatch: old string matches %d locations in %s but count is %d. Include more surrounding context to make it unique.", occurrences, clean, count), nil
	}

	updated := strings.Replace(content, oldString, newString, count)

	info, err := os.Stat(abs)
	if err != nil {
		return ErrorResult("failed to stat %s: %v", clean, err), nil
	}
	if err := os.WriteFile(abs, []byte(updated), info.Mode().Perm()); err != nil {
		return ErrorResult("failed to write %s: %v", clean, err), nil
	}

	t.fsctx.record(proto.FileChange{Path: clean, Action: proto.ActionUpdate, Content: updated})
	return OkResult(fmt.Sprintf("replaced %d occurrence(s) in %s", count, clean), map[string]any{
		"path": clean,
	}), nil
}

// DeleteTool removes a file or directory tree.
type DeleteTool struct {
	fsctx *FSContext
}

// NewDeleteTool creates a delete tool bound to a working copy.
func NewDeleteTool(fsctx *FSContext) *DeleteTool { return &DeleteTool{fsctx: fsctx} }

// Name returns the tool identifier.
func (t *DeleteTool) Name() string { return ToolDelete }

// SideEffect returns the tool's side-effect class.
func (t *DeleteTool) SideEffect() SideEffect { return SideEffectMutate }

// Definition returns the tool definition for the LLM.
func (t *DeleteTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolDelete,
		Description: "Delete a file, or a directory and everything under it.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"path": {Type: "string", Description: "Repository-relative path to delete"},
			},
			Required: []string{"path"},
		},
	}
}

// Exec executes the delete.
func (t *DeleteTool) Exec(_ context.Context, args map[string]any) (any, error) {
	rel, ok := stringArg(args, "path")
	if !ok || rel == "" {
		return ErrorResult("path is required"), nil
	}
	abs, clean, err := t.fsctx.resolve(rel)
	if err != nil {
		return ErrorResult("%v", err), nil
	}
	if clean == "" {
		return ErrorResult("refusing to delete the repository root"), nil
	}
	if t.fsctx.excluded(clean) {
		return ErrorResult("file not found: %s", clean), nil
	}

	info, err := os.Stat(abs)
	if err != nil {
		return ErrorResult("file not found: %s", clean), nil
	}

	if err := os.RemoveAll(abs); err != nil {
		return ErrorResult("failed to delete %s: %v", clean, err), nil
	}

	t.fsctx.record(proto.FileChange{Path: clean, Action: proto.ActionDelete})
	kind := "file"
	if info.IsDir() {
		kind = "directory"
	}
	return OkResult(fmt.Sprintf("deleted %s %s", kind, clean), map[string]any{
		"path": clean,
	}), nil
}

// RenameTool moves a file, preserving content and mode and creating parent
// directories as needed.
type RenameTool struct {
	fsctx *FSContext
}

// NewRenameTool creates a rename tool bound to a working copy.
func NewRenameTool(fsctx *FSContext) *RenameTool { return &RenameTool{fsctx: fsctx} }

// Name returns the tool identifier.
func (t *RenameTool) Name() string { return ToolRename }

// SideEffect returns the tool's side-effect class.
func (t *RenameTool) SideEffect() SideEffect { return SideEffectMutate }

// Definition returns the tool definition for the LLM.
func (t *RenameTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolRename,
		Description: "Move or rename a file. Parent directories of the destination are created as needed.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"old": {Type: "string", Description: "Current repository-relative path"},
				"new": {Type: "string", Description: "New repository-relative path"},
			},
			Required: []string{"old", "new"},
		},
	}
}

// Exec executes the rename.
func (t *RenameTool) Exec(_ context.Context, args map[string]any) (any, error) {
	oldRel, ok := stringArg(args, "old")
	if !ok || oldRel == "" {
		return ErrorResult("old is required"), nil
	}
	newRel, ok := stringArg(args, "new")
	if !ok || newRel == "" {
		return ErrorResult("new is required"), nil
	}

	oldAbs, oldClean, err := t.fsctx.resolve(oldRel)
	if err != nil {
		return ErrorResult("%v", err), nil
	}
	newAbs, newClean, err := t.fsctx.resolve(newRel)
	if err != nil {
		return ErrorResult("%v", err), nil
	}
	if t.fsctx.excluded(oldClean) || t.fsctx.excluded(newClean) {
		return ErrorResult("file not found: %s", oldClean), nil
	}

	if _, err := os.Stat(oldAbs); err != nil {
		return ErrorResult("file not found: %s", oldClean), nil
	}
	if err := os.MkdirAll(filepath.Dir(newAbs), 0o755); err != nil {
		return ErrorResult("failed to create parent directories for %s: %v", newClean, err), nil
	}
	if err := os.Rename(oldAbs, newAbs); err != nil {
		return ErrorResult("failed to rename %s to %s: %v", oldClean, newClean, err), nil
	}

	t.fsctx.record(proto.FileChange{Path: newClean, PrevPath: oldClean, Action: proto.ActionRename})
	return OkResult(fmt.Sprintf("renamed %s to %s", oldClean, newClean), map[string]any{
		"old": oldClean,
		"new": newClean,
	}), nil
}
