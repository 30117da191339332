package proto

import "fmt"

// ChangeAction identifies the kind of pending file change.
type ChangeAction string

const (
	// ActionCreate adds a new file.
	ActionCreate ChangeAction = "create"
	// ActionUpdate modifies an existing file.
	ActionUpdate ChangeAction = "update"
	// ActionDelete removes a file.
	ActionDelete ChangeAction = "delete"
	// ActionRename moves a file; PrevPath holds the source.
	ActionRename ChangeAction = "rename"
)

// FileChange is one pending change in a thread's working set. At most one
// change is pending per (thread, path).
//
//nolint:govet // fieldalignment: logical grouping preferred
type FileChange struct {
	Path          string       `json:"path"`
	Action        ChangeAction `json:"action"`
	PrevPath      string       `json:"prev_path,omitempty"`
	CommitMessage string       `json:"commit_message,omitempty"`
	Content       string       `json:"content,omitempty"`
	Patch         string       `json:"patch,omitempty"`
}

// Validate checks internal consistency of a single change record.
func (c *FileChange) Validate() error {
	if c.Path == "" {
		return fmt.Errorf("file change missing path")
	}
	switch c.Action {
	case ActionCreate, ActionUpdate, ActionDelete:
	case ActionRename:
		if c.PrevPath == "" {
			return fmt.Errorf("rename of %s missing prev_path", c.Path)
		}
	default:
		return fmt.Errorf("invalid change action %q for %s", c.Action, c.Path)
	}
	return nil
}

// CoalesceChanges folds a sequence of observed changes into the canonical
// working set: later changes to the same path supersede earlier ones, a
// delete wipes any prior create/update, and renames expand into a synthetic
// delete+create pair so the commit layer only sees three primitive actions.
// Order of first appearance is preserved.
func CoalesceChanges(changes []FileChange) []FileChange {
	index := make(map[string]int)
	var out []FileChange

	put := func(ch FileChange) {
		if i, ok := index[ch.Path]; ok {
			prev := out[i]
			// A delete after a never-committed create cancels both sides;
			// representing it as a delete is still correct because commit
			// treats deleting an untracked path as a no-op.
			if ch.Action == ActionUpdate && prev.Action == ActionCreate {
				// The file is still new to the branch.
				ch.Action = ActionCreate
			}
			out[i] = ch
			return
		}
		index[ch.Path] = len(out)
		out = append(out, ch)
	}

	for i := range changes {
		ch := changes[i]
		if ch.Action == ActionRename {
			put(FileChange{
				Path:          ch.PrevPath,
				Action:        ActionDelete,
				CommitMessage: ch.CommitMessage,
			})
			put(FileChange{
				Path:          ch.Path,
				Action:        ActionCreate,
				Content:       ch.Content,
				CommitMessage: ch.CommitMessage,
			})
			continue
		}
		put(ch)
	}
	return out
}
