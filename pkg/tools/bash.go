package tools

import (
	"context"
	"io"
	"sync"

	"daiv/pkg/sandbox"
)

const maxBashOutputBytes = 16 * 1024

// SandboxRunner is the slice of the sandbox client the bash tool needs.
type SandboxRunner interface {
	Run(ctx context.Context, req *sandbox.RunRequest) (*sandbox.RunResponse, error)
}

// SandboxSession tracks the container session shared by every bash call in
// one run, so installed dependencies survive between commands. The id is
// checkpointed with the rest of the run state.
type SandboxSession struct {
	mu sync.Mutex
	id string
}

// NewSandboxSession creates an empty session handle.
func NewSandboxSession() *SandboxSession { return &SandboxSession{} }

// ID returns the current session id, empty before the first command.
func (s *SandboxSession) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Restore seeds the handle from a checkpointed session id.
func (s *SandboxSession) Restore(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

func (s *SandboxSession) set(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = id
}

// BashTool runs one shell command inside the sandbox session. The working
// copy travels to the service as an archive and command-made file changes
// come back as a patch the caller applies.
//
//nolint:govet // fieldalignment: logical grouping preferred
type BashTool struct {
	runner    SandboxRunner
	session   *SandboxSession
	baseImage string

	// archive produces a fresh tar.gz of the working copy. Uploaded on every
	// call so the sandbox sees edits made since the previous command.
	archive func(ctx context.Context) (io.Reader, error)
	// applyPatch lands sandbox-side file changes in the working copy.
	// All-or-nothing; a rejected patch surfaces as a tool error result.
	applyPatch func(patch string) error
}

// NewBashTool creates a bash tool bound to a sandbox session and working
// copy.
func NewBashTool(runner SandboxRunner, session *SandboxSession, baseImage string, archive func(ctx context.Context) (io.Reader, error), applyPatch func(patch string) error) *BashTool {
	return &BashTool{
		runner:     runner,
		session:    session,
		baseImage:  baseImage,
		archive:    archive,
		applyPatch: applyPatch,
	}
}

// Name returns the tool identifier.
func (t *BashTool) Name() string { return ToolBash }

// SideEffect returns the tool's side-effect class.
func (t *BashTool) SideEffect() SideEffect { return SideEffectExternal }

// Definition returns the tool definition for the LLM.
func (t *BashTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolBash,
		Description: "Run a shell command in an isolated container seeded with the current working copy. State installed by earlier commands persists within the run. File changes the command makes are applied back to the working copy.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"command": {Type: "string", Description: "Shell command to run"},
			},
			Required: []string{"command"},
		},
	}
}

// Exec executes the command.
func (t *BashTool) Exec(ctx context.Context, args map[string]any) (any, error) {
	command, ok := stringArg(args, "command")
	if !ok || command == "" {
		return ErrorResult("command is required"), nil
	}

	archive, err := t.archive(ctx)
	if err != nil {
		return ErrorResult("failed to archive working copy: %v", err), nil
	}

	resp, err := t.runner.Run(ctx, &sandbox.RunRequest{
		SessionID:    t.session.ID(),
		BaseImage:    t.baseImage,
		Commands:     []string{command},
		Archive:      archive,
		ExtractPatch: true,
	})
	if err != nil {
		return ErrorResult("sandbox unavailable: %v", err), nil
	}
	t.session.set(resp.SessionID)

	var exitCode int
	var output string
	if len(resp.Results) > 0 {
		exitCode = resp.Results[0].ExitCode
		output = resp.Results[0].Output
	}
	truncated := false
	if len(output) > maxBashOutputBytes {
		output = output[len(output)-maxBashOutputBytes:]
		truncated = true
	}

	if resp.Patch != "" {
		if err := t.applyPatch(resp.Patch); err != nil {
			return ErrorResult("command ran (exit %d) but its file changes could not be applied: %v", exitCode, err), nil
		}
	}

	if exitCode != 0 {
		return ErrorResult("command exited %d:\n%s", exitCode, output), nil
	}
	return OkResult("command succeeded (exit 0)", map[string]any{
		"output":    output,
		"truncated": truncated,
	}), nil
}
