// Package proto defines the shared protocol types exchanged between the
// addressors, the agent runtime, and the durable store: request contexts,
// thread identifiers, plans, todo lists, file changes, and approval states.
package proto

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// RequestContext carries the immutable per-invocation identity of a thread.
// The orchestrator owns it; the agent runtime only reads it.
//
//nolint:govet // fieldalignment: logical grouping preferred
type RequestContext struct {
	RepoID     string `json:"repo_id"`
	SourceRef  string `json:"source_ref"`
	TargetRef  string `json:"target_ref"`
	ClientSlug string `json:"client_slug"` // "gitlab" or "github"
	ThreadID   string `json:"thread_id"`
	Actor      string `json:"actor"`
}

// Validate checks that the context identifies a concrete repository thread.
func (c *RequestContext) Validate() error {
	if c.RepoID == "" {
		return fmt.Errorf("request context missing repo_id")
	}
	if c.TargetRef == "" {
		return fmt.Errorf("request context missing target_ref")
	}
	if c.ThreadID == "" {
		return fmt.Errorf("request context missing thread_id")
	}
	return nil
}

const maxThreadIDLen = 200

// ThreadIDFor derives the durable thread id for a (repository, identifier)
// pair. The result is deterministic and contains only characters legal in
// the checkpoint store namespace: lowercase alphanumerics, '-' and '_'.
// Dots, slashes, and control characters are folded to '-' so refs like
// "fix/python-version-3.11" produce stable, collision-free keys.
func ThreadIDFor(repo, identifier string) string {
	raw := repo + "-" + identifier
	return SanitizeThreadID(raw)
}

// SanitizeThreadID maps an arbitrary string onto the checkpoint namespace
// alphabet. Runs of illegal characters collapse to a single '-'.
func SanitizeThreadID(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))

	lastDash := false
	for _, r := range strings.ToLower(raw) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
			lastDash = false
		case r == '-':
			if !lastDash {
				b.WriteByte('-')
			}
			lastDash = true
		default:
			// Dots, slashes, spaces, control characters all fold to '-'.
			if !lastDash {
				b.WriteByte('-')
			}
			lastDash = true
		}
	}

	id := strings.Trim(b.String(), "-")
	if len(id) > maxThreadIDLen {
		id = id[:maxThreadIDLen]
		id = strings.Trim(id, "-")
	}
	if id == "" {
		id = "thread"
	}
	return id
}

// GenerateCorrelationID returns a fresh id used to tie a failure comment to
// its server-side log records.
func GenerateCorrelationID() string {
	return "daiv-" + uuid.NewString()[:8]
}

// GenerateSessionID returns a fresh sandbox session identifier.
func GenerateSessionID() string {
	return "sess-" + uuid.NewString()
}
