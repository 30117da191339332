// Package prompts provides template rendering for agent prompts and the
// comments the service posts back to the platform.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"daiv/pkg/proto"
)

//go:embed *.tpl.md
var templateFS embed.FS

// Data holds the fields templates may reference. Unused fields render as
// empty; templates guard optional sections with conditionals.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Data struct {
	Repo            string
	DefaultBranch   string
	Date            string // day precision, e.g. "2026-08-24"
	RepoDescription string
	AgentsContext   string // contents of the repo's AGENTS.md, if present
	BotUsername     string

	IssueTitle string
	IssueBody  string
	Comment    string

	Plan      *proto.Plan
	Questions []string
	Changes   []proto.FileChange

	Extra map[string]any
}

// Template names one embedded prompt template.
type Template string

const (
	// PlannerSystemTemplate is the planning-phase system prompt.
	PlannerSystemTemplate Template = "planner_system.tpl.md"
	// ExecutorSystemTemplate is the execution-phase system prompt.
	ExecutorSystemTemplate Template = "executor_system.tpl.md"
	// ReplySystemTemplate is the system prompt for answering review questions directly.
	ReplySystemTemplate Template = "reply_system.tpl.md"
	// ClassifyReplyTemplate asks the classifier model for an approval verdict.
	ClassifyReplyTemplate Template = "classify_reply.tpl.md"
	// ClassifyCommentTemplate asks the classifier model for a review comment kind.
	ClassifyCommentTemplate Template = "classify_comment.tpl.md"
	// DescribeChangeTemplate asks the describer model for a commit/MR message.
	DescribeChangeTemplate Template = "describe_change.tpl.md"
	// PlanCommentTemplate renders an approved-pending plan as a platform comment.
	PlanCommentTemplate Template = "plan_comment.tpl.md"
	// QuestionsCommentTemplate renders clarification questions as a platform comment.
	QuestionsCommentTemplate Template = "questions_comment.tpl.md"
)

var allTemplates = []Template{
	PlannerSystemTemplate,
	ExecutorSystemTemplate,
	ReplySystemTemplate,
	ClassifyReplyTemplate,
	ClassifyCommentTemplate,
	DescribeChangeTemplate,
	PlanCommentTemplate,
	QuestionsCommentTemplate,
}

// Renderer holds the parsed template set.
type Renderer struct {
	templates map[Template]*template.Template
}

// NewRenderer parses every embedded template.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{templates: make(map[Template]*template.Template, len(allTemplates))}

	for _, name := range allTemplates {
		content, err := templateFS.ReadFile(string(name))
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", name, err)
		}
		tmpl, err := template.New(string(name)).Funcs(template.FuncMap{
			"contains": strings.Contains,
			"add":      func(a, b int) int { return a + b },
		}).Parse(string(content))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", name, err)
		}
		r.templates[name] = tmpl
	}
	return r, nil
}

// Render executes the named template with the given data.
func (r *Renderer) Render(name Template, data *Data) (string, error) {
	tmpl, ok := r.templates[name]
	if !ok {
		return "", fmt.Errorf("template %s not found", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()) + "\n", nil
}
