// Package platform defines the minimal capability set the core requires
// from a hosted Git platform, and houses the GitLab and GitHub
// implementations. The core depends only on this contract; the transport
// belongs to each platform.
package platform

import (
	"context"
	"time"
)

// Issue is the platform-neutral view of an issue.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Issue struct {
	ID        int
	Title     string
	Body      string
	State     string // "opened" or "closed"
	Labels    []string
	Author    string
	UpdatedAt time.Time
}

// MergeRequest is the platform-neutral view of an MR/PR.
//
//nolint:govet // fieldalignment: logical grouping preferred
type MergeRequest struct {
	ID           int
	Title        string
	Description  string
	State        string
	SourceBranch string
	TargetBranch string
	Author       string
	WebURL       string
}

// Diff is one file diff of a merge request.
type Diff struct {
	OldPath string
	NewPath string
	Patch   string
}

// Pipeline is the latest pipeline status for a ref.
type Pipeline struct {
	ID     int
	Status string
	WebURL string
	Jobs   []Job
}

// Job is one pipeline job.
type Job struct {
	ID     int
	Name   string
	Status string
}

// Comment identifies a posted comment/discussion note.
type Comment struct {
	ID           int
	DiscussionID string
	Body         string
	Author       string
}

// Client is the capability set the core requires from a platform.
type Client interface {
	GetIssue(ctx context.Context, repo string, id int) (*Issue, error)
	GetMergeRequest(ctx context.Context, repo string, id int) (*MergeRequest, error)
	ListMergeRequestDiffs(ctx context.Context, repo string, id int) ([]Diff, error)
	CreateMergeRequest(ctx context.Context, repo, sourceBranch, targetBranch, title, description string) (*MergeRequest, error)

	// CreateIssueComment appends a comment to an issue.
	CreateIssueComment(ctx context.Context, repo string, issueID int, body string) (*Comment, error)
	// CreateMergeRequestComment appends a comment to an MR.
	CreateMergeRequestComment(ctx context.Context, repo string, mrID int, body string) (*Comment, error)
	// CreateDiscussion starts a resolvable discussion on an MR.
	CreateDiscussion(ctx context.Context, repo string, mrID int, body string) (*Comment, error)
	// ReplyToDiscussion appends to an existing discussion thread.
	ReplyToDiscussion(ctx context.Context, repo string, mrID int, discussionID, body string) (*Comment, error)
	// ResolveDiscussion marks a discussion resolved.
	ResolveDiscussion(ctx context.Context, repo string, mrID int, discussionID string) error

	GetPipeline(ctx context.Context, repo, ref string) (*Pipeline, error)
	GetJobLog(ctx context.Context, repo string, jobID int) (string, error)

	// CloneURL returns an authenticated HTTPS clone URL for the repository.
	CloneURL(repo string) string
	// BotUsername returns the identity the service acts as, used to ignore
	// self-generated events.
	BotUsername() string
}
