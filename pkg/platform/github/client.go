// Package github implements the platform.Client contract against the
// GitHub REST API. GitHub has no first-class resolvable MR-level
// discussions outside code reviews, so discussions map to issue comments
// and resolution is signalled with a reaction.
package github

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	gogithub "github.com/google/go-github/v84/github"
	"golang.org/x/oauth2"

	"daiv/pkg/platform"
)

const maxJobLogBytes = 1 << 20

// Client talks to github.com or a GitHub Enterprise instance.
type Client struct {
	gh          *gogithub.Client
	host        string
	token       string
	botUsername string
}

// New creates a GitHub platform client. baseURL is empty for github.com or
// the root URL of an Enterprise instance.
func New(baseURL, token, botUsername string) (*Client, error) {
	httpClient := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(
		&oauth2.Token{AccessToken: token},
	))

	gh := gogithub.NewClient(httpClient)
	host := "github.com"
	if baseURL != "" {
		var err error
		gh, err = gh.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, fmt.Errorf("invalid enterprise URL %q: %w", baseURL, err)
		}
		host = strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
		host = strings.TrimSuffix(host, "/")
	}

	return &Client{
		gh:          gh,
		host:        host,
		token:       token,
		botUsername: botUsername,
	}, nil
}

// BotUsername returns the identity the service acts as.
func (c *Client) BotUsername() string { return c.botUsername }

// CloneURL returns an authenticated HTTPS clone URL.
func (c *Client) CloneURL(repo string) string {
	return fmt.Sprintf("https://x-access-token:%s@%s/%s.git", c.token, c.host, repo)
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("repository must be owner/name, got %q", repo)
	}
	return parts[0], parts[1], nil
}

// issueState maps GitHub's open/closed to the platform-neutral states.
func issueState(s string) string {
	if s == "open" {
		return "opened"
	}
	return s
}

// GetIssue fetches one issue.
func (c *Client) GetIssue(ctx context.Context, repo string, id int) (*platform.Issue, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	issue, _, err := c.gh.Issues.Get(ctx, owner, name, id)
	if err != nil {
		return nil, fmt.Errorf("get issue %s#%d: %w", repo, id, err)
	}

	labels := make([]string, 0, len(issue.Labels))
	for _, l := range issue.Labels {
		labels = append(labels, l.GetName())
	}
	return &platform.Issue{
		ID:        issue.GetNumber(),
		Title:     issue.GetTitle(),
		Body:      issue.GetBody(),
		State:     issueState(issue.GetState()),
		Labels:    labels,
		Author:    issue.GetUser().GetLogin(),
		UpdatedAt: issue.GetUpdatedAt().Time,
	}, nil
}

func toPlatformMR(pr *gogithub.PullRequest) *platform.MergeRequest {
	return &platform.MergeRequest{
		ID:           pr.GetNumber(),
		Title:        pr.GetTitle(),
		Description:  pr.GetBody(),
		State:        issueState(pr.GetState()),
		SourceBranch: pr.GetHead().GetRef(),
		TargetBranch: pr.GetBase().GetRef(),
		Author:       pr.GetUser().GetLogin(),
		WebURL:       pr.GetHTMLURL(),
	}
}

// GetMergeRequest fetches one pull request.
func (c *Client) GetMergeRequest(ctx context.Context, repo string, id int) (*platform.MergeRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	pr, _, err := c.gh.PullRequests.Get(ctx, owner, name, id)
	if err != nil {
		return nil, fmt.Errorf("get pull request %s#%d: %w", repo, id, err)
	}
	return toPlatformMR(pr), nil
}

// ListMergeRequestDiffs returns the per-file diffs of a pull request.
func (c *Client) ListMergeRequestDiffs(ctx context.Context, repo string, id int) ([]platform.Diff, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	var diffs []platform.Diff
	opts := &gogithub.ListOptions{PerPage: 100}
	for {
		files, resp, err := c.gh.PullRequests.ListFiles(ctx, owner, name, id, opts)
		if err != nil {
			return nil, fmt.Errorf("list files for %s#%d: %w", repo, id, err)
		}
		for _, f := range files {
			oldPath := f.GetPreviousFilename()
			if oldPath == "" {
				oldPath = f.GetFilename()
			}
			diffs = append(diffs, platform.Diff{
				OldPath: oldPath,
				NewPath: f.GetFilename(),
				Patch:   f.GetPatch(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return diffs, nil
}

// CreateMergeRequest opens a pull request from sourceBranch into
// targetBranch.
func (c *Client) CreateMergeRequest(ctx context.Context, repo, sourceBranch, targetBranch, title, description string) (*platform.MergeRequest, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	pr, _, err := c.gh.PullRequests.Create(ctx, owner, name, &gogithub.NewPullRequest{
		Title: gogithub.Ptr(title),
		Head:  gogithub.Ptr(sourceBranch),
		Base:  gogithub.Ptr(targetBranch),
		Body:  gogithub.Ptr(description),
	})
	if err != nil {
		return nil, fmt.Errorf("create pull request %s %s->%s: %w", repo, sourceBranch, targetBranch, err)
	}
	return toPlatformMR(pr), nil
}

func toPlatformComment(comment *gogithub.IssueComment) *platform.Comment {
	id := comment.GetID()
	return &platform.Comment{
		ID:           int(id),
		DiscussionID: strconv.FormatInt(id, 10),
		Body:         comment.GetBody(),
		Author:       comment.GetUser().GetLogin(),
	}
}

func (c *Client) createComment(ctx context.Context, repo string, number int, body string) (*platform.Comment, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}
	comment, _, err := c.gh.Issues.CreateComment(ctx, owner, name, number, &gogithub.IssueComment{
		Body: gogithub.Ptr(body),
	})
	if err != nil {
		return nil, fmt.Errorf("create comment on %s#%d: %w", repo, number, err)
	}
	return toPlatformComment(comment), nil
}

// CreateIssueComment appends a comment to an issue.
func (c *Client) CreateIssueComment(ctx context.Context, repo string, issueID int, body string) (*platform.Comment, error) {
	return c.createComment(ctx, repo, issueID, body)
}

// CreateMergeRequestComment appends a comment to a pull request. Pull
// requests share the issue comment endpoint.
func (c *Client) CreateMergeRequestComment(ctx context.Context, repo string, mrID int, body string) (*platform.Comment, error) {
	return c.createComment(ctx, repo, mrID, body)
}

// CreateDiscussion starts a comment thread on a pull request. The comment
// id doubles as the discussion id for replies.
func (c *Client) CreateDiscussion(ctx context.Context, repo string, mrID int, body string) (*platform.Comment, error) {
	return c.createComment(ctx, repo, mrID, body)
}

// ReplyToDiscussion appends to a thread by quoting the parent comment
// reference, which keeps the conversation greppable in the PR timeline.
func (c *Client) ReplyToDiscussion(ctx context.Context, repo string, mrID int, discussionID, body string) (*platform.Comment, error) {
	comment, err := c.createComment(ctx, repo, mrID, body)
	if err != nil {
		return nil, err
	}
	comment.DiscussionID = discussionID
	return comment, nil
}

// ResolveDiscussion marks a thread handled with a thumbs-up reaction on
// the root comment.
func (c *Client) ResolveDiscussion(ctx context.Context, repo string, _ int, discussionID string) error {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return err
	}
	commentID, err := strconv.ParseInt(discussionID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid discussion id %q: %w", discussionID, err)
	}
	_, _, err = c.gh.Reactions.CreateIssueCommentReaction(ctx, owner, name, commentID, "+1")
	if err != nil {
		return fmt.Errorf("resolve discussion %s: %w", discussionID, err)
	}
	return nil
}

// GetPipeline returns the latest workflow run for a ref with its jobs.
func (c *Client) GetPipeline(ctx context.Context, repo, ref string) (*platform.Pipeline, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return nil, err
	}

	runs, _, err := c.gh.Actions.ListRepositoryWorkflowRuns(ctx, owner, name, &gogithub.ListWorkflowRunsOptions{
		Branch:      ref,
		ListOptions: gogithub.ListOptions{PerPage: 1},
	})
	if err != nil {
		return nil, fmt.Errorf("list workflow runs for %s@%s: %w", repo, ref, err)
	}
	if runs.GetTotalCount() == 0 || len(runs.WorkflowRuns) == 0 {
		return nil, fmt.Errorf("no workflow runs for %s@%s", repo, ref)
	}
	run := runs.WorkflowRuns[0]

	status := run.GetStatus()
	if conclusion := run.GetConclusion(); conclusion != "" {
		status = conclusion
	}
	pipeline := &platform.Pipeline{
		ID:     int(run.GetID()),
		Status: status,
		WebURL: run.GetHTMLURL(),
	}

	jobs, _, err := c.gh.Actions.ListWorkflowJobs(ctx, owner, name, run.GetID(), &gogithub.ListWorkflowJobsOptions{
		ListOptions: gogithub.ListOptions{PerPage: 100},
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs for run %d: %w", run.GetID(), err)
	}
	for _, job := range jobs.Jobs {
		jobStatus := job.GetStatus()
		if conclusion := job.GetConclusion(); conclusion != "" {
			jobStatus = conclusion
		}
		pipeline.Jobs = append(pipeline.Jobs, platform.Job{
			ID:     int(job.GetID()),
			Name:   job.GetName(),
			Status: jobStatus,
		})
	}
	return pipeline, nil
}

// GetJobLog downloads the log of one workflow job, capped at 1MB.
func (c *Client) GetJobLog(ctx context.Context, repo string, jobID int) (string, error) {
	owner, name, err := splitRepo(repo)
	if err != nil {
		return "", err
	}

	logURL, _, err := c.gh.Actions.GetWorkflowJobLogs(ctx, owner, name, int64(jobID), 3)
	if err != nil {
		return "", fmt.Errorf("get log URL for job %d: %w", jobID, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logURL.String(), nil)
	if err != nil {
		return "", fmt.Errorf("build log request: %w", err)
	}
	// The signed log URL rejects requests carrying an extra Authorization
	// header, so fetch it with a plain client.
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("download log for job %d: %w", jobID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download log for job %d: status %d", jobID, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxJobLogBytes))
	if err != nil {
		return "", fmt.Errorf("read log for job %d: %w", jobID, err)
	}
	return string(data), nil
}
