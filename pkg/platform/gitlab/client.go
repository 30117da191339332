// Package gitlab implements the platform.Client contract against the
// GitLab REST API v4.
package gitlab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"daiv/pkg/platform"
)

const defaultBaseURL = "https://gitlab.com"

// Client talks to one GitLab instance with a private token.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Client struct {
	baseURL     string
	token       string
	botUsername string
	httpClient  *http.Client
}

// New creates a GitLab client. An empty baseURL targets gitlab.com.
func New(baseURL, token, botUsername string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		token:       token,
		botUsername: botUsername,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
	}
}

// BotUsername returns the configured bot identity.
func (c *Client) BotUsername() string { return c.botUsername }

// CloneURL returns an authenticated HTTPS clone URL.
func (c *Client) CloneURL(repo string) string {
	host := strings.TrimPrefix(strings.TrimPrefix(c.baseURL, "https://"), "http://")
	return fmt.Sprintf("https://oauth2:%s@%s/%s.git", c.token, host, repo)
}

func (c *Client) projectPath(repo string) string {
	return url.PathEscape(repo)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v4"+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gitlab request %s %s failed: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gitlab %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode gitlab response for %s: %w", path, err)
		}
	}
	return nil
}

type glIssue struct {
	IID       int       `json:"iid"`
	Title     string    `json:"title"`
	Desc      string    `json:"description"`
	State     string    `json:"state"`
	Labels    []string  `json:"labels"`
	UpdatedAt time.Time `json:"updated_at"`
	Author    struct {
		Username string `json:"username"`
	} `json:"author"`
}

// GetIssue fetches one issue by iid.
func (c *Client) GetIssue(ctx context.Context, repo string, id int) (*platform.Issue, error) {
	var issue glIssue
	path := fmt.Sprintf("/projects/%s/issues/%d", c.projectPath(repo), id)
	if err := c.do(ctx, http.MethodGet, path, nil, &issue); err != nil {
		return nil, err
	}
	return &platform.Issue{
		ID:        issue.IID,
		Title:     issue.Title,
		Body:      issue.Desc,
		State:     issue.State,
		Labels:    issue.Labels,
		Author:    issue.Author.Username,
		UpdatedAt: issue.UpdatedAt,
	}, nil
}

type glMergeRequest struct {
	IID          int    `json:"iid"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	State        string `json:"state"`
	SourceBranch string `json:"source_branch"`
	TargetBranch string `json:"target_branch"`
	WebURL       string `json:"web_url"`
	Author       struct {
		Username string `json:"username"`
	} `json:"author"`
}

func (mr *glMergeRequest) toPlatform() *platform.MergeRequest {
	return &platform.MergeRequest{
		ID:           mr.IID,
		Title:        mr.Title,
		Description:  mr.Description,
		State:        mr.State,
		SourceBranch: mr.SourceBranch,
		TargetBranch: mr.TargetBranch,
		Author:       mr.Author.Username,
		WebURL:       mr.WebURL,
	}
}

// GetMergeRequest fetches one MR by iid.
func (c *Client) GetMergeRequest(ctx context.Context, repo string, id int) (*platform.MergeRequest, error) {
	var mr glMergeRequest
	path := fmt.Sprintf("/projects/%s/merge_requests/%d", c.projectPath(repo), id)
	if err := c.do(ctx, http.MethodGet, path, nil, &mr); err != nil {
		return nil, err
	}
	return mr.toPlatform(), nil
}

// ListMergeRequestDiffs returns the file diffs of an MR.
func (c *Client) ListMergeRequestDiffs(ctx context.Context, repo string, id int) ([]platform.Diff, error) {
	var raw []struct {
		OldPath string `json:"old_path"`
		NewPath string `json:"new_path"`
		Diff    string `json:"diff"`
	}
	path := fmt.Sprintf("/projects/%s/merge_requests/%d/diffs", c.projectPath(repo), id)
	if err := c.do(ctx, http.MethodGet, path, nil, &raw); err != nil {
		return nil, err
	}
	diffs := make([]platform.Diff, 0, len(raw))
	for _, d := range raw {
		diffs = append(diffs, platform.Diff{OldPath: d.OldPath, NewPath: d.NewPath, Patch: d.Diff})
	}
	return diffs, nil
}

// CreateMergeRequest opens an MR from sourceBranch into targetBranch.
func (c *Client) CreateMergeRequest(ctx context.Context, repo, sourceBranch, targetBranch, title, description string) (*platform.MergeRequest, error) {
	var mr glMergeRequest
	path := fmt.Sprintf("/projects/%s/merge_requests", c.projectPath(repo))
	body := map[string]any{
		"source_branch":        sourceBranch,
		"target_branch":        targetBranch,
		"title":                title,
		"description":          description,
		"remove_source_branch": true,
	}
	if err := c.do(ctx, http.MethodPost, path, body, &mr); err != nil {
		return nil, err
	}
	return mr.toPlatform(), nil
}

type glNote struct {
	ID   int    `json:"id"`
	Body string `json:"body"`
}

// CreateIssueComment appends a comment to an issue.
func (c *Client) CreateIssueComment(ctx context.Context, repo string, issueID int, body string) (*platform.Comment, error) {
	var note glNote
	path := fmt.Sprintf("/projects/%s/issues/%d/notes", c.projectPath(repo), issueID)
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"body": body}, &note); err != nil {
		return nil, err
	}
	return &platform.Comment{ID: note.ID, Body: note.Body}, nil
}

// CreateMergeRequestComment appends a comment to an MR.
func (c *Client) CreateMergeRequestComment(ctx context.Context, repo string, mrID int, body string) (*platform.Comment, error) {
	var note glNote
	path := fmt.Sprintf("/projects/%s/merge_requests/%d/notes", c.projectPath(repo), mrID)
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"body": body}, &note); err != nil {
		return nil, err
	}
	return &platform.Comment{ID: note.ID, Body: note.Body}, nil
}

type glDiscussion struct {
	ID    string   `json:"id"`
	Notes []glNote `json:"notes"`
}

// CreateDiscussion starts a resolvable discussion on an MR.
func (c *Client) CreateDiscussion(ctx context.Context, repo string, mrID int, body string) (*platform.Comment, error) {
	var disc glDiscussion
	path := fmt.Sprintf("/projects/%s/merge_requests/%d/discussions", c.projectPath(repo), mrID)
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"body": body}, &disc); err != nil {
		return nil, err
	}
	comment := &platform.Comment{DiscussionID: disc.ID, Body: body}
	if len(disc.Notes) > 0 {
		comment.ID = disc.Notes[0].ID
	}
	return comment, nil
}

// ReplyToDiscussion appends a note to an existing discussion.
func (c *Client) ReplyToDiscussion(ctx context.Context, repo string, mrID int, discussionID, body string) (*platform.Comment, error) {
	var note glNote
	path := fmt.Sprintf("/projects/%s/merge_requests/%d/discussions/%s/notes", c.projectPath(repo), mrID, discussionID)
	if err := c.do(ctx, http.MethodPost, path, map[string]string{"body": body}, &note); err != nil {
		return nil, err
	}
	return &platform.Comment{ID: note.ID, DiscussionID: discussionID, Body: note.Body}, nil
}

// ResolveDiscussion marks a discussion resolved.
func (c *Client) ResolveDiscussion(ctx context.Context, repo string, mrID int, discussionID string) error {
	path := fmt.Sprintf("/projects/%s/merge_requests/%d/discussions/%s?resolved=true", c.projectPath(repo), mrID, discussionID)
	return c.do(ctx, http.MethodPut, path, nil, nil)
}

// GetPipeline returns the latest pipeline for a ref, with its jobs.
func (c *Client) GetPipeline(ctx context.Context, repo, ref string) (*platform.Pipeline, error) {
	var pipelines []struct {
		ID     int    `json:"id"`
		Status string `json:"status"`
		WebURL string `json:"web_url"`
	}
	path := fmt.Sprintf("/projects/%s/pipelines?ref=%s&per_page=1", c.projectPath(repo), url.QueryEscape(ref))
	if err := c.do(ctx, http.MethodGet, path, nil, &pipelines); err != nil {
		return nil, err
	}
	if len(pipelines) == 0 {
		return nil, fmt.Errorf("no pipeline found for ref %s", ref)
	}

	pipeline := &platform.Pipeline{
		ID:     pipelines[0].ID,
		Status: pipelines[0].Status,
		WebURL: pipelines[0].WebURL,
	}

	var jobs []struct {
		ID     int    `json:"id"`
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	jobsPath := fmt.Sprintf("/projects/%s/pipelines/%d/jobs", c.projectPath(repo), pipeline.ID)
	if err := c.do(ctx, http.MethodGet, jobsPath, nil, &jobs); err != nil {
		return nil, err
	}
	for _, job := range jobs {
		pipeline.Jobs = append(pipeline.Jobs, platform.Job{ID: job.ID, Name: job.Name, Status: job.Status})
	}
	return pipeline, nil
}

// GetJobLog returns the raw trace of one job.
func (c *Client) GetJobLog(ctx context.Context, repo string, jobID int) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/api/v4/projects/%s/jobs/%d/trace", c.baseURL, c.projectPath(repo), jobID), nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("PRIVATE-TOKEN", c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("gitlab job trace request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("gitlab job trace returned %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("failed to read job trace: %w", err)
	}
	return string(data), nil
}
