package tools

import (
	"context"
	"fmt"

	"daiv/pkg/platform"
)

const maxJobLogBytes = 64 * 1024

// PlatformContext binds the fetch tools to one repository on one platform.
type PlatformContext struct {
	Client platform.Client
	Repo   string
}

// GetPipelineTool fetches the latest pipeline status for a ref.
type GetPipelineTool struct {
	pctx *PlatformContext
}

// NewGetPipelineTool creates a get_pipeline tool.
func NewGetPipelineTool(pctx *PlatformContext) *GetPipelineTool {
	return &GetPipelineTool{pctx: pctx}
}

// Name returns the tool identifier.
func (t *GetPipelineTool) Name() string { return ToolGetPipeline }

// SideEffect returns the tool's side-effect class.
func (t *GetPipelineTool) SideEffect() SideEffect { return SideEffectExternal }

// Definition returns the tool definition for the LLM.
func (t *GetPipelineTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolGetPipeline,
		Description: "Fetch the latest CI pipeline for a branch or ref, including its jobs and their statuses.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"ref": {Type: "string", Description: "Branch or ref to look up"},
			},
			Required: []string{"ref"},
		},
	}
}

// Exec executes the fetch.
func (t *GetPipelineTool) Exec(ctx context.Context, args map[string]any) (any, error) {
	ref, ok := stringArg(args, "ref")
	if !ok || ref == "" {
		return ErrorResult("ref is required"), nil
	}

	pipeline, err := t.pctx.Client.GetPipeline(ctx, t.pctx.Repo, ref)
	if err != nil {
		return ErrorResult("failed to fetch pipeline for %s: %v", ref, err), nil
	}

	jobs := make([]map[string]any, 0, len(pipeline.Jobs))
	for _, job := range pipeline.Jobs {
		jobs = append(jobs, map[string]any{
			"id":     job.ID,
			"name":   job.Name,
			"status": job.Status,
		})
	}
	return OkResult(fmt.Sprintf("pipeline %d is %s", pipeline.ID, pipeline.Status), map[string]any{
		"id":     pipeline.ID,
		"status": pipeline.Status,
		"jobs":   jobs,
	}), nil
}

// GetJobLogTool fetches the trace of one CI job, tail-truncated.
type GetJobLogTool struct {
	pctx *PlatformContext
}

// NewGetJobLogTool creates a get_job_log tool.
func NewGetJobLogTool(pctx *PlatformContext) *GetJobLogTool {
	return &GetJobLogTool{pctx: pctx}
}

// Name returns the tool identifier.
func (t *GetJobLogTool) Name() string { return ToolGetJobLog }

// SideEffect returns the tool's side-effect class.
func (t *GetJobLogTool) SideEffect() SideEffect { return SideEffectExternal }

// Definition returns the tool definition for the LLM.
func (t *GetJobLogTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolGetJobLog,
		Description: "Fetch the log of a CI job by id. Long logs are truncated to the final portion, which usually contains the failure.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"job_id": {Type: "integer", Description: "Job id, as reported by get_pipeline"},
			},
			Required: []string{"job_id"},
		},
	}
}

// Exec executes the fetch. The tail is kept on truncation since failures
// print last.
func (t *GetJobLogTool) Exec(ctx context.Context, args map[string]any) (any, error) {
	jobID := intArgOrDefault(args, "job_id", 0)
	if jobID <= 0 {
		return ErrorResult("job_id is required and must be a positive integer"), nil
	}

	log, err := t.pctx.Client.GetJobLog(ctx, t.pctx.Repo, jobID)
	if err != nil {
		return ErrorResult("failed to fetch log for job %d: %v", jobID, err), nil
	}

	truncated := false
	if len(log) > maxJobLogBytes {
		log = log[len(log)-maxJobLogBytes:]
		truncated = true
	}
	return OkResult(fmt.Sprintf("fetched log for job %d", jobID), map[string]any{
		"log":       log,
		"truncated": truncated,
	}), nil
}

// GetMergeRequestTool fetches an MR with its file diffs.
type GetMergeRequestTool struct {
	pctx *PlatformContext
}

// NewGetMergeRequestTool creates a get_merge_request tool.
func NewGetMergeRequestTool(pctx *PlatformContext) *GetMergeRequestTool {
	return &GetMergeRequestTool{pctx: pctx}
}

// Name returns the tool identifier.
func (t *GetMergeRequestTool) Name() string { return ToolGetMergeRequest }

// SideEffect returns the tool's side-effect class.
func (t *GetMergeRequestTool) SideEffect() SideEffect { return SideEffectExternal }

// Definition returns the tool definition for the LLM.
func (t *GetMergeRequestTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolGetMergeRequest,
		Description: "Fetch a merge request by id: title, description, branches, and the per-file diffs.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"id": {Type: "integer", Description: "Merge request id"},
			},
			Required: []string{"id"},
		},
	}
}

// Exec executes the fetch.
func (t *GetMergeRequestTool) Exec(ctx context.Context, args map[string]any) (any, error) {
	id := intArgOrDefault(args, "id", 0)
	if id <= 0 {
		return ErrorResult("id is required and must be a positive integer"), nil
	}

	mr, err := t.pctx.Client.GetMergeRequest(ctx, t.pctx.Repo, id)
	if err != nil {
		return ErrorResult("failed to fetch merge request %d: %v", id, err), nil
	}
	diffs, err := t.pctx.Client.ListMergeRequestDiffs(ctx, t.pctx.Repo, id)
	if err != nil {
		return ErrorResult("failed to fetch diffs for merge request %d: %v", id, err), nil
	}

	files := make([]map[string]any, 0, len(diffs))
	for _, d := range diffs {
		files = append(files, map[string]any{
			"old_path": d.OldPath,
			"new_path": d.NewPath,
			"patch":    d.Patch,
		})
	}
	return OkResult(fmt.Sprintf("merge request %d: %s", mr.ID, mr.Title), map[string]any{
		"title":         mr.Title,
		"description":   mr.Description,
		"state":         mr.State,
		"source_branch": mr.SourceBranch,
		"target_branch": mr.TargetBranch,
		"diffs":         files,
	}), nil
}

// GetIssueTool fetches an issue by id.
type GetIssueTool struct {
	pctx *PlatformContext
}

// NewGetIssueTool creates a get_issue tool.
func NewGetIssueTool(pctx *PlatformContext) *GetIssueTool {
	return &GetIssueTool{pctx: pctx}
}

// Name returns the tool identifier.
func (t *GetIssueTool) Name() string { return ToolGetIssue }

// SideEffect returns the tool's side-effect class.
func (t *GetIssueTool) SideEffect() SideEffect { return SideEffectExternal }

// Definition returns the tool definition for the LLM.
func (t *GetIssueTool) Definition() ToolDefinition {
	return ToolDefinition{
		Name:        ToolGetIssue,
		Description: "Fetch an issue by id: title, body, state, and labels.",
		InputSchema: InputSchema{
			Type: "object",
			Properties: map[string]Property{
				"id": {Type: "integer", Description: "Issue id"},
			},
			Required: []string{"id"},
		},
	}
}

// Exec executes the fetch.
func (t *GetIssueTool) Exec(ctx context.Context, args map[string]any) (any, error) {
	id := intArgOrDefault(args, "id", 0)
	if id <= 0 {
		return ErrorResult("id is required and must be a positive integer"), nil
	}

	issue, err := t.pctx.Client.GetIssue(ctx, t.pctx.Repo, id)
	if err != nil {
		return ErrorResult("failed to fetch issue %d: %v", id, err), nil
	}
	return OkResult(fmt.Sprintf("issue %d: %s", issue.ID, issue.Title), map[string]any{
		"title":  issue.Title,
		"body":   issue.Body,
		"state":  issue.State,
		"labels": issue.Labels,
	}), nil
}
