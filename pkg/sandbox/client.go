// Package sandbox is the HTTP client for the command-execution service.
// The service runs commands inside a container image, keeps session state
// between calls, and reports file modifications back as a unified patch.
// The working copy never mounts into the container; it travels as a tar
// archive and only the patch comes back.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Client talks to one sandbox service instance.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a sandbox client with bearer-token auth.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		// Command runs can be slow (dependency installs, formatters over a
		// large tree); the per-call timeout reflects that.
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
}

// RunRequest is one batch of commands against a session.
//
//nolint:govet // fieldalignment: logical grouping preferred
type RunRequest struct {
	// SessionID reuses an existing container when non-empty. When empty the
	// service starts a fresh session from BaseImage.
	SessionID string
	// BaseImage is the container image for a new session. Ignored when
	// SessionID is set.
	BaseImage string
	// Commands run in order; execution stops at the first non-zero exit.
	Commands []string
	// Archive is an optional tar.gz of the working copy to seed or refresh
	// the session's filesystem.
	Archive io.Reader
	// ExtractPatch asks the service to diff the session filesystem after the
	// run and return the changes as a unified patch.
	ExtractPatch bool
}

// CommandResult is the outcome of one command.
type CommandResult struct {
	Command  string `json:"command"`
	ExitCode int    `json:"exit_code"`
	Output   string `json:"output"`
}

// RunResponse is the service's reply to a run.
type RunResponse struct {
	SessionID string          `json:"session_id"`
	Results   []CommandResult `json:"results"`
	Patch     string          `json:"patch,omitempty"`
}

// Failed reports whether any command exited non-zero.
func (r *RunResponse) Failed() bool {
	for _, result := range r.Results {
		if result.ExitCode != 0 {
			return true
		}
	}
	return false
}

// Run executes a batch of commands, retrying transient transport failures.
// A non-zero command exit is not an error; callers inspect Results.
func (c *Client) Run(ctx context.Context, req *RunRequest) (*RunResponse, error) {
	body, contentType, err := c.encodeRun(req)
	if err != nil {
		return nil, err
	}

	var resp *RunResponse
	operation := func() error {
		r, opErr := c.postRun(ctx, body, contentType)
		if opErr != nil {
			return opErr
		}
		resp = r
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(operation, policy); err != nil {
		return nil, fmt.Errorf("sandbox run failed: %w", err)
	}
	return resp, nil
}

func (c *Client) encodeRun(req *RunRequest) ([]byte, string, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	meta := map[string]any{
		"session_id":    req.SessionID,
		"base_image":    req.BaseImage,
		"commands":      req.Commands,
		"extract_patch": req.ExtractPatch,
	}
	metaField, err := writer.CreateFormField("request")
	if err != nil {
		return nil, "", fmt.Errorf("failed to build request form: %w", err)
	}
	if err := json.NewEncoder(metaField).Encode(meta); err != nil {
		return nil, "", fmt.Errorf("failed to encode run request: %w", err)
	}

	if req.Archive != nil {
		part, err := writer.CreateFormFile("archive", "workspace.tar.gz")
		if err != nil {
			return nil, "", fmt.Errorf("failed to build archive form: %w", err)
		}
		if _, err := io.Copy(part, req.Archive); err != nil {
			return nil, "", fmt.Errorf("failed to attach workspace archive: %w", err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to finalize request form: %w", err)
	}
	return buf.Bytes(), writer.FormDataContentType(), nil
}

func (c *Client) postRun(ctx context.Context, body []byte, contentType string) (*RunResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/run/", bytes.NewReader(body))
	if err != nil {
		return backoffPermanent[*RunResponse](fmt.Errorf("failed to build sandbox request: %w", err))
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sandbox request failed: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("sandbox returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return backoffPermanent[*RunResponse](fmt.Errorf("sandbox returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data))))
	}

	var out RunResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return backoffPermanent[*RunResponse](fmt.Errorf("failed to decode sandbox response: %w", err))
	}
	return &out, nil
}

// CloseSession discards a session's container and state. Missing sessions
// are not an error; the service expires idle ones on its own.
func (c *Client) CloseSession(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.baseURL+"/sessions/"+sessionID, nil)
	if err != nil {
		return fmt.Errorf("failed to build sandbox request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("sandbox session close failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNotFound {
		return fmt.Errorf("sandbox session close returned %d", resp.StatusCode)
	}
	return nil
}

func backoffPermanent[T any](err error) (T, error) {
	var zero T
	return zero, backoff.Permanent(err)
}
