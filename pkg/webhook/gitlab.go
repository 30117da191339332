package webhook

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"

	"daiv/pkg/logx"
)

// gitlabHandler authenticates with the X-Gitlab-Token shared secret and
// decodes issue, note, and merge request hooks.
type gitlabHandler struct {
	secret string
	sink   Sink
	logger *logx.Logger
}

//nolint:govet // fieldalignment: mirrors the wire layout
type gitlabPayload struct {
	ObjectKind string `json:"object_kind"`
	User       struct {
		Username string `json:"username"`
	} `json:"user"`
	Project struct {
		PathWithNamespace string `json:"path_with_namespace"`
	} `json:"project"`
	ObjectAttributes struct {
		IID          int    `json:"iid"`
		ID           int    `json:"id"`
		Title        string `json:"title"`
		Description  string `json:"description"`
		Note         string `json:"note"`
		Action       string `json:"action"`
		State        string `json:"state"`
		NoteableType string `json:"noteable_type"`
		DiscussionID string `json:"discussion_id"`
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
	} `json:"object_attributes"`
	Issue struct {
		IID int `json:"iid"`
	} `json:"issue"`
	MergeRequest struct {
		IID          int    `json:"iid"`
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
	} `json:"merge_request"`
	Labels []struct {
		Title string `json:"title"`
	} `json:"labels"`
}

func (h *gitlabHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token := r.Header.Get("X-Gitlab-Token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.secret)) != 1 {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	body, ok := readPayload(w, r)
	if !ok {
		return
	}

	event, err := decodeGitLabEvent(body)
	if err != nil {
		h.logger.Warn("rejected gitlab payload: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if event != nil {
		h.sink.HandleEvent(r.Context(), event)
	}
	w.WriteHeader(http.StatusOK)
}

// decodeGitLabEvent maps a hook payload to a neutral event. A nil event
// with nil error means the hook kind is not one we act on.
func decodeGitLabEvent(body []byte) (*Event, error) {
	var payload gitlabPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if payload.Project.PathWithNamespace == "" {
		return nil, fmt.Errorf("payload missing project path")
	}

	event := &Event{
		Repo:   payload.Project.PathWithNamespace,
		Author: payload.User.Username,
	}
	for _, label := range payload.Labels {
		event.Labels = append(event.Labels, label.Title)
	}

	attrs := &payload.ObjectAttributes
	switch payload.ObjectKind {
	case "issue":
		event.IssueID = attrs.IID
		event.Title = attrs.Title
		event.Body = attrs.Description
		switch attrs.Action {
		case "open":
			event.Kind = EventIssueOpened
		case "update", "reopen":
			event.Kind = EventIssueUpdated
		case "close":
			event.Kind = EventIssueClosed
		default:
			return nil, nil
		}
	case "note":
		event.Kind = EventCommentCreated
		event.Body = attrs.Note
		event.DiscussionID = attrs.DiscussionID
		switch attrs.NoteableType {
		case "Issue":
			event.IssueID = payload.Issue.IID
		case "MergeRequest":
			event.MergeRequestID = payload.MergeRequest.IID
			event.SourceBranch = payload.MergeRequest.SourceBranch
			event.TargetBranch = payload.MergeRequest.TargetBranch
		default:
			return nil, nil
		}
	case "merge_request":
		if attrs.Action != "close" && attrs.Action != "merge" {
			return nil, nil
		}
		event.Kind = EventMergeRequestClosed
		event.MergeRequestID = attrs.IID
		event.SourceBranch = attrs.SourceBranch
		event.TargetBranch = attrs.TargetBranch
	default:
		return nil, nil
	}
	return event, nil
}

// compile-time interface check
var _ http.Handler = (*gitlabHandler)(nil)
