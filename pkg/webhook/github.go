package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"daiv/pkg/logx"
)

// githubHandler verifies the X-Hub-Signature-256 HMAC and decodes issues,
// issue_comment, and pull_request deliveries.
type githubHandler struct {
	secret string
	sink   Sink
	logger *logx.Logger
}

//nolint:govet // fieldalignment: mirrors the wire layout
type githubPayload struct {
	Action     string `json:"action"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
	Sender struct {
		Login string `json:"login"`
	} `json:"sender"`
	Issue struct {
		Number int    `json:"number"`
		Title  string `json:"title"`
		Body   string `json:"body"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
		PullRequest *struct{} `json:"pull_request"`
	} `json:"issue"`
	Comment struct {
		ID   int64  `json:"id"`
		Body string `json:"body"`
	} `json:"comment"`
	PullRequest struct {
		Number int  `json:"number"`
		Merged bool `json:"merged"`
		Head   struct {
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
}

func (h *githubHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, ok := readPayload(w, r)
	if !ok {
		return
	}
	if !verifySignature(h.secret, r.Header.Get("X-Hub-Signature-256"), body) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	event, err := decodeGitHubEvent(r.Header.Get("X-GitHub-Event"), body)
	if err != nil {
		h.logger.Warn("rejected github payload: %v", err)
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	if event != nil {
		h.sink.HandleEvent(r.Context(), event)
	}
	w.WriteHeader(http.StatusOK)
}

// verifySignature checks the sha256= HMAC header in constant time.
func verifySignature(secret, header string, body []byte) bool {
	signature, found := strings.CutPrefix(header, "sha256=")
	if !found {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// decodeGitHubEvent maps a delivery to a neutral event. A nil event with
// nil error means the delivery kind is not one we act on.
func decodeGitHubEvent(kind string, body []byte) (*Event, error) {
	var payload githubPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("malformed payload: %w", err)
	}
	if payload.Repository.FullName == "" {
		return nil, fmt.Errorf("payload missing repository name")
	}

	event := &Event{
		Repo:   payload.Repository.FullName,
		Author: payload.Sender.Login,
	}
	for _, label := range payload.Issue.Labels {
		event.Labels = append(event.Labels, label.Name)
	}

	switch kind {
	case "issues":
		event.IssueID = payload.Issue.Number
		event.Title = payload.Issue.Title
		event.Body = payload.Issue.Body
		switch payload.Action {
		case "opened":
			event.Kind = EventIssueOpened
		case "edited", "labeled", "reopened":
			event.Kind = EventIssueUpdated
		case "closed":
			event.Kind = EventIssueClosed
		default:
			return nil, nil
		}
	case "issue_comment":
		if payload.Action != "created" {
			return nil, nil
		}
		event.Kind = EventCommentCreated
		event.Body = payload.Comment.Body
		event.DiscussionID = strconv.FormatInt(payload.Comment.ID, 10)
		// GitHub reports PR comments as issue comments; the nested
		// pull_request marker tells them apart.
		if payload.Issue.PullRequest != nil {
			event.MergeRequestID = payload.Issue.Number
		} else {
			event.IssueID = payload.Issue.Number
		}
	case "pull_request":
		if payload.Action != "closed" {
			return nil, nil
		}
		event.Kind = EventMergeRequestClosed
		event.MergeRequestID = payload.PullRequest.Number
		event.SourceBranch = payload.PullRequest.Head.Ref
		event.TargetBranch = payload.PullRequest.Base.Ref
	default:
		return nil, nil
	}
	return event, nil
}

var _ http.Handler = (*githubHandler)(nil)
