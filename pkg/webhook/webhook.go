// Package webhook is the HTTP ingress: it authenticates platform webhook
// deliveries, decodes GitLab and GitHub payloads into a neutral event
// shape, and hands events to the dispatcher.
package webhook

import (
	"context"
	"io"
	"net/http"
	"time"

	"daiv/pkg/logx"
)

// maxPayloadBytes bounds a single webhook delivery body.
const maxPayloadBytes = 5 * 1024 * 1024

// EventKind classifies a decoded platform event.
type EventKind string

const (
	EventIssueOpened        EventKind = "issue_opened"
	EventIssueUpdated       EventKind = "issue_updated"
	EventIssueClosed        EventKind = "issue_closed"
	EventCommentCreated     EventKind = "comment_created"
	EventMergeRequestClosed EventKind = "merge_request_closed"
)

// Event is the platform-neutral shape both decoders produce. Comment
// events on a merge request carry both MergeRequestID and DiscussionID;
// comment events on an issue carry IssueID only.
//
//nolint:govet // fieldalignment: logical grouping preferred
type Event struct {
	Kind           EventKind
	Repo           string
	Author         string
	Title          string
	Body           string
	Labels         []string
	IssueID        int
	MergeRequestID int
	DiscussionID   string
	SourceBranch   string
	TargetBranch   string
}

// Sink receives decoded events. Delivery is synchronous from the HTTP
// handler; the sink must not block.
type Sink interface {
	HandleEvent(ctx context.Context, event *Event)
}

// Server terminates webhook HTTP traffic for both platforms.
type Server struct {
	server *http.Server
	logger *logx.Logger
}

// NewServer wires /webhooks/gitlab and /webhooks/github onto addr. secret
// authenticates deliveries on both routes.
func NewServer(addr, secret string, sink Sink) *Server {
	logger := logx.NewLogger("webhook")
	mux := http.NewServeMux()
	mux.Handle("/webhooks/gitlab", &gitlabHandler{secret: secret, sink: sink, logger: logger})
	mux.Handle("/webhooks/github", &githubHandler{secret: secret, sink: sink, logger: logger})
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger,
	}
}

// ListenAndServe blocks until the server stops. http.ErrServerClosed is
// returned after a clean Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info("listening on %s", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight deliveries.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// readPayload enforces method and size limits shared by both handlers.
func readPayload(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil, false
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return nil, false
	}
	if len(body) > maxPayloadBytes {
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return nil, false
	}
	return body, true
}
