package proto

import "fmt"

// ApprovalState is the human-approval gate's externally visible state.
type ApprovalState string

const (
	// ApprovalPlanning means the thread exists but no plan has been posted
	// yet. Fresh threads start here so run state can be checkpointed while
	// the planner works.
	ApprovalPlanning ApprovalState = "planning"
	// ApprovalAwaiting means a plan was posted and the thread is suspended.
	ApprovalAwaiting ApprovalState = "awaiting"
	// ApprovalApproved means the user assented and execution may begin.
	ApprovalApproved ApprovalState = "approved"
	// ApprovalRevise means the user asked for changes; planning restarts.
	ApprovalRevise ApprovalState = "revise"
	// ApprovalCancelled means the originating issue/MR was closed.
	ApprovalCancelled ApprovalState = "cancelled"
	// ApprovalErrored means the checkpoint is unusable; a revise re-seeds.
	ApprovalErrored ApprovalState = "errored"
)

// approvalTransitions lists the legal gate transitions. All transitions go
// through the gate; nothing else mutates approval state.
//
//nolint:gochecknoglobals // Static transition table
var approvalTransitions = map[ApprovalState][]ApprovalState{
	ApprovalPlanning:  {ApprovalAwaiting, ApprovalCancelled, ApprovalErrored},
	ApprovalAwaiting:  {ApprovalApproved, ApprovalRevise, ApprovalCancelled, ApprovalErrored},
	ApprovalApproved:  {ApprovalCancelled, ApprovalErrored},
	ApprovalRevise:    {ApprovalPlanning, ApprovalAwaiting, ApprovalCancelled, ApprovalErrored},
	ApprovalErrored:   {ApprovalPlanning, ApprovalRevise, ApprovalCancelled},
	ApprovalCancelled: {},
}

// CanTransition reports whether moving from one approval state to another
// is legal.
func CanTransition(from, to ApprovalState) bool {
	for _, allowed := range approvalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// ReplyVerdict classifies a free-form human reply at the approval gate.
type ReplyVerdict string

const (
	// VerdictApprove means the user assented to the plan.
	VerdictApprove ReplyVerdict = "approve"
	// VerdictRevise means the user wants the plan changed.
	VerdictRevise ReplyVerdict = "revise"
	// VerdictAsk means the user asked a question; the gate stays awaiting.
	VerdictAsk ReplyVerdict = "ask"
)

// ParseReplyVerdict validates a classifier output. Anything unrecognized
// defaults to ask, the safe direction.
func ParseReplyVerdict(s string) ReplyVerdict {
	switch ReplyVerdict(s) {
	case VerdictApprove, VerdictRevise, VerdictAsk:
		return ReplyVerdict(s)
	default:
		return VerdictAsk
	}
}

// CommentKind classifies a review comment mentioning the bot.
type CommentKind string

const (
	// CommentRequestChanges routes to the Plan-and-Execute agent.
	CommentRequestChanges CommentKind = "request_changes"
	// CommentQuestion routes to a reply-only response.
	CommentQuestion CommentKind = "question"
)

// ParseCommentKind validates a classifier output, defaulting to question.
func ParseCommentKind(s string) CommentKind {
	switch CommentKind(s) {
	case CommentRequestChanges, CommentQuestion:
		return CommentKind(s)
	default:
		return CommentQuestion
	}
}

// String implements fmt.Stringer for log lines.
func (s ApprovalState) String() string { return string(s) }

// ValidateApproval rejects unknown approval states on checkpoint load.
func ValidateApproval(s ApprovalState) error {
	switch s {
	case ApprovalPlanning, ApprovalAwaiting, ApprovalApproved, ApprovalRevise, ApprovalCancelled, ApprovalErrored:
		return nil
	default:
		return fmt.Errorf("invalid approval state %q", s)
	}
}
