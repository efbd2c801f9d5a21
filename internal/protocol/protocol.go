// Package protocol defines the typed envelopes exchanged between leader
// and workers through mailboxes. Envelopes travel JSON-encoded inside a
// mailbox message's text field; parsers are total and return nil for
// anything malformed or unrecognized.
package protocol

import (
	"encoding/json"
	"strings"
)

// Envelope type discriminators.
const (
	TypeTaskAssignment      = "task_assignment"
	TypeShutdownRequest     = "shutdown_request"
	TypeShutdownApproved    = "shutdown_approved"
	TypeShutdownRejected    = "shutdown_rejected"
	TypePlanApproved        = "plan_approved"
	TypePlanRejected        = "plan_rejected"
	TypePlanApprovalRequest = "plan_approval_request"
	TypeAbortRequest        = "abort_request"
	TypeSetSessionName      = "set_session_name"
	TypeIdleNotification    = "idle_notification"
	TypePeerDMSent          = "peer_dm_sent"
)

// Envelope is the tagged union of every protocol message. Fields outside
// a type's contract stay empty; Parse enforces each type's required set.
type Envelope struct {
	Type string `json:"type"`

	TaskID      string `json:"taskId,omitempty"`
	Subject     string `json:"subject,omitempty"`
	Description string `json:"description,omitempty"`
	AssignedBy  string `json:"assignedBy,omitempty"`

	RequestID string `json:"requestId,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Feedback  string `json:"feedback,omitempty"`
	Name      string `json:"name,omitempty"`
	Plan      string `json:"plan,omitempty"`
	Summary   string `json:"summary,omitempty"`

	CompletedTaskID string `json:"completedTaskId,omitempty"`
	CompletedStatus string `json:"completedStatus,omitempty"`
	FailureReason   string `json:"failureReason,omitempty"`
}

// Encode serializes the envelope for a mailbox message text.
func Encode(e Envelope) string {
	data, err := json.Marshal(e)
	if err != nil {
		return ""
	}
	return string(data)
}

// Parse decodes text into an envelope. It returns nil when text is not
// JSON, has no recognized type, or is missing that type's required
// fields. Foreign fields are ignored.
func Parse(text string) *Envelope {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "{") {
		return nil
	}
	var e Envelope
	if err := json.Unmarshal([]byte(text), &e); err != nil {
		return nil
	}
	if !valid(e) {
		return nil
	}
	return &e
}

func valid(e Envelope) bool {
	switch e.Type {
	case TypeTaskAssignment:
		return e.TaskID != ""
	case TypeShutdownRequest:
		return e.RequestID != ""
	case TypeShutdownApproved, TypeShutdownRejected:
		return e.RequestID != ""
	case TypePlanApproved, TypePlanRejected:
		return e.RequestID != "" && e.From != ""
	case TypePlanApprovalRequest:
		return e.RequestID != "" && e.From != "" && e.Plan != ""
	case TypeAbortRequest:
		return e.RequestID != ""
	case TypeSetSessionName:
		return e.Name != ""
	case TypeIdleNotification:
		return e.From != ""
	case TypePeerDMSent:
		return e.From != "" && e.To != "" && e.Summary != ""
	default:
		return false
	}
}
