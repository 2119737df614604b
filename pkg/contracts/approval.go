package contracts

import (
	"encoding/json"
	"time"
)

// ApprovalStatus represents the current state of an approval request.
type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
	ApprovalExpired  ApprovalStatus = "EXPIRED"
)

// Decision is the human verdict delivered through the approval gate.
type Decision string

const (
	DecisionApprove Decision = "APPROVE"
	DecisionReject  Decision = "REJECT"
)

// ApprovalRequest suspends a session in AWAITING_APPROVAL until a human
// resolves it or the approval window elapses. It is resolved exactly once
// and immutable afterwards. EXPIRED is a distinct outcome from REJECTED:
// it signals operational absence, not an explicit negative decision.
type ApprovalRequest struct {
	RequestID      string          `json:"request_id"`
	SessionID      string          `json:"session_id"`
	ProposedAction json.RawMessage `json:"proposed_action"`
	Confidence     float64         `json:"confidence"`
	Status         ApprovalStatus  `json:"status"`
	CreatedAt      time.Time       `json:"created_at"`
	ExpiresAt      time.Time       `json:"expires_at"`

	// Resolution fields, populated exactly once.
	ResolvedAt *time.Time `json:"resolved_at,omitempty"`
	ActorID    string     `json:"actor_id,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// Resolved reports whether the request has left PENDING.
func (r *ApprovalRequest) Resolved() bool {
	return r.Status != ApprovalPending
}
