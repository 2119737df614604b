// Package contracts holds the shared data types the workflow components
// exchange. It has no behavior beyond small accessors and no
// dependencies on the components themselves.
package contracts

import "time"

// SessionState is the workflow state machine position of one session.
type SessionState string

const (
	StateInitializing     SessionState = "INITIALIZING"
	StateDataRetrieval    SessionState = "DATA_RETRIEVAL"
	StateContextAnalysis  SessionState = "CONTEXT_ANALYSIS"
	StateSynthesis        SessionState = "SYNTHESIS"
	StateComplianceCheck  SessionState = "COMPLIANCE_CHECK"
	StateAwaitingApproval SessionState = "AWAITING_APPROVAL"
	StateExecuting        SessionState = "EXECUTING"
	StateCompleted        SessionState = "COMPLETED"
	StateFailed           SessionState = "FAILED"
	StateTimedOut         SessionState = "TIMED_OUT"
)

// Terminal reports whether the state is final. Terminal sessions are
// immutable and no longer hold the entity's concurrency guard.
func (s SessionState) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut:
		return true
	}
	return false
}

// Session is one complete run of the workflow for a business entity.
// At most one non-terminal session exists per entity at any time.
type Session struct {
	SessionID   string       `json:"session_id"`
	EntityID    string       `json:"entity_id"`
	State       SessionState `json:"state"`
	StartedAt   time.Time    `json:"started_at"`
	EndedAt     *time.Time   `json:"ended_at,omitempty"`
	ErrorDetail string       `json:"error_detail,omitempty"`
}

// SessionOutcome is the structured result the triggering caller
// receives: always a terminal state with context, never a bare error.
type SessionOutcome struct {
	SessionID   string       `json:"session_id"`
	EntityID    string       `json:"entity_id"`
	State       SessionState `json:"state"`
	ErrorDetail string       `json:"error_detail,omitempty"`
}
