package contracts

import "time"

// EventType identifies a lifecycle notification emitted to the
// presentation bridge. Events are emitted in strict state-transition
// order; rendering and transport are out of scope for the core.
type EventType string

const (
	EventStageStarted     EventType = "stage_started"
	EventStageFinished    EventType = "stage_finished"
	EventApprovalRequired EventType = "approval_required"
	EventSessionCompleted EventType = "session_completed"
	EventSessionFailed    EventType = "session_failed"
)

// LifecycleEvent is one ordered notification about a session.
type LifecycleEvent struct {
	Type      EventType      `json:"type"`
	SessionID string         `json:"session_id"`
	EntityID  string         `json:"entity_id"`
	Stage     string         `json:"stage,omitempty"`
	State     SessionState   `json:"state,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	At        time.Time      `json:"at"`
	Detail    map[string]any `json:"detail,omitempty"`
}
