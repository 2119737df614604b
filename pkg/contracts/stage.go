package contracts

import (
	"encoding/json"
	"time"
)

// StageInput is what the orchestrator hands to a stage: the session
// identity plus the previous stage's payload. Stage data is
// session-local and never shared across sessions.
type StageInput struct {
	SessionID string          `json:"session_id"`
	EntityID  string          `json:"entity_id"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// StageResult is one stage's typed output. Payload feeds the next
// stage; ProposedAction, Confidence and ActionRequired are populated
// only by stages that can put an action before the approval gate.
type StageResult struct {
	StageName  string          `json:"stage_name"`
	SessionID  string          `json:"session_id"`
	ProducedAt time.Time       `json:"produced_at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Success    bool            `json:"success"`
	Error      string          `json:"error,omitempty"`

	ProposedAction json.RawMessage `json:"proposed_action,omitempty"`
	Confidence     float64         `json:"confidence,omitempty"`
	ActionRequired bool            `json:"action_required,omitempty"`
}
