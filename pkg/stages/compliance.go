package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Waypoint-Systems/keel/core/pkg/compliance"
	"github.com/Waypoint-Systems/keel/core/pkg/contracts"
	"github.com/Waypoint-Systems/keel/core/pkg/integration"
)

const StageComplianceCheck = "compliance-check"

// ComplianceCheck runs the policy engine over the synthesized proposal.
// A blocking violation is a permanent stage failure; it is never
// retried and moves the session to its failed terminal state.
type ComplianceCheck struct {
	engine *compliance.Engine
}

func NewComplianceCheck(engine *compliance.Engine) *ComplianceCheck {
	return &ComplianceCheck{engine: engine}
}

func (s *ComplianceCheck) Name() string { return StageComplianceCheck }

func (s *ComplianceCheck) Execute(ctx context.Context, in *contracts.StageInput) (*contracts.StageResult, error) {
	var proposal Proposal
	if err := json.Unmarshal(in.Payload, &proposal); err != nil {
		return nil, integration.Permanent(fmt.Errorf("%s: decode proposal: %w", StageComplianceCheck, err))
	}

	var action map[string]any
	if len(proposal.Action) > 0 {
		if err := json.Unmarshal(proposal.Action, &action); err != nil {
			return nil, integration.Permanent(fmt.Errorf("%s: decode action: %w", StageComplianceCheck, err))
		}
	}

	eval, err := s.engine.Evaluate(ctx, in.EntityID, action, proposal.Confidence)
	if err != nil {
		// ViolationError included: blocking violations end the session.
		return nil, fmt.Errorf("%s: %w", StageComplianceCheck, err)
	}

	payload, err := json.Marshal(eval)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal evaluation: %w", StageComplianceCheck, err)
	}

	result := newResult(StageComplianceCheck, in)
	result.Payload = payload
	result.Confidence = proposal.Confidence
	if eval.Verdict == compliance.VerdictActionProposed {
		result.ProposedAction = proposal.Action
		result.ActionRequired = true
	}
	return result, nil
}
