package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Waypoint-Systems/keel/core/pkg/integration"
)

// BackendReasoner asks the tiered backend for a proposal. The analysis
// context travels as the operation payload; the responding tier returns
// a Proposal document.
type BackendReasoner struct {
	client      BackendClient
	operationID string
}

// NewBackendReasoner creates a reasoner that delegates to the backend
// operation, typically "entity.context.synthesize".
func NewBackendReasoner(client BackendClient, operationID string) *BackendReasoner {
	return &BackendReasoner{client: client, operationID: operationID}
}

func (r *BackendReasoner) Reason(ctx context.Context, analysisContext json.RawMessage) (*Proposal, error) {
	resp, err := r.client.Execute(ctx, integration.Operation{
		OperationID: r.operationID,
		Payload:     analysisContext,
	})
	if err != nil {
		return nil, fmt.Errorf("reason via %s: %w", r.operationID, err)
	}

	var proposal Proposal
	if err := json.Unmarshal(resp.Payload, &proposal); err != nil {
		return nil, integration.Permanent(fmt.Errorf("decode proposal from tier %s: %w", resp.TierID, err))
	}
	return &proposal, nil
}
