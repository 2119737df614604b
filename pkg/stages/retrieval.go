package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Waypoint-Systems/keel/core/pkg/contracts"
	"github.com/Waypoint-Systems/keel/core/pkg/integration"
)

// BackendClient is what the retrieval and execution paths need from the
// tiered integration client.
type BackendClient interface {
	Execute(ctx context.Context, op integration.Operation) (*integration.Response, error)
}

const StageDataRetrieval = "data-retrieval"

// DataRetrieval fetches the entity's business records through the
// tiered backend client. Tier selection, breaker state and retries are
// the client's concern; the stage only shapes the operation.
type DataRetrieval struct {
	client    BackendClient
	operation string
}

// NewDataRetrieval builds the stage. operationID names the backend
// operation, e.g. "entity.records.fetch".
func NewDataRetrieval(client BackendClient, operationID string) *DataRetrieval {
	return &DataRetrieval{client: client, operation: operationID}
}

func (s *DataRetrieval) Name() string { return StageDataRetrieval }

func (s *DataRetrieval) Execute(ctx context.Context, in *contracts.StageInput) (*contracts.StageResult, error) {
	reqBody, err := json.Marshal(map[string]any{
		"entity_id":  in.EntityID,
		"session_id": in.SessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal request: %w", StageDataRetrieval, err)
	}

	resp, err := s.client.Execute(ctx, integration.Operation{
		OperationID: s.operation,
		Payload:     reqBody,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StageDataRetrieval, err)
	}

	result := newResult(StageDataRetrieval, in)
	result.Payload = resp.Payload
	return result, nil
}
