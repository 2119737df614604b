package stages

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/Waypoint-Systems/keel/core/pkg/contracts"
	"github.com/Waypoint-Systems/keel/core/pkg/integration"
)

const StageSynthesis = "synthesis"

// Proposal is the reasoner's answer: an action to put before a human,
// or no action at all.
type Proposal struct {
	Action     json.RawMessage `json:"action,omitempty"`
	Confidence float64         `json:"confidence"`
	Rationale  string          `json:"rationale,omitempty"`
}

// Reasoner is the external generative collaborator. It is a black box
// with bounded latency and possible failure; transient failures are
// retried at the stage boundary like any other dependency.
type Reasoner interface {
	Reason(ctx context.Context, analysisContext json.RawMessage) (*Proposal, error)
}

// Synthesis asks the reasoner for a proposed action and validates the
// proposal's shape before it can reach compliance. A proposal that does
// not match the action schema is a permanent failure; a malformed
// action must never travel further down the workflow.
type Synthesis struct {
	reasoner Reasoner
	schema   *jsonschema.Schema
}

// defaultActionSchema is the minimum shape an executable action must
// have. Deployments override it via NewSynthesisWithSchema.
const defaultActionSchema = `{
	"type": "object",
	"required": ["type"],
	"properties": {
		"type":   {"type": "string", "minLength": 1},
		"amount": {"type": "number", "minimum": 0}
	}
}`

// NewSynthesis builds the stage with the default action schema.
func NewSynthesis(reasoner Reasoner) (*Synthesis, error) {
	return NewSynthesisWithSchema(reasoner, defaultActionSchema)
}

// NewSynthesisWithSchema builds the stage with a caller-provided JSON
// Schema for proposed actions. Compilation failures are returned
// eagerly.
func NewSynthesisWithSchema(reasoner Reasoner, schemaJSON string) (*Synthesis, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const schemaURL = "https://keel.schemas.local/stages/action.schema.json"
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("load action schema: %w", err)
	}
	compiled, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile action schema: %w", err)
	}
	return &Synthesis{reasoner: reasoner, schema: compiled}, nil
}

func (s *Synthesis) Name() string { return StageSynthesis }

func (s *Synthesis) Execute(ctx context.Context, in *contracts.StageInput) (*contracts.StageResult, error) {
	proposal, err := s.reasoner.Reason(ctx, in.Payload)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", StageSynthesis, err)
	}
	if proposal == nil {
		return nil, integration.Permanent(fmt.Errorf("%s: reasoner returned no proposal", StageSynthesis))
	}
	if proposal.Confidence < 0 || proposal.Confidence > 1 {
		return nil, integration.Permanent(fmt.Errorf("%s: confidence %v out of range [0,1]", StageSynthesis, proposal.Confidence))
	}

	result := newResult(StageSynthesis, in)
	result.Confidence = proposal.Confidence

	if len(proposal.Action) == 0 || bytes.Equal(proposal.Action, []byte("null")) {
		// Nothing to do for this entity; the workflow completes without
		// an approval round.
		payload, err := json.Marshal(proposal)
		if err != nil {
			return nil, fmt.Errorf("%s: marshal proposal: %w", StageSynthesis, err)
		}
		result.Payload = payload
		return result, nil
	}

	var action any
	if err := json.Unmarshal(proposal.Action, &action); err != nil {
		return nil, integration.Permanent(fmt.Errorf("%s: proposed action is not valid JSON: %w", StageSynthesis, err))
	}
	if err := s.schema.Validate(action); err != nil {
		return nil, integration.Permanent(fmt.Errorf("%s: proposed action rejected by schema: %w", StageSynthesis, err))
	}

	payload, err := json.Marshal(proposal)
	if err != nil {
		return nil, fmt.Errorf("%s: marshal proposal: %w", StageSynthesis, err)
	}
	result.Payload = payload
	result.ProposedAction = proposal.Action
	result.ActionRequired = true
	return result, nil
}
