package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/Waypoint-Systems/keel/core/pkg/contracts"
	"github.com/Waypoint-Systems/keel/core/pkg/integration"
)

const StageContextAnalysis = "context-analysis"

// record is the shape of one retrieved business record the analysis
// stage understands. Unknown fields pass through untouched.
type record struct {
	Amount  float64 `json:"amount"`
	Flagged bool    `json:"flagged"`
}

// Signals are the aggregates the analysis stage derives for synthesis.
type Signals struct {
	RecordCount  int     `json:"record_count"`
	TotalAmount  float64 `json:"total_amount"`
	MeanAmount   float64 `json:"mean_amount"`
	MaxAmount    float64 `json:"max_amount"`
	FlaggedCount int     `json:"flagged_count"`
	FlaggedRatio float64 `json:"flagged_ratio"`
}

// AnalysisContext is what context-analysis hands to synthesis.
type AnalysisContext struct {
	EntityID string          `json:"entity_id"`
	Signals  Signals         `json:"signals"`
	Records  json.RawMessage `json:"records"`
}

// ContextAnalysis derives aggregate signals from the retrieved records.
// It is pure computation over the previous stage's payload and never
// touches the backend.
type ContextAnalysis struct{}

func NewContextAnalysis() *ContextAnalysis { return &ContextAnalysis{} }

func (s *ContextAnalysis) Name() string { return StageContextAnalysis }

func (s *ContextAnalysis) Execute(ctx context.Context, in *contracts.StageInput) (*contracts.StageResult, error) {
	_ = ctx
	var envelope struct {
		Records json.RawMessage `json:"records"`
	}
	if err := json.Unmarshal(in.Payload, &envelope); err != nil {
		return nil, integration.Permanent(fmt.Errorf("%s: decode retrieval payload: %w", StageContextAnalysis, err))
	}

	var records []record
	if len(envelope.Records) > 0 {
		if err := json.Unmarshal(envelope.Records, &records); err != nil {
			return nil, integration.Permanent(fmt.Errorf("%s: decode records: %w", StageContextAnalysis, err))
		}
	}

	signals := Signals{RecordCount: len(records)}
	for _, r := range records {
		signals.TotalAmount += r.Amount
		signals.MaxAmount = math.Max(signals.MaxAmount, r.Amount)
		if r.Flagged {
			signals.FlaggedCount++
		}
	}
	if signals.RecordCount > 0 {
		signals.MeanAmount = signals.TotalAmount / float64(signals.RecordCount)
		signals.FlaggedRatio = float64(signals.FlaggedCount) / float64(signals.RecordCount)
	}

	payload, err := json.Marshal(AnalysisContext{
		EntityID: in.EntityID,
		Signals:  signals,
		Records:  envelope.Records,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: marshal context: %w", StageContextAnalysis, err)
	}

	result := newResult(StageContextAnalysis, in)
	result.Payload = payload
	return result, nil
}
