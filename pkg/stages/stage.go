// Package stages holds the pluggable workflow stage executors. Each
// stage is an interchangeable strategy consuming the previous stage's
// typed result; the orchestrator owns the sequencing, never the stages.
package stages

import (
	"context"
	"time"

	"github.com/Waypoint-Systems/keel/core/pkg/contracts"
	"github.com/Waypoint-Systems/keel/core/pkg/integration"
	"github.com/Waypoint-Systems/keel/core/pkg/retry"
)

// Stage is one unit of workflow behavior. Execute returns an error only
// for failures that should end the stage; a business-level "nothing to
// do" is a successful result with ActionRequired unset.
type Stage interface {
	Name() string
	Execute(ctx context.Context, in *contracts.StageInput) (*contracts.StageResult, error)
}

// Retryer wraps a stage with bounded in-stage retry for transient
// errors. Permanent errors surface immediately; exhausted retries
// surface the last error.
type Retryer struct {
	inner  Stage
	policy retry.BackoffPolicy
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryer wraps inner with policy.
func NewRetryer(inner Stage, policy retry.BackoffPolicy) *Retryer {
	if policy.MaxAttempts <= 0 {
		policy = retry.DefaultPolicy
	}
	return &Retryer{inner: inner, policy: policy, sleep: sleepCtx}
}

func (r *Retryer) Name() string { return r.inner.Name() }

func (r *Retryer) Execute(ctx context.Context, in *contracts.StageInput) (*contracts.StageResult, error) {
	var lastErr error
	for attempt := 0; attempt < r.policy.MaxAttempts; attempt++ {
		result, err := r.inner.Execute(ctx, in)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !integration.IsTransient(err) || ctx.Err() != nil {
			break
		}
		if attempt == r.policy.MaxAttempts-1 {
			break
		}
		delay := retry.ComputeBackoff(retry.BackoffParams{
			TierID:       "stage",
			OperationID:  r.inner.Name() + ":" + in.SessionID,
			AttemptIndex: attempt + 1,
		}, r.policy)
		if err := r.sleep(ctx, delay); err != nil {
			break
		}
	}
	return nil, lastErr
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func newResult(name string, in *contracts.StageInput) *contracts.StageResult {
	return &contracts.StageResult{
		StageName:  name,
		SessionID:  in.SessionID,
		ProducedAt: time.Now().UTC(),
		Success:    true,
	}
}
