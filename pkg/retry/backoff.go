// Package retry computes bounded exponential backoff schedules with
// deterministic jitter. Determinism matters for replayable audit trails:
// the same tier, operation, and attempt always wait the same duration.
package retry

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"
)

// BackoffParams identify one attempt for jitter derivation.
type BackoffParams struct {
	TierID       string
	OperationID  string
	AttemptIndex int
}

// BackoffPolicy bounds the retry behavior of one tier.
type BackoffPolicy struct {
	BaseMs      int64
	MaxMs       int64
	MaxJitterMs int64
	MaxAttempts int
}

// DefaultPolicy is used when a tier's configuration omits retry settings.
var DefaultPolicy = BackoffPolicy{
	BaseMs:      100,
	MaxMs:       5_000,
	MaxJitterMs: 250,
	MaxAttempts: 3,
}

// ComputeBackoff returns the delay before the given attempt.
// delay = min(base * 2^attempt, max) + jitter.
func ComputeBackoff(params BackoffParams, policy BackoffPolicy) time.Duration {
	factor := int64(1)
	if params.AttemptIndex > 0 {
		if params.AttemptIndex > 30 {
			// Cap the exponent to avoid overflow.
			factor = 1 << 30
		} else {
			factor = 1 << params.AttemptIndex
		}
	}

	delay := policy.BaseMs * factor
	if delay > policy.MaxMs {
		delay = policy.MaxMs
	}

	return time.Duration(delay+jitter(params, policy)) * time.Millisecond
}

// jitter derives a deterministic value in [0, MaxJitterMs) from the
// attempt identity via a PRF.
func jitter(params BackoffParams, policy BackoffPolicy) int64 {
	if policy.MaxJitterMs <= 0 {
		return 0
	}
	seed := fmt.Sprintf("%s:%s:%d", params.TierID, params.OperationID, params.AttemptIndex)
	hash := sha256.Sum256([]byte(seed))
	basis := binary.BigEndian.Uint64(hash[:8])
	return int64(basis % uint64(policy.MaxJitterMs))
}
