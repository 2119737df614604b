// Package integration reaches the external business-data backend through
// an ordered list of interchangeable transport tiers, each wrapped by its
// own circuit breaker, with bounded retry and failover between tiers.
package integration

import (
	"errors"
	"fmt"
	"strings"
)

// TransientError marks a failure worth retrying within the same tier:
// network timeouts, connection resets, 5xx-equivalent responses.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a failure that retrying within the same tier
// cannot fix: authentication failures, malformed requests, business-rule
// rejections. The client fails over to the next tier immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Transient wraps err as retryable within the tier.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Permanent wraps err as non-retryable within the tier.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// IsTransient reports whether err should be retried within its tier.
// Unclassified errors are treated as transient; misclassifying a
// permanent error costs bounded retries, the reverse loses a tier.
func IsTransient(err error) bool {
	var p *PermanentError
	return !errors.As(err, &p)
}

// TierFailure is one tier's reason for not producing a response.
type TierFailure struct {
	TierID string `json:"tier_id"`
	Reason string `json:"reason"`
}

// AllTiersFailedError is returned when every tier was exhausted or
// skipped. It always carries the per-tier failure reasons; they are
// reported, never silently swallowed.
type AllTiersFailedError struct {
	OperationID string
	Failures    []TierFailure
}

func (e *AllTiersFailedError) Error() string {
	reasons := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		reasons = append(reasons, fmt.Sprintf("%s: %s", f.TierID, f.Reason))
	}
	return fmt.Sprintf("integration: all tiers failed for %s [%s]", e.OperationID, strings.Join(reasons, "; "))
}
