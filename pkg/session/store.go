// Package session owns per-entity workflow state: the concurrency guard
// that admits at most one non-terminal session per business entity, and
// the state-machine edge validation every transition passes through.
package session

import (
	"context"
	"errors"

	"github.com/Waypoint-Systems/keel/core/pkg/contracts"
)

var (
	// ErrAlreadyRunning is returned by Acquire when a non-terminal session
	// already exists for the entity. Callers surface this; the store never
	// retries internally.
	ErrAlreadyRunning = errors.New("session: entity already has a running session")
	ErrNotFound       = errors.New("session: not found")
	// ErrInvalidTransition is returned for any move outside the state
	// machine's allowed edge set.
	ErrInvalidTransition = errors.New("session: transition not allowed")
	// ErrTerminal is returned when mutating a session that has already
	// reached a terminal state.
	ErrTerminal = errors.New("session: already terminal")
)

// allowedEdges is the complete transition set of the workflow state
// machine. Anything not listed here is rejected by Transition.
var allowedEdges = map[contracts.SessionState][]contracts.SessionState{
	contracts.StateInitializing:    {contracts.StateDataRetrieval},
	contracts.StateDataRetrieval:   {contracts.StateContextAnalysis, contracts.StateFailed},
	contracts.StateContextAnalysis: {contracts.StateSynthesis, contracts.StateFailed},
	contracts.StateSynthesis:       {contracts.StateComplianceCheck, contracts.StateFailed},
	contracts.StateComplianceCheck: {
		contracts.StateAwaitingApproval,
		contracts.StateCompleted,
		contracts.StateFailed,
	},
	contracts.StateAwaitingApproval: {
		contracts.StateExecuting,
		contracts.StateCompleted,
		contracts.StateTimedOut,
	},
	contracts.StateExecuting: {contracts.StateCompleted, contracts.StateFailed},
}

// CanTransition reports whether from→to is in the allowed edge set.
func CanTransition(from, to contracts.SessionState) bool {
	for _, next := range allowedEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Store is the per-entity session state contract.
//
// Acquire is atomic: the existence check and creation happen in one
// indivisible step, so concurrent triggers for the same entity see exactly
// one winner.
type Store interface {
	Acquire(ctx context.Context, entityID string) (*contracts.Session, error)
	Get(ctx context.Context, sessionID string) (*contracts.Session, error)
	// Transition validates the edge and applies it. errorDetail is stored
	// on FAILED and TIMED_OUT transitions.
	Transition(ctx context.Context, sessionID string, next contracts.SessionState, errorDetail string) (*contracts.Session, error)
	// Release frees the entity guard. It is idempotent; releasing a
	// session that already reached a terminal state is a no-op.
	Release(ctx context.Context, sessionID string) error
	// ActiveForEntity returns the non-terminal session for an entity, if any.
	ActiveForEntity(ctx context.Context, entityID string) (*contracts.Session, error)
	// Active returns every non-terminal session, so a restarted process
	// can resume or retire the work it was holding when it stopped.
	Active(ctx context.Context) ([]*contracts.Session, error)
}
