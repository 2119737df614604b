// Package approval suspends sessions pending a human decision. A request
// is resolved exactly once; a decision that never arrives expires the
// request rather than rejecting it, so absence of an operator is
// distinguishable from an explicit denial.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Waypoint-Systems/keel/core/pkg/contracts"
)

var (
	ErrNotFound        = errors.New("approval: request not found")
	ErrAlreadyResolved = errors.New("approval: request already resolved")
	ErrExpired         = errors.New("approval: request expired")
	ErrInvalidDecision = errors.New("approval: invalid decision")
)

// Store persists approval requests so pending approvals survive process
// restarts. Resolve must be conditional on the request still being
// PENDING and fail with ErrAlreadyResolved otherwise.
type Store interface {
	Insert(ctx context.Context, req *contracts.ApprovalRequest) error
	Get(ctx context.Context, requestID string) (*contracts.ApprovalRequest, error)
	Resolve(ctx context.Context, req *contracts.ApprovalRequest) error
	Pending(ctx context.Context) ([]*contracts.ApprovalRequest, error)
	// ForSession returns the most recent request opened for a session,
	// resolved or not, so a restarted process can find the approval its
	// suspended session is waiting on.
	ForSession(ctx context.Context, sessionID string) (*contracts.ApprovalRequest, error)
}

const defaultTimeout = 5 * time.Minute

// Gate tracks the lifecycle of approval requests.
type Gate struct {
	mu       sync.Mutex
	store    Store
	waiters  map[string]chan struct{}
	timeout  time.Duration
	verifier *ActorVerifier
	clock    func() time.Time
}

// Option configures a Gate.
type Option func(*Gate)

// WithTimeout sets the approval window for new requests.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

// WithVerifier requires resolutions to carry a signed actor token.
func WithVerifier(v *ActorVerifier) Option {
	return func(g *Gate) { g.verifier = v }
}

// WithClock overrides the clock for deterministic testing.
func WithClock(clock func() time.Time) Option {
	return func(g *Gate) { g.clock = clock }
}

// NewGate creates a gate backed by store.
func NewGate(store Store, opts ...Option) *Gate {
	g := &Gate{
		store:   store,
		waiters: make(map[string]chan struct{}),
		timeout: defaultTimeout,
		clock:   time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Request opens a PENDING approval for the session's proposed action.
func (g *Gate) Request(ctx context.Context, sessionID string, proposedAction json.RawMessage, confidence float64) (*contracts.ApprovalRequest, error) {
	now := g.clock()
	req := &contracts.ApprovalRequest{
		RequestID:      uuid.New().String(),
		SessionID:      sessionID,
		ProposedAction: proposedAction,
		Confidence:     confidence,
		Status:         contracts.ApprovalPending,
		CreatedAt:      now,
		ExpiresAt:      now.Add(g.timeout),
	}
	if err := g.store.Insert(ctx, req); err != nil {
		return nil, fmt.Errorf("persist approval request: %w", err)
	}

	g.mu.Lock()
	g.waiters[req.RequestID] = make(chan struct{})
	g.mu.Unlock()
	return req, nil
}

// Resolve applies a human decision to a pending request. The first
// resolution wins; later attempts get ErrAlreadyResolved regardless of
// whether they agree with the recorded outcome. A decision arriving
// after the window has elapsed expires the request instead.
func (g *Gate) Resolve(ctx context.Context, requestID string, decision contracts.Decision, actorToken, reason string) (*contracts.ApprovalRequest, error) {
	var status contracts.ApprovalStatus
	switch decision {
	case contracts.DecisionApprove:
		status = contracts.ApprovalApproved
	case contracts.DecisionReject:
		status = contracts.ApprovalRejected
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	actorID := actorToken
	if g.verifier != nil {
		verified, err := g.verifier.Verify(actorToken)
		if err != nil {
			return nil, err
		}
		actorID = verified
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	req, err := g.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.Resolved() {
		return nil, ErrAlreadyResolved
	}

	now := g.clock()
	if now.After(req.ExpiresAt) {
		if err := g.expireLocked(ctx, req, now); err != nil {
			return nil, err
		}
		return nil, ErrExpired
	}

	req.Status = status
	req.ResolvedAt = &now
	req.ActorID = actorID
	req.Reason = reason
	if err := g.store.Resolve(ctx, req); err != nil {
		return nil, err
	}
	g.notifyLocked(requestID)
	return req, nil
}

// Await blocks until the request is resolved or its window elapses.
// On expiry the request is marked EXPIRED and returned without error;
// the caller reads the outcome from the status.
func (g *Gate) Await(ctx context.Context, requestID string) (*contracts.ApprovalRequest, error) {
	g.mu.Lock()
	req, err := g.store.Get(ctx, requestID)
	if err != nil {
		g.mu.Unlock()
		return nil, err
	}
	if req.Resolved() {
		g.mu.Unlock()
		return req, nil
	}
	ch, ok := g.waiters[requestID]
	if !ok {
		ch = make(chan struct{})
		g.waiters[requestID] = ch
	}
	remaining := req.ExpiresAt.Sub(g.clock())
	g.mu.Unlock()

	if remaining > 0 {
		timer := time.NewTimer(remaining)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ch:
		case <-timer.C:
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	req, err = g.store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !req.Resolved() {
		// Timer fired first; a racing Resolve loses to the expiry here
		// because both run under the gate lock.
		if err := g.expireLocked(ctx, req, g.clock()); err != nil {
			return nil, err
		}
	}
	return req, nil
}

// Get returns the current state of a request.
func (g *Gate) Get(ctx context.Context, requestID string) (*contracts.ApprovalRequest, error) {
	return g.store.Get(ctx, requestID)
}

// Pending lists requests still awaiting a decision.
func (g *Gate) Pending(ctx context.Context) ([]*contracts.ApprovalRequest, error) {
	return g.store.Pending(ctx)
}

// ForSession returns the most recent request opened for a session.
func (g *Gate) ForSession(ctx context.Context, sessionID string) (*contracts.ApprovalRequest, error) {
	return g.store.ForSession(ctx, sessionID)
}

// CheckTimeouts expires every pending request whose window has elapsed
// and returns the requests it expired.
func (g *Gate) CheckTimeouts(ctx context.Context) ([]*contracts.ApprovalRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pending, err := g.store.Pending(ctx)
	if err != nil {
		return nil, err
	}
	now := g.clock()
	var expired []*contracts.ApprovalRequest
	for _, req := range pending {
		if now.After(req.ExpiresAt) {
			if err := g.expireLocked(ctx, req, now); err != nil {
				return nil, err
			}
			expired = append(expired, req)
		}
	}
	return expired, nil
}

// LoadPending rebuilds in-memory waiters from the store after a restart
// so suspended sessions pick up where they left off. Requests whose
// window elapsed while the process was down are expired immediately.
func (g *Gate) LoadPending(ctx context.Context) ([]*contracts.ApprovalRequest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	pending, err := g.store.Pending(ctx)
	if err != nil {
		return nil, err
	}
	now := g.clock()
	var live []*contracts.ApprovalRequest
	for _, req := range pending {
		if now.After(req.ExpiresAt) {
			if err := g.expireLocked(ctx, req, now); err != nil {
				return nil, err
			}
			continue
		}
		if _, ok := g.waiters[req.RequestID]; !ok {
			g.waiters[req.RequestID] = make(chan struct{})
		}
		live = append(live, req)
	}
	return live, nil
}

// expireLocked marks req EXPIRED. Caller holds g.mu.
func (g *Gate) expireLocked(ctx context.Context, req *contracts.ApprovalRequest, now time.Time) error {
	req.Status = contracts.ApprovalExpired
	req.ResolvedAt = &now
	req.Reason = "approval window elapsed"
	if err := g.store.Resolve(ctx, req); err != nil {
		// A concurrent resolution won the conditional update; keep the
		// stored outcome.
		if errors.Is(err, ErrAlreadyResolved) {
			stored, getErr := g.store.Get(ctx, req.RequestID)
			if getErr != nil {
				return getErr
			}
			*req = *stored
			return nil
		}
		return err
	}
	g.notifyLocked(req.RequestID)
	return nil
}

// notifyLocked wakes waiters for requestID. Caller holds g.mu.
func (g *Gate) notifyLocked(requestID string) {
	if ch, ok := g.waiters[requestID]; ok {
		close(ch)
		delete(g.waiters, requestID)
	}
}
