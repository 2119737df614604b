// Package orchestrator drives a session through the workflow state
// machine: it sequences the stage executors, feeds compliance output to
// the approval gate, executes approved actions through the tiered
// backend client and records every transition in the audit log before
// the next stage begins.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Waypoint-Systems/keel/core/pkg/approval"
	"github.com/Waypoint-Systems/keel/core/pkg/audit"
	"github.com/Waypoint-Systems/keel/core/pkg/contracts"
	"github.com/Waypoint-Systems/keel/core/pkg/events"
	"github.com/Waypoint-Systems/keel/core/pkg/integration"
	"github.com/Waypoint-Systems/keel/core/pkg/redact"
	"github.com/Waypoint-Systems/keel/core/pkg/session"
	"github.com/Waypoint-Systems/keel/core/pkg/stages"
)

// SystemActor identifies the orchestrator itself in audit entries that
// no human initiated.
const SystemActor = "system:orchestrator"

// Redaction payload types for audit details carrying proposed actions.
const (
	PayloadApprovalRequest = "approval.request"
	PayloadApprovalOutcome = "approval.outcome"
	PayloadActionExecution = "action.execution"
)

// DefaultRedactor enumerates the audit payload schemas the orchestrator
// writes. Proposed and executed actions are masked in the queried log;
// the chain still commits to their unmasked content.
func DefaultRedactor() (*redact.Registry, error) {
	return redact.NewRegistry(
		&redact.Schema{
			PayloadType: PayloadApprovalRequest,
			Fields:      []string{"request_id", "proposed_action", "confidence"},
			Sensitive:   []string{"proposed_action"},
		},
		&redact.Schema{
			PayloadType: PayloadApprovalOutcome,
			Fields:      []string{"request_id", "status", "reason", "proposed_action"},
			Sensitive:   []string{"proposed_action"},
		},
		&redact.Schema{
			PayloadType: PayloadActionExecution,
			Fields:      []string{"operation_id", "tier_id", "action"},
			Sensitive:   []string{"action"},
		},
	)
}

var (
	ErrNoStages       = errors.New("orchestrator: no stages configured")
	ErrUnknownSession = errors.New("orchestrator: no pending approval for session")
)

// stageState maps each stage executor to the state the session occupies
// while that stage runs.
var stageState = map[string]contracts.SessionState{
	stages.StageDataRetrieval:   contracts.StateDataRetrieval,
	stages.StageContextAnalysis: contracts.StateContextAnalysis,
	stages.StageSynthesis:       contracts.StateSynthesis,
	stages.StageComplianceCheck: contracts.StateComplianceCheck,
}

// Params are the orchestrator's collaborators. All are required except
// Logger and Clock.
type Params struct {
	Sessions session.Store
	Audit    *audit.Log
	Gate     *approval.Gate
	Backend  stages.BackendClient
	// Stages run in order; each name must map to a workflow state.
	Stages []stages.Stage
	Sink   events.Sink
	Logger *slog.Logger
	// ExecuteOperation is the backend operation an approved action is
	// applied through.
	ExecuteOperation string
	Clock            func() time.Time
}

// Orchestrator owns the state machine for every session it runs. One
// session runs as one goroutine; sessions for different entities run
// concurrently and share only the breaker state inside the backend
// client and the per-entity guard inside the session store.
type Orchestrator struct {
	sessions  session.Store
	audit     *audit.Log
	gate      *approval.Gate
	backend   stages.BackendClient
	stages    []stages.Stage
	sink      events.Sink
	logger    *slog.Logger
	executeOp string
	clock     func() time.Time

	// pending maps sessionID to the approval request awaiting a human,
	// so an explicit cancel can find it.
	pendingMu sync.Mutex
	pending   map[string]string
}

// New validates the wiring and returns the orchestrator.
func New(p Params) (*Orchestrator, error) {
	if len(p.Stages) == 0 {
		return nil, ErrNoStages
	}
	for _, s := range p.Stages {
		if _, ok := stageState[s.Name()]; !ok {
			return nil, fmt.Errorf("orchestrator: stage %q has no workflow state", s.Name())
		}
	}
	if p.Sessions == nil || p.Audit == nil || p.Gate == nil || p.Backend == nil || p.Sink == nil {
		return nil, errors.New("orchestrator: missing required collaborator")
	}
	if p.Logger == nil {
		p.Logger = slog.Default()
	}
	if p.Clock == nil {
		p.Clock = time.Now
	}
	if p.ExecuteOperation == "" {
		p.ExecuteOperation = "entity.action.apply"
	}
	return &Orchestrator{
		sessions:  p.Sessions,
		audit:     p.Audit,
		gate:      p.Gate,
		backend:   p.Backend,
		stages:    p.Stages,
		sink:      p.Sink,
		logger:    p.Logger,
		executeOp: p.ExecuteOperation,
		clock:     p.Clock,
		pending:   make(map[string]string),
	}, nil
}

// Run executes one complete workflow for the entity. The returned
// outcome always carries a terminal state and error detail; Run returns
// a non-nil error only when the workflow could not run at all (the
// entity already has a session, or the audit chain is corrupt).
func (o *Orchestrator) Run(ctx context.Context, entityID string) (*contracts.SessionOutcome, error) {
	sess, err := o.sessions.Acquire(ctx, entityID)
	if err != nil {
		// ErrAlreadyRunning included: surfaced to the caller, never
		// retried here.
		return nil, err
	}
	return o.runAcquired(ctx, sess)
}

// Start acquires a session for the entity and runs the workflow in the
// background. It returns the session ID immediately so callers can track
// progress through the session store and the event sink. Acquisition
// errors are returned synchronously.
func (o *Orchestrator) Start(ctx context.Context, entityID string) (string, error) {
	sess, err := o.sessions.Acquire(ctx, entityID)
	if err != nil {
		return "", err
	}
	go func() {
		if _, err := o.runAcquired(context.WithoutCancel(ctx), sess); err != nil {
			o.logger.Error("background session failed",
				"session", sess.SessionID, "entity", entityID, "error", err)
		}
	}()
	return sess.SessionID, nil
}

// Recover picks up the sessions a previous process left non-terminal.
// A session suspended in AWAITING_APPROVAL gets its continuation
// re-armed on the restored request, so a later resolution (or the
// window's expiry) still executes, completes or times the session out.
// A session interrupted mid-stage cannot be replayed; it is failed so
// the entity guard is freed. Returns the number of resumed sessions.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	if _, err := o.gate.LoadPending(ctx); err != nil {
		return 0, fmt.Errorf("restore pending approvals: %w", err)
	}
	active, err := o.sessions.Active(ctx)
	if err != nil {
		return 0, fmt.Errorf("list active sessions: %w", err)
	}

	resumed := 0
	for _, sess := range active {
		logger := o.logger.With("session", sess.SessionID, "entity", sess.EntityID)

		if sess.State == contracts.StateAwaitingApproval {
			req, err := o.gate.ForSession(ctx, sess.SessionID)
			switch {
			case err == nil:
				resumed++
				logger.Info("resuming suspended session", "request", req.RequestID)
				// Register before the continuation runs so Cancel can
				// find the request as soon as Recover returns.
				o.pendingMu.Lock()
				o.pending[sess.SessionID] = req.RequestID
				o.pendingMu.Unlock()
				go func(sess *contracts.Session, req *contracts.ApprovalRequest) {
					bg := context.WithoutCancel(ctx)
					defer func() {
						if err := o.sessions.Release(bg, sess.SessionID); err != nil {
							logger.Error("session release failed", "error", err)
						}
					}()
					if _, err := o.awaitResolution(bg, sess, req, logger); err != nil {
						logger.Error("resumed session failed", "error", err)
					}
				}(sess, req)
				continue
			case !errors.Is(err, approval.ErrNotFound):
				return resumed, fmt.Errorf("look up approval for session %s: %w", sess.SessionID, err)
			}
			// Suspended with no request on record: fall through and fail it.
		}

		logger.Warn("failing session interrupted by restart", "state", sess.State)
		detail := "interrupted by restart"
		if _, err := o.sessions.Transition(ctx, sess.SessionID, contracts.StateFailed, detail); err != nil {
			// Not every state has a FAILED edge; Release still retires the
			// session and frees the guard.
			if err := o.sessions.Release(ctx, sess.SessionID); err != nil {
				return resumed, fmt.Errorf("release interrupted session %s: %w", sess.SessionID, err)
			}
		}
		if _, err := o.audit.Append(sess.SessionID, SystemActor, audit.ActionStateTransition, "", map[string]any{
			"from":    string(sess.State),
			"to":      string(contracts.StateFailed),
			"details": map[string]any{"error": detail},
		}); err != nil {
			return resumed, fmt.Errorf("audit interrupted session %s: %w", sess.SessionID, err)
		}
		o.emit(contracts.LifecycleEvent{
			Type: contracts.EventSessionFailed, SessionID: sess.SessionID,
			EntityID: sess.EntityID, State: contracts.StateFailed, At: o.clock(),
		})
	}
	return resumed, nil
}

func (o *Orchestrator) runAcquired(ctx context.Context, sess *contracts.Session) (*contracts.SessionOutcome, error) {
	entityID := sess.EntityID
	logger := o.logger.With("session", sess.SessionID, "entity", entityID)
	logger.Info("session acquired", "state", sess.State)

	// The guard must never leak: a failure path that kept it would
	// permanently block new sessions for this entity.
	defer func() {
		if err := o.sessions.Release(context.WithoutCancel(ctx), sess.SessionID); err != nil {
			logger.Error("session release failed", "error", err)
		}
	}()

	if _, err := o.audit.Append(sess.SessionID, SystemActor, audit.ActionSessionAcquired, "", map[string]any{
		"entity_id": entityID,
		"state":     string(sess.State),
	}); err != nil {
		return nil, fmt.Errorf("audit session acquisition: %w", err)
	}

	payload := json.RawMessage(`{}`)
	var final *contracts.StageResult

	for _, stage := range o.stages {
		next := stageState[stage.Name()]
		if err := o.transition(ctx, sess, next, "", audit.ActionStateTransition, "", nil); err != nil {
			return nil, err
		}
		o.emit(contracts.LifecycleEvent{
			Type: contracts.EventStageStarted, SessionID: sess.SessionID,
			EntityID: entityID, Stage: stage.Name(), State: next, At: o.clock(),
		})

		result, stageErr := stage.Execute(ctx, &contracts.StageInput{
			SessionID: sess.SessionID,
			EntityID:  entityID,
			Payload:   payload,
		})
		if stageErr != nil {
			logger.Warn("stage failed", "stage", stage.Name(), "error", stageErr)
			return o.fail(ctx, sess, fmt.Sprintf("%s: %v", stage.Name(), stageErr))
		}

		o.emit(contracts.LifecycleEvent{
			Type: contracts.EventStageFinished, SessionID: sess.SessionID,
			EntityID: entityID, Stage: stage.Name(), State: next, At: o.clock(),
		})
		payload = result.Payload
		final = result
	}

	if !final.ActionRequired {
		// Nothing to execute; the session completes without an approval
		// round.
		if err := o.transition(ctx, sess, contracts.StateCompleted, "", audit.ActionStateTransition, "", map[string]any{
			"reason": "no action required",
		}); err != nil {
			return nil, err
		}
		o.emit(contracts.LifecycleEvent{
			Type: contracts.EventSessionCompleted, SessionID: sess.SessionID,
			EntityID: entityID, State: contracts.StateCompleted, At: o.clock(),
		})
		return o.outcome(ctx, sess.SessionID)
	}

	return o.approveAndExecute(ctx, sess, final, logger)
}

// approveAndExecute runs the AWAITING_APPROVAL and EXECUTING phases.
func (o *Orchestrator) approveAndExecute(ctx context.Context, sess *contracts.Session, proposal *contracts.StageResult, logger *slog.Logger) (*contracts.SessionOutcome, error) {
	req, err := o.gate.Request(ctx, sess.SessionID, proposal.ProposedAction, proposal.Confidence)
	if err != nil {
		return o.fail(ctx, sess, fmt.Sprintf("open approval request: %v", err))
	}
	if err := o.transition(ctx, sess, contracts.StateAwaitingApproval, "", audit.ActionApprovalRequest, PayloadApprovalRequest, approvalRequestDetail{
		RequestID:      req.RequestID,
		ProposedAction: req.ProposedAction,
		Confidence:     req.Confidence,
	}); err != nil {
		return nil, err
	}
	o.emit(contracts.LifecycleEvent{
		Type: contracts.EventApprovalRequired, SessionID: sess.SessionID,
		EntityID: sess.EntityID, State: contracts.StateAwaitingApproval,
		RequestID: req.RequestID, At: o.clock(),
	})

	return o.awaitResolution(ctx, sess, req, logger)
}

// awaitResolution suspends on the approval request and drives the
// session to its terminal state once a decision (or the window's expiry)
// arrives. It is also the continuation a restarted process re-arms for
// sessions found suspended in AWAITING_APPROVAL.
func (o *Orchestrator) awaitResolution(ctx context.Context, sess *contracts.Session, req *contracts.ApprovalRequest, logger *slog.Logger) (*contracts.SessionOutcome, error) {
	o.pendingMu.Lock()
	o.pending[sess.SessionID] = req.RequestID
	o.pendingMu.Unlock()
	defer func() {
		o.pendingMu.Lock()
		delete(o.pending, sess.SessionID)
		o.pendingMu.Unlock()
	}()

	resolved, err := o.gate.Await(ctx, req.RequestID)
	if err != nil {
		return o.fail(ctx, sess, fmt.Sprintf("await approval: %v", err))
	}
	logger.Info("approval resolved", "request", req.RequestID, "status", resolved.Status, "actor", resolved.ActorID)

	actor := resolved.ActorID
	if actor == "" {
		actor = SystemActor
	}
	outcomeDetail := approvalOutcomeDetail{
		RequestID:      req.RequestID,
		Status:         resolved.Status,
		Reason:         resolved.Reason,
		ProposedAction: req.ProposedAction,
	}

	switch resolved.Status {
	case contracts.ApprovalExpired:
		// Operational absence, not a decision: a distinct terminal state.
		if err := o.transitionAs(ctx, sess, contracts.StateTimedOut, "approval window elapsed", actor, audit.ActionApprovalResolved, PayloadApprovalOutcome, outcomeDetail); err != nil {
			return nil, err
		}
		o.emit(contracts.LifecycleEvent{
			Type: contracts.EventSessionFailed, SessionID: sess.SessionID,
			EntityID: sess.EntityID, State: contracts.StateTimedOut, At: o.clock(),
		})
		return o.outcome(ctx, sess.SessionID)

	case contracts.ApprovalRejected:
		// An explicit no is a clean no-op completion.
		if err := o.transitionAs(ctx, sess, contracts.StateCompleted, "", actor, audit.ActionApprovalResolved, PayloadApprovalOutcome, outcomeDetail); err != nil {
			return nil, err
		}
		o.emit(contracts.LifecycleEvent{
			Type: contracts.EventSessionCompleted, SessionID: sess.SessionID,
			EntityID: sess.EntityID, State: contracts.StateCompleted, At: o.clock(),
		})
		return o.outcome(ctx, sess.SessionID)

	case contracts.ApprovalApproved:
		if err := o.transitionAs(ctx, sess, contracts.StateExecuting, "", actor, audit.ActionApprovalResolved, PayloadApprovalOutcome, outcomeDetail); err != nil {
			return nil, err
		}
	default:
		return o.fail(ctx, sess, fmt.Sprintf("approval request %s in unexpected status %s", req.RequestID, resolved.Status))
	}

	resp, err := o.backend.Execute(ctx, integration.Operation{
		OperationID: o.executeOp,
		Payload:     req.ProposedAction,
	})
	if err != nil {
		var allFailed *integration.AllTiersFailedError
		if errors.As(err, &allFailed) {
			logger.Error("action execution exhausted all tiers", "error", allFailed)
		}
		return o.fail(ctx, sess, fmt.Sprintf("execute action: %v", err))
	}

	if err := o.transition(ctx, sess, contracts.StateCompleted, "", audit.ActionActionExecuted, PayloadActionExecution, executionDetail{
		OperationID: o.executeOp,
		TierID:      resp.TierID,
		Action:      req.ProposedAction,
	}); err != nil {
		return nil, err
	}
	o.emit(contracts.LifecycleEvent{
		Type: contracts.EventSessionCompleted, SessionID: sess.SessionID,
		EntityID: sess.EntityID, State: contracts.StateCompleted, At: o.clock(),
	})
	return o.outcome(ctx, sess.SessionID)
}

// Cancel rejects the pending approval of a suspended session. It is the
// explicit-cancellation path; the session completes as a no-op exactly
// like an ordinary rejection.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID, actorToken, reason string) error {
	o.pendingMu.Lock()
	requestID, ok := o.pending[sessionID]
	o.pendingMu.Unlock()
	if !ok {
		return ErrUnknownSession
	}
	if reason == "" {
		reason = "cancelled"
	}
	_, err := o.gate.Resolve(ctx, requestID, contracts.DecisionReject, actorToken, reason)
	return err
}

// fail moves the session to FAILED with detail and emits the failure
// event. The returned outcome carries the detail; err is reserved for
// audit-level failures.
func (o *Orchestrator) fail(ctx context.Context, sess *contracts.Session, detail string) (*contracts.SessionOutcome, error) {
	if err := o.transition(ctx, sess, contracts.StateFailed, detail, audit.ActionStateTransition, "", map[string]any{
		"error": detail,
	}); err != nil {
		return nil, err
	}
	o.emit(contracts.LifecycleEvent{
		Type: contracts.EventSessionFailed, SessionID: sess.SessionID,
		EntityID: sess.EntityID, State: contracts.StateFailed, At: o.clock(),
	})
	return o.outcome(ctx, sess.SessionID)
}

// transition applies the edge and writes the audit entry before anything
// else happens, attributed to the system actor.
func (o *Orchestrator) transition(ctx context.Context, sess *contracts.Session, next contracts.SessionState, detail, action, payloadType string, details any) error {
	return o.transitionAs(ctx, sess, next, detail, SystemActor, action, payloadType, details)
}

func (o *Orchestrator) transitionAs(ctx context.Context, sess *contracts.Session, next contracts.SessionState, detail, actor, action, payloadType string, details any) error {
	prev := sess.State
	updated, err := o.sessions.Transition(ctx, sess.SessionID, next, detail)
	if err != nil {
		return fmt.Errorf("transition %s -> %s: %w", prev, next, err)
	}
	*sess = *updated

	if details == nil {
		details = map[string]any{}
	}
	entry := map[string]any{
		"from":    string(prev),
		"to":      string(next),
		"details": details,
	}
	// Keep typed detail payloads flat so redaction schemas see their
	// fields; the from/to edge rides alongside.
	auditDetails := details
	switch action {
	case audit.ActionStateTransition:
		auditDetails = entry
	}
	if _, err := o.audit.Append(sess.SessionID, actor, action, payloadType, auditDetails); err != nil {
		return fmt.Errorf("audit transition %s -> %s: %w", prev, next, err)
	}
	return nil
}

// outcome reads the terminal session back so the caller always receives
// the stored state, never an in-memory approximation.
func (o *Orchestrator) outcome(ctx context.Context, sessionID string) (*contracts.SessionOutcome, error) {
	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &contracts.SessionOutcome{
		SessionID:   sess.SessionID,
		EntityID:    sess.EntityID,
		State:       sess.State,
		ErrorDetail: sess.ErrorDetail,
	}, nil
}

func (o *Orchestrator) emit(event contracts.LifecycleEvent) {
	o.sink.Emit(event)
}

type approvalRequestDetail struct {
	RequestID      string          `json:"request_id"`
	ProposedAction json.RawMessage `json:"proposed_action"`
	Confidence     float64         `json:"confidence"`
}

type approvalOutcomeDetail struct {
	RequestID      string                   `json:"request_id"`
	Status         contracts.ApprovalStatus `json:"status"`
	Reason         string                   `json:"reason"`
	ProposedAction json.RawMessage          `json:"proposed_action"`
}

type executionDetail struct {
	OperationID string          `json:"operation_id"`
	TierID      string          `json:"tier_id"`
	Action      json.RawMessage `json:"action"`
}
