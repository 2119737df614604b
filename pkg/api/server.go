package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Waypoint-Systems/keel/core/pkg/approval"
	"github.com/Waypoint-Systems/keel/core/pkg/audit"
	"github.com/Waypoint-Systems/keel/core/pkg/contracts"
	"github.com/Waypoint-Systems/keel/core/pkg/export"
	"github.com/Waypoint-Systems/keel/core/pkg/integration"
	"github.com/Waypoint-Systems/keel/core/pkg/orchestrator"
	"github.com/Waypoint-Systems/keel/core/pkg/session"
)

const (
	idempotencyTTL = 24 * time.Hour
	defaultRPS     = 50
	defaultBurst   = 100
)

// Server collects the engine collaborators the HTTP surface exposes.
type Server struct {
	orch     *orchestrator.Orchestrator
	gate     *approval.Gate
	sessions session.Store
	log      *audit.Log
	client   *integration.Client
	logger   *slog.Logger
}

// NewServer wires the HTTP surface over the running engine.
func NewServer(orch *orchestrator.Orchestrator, gate *approval.Gate, sessions session.Store, log *audit.Log, client *integration.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		orch:     orch,
		gate:     gate,
		sessions: sessions,
		log:      log,
		client:   client,
		logger:   logger,
	}
}

// RegisterRoutes mounts all endpoints on the mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /api/v1/sessions", s.handleTrigger)
	mux.HandleFunc("GET /api/v1/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("POST /api/v1/sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /api/v1/approvals", s.handlePendingApprovals)
	mux.HandleFunc("POST /api/v1/approvals/{id}", s.handleResolve)
	mux.HandleFunc("GET /api/v1/audit", s.handleAuditQuery)
	mux.HandleFunc("GET /api/v1/audit/verify", s.handleAuditVerify)
	mux.HandleFunc("GET /api/v1/audit/export", s.handleAuditExport)
	mux.HandleFunc("GET /api/v1/breakers", s.handleBreakers)
}

// Handler returns the fully assembled handler with logging, rate
// limiting, and idempotent replay for session triggers.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var h http.Handler = mux
	h = IdempotencyMiddleware(NewReplayStore(idempotencyTTL))(h)
	h = NewGlobalRateLimiter(defaultRPS, defaultBurst).Middleware(h)
	h = RequestLogger(s.logger, h)
	return h
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"chain_head": s.log.ChainHead(),
		"halted":     s.log.Halted(),
	})
}

type triggerRequest struct {
	EntityID string `json:"entity_id"`
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.EntityID) == "" {
		WriteBadRequest(w, "entity_id is required")
		return
	}

	sessionID, err := s.orch.Start(r.Context(), req.EntityID)
	if err != nil {
		if errors.Is(err, session.ErrAlreadyRunning) {
			WriteConflict(w, "entity already has an active session")
			return
		}
		WriteInternal(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"session_id": sessionID,
		"entity_id":  req.EntityID,
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, session.ErrNotFound) {
			WriteNotFound(w, "unknown session")
			return
		}
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

type cancelRequest struct {
	ActorToken string `json:"actor_token"`
	Reason     string `json:"reason"`
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}

	err := s.orch.Cancel(r.Context(), r.PathValue("id"), req.ActorToken, req.Reason)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	case errors.Is(err, orchestrator.ErrUnknownSession):
		WriteNotFound(w, "no pending approval for session")
	case errors.Is(err, approval.ErrTokenInvalid):
		WriteUnauthorized(w, "actor token rejected")
	case errors.Is(err, approval.ErrAlreadyResolved):
		WriteConflict(w, "approval already resolved")
	case errors.Is(err, approval.ErrExpired):
		WriteGone(w, "approval window elapsed")
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handlePendingApprovals(w http.ResponseWriter, r *http.Request) {
	pending, err := s.gate.Pending(r.Context())
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

type resolveRequest struct {
	Decision   string `json:"decision"`
	ActorToken string `json:"actor_token"`
	Reason     string `json:"reason"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteBadRequest(w, "invalid JSON body")
		return
	}

	resolved, err := s.gate.Resolve(r.Context(), r.PathValue("id"),
		contracts.Decision(req.Decision), req.ActorToken, req.Reason)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, resolved)
	case errors.Is(err, approval.ErrNotFound):
		WriteNotFound(w, "unknown approval request")
	case errors.Is(err, approval.ErrInvalidDecision):
		WriteBadRequest(w, "decision must be APPROVE or REJECT")
	case errors.Is(err, approval.ErrTokenInvalid):
		WriteUnauthorized(w, "actor token rejected")
	case errors.Is(err, approval.ErrAlreadyResolved):
		WriteConflict(w, "approval already resolved")
	case errors.Is(err, approval.ErrExpired):
		WriteGone(w, "approval window elapsed")
	default:
		WriteInternal(w, err)
	}
}

func (s *Server) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := audit.QueryFilter{
		SessionID: q.Get("session_id"),
		Action:    q.Get("action"),
		ActorID:   q.Get("actor_id"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			WriteBadRequest(w, "limit must be a non-negative integer")
			return
		}
		filter.MaxResults = n
	}
	writeJSON(w, http.StatusOK, s.log.Query(filter))
}

func (s *Server) handleAuditVerify(w http.ResponseWriter, _ *http.Request) {
	if err := s.log.Verify(1, 0); err != nil {
		var chainErr *audit.ChainError
		detail := err.Error()
		if errors.As(err, &chainErr) {
			detail = chainErr.Reason
		}
		WriteError(w, http.StatusConflict, "Chain Verification Failed", detail)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"valid":      true,
		"chain_head": s.log.ChainHead(),
		"entries":    s.log.Size(),
	})
}

func (s *Server) handleAuditExport(w http.ResponseWriter, r *http.Request) {
	filter := audit.QueryFilter{SessionID: r.URL.Query().Get("session_id")}
	bundle, err := export.NewBuilder(s.log).Build(filter)
	if err != nil {
		if errors.Is(err, export.ErrNoEntries) {
			WriteNotFound(w, "no audit entries match")
			return
		}
		WriteInternal(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("X-Bundle-Checksum", bundle.Checksum)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(bundle.Data)
}

func (s *Server) handleBreakers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.client.BreakerSnapshots())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
