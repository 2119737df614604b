package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Waypoint-Systems/keel/core/pkg/approval"
	"github.com/Waypoint-Systems/keel/core/pkg/audit"
	"github.com/Waypoint-Systems/keel/core/pkg/compliance"
	"github.com/Waypoint-Systems/keel/core/pkg/contracts"
	"github.com/Waypoint-Systems/keel/core/pkg/events"
	"github.com/Waypoint-Systems/keel/core/pkg/export"
	"github.com/Waypoint-Systems/keel/core/pkg/integration"
	"github.com/Waypoint-Systems/keel/core/pkg/orchestrator"
	"github.com/Waypoint-Systems/keel/core/pkg/session"
	"github.com/Waypoint-Systems/keel/core/pkg/stages"
)

type stubBackend struct{}

func (stubBackend) Execute(_ context.Context, op integration.Operation) (*integration.Response, error) {
	switch op.OperationID {
	case "entity.records.fetch":
		return &integration.Response{TierID: "realtime", Payload: json.RawMessage(
			`{"records":[{"amount":900,"flagged":false}]}`)}, nil
	case "entity.action.apply":
		return &integration.Response{TierID: "realtime", Payload: json.RawMessage(`{"applied":true}`)}, nil
	}
	return nil, integration.Permanent(errors.New("unknown operation " + op.OperationID))
}

type stubReasoner struct{}

func (stubReasoner) Reason(_ context.Context, _ json.RawMessage) (*stages.Proposal, error) {
	return &stages.Proposal{
		Action:     json.RawMessage(`{"type":"limit-adjustment","amount":500}`),
		Confidence: 0.9,
	}, nil
}

type stubTier struct{}

func (stubTier) ID() string { return "realtime" }
func (stubTier) Invoke(_ context.Context, _ integration.Operation) (*integration.Response, error) {
	return &integration.Response{TierID: "realtime"}, nil
}

func newTestServer(t *testing.T) (*Server, *audit.Log) {
	t.Helper()

	redactor, err := orchestrator.DefaultRedactor()
	require.NoError(t, err)
	log, err := audit.NewLog(audit.WithRedactor(redactor))
	require.NoError(t, err)

	gate := approval.NewGate(approval.NewMemoryStore())
	store := session.NewMemoryStore()

	engine, err := compliance.NewEngine([]compliance.Rule{
		{Name: "confidence-floor", Expression: `confidence >= 0.75`, Blocking: true},
	})
	require.NoError(t, err)
	synthesis, err := stages.NewSynthesis(stubReasoner{})
	require.NoError(t, err)

	backend := stubBackend{}
	orch, err := orchestrator.New(orchestrator.Params{
		Sessions: store,
		Audit:    log,
		Gate:     gate,
		Backend:  backend,
		Stages: []stages.Stage{
			stages.NewDataRetrieval(backend, "entity.records.fetch"),
			stages.NewContextAnalysis(),
			synthesis,
			stages.NewComplianceCheck(engine),
		},
		Sink: events.NewMemorySink(),
	})
	require.NoError(t, err)

	client := integration.NewClient(slog.New(slog.DiscardHandler), []integration.Tier{stubTier{}}, nil)
	return NewServer(orch, gate, store, log, client, slog.New(slog.DiscardHandler)), log
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func awaitPending(t *testing.T, h http.Handler) contracts.ApprovalRequest {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		rec := doJSON(t, h, http.MethodGet, "/api/v1/approvals", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		pending := decodeBody[[]contracts.ApprovalRequest](t, rec)
		if len(pending) > 0 {
			return pending[0]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no approval request surfaced")
	return contracts.ApprovalRequest{}
}

func awaitState(t *testing.T, h http.Handler, sessionID string, want contracts.SessionState) {
	t.Helper()
	require.Eventually(t, func() bool {
		rec := doJSON(t, h, http.MethodGet, "/api/v1/sessions/"+sessionID, nil)
		if rec.Code != http.StatusOK {
			return false
		}
		return decodeBody[contracts.Session](t, rec).State == want
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTriggerResolveAndExport(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/sessions", map[string]string{"entity_id": "E1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	started := decodeBody[map[string]string](t, rec)
	sessionID := started["session_id"]
	require.NotEmpty(t, sessionID)

	req := awaitPending(t, mux)
	assert.Equal(t, sessionID, req.SessionID)

	rec = doJSON(t, mux, http.MethodPost, "/api/v1/approvals/"+req.RequestID, map[string]string{
		"decision":    "APPROVE",
		"actor_token": "reviewer-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, contracts.ApprovalApproved, decodeBody[contracts.ApprovalRequest](t, rec).Status)

	awaitState(t, mux, sessionID, contracts.StateCompleted)

	rec = doJSON(t, mux, http.MethodGet, "/api/v1/audit?session_id="+sessionID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	entries := decodeBody[[]*audit.Entry](t, rec)
	assert.NotEmpty(t, entries)

	rec = doJSON(t, mux, http.MethodGet, "/api/v1/audit/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	req2 := httptest.NewRequest(http.MethodGet, "/api/v1/audit/export?session_id="+sessionID, nil)
	rec2 := httptest.NewRecorder()
	mux.ServeHTTP(rec2, req2)
	require.Equal(t, http.StatusOK, rec2.Code)
	assert.Equal(t, "application/zip", rec2.Header().Get("Content-Type"))
	data, err := io.ReadAll(rec2.Body)
	require.NoError(t, err)
	manifest, exported, err := export.Verify(data)
	require.NoError(t, err)
	assert.Equal(t, sessionID, manifest.SessionID)
	assert.Len(t, exported, len(entries))
}

func TestTriggerConflictWhileRunning(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/sessions", map[string]string{"entity_id": "E1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	awaitPending(t, mux)

	rec = doJSON(t, mux, http.MethodPost, "/api/v1/sessions", map[string]string{"entity_id": "E1"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestResolveErrors(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/approvals/nope", map[string]string{
		"decision": "APPROVE", "actor_token": "reviewer-1",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	doJSON(t, mux, http.MethodPost, "/api/v1/sessions", map[string]string{"entity_id": "E1"})
	req := awaitPending(t, mux)

	rec = doJSON(t, mux, http.MethodPost, "/api/v1/approvals/"+req.RequestID, map[string]string{
		"decision": "MAYBE", "actor_token": "reviewer-1",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/v1/approvals/"+req.RequestID, map[string]string{
		"decision": "REJECT", "actor_token": "reviewer-1",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doJSON(t, mux, http.MethodPost, "/api/v1/approvals/"+req.RequestID, map[string]string{
		"decision": "APPROVE", "actor_token": "reviewer-2",
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestCancelPendingSession(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	rec := doJSON(t, mux, http.MethodPost, "/api/v1/sessions", map[string]string{"entity_id": "E1"})
	require.Equal(t, http.StatusAccepted, rec.Code)
	sessionID := decodeBody[map[string]string](t, rec)["session_id"]
	awaitPending(t, mux)

	rec = doJSON(t, mux, http.MethodPost, "/api/v1/sessions/"+sessionID+"/cancel", map[string]string{
		"actor_token": "operator-1", "reason": "drill",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	awaitState(t, mux, sessionID, contracts.StateCompleted)

	rec = doJSON(t, mux, http.MethodPost, "/api/v1/sessions/"+sessionID+"/cancel", map[string]string{
		"actor_token": "operator-1",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetSessionNotFound(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	rec := doJSON(t, mux, http.MethodGet, "/api/v1/sessions/unknown", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBreakerSnapshotsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	rec := doJSON(t, mux, http.MethodGet, "/api/v1/breakers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snaps := decodeBody[[]integration.BreakerSnapshot](t, rec)
	require.Len(t, snaps, 1)
	assert.Equal(t, "realtime", snaps[0].Name)
}

func TestIdempotentTriggerReplay(t *testing.T) {
	srv, _ := newTestServer(t)
	h := srv.Handler()

	post := func() *httptest.ResponseRecorder {
		body := bytes.NewBufferString(`{"entity_id":"E1"}`)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", body)
		req.Header.Set("Idempotency-Key", "trigger-1")
		req.RemoteAddr = "10.0.0.1:1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	first := post()
	require.Equal(t, http.StatusAccepted, first.Code)

	// Retry replays the original response instead of a conflict.
	second := post()
	require.Equal(t, http.StatusAccepted, second.Code)
	assert.Equal(t,
		decodeBody[map[string]string](t, first)["session_id"],
		decodeBody[map[string]string](t, second)["session_id"])
}

func TestIdempotencyKeyScopedToPath(t *testing.T) {
	store := NewReplayStore(time.Minute)
	hits := map[string]int{}
	handler := IdempotencyMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits[r.URL.Path]++
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(r.URL.Path))
	}))

	post := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.Header.Set("Idempotency-Key", "shared-key")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	first := post("/api/v1/sessions")
	require.Equal(t, http.StatusCreated, first.Code)

	// The same key against a different endpoint reaches the handler
	// instead of replaying the first response.
	other := post("/api/v1/approvals/x/resolve")
	assert.Equal(t, "/api/v1/approvals/x/resolve", other.Body.String())
	assert.Equal(t, 1, hits["/api/v1/approvals/x/resolve"])

	// Retrying the original path replays without a second handler hit.
	replay := post("/api/v1/sessions")
	assert.Equal(t, "/api/v1/sessions", replay.Body.String())
	assert.Equal(t, 1, hits["/api/v1/sessions"])
}

func TestIdempotencyFailuresStayRetryable(t *testing.T) {
	store := NewReplayStore(time.Minute)
	hits := 0
	handler := IdempotencyMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		WriteConflict(w, "busy")
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/sessions", nil)
		req.Header.Set("Idempotency-Key", "retry-1")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusConflict, rec.Code)
	}
	assert.Equal(t, 2, hits)
}

func TestHealthReportsChainHead(t *testing.T) {
	srv, log := newTestServer(t)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)

	rec := doJSON(t, mux, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody[map[string]any](t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, log.ChainHead(), body["chain_head"])
}
