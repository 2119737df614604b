package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Waypoint-Systems/keel/core/pkg/contracts"
)

// MemoryStore is a mutex-guarded in-memory Store for single-process
// deployments and tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*contracts.Session
	active   map[string]string // entityID → non-terminal sessionID
	clock    func() time.Time
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*contracts.Session),
		active:   make(map[string]string),
		clock:    time.Now,
	}
}

// WithClock overrides the clock for deterministic testing.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

// Acquire creates a new INITIALIZING session if the entity has no
// non-terminal session. The check and the insert share one critical
// section, which is what makes the at-most-one invariant hold under
// concurrent triggers.
func (s *MemoryStore) Acquire(_ context.Context, entityID string) (*contracts.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, running := s.active[entityID]; running {
		return nil, ErrAlreadyRunning
	}

	sess := &contracts.Session{
		SessionID: uuid.New().String(),
		EntityID:  entityID,
		State:     contracts.StateInitializing,
		StartedAt: s.clock().UTC(),
	}
	s.sessions[sess.SessionID] = sess
	s.active[entityID] = sess.SessionID
	return cloned(sess), nil
}

// Get retrieves a session by ID.
func (s *MemoryStore) Get(_ context.Context, sessionID string) (*contracts.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloned(sess), nil
}

// Transition validates the edge and applies it. Terminal transitions
// stamp EndedAt and free the entity guard.
func (s *MemoryStore) Transition(_ context.Context, sessionID string, next contracts.SessionState, errorDetail string) (*contracts.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if sess.State.Terminal() {
		return nil, ErrTerminal
	}
	if !CanTransition(sess.State, next) {
		return nil, ErrInvalidTransition
	}

	sess.State = next
	if next.Terminal() {
		now := s.clock().UTC()
		sess.EndedAt = &now
		sess.ErrorDetail = errorDetail
		delete(s.active, sess.EntityID)
	}
	return cloned(sess), nil
}

// Release frees the entity guard. Terminal and unknown sessions are a
// no-op. A non-terminal session is forced to FAILED so the guard and the
// one-active-per-entity invariant stay consistent.
func (s *MemoryStore) Release(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok || sess.State.Terminal() {
		return nil
	}
	sess.State = contracts.StateFailed
	now := s.clock().UTC()
	sess.EndedAt = &now
	sess.ErrorDetail = "released before completion"
	if s.active[sess.EntityID] == sessionID {
		delete(s.active, sess.EntityID)
	}
	return nil
}

// ActiveForEntity returns the non-terminal session for an entity.
func (s *MemoryStore) ActiveForEntity(_ context.Context, entityID string) (*contracts.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.active[entityID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloned(s.sessions[id]), nil
}

// Active returns every non-terminal session.
func (s *MemoryStore) Active(_ context.Context) ([]*contracts.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var active []*contracts.Session
	for _, id := range s.active {
		active = append(active, cloned(s.sessions[id]))
	}
	return active, nil
}

func cloned(sess *contracts.Session) *contracts.Session {
	copy := *sess
	if sess.EndedAt != nil {
		ended := *sess.EndedAt
		copy.EndedAt = &ended
	}
	return &copy
}
