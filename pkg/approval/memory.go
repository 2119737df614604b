package approval

import (
	"context"
	"fmt"
	"sync"

	"github.com/Waypoint-Systems/keel/core/pkg/contracts"
)

// MemoryStore keeps approval requests in process memory. Suitable for
// tests and single-process deployments without durability requirements.
type MemoryStore struct {
	mu       sync.Mutex
	requests map[string]*contracts.ApprovalRequest
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{requests: make(map[string]*contracts.ApprovalRequest)}
}

func (s *MemoryStore) Insert(ctx context.Context, req *contracts.ApprovalRequest) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[req.RequestID]; ok {
		return fmt.Errorf("approval: duplicate request %q", req.RequestID)
	}
	s.requests[req.RequestID] = cloneRequest(req)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, requestID string) (*contracts.ApprovalRequest, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRequest(req), nil
}

func (s *MemoryStore) Resolve(ctx context.Context, req *contracts.ApprovalRequest) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.requests[req.RequestID]
	if !ok {
		return ErrNotFound
	}
	if stored.Status != contracts.ApprovalPending {
		return ErrAlreadyResolved
	}
	s.requests[req.RequestID] = cloneRequest(req)
	return nil
}

func (s *MemoryStore) Pending(ctx context.Context) ([]*contracts.ApprovalRequest, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*contracts.ApprovalRequest
	for _, req := range s.requests {
		if req.Status == contracts.ApprovalPending {
			pending = append(pending, cloneRequest(req))
		}
	}
	return pending, nil
}

func (s *MemoryStore) ForSession(ctx context.Context, sessionID string) (*contracts.ApprovalRequest, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	var latest *contracts.ApprovalRequest
	for _, req := range s.requests {
		if req.SessionID != sessionID {
			continue
		}
		if latest == nil || req.CreatedAt.After(latest.CreatedAt) {
			latest = req
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	return cloneRequest(latest), nil
}

func cloneRequest(req *contracts.ApprovalRequest) *contracts.ApprovalRequest {
	out := *req
	if req.ResolvedAt != nil {
		t := *req.ResolvedAt
		out.ResolvedAt = &t
	}
	out.ProposedAction = append([]byte(nil), req.ProposedAction...)
	return &out
}
