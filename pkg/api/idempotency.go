package api

import (
	"bytes"
	"net/http"
	"sync"
	"time"
)

// replayedResponse is a completed response retained for idempotent
// replay of a retried trigger.
type replayedResponse struct {
	status   int
	header   http.Header
	body     []byte
	storedAt time.Time
}

// ReplayStore retains responses to mutating requests keyed by their
// Idempotency-Key, so a client retrying a trigger observes the original
// outcome instead of a duplicate-session conflict.
type ReplayStore interface {
	Lookup(key string) (*replayedResponse, bool)
	Store(key string, resp *replayedResponse)
}

// MemoryReplayStore is a TTL-bounded in-memory ReplayStore. Expired
// entries are swept opportunistically on writes rather than by a
// background goroutine.
type MemoryReplayStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*replayedResponse
}

// NewReplayStore creates an empty replay store retaining entries for ttl.
func NewReplayStore(ttl time.Duration) *MemoryReplayStore {
	return &MemoryReplayStore{
		ttl:     ttl,
		entries: make(map[string]*replayedResponse),
	}
}

func (s *MemoryReplayStore) Lookup(key string) (*replayedResponse, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	resp, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if time.Since(resp.storedAt) > s.ttl {
		delete(s.entries, key)
		return nil, false
	}
	return resp, true
}

func (s *MemoryReplayStore) Store(key string, resp *replayedResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, v := range s.entries {
		if now.Sub(v.storedAt) > s.ttl {
			delete(s.entries, k)
		}
	}
	s.entries[key] = resp
}

// responseCapture wraps http.ResponseWriter and mirrors the status and
// body so a completed response can be logged or replayed.
type responseCapture struct {
	http.ResponseWriter
	statusCode int
	body       bytes.Buffer
}

func (rc *responseCapture) WriteHeader(code int) {
	rc.statusCode = code
	rc.ResponseWriter.WriteHeader(code)
}

func (rc *responseCapture) Write(b []byte) (int, error) {
	rc.body.Write(b)
	return rc.ResponseWriter.Write(b)
}

// IdempotencyMiddleware replays the stored response for a POST that
// repeats an Idempotency-Key. Cache keys are scoped to the request
// path, so reusing a key against a different endpoint can never replay
// a foreign response. Only 2xx outcomes are stored; a failed request
// stays retryable under the same key.
func IdempotencyMiddleware(store ReplayStore) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("Idempotency-Key")
			if key == "" || r.Method != http.MethodPost {
				next.ServeHTTP(w, r)
				return
			}
			key = r.URL.Path + "\x00" + key

			if resp, ok := store.Lookup(key); ok {
				for k, vals := range resp.header {
					for _, v := range vals {
						w.Header().Set(k, v)
					}
				}
				w.WriteHeader(resp.status)
				_, _ = w.Write(resp.body)
				return
			}

			capture := &responseCapture{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(capture, r)

			if capture.statusCode >= 200 && capture.statusCode < 300 {
				store.Store(key, &replayedResponse{
					status:   capture.statusCode,
					header:   w.Header().Clone(),
					body:     capture.body.Bytes(),
					storedAt: time.Now(),
				})
			}
		})
	}
}
