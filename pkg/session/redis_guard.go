package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Waypoint-Systems/keel/core/pkg/contracts"
)

// releaseScript deletes the guard key only if it is still owned by the
// releasing session, so a session that outlived its TTL cannot free a
// guard that was re-acquired by a newer session.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// EntityGuard is a distributed per-entity lock for multi-node
// deployments, where the local store's uniqueness check is not enough.
type EntityGuard struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewEntityGuard creates a guard over an existing Redis client. ttl
// bounds how long a crashed node can block an entity; it should exceed
// the longest approval window.
func NewEntityGuard(client *redis.Client, prefix string, ttl time.Duration) *EntityGuard {
	if prefix == "" {
		prefix = "keel:entity"
	}
	return &EntityGuard{client: client, prefix: prefix, ttl: ttl}
}

func (g *EntityGuard) key(entityID string) string {
	return g.prefix + ":" + entityID
}

// TryLock attempts to take the entity guard for a session. It returns
// ErrAlreadyRunning when another session holds it.
func (g *EntityGuard) TryLock(ctx context.Context, entityID, sessionID string) error {
	ok, err := g.client.SetNX(ctx, g.key(entityID), sessionID, g.ttl).Result()
	if err != nil {
		return fmt.Errorf("session: guard lock: %w", err)
	}
	if !ok {
		return ErrAlreadyRunning
	}
	return nil
}

// Unlock releases the guard if the session still owns it.
func (g *EntityGuard) Unlock(ctx context.Context, entityID, sessionID string) error {
	_, err := releaseScript.Run(ctx, g.client, []string{g.key(entityID)}, sessionID).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("session: guard unlock: %w", err)
	}
	return nil
}

// GuardedStore layers the distributed entity guard over a local Store.
// Acquire takes the distributed lock first, then the local row; both
// failure paths surface ErrAlreadyRunning.
type GuardedStore struct {
	inner Store
	guard *EntityGuard
}

// NewGuardedStore wraps a Store with a distributed entity guard.
func NewGuardedStore(inner Store, guard *EntityGuard) *GuardedStore {
	return &GuardedStore{inner: inner, guard: guard}
}

// Acquire takes the distributed guard, then creates the local session.
// If the local acquire fails the distributed guard is released again.
func (s *GuardedStore) Acquire(ctx context.Context, entityID string) (*contracts.Session, error) {
	// Reserve under a placeholder first; we do not know the session ID yet.
	reservation := "acquiring"
	if err := s.guard.TryLock(ctx, entityID, reservation); err != nil {
		return nil, err
	}
	sess, err := s.inner.Acquire(ctx, entityID)
	if err != nil {
		_ = s.guard.Unlock(ctx, entityID, reservation)
		return nil, err
	}
	// Re-bind the guard to the real session ID.
	if err := s.guard.client.Set(ctx, s.guard.key(entityID), sess.SessionID, s.guard.ttl).Err(); err != nil {
		_ = s.inner.Release(ctx, sess.SessionID)
		_ = s.guard.Unlock(ctx, entityID, sess.SessionID)
		return nil, fmt.Errorf("session: guard rebind: %w", err)
	}
	return sess, nil
}

func (s *GuardedStore) Get(ctx context.Context, sessionID string) (*contracts.Session, error) {
	return s.inner.Get(ctx, sessionID)
}

// Transition delegates to the local store and drops the distributed
// guard once the session reaches a terminal state.
func (s *GuardedStore) Transition(ctx context.Context, sessionID string, next contracts.SessionState, errorDetail string) (*contracts.Session, error) {
	sess, err := s.inner.Transition(ctx, sessionID, next, errorDetail)
	if err != nil {
		return nil, err
	}
	if sess.State.Terminal() {
		_ = s.guard.Unlock(ctx, sess.EntityID, sess.SessionID)
	}
	return sess, nil
}

func (s *GuardedStore) Release(ctx context.Context, sessionID string) error {
	sess, err := s.inner.Get(ctx, sessionID)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}
	if err := s.inner.Release(ctx, sessionID); err != nil {
		return err
	}
	return s.guard.Unlock(ctx, sess.EntityID, sess.SessionID)
}

func (s *GuardedStore) ActiveForEntity(ctx context.Context, entityID string) (*contracts.Session, error) {
	return s.inner.ActiveForEntity(ctx, entityID)
}

func (s *GuardedStore) Active(ctx context.Context) ([]*contracts.Session, error) {
	return s.inner.Active(ctx)
}
