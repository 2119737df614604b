package session

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Waypoint-Systems/keel/core/pkg/contracts"
)

// SQLiteStore is a durable Store. The at-most-one invariant is enforced
// by a partial unique index on entity_id over non-terminal rows, so
// Acquire stays atomic even across processes sharing the database.
type SQLiteStore struct {
	db    *sql.DB
	clock func() time.Time
}

// NewSQLiteStore creates the sessions table if needed.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db, clock: time.Now}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// WithClock overrides the clock for deterministic testing.
func (s *SQLiteStore) WithClock(clock func() time.Time) *SQLiteStore {
	s.clock = clock
	return s
}

func (s *SQLiteStore) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id   TEXT PRIMARY KEY,
		entity_id    TEXT NOT NULL,
		state        TEXT NOT NULL,
		terminal     INTEGER NOT NULL DEFAULT 0,
		started_at   TEXT NOT NULL,
		ended_at     TEXT,
		error_detail TEXT NOT NULL DEFAULT ''
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active
		ON sessions(entity_id) WHERE terminal = 0;`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Acquire inserts a new INITIALIZING row. The partial unique index makes
// the existence check and the insert a single indivisible operation.
func (s *SQLiteStore) Acquire(ctx context.Context, entityID string) (*contracts.Session, error) {
	sess := &contracts.Session{
		SessionID: uuid.New().String(),
		EntityID:  entityID,
		State:     contracts.StateInitializing,
		StartedAt: s.clock().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, entity_id, state, terminal, started_at)
		 VALUES (?, ?, ?, 0, ?)`,
		sess.SessionID, sess.EntityID, string(sess.State),
		sess.StartedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, ErrAlreadyRunning
		}
		return nil, fmt.Errorf("session: acquire: %w", err)
	}
	return sess, nil
}

// Get retrieves a session by ID.
func (s *SQLiteStore) Get(ctx context.Context, sessionID string) (*contracts.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, entity_id, state, started_at, ended_at, error_detail
		 FROM sessions WHERE session_id = ?`, sessionID)
	return scanSession(row)
}

// Transition validates the edge under an optimistic concurrency check:
// the UPDATE only applies if the row is still in the observed state.
func (s *SQLiteStore) Transition(ctx context.Context, sessionID string, next contracts.SessionState, errorDetail string) (*contracts.Session, error) {
	current, err := s.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if current.State.Terminal() {
		return nil, ErrTerminal
	}
	if !CanTransition(current.State, next) {
		return nil, ErrInvalidTransition
	}

	var res sql.Result
	if next.Terminal() {
		now := s.clock().UTC()
		res, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET state = ?, terminal = 1, ended_at = ?, error_detail = ?
			 WHERE session_id = ? AND state = ?`,
			string(next), now.Format(time.RFC3339Nano), errorDetail,
			sessionID, string(current.State))
	} else {
		res, err = s.db.ExecContext(ctx,
			`UPDATE sessions SET state = ? WHERE session_id = ? AND state = ?`,
			string(next), sessionID, string(current.State))
	}
	if err != nil {
		return nil, fmt.Errorf("session: transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Lost a race: the session moved under us.
		return nil, ErrInvalidTransition
	}
	return s.Get(ctx, sessionID)
}

// Release frees the entity guard. Terminal and unknown sessions are a
// no-op. A non-terminal session is forced to FAILED so the guard and the
// one-active-per-entity invariant stay consistent; a leaked guard would
// permanently block new sessions for the entity.
func (s *SQLiteStore) Release(ctx context.Context, sessionID string) error {
	current, err := s.Get(ctx, sessionID)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}
	if current.State.Terminal() {
		return nil
	}
	now := s.clock().UTC()
	_, err = s.db.ExecContext(ctx,
		`UPDATE sessions SET state = ?, terminal = 1, ended_at = ?, error_detail = ?
		 WHERE session_id = ? AND terminal = 0`,
		string(contracts.StateFailed), now.Format(time.RFC3339Nano),
		"released before completion", sessionID)
	return err
}

// ActiveForEntity returns the non-terminal session for an entity.
func (s *SQLiteStore) ActiveForEntity(ctx context.Context, entityID string) (*contracts.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT session_id, entity_id, state, started_at, ended_at, error_detail
		 FROM sessions WHERE entity_id = ? AND terminal = 0`, entityID)
	return scanSession(row)
}

// Active returns every non-terminal session.
func (s *SQLiteStore) Active(ctx context.Context) ([]*contracts.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT session_id, entity_id, state, started_at, ended_at, error_detail
		 FROM sessions WHERE terminal = 0 ORDER BY started_at`)
	if err != nil {
		return nil, fmt.Errorf("session: list active: %w", err)
	}
	defer rows.Close()

	var active []*contracts.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		active = append(active, sess)
	}
	return active, rows.Err()
}

type sessionScanner interface {
	Scan(dest ...any) error
}

func scanSession(row sessionScanner) (*contracts.Session, error) {
	var sess contracts.Session
	var state, startedAt string
	var endedAt sql.NullString
	err := row.Scan(&sess.SessionID, &sess.EntityID, &state, &startedAt, &endedAt, &sess.ErrorDetail)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.State = contracts.SessionState(state)
	sess.StartedAt, err = time.Parse(time.RFC3339Nano, startedAt)
	if err != nil {
		return nil, fmt.Errorf("session: parse started_at: %w", err)
	}
	if endedAt.Valid && endedAt.String != "" {
		t, err := time.Parse(time.RFC3339Nano, endedAt.String)
		if err != nil {
			return nil, fmt.Errorf("session: parse ended_at: %w", err)
		}
		sess.EndedAt = &t
	}
	return &sess, nil
}
