package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Waypoint-Systems/keel/core/pkg/contracts"
)

// SQLiteStore persists approval requests so a suspended session survives
// a process restart with its pending approval intact.
type SQLiteStore struct {
	db *sql.DB
}

const approvalSchema = `
CREATE TABLE IF NOT EXISTS approvals (
	request_id      TEXT PRIMARY KEY,
	session_id      TEXT NOT NULL,
	proposed_action BLOB NOT NULL,
	confidence      REAL NOT NULL,
	status          TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	expires_at      TEXT NOT NULL,
	resolved_at     TEXT,
	actor_id        TEXT NOT NULL DEFAULT '',
	reason          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_approvals_status ON approvals(status);
CREATE INDEX IF NOT EXISTS idx_approvals_session ON approvals(session_id);
`

// NewSQLiteStore prepares the schema on db and returns the store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.Exec(approvalSchema); err != nil {
		return nil, fmt.Errorf("init approval schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Insert(ctx context.Context, req *contracts.ApprovalRequest) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (request_id, session_id, proposed_action, confidence, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		req.RequestID, req.SessionID, []byte(req.ProposedAction), req.Confidence,
		string(req.Status), req.CreatedAt.UTC().Format(time.RFC3339Nano), req.ExpiresAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert approval %s: %w", req.RequestID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, requestID string) (*contracts.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT request_id, session_id, proposed_action, confidence, status, created_at, expires_at, resolved_at, actor_id, reason
		 FROM approvals WHERE request_id = ?`, requestID)
	return scanApproval(row)
}

// Resolve updates the request only if it is still PENDING; losing the
// race returns ErrAlreadyResolved so the first resolution stands.
func (s *SQLiteStore) Resolve(ctx context.Context, req *contracts.ApprovalRequest) error {
	var resolvedAt any
	if req.ResolvedAt != nil {
		resolvedAt = req.ResolvedAt.UTC().Format(time.RFC3339Nano)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, resolved_at = ?, actor_id = ?, reason = ?
		 WHERE request_id = ? AND status = ?`,
		string(req.Status), resolvedAt, req.ActorID, req.Reason,
		req.RequestID, string(contracts.ApprovalPending))
	if err != nil {
		return fmt.Errorf("resolve approval %s: %w", req.RequestID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.Get(ctx, req.RequestID); errors.Is(getErr, ErrNotFound) {
			return ErrNotFound
		}
		return ErrAlreadyResolved
	}
	return nil
}

func (s *SQLiteStore) Pending(ctx context.Context) ([]*contracts.ApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT request_id, session_id, proposed_action, confidence, status, created_at, expires_at, resolved_at, actor_id, reason
		 FROM approvals WHERE status = ? ORDER BY created_at`, string(contracts.ApprovalPending))
	if err != nil {
		return nil, fmt.Errorf("list pending approvals: %w", err)
	}
	defer rows.Close()

	var pending []*contracts.ApprovalRequest
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		pending = append(pending, req)
	}
	return pending, rows.Err()
}

// ForSession returns the most recent request opened for a session.
func (s *SQLiteStore) ForSession(ctx context.Context, sessionID string) (*contracts.ApprovalRequest, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT request_id, session_id, proposed_action, confidence, status, created_at, expires_at, resolved_at, actor_id, reason
		 FROM approvals WHERE session_id = ? ORDER BY created_at DESC LIMIT 1`, sessionID)
	return scanApproval(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApproval(row rowScanner) (*contracts.ApprovalRequest, error) {
	var (
		req                  contracts.ApprovalRequest
		action               []byte
		status               string
		createdAt, expiresAt string
		resolvedAt           sql.NullString
	)
	err := row.Scan(&req.RequestID, &req.SessionID, &action, &req.Confidence,
		&status, &createdAt, &expiresAt, &resolvedAt, &req.ActorID, &req.Reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan approval: %w", err)
	}
	req.ProposedAction = action
	req.Status = contracts.ApprovalStatus(status)
	if req.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if req.ExpiresAt, err = time.Parse(time.RFC3339Nano, expiresAt); err != nil {
		return nil, fmt.Errorf("parse expires_at: %w", err)
	}
	if resolvedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, resolvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parse resolved_at: %w", err)
		}
		req.ResolvedAt = &t
	}
	return &req, nil
}
