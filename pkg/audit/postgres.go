package audit

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// PostgresBackend persists audit entries in Postgres. Schema mirrors the
// SQLite backend; the vault table must be granted only to the restricted
// review role.
type PostgresBackend struct {
	db *sql.DB
}

// NewPostgresBackend creates the backing tables if needed.
func NewPostgresBackend(db *sql.DB) (*PostgresBackend, error) {
	b := &PostgresBackend{db: db}
	if err := b.migrate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *PostgresBackend) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		sequence      BIGINT PRIMARY KEY,
		entry_id      TEXT NOT NULL,
		timestamp     TIMESTAMPTZ NOT NULL,
		session_id    TEXT NOT NULL,
		actor_id      TEXT NOT NULL,
		action        TEXT NOT NULL,
		payload_type  TEXT NOT NULL DEFAULT '',
		details       JSONB,
		details_hash  TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		entry_hash    TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS audit_vault (
		sequence BIGINT PRIMARY KEY,
		unmasked BYTEA NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_session ON audit_entries(session_id);`
	_, err := b.db.ExecContext(context.Background(), query)
	return err
}

// Persist writes the entry and its vaulted details atomically.
func (b *PostgresBackend) Persist(entry *Entry, unmasked []byte) error {
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`INSERT INTO audit_entries (
		sequence, entry_id, timestamp, session_id, actor_id, action,
		payload_type, details, details_hash, previous_hash, entry_hash
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		entry.Sequence, entry.EntryID, entry.Timestamp.UTC(),
		entry.SessionID, entry.ActorID, entry.Action, entry.PayloadType,
		string(entry.Details), entry.DetailsHash, entry.PreviousHash, entry.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}

	_, err = tx.Exec(`INSERT INTO audit_vault (sequence, unmasked) VALUES ($1, $2)`,
		entry.Sequence, unmasked)
	if err != nil {
		return fmt.Errorf("insert vault row: %w", err)
	}
	return tx.Commit()
}

// Load returns all persisted entries in sequence order.
func (b *PostgresBackend) Load() ([]*Entry, error) {
	rows, err := b.db.Query(`SELECT
		sequence, entry_id, timestamp, session_id, actor_id, action,
		payload_type, details, details_hash, previous_hash, entry_hash
	FROM audit_entries ORDER BY sequence ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var details sql.NullString
		if err := rows.Scan(&e.Sequence, &e.EntryID, &e.Timestamp, &e.SessionID, &e.ActorID,
			&e.Action, &e.PayloadType, &details, &e.DetailsHash, &e.PreviousHash, &e.EntryHash); err != nil {
			return nil, err
		}
		if details.Valid && details.String != "" {
			e.Details = []byte(details.String)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Unmasked returns the vaulted canonical details for a sequence number.
func (b *PostgresBackend) Unmasked(seq uint64) ([]byte, error) {
	var unmasked []byte
	err := b.db.QueryRow(`SELECT unmasked FROM audit_vault WHERE sequence = $1`, seq).Scan(&unmasked)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	return unmasked, err
}
