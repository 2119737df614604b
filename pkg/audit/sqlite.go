package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend persists audit entries and their unmasked canonical
// details in two tables. The vault table is expected to live under
// restricted access controls in deployment; the entries table is the
// commonly queried log and only ever holds masked details.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend creates the backing tables if needed.
func NewSQLiteBackend(db *sql.DB) (*SQLiteBackend, error) {
	b := &SQLiteBackend{db: db}
	if err := b.migrate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS audit_entries (
		sequence      INTEGER PRIMARY KEY,
		entry_id      TEXT NOT NULL,
		timestamp     TEXT NOT NULL,
		session_id    TEXT NOT NULL,
		actor_id      TEXT NOT NULL,
		action        TEXT NOT NULL,
		payload_type  TEXT NOT NULL DEFAULT '',
		details       TEXT,
		details_hash  TEXT NOT NULL,
		previous_hash TEXT NOT NULL,
		entry_hash    TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS audit_vault (
		sequence INTEGER PRIMARY KEY,
		unmasked BLOB NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_audit_entries_session ON audit_entries(session_id);`
	_, err := b.db.ExecContext(context.Background(), query)
	return err
}

// Persist writes the entry and its vaulted details atomically.
func (b *SQLiteBackend) Persist(entry *Entry, unmasked []byte) error {
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.Exec(`INSERT INTO audit_entries (
		sequence, entry_id, timestamp, session_id, actor_id, action,
		payload_type, details, details_hash, previous_hash, entry_hash
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.Sequence, entry.EntryID, entry.Timestamp.UTC().Format(time.RFC3339Nano),
		entry.SessionID, entry.ActorID, entry.Action, entry.PayloadType,
		string(entry.Details), entry.DetailsHash, entry.PreviousHash, entry.EntryHash,
	)
	if err != nil {
		return fmt.Errorf("insert entry: %w", err)
	}

	_, err = tx.Exec(`INSERT INTO audit_vault (sequence, unmasked) VALUES (?, ?)`,
		entry.Sequence, unmasked)
	if err != nil {
		return fmt.Errorf("insert vault row: %w", err)
	}
	return tx.Commit()
}

// Load returns all persisted entries in sequence order.
func (b *SQLiteBackend) Load() ([]*Entry, error) {
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
		var ts, details string
		if err := rows.Scan(&e.Sequence, &e.EntryID, &ts, &e.SessionID, &e.ActorID,
			&e.Action, &e.PayloadType, &details, &e.DetailsHash, &e.PreviousHash, &e.EntryHash); err != nil {
			return nil, err
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse timestamp for sequence %d: %w", e.Sequence, err)
		}
		if details != "" {
			e.Details = []byte(details)
		}
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// Unmasked returns the vaulted canonical details for a sequence number.
func (b *SQLiteBackend) Unmasked(seq uint64) ([]byte, error) {
	var unmasked []byte
	err := b.db.QueryRow(`SELECT unmasked FROM audit_vault WHERE sequence = ?`, seq).Scan(&unmasked)
	if err == sql.ErrNoRows {
		return nil, ErrEntryNotFound
	}
	return unmasked, err
}
