package audit

import (
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPostgresBackendPersist(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	entry := &Entry{
		EntryID:      "e-1",
		Sequence:     1,
		Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		SessionID:    "s1",
		ActorID:      "system",
		Action:       ActionSessionAcquired,
		Details:      []byte(`{"entity":"E1"}`),
		DetailsHash:  "sha256:abc",
		PreviousHash: GenesisHash,
		EntryHash:    "sha256:def",
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_entries").
		WithArgs(entry.Sequence, entry.EntryID, entry.Timestamp, entry.SessionID,
			entry.ActorID, entry.Action, entry.PayloadType, string(entry.Details),
			entry.DetailsHash, entry.PreviousHash, entry.EntryHash).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_vault").
		WithArgs(entry.Sequence, []byte(`{"entity":"E1"}`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	backend := &PostgresBackend{db: db}
	require.NoError(t, backend.Persist(entry, []byte(`{"entity":"E1"}`)))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackendLoad(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"sequence", "entry_id", "timestamp", "session_id", "actor_id", "action",
		"payload_type", "details", "details_hash", "previous_hash", "entry_hash",
	}).
		AddRow(1, "e-1", ts, "s1", "system", ActionSessionAcquired, "", `{"entity":"E1"}`, "sha256:abc", GenesisHash, "sha256:def").
		AddRow(2, "e-2", ts, "s1", "system", ActionStateTransition, "", "", "sha256:ghi", "sha256:def", "sha256:jkl")

	mock.ExpectQuery("SELECT").WillReturnRows(rows)

	backend := &PostgresBackend{db: db}
	entries, err := backend.Load()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Sequence)
	assert.Equal(t, "sha256:def", entries[1].PreviousHash)
	assert.Nil(t, entries[1].Details)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBackendPersistRollsBackOnVaultFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO audit_entries").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO audit_vault").WillReturnError(assert.AnError)
	mock.ExpectRollback()

	backend := &PostgresBackend{db: db}
	err = backend.Persist(&Entry{Sequence: 1, Timestamp: time.Now()}, []byte(`{}`))
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
