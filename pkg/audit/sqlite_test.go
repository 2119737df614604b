package audit

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSQLiteBackendSurvivesRestart(t *testing.T) {
	db := openTestDB(t)

	backend, err := NewSQLiteBackend(db)
	require.NoError(t, err)
	l, err := NewLog(WithBackend(backend))
	require.NoError(t, err)

	_, err = l.Append("s1", "system", ActionSessionAcquired, "", map[string]string{"entity": "E1"})
	require.NoError(t, err)
	e2, err := l.Append("s1", "system", ActionStateTransition, "", map[string]string{"to": "DATA_RETRIEVAL"})
	require.NoError(t, err)

	// Reopen over the same database: chain state resumes.
	backend2, err := NewSQLiteBackend(db)
	require.NoError(t, err)
	reopened, err := NewLog(WithBackend(backend2))
	require.NoError(t, err)

	assert.Equal(t, uint64(2), reopened.Sequence())
	assert.Equal(t, e2.EntryHash, reopened.ChainHead())
	assert.NoError(t, reopened.Verify(1, 0))

	e3, err := reopened.Append("s1", "system", ActionStateTransition, "", nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e3.Sequence)
	assert.Equal(t, e2.EntryHash, e3.PreviousHash)
}

func TestSQLiteBackendVault(t *testing.T) {
	db := openTestDB(t)
	backend, err := NewSQLiteBackend(db)
	require.NoError(t, err)
	l, err := NewLog(WithBackend(backend))
	require.NoError(t, err)

	entry, err := l.Append("s1", "system", ActionActionExecuted, "", map[string]string{"secret": "raw-value"})
	require.NoError(t, err)

	unmasked, err := backend.Unmasked(entry.Sequence)
	require.NoError(t, err)
	assert.Contains(t, string(unmasked), "raw-value")

	_, err = backend.Unmasked(999)
	assert.ErrorIs(t, err, ErrEntryNotFound)
}
