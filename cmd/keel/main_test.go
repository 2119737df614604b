package main

import (
	"bytes"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Waypoint-Systems/keel/core/pkg/audit"

	_ "modernc.org/sqlite"
)

func TestRunDispatch(t *testing.T) {
	served := false
	orig := startServer
	startServer = func() { served = true }
	defer func() { startServer = orig }()

	var out, errOut bytes.Buffer

	assert.Equal(t, 0, Run([]string{"keel"}, &out, &errOut))
	assert.True(t, served)

	served = false
	assert.Equal(t, 0, Run([]string{"keel", "serve"}, &out, &errOut))
	assert.True(t, served)

	assert.Equal(t, 0, Run([]string{"keel", "help"}, &out, &errOut))
	assert.Contains(t, out.String(), "Usage:")

	assert.Equal(t, 2, Run([]string{"keel", "bogus"}, &out, &errOut))
	assert.Contains(t, errOut.String(), "Unknown command")
}

func seedAuditDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keel.db")
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	require.NoError(t, err)
	defer db.Close()

	backend, err := audit.NewSQLiteBackend(db)
	require.NoError(t, err)
	log, err := audit.NewLog(audit.WithBackend(backend))
	require.NoError(t, err)

	_, err = log.Append("s1", "system", audit.ActionSessionAcquired, "", map[string]string{"entity": "E1"})
	require.NoError(t, err)
	_, err = log.Append("s1", "system", audit.ActionStateTransition, "", map[string]string{"to": "DATA_RETRIEVAL"})
	require.NoError(t, err)
	return path
}

func TestVerifyAndExportCommands(t *testing.T) {
	dbPath := seedAuditDB(t)
	var out, errOut bytes.Buffer

	code := runVerifyCmd([]string{"--db", dbPath}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "PASSED")

	outDir := t.TempDir()
	out.Reset()
	code = runExportCmd([]string{"--db", dbPath, "--session", "s1", "--out", outDir}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "Bundle written:")

	// The written bundle verifies.
	var line string
	for _, l := range strings.Split(out.String(), "\n") {
		if strings.HasPrefix(l, "Bundle written: ") {
			line = strings.TrimPrefix(l, "Bundle written: ")
		}
	}
	require.NotEmpty(t, line)

	out.Reset()
	code = runVerifyCmd([]string{"--bundle", line}, &out, &errOut)
	require.Equal(t, 0, code, errOut.String())
	assert.Contains(t, out.String(), "Bundle verification PASSED")
}

func TestExportNothingToExport(t *testing.T) {
	dbPath := seedAuditDB(t)
	var out, errOut bytes.Buffer

	code := runExportCmd([]string{"--db", dbPath, "--session", "missing", "--out", t.TempDir()}, &out, &errOut)
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut.String(), "Nothing to export")
}
