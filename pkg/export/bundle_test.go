package export

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Waypoint-Systems/keel/core/pkg/audit"
)

func newPopulatedLog(t *testing.T) *audit.Log {
	t.Helper()
	l, err := audit.NewLog()
	require.NoError(t, err)

	_, err = l.Append("s1", "system", audit.ActionSessionAcquired, "", map[string]string{"entity": "E1"})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err = l.Append("s1", "system", audit.ActionStateTransition, "", map[string]int{"step": i})
		require.NoError(t, err)
	}
	_, err = l.Append("s2", "system", audit.ActionSessionAcquired, "", map[string]string{"entity": "E2"})
	require.NoError(t, err)
	return l
}

func TestBuildAndVerifyRoundtrip(t *testing.T) {
	l := newPopulatedLog(t)
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewBuilder(l).WithClock(func() time.Time { return fixed })

	bundle, err := b.Build(audit.QueryFilter{SessionID: "s1"})
	require.NoError(t, err)

	assert.Equal(t, BundleVersion, bundle.Manifest.BundleVersion)
	assert.Equal(t, fixed, bundle.Manifest.GeneratedAt)
	assert.Equal(t, "s1", bundle.Manifest.SessionID)
	assert.Equal(t, 4, bundle.Manifest.EntryCount)
	assert.Equal(t, uint64(1), bundle.Manifest.FirstSequence)
	assert.Equal(t, uint64(4), bundle.Manifest.LastSequence)
	assert.Equal(t, l.ChainHead(), bundle.Manifest.ChainHead)
	assert.Contains(t, bundle.Checksum, "sha256:")

	manifest, entries, err := Verify(bundle.Data)
	require.NoError(t, err)
	assert.Equal(t, bundle.Manifest, *manifest)
	require.Len(t, entries, 4)
	assert.Equal(t, audit.ActionSessionAcquired, entries[0].Action)
	for _, e := range entries {
		assert.Equal(t, "s1", e.SessionID)
	}
}

func TestBuildRejectsEmptySelection(t *testing.T) {
	l := newPopulatedLog(t)
	_, err := NewBuilder(l).Build(audit.QueryFilter{SessionID: "missing"})
	assert.ErrorIs(t, err, ErrNoEntries)
}

func TestVerifyDetectsTamperedEntries(t *testing.T) {
	l := newPopulatedLog(t)
	bundle, err := NewBuilder(l).Build(audit.QueryFilter{SessionID: "s1"})
	require.NoError(t, err)

	tampered := rewriteMember(t, bundle.Data, "entries.json", func(data []byte) []byte {
		var entries []*audit.Entry
		require.NoError(t, json.Unmarshal(data, &entries))
		entries[1].ActorID = "intruder"
		out, err := json.MarshalIndent(entries, "", "  ")
		require.NoError(t, err)
		return out
	})

	_, _, err = Verify(tampered)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
}

func TestVerifyRejectsIncompatibleVersion(t *testing.T) {
	l := newPopulatedLog(t)
	bundle, err := NewBuilder(l).Build(audit.QueryFilter{SessionID: "s1"})
	require.NoError(t, err)

	tampered := rewriteMember(t, bundle.Data, "manifest.json", func(data []byte) []byte {
		var m Manifest
		require.NoError(t, json.Unmarshal(data, &m))
		m.BundleVersion = "2.0.0"
		out, err := json.MarshalIndent(m, "", "  ")
		require.NoError(t, err)
		return out
	})

	_, _, err = Verify(tampered)
	assert.ErrorIs(t, err, ErrIncompatibleVersion)
}

func TestVerifyRejectsMissingMembers(t *testing.T) {
	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	f, err := w.Create("README.txt")
	require.NoError(t, err)
	_, err = f.Write([]byte("not a bundle"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	_, _, err = Verify(buf.Bytes())
	assert.ErrorIs(t, err, ErrMalformedBundle)
}

func TestFileSinkWritesChecksumNamedBundle(t *testing.T) {
	l := newPopulatedLog(t)
	bundle, err := NewBuilder(l).Build(audit.QueryFilter{SessionID: "s1"})
	require.NoError(t, err)

	dir := t.TempDir()
	sink, err := NewFileSink(filepath.Join(dir, "bundles"))
	require.NoError(t, err)

	path, err := sink.Put(context.Background(), bundle)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, bundle.Data, data)
	assert.NotContains(t, filepath.Base(path), "sha256:")

	// Same bundle again lands on the same path.
	again, err := sink.Put(context.Background(), bundle)
	require.NoError(t, err)
	assert.Equal(t, path, again)
}

// rewriteMember rebuilds the zip with one member's contents replaced.
func rewriteMember(t *testing.T, data []byte, name string, fn func([]byte) []byte) []byte {
	t.Helper()
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)
	for _, f := range r.File {
		rc, err := f.Open()
		require.NoError(t, err)
		content, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		if f.Name == name {
			content = fn(content)
		}
		out, err := w.Create(f.Name)
		require.NoError(t, err)
		_, err = out.Write(content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}
