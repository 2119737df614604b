// Package export builds portable evidence bundles from the audit log.
//
// A bundle is a zip archive carrying the selected entries, a manifest
// describing the chain head and sequence range at generation time, and a
// human-readable README. The manifest records a checksum over the
// canonical entries so tampering is detectable after the bundle leaves
// the process.
package export

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/Waypoint-Systems/keel/core/pkg/audit"
	"github.com/Waypoint-Systems/keel/core/pkg/canonicalize"
)

// BundleVersion is stamped into every manifest. Readers accept bundles
// whose major version matches theirs.
const BundleVersion = "1.0.0"

var (
	// ErrNoEntries is returned when the filter selects nothing.
	ErrNoEntries = errors.New("export: no entries match filter")
	// ErrChecksumMismatch is returned when bundle contents do not match
	// the manifest checksum.
	ErrChecksumMismatch = errors.New("export: entries checksum mismatch")
	// ErrIncompatibleVersion is returned when a bundle was produced by an
	// incompatible bundle format version.
	ErrIncompatibleVersion = errors.New("export: incompatible bundle version")
	// ErrMalformedBundle is returned when required archive members are
	// missing or unreadable.
	ErrMalformedBundle = errors.New("export: malformed bundle")
)

// Manifest is written as manifest.json inside the bundle.
type Manifest struct {
	BundleVersion string    `json:"bundle_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	SessionID     string    `json:"session_id,omitempty"`
	EntryCount    int       `json:"entry_count"`
	FirstSequence uint64    `json:"first_sequence"`
	LastSequence  uint64    `json:"last_sequence"`
	ChainHead     string    `json:"chain_head"`
	EntriesHash   string    `json:"entries_hash"`
}

// Bundle is the result of a build: the zip bytes plus the manifest that
// was embedded in them.
type Bundle struct {
	Manifest Manifest
	Data     []byte
	Checksum string
}

// Builder generates evidence bundles from a live audit log.
type Builder struct {
	log   *audit.Log
	clock func() time.Time
}

// NewBuilder returns a Builder over the given log.
func NewBuilder(log *audit.Log) *Builder {
	return &Builder{log: log, clock: time.Now}
}

// WithClock overrides the timestamp source.
func (b *Builder) WithClock(clock func() time.Time) *Builder {
	b.clock = clock
	return b
}

// Build selects entries via filter, verifies the covered chain segment,
// and produces the zip bundle. The chain must verify before anything is
// exported so a bundle can never attest to a corrupted log.
func (b *Builder) Build(filter audit.QueryFilter) (*Bundle, error) {
	entries := b.log.Query(filter)
	if len(entries) == 0 {
		return nil, ErrNoEntries
	}

	first := entries[0].Sequence
	last := entries[len(entries)-1].Sequence
	if err := b.log.Verify(first, last); err != nil {
		return nil, fmt.Errorf("export: chain verification failed: %w", err)
	}

	entriesJSON, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: marshal entries: %w", err)
	}
	entriesHash, err := canonicalize.CanonicalHash(entries)
	if err != nil {
		return nil, fmt.Errorf("export: hash entries: %w", err)
	}

	manifest := Manifest{
		BundleVersion: BundleVersion,
		GeneratedAt:   b.clock().UTC(),
		SessionID:     filter.SessionID,
		EntryCount:    len(entries),
		FirstSequence: first,
		LastSequence:  last,
		ChainHead:     b.log.ChainHead(),
		EntriesHash:   entriesHash,
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("export: marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	if err := writeMember(w, "entries.json", entriesJSON); err != nil {
		return nil, err
	}
	if err := writeMember(w, "manifest.json", manifestJSON); err != nil {
		return nil, err
	}
	readme := fmt.Sprintf("Keel evidence bundle\nGenerated at %s\nEntries %d (sequences %d..%d)\nChain head %s\n",
		manifest.GeneratedAt.Format(time.RFC3339), manifest.EntryCount, first, last, manifest.ChainHead)
	if err := writeMember(w, "README.txt", []byte(readme)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("export: close archive: %w", err)
	}

	data := buf.Bytes()
	return &Bundle{
		Manifest: manifest,
		Data:     data,
		Checksum: canonicalize.HashBytes(data),
	}, nil
}

func writeMember(w *zip.Writer, name string, data []byte) error {
	f, err := w.Create(name)
	if err != nil {
		return fmt.Errorf("export: create %s: %w", name, err)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("export: write %s: %w", name, err)
	}
	return nil
}

// Verify opens bundle bytes, checks the format version is compatible with
// this reader, and recomputes the entries checksum against the manifest.
// It returns the embedded manifest and entries on success.
func Verify(data []byte) (*Manifest, []*audit.Entry, error) {
	r, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}

	manifestJSON, err := readMember(r, "manifest.json")
	if err != nil {
		return nil, nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(manifestJSON, &manifest); err != nil {
		return nil, nil, fmt.Errorf("%w: manifest.json: %v", ErrMalformedBundle, err)
	}

	bundleVer, err := semver.NewVersion(manifest.BundleVersion)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: bad bundle_version %q", ErrIncompatibleVersion, manifest.BundleVersion)
	}
	readerVer := semver.MustParse(BundleVersion)
	if bundleVer.Major() != readerVer.Major() {
		return nil, nil, fmt.Errorf("%w: bundle %s, reader %s", ErrIncompatibleVersion, manifest.BundleVersion, BundleVersion)
	}

	entriesJSON, err := readMember(r, "entries.json")
	if err != nil {
		return nil, nil, err
	}
	var entries []*audit.Entry
	if err := json.Unmarshal(entriesJSON, &entries); err != nil {
		return nil, nil, fmt.Errorf("%w: entries.json: %v", ErrMalformedBundle, err)
	}

	gotHash, err := canonicalize.CanonicalHash(entries)
	if err != nil {
		return nil, nil, fmt.Errorf("export: hash entries: %w", err)
	}
	if gotHash != manifest.EntriesHash {
		return nil, nil, ErrChecksumMismatch
	}
	if len(entries) != manifest.EntryCount {
		return nil, nil, fmt.Errorf("%w: entry count %d, manifest says %d", ErrMalformedBundle, len(entries), manifest.EntryCount)
	}
	return &manifest, entries, nil
}

func readMember(r *zip.Reader, name string) ([]byte, error) {
	for _, f := range r.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("%w: open %s: %v", ErrMalformedBundle, name, err)
		}
		defer rc.Close()
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %v", ErrMalformedBundle, name, err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("%w: missing %s", ErrMalformedBundle, name)
}
