package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/Waypoint-Systems/keel/core/pkg/audit"
	"github.com/Waypoint-Systems/keel/core/pkg/export"
)

// runExportCmd builds an evidence bundle from the persisted audit log and
// writes it through the configured sink (local directory by default; S3
// or GCS via EXPORT_SINK).
//
// Exit codes:
//
//	0 = export completed
//	1 = nothing to export
//	2 = runtime error
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		dbPath    string
		sessionID string
		outDir    string
	)
	cmd.StringVar(&dbPath, "db", "keel.db", "Path to the audit SQLite database")
	cmd.StringVar(&sessionID, "session", "", "Limit the bundle to one session")
	cmd.StringVar(&outDir, "out", "", "Write to this directory instead of the EXPORT_SINK target")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: open database: %v\n", err)
		return 2
	}
	defer db.Close()

	backend, err := audit.NewSQLiteBackend(db)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: open audit backend: %v\n", err)
		return 2
	}
	log, err := audit.NewLog(audit.WithBackend(backend))
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: load audit log: %v\n", err)
		return 2
	}

	bundle, err := export.NewBuilder(log).Build(audit.QueryFilter{SessionID: sessionID})
	if err != nil {
		if errors.Is(err, export.ErrNoEntries) {
			_, _ = fmt.Fprintln(stderr, "Nothing to export: no matching audit entries")
			return 1
		}
		_, _ = fmt.Fprintf(stderr, "Error: build bundle: %v\n", err)
		return 2
	}

	ctx := context.Background()
	var sink export.Sink
	if outDir != "" {
		sink, err = export.NewFileSink(outDir)
	} else {
		sink, err = export.NewSinkFromEnv(ctx)
	}
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: configure sink: %v\n", err)
		return 2
	}

	location, err := sink.Put(ctx, bundle)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: write bundle: %v\n", err)
		return 2
	}

	_, _ = fmt.Fprintf(stdout, "Bundle written: %s\n", location)
	_, _ = fmt.Fprintf(stdout, "Entries: %d (sequences %d..%d)\n",
		bundle.Manifest.EntryCount, bundle.Manifest.FirstSequence, bundle.Manifest.LastSequence)
	_, _ = fmt.Fprintf(stdout, "Checksum: %s\n", bundle.Checksum)
	return 0
}
