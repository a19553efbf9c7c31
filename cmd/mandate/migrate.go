package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mandatehq/mandate/pkg/store"
)

// runMigrateCmd implements `mandate migrate`: apply the schema ladder and
// print the resulting version. Serve migrates on boot too; the explicit
// command exists for operators who roll schemas ahead of new binaries.
//
// Exit codes:
//
//	0 = schema is current
//	2 = usage or configuration error
//	3 = migration failure
func runMigrateCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("migrate", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	dataDir := cmd.String("data", defaultDataDir(), "data directory holding mandate.db")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	if err := os.MkdirAll(*dataDir, 0o755); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	db, err := store.Open(*dataDir, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer func() { _ = db.Close() }()

	if err := db.Migrate(ctx); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: migrate: %v\n", err)
		return 3
	}
	v, err := db.SchemaVersion(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 3
	}
	fmt.Fprintf(stdout, "schema version %d\n", v)
	return 0
}

func defaultDataDir() string {
	if v := os.Getenv("DATA_DIR"); v != "" {
		return v
	}
	return "data"
}
