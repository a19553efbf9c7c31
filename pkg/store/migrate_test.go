package store

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
)

func TestMigrateLadder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	v, err := db.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != 8 {
		t.Errorf("expected schema version 8, got %d", v)
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	// Running the ladder again must be a no-op.
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}
	v, err := db.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("schema version: %v", err)
	}
	if v != 8 {
		t.Errorf("expected schema version 8 after re-run, got %d", v)
	}
}

func TestMigrateOnReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kernel.db")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	db, err := OpenPath(path, logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	db, err = OpenPath(path, logger)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer func() { _ = db.Close() }()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate on reopen: %v", err)
	}
}
