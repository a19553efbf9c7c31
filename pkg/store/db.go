// Package store owns the single SQLite database every kernel component
// persists through. All mutations are serialized through one writer
// goroutine; reads run concurrently against the WAL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/url"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DefaultBusyTimeout bounds how long a connection waits on the file lock
// before failing instead of blocking the writer.
const DefaultBusyTimeout = 5 * time.Second

// DB wraps the SQLite handle with the single-writer discipline. Every
// mutation goes through Write; Read hands out the pooled handle for
// concurrent queries.
type DB struct {
	sql     *sql.DB
	writeCh chan writeReq
	closed  chan struct{}
	log     *slog.Logger
}

type writeReq struct {
	ctx  context.Context
	fn   func(tx *sql.Tx) error
	done chan error
}

// Open opens (or creates) the database at dir/mandate.db, applies the
// pragmas the kernel depends on, and starts the writer loop. It does not
// run migrations; call Migrate before first use.
func Open(dir string, logger *slog.Logger) (*DB, error) {
	return openPath(filepath.Join(dir, "mandate.db"), logger)
}

// OpenPath opens the database at an explicit file path. Tests use this
// with t.TempDir().
func OpenPath(path string, logger *slog.Logger) (*DB, error) {
	return openPath(path, logger)
}

func openPath(path string, logger *slog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_txlock=immediate&_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=foreign_keys(1)&_pragma=synchronous(NORMAL)",
		url.PathEscape(path), DefaultBusyTimeout.Milliseconds(),
	)
	handle, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := handle.Ping(); err != nil {
		_ = handle.Close()
		return nil, fmt.Errorf("store: ping %s: %w", path, err)
	}
	return NewWithHandle(handle, logger), nil
}

// NewWithHandle wraps an already opened handle with the writer loop.
// Tests use this with sqlmock.
func NewWithHandle(handle *sql.DB, logger *slog.Logger) *DB {
	if logger == nil {
		logger = slog.Default()
	}
	db := &DB{
		sql:     handle,
		writeCh: make(chan writeReq, 64),
		closed:  make(chan struct{}),
		log:     logger.With("component", "store"),
	}
	go db.writeLoop()
	return db
}

// writeLoop applies queued mutations one transaction at a time.
func (d *DB) writeLoop() {
	for req := range d.writeCh {
		req.done <- d.runWrite(req.ctx, req.fn)
	}
	close(d.closed)
}

func (d *DB) runWrite(ctx context.Context, fn func(tx *sql.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && rbErr != sql.ErrTxDone {
			d.log.Error("rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Write runs fn inside one serialized transaction. fn must not retain the
// tx. Cross-table invariants (freeze + lineage + event) belong in a single
// Write call.
func (d *DB) Write(ctx context.Context, fn func(tx *sql.Tx) error) error {
	req := writeReq{ctx: ctx, fn: fn, done: make(chan error, 1)}
	select {
	case d.writeCh <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		// The writer still applies or rolls back the queued fn; the caller
		// just stops waiting.
		return ctx.Err()
	}
}

// Read returns the pooled handle for concurrent queries.
func (d *DB) Read() *sql.DB {
	return d.sql
}

// Close drains the writer and closes the handle.
func (d *DB) Close() error {
	close(d.writeCh)
	<-d.closed
	return d.sql.Close()
}
