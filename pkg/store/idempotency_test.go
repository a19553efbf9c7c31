package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mandatehq/mandate/pkg/contracts"
)

func TestIdempotencyStore_FreshAndReplay(t *testing.T) {
	db := newTestDB(t)
	idem := NewIdempotencyStore(db)
	ctx := context.Background()

	res, err := idem.Begin(ctx, "key-1", "hash-a", time.Hour)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if !res.Fresh {
		t.Fatal("expected fresh claim")
	}

	if err := idem.Complete(ctx, "key-1", []byte(`{"ok":true}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}

	res, err = idem.Begin(ctx, "key-1", "hash-a", time.Hour)
	if err != nil {
		t.Fatalf("replay begin: %v", err)
	}
	if res.Fresh {
		t.Fatal("expected replay, got fresh")
	}
	if res.Replay == nil || string(res.Replay.Response) != `{"ok":true}` {
		t.Errorf("expected stored response, got %+v", res.Replay)
	}
	if res.Replay.Status != contracts.IdempotencyCompleted {
		t.Errorf("expected completed status, got %s", res.Replay.Status)
	}
}

func TestIdempotencyStore_HashMismatch(t *testing.T) {
	db := newTestDB(t)
	idem := NewIdempotencyStore(db)
	ctx := context.Background()

	if _, err := idem.Begin(ctx, "key-1", "hash-a", 0); err != nil {
		t.Fatalf("begin: %v", err)
	}

	// Same key with a different request body is a hard error, pending or not.
	_, err := idem.Begin(ctx, "key-1", "hash-b", 0)
	if !contracts.IsCode(err, contracts.ErrIdempotencyMismatch) {
		t.Errorf("expected ERROR_IDEMPOTENCY_MISMATCH, got %v", err)
	}
}

func TestIdempotencyStore_PendingConflict(t *testing.T) {
	db := newTestDB(t)
	idem := NewIdempotencyStore(db)
	ctx := context.Background()

	if _, err := idem.Begin(ctx, "key-1", "hash-a", 0); err != nil {
		t.Fatalf("begin: %v", err)
	}
	_, err := idem.Begin(ctx, "key-1", "hash-a", 0)
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict while pending, got %v", err)
	}
}

func TestIdempotencyStore_FailedReplay(t *testing.T) {
	db := newTestDB(t)
	idem := NewIdempotencyStore(db)
	ctx := context.Background()

	if _, err := idem.Begin(ctx, "key-1", "hash-a", 0); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := idem.Fail(ctx, "key-1", []byte(`{"error":"boom"}`)); err != nil {
		t.Fatalf("fail: %v", err)
	}

	res, err := idem.Begin(ctx, "key-1", "hash-a", 0)
	if err != nil {
		t.Fatalf("begin after fail: %v", err)
	}
	if res.Fresh || res.Replay == nil {
		t.Fatal("expected failed replay record")
	}
	if res.Replay.Status != contracts.IdempotencyFailed {
		t.Errorf("expected failed status, got %s", res.Replay.Status)
	}
}

func TestIdempotencyStore_Release(t *testing.T) {
	db := newTestDB(t)
	idem := NewIdempotencyStore(db)
	ctx := context.Background()

	if _, err := idem.Begin(ctx, "key-1", "hash-a", 0); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := idem.Release(ctx, "key-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	// A released key carries no memory of the aborted attempt.
	res, err := idem.Begin(ctx, "key-1", "hash-b", 0)
	if err != nil {
		t.Fatalf("re-begin: %v", err)
	}
	if !res.Fresh {
		t.Fatal("expected fresh claim after release")
	}

	// Release only applies to pending claims.
	if err := idem.Complete(ctx, "key-1", []byte(`{}`)); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if err := idem.Release(ctx, "key-1"); !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict releasing a completed key, got %v", err)
	}
}

func TestIdempotencyStore_PurgeExpired(t *testing.T) {
	db := newTestDB(t)
	idem := NewIdempotencyStore(db)
	ctx := context.Background()

	if _, err := idem.Begin(ctx, "short", "h", time.Minute); err != nil {
		t.Fatalf("begin short: %v", err)
	}
	if _, err := idem.Begin(ctx, "long", "h", time.Hour); err != nil {
		t.Fatalf("begin long: %v", err)
	}
	if _, err := idem.Begin(ctx, "forever", "h", 0); err != nil {
		t.Fatalf("begin forever: %v", err)
	}

	purged, err := idem.PurgeExpired(ctx, time.Now().Add(30*time.Minute))
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if purged != 1 {
		t.Errorf("expected 1 purged key, got %d", purged)
	}

	// The purged key can be claimed afresh.
	res, err := idem.Begin(ctx, "short", "h2", time.Minute)
	if err != nil {
		t.Fatalf("re-begin: %v", err)
	}
	if !res.Fresh {
		t.Error("expected fresh claim after purge")
	}
}
