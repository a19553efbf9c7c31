package lease

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/eventlog"
	"github.com/mandatehq/mandate/pkg/store"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

type fixture struct {
	db      *store.DB
	items   *store.WorkItemStore
	events  *eventlog.Log
	manager *Manager
	clock   *fakeClock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := store.OpenPath(filepath.Join(t.TempDir(), "kernel.db"), logger)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	tasks := store.NewTaskStore(db)
	task := &contracts.Task{ID: "task-a", AgentID: "agent-1", Title: "t", MaxIterations: 10}
	if err := tasks.Create(ctx, task); err != nil {
		t.Fatalf("seed task: %v", err)
	}

	clock := &fakeClock{t: time.Now()}
	events := eventlog.New(db, logger)
	manager := NewManager(db, events, logger, WithTTL(5*time.Minute), WithClock(clock))
	return &fixture{
		db:      db,
		items:   store.NewWorkItemStore(db),
		events:  events,
		manager: manager,
		clock:   clock,
	}
}

func (f *fixture) newItem(t *testing.T) *contracts.WorkItem {
	t.Helper()
	w := &contracts.WorkItem{TaskID: "task-a", WorkType: "iteration"}
	if err := f.items.Create(context.Background(), w); err != nil {
		t.Fatalf("create item: %v", err)
	}
	return w
}

func TestManager_AcquireClaimsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.newItem(t)

	if err := f.manager.Acquire(ctx, w.ID, "runner-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}

	got, err := f.items.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != contracts.WorkInProgress {
		t.Errorf("expected in_progress, got %s", got.Status)
	}
	if got.LeaseOwner != "runner-1" || got.LeaseExpiresAt == nil {
		t.Errorf("lease fields not set: %+v", got)
	}
	if !got.Leased(f.clock.Now()) {
		t.Error("expected live lease")
	}
}

func TestManager_AcquireRejectsLiveLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.newItem(t)

	if err := f.manager.Acquire(ctx, w.ID, "runner-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := f.manager.Acquire(ctx, w.ID, "runner-2"); !errors.Is(err, ErrHeld) {
		t.Errorf("expected ErrHeld, got %v", err)
	}
	// Re-acquire by the same owner extends, not fails.
	if err := f.manager.Acquire(ctx, w.ID, "runner-1"); err != nil {
		t.Errorf("owner re-acquire: %v", err)
	}
}

func TestManager_AcquireTakesOverLapsedLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.newItem(t)

	if err := f.manager.Acquire(ctx, w.ID, "runner-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	f.clock.advance(6 * time.Minute)

	if err := f.manager.Acquire(ctx, w.ID, "runner-2"); err != nil {
		t.Fatalf("takeover: %v", err)
	}
	got, _ := f.items.Get(ctx, w.ID)
	if got.LeaseOwner != "runner-2" {
		t.Errorf("expected runner-2 to own lease, got %s", got.LeaseOwner)
	}

	// The old owner's heartbeat now reports a lost lease.
	err := f.manager.Heartbeat(ctx, w.ID, "runner-1")
	if !contracts.IsCode(err, contracts.ErrLeaseLost) {
		t.Errorf("expected ERROR_LEASE_LOST, got %v", err)
	}
}

func TestManager_HeartbeatExtends(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.newItem(t)

	if err := f.manager.Acquire(ctx, w.ID, "runner-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	before, _ := f.items.Get(ctx, w.ID)

	f.clock.advance(2 * time.Minute)
	if err := f.manager.Heartbeat(ctx, w.ID, "runner-1"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	after, _ := f.items.Get(ctx, w.ID)
	if !after.LeaseExpiresAt.After(*before.LeaseExpiresAt) {
		t.Error("heartbeat did not extend lease")
	}
}

func TestManager_HeartbeatAfterExpiryFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.newItem(t)

	if err := f.manager.Acquire(ctx, w.ID, "runner-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	f.clock.advance(10 * time.Minute)

	err := f.manager.Heartbeat(ctx, w.ID, "runner-1")
	if !contracts.IsCode(err, contracts.ErrLeaseLost) {
		t.Errorf("expected ERROR_LEASE_LOST, got %v", err)
	}
}

func TestManager_ReleaseReturnsToPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.newItem(t)

	if err := f.manager.Acquire(ctx, w.ID, "runner-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := f.manager.Release(ctx, w.ID, "runner-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	got, _ := f.items.Get(ctx, w.ID)
	if got.Status != contracts.WorkPending {
		t.Errorf("expected pending after release, got %s", got.Status)
	}
	if got.LeaseOwner != "" || got.LeaseExpiresAt != nil {
		t.Errorf("lease fields not cleared: %+v", got)
	}

	// Another runner can now acquire it.
	if err := f.manager.Acquire(ctx, w.ID, "runner-2"); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}

func TestManager_SweepExpiresAndRecords(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w1 := f.newItem(t)
	w2 := f.newItem(t)

	if err := f.manager.Acquire(ctx, w1.ID, "runner-1"); err != nil {
		t.Fatalf("acquire w1: %v", err)
	}
	f.clock.advance(3 * time.Minute)
	if err := f.manager.Acquire(ctx, w2.ID, "runner-2"); err != nil {
		t.Fatalf("acquire w2: %v", err)
	}

	// Only w1's lease has lapsed.
	f.clock.advance(3 * time.Minute)
	swept, err := f.manager.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(swept) != 1 || swept[0].ID != w1.ID {
		t.Fatalf("expected only w1 swept, got %+v", swept)
	}
	if swept[0].Status != contracts.WorkExpired {
		t.Errorf("expected expired status, got %s", swept[0].Status)
	}

	events, err := f.events.List(ctx, "task-a", 0, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	var expiredEvents int
	for _, ev := range events {
		if ev.Type == contracts.EventLeaseExpired {
			expiredEvents++
			if ev.Actor != contracts.ActorLease {
				t.Errorf("expected lease actor, got %s", ev.Actor)
			}
			if ev.Payload["work_item_id"] != w1.ID {
				t.Errorf("wrong work item in payload: %v", ev.Payload)
			}
		}
	}
	if expiredEvents != 1 {
		t.Errorf("expected 1 lease_expired event, got %d", expiredEvents)
	}

	// Idempotent: nothing left to sweep.
	swept, err = f.manager.Sweep(ctx)
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(swept) != 0 {
		t.Errorf("expected empty second sweep, got %d", len(swept))
	}
}

func TestManager_CompletedItemSurvivesSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := f.newItem(t)

	if err := f.manager.Acquire(ctx, w.ID, "runner-1"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if err := f.items.Complete(ctx, w.ID, "runner-1", map[string]any{"ok": true}); err != nil {
		t.Fatalf("complete: %v", err)
	}

	f.clock.advance(time.Hour)
	swept, err := f.manager.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(swept) != 0 {
		t.Errorf("completed item must not be swept, got %+v", swept)
	}
}
