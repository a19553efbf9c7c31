package capability

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/schema"
	"github.com/mandatehq/mandate/pkg/store"
)

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time { return f.t }

func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

type testEnv struct {
	db    *store.DB
	reg   *Registry
	esc   *Escalations
	auth  *Authorizer
	clock *fakeClock
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	db, err := store.OpenPath(filepath.Join(t.TempDir(), "kernel.db"), logger)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	schemas, err := schema.Load()
	if err != nil {
		t.Fatalf("load schemas: %v", err)
	}
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	reg := NewRegistry(db, schemas, logger)
	esc := NewEscalations(db, reg, logger).WithClock(clock)
	auth := NewAuthorizer(db, reg, esc, logger).WithClock(clock)
	return &testEnv{db: db, reg: reg, esc: esc, auth: auth, clock: clock}
}

func (e *testEnv) seedCapability(t *testing.T, id string, domain contracts.Domain, level contracts.Level) {
	t.Helper()
	def := &contracts.CapabilityDefinition{ID: id, Domain: domain, Level: level, Version: "1.0.0"}
	if err := e.reg.Register(context.Background(), def); err != nil {
		t.Fatalf("register %s: %v", id, err)
	}
}

func (e *testEnv) seedProfile(t *testing.T, agentID string, tier int, policy contracts.EscalationPolicy, allowed, forbidden []string) {
	t.Helper()
	p := &contracts.AgentProfile{
		AgentID:               agentID,
		Tier:                  tier,
		AllowedCapabilities:   allowed,
		ForbiddenCapabilities: forbidden,
		EscalationPolicy:      policy,
	}
	if err := e.reg.UpsertProfile(context.Background(), p); err != nil {
		t.Fatalf("upsert profile %s: %v", agentID, err)
	}
}

func (e *testEnv) seedTask(t *testing.T, taskID string) {
	t.Helper()
	task := &contracts.Task{ID: taskID, AgentID: "agent-1", Title: "t", MaxIterations: 10}
	if err := store.NewTaskStore(e.db).Create(context.Background(), task); err != nil {
		t.Fatalf("seed task %s: %v", taskID, err)
	}
}

func (e *testEnv) seedPlan(t *testing.T, taskID, planID, status string) {
	t.Helper()
	now := store.TimeText(e.clock.Now())
	err := e.db.Write(context.Background(), func(tx *sql.Tx) error {
		if status == "draft" {
			_, err := tx.ExecContext(context.Background(), `
				INSERT INTO decision_plans (plan_id, task_id, status, steps_json, created_at, updated_at)
				VALUES (?, ?, 'draft', '[]', ?, ?)`, planID, taskID, now, now)
			return err
		}
		_, err := tx.ExecContext(context.Background(), `
			INSERT INTO decision_plans (plan_id, task_id, status, steps_json, plan_hash, frozen_at, created_at, updated_at)
			VALUES (?, ?, ?, '[]', 'deadbeef', ?, ?, ?)`, planID, taskID, status, now, now, now)
		return err
	})
	if err != nil {
		t.Fatalf("seed plan %s: %v", planID, err)
	}
}

func (e *testEnv) countRows(t *testing.T, table string) int {
	t.Helper()
	var n int
	err := e.db.Read().QueryRowContext(context.Background(), "SELECT COUNT(*) FROM "+table).Scan(&n)
	if err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}
