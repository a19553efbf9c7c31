package executor

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/store"
)

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time { return f.t }

func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

type stubVerifier struct {
	err error
}

func (v *stubVerifier) VerifyFrozen(context.Context, string, string) error { return v.err }

type stubGate struct {
	res   *contracts.GateResult
	err   error
	calls int
}

func (g *stubGate) Gate(context.Context, *contracts.GateRequest) (*contracts.GateResult, error) {
	g.calls++
	if g.err != nil {
		return nil, g.err
	}
	if g.res != nil {
		return g.res, nil
	}
	return &contracts.GateResult{Decision: contracts.RuleAllow, RiskLevel: contracts.RiskLow}, nil
}

type trustRecorder struct {
	signals []*contracts.TrustSignal
}

func (r *trustRecorder) Observe(_ context.Context, sig *contracts.TrustSignal) (*contracts.TrustRecord, error) {
	r.signals = append(r.signals, sig)
	return &contracts.TrustRecord{}, nil
}

func (r *trustRecorder) last(t *testing.T) *contracts.TrustSignal {
	t.Helper()
	if len(r.signals) == 0 {
		t.Fatal("no trust signal recorded")
	}
	return r.signals[len(r.signals)-1]
}

type testEnv struct {
	db       *store.DB
	ex       *Executor
	gate     *stubGate
	verifier *stubVerifier
	trust    *trustRecorder
	clock    *fakeClock
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
	clock := &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	gate := &stubGate{}
	verifier := &stubVerifier{}
	trust := &trustRecorder{}
	ex, err := New(db, verifier, gate, logger)
	if err != nil {
		t.Fatalf("new executor: %v", err)
	}
	ex.WithClock(clock).WithTrust(trust)
	env := &testEnv{db: db, ex: ex, gate: gate, verifier: verifier, trust: trust, clock: clock}
	env.seedTask(t, "task-1")
	env.seedFrozenPlan(t, "task-1", "plan-1", "hash-1")
	return env
}

func (e *testEnv) seedTask(t *testing.T, taskID string) {
	t.Helper()
	task := &contracts.Task{ID: taskID, AgentID: "agent-1", Title: "t", MaxIterations: 10}
	if err := store.NewTaskStore(e.db).Create(context.Background(), task); err != nil {
		t.Fatalf("seed task %s: %v", taskID, err)
	}
}

func (e *testEnv) seedFrozenPlan(t *testing.T, taskID, planID, hash string) {
	t.Helper()
	now := store.TimeText(e.clock.Now())
	err := e.db.Write(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(context.Background(), `
			INSERT INTO decision_plans (plan_id, task_id, status, steps_json, plan_hash, frozen_at, created_at, updated_at)
			VALUES (?, ?, 'frozen', '[]', ?, ?, ?, ?)`, planID, taskID, hash, now, now, now)
		return err
	})
	if err != nil {
		t.Fatalf("seed plan %s: %v", planID, err)
	}
}

func (e *testEnv) seedRunningExecution(t *testing.T, execID string) {
	t.Helper()
	now := store.TimeText(e.clock.Now())
	err := e.db.Write(context.Background(), func(tx *sql.Tx) error {
		_, err := tx.ExecContext(context.Background(), `
			INSERT INTO action_executions (execution_id, task_id, action_id, decision_id, plan_hash, agent_id, status, started_at)
			VALUES (?, 'task-1', 'act', 'plan-1', 'hash-1', 'agent-1', 'running', ?)`, execID, now)
		return err
	})
	if err != nil {
		t.Fatalf("seed execution %s: %v", execID, err)
	}
}

func (e *testEnv) register(t *testing.T, act *Action) {
	t.Helper()
	if err := e.ex.RegisterAction(act); err != nil {
		t.Fatalf("register %s: %v", act.ID, err)
	}
}

func (e *testEnv) request() *Request {
	return &Request{
		TaskID:     "task-1",
		ActionID:   "fs.write",
		StepID:     "step-1",
		DecisionID: "plan-1",
		PlanHash:   "hash-1",
		AgentID:    "agent-1",
		Params:     map[string]any{"path": "/srv/app/config.yml"},
	}
}

// countingAction returns a handler that tallies invocations and reports a
// fixed result payload.
func countingAction(id string, runs *int, result map[string]any) *Action {
	return &Action{
		ID: id,
		Run: func(context.Context, map[string]any) (*Outcome, error) {
			*runs++
			return &Outcome{Result: result}, nil
		},
	}
}

func TestExecuteRecordsLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	declared := []contracts.SideEffect{{Type: "file_write", Target: "/srv/app/config.yml", Reversible: true}}
	env.register(t, &Action{
		ID:       "fs.write",
		Declared: declared,
		Run: func(context.Context, map[string]any) (*Outcome, error) {
			env.clock.advance(1500 * time.Millisecond)
			return &Outcome{
				Result:  map[string]any{"bytes_written": 42},
				Effects: []contracts.SideEffect{{Type: "file_write", Target: "/srv/app/config.yml"}},
			}, nil
		},
	})

	exec, err := env.ex.Execute(ctx, env.request())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != contracts.ExecSuccess {
		t.Fatalf("status = %s, want success", exec.Status)
	}
	if exec.ID == "" || exec.CompletedAt == nil {
		t.Fatalf("terminal fields missing: %+v", exec)
	}
	if exec.DurationMS != 1500 {
		t.Errorf("duration = %dms, want 1500ms", exec.DurationMS)
	}
	if exec.EvidenceID == "" {
		t.Fatal("success left no evidence record")
	}
	if len(exec.UnexpectedEffects) != 0 {
		t.Errorf("declared effect flagged as unexpected: %+v", exec.UnexpectedEffects)
	}

	got, err := env.ex.Get(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != contracts.ExecSuccess || got.Params["path"] != "/srv/app/config.yml" {
		t.Errorf("stored execution mismatch: %+v", got)
	}
	if len(got.DeclaredEffects) != 1 || got.DeclaredEffects[0].Type != "file_write" {
		t.Errorf("declared effects not persisted: %+v", got.DeclaredEffects)
	}
	if got.Result["bytes_written"] != float64(42) {
		t.Errorf("result not persisted: %+v", got.Result)
	}

	ev, err := store.NewEvidenceStore(env.db).Get(ctx, exec.EvidenceID)
	if err != nil {
		t.Fatalf("evidence: %v", err)
	}
	if ev.Kind != "execution_result" || ev.ExecutionID != exec.ID {
		t.Errorf("evidence record mismatch: %+v", ev)
	}

	list, err := env.ex.ListByTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != exec.ID {
		t.Errorf("expected one logged execution, got %d", len(list))
	}

	sig := env.trust.last(t)
	if !sig.Success || sig.PolicyRejection || sig.UnexpectedEffect {
		t.Errorf("trust signal mismatch: %+v", sig)
	}
}

func TestExecuteValidatesRequest(t *testing.T) {
	env := newTestEnv(t)
	req := env.request()
	req.AgentID = ""

	_, err := env.ex.Execute(context.Background(), req)
	if !contracts.IsCode(err, contracts.ErrPrecondition) {
		t.Fatalf("expected ERROR_PRECONDITION, got %v", err)
	}
}

func TestExecuteUnknownAction(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.ex.Execute(context.Background(), env.request())
	if !contracts.IsCode(err, contracts.ErrPrecondition) {
		t.Fatalf("expected ERROR_PRECONDITION for unregistered action, got %v", err)
	}
}

func TestExecuteRequiresFrozenPlan(t *testing.T) {
	env := newTestEnv(t)
	runs := 0
	env.register(t, countingAction("fs.write", &runs, nil))
	env.verifier.err = contracts.NewKernelError(contracts.ErrPlanNotFrozen, "plan plan-1 is draft")

	_, err := env.ex.Execute(context.Background(), env.request())
	if !contracts.IsCode(err, contracts.ErrPlanNotFrozen) {
		t.Fatalf("expected ERROR_PLAN_NOT_FROZEN, got %v", err)
	}
	if runs != 0 {
		t.Error("handler ran against an unfrozen plan")
	}
	if env.gate.calls != 0 {
		t.Error("gate consulted before the frozen-plan check")
	}
}

func TestExecuteRefusals(t *testing.T) {
	cases := []struct {
		name string
		res  *contracts.GateResult
		code contracts.ErrorCode
	}{
		{
			name: "policy deny",
			res: &contracts.GateResult{
				Decision:       contracts.RuleDeny,
				TriggeredRules: []string{"no-prod-writes"},
				Reason:         "production filesystem is off limits",
			},
			code: contracts.ErrPolicyDenied,
		},
		{
			name: "quota exhausted",
			res: &contracts.GateResult{
				Decision: contracts.RuleDeny,
				Quota:    contracts.QuotaStatus{Resource: "tokens", Exceeded: true},
			},
			code: contracts.ErrQuotaExceeded,
		},
		{
			name: "escalation",
			res: &contracts.GateResult{
				Decision:     contracts.RuleEscalate,
				Reason:       "risk above agent tier",
				EscalationID: "esc-1",
			},
			code: contracts.ErrAuthEscalated,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			runs := 0
			env.register(t, countingAction("fs.write", &runs, nil))
			env.gate.res = tc.res

			_, err := env.ex.Execute(context.Background(), env.request())
			if !contracts.IsCode(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
			if runs != 0 {
				t.Error("handler ran past a refusing gate")
			}

			list, err := env.ex.ListByTask(context.Background(), "task-1")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(list) != 0 {
				t.Errorf("refusal left %d execution rows", len(list))
			}

			sig := env.trust.last(t)
			if !sig.PolicyRejection || sig.Success {
				t.Errorf("refusal trust signal mismatch: %+v", sig)
			}
		})
	}
}

func TestExecuteHandlerFailure(t *testing.T) {
	env := newTestEnv(t)
	env.register(t, &Action{
		ID: "fs.write",
		Run: func(context.Context, map[string]any) (*Outcome, error) {
			return &Outcome{Result: map[string]any{"partial": true}}, errors.New("disk full")
		},
	})
	env.gate.res = &contracts.GateResult{Decision: contracts.RuleAllow, RiskLevel: contracts.RiskHigh}

	exec, err := env.ex.Execute(context.Background(), env.request())
	if err != nil {
		t.Fatalf("a failed run is a value, not an error: %v", err)
	}
	if exec.Status != contracts.ExecFailure {
		t.Fatalf("status = %s, want failure", exec.Status)
	}
	if exec.ErrorMessage != "disk full" {
		t.Errorf("error message = %q", exec.ErrorMessage)
	}
	if exec.Result != nil {
		t.Error("failed run kept a result payload")
	}
	if exec.EvidenceID != "" {
		t.Error("failed run produced evidence")
	}

	sig := env.trust.last(t)
	if sig.Success || !sig.HighRiskFailure {
		t.Errorf("expected a high-risk failure signal, got %+v", sig)
	}
}

func TestExecuteCancelledHandler(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	env.register(t, &Action{
		ID: "fs.write",
		Run: func(ctx context.Context, _ map[string]any) (*Outcome, error) {
			cancel()
			return nil, ctx.Err()
		},
	})

	exec, err := env.ex.Execute(ctx, env.request())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if exec.Status != contracts.ExecCancelled {
		t.Fatalf("status = %s, want cancelled", exec.Status)
	}

	// The terminal state must be durable despite the dead context.
	got, err := env.ex.Get(context.Background(), exec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != contracts.ExecCancelled {
		t.Errorf("stored status = %s, want cancelled", got.Status)
	}
}

func TestExecuteUnexpectedEffects(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, &Action{
		ID:       "fs.write",
		Declared: []contracts.SideEffect{{Type: "file_write", Target: "/srv/app/config.yml"}},
		Run: func(context.Context, map[string]any) (*Outcome, error) {
			return &Outcome{
				Result: map[string]any{"ok": true},
				Effects: []contracts.SideEffect{
					{Type: "file_write", Target: "/srv/app/config.yml"},
					{Type: "network_call", Target: "api.example.com"},
				},
			}, nil
		},
	})

	exec, err := env.ex.Execute(ctx, env.request())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if len(exec.UnexpectedEffects) != 1 || exec.UnexpectedEffects[0].Type != "network_call" {
		t.Fatalf("unexpected effects = %+v", exec.UnexpectedEffects)
	}

	var declaredRows, undeclaredRows int
	row := env.db.Read().QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE was_declared = 1), COUNT(*) FILTER (WHERE was_declared = 0)
		FROM action_side_effects_individual WHERE execution_id = ?`, exec.ID)
	if err := row.Scan(&declaredRows, &undeclaredRows); err != nil {
		t.Fatalf("count effects: %v", err)
	}
	if declaredRows != 1 || undeclaredRows != 1 {
		t.Errorf("effect rows = %d declared / %d undeclared, want 1/1", declaredRows, undeclaredRows)
	}

	got, err := env.ex.Get(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.UnexpectedEffects) != 1 {
		t.Errorf("unexpected effects not persisted: %+v", got.UnexpectedEffects)
	}

	audits, err := store.NewAuditStore(env.db).ListByTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("audits: %v", err)
	}
	var flagged bool
	for _, rec := range audits {
		if rec.Severity == contracts.AuditHigh && rec.Action == "undeclared_side_effect" {
			flagged = true
		}
	}
	if !flagged {
		t.Error("undeclared effect raised no HIGH audit")
	}

	sig := env.trust.last(t)
	if !sig.UnexpectedEffect {
		t.Errorf("expected an unexpected-effect signal, got %+v", sig)
	}
}

func TestIdempotentReplay(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	runs := 0
	env.register(t, countingAction("fs.write", &runs, map[string]any{"ok": true}))

	req := env.request()
	req.IdempotencyKey = "op-1"

	first, err := env.ex.Execute(ctx, req)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}

	replayed, err := env.ex.Execute(ctx, req)
	if err != nil {
		t.Fatalf("replay execute: %v", err)
	}
	if replayed.ID != first.ID {
		t.Errorf("replay returned a different execution: %s vs %s", replayed.ID, first.ID)
	}
	if runs != 1 {
		t.Errorf("handler ran %d times, want 1", runs)
	}
	if env.gate.calls != 1 {
		t.Errorf("gate consulted %d times, want 1: a replay keeps its original approval", env.gate.calls)
	}

	list, err := env.ex.ListByTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 {
		t.Errorf("replay duplicated the log: %d rows", len(list))
	}
}

func TestIdempotencyMismatch(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	runs := 0
	env.register(t, countingAction("fs.write", &runs, nil))

	req := env.request()
	req.IdempotencyKey = "op-1"
	if _, err := env.ex.Execute(ctx, req); err != nil {
		t.Fatalf("first execute: %v", err)
	}

	altered := env.request()
	altered.IdempotencyKey = "op-1"
	altered.Params = map[string]any{"path": "/etc/shadow"}
	_, err := env.ex.Execute(ctx, altered)
	if !contracts.IsCode(err, contracts.ErrIdempotencyMismatch) {
		t.Fatalf("expected ERROR_IDEMPOTENCY_MISMATCH, got %v", err)
	}
	if runs != 1 {
		t.Errorf("mismatched request still ran: %d runs", runs)
	}
}

func TestRefusalReplaysUnderSameKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	runs := 0
	env.register(t, countingAction("fs.write", &runs, nil))
	env.gate.res = &contracts.GateResult{Decision: contracts.RuleDeny, Reason: "blocked"}

	req := env.request()
	req.IdempotencyKey = "op-1"
	_, err := env.ex.Execute(ctx, req)
	if !contracts.IsCode(err, contracts.ErrPolicyDenied) {
		t.Fatalf("expected ERROR_POLICY_DENIED, got %v", err)
	}

	// Same key replays the recorded refusal even after policy loosened.
	env.gate.res = nil
	_, err = env.ex.Execute(ctx, req)
	if !contracts.IsCode(err, contracts.ErrPolicyDenied) {
		t.Fatalf("expected replayed ERROR_POLICY_DENIED, got %v", err)
	}
	if env.gate.calls != 1 {
		t.Errorf("gate consulted %d times, want 1", env.gate.calls)
	}
	if runs != 0 {
		t.Errorf("handler ran %d times under a refused key", runs)
	}

	// A fresh key consults the gate anew.
	retry := env.request()
	retry.IdempotencyKey = "op-2"
	if _, err := env.ex.Execute(ctx, retry); err != nil {
		t.Fatalf("fresh key execute: %v", err)
	}
	if runs != 1 {
		t.Errorf("fresh key did not run the handler")
	}
}

func TestInfrastructureFailureReleasesKey(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	runs := 0
	env.register(t, countingAction("fs.write", &runs, nil))
	env.gate.err = errors.New("policy store unreachable")

	req := env.request()
	req.IdempotencyKey = "op-1"
	if _, err := env.ex.Execute(ctx, req); err == nil {
		t.Fatal("expected gate failure to surface")
	}

	// The claim was abandoned, not poisoned: the retry executes.
	env.gate.err = nil
	exec, err := env.ex.Execute(ctx, req)
	if err != nil {
		t.Fatalf("retry execute: %v", err)
	}
	if exec.Status != contracts.ExecSuccess || runs != 1 {
		t.Errorf("retry did not execute fresh: status=%s runs=%d", exec.Status, runs)
	}
}

func TestRollbackReversible(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	undone := 0
	env.register(t, &Action{
		ID:       "fs.write",
		Declared: []contracts.SideEffect{{Type: "file_write", Target: "/srv/app/config.yml", Reversible: true}},
		Run: func(context.Context, map[string]any) (*Outcome, error) {
			return &Outcome{Result: map[string]any{"ok": true}}, nil
		},
		Inverse: func(orig *contracts.ActionExecution) (string, map[string]any) {
			return "fs.restore", map[string]any{"path": orig.Params["path"]}
		},
	})
	env.register(t, countingAction("fs.restore", &undone, map[string]any{"restored": true}))

	exec, err := env.ex.Execute(ctx, env.request())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	env.clock.advance(time.Minute)

	rec, err := env.ex.Rollback(ctx, exec.ID, "guardian verdict FAIL")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if rec.Status != contracts.RollbackSuccess {
		t.Fatalf("rollback status = %s, want success", rec.Status)
	}
	if rec.RollbackExecID == "" || undone != 1 {
		t.Fatalf("inverse never ran: %+v", rec)
	}

	orig, err := env.ex.Get(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get original: %v", err)
	}
	if orig.Status != contracts.ExecRolledBack {
		t.Errorf("original status = %s, want rolled_back", orig.Status)
	}
	if orig.RollbackExecID != rec.RollbackExecID {
		t.Errorf("original not linked to inverse: %q vs %q", orig.RollbackExecID, rec.RollbackExecID)
	}

	inv, err := env.ex.Get(ctx, rec.RollbackExecID)
	if err != nil {
		t.Fatalf("get inverse: %v", err)
	}
	if inv.ActionID != "fs.restore" || inv.Status != contracts.ExecSuccess {
		t.Errorf("inverse execution mismatch: %+v", inv)
	}
	if inv.Params["path"] != "/srv/app/config.yml" {
		t.Errorf("inverse params not derived from original: %+v", inv.Params)
	}

	history, err := env.ex.Rollbacks(ctx, exec.ID)
	if err != nil {
		t.Fatalf("rollbacks: %v", err)
	}
	if len(history) != 1 || history[0].Status != contracts.RollbackSuccess {
		t.Errorf("history mismatch: %+v", history)
	}

	// A rolled back execution refuses a second rollback.
	if _, err := env.ex.Rollback(ctx, exec.ID, "again"); !errors.Is(err, store.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestRollbackIrreversible(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	runs := 0
	env.register(t, countingAction("fs.write", &runs, nil))

	exec, err := env.ex.Execute(ctx, env.request())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	rec, err := env.ex.Rollback(ctx, exec.ID, "operator request")
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if rec.Status != contracts.RollbackNotApplicable {
		t.Fatalf("rollback status = %s, want not_applicable", rec.Status)
	}
	if rec.CompletedAt == nil {
		t.Error("not_applicable answer left open")
	}

	orig, err := env.ex.Get(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if orig.Status != contracts.ExecSuccess {
		t.Errorf("irreversible rollback touched the original: %s", orig.Status)
	}
}

func TestRollbackInverseFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, &Action{
		ID: "fs.write",
		Run: func(context.Context, map[string]any) (*Outcome, error) {
			return &Outcome{Result: map[string]any{"ok": true}}, nil
		},
		Inverse: func(*contracts.ActionExecution) (string, map[string]any) {
			return "fs.restore", nil
		},
	})
	env.register(t, &Action{
		ID: "fs.restore",
		Run: func(context.Context, map[string]any) (*Outcome, error) {
			return nil, errors.New("backup missing")
		},
	})

	exec, err := env.ex.Execute(ctx, env.request())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	rec, err := env.ex.Rollback(ctx, exec.ID, "undo")
	if !contracts.IsCode(err, contracts.ErrRollbackFailed) {
		t.Fatalf("expected ERROR_ROLLBACK_FAILED, got %v", err)
	}
	if rec.Status != contracts.RollbackPartial {
		t.Fatalf("rollback status = %s, want partial", rec.Status)
	}
	if rec.RollbackExecID == "" {
		t.Error("partial rollback lost the inverse execution id")
	}

	orig, err := env.ex.Get(ctx, exec.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if orig.Status != contracts.ExecSuccess {
		t.Errorf("failed rollback retired the original: %s", orig.Status)
	}
}

func TestRollbackRequiresCompletion(t *testing.T) {
	env := newTestEnv(t)
	env.seedRunningExecution(t, "exec-running")

	_, err := env.ex.Rollback(context.Background(), "exec-running", "too eager")
	if !contracts.IsCode(err, contracts.ErrPrecondition) {
		t.Fatalf("expected ERROR_PRECONDITION, got %v", err)
	}
}

func TestReplayDryRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	runs := 0
	env.register(t, countingAction("fs.write", &runs, map[string]any{"ok": true}))

	exec, err := env.ex.Execute(ctx, env.request())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	rep, err := env.ex.Replay(ctx, exec.ID, contracts.ReplayDryRun)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !rep.Matched || rep.Diff != nil {
		t.Errorf("dry run report mismatch: %+v", rep)
	}
	if runs != 1 {
		t.Errorf("dry run dispatched the handler: %d runs", runs)
	}

	reports, err := env.ex.Reports(ctx, exec.ID)
	if err != nil {
		t.Fatalf("reports: %v", err)
	}
	if len(reports) != 1 || reports[0].Mode != contracts.ReplayDryRun {
		t.Errorf("report not persisted: %+v", reports)
	}
}

func TestReplayCompareDetectsDrift(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	calls := 0
	env.register(t, &Action{
		ID: "fs.write",
		Run: func(context.Context, map[string]any) (*Outcome, error) {
			calls++
			return &Outcome{Result: map[string]any{"revision": calls, "path": "/srv/app/config.yml"}}, nil
		},
	})

	exec, err := env.ex.Execute(ctx, env.request())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	rep, err := env.ex.Replay(ctx, exec.ID, contracts.ReplayCompare)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if rep.Matched {
		t.Fatal("drifting handler reported as matched")
	}
	entry, ok := rep.Diff["$.revision"].(map[string]any)
	if !ok {
		t.Fatalf("diff missing $.revision: %+v", rep.Diff)
	}
	if entry["original"] != float64(1) || entry["replayed"] != float64(2) {
		t.Errorf("diff entry = %+v", entry)
	}

	// The comparison run is itself on the record.
	list, err := env.ex.ListByTask(ctx, "task-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 {
		t.Errorf("compare replay left %d rows, want 2", len(list))
	}

	reports, err := env.ex.Reports(ctx, exec.ID)
	if err != nil {
		t.Fatalf("reports: %v", err)
	}
	if len(reports) != 1 {
		t.Fatalf("expected one stored report, got %d", len(reports))
	}
	stored, ok := reports[0].Diff["$.revision"].(map[string]any)
	if !ok || stored["replayed"] != float64(2) {
		t.Errorf("stored diff mismatch: %+v", reports[0].Diff)
	}
}

func TestReplayActualMatchesStableHandler(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	runs := 0
	env.register(t, countingAction("fs.write", &runs, map[string]any{"ok": true}))

	exec, err := env.ex.Execute(ctx, env.request())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	rep, err := env.ex.Replay(ctx, exec.ID, contracts.ReplayActual)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !rep.Matched {
		t.Errorf("stable handler reported unmatched: %+v", rep)
	}
	if runs != 2 {
		t.Errorf("actual replay ran handler %d times in total, want 2", runs)
	}
}

func TestReplayCompareNeedsSuccessfulOriginal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.register(t, &Action{
		ID: "fs.write",
		Run: func(context.Context, map[string]any) (*Outcome, error) {
			return nil, errors.New("boom")
		},
	})

	exec, err := env.ex.Execute(ctx, env.request())
	if err != nil {
		t.Fatalf("execute: %v", err)
	}

	_, err = env.ex.Replay(ctx, exec.ID, contracts.ReplayCompare)
	if !contracts.IsCode(err, contracts.ErrPrecondition) {
		t.Fatalf("expected ERROR_PRECONDITION, got %v", err)
	}
}

func TestReplayUnknownMode(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.ex.Replay(context.Background(), "exec-x", contracts.ReplayMode("fast_forward"))
	if !contracts.IsCode(err, contracts.ErrPrecondition) {
		t.Fatalf("expected ERROR_PRECONDITION, got %v", err)
	}
}

func TestRegisterActionValidation(t *testing.T) {
	env := newTestEnv(t)

	if err := env.ex.RegisterAction(&Action{ID: "x"}); err == nil {
		t.Error("action without a handler registered")
	}
	act := &Action{ID: "x", Run: func(context.Context, map[string]any) (*Outcome, error) { return nil, nil }}
	if err := env.ex.RegisterAction(act); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := env.ex.RegisterAction(act); err == nil {
		t.Error("duplicate action registered")
	}
}
