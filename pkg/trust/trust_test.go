package trust

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/eventlog"
	"github.com/mandatehq/mandate/pkg/store"
)

type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time { return f.t }

func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

type testEnv struct {
	db      *store.DB
	tracker *Tracker
	events  *eventlog.Log
	clock   *fakeClock
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
	events := eventlog.New(db, logger)
	tracker := New(db, events, logger).WithClock(clock)
	return &testEnv{db: db, tracker: tracker, events: events, clock: clock}
}

func (e *testEnv) seedTask(t *testing.T, taskID string) {
	t.Helper()
	task := &contracts.Task{ID: taskID, AgentID: "agent-1", Title: "t", MaxIterations: 10}
	if err := store.NewTaskStore(e.db).Create(context.Background(), task); err != nil {
		t.Fatalf("seed task %s: %v", taskID, err)
	}
}

// succeed feeds n clean success signals for the pair.
func (e *testEnv) succeed(t *testing.T, ext, act string, n int) *contracts.TrustRecord {
	t.Helper()
	var rec *contracts.TrustRecord
	var err error
	for i := 0; i < n; i++ {
		e.clock.advance(time.Second)
		rec, err = e.tracker.Observe(context.Background(), &contracts.TrustSignal{
			ExtensionID: ext, ActionID: act, Success: true,
		})
		if err != nil {
			t.Fatalf("success signal %d: %v", i+1, err)
		}
	}
	return rec
}

func TestObserveSeedsEarning(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.tracker.Observe(context.Background(), &contracts.TrustSignal{
		ExtensionID: "ext-1", ActionID: "read_file", Success: true,
	})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if rec.State != contracts.TrustEarning {
		t.Fatalf("state = %s, want EARNING for a new pair", rec.State)
	}
	if rec.Tier != contracts.RiskLow || rec.ConsecutiveSuccesses != 1 {
		t.Fatalf("record = %+v", rec)
	}

	if _, err := env.tracker.Observe(context.Background(), &contracts.TrustSignal{ActionID: "x"}); err == nil {
		t.Fatal("signal without extension_id should be rejected")
	}
}

func TestEarningToStable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.seedTask(t, "task-1")

	rec := env.succeed(t, "ext-1", "deploy", stableStreak-1)
	if rec.State != contracts.TrustEarning || rec.ConsecutiveSuccesses != stableStreak-1 {
		t.Fatalf("after %d successes: %+v", stableStreak-1, rec)
	}

	env.clock.advance(time.Second)
	rec, err := env.tracker.Observe(ctx, &contracts.TrustSignal{
		ExtensionID: "ext-1", ActionID: "deploy", Success: true, TaskID: "task-1",
	})
	if err != nil {
		t.Fatalf("promoting signal: %v", err)
	}
	if rec.State != contracts.TrustStable {
		t.Fatalf("state = %s, want STABLE after %d successes", rec.State, stableStreak)
	}
	if rec.ConsecutiveSuccesses != 0 || rec.PolicyRejections != 0 {
		t.Fatalf("counters should reset on transition: %+v", rec)
	}

	trs, err := env.tracker.Transitions(ctx, "ext-1", "deploy", 0)
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(trs) != 1 {
		t.Fatalf("got %d transition rows, want 1", len(trs))
	}
	tr := trs[0]
	if tr.OldState != contracts.TrustEarning || tr.NewState != contracts.TrustStable {
		t.Fatalf("transition = %s -> %s", tr.OldState, tr.NewState)
	}
	want := "promoted to STABLE after 10 consecutive successes with no policy rejections"
	if tr.Explain != want {
		t.Fatalf("explain = %q, want %q", tr.Explain, want)
	}
	if tr.TriggerEvent != "consecutive_successes" {
		t.Fatalf("trigger = %q", tr.TriggerEvent)
	}
	if tr.RiskContext["consecutive_successes"].(float64) != float64(stableStreak) {
		t.Fatalf("risk context should snapshot the streak: %v", tr.RiskContext)
	}

	events, err := env.events.List(ctx, "task-1", 0, 10)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 || events[0].Type != contracts.EventTrustTransition {
		t.Fatalf("expected one trust_transition event, got %+v", events)
	}
	if events[0].Payload["new_state"] != "STABLE" {
		t.Fatalf("event payload = %v", events[0].Payload)
	}
}

func TestFailureResetsStreak(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.succeed(t, "ext-1", "deploy", stableStreak-1)
	rec, err := env.tracker.Observe(ctx, &contracts.TrustSignal{
		ExtensionID: "ext-1", ActionID: "deploy", Success: false,
	})
	if err != nil {
		t.Fatalf("failure signal: %v", err)
	}
	if rec.State != contracts.TrustEarning || rec.ConsecutiveSuccesses != 0 {
		t.Fatalf("a failure should reset the streak: %+v", rec)
	}
	if rec.Score != float64(stableStreak-1)-negativeScorePenalty {
		t.Fatalf("score = %v", rec.Score)
	}

	// The next full streak promotes; the failure left no lasting mark.
	rec = env.succeed(t, "ext-1", "deploy", stableStreak)
	if rec.State != contracts.TrustStable {
		t.Fatalf("state = %s after a clean streak", rec.State)
	}
}

func TestRejectionCostsOneFullStreak(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.tracker.Observe(ctx, &contracts.TrustSignal{
		ExtensionID: "ext-1", ActionID: "deploy", PolicyRejection: true,
	})
	if err != nil {
		t.Fatalf("rejection signal: %v", err)
	}

	// The first clean streak only clears the rejection.
	rec := env.succeed(t, "ext-1", "deploy", stableStreak)
	if rec.State != contracts.TrustEarning {
		t.Fatalf("state = %s, rejection should block the first streak", rec.State)
	}
	if rec.PolicyRejections != 0 || rec.ConsecutiveSuccesses != 0 {
		t.Fatalf("slate should be wiped after the blocked streak: %+v", rec)
	}

	// The second clean streak promotes.
	rec = env.succeed(t, "ext-1", "deploy", stableStreak)
	if rec.State != contracts.TrustStable {
		t.Fatalf("state = %s, want STABLE on the second clean streak", rec.State)
	}
}

func TestStableDegrades(t *testing.T) {
	cases := []struct {
		name    string
		signal  contracts.TrustSignal
		trigger string
	}{
		{"policy rejection", contracts.TrustSignal{Success: true, PolicyRejection: true}, "policy_rejection"},
		{"high-risk failure", contracts.TrustSignal{Success: false, HighRiskFailure: true}, "high_risk_failure"},
		{"unexpected effect", contracts.TrustSignal{Success: true, UnexpectedEffect: true}, "unexpected_effect"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			env := newTestEnv(t)
			env.succeed(t, "ext-1", "deploy", stableStreak)

			sig := tc.signal
			sig.ExtensionID, sig.ActionID = "ext-1", "deploy"
			env.clock.advance(time.Second)
			rec, err := env.tracker.Observe(context.Background(), &sig)
			if err != nil {
				t.Fatalf("observe: %v", err)
			}
			if rec.State != contracts.TrustDegrading {
				t.Fatalf("state = %s, want DEGRADING", rec.State)
			}
			trs, err := env.tracker.Transitions(context.Background(), "ext-1", "deploy", 1)
			if err != nil {
				t.Fatalf("transitions: %v", err)
			}
			if trs[0].TriggerEvent != tc.trigger {
				t.Fatalf("trigger = %q, want %q", trs[0].TriggerEvent, tc.trigger)
			}
		})
	}
}

func TestPlainFailureDoesNotDegrade(t *testing.T) {
	env := newTestEnv(t)
	env.succeed(t, "ext-1", "deploy", stableStreak)

	rec, err := env.tracker.Observe(context.Background(), &contracts.TrustSignal{
		ExtensionID: "ext-1", ActionID: "deploy", Success: false,
	})
	if err != nil {
		t.Fatalf("observe: %v", err)
	}
	if rec.State != contracts.TrustStable {
		t.Fatalf("state = %s, a low-risk failure should not degrade STABLE", rec.State)
	}
}

func TestRecoveryGoesThroughEarning(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.succeed(t, "ext-1", "deploy", stableStreak)
	env.clock.advance(time.Second)
	if _, err := env.tracker.Observe(ctx, &contracts.TrustSignal{
		ExtensionID: "ext-1", ActionID: "deploy", Success: false, HighRiskFailure: true,
	}); err != nil {
		t.Fatalf("degrading signal: %v", err)
	}

	rec := env.succeed(t, "ext-1", "deploy", recoveryStreak)
	if rec.State != contracts.TrustEarning {
		t.Fatalf("state = %s, want EARNING after %d recovery successes", rec.State, recoveryStreak)
	}

	// Recovery never lands on STABLE directly; the full earning streak
	// must be rebuilt.
	rec = env.succeed(t, "ext-1", "deploy", recoveryStreak)
	if rec.State != contracts.TrustEarning {
		t.Fatalf("state = %s, %d successes must not reach STABLE", rec.State, recoveryStreak)
	}
	rec = env.succeed(t, "ext-1", "deploy", stableStreak-recoveryStreak)
	if rec.State != contracts.TrustStable {
		t.Fatalf("state = %s after a full earning streak", rec.State)
	}

	trs, err := env.tracker.Transitions(ctx, "ext-1", "deploy", 0)
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(trs) != 4 {
		t.Fatalf("got %d transitions, want the full cycle plus re-promotion", len(trs))
	}
	// Newest first: re-promotion, recovery, degradation, first promotion.
	if trs[0].NewState != contracts.TrustStable || trs[3].NewState != contracts.TrustStable {
		t.Fatalf("unexpected order: %s, %s, %s, %s",
			trs[0].NewState, trs[1].NewState, trs[2].NewState, trs[3].NewState)
	}
	if trs[2].NewState != contracts.TrustDegrading {
		t.Fatalf("trs[2] = %s, want the degradation", trs[2].NewState)
	}
	wantRecovery := "recovered to EARNING after 5 consecutive successes with no policy rejections"
	if trs[1].Explain != wantRecovery {
		t.Fatalf("recovery explain = %q", trs[1].Explain)
	}
}

func TestStorageRejectsIllegalTransition(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.succeed(t, "ext-1", "deploy", 1)

	err := env.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			UPDATE trust_states SET state = 'DEGRADING'
			WHERE extension_id = 'ext-1' AND action_id = 'deploy'`)
		return err
	})
	if err == nil || !strings.Contains(err.Error(), "illegal trust transition") {
		t.Fatalf("EARNING -> DEGRADING jump should be rejected, got %v", err)
	}

	err = env.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO trust_transitions (transition_id, extension_id, action_id,
			    old_state, new_state, trigger_event, explain_text, created_at)
			VALUES ('t-1', 'ext-1', 'deploy', 'EARNING', 'DEGRADING', 'manual', 'jump', ?)`,
			store.TimeText(env.clock.Now()))
		return err
	})
	if err == nil || !strings.Contains(err.Error(), "illegal trust transition") {
		t.Fatalf("illegal transition row should be rejected, got %v", err)
	}
}

func TestStorageRejectsHotSeed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	now := store.TimeText(env.clock.Now())

	for _, tc := range []struct {
		name string
		sql  string
	}{
		{"score above cap", `INSERT INTO trust_states (extension_id, action_id, score, created_at, updated_at) VALUES ('e', 'a', 90, ?, ?)`},
		{"tier above medium", `INSERT INTO trust_states (extension_id, action_id, tier, created_at, updated_at) VALUES ('e', 'a', 'HIGH', ?, ?)`},
		{"state not earning", `INSERT INTO trust_states (extension_id, action_id, state, created_at, updated_at) VALUES ('e', 'a', 'STABLE', ?, ?)`},
	} {
		err := env.db.Write(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, tc.sql, now, now)
			return err
		})
		if err == nil || !strings.Contains(err.Error(), "seeded trust") {
			t.Fatalf("%s: got %v, want seed trigger rejection", tc.name, err)
		}
	}
}

func TestTransitionsAreImmutable(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.succeed(t, "ext-1", "deploy", stableStreak)

	err := env.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `UPDATE trust_transitions SET explain_text = 'edited'`)
		return err
	})
	if err == nil || !strings.Contains(err.Error(), "append-only") {
		t.Fatalf("editing history should be rejected, got %v", err)
	}
}

func TestInheritBlendsAndCaps(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	rec, err := env.tracker.Inherit(ctx, &contracts.InheritanceInput{
		ExtensionID:        "mkt-ext",
		ActionID:           "send_email",
		PublisherTrust:     80,
		CategorySimilarity: 50,
		SandboxSafety:      90,
	})
	if err != nil {
		t.Fatalf("inherit: %v", err)
	}
	// 0.3*80 + 0.2*50 + 0.5*90 = 79, capped at 70.
	if rec.Score != inheritScoreCap {
		t.Fatalf("score = %v, want the %v cap", rec.Score, inheritScoreCap)
	}
	if rec.State != contracts.TrustEarning || rec.Tier != contracts.RiskMedium {
		t.Fatalf("seed = %+v, want EARNING/MEDIUM", rec)
	}

	if _, err := env.tracker.Inherit(ctx, &contracts.InheritanceInput{
		ExtensionID: "mkt-ext", ActionID: "send_email", SandboxSafety: 10,
	}); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("re-seeding should conflict, got %v", err)
	}

	got, err := env.tracker.State(ctx, "mkt-ext", "send_email")
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if got.Score != inheritScoreCap || got.State != contracts.TrustEarning {
		t.Fatalf("persisted seed = %+v", got)
	}
}

func TestInheritLowSignals(t *testing.T) {
	env := newTestEnv(t)
	rec, err := env.tracker.Inherit(context.Background(), &contracts.InheritanceInput{
		ExtensionID:        "mkt-ext",
		ActionID:           "read_feed",
		PublisherTrust:     10,
		CategorySimilarity: 10,
		SandboxSafety:      10,
	})
	if err != nil {
		t.Fatalf("inherit: %v", err)
	}
	if rec.Score != 10 || rec.Tier != contracts.RiskLow {
		t.Fatalf("seed = %+v, want score 10 tier LOW", rec)
	}

	// Components outside [0,100] are clamped before blending.
	rec, err = env.tracker.Inherit(context.Background(), &contracts.InheritanceInput{
		ExtensionID:        "mkt-ext",
		ActionID:           "write_feed",
		PublisherTrust:     -40,
		CategorySimilarity: 400,
		SandboxSafety:      0,
	})
	if err != nil {
		t.Fatalf("inherit: %v", err)
	}
	if rec.Score != 20 {
		t.Fatalf("score = %v, want 0.2*100 after clamping", rec.Score)
	}
}

func TestStateNotFound(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.tracker.State(context.Background(), "ghost", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}
