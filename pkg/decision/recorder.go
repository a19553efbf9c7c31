// Package decision records the planning pipeline: drafted option sets,
// evaluations, selections and rationales. Freezing a plan makes it
// content-addressed; executions quote the frozen hash and abort on any
// mismatch.
package decision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mandatehq/mandate/pkg/canonicalize"
	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/eventlog"
	"github.com/mandatehq/mandate/pkg/schema"
	"github.com/mandatehq/mandate/pkg/store"
)

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Recorder persists decision plans and their evaluation trail.
type Recorder struct {
	db      *store.DB
	events  *eventlog.Log
	tasks   *store.TaskStore
	schemas *schema.Registry
	clock   Clock
	log     *slog.Logger
}

// NewRecorder builds a Recorder. schemas may be nil to skip step
// validation (tests).
func NewRecorder(db *store.DB, events *eventlog.Log, schemas *schema.Registry, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		db:      db,
		events:  events,
		tasks:   store.NewTaskStore(db),
		schemas: schemas,
		clock:   wallClock{},
		log:     logger.With("component", "decision"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (r *Recorder) WithClock(c Clock) *Recorder {
	r.clock = c
	return r
}

// Draft inserts a new plan in draft state and emits plan_drafted.
func (r *Recorder) Draft(ctx context.Context, plan *contracts.DecisionPlan) error {
	if err := r.validateSteps(plan.Steps); err != nil {
		return err
	}
	if plan.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("decision: plan id: %w", err)
		}
		plan.ID = id.String()
	}
	now := r.clock.Now()
	plan.Status = contracts.PlanDraft
	plan.PlanHash = ""
	plan.FrozenAt = nil
	plan.CreatedAt = now
	plan.UpdatedAt = now

	steps, err := store.JSONText(plan.Steps)
	if err != nil {
		return err
	}
	alts, err := alternativesText(plan.Alternatives)
	if err != nil {
		return err
	}
	err = r.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO decision_plans (plan_id, task_id, status, steps_json, alternatives_json, created_at, updated_at)
			VALUES (?, ?, 'draft', ?, ?, ?, ?)`,
			plan.ID, plan.TaskID, steps, alts, store.TimeText(now), store.TimeText(now))
		if err != nil {
			return fmt.Errorf("decision: insert plan: %w", err)
		}
		return r.events.AppendTx(ctx, tx, &contracts.Event{
			TaskID: plan.TaskID,
			Type:   contracts.EventPlanDrafted,
			Phase:  contracts.PhasePlanning,
			Payload: map[string]any{
				"plan_id": plan.ID,
				"steps":   len(plan.Steps),
			},
		})
	})
	if err != nil {
		return err
	}
	r.events.Wake(plan.TaskID)
	return nil
}

// UpdateDraft replaces the steps and alternatives of a plan that is still
// draft. Frozen plans reject the update with ErrConflict.
func (r *Recorder) UpdateDraft(ctx context.Context, plan *contracts.DecisionPlan) error {
	if err := r.validateSteps(plan.Steps); err != nil {
		return err
	}
	steps, err := store.JSONText(plan.Steps)
	if err != nil {
		return err
	}
	alts, err := alternativesText(plan.Alternatives)
	if err != nil {
		return err
	}
	now := r.clock.Now()
	return r.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE decision_plans SET steps_json = ?, alternatives_json = ?, updated_at = ?
			WHERE plan_id = ? AND status = 'draft'`,
			steps, alts, store.TimeText(now), plan.ID)
		if err != nil {
			return fmt.Errorf("decision: update draft: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrConflict
		}
		plan.UpdatedAt = now
		return nil
	})
}

// Freeze computes the content hash over (steps, alternatives), stamps
// (plan_hash, frozen_at, status=frozen) in one transaction, links the
// plan into the task lineage and emits plan_frozen. Only a draft plan can
// freeze; anything else is ErrConflict.
func (r *Recorder) Freeze(ctx context.Context, planID string) (*contracts.DecisionPlan, error) {
	var frozen *contracts.DecisionPlan
	err := r.db.Write(ctx, func(tx *sql.Tx) error {
		plan, err := getPlanTx(ctx, tx, planID)
		if err != nil {
			return err
		}
		if plan.Status != contracts.PlanDraft {
			return fmt.Errorf("decision: plan %s is %s, not draft: %w", planID, plan.Status, store.ErrConflict)
		}

		hash, err := PlanHash(plan.Steps, plan.Alternatives)
		if err != nil {
			return err
		}
		now := r.clock.Now()
		_, err = tx.ExecContext(ctx, `
			UPDATE decision_plans SET status = 'frozen', plan_hash = ?, frozen_at = ?, updated_at = ?
			WHERE plan_id = ? AND status = 'draft'`,
			hash, store.TimeText(now), store.TimeText(now), planID)
		if err != nil {
			return fmt.Errorf("decision: freeze plan: %w", err)
		}

		if err := r.tasks.AddLineageTx(ctx, tx, &contracts.LineageRecord{
			TaskID: plan.TaskID, Kind: contracts.LineagePlan, RefID: planID,
		}); err != nil {
			return err
		}
		if err := r.events.AppendTx(ctx, tx, &contracts.Event{
			TaskID: plan.TaskID,
			Type:   contracts.EventPlanFrozen,
			Phase:  contracts.PhasePlanning,
			Payload: map[string]any{
				"plan_id":   planID,
				"plan_hash": hash,
			},
		}); err != nil {
			return err
		}

		plan.Status = contracts.PlanFrozen
		plan.PlanHash = hash
		plan.FrozenAt = &now
		plan.UpdatedAt = now
		frozen = plan
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.events.Wake(frozen.TaskID)
	r.log.Info("plan frozen", "plan_id", planID, "task_id", frozen.TaskID, "plan_hash", frozen.PlanHash)
	return frozen, nil
}

// VerifyFrozen enforces the execution precondition: the plan exists, is
// frozen, and its stored hash equals the hash the caller quotes.
func (r *Recorder) VerifyFrozen(ctx context.Context, planID, quotedHash string) error {
	plan, err := r.Get(ctx, planID)
	if errors.Is(err, store.ErrNotFound) {
		return contracts.NewKernelError(contracts.ErrPlanNotFrozen,
			fmt.Sprintf("plan %s does not exist", planID), "plan_id", planID)
	}
	if err != nil {
		return err
	}
	if plan.Status != contracts.PlanFrozen {
		return contracts.NewKernelError(contracts.ErrPlanNotFrozen,
			fmt.Sprintf("plan %s is %s", planID, plan.Status), "plan_id", planID)
	}
	if plan.PlanHash != quotedHash {
		return contracts.NewKernelError(contracts.ErrPlanHashMismatch,
			fmt.Sprintf("plan %s hash mismatch", planID),
			"plan_id", planID, "stored", plan.PlanHash, "quoted", quotedHash)
	}
	return nil
}

// Archive moves a frozen plan to archived. Content stays immutable.
func (r *Recorder) Archive(ctx context.Context, planID string) error {
	return r.setStatus(ctx, planID, contracts.PlanArchived)
}

// MarkRolledBack records that the plan's effects were rolled back.
func (r *Recorder) MarkRolledBack(ctx context.Context, planID string) error {
	return r.setStatus(ctx, planID, contracts.PlanRolledBack)
}

func (r *Recorder) setStatus(ctx context.Context, planID string, status contracts.PlanStatus) error {
	return r.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE decision_plans SET status = ?, updated_at = ?
			WHERE plan_id = ? AND status = 'frozen'`,
			string(status), store.TimeText(r.clock.Now()), planID)
		if err != nil {
			return fmt.Errorf("decision: set status %s: %w", status, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return store.ErrConflict
		}
		return nil
	})
}

// Get returns one plan.
func (r *Recorder) Get(ctx context.Context, planID string) (*contracts.DecisionPlan, error) {
	row := r.db.Read().QueryRowContext(ctx, `
		SELECT plan_id, task_id, status, steps_json, alternatives_json, plan_hash, frozen_at, created_at, updated_at
		FROM decision_plans WHERE plan_id = ?`, planID)
	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return plan, err
}

// ListByTask returns a task's plans, oldest first.
func (r *Recorder) ListByTask(ctx context.Context, taskID string) ([]*contracts.DecisionPlan, error) {
	rows, err := r.db.Read().QueryContext(ctx, `
		SELECT plan_id, task_id, status, steps_json, alternatives_json, plan_hash, frozen_at, created_at, updated_at
		FROM decision_plans WHERE task_id = ? ORDER BY created_at, plan_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("decision: list plans: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var plans []*contracts.DecisionPlan
	for rows.Next() {
		plan, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	return plans, rows.Err()
}

// Evaluate appends one ranked evaluation of a plan's alternatives. Two
// evaluators may rank the same plan independently.
func (r *Recorder) Evaluate(ctx context.Context, ev *contracts.Evaluation) error {
	if ev.Confidence < 0 || ev.Confidence > 100 {
		return fmt.Errorf("decision: confidence %d out of range", ev.Confidence)
	}
	if len(ev.Ranked) == 0 {
		return fmt.Errorf("decision: evaluation needs a ranked list")
	}
	if ev.EvaluatedBy == "" {
		return fmt.Errorf("decision: evaluation needs an evaluator identity")
	}
	if ev.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("decision: evaluation id: %w", err)
		}
		ev.ID = id.String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = r.clock.Now()
	}
	ranked, err := store.JSONText(ev.Ranked)
	if err != nil {
		return err
	}
	return r.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO decision_evaluations (evaluation_id, plan_id, ranked_json, recommendation, confidence, evaluated_by, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, ev.PlanID, ranked, ev.Recommendation, ev.Confidence,
			ev.EvaluatedBy, store.TimeText(ev.CreatedAt))
		if err != nil {
			return fmt.Errorf("decision: insert evaluation: %w", err)
		}
		return nil
	})
}

// Evaluations returns every evaluation of a plan, oldest first.
func (r *Recorder) Evaluations(ctx context.Context, planID string) ([]*contracts.Evaluation, error) {
	rows, err := r.db.Read().QueryContext(ctx, `
		SELECT evaluation_id, plan_id, ranked_json, recommendation, confidence, evaluated_by, created_at
		FROM decision_evaluations WHERE plan_id = ? ORDER BY created_at, evaluation_id`, planID)
	if err != nil {
		return nil, fmt.Errorf("decision: list evaluations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var evals []*contracts.Evaluation
	for rows.Next() {
		var (
			ev      contracts.Evaluation
			ranked  sql.NullString
			created string
		)
		if err := rows.Scan(&ev.ID, &ev.PlanID, &ranked, &ev.Recommendation,
			&ev.Confidence, &ev.EvaluatedBy, &created); err != nil {
			return nil, fmt.Errorf("decision: scan evaluation: %w", err)
		}
		if err := store.ScanJSON(ranked, &ev.Ranked); err != nil {
			return nil, err
		}
		if ev.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		evals = append(evals, &ev)
	}
	return evals, rows.Err()
}

// Select binds an evaluation to its winning option. The option must be
// one the evaluation actually ranked, and the rationale is mandatory.
func (r *Recorder) Select(ctx context.Context, sel *contracts.Selection) error {
	if sel.Rationale == "" {
		return fmt.Errorf("decision: selection rationale is mandatory")
	}
	switch sel.Confidence {
	case contracts.ConfidenceVeryLow, contracts.ConfidenceLow, contracts.ConfidenceMedium,
		contracts.ConfidenceHigh, contracts.ConfidenceVeryHigh:
	default:
		return fmt.Errorf("decision: unknown confidence band %q", sel.Confidence)
	}
	if sel.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("decision: selection id: %w", err)
		}
		sel.ID = id.String()
	}
	if sel.CreatedAt.IsZero() {
		sel.CreatedAt = r.clock.Now()
	}
	rejected, err := store.JSONText(sel.Rejected)
	if err != nil {
		return err
	}
	return r.db.Write(ctx, func(tx *sql.Tx) error {
		var ranked sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT ranked_json FROM decision_evaluations WHERE evaluation_id = ?`,
			sel.EvaluationID).Scan(&ranked)
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("decision: evaluation lookup: %w", err)
		}
		var options []string
		if err := store.ScanJSON(ranked, &options); err != nil {
			return err
		}
		if !contains(options, sel.OptionID) {
			return fmt.Errorf("decision: option %s was not ranked by evaluation %s", sel.OptionID, sel.EvaluationID)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO decision_selections (selection_id, evaluation_id, option_id, rationale, rejected_json, confidence, evidence_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			sel.ID, sel.EvaluationID, sel.OptionID, sel.Rationale, rejected,
			string(sel.Confidence), store.NullStr(sel.EvidenceID), store.TimeText(sel.CreatedAt))
		if err != nil {
			return fmt.Errorf("decision: insert selection: %w", err)
		}
		return nil
	})
}

// LatestSelection returns the newest selection made for a plan, or
// ErrNotFound when no selection exists yet. The governance engine reads
// this when judging write actions against the confidence band.
func (r *Recorder) LatestSelection(ctx context.Context, planID string) (*contracts.Selection, error) {
	row := r.db.Read().QueryRowContext(ctx, `
		SELECT s.selection_id, s.evaluation_id, s.option_id, s.rationale, s.rejected_json, s.confidence, s.evidence_id, s.created_at
		FROM decision_selections s
		JOIN decision_evaluations e ON e.evaluation_id = s.evaluation_id
		WHERE e.plan_id = ?
		ORDER BY s.created_at DESC, s.selection_id DESC LIMIT 1`, planID)
	sel, err := scanSelection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return sel, err
}

// ExtendRationale appends a justification record to a selection. Nothing
// ever replaces the original.
func (r *Recorder) ExtendRationale(ctx context.Context, rat *contracts.Rationale) error {
	if rat.Text == "" {
		return fmt.Errorf("decision: rationale text is mandatory")
	}
	if rat.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("decision: rationale id: %w", err)
		}
		rat.ID = id.String()
	}
	if rat.CreatedAt.IsZero() {
		rat.CreatedAt = r.clock.Now()
	}
	evidence, err := store.JSONText(rat.EvidenceIDs)
	if err != nil {
		return err
	}
	return r.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO decision_rationales (rationale_id, selection_id, body, evidence_json, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			rat.ID, rat.SelectionID, rat.Text, evidence, store.TimeText(rat.CreatedAt))
		if err != nil {
			return fmt.Errorf("decision: insert rationale: %w", err)
		}
		return nil
	})
}

// Rationales returns a selection's justification trail, oldest first.
func (r *Recorder) Rationales(ctx context.Context, selectionID string) ([]*contracts.Rationale, error) {
	rows, err := r.db.Read().QueryContext(ctx, `
		SELECT rationale_id, selection_id, body, evidence_json, created_at
		FROM decision_rationales WHERE selection_id = ? ORDER BY created_at, rationale_id`, selectionID)
	if err != nil {
		return nil, fmt.Errorf("decision: list rationales: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rats []*contracts.Rationale
	for rows.Next() {
		var (
			rat      contracts.Rationale
			evidence sql.NullString
			created  string
		)
		if err := rows.Scan(&rat.ID, &rat.SelectionID, &rat.Text, &evidence, &created); err != nil {
			return nil, fmt.Errorf("decision: scan rationale: %w", err)
		}
		if err := store.ScanJSON(evidence, &rat.EvidenceIDs); err != nil {
			return nil, err
		}
		if rat.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		rats = append(rats, &rat)
	}
	return rats, rows.Err()
}

// PlanHash computes the canonical content hash a freeze stamps and every
// execution later quotes.
func PlanHash(steps []contracts.PlanStep, alts []contracts.PlanAlternative) (string, error) {
	hash, err := canonicalize.CanonicalHash(map[string]any{
		"steps":        steps,
		"alternatives": alts,
	})
	if err != nil {
		return "", fmt.Errorf("decision: plan hash: %w", err)
	}
	return hash, nil
}

func (r *Recorder) validateSteps(steps []contracts.PlanStep) error {
	if r.schemas == nil {
		if len(steps) == 0 {
			return fmt.Errorf("decision: plan needs at least one step")
		}
		return nil
	}
	return r.schemas.ValidateStruct("plan_steps", steps)
}

// alternativesText keeps an absent alternatives list as NULL rather than
// the JSON literal null.
func alternativesText(alts []contracts.PlanAlternative) (any, error) {
	if len(alts) == 0 {
		return nil, nil
	}
	return store.JSONText(alts)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func getPlanTx(ctx context.Context, tx *sql.Tx, planID string) (*contracts.DecisionPlan, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT plan_id, task_id, status, steps_json, alternatives_json, plan_hash, frozen_at, created_at, updated_at
		FROM decision_plans WHERE plan_id = ?`, planID)
	plan, err := scanPlan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return plan, err
}

func scanPlan(row rowScanner) (*contracts.DecisionPlan, error) {
	var (
		plan    contracts.DecisionPlan
		status  string
		steps   sql.NullString
		alts    sql.NullString
		hash    sql.NullString
		frozen  sql.NullString
		created string
		updated string
	)
	err := row.Scan(&plan.ID, &plan.TaskID, &status, &steps, &alts, &hash, &frozen, &created, &updated)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("decision: scan plan: %w", err)
	}
	plan.Status = contracts.PlanStatus(status)
	if err := store.ScanJSON(steps, &plan.Steps); err != nil {
		return nil, err
	}
	if err := store.ScanJSON(alts, &plan.Alternatives); err != nil {
		return nil, err
	}
	plan.PlanHash = hash.String
	if plan.FrozenAt, err = store.ParseNullTime(frozen); err != nil {
		return nil, err
	}
	if plan.CreatedAt, err = store.ParseTime(created); err != nil {
		return nil, err
	}
	plan.UpdatedAt, err = store.ParseTime(updated)
	return &plan, err
}

func scanSelection(row rowScanner) (*contracts.Selection, error) {
	var (
		sel        contracts.Selection
		rejected   sql.NullString
		confidence string
		evidence   sql.NullString
		created    string
	)
	err := row.Scan(&sel.ID, &sel.EvaluationID, &sel.OptionID, &sel.Rationale,
		&rejected, &confidence, &evidence, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("decision: scan selection: %w", err)
	}
	if err := store.ScanJSON(rejected, &sel.Rejected); err != nil {
		return nil, err
	}
	sel.Confidence = contracts.ConfidenceBand(confidence)
	sel.EvidenceID = evidence.String
	sel.CreatedAt, err = store.ParseTime(created)
	return &sel, err
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
