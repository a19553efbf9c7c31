// Package guardian reviews finished work and records immutable verdicts.
// Only a PASS verdict lets a task reach succeeded; FAIL and NEEDS_REVIEW
// route it to failed or blocked. Verdict rows are append-only at the
// storage layer, so a verdict can be superseded by a newer review but
// never edited.
package guardian

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/eventlog"
	"github.com/mandatehq/mandate/pkg/store"
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Check inspects a task after execution and reports one named result. A
// returned error means the check could not run, which is inconclusive,
// not a failure.
type Check func(ctx context.Context, task *contracts.Task) (contracts.VerdictCheck, error)

// Guardian runs registered checks and persists verdicts.
type Guardian struct {
	db     *store.DB
	events *eventlog.Log
	tasks  *store.TaskStore
	checks []Check
	clock  Clock
	log    *slog.Logger
}

// New builds a Guardian. events may be nil when no task stream exists.
func New(db *store.DB, events *eventlog.Log, logger *slog.Logger) *Guardian {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guardian{
		db:     db,
		events: events,
		tasks:  store.NewTaskStore(db),
		clock:  wallClock{},
		log:    logger.With("component", "guardian"),
	}
}

// WithClock overrides the time source for tests.
func (g *Guardian) WithClock(c Clock) *Guardian {
	g.clock = c
	return g
}

// RegisterCheck appends a check to the review sequence.
func (g *Guardian) RegisterCheck(c Check) {
	g.checks = append(g.checks, c)
}

// Review runs every registered check against the task and records the
// aggregate verdict: any failed check means FAIL, any check that could
// not run means NEEDS_REVIEW, everything passing means PASS. A guardian
// with no checks cannot attest to anything and returns NEEDS_REVIEW.
func (g *Guardian) Review(ctx context.Context, taskID, verifier string) (*contracts.VerdictRecord, error) {
	task, err := g.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}

	rec := &contracts.VerdictRecord{
		TaskID:   taskID,
		Verifier: verifier,
	}
	if len(g.checks) == 0 {
		rec.Verdict = contracts.VerdictNeedsReview
		rec.Summary = "no checks registered"
		if err := g.Record(ctx, rec); err != nil {
			return nil, err
		}
		return rec, nil
	}

	failed, inconclusive := 0, 0
	for _, check := range g.checks {
		res, err := check(ctx, task)
		if err != nil {
			inconclusive++
			res.Passed = false
			if res.Detail == "" {
				res.Detail = err.Error()
			}
		} else if !res.Passed {
			failed++
		}
		rec.Checks = append(rec.Checks, res)
	}

	switch {
	case failed > 0:
		rec.Verdict = contracts.VerdictFail
		rec.Summary = fmt.Sprintf("%d of %d checks failed", failed, len(g.checks))
	case inconclusive > 0:
		rec.Verdict = contracts.VerdictNeedsReview
		rec.Summary = fmt.Sprintf("%d of %d checks could not run", inconclusive, len(g.checks))
	default:
		rec.Verdict = contracts.VerdictPass
		rec.Summary = fmt.Sprintf("all %d checks passed", len(g.checks))
	}

	if err := g.Record(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Record persists a verdict (automatic or human) and appends the
// verdict_recorded event in the same transaction.
func (g *Guardian) Record(ctx context.Context, rec *contracts.VerdictRecord) error {
	switch rec.Verdict {
	case contracts.VerdictPass, contracts.VerdictFail, contracts.VerdictNeedsReview:
	default:
		return fmt.Errorf("guardian: unknown verdict %q", rec.Verdict)
	}
	if rec.TaskID == "" || rec.Verifier == "" {
		return fmt.Errorf("guardian: verdict needs a task and a verifier")
	}
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("guardian: verdict id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = g.clock.Now()
	}
	checksJSON, err := store.JSONText(rec.Checks)
	if err != nil {
		return fmt.Errorf("guardian: encode checks: %w", err)
	}
	evidenceJSON, err := store.JSONText(rec.EvidenceIDs)
	if err != nil {
		return fmt.Errorf("guardian: encode evidence ids: %w", err)
	}

	err = g.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO guardian_verdicts (verdict_id, task_id, verdict, verifier, summary, checks_json, evidence_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.TaskID, string(rec.Verdict), rec.Verifier,
			store.NullStr(rec.Summary), checksJSON, evidenceJSON, store.TimeText(rec.CreatedAt))
		if err != nil {
			return fmt.Errorf("guardian: insert verdict: %w", err)
		}
		if g.events != nil {
			return g.events.AppendTx(ctx, tx, &contracts.Event{
				TaskID: rec.TaskID,
				Type:   contracts.EventVerdictRecorded,
				Phase:  contracts.PhaseVerifying,
				Payload: map[string]any{
					"verdict_id": rec.ID,
					"verdict":    string(rec.Verdict),
					"verifier":   rec.Verifier,
				},
			})
		}
		return nil
	})
	if err != nil {
		return err
	}
	if g.events != nil {
		g.events.Wake(rec.TaskID)
	}
	g.log.Info("verdict recorded",
		"task_id", rec.TaskID, "verdict", rec.Verdict, "verifier", rec.Verifier)
	return nil
}

// Latest returns the newest verdict for a task, or ErrNotFound when the
// task has never been reviewed.
func (g *Guardian) Latest(ctx context.Context, taskID string) (*contracts.VerdictRecord, error) {
	row := g.db.Read().QueryRowContext(ctx, `
		SELECT verdict_id, task_id, verdict, verifier, summary, checks_json, evidence_json, created_at
		FROM guardian_verdicts WHERE task_id = ?
		ORDER BY created_at DESC, verdict_id DESC LIMIT 1`, taskID)
	rec, err := scanVerdict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("guardian: no verdict for task %s: %w", taskID, store.ErrNotFound)
	}
	return rec, err
}

// List returns a task's verdicts, newest first.
func (g *Guardian) List(ctx context.Context, taskID string, limit int) ([]*contracts.VerdictRecord, error) {
	if limit <= 0 || limit > 200 {
		limit = 200
	}
	rows, err := g.db.Read().QueryContext(ctx, `
		SELECT verdict_id, task_id, verdict, verifier, summary, checks_json, evidence_json, created_at
		FROM guardian_verdicts WHERE task_id = ?
		ORDER BY created_at DESC, verdict_id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("guardian: list verdicts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.VerdictRecord
	for rows.Next() {
		rec, err := scanVerdict(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanVerdict(row rowScanner) (*contracts.VerdictRecord, error) {
	rec := &contracts.VerdictRecord{}
	var verdict, created string
	var summary, checksJSON, evidenceJSON sql.NullString
	if err := row.Scan(&rec.ID, &rec.TaskID, &verdict, &rec.Verifier, &summary, &checksJSON, &evidenceJSON, &created); err != nil {
		return nil, err
	}
	rec.Verdict = contracts.Verdict(verdict)
	rec.Summary = summary.String
	if err := store.ScanJSON(checksJSON, &rec.Checks); err != nil {
		return nil, err
	}
	if err := store.ScanJSON(evidenceJSON, &rec.EvidenceIDs); err != nil {
		return nil, err
	}
	var err error
	if rec.CreatedAt, err = store.ParseTime(created); err != nil {
		return nil, err
	}
	return rec, nil
}
