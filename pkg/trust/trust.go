// Package trust maintains the per-capability trust trajectory. Each
// (extension, action) pair cycles through EARNING, STABLE and DEGRADING;
// execution outcomes move the counters, and the storage layer rejects any
// transition off the legal cycle. Transition history is append-only.
package trust

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/eventlog"
	"github.com/mandatehq/mandate/pkg/store"
)

// Streak lengths required before a pair moves up the cycle. Recovery is
// deliberately shorter than the initial earn: a degraded pair has history.
const (
	stableStreak   = 10
	recoveryStreak = 5
)

// Score drift per observation. The score feeds the tier bins; it never
// decides transitions on its own.
const (
	successScoreStep     = 1.0
	negativeScorePenalty = 5.0
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// Tracker owns the trust trajectory of every (extension, action) pair.
type Tracker struct {
	db     *store.DB
	events *eventlog.Log
	clock  Clock
	log    *slog.Logger
}

// New returns a Tracker. events may be nil when transition events are not
// wanted (signals without a task id never emit events anyway).
func New(db *store.DB, events *eventlog.Log, logger *slog.Logger) *Tracker {
	return &Tracker{
		db:     db,
		events: events,
		clock:  wallClock{},
		log:    logger.With("component", "trust"),
	}
}

// WithClock substitutes the time source.
func (t *Tracker) WithClock(c Clock) *Tracker {
	t.clock = c
	return t
}

// Observe feeds one execution outcome into the trajectory and returns the
// updated record. A pair seen for the first time starts at EARNING. When
// the counters cross a threshold the state advances, a transition row is
// appended, and (if the signal names a task) a trust_transition event is
// written in the same transaction.
func (t *Tracker) Observe(ctx context.Context, sig *contracts.TrustSignal) (*contracts.TrustRecord, error) {
	if sig.ExtensionID == "" || sig.ActionID == "" {
		return nil, fmt.Errorf("trust: signal needs extension_id and action_id")
	}
	observed := sig.ObservedAt
	if observed.IsZero() {
		observed = t.clock.Now()
	}

	var rec *contracts.TrustRecord
	var moved *contracts.TrustTransition
	err := t.db.Write(ctx, func(tx *sql.Tx) error {
		cur, err := t.loadTx(ctx, tx, sig.ExtensionID, sig.ActionID)
		if err != nil {
			return err
		}
		if cur == nil {
			cur = &contracts.TrustRecord{
				ExtensionID: sig.ExtensionID,
				ActionID:    sig.ActionID,
				State:       contracts.TrustEarning,
				Tier:        contracts.RiskLow,
				CreatedAt:   observed,
			}
			if err := insertStateTx(ctx, tx, cur, observed); err != nil {
				return err
			}
		}

		applySignal(cur, sig)
		next, trigger, explain := nextState(cur, sig)
		if next != cur.State {
			if !contracts.LegalTrustTransition(cur.State, next) {
				return fmt.Errorf("trust: illegal transition %s -> %s for %s/%s",
					cur.State, next, cur.ExtensionID, cur.ActionID)
			}
			tr := &contracts.TrustTransition{
				ExtensionID:  cur.ExtensionID,
				ActionID:     cur.ActionID,
				OldState:     cur.State,
				NewState:     next,
				TriggerEvent: trigger,
				Explain:      explain,
				RiskContext: map[string]any{
					"score":                 cur.Score,
					"tier":                  string(cur.Tier),
					"consecutive_successes": cur.ConsecutiveSuccesses,
				},
				PolicyContext: map[string]any{
					"policy_rejections": cur.PolicyRejections,
					"trigger":           trigger,
				},
				CreatedAt: observed,
			}
			if err := insertTransitionTx(ctx, tx, tr); err != nil {
				return err
			}
			cur.State = next
			cur.ConsecutiveSuccesses = 0
			cur.PolicyRejections = 0
			moved = tr

			if t.events != nil && sig.TaskID != "" {
				ev := &contracts.Event{
					TaskID: sig.TaskID,
					Type:   contracts.EventTrustTransition,
					Phase:  contracts.PhaseExecuting,
					Payload: map[string]any{
						"extension_id":  tr.ExtensionID,
						"action_id":     tr.ActionID,
						"old_state":     string(tr.OldState),
						"new_state":     string(tr.NewState),
						"trigger_event": tr.TriggerEvent,
					},
					CreatedAt: observed,
				}
				if err := t.events.AppendTx(ctx, tx, ev); err != nil {
					return err
				}
			}
		}

		cur.UpdatedAt = observed
		if err := updateStateTx(ctx, tx, cur); err != nil {
			return err
		}
		rec = cur
		return nil
	})
	if err != nil {
		return nil, err
	}
	if moved != nil {
		if sig.TaskID != "" && t.events != nil {
			t.events.Wake(sig.TaskID)
		}
		t.log.Info("trust transition",
			"extension_id", moved.ExtensionID,
			"action_id", moved.ActionID,
			"old_state", moved.OldState,
			"new_state", moved.NewState,
			"trigger", moved.TriggerEvent)
	}
	return rec, nil
}

// applySignal moves the counters and drifts the score. A policy rejection,
// a high-risk failure and an undeclared effect all break the streak even
// when the execution itself reported success.
func applySignal(cur *contracts.TrustRecord, sig *contracts.TrustSignal) {
	negative := !sig.Success || sig.PolicyRejection || sig.HighRiskFailure || sig.UnexpectedEffect
	if sig.PolicyRejection {
		cur.PolicyRejections++
	}
	if negative {
		cur.ConsecutiveSuccesses = 0
		cur.Score -= negativeScorePenalty
		if cur.Score < 0 {
			cur.Score = 0
		}
	} else {
		cur.ConsecutiveSuccesses++
		cur.Score += successScoreStep
		if cur.Score > 100 {
			cur.Score = 100
		}
	}
	cur.Tier = contracts.RiskLevelFor(cur.Score)
}

// nextState decides whether the updated counters move the pair along the
// cycle. A full clean streak with earlier rejections on the books does not
// promote; it clears the slate, and the following streak can.
func nextState(cur *contracts.TrustRecord, sig *contracts.TrustSignal) (contracts.TrustState, string, string) {
	switch cur.State {
	case contracts.TrustStable:
		switch {
		case sig.PolicyRejection:
			return contracts.TrustDegrading, "policy_rejection", "degraded after a policy rejection"
		case sig.HighRiskFailure:
			return contracts.TrustDegrading, "high_risk_failure", "degraded after a high-risk failure"
		case sig.UnexpectedEffect:
			return contracts.TrustDegrading, "unexpected_effect", "degraded after an undeclared side effect"
		}
	case contracts.TrustEarning:
		if cur.ConsecutiveSuccesses >= stableStreak {
			if cur.PolicyRejections == 0 {
				return contracts.TrustStable, "consecutive_successes",
					fmt.Sprintf("promoted to STABLE after %d consecutive successes with no policy rejections", stableStreak)
			}
			cur.ConsecutiveSuccesses = 0
			cur.PolicyRejections = 0
		}
	case contracts.TrustDegrading:
		if cur.ConsecutiveSuccesses >= recoveryStreak {
			if cur.PolicyRejections == 0 {
				return contracts.TrustEarning, "consecutive_successes",
					fmt.Sprintf("recovered to EARNING after %d consecutive successes with no policy rejections", recoveryStreak)
			}
			cur.ConsecutiveSuccesses = 0
			cur.PolicyRejections = 0
		}
	}
	return cur.State, "", ""
}

// State returns the current trajectory of one pair.
func (t *Tracker) State(ctx context.Context, extensionID, actionID string) (*contracts.TrustRecord, error) {
	row := t.db.Read().QueryRowContext(ctx, `
		SELECT extension_id, action_id, state, tier, score,
		       consecutive_successes, policy_rejections, created_at, updated_at
		FROM trust_states WHERE extension_id = ? AND action_id = ?`,
		extensionID, actionID)
	rec, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("trust: no state for %s/%s: %w", extensionID, actionID, store.ErrNotFound)
	}
	return rec, err
}

// Transitions lists a pair's transition history, newest first.
func (t *Tracker) Transitions(ctx context.Context, extensionID, actionID string, limit int) ([]*contracts.TrustTransition, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := t.db.Read().QueryContext(ctx, `
		SELECT transition_id, extension_id, action_id, old_state, new_state,
		       trigger_event, explain_text, risk_json, policy_json, created_at
		FROM trust_transitions
		WHERE extension_id = ? AND action_id = ?
		ORDER BY created_at DESC, transition_id DESC LIMIT ?`,
		extensionID, actionID, limit)
	if err != nil {
		return nil, fmt.Errorf("trust: list transitions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.TrustTransition
	for rows.Next() {
		tr, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (t *Tracker) loadTx(ctx context.Context, tx *sql.Tx, extensionID, actionID string) (*contracts.TrustRecord, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT extension_id, action_id, state, tier, score,
		       consecutive_successes, policy_rejections, created_at, updated_at
		FROM trust_states WHERE extension_id = ? AND action_id = ?`,
		extensionID, actionID)
	rec, err := scanState(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

func insertStateTx(ctx context.Context, tx *sql.Tx, rec *contracts.TrustRecord, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO trust_states (extension_id, action_id, state, tier, score,
		                          consecutive_successes, policy_rejections, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ExtensionID, rec.ActionID, string(rec.State), string(rec.Tier), rec.Score,
		rec.ConsecutiveSuccesses, rec.PolicyRejections, store.TimeText(now), store.TimeText(now))
	if err != nil {
		return fmt.Errorf("trust: seed state %s/%s: %w", rec.ExtensionID, rec.ActionID, err)
	}
	return nil
}

func updateStateTx(ctx context.Context, tx *sql.Tx, rec *contracts.TrustRecord) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE trust_states
		SET state = ?, tier = ?, score = ?, consecutive_successes = ?,
		    policy_rejections = ?, updated_at = ?
		WHERE extension_id = ? AND action_id = ?`,
		string(rec.State), string(rec.Tier), rec.Score, rec.ConsecutiveSuccesses,
		rec.PolicyRejections, store.TimeText(rec.UpdatedAt),
		rec.ExtensionID, rec.ActionID)
	if err != nil {
		return fmt.Errorf("trust: update state %s/%s: %w", rec.ExtensionID, rec.ActionID, err)
	}
	return nil
}

func insertTransitionTx(ctx context.Context, tx *sql.Tx, tr *contracts.TrustTransition) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("trust: transition id: %w", err)
	}
	tr.ID = id.String()
	riskJSON, err := store.JSONText(tr.RiskContext)
	if err != nil {
		return fmt.Errorf("trust: risk context: %w", err)
	}
	policyJSON, err := store.JSONText(tr.PolicyContext)
	if err != nil {
		return fmt.Errorf("trust: policy context: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO trust_transitions (transition_id, extension_id, action_id,
		                               old_state, new_state, trigger_event,
		                               explain_text, risk_json, policy_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		tr.ID, tr.ExtensionID, tr.ActionID, string(tr.OldState), string(tr.NewState),
		tr.TriggerEvent, tr.Explain, riskJSON, policyJSON, store.TimeText(tr.CreatedAt))
	if err != nil {
		return fmt.Errorf("trust: record transition: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanState(row rowScanner) (*contracts.TrustRecord, error) {
	var rec contracts.TrustRecord
	var state, tier, createdAt, updatedAt string
	if err := row.Scan(&rec.ExtensionID, &rec.ActionID, &state, &tier, &rec.Score,
		&rec.ConsecutiveSuccesses, &rec.PolicyRejections, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.State = contracts.TrustState(state)
	rec.Tier = contracts.RiskLevel(tier)
	var err error
	if rec.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("trust: created_at: %w", err)
	}
	if rec.UpdatedAt, err = store.ParseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("trust: updated_at: %w", err)
	}
	return &rec, nil
}

func scanTransition(row rowScanner) (*contracts.TrustTransition, error) {
	var tr contracts.TrustTransition
	var oldState, newState, createdAt string
	var riskJSON, policyJSON sql.NullString
	if err := row.Scan(&tr.ID, &tr.ExtensionID, &tr.ActionID, &oldState, &newState,
		&tr.TriggerEvent, &tr.Explain, &riskJSON, &policyJSON, &createdAt); err != nil {
		return nil, fmt.Errorf("trust: scan transition: %w", err)
	}
	tr.OldState = contracts.TrustState(oldState)
	tr.NewState = contracts.TrustState(newState)
	if err := store.ScanJSON(riskJSON, &tr.RiskContext); err != nil {
		return nil, fmt.Errorf("trust: risk context: %w", err)
	}
	if err := store.ScanJSON(policyJSON, &tr.PolicyContext); err != nil {
		return nil, fmt.Errorf("trust: policy context: %w", err)
	}
	var err error
	if tr.CreatedAt, err = store.ParseTime(createdAt); err != nil {
		return nil, fmt.Errorf("trust: created_at: %w", err)
	}
	return &tr, nil
}
