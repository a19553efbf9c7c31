package executor

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/store"
)

// recordEffects appends every observed side effect to the individual log,
// flags the ones the handler never declared, and raises a HIGH audit when
// any exist. Returns the undeclared subset.
func (e *Executor) recordEffects(ctx context.Context, exec *contracts.ActionExecution, observed []contracts.SideEffect) ([]contracts.SideEffect, error) {
	if len(observed) == 0 {
		return nil, nil
	}

	var unexpected []contracts.SideEffect
	for _, eff := range observed {
		if !effectDeclared(exec.DeclaredEffects, eff) {
			unexpected = append(unexpected, eff)
		}
	}

	now := e.clock.Now()
	err := e.db.Write(ctx, func(tx *sql.Tx) error {
		for _, eff := range observed {
			id, err := uuid.NewV7()
			if err != nil {
				return fmt.Errorf("executor: effect id: %w", err)
			}
			effJSON, err := store.JSONText(eff)
			if err != nil {
				return fmt.Errorf("executor: effect: %w", err)
			}
			_, err = tx.ExecContext(ctx, `
				INSERT INTO action_side_effects_individual (effect_id, execution_id, effect_json, was_declared, observed_at)
				VALUES (?, ?, ?, ?, ?)`,
				id.String(), exec.ID, effJSON,
				boolInt(effectDeclared(exec.DeclaredEffects, eff)), store.TimeText(now))
			if err != nil {
				return fmt.Errorf("executor: insert effect: %w", err)
			}
		}
		if len(unexpected) == 0 {
			return nil
		}
		unexpectedJSON, err := store.JSONText(unexpected)
		if err != nil {
			return fmt.Errorf("executor: unexpected effects: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE action_side_effects SET unexpected_effects_json = ?, updated_at = ?
			WHERE execution_id = ?`,
			unexpectedJSON, store.TimeText(now), exec.ID)
		if err != nil {
			return fmt.Errorf("executor: record unexpected effects: %w", err)
		}
		return e.audits.AppendTx(ctx, tx, &contracts.AuditRecord{
			TaskID:   exec.TaskID,
			Severity: contracts.AuditHigh,
			Category: "executor",
			Action:   "undeclared_side_effect",
			Actor:    exec.AgentID,
			Detail: map[string]any{
				"execution_id": exec.ID,
				"action_id":    exec.ActionID,
				"effects":      unexpected,
			},
			CreatedAt: now,
		})
	})
	if err != nil {
		return nil, err
	}
	if len(unexpected) > 0 {
		e.log.Warn("undeclared side effects observed",
			"execution_id", exec.ID,
			"action_id", exec.ActionID,
			"count", len(unexpected))
	}
	return unexpected, nil
}

// effectDeclared reports whether a declared entry covers the observed
// effect. A declaration without a target covers every target of its type.
func effectDeclared(declared []contracts.SideEffect, eff contracts.SideEffect) bool {
	for _, d := range declared {
		if d.Type != eff.Type {
			continue
		}
		if d.Target == "" || d.Target == eff.Target {
			return true
		}
	}
	return false
}
