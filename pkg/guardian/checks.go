package guardian

import (
	"context"
	"fmt"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/store"
)

// Builtin checks. The runner registers the ones that apply to its mode;
// deployments add their own on top.

// ExecutionsSucceeded fails when any action execution of the task ended
// in failure. A task with no executions passes vacuously.
func ExecutionsSucceeded(db *store.DB) Check {
	return func(ctx context.Context, task *contracts.Task) (contracts.VerdictCheck, error) {
		check := contracts.VerdictCheck{Name: "executions_succeeded"}
		var n int
		err := db.Read().QueryRowContext(ctx, `
			SELECT COUNT(*) FROM action_executions
			WHERE task_id = ? AND status = 'failure'`, task.ID).Scan(&n)
		if err != nil {
			return check, fmt.Errorf("guardian: count failed executions: %w", err)
		}
		check.Passed = n == 0
		if n > 0 {
			check.Detail = fmt.Sprintf("%d executions failed", n)
		}
		return check, nil
	}
}

// NoUnexpectedEffects fails when any execution observed a side effect it
// never declared.
func NoUnexpectedEffects(db *store.DB) Check {
	return func(ctx context.Context, task *contracts.Task) (contracts.VerdictCheck, error) {
		check := contracts.VerdictCheck{Name: "no_unexpected_effects"}
		var n int
		err := db.Read().QueryRowContext(ctx, `
			SELECT COUNT(*) FROM action_side_effects s
			JOIN action_executions e ON e.execution_id = s.execution_id
			WHERE e.task_id = ?
			  AND s.unexpected_effects_json IS NOT NULL
			  AND json_array_length(s.unexpected_effects_json) > 0`, task.ID).Scan(&n)
		if err != nil {
			return check, fmt.Errorf("guardian: count unexpected effects: %w", err)
		}
		check.Passed = n == 0
		if n > 0 {
			check.Detail = fmt.Sprintf("%d executions produced undeclared effects", n)
		}
		return check, nil
	}
}

// PlanDisciplineHeld fails when any execution quotes a plan hash that no
// longer matches the stored plan, or ran against a plan that was never
// frozen.
func PlanDisciplineHeld(db *store.DB) Check {
	return func(ctx context.Context, task *contracts.Task) (contracts.VerdictCheck, error) {
		check := contracts.VerdictCheck{Name: "plan_discipline_held"}
		var n int
		err := db.Read().QueryRowContext(ctx, `
			SELECT COUNT(*) FROM action_executions e
			JOIN decision_plans p ON p.plan_id = e.decision_id
			WHERE e.task_id = ? AND (p.plan_hash IS NULL OR p.plan_hash <> e.plan_hash)`, task.ID).Scan(&n)
		if err != nil {
			return check, fmt.Errorf("guardian: check plan hashes: %w", err)
		}
		check.Passed = n == 0
		if n > 0 {
			check.Detail = fmt.Sprintf("%d executions diverge from their frozen plan", n)
		}
		return check, nil
	}
}
