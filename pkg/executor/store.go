package executor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/store"
)

const executionColumns = `e.execution_id, e.task_id, e.action_id, e.step_id, e.decision_id,
	e.plan_hash, e.agent_id, e.status, e.params_json, e.result_json, e.error_message,
	e.evidence_id, e.rollback_execution_id, e.reversible, e.idempotency_key,
	e.started_at, e.completed_at, e.duration_ms,
	s.declared_effects_json, s.unexpected_effects_json`

const executionFrom = ` FROM action_executions e
	LEFT JOIN action_side_effects s ON s.execution_id = e.execution_id`

// insertExecution writes the pending log row together with its declared
// side-effect list, satisfying the declaration precondition atomically.
func (e *Executor) insertExecution(ctx context.Context, exec *contracts.ActionExecution) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("executor: execution id: %w", err)
	}
	exec.ID = id.String()

	params, err := store.JSONText(exec.Params)
	if err != nil {
		return fmt.Errorf("executor: params: %w", err)
	}
	declared := exec.DeclaredEffects
	if declared == nil {
		declared = []contracts.SideEffect{}
	}
	declaredJSON, err := store.JSONText(declared)
	if err != nil {
		return fmt.Errorf("executor: declared effects: %w", err)
	}

	return e.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO action_executions (execution_id, task_id, action_id, step_id,
			                               decision_id, plan_hash, agent_id, status,
			                               params_json, reversible, idempotency_key, started_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?)`,
			exec.ID, exec.TaskID, exec.ActionID, store.NullStr(exec.StepID),
			exec.DecisionID, exec.PlanHash, exec.AgentID,
			params, boolInt(exec.Reversible), store.NullStr(exec.IdempotencyKey),
			store.TimeText(exec.StartedAt))
		if err != nil {
			return fmt.Errorf("executor: insert execution: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO action_side_effects (execution_id, declared_effects_json, updated_at)
			VALUES (?, ?, ?)`,
			exec.ID, declaredJSON, store.TimeText(exec.StartedAt))
		if err != nil {
			return fmt.Errorf("executor: insert declared effects: %w", err)
		}
		return nil
	})
}

// setStatus performs one guarded lifecycle transition.
func (e *Executor) setStatus(ctx context.Context, executionID string, from, to contracts.ExecStatus) error {
	return e.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE action_executions SET status = ? WHERE execution_id = ? AND status = ?`,
			string(to), executionID, string(from))
		if err != nil {
			return fmt.Errorf("executor: transition %s to %s: %w", from, to, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("executor: execution %s is not %s: %w", executionID, from, store.ErrConflict)
		}
		return nil
	})
}

// finishExecution stamps the terminal status, result and timing in one
// guarded update from running.
func (e *Executor) finishExecution(ctx context.Context, exec *contracts.ActionExecution) error {
	result, err := store.JSONText(exec.Result)
	if err != nil {
		return fmt.Errorf("executor: result: %w", err)
	}
	return e.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE action_executions
			SET status = ?, result_json = ?, error_message = ?, evidence_id = ?,
			    completed_at = ?, duration_ms = ?
			WHERE execution_id = ? AND status = 'running'`,
			string(exec.Status), result, store.NullStr(exec.ErrorMessage),
			store.NullStr(exec.EvidenceID), store.NullTimeText(exec.CompletedAt),
			exec.DurationMS, exec.ID)
		if err != nil {
			return fmt.Errorf("executor: finish execution: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("executor: execution %s is not running: %w", exec.ID, store.ErrConflict)
		}
		return nil
	})
}

// Get returns one execution with its side-effect declaration attached.
func (e *Executor) Get(ctx context.Context, executionID string) (*contracts.ActionExecution, error) {
	row := e.db.Read().QueryRowContext(ctx,
		`SELECT `+executionColumns+executionFrom+` WHERE e.execution_id = ?`, executionID)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("executor: execution %s: %w", executionID, store.ErrNotFound)
	}
	return exec, err
}

// ListByTask returns a task's executions oldest first.
func (e *Executor) ListByTask(ctx context.Context, taskID string) ([]*contracts.ActionExecution, error) {
	rows, err := e.db.Read().QueryContext(ctx,
		`SELECT `+executionColumns+executionFrom+
			` WHERE e.task_id = ? ORDER BY e.started_at, e.execution_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("executor: list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ActionExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, exec)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*contracts.ActionExecution, error) {
	var (
		exec       contracts.ActionExecution
		stepID     sql.NullString
		status     string
		params     sql.NullString
		result     sql.NullString
		errMsg     sql.NullString
		evidenceID sql.NullString
		rollback   sql.NullString
		reversible int
		idemKey    sql.NullString
		started    string
		completed  sql.NullString
		duration   sql.NullInt64
		declared   sql.NullString
		unexpected sql.NullString
	)
	err := row.Scan(&exec.ID, &exec.TaskID, &exec.ActionID, &stepID, &exec.DecisionID,
		&exec.PlanHash, &exec.AgentID, &status, &params, &result, &errMsg,
		&evidenceID, &rollback, &reversible, &idemKey, &started, &completed, &duration,
		&declared, &unexpected)
	if err != nil {
		return nil, err
	}
	exec.StepID = stepID.String
	exec.Status = contracts.ExecStatus(status)
	exec.ErrorMessage = errMsg.String
	exec.EvidenceID = evidenceID.String
	exec.RollbackExecID = rollback.String
	exec.Reversible = reversible == 1
	exec.IdempotencyKey = idemKey.String
	exec.DurationMS = duration.Int64
	if err := store.ScanJSON(params, &exec.Params); err != nil {
		return nil, fmt.Errorf("executor: params: %w", err)
	}
	if err := store.ScanJSON(result, &exec.Result); err != nil {
		return nil, fmt.Errorf("executor: result: %w", err)
	}
	if err := store.ScanJSON(declared, &exec.DeclaredEffects); err != nil {
		return nil, fmt.Errorf("executor: declared effects: %w", err)
	}
	if err := store.ScanJSON(unexpected, &exec.UnexpectedEffects); err != nil {
		return nil, fmt.Errorf("executor: unexpected effects: %w", err)
	}
	if exec.StartedAt, err = store.ParseTime(started); err != nil {
		return nil, err
	}
	if exec.CompletedAt, err = store.ParseNullTime(completed); err != nil {
		return nil, err
	}
	return &exec, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
