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

// Rollback undoes a completed execution by running its inverse in a fresh
// log row and linking the two. Remediation runs outside the governance
// gate: the policy state that approved the original call may have moved
// on since, and an undo that a quota can block leaves the system stuck
// with the original effect. When the inverse ran but did not succeed the
// record comes back with status partial alongside ERROR_ROLLBACK_FAILED
// so the caller still holds the inverse execution id.
func (e *Executor) Rollback(ctx context.Context, executionID, reason string) (*contracts.RollbackRecord, error) {
	orig, err := e.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	switch orig.Status {
	case contracts.ExecPending, contracts.ExecRunning:
		return nil, contracts.NewKernelError(contracts.ErrPrecondition,
			fmt.Sprintf("execution %s has not completed", executionID),
			"status", string(orig.Status))
	case contracts.ExecRolledBack:
		return nil, fmt.Errorf("executor: execution %s is already rolled back: %w",
			executionID, store.ErrConflict)
	}

	rec := &contracts.RollbackRecord{
		ExecutionID: executionID,
		Status:      contracts.RollbackPending,
		Reason:      reason,
		CreatedAt:   e.clock.Now(),
	}

	act, ok := e.action(orig.ActionID)
	if !orig.Reversible || !ok || act.Inverse == nil {
		rec.Status = contracts.RollbackNotApplicable
		done := rec.CreatedAt
		rec.CompletedAt = &done
		if err := e.insertRollback(ctx, rec, orig.TaskID); err != nil {
			return nil, err
		}
		e.log.Info("rollback not applicable",
			"execution_id", executionID, "action_id", orig.ActionID)
		return rec, nil
	}

	if err := e.insertRollback(ctx, rec, orig.TaskID); err != nil {
		return nil, err
	}

	invActionID, invParams := act.Inverse(orig)
	invAct, registered := e.action(invActionID)
	if !registered {
		e.failRollback(ctx, rec, contracts.RollbackFailure, "")
		return rec, contracts.NewKernelError(contracts.ErrRollbackFailed,
			fmt.Sprintf("inverse action %s is not registered", invActionID),
			"execution_id", executionID)
	}

	inv, err := e.run(ctx, &Request{
		TaskID:     orig.TaskID,
		ActionID:   invActionID,
		StepID:     orig.StepID,
		DecisionID: orig.DecisionID,
		PlanHash:   orig.PlanHash,
		AgentID:    orig.AgentID,
		Params:     invParams,
	}, invAct)
	if err != nil {
		e.failRollback(ctx, rec, contracts.RollbackFailure, "")
		return rec, contracts.NewKernelError(contracts.ErrRollbackFailed,
			fmt.Sprintf("rollback of execution %s could not run: %v", executionID, err),
			"execution_id", executionID)
	}
	if inv.Status != contracts.ExecSuccess {
		e.failRollback(ctx, rec, contracts.RollbackPartial, inv.ID)
		return rec, contracts.NewKernelError(contracts.ErrRollbackFailed,
			fmt.Sprintf("inverse action %s finished with status %s", invActionID, inv.Status),
			"execution_id", executionID, "rollback_execution_id", inv.ID)
	}

	if err := e.completeRollback(ctx, rec, orig, inv.ID); err != nil {
		return rec, err
	}
	e.log.Info("rollback succeeded",
		"execution_id", executionID,
		"rollback_execution_id", inv.ID,
		"reason", reason)
	return rec, nil
}

// Rollbacks returns the rollback attempts recorded against one execution,
// oldest first.
func (e *Executor) Rollbacks(ctx context.Context, executionID string) ([]*contracts.RollbackRecord, error) {
	rows, err := e.db.Read().QueryContext(ctx, `
		SELECT rollback_id, execution_id, rollback_execution_id, status, reason, created_at, completed_at
		FROM rollback_history WHERE execution_id = ? ORDER BY created_at, rollback_id`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("executor: list rollbacks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.RollbackRecord
	for rows.Next() {
		rec, err := scanRollback(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (e *Executor) insertRollback(ctx context.Context, rec *contracts.RollbackRecord, taskID string) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("executor: rollback id: %w", err)
	}
	rec.ID = id.String()
	return e.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO rollback_history (rollback_id, execution_id, rollback_execution_id,
			                              status, reason, created_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			rec.ID, rec.ExecutionID, store.NullStr(rec.RollbackExecID),
			string(rec.Status), store.NullStr(rec.Reason),
			store.TimeText(rec.CreatedAt), store.NullTimeText(rec.CompletedAt))
		if err != nil {
			return fmt.Errorf("executor: insert rollback: %w", err)
		}
		return e.audits.AppendTx(ctx, tx, &contracts.AuditRecord{
			TaskID:   taskID,
			Severity: contracts.AuditWarn,
			Category: "executor",
			Action:   "rollback_requested",
			Actor:    string(contracts.ActorSystem),
			Detail: map[string]any{
				"rollback_id":  rec.ID,
				"execution_id": rec.ExecutionID,
				"status":       string(rec.Status),
				"reason":       rec.Reason,
			},
			CreatedAt: rec.CreatedAt,
		})
	})
}

// failRollback stamps a terminal non-success status. Best effort: the
// caller is already returning the dispatch error.
func (e *Executor) failRollback(ctx context.Context, rec *contracts.RollbackRecord, status contracts.RollbackStatus, invExecID string) {
	done := e.clock.Now()
	rec.Status = status
	rec.RollbackExecID = invExecID
	rec.CompletedAt = &done
	err := e.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE rollback_history
			SET status = ?, rollback_execution_id = ?, completed_at = ?
			WHERE rollback_id = ? AND status = 'pending'`,
			string(status), store.NullStr(invExecID), store.TimeText(done), rec.ID)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("executor: rollback %s is not pending: %w", rec.ID, store.ErrConflict)
		}
		return nil
	})
	if err != nil {
		e.log.Warn("failed to record rollback outcome", "rollback_id", rec.ID, "error", err)
	}
}

// completeRollback links the inverse execution and retires the original
// row in one transaction.
func (e *Executor) completeRollback(ctx context.Context, rec *contracts.RollbackRecord, orig *contracts.ActionExecution, invExecID string) error {
	done := e.clock.Now()
	err := e.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE rollback_history
			SET status = 'success', rollback_execution_id = ?, completed_at = ?
			WHERE rollback_id = ? AND status = 'pending'`,
			invExecID, store.TimeText(done), rec.ID)
		if err != nil {
			return fmt.Errorf("executor: complete rollback: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("executor: rollback %s is not pending: %w", rec.ID, store.ErrConflict)
		}

		res, err = tx.ExecContext(ctx, `
			UPDATE action_executions SET status = 'rolled_back', rollback_execution_id = ?
			WHERE execution_id = ? AND status = ?`,
			invExecID, orig.ID, string(orig.Status))
		if err != nil {
			return fmt.Errorf("executor: retire execution: %w", err)
		}
		n, err = res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("executor: execution %s is not %s: %w", orig.ID, orig.Status, store.ErrConflict)
		}
		return nil
	})
	if err != nil {
		return err
	}
	rec.Status = contracts.RollbackSuccess
	rec.RollbackExecID = invExecID
	rec.CompletedAt = &done
	return nil
}

func scanRollback(row rowScanner) (*contracts.RollbackRecord, error) {
	var (
		rec       contracts.RollbackRecord
		invExec   sql.NullString
		status    string
		reason    sql.NullString
		created   string
		completed sql.NullString
	)
	err := row.Scan(&rec.ID, &rec.ExecutionID, &invExec, &status, &reason, &created, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	rec.RollbackExecID = invExec.String
	rec.Status = contracts.RollbackStatus(status)
	rec.Reason = reason.String
	if rec.CreatedAt, err = store.ParseTime(created); err != nil {
		return nil, err
	}
	if rec.CompletedAt, err = store.ParseNullTime(completed); err != nil {
		return nil, err
	}
	return &rec, nil
}
