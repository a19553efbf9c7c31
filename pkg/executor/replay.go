package executor

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/store"
)

// Replay re-runs a recorded execution. dry_run answers from the log and
// never touches the handler; actual and compare dispatch the handler for
// real, leaving a fresh execution row so the log stays truthful about
// every side effect. compare additionally diffs the new result against the
// recorded one and stores the differences as structured JSON.
func (e *Executor) Replay(ctx context.Context, executionID string, mode contracts.ReplayMode) (*contracts.ReplayReport, error) {
	switch mode {
	case contracts.ReplayDryRun, contracts.ReplayActual, contracts.ReplayCompare:
	default:
		return nil, contracts.NewKernelError(contracts.ErrPrecondition,
			fmt.Sprintf("unknown replay mode %q", mode))
	}

	orig, err := e.Get(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if orig.Status == contracts.ExecPending || orig.Status == contracts.ExecRunning {
		return nil, contracts.NewKernelError(contracts.ErrPrecondition,
			fmt.Sprintf("execution %s has not completed", executionID),
			"status", string(orig.Status))
	}
	if mode == contracts.ReplayCompare && orig.Status != contracts.ExecSuccess {
		return nil, contracts.NewKernelError(contracts.ErrPrecondition,
			fmt.Sprintf("execution %s has no result to compare against", executionID),
			"status", string(orig.Status))
	}

	report := &contracts.ReplayReport{
		ExecutionID: executionID,
		Mode:        mode,
		ReplayedAt:  e.clock.Now(),
	}

	switch mode {
	case contracts.ReplayDryRun:
		report.Matched = true

	case contracts.ReplayActual, contracts.ReplayCompare:
		act, ok := e.action(orig.ActionID)
		if !ok {
			return nil, contracts.NewKernelError(contracts.ErrPrecondition,
				fmt.Sprintf("action %s has no registered handler", orig.ActionID),
				"action_id", orig.ActionID)
		}
		rerun, err := e.run(ctx, &Request{
			TaskID:     orig.TaskID,
			ActionID:   orig.ActionID,
			StepID:     orig.StepID,
			DecisionID: orig.DecisionID,
			PlanHash:   orig.PlanHash,
			AgentID:    orig.AgentID,
			Params:     orig.Params,
		}, act)
		if err != nil {
			return nil, err
		}
		if mode == contracts.ReplayActual {
			report.Matched = rerun.Status == orig.Status
		} else {
			diff, err := resultDiff(orig.Result, rerun.Result)
			if err != nil {
				return nil, err
			}
			report.Diff = diff
			report.Matched = rerun.Status == contracts.ExecSuccess && len(diff) == 0
		}
	}

	if err := e.insertReport(ctx, report); err != nil {
		return nil, err
	}
	e.log.Info("execution replayed",
		"execution_id", executionID,
		"mode", mode,
		"matched", report.Matched)
	return report, nil
}

// Reports returns the replay reports recorded against one execution,
// oldest first.
func (e *Executor) Reports(ctx context.Context, executionID string) ([]*contracts.ReplayReport, error) {
	rows, err := e.db.Read().QueryContext(ctx, `
		SELECT report_id, execution_id, mode, matched, diff_json, created_at
		FROM replay_reports WHERE execution_id = ? ORDER BY created_at, report_id`,
		executionID)
	if err != nil {
		return nil, fmt.Errorf("executor: list replay reports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.ReplayReport
	for rows.Next() {
		var (
			rep     contracts.ReplayReport
			mode    string
			matched int
			diff    sql.NullString
			created string
		)
		if err := rows.Scan(&rep.ID, &rep.ExecutionID, &mode, &matched, &diff, &created); err != nil {
			return nil, fmt.Errorf("executor: scan replay report: %w", err)
		}
		rep.Mode = contracts.ReplayMode(mode)
		rep.Matched = matched == 1
		if err := store.ScanJSON(diff, &rep.Diff); err != nil {
			return nil, err
		}
		if rep.ReplayedAt, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, &rep)
	}
	return out, rows.Err()
}

func (e *Executor) insertReport(ctx context.Context, rep *contracts.ReplayReport) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("executor: report id: %w", err)
	}
	rep.ID = id.String()
	diff, err := store.JSONText(rep.Diff)
	if err != nil {
		return fmt.Errorf("executor: diff: %w", err)
	}
	return e.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO replay_reports (report_id, execution_id, mode, matched, diff_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			rep.ID, rep.ExecutionID, string(rep.Mode), boolInt(rep.Matched),
			diff, store.TimeText(rep.ReplayedAt))
		if err != nil {
			return fmt.Errorf("executor: insert replay report: %w", err)
		}
		return nil
	})
}

// resultDiff compares two result payloads structurally. Both sides pass
// through a JSON round trip first so numeric types coming from the store
// and from a live handler compare equal.
func resultDiff(original, replayed map[string]any) (map[string]any, error) {
	origNorm, err := normalizeJSON(original)
	if err != nil {
		return nil, err
	}
	newNorm, err := normalizeJSON(replayed)
	if err != nil {
		return nil, err
	}
	diff := make(map[string]any)
	diffValue("$", origNorm, newNorm, diff)
	if len(diff) == 0 {
		return nil, nil
	}
	return diff, nil
}

func normalizeJSON(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("executor: normalize result: %w", err)
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("executor: normalize result: %w", err)
	}
	return out, nil
}

func diffValue(path string, original, replayed any, out map[string]any) {
	switch o := original.(type) {
	case map[string]any:
		r, ok := replayed.(map[string]any)
		if !ok {
			record(path, original, replayed, out)
			return
		}
		for k, ov := range o {
			diffValue(path+"."+k, ov, r[k], out)
		}
		for k, rv := range r {
			if _, seen := o[k]; !seen {
				record(path+"."+k, nil, rv, out)
			}
		}
	case []any:
		r, ok := replayed.([]any)
		if !ok || len(o) != len(r) {
			record(path, original, replayed, out)
			return
		}
		for i := range o {
			diffValue(path+"["+strconv.Itoa(i)+"]", o[i], r[i], out)
		}
	default:
		if original != replayed {
			record(path, original, replayed, out)
		}
	}
}

func record(path string, original, replayed any, out map[string]any) {
	out[path] = map[string]any{"original": original, "replayed": replayed}
}
