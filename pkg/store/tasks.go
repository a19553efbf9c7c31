package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mandatehq/mandate/pkg/contracts"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when an update lost against the current row
// state (bad status transition, stale owner).
var ErrConflict = errors.New("store: conflict")

// TaskStore persists tasks and their lineage.
type TaskStore struct {
	db *DB
}

// NewTaskStore returns a TaskStore over db.
func NewTaskStore(db *DB) *TaskStore {
	return &TaskStore{db: db}
}

// Create inserts a new task. Missing IDs get a sortable UUIDv7; status
// defaults to created.
func (s *TaskStore) Create(ctx context.Context, t *contracts.Task) error {
	if t.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("store: task id: %w", err)
		}
		t.ID = id.String()
	}
	if t.Status == "" {
		t.Status = contracts.TaskCreated
	}
	now := time.Now()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = t.CreatedAt

	meta, err := JSONText(t.Metadata)
	if err != nil {
		return err
	}
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (task_id, session_id, project_id, repo_id, agent_id, title, goal,
			                   status, iteration, max_iterations, metadata_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, NullStr(t.SessionID), NullStr(t.ProjectID), NullStr(t.RepoID), t.AgentID,
			t.Title, NullStr(t.Goal), string(t.Status), t.Iteration, t.MaxIterations,
			meta, TimeText(t.CreatedAt), TimeText(t.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("store: insert task: %w", err)
		}
		return nil
	})
}

const taskColumns = `task_id, session_id, project_id, repo_id, agent_id, title, goal,
	status, exit_reason, iteration, max_iterations, metadata_json, created_at, updated_at`

// Get returns one task by id.
func (s *TaskStore) Get(ctx context.Context, id string) (*contracts.Task, error) {
	row := s.db.Read().QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = ?`, id)
	return scanTask(row)
}

// List returns tasks in creation order, newest first.
func (s *TaskStore) List(ctx context.Context, limit int) ([]*contracts.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Read().QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*contracts.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// SetStatus moves a task to a new status. Terminal rows reject further
// transitions with ErrConflict.
func (s *TaskStore) SetStatus(ctx context.Context, id string, status contracts.TaskStatus) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		return s.SetStatusTx(ctx, tx, id, status)
	})
}

// SetStatusTx is the composable form of SetStatus.
func (s *TaskStore) SetStatusTx(ctx context.Context, tx *sql.Tx, id string, status contracts.TaskStatus) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, updated_at = ?
		WHERE task_id = ? AND status NOT IN ('succeeded','failed','canceled')`,
		string(status), TimeText(time.Now()), id)
	if err != nil {
		return fmt.Errorf("store: set task status: %w", err)
	}
	return oneRow(res)
}

// Finish records the terminal status and exit reason in one update.
func (s *TaskStore) Finish(ctx context.Context, id string, status contracts.TaskStatus, reason contracts.ExitReason) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		return s.FinishTx(ctx, tx, id, status, reason)
	})
}

// FinishTx is the composable form of Finish.
func (s *TaskStore) FinishTx(ctx context.Context, tx *sql.Tx, id string, status contracts.TaskStatus, reason contracts.ExitReason) error {
	res, err := tx.ExecContext(ctx, `
		UPDATE tasks SET status = ?, exit_reason = ?, updated_at = ?
		WHERE task_id = ? AND status NOT IN ('succeeded','failed','canceled')`,
		string(status), string(reason), TimeText(time.Now()), id)
	if err != nil {
		return fmt.Errorf("store: finish task: %w", err)
	}
	return oneRow(res)
}

// RequestCancel flips a live task to canceled/user_cancelled. The runner
// observes the flag at its next suspension point.
func (s *TaskStore) RequestCancel(ctx context.Context, id string) error {
	return s.Finish(ctx, id, contracts.TaskCanceled, contracts.ExitUserCancelled)
}

// BumpIteration advances the iteration counter and returns the new value.
func (s *TaskStore) BumpIteration(ctx context.Context, id string) (int, error) {
	var iteration int
	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(ctx, `
			UPDATE tasks SET iteration = iteration + 1, updated_at = ?
			WHERE task_id = ? AND status NOT IN ('succeeded','failed','canceled')
			RETURNING iteration`,
			TimeText(time.Now()), id)
		if err := row.Scan(&iteration); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrConflict
			}
			return fmt.Errorf("store: bump iteration: %w", err)
		}
		return nil
	})
	return iteration, err
}

// AddLineage appends one derivative identifier. Duplicate (task, kind,
// ref) rows are ignored.
func (s *TaskStore) AddLineage(ctx context.Context, rec *contracts.LineageRecord) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		return s.AddLineageTx(ctx, tx, rec)
	})
}

// AddLineageTx is the composable form of AddLineage.
func (s *TaskStore) AddLineageTx(ctx context.Context, tx *sql.Tx, rec *contracts.LineageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_lineage (task_id, kind, ref_id, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (task_id, kind, ref_id) DO NOTHING`,
		rec.TaskID, string(rec.Kind), rec.RefID, TimeText(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: add lineage: %w", err)
	}
	return nil
}

// Lineage returns every derivative identifier of a task.
func (s *TaskStore) Lineage(ctx context.Context, taskID string) ([]*contracts.LineageRecord, error) {
	rows, err := s.db.Read().QueryContext(ctx, `
		SELECT task_id, kind, ref_id, created_at
		FROM task_lineage WHERE task_id = ? ORDER BY created_at, kind, ref_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: lineage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*contracts.LineageRecord
	for rows.Next() {
		var (
			rec     contracts.LineageRecord
			kind    string
			created string
		)
		if err := rows.Scan(&rec.TaskID, &kind, &rec.RefID, &created); err != nil {
			return nil, err
		}
		rec.Kind = contracts.LineageKind(kind)
		if rec.CreatedAt, err = ParseTime(created); err != nil {
			return nil, err
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*contracts.Task, error) {
	var (
		t          contracts.Task
		session    sql.NullString
		project    sql.NullString
		repo       sql.NullString
		goal       sql.NullString
		status     string
		exitReason sql.NullString
		meta       sql.NullString
		created    string
		updated    string
	)
	err := row.Scan(&t.ID, &session, &project, &repo, &t.AgentID, &t.Title, &goal,
		&status, &exitReason, &t.Iteration, &t.MaxIterations, &meta, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan task: %w", err)
	}
	t.SessionID = session.String
	t.ProjectID = project.String
	t.RepoID = repo.String
	t.Goal = goal.String
	t.Status = contracts.TaskStatus(status)
	t.ExitReason = contracts.ExitReason(exitReason.String)
	if err := ScanJSON(meta, &t.Metadata); err != nil {
		return nil, err
	}
	if t.CreatedAt, err = ParseTime(created); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = ParseTime(updated); err != nil {
		return nil, err
	}
	return &t, nil
}

func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
