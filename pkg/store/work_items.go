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

// WorkItemStore persists units of leased work.
type WorkItemStore struct {
	db *DB
}

// NewWorkItemStore returns a WorkItemStore over db.
func NewWorkItemStore(db *DB) *WorkItemStore {
	return &WorkItemStore{db: db}
}

// Create inserts a pending work item.
func (s *WorkItemStore) Create(ctx context.Context, w *contracts.WorkItem) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		return s.CreateTx(ctx, tx, w)
	})
}

// CreateTx is the composable form of Create.
func (s *WorkItemStore) CreateTx(ctx context.Context, tx *sql.Tx, w *contracts.WorkItem) error {
	if w.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("store: work item id: %w", err)
		}
		w.ID = id.String()
	}
	if w.Status == "" {
		w.Status = contracts.WorkPending
	}
	now := time.Now()
	if w.CreatedAt.IsZero() {
		w.CreatedAt = now
	}
	w.UpdatedAt = w.CreatedAt

	input, err := JSONText(w.Input)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO work_items (work_item_id, task_id, work_type, status, attempt, input_json, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID, w.TaskID, w.WorkType, string(w.Status), w.Attempt, input,
		TimeText(w.CreatedAt), TimeText(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("store: insert work item: %w", err)
	}
	return nil
}

const workItemColumns = `work_item_id, task_id, work_type, status, attempt, input_json, output_json,
	lease_owner, lease_acquired_at, lease_expires_at, lease_heartbeat_at, created_at, updated_at`

// Get returns one work item by id.
func (s *WorkItemStore) Get(ctx context.Context, id string) (*contracts.WorkItem, error) {
	row := s.db.Read().QueryRowContext(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE work_item_id = ?`, id)
	return scanWorkItem(row)
}

// ListByTask returns a task's work items oldest first.
func (s *WorkItemStore) ListByTask(ctx context.Context, taskID string) ([]*contracts.WorkItem, error) {
	rows, err := s.db.Read().QueryContext(ctx,
		`SELECT `+workItemColumns+` FROM work_items WHERE task_id = ? ORDER BY created_at`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list work items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*contracts.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

// ListPending returns up to limit pending items of one work type, oldest
// first. Dispatchers adopt them by acquiring their leases.
func (s *WorkItemStore) ListPending(ctx context.Context, workType string, limit int) ([]*contracts.WorkItem, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := s.db.Read().QueryContext(ctx, `
		SELECT `+workItemColumns+` FROM work_items
		WHERE work_type = ? AND status = 'pending'
		ORDER BY created_at LIMIT ?`, workType, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list pending work items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var items []*contracts.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, w)
	}
	return items, rows.Err()
}

// Complete marks a work item completed with its output. Only the current
// lease owner may complete it.
func (s *WorkItemStore) Complete(ctx context.Context, id, owner string, output map[string]any) error {
	out, err := JSONText(output)
	if err != nil {
		return err
	}
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET status = 'completed', output_json = ?, updated_at = ?
			WHERE work_item_id = ? AND lease_owner = ? AND status = 'in_progress'`,
			out, TimeText(time.Now()), id, owner)
		if err != nil {
			return fmt.Errorf("store: complete work item: %w", err)
		}
		return oneRow(res)
	})
}

// Fail marks a work item failed. Only the current lease owner may fail it.
func (s *WorkItemStore) Fail(ctx context.Context, id, owner string, output map[string]any) error {
	out, err := JSONText(output)
	if err != nil {
		return err
	}
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET status = 'failed', output_json = ?, updated_at = ?
			WHERE work_item_id = ? AND lease_owner = ? AND status = 'in_progress'`,
			out, TimeText(time.Now()), id, owner)
		if err != nil {
			return fmt.Errorf("store: fail work item: %w", err)
		}
		return oneRow(res)
	})
}

// Requeue clones an expired or failed item into a fresh pending attempt.
// The original row keeps its terminal or expired status.
func (s *WorkItemStore) Requeue(ctx context.Context, id string) (*contracts.WorkItem, error) {
	var next *contracts.WorkItem
	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		prev, err := scanWorkItem(tx.QueryRowContext(ctx,
			`SELECT `+workItemColumns+` FROM work_items WHERE work_item_id = ?`, id))
		if err != nil {
			return err
		}
		if prev.Status != contracts.WorkExpired && prev.Status != contracts.WorkFailed {
			return ErrConflict
		}
		next = &contracts.WorkItem{
			TaskID:   prev.TaskID,
			WorkType: prev.WorkType,
			Attempt:  prev.Attempt + 1,
			Input:    prev.Input,
		}
		return s.CreateTx(ctx, tx, next)
	})
	if err != nil {
		return nil, err
	}
	return next, nil
}

func scanWorkItem(row rowScanner) (*contracts.WorkItem, error) {
	var (
		w         contracts.WorkItem
		status    string
		input     sql.NullString
		output    sql.NullString
		owner     sql.NullString
		acquired  sql.NullString
		expires   sql.NullString
		heartbeat sql.NullString
		created   string
		updated   string
	)
	err := row.Scan(&w.ID, &w.TaskID, &w.WorkType, &status, &w.Attempt, &input, &output,
		&owner, &acquired, &expires, &heartbeat, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan work item: %w", err)
	}
	w.Status = contracts.WorkItemStatus(status)
	w.LeaseOwner = owner.String
	if err := ScanJSON(input, &w.Input); err != nil {
		return nil, err
	}
	if err := ScanJSON(output, &w.Output); err != nil {
		return nil, err
	}
	if w.LeaseAcquiredAt, err = ParseNullTime(acquired); err != nil {
		return nil, err
	}
	if w.LeaseExpiresAt, err = ParseNullTime(expires); err != nil {
		return nil, err
	}
	if w.LeaseHeartbeatAt, err = ParseNullTime(heartbeat); err != nil {
		return nil, err
	}
	if w.CreatedAt, err = ParseTime(created); err != nil {
		return nil, err
	}
	if w.UpdatedAt, err = ParseTime(updated); err != nil {
		return nil, err
	}
	return &w, nil
}
