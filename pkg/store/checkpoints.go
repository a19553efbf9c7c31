package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mandatehq/mandate/pkg/canonicalize"
	"github.com/mandatehq/mandate/pkg/contracts"
)

// CheckpointStore persists recovery checkpoints. Sequence numbers are
// dense per task, allocated from task_checkpoint_counters in the same
// transaction as the insert.
type CheckpointStore struct {
	db *DB
}

// NewCheckpointStore returns a CheckpointStore over db.
func NewCheckpointStore(db *DB) *CheckpointStore {
	return &CheckpointStore{db: db}
}

// Append writes a checkpoint, assigning the next sequence number and the
// canonical hash of its state.
func (s *CheckpointStore) Append(ctx context.Context, cp *contracts.Checkpoint) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		return s.AppendTx(ctx, tx, cp)
	})
}

// AppendTx is the composable form of Append.
func (s *CheckpointStore) AppendTx(ctx context.Context, tx *sql.Tx, cp *contracts.Checkpoint) error {
	if cp.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("store: checkpoint id: %w", err)
		}
		cp.ID = id.String()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	if cp.StateHash == "" {
		h, err := canonicalize.CanonicalHash(cp.State)
		if err != nil {
			return fmt.Errorf("store: checkpoint state hash: %w", err)
		}
		cp.StateHash = h
	}

	row := tx.QueryRowContext(ctx, `
		INSERT INTO task_checkpoint_counters (task_id, last_sequence) VALUES (?, 1)
		ON CONFLICT (task_id) DO UPDATE SET last_sequence = last_sequence + 1
		RETURNING last_sequence`, cp.TaskID)
	if err := row.Scan(&cp.SequenceNumber); err != nil {
		return fmt.Errorf("store: checkpoint sequence: %w", err)
	}

	state, err := JSONText(cp.State)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO checkpoints (checkpoint_id, task_id, work_item_id, sequence_number,
		                         checkpoint_type, iteration, state_json, state_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cp.ID, cp.TaskID, NullStr(cp.WorkItemID), cp.SequenceNumber,
		string(cp.Type), cp.Iteration, state, cp.StateHash, TimeText(cp.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert checkpoint: %w", err)
	}
	return nil
}

const checkpointColumns = `checkpoint_id, task_id, work_item_id, sequence_number,
	checkpoint_type, iteration, state_json, state_hash, created_at`

// Latest returns the newest checkpoint of a task, or ErrNotFound.
func (s *CheckpointStore) Latest(ctx context.Context, taskID string) (*contracts.Checkpoint, error) {
	row := s.db.Read().QueryRowContext(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE task_id = ? ORDER BY sequence_number DESC LIMIT 1`, taskID)
	return scanCheckpoint(row)
}

// LatestRestartable returns the newest checkpoint whose type permits a
// restart, or ErrNotFound when none exists.
func (s *CheckpointStore) LatestRestartable(ctx context.Context, taskID string) (*contracts.Checkpoint, error) {
	row := s.db.Read().QueryRowContext(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE task_id = ? AND checkpoint_type IN ('iteration_start','iteration_end','state_transition')
		ORDER BY sequence_number DESC LIMIT 1`, taskID)
	return scanCheckpoint(row)
}

// ListByTask returns a task's checkpoints in sequence order.
func (s *CheckpointStore) ListByTask(ctx context.Context, taskID string) ([]*contracts.Checkpoint, error) {
	rows, err := s.db.Read().QueryContext(ctx, `
		SELECT `+checkpointColumns+` FROM checkpoints
		WHERE task_id = ? ORDER BY sequence_number`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var cps []*contracts.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, err
		}
		cps = append(cps, cp)
	}
	return cps, rows.Err()
}

// Verify recomputes the canonical hash of a checkpoint's state and
// compares it to the stored hash.
func (s *CheckpointStore) Verify(cp *contracts.Checkpoint) error {
	h, err := canonicalize.CanonicalHash(cp.State)
	if err != nil {
		return contracts.NewKernelError(contracts.ErrCheckpointInvalid,
			"checkpoint state not hashable", "checkpoint_id", cp.ID)
	}
	if h != cp.StateHash {
		return contracts.NewKernelError(contracts.ErrCheckpointInvalid,
			"checkpoint state hash mismatch",
			"checkpoint_id", cp.ID, "want", cp.StateHash, "got", h)
	}
	return nil
}

func scanCheckpoint(row rowScanner) (*contracts.Checkpoint, error) {
	var (
		cp       contracts.Checkpoint
		workItem sql.NullString
		cpType   string
		state    sql.NullString
		created  string
	)
	err := row.Scan(&cp.ID, &cp.TaskID, &workItem, &cp.SequenceNumber,
		&cpType, &cp.Iteration, &state, &cp.StateHash, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan checkpoint: %w", err)
	}
	cp.WorkItemID = workItem.String
	cp.Type = contracts.CheckpointType(cpType)
	if err := ScanJSON(state, &cp.State); err != nil {
		return nil, err
	}
	if cp.CreatedAt, err = ParseTime(created); err != nil {
		return nil, err
	}
	return &cp, nil
}
