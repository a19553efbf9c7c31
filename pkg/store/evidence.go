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

// EvidenceStore persists content-addressed evidence blobs referenced by
// decisions, executions and verdicts.
type EvidenceStore struct {
	db *DB
}

// NewEvidenceStore returns an EvidenceStore over db.
func NewEvidenceStore(db *DB) *EvidenceStore {
	return &EvidenceStore{db: db}
}

// Put stores an evidence record, filling in its content hash.
func (s *EvidenceStore) Put(ctx context.Context, rec *contracts.EvidenceRecord) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		return s.PutTx(ctx, tx, rec)
	})
}

// PutTx is the composable form of Put.
func (s *EvidenceStore) PutTx(ctx context.Context, tx *sql.Tx, rec *contracts.EvidenceRecord) error {
	if rec.TaskID == "" {
		return fmt.Errorf("store: evidence needs a task id")
	}
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("store: evidence id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	hash, err := canonicalize.CanonicalHash(rec.Content)
	if err != nil {
		return fmt.Errorf("store: evidence hash: %w", err)
	}
	rec.ContentHash = hash

	content, err := JSONText(rec.Content)
	if err != nil {
		return fmt.Errorf("store: evidence content: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO evidence_records (evidence_id, task_id, execution_id, kind, content_hash, content_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TaskID, NullStr(rec.ExecutionID), rec.Kind,
		rec.ContentHash, content, TimeText(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert evidence: %w", err)
	}
	return nil
}

// Get returns one evidence record and verifies its content hash.
func (s *EvidenceStore) Get(ctx context.Context, id string) (*contracts.EvidenceRecord, error) {
	row := s.db.Read().QueryRowContext(ctx, `
		SELECT evidence_id, task_id, execution_id, kind, content_hash, content_json, created_at
		FROM evidence_records WHERE evidence_id = ?`, id)
	rec, err := scanEvidence(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("store: evidence %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	computed, err := canonicalize.CanonicalHash(rec.Content)
	if err != nil {
		return nil, fmt.Errorf("store: evidence hash: %w", err)
	}
	if computed != rec.ContentHash {
		return nil, fmt.Errorf("store: evidence %s content altered: computed %s, stored %s",
			rec.ID, computed, rec.ContentHash)
	}
	return rec, nil
}

// ListByTask returns a task's evidence records oldest first.
func (s *EvidenceStore) ListByTask(ctx context.Context, taskID string) ([]*contracts.EvidenceRecord, error) {
	rows, err := s.db.Read().QueryContext(ctx, `
		SELECT evidence_id, task_id, execution_id, kind, content_hash, content_json, created_at
		FROM evidence_records WHERE task_id = ? ORDER BY created_at, evidence_id`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list evidence: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var recs []*contracts.EvidenceRecord
	for rows.Next() {
		rec, err := scanEvidence(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func scanEvidence(row interface{ Scan(...any) error }) (*contracts.EvidenceRecord, error) {
	var (
		rec       contracts.EvidenceRecord
		execution sql.NullString
		content   sql.NullString
		created   string
	)
	err := row.Scan(&rec.ID, &rec.TaskID, &execution, &rec.Kind, &rec.ContentHash, &content, &created)
	if err != nil {
		return nil, err
	}
	rec.ExecutionID = execution.String
	if err := ScanJSON(content, &rec.Content); err != nil {
		return nil, fmt.Errorf("store: evidence content: %w", err)
	}
	if rec.CreatedAt, err = ParseTime(created); err != nil {
		return nil, err
	}
	return &rec, nil
}
