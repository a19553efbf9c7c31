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

// AuditStore persists the tamper-evident audit trail. Every entry hashes
// its own content together with the previous entry's hash, so a single
// altered row breaks every hash after it.
type AuditStore struct {
	db *DB
}

// NewAuditStore returns an AuditStore over db.
func NewAuditStore(db *DB) *AuditStore {
	return &AuditStore{db: db}
}

// Append writes one audit record, chained to the current head.
func (s *AuditStore) Append(ctx context.Context, rec *contracts.AuditRecord) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		return s.AppendTx(ctx, tx, rec)
	})
}

// AppendTx is the composable form of Append.
func (s *AuditStore) AppendTx(ctx context.Context, tx *sql.Tx, rec *contracts.AuditRecord) error {
	if rec.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("store: audit id: %w", err)
		}
		rec.ID = id.String()
	}
	if rec.Severity == "" {
		rec.Severity = contracts.AuditInfo
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}

	var (
		lastSeq  int64
		lastHash string
	)
	row := tx.QueryRowContext(ctx,
		`SELECT seq, entry_hash FROM task_audits ORDER BY seq DESC LIMIT 1`)
	err := row.Scan(&lastSeq, &lastHash)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("store: audit head: %w", err)
	}
	rec.Seq = lastSeq + 1
	rec.PrevHash = lastHash

	hash, err := auditEntryHash(rec)
	if err != nil {
		return err
	}
	rec.EntryHash = hash

	detail, err := JSONText(rec.Detail)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO task_audits (audit_id, seq, task_id, severity, category, action, actor,
		                         error_code, detail_json, prev_hash, entry_hash, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Seq, NullStr(rec.TaskID), string(rec.Severity), rec.Category, rec.Action,
		rec.Actor, NullStr(string(rec.ErrorCode)), detail, rec.PrevHash, rec.EntryHash,
		TimeText(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert audit: %w", err)
	}
	return nil
}

const auditColumns = `audit_id, seq, task_id, severity, category, action, actor,
	error_code, detail_json, prev_hash, entry_hash, created_at`

// ListByTask returns a task's audit entries in chain order.
func (s *AuditStore) ListByTask(ctx context.Context, taskID string) ([]*contracts.AuditRecord, error) {
	rows, err := s.db.Read().QueryContext(ctx,
		`SELECT `+auditColumns+` FROM task_audits WHERE task_id = ? ORDER BY seq`, taskID)
	if err != nil {
		return nil, fmt.Errorf("store: list audits: %w", err)
	}
	return collectAudits(rows)
}

// VerifyChain walks the full trail and checks every link and every entry
// hash. It returns the number of verified entries.
func (s *AuditStore) VerifyChain(ctx context.Context) (int, error) {
	rows, err := s.db.Read().QueryContext(ctx,
		`SELECT `+auditColumns+` FROM task_audits ORDER BY seq`)
	if err != nil {
		return 0, fmt.Errorf("store: audit chain: %w", err)
	}
	recs, err := collectAudits(rows)
	if err != nil {
		return 0, err
	}

	prev := ""
	for i, rec := range recs {
		if rec.PrevHash != prev {
			return i, fmt.Errorf("store: audit chain broken at seq %d: previous hash mismatch", rec.Seq)
		}
		computed, err := auditEntryHash(rec)
		if err != nil {
			return i, err
		}
		if computed != rec.EntryHash {
			return i, fmt.Errorf("store: audit entry %d altered: computed %s, stored %s",
				rec.Seq, computed, rec.EntryHash)
		}
		prev = rec.EntryHash
	}
	return len(recs), nil
}

func auditEntryHash(rec *contracts.AuditRecord) (string, error) {
	body := map[string]any{
		"audit_id":   rec.ID,
		"seq":        rec.Seq,
		"task_id":    rec.TaskID,
		"severity":   string(rec.Severity),
		"category":   rec.Category,
		"action":     rec.Action,
		"actor":      rec.Actor,
		"error_code": string(rec.ErrorCode),
		"detail":     rec.Detail,
		"prev_hash":  rec.PrevHash,
		"created_at": TimeText(rec.CreatedAt),
	}
	h, err := canonicalize.CanonicalHash(body)
	if err != nil {
		return "", fmt.Errorf("store: audit hash: %w", err)
	}
	return h, nil
}

func collectAudits(rows *sql.Rows) ([]*contracts.AuditRecord, error) {
	defer func() { _ = rows.Close() }()

	var recs []*contracts.AuditRecord
	for rows.Next() {
		var (
			rec      contracts.AuditRecord
			taskID   sql.NullString
			severity string
			errCode  sql.NullString
			detail   sql.NullString
			created  string
		)
		err := rows.Scan(&rec.ID, &rec.Seq, &taskID, &severity, &rec.Category, &rec.Action,
			&rec.Actor, &errCode, &detail, &rec.PrevHash, &rec.EntryHash, &created)
		if err != nil {
			return nil, fmt.Errorf("store: scan audit: %w", err)
		}
		rec.TaskID = taskID.String
		rec.Severity = contracts.AuditSeverity(severity)
		rec.ErrorCode = contracts.ErrorCode(errCode.String)
		if err := ScanJSON(detail, &rec.Detail); err != nil {
			return nil, err
		}
		if rec.CreatedAt, err = ParseTime(created); err != nil {
			return nil, err
		}
		recs = append(recs, &rec)
	}
	return recs, rows.Err()
}
