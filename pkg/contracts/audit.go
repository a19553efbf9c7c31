package contracts

import "time"

// AuditSeverity grades an audit record.
type AuditSeverity string

// Audit severities.
const (
	AuditInfo     AuditSeverity = "INFO"
	AuditWarn     AuditSeverity = "WARN"
	AuditHigh     AuditSeverity = "HIGH"
	AuditCritical AuditSeverity = "CRITICAL"
)

// AuditRecord is one entry in the hash-chained task audit log. EntryHash
// covers the record content plus PrevHash, so any rewrite of history
// breaks chain verification.
type AuditRecord struct {
	ID        string         `json:"audit_id"`
	Seq       int64          `json:"seq"`
	TaskID    string         `json:"task_id,omitempty"`
	Severity  AuditSeverity  `json:"severity"`
	Category  string         `json:"category"`
	Action    string         `json:"action"`
	Actor     string         `json:"actor"`
	ErrorCode ErrorCode      `json:"error_code,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	PrevHash  string         `json:"prev_hash"`
	EntryHash string         `json:"entry_hash"`
	CreatedAt time.Time      `json:"created_at"`
}
