package contracts

import "time"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

// Task lifecycle states. A runner owns every transition except the initial
// insert and an external cancel.
const (
	TaskCreated          TaskStatus = "created"
	TaskPlanning         TaskStatus = "planning"
	TaskExecuting        TaskStatus = "executing"
	TaskVerifying        TaskStatus = "verifying"
	TaskAwaitingApproval TaskStatus = "awaiting_approval"
	TaskBlocked          TaskStatus = "blocked"
	TaskSucceeded        TaskStatus = "succeeded"
	TaskFailed           TaskStatus = "failed"
	TaskCanceled         TaskStatus = "canceled"
)

// Terminal reports whether no further status transitions are permitted.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskSucceeded, TaskFailed, TaskCanceled:
		return true
	}
	return false
}

// ExitReason explains why a runner stopped driving a task.
type ExitReason string

// Exit reasons recorded on the final runner_exit event and the task row.
const (
	ExitDone          ExitReason = "done"
	ExitMaxIterations ExitReason = "max_iterations"
	ExitBlocked       ExitReason = "blocked"
	ExitFatalError    ExitReason = "fatal_error"
	ExitUserCancelled ExitReason = "user_cancelled"
	ExitUnknown       ExitReason = "unknown"
)

// Task is the root aggregate. Mutated only by the runner holding its lease.
type Task struct {
	ID            string         `json:"task_id"`
	SessionID     string         `json:"session_id,omitempty"`
	ProjectID     string         `json:"project_id,omitempty"`
	RepoID        string         `json:"repo_id,omitempty"`
	AgentID       string         `json:"agent_id"`
	Title         string         `json:"title"`
	Goal          string         `json:"goal,omitempty"`
	Status        TaskStatus     `json:"status"`
	ExitReason    ExitReason     `json:"exit_reason,omitempty"`
	Iteration     int            `json:"iteration"`
	MaxIterations int            `json:"max_iterations"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// LineageKind classifies a derivative identifier attached to a task.
type LineageKind string

// Lineage kinds.
const (
	LineagePlan     LineageKind = "plan"
	LineageRun      LineageKind = "run"
	LineageCommit   LineageKind = "commit"
	LineageArtifact LineageKind = "artifact"
	LineageTape     LineageKind = "tape"
)

// LineageRecord maps a task to one derivative identifier.
// Append-only; unique per (task, kind, ref).
type LineageRecord struct {
	TaskID    string      `json:"task_id"`
	Kind      LineageKind `json:"kind"`
	RefID     string      `json:"ref_id"`
	CreatedAt time.Time   `json:"created_at"`
}

// WorkItemStatus is the state of a resumable unit of work.
type WorkItemStatus string

// Work item states. completed and failed are terminal; expired items are
// respawned by recovery, never resumed in place.
const (
	WorkPending    WorkItemStatus = "pending"
	WorkInProgress WorkItemStatus = "in_progress"
	WorkCompleted  WorkItemStatus = "completed"
	WorkFailed     WorkItemStatus = "failed"
	WorkExpired    WorkItemStatus = "expired"
)

// Terminal reports whether the work item row may no longer change.
func (s WorkItemStatus) Terminal() bool {
	return s == WorkCompleted || s == WorkFailed
}

// WorkItem is a resumable unit inside a task. The lease fields implement
// single-writer-per-item: a holder must heartbeat before ExpiresAt or the
// sweep reclaims the item.
type WorkItem struct {
	ID       string         `json:"work_item_id"`
	TaskID   string         `json:"task_id"`
	WorkType string         `json:"work_type"`
	Status   WorkItemStatus `json:"status"`
	Attempt  int            `json:"attempt"`
	Input    map[string]any `json:"input,omitempty"`
	Output   map[string]any `json:"output,omitempty"`

	LeaseOwner       string     `json:"lease_owner,omitempty"`
	LeaseAcquiredAt  *time.Time `json:"lease_acquired_at,omitempty"`
	LeaseExpiresAt   *time.Time `json:"lease_expires_at,omitempty"`
	LeaseHeartbeatAt *time.Time `json:"lease_heartbeat_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Leased reports whether the item carries a live lease at the given instant.
func (w *WorkItem) Leased(now time.Time) bool {
	return w.LeaseOwner != "" && w.LeaseExpiresAt != nil && w.LeaseExpiresAt.After(now)
}
