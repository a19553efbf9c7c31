package contracts

import "time"

// ExecStatus is the state of one action execution.
type ExecStatus string

// Execution states.
const (
	ExecPending    ExecStatus = "pending"
	ExecRunning    ExecStatus = "running"
	ExecSuccess    ExecStatus = "success"
	ExecFailure    ExecStatus = "failure"
	ExecCancelled  ExecStatus = "cancelled"
	ExecRolledBack ExecStatus = "rolled_back"
)

// SideEffect describes one externally observable change an action
// announces before running.
type SideEffect struct {
	Type       string `json:"type"`
	Target     string `json:"target,omitempty"`
	Reversible bool   `json:"reversible,omitempty"`
}

// ObservedEffect is a side effect recorded while an action ran. Undeclared
// effects are a security signal.
type ObservedEffect struct {
	ID          string    `json:"effect_id"`
	ExecutionID string    `json:"execution_id"`
	Effect      SideEffect `json:"effect"`
	WasDeclared bool      `json:"was_declared"`
	ObservedAt  time.Time `json:"observed_at"`
}

// ActionExecution is one row of the execution log. DecisionID always
// refers to a frozen plan whose stored hash matched at dispatch time.
type ActionExecution struct {
	ID              string         `json:"execution_id"`
	TaskID          string         `json:"task_id"`
	ActionID        string         `json:"action_id"`
	StepID          string         `json:"step_id,omitempty"`
	DecisionID      string         `json:"decision_id"`
	PlanHash        string         `json:"plan_hash"`
	AgentID         string         `json:"agent_id"`
	Status          ExecStatus     `json:"status"`
	Params          map[string]any `json:"params,omitempty"`
	DeclaredEffects []SideEffect   `json:"declared_effects,omitempty"`
	UnexpectedEffects []SideEffect `json:"unexpected_effects,omitempty"`
	Result          map[string]any `json:"result,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	EvidenceID      string         `json:"evidence_id,omitempty"`
	RollbackExecID  string         `json:"rollback_execution_id,omitempty"`
	Reversible      bool           `json:"reversible"`
	IdempotencyKey  string         `json:"idempotency_key,omitempty"`
	StartedAt       time.Time      `json:"started_at"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	DurationMS      int64          `json:"duration_ms,omitempty"`
}

// RollbackStatus is the outcome of a rollback attempt. not_applicable is
// the permanent answer for irreversible actions.
type RollbackStatus string

// Rollback states.
const (
	RollbackPending       RollbackStatus = "pending"
	RollbackSuccess       RollbackStatus = "success"
	RollbackFailure       RollbackStatus = "failure"
	RollbackPartial       RollbackStatus = "partial"
	RollbackNotApplicable RollbackStatus = "not_applicable"
)

// RollbackRecord links an original execution to its inverse.
type RollbackRecord struct {
	ID             string         `json:"rollback_id"`
	ExecutionID    string         `json:"execution_id"`
	RollbackExecID string         `json:"rollback_execution_id,omitempty"`
	Status         RollbackStatus `json:"status"`
	Reason         string         `json:"reason,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

// ReplayMode selects how a recorded execution is re-run.
type ReplayMode string

// Replay modes.
const (
	ReplayDryRun  ReplayMode = "dry_run"
	ReplayActual  ReplayMode = "actual"
	ReplayCompare ReplayMode = "compare"
)

// ReplayReport is the outcome of replaying one execution.
type ReplayReport struct {
	ID          string         `json:"report_id"`
	ExecutionID string         `json:"execution_id"`
	Mode        ReplayMode     `json:"mode"`
	Matched     bool           `json:"matched"`
	Diff        map[string]any `json:"diff,omitempty"`
	ReplayedAt  time.Time      `json:"replayed_at"`
}

// EvidenceRecord stores a content-addressed artifact produced by an
// execution or a verification.
type EvidenceRecord struct {
	ID          string         `json:"evidence_id"`
	TaskID      string         `json:"task_id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Kind        string         `json:"kind"`
	ContentHash string         `json:"content_hash"`
	Content     map[string]any `json:"content,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}
