package contracts

import "time"

// CheckpointType classifies what a checkpoint snapshot captured.
type CheckpointType string

// Checkpoint types.
const (
	CheckpointIterationStart  CheckpointType = "iteration_start"
	CheckpointIterationEnd    CheckpointType = "iteration_end"
	CheckpointToolExecuted    CheckpointType = "tool_executed"
	CheckpointLLMResponse     CheckpointType = "llm_response"
	CheckpointApprovalPoint   CheckpointType = "approval_point"
	CheckpointStateTransition CheckpointType = "state_transition"
	CheckpointManual          CheckpointType = "manual_checkpoint"
	CheckpointErrorBoundary   CheckpointType = "error_boundary"
)

// Restartable reports whether recovery may resume a task from a checkpoint
// of this type.
func (t CheckpointType) Restartable() bool {
	switch t {
	case CheckpointIterationStart, CheckpointIterationEnd, CheckpointStateTransition:
		return true
	}
	return false
}

// Checkpoint is an append-only evidence record. (TaskID, SequenceNumber)
// is unique and dense per task.
type Checkpoint struct {
	ID             string         `json:"checkpoint_id"`
	TaskID         string         `json:"task_id"`
	WorkItemID     string         `json:"work_item_id,omitempty"`
	SequenceNumber int64          `json:"sequence_number"`
	Type           CheckpointType `json:"checkpoint_type"`
	Iteration      int            `json:"iteration"`
	State          map[string]any `json:"state,omitempty"`
	StateHash      string         `json:"state_hash"`
	CreatedAt      time.Time      `json:"created_at"`
}

// IdempotencyStatus is the completion state of a keyed request.
type IdempotencyStatus string

// Idempotency record states.
const (
	IdempotencyPending   IdempotencyStatus = "pending"
	IdempotencyCompleted IdempotencyStatus = "completed"
	IdempotencyFailed    IdempotencyStatus = "failed"
)

// IdempotencyRecord caches the outcome of one logical outbound request.
// A reuse of Key with a different RequestHash is a caller bug and must be
// answered with ERROR_IDEMPOTENCY_MISMATCH.
type IdempotencyRecord struct {
	Key         string            `json:"key"`
	RequestHash string            `json:"request_hash"`
	Status      IdempotencyStatus `json:"status"`
	Response    []byte            `json:"response,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
}
