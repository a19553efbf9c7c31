package contracts

import "time"

// Phase is the lifecycle phase an event belongs to.
type Phase string

// Lifecycle phases.
const (
	PhasePlanning  Phase = "planning"
	PhaseExecuting Phase = "executing"
	PhaseVerifying Phase = "verifying"
	PhaseRecovery  Phase = "recovery"
)

// Actor identifies which subsystem emitted an event.
type Actor string

// Event actors.
const (
	ActorRunner     Actor = "runner"
	ActorSupervisor Actor = "supervisor"
	ActorWorker     Actor = "worker"
	ActorLease      Actor = "lease"
	ActorRecovery   Actor = "recovery"
	ActorSystem     Actor = "system"
)

// Core event types. The stream is open-ended; these are the types the
// kernel itself emits and tests assert on.
const (
	EventRunnerSpawn       = "runner_spawn"
	EventRunnerExit        = "runner_exit"
	EventPlanDrafted       = "plan_drafted"
	EventPlanFrozen        = "plan_frozen"
	EventWorkItemStart     = "work_item_start"
	EventWorkItemComplete  = "work_item_complete"
	EventCheckpointCommit  = "checkpoint_commit"
	EventLeaseExpired      = "lease_expired"
	EventRecoveryInitiated = "recovery_initiated"
	EventEscalationOpened  = "escalation_opened"
	EventEscalationClosed  = "escalation_closed"
	EventPolicyDenied      = "policy_denied"
	EventVerdictRecorded   = "verdict_recorded"
	EventTrustTransition   = "trust_transition"
	EventTaskCanceled      = "task_canceled"
)

// Event is one record in a task's append-only stream. (TaskID, Seq) is
// unique; Seq values form a dense sequence starting at 1.
type Event struct {
	ID           string         `json:"event_id"`
	TaskID       string         `json:"task_id"`
	Seq          int64          `json:"seq"`
	Type         string         `json:"event_type"`
	Phase        Phase          `json:"phase,omitempty"`
	Actor        Actor          `json:"actor"`
	SpanID       string         `json:"span_id"`
	ParentSpanID string         `json:"parent_span_id,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
	PayloadHash  string         `json:"payload_hash,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Span is a node in the per-task execution tree reconstructed from events.
type Span struct {
	SpanID       string  `json:"span_id"`
	ParentSpanID string  `json:"parent_span_id,omitempty"`
	FirstSeq     int64   `json:"first_seq"`
	LastSeq      int64   `json:"last_seq"`
	EventTypes   []string `json:"event_types"`
	Children     []*Span `json:"children,omitempty"`
}
