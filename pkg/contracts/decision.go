package contracts

import "time"

// PlanStatus is the lifecycle state of a decision plan.
type PlanStatus string

// Plan states. Content is immutable once frozen.
const (
	PlanDraft      PlanStatus = "draft"
	PlanFrozen     PlanStatus = "frozen"
	PlanArchived   PlanStatus = "archived"
	PlanRolledBack PlanStatus = "rolled_back"
)

// PlanStep is one ordered step of a decision plan.
type PlanStep struct {
	ID               string         `json:"step_id"`
	CapabilityID     string         `json:"capability_id"`
	Description      string         `json:"description,omitempty"`
	Params           map[string]any `json:"params,omitempty"`
	DependsOn        []string       `json:"depends_on,omitempty"`
	Parallel         bool           `json:"parallel,omitempty"`
	RequiresApproval bool           `json:"requires_approval,omitempty"`
	Reversible       bool           `json:"reversible,omitempty"`
	DeclaredEffects  []SideEffect   `json:"declared_effects,omitempty"`
}

// PlanAlternative is one considered option with its trade-off record.
type PlanAlternative struct {
	ID       string   `json:"id"`
	Summary  string   `json:"summary"`
	Cost     float64  `json:"cost"`
	TimeSecs int      `json:"time_secs"`
	Risks    []string `json:"risks,omitempty"`
	Benefits []string `json:"benefits,omitempty"`
}

// DecisionPlan is a freezable set of ordered steps plus the alternatives
// that were considered. PlanHash and FrozenAt are set together, exactly
// once, by the freeze operation.
type DecisionPlan struct {
	ID           string            `json:"plan_id"`
	TaskID       string            `json:"task_id"`
	Status       PlanStatus        `json:"status"`
	Steps        []PlanStep        `json:"steps"`
	Alternatives []PlanAlternative `json:"alternatives,omitempty"`
	PlanHash     string            `json:"plan_hash,omitempty"`
	FrozenAt     *time.Time        `json:"frozen_at,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
}

// Evaluation ranks the alternatives of a plan. Two evaluations may share a
// plan with different EvaluatedBy identities (shadow classification).
type Evaluation struct {
	ID             string    `json:"evaluation_id"`
	PlanID         string    `json:"plan_id"`
	Ranked         []string  `json:"ranked"`
	Recommendation string    `json:"recommendation"`
	Confidence     int       `json:"confidence"`
	EvaluatedBy    string    `json:"evaluated_by"`
	CreatedAt      time.Time `json:"created_at"`
}

// ConfidenceBand grades how sure a selection is.
type ConfidenceBand string

// Confidence bands. very_low and low force escalation when the selection
// backs a write-level action.
const (
	ConfidenceVeryLow  ConfidenceBand = "very_low"
	ConfidenceLow      ConfidenceBand = "low"
	ConfidenceMedium   ConfidenceBand = "medium"
	ConfidenceHigh     ConfidenceBand = "high"
	ConfidenceVeryHigh ConfidenceBand = "very_high"
)

// Demotable reports whether the band is too weak to back a write action
// without escalation.
func (c ConfidenceBand) Demotable() bool {
	return c == ConfidenceVeryLow || c == ConfidenceLow
}

// RejectedOption records why a non-winning option was passed over.
type RejectedOption struct {
	OptionID string `json:"option_id"`
	Reason   string `json:"reason"`
}

// Selection binds an evaluation to exactly one winning option.
type Selection struct {
	ID           string           `json:"selection_id"`
	EvaluationID string           `json:"evaluation_id"`
	OptionID     string           `json:"option_id"`
	Rationale    string           `json:"rationale"`
	Rejected     []RejectedOption `json:"rejected,omitempty"`
	Confidence   ConfidenceBand   `json:"confidence"`
	EvidenceID   string           `json:"evidence_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Rationale is an append-only extension of a selection's justification.
// None replaces the original.
type Rationale struct {
	ID          string    `json:"rationale_id"`
	SelectionID string    `json:"selection_id"`
	Text        string    `json:"text"`
	EvidenceIDs []string  `json:"evidence_ids,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
