package contracts

import "time"

// TrustState is the trajectory state of one (extension, action) pair.
type TrustState string

// Trust states. Transitions are restricted to the cycle
// EARNING → STABLE → DEGRADING → EARNING.
const (
	TrustEarning   TrustState = "EARNING"
	TrustStable    TrustState = "STABLE"
	TrustDegrading TrustState = "DEGRADING"
)

// LegalTrustTransition reports whether old → next is on the permitted
// cycle. Recovery never returns directly to STABLE.
func LegalTrustTransition(old, next TrustState) bool {
	switch {
	case old == TrustEarning && next == TrustStable:
		return true
	case old == TrustStable && next == TrustDegrading:
		return true
	case old == TrustDegrading && next == TrustEarning:
		return true
	}
	return false
}

// TrustRecord is the current trajectory of one (extension, action) pair.
// Tier reuses the risk bins; new pairs never seed above MEDIUM.
type TrustRecord struct {
	ExtensionID          string     `json:"extension_id"`
	ActionID             string     `json:"action_id"`
	State                TrustState `json:"state"`
	Tier                 RiskLevel  `json:"tier"`
	Score                float64    `json:"score"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	PolicyRejections     int        `json:"policy_rejections"`
	UpdatedAt            time.Time  `json:"updated_at"`
	CreatedAt            time.Time  `json:"created_at"`
}

// TrustTransition is one append-only state change with its full context.
type TrustTransition struct {
	ID            string         `json:"transition_id"`
	ExtensionID   string         `json:"extension_id"`
	ActionID      string         `json:"action_id"`
	OldState      TrustState     `json:"old_state"`
	NewState      TrustState     `json:"new_state"`
	TriggerEvent  string         `json:"trigger_event"`
	Explain       string         `json:"explain"`
	RiskContext   map[string]any `json:"risk_context,omitempty"`
	PolicyContext map[string]any `json:"policy_context,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// TrustSignal feeds one execution outcome into the trajectory. TaskID,
// when set, links the resulting transition event to the task that
// produced the signal.
type TrustSignal struct {
	ExtensionID      string    `json:"extension_id"`
	ActionID         string    `json:"action_id"`
	TaskID           string    `json:"task_id,omitempty"`
	Success          bool      `json:"success"`
	HighRiskFailure  bool      `json:"high_risk_failure,omitempty"`
	PolicyRejection  bool      `json:"policy_rejection,omitempty"`
	UnexpectedEffect bool      `json:"unexpected_effect,omitempty"`
	ObservedAt       time.Time `json:"observed_at"`
}

// InheritanceInput carries the marketplace signals used to seed trust for
// an imported capability. All three components are in [0,100].
type InheritanceInput struct {
	ExtensionID        string  `json:"extension_id"`
	ActionID           string  `json:"action_id"`
	PublisherTrust     float64 `json:"publisher_trust"`
	CategorySimilarity float64 `json:"category_similarity"`
	SandboxSafety      float64 `json:"sandbox_safety"`
}
