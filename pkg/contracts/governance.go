package contracts

import "time"

// RuleAction is what a matched policy rule demands.
type RuleAction string

// Rule actions.
const (
	RuleAllow    RuleAction = "ALLOW"
	RuleDeny     RuleAction = "DENY"
	RuleEscalate RuleAction = "ESCALATE"
	RuleWarn     RuleAction = "WARN"
)

// ConditionKind selects how a rule condition is evaluated.
type ConditionKind string

// Condition kinds: a numeric threshold over one context field, or a
// compiled boolean expression over the whole context.
const (
	ConditionThreshold ConditionKind = "threshold"
	ConditionExpr      ConditionKind = "expr"
)

// RuleCondition is the matching half of a policy rule.
type RuleCondition struct {
	Kind  ConditionKind `json:"kind" yaml:"kind"`
	Field string        `json:"field,omitempty" yaml:"field,omitempty"`
	Op    string        `json:"op,omitempty" yaml:"op,omitempty"`
	Value float64       `json:"value,omitempty" yaml:"value,omitempty"`
	Expr  string        `json:"expr,omitempty" yaml:"expr,omitempty"`
}

// PolicyRule pairs a condition with an action. Lower priority numbers run
// first; the first match wins.
type PolicyRule struct {
	ID        string        `json:"rule_id" yaml:"id"`
	Name      string        `json:"name" yaml:"name"`
	Priority  int           `json:"priority" yaml:"priority"`
	Condition RuleCondition `json:"condition" yaml:"condition"`
	Action    RuleAction    `json:"action" yaml:"action"`
}

// Policy is a versioned rule set. Exactly one version per policy id is
// active at a time.
type Policy struct {
	ID        string       `json:"policy_id" yaml:"id"`
	Version   int          `json:"version" yaml:"version"`
	Name      string       `json:"name" yaml:"name"`
	Active    bool         `json:"active" yaml:"active"`
	Rules     []PolicyRule `json:"rules" yaml:"rules"`
	CreatedAt time.Time    `json:"created_at" yaml:"-"`
}

// PolicyEvaluation records one engine pass: the final decision plus every
// rule that triggered on the way.
type PolicyEvaluation struct {
	ID             string     `json:"evaluation_id"`
	PolicyID       string     `json:"policy_id"`
	AgentID        string     `json:"agent_id"`
	CapabilityID   string     `json:"capability_id"`
	TaskID         string     `json:"task_id,omitempty"`
	Decision       RuleAction `json:"decision"`
	TriggeredRules []string   `json:"triggered_rules"`
	Context        map[string]any `json:"context,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

// RiskLevel is the binned severity of a composite risk score.
type RiskLevel string

// Risk levels. Bin edges over the composite score: LOW < 30 ≤ MEDIUM < 70 ≤
// HIGH < 90 ≤ CRITICAL.
const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// RiskLevelFor bins a composite score in [0,100].
func RiskLevelFor(composite float64) RiskLevel {
	switch {
	case composite < 30:
		return RiskLow
	case composite < 70:
		return RiskMedium
	case composite < 90:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// RiskDimensions are the five scored inputs, each in [0,1].
type RiskDimensions struct {
	WriteRatio      float64 `json:"write_ratio"`
	ExternalCall    float64 `json:"external_call"`
	FailureRate     float64 `json:"failure_rate"`
	RevokeCount     float64 `json:"revoke_count"`
	DurationAnomaly float64 `json:"duration_anomaly"`
}

// RiskAssessment is an immutable scoring record per (capability, agent,
// instant). Score is the composite normalized to [0,1]; Composite keeps
// the 0-100 scale the bins are defined over.
type RiskAssessment struct {
	ID           string         `json:"assessment_id"`
	CapabilityID string         `json:"capability_id"`
	AgentID      string         `json:"agent_id"`
	Dimensions   RiskDimensions `json:"dimensions"`
	Composite    float64        `json:"composite"`
	Score        float64        `json:"score"`
	Level        RiskLevel      `json:"level"`
	CreatedAt    time.Time      `json:"created_at"`
}

// QuotaResource enumerates the chargeable resource types.
type QuotaResource string

// Quota resources.
const (
	QuotaTokens      QuotaResource = "tokens"
	QuotaAPICalls    QuotaResource = "api_calls"
	QuotaStorage     QuotaResource = "storage"
	QuotaCostUSD     QuotaResource = "cost_usd"
	QuotaComputeTime QuotaResource = "compute_time"
)

// Quota is one (agent, resource) budget row. Rollover happens lazily when
// now - LastReset ≥ ResetInterval.
type Quota struct {
	AgentID       string        `json:"agent_id"`
	Resource      QuotaResource `json:"resource"`
	Limit         float64       `json:"limit"`
	Used          float64       `json:"used"`
	ResetInterval time.Duration `json:"reset_interval,omitempty"`
	LastReset     time.Time     `json:"last_reset"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// Remaining returns the headroom left before the limit.
func (q *Quota) Remaining() float64 {
	r := q.Limit - q.Used
	if r < 0 {
		return 0
	}
	return r
}

// QuotaStatus summarizes the quota side of a gate result.
type QuotaStatus struct {
	Resource  QuotaResource `json:"resource,omitempty"`
	Remaining float64       `json:"remaining"`
	Exceeded  bool          `json:"exceeded"`
}

// EmergencyOverride is a single-use token minted by an admin for one
// specific blocked operation. Consumption is atomic.
type EmergencyOverride struct {
	ID            string     `json:"override_id"`
	OperationRef  string     `json:"operation_ref"`
	Justification string     `json:"justification"`
	MintedBy      string     `json:"minted_by"`
	Used          bool       `json:"used"`
	UsedAt        *time.Time `json:"used_at,omitempty"`
	ExpiresAt     time.Time  `json:"expires_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

// GateRequest is the context handed to the governance engine before any
// action executes.
type GateRequest struct {
	AgentID       string                    `json:"agent_id"`
	CapabilityID  string                    `json:"capability_id"`
	TaskID        string                    `json:"task_id,omitempty"`
	Params        map[string]any            `json:"params,omitempty"`
	EstimatedCost map[QuotaResource]float64 `json:"estimated_cost,omitempty"`
	RiskFactors   RiskDimensions            `json:"risk_factors"`
	Confidence    ConfidenceBand            `json:"confidence,omitempty"`
	OverrideID    string                    `json:"override_id,omitempty"`
}

// GateResult is the structured outcome of one governance pass. It is a
// value, not an error: DENY and ESCALATE are ordinary outcomes the caller
// branches on.
type GateResult struct {
	Decision       RuleAction   `json:"decision"`
	TriggeredRules []string     `json:"triggered_rules,omitempty"`
	RiskLevel      RiskLevel    `json:"risk_level"`
	Quota          QuotaStatus  `json:"quota"`
	Reason         string       `json:"reason,omitempty"`
	AssessmentID   string       `json:"assessment_id,omitempty"`
	EscalationID   string       `json:"escalation_id,omitempty"`
}

// Approved reports whether execution may proceed.
func (r *GateResult) Approved() bool {
	return r.Decision == RuleAllow || r.Decision == RuleWarn
}
