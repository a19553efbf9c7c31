package contracts

import "time"

// Domain is one of the five capability domains.
type Domain string

// Capability domains.
const (
	DomainState      Domain = "state"
	DomainDecision   Domain = "decision"
	DomainAction     Domain = "action"
	DomainGovernance Domain = "governance"
	DomainEvidence   Domain = "evidence"
)

// ValidDomain reports whether d names a known domain.
func ValidDomain(d Domain) bool {
	switch d {
	case DomainState, DomainDecision, DomainAction, DomainGovernance, DomainEvidence:
		return true
	}
	return false
}

// Level is a capability privilege level. Ordering: none < read < propose <
// write < admin.
type Level string

// Capability levels.
const (
	LevelNone    Level = "none"
	LevelRead    Level = "read"
	LevelPropose Level = "propose"
	LevelWrite   Level = "write"
	LevelAdmin   Level = "admin"
)

var levelRank = map[Level]int{
	LevelNone:    0,
	LevelRead:    1,
	LevelPropose: 2,
	LevelWrite:   3,
	LevelAdmin:   4,
}

// Rank returns the ordinal position of the level, -1 for unknown levels.
func (l Level) Rank() int {
	r, ok := levelRank[l]
	if !ok {
		return -1
	}
	return r
}

// AtMost reports whether l is within the ceiling c.
func (l Level) AtMost(c Level) bool {
	return l.Rank() >= 0 && c.Rank() >= 0 && l.Rank() <= c.Rank()
}

// TierCeiling maps an agent tier to the maximum level it may exercise.
// admin is never granted by tier alone.
func TierCeiling(tier int) Level {
	switch tier {
	case 0:
		return LevelNone
	case 1:
		return LevelRead
	case 2:
		return LevelPropose
	case 3:
		return LevelWrite
	default:
		return LevelNone
	}
}

// CapabilityDefinition registers one atomic permission. Immutable once
// registered; new behavior ships as a new version.
type CapabilityDefinition struct {
	ID          string       `json:"capability_id"`
	Domain      Domain       `json:"domain"`
	Level       Level        `json:"level"`
	Version     string       `json:"version"`
	Description string       `json:"description,omitempty"`
	SideEffects []SideEffect `json:"side_effects,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Grant binds an agent to a capability, optionally scoped and time-bound.
type Grant struct {
	ID           string     `json:"grant_id"`
	AgentID      string     `json:"agent_id"`
	CapabilityID string     `json:"capability_id"`
	Level        Level      `json:"level"`
	Scope        string     `json:"scope,omitempty"`
	GrantedBy    string     `json:"granted_by"`
	CreatedAt    time.Time  `json:"created_at"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
	RevokedBy    string     `json:"revoked_by,omitempty"`
}

// Active reports whether the grant is usable at the given instant.
func (g *Grant) Active(now time.Time) bool {
	if g.RevokedAt != nil {
		return false
	}
	if g.ExpiresAt != nil && !g.ExpiresAt.After(now) {
		return false
	}
	return true
}

// EscalationPolicy controls what the authorizer does on insufficient
// privilege.
type EscalationPolicy string

// Escalation policies.
const (
	EscalateDeny            EscalationPolicy = "deny"
	EscalateRequestApproval EscalationPolicy = "request_approval"
	EscalateTemporaryGrant  EscalationPolicy = "temporary_grant"
	EscalateLogOnly         EscalationPolicy = "log_only"
)

// AgentProfile carries the per-agent authorization posture.
type AgentProfile struct {
	AgentID               string           `json:"agent_id"`
	Tier                  int              `json:"tier"`
	AllowedCapabilities   []string         `json:"allowed_capabilities,omitempty"`
	ForbiddenCapabilities []string         `json:"forbidden_capabilities,omitempty"`
	EscalationPolicy      EscalationPolicy `json:"escalation_policy"`
	CreatedAt             time.Time        `json:"created_at"`
	UpdatedAt             time.Time        `json:"updated_at"`
}

// AuthzOutcome is the tri-state result of a capability authorization.
type AuthzOutcome string

// Authorization outcomes.
const (
	AuthzAllowed   AuthzOutcome = "allowed"
	AuthzDenied    AuthzOutcome = "denied"
	AuthzEscalated AuthzOutcome = "escalated"
)

// AuthzResult is returned by the authorizer for every gated call.
type AuthzResult struct {
	Outcome      AuthzOutcome `json:"outcome"`
	Rationale    string       `json:"rationale"`
	GrantID      string       `json:"grant_id,omitempty"`
	EscalationID string       `json:"escalation_id,omitempty"`
	PathValid    bool         `json:"path_valid"`
}

// Invocation is the audit record written for every authorization
// evaluation, allowed or not.
type Invocation struct {
	ID           string       `json:"invocation_id"`
	AgentID      string       `json:"agent_id"`
	CapabilityID string       `json:"capability_id"`
	TaskID       string       `json:"task_id,omitempty"`
	Outcome      AuthzOutcome `json:"outcome"`
	Rationale    string       `json:"rationale,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
}

// CallPathRecord captures one validated (or rejected) call chain.
type CallPathRecord struct {
	ID        string    `json:"call_path_id"`
	SessionID string    `json:"session_id"`
	AgentID   string    `json:"agent_id"`
	Stack     []Domain  `json:"stack"`
	PathValid bool      `json:"path_valid"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EscalationStatus is the review state of an escalation request.
type EscalationStatus string

// Escalation request states.
const (
	EscalationPending  EscalationStatus = "pending"
	EscalationApproved EscalationStatus = "approved"
	EscalationRejected EscalationStatus = "rejected"
	EscalationExpired  EscalationStatus = "expired"
)

// EscalationRequest is a pending privilege review created by the
// authorizer when policy permits escalation instead of denial.
type EscalationRequest struct {
	ID           string           `json:"escalation_id"`
	AgentID      string           `json:"agent_id"`
	CapabilityID string           `json:"capability_id"`
	TaskID       string           `json:"task_id,omitempty"`
	Requested    Level            `json:"requested_level"`
	Reason       string           `json:"reason"`
	Status       EscalationStatus `json:"status"`
	DecidedBy    string           `json:"decided_by,omitempty"`
	DecidedAt    *time.Time       `json:"decided_at,omitempty"`
	ExpiresAt    time.Time        `json:"expires_at"`
	CreatedAt    time.Time        `json:"created_at"`
}
