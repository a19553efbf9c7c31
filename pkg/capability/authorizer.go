package capability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/store"
)

// temporaryGrantTTL bounds grants minted by the temporary_grant
// escalation policy.
const temporaryGrantTTL = 15 * time.Minute

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// CallContext describes one gated call. Stack holds the domains of the
// frames leading up to the call, outermost first; the authorizer appends
// the called capability's own domain before validating.
type CallContext struct {
	TaskID     string
	SessionID  string
	Stack      []contracts.Domain
	DecisionID string
	Params     map[string]any
}

// Authorizer decides every privileged call. Each evaluation is recorded
// in capability_invocations whether it was allowed, denied or escalated.
type Authorizer struct {
	db    *store.DB
	reg   *Registry
	esc   *Escalations
	clock Clock
	log   *slog.Logger
}

// NewAuthorizer builds the authorizer over a registry. esc may be nil, in
// which case a default escalation store is created.
func NewAuthorizer(db *store.DB, reg *Registry, esc *Escalations, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	if esc == nil {
		esc = NewEscalations(db, reg, logger)
	}
	return &Authorizer{
		db:    db,
		reg:   reg,
		esc:   esc,
		clock: wallClock{},
		log:   logger.With("component", "authorizer"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (a *Authorizer) WithClock(c Clock) *Authorizer {
	a.clock = c
	return a
}

// evaluation carries everything one Authorize call must persist
// atomically alongside its invocation record.
type evaluation struct {
	res       *contracts.AuthzResult
	path      *contracts.CallPathRecord
	escal     *contracts.EscalationRequest
	tempGrant *contracts.Grant
}

// Authorize runs the capability decision for (agent, capability, call).
// Denials and escalations are results, not errors; the returned error is
// reserved for storage failures.
func (a *Authorizer) Authorize(ctx context.Context, agentID, capabilityID string, call CallContext) (*contracts.AuthzResult, error) {
	now := a.clock.Now()

	def, err := a.reg.Resolve(ctx, capabilityID)
	if errors.Is(err, store.ErrNotFound) {
		return a.finish(ctx, agentID, capabilityID, call, now, &evaluation{
			res: denied(fmt.Sprintf("capability %s is not registered", capabilityID), true),
		})
	}
	if err != nil {
		return nil, err
	}

	profile, err := a.reg.Profile(ctx, agentID)
	if errors.Is(err, store.ErrNotFound) {
		return a.finish(ctx, agentID, capabilityID, call, now, &evaluation{
			res: denied(fmt.Sprintf("agent %s has no profile", agentID), true),
		})
	}
	if err != nil {
		return nil, err
	}

	// Forbidden wins over everything, including escalation policy.
	if matchAny(profile.ForbiddenCapabilities, capabilityID) {
		return a.finish(ctx, agentID, capabilityID, call, now, &evaluation{
			res: denied(fmt.Sprintf("capability %s is forbidden for agent %s", capabilityID, agentID), true),
		})
	}

	grant, err := a.reg.ActiveGrant(ctx, agentID, capabilityID, call.TaskID, now)
	if err != nil {
		return nil, err
	}
	grantOK := grant != nil && grant.Level.Rank() >= def.Level.Rank()

	var gap string
	switch {
	case len(profile.AllowedCapabilities) > 0 && !matchAny(profile.AllowedCapabilities, capabilityID) && !grantOK:
		gap = fmt.Sprintf("capability %s is outside the allowed set for agent %s", capabilityID, agentID)
	case !def.Level.AtMost(contracts.TierCeiling(profile.Tier)) && !grantOK:
		gap = fmt.Sprintf("capability %s requires level %s; tier %d permits %s and no sufficient grant is active",
			capabilityID, def.Level, profile.Tier, contracts.TierCeiling(profile.Tier))
	}

	pathRec, pathReason, err := a.validatePath(ctx, agentID, def.Domain, call, now)
	if err != nil {
		return nil, err
	}
	if pathReason != "" {
		res := denied(pathReason, false)
		return a.finish(ctx, agentID, capabilityID, call, now, &evaluation{res: res, path: pathRec})
	}

	if gap == "" {
		res := &contracts.AuthzResult{Outcome: contracts.AuthzAllowed, PathValid: true}
		if grantOK {
			res.GrantID = grant.ID
		}
		return a.finish(ctx, agentID, capabilityID, call, now, &evaluation{res: res, path: pathRec})
	}

	ev := &evaluation{path: pathRec}
	switch profile.EscalationPolicy {
	case contracts.EscalateRequestApproval:
		ev.escal = &contracts.EscalationRequest{
			AgentID:      agentID,
			CapabilityID: capabilityID,
			TaskID:       call.TaskID,
			Requested:    def.Level,
			Reason:       gap,
		}
		ev.res = &contracts.AuthzResult{Outcome: contracts.AuthzEscalated, Rationale: gap, PathValid: true}
	case contracts.EscalateTemporaryGrant:
		expires := now.Add(temporaryGrantTTL)
		ev.tempGrant = &contracts.Grant{
			AgentID:      agentID,
			CapabilityID: capabilityID,
			Level:        def.Level,
			Scope:        call.TaskID,
			GrantedBy:    "policy:temporary_grant",
			ExpiresAt:    &expires,
			CreatedAt:    now,
		}
		ev.res = &contracts.AuthzResult{
			Outcome:   contracts.AuthzAllowed,
			Rationale: "temporary grant minted under temporary_grant policy",
			PathValid: true,
		}
	case contracts.EscalateLogOnly:
		ev.res = &contracts.AuthzResult{
			Outcome:   contracts.AuthzAllowed,
			Rationale: "privilege gap permitted under log_only policy",
			PathValid: true,
		}
	default:
		ev.res = denied(gap, true)
	}
	return a.finish(ctx, agentID, capabilityID, call, now, ev)
}

func denied(rationale string, pathValid bool) *contracts.AuthzResult {
	return &contracts.AuthzResult{Outcome: contracts.AuthzDenied, Rationale: rationale, PathValid: pathValid}
}

// validatePath applies the call-chain rules. A non-empty reason means the
// call must be rejected. Action-domain calls and violating calls produce
// a CallPathRecord; other calls produce none.
func (a *Authorizer) validatePath(ctx context.Context, agentID string, domain contracts.Domain, call CallContext, now time.Time) (*contracts.CallPathRecord, string, error) {
	full := make([]contracts.Domain, 0, len(call.Stack)+1)
	full = append(full, call.Stack...)
	full = append(full, domain)

	var reason string
	switch {
	case directDecisionAction(full):
		reason = "decision must not invoke action directly"
	case domain != contracts.DomainAction:
	case call.DecisionID == "":
		reason = "action invoked without a backing decision"
	case !chainSatisfied(full):
		reason = "action call path lacks the decision, governance, action chain"
	default:
		frozen, err := a.planFrozen(ctx, call.DecisionID)
		if err != nil {
			return nil, "", err
		}
		if !frozen {
			reason = fmt.Sprintf("decision %s is not frozen", call.DecisionID)
		}
	}

	if domain != contracts.DomainAction && reason == "" {
		return nil, "", nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return nil, "", fmt.Errorf("capability: call path id: %w", err)
	}
	sessionID := call.SessionID
	if sessionID == "" {
		sessionID = call.TaskID
	}
	if sessionID == "" {
		sessionID = agentID
	}
	rec := &contracts.CallPathRecord{
		ID:        id.String(),
		SessionID: sessionID,
		AgentID:   agentID,
		Stack:     full,
		PathValid: reason == "",
		Reason:    reason,
		CreatedAt: now,
	}
	return rec, reason, nil
}

// planFrozen reports whether the referenced decision plan is frozen.
func (a *Authorizer) planFrozen(ctx context.Context, planID string) (bool, error) {
	var status string
	err := a.db.Read().QueryRowContext(ctx,
		`SELECT status FROM decision_plans WHERE plan_id = ?`, planID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("capability: plan status: %w", err)
	}
	return status == "frozen", nil
}

// finish persists the invocation record plus whatever the evaluation
// produced (call path, escalation request, temporary grant) in one
// transaction, then returns the result.
func (a *Authorizer) finish(ctx context.Context, agentID, capabilityID string, call CallContext, now time.Time, ev *evaluation) (*contracts.AuthzResult, error) {
	invID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("capability: invocation id: %w", err)
	}
	ctxJSON, err := store.JSONText(invocationContext(call))
	if err != nil {
		return nil, err
	}

	err = a.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO capability_invocations (invocation_id, agent_id, capability_id, task_id, outcome, rationale, context_json, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			invID.String(), agentID, capabilityID, store.NullStr(call.TaskID),
			string(ev.res.Outcome), store.NullStr(ev.res.Rationale), ctxJSON, store.TimeText(now))
		if err != nil {
			return fmt.Errorf("capability: record invocation: %w", err)
		}
		if ev.path != nil {
			if err := insertCallPath(ctx, tx, ev.path); err != nil {
				return err
			}
		}
		if ev.escal != nil {
			id, err := a.esc.reuseOrOpenTx(ctx, tx, ev.escal, now)
			if err != nil {
				return err
			}
			ev.res.EscalationID = id
		}
		if ev.tempGrant != nil {
			if err := a.reg.GrantTx(ctx, tx, ev.tempGrant); err != nil {
				return err
			}
			ev.res.GrantID = ev.tempGrant.ID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if ev.tempGrant != nil {
		a.reg.InvalidateAgent(agentID)
		a.log.Warn("temporary grant minted",
			"agent_id", agentID, "capability_id", capabilityID,
			"grant_id", ev.tempGrant.ID, "expires_at", ev.tempGrant.ExpiresAt)
	}
	switch ev.res.Outcome {
	case contracts.AuthzEscalated:
		a.log.Info("authorization escalated",
			"agent_id", agentID, "capability_id", capabilityID,
			"escalation_id", ev.res.EscalationID)
	case contracts.AuthzAllowed:
		if ev.res.Rationale != "" && ev.tempGrant == nil {
			a.log.Warn("privilege gap allowed",
				"agent_id", agentID, "capability_id", capabilityID,
				"rationale", ev.res.Rationale)
		}
	case contracts.AuthzDenied:
		a.log.Info("authorization denied",
			"agent_id", agentID, "capability_id", capabilityID,
			"rationale", ev.res.Rationale)
	}
	return ev.res, nil
}

func insertCallPath(ctx context.Context, tx *sql.Tx, rec *contracts.CallPathRecord) error {
	stack, err := store.JSONText(rec.Stack)
	if err != nil {
		return err
	}
	valid := 0
	if rec.PathValid {
		valid = 1
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO capability_call_paths (call_path_id, session_id, agent_id, stack_json, path_valid, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.SessionID, rec.AgentID, stack, valid,
		store.NullStr(rec.Reason), store.TimeText(rec.CreatedAt))
	if err != nil {
		return fmt.Errorf("capability: record call path: %w", err)
	}
	return nil
}

func invocationContext(call CallContext) map[string]any {
	m := map[string]any{}
	if call.SessionID != "" {
		m["session_id"] = call.SessionID
	}
	if len(call.Stack) > 0 {
		m["call_stack"] = call.Stack
	}
	if call.DecisionID != "" {
		m["decision_id"] = call.DecisionID
	}
	if len(call.Params) > 0 {
		m["params"] = call.Params
	}
	if len(m) == 0 {
		return nil
	}
	return m
}

// matchAny reports whether the capability matches any profile pattern.
// Patterns are path globs; a literal match always counts.
func matchAny(patterns []string, capabilityID string) bool {
	for _, p := range patterns {
		if p == capabilityID {
			return true
		}
		if ok, err := path.Match(p, capabilityID); err == nil && ok {
			return true
		}
	}
	return false
}

// directDecisionAction detects the forbidden adjacent transition.
func directDecisionAction(stack []contracts.Domain) bool {
	for i := 0; i+1 < len(stack); i++ {
		if stack[i] == contracts.DomainDecision && stack[i+1] == contracts.DomainAction {
			return true
		}
	}
	return false
}

// chainSatisfied reports whether the stack contains decision, governance
// and action in order.
func chainSatisfied(stack []contracts.Domain) bool {
	want := [...]contracts.Domain{contracts.DomainDecision, contracts.DomainGovernance, contracts.DomainAction}
	i := 0
	for _, d := range stack {
		if d == want[i] {
			i++
			if i == len(want) {
				return true
			}
		}
	}
	return false
}
