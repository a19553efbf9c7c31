// Package governance gates privileged actions behind policy rules, risk
// scoring, quota budgets, and single-use emergency overrides.
//
// One gate pass is one transaction: the risk assessment, the policy
// evaluation record, any quota charge, and any override consumption commit
// together. Outcomes are values (GateResult), not errors; DENY and ESCALATE
// are ordinary results the caller branches on.
package governance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/eventlog"
	"github.com/mandatehq/mandate/pkg/store"
)

// systemPolicyID labels gate decisions made by the engine itself rather
// than by a stored rule: default-allow, quota denials, override outcomes,
// and confidence demotions.
const systemPolicyID = "system"

// revokeSaturation is the revocation count at which the revoke_count risk
// dimension reaches 1.0.
const revokeSaturation = 10.0

// Dimension weights. They sum to 1 so the composite lands in [0,100].
const (
	weightWriteRatio      = 0.25
	weightExternalCall    = 0.20
	weightFailureRate     = 0.25
	weightRevokeCount     = 0.15
	weightDurationAnomaly = 0.15
)

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// CapabilitySource supplies definition lookups and revocation history.
// *capability.Registry satisfies it.
type CapabilitySource interface {
	Resolve(ctx context.Context, capabilityID string) (*contracts.CapabilityDefinition, error)
	RevokeCount(ctx context.Context, agentID string) (int, error)
}

// EscalationOpener files a pending review when a gate escalates.
// *capability.Escalations satisfies it.
type EscalationOpener interface {
	Open(ctx context.Context, req *contracts.EscalationRequest) error
}

// Engine evaluates policies, scores risk, and enforces quotas and
// overrides for every action request.
type Engine struct {
	db     *store.DB
	caps   CapabilitySource
	esc    EscalationOpener
	events *eventlog.Log
	exprs  *exprCache
	clock  Clock
	log    *slog.Logger
}

// NewEngine builds the governance engine. esc and events may be nil when
// the caller does not route escalations or task events.
func NewEngine(db *store.DB, caps CapabilitySource, esc EscalationOpener, events *eventlog.Log, logger *slog.Logger) (*Engine, error) {
	exprs, err := newExprCache()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		db:     db,
		caps:   caps,
		esc:    esc,
		events: events,
		exprs:  exprs,
		clock:  wallClock{},
		log:    logger.With("component", "governance"),
	}, nil
}

// WithClock overrides the time source for tests.
func (e *Engine) WithClock(c Clock) *Engine {
	e.clock = c
	return e
}

// SavePolicy stores one version of a policy, inactive. Versions are
// immutable once written; changing rules means saving a higher version.
// Conditions are compiled here so a broken expression is rejected at load
// time, not at gate time.
func (e *Engine) SavePolicy(ctx context.Context, p *contracts.Policy) error {
	if p.ID == "" || p.Name == "" {
		return fmt.Errorf("governance: policy id and name are required")
	}
	if p.Version <= 0 {
		return fmt.Errorf("governance: policy %s version must be positive", p.ID)
	}
	if len(p.Rules) == 0 {
		return fmt.Errorf("governance: policy %s has no rules", p.ID)
	}
	for i := range p.Rules {
		if err := e.validateRule(&p.Rules[i]); err != nil {
			return fmt.Errorf("governance: policy %s rule %d: %w", p.ID, i, err)
		}
	}
	rulesJSON, err := store.JSONText(p.Rules)
	if err != nil {
		return fmt.Errorf("governance: encode rules: %w", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = e.clock.Now()
	}
	return e.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO policies (policy_id, version, name, active, rules_json, created_at)
			VALUES (?, ?, ?, 0, ?, ?)`,
			p.ID, p.Version, p.Name, rulesJSON, store.TimeText(p.CreatedAt))
		if err != nil {
			return fmt.Errorf("governance: save policy %s v%d: %w", p.ID, p.Version, err)
		}
		return nil
	})
}

// Activate makes one stored version the live one for its policy id,
// retiring whichever version was active before.
func (e *Engine) Activate(ctx context.Context, policyID string, version int) error {
	err := e.db.Write(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE policies SET active = 0 WHERE policy_id = ? AND active = 1`, policyID); err != nil {
			return fmt.Errorf("governance: retire active %s: %w", policyID, err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE policies SET active = 1 WHERE policy_id = ? AND version = ?`, policyID, version)
		if err != nil {
			return fmt.Errorf("governance: activate %s v%d: %w", policyID, version, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("governance: policy %s v%d: %w", policyID, version, store.ErrNotFound)
		}
		return nil
	})
	if err == nil {
		e.log.Info("policy activated", "policy_id", policyID, "version", version)
	}
	return err
}

// Policy returns one stored version.
func (e *Engine) Policy(ctx context.Context, policyID string, version int) (*contracts.Policy, error) {
	row := e.db.Read().QueryRowContext(ctx, `
		SELECT policy_id, version, name, active, rules_json, created_at
		FROM policies WHERE policy_id = ? AND version = ?`, policyID, version)
	p, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("governance: policy %s v%d: %w", policyID, version, store.ErrNotFound)
	}
	return p, err
}

// ActivePolicies returns the live version of every policy, ordered by id.
func (e *Engine) ActivePolicies(ctx context.Context) ([]*contracts.Policy, error) {
	rows, err := e.db.Read().QueryContext(ctx, `
		SELECT policy_id, version, name, active, rules_json, created_at
		FROM policies WHERE active = 1 ORDER BY policy_id`)
	if err != nil {
		return nil, fmt.Errorf("governance: list active policies: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Gate runs one governance pass for an action request. The returned result
// carries the decision; a non-nil error means the engine itself failed, not
// that the action was refused.
func (e *Engine) Gate(ctx context.Context, req *contracts.GateRequest) (*contracts.GateResult, error) {
	if req.AgentID == "" || req.CapabilityID == "" {
		return nil, fmt.Errorf("governance: gate requires agent and capability ids")
	}
	now := e.clock.Now()

	def, err := e.caps.Resolve(ctx, req.CapabilityID)
	if errors.Is(err, store.ErrNotFound) {
		return e.record(ctx, req, &verdict{
			decision: contracts.RuleDeny,
			policyID: systemPolicyID,
			reason:   fmt.Sprintf("capability %s is not registered", req.CapabilityID),
		}, nil, now)
	}
	if err != nil {
		return nil, err
	}

	dims, composite := e.score(ctx, req)
	level := contracts.RiskLevelFor(composite)

	v, err := e.applyRules(ctx, req, def, dims, composite, level)
	if err != nil {
		return nil, err
	}

	// A demotable selection confidence forces review before anything that
	// writes, unless a rule already refused outright.
	if v.decision == contracts.RuleAllow || v.decision == contracts.RuleWarn {
		if req.Confidence.Demotable() && def.Level.Rank() >= contracts.LevelWrite.Rank() {
			v = &verdict{
				decision:  contracts.RuleEscalate,
				policyID:  systemPolicyID,
				triggered: v.triggered,
				reason:    fmt.Sprintf("confidence %s is too weak to justify a %s action", req.Confidence, def.Level),
			}
		}
	}

	assessment := &contracts.RiskAssessment{
		CapabilityID: req.CapabilityID,
		AgentID:      req.AgentID,
		Dimensions:   dims,
		Composite:    composite,
		Score:        composite / 100,
		Level:        level,
		CreatedAt:    now,
	}

	res, err := e.record(ctx, req, v, assessment, now)
	if err != nil {
		return nil, err
	}

	if res.Decision == contracts.RuleEscalate && e.esc != nil {
		esc := &contracts.EscalationRequest{
			AgentID:      req.AgentID,
			CapabilityID: req.CapabilityID,
			TaskID:       req.TaskID,
			Requested:    def.Level,
			Reason:       res.Reason,
		}
		if err := e.esc.Open(ctx, esc); err != nil {
			return res, fmt.Errorf("governance: open escalation: %w", err)
		}
		res.EscalationID = esc.ID
	}
	return res, nil
}

// verdict is the rule-layer outcome before quota and override are applied.
type verdict struct {
	decision  contracts.RuleAction
	policyID  string
	triggered []string
	reason    string
}

// applyRules evaluates every rule of every active policy so that all
// triggered rules are recorded, then selects the decision from the
// triggered rule with the lowest priority number. A condition that fails
// to evaluate closes the gate.
func (e *Engine) applyRules(ctx context.Context, req *contracts.GateRequest, def *contracts.CapabilityDefinition, dims contracts.RiskDimensions, composite float64, level contracts.RiskLevel) (*verdict, error) {
	policies, err := e.ActivePolicies(ctx)
	if err != nil {
		return nil, err
	}

	thresholds := thresholdContext(req, dims, composite)
	celInput := celContext(req, def, dims, composite, level)

	type hit struct {
		policyID string
		rule     *contracts.PolicyRule
		order    int
	}
	var hits []hit
	order := 0
	for _, p := range policies {
		rules := make([]contracts.PolicyRule, len(p.Rules))
		copy(rules, p.Rules)
		sort.SliceStable(rules, func(i, j int) bool { return rules[i].Priority < rules[j].Priority })
		for i := range rules {
			r := &rules[i]
			matched, err := e.matchRule(r, thresholds, celInput)
			if err != nil {
				e.log.Error("rule evaluation failed", "policy_id", p.ID, "rule_id", r.ID, "error", err)
				return &verdict{
					decision:  contracts.RuleDeny,
					policyID:  p.ID,
					triggered: []string{p.ID + "/" + r.ID},
					reason:    fmt.Sprintf("rule %s failed to evaluate: %v", r.ID, err),
				}, nil
			}
			if matched {
				hits = append(hits, hit{policyID: p.ID, rule: r, order: order})
			}
			order++
		}
	}

	if len(hits) == 0 {
		return &verdict{decision: contracts.RuleAllow, policyID: systemPolicyID, reason: "no rule matched"}, nil
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].rule.Priority != hits[j].rule.Priority {
			return hits[i].rule.Priority < hits[j].rule.Priority
		}
		return hits[i].order < hits[j].order
	})
	triggered := make([]string, len(hits))
	for i, h := range hits {
		triggered[i] = h.policyID + "/" + h.rule.ID
	}
	winner := hits[0]
	return &verdict{
		decision:  winner.rule.Action,
		policyID:  winner.policyID,
		triggered: triggered,
		reason:    fmt.Sprintf("rule %s (%s) matched", winner.rule.ID, winner.rule.Name),
	}, nil
}

// record commits the gate pass: assessment and timeline rows, override
// consumption or quota check and charge, the policy evaluation row, and a
// policy_denied event when a task stream exists. assessment may be nil
// when the capability was unknown.
func (e *Engine) record(ctx context.Context, req *contracts.GateRequest, v *verdict, assessment *contracts.RiskAssessment, now time.Time) (*contracts.GateResult, error) {
	res := &contracts.GateResult{
		Decision:       v.decision,
		TriggeredRules: v.triggered,
		Reason:         v.reason,
	}
	if assessment != nil {
		res.RiskLevel = assessment.Level
	}

	err := e.db.Write(ctx, func(tx *sql.Tx) error {
		if assessment != nil {
			if err := insertAssessmentTx(ctx, tx, assessment); err != nil {
				return err
			}
			res.AssessmentID = assessment.ID
		}

		policyID := v.policyID
		if req.OverrideID != "" {
			consumed, err := consumeOverrideTx(ctx, tx, req.OverrideID, now)
			if err != nil {
				return err
			}
			policyID = systemPolicyID
			if consumed {
				res.Decision = contracts.RuleAllow
				res.Reason = fmt.Sprintf("emergency override %s consumed", req.OverrideID)
			} else {
				res.Decision = contracts.RuleDeny
				res.Reason = fmt.Sprintf("emergency override %s is spent, expired, or unknown", req.OverrideID)
			}
		} else {
			status, err := e.checkQuotasTx(ctx, tx, req, now)
			if err != nil {
				return err
			}
			res.Quota = status
			if status.Exceeded {
				policyID = systemPolicyID
				res.Decision = contracts.RuleDeny
				res.Reason = "quota_exceeded"
			} else if res.Approved() {
				if err := e.chargeQuotasTx(ctx, tx, req, now); err != nil {
					return err
				}
			}
		}

		if err := e.insertEvaluationTx(ctx, tx, req, policyID, res, now); err != nil {
			return err
		}

		if res.Decision == contracts.RuleDeny && req.TaskID != "" && e.events != nil {
			return e.events.AppendTx(ctx, tx, &contracts.Event{
				TaskID: req.TaskID,
				Type:   contracts.EventPolicyDenied,
				Phase:  contracts.PhaseExecuting,
				Payload: map[string]any{
					"capability_id":   req.CapabilityID,
					"agent_id":        req.AgentID,
					"reason":          res.Reason,
					"triggered_rules": res.TriggeredRules,
				},
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res.Decision == contracts.RuleDeny && req.TaskID != "" && e.events != nil {
		e.events.Wake(req.TaskID)
	}
	switch res.Decision {
	case contracts.RuleDeny:
		e.log.Info("gate denied", "agent_id", req.AgentID, "capability_id", req.CapabilityID, "reason", res.Reason)
	case contracts.RuleEscalate:
		e.log.Info("gate escalated", "agent_id", req.AgentID, "capability_id", req.CapabilityID, "reason", res.Reason)
	case contracts.RuleWarn:
		e.log.Warn("gate warned", "agent_id", req.AgentID, "capability_id", req.CapabilityID, "rules", res.TriggeredRules)
	}
	return res, nil
}

func (e *Engine) insertEvaluationTx(ctx context.Context, tx *sql.Tx, req *contracts.GateRequest, policyID string, res *contracts.GateResult, now time.Time) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("governance: evaluation id: %w", err)
	}
	triggered := res.TriggeredRules
	if triggered == nil {
		triggered = []string{}
	}
	triggeredJSON, err := store.JSONText(triggered)
	if err != nil {
		return fmt.Errorf("governance: encode triggered rules: %w", err)
	}
	evalCtx := map[string]any{
		"risk_level": string(res.RiskLevel),
		"reason":     res.Reason,
	}
	if len(req.Params) > 0 {
		evalCtx["params"] = req.Params
	}
	if len(req.EstimatedCost) > 0 {
		evalCtx["cost"] = req.EstimatedCost
	}
	if req.Confidence != "" {
		evalCtx["confidence"] = string(req.Confidence)
	}
	ctxJSON, err := store.JSONText(evalCtx)
	if err != nil {
		return fmt.Errorf("governance: encode evaluation context: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO policy_evaluations (evaluation_id, policy_id, agent_id, capability_id, task_id, decision, triggered_json, context_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id.String(), policyID, req.AgentID, req.CapabilityID, store.NullStr(req.TaskID),
		string(res.Decision), triggeredJSON, ctxJSON, store.TimeText(now))
	if err != nil {
		return fmt.Errorf("governance: record evaluation: %w", err)
	}
	return nil
}

// Evaluations returns a task's gate history, newest first.
func (e *Engine) Evaluations(ctx context.Context, taskID string, limit int) ([]*contracts.PolicyEvaluation, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := e.db.Read().QueryContext(ctx, `
		SELECT evaluation_id, policy_id, agent_id, capability_id, task_id, decision, triggered_json, context_json, created_at
		FROM policy_evaluations WHERE task_id = ?
		ORDER BY created_at DESC, evaluation_id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("governance: list evaluations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.PolicyEvaluation
	for rows.Next() {
		ev := &contracts.PolicyEvaluation{}
		var taskID, triggeredJSON, ctxJSON sql.NullString
		var created string
		if err := rows.Scan(&ev.ID, &ev.PolicyID, &ev.AgentID, &ev.CapabilityID, &taskID,
			&ev.Decision, &triggeredJSON, &ctxJSON, &created); err != nil {
			return nil, fmt.Errorf("governance: scan evaluation: %w", err)
		}
		ev.TaskID = taskID.String
		if err := store.ScanJSON(triggeredJSON, &ev.TriggeredRules); err != nil {
			return nil, err
		}
		if err := store.ScanJSON(ctxJSON, &ev.Context); err != nil {
			return nil, err
		}
		if ev.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (e *Engine) validateRule(r *contracts.PolicyRule) error {
	if r.ID == "" {
		return errors.New("rule id is required")
	}
	switch r.Action {
	case contracts.RuleAllow, contracts.RuleDeny, contracts.RuleEscalate, contracts.RuleWarn:
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
	switch r.Condition.Kind {
	case contracts.ConditionThreshold:
		if r.Condition.Field == "" {
			return errors.New("threshold condition needs a field")
		}
		if !validOp(r.Condition.Op) {
			return fmt.Errorf("unknown threshold op %q", r.Condition.Op)
		}
	case contracts.ConditionExpr:
		if r.Condition.Expr == "" {
			return errors.New("expr condition needs an expression")
		}
		if _, err := e.exprs.compile(r.Condition.Expr); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown condition kind %q", r.Condition.Kind)
	}
	return nil
}

func (e *Engine) matchRule(r *contracts.PolicyRule, thresholds map[string]float64, celInput map[string]any) (bool, error) {
	switch r.Condition.Kind {
	case contracts.ConditionThreshold:
		have, ok := thresholds[r.Condition.Field]
		if !ok {
			// A threshold over an absent field has nothing to compare.
			return false, nil
		}
		return compare(r.Condition.Op, have, r.Condition.Value), nil
	case contracts.ConditionExpr:
		return e.exprs.eval(r.Condition.Expr, celInput)
	default:
		return false, fmt.Errorf("unknown condition kind %q", r.Condition.Kind)
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (*contracts.Policy, error) {
	p := &contracts.Policy{}
	var active int
	var rulesJSON sql.NullString
	var created string
	if err := row.Scan(&p.ID, &p.Version, &p.Name, &active, &rulesJSON, &created); err != nil {
		return nil, err
	}
	p.Active = active == 1
	if err := store.ScanJSON(rulesJSON, &p.Rules); err != nil {
		return nil, fmt.Errorf("governance: decode rules: %w", err)
	}
	var err error
	if p.CreatedAt, err = store.ParseTime(created); err != nil {
		return nil, err
	}
	return p, nil
}
