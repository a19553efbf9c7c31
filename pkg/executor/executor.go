// Package executor runs actions against frozen plans. Every dispatch
// re-verifies the plan hash, passes the governance gate, and leaves an
// execution log row behind; observed side effects are compared against the
// handler's declared list, and anything undeclared raises a HIGH audit.
// Rollback and replay operate on the recorded log, never on live state
// the log does not know about.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mandatehq/mandate/pkg/canonicalize"
	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/store"
)

// DefaultIdempotencyTTL bounds how long a completed key replays before the
// purge loop may reclaim it.
const DefaultIdempotencyTTL = 24 * time.Hour

// Clock abstracts time for tests.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// PlanVerifier confirms the frozen-plan precondition before dispatch.
type PlanVerifier interface {
	VerifyFrozen(ctx context.Context, planID, quotedHash string) error
}

// Gate is the governance decision point consulted on every dispatch.
type Gate interface {
	Gate(ctx context.Context, req *contracts.GateRequest) (*contracts.GateResult, error)
}

// TrustSink receives one signal per finished execution.
type TrustSink interface {
	Observe(ctx context.Context, sig *contracts.TrustSignal) (*contracts.TrustRecord, error)
}

// Outcome is what a handler produced: the result payload plus every side
// effect it observed while running.
type Outcome struct {
	Result  map[string]any
	Effects []contracts.SideEffect
}

// HandlerFunc performs one action.
type HandlerFunc func(ctx context.Context, params map[string]any) (*Outcome, error)

// Action couples a handler with its declared side effects. Inverse, when
// non-nil, makes the action reversible: it derives the rollback call from
// the completed execution.
type Action struct {
	ID       string
	Declared []contracts.SideEffect
	Run      HandlerFunc
	Inverse  func(orig *contracts.ActionExecution) (actionID string, params map[string]any)
}

// idemEnvelope is the stored response body behind an idempotency key. A
// dispatch that produced an execution row stores it whole; a governance
// refusal stores the error it raised, replayed verbatim on retry.
type idemEnvelope struct {
	Execution *contracts.ActionExecution `json:"execution,omitempty"`
	ErrorCode contracts.ErrorCode        `json:"error_code,omitempty"`
	Message   string                     `json:"message,omitempty"`
}

// Request is one action dispatch against a frozen plan.
type Request struct {
	TaskID         string
	ActionID       string
	StepID         string
	DecisionID     string
	PlanHash       string
	AgentID        string
	Params         map[string]any
	EstimatedCost  map[contracts.QuotaResource]float64
	RiskFactors    contracts.RiskDimensions
	Confidence     contracts.ConfidenceBand
	OverrideID     string
	IdempotencyKey string
}

// Executor dispatches actions and owns the execution log.
type Executor struct {
	db       *store.DB
	plans    PlanVerifier
	gate     Gate
	trust    TrustSink
	audits   *store.AuditStore
	evidence *store.EvidenceStore
	idem     *store.IdempotencyStore

	mu      sync.RWMutex
	actions map[string]*Action

	idemTTL time.Duration
	clock   Clock
	log     *slog.Logger
}

// New wires an Executor. plans and gate are mandatory; trust and events
// are optional and attach via the With builders.
func New(db *store.DB, plans PlanVerifier, gate Gate, logger *slog.Logger) (*Executor, error) {
	if plans == nil || gate == nil {
		return nil, fmt.Errorf("executor: plan verifier and gate are required")
	}
	return &Executor{
		db:       db,
		plans:    plans,
		gate:     gate,
		audits:   store.NewAuditStore(db),
		evidence: store.NewEvidenceStore(db),
		idem:     store.NewIdempotencyStore(db),
		actions:  make(map[string]*Action),
		idemTTL:  DefaultIdempotencyTTL,
		clock:    wallClock{},
		log:      logger.With("component", "executor"),
	}, nil
}

// WithClock substitutes the time source.
func (e *Executor) WithClock(c Clock) *Executor {
	e.clock = c
	return e
}

// WithTrust wires the trust tracker that consumes execution signals.
func (e *Executor) WithTrust(t TrustSink) *Executor {
	e.trust = t
	return e
}

// RegisterAction adds a handler to the dispatch table.
func (e *Executor) RegisterAction(a *Action) error {
	if a == nil || a.ID == "" {
		return fmt.Errorf("executor: action needs an id")
	}
	if a.Run == nil {
		return fmt.Errorf("executor: action %s has no handler", a.ID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, dup := e.actions[a.ID]; dup {
		return fmt.Errorf("executor: action %s is already registered", a.ID)
	}
	e.actions[a.ID] = a
	return nil
}

func (e *Executor) action(id string) (*Action, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.actions[id]
	return a, ok
}

// Execute runs one action. Kernel refusals (failed preconditions, policy
// denials, idempotency misuse) come back as errors; an execution that ran
// and failed is a value, returned with status=failure for the caller to
// branch on.
func (e *Executor) Execute(ctx context.Context, req *Request) (*contracts.ActionExecution, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	act, ok := e.action(req.ActionID)
	if !ok {
		return nil, contracts.NewKernelError(contracts.ErrPrecondition,
			fmt.Sprintf("action %s has no registered handler", req.ActionID),
			"action_id", req.ActionID)
	}

	if err := e.plans.VerifyFrozen(ctx, req.DecisionID, req.PlanHash); err != nil {
		return nil, err
	}

	// Idempotent replay short-circuits before the gate: the recorded
	// execution already paid for its approval.
	if req.IdempotencyKey != "" {
		requestHash, err := canonicalize.CanonicalHash(map[string]any{
			"action_id":   req.ActionID,
			"decision_id": req.DecisionID,
			"agent_id":    req.AgentID,
			"params":      req.Params,
		})
		if err != nil {
			return nil, fmt.Errorf("executor: request hash: %w", err)
		}
		begin, err := e.idem.Begin(ctx, req.IdempotencyKey, requestHash, e.idemTTL)
		if err != nil {
			return nil, err
		}
		if begin.Replay != nil {
			var env idemEnvelope
			if err := json.Unmarshal(begin.Replay.Response, &env); err != nil {
				return nil, fmt.Errorf("executor: stored response for key %s: %w", req.IdempotencyKey, err)
			}
			switch {
			case env.Execution != nil:
				e.log.Info("execution replayed from idempotency key",
					"key", req.IdempotencyKey, "execution_id", env.Execution.ID)
				return env.Execution, nil
			case env.ErrorCode != "":
				return nil, contracts.NewKernelError(env.ErrorCode, env.Message,
					"key", req.IdempotencyKey, "replayed", true)
			default:
				return nil, fmt.Errorf("executor: stored response for key %s is unusable", req.IdempotencyKey)
			}
		}
	}

	res, err := e.gate.Gate(ctx, &contracts.GateRequest{
		AgentID:       req.AgentID,
		CapabilityID:  req.ActionID,
		TaskID:        req.TaskID,
		Params:        req.Params,
		EstimatedCost: req.EstimatedCost,
		RiskFactors:   req.RiskFactors,
		Confidence:    req.Confidence,
		OverrideID:    req.OverrideID,
	})
	if err != nil {
		e.releaseKey(ctx, req.IdempotencyKey)
		return nil, err
	}
	if !res.Approved() {
		err := refusalError(req, res)
		e.recordRefusal(ctx, req.IdempotencyKey, err)
		e.observeTrust(ctx, req, false, false, true, res)
		return nil, err
	}

	exec, err := e.run(ctx, req, act)
	if err != nil {
		e.releaseKey(ctx, req.IdempotencyKey)
		return nil, err
	}

	fctx := context.WithoutCancel(ctx)
	if req.IdempotencyKey != "" {
		body, merr := json.Marshal(idemEnvelope{Execution: exec})
		if merr != nil {
			return exec, fmt.Errorf("executor: marshal execution: %w", merr)
		}
		finish := e.idem.Complete
		if exec.Status != contracts.ExecSuccess {
			finish = e.idem.Fail
		}
		if ferr := finish(fctx, req.IdempotencyKey, body); ferr != nil {
			return exec, ferr
		}
	}

	e.observeTrust(fctx, req,
		exec.Status == contracts.ExecSuccess,
		len(exec.UnexpectedEffects) > 0,
		false, res)
	return exec, nil
}

// run drives the recorded lifecycle: pending row, running, handler
// dispatch, effect reconciliation, terminal status.
func (e *Executor) run(ctx context.Context, req *Request, act *Action) (*contracts.ActionExecution, error) {
	started := e.clock.Now()
	exec := &contracts.ActionExecution{
		TaskID:          req.TaskID,
		ActionID:        req.ActionID,
		StepID:          req.StepID,
		DecisionID:      req.DecisionID,
		PlanHash:        req.PlanHash,
		AgentID:         req.AgentID,
		Status:          contracts.ExecPending,
		Params:          req.Params,
		DeclaredEffects: act.Declared,
		Reversible:      act.Inverse != nil,
		IdempotencyKey:  req.IdempotencyKey,
		StartedAt:       started,
	}
	if err := e.insertExecution(ctx, exec); err != nil {
		return nil, err
	}
	if err := e.setStatus(ctx, exec.ID, contracts.ExecPending, contracts.ExecRunning); err != nil {
		return nil, err
	}
	exec.Status = contracts.ExecRunning
	e.log.Info("execution started",
		"execution_id", exec.ID,
		"task_id", exec.TaskID,
		"action_id", exec.ActionID)

	out, runErr := act.Run(ctx, req.Params)
	completed := e.clock.Now()

	// The log row must reach its terminal state even when the handler's
	// context was canceled mid-flight.
	rctx := context.WithoutCancel(ctx)

	var observed []contracts.SideEffect
	if out != nil {
		observed = out.Effects
		exec.Result = out.Result
	}
	unexpected, err := e.recordEffects(rctx, exec, observed)
	if err != nil {
		return nil, err
	}
	exec.UnexpectedEffects = unexpected

	switch {
	case runErr != nil && ctx.Err() != nil:
		exec.Status = contracts.ExecCancelled
		exec.ErrorMessage = ctx.Err().Error()
		exec.Result = nil
	case runErr != nil:
		exec.Status = contracts.ExecFailure
		exec.ErrorMessage = runErr.Error()
		exec.Result = nil
	default:
		exec.Status = contracts.ExecSuccess
	}
	exec.CompletedAt = &completed
	exec.DurationMS = completed.Sub(started).Milliseconds()

	if exec.Status == contracts.ExecSuccess {
		ev := &contracts.EvidenceRecord{
			TaskID:      exec.TaskID,
			ExecutionID: exec.ID,
			Kind:        "execution_result",
			Content: map[string]any{
				"action_id":   exec.ActionID,
				"result":      exec.Result,
				"duration_ms": exec.DurationMS,
			},
			CreatedAt: completed,
		}
		if err := e.evidence.Put(rctx, ev); err != nil {
			return nil, err
		}
		exec.EvidenceID = ev.ID
	}
	if err := e.finishExecution(rctx, exec); err != nil {
		return nil, err
	}

	e.log.Info("execution finished",
		"execution_id", exec.ID,
		"task_id", exec.TaskID,
		"action_id", exec.ActionID,
		"status", exec.Status,
		"duration_ms", exec.DurationMS,
		"unexpected_effects", len(exec.UnexpectedEffects))
	return exec, nil
}

// releaseKey abandons a claimed key after an infrastructure failure that
// produced no execution, so a retry is neither wedged on pending nor fed
// a stale error.
func (e *Executor) releaseKey(ctx context.Context, key string) {
	if key == "" {
		return
	}
	if err := e.idem.Release(context.WithoutCancel(ctx), key); err != nil {
		e.log.Warn("failed to release idempotency key", "key", key, "error", err)
	}
}

// recordRefusal stores a governance refusal as the key's permanent answer.
// Retrying the same request under the same key replays the refusal; a new
// attempt after the policy state changed needs a new key.
func (e *Executor) recordRefusal(ctx context.Context, key string, refusal error) {
	if key == "" {
		return
	}
	env := idemEnvelope{ErrorCode: contracts.CodeOf(refusal), Message: refusal.Error()}
	var ke *contracts.KernelError
	if errors.As(refusal, &ke) {
		env.Message = ke.Message
	}
	body, _ := json.Marshal(env)
	if err := e.idem.Fail(context.WithoutCancel(ctx), key, body); err != nil {
		e.log.Warn("failed to record refusal on idempotency key", "key", key, "error", err)
	}
}

func (e *Executor) observeTrust(ctx context.Context, req *Request, success, unexpectedEffect, rejected bool, gate *contracts.GateResult) {
	if e.trust == nil {
		return
	}
	highRisk := gate != nil &&
		(gate.RiskLevel == contracts.RiskHigh || gate.RiskLevel == contracts.RiskCritical)
	sig := &contracts.TrustSignal{
		ExtensionID:      req.AgentID,
		ActionID:         req.ActionID,
		TaskID:           req.TaskID,
		Success:          success,
		HighRiskFailure:  !success && !rejected && highRisk,
		PolicyRejection:  rejected,
		UnexpectedEffect: unexpectedEffect,
		ObservedAt:       e.clock.Now(),
	}
	if _, err := e.trust.Observe(ctx, sig); err != nil {
		e.log.Warn("trust signal dropped",
			"agent_id", req.AgentID, "action_id", req.ActionID, "error", err)
	}
}

func validateRequest(req *Request) error {
	switch {
	case req.TaskID == "":
		return contracts.NewKernelError(contracts.ErrPrecondition, "request has no task id")
	case req.ActionID == "":
		return contracts.NewKernelError(contracts.ErrPrecondition, "request has no action id")
	case req.DecisionID == "":
		return contracts.NewKernelError(contracts.ErrPrecondition, "request has no decision id")
	case req.AgentID == "":
		return contracts.NewKernelError(contracts.ErrPrecondition, "request has no agent id")
	}
	return nil
}

// refusalError translates a non-approving gate outcome into the kernel
// error the caller branches on. The gate already recorded the evaluation.
func refusalError(req *Request, res *contracts.GateResult) error {
	switch {
	case res.Decision == contracts.RuleEscalate:
		return contracts.NewKernelError(contracts.ErrAuthEscalated,
			fmt.Sprintf("action %s needs review: %s", req.ActionID, res.Reason),
			"escalation_id", res.EscalationID)
	case res.Quota.Exceeded:
		return contracts.NewKernelError(contracts.ErrQuotaExceeded,
			fmt.Sprintf("action %s exceeds the %s quota", req.ActionID, res.Quota.Resource),
			"resource", string(res.Quota.Resource))
	default:
		return contracts.NewKernelError(contracts.ErrPolicyDenied,
			fmt.Sprintf("action %s denied: %s", req.ActionID, res.Reason),
			"triggered_rules", res.TriggeredRules)
	}
}
