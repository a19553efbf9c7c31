package runner

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mandatehq/mandate/pkg/capability"
	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/executor"
	"github.com/mandatehq/mandate/pkg/store"
)

// stop is a stable stopping point. An empty status means another actor
// already finished the task and the runner only unwinds around it.
type stop struct {
	status contracts.TaskStatus
	reason contracts.ExitReason
	detail string
}

// stepOutcome tells the step loop what a dispatch attempt means for it.
type stepOutcome int

const (
	stepDone stepOutcome = iota
	stepRetry
	stepReauthorize
)

// drive is the in-memory state of one run. It exists only while the
// runner holds the task's work item lease.
type drive struct {
	r     *Runner
	task  *contracts.Task
	item  *contracts.WorkItem
	owner string

	plan       *contracts.DecisionPlan
	confidence contracts.ConfidenceBand
	rootSpan   string
	phase      contracts.Phase
	iterations int
	approved   map[string]bool
}

func (d *drive) run(ctx context.Context) error {
	d.phase = contracts.PhasePlanning
	spawn, err := d.event(ctx, contracts.EventRunnerSpawn, "", "", map[string]any{
		"mode":         string(d.r.mode),
		"work_item_id": d.item.ID,
		"attempt":      d.item.Attempt,
	})
	if err != nil {
		return d.unwind(ctx, err)
	}
	d.rootSpan = spawn.SpanID

	st, err := d.observedPhase(ctx, contracts.PhasePlanning, d.planPhase)
	if err != nil {
		return d.unwind(ctx, err)
	}
	if st == nil {
		st, err = d.observedPhase(ctx, contracts.PhaseExecuting, d.executePhase)
		if err != nil {
			return d.unwind(ctx, err)
		}
	}
	if st == nil {
		st, err = d.observedPhase(ctx, contracts.PhaseVerifying, d.verifyPhase)
		if err != nil {
			return d.unwind(ctx, err)
		}
	}
	return d.finish(ctx, st)
}

// observedPhase runs one phase under the runner's phase observer.
func (d *drive) observedPhase(ctx context.Context, phase contracts.Phase, fn func(context.Context) (*stop, error)) (*stop, error) {
	finish := d.r.obs.Phase(ctx, d.task.ID, string(phase))
	st, err := fn(ctx)
	finish(err)
	return st, err
}

// planPhase leaves d.plan frozen or returns a stop. An existing frozen
// plan short-circuits so resumed tasks do not re-plan.
func (d *drive) planPhase(ctx context.Context) (*stop, error) {
	if st, err := d.cancelled(ctx); st != nil || err != nil {
		return st, err
	}

	plans, err := d.r.deps.Plans.ListByTask(ctx, d.task.ID)
	if err != nil {
		return nil, fmt.Errorf("runner: list plans: %w", err)
	}
	var draft *contracts.DecisionPlan
	for i := len(plans) - 1; i >= 0; i-- {
		switch plans[i].Status {
		case contracts.PlanFrozen:
			d.plan = plans[i]
			return nil, d.loadConfidence(ctx)
		case contracts.PlanDraft:
			if draft == nil {
				draft = plans[i]
			}
		}
	}

	if st, err := d.transition(ctx, contracts.TaskPlanning); st != nil || err != nil {
		return st, err
	}
	if draft == nil {
		draft, err = d.r.planner.Plan(ctx, d.task)
		if err != nil {
			return nil, fmt.Errorf("runner: draft plan: %w", err)
		}
		draft.TaskID = d.task.ID
		if draft.ID == "" {
			draft.ID = d.task.ID + "_plan"
		}
		if err := d.r.deps.Plans.Draft(ctx, draft); err != nil {
			return nil, fmt.Errorf("runner: record draft: %w", err)
		}
	}

	if d.r.mode.autoFreeze() {
		frozen, err := d.r.deps.Plans.Freeze(ctx, draft.ID)
		if err != nil {
			return nil, fmt.Errorf("runner: freeze plan: %w", err)
		}
		d.plan = frozen
		return nil, d.loadConfidence(ctx)
	}

	// Mode off: the freeze comes through the API. Hold here until any
	// plan for the task freezes; the lease keeps heartbeating behind the
	// wait. The operator may have replaced our draft with their own.
	st, err := d.await(ctx, func(ctx context.Context) (bool, error) {
		plans, err := d.r.deps.Plans.ListByTask(ctx, d.task.ID)
		if err != nil {
			return false, err
		}
		for i := len(plans) - 1; i >= 0; i-- {
			if plans[i].Status == contracts.PlanFrozen {
				d.plan = plans[i]
				return true, nil
			}
		}
		return false, nil
	})
	if st != nil || err != nil {
		return st, err
	}
	return nil, d.loadConfidence(ctx)
}

func (d *drive) executePhase(ctx context.Context) (*stop, error) {
	d.phase = contracts.PhaseExecuting
	if st, err := d.transition(ctx, contracts.TaskExecuting); st != nil || err != nil {
		return st, err
	}
	if err := d.checkpoint(ctx, contracts.CheckpointStateTransition, d.task.Iteration, map[string]any{
		"phase":   string(contracts.PhaseExecuting),
		"plan_id": d.plan.ID,
	}, d.rootSpan); err != nil {
		return nil, err
	}

	done, err := d.succeededSteps(ctx)
	if err != nil {
		return nil, err
	}
	for i, step := range d.plan.Steps {
		if done[step.ID] {
			continue
		}
		st, err := d.runStep(ctx, i, step)
		if st != nil || err != nil {
			return st, err
		}
	}
	return nil, nil
}

// succeededSteps lets a resumed run skip work that already landed.
func (d *drive) succeededSteps(ctx context.Context) (map[string]bool, error) {
	execs, err := d.r.deps.Executor.ListByTask(ctx, d.task.ID)
	if err != nil {
		return nil, fmt.Errorf("runner: list executions: %w", err)
	}
	done := make(map[string]bool)
	for _, ex := range execs {
		if ex.StepID != "" && ex.Status == contracts.ExecSuccess {
			done[ex.StepID] = true
		}
	}
	return done, nil
}

func (d *drive) runStep(ctx context.Context, index int, step contracts.PlanStep) (*stop, error) {
	def, err := d.r.deps.Registry.Resolve(ctx, step.CapabilityID)
	if errors.Is(err, store.ErrNotFound) {
		d.audit(ctx, contracts.AuditHigh, "unknown_capability", contracts.ErrPrecondition, map[string]any{
			"step_id": step.ID, "capability_id": step.CapabilityID,
		})
		return &stop{status: contracts.TaskFailed, reason: contracts.ExitFatalError,
			detail: fmt.Sprintf("capability %s is not registered", step.CapabilityID)}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("runner: resolve capability %s: %w", step.CapabilityID, err)
	}

	failures := 0
	for {
		if st, err := d.cancelled(ctx); st != nil || err != nil {
			return st, err
		}
		iter, err := d.r.tasks.BumpIteration(ctx, d.task.ID)
		if err != nil {
			if errors.Is(err, store.ErrConflict) {
				return d.cancelled(ctx)
			}
			return nil, fmt.Errorf("runner: bump iteration: %w", err)
		}
		d.iterations = iter
		if d.task.MaxIterations > 0 && iter > d.task.MaxIterations {
			d.audit(ctx, contracts.AuditWarn, "iteration_cap", "", map[string]any{
				"iteration": iter, "max_iterations": d.task.MaxIterations,
			})
			return &stop{status: contracts.TaskFailed, reason: contracts.ExitMaxIterations}, nil
		}

		startEv, err := d.event(ctx, contracts.EventWorkItemStart, "", d.rootSpan, map[string]any{
			"step_id":       step.ID,
			"capability_id": step.CapabilityID,
			"iteration":     iter,
			"attempt":       failures + 1,
		})
		if err != nil {
			return nil, err
		}
		stepSpan := startEv.SpanID

		if err := d.checkpoint(ctx, contracts.CheckpointIterationStart, iter, map[string]any{
			"step_id": step.ID,
			"plan_id": d.plan.ID,
			"cursor":  index,
		}, stepSpan); err != nil {
			return nil, err
		}

		if step.RequiresApproval && !d.approved[step.ID] {
			// An active grant is durable proof of an earlier approval, so
			// a resumed run does not demand a second one.
			grant, err := d.r.deps.Registry.ActiveGrant(ctx, d.task.AgentID, step.CapabilityID, d.task.ID, d.r.clock.Now())
			if err != nil {
				return nil, fmt.Errorf("runner: grant lookup: %w", err)
			}
			if grant == nil || grant.Level.Rank() < def.Level.Rank() {
				st, err := d.approval(ctx, step, def.Level, "", stepSpan, iter)
				if st != nil || err != nil {
					return st, err
				}
			}
			d.approved[step.ID] = true
		}

		res, err := d.r.deps.Authorizer.Authorize(ctx, d.task.AgentID, step.CapabilityID, capability.CallContext{
			TaskID:     d.task.ID,
			SessionID:  d.task.SessionID,
			Stack:      []contracts.Domain{contracts.DomainDecision, contracts.DomainGovernance},
			DecisionID: d.plan.ID,
			Params:     step.Params,
		})
		if err != nil {
			return nil, fmt.Errorf("runner: authorize %s: %w", step.CapabilityID, err)
		}
		switch res.Outcome {
		case contracts.AuthzDenied:
			d.audit(ctx, contracts.AuditHigh, "authorization_denied", contracts.ErrAuthDenied, map[string]any{
				"step_id":       step.ID,
				"capability_id": step.CapabilityID,
				"rationale":     res.Rationale,
			})
			return &stop{status: contracts.TaskFailed, reason: contracts.ExitFatalError, detail: res.Rationale}, nil
		case contracts.AuthzEscalated:
			st, err := d.approval(ctx, step, def.Level, res.EscalationID, stepSpan, iter)
			if st != nil || err != nil {
				return st, err
			}
			// Approved: re-authorize under the minted grant.
			continue
		}

		st, out, err := d.dispatch(ctx, step, def.Level, iter, stepSpan)
		if st != nil || err != nil {
			return st, err
		}
		switch out {
		case stepDone:
			return nil, nil
		case stepReauthorize:
			continue
		case stepRetry:
			failures++
			if failures > d.r.stepRetries {
				d.audit(ctx, contracts.AuditHigh, "step_failed", contracts.ErrHandlerFailure, map[string]any{
					"step_id":  step.ID,
					"attempts": failures,
				})
				return &stop{status: contracts.TaskFailed, reason: contracts.ExitFatalError,
					detail: fmt.Sprintf("step %s failed %d times", step.ID, failures)}, nil
			}
		}
	}
}

// dispatch runs one attempt through the executor and classifies the
// outcome for the step loop.
func (d *drive) dispatch(ctx context.Context, step contracts.PlanStep, level contracts.Level, iter int, stepSpan string) (*stop, stepOutcome, error) {
	req := executor.Request{
		TaskID:         d.task.ID,
		ActionID:       step.CapabilityID,
		StepID:         step.ID,
		DecisionID:     d.plan.ID,
		PlanHash:       d.plan.PlanHash,
		AgentID:        d.task.AgentID,
		Params:         step.Params,
		Confidence:     d.confidence,
		IdempotencyKey: fmt.Sprintf("%s/%s/%d", d.task.ID, step.ID, iter),
	}
	// An operator may have minted an override for this exact step; present
	// it so the gate can spend it.
	ov, err := d.r.deps.Governance.ActiveOverrideFor(ctx, d.task.ID+"/"+step.ID)
	switch {
	case err == nil:
		req.OverrideID = ov.ID
	case !errors.Is(err, store.ErrNotFound):
		return nil, 0, err
	}

	exec, err := d.r.deps.Executor.Execute(ctx, &req)
	if err != nil {
		return d.dispatchError(ctx, step, level, err, stepSpan, iter)
	}

	switch exec.Status {
	case contracts.ExecSuccess:
		if err := d.checkpoint(ctx, contracts.CheckpointIterationEnd, iter, map[string]any{
			"step_id":      step.ID,
			"plan_id":      d.plan.ID,
			"execution_id": exec.ID,
		}, stepSpan); err != nil {
			return nil, 0, err
		}
		if _, err := d.event(ctx, contracts.EventWorkItemComplete, stepSpan, d.rootSpan, map[string]any{
			"step_id":      step.ID,
			"execution_id": exec.ID,
			"status":       string(exec.Status),
		}); err != nil {
			return nil, 0, err
		}
		return nil, stepDone, nil
	case contracts.ExecCancelled:
		if st, err := d.cancelled(ctx); st != nil || err != nil {
			return st, 0, err
		}
		if err := ctx.Err(); err != nil {
			return nil, 0, err
		}
		return nil, stepRetry, nil
	default:
		d.audit(ctx, contracts.AuditWarn, "step_attempt_failed", contracts.ErrHandlerFailure, map[string]any{
			"step_id":      step.ID,
			"execution_id": exec.ID,
			"error":        exec.ErrorMessage,
		})
		if _, err := d.event(ctx, contracts.EventWorkItemComplete, stepSpan, d.rootSpan, map[string]any{
			"step_id":      step.ID,
			"execution_id": exec.ID,
			"status":       string(exec.Status),
		}); err != nil {
			return nil, 0, err
		}
		return nil, stepRetry, nil
	}
}

func (d *drive) dispatchError(ctx context.Context, step contracts.PlanStep, level contracts.Level, err error, stepSpan string, iter int) (*stop, stepOutcome, error) {
	code := contracts.CodeOf(err)
	switch {
	case code == contracts.ErrAuthEscalated:
		escID := ""
		var ke *contracts.KernelError
		if errors.As(err, &ke) {
			escID, _ = ke.Context["escalation_id"].(string)
		}
		st, aerr := d.approval(ctx, step, level, escID, stepSpan, iter)
		if st != nil || aerr != nil {
			return st, 0, aerr
		}
		return nil, stepReauthorize, nil
	case code == contracts.ErrQuotaExceeded:
		d.audit(ctx, contracts.AuditWarn, "quota_paused", code, map[string]any{
			"step_id": step.ID, "error": err.Error(),
		})
		return &stop{status: contracts.TaskBlocked, reason: contracts.ExitBlocked, detail: err.Error()}, 0, nil
	case code != "":
		sev := contracts.AuditHigh
		if code.Fatal() {
			sev = contracts.AuditCritical
		}
		d.audit(ctx, sev, "step_error", code, map[string]any{
			"step_id": step.ID, "error": err.Error(),
		})
		return &stop{status: contracts.TaskFailed, reason: contracts.ExitFatalError, detail: err.Error()}, 0, nil
	default:
		return nil, 0, fmt.Errorf("runner: execute step %s: %w", step.ID, err)
	}
}

// approval parks the run until the escalation is decided. Full autonomy
// never waits: the task blocks and a later run resumes it after the
// decision. nil, nil means approved and the caller re-runs the step.
func (d *drive) approval(ctx context.Context, step contracts.PlanStep, level contracts.Level, escalationID, stepSpan string, iter int) (*stop, error) {
	esc, err := d.ensureEscalation(ctx, step, level, escalationID)
	if err != nil {
		return nil, err
	}
	if _, err := d.event(ctx, contracts.EventEscalationOpened, "", stepSpan, map[string]any{
		"escalation_id": esc.ID,
		"step_id":       step.ID,
		"capability_id": step.CapabilityID,
	}); err != nil {
		return nil, err
	}
	if err := d.checkpoint(ctx, contracts.CheckpointApprovalPoint, iter, map[string]any{
		"escalation_id": esc.ID,
		"step_id":       step.ID,
	}, stepSpan); err != nil {
		return nil, err
	}

	if d.r.mode == ModeFull {
		return &stop{status: contracts.TaskBlocked, reason: contracts.ExitBlocked,
			detail: fmt.Sprintf("step %s needs approval (escalation %s)", step.ID, esc.ID)}, nil
	}

	if st, err := d.transition(ctx, contracts.TaskAwaitingApproval); st != nil || err != nil {
		return st, err
	}
	var decided *contracts.EscalationRequest
	st, err := d.await(ctx, func(ctx context.Context) (bool, error) {
		cur, err := d.r.deps.Escalations.Get(ctx, esc.ID)
		if err != nil {
			return false, err
		}
		if cur.Status == contracts.EscalationPending {
			// An undecided request past its window counts as expired;
			// the sweeper persists the flip later.
			if d.r.clock.Now().After(cur.ExpiresAt) {
				cur.Status = contracts.EscalationExpired
				decided = cur
				return true, nil
			}
			return false, nil
		}
		decided = cur
		return true, nil
	})
	if st != nil || err != nil {
		return st, err
	}

	if _, err := d.event(ctx, contracts.EventEscalationClosed, "", stepSpan, map[string]any{
		"escalation_id": decided.ID,
		"status":        string(decided.Status),
		"decided_by":    decided.DecidedBy,
	}); err != nil {
		return nil, err
	}
	if decided.Status == contracts.EscalationApproved {
		if st, err := d.transition(ctx, contracts.TaskExecuting); st != nil || err != nil {
			return st, err
		}
		return nil, nil
	}

	d.audit(ctx, contracts.AuditHigh, "approval_refused", contracts.ErrAuthDenied, map[string]any{
		"escalation_id": decided.ID,
		"step_id":       step.ID,
		"status":        string(decided.Status),
	})
	return &stop{status: contracts.TaskFailed, reason: contracts.ExitFatalError,
		detail: fmt.Sprintf("escalation %s %s", decided.ID, decided.Status)}, nil
}

func (d *drive) ensureEscalation(ctx context.Context, step contracts.PlanStep, level contracts.Level, id string) (*contracts.EscalationRequest, error) {
	if id != "" {
		esc, err := d.r.deps.Escalations.Get(ctx, id)
		if err == nil {
			return esc, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return nil, err
		}
	}
	req := &contracts.EscalationRequest{
		AgentID:      d.task.AgentID,
		CapabilityID: step.CapabilityID,
		TaskID:       d.task.ID,
		Requested:    level,
		Reason:       fmt.Sprintf("step %s of task %s requires approval", step.ID, d.task.ID),
	}
	if err := d.r.deps.Escalations.Open(ctx, req); err != nil {
		return nil, fmt.Errorf("runner: open escalation: %w", err)
	}
	return req, nil
}

func (d *drive) verifyPhase(ctx context.Context) (*stop, error) {
	if st, err := d.cancelled(ctx); st != nil || err != nil {
		return st, err
	}
	d.phase = contracts.PhaseVerifying
	if st, err := d.transition(ctx, contracts.TaskVerifying); st != nil || err != nil {
		return st, err
	}
	if err := d.checkpoint(ctx, contracts.CheckpointStateTransition, d.iterations, map[string]any{
		"phase":   string(contracts.PhaseVerifying),
		"plan_id": d.plan.ID,
	}, d.rootSpan); err != nil {
		return nil, err
	}

	verdict, err := d.r.deps.Guardian.Review(ctx, d.task.ID, d.r.verifier)
	if err != nil {
		return nil, fmt.Errorf("runner: guardian review: %w", err)
	}
	switch verdict.Verdict {
	case contracts.VerdictPass:
		return &stop{status: contracts.TaskSucceeded, reason: contracts.ExitDone}, nil
	case contracts.VerdictNeedsReview:
		return &stop{status: contracts.TaskBlocked, reason: contracts.ExitBlocked,
			detail: fmt.Sprintf("verdict %s needs review", verdict.ID)}, nil
	default:
		d.audit(ctx, contracts.AuditHigh, "verification_failed", "", map[string]any{
			"verdict_id": verdict.ID,
		})
		return &stop{status: contracts.TaskFailed, reason: contracts.ExitFatalError,
			detail: fmt.Sprintf("verdict %s failed", verdict.ID)}, nil
	}
}

// finish lands the stop durably: the task row, the final runner_exit
// event and the work item, all on a context that survives cancellation.
func (d *drive) finish(ctx context.Context, st *stop) error {
	bctx := context.WithoutCancel(ctx)
	status := st.status
	if status != "" {
		err := d.r.tasks.Finish(bctx, d.task.ID, st.status, st.reason)
		switch {
		case errors.Is(err, store.ErrConflict):
			// Someone else finished first; their terminal state wins.
			if cur, gerr := d.r.tasks.Get(bctx, d.task.ID); gerr == nil {
				status, st.reason = cur.Status, cur.ExitReason
			}
		case err != nil:
			return fmt.Errorf("runner: finish task: %w", err)
		}
	} else {
		status = d.task.Status
	}

	payload := map[string]any{
		"exit_reason": string(st.reason),
		"status":      string(status),
		"iterations":  d.iterations,
	}
	if st.detail != "" {
		payload["detail"] = st.detail
	}
	if _, err := d.event(bctx, contracts.EventRunnerExit, d.rootSpan, "", payload); err != nil {
		return err
	}

	output := map[string]any{"exit_reason": string(st.reason), "status": string(status)}
	var ierr error
	if status == contracts.TaskFailed {
		ierr = d.r.items.Fail(bctx, d.item.ID, d.owner, output)
	} else {
		ierr = d.r.items.Complete(bctx, d.item.ID, d.owner, output)
	}
	if ierr != nil {
		d.r.log.Warn("work item close failed", "work_item_id", d.item.ID, "error", ierr)
	}
	d.r.log.Info("runner finished",
		"task_id", d.task.ID, "status", string(status),
		"exit_reason", string(st.reason), "iterations", d.iterations)
	return nil
}

// unwind releases the lease without finishing the task; the dispatcher or
// recovery hands the task to a fresh runner later.
func (d *drive) unwind(ctx context.Context, cause error) error {
	bctx := context.WithoutCancel(ctx)
	if err := d.r.deps.Leases.Release(bctx, d.item.ID, d.owner); err != nil {
		d.r.log.Debug("lease release on unwind", "work_item_id", d.item.ID, "error", err)
	}
	d.r.log.Warn("run unwound", "task_id", d.task.ID, "error", cause)
	return cause
}

// cancelled refreshes the task row and reports an externally finished
// task as a stop. This is the suspension point check.
func (d *drive) cancelled(ctx context.Context) (*stop, error) {
	task, err := d.r.tasks.Get(ctx, d.task.ID)
	if err != nil {
		return nil, fmt.Errorf("runner: refresh task: %w", err)
	}
	d.task = task
	if task.Status == contracts.TaskCanceled {
		return &stop{reason: contracts.ExitUserCancelled}, nil
	}
	if task.Status.Terminal() {
		return &stop{reason: task.ExitReason}, nil
	}
	return nil, nil
}

// transition moves the task to a non-terminal status. A conflict means
// the task went terminal underneath us; the refreshed row decides.
func (d *drive) transition(ctx context.Context, status contracts.TaskStatus) (*stop, error) {
	err := d.r.tasks.SetStatus(ctx, d.task.ID, status)
	if errors.Is(err, store.ErrConflict) {
		return d.cancelled(ctx)
	}
	if err != nil {
		return nil, fmt.Errorf("runner: task to %s: %w", status, err)
	}
	d.task.Status = status
	return nil, nil
}

// await polls cond at the runner's poll interval until it reports done,
// the task is cancelled, or ctx ends.
func (d *drive) await(ctx context.Context, cond func(context.Context) (bool, error)) (*stop, error) {
	ticker := time.NewTicker(d.r.poll)
	defer ticker.Stop()
	for {
		done, err := cond(ctx)
		if err != nil {
			return nil, err
		}
		if done {
			return nil, nil
		}
		if st, err := d.cancelled(ctx); st != nil || err != nil {
			return st, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (d *drive) loadConfidence(ctx context.Context) error {
	sel, err := d.r.deps.Plans.LatestSelection(ctx, d.plan.ID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("runner: latest selection: %w", err)
	}
	d.confidence = sel.Confidence
	return nil
}

func (d *drive) event(ctx context.Context, evType, spanID, parentID string, payload map[string]any) (*contracts.Event, error) {
	ev := &contracts.Event{
		TaskID:       d.task.ID,
		Type:         evType,
		Phase:        d.phase,
		Actor:        contracts.ActorRunner,
		SpanID:       spanID,
		ParentSpanID: parentID,
		Payload:      payload,
	}
	if err := d.r.deps.Events.Append(ctx, ev); err != nil {
		return nil, fmt.Errorf("runner: %s event: %w", evType, err)
	}
	return ev, nil
}

// checkpoint appends the snapshot and its checkpoint_commit event in one
// transaction so recovery never sees one without the other.
func (d *drive) checkpoint(ctx context.Context, cpType contracts.CheckpointType, iteration int, state map[string]any, parentSpan string) error {
	cp := &contracts.Checkpoint{
		TaskID:     d.task.ID,
		WorkItemID: d.item.ID,
		Type:       cpType,
		Iteration:  iteration,
		State:      state,
		CreatedAt:  d.r.clock.Now(),
	}
	err := d.r.db.Write(ctx, func(tx *sql.Tx) error {
		if err := d.r.checkpoints.AppendTx(ctx, tx, cp); err != nil {
			return err
		}
		return d.r.deps.Events.AppendTx(ctx, tx, &contracts.Event{
			TaskID:       d.task.ID,
			Type:         contracts.EventCheckpointCommit,
			Phase:        d.phase,
			Actor:        contracts.ActorRunner,
			ParentSpanID: parentSpan,
			Payload: map[string]any{
				"checkpoint_id":   cp.ID,
				"checkpoint_type": string(cpType),
				"sequence_number": cp.SequenceNumber,
			},
		})
	})
	if err != nil {
		return fmt.Errorf("runner: checkpoint: %w", err)
	}
	d.r.deps.Events.Wake(d.task.ID)
	return nil
}

func (d *drive) audit(ctx context.Context, sev contracts.AuditSeverity, action string, code contracts.ErrorCode, detail map[string]any) {
	rec := &contracts.AuditRecord{
		TaskID:    d.task.ID,
		Severity:  sev,
		Category:  "runner",
		Action:    action,
		Actor:     string(contracts.ActorRunner),
		ErrorCode: code,
		Detail:    detail,
		CreatedAt: d.r.clock.Now(),
	}
	if err := d.r.audits.Append(context.WithoutCancel(ctx), rec); err != nil {
		d.r.log.Warn("audit append failed", "action", action, "error", err)
	}
}
