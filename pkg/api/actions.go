package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mandatehq/mandate/pkg/capability"
	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/executor"
)

// executeRequest dispatches one action under a frozen plan. plan_hash is
// optional; when omitted the stored hash of decision_id applies, so a
// caller pins it only to guard against a plan being swapped underneath.
type executeRequest struct {
	TaskID         string             `json:"task_id"`
	ActionID       string             `json:"action_id"`
	StepID         string             `json:"step_id,omitempty"`
	DecisionID     string             `json:"decision_id"`
	PlanHash       string             `json:"plan_hash,omitempty"`
	AgentID        string             `json:"agent_id"`
	Params         map[string]any     `json:"params,omitempty"`
	EstimatedCost  map[string]float64 `json:"estimated_cost,omitempty"`
	Confidence     string             `json:"confidence,omitempty"`
	OverrideID     string             `json:"override_id,omitempty"`
	IdempotencyKey string             `json:"idempotency_key,omitempty"`
}

// handleActionExecute runs the same sequence a runner does before a step:
// capability authorization first, then the governance gate inside the
// executor. A pending review is a result here, not an error: the caller
// gets 202 and the escalation id to watch.
func (s *Server) handleActionExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := readJSON(w, r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.TaskID == "" || req.ActionID == "" || req.DecisionID == "" || req.AgentID == "" {
		WriteBadRequest(w, "task_id, action_id, decision_id and agent_id are required")
		return
	}

	if req.PlanHash == "" {
		plan, err := s.deps.Plans.Get(r.Context(), req.DecisionID)
		if err != nil {
			writeDomainError(w, r, err)
			return
		}
		req.PlanHash = plan.PlanHash
	}

	authz, err := s.deps.Authorizer.Authorize(r.Context(), req.AgentID, req.ActionID, capability.CallContext{
		TaskID:     req.TaskID,
		Stack:      []contracts.Domain{contracts.DomainDecision, contracts.DomainGovernance},
		DecisionID: req.DecisionID,
		Params:     req.Params,
	})
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	switch authz.Outcome {
	case contracts.AuthzDenied:
		writeProblem(w, r, http.StatusForbidden, "Forbidden", authz.Rationale, contracts.ErrAuthDenied)
		return
	case contracts.AuthzEscalated:
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":        "escalated",
			"escalation_id": authz.EscalationID,
		})
		return
	}

	var cost map[contracts.QuotaResource]float64
	if len(req.EstimatedCost) > 0 {
		cost = make(map[contracts.QuotaResource]float64, len(req.EstimatedCost))
		for k, v := range req.EstimatedCost {
			cost[contracts.QuotaResource(k)] = v
		}
	}

	exec, err := s.deps.Executor.Execute(r.Context(), &executor.Request{
		TaskID:         req.TaskID,
		ActionID:       req.ActionID,
		StepID:         req.StepID,
		DecisionID:     req.DecisionID,
		PlanHash:       req.PlanHash,
		AgentID:        req.AgentID,
		Params:         req.Params,
		EstimatedCost:  cost,
		Confidence:     contracts.ConfidenceBand(req.Confidence),
		OverrideID:     req.OverrideID,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		if contracts.IsCode(err, contracts.ErrAuthEscalated) {
			var ke *contracts.KernelError
			errors.As(err, &ke)
			writeJSON(w, http.StatusAccepted, map[string]any{
				"status":        "escalated",
				"escalation_id": ke.Context["escalation_id"],
			})
			return
		}
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func (s *Server) handleExecutionRollback(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := readJSON(w, r, &req); err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "operator_rollback"
	}

	rec, err := s.deps.Executor.Rollback(r.Context(), r.PathValue("id"), req.Reason)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleExecutionReplay(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Mode string `json:"mode,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := readJSON(w, r, &req); err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
	}
	mode := contracts.ReplayMode(req.Mode)
	if mode == "" {
		mode = contracts.ReplayDryRun
	}
	switch mode {
	case contracts.ReplayDryRun, contracts.ReplayCompare, contracts.ReplayActual:
	default:
		WriteBadRequest(w, fmt.Sprintf("unknown replay mode %q", req.Mode))
		return
	}

	report, err := s.deps.Executor.Replay(r.Context(), r.PathValue("id"), mode)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
