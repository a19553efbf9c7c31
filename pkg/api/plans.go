package api

import "net/http"

func (s *Server) handlePlanGet(w http.ResponseWriter, r *http.Request) {
	plan, err := s.deps.Plans.Get(r.Context(), r.PathValue("plan_id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// handlePlanFreeze hashes and freezes a draft plan. The plan_frozen event
// it emits is what unblocks an off-mode run waiting in planning.
func (s *Server) handlePlanFreeze(w http.ResponseWriter, r *http.Request) {
	plan, err := s.deps.Plans.Freeze(r.Context(), r.PathValue("plan_id"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plan_id":   plan.ID,
		"task_id":   plan.TaskID,
		"plan_hash": plan.PlanHash,
		"frozen_at": plan.FrozenAt,
	})
}
