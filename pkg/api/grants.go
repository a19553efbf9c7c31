package api

import (
	"net/http"
	"time"

	"github.com/mandatehq/mandate/pkg/contracts"
)

// grantRequest mints a capability grant. ttl_seconds of zero means the
// grant never expires on its own; revocation is always available.
type grantRequest struct {
	AgentID      string `json:"agent_id"`
	CapabilityID string `json:"capability_id"`
	Level        string `json:"level"`
	Scope        string `json:"scope,omitempty"`
	GrantedBy    string `json:"granted_by"`
	TTLSeconds   int    `json:"ttl_seconds,omitempty"`
}

func (s *Server) handleGrantCreate(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := readJSON(w, r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.AgentID == "" || req.CapabilityID == "" || req.GrantedBy == "" {
		WriteBadRequest(w, "agent_id, capability_id and granted_by are required")
		return
	}
	level := contracts.Level(req.Level)
	if level.Rank() < 0 {
		WriteBadRequest(w, "level must be one of none, read, propose, write, admin")
		return
	}
	if req.TTLSeconds < 0 {
		WriteBadRequest(w, "ttl_seconds must not be negative")
		return
	}

	grant := &contracts.Grant{
		AgentID:      req.AgentID,
		CapabilityID: req.CapabilityID,
		Level:        level,
		Scope:        req.Scope,
		GrantedBy:    req.GrantedBy,
	}
	if req.TTLSeconds > 0 {
		expires := time.Now().Add(time.Duration(req.TTLSeconds) * time.Second)
		grant.ExpiresAt = &expires
	}
	if err := s.deps.Registry.Grant(r.Context(), grant); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, grant)
}

// handleGrantRevoke revokes a grant by id. Revoking an already-revoked
// or unknown grant reports a conflict; revocation is permanent either way.
func (s *Server) handleGrantRevoke(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RevokedBy string `json:"revoked_by"`
	}
	if err := readJSON(w, r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.RevokedBy == "" {
		WriteBadRequest(w, "revoked_by is required")
		return
	}

	id := r.PathValue("id")
	if err := s.deps.Registry.Revoke(r.Context(), id, req.RevokedBy); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"grant_id": id,
		"status":   "revoked",
	})
}

func (s *Server) handleEscalationList(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	pending, err := s.deps.Escalations.Pending(r.Context(), limit)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if pending == nil {
		pending = []*contracts.EscalationRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"escalations": pending})
}

// handleEscalationApprove resolves a pending review: a grant is minted at
// the requested level and, when the task sits blocked on it, the run is
// re-enqueued so the grant takes effect without operator babysitting.
func (s *Server) handleEscalationApprove(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DecidedBy  string `json:"decided_by"`
		TTLSeconds int    `json:"grant_ttl_seconds,omitempty"`
	}
	if err := readJSON(w, r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.DecidedBy == "" {
		WriteBadRequest(w, "decided_by is required")
		return
	}
	if req.TTLSeconds < 0 {
		WriteBadRequest(w, "grant_ttl_seconds must not be negative")
		return
	}

	id := r.PathValue("id")
	esc, err := s.deps.Escalations.Approve(r.Context(), id, req.DecidedBy,
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if esc.Status == contracts.EscalationExpired {
		WriteConflict(w, "escalation expired before a decision was recorded")
		return
	}

	resumed := false
	if esc.TaskID != "" {
		resumed = s.resumeBlocked(r, esc.TaskID)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"escalation": esc,
		"resumed":    resumed,
	})
}

func (s *Server) handleEscalationReject(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DecidedBy string `json:"decided_by"`
	}
	if err := readJSON(w, r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.DecidedBy == "" {
		WriteBadRequest(w, "decided_by is required")
		return
	}

	esc, err := s.deps.Escalations.Reject(r.Context(), r.PathValue("id"), req.DecidedBy)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if esc.Status == contracts.EscalationExpired {
		WriteConflict(w, "escalation expired before a decision was recorded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"escalation": esc})
}

// resumeBlocked restarts a task that exited blocked on the approval. An
// assisted-mode run waits in awaiting_approval with its lease live and
// needs no push; only a blocked task lost its runner.
func (s *Server) resumeBlocked(r *http.Request, taskID string) bool {
	task, err := s.deps.Tasks.Get(r.Context(), taskID)
	if err != nil {
		s.log.Warn("post-approval task lookup", "task_id", taskID, "error", err)
		return false
	}
	if task.Status != contracts.TaskBlocked {
		return false
	}
	if err := s.deps.Runner.Start(r.Context(), taskID); err != nil {
		s.log.Warn("post-approval restart deferred", "task_id", taskID, "error", err)
		return false
	}
	return true
}
