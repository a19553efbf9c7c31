package api

import "net/http"

// handleHealth reports liveness and store reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.DB.Read().PingContext(r.Context()); err != nil {
		s.log.Error("health check store ping", "error", err)
		writeProblem(w, r, http.StatusServiceUnavailable, "Service Unavailable", "store unreachable", "")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.version,
	})
}

func (s *Server) handleSLO(w http.ResponseWriter, _ *http.Request) {
	if s.slo == nil {
		writeJSON(w, http.StatusOK, map[string]any{"slos": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"slos": s.slo.Statuses()})
}

// handleSessionMint trades admin credentials for a short-lived operator
// token, so the admin secret itself never rides along on every call.
func (s *Server) handleSessionMint(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Operator string `json:"operator,omitempty"`
	}
	if r.ContentLength > 0 {
		if err := readJSON(w, r, &req); err != nil {
			WriteBadRequest(w, err.Error())
			return
		}
	}

	token, expires, err := s.auth.MintSession(req.Operator)
	if err != nil {
		WriteInternal(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"token":      token,
		"expires_at": expires,
	})
}
