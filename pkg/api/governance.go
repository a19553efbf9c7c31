package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/mandatehq/mandate/pkg/canonicalize"
	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/governance"
)

func (s *Server) handlePolicyList(w http.ResponseWriter, r *http.Request) {
	policies, err := s.deps.Governance.ActivePolicies(r.Context())
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if policies == nil {
		policies = []*contracts.Policy{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"policies": policies})
}

// overrideRequest mints a single-use emergency override for one blocked
// operation. The justification length is counted over normalized text,
// the same way the engine counts it.
type overrideRequest struct {
	OperationRef  string `json:"operation_ref"`
	Justification string `json:"justification"`
	MintedBy      string `json:"minted_by"`
	TTLSeconds    int    `json:"ttl_seconds,omitempty"`
}

func (s *Server) handleOverrideMint(w http.ResponseWriter, r *http.Request) {
	var req overrideRequest
	if err := readJSON(w, r, &req); err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if req.OperationRef == "" || req.MintedBy == "" {
		WriteBadRequest(w, "operation_ref and minted_by are required")
		return
	}
	if req.TTLSeconds < 0 {
		WriteBadRequest(w, "ttl_seconds must not be negative")
		return
	}
	n, err := canonicalize.TextLength(req.Justification)
	if err != nil {
		WriteBadRequest(w, err.Error())
		return
	}
	if n < governance.MinJustificationChars {
		WriteBadRequest(w, fmt.Sprintf("justification is %d chars, need at least %d",
			n, governance.MinJustificationChars))
		return
	}

	ov, err := s.deps.Governance.MintOverride(r.Context(), req.OperationRef,
		req.Justification, req.MintedBy, time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ov)
}
