package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/store"
)

// ProblemDetail implements RFC 7807 (Problem Details for HTTP APIs).
// Every API error response uses this format.
type ProblemDetail struct {
	// Type is a URI reference that identifies the problem type.
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type.
	Title string `json:"title"`
	// Status is the HTTP status code.
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence.
	Detail string `json:"detail,omitempty"`
	// Instance is a URI reference identifying the specific occurrence.
	Instance string `json:"instance,omitempty"`
	// TraceID links to the request that produced this problem.
	TraceID string `json:"trace_id,omitempty"`
	// ErrorCode carries the kernel error code when one caused the problem.
	ErrorCode contracts.ErrorCode `json:"error_code,omitempty"`
}

// Error implements the error interface.
func (p *ProblemDetail) Error() string {
	return fmt.Sprintf("%s: %s", p.Title, p.Detail)
}

func writeProblem(w http.ResponseWriter, r *http.Request, status int, title, detail string, code contracts.ErrorCode) {
	problem := &ProblemDetail{
		Type:      fmt.Sprintf("https://mandatehq.dev/errors/%d", status),
		Title:     title,
		Status:    status,
		Detail:    detail,
		ErrorCode: code,
		TraceID:   w.Header().Get("X-Request-ID"),
	}
	if r != nil {
		problem.Instance = r.URL.Path
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(problem)
}

// WriteError writes an RFC 7807 Problem Detail JSON response.
func WriteError(w http.ResponseWriter, status int, title, detail string) {
	writeProblem(w, nil, status, title, detail, "")
}

// WriteBadRequest writes a 400 error response.
func WriteBadRequest(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusBadRequest, "Bad Request", detail)
}

// WriteUnauthorized writes a 401 error response.
func WriteUnauthorized(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Authentication required"
	}
	WriteError(w, http.StatusUnauthorized, "Unauthorized", detail)
}

// WriteForbidden writes a 403 error response.
func WriteForbidden(w http.ResponseWriter, detail string) {
	if detail == "" {
		detail = "Insufficient permissions"
	}
	WriteError(w, http.StatusForbidden, "Forbidden", detail)
}

// WriteNotFound writes a 404 error response.
func WriteNotFound(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusNotFound, "Not Found", detail)
}

// WriteConflict writes a 409 error response.
func WriteConflict(w http.ResponseWriter, detail string) {
	WriteError(w, http.StatusConflict, "Conflict", detail)
}

// WriteTooManyRequests writes a 429 error response with a Retry-After header.
func WriteTooManyRequests(w http.ResponseWriter, retryAfterSecs int) {
	w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSecs))
	WriteError(w, http.StatusTooManyRequests, "Too Many Requests", "Rate limit exceeded. Retry after the specified interval.")
}

// WriteInternal writes a 500 error response.
// The err parameter is logged but never exposed to the client.
func WriteInternal(w http.ResponseWriter, err error) {
	slog.Error("internal server error", "error", err)
	WriteError(w, http.StatusInternalServerError, "Internal Server Error", "An unexpected error occurred. Please try again later.")
}

// writeDomainError translates store and kernel errors into problem
// documents. Anything unrecognized is treated as internal.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeProblem(w, r, http.StatusNotFound, "Not Found", err.Error(), "")
		return
	case errors.Is(err, store.ErrConflict):
		writeProblem(w, r, http.StatusConflict, "Conflict", err.Error(), "")
		return
	}

	var ke *contracts.KernelError
	if !errors.As(err, &ke) {
		WriteInternal(w, err)
		return
	}
	switch ke.Code {
	case contracts.ErrAuthDenied, contracts.ErrPolicyDenied:
		writeProblem(w, r, http.StatusForbidden, "Forbidden", ke.Message, ke.Code)
	case contracts.ErrQuotaExceeded:
		w.Header().Set("Retry-After", "60")
		writeProblem(w, r, http.StatusTooManyRequests, "Quota Exceeded", ke.Message, ke.Code)
	case contracts.ErrPathInvalid:
		writeProblem(w, r, http.StatusBadRequest, "Bad Request", ke.Message, ke.Code)
	case contracts.ErrAuthEscalated, contracts.ErrPrecondition, contracts.ErrPlanNotFrozen,
		contracts.ErrPlanHashMismatch, contracts.ErrIdempotencyMismatch,
		contracts.ErrCheckpointInvalid, contracts.ErrLeaseLost:
		writeProblem(w, r, http.StatusConflict, "Conflict", ke.Message, ke.Code)
	default:
		WriteInternal(w, err)
	}
}
