package contracts

import (
	"errors"
	"fmt"
)

// ErrorCode identifies one kind of kernel failure.
type ErrorCode string

// Kernel error codes.
const (
	ErrAuthDenied          ErrorCode = "ERROR_AUTH_DENIED"
	ErrAuthEscalated       ErrorCode = "ERROR_AUTH_ESCALATED"
	ErrPathInvalid         ErrorCode = "ERROR_PATH_INVALID"
	ErrPrecondition        ErrorCode = "ERROR_PRECONDITION"
	ErrPolicyDenied        ErrorCode = "ERROR_POLICY_DENIED"
	ErrQuotaExceeded       ErrorCode = "ERROR_QUOTA_EXCEEDED"
	ErrPlanNotFrozen       ErrorCode = "ERROR_PLAN_NOT_FROZEN"
	ErrPlanHashMismatch    ErrorCode = "ERROR_PLAN_HASH_MISMATCH"
	ErrIdempotencyMismatch ErrorCode = "ERROR_IDEMPOTENCY_MISMATCH"
	ErrLeaseLost           ErrorCode = "ERROR_LEASE_LOST"
	ErrCheckpointInvalid   ErrorCode = "ERROR_CHECKPOINT_INVALID"
	ErrHandlerFailure      ErrorCode = "ERROR_HANDLER_FAILURE"
	ErrRollbackFailed      ErrorCode = "ERROR_ROLLBACK_FAILED"
	ErrStoreMigration      ErrorCode = "ERROR_STORE_MIGRATION"
)

// Recoverable reports whether the runner may retry or pause instead of
// failing the task.
func (c ErrorCode) Recoverable() bool {
	switch c {
	case ErrHandlerFailure, ErrQuotaExceeded, ErrAuthEscalated:
		return true
	}
	return false
}

// Fatal reports whether the error must terminate the task with
// exit_reason=fatal_error.
func (c ErrorCode) Fatal() bool {
	switch c {
	case ErrPlanHashMismatch, ErrStoreMigration, ErrCheckpointInvalid:
		return true
	}
	return false
}

// KernelError is the structured error every kernel surface propagates.
type KernelError struct {
	Code    ErrorCode      `json:"error_code"`
	Message string         `json:"message"`
	Context map[string]any `json:"context,omitempty"`
}

// Error implements the error interface.
func (e *KernelError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewKernelError builds a KernelError with optional context pairs.
func NewKernelError(code ErrorCode, msg string, kv ...any) *KernelError {
	e := &KernelError{Code: code, Message: msg}
	if len(kv) > 0 {
		e.Context = make(map[string]any, len(kv)/2)
		for i := 0; i+1 < len(kv); i += 2 {
			k, ok := kv[i].(string)
			if !ok {
				continue
			}
			e.Context[k] = kv[i+1]
		}
	}
	return e
}

// CodeOf extracts the kernel error code from an error chain, or "" when
// the chain carries none.
func CodeOf(err error) ErrorCode {
	var ke *KernelError
	if errors.As(err, &ke) {
		return ke.Code
	}
	return ""
}

// IsCode reports whether err carries the given kernel error code.
func IsCode(err error, code ErrorCode) bool {
	return CodeOf(err) == code
}
