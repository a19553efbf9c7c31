// Package api exposes the kernel over HTTP: task intake and inspection,
// plan freezing, gated action execution, capability administration,
// escalation review, governance overrides, and a websocket event stream
// that resumes from any sequence number.
//
// Errors are RFC 7807 problem documents. Requests pass through per-client
// rate limiting and, on mutating routes, idempotent replay keyed by the
// Idempotency-Key header. Admin routes require the admin token or an
// operator session token; control routes additionally accept the per-run
// control token handed to the local agent shell.
package api
