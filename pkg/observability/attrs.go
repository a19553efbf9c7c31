package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Kernel semantic convention attributes.
var (
	AttrTaskID     = attribute.Key("mandate.task.id")
	AttrAgentID    = attribute.Key("mandate.agent.id")
	AttrPhase      = attribute.Key("mandate.task.phase")
	AttrExitReason = attribute.Key("mandate.task.exit_reason")

	AttrStepID       = attribute.Key("mandate.step.id")
	AttrCapabilityID = attribute.Key("mandate.capability.id")
	AttrExecutionID  = attribute.Key("mandate.execution.id")

	AttrGateDecision  = attribute.Key("mandate.gate.decision")
	AttrGateLatencyMs = attribute.Key("mandate.gate.latency_ms")

	AttrVerdictStatus = attribute.Key("mandate.verdict.status")
	AttrEscalationID  = attribute.Key("mandate.escalation.id")

	AttrRoute      = attribute.Key("http.route")
	AttrMethod     = attribute.Key("http.request.method")
	AttrStatusCode = attribute.Key("http.response.status_code")
)

// TaskOperation builds attributes for task lifecycle spans.
func TaskOperation(taskID, agentID, phase string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTaskID.String(taskID),
		AttrAgentID.String(agentID),
		AttrPhase.String(phase),
	}
}

// DispatchOperation builds attributes for one action dispatch.
func DispatchOperation(taskID, stepID, capabilityID, agentID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTaskID.String(taskID),
		AttrStepID.String(stepID),
		AttrCapabilityID.String(capabilityID),
		AttrAgentID.String(agentID),
	}
}

// GateOperation builds attributes for a governance gate evaluation.
func GateOperation(capabilityID, decision string, latencyMs float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCapabilityID.String(capabilityID),
		AttrGateDecision.String(decision),
		AttrGateLatencyMs.Float64(latencyMs),
	}
}

// VerdictOperation builds attributes for a guardian review.
func VerdictOperation(taskID, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTaskID.String(taskID),
		AttrVerdictStatus.String(status),
	}
}

// RequestOperation builds attributes for one HTTP request.
func RequestOperation(method, route string, status int) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMethod.String(method),
		AttrRoute.String(route),
		AttrStatusCode.Int(status),
	}
}

// SpanFromContext extracts the active span, or a no-op span if none.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds an event to the current span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the current span when non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
