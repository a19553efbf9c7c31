package observability

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func disabledProvider(t *testing.T) *Provider {
	t.Helper()
	p, err := New(context.Background(), &Config{Enabled: false}, discard())
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.Equal(t, "mandate-kernel", config.ServiceName)
	require.Equal(t, "development", config.Environment)
	require.Equal(t, "localhost:4317", config.OTLPEndpoint)
	require.Equal(t, 1.0, config.SampleRate)
	require.True(t, config.Enabled)
	require.False(t, config.Insecure)
}

func TestNewProviderDisabled(t *testing.T) {
	p := disabledProvider(t)

	require.NotNil(t, p.Tracer())
	require.NotNil(t, p.Meter())
}

func TestTrackOperation(t *testing.T) {
	p := disabledProvider(t)

	ctx, finish := p.TrackOperation(context.Background(), "task.plan",
		attribute.String("mandate.task.id", "task-1"),
	)
	require.NotNil(t, ctx)
	time.Sleep(time.Millisecond)
	finish(nil)
}

func TestTrackOperationWithError(t *testing.T) {
	p := disabledProvider(t)

	_, finish := p.TrackOperation(context.Background(), "task.execute")
	finish(errors.New("handler failed"))
}

func TestPhase(t *testing.T) {
	p := disabledProvider(t)

	finish := p.Phase(context.Background(), "task-1", "verifying")
	require.NotNil(t, finish)
	finish(nil)
	finish2 := p.Phase(context.Background(), "task-1", "executing")
	finish2(errors.New("step failed"))
}

func TestRecordMetricsDisabled(t *testing.T) {
	p := disabledProvider(t)
	ctx := context.Background()

	p.RecordRequest(ctx, attribute.String("k", "v"))
	p.RecordError(ctx, errors.New("boom"), attribute.String("k", "v"))
	p.RecordDuration(ctx, 100*time.Millisecond, attribute.String("k", "v"))
}

func TestStartSpan(t *testing.T) {
	p := disabledProvider(t)

	ctx, span := p.StartSpan(context.Background(), "gate.evaluate")
	require.NotNil(t, ctx)
	require.NotNil(t, span)
	span.End()
}

func TestShutdownDisabled(t *testing.T) {
	p := disabledProvider(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Shutdown(ctx))
}

func TestTaskOperation(t *testing.T) {
	attrs := TaskOperation("task-1", "agent-1", "executing")
	require.Len(t, attrs, 3)
	require.Equal(t, "mandate.task.id", string(attrs[0].Key))
	require.Equal(t, "task-1", attrs[0].Value.AsString())
	require.Equal(t, "executing", attrs[2].Value.AsString())
}

func TestDispatchOperation(t *testing.T) {
	attrs := DispatchOperation("task-1", "step-2", "db.migrate", "agent-1")
	require.Len(t, attrs, 4)
	require.Equal(t, "mandate.step.id", string(attrs[1].Key))
	require.Equal(t, "step-2", attrs[1].Value.AsString())
	require.Equal(t, "db.migrate", attrs[2].Value.AsString())
}

func TestGateOperation(t *testing.T) {
	attrs := GateOperation("repo.push", "DENY", 3.5)
	require.Len(t, attrs, 3)
	require.Equal(t, "mandate.gate.decision", string(attrs[1].Key))
	require.Equal(t, "DENY", attrs[1].Value.AsString())
	require.Equal(t, 3.5, attrs[2].Value.AsFloat64())
}

func TestVerdictOperation(t *testing.T) {
	attrs := VerdictOperation("task-1", "NEEDS_REVIEW")
	require.Len(t, attrs, 2)
	require.Equal(t, "mandate.verdict.status", string(attrs[1].Key))
}

func TestRequestOperation(t *testing.T) {
	attrs := RequestOperation("POST", "/api/tasks", 201)
	require.Len(t, attrs, 3)
	require.Equal(t, "http.route", string(attrs[1].Key))
	require.Equal(t, int64(201), attrs[2].Value.AsInt64())
}

func TestSpanHelpers(t *testing.T) {
	ctx := context.Background()

	require.NotNil(t, SpanFromContext(ctx))
	AddSpanEvent(ctx, "checkpoint", attribute.String("id", "cp-1"))
	SetSpanStatus(ctx, errors.New("drift"))
	SetSpanStatus(ctx, nil)
}
