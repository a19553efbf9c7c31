package observability

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var sloNow = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func fixedTracker() *SLOTracker {
	return NewSLOTracker().WithClock(func() time.Time { return sloNow })
}

func gateTarget(successRate float64) *SLOTarget {
	return &SLOTarget{
		SLOID:       "slo-gate",
		Name:        "policy gate latency",
		Operation:   OpGate,
		LatencyP99:  50 * time.Millisecond,
		SuccessRate: successRate,
		WindowHours: 24,
	}
}

func TestSetTargetValidates(t *testing.T) {
	tr := fixedTracker()

	assert.Error(t, tr.SetTarget(nil))
	assert.Error(t, tr.SetTarget(&SLOTarget{Operation: "", SuccessRate: 0.9, WindowHours: 1}))
	assert.Error(t, tr.SetTarget(&SLOTarget{Operation: OpGate, SuccessRate: 1.0, WindowHours: 1}))
	assert.Error(t, tr.SetTarget(&SLOTarget{Operation: OpGate, SuccessRate: 0, WindowHours: 1}))
	assert.Error(t, tr.SetTarget(&SLOTarget{Operation: OpGate, SuccessRate: 0.9, WindowHours: 0}))
	assert.NoError(t, tr.SetTarget(gateTarget(0.999)))
}

func TestDefaultTargetsRegister(t *testing.T) {
	tr := fixedTracker()

	targets := DefaultTargets()
	require.Len(t, targets, 5)
	for _, target := range targets {
		require.NoError(t, tr.SetTarget(target))
	}
}

func TestStatusUnknownOperation(t *testing.T) {
	tr := fixedTracker()

	_, err := tr.Status("compile")
	require.Error(t, err)
}

func TestStatusEmptyWindow(t *testing.T) {
	tr := fixedTracker()
	require.NoError(t, tr.SetTarget(gateTarget(0.999)))

	st, err := tr.Status(OpGate)
	require.NoError(t, err)
	assert.True(t, st.InCompliance)
	assert.Equal(t, 100.0, st.ErrorBudgetLeft)
	assert.Equal(t, 0, st.ObservationCount)
}

func TestStatusInCompliance(t *testing.T) {
	tr := fixedTracker()
	require.NoError(t, tr.SetTarget(gateTarget(0.999)))

	for i := 0; i < 10; i++ {
		tr.Record(SLOObservation{Operation: OpGate, Latency: 5 * time.Millisecond, Success: true})
	}

	st, err := tr.Status(OpGate)
	require.NoError(t, err)
	assert.True(t, st.InCompliance)
	assert.Equal(t, 5.0, st.CurrentP99)
	assert.InDelta(t, 1.0, st.CurrentSuccess, 1e-9)
	assert.InDelta(t, 0.0, st.BurnRate, 1e-9)
	assert.Equal(t, 10, st.ObservationCount)
}

func TestStatusBurnsBudgetOnFailures(t *testing.T) {
	tr := fixedTracker()
	require.NoError(t, tr.SetTarget(gateTarget(0.9)))

	for i := 0; i < 10; i++ {
		tr.Record(SLOObservation{Operation: OpGate, Latency: 5 * time.Millisecond, Success: i%2 == 0})
	}

	st, err := tr.Status(OpGate)
	require.NoError(t, err)
	assert.False(t, st.InCompliance)
	assert.InDelta(t, 0.5, st.CurrentSuccess, 1e-9)
	assert.InDelta(t, 5.0, st.BurnRate, 1e-9)
	assert.Equal(t, 0.0, st.ErrorBudgetLeft)
}

func TestStatusLatencyViolation(t *testing.T) {
	tr := fixedTracker()
	require.NoError(t, tr.SetTarget(gateTarget(0.9)))

	for i := 0; i < 4; i++ {
		tr.Record(SLOObservation{Operation: OpGate, Latency: 120 * time.Millisecond, Success: true})
	}

	st, err := tr.Status(OpGate)
	require.NoError(t, err)
	assert.False(t, st.InCompliance)
	assert.Equal(t, 120.0, st.CurrentP99)
	assert.InDelta(t, 1.0, st.CurrentSuccess, 1e-9)
}

func TestStatusWindowFiltersOldObservations(t *testing.T) {
	tr := fixedTracker()
	require.NoError(t, tr.SetTarget(gateTarget(0.9)))

	tr.Record(SLOObservation{
		Operation: OpGate,
		Latency:   time.Second,
		Success:   false,
		Timestamp: sloNow.Add(-25 * time.Hour),
	})
	tr.Record(SLOObservation{Operation: OpGate, Latency: 5 * time.Millisecond, Success: true})

	st, err := tr.Status(OpGate)
	require.NoError(t, err)
	assert.Equal(t, 1, st.ObservationCount)
	assert.True(t, st.InCompliance)
}

func TestStatusesOrdered(t *testing.T) {
	tr := fixedTracker()
	for _, op := range []string{OpVerify, OpGate, OpPlan} {
		require.NoError(t, tr.SetTarget(&SLOTarget{
			SLOID: "slo-" + op, Operation: op,
			LatencyP99: time.Second, SuccessRate: 0.99, WindowHours: 24,
		}))
	}

	statuses := tr.Statuses()
	require.Len(t, statuses, 3)
	assert.Equal(t, OpGate, statuses[0].Operation)
	assert.Equal(t, OpPlan, statuses[1].Operation)
	assert.Equal(t, OpVerify, statuses[2].Operation)
}

func TestRecordTrimsHistory(t *testing.T) {
	tr := fixedTracker()
	require.NoError(t, tr.SetTarget(gateTarget(0.9)))

	for i := 0; i < maxObservationsPerOp+10; i++ {
		tr.Record(SLOObservation{Operation: OpGate, Latency: time.Millisecond, Success: true})
	}

	tr.mu.Lock()
	kept := len(tr.observations[OpGate])
	tr.mu.Unlock()
	if kept > maxObservationsPerOp {
		t.Fatalf("history grew to %d, cap %d", kept, maxObservationsPerOp)
	}
}
