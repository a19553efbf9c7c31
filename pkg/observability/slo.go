package observability

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Kernel operations with service level targets.
const (
	OpPlan       = "plan"
	OpExecute    = "execute"
	OpVerify     = "verify"
	OpGate       = "gate"
	OpEscalation = "escalation"
	OpAPI        = "api"
)

// maxObservationsPerOp bounds the per-operation history; the oldest half is
// dropped once the ceiling is hit.
const maxObservationsPerOp = 4096

// SLOTarget defines a service level objective for one kernel operation.
type SLOTarget struct {
	SLOID       string        `json:"slo_id"`
	Name        string        `json:"name"`
	Operation   string        `json:"operation"`
	LatencyP99  time.Duration `json:"latency_p99"`
	SuccessRate float64       `json:"success_rate"` // target, 0 < rate < 1
	WindowHours int           `json:"window_hours"`
}

// SLOObservation is a single data point.
type SLOObservation struct {
	Operation string        `json:"operation"`
	Latency   time.Duration `json:"latency"`
	Success   bool          `json:"success"`
	Timestamp time.Time     `json:"timestamp"`
}

// SLOStatus reports current compliance for one operation.
type SLOStatus struct {
	SLOID            string  `json:"slo_id"`
	Operation        string  `json:"operation"`
	CurrentP99       float64 `json:"current_p99_ms"`
	CurrentSuccess   float64 `json:"current_success_rate"`
	InCompliance     bool    `json:"in_compliance"`
	BurnRate         float64 `json:"burn_rate"`         // >1 burns faster than budget allows
	ErrorBudgetLeft  float64 `json:"error_budget_left"` // percent remaining
	ObservationCount int     `json:"observation_count"`
}

// SLOTracker aggregates observations per operation inside a rolling window.
type SLOTracker struct {
	mu           sync.Mutex
	targets      map[string]*SLOTarget
	observations map[string][]SLOObservation
	clock        func() time.Time
}

// NewSLOTracker creates an empty tracker.
func NewSLOTracker() *SLOTracker {
	return &SLOTracker{
		targets:      make(map[string]*SLOTarget),
		observations: make(map[string][]SLOObservation),
		clock:        time.Now,
	}
}

// WithClock substitutes the time source.
func (t *SLOTracker) WithClock(clock func() time.Time) *SLOTracker {
	t.clock = clock
	return t
}

// DefaultTargets returns the kernel's shipped objectives. Gate evaluations
// sit on every dispatch and get the tightest latency bound; execution is
// dominated by handler work and gets the loosest.
func DefaultTargets() []*SLOTarget {
	return []*SLOTarget{
		{SLOID: "slo-plan", Name: "planning latency and success", Operation: OpPlan,
			LatencyP99: 2 * time.Second, SuccessRate: 0.99, WindowHours: 24},
		{SLOID: "slo-execute", Name: "action dispatch success", Operation: OpExecute,
			LatencyP99: 5 * time.Second, SuccessRate: 0.95, WindowHours: 24},
		{SLOID: "slo-verify", Name: "verification latency and success", Operation: OpVerify,
			LatencyP99: 2 * time.Second, SuccessRate: 0.99, WindowHours: 24},
		{SLOID: "slo-gate", Name: "policy gate latency", Operation: OpGate,
			LatencyP99: 50 * time.Millisecond, SuccessRate: 0.999, WindowHours: 24},
		{SLOID: "slo-api", Name: "api latency and availability", Operation: OpAPI,
			LatencyP99: 250 * time.Millisecond, SuccessRate: 0.999, WindowHours: 24},
	}
}

// SetTarget registers (or replaces) the objective for an operation.
func (t *SLOTracker) SetTarget(target *SLOTarget) error {
	if target == nil || target.Operation == "" {
		return fmt.Errorf("observability: slo target needs an operation")
	}
	if target.SuccessRate <= 0 || target.SuccessRate >= 1 {
		return fmt.Errorf("observability: slo %s success rate %v outside (0, 1)", target.Operation, target.SuccessRate)
	}
	if target.WindowHours <= 0 {
		return fmt.Errorf("observability: slo %s needs a positive window", target.Operation)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.targets[target.Operation] = target
	return nil
}

// Record appends one observation, stamping it when the caller didn't.
func (t *SLOTracker) Record(obs SLOObservation) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if obs.Timestamp.IsZero() {
		obs.Timestamp = t.clock()
	}
	window := append(t.observations[obs.Operation], obs)
	if len(window) > maxObservationsPerOp {
		window = window[len(window)-maxObservationsPerOp/2:]
	}
	t.observations[obs.Operation] = window
}

// Status computes current compliance for one operation.
func (t *SLOTracker) Status(operation string) (*SLOStatus, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.statusLocked(operation)
}

// Statuses reports every registered objective, ordered by operation.
func (t *SLOTracker) Statuses() []*SLOStatus {
	t.mu.Lock()
	defer t.mu.Unlock()

	ops := make([]string, 0, len(t.targets))
	for op := range t.targets {
		ops = append(ops, op)
	}
	sort.Strings(ops)

	out := make([]*SLOStatus, 0, len(ops))
	for _, op := range ops {
		st, err := t.statusLocked(op)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out
}

func (t *SLOTracker) statusLocked(operation string) (*SLOStatus, error) {
	target, ok := t.targets[operation]
	if !ok {
		return nil, fmt.Errorf("observability: no slo target for operation %q", operation)
	}

	now := t.clock()
	windowStart := now.Add(-time.Duration(target.WindowHours) * time.Hour)

	var windowed []SLOObservation
	for _, obs := range t.observations[operation] {
		if obs.Timestamp.After(windowStart) {
			windowed = append(windowed, obs)
		}
	}

	if len(windowed) == 0 {
		return &SLOStatus{
			SLOID:           target.SLOID,
			Operation:       operation,
			InCompliance:    true,
			ErrorBudgetLeft: 100.0,
		}, nil
	}

	successCount := 0
	latencies := make([]float64, len(windowed))
	for i, obs := range windowed {
		if obs.Success {
			successCount++
		}
		latencies[i] = float64(obs.Latency.Milliseconds())
	}
	successRate := float64(successCount) / float64(len(windowed))

	sort.Float64s(latencies)
	p99Index := int(float64(len(latencies)) * 0.99)
	if p99Index >= len(latencies) {
		p99Index = len(latencies) - 1
	}
	p99 := latencies[p99Index]

	latencyOK := p99 <= float64(target.LatencyP99.Milliseconds())
	successOK := successRate >= target.SuccessRate

	errorBudget := 1.0 - target.SuccessRate
	errorRate := 1.0 - successRate
	burnRate := errorRate / errorBudget
	budgetLeft := 100.0 * (1.0 - burnRate)
	if budgetLeft < 0 {
		budgetLeft = 0
	}

	return &SLOStatus{
		SLOID:            target.SLOID,
		Operation:        operation,
		CurrentP99:       p99,
		CurrentSuccess:   successRate,
		InCompliance:     latencyOK && successOK,
		BurnRate:         burnRate,
		ErrorBudgetLeft:  budgetLeft,
		ObservationCount: len(windowed),
	}, nil
}
