package governance

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/mandatehq/mandate/pkg/contracts"
)

// exprCache compiles CEL rule conditions once and reuses the programs.
type exprCache struct {
	env      *cel.Env
	mu       sync.RWMutex
	programs map[string]cel.Program
}

func newExprCache() (*exprCache, error) {
	env, err := cel.NewEnv(
		cel.Variable("agent_id", cel.StringType),
		cel.Variable("capability_id", cel.StringType),
		cel.Variable("task_id", cel.StringType),
		cel.Variable("domain", cel.StringType),
		cel.Variable("level", cel.StringType),
		cel.Variable("confidence", cel.StringType),
		cel.Variable("composite", cel.DoubleType),
		cel.Variable("risk_level", cel.StringType),
		cel.Variable("params", cel.DynType),
		cel.Variable("cost", cel.DynType),
		cel.Variable("risk", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("governance: cel environment: %w", err)
	}
	return &exprCache{env: env, programs: make(map[string]cel.Program)}, nil
}

func (c *exprCache) compile(expr string) (cel.Program, error) {
	c.mu.RLock()
	prg, hit := c.programs[expr]
	c.mu.RUnlock()
	if hit {
		return prg, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if prg, hit = c.programs[expr]; hit {
		return prg, nil
	}
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("governance: compile %q: %w", expr, issues.Err())
	}
	prg, err := c.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("governance: program %q: %w", expr, err)
	}
	c.programs[expr] = prg
	return prg, nil
}

func (c *exprCache) eval(expr string, input map[string]any) (bool, error) {
	prg, err := c.compile(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(input)
	if err != nil {
		return false, fmt.Errorf("governance: eval %q: %w", expr, err)
	}
	v, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("governance: expression %q did not yield a bool", expr)
	}
	return v, nil
}

func validOp(op string) bool {
	switch op {
	case "<", "<=", ">", ">=", "==", "!=":
		return true
	}
	return false
}

func compare(op string, have, want float64) bool {
	switch op {
	case "<":
		return have < want
	case "<=":
		return have <= want
	case ">":
		return have > want
	case ">=":
		return have >= want
	case "==":
		return have == want
	case "!=":
		return have != want
	}
	return false
}

// thresholdContext flattens the numeric side of a gate request so
// threshold rules can address fields like "composite", "risk.write_ratio",
// "cost.tokens", or "params.retries".
func thresholdContext(req *contracts.GateRequest, dims contracts.RiskDimensions, composite float64) map[string]float64 {
	ctx := map[string]float64{
		"composite":             composite,
		"risk.write_ratio":      dims.WriteRatio,
		"risk.external_call":    dims.ExternalCall,
		"risk.failure_rate":     dims.FailureRate,
		"risk.revoke_count":     dims.RevokeCount,
		"risk.duration_anomaly": dims.DurationAnomaly,
	}
	for res, v := range req.EstimatedCost {
		ctx["cost."+string(res)] = v
	}
	for k, v := range req.Params {
		if f, ok := asFloat(v); ok {
			ctx["params."+k] = f
		}
	}
	return ctx
}

// celContext shapes the gate request for expression rules.
func celContext(req *contracts.GateRequest, def *contracts.CapabilityDefinition, dims contracts.RiskDimensions, composite float64, level contracts.RiskLevel) map[string]any {
	params := req.Params
	if params == nil {
		params = map[string]any{}
	}
	cost := make(map[string]float64, len(req.EstimatedCost))
	for res, v := range req.EstimatedCost {
		cost[string(res)] = v
	}
	return map[string]any{
		"agent_id":      req.AgentID,
		"capability_id": req.CapabilityID,
		"task_id":       req.TaskID,
		"domain":        string(def.Domain),
		"level":         string(def.Level),
		"confidence":    string(req.Confidence),
		"composite":     composite,
		"risk_level":    string(level),
		"params":        params,
		"cost":          cost,
		"risk": map[string]float64{
			"write_ratio":      dims.WriteRatio,
			"external_call":    dims.ExternalCall,
			"failure_rate":     dims.FailureRate,
			"revoke_count":     dims.RevokeCount,
			"duration_anomaly": dims.DurationAnomaly,
		},
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
