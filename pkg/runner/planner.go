package runner

import (
	"context"
	"fmt"

	"github.com/mandatehq/mandate/pkg/contracts"
)

// Planner produces the draft plan for a task. The runner records the
// draft through the decision recorder; it never executes an unfrozen plan.
type Planner interface {
	Plan(ctx context.Context, task *contracts.Task) (*contracts.DecisionPlan, error)
}

// DefaultCapability is the capability a metadata-less task is planned
// against. Registered at boot with a no-op handler.
const DefaultCapability = "noop"

// MetadataPlanner drafts plans from the task's metadata. A "steps" list of
// objects with capability_id, params, requires_approval, reversible and
// description becomes the plan verbatim; a task without one gets a single
// step invoking DefaultCapability.
type MetadataPlanner struct{}

// Plan implements Planner.
func (MetadataPlanner) Plan(_ context.Context, task *contracts.Task) (*contracts.DecisionPlan, error) {
	plan := &contracts.DecisionPlan{
		ID:     task.ID + "_plan",
		TaskID: task.ID,
	}
	raw, ok := task.Metadata["steps"].([]any)
	if !ok || len(raw) == 0 {
		plan.Steps = []contracts.PlanStep{{
			ID:           "step-1",
			CapabilityID: DefaultCapability,
			Description:  task.Title,
			Params:       map[string]any{},
		}}
		return plan, nil
	}

	for i, entry := range raw {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("runner: task %s metadata step %d is not an object", task.ID, i+1)
		}
		capID, _ := m["capability_id"].(string)
		if capID == "" {
			return nil, fmt.Errorf("runner: task %s metadata step %d names no capability", task.ID, i+1)
		}
		step := contracts.PlanStep{
			ID:           fmt.Sprintf("step-%d", i+1),
			CapabilityID: capID,
		}
		if v, ok := m["description"].(string); ok {
			step.Description = v
		}
		if v, ok := m["params"].(map[string]any); ok {
			step.Params = v
		}
		if v, ok := m["requires_approval"].(bool); ok {
			step.RequiresApproval = v
		}
		if v, ok := m["reversible"].(bool); ok {
			step.Reversible = v
		}
		plan.Steps = append(plan.Steps, step)
	}
	return plan, nil
}
