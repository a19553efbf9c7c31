package decision

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/store"
)

// Freezing any draft stamps exactly the canonical content hash, and from
// that point neither the recorder nor raw SQL can touch the content.
func TestProperty_FrozenContentHash(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("frozen hash matches canonical content, content is immutable", prop.ForAll(
		func(nSteps int, capSuffix string, cost float64) bool {
			steps := make([]contracts.PlanStep, nSteps)
			for i := range steps {
				steps[i] = contracts.PlanStep{
					ID:           fmt.Sprintf("s%d", i+1),
					CapabilityID: "action.exec." + capSuffix,
					Params:       map[string]any{"n": i},
				}
			}
			alts := []contracts.PlanAlternative{
				{ID: "a1", Summary: "considered", Cost: cost, TimeSecs: 1},
			}
			plan := &contracts.DecisionPlan{TaskID: "task-1", Steps: steps, Alternatives: alts}
			if err := env.rec.Draft(ctx, plan); err != nil {
				return false
			}

			frozen, err := env.rec.Freeze(ctx, plan.ID)
			if err != nil {
				return false
			}
			want, err := PlanHash(steps, alts)
			if err != nil || frozen.PlanHash != want || frozen.FrozenAt == nil {
				return false
			}

			// The recorder refuses to mutate frozen content.
			if err := env.rec.UpdateDraft(ctx, plan); !errors.Is(err, store.ErrConflict) {
				return false
			}

			// And so does the database itself.
			err = env.db.Write(ctx, func(tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx,
					`UPDATE decision_plans SET steps_json = '[]' WHERE plan_id = ?`, plan.ID)
				return err
			})
			if err == nil {
				return false
			}

			return env.rec.VerifyFrozen(ctx, plan.ID, want) == nil
		},
		gen.IntRange(1, 4),
		gen.Identifier(),
		gen.Float64Range(0, 1000),
	))

	properties.TestingRun(t)
}
