package trust

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/store"
)

// Marketplace inheritance weights and the score ceiling. The weights are
// v0 placeholders; calibration against real marketplace outcomes is an
// open follow-up, so they live here as constants rather than config.
const (
	inheritPublisherWeight = 0.3
	inheritCategoryWeight  = 0.2
	inheritSandboxWeight   = 0.5
	inheritScoreCap        = 70.0
)

// Inherit seeds trust for a capability imported from a marketplace. The
// blended score is capped at 70, the tier never seeds above MEDIUM, and
// the state is always EARNING; the trust_states_seed_caps trigger enforces
// the same limits below this code. Seeding an already-tracked pair returns
// ErrConflict.
func (t *Tracker) Inherit(ctx context.Context, in *contracts.InheritanceInput) (*contracts.TrustRecord, error) {
	if in.ExtensionID == "" || in.ActionID == "" {
		return nil, fmt.Errorf("trust: inheritance needs extension_id and action_id")
	}

	score := inheritPublisherWeight*clamp100(in.PublisherTrust) +
		inheritCategoryWeight*clamp100(in.CategorySimilarity) +
		inheritSandboxWeight*clamp100(in.SandboxSafety)
	if score > inheritScoreCap {
		score = inheritScoreCap
	}
	tier := contracts.RiskLevelFor(score)
	if tier != contracts.RiskLow && tier != contracts.RiskMedium {
		tier = contracts.RiskMedium
	}

	now := t.clock.Now()
	rec := &contracts.TrustRecord{
		ExtensionID: in.ExtensionID,
		ActionID:    in.ActionID,
		State:       contracts.TrustEarning,
		Tier:        tier,
		Score:       score,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	err := t.db.Write(ctx, func(tx *sql.Tx) error {
		existing, err := t.loadTx(ctx, tx, in.ExtensionID, in.ActionID)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("trust: %s/%s is already tracked: %w",
				in.ExtensionID, in.ActionID, store.ErrConflict)
		}
		return insertStateTx(ctx, tx, rec, now)
	})
	if err != nil {
		return nil, err
	}

	t.log.Info("trust seeded from marketplace",
		"extension_id", in.ExtensionID,
		"action_id", in.ActionID,
		"score", score,
		"tier", tier)
	return rec, nil
}

func clamp100(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
