package governance

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/store"
)

// score clamps the caller's risk factors, backfills the revoke_count
// dimension from grant history when the caller left it unset, and folds
// the five dimensions into a composite on the 0-100 scale.
func (e *Engine) score(ctx context.Context, req *contracts.GateRequest) (contracts.RiskDimensions, float64) {
	dims := contracts.RiskDimensions{
		WriteRatio:      clamp01(req.RiskFactors.WriteRatio),
		ExternalCall:    clamp01(req.RiskFactors.ExternalCall),
		FailureRate:     clamp01(req.RiskFactors.FailureRate),
		RevokeCount:     clamp01(req.RiskFactors.RevokeCount),
		DurationAnomaly: clamp01(req.RiskFactors.DurationAnomaly),
	}
	if dims.RevokeCount == 0 {
		if n, err := e.caps.RevokeCount(ctx, req.AgentID); err == nil && n > 0 {
			dims.RevokeCount = clamp01(float64(n) / revokeSaturation)
		}
	}
	composite := 100 * (weightWriteRatio*dims.WriteRatio +
		weightExternalCall*dims.ExternalCall +
		weightFailureRate*dims.FailureRate +
		weightRevokeCount*dims.RevokeCount +
		weightDurationAnomaly*dims.DurationAnomaly)
	if composite > 100 {
		composite = 100
	}
	return dims, composite
}

// insertAssessmentTx writes the immutable assessment row and its timeline
// entry in the gate transaction. The assessment's ID is filled in.
func insertAssessmentTx(ctx context.Context, tx *sql.Tx, a *contracts.RiskAssessment) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("governance: assessment id: %w", err)
	}
	a.ID = id.String()
	dimsJSON, err := store.JSONText(a.Dimensions)
	if err != nil {
		return fmt.Errorf("governance: encode dimensions: %w", err)
	}
	createdAt := store.TimeText(a.CreatedAt)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO risk_assessments (assessment_id, capability_id, agent_id, dimensions_json, composite, score, level, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.CapabilityID, a.AgentID, dimsJSON, a.Composite, a.Score, string(a.Level), createdAt); err != nil {
		return fmt.Errorf("governance: record assessment: %w", err)
	}

	entryID, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("governance: timeline id: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO risk_timeline (entry_id, capability_id, agent_id, assessment_id, level, composite, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entryID.String(), a.CapabilityID, a.AgentID, a.ID, string(a.Level), a.Composite, createdAt); err != nil {
		return fmt.Errorf("governance: record timeline entry: %w", err)
	}
	return nil
}

// Timeline returns the risk history for (agent, capability), newest first.
func (e *Engine) Timeline(ctx context.Context, agentID, capabilityID string, limit int) ([]*contracts.RiskAssessment, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := e.db.Read().QueryContext(ctx, `
		SELECT a.assessment_id, a.capability_id, a.agent_id, a.dimensions_json, a.composite, a.score, a.level, a.created_at
		FROM risk_timeline t
		JOIN risk_assessments a ON a.assessment_id = t.assessment_id
		WHERE t.agent_id = ? AND t.capability_id = ?
		ORDER BY t.created_at DESC, t.entry_id DESC LIMIT ?`,
		agentID, capabilityID, limit)
	if err != nil {
		return nil, fmt.Errorf("governance: risk timeline: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.RiskAssessment
	for rows.Next() {
		a := &contracts.RiskAssessment{}
		var dimsJSON sql.NullString
		var created, level string
		if err := rows.Scan(&a.ID, &a.CapabilityID, &a.AgentID, &dimsJSON, &a.Composite, &a.Score, &level, &created); err != nil {
			return nil, fmt.Errorf("governance: scan assessment: %w", err)
		}
		a.Level = contracts.RiskLevel(level)
		if err := store.ScanJSON(dimsJSON, &a.Dimensions); err != nil {
			return nil, err
		}
		if a.CreatedAt, err = store.ParseTime(created); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
