package governance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/store"
)

// SetQuota creates or updates the budget row for (agent, resource).
// Accumulated usage and the reset anchor survive a limit change.
func (e *Engine) SetQuota(ctx context.Context, q *contracts.Quota) error {
	if !validResource(q.Resource) {
		return fmt.Errorf("governance: unknown quota resource %q", q.Resource)
	}
	if q.Limit < 0 {
		return fmt.Errorf("governance: quota limit must not be negative")
	}
	now := e.clock.Now()
	return e.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO quotas (agent_id, resource, limit_value, used_value, reset_interval_secs, last_reset, updated_at)
			VALUES (?, ?, ?, 0, ?, ?, ?)
			ON CONFLICT(agent_id, resource) DO UPDATE SET
				limit_value = excluded.limit_value,
				reset_interval_secs = excluded.reset_interval_secs,
				updated_at = excluded.updated_at`,
			q.AgentID, string(q.Resource), q.Limit,
			int64(q.ResetInterval/time.Second), store.TimeText(now), store.TimeText(now))
		if err != nil {
			return fmt.Errorf("governance: set quota %s/%s: %w", q.AgentID, q.Resource, err)
		}
		return nil
	})
}

// Quotas returns an agent's budget rows with any due rollover already
// applied to the view (the rows themselves roll over on the next charge).
func (e *Engine) Quotas(ctx context.Context, agentID string) ([]*contracts.Quota, error) {
	rows, err := e.db.Read().QueryContext(ctx, `
		SELECT agent_id, resource, limit_value, used_value, reset_interval_secs, last_reset, updated_at
		FROM quotas WHERE agent_id = ? ORDER BY resource`, agentID)
	if err != nil {
		return nil, fmt.Errorf("governance: list quotas: %w", err)
	}
	defer func() { _ = rows.Close() }()

	now := e.clock.Now()
	var out []*contracts.Quota
	for rows.Next() {
		q, err := scanQuota(rows)
		if err != nil {
			return nil, err
		}
		if rolloverDue(q, now) {
			q.Used = 0
			q.LastReset = now
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// Charge records usage outside a gate pass, e.g. the executor reconciling
// measured cost against the estimate it was gated on.
func (e *Engine) Charge(ctx context.Context, agentID string, resource contracts.QuotaResource, delta float64) error {
	if delta < 0 {
		return fmt.Errorf("governance: charge delta must not be negative")
	}
	now := e.clock.Now()
	return e.db.Write(ctx, func(tx *sql.Tx) error {
		q, err := loadQuotaTx(ctx, tx, agentID, resource)
		if errors.Is(err, sql.ErrNoRows) {
			return nil // no budget row means unmetered
		}
		if err != nil {
			return err
		}
		applyRollover(q, now)
		q.Used += delta
		return writeQuotaUsageTx(ctx, tx, q, now)
	})
}

// checkQuotasTx applies lazy rollover and verifies used + delta ≤ limit for
// every estimated resource. The first exceeded resource closes the gate;
// otherwise the status reports the tightest remaining headroom.
func (e *Engine) checkQuotasTx(ctx context.Context, tx *sql.Tx, req *contracts.GateRequest, now time.Time) (contracts.QuotaStatus, error) {
	status := contracts.QuotaStatus{}
	first := true
	for _, resource := range sortedResources(req.EstimatedCost) {
		delta := req.EstimatedCost[resource]
		q, err := loadQuotaTx(ctx, tx, req.AgentID, resource)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return status, err
		}
		if applyRollover(q, now) {
			if err := writeQuotaUsageTx(ctx, tx, q, now); err != nil {
				return status, err
			}
		}
		if q.Used+delta > q.Limit {
			return contracts.QuotaStatus{Resource: resource, Remaining: q.Remaining(), Exceeded: true}, nil
		}
		remaining := q.Limit - (q.Used + delta)
		if first || remaining < status.Remaining {
			status = contracts.QuotaStatus{Resource: resource, Remaining: remaining}
			first = false
		}
	}
	return status, nil
}

// chargeQuotasTx books the estimated cost after the gate approved.
func (e *Engine) chargeQuotasTx(ctx context.Context, tx *sql.Tx, req *contracts.GateRequest, now time.Time) error {
	for _, resource := range sortedResources(req.EstimatedCost) {
		q, err := loadQuotaTx(ctx, tx, req.AgentID, resource)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return err
		}
		applyRollover(q, now)
		q.Used += req.EstimatedCost[resource]
		if err := writeQuotaUsageTx(ctx, tx, q, now); err != nil {
			return err
		}
	}
	return nil
}

func loadQuotaTx(ctx context.Context, tx *sql.Tx, agentID string, resource contracts.QuotaResource) (*contracts.Quota, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT agent_id, resource, limit_value, used_value, reset_interval_secs, last_reset, updated_at
		FROM quotas WHERE agent_id = ? AND resource = ?`, agentID, string(resource))
	q, err := scanQuota(row)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("governance: load quota %s/%s: %w", agentID, resource, err)
	}
	return q, err
}

func writeQuotaUsageTx(ctx context.Context, tx *sql.Tx, q *contracts.Quota, now time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE quotas SET used_value = ?, last_reset = ?, updated_at = ?
		WHERE agent_id = ? AND resource = ?`,
		q.Used, store.TimeText(q.LastReset), store.TimeText(now), q.AgentID, string(q.Resource))
	if err != nil {
		return fmt.Errorf("governance: update quota %s/%s: %w", q.AgentID, q.Resource, err)
	}
	return nil
}

func applyRollover(q *contracts.Quota, now time.Time) bool {
	if !rolloverDue(q, now) {
		return false
	}
	q.Used = 0
	q.LastReset = now
	return true
}

func rolloverDue(q *contracts.Quota, now time.Time) bool {
	return q.ResetInterval > 0 && now.Sub(q.LastReset) >= q.ResetInterval
}

func scanQuota(row rowScanner) (*contracts.Quota, error) {
	q := &contracts.Quota{}
	var resource string
	var resetSecs int64
	var lastReset, updated string
	if err := row.Scan(&q.AgentID, &resource, &q.Limit, &q.Used, &resetSecs, &lastReset, &updated); err != nil {
		return nil, err
	}
	q.Resource = contracts.QuotaResource(resource)
	q.ResetInterval = time.Duration(resetSecs) * time.Second
	var err error
	if q.LastReset, err = store.ParseTime(lastReset); err != nil {
		return nil, err
	}
	if q.UpdatedAt, err = store.ParseTime(updated); err != nil {
		return nil, err
	}
	return q, nil
}

func sortedResources(cost map[contracts.QuotaResource]float64) []contracts.QuotaResource {
	out := make([]contracts.QuotaResource, 0, len(cost))
	for r := range cost {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func validResource(r contracts.QuotaResource) bool {
	switch r {
	case contracts.QuotaTokens, contracts.QuotaAPICalls, contracts.QuotaStorage,
		contracts.QuotaCostUSD, contracts.QuotaComputeTime:
		return true
	}
	return false
}
