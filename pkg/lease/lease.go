// Package lease arbitrates work item ownership. A lease is a row-level
// claim with a TTL: the owner heartbeats to keep it, anyone may take over
// once it lapses, and the sweeper expires lapsed claims so recovery can
// requeue them.
package lease

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/eventlog"
	"github.com/mandatehq/mandate/pkg/store"
)

// DefaultTTL is the lease lifetime when the config does not override it.
const DefaultTTL = 300 * time.Second

// Clock provides the manager's notion of now. Tests inject a fixed one.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// ErrHeld is returned when another live owner holds the lease.
var ErrHeld = errors.New("lease: held by another owner")

// Manager acquires, renews and sweeps work item leases.
type Manager struct {
	db     *store.DB
	items  *store.WorkItemStore
	events *eventlog.Log
	ttl    time.Duration
	clock  Clock
	log    *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithTTL overrides the lease lifetime.
func WithTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithClock injects a test clock.
func WithClock(c Clock) Option {
	return func(m *Manager) { m.clock = c }
}

// NewManager returns a lease Manager over db that records expiries on the
// event log.
func NewManager(db *store.DB, events *eventlog.Log, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		db:     db,
		items:  store.NewWorkItemStore(db),
		events: events,
		ttl:    DefaultTTL,
		clock:  wallClock{},
		log:    logger.With("component", "lease"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// TTL returns the configured lease lifetime.
func (m *Manager) TTL() time.Duration { return m.ttl }

// Acquire claims a work item for owner and moves it to in_progress. A
// pending item, the owner's own live lease, or anyone's lapsed lease can
// be claimed; a live lease held by someone else returns ErrHeld.
func (m *Manager) Acquire(ctx context.Context, workItemID, owner string) error {
	now := m.clock.Now()
	return m.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET status = 'in_progress',
			    lease_owner = ?, lease_acquired_at = ?, lease_expires_at = ?,
			    lease_heartbeat_at = ?, updated_at = ?
			WHERE work_item_id = ?
			  AND status IN ('pending','in_progress','expired')
			  AND (lease_owner IS NULL OR lease_owner = ? OR lease_expires_at < ?)`,
			owner, text(now), text(now.Add(m.ttl)), text(now), text(now),
			workItemID, owner, text(now))
		if err != nil {
			return fmt.Errorf("lease: acquire: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrHeld
		}
		return nil
	})
}

// Heartbeat extends the owner's lease. Losing the lease (expiry or
// takeover) surfaces as ERROR_LEASE_LOST; the worker must stop touching
// the item.
func (m *Manager) Heartbeat(ctx context.Context, workItemID, owner string) error {
	now := m.clock.Now()
	return m.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET lease_expires_at = ?, lease_heartbeat_at = ?, updated_at = ?
			WHERE work_item_id = ? AND status = 'in_progress'
			  AND lease_owner = ? AND lease_expires_at >= ?`,
			text(now.Add(m.ttl)), text(now), text(now), workItemID, owner, text(now))
		if err != nil {
			return fmt.Errorf("lease: heartbeat: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return contracts.NewKernelError(contracts.ErrLeaseLost,
				"lease lost during heartbeat",
				"work_item_id", workItemID, "owner", owner)
		}
		return nil
	})
}

// Release gives the lease back voluntarily and returns the item to
// pending. Completed or failed items are left alone.
func (m *Manager) Release(ctx context.Context, workItemID, owner string) error {
	now := m.clock.Now()
	return m.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE work_items
			SET status = 'pending',
			    lease_owner = NULL, lease_acquired_at = NULL,
			    lease_expires_at = NULL, lease_heartbeat_at = NULL, updated_at = ?
			WHERE work_item_id = ? AND status = 'in_progress' AND lease_owner = ?`,
			text(now), workItemID, owner)
		if err != nil {
			return fmt.Errorf("lease: release: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return contracts.NewKernelError(contracts.ErrLeaseLost,
				"lease lost before release",
				"work_item_id", workItemID, "owner", owner)
		}
		return nil
	})
}

// Keep heartbeats at half the TTL until ctx is done. A failed heartbeat
// is reported on the returned channel and stops the loop.
func (m *Manager) Keep(ctx context.Context, workItemID, owner string) <-chan error {
	lost := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(m.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := m.Heartbeat(ctx, workItemID, owner); err != nil {
					lost <- err
					return
				}
			}
		}
	}()
	return lost
}

// Sweep expires every in_progress item whose lease lapsed, records a
// lease_expired event per item, and returns them for recovery.
func (m *Manager) Sweep(ctx context.Context) ([]*contracts.WorkItem, error) {
	now := m.clock.Now()
	type expired struct {
		id     string
		taskID string
		owner  string
	}
	var swept []expired

	err := m.db.Write(ctx, func(tx *sql.Tx) error {
		swept = swept[:0]
		rows, err := tx.QueryContext(ctx, `
			UPDATE work_items
			SET status = 'expired', updated_at = ?
			WHERE status = 'in_progress' AND lease_expires_at < ?
			RETURNING work_item_id, task_id, lease_owner`,
			text(now), text(now))
		if err != nil {
			return fmt.Errorf("lease: sweep: %w", err)
		}
		defer func() { _ = rows.Close() }()
		for rows.Next() {
			var e expired
			var owner sql.NullString
			if err := rows.Scan(&e.id, &e.taskID, &owner); err != nil {
				return err
			}
			e.owner = owner.String
			swept = append(swept, e)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		for _, e := range swept {
			ev := &contracts.Event{
				TaskID: e.taskID,
				Type:   contracts.EventLeaseExpired,
				Actor:  contracts.ActorLease,
				Payload: map[string]any{
					"work_item_id": e.id,
					"owner":        e.owner,
					"expired_at":   text(now),
				},
			}
			if err := m.events.AppendTx(ctx, tx, ev); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var out []*contracts.WorkItem
	for _, e := range swept {
		m.events.Wake(e.taskID)
		item, err := m.items.Get(ctx, e.id)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
		m.log.Warn("lease expired", "work_item_id", e.id, "task_id", e.taskID, "owner", e.owner)
	}
	return out, nil
}

// RunSweeper sweeps on every tick until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
				m.log.Error("sweep failed", "error", err)
			}
		}
	}
}

func text(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
