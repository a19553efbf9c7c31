package capability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/store"
)

const (
	// DefaultEscalationTTL is how long a pending request stays reviewable.
	DefaultEscalationTTL = 24 * time.Hour
	// approvedGrantTTL is the default lifetime of the grant an approval
	// mints when the reviewer does not choose one.
	approvedGrantTTL = time.Hour
)

// Escalations persists privilege review requests. Requests move from
// pending to exactly one of approved, rejected or expired.
type Escalations struct {
	db    *store.DB
	reg   *Registry
	clock Clock
	log   *slog.Logger
}

// NewEscalations builds the escalation store. Approvals mint grants
// through reg.
func NewEscalations(db *store.DB, reg *Registry, logger *slog.Logger) *Escalations {
	if logger == nil {
		logger = slog.Default()
	}
	return &Escalations{
		db:    db,
		reg:   reg,
		clock: wallClock{},
		log:   logger.With("component", "escalation"),
	}
}

// WithClock overrides the clock for deterministic testing.
func (e *Escalations) WithClock(c Clock) *Escalations {
	e.clock = c
	return e
}

// Open files a new pending request.
func (e *Escalations) Open(ctx context.Context, req *contracts.EscalationRequest) error {
	now := e.clock.Now()
	return e.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := e.reuseOrOpenTx(ctx, tx, req, now)
		return err
	})
}

// reuseOrOpenTx returns the id of an existing pending request for the
// same (agent, capability) pair, or inserts req and returns its new id.
// Reuse keeps a retrying agent from flooding the review queue.
func (e *Escalations) reuseOrOpenTx(ctx context.Context, tx *sql.Tx, req *contracts.EscalationRequest, now time.Time) (string, error) {
	var existing string
	err := tx.QueryRowContext(ctx, `
		SELECT escalation_id FROM escalation_requests
		WHERE agent_id = ? AND capability_id = ? AND status = 'pending' AND expires_at >= ?
		LIMIT 1`,
		req.AgentID, req.CapabilityID, store.TimeText(now)).Scan(&existing)
	if err == nil {
		req.ID = existing
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("capability: pending escalation lookup: %w", err)
	}

	if req.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return "", fmt.Errorf("capability: escalation id: %w", err)
		}
		req.ID = id.String()
	}
	req.Status = contracts.EscalationPending
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	if req.ExpiresAt.IsZero() {
		req.ExpiresAt = now.Add(DefaultEscalationTTL)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO escalation_requests (escalation_id, agent_id, capability_id, task_id, requested_level, reason, status, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		req.ID, req.AgentID, req.CapabilityID, store.NullStr(req.TaskID),
		string(req.Requested), req.Reason, string(req.Status),
		store.TimeText(req.ExpiresAt), store.TimeText(req.CreatedAt))
	if err != nil {
		return "", fmt.Errorf("capability: open escalation: %w", err)
	}
	return req.ID, nil
}

// Get returns one request by id.
func (e *Escalations) Get(ctx context.Context, id string) (*contracts.EscalationRequest, error) {
	row := e.db.Read().QueryRowContext(ctx, `
		SELECT escalation_id, agent_id, capability_id, task_id, requested_level, reason, status, decided_by, decided_at, expires_at, created_at
		FROM escalation_requests WHERE escalation_id = ?`, id)
	req, err := scanEscalation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return req, err
}

// Pending lists open requests, oldest first.
func (e *Escalations) Pending(ctx context.Context, limit int) ([]*contracts.EscalationRequest, error) {
	if limit <= 0 || limit > 500 {
		limit = 500
	}
	rows, err := e.db.Read().QueryContext(ctx, `
		SELECT escalation_id, agent_id, capability_id, task_id, requested_level, reason, status, decided_by, decided_at, expires_at, created_at
		FROM escalation_requests WHERE status = 'pending'
		ORDER BY created_at LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("capability: list pending escalations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*contracts.EscalationRequest
	for rows.Next() {
		req, err := scanEscalation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

// Approve resolves a pending request and mints a grant at the requested
// level, scoped to the request's task and expiring after grantTTL
// (approvedGrantTTL when zero). A request found expired is marked
// expired and returned as such instead.
func (e *Escalations) Approve(ctx context.Context, id, decidedBy string, grantTTL time.Duration) (*contracts.EscalationRequest, error) {
	var (
		out     *contracts.EscalationRequest
		grantID string
	)
	err := e.db.Write(ctx, func(tx *sql.Tx) error {
		req, err := e.pendingForDecision(ctx, tx, id)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		if now.After(req.ExpiresAt) {
			if err := e.markTx(ctx, tx, id, contracts.EscalationExpired, "", nil); err != nil {
				return err
			}
			req.Status = contracts.EscalationExpired
			out = req
			return nil
		}

		ttl := grantTTL
		if ttl <= 0 {
			ttl = approvedGrantTTL
		}
		expires := now.Add(ttl)
		grant := &contracts.Grant{
			AgentID:      req.AgentID,
			CapabilityID: req.CapabilityID,
			Level:        req.Requested,
			Scope:        req.TaskID,
			GrantedBy:    decidedBy,
			ExpiresAt:    &expires,
			CreatedAt:    now,
		}
		if err := e.reg.GrantTx(ctx, tx, grant); err != nil {
			return err
		}
		if err := e.markTx(ctx, tx, id, contracts.EscalationApproved, decidedBy, &now); err != nil {
			return err
		}
		grantID = grant.ID
		req.Status = contracts.EscalationApproved
		req.DecidedBy = decidedBy
		req.DecidedAt = &now
		out = req
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.reg.InvalidateAgent(out.AgentID)
	if out.Status == contracts.EscalationApproved {
		e.log.Info("escalation approved",
			"escalation_id", id, "agent_id", out.AgentID,
			"capability_id", out.CapabilityID, "grant_id", grantID)
	} else {
		e.log.Warn("escalation expired before decision", "escalation_id", id)
	}
	return out, nil
}

// Reject resolves a pending request without minting anything. Like
// Approve, an expired request is marked expired instead.
func (e *Escalations) Reject(ctx context.Context, id, decidedBy string) (*contracts.EscalationRequest, error) {
	var out *contracts.EscalationRequest
	err := e.db.Write(ctx, func(tx *sql.Tx) error {
		req, err := e.pendingForDecision(ctx, tx, id)
		if err != nil {
			return err
		}
		now := e.clock.Now()
		if now.After(req.ExpiresAt) {
			if err := e.markTx(ctx, tx, id, contracts.EscalationExpired, "", nil); err != nil {
				return err
			}
			req.Status = contracts.EscalationExpired
			out = req
			return nil
		}
		if err := e.markTx(ctx, tx, id, contracts.EscalationRejected, decidedBy, &now); err != nil {
			return err
		}
		req.Status = contracts.EscalationRejected
		req.DecidedBy = decidedBy
		req.DecidedAt = &now
		out = req
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Info("escalation rejected", "escalation_id", id, "decided_by", decidedBy)
	return out, nil
}

// ExpireSweep flips pending requests whose review window lapsed.
func (e *Escalations) ExpireSweep(ctx context.Context) (int, error) {
	var n int64
	err := e.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE escalation_requests SET status = 'expired'
			WHERE status = 'pending' AND expires_at < ?`,
			store.TimeText(e.clock.Now()))
		if err != nil {
			return fmt.Errorf("capability: expire escalations: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	if n > 0 {
		e.log.Info("escalations expired", "count", n)
	}
	return int(n), nil
}

// pendingForDecision loads a request and enforces that it is still
// pending.
func (e *Escalations) pendingForDecision(ctx context.Context, tx *sql.Tx, id string) (*contracts.EscalationRequest, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT escalation_id, agent_id, capability_id, task_id, requested_level, reason, status, decided_by, decided_at, expires_at, created_at
		FROM escalation_requests WHERE escalation_id = ?`, id)
	req, err := scanEscalation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if req.Status != contracts.EscalationPending {
		return nil, fmt.Errorf("capability: escalation %s is not pending (status=%s): %w",
			id, req.Status, store.ErrConflict)
	}
	return req, nil
}

func (e *Escalations) markTx(ctx context.Context, tx *sql.Tx, id string, status contracts.EscalationStatus, decidedBy string, decidedAt *time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE escalation_requests SET status = ?, decided_by = ?, decided_at = ?
		WHERE escalation_id = ? AND status = 'pending'`,
		string(status), store.NullStr(decidedBy), store.NullTimeText(decidedAt), id)
	if err != nil {
		return fmt.Errorf("capability: mark escalation %s: %w", status, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEscalation(row rowScanner) (*contracts.EscalationRequest, error) {
	var (
		req       contracts.EscalationRequest
		taskID    sql.NullString
		level     string
		status    string
		decidedBy sql.NullString
		decidedAt sql.NullString
		expires   string
		created   string
	)
	err := row.Scan(&req.ID, &req.AgentID, &req.CapabilityID, &taskID, &level,
		&req.Reason, &status, &decidedBy, &decidedAt, &expires, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("capability: scan escalation: %w", err)
	}
	req.TaskID = taskID.String
	req.Requested = contracts.Level(level)
	req.Status = contracts.EscalationStatus(status)
	req.DecidedBy = decidedBy.String
	if req.DecidedAt, err = store.ParseNullTime(decidedAt); err != nil {
		return nil, err
	}
	if req.ExpiresAt, err = store.ParseTime(expires); err != nil {
		return nil, err
	}
	req.CreatedAt, err = store.ParseTime(created)
	return &req, err
}
