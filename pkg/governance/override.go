package governance

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mandatehq/mandate/pkg/canonicalize"
	"github.com/mandatehq/mandate/pkg/contracts"
	"github.com/mandatehq/mandate/pkg/store"
)

// MinJustificationChars is the floor on override justifications, counted
// over normalized text so padding tricks with combining marks don't help.
const MinJustificationChars = 100

// DefaultOverrideTTL bounds how long a minted override stays redeemable.
const DefaultOverrideTTL = time.Hour

// MintOverride creates a single-use token for one blocked operation.
func (e *Engine) MintOverride(ctx context.Context, operationRef, justification, mintedBy string, ttl time.Duration) (*contracts.EmergencyOverride, error) {
	if operationRef == "" || mintedBy == "" {
		return nil, fmt.Errorf("governance: override needs an operation ref and a minter")
	}
	n, err := canonicalize.TextLength(justification)
	if err != nil {
		return nil, fmt.Errorf("governance: justification: %w", err)
	}
	if n < MinJustificationChars {
		return nil, fmt.Errorf("governance: justification is %d chars, need at least %d", n, MinJustificationChars)
	}
	if ttl <= 0 {
		ttl = DefaultOverrideTTL
	}
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("governance: override id: %w", err)
	}
	now := e.clock.Now()
	ov := &contracts.EmergencyOverride{
		ID:            id.String(),
		OperationRef:  operationRef,
		Justification: justification,
		MintedBy:      mintedBy,
		ExpiresAt:     now.Add(ttl),
		CreatedAt:     now,
	}
	err = e.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO emergency_overrides (override_id, operation_ref, justification, minted_by, used, expires_at, created_at)
			VALUES (?, ?, ?, ?, 0, ?, ?)`,
			ov.ID, ov.OperationRef, ov.Justification, ov.MintedBy,
			store.TimeText(ov.ExpiresAt), store.TimeText(ov.CreatedAt))
		if err != nil {
			return fmt.Errorf("governance: mint override: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.log.Warn("emergency override minted",
		"override_id", ov.ID, "operation_ref", operationRef, "minted_by", mintedBy)
	return ov, nil
}

// Override returns one token by id.
func (e *Engine) Override(ctx context.Context, id string) (*contracts.EmergencyOverride, error) {
	row := e.db.Read().QueryRowContext(ctx, `
		SELECT override_id, operation_ref, justification, minted_by, used, used_at, expires_at, created_at
		FROM emergency_overrides WHERE override_id = ?`, id)
	ov, err := scanOverride(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("governance: override %s: %w", id, store.ErrNotFound)
	}
	return ov, err
}

// ActiveOverrideFor returns the newest unspent, unexpired token minted for
// an operation ref. Callers present its id on the next dispatch; the gate
// consumes it there.
func (e *Engine) ActiveOverrideFor(ctx context.Context, operationRef string) (*contracts.EmergencyOverride, error) {
	now := store.TimeText(e.clock.Now())
	row := e.db.Read().QueryRowContext(ctx, `
		SELECT override_id, operation_ref, justification, minted_by, used, used_at, expires_at, created_at
		FROM emergency_overrides
		WHERE operation_ref = ? AND used = 0 AND expires_at > ?
		ORDER BY created_at DESC LIMIT 1`, operationRef, now)
	ov, err := scanOverride(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("governance: no active override for %s: %w", operationRef, store.ErrNotFound)
	}
	return ov, err
}

func scanOverride(row *sql.Row) (*contracts.EmergencyOverride, error) {
	ov := &contracts.EmergencyOverride{}
	var used int
	var usedAt sql.NullString
	var expires, created string
	err := row.Scan(&ov.ID, &ov.OperationRef, &ov.Justification, &ov.MintedBy, &used, &usedAt, &expires, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("governance: load override: %w", err)
	}
	ov.Used = used == 1
	if ov.UsedAt, err = store.ParseNullTime(usedAt); err != nil {
		return nil, err
	}
	if ov.ExpiresAt, err = store.ParseTime(expires); err != nil {
		return nil, err
	}
	if ov.CreatedAt, err = store.ParseTime(created); err != nil {
		return nil, err
	}
	return ov, nil
}

// consumeOverrideTx spends a token. The guarded UPDATE touches zero rows
// for a spent, expired, or unknown token, so exactly one consumer ever
// sees true for a given id.
func consumeOverrideTx(ctx context.Context, tx *sql.Tx, id string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE emergency_overrides SET used = 1, used_at = ?
		WHERE override_id = ? AND used = 0 AND expires_at > ?`,
		store.TimeText(now), id, store.TimeText(now))
	if err != nil {
		return false, fmt.Errorf("governance: consume override %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
