package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mandatehq/mandate/pkg/contracts"
)

// IdempotencyStore deduplicates externally supplied operation keys.
// The same key may only ever carry one request hash; replays of a
// completed key return the stored response instead of re-executing.
type IdempotencyStore struct {
	db *DB
}

// NewIdempotencyStore returns an IdempotencyStore over db.
func NewIdempotencyStore(db *DB) *IdempotencyStore {
	return &IdempotencyStore{db: db}
}

// BeginResult reports what Begin decided for a key.
type BeginResult struct {
	// Fresh is true when the caller owns the key and must execute.
	Fresh bool
	// Replay holds the stored record when the key already completed
	// or failed; the caller returns Replay.Response without executing.
	Replay *contracts.IdempotencyRecord
}

// Begin claims a key for execution. A new key is inserted as pending and
// returned Fresh. A key seen before with the same request hash returns
// the stored record for replay (or ErrConflict while still pending). A
// key reused with a different request hash fails with
// ERROR_IDEMPOTENCY_MISMATCH.
func (s *IdempotencyStore) Begin(ctx context.Context, key, requestHash string, ttl time.Duration) (*BeginResult, error) {
	var out BeginResult
	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		var (
			storedHash string
			status     string
			response   []byte
			created    string
			expires    sql.NullString
		)
		row := tx.QueryRowContext(ctx, `
			SELECT request_hash, status, response_data, created_at, expires_at
			FROM idempotency_keys WHERE key = ?`, key)
		err := row.Scan(&storedHash, &status, &response, &created, &expires)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			now := time.Now()
			var expiresAt any
			if ttl > 0 {
				expiresAt = TimeText(now.Add(ttl))
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO idempotency_keys (key, request_hash, status, created_at, expires_at)
				VALUES (?, ?, 'pending', ?, ?)`,
				key, requestHash, TimeText(now), expiresAt)
			if err != nil {
				return fmt.Errorf("store: claim idempotency key: %w", err)
			}
			out.Fresh = true
			return nil
		case err != nil:
			return fmt.Errorf("store: read idempotency key: %w", err)
		}

		if storedHash != requestHash {
			return contracts.NewKernelError(contracts.ErrIdempotencyMismatch,
				"idempotency key reused with a different request",
				"key", key)
		}
		if status == string(contracts.IdempotencyPending) {
			return ErrConflict
		}
		rec := &contracts.IdempotencyRecord{
			Key:         key,
			RequestHash: storedHash,
			Status:      contracts.IdempotencyStatus(status),
			Response:    response,
		}
		if rec.CreatedAt, err = ParseTime(created); err != nil {
			return err
		}
		if rec.ExpiresAt, err = ParseNullTime(expires); err != nil {
			return err
		}
		out.Replay = rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Complete stores the response for a pending key.
func (s *IdempotencyStore) Complete(ctx context.Context, key string, response []byte) error {
	return s.finish(ctx, key, contracts.IdempotencyCompleted, response)
}

// Fail records a pending key as failed alongside its error payload.
func (s *IdempotencyStore) Fail(ctx context.Context, key string, response []byte) error {
	return s.finish(ctx, key, contracts.IdempotencyFailed, response)
}

// Release abandons a pending claim so a later attempt may execute fresh.
// Only the claimant calls this, and only when no response was recorded:
// a released key keeps no trace of the aborted attempt.
func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM idempotency_keys WHERE key = ? AND status = 'pending'`, key)
		if err != nil {
			return fmt.Errorf("store: release idempotency key: %w", err)
		}
		return oneRow(res)
	})
}

func (s *IdempotencyStore) finish(ctx context.Context, key string, status contracts.IdempotencyStatus, response []byte) error {
	return s.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE idempotency_keys SET status = ?, response_data = ?
			WHERE key = ? AND status = 'pending'`,
			string(status), response, key)
		if err != nil {
			return fmt.Errorf("store: finish idempotency key: %w", err)
		}
		return oneRow(res)
	})
}

// PurgeExpired deletes keys past their expiry and returns how many went.
func (s *IdempotencyStore) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	var purged int64
	err := s.db.Write(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			DELETE FROM idempotency_keys
			WHERE expires_at IS NOT NULL AND expires_at < ?`, TimeText(now))
		if err != nil {
			return fmt.Errorf("store: purge idempotency keys: %w", err)
		}
		purged, err = res.RowsAffected()
		return err
	})
	return purged, err
}
