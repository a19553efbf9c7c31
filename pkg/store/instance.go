package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrInstanceHeld is returned when another live process owns the data
// directory.
var ErrInstanceHeld = errors.New("store: instance lock held by another process")

// InstanceLock guards the data directory against concurrent kernels. One
// row with id 1 records the current owner; a stale row (expired TTL) may
// be taken over.
type InstanceLock struct {
	db    *DB
	owner string
	ttl   time.Duration
}

// NewInstanceLock returns an InstanceLock for owner with the given TTL.
func NewInstanceLock(db *DB, owner string, ttl time.Duration) *InstanceLock {
	return &InstanceLock{db: db, owner: owner, ttl: ttl}
}

// Acquire takes the lock or returns ErrInstanceHeld when a live owner
// already has it.
func (l *InstanceLock) Acquire(ctx context.Context) error {
	return l.db.Write(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		res, err := tx.ExecContext(ctx, `
			INSERT INTO instance_lock (id, owner_id, acquired_at, expires_at)
			VALUES (1, ?, ?, ?)
			ON CONFLICT (id) DO UPDATE
			SET owner_id = excluded.owner_id,
			    acquired_at = excluded.acquired_at,
			    expires_at = excluded.expires_at
			WHERE instance_lock.owner_id = excluded.owner_id
			   OR instance_lock.expires_at < ?`,
			l.owner, TimeText(now), TimeText(now.Add(l.ttl)), TimeText(now))
		if err != nil {
			return fmt.Errorf("store: acquire instance lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrInstanceHeld
		}
		return nil
	})
}

// Renew extends the lock. It fails with ErrInstanceHeld when ownership
// was lost in the meantime.
func (l *InstanceLock) Renew(ctx context.Context) error {
	return l.db.Write(ctx, func(tx *sql.Tx) error {
		now := time.Now()
		res, err := tx.ExecContext(ctx, `
			UPDATE instance_lock SET expires_at = ?
			WHERE id = 1 AND owner_id = ?`,
			TimeText(now.Add(l.ttl)), l.owner)
		if err != nil {
			return fmt.Errorf("store: renew instance lock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrInstanceHeld
		}
		return nil
	})
}

// Release drops the lock if this process still owns it.
func (l *InstanceLock) Release(ctx context.Context) error {
	return l.db.Write(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM instance_lock WHERE id = 1 AND owner_id = ?`, l.owner)
		if err != nil {
			return fmt.Errorf("store: release instance lock: %w", err)
		}
		return nil
	})
}

// Keep renews the lock every ttl/2 until ctx is done. Renewal failures
// are reported on the returned channel and stop the loop.
func (l *InstanceLock) Keep(ctx context.Context) <-chan error {
	lost := make(chan error, 1)
	go func() {
		ticker := time.NewTicker(l.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := l.Renew(ctx); err != nil {
					lost <- err
					return
				}
			}
		}
	}()
	return lost
}
