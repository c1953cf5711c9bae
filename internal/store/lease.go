package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SyncLease names the process allowed to sync the database.
type SyncLease struct {
	Owner     string
	ExpiresAt time.Time
}

// AcquireSyncLease claims or renews the sync lease for owner until now+ttl.
//
// The lease is granted when it is free, expired, already held by owner, or
// held by an owner for which gone reports true (a process that no longer
// exists). Otherwise the current lease is returned with ErrLeaseHeld.
// gone may be nil.
// Each step is one conditional statement; concurrent callers never both win.
func (s *Store) AcquireSyncLease(ctx context.Context, owner string, now time.Time, ttl time.Duration, gone func(holder string) bool) (SyncLease, error) {
	lease := SyncLease{Owner: owner, ExpiresAt: now.Add(ttl).UTC()}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_lease (singleton, owner, expires_at)
		VALUES (1, ?, ?)
		ON CONFLICT(singleton) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE sync_lease.owner = excluded.owner OR sync_lease.expires_at <= ?
	`, owner, formatTime(lease.ExpiresAt), formatTime(now))
	if err != nil {
		return SyncLease{}, fmt.Errorf("acquire sync lease: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return SyncLease{}, fmt.Errorf("acquire sync lease: rows affected: %w", err)
	} else if n == 1 {
		return lease, nil
	}

	current, err := s.ReadSyncLease(ctx)
	if errors.Is(err, ErrNotFound) {
		// Released between the two statements.
		return s.AcquireSyncLease(ctx, owner, now, ttl, gone)
	}
	if err != nil {
		return SyncLease{}, fmt.Errorf("acquire sync lease: %w", err)
	}
	if gone == nil || !gone(current.Owner) {
		return current, fmt.Errorf("acquire sync lease: held by %s until %s: %w",
			current.Owner, current.ExpiresAt.Format(time.RFC3339), ErrLeaseHeld)
	}

	result, err = s.db.ExecContext(ctx, `
		UPDATE sync_lease SET owner = ?, expires_at = ?
		WHERE singleton = 1 AND owner = ?
	`, owner, formatTime(lease.ExpiresAt), current.Owner)
	if err != nil {
		return SyncLease{}, fmt.Errorf("take over sync lease: %w", err)
	}
	if n, err := result.RowsAffected(); err != nil {
		return SyncLease{}, fmt.Errorf("take over sync lease: rows affected: %w", err)
	} else if n == 0 {
		return current, fmt.Errorf("take over sync lease from %s: %w", current.Owner, ErrLeaseHeld)
	}
	return lease, nil
}

// ReadSyncLease returns the current lease or ErrNotFound.
func (s *Store) ReadSyncLease(ctx context.Context) (SyncLease, error) {
	var lease SyncLease
	var expires string
	err := s.db.QueryRowContext(ctx, `
		SELECT owner, expires_at FROM sync_lease WHERE singleton = 1
	`).Scan(&lease.Owner, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return SyncLease{}, fmt.Errorf("read sync lease: %w", ErrNotFound)
	}
	if err != nil {
		return SyncLease{}, fmt.Errorf("read sync lease: %w", err)
	}
	if lease.ExpiresAt, err = parseTime(expires); err != nil {
		return SyncLease{}, fmt.Errorf("read sync lease: %w", err)
	}
	return lease, nil
}

// ReleaseSyncLease gives up the lease if owner holds it.
func (s *Store) ReleaseSyncLease(ctx context.Context, owner string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_lease WHERE owner = ?`, owner); err != nil {
		return fmt.Errorf("release sync lease: %w", err)
	}
	return nil
}
