package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ClubSyncState is the authentication backoff of one club and the hold that
// keeps its sales in order after a transient failure.
// The zero value means "no recorded failures".
type ClubSyncState struct {
	ClubID            int
	AuthFailures      int
	NextAuthAttemptAt time.Time
	LastError         string

	// RetryAt holds back every sale of the club until the sale that failed
	// is due again.
	RetryAt time.Time
}

// ReadClubSyncState returns the auth backoff state of a club. A club with no
// recorded failures yields a zero state, not ErrNotFound.
func (s *Store) ReadClubSyncState(ctx context.Context, clubID int) (ClubSyncState, error) {
	state := ClubSyncState{ClubID: clubID}
	var next, retry string
	err := s.db.QueryRowContext(ctx, `
		SELECT auth_failures, next_auth_attempt_at, last_error, retry_at
		FROM club_sync_state
		WHERE club_id = ?
	`, clubID).Scan(&state.AuthFailures, &next, &state.LastError, &retry)
	if errors.Is(err, sql.ErrNoRows) {
		return state, nil
	}
	if err != nil {
		return ClubSyncState{}, fmt.Errorf("read club sync state %d: %w", clubID, err)
	}
	if state.NextAuthAttemptAt, err = parseTime(next); err != nil {
		return ClubSyncState{}, fmt.Errorf("read club sync state %d: %w", clubID, err)
	}
	if state.RetryAt, err = parseTime(retry); err != nil {
		return ClubSyncState{}, fmt.Errorf("read club sync state %d: %w", clubID, err)
	}
	return state, nil
}

// RecordAuthFailure increments the club's consecutive auth failure count and
// stores the time of the next allowed attempt. nextAt computes that time from
// the new failure count. Returns the updated state.
func (s *Store) RecordAuthFailure(ctx context.Context, clubID int, msg string, nextAt func(failures int) time.Time) (ClubSyncState, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ClubSyncState{}, fmt.Errorf("record auth failure: begin tx: %w", err)
	}
	defer tx.Rollback()

	var failures int
	err = tx.QueryRowContext(ctx,
		`SELECT auth_failures FROM club_sync_state WHERE club_id = ?`, clubID,
	).Scan(&failures)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return ClubSyncState{}, fmt.Errorf("record auth failure %d: %w", clubID, err)
	}
	failures++

	state := ClubSyncState{
		ClubID:            clubID,
		AuthFailures:      failures,
		NextAuthAttemptAt: nextAt(failures).UTC(),
		LastError:         msg,
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO club_sync_state (club_id, auth_failures, next_auth_attempt_at, last_error)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(club_id) DO UPDATE SET
			auth_failures = excluded.auth_failures,
			next_auth_attempt_at = excluded.next_auth_attempt_at,
			last_error = excluded.last_error
	`, clubID, state.AuthFailures, formatTime(state.NextAuthAttemptAt), state.LastError)
	if err != nil {
		return ClubSyncState{}, fmt.Errorf("record auth failure %d: %w", clubID, err)
	}

	if err := tx.Commit(); err != nil {
		return ClubSyncState{}, fmt.Errorf("record auth failure: commit: %w", err)
	}
	return state, nil
}

// HoldClub keeps every sale of a club back until the given time.
func (s *Store) HoldClub(ctx context.Context, clubID int, until time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO club_sync_state (club_id, retry_at)
		VALUES (?, ?)
		ON CONFLICT(club_id) DO UPDATE SET retry_at = excluded.retry_at
	`, clubID, formatTime(until))
	if err != nil {
		return fmt.Errorf("hold club %d: %w", clubID, err)
	}
	return nil
}

// ClearAuthFailures forgets the auth backoff and the hold of a club after
// the remote accepted one of its requests.
func (s *Store) ClearAuthFailures(ctx context.Context, clubID int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM club_sync_state WHERE club_id = ?`, clubID); err != nil {
		return fmt.Errorf("clear auth failures %d: %w", clubID, err)
	}
	return nil
}
