package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/clubfridge/kiosk/internal/ledger"
)

// PutCredential stores the credential for its club, replacing any previous
// one. The club's authentication backoff is cleared and its unsynced sales
// become due in the same transaction, so corrected credentials are tried on
// the next sync cycle.
func (s *Store) PutCredential(ctx context.Context, c ledger.Credential) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put credential: begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO credentials (club_id, app_key, username, password)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(club_id) DO UPDATE SET
			app_key = excluded.app_key,
			username = excluded.username,
			password = excluded.password
	`, c.ClubID, c.AppKey, c.Username, c.Password)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM club_sync_state WHERE club_id = ?`, c.ClubID); err != nil {
		return fmt.Errorf("put credential: clear auth backoff: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE sales SET next_attempt_at = ''
		WHERE club_id = ? AND sync_state = 'unsynced'
	`, c.ClubID); err != nil {
		return fmt.Errorf("put credential: reschedule sales: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put credential: commit: %w", err)
	}
	return nil
}

// ReadCredential returns the credential of a club or ErrNotFound.
func (s *Store) ReadCredential(ctx context.Context, clubID int) (ledger.Credential, error) {
	var c ledger.Credential
	err := s.db.QueryRowContext(ctx, `
		SELECT club_id, app_key, username, password
		FROM credentials
		WHERE club_id = ?
	`, clubID).Scan(&c.ClubID, &c.AppKey, &c.Username, &c.Password)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Credential{}, fmt.Errorf("read credential %d: %w", clubID, ErrNotFound)
	}
	if err != nil {
		return ledger.Credential{}, fmt.Errorf("read credential %d: %w", clubID, err)
	}
	return c, nil
}

// ReadCredentials returns all stored credentials ordered by club id.
func (s *Store) ReadCredentials(ctx context.Context) ([]ledger.Credential, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT club_id, app_key, username, password
		FROM credentials
		ORDER BY club_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query credentials: %w", err)
	}
	defer rows.Close()

	creds := []ledger.Credential{}
	for rows.Next() {
		var c ledger.Credential
		if err := rows.Scan(&c.ClubID, &c.AppKey, &c.Username, &c.Password); err != nil {
			return nil, fmt.Errorf("scan credential: %w", err)
		}
		creds = append(creds, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate credentials: %w", err)
	}
	return creds, nil
}
