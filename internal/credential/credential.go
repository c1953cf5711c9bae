// Package credential manages the per-club login for the remote accounting
// service.
//
// There is exactly one credential per club. Replacing it is atomic and
// clears the club's authentication backoff in the store, so the sync engine
// tries a corrected login on its next cycle instead of waiting out a pause.
package credential

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clubfridge/kiosk/internal/ledger"
	"github.com/clubfridge/kiosk/internal/store"
)

// ErrInvalid is returned for credentials with missing fields.
var ErrInvalid = errors.New("invalid credential")

// ErrNotConfigured is returned by Get when the club has no credential.
var ErrNotConfigured = errors.New("credential not configured")

// Store is the persistence the manager needs. *store.Store implements it.
type Store interface {
	PutCredential(ctx context.Context, c ledger.Credential) error
	ReadCredential(ctx context.Context, clubID int) (ledger.Credential, error)
	ReadCredentials(ctx context.Context) ([]ledger.Credential, error)
}

// VerifyFunc checks a credential against the remote before it is saved.
type VerifyFunc func(ctx context.Context, cred ledger.Credential) error

// Manager reads and replaces club credentials.
//
// Thread-safety: All methods are safe for concurrent use; the store
// serializes writes.
type Manager struct {
	store Store
}

// NewManager creates a Manager over st.
func NewManager(st Store) *Manager {
	return &Manager{store: st}
}

// Get returns the credential of a club, or ErrNotConfigured.
func (m *Manager) Get(ctx context.Context, clubID int) (ledger.Credential, error) {
	c, err := m.store.ReadCredential(ctx, clubID)
	if errors.Is(err, store.ErrNotFound) {
		return ledger.Credential{}, fmt.Errorf("club %d: %w", clubID, ErrNotConfigured)
	}
	if err != nil {
		return ledger.Credential{}, fmt.Errorf("get credential: %w", err)
	}
	return c, nil
}

// Set replaces the credential of cred's club.
func (m *Manager) Set(ctx context.Context, cred ledger.Credential) error {
	if err := Validate(cred); err != nil {
		return err
	}
	if err := m.store.PutCredential(ctx, cred); err != nil {
		return fmt.Errorf("set credential: %w", err)
	}
	slog.Info("credential updated", "credential", cred)
	return nil
}

// SetVerified checks cred with verify and saves it only if the remote
// accepted it. The stored credential is left untouched on failure.
func (m *Manager) SetVerified(ctx context.Context, cred ledger.Credential, verify VerifyFunc) error {
	if err := Validate(cred); err != nil {
		return err
	}
	if err := verify(ctx, cred); err != nil {
		slog.Warn("credential verification failed", "credential", cred, "error", err)
		return fmt.Errorf("verify credential for club %d: %w", cred.ClubID, err)
	}
	return m.Set(ctx, cred)
}

// Clubs returns the ids of all configured clubs in ascending order.
func (m *Manager) Clubs(ctx context.Context) ([]int, error) {
	creds, err := m.store.ReadCredentials(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clubs: %w", err)
	}
	ids := make([]int, len(creds))
	for i, c := range creds {
		ids[i] = c.ClubID
	}
	return ids, nil
}

// Validate reports which field of cred is missing.
func Validate(cred ledger.Credential) error {
	switch {
	case cred.ClubID <= 0:
		return fmt.Errorf("%w: club id must be positive, got %d", ErrInvalid, cred.ClubID)
	case cred.AppKey == "":
		return fmt.Errorf("%w: app key is required", ErrInvalid)
	case cred.Username == "":
		return fmt.Errorf("%w: username is required", ErrInvalid)
	case cred.Password == "":
		return fmt.Errorf("%w: password is required", ErrInvalid)
	}
	return nil
}
