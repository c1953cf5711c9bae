package syncer

import (
	"errors"
	"fmt"

	"github.com/clubfridge/kiosk/internal/ledger"
)

// SyncError describes why a sale or club could not be synchronized.
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// ClubID identifies the affected club.
	ClubID int

	// SaleID identifies the affected sale, if any.
	SaleID string

	// Err is the underlying cause.
	Err error
}

// SyncErrorCode categorizes synchronization errors.
type SyncErrorCode string

const (
	// ErrCodeNetworkTransient indicates a connectivity or server problem.
	ErrCodeNetworkTransient SyncErrorCode = "NETWORK_TRANSIENT"

	// ErrCodeAuthRejected indicates the club credential was refused.
	ErrCodeAuthRejected SyncErrorCode = "AUTH_REJECTED"

	// ErrCodeValidationRejected indicates the remote refused the sale itself.
	ErrCodeValidationRejected SyncErrorCode = "VALIDATION_REJECTED"

	// ErrCodeMissingCredential indicates no credential is stored for the club.
	ErrCodeMissingCredential SyncErrorCode = "MISSING_CREDENTIAL"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.SaleID != "" {
		return fmt.Sprintf("%s: %v (club=%d, sale=%s)", e.Code, e.Err, e.ClubID, e.SaleID)
	}
	return fmt.Sprintf("%s: %v (club=%d)", e.Code, e.Err, e.ClubID)
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// classify maps a remote error to its code. Unknown errors are treated as
// transient: the request may or may not have reached the remote.
func classify(err error) SyncErrorCode {
	switch {
	case errors.Is(err, ledger.ErrAuthRejected):
		return ErrCodeAuthRejected
	case errors.Is(err, ledger.ErrValidationRejected):
		return ErrCodeValidationRejected
	default:
		return ErrCodeNetworkTransient
	}
}

func newSyncError(clubID int, saleID string, err error) *SyncError {
	return &SyncError{Code: classify(err), ClubID: clubID, SaleID: saleID, Err: err}
}

// IsAuthRejected reports whether err is an authentication failure.
// Uses errors.As and errors.Is to handle wrapped errors.
func IsAuthRejected(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == ErrCodeAuthRejected || se.Code == ErrCodeMissingCredential
	}
	return errors.Is(err, ledger.ErrAuthRejected)
}

// IsTransient reports whether err is a retryable connectivity failure.
func IsTransient(err error) bool {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Code == ErrCodeNetworkTransient
	}
	return errors.Is(err, ledger.ErrNetworkTransient)
}
