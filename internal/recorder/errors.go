package recorder

import (
	"errors"
	"fmt"
)

// SaleError is returned when a sale cannot be recorded. Nothing was written
// to the ledger when a SaleError is returned.
type SaleError struct {
	// Code identifies the error category.
	Code SaleErrorCode

	// Message is a human-readable description.
	Message string

	// Keycode and ArticleID are the normalized inputs, when known.
	Keycode   string
	ArticleID string

	// Err is the underlying cause for storage errors.
	Err error
}

// SaleErrorCode categorizes recording failures.
type SaleErrorCode string

const (
	// ErrCodeUnknownMember means the keycode is not in the local catalog.
	// The cashier can re-scan.
	ErrCodeUnknownMember SaleErrorCode = "UNKNOWN_MEMBER"

	// ErrCodeUnknownArticle means the barcode is not in the local catalog.
	ErrCodeUnknownArticle SaleErrorCode = "UNKNOWN_ARTICLE"

	// ErrCodeNoPrice means the article has no price valid for the member today.
	ErrCodeNoPrice SaleErrorCode = "NO_PRICE"

	// ErrCodeInvalidQuantity means the quantity is out of range or the basket
	// is empty.
	ErrCodeInvalidQuantity SaleErrorCode = "INVALID_QUANTITY"

	// ErrCodeStorage means the durable append failed. The sale was not
	// recorded and is not retried.
	ErrCodeStorage SaleErrorCode = "STORAGE_ERROR"
)

// Error implements the error interface.
func (e *SaleError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *SaleError) Unwrap() error {
	return e.Err
}

// IsUnknownMember reports whether err is an unknown member error.
func IsUnknownMember(err error) bool { return hasCode(err, ErrCodeUnknownMember) }

// IsUnknownArticle reports whether err is an unknown article error.
func IsUnknownArticle(err error) bool { return hasCode(err, ErrCodeUnknownArticle) }

// IsNoPrice reports whether err is a missing price error.
func IsNoPrice(err error) bool { return hasCode(err, ErrCodeNoPrice) }

// IsInvalidQuantity reports whether err is an invalid quantity error.
func IsInvalidQuantity(err error) bool { return hasCode(err, ErrCodeInvalidQuantity) }

// IsStorageError reports whether err is a storage error.
func IsStorageError(err error) bool { return hasCode(err, ErrCodeStorage) }

func hasCode(err error, code SaleErrorCode) bool {
	var se *SaleError
	if errors.As(err, &se) {
		return se.Code == code
	}
	return false
}
