package vereinsflieger

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/clubfridge/kiosk/internal/ledger"
)

// APIError is a non-success answer of the interface.
type APIError struct {
	// Path is the endpoint that answered, e.g. "sale/add".
	Path string

	// StatusCode is the HTTP status, or 200 for bodies that could not be
	// decoded.
	StatusCode int

	// Message is the error text from the response body, if any.
	Message string

	class error
}

// Error implements the error interface.
func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("vereinsflieger %s: status %d: %s", e.Path, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("vereinsflieger %s: status %d", e.Path, e.StatusCode)
}

// Unwrap returns the ledger error class.
func (e *APIError) Unwrap() error {
	return e.class
}

// classifyStatus maps an HTTP status to a ledger error class.
func classifyStatus(status int) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ledger.ErrAuthRejected
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return ledger.ErrNetworkTransient
	default:
		return ledger.ErrValidationRejected
	}
}

func newStatusError(path string, status int, body []byte) *APIError {
	return &APIError{
		Path:       path,
		StatusCode: status,
		Message:    errorMessage(body),
		class:      classifyStatus(status),
	}
}

func newDecodeError(path string, err error) *APIError {
	return &APIError{
		Path:       path,
		StatusCode: http.StatusOK,
		Message:    "decode response: " + err.Error(),
		class:      ledger.ErrValidationRejected,
	}
}

// errorMessage pulls the "error" field out of a response body, falling back
// to the start of the raw body.
func errorMessage(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
		return payload.Error
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func isUnauthorized(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnauthorized
}
