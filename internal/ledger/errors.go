package ledger

import "errors"

// Remote failure classes. Remote clients wrap one of these so that the sync
// engine can decide how to retry with errors.Is.
var (
	// ErrNetworkTransient covers unreachable hosts, timeouts, 5xx and 429.
	// Retried with exponential backoff.
	ErrNetworkTransient = errors.New("network transient failure")

	// ErrAuthRejected means the club credential was refused. Needs operator
	// action; retried on a slow schedule.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrValidationRejected means the remote refused the request content.
	ErrValidationRejected = errors.New("request rejected by remote")

	// ErrCatalogRefreshFailed is returned when a catalog refresh could not be
	// applied. The previous catalog stays active.
	ErrCatalogRefreshFailed = errors.New("catalog refresh failed")
)
