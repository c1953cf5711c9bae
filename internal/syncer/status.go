package syncer

import (
	"log/slog"
	"sort"
	"time"
)

// ConnectionState summarizes the last contact with the remote.
type ConnectionState string

const (
	StateUnknown      ConnectionState = "unknown"
	StateOnline       ConnectionState = "online"
	StateOffline      ConnectionState = "offline"
	StateAuthRejected ConnectionState = "auth_rejected"
)

// Status is a point-in-time view of the sync engine for the kiosk UI and
// the status command.
type Status struct {
	State               ConnectionState `json:"state"`
	LastCycleAt         time.Time       `json:"last_cycle_at"`
	LastSuccessAt       time.Time       `json:"last_success_at"`
	Pending             int             `json:"pending"`
	OldestPending       time.Time       `json:"oldest_pending"`
	ConsecutiveFailures int             `json:"consecutive_failures"`
	AuthRejectedClubs   []int           `json:"auth_rejected_clubs"`
	LastError           string          `json:"last_error,omitempty"`
	// Escalated is set when unsynced sales need operator attention.
	Escalated bool `json:"escalated"`
}

// Status returns a copy of the current status.
func (e *Engine) Status() Status {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	s := e.status
	s.AuthRejectedClubs = append([]int{}, e.status.AuthRejectedClubs...)
	return s
}

// recordCycle folds a cycle result into the status and logs escalation
// transitions.
func (e *Engine) recordCycle(at time.Time, res CycleResult, pending int, oldest time.Time) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()

	s := &e.status
	s.LastCycleAt = at
	s.Pending = pending
	s.OldestPending = oldest

	clubs := make([]int, 0, len(e.authRejected))
	for id := range e.authRejected {
		clubs = append(clubs, id)
	}
	sort.Ints(clubs)
	s.AuthRejectedClubs = clubs

	switch {
	case res.Transient > 0:
		s.State = StateOffline
		s.ConsecutiveFailures++
		s.LastError = res.LastError
	case len(clubs) > 0:
		s.State = StateAuthRejected
		s.LastError = res.LastError
	case res.Synced > 0 || res.Rejected > 0:
		s.State = StateOnline
		s.ConsecutiveFailures = 0
		s.LastSuccessAt = at
		s.LastError = res.LastError
	}

	escalated := len(clubs) > 0 || (e.escalateAfter > 0 && s.ConsecutiveFailures >= e.escalateAfter)
	if escalated && !s.Escalated {
		slog.Error("sync needs operator attention",
			"state", s.State,
			"pending", pending,
			"oldest_pending", oldest,
			"consecutive_failures", s.ConsecutiveFailures,
			"auth_rejected_clubs", clubs,
			"last_error", s.LastError,
		)
	} else if !escalated && s.Escalated {
		slog.Info("sync recovered", "pending", pending)
	}
	s.Escalated = escalated
}
