package ledger

import "fmt"

// SyncState is the synchronization marker of a sale.
//
//	unsynced → syncing → synced     (terminal)
//	unsynced → syncing → unsynced   (failure, retried later)
type SyncState string

const (
	SyncStateUnsynced SyncState = "unsynced"
	SyncStateSyncing  SyncState = "syncing"
	SyncStateSynced   SyncState = "synced"
)

// ParseSyncState converts a stored value back to a SyncState.
func ParseSyncState(s string) (SyncState, error) {
	switch st := SyncState(s); st {
	case SyncStateUnsynced, SyncStateSyncing, SyncStateSynced:
		return st, nil
	default:
		return "", fmt.Errorf("unknown sync state %q", s)
	}
}

// CanTransitionTo reports whether next is a legal successor of s.
// Re-applying synced to a synced sale is allowed so that acknowledgements
// are idempotent.
func (s SyncState) CanTransitionTo(next SyncState) bool {
	switch s {
	case SyncStateUnsynced:
		return next == SyncStateSyncing
	case SyncStateSyncing:
		return next == SyncStateSynced || next == SyncStateUnsynced
	case SyncStateSynced:
		return next == SyncStateSynced
	default:
		return false
	}
}
