// Package ledger defines the domain types shared by every layer of the kiosk:
// credentials, the catalog (articles and members), sales and their
// synchronization marker, plus the pluggable price policy and sale id
// generators.
//
// The package has no I/O. The store persists these types, the catalog cache
// serves them from memory, the recorder creates sales and the sync engine moves
// them through their SyncState.
package ledger
