// Package store provides SQLite-backed durable storage for the kiosk.
//
// The store holds four record kinds plus bookkeeping:
//   - Credentials: one row per club
//   - Articles and Members: the catalog, replaced wholesale on refresh
//   - Sales: the append-only ledger with its synchronization marker
//   - Club sync state: persisted authentication backoff
//   - Catalog meta: generation and fingerprint of the stored catalog
//
// # Ledger Rules
//
// Sales are inserted once and never deleted. Content columns are immutable and
// a synced sale never changes state again; triggers in schema.sql enforce both
// so a bug in a caller cannot rewrite history. Reads are ordered by seq, the
// insertion order.
//
// Sync status updates are claims: every state change names the state it
// expects to leave (WHERE sync_state = ...), so concurrent or repeated
// updates are detected instead of silently applied.
//
// # Database Configuration
//
//   - WAL mode: readers in other processes don't block the writer
//   - synchronous=FULL: a commit is on stable storage when it returns
//   - busy_timeout=5000: wait for locks up to 5 seconds
//   - foreign_keys=ON
package store
