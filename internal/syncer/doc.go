// Package syncer uploads recorded sales to the remote accounting service.
//
// ARCHITECTURE:
//
// Single cycle at a time:
// A cycle reads every due unsynced sale in ledger order, groups the sales by
// club and pushes them in batches. Cycles are serialized by a mutex, so the
// periodic ticker, a Kick from the recorder and a manual sync never overlap.
//
// Claim, send, acknowledge:
//  1. MarkSyncing claims the batch (unsynced → syncing)
//  2. each sale is sent; sales whose outcome was ever unknown are looked
//     up on the remote first
//  3. MarkSynced on acknowledgement, MarkUnsynced with a retry time on
//     failure
//
// A sale is only marked synced after the remote acknowledged it or a lookup
// found it. A sale whose request may have reached the remote without an
// answer is flagged NeedsReconcile, so the next attempt looks before it
// submits again. Together with the sale id sent as idempotency key this
// yields exactly one remote entry per sale.
//
// Failure classes:
//   - ledger.ErrNetworkTransient: exponential backoff, rest of the club's
//     batch waits with it
//   - ledger.ErrAuthRejected: the whole club pauses on a slow schedule kept
//     in the store; a new credential lifts the pause
//   - ledger.ErrValidationRejected: the sale is retried later on its own;
//     the rest of the batch continues
//
// Cancellation is only observed between batches. Requests inside a batch
// run to completion or to their own timeout, so a shutdown never leaves a
// claimed sale without an outcome.
package syncer
