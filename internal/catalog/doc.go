// Package catalog keeps the in-memory projection of articles and members
// used on the sale hot path.
//
// The cache holds one immutable Snapshot behind an atomic pointer. Lookups
// read whatever snapshot is current and never block. Refresh builds a
// complete new snapshot off to the side, persists it, and only then swaps the
// pointer, so readers see either the old generation or the new one and never
// a mix. A refresh that fails at any step leaves the current snapshot in
// place.
//
// Remote items are checked against the CUE schema in schema.cue before they
// are converted. Individually malformed items are dropped with a warning; a
// snapshot that would leave the kiosk without articles or members is
// rejected as a whole.
package catalog
