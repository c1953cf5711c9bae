// Package harness runs kiosk scenarios as executable contract tests.
//
// A scenario is a YAML file describing a kiosk session: the catalog the
// remote serves, the club credentials, a list of steps (sales, sync cycles,
// network failures, crashes, credential changes) and assertions on the
// ledger and on what the remote booked. Every scenario runs against a real
// store, recorder and sync engine; only the remote is faked.
//
// # Scenario Format
//
//	name: lost_acknowledgement
//	description: "A sale whose acknowledgement was lost is booked once"
//	catalog:
//	  articles:
//	    - id: ART42
//	      designation: Club Mate
//	      prices:
//	        - { valid_from: "2024-01-01", valid_to: "2024-12-31", unit_price: "2.50" }
//	  members:
//	    - { id: M1, keycodes: [KC123], firstname: Ada, lastname: Lovelace }
//	credentials:
//	  - { club_id: 1, app_key: app, username: kiosk, password: secret }
//	steps:
//	  - sell: { keycode: KC123, items: [ART42] }
//	  - remote: { lose_acks: 1 }
//	  - sync: {}
//	    expect:
//	      result: { transient: 1 }
//	  - advance: 1m
//	  - sync: {}
//	    expect:
//	      result: { synced: 1, reconciled: 1 }
//	assertions:
//	  - type: remote_count
//	    sale: sale-0001
//	    count: 1
//
// # Steps
//
// Each step sets exactly one action:
//
//   - sell: record a basket for a club (default: the first credential's club)
//   - sync: run one sync cycle
//   - advance: move the clock forward by a Go duration
//   - remote: change the fake remote (offline, lost acknowledgements,
//     injected failures, accepted password)
//   - credential: store a club credential
//   - refresh: refresh the catalog, optionally from a new remote catalog
//   - crash: claim sales as in flight, optionally deliver them, and drop the
//     sync engine as if the process died
//   - restart: start a new sync engine, which recovers in-flight sales
//
// An optional expect clause checks the step's outcome ("ok" or an error
// code such as UNKNOWN_MEMBER) and a subset of its result.
//
// # Assertion Types
//
//   - remote_count: a sale was booked exactly count times
//   - remote_order: the remote booked exactly these sales in this order
//   - sale_state: ledger fields of one sale (subset match)
//   - ledger_count: number of ledger entries, optionally per sync state
//   - status: fields of the sync engine status (subset match)
//   - trace_count: number of steps with the given action and outcome
//
// # Invariants
//
// After every step the harness checks the delivery guarantees: no sale is
// booked twice, every synced sale was booked, and the remote booked nothing
// the ledger does not hold. Violations fail the scenario.
//
// # Deterministic Testing
//
// Scenarios use a fake clock starting at DefaultStart (or the scenario's
// start), sequential sale ids (sale-0001, sale-0002, ...) and an in-memory
// database, so traces can be compared with golden files.
package harness
