// Package store provides the durable pairing registry for tether-gateway.
//
// The registry tracks three kinds of records:
//
//   - Pairing requests: a device's request to be trusted, queued pending
//     and decided exactly once by an operator. A UNIQUE partial index
//     guarantees racing handshakes for one device converge on a single
//     pending request.
//   - Paired devices: approved device identities with per-role scope
//     grants. Revocation is recorded in place and checked at use time.
//   - Device tokens: bearer credentials bound to a (device, role) pair,
//     with at most one live token per pair. Approval, re-approval, and
//     rotation all revoke the previous token and mint a fresh one.
//
// The SQLite implementation (modernc.org/sqlite, pure Go) stores
// timestamps as RFC3339 text and uses guarded atomic UPDATEs so decisions
// and revocations are race-free without long transactions. MockStore
// mirrors the same semantics in memory for tests.
package store
