// Package store provides the SQLite-backed transform journal.
//
// The journal records every transform a forrest commits:
//   - transforms: one row per committed transform, keyed by GUID
//   - state_changes: the append-only history of commit state transitions
//
// # Ordering
//
// All reads are ordered by seq ASC, guid COLLATE BINARY ASC. seq is the
// forrest's logical clock, so reading the journal twice yields the same
// sequence regardless of wall time.
//
// # Idempotency
//
// Writing a transform whose GUID is already journaled is a no-op, and
// setting a transform to the state it already has records nothing. A
// crashed process can re-run its commits without duplicating history.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
//
// Values and args are stored as RFC 8785 canonical JSON via ir.MarshalCanonical,
// so equal values always compare equal as text.
package store
