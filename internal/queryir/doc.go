// Package queryir provides an abstract query representation over the
// transform journal.
//
// The IR is the boundary between callers that ask questions of the journal
// (the trace command, scenario assertions, the serve endpoint) and the
// backend that answers them. The sqlite backend lives in querysql; an
// in-memory journal can evaluate the same IR with Match.
//
//	[trace flags / scenario asserts] → [Query IR] → [querysql (sqlite)]
//	                                              → [Match (in memory)]
//
// PORTABLE FRAGMENT:
//
// The portable fragment is what every backend evaluates identically:
//   - Select(from, filter, bindings) over a journal table
//   - Join(left, right, on) between transforms and state_changes
//   - Predicates: Equals, In, BoundEquals, FieldEquals, And
//   - Explicit field bindings
//
// Outside the fragment, and reported as warnings by Validate:
//   - Comparisons against null
//   - Or predicates
//   - Empty bindings (SELECT *)
//
// Query and Predicate are sealed interfaces using the marker method pattern,
// so backends can switch over them exhaustively.
//
// Literal values use ir.Value, which has no floats, so comparisons are
// exact and encodings are canonical.
package queryir
