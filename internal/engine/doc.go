// Package engine realizes relation declarations over adapter-backed trees
// and propagates changes across them.
//
// ARCHITECTURE:
//
// Node Arena:
// Every node of every tree lives in one arena owned by the Forrest and is
// addressed by a NodeID handle. Handles are never reused; a destroyed node
// keeps its slot and reports !Alive. Parent and child links are handles, so
// relations and transforms never hold pointers into a tree.
//
// Relations:
// A relation declaration (ir.RelationSpec) pairs two selections. Realizing
// it resolves both selections and creates one Relation per pair of the cross
// product, with Nonexistent standing in for a side that matched nothing.
// Each kind decides which events it listens to and how it relays them:
//
//	is         value changes, both directions
//	updates    value changes, first side to second only
//	if-exist   visibility of one side gated on the other's truthiness
//	if-nexist  the negation of if-exist
//	are        structural transforms, aligning collection cardinality
//	creates    structural inserts, first side to second only
//	graft      structural copy on execution only
//
// Event Relay:
// An event carries its own visited set of relations and a step budget.
// Crossing a relation marks it visited; the destination then fans the event
// out to its other interested relations. The visited set stops cycles, the
// budget bounds everything else, and each node's last broadcast value
// swallows the single echo a value cycle sends back.
//
// Transforms:
// Every mutation is described by a Transform. Relaying a transform to
// another node derives a mimic; a transform and its mimics form a lineage
// that changes commit state together.
//
// Ownership:
// A Forrest is not safe for concurrent use. Run turns it into a
// single-writer loop fed by Enqueue from any goroutine. Adapter work that
// may block (loading documents, committing transforms) takes a context and
// may run concurrently; results are always applied in declaration order.
package engine
