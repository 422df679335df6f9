package queryir

import "github.com/roach88/cts/internal/ir"

// Journal tables.
const (
	TableTransforms   = "transforms"
	TableStateChanges = "state_changes"
)

// Columns lists the queryable columns of each journal table, in schema
// order. Backends refuse identifiers not listed here.
var Columns = map[string][]string{
	TableTransforms: {
		"guid", "seq", "operation", "app_context", "tree_name", "tree_url",
		"node_identifier", "value", "args", "state", "mimic_of",
	},
	TableStateChanges: {"id", "guid", "state"},
}

// KnownColumn reports whether table has column.
func KnownColumn(table, column string) bool {
	for _, c := range Columns[table] {
		if c == column {
			return true
		}
	}
	return false
}

// Query represents an abstract query in the QueryIR.
//
// This is a sealed interface - only types in this package implement it.
//
// Query types:
//   - Select: access to one journal table with filtering and bindings
//   - Join: inner join of two selects
//
// Every query produces rows of bindings (variable name → value).
type Query interface {
	queryNode()
}

// Predicate represents a filter condition in the QueryIR.
//
// This is a sealed interface - only types in this package implement it.
type Predicate interface {
	predicateNode()
}

// Select represents table access with filtering.
//
// Semantics:
//
//	SELECT <bindings> FROM <from> WHERE <filter>
//
// Example:
//
//	Select{
//	  From:   "transforms",
//	  Filter: &And{Predicates: []Predicate{
//	    &Equals{Field: "tree_name", Value: ir.String("page")},
//	    &In{Field: "state", Values: []ir.Value{ir.String("pending"), ir.String("failed")}},
//	  }},
//	  Bindings: map[string]string{"guid": "guid", "node_identifier": "node"},
//	}
//
// Produces bindings: {"guid": <value>, "node": <value>}
type Select struct {
	From     string            // journal table
	Filter   Predicate         // nil = no filter
	Bindings map[string]string // source_field → bound_variable
	Limit    int               // 0 = unlimited
}

func (Select) queryNode() {}

// Join represents an inner join of two selects. Filters on either side
// apply to that side's table; bindings of both sides are merged.
//
// Example:
//
//	Join{
//	  Left:  &Select{From: "transforms", Bindings: map[string]string{"guid": "guid"}},
//	  Right: &Select{From: "state_changes", Bindings: map[string]string{"state": "step"}},
//	  On:    &FieldEquals{Left: "guid", Right: "guid"},
//	}
type Join struct {
	Left  Query
	Right Query
	On    Predicate
}

func (Join) queryNode() {}

// Equals represents a field-equals-literal predicate.
//
//	<field> = <value>
//
// Values are compared in their journal encoding: strings and integers
// directly, everything else as canonical JSON.
type Equals struct {
	Field string
	Value ir.Value
}

func (Equals) predicateNode() {}

// In represents a field-in-set predicate.
//
//	<field> IN (<values>)
//
// An empty set matches nothing.
type In struct {
	Field  string
	Values []ir.Value
}

func (In) predicateNode() {}

// BoundEquals compares a field against a variable supplied at execution
// time, e.g. the guid a trace command was asked about.
//
//	<field> = <bound_variable>
type BoundEquals struct {
	Field    string
	BoundVar string
}

func (BoundEquals) predicateNode() {}

// FieldEquals compares a left-side field with a right-side field. It is
// only meaningful as a Join condition.
type FieldEquals struct {
	Left  string
	Right string
}

func (FieldEquals) predicateNode() {}

// And represents a conjunction. Empty Predicates is always true.
type And struct {
	Predicates []Predicate
}

func (And) predicateNode() {}

// Or represents a disjunction. Empty Predicates is always false.
//
// Or is outside the portable fragment.
type Or struct {
	Predicates []Predicate
}

func (Or) predicateNode() {}
