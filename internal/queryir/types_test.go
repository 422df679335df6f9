package queryir

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/cts/internal/ir"
)

func TestSelect_ImplementsQuery(t *testing.T) {
	var q Query = Select{From: TableTransforms}

	// Sealed interface - can type switch exhaustively
	switch q.(type) {
	case Select:
	case Join:
		t.Fatal("unexpected type")
	}
}

func TestPredicates_ImplementPredicate(t *testing.T) {
	preds := []Predicate{
		Equals{Field: "state", Value: ir.String("success")},
		In{Field: "operation", Values: []ir.Value{ir.String("set-value")}},
		BoundEquals{Field: "guid", BoundVar: "guid"},
		FieldEquals{Left: "guid", Right: "guid"},
		And{},
		Or{},
	}
	assert.Len(t, preds, 6)
}

func TestKnownColumn(t *testing.T) {
	assert.True(t, KnownColumn(TableTransforms, "node_identifier"))
	assert.True(t, KnownColumn(TableStateChanges, "state"))
	assert.False(t, KnownColumn(TableStateChanges, "tree_name"))
	assert.False(t, KnownColumn("invocations", "id"))
}
