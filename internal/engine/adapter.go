package engine

import (
	"context"
	"errors"

	"github.com/roach88/cts/internal/ir"
)

// Adapter realizes trees of one kind and carries out the structural
// operations the forrest cannot perform generically.
//
// The forrest owns node identity, tree structure and relation membership.
// Adapters own document format, selector syntax, value normalization and
// the remote store. Adapters never mutate the arena directly; they read it
// through View and describe new structure as Shapes.
type Adapter interface {
	// Kind returns the tree kind this adapter realizes (e.g. "doc").
	Kind() string

	// Load reads the document a tree spec names and returns its shape.
	Load(ctx context.Context, spec ir.TreeSpec) (*Shape, error)

	// Find resolves a selection within the subtree rooted at root.
	Find(v View, root NodeID, sel ir.SelectionSpec) ([]NodeID, error)

	// CloneBegin returns the shape of a structural copy of id.
	// Adapters that cannot clone return ErrCloneUnsupported.
	CloneBegin(ctx context.Context, v View, id NodeID) (*Shape, error)

	// SetValue normalizes a value for storage on id.
	SetValue(v View, id NodeID, val ir.Value) (ir.Value, error)

	// Commit sends an announced transform to the remote store.
	Commit(ctx context.Context, t *Transform) error
}

// CloneFinisher is implemented by adapters that need to finish a clone
// after its relations have been copied and the before-commit hook ran.
type CloneFinisher interface {
	CloneEnd(ctx context.Context, v View, id NodeID) error
}

// Identifier is implemented by adapters whose node identifiers differ from
// the dotted label path.
type Identifier interface {
	NodeIdentifier(v View, id NodeID) string
}

// ErrCloneUnsupported is returned by adapters without clone support.
var ErrCloneUnsupported = errors.New("adapter does not support cloning")

// View is the read-only arena surface handed to adapters.
type View interface {
	Parent(id NodeID) NodeID
	Children(id NodeID) []NodeID
	Label(id NodeID) string
	NodeKind(id NodeID) string
	Value(id NodeID) ir.Value
	Attrs(id NodeID) ir.Object
	Alive(id NodeID) bool
}

// Shape describes a subtree to materialize in the arena.
type Shape struct {
	Kind     string
	Label    string
	Value    ir.Value
	Attrs    ir.Object
	Children []*Shape

	// Inline holds relation declarations embedded in the document at this
	// node. They are realized lazily, the first time the node's relations
	// are needed.
	Inline []ir.RelationSpec
}

// Size returns the number of nodes in the shape.
func (s *Shape) Size() int {
	if s == nil {
		return 0
	}
	n := 1
	for _, c := range s.Children {
		n += c.Size()
	}
	return n
}
