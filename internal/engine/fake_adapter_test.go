package engine

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/cts/internal/ir"
)

// fakeAdapter serves in-memory documents keyed by tree name. Selectors are
// dotted label paths below the root; "*" matches every child and the empty
// selector matches the root.
type fakeAdapter struct {
	kind string
	docs map[string]*Shape

	noClone   bool
	commitErr error

	mu      sync.Mutex
	commits []*Transform
	ended   []NodeID
}

func newFakeAdapter(kind string) *fakeAdapter {
	return &fakeAdapter{kind: kind, docs: make(map[string]*Shape)}
}

func (a *fakeAdapter) Kind() string { return a.kind }

func (a *fakeAdapter) Load(_ context.Context, spec ir.TreeSpec) (*Shape, error) {
	s, ok := a.docs[spec.Name]
	if !ok {
		return nil, fmt.Errorf("no document for %s", spec.Name)
	}
	return copyShape(s), nil
}

func (a *fakeAdapter) Find(v View, root NodeID, sel ir.SelectionSpec) ([]NodeID, error) {
	if sel.Selector == "" {
		return []NodeID{root}, nil
	}
	cur := []NodeID{root}
	for _, seg := range strings.Split(sel.Selector, ".") {
		var next []NodeID
		for _, id := range cur {
			for _, c := range v.Children(id) {
				if seg == "*" || v.Label(c) == seg {
					next = append(next, c)
				}
			}
		}
		cur = next
	}
	return cur, nil
}

func (a *fakeAdapter) CloneBegin(_ context.Context, v View, id NodeID) (*Shape, error) {
	if a.noClone {
		return nil, ErrCloneUnsupported
	}
	return shapeOf(v, id), nil
}

func (a *fakeAdapter) CloneEnd(_ context.Context, _ View, id NodeID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ended = append(a.ended, id)
	return nil
}

func (a *fakeAdapter) SetValue(_ View, _ NodeID, val ir.Value) (ir.Value, error) {
	return val, nil
}

func (a *fakeAdapter) Commit(_ context.Context, t *Transform) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.commits = append(a.commits, t)
	return a.commitErr
}

func (a *fakeAdapter) committed() []*Transform {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Transform(nil), a.commits...)
}

func shapeOf(v View, id NodeID) *Shape {
	s := &Shape{
		Kind:  v.NodeKind(id),
		Label: v.Label(id),
		Value: v.Value(id),
		Attrs: v.Attrs(id),
	}
	for _, c := range v.Children(id) {
		s.Children = append(s.Children, shapeOf(v, c))
	}
	return s
}

func copyShape(s *Shape) *Shape {
	out := *s
	out.Children = nil
	for _, c := range s.Children {
		out.Children = append(out.Children, copyShape(c))
	}
	return &out
}

// leaf builds a value node.
func leaf(label string, val ir.Value) *Shape {
	return &Shape{Kind: "value", Label: label, Value: val}
}

// branch builds a container node.
func branch(label string, kids ...*Shape) *Shape {
	return &Shape{Kind: "object", Label: label, Children: kids}
}

// items builds a list of numbered value children.
func items(label string, vals ...string) *Shape {
	s := branch(label)
	for i, v := range vals {
		s.Children = append(s.Children, leaf(fmt.Sprintf("i%d", i), ir.String(v)))
	}
	return s
}

// testForrest realizes the given documents, all events enabled, with a
// fake "doc" adapter.
func testForrest(t *testing.T, docs map[string]*Shape, opts ...Option) (*Forrest, *fakeAdapter) {
	t.Helper()
	a := newFakeAdapter("doc")
	var specs []ir.TreeSpec
	for _, name := range slices.Sorted(maps.Keys(docs)) {
		a.docs[name] = docs[name]
		specs = append(specs, ir.TreeSpec{
			Name:          name,
			Kind:          "doc",
			ThrowEvents:   true,
			ReceiveEvents: true,
		})
	}
	gen := NewSequenceGenerator("t")
	f := New(append([]Option{WithAdapter(a), WithGUIDGenerator(gen)}, opts...)...)
	require.NoError(t, f.RealizeTrees(context.Background(), specs))
	return f, a
}

// one resolves a selector that must match exactly one node.
func one(t *testing.T, f *Forrest, tree, selector string) NodeID {
	t.Helper()
	sel := f.Find(tree, selector)
	require.Equal(t, 1, sel.Len(), "selector %s:%s", tree, selector)
	return sel.First()
}

// relate declares and realizes a relation.
func relate(t *testing.T, f *Forrest, kind ir.RelationKind, tree1, sel1, tree2, sel2 string) *ir.RelationSpec {
	t.Helper()
	spec := f.AddRelationSpec(ir.RelationSpec{
		Kind:       kind,
		Selection1: ir.SelectionSpec{TreeName: tree1, Selector: sel1},
		Selection2: ir.SelectionSpec{TreeName: tree2, Selector: sel2},
	})
	_, err := f.RealizeRelation(spec, NoNode, nil)
	require.NoError(t, err)
	return spec
}

// recorder captures observed events.
type recorder struct {
	events []Event
}

func (r *recorder) listen(evt Event) { r.events = append(r.events, evt) }

func (r *recorder) of(kind EventKind) []Event {
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) valueChangesAt(id NodeID) int {
	n := 0
	for _, e := range r.of(EventValueChanged) {
		if e.Node == id {
			n++
		}
	}
	return n
}

func texts(f *Forrest, ids []NodeID) []string {
	out := make([]string, len(ids))
	for i, id := range ids {
		out[i] = ir.Text(f.Value(id))
	}
	return out
}
