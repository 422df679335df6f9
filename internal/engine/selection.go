package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/roach88/cts/internal/ir"
)

// Selection is an ordered set of nodes. Single-node operations act on the
// node directly; multi-node operations map over every node.
type Selection struct {
	forrest *Forrest
	Spec    ir.SelectionSpec
	nodes   []NodeID
}

// Select resolves a selection spec against the forrest.
func (f *Forrest) Select(spec ir.SelectionSpec) *Selection {
	s := &Selection{forrest: f, Spec: spec}
	t := f.trees[spec.TreeName]
	if t == nil {
		slog.Warn("selection names an unknown tree", "tree", spec.TreeName)
		return s
	}
	s.nodes = f.find(t, spec)
	return s
}

// Find resolves selector within the named tree.
func (f *Forrest) Find(tree, selector string) *Selection {
	return f.Select(ir.SelectionSpec{TreeName: tree, Selector: selector})
}

// Selection wraps explicit node handles.
func (f *Forrest) Selection(ids ...NodeID) *Selection {
	return &Selection{forrest: f, nodes: slices.Clone(ids)}
}

// Nodes returns the selected handles.
func (s *Selection) Nodes() []NodeID { return slices.Clone(s.nodes) }

// Len returns the number of selected nodes.
func (s *Selection) Len() int { return len(s.nodes) }

// Empty reports whether nothing is selected.
func (s *Selection) Empty() bool { return len(s.nodes) == 0 }

// First returns the first node, or NoNode.
func (s *Selection) First() NodeID {
	if len(s.nodes) == 0 {
		return NoNode
	}
	return s.nodes[0]
}

// Contains reports whether id is selected.
func (s *Selection) Contains(id NodeID) bool {
	return slices.Contains(s.nodes, id)
}

// Clone returns an independent copy.
func (s *Selection) Clone() *Selection {
	return &Selection{forrest: s.forrest, Spec: s.Spec.Clone(), nodes: slices.Clone(s.nodes)}
}

// MatchesArray reports whether every id is selected. With exactly set the
// selection must also hold nothing else.
func (s *Selection) MatchesArray(ids []NodeID, exactly bool) bool {
	if exactly && len(ids) != len(s.nodes) {
		return false
	}
	for _, id := range ids {
		if !s.Contains(id) {
			return false
		}
	}
	return true
}

// Value returns null for an empty selection, the node's value for one node
// and an array of values otherwise.
func (s *Selection) Value() ir.Value {
	switch len(s.nodes) {
	case 0:
		return ir.Null{}
	case 1:
		return s.forrest.Value(s.nodes[0])
	}
	return ir.Array(s.Values())
}

// Values returns each node's value in order.
func (s *Selection) Values() []ir.Value {
	out := make([]ir.Value, len(s.nodes))
	for i, id := range s.nodes {
		out[i] = s.forrest.Value(id)
	}
	return out
}

// SetValue sets val on every selected node.
func (s *Selection) SetValue(ctx context.Context, val ir.Value) error {
	if len(s.nodes) == 0 {
		slog.Warn("set value on empty selection ignored", "selector", s.Spec.Selector)
		return nil
	}
	var errs []error
	for _, id := range s.nodes {
		errs = append(errs, s.forrest.SetValue(ctx, id, val))
	}
	return errors.Join(errs...)
}

// Find resolves selector below every selected node and concatenates the
// results.
func (s *Selection) Find(selector string) *Selection {
	f := s.forrest
	out := &Selection{forrest: f, Spec: ir.SelectionSpec{TreeName: s.Spec.TreeName, Selector: selector}}
	for _, id := range s.nodes {
		t := f.TreeOf(id)
		if t == nil {
			continue
		}
		ids, err := t.adapter.Find(f, id, ir.SelectionSpec{TreeName: t.Name, Selector: selector})
		if err != nil {
			slog.Warn("selection failed", "tree", t.Name, "selector", selector, "error", err)
			continue
		}
		for _, found := range ids {
			if !out.Contains(found) {
				out.nodes = append(out.nodes, found)
			}
		}
	}
	return out
}

// Children selects the children of every selected node.
func (s *Selection) Children() *Selection {
	out := &Selection{forrest: s.forrest}
	for _, id := range s.nodes {
		out.nodes = append(out.nodes, s.forrest.Children(id)...)
	}
	return out
}

// Relations returns the relations of every selected node, without
// duplicates.
func (s *Selection) Relations() []*Relation {
	var out []*Relation
	for _, id := range s.nodes {
		for _, r := range s.forrest.Relations(id) {
			if !slices.Contains(out, r) {
				out = append(out, r)
			}
		}
	}
	return out
}

// Destroy destroys every selected node.
func (s *Selection) Destroy() error {
	var errs []error
	for _, id := range s.nodes {
		if s.forrest.Alive(id) {
			errs = append(errs, s.forrest.Destroy(id))
		}
	}
	s.nodes = nil
	return errors.Join(errs...)
}
