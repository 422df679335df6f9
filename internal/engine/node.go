package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/roach88/cts/internal/ir"
)

// NodeID is a handle into the forrest's node arena.
//
// Handles are never reused. Destroying a node invalidates its handle; every
// accessor treats an invalid handle as absent.
type NodeID int32

const (
	// NoNode is the zero handle. It never names a node.
	NoNode NodeID = 0

	// Nonexistent stands in for an empty relation side. It has no value,
	// no children and holds no relation memberships. Events relayed to it
	// are dropped and its presence test is always false.
	Nonexistent NodeID = -1
)

// AppendIndex inserts a child after the current last child.
const AppendIndex = -2

// node is one arena slot.
type node struct {
	tree     *Tree
	kind     string
	label    string
	value    ir.Value
	attrs    ir.Object
	parent   NodeID
	children []NodeID

	// relations holds every relation that names this node as an endpoint.
	relations []*Relation

	throwEvents   bool
	receiveEvents bool
	disableRemote bool
	hidden        bool

	inline         []ir.RelationSpec
	realizedInline bool

	// lastBroadcast caches the value this node last emitted, so the echo of
	// a relayed change does not bounce back out.
	lastBroadcast ir.Value
	hasBroadcast  bool

	provenance *Provenance
	destroyed  bool
}

// Provenance records where a tree came from. Only roots carry one.
type Provenance struct {
	TreeName string
	URL      string
	Kind     string
}

// InsertOptions controls InsertChild.
type InsertOptions struct {
	// ThrowEvent announces a node-inserted transform on the parent.
	ThrowEvent bool

	// RealizeRelations realizes relation declarations scoped to the child.
	RealizeRelations bool

	// BeforeRealize runs after the child is attached and before relations
	// are realized.
	BeforeRealize func(parent, child NodeID)
}

func (f *Forrest) get(id NodeID) *node {
	if id <= 0 || int(id) >= len(f.nodes) {
		return nil
	}
	n := f.nodes[id]
	if n == nil || n.destroyed {
		return nil
	}
	return n
}

// Alive reports whether id names a live node.
func (f *Forrest) Alive(id NodeID) bool {
	return f.get(id) != nil
}

// Parent returns id's parent, or NoNode for roots and detached nodes.
func (f *Forrest) Parent(id NodeID) NodeID {
	if n := f.get(id); n != nil {
		return n.parent
	}
	return NoNode
}

// Children returns a copy of id's ordered children.
func (f *Forrest) Children(id NodeID) []NodeID {
	if n := f.get(id); n != nil {
		return slices.Clone(n.children)
	}
	return nil
}

// Label returns the node's label within its parent.
func (f *Forrest) Label(id NodeID) string {
	if n := f.get(id); n != nil {
		return n.label
	}
	return ""
}

// NodeKind returns the adapter-defined node kind.
func (f *Forrest) NodeKind(id NodeID) string {
	if n := f.get(id); n != nil {
		return n.kind
	}
	return ""
}

// Value returns the node's value. Absent nodes have a null value.
func (f *Forrest) Value(id NodeID) ir.Value {
	if n := f.get(id); n != nil && n.value != nil {
		return n.value
	}
	return ir.Null{}
}

// Attrs returns adapter attributes of the node. Callers must not mutate it.
func (f *Forrest) Attrs(id NodeID) ir.Object {
	if n := f.get(id); n != nil {
		return n.attrs
	}
	return nil
}

// Hidden reports whether an if-exist gate currently hides the node.
func (f *Forrest) Hidden(id NodeID) bool {
	if n := f.get(id); n != nil {
		return n.hidden
	}
	return false
}

// TreeOf returns the tree the node belongs to.
func (f *Forrest) TreeOf(id NodeID) *Tree {
	if n := f.get(id); n != nil {
		return n.tree
	}
	return nil
}

// IndexOf returns child's position under parent, or -1.
func (f *Forrest) IndexOf(parent, child NodeID) int {
	n := f.get(parent)
	if n == nil {
		return -1
	}
	return slices.Index(n.children, child)
}

// IsWithin reports whether id is ancestor or one of its descendants.
func (f *Forrest) IsWithin(id, ancestor NodeID) bool {
	if id <= 0 || ancestor <= 0 {
		return false
	}
	for cur := id; cur != NoNode; cur = f.Parent(cur) {
		if cur == ancestor {
			return true
		}
	}
	return false
}

// IsDescendantOf reports whether id lies strictly below ancestor.
func (f *Forrest) IsDescendantOf(id, ancestor NodeID) bool {
	return id != ancestor && f.IsWithin(id, ancestor)
}

// IsEnumerated reports whether id is one of the iterables of a parent that
// holds an are relation.
func (f *Forrest) IsEnumerated(id NodeID) bool {
	p := f.Parent(id)
	if p == NoNode {
		return false
	}
	for _, r := range f.Relations(p) {
		if r.Kind != ir.KindAre {
			continue
		}
		if slices.Contains(f.Iterables(p, r.OptsFor(p)), id) {
			return true
		}
	}
	return false
}

// SetForGraftOnly marks or unmarks every relation on id as structural only,
// optionally across its subtree.
func (f *Forrest) SetForGraftOnly(id NodeID, v, recursive bool) {
	f.eachNode(id, recursive, func(n *node) {
		for _, r := range n.relations {
			r.graftOnly = v
		}
	})
}

// Root returns the top of id's ancestry.
func (f *Forrest) Root(id NodeID) NodeID {
	cur := id
	for {
		p := f.Parent(cur)
		if p == NoNode {
			return cur
		}
		cur = p
	}
}

// Relations returns the relations naming id as an endpoint. Inline
// declarations on the node are realized on first use.
func (f *Forrest) Relations(id NodeID) []*Relation {
	n := f.get(id)
	if n == nil {
		return nil
	}
	f.realizeInline(id, false, nil)
	return slices.Clone(n.relations)
}

// ProvenanceOf walks to id's root and returns the root's provenance.
func (f *Forrest) ProvenanceOf(id NodeID) *Provenance {
	root := f.Root(id)
	n := f.get(root)
	if n == nil {
		return nil
	}
	if n.provenance == nil {
		slog.Error("root node has no provenance",
			"node", root,
			"label", n.label,
		)
	}
	return n.provenance
}

// Identifier returns the adapter-facing identifier of a node: the dotted
// label path below its root, unless the adapter defines its own.
func (f *Forrest) Identifier(id NodeID) string {
	n := f.get(id)
	if n == nil {
		return ""
	}
	if n.tree != nil {
		if ident, ok := n.tree.adapter.(Identifier); ok {
			return ident.NodeIdentifier(f, id)
		}
	}
	var labels []string
	for cur := id; f.Parent(cur) != NoNode; cur = f.Parent(cur) {
		labels = append(labels, f.Label(cur))
	}
	slices.Reverse(labels)
	return strings.Join(labels, ".")
}

// materialize allocates arena slots for a shape. The new subtree is
// attached to parent's child list by the caller.
func (f *Forrest) materialize(s *Shape, tree *Tree, parent NodeID) NodeID {
	id := NodeID(len(f.nodes))
	n := &node{
		tree:   tree,
		kind:   s.Kind,
		label:  s.Label,
		value:  s.Value,
		attrs:  s.Attrs,
		parent: parent,
		inline: s.Inline,
	}
	if n.value == nil {
		n.value = ir.Null{}
	}
	if tree != nil {
		n.throwEvents = tree.throwEvents
		n.receiveEvents = tree.receiveEvents
	}
	f.nodes = append(f.nodes, n)
	f.metrics.nodesCreated(1)

	for _, c := range s.Children {
		cid := f.materialize(c, tree, id)
		n.children = append(n.children, cid)
	}
	return id
}

func (f *Forrest) reassignTree(id NodeID, tree *Tree) {
	n := f.get(id)
	if n == nil || n.tree == tree {
		return
	}
	n.tree = tree
	for _, c := range n.children {
		f.reassignTree(c, tree)
	}
}

// InsertChild attaches child under parent after position afterIndex.
// afterIndex -1 inserts first; AppendIndex inserts last.
func (f *Forrest) InsertChild(ctx context.Context, parent, child NodeID, afterIndex int, opts InsertOptions) error {
	p := f.get(parent)
	if p == nil {
		return newDestroyedError(parent)
	}
	c := f.get(child)
	if c == nil {
		return newDestroyedError(child)
	}
	if c.parent != NoNode {
		if old := f.get(c.parent); old != nil {
			old.children = slices.DeleteFunc(old.children, func(x NodeID) bool { return x == child })
		}
	}

	if afterIndex == AppendIndex || afterIndex >= len(p.children) {
		afterIndex = len(p.children) - 1
	}
	if afterIndex < -1 {
		afterIndex = -1
	}
	p.children = slices.Insert(p.children, afterIndex+1, child)
	c.parent = parent
	f.reassignTree(child, p.tree)

	if opts.BeforeRealize != nil {
		opts.BeforeRealize(parent, child)
	}
	if opts.RealizeRelations {
		if _, err := f.RealizeRelations(child, nil); err != nil {
			return fmt.Errorf("realize relations for inserted node: %w", err)
		}
	}

	if !opts.ThrowEvent {
		return nil
	}
	t := f.newTransform(ir.OpNodeInserted, parent)
	t.Subject = child
	t.Value = f.Value(child)
	t.Args = ir.NewObject(ir.O("index", ir.Int(afterIndex+1)))
	return f.announceTransform(ctx, parent, t, false)
}

// RemoveChild detaches child from parent. The child is not destroyed.
func (f *Forrest) RemoveChild(ctx context.Context, parent, child NodeID, throwEvent bool) error {
	p := f.get(parent)
	if p == nil {
		return newDestroyedError(parent)
	}
	idx := slices.Index(p.children, child)
	if idx < 0 {
		slog.Error("asked to remove a node that is not a child",
			"parent", parent,
			"child", child,
		)
		return fmt.Errorf("node %d is not a child of %d", child, parent)
	}
	p.children = slices.Delete(p.children, idx, idx+1)
	if c := f.get(child); c != nil {
		c.parent = NoNode
	}

	if !throwEvent {
		return nil
	}
	t := f.newTransform(ir.OpNodeRemoved, parent)
	t.Subject = child
	t.Value = f.Value(child)
	t.Args = ir.NewObject(ir.O("index", ir.Int(idx)))
	return f.announceTransform(ctx, parent, t, false)
}

// Destroy tears down a node: its relation memberships first, while it is
// still attached to its parent, then its subtree, then the node itself.
func (f *Forrest) Destroy(id NodeID) error {
	n := f.get(id)
	if n == nil {
		err := newDestroyedError(id)
		slog.Error("destroy failed", "node", id, "error", err)
		return err
	}
	for _, r := range slices.Clone(n.relations) {
		f.destroyRelation(r)
	}
	if n.parent != NoNode {
		if p := f.get(n.parent); p != nil {
			p.children = slices.DeleteFunc(p.children, func(x NodeID) bool { return x == id })
		}
	}
	f.destroySubtree(id)
	return nil
}

func (f *Forrest) destroySubtree(id NodeID) {
	n := f.get(id)
	if n == nil {
		return
	}
	for _, r := range slices.Clone(n.relations) {
		f.destroyRelation(r)
	}
	for _, c := range slices.Clone(n.children) {
		f.destroySubtree(c)
	}
	n.destroyed = true
	n.children = nil
	n.relations = nil
	n.parent = NoNode
	f.metrics.nodesDestroyed(1)
	f.notify(Event{Kind: EventNodeDestroyed, Node: id, Tree: treeName(n.tree)})
}

// SetValue stores a value on a node the way an external edit would: the
// adapter normalizes it and, if the node throws events, the change is
// broadcast to its relations.
func (f *Forrest) SetValue(ctx context.Context, id NodeID, val ir.Value) error {
	n := f.get(id)
	if n == nil {
		return newDestroyedError(id)
	}
	norm, err := f.normalizeValue(id, val)
	if err != nil {
		return err
	}
	n.value = norm

	t := f.newTransform(ir.OpSetValue, id)
	t.Value = norm
	var errs []error
	if n.throwEvents {
		errs = append(errs, f.throwValueChanged(ctx, id, norm, t))
	}
	errs = append(errs, f.commitIfNeeded(ctx, id, t))
	return errors.Join(errs...)
}

// setValueQuietly stores a value without broadcasting.
func (f *Forrest) setValueQuietly(id NodeID, val ir.Value) (ir.Value, error) {
	n := f.get(id)
	if n == nil {
		return nil, newDestroyedError(id)
	}
	norm, err := f.normalizeValue(id, val)
	if err != nil {
		return nil, err
	}
	n.value = norm
	return norm, nil
}

func (f *Forrest) normalizeValue(id NodeID, val ir.Value) (ir.Value, error) {
	if val == nil {
		val = ir.Null{}
	}
	n := f.get(id)
	if n.tree == nil || n.tree.adapter == nil {
		return val, nil
	}
	norm, err := n.tree.adapter.SetValue(f, id, val)
	if err != nil {
		return nil, fmt.Errorf("set value on %s: %w", f.Identifier(id), err)
	}
	if norm == nil {
		norm = ir.Null{}
	}
	return norm, nil
}

// SetThrowEvents controls whether the node broadcasts value changes.
func (f *Forrest) SetThrowEvents(id NodeID, on, recursive bool) {
	f.eachNode(id, recursive, func(n *node) { n.throwEvents = on })
}

// SetReceiveEvents controls whether the node accepts relayed events.
func (f *Forrest) SetReceiveEvents(id NodeID, on, recursive bool) {
	f.eachNode(id, recursive, func(n *node) { n.receiveEvents = on })
}

// SetDisableRemote stops the node's transforms from reaching the store.
func (f *Forrest) SetDisableRemote(id NodeID, on bool) {
	f.eachNode(id, false, func(n *node) { n.disableRemote = on })
}

// ThrowsEvents reports whether the node broadcasts value changes.
func (f *Forrest) ThrowsEvents(id NodeID) bool {
	n := f.get(id)
	return n != nil && n.throwEvents
}

// ReceivesEvents reports whether the node accepts relayed events.
func (f *Forrest) ReceivesEvents(id NodeID) bool {
	n := f.get(id)
	return n != nil && n.receiveEvents
}

func (f *Forrest) eachNode(id NodeID, recursive bool, fn func(*node)) {
	n := f.get(id)
	if n == nil {
		return
	}
	fn(n)
	if !recursive {
		return
	}
	for _, c := range n.children {
		f.eachNode(c, true, fn)
	}
}

// DeleteFromNearestEnumeration removes the closest ancestor-or-self of id
// that is an item of a collection with an are relation, and destroys it.
func (f *Forrest) DeleteFromNearestEnumeration(ctx context.Context, id NodeID) error {
	candidate := id
	for p := f.Parent(candidate); p != NoNode; p = f.Parent(candidate) {
		if f.hasRelationKind(p, ir.KindAre) {
			err := f.RemoveChild(ctx, p, candidate, true)
			if derr := f.Destroy(candidate); derr != nil {
				err = errors.Join(err, derr)
			}
			return err
		}
		candidate = p
	}
	slog.Error("no enumeration found to delete from",
		"node", id,
		"identifier", f.Identifier(id),
	)
	return fmt.Errorf("node %d is not inside an enumeration", id)
}

func (f *Forrest) hasRelationKind(id NodeID, kind ir.RelationKind) bool {
	for _, r := range f.Relations(id) {
		if r.Kind == kind {
			return true
		}
	}
	return false
}

func treeName(t *Tree) string {
	if t == nil {
		return ""
	}
	return t.Name
}
