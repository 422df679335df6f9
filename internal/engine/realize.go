package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/roach88/cts/internal/ir"
)

// RealizeRelations realizes every declared relation. When subtree is set,
// only pairs with an endpoint inside subtree are created. Returns the
// number of relations created.
//
// Declarations that cannot be resolved are logged and skipped.
func (f *Forrest) RealizeRelations(subtree NodeID, filter *Filter) (int, error) {
	total := 0
	for _, spec := range f.relationSpecs {
		n, err := f.RealizeRelation(spec, subtree, filter)
		total += n
		if err != nil && !IsResolutionError(err) && !IsStructuralError(err) {
			return total, err
		}
	}
	return total, nil
}

// RealizeRelation realizes one declaration: the cross product of both
// selections, with Nonexistent standing in for an empty side.
func (f *Forrest) RealizeRelation(spec *ir.RelationSpec, subtree NodeID, filter *Filter) (int, error) {
	if spec.Selection1.TreeName == "" || spec.Selection2.TreeName == "" {
		err := &RuntimeError{
			Code:       ErrCodeUndefinedSelection,
			Message:    "relation has an undefined selection side",
			RelationID: spec.ID,
		}
		slog.Error("cannot realize relation", "relation", spec.ID, "error", err)
		return 0, err
	}
	t1, err := f.resolveTree(&spec.Selection1, spec.ID)
	if err != nil {
		return 0, err
	}
	t2, err := f.resolveTree(&spec.Selection2, spec.ID)
	if err != nil {
		return 0, err
	}

	if subtree != NoNode {
		st := f.TreeOf(subtree)
		if st != t1 && st != t2 {
			return 0, nil
		}
	}

	nodes1 := f.find(t1, spec.Selection1)
	nodes2 := f.find(t2, spec.Selection2)
	if len(nodes1) == 0 {
		nodes1 = []NodeID{Nonexistent}
	}
	if len(nodes2) == 0 {
		nodes2 = []NodeID{Nonexistent}
	}

	created := 0
	for _, n1 := range nodes1 {
		for _, n2 := range nodes2 {
			if subtree != NoNode && !f.IsWithin(n1, subtree) && !f.IsWithin(n2, subtree) {
				continue
			}
			if !filter.accepts(n1, n2) {
				continue
			}
			before := len(f.relations)
			f.addRelation(*spec, n1, n2)
			if len(f.relations) > before {
				created++
			}
		}
	}
	if created > 0 {
		slog.Debug("relation realized",
			"relation", spec.ID,
			"kind", spec.Kind,
			"pairs", created,
		)
	}
	return created, nil
}

// resolveTree finds the tree a selection names, remapping the name when it
// is not realized. A successful remap is written back to the selection.
func (f *Forrest) resolveTree(sel *ir.SelectionSpec, relationID string) (*Tree, error) {
	if t := f.trees[sel.TreeName]; t != nil {
		return t, nil
	}
	remapped := f.RemapTreeName(sel.TreeName)
	if t := f.trees[remapped]; t != nil {
		slog.Info("remapped relation tree name",
			"relation", relationID,
			"from", sel.TreeName,
			"to", remapped,
		)
		sel.TreeName = remapped
		return t, nil
	}
	err := NewUnresolvedTreeError(sel.TreeName, relationID)
	slog.Warn("skipping relation", "relation", relationID, "error", err)
	return nil, err
}

func (f *Forrest) find(t *Tree, sel ir.SelectionSpec) []NodeID {
	if t == nil || !f.Alive(t.Root) {
		return nil
	}
	ids, err := t.adapter.Find(f, t.Root, sel)
	if err != nil {
		slog.Warn("selection failed",
			"tree", t.Name,
			"selector", sel.Selector,
			"error", err,
		)
		return nil
	}
	return slices.DeleteFunc(ids, func(id NodeID) bool { return !f.Alive(id) })
}

// realizeInline realizes the relation declarations embedded at id, once.
func (f *Forrest) realizeInline(id NodeID, recursive bool, filter *Filter) {
	n := f.get(id)
	if n == nil {
		return
	}
	if !n.realizedInline {
		n.realizedInline = true
		for i := range n.inline {
			spec := &n.inline[i]
			if spec.ID == "" {
				spec.ID = ir.MustRelationSpecID(*spec)
			}
			_, _ = f.RealizeRelation(spec, NoNode, filter)
		}
	}
	if !recursive {
		return
	}
	for _, c := range n.children {
		f.realizeInline(c, true, filter)
	}
}

// ProcessOptions controls ProcessIncoming.
type ProcessOptions struct {
	// DisableRemote keeps transforms produced during processing local.
	DisableRemote bool

	// AllDirections executes relations regardless of which side the node
	// is on. By default only relations naming the node as first endpoint
	// run toward it.
	AllDirections bool

	// InsideOtherSubtree restricts processing to relations whose second
	// endpoint lies within this subtree.
	InsideOtherSubtree NodeID
}

var (
	gateKinds     = []ir.RelationKind{ir.KindIfExist, ir.KindIfNexist}
	valueKinds    = []ir.RelationKind{ir.KindIs}
	arrayKinds    = []ir.RelationKind{ir.KindAre}
	creationKinds = []ir.RelationKind{ir.KindCreates}
	updateKinds   = []ir.RelationKind{ir.KindUpdates}
	graftKinds    = []ir.RelationKind{ir.KindGraft}
)

// ProcessIncoming pulls state into the subtree at root along its relations.
// Per node: gates, values, one are alignment, then children, then one each
// of creates, updates and graft.
func (f *Forrest) ProcessIncoming(ctx context.Context, root NodeID, opts ProcessOptions) error {
	return f.processIncoming(ctx, root, root, opts)
}

func (f *Forrest) processIncoming(ctx context.Context, id, root NodeID, opts ProcessOptions) error {
	n := f.get(id)
	if n == nil || !f.IsWithin(id, root) {
		return nil
	}
	if opts.DisableRemote {
		old := n.disableRemote
		n.disableRemote = true
		defer func() {
			if m := f.get(id); m != nil {
				m.disableRemote = old
			}
		}()
	}

	rels := f.Relations(id)
	var errs []error
	phase := func(kinds []ir.RelationKind, once bool) {
		for _, r := range rels {
			if r.destroyed || !slices.Contains(kinds, r.Kind) {
				continue
			}
			if !opts.AllDirections && r.Node1 != id {
				continue
			}
			if opts.InsideOtherSubtree != NoNode && !f.IsWithin(r.Node2, opts.InsideOtherSubtree) {
				continue
			}
			if err := r.Execute(ctx, id); err != nil {
				errs = append(errs, err)
			}
			if once {
				break
			}
		}
	}

	phase(gateKinds, false)
	phase(valueKinds, false)
	phase(arrayKinds, true)
	for _, c := range f.Children(id) {
		errs = append(errs, f.processIncoming(ctx, c, root, opts))
	}
	phase(creationKinds, true)
	phase(updateKinds, true)
	phase(graftKinds, true)
	return errors.Join(errs...)
}
