package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// CloneOptions controls Clone.
type CloneOptions struct {
	// CloneRelations copies the relations of the source subtree onto the
	// copy, node by node.
	CloneRelations bool

	// MoveFor, when set, destroys each original relation whose other
	// endpoint lies within MoveFor after copying it. Implies CloneRelations.
	MoveFor NodeID

	// Filter restricts which relations are copied.
	Filter *Filter

	// BeforeCommit runs on the detached copy after relations are copied.
	BeforeCommit func(ctx context.Context, id NodeID) error
}

// Clone makes a detached structural copy of id through its tree's adapter.
func (f *Forrest) Clone(ctx context.Context, id NodeID, opts CloneOptions) (NodeID, error) {
	n := f.get(id)
	if n == nil {
		return NoNode, newDestroyedError(id)
	}
	tree := n.tree

	ctx, span := f.tracer.Start(ctx, "engine.Clone",
		trace.WithAttributes(
			attribute.String("cts.tree", treeName(tree)),
			attribute.String("cts.node", f.Identifier(id)),
		),
	)
	defer span.End()

	shape, err := tree.adapter.CloneBegin(ctx, f, id)
	if err == nil && shape == nil {
		err = ErrCloneUnsupported
	}
	if err != nil {
		span.RecordError(err)
		return NoNode, f.cloneError(tree, id, err)
	}

	cp := f.materialize(shape, tree, NoNode)
	f.copyFlags(id, cp)

	if opts.CloneRelations || opts.MoveFor != NoNode {
		f.cloneRelationsInto(id, cp, opts.MoveFor, opts.Filter)
	}
	if opts.BeforeCommit != nil {
		if err := opts.BeforeCommit(ctx, cp); err != nil {
			return cp, fmt.Errorf("before-commit hook: %w", err)
		}
	}
	if fin, ok := tree.adapter.(CloneFinisher); ok {
		if err := fin.CloneEnd(ctx, f, cp); err != nil {
			return cp, fmt.Errorf("finish clone: %w", err)
		}
	}
	f.metrics.cloned()
	return cp, nil
}

func (f *Forrest) cloneError(tree *Tree, id NodeID, err error) error {
	if !errors.Is(err, ErrCloneUnsupported) {
		return fmt.Errorf("clone %s: %w", f.Identifier(id), err)
	}
	re := &RuntimeError{
		Code:     ErrCodeMissingCloneHook,
		Message:  fmt.Sprintf("adapter %q cannot clone nodes", tree.adapter.Kind()),
		TreeName: treeName(tree),
		Err:      err,
	}
	slog.Error("clone failed", "node", id, "error", re)
	return re
}

// copyFlags copies event flags pairwise over two same-shaped subtrees.
func (f *Forrest) copyFlags(from, to NodeID) {
	src, dst := f.get(from), f.get(to)
	if src == nil || dst == nil {
		return
	}
	dst.throwEvents = src.throwEvents
	dst.receiveEvents = src.receiveEvents
	dst.disableRemote = src.disableRemote
	dst.hidden = src.hidden
	for i, c := range src.children {
		if i < len(dst.children) {
			f.copyFlags(c, dst.children[i])
		}
	}
}

// cloneRelationsInto copies the relations of from onto to and recurses
// over children pairwise.
func (f *Forrest) cloneRelationsInto(from, to, moveFor NodeID, filter *Filter) {
	rels := f.Relations(from)
	if existing := f.Relations(to); len(existing) > 0 {
		slog.Error("cloning relations onto a node that already has some",
			"node", to,
			"existing", len(existing),
		)
		for _, r := range existing {
			f.destroyRelation(r)
		}
	}

	for _, r := range rels {
		if !filter.accepts(r.Node1, r.Node2) {
			continue
		}
		n1, n2 := r.Node1, r.Node2
		var other NodeID
		switch from {
		case n1:
			n1, other = to, n2
		case n2:
			n2, other = to, n1
		default:
			slog.Error("relation does not touch the node it was listed on",
				"relation", r.ID,
				"node", from,
			)
			continue
		}
		f.cloneRelation(r, n1, n2)
		if moveFor != NoNode && f.IsWithin(other, moveFor) {
			f.destroyRelation(r)
		}
	}

	fromKids, toKids := f.Children(from), f.Children(to)
	for i, c := range fromKids {
		if i >= len(toKids) {
			slog.Error("clone children out of sync",
				"from", from,
				"to", to,
				"from_children", len(fromKids),
				"to_children", len(toKids),
			)
			break
		}
		f.cloneRelationsInto(c, toKids[i], moveFor, filter)
	}
}

// Policy selects what PruneRelations does with a relation.
type Policy int

const (
	// PolicyDelete destroys rejected relations.
	PolicyDelete Policy = iota
	// PolicyMark keeps rejected relations but marks them graft-only.
	PolicyMark
)

// Filter decides which relations survive a prune or are realized.
// A nil Filter accepts everything.
type Filter struct {
	Accept func(n1, n2 NodeID) bool

	// OnReject applies to relations Accept rejects.
	OnReject Policy

	// MarkPassing clears the graft-only flag of accepted relations.
	MarkPassing bool
}

func (fl *Filter) accepts(n1, n2 NodeID) bool {
	return fl == nil || fl.Accept == nil || fl.Accept(n1, n2)
}

func rejectAll(NodeID, NodeID) bool { return false }

// AllOf accepts a pair only when every filter does. Policies are taken from
// the first filter.
func AllOf(filters ...*Filter) *Filter {
	if len(filters) == 0 {
		return nil
	}
	out := &Filter{
		Accept: func(n1, n2 NodeID) bool {
			for _, fl := range filters {
				if !fl.accepts(n1, n2) {
					return false
				}
			}
			return true
		},
	}
	if filters[0] != nil {
		out.OnReject = filters[0].OnReject
		out.MarkPassing = filters[0].MarkPassing
	}
	return out
}

// RejectUnless rejects relations with an endpoint inside rejectUnder unless
// that endpoint is also inside unlessWithin. With unlessWithin unset every
// relation reaching into rejectUnder is rejected.
func (f *Forrest) RejectUnless(rejectUnder, unlessWithin NodeID) *Filter {
	return &Filter{
		Accept: func(n1, n2 NodeID) bool {
			if rejectUnder <= 0 {
				return true
			}
			for _, e := range []NodeID{n1, n2} {
				if !f.IsWithin(e, rejectUnder) {
					continue
				}
				if unlessWithin <= 0 || !f.IsWithin(e, unlessWithin) {
					return false
				}
			}
			return true
		},
	}
}

// PruneRelations applies filter to every relation in the subtree at id.
func (f *Forrest) PruneRelations(id NodeID, filter *Filter) {
	if filter == nil || !f.Alive(id) {
		return
	}
	for _, r := range f.Relations(id) {
		if r.destroyed {
			continue
		}
		if filter.accepts(r.Node1, r.Node2) {
			if filter.MarkPassing {
				r.graftOnly = false
			}
			continue
		}
		if filter.OnReject == PolicyMark {
			r.graftOnly = true
			continue
		}
		f.destroyRelation(r)
	}
	for _, c := range f.Children(id) {
		f.PruneRelations(c, filter)
	}
}
