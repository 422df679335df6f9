package engine

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"

	"github.com/roach88/cts/internal/ir"
)

// Iterables returns the children of id that take part in collection
// alignment. Options:
//   - prefix, suffix: children excluded at the start and end
//   - item: a single zero-based item, or "random"
//   - limit: at most this many items
func (f *Forrest) Iterables(id NodeID, opts ir.Object) []NodeID {
	kids := f.Children(id)
	prefix, _ := optInt(opts, "prefix")
	suffix, _ := optInt(opts, "suffix")
	prefix = max(prefix, 0)
	end := len(kids) - max(suffix, 0)
	if end <= prefix {
		return nil
	}
	its := kids[prefix:end]

	if item, ok := opts["item"]; ok && !ir.IsNull(item) {
		if s, isStr := item.(ir.String); isStr && s == "random" {
			its = []NodeID{its[rand.IntN(len(its))]}
		} else if idx, ok := optInt(opts, "item"); ok && idx >= 0 && idx < len(its) {
			its = []NodeID{its[idx]}
		} else {
			its = nil
		}
	}
	if limit, ok := optInt(opts, "limit"); ok && limit >= 0 && limit < len(its) {
		its = its[:limit]
	}
	return its
}

// LineageEntry pairs a collection related to one of an item's ancestors
// with the item at the same position in that collection. Item is NoNode
// when the related collection is too short.
type LineageEntry struct {
	Container NodeID
	Item      NodeID
}

// IterableLineage walks up from id, and for every are relation on each
// ancestor collection reports the related collection and its item at the
// matching position. parent and index override id's current placement;
// pass NoNode and -1 to use it.
func (f *Forrest) IterableLineage(id, parent NodeID, index int) []LineageEntry {
	var out []LineageEntry
	f.iterableLineage(id, parent, index, &out)
	return out
}

func (f *Forrest) iterableLineage(id, parent NodeID, index int, out *[]LineageEntry) {
	if parent == NoNode {
		parent = f.Parent(id)
	}
	if parent == NoNode {
		return
	}
	for _, r := range f.Relations(parent) {
		if r.Kind != ir.KindAre || r.destroyed {
			continue
		}
		at := index
		if at < 0 {
			// Each relation may window the collection differently.
			at = slices.Index(f.Iterables(parent, r.OptsFor(parent)), id)
		}
		related := r.Opposite(parent)
		its := f.Iterables(related, r.OptsFor(related))
		item := NoNode
		if at >= 0 && at < len(its) {
			item = its[at]
		}
		*out = append(*out, LineageEntry{Container: related, Item: item})
	}
	f.iterableLineage(parent, NoNode, -1, out)
}

// LineageFilter builds the filter that keeps only relations from an item
// at position index of parent into the matching items of related
// collections.
func (f *Forrest) LineageFilter(id, parent NodeID, index int) *Filter {
	var filters []*Filter
	for _, e := range f.IterableLineage(id, parent, index) {
		filters = append(filters, f.RejectUnless(e.Container, e.Item))
	}
	return AllOf(filters...)
}

// CloneIterableOptions controls CloneIterable.
type CloneIterableOptions struct {
	ThrowEvent     bool
	CloneRelations bool
	BeforeCommit   func(ctx context.Context, id NodeID) error

	// Filter is applied as an extra prune after lineage pruning.
	Filter *Filter

	// IterableOpts selects the collection window.
	IterableOpts ir.Object
}

// CloneIterable clones item fromIndex of the collection at container and
// inserts the copy after item afterIndex. afterIndex below -1 appends.
// The copy's relations are realized and then pruned so that they reach
// only the matching items of related collections.
func (f *Forrest) CloneIterable(ctx context.Context, container NodeID, fromIndex, afterIndex int, opts CloneIterableOptions) (NodeID, error) {
	its := f.Iterables(container, opts.IterableOpts)
	if len(its) == 0 {
		return NoNode, &RuntimeError{
			Code:     ErrCodeNoIterables,
			Message:  "no iterables to clone",
			TreeName: treeName(f.TreeOf(container)),
		}
	}
	template := its[((fromIndex%len(its))+len(its))%len(its)]
	if afterIndex < -1 {
		afterIndex = len(its) - 1
	}

	clone, err := f.Clone(ctx, template, CloneOptions{
		CloneRelations: opts.CloneRelations,
		BeforeCommit:   opts.BeforeCommit,
	})
	if err != nil {
		return NoNode, err
	}

	prefix, _ := optInt(opts.IterableOpts, "prefix")
	if err := f.InsertChild(ctx, container, clone, max(prefix, 0)+afterIndex, InsertOptions{}); err != nil {
		return clone, err
	}

	lineage := f.LineageFilter(clone, container, afterIndex+1)
	f.realizeInline(clone, true, lineage)
	if _, err := f.RealizeRelations(clone, lineage); err != nil {
		return clone, err
	}
	f.PruneRelations(clone, lineage)
	f.PruneRelations(clone, opts.Filter)

	if !opts.ThrowEvent {
		return clone, nil
	}
	t := f.newTransform(ir.OpNodeInserted, container)
	t.Subject = clone
	t.Value = f.Value(clone)
	t.Args = ir.NewObject(ir.O("index", ir.Int(f.IndexOf(container, clone))))
	return clone, f.announceTransform(ctx, container, t, false)
}

// ApplyTransform carries out t on id and announces it.
func (f *Forrest) ApplyTransform(ctx context.Context, id NodeID, t *Transform) error {
	return f.applyTransform(ctx, id, t, true)
}

func (f *Forrest) applyTransform(ctx context.Context, id NodeID, t *Transform, announce bool) error {
	n := f.get(id)
	if n == nil {
		return newDestroyedError(id)
	}
	if t.forrest == nil {
		t.forrest = f
	}

	switch t.Operation {
	case ir.OpSetValue:
		norm, err := f.setValueQuietly(id, t.Value)
		if err != nil {
			return err
		}
		t.Value = norm
		if !announce {
			return nil
		}
		var errs []error
		if n.throwEvents {
			errs = append(errs, f.throwValueChanged(ctx, id, norm, t))
		}
		errs = append(errs, f.announceTransform(ctx, id, t, t.FromRemote))
		return errors.Join(errs...)

	case ir.OpNodeInserted:
		its := f.Iterables(id, t.IterableOpts)
		idx, ok := t.ArgInt("index")
		if !ok {
			idx = len(its)
		}
		clone, err := f.CloneIterable(ctx, id, max(idx-1, 0), idx-1, CloneIterableOptions{IterableOpts: t.IterableOpts})
		if err != nil {
			return err
		}
		if (t.FromRemote || t.seedValue) && !ir.IsNull(t.Value) {
			if _, err := f.setValueQuietly(clone, t.Value); err != nil {
				return err
			}
		}
		if err := f.ProcessIncoming(ctx, clone, ProcessOptions{DisableRemote: t.FromRemote}); err != nil {
			return err
		}
		t.Subject = clone
		t.Args = t.Args.CloneWith("index", ir.Int(f.IndexOf(id, clone)))
		t.IterableOpts = nil
		if !announce {
			return nil
		}
		return f.announceTransform(ctx, id, t, t.FromRemote)

	case ir.OpNodeRemoved:
		its := f.Iterables(id, t.IterableOpts)
		idx, ok := t.ArgInt("index")
		if !ok || idx < 0 || idx >= len(its) {
			return fmt.Errorf("node-removed index %d out of range for %d items", idx, len(its))
		}
		victim := its[idx]
		childIdx := f.IndexOf(id, victim)
		if err := f.RemoveChild(ctx, id, victim, false); err != nil {
			return err
		}
		if err := f.Destroy(victim); err != nil {
			return err
		}
		t.Subject = victim
		t.Args = t.Args.CloneWith("index", ir.Int(childIdx))
		t.IterableOpts = nil
		if !announce {
			return nil
		}
		return f.announceTransform(ctx, id, t, t.FromRemote)

	default:
		return fmt.Errorf("unknown transform operation %q", t.Operation)
	}
}
