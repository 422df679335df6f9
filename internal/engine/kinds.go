package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	"golang.org/x/sync/errgroup"

	"github.com/roach88/cts/internal/ir"
)

func eventInterest(kind ir.RelationKind) []EventKind {
	switch kind {
	case ir.KindIs, ir.KindUpdates, ir.KindIfExist, ir.KindIfNexist:
		return []EventKind{EventValueChanged}
	case ir.KindAre, ir.KindCreates:
		return []EventKind{EventTransform}
	default:
		return nil
	}
}

func defaultOpts(kind ir.RelationKind) ir.Object {
	if kind == ir.KindAre {
		return ir.NewObject(
			ir.O("prefix", ir.Int(0)),
			ir.O("suffix", ir.Int(0)),
			ir.O("step", ir.Int(0)),
		)
	}
	return ir.Object{}
}

func (r *Relation) execute(ctx context.Context, toward NodeID) error {
	switch r.Kind {
	case ir.KindIs:
		if r.graftOnly {
			return nil
		}
		return r.copyValue(r.Opposite(toward), toward)
	case ir.KindUpdates:
		if r.graftOnly || toward != r.Node2 {
			return nil
		}
		return r.copyValue(r.Node1, r.Node2)
	case ir.KindAre:
		return r.executeAre(ctx, toward)
	case ir.KindIfExist, ir.KindIfNexist:
		return r.executeGate(toward)
	case ir.KindGraft:
		return r.executeGraft(ctx, toward)
	case ir.KindCreates:
		return nil
	default:
		return fmt.Errorf("unknown relation kind %q", r.Kind)
	}
}

// relay performs the kind-specific part of an event hop and returns the
// event to fan out from to, or nil to stop.
func (r *Relation) relay(ctx context.Context, evt *Event, from, to NodeID) (*Event, error) {
	switch r.Kind {
	case ir.KindIs:
		return r.relayValue(ctx, evt, to)
	case ir.KindUpdates:
		if from != r.Node1 {
			return nil, nil
		}
		return r.relayValue(ctx, evt, to)
	case ir.KindIfExist, ir.KindIfNexist:
		return nil, r.executeGate(r.Node1)
	case ir.KindAre:
		return r.relayTransform(ctx, evt, from, to)
	case ir.KindCreates:
		if from != r.Node1 {
			return nil, nil
		}
		return r.relayCreation(ctx, evt, to)
	default:
		return nil, nil
	}
}

func (r *Relation) copyValue(src, dst NodeID) error {
	f := r.forrest
	if dst == Nonexistent || !f.Alive(dst) {
		return nil
	}
	val := ir.Value(ir.Null{})
	if src != Nonexistent {
		val = f.Value(src)
	}
	_, err := f.setValueQuietly(dst, val)
	return err
}

// relayValue mirrors a value change onto to. When to has just broadcast
// the same value the change is its own echo and propagation stops there.
func (r *Relation) relayValue(ctx context.Context, evt *Event, to NodeID) (*Event, error) {
	f := r.forrest
	n := f.get(to)
	if n.throwEvents && f.suppressEcho(n, to, evt.Value) {
		_, err := f.setValueQuietly(to, evt.Value)
		return nil, err
	}
	norm, err := f.setValueQuietly(to, evt.Value)
	if err != nil {
		return nil, err
	}
	if n.throwEvents {
		n.lastBroadcast = norm
		n.hasBroadcast = true
	}

	next := evt.follow(f, to)
	next.Value = norm
	if evt.Transform != nil {
		if t2 := evt.Transform.RelayFor(to); t2 != nil {
			t2.Value = norm
			next.Transform = t2
			err = f.commitIfNeeded(ctx, to, t2)
		}
	}
	f.notify(*next)
	return next, err
}

// executeGate shows or hides toward depending on the presence of the
// opposite endpoint's value.
func (r *Relation) executeGate(toward NodeID) error {
	f := r.forrest
	n := f.get(toward)
	if n == nil {
		return nil
	}
	present := r.TruthyOrFalsy(r.Opposite(toward))
	if r.Kind == ir.KindIfExist {
		n.hidden = !present
	} else {
		n.hidden = present
	}
	return nil
}

// relayCreation appends a new item to the creation target when the source
// collection gains one.
func (r *Relation) relayCreation(ctx context.Context, evt *Event, to NodeID) (*Event, error) {
	f := r.forrest
	t := evt.Transform
	if t == nil || t.Operation != ir.OpNodeInserted {
		return nil, nil
	}
	t2 := t.RelayFor(to)
	if t2 == nil {
		return nil, nil
	}
	opts := r.OptsFor(to)
	t2.IterableOpts = opts
	t2.Args = ir.NewObject(ir.O("index", ir.Int(len(f.Iterables(to, opts)))))
	t2.Value = t.Value
	t2.seedValue = true
	if err := f.applyTransform(ctx, to, t2, false); err != nil {
		return nil, err
	}
	err := f.commitIfNeeded(ctx, to, t2)

	next := evt.follow(f, to)
	next.Transform = t2
	f.notify(*next)
	return next, err
}

// executeGraft replaces what this relation previously grafted onto toward
// with fresh copies of the opposite endpoint's children. Relations realized
// inside the grafted copies are marked graft-only.
func (r *Relation) executeGraft(ctx context.Context, toward NodeID) error {
	f := r.forrest
	if !f.Alive(toward) {
		return nil
	}
	for _, g := range r.grafted {
		if f.Alive(g) {
			if err := f.Destroy(g); err != nil {
				return err
			}
		}
	}
	r.grafted = nil

	source := r.Opposite(toward)
	if source == Nonexistent || !f.Alive(source) {
		return nil
	}
	kids := f.Children(source)
	shapes, err := f.cloneShapes(ctx, kids)
	if err != nil {
		return err
	}
	srcTree := f.TreeOf(source)
	for _, s := range shapes {
		id := f.materialize(s, srcTree, NoNode)
		if err := f.InsertChild(ctx, toward, id, AppendIndex, InsertOptions{}); err != nil {
			return err
		}
		if _, err := f.RealizeRelations(id, nil); err != nil {
			return err
		}
		f.PruneRelations(id, &Filter{Accept: rejectAll, OnReject: PolicyMark})
		r.grafted = append(r.grafted, id)
	}
	slog.Debug("graft executed",
		"relation", r.ID,
		"toward", f.Identifier(toward),
		"grafted", len(shapes),
	)
	return nil
}

// cloneShapes asks the adapters for clone shapes of several independent
// nodes at once. Results keep the order of ids.
func (f *Forrest) cloneShapes(ctx context.Context, ids []NodeID) ([]*Shape, error) {
	shapes := make([]*Shape, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		tree := f.TreeOf(id)
		if tree == nil {
			return nil, newDestroyedError(id)
		}
		g.Go(func() error {
			s, err := tree.adapter.CloneBegin(gctx, f, id)
			if err != nil {
				return f.cloneError(tree, id, err)
			}
			if s == nil {
				return f.cloneError(tree, id, ErrCloneUnsupported)
			}
			shapes[i] = s
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return shapes, nil
}

// optInt reads an integer option. Numeric strings are accepted.
func optInt(opts ir.Object, key string) (int, bool) {
	switch v := opts[key].(type) {
	case ir.Int:
		return int(v), true
	case ir.String:
		n, err := strconv.Atoi(string(v))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}
