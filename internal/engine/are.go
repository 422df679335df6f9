package engine

import (
	"context"
	"errors"
	"log/slog"

	"github.com/roach88/cts/internal/ir"
)

// executeAre aligns the item count of toward with the opposite collection.
//
// Items present on both sides keep only the relations that pair them with
// their counterpart. Surplus items on toward are destroyed from the end.
// Missing items are cloned from a template chosen as the current item count
// modulo the declared mod, which defaults to toward's original item count.
func (r *Relation) executeAre(ctx context.Context, toward NodeID) error {
	if r.graftOnly {
		return nil
	}
	f := r.forrest
	from := r.Opposite(toward)

	fromIts := f.Iterables(from, r.OptsFor(from))
	toOpts := r.OptsFor(toward)
	toIts := f.Iterables(toward, toOpts)

	mod := len(toIts)
	if m, ok := optInt(toOpts, "mod"); ok && m > 0 {
		mod = m
	}

	for i := 0; i < min(len(fromIts), len(toIts)); i++ {
		f.PruneRelations(fromIts[i], f.RejectUnless(toward, toIts[i]))
		f.PruneRelations(toIts[i], f.RejectUnless(from, fromIts[i]))
	}

	diff := len(toIts) - len(fromIts)
	for ; diff > 0; diff-- {
		last := toIts[len(toIts)-1]
		toIts = toIts[:len(toIts)-1]
		if err := f.Destroy(last); err != nil {
			return err
		}
	}

	var errs []error
	for ; diff < 0; diff++ {
		if mod == 0 {
			err := &RuntimeError{
				Code:       ErrCodeNoIterables,
				Message:    "no iterables to clone",
				TreeName:   treeName(f.TreeOf(toward)),
				RelationID: r.ID,
			}
			slog.Error("are alignment cannot grow collection",
				"relation", r.ID,
				"toward", f.Identifier(toward),
				"error", err,
			)
			return err
		}
		cur := len(f.Iterables(toward, toOpts))
		if _, err := f.CloneIterable(ctx, toward, cur%mod, cur-1, CloneIterableOptions{IterableOpts: toOpts}); err != nil {
			errs = append(errs, err)
			break
		}
	}
	return errors.Join(errs...)
}

// relayTransform mirrors a structural change of one collection onto the
// other. Indexes are translated between the two sides' iterable windows.
func (r *Relation) relayTransform(ctx context.Context, evt *Event, from, to NodeID) (*Event, error) {
	f := r.forrest
	t := evt.Transform
	if t == nil || t.Operation == ir.OpSetValue {
		return nil, nil
	}
	t2 := t.RelayFor(to)
	if t2 == nil {
		return nil, nil
	}

	fromPrefix, _ := optInt(r.OptsFor(from), "prefix")
	idx, ok := t.ArgInt("index")
	if !ok {
		idx = len(f.Children(from))
	}
	t2.Args = t.Args.CloneWith("index", ir.Int(idx-fromPrefix))
	t2.IterableOpts = r.OptsFor(to)
	if t.Operation == ir.OpNodeInserted {
		t2.seedValue = true
	}

	if err := f.applyTransform(ctx, to, t2, false); err != nil {
		slog.Warn("are relay could not apply transform",
			"relation", r.ID,
			"operation", t2.Operation,
			"to", f.Identifier(to),
			"error", err,
		)
		return nil, err
	}
	err := f.commitIfNeeded(ctx, to, t2)

	next := evt.follow(f, to)
	next.Transform = t2
	f.notify(*next)
	return next, err
}
