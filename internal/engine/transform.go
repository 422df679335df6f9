package engine

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/cts/internal/ir"
)

// Transform describes one structural or value mutation on a node.
//
// Relaying a transform to a related node derives a mimic. The origin and
// all its mimics form a lineage that shares commit state: changing the state
// of any member updates every member exactly once.
type Transform struct {
	GUID           string
	Seq            int64
	Operation      ir.Operation
	AppContext     string
	TreeName       string
	TreeURL        string
	Node           NodeID
	NodeIdentifier string
	Value          ir.Value
	Args           ir.Object
	State          ir.TransformState

	// Subject is the child a node-inserted or node-removed transform is about.
	Subject NodeID

	// FromRemote marks transforms that arrived from the store.
	FromRemote bool

	// IterableOpts, when set, means the index argument counts items of the
	// collection window these options describe rather than raw children.
	IterableOpts ir.Object

	// seedValue copies Value onto the item a node-inserted transform creates.
	seedValue bool

	mimicOf *Transform
	mimics  []*Transform
	forrest *Forrest
}

func (f *Forrest) newTransform(op ir.Operation, id NodeID) *Transform {
	t := &Transform{
		GUID:       f.guids.Generate(),
		Operation:  op,
		AppContext: f.appContext,
		Node:       id,
		Value:      ir.Null{},
		State:      ir.StateNone,
		forrest:    f,
	}
	t.bind(id)
	return t
}

func (t *Transform) bind(id NodeID) {
	t.Node = id
	t.NodeIdentifier = t.forrest.Identifier(id)
	if tree := t.forrest.TreeOf(id); tree != nil {
		t.TreeName = tree.Name
		t.TreeURL = tree.Spec.URL
	}
}

// MimicOf returns the transform this one was relayed from.
func (t *Transform) MimicOf() *Transform { return t.mimicOf }

// Mimics returns the transforms relayed directly from this one.
func (t *Transform) Mimics() []*Transform { return t.mimics }

// ArgInt reads an integer argument.
func (t *Transform) ArgInt(key string) (int, bool) {
	return optInt(t.Args, key)
}

// Lineage returns every member of t's lineage, t first.
func (t *Transform) Lineage() []*Transform {
	seen := NewVisitedSet[*Transform]()
	t.walk(seen, func(*Transform) {})
	return seen.Order()
}

func (t *Transform) walk(seen *VisitedSet[*Transform], fn func(*Transform)) {
	if !seen.Visit(t) {
		return
	}
	fn(t)
	if t.mimicOf != nil {
		t.mimicOf.walk(seen, fn)
	}
	for _, m := range t.mimics {
		m.walk(seen, fn)
	}
}

// RelayFor derives the mimic of t bound to target. It returns nil when
// target already hosts a member of the lineage, which is what stops a
// structural change from bouncing between related collections.
func (t *Transform) RelayFor(target NodeID) *Transform {
	for _, member := range t.Lineage() {
		if member.Node == target {
			return nil
		}
	}
	m := &Transform{
		GUID:       t.forrest.guids.Generate(),
		Operation:  t.Operation,
		AppContext: t.AppContext,
		Value:      t.Value,
		Args:       t.Args,
		State:      t.State,
		mimicOf:    t,
		forrest:    t.forrest,
	}
	m.bind(target)
	t.mimics = append(t.mimics, m)
	return m
}

// ChangeState sets the commit state of every lineage member. Failed is
// final: once any store rejected a member, later commits in the lineage
// cannot report it as pending or successful.
func (t *Transform) ChangeState(state ir.TransformState) {
	if t.State == ir.StateFailed && state != ir.StateFailed {
		return
	}
	t.walk(NewVisitedSet[*Transform](), func(member *Transform) {
		if member.State == state {
			return
		}
		member.State = state
		if member.forrest != nil {
			member.forrest.transformStateChanged(member)
		}
	})
}

// Record returns the wire form of t.
func (t *Transform) Record() ir.TransformRecord {
	val := t.Value
	if val == nil {
		val = ir.Null{}
	}
	return ir.TransformRecord{
		Operation:      t.Operation,
		AppContext:     t.AppContext,
		TreeName:       t.TreeName,
		NodeIdentifier: t.NodeIdentifier,
		Value:          val,
		Args:           t.Args,
		GUID:           t.GUID,
	}
}

// Entry returns the journal form of t.
func (t *Transform) Entry() ir.JournalEntry {
	e := ir.JournalEntry{
		Record:  t.Record(),
		TreeURL: t.TreeURL,
		State:   t.State,
		Seq:     t.Seq,
	}
	if t.mimicOf != nil {
		e.MimicOf = t.mimicOf.GUID
	}
	return e
}

func (f *Forrest) transformStateChanged(t *Transform) {
	f.metrics.transformState(t.State)
	f.notify(Event{Kind: EventTransformState, Node: t.Node, Tree: t.TreeName, Transform: t})
}

// announceTransform broadcasts t from id to interested relations and
// observers, then commits it unless disableRemote is set.
func (f *Forrest) announceTransform(ctx context.Context, id NodeID, t *Transform, disableRemote bool) error {
	if t.Seq == 0 {
		t.Seq = f.clock.Next()
	}
	f.metrics.transformAnnounced(t.Operation)

	evt := f.newEvent(EventTransform, id)
	evt.Transform = t
	f.notify(*evt)
	err := f.fanOut(ctx, evt, id, nil)
	if disableRemote {
		return err
	}
	return errors.Join(err, f.commitIfNeeded(ctx, id, t))
}

// commitIfNeeded sends t to the remote store of id's tree when that tree
// commits. A rejected commit fails the whole lineage.
func (f *Forrest) commitIfNeeded(ctx context.Context, id NodeID, t *Transform) error {
	n := f.get(id)
	if n == nil || n.tree == nil || !n.tree.commits || n.disableRemote {
		return nil
	}
	if t.State == ir.StateFailed {
		slog.Debug("skipping commit of failed lineage", "tree", n.tree.Name, "guid", t.GUID)
		return nil
	}
	if t.Seq == 0 {
		t.Seq = f.clock.Next()
	}
	tree := n.tree
	t.ChangeState(ir.StatePending)
	if f.mockRemote || tree.Spec.Mock {
		t.ChangeState(ir.StateSuccess)
		return nil
	}

	ctx, span := f.tracer.Start(ctx, "engine.Commit",
		trace.WithAttributes(
			attribute.String("cts.tree", tree.Name),
			attribute.String("cts.operation", string(t.Operation)),
			attribute.String("cts.guid", t.GUID),
		),
	)
	defer span.End()

	if err := tree.adapter.Commit(ctx, t); err != nil {
		t.ChangeState(ir.StateFailed)
		span.RecordError(err)
		span.SetStatus(codes.Error, "commit rejected")
		slog.Error("transform commit failed",
			"tree", tree.Name,
			"guid", t.GUID,
			"operation", t.Operation,
			"error", err,
		)
		return NewRemoteCommitError(tree.Name, t.GUID, err)
	}
	t.ChangeState(ir.StateSuccess)
	return nil
}
