package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/roach88/cts/internal/ir"
)

// EventKind distinguishes the events nodes emit.
type EventKind int

const (
	// EventValueChanged is emitted when a node's value changes.
	EventValueChanged EventKind = iota + 1
	// EventTransform is emitted when a node announces a transform.
	EventTransform
	// EventTransformState is emitted when a transform changes commit state.
	EventTransformState
	// EventRelationDestroyed is emitted when a relation is torn down.
	EventRelationDestroyed
	// EventNodeDestroyed is emitted when a node is torn down.
	EventNodeDestroyed
)

func (k EventKind) String() string {
	switch k {
	case EventValueChanged:
		return "value-changed"
	case EventTransform:
		return "transform"
	case EventTransformState:
		return "transform-state"
	case EventRelationDestroyed:
		return "relation-destroyed"
	case EventNodeDestroyed:
		return "node-destroyed"
	default:
		return "unknown"
	}
}

// Event is one occurrence delivered to relations and observers.
type Event struct {
	Kind      EventKind
	Node      NodeID
	Tree      string
	Value     ir.Value
	Transform *Transform
	Relation  *Relation

	// chain records the relations this event has crossed.
	chain  *VisitedSet[*Relation]
	budget *RelayBudget
}

// Listener observes forrest events.
type Listener func(Event)

// Observe registers a listener for every event the forrest emits.
// Listeners run on the owner goroutine and must not mutate the forrest.
func (f *Forrest) Observe(l Listener) {
	f.observers = append(f.observers, l)
}

func (f *Forrest) notify(evt Event) {
	for _, l := range f.observers {
		l(evt)
	}
}

func (f *Forrest) newEvent(kind EventKind, id NodeID) *Event {
	return &Event{
		Kind:   kind,
		Node:   id,
		Tree:   treeName(f.TreeOf(id)),
		chain:  NewVisitedSet[*Relation](),
		budget: NewRelayBudget(f.maxRelaySteps),
	}
}

// follow derives the event that continues past a relation hop. It shares
// the relay chain and budget of evt.
func (evt *Event) follow(f *Forrest, at NodeID) *Event {
	next := *evt
	next.Node = at
	next.Tree = treeName(f.TreeOf(at))
	return &next
}

// fanOut delivers evt, which is now at node at, to every relation on at
// interested in the event kind. except is the relation the event arrived
// through. Creation-bound relations never hand an event to one another.
func (f *Forrest) fanOut(ctx context.Context, evt *Event, at NodeID, except *Relation) error {
	n := f.get(at)
	if n == nil {
		return nil
	}
	var errs []error
	for _, r := range slices.Clone(n.relations) {
		if r == except || r.destroyed || !r.Interested(evt.Kind) {
			continue
		}
		if except != nil && except.Kind == ir.KindCreates && r.Kind == ir.KindCreates {
			continue
		}
		if err := r.handleEventFromNode(ctx, evt, at); err != nil {
			errs = append(errs, err)
			if IsRelayBudgetError(err) {
				break
			}
		}
	}
	return errors.Join(errs...)
}

// throwValueChanged broadcasts a node's new value. A node never re-emits
// the value it broadcast last; the echo is swallowed once and the cache
// cleared.
func (f *Forrest) throwValueChanged(ctx context.Context, id NodeID, val ir.Value, t *Transform) error {
	n := f.get(id)
	if n == nil {
		return nil
	}
	if f.suppressEcho(n, id, val) {
		return nil
	}
	n.lastBroadcast = val
	n.hasBroadcast = true

	evt := f.newEvent(EventValueChanged, id)
	evt.Value = val
	evt.Transform = t
	f.notify(*evt)
	return f.fanOut(ctx, evt, id, nil)
}

func (f *Forrest) suppressEcho(n *node, id NodeID, val ir.Value) bool {
	if !n.hasBroadcast || !ir.Equal(n.lastBroadcast, val) {
		return false
	}
	slog.Debug("suppressing value echo",
		"node", id,
		"identifier", f.Identifier(id),
	)
	n.lastBroadcast = nil
	n.hasBroadcast = false
	f.metrics.echoSuppressed()
	return true
}
