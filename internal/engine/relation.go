package engine

import (
	"context"
	"errors"
	"log/slog"
	"slices"

	"github.com/roach88/cts/internal/ir"
)

// Relation is one realized edge between two nodes, produced from a relation
// declaration. Either endpoint may be Nonexistent when its selection
// matched nothing.
type Relation struct {
	ID    string
	Kind  ir.RelationKind
	Node1 NodeID
	Node2 NodeID
	Spec  ir.RelationSpec

	graftOnly bool
	destroyed bool
	forrest   *Forrest

	// grafted tracks the subtrees a graft relation attached, so the next
	// execution replaces rather than accumulates them.
	grafted []NodeID
}

// GraftOnly reports whether the relation is structural only. Graft-only
// relations never relay events and are skipped by value alignment.
func (r *Relation) GraftOnly() bool { return r.graftOnly }

// SetGraftOnly marks or unmarks the relation as structural only.
func (r *Relation) SetGraftOnly(v bool) { r.graftOnly = v }

// Destroyed reports whether the relation has been torn down.
func (r *Relation) Destroyed() bool { return r.destroyed }

// Opposite returns the endpoint that is not id.
func (r *Relation) Opposite(id NodeID) NodeID {
	if id == r.Node1 {
		return r.Node2
	}
	return r.Node1
}

// Touches reports whether id is one of the endpoints.
func (r *Relation) Touches(id NodeID) bool {
	return r.Node1 == id || r.Node2 == id
}

// Equal reports whether other joins the same endpoints with the same kind
// and the same options on each side.
func (r *Relation) Equal(other *Relation) bool {
	if other == nil || r.Kind != other.Kind || r.Node1 != other.Node1 || r.Node2 != other.Node2 {
		return false
	}
	return ir.Equal(r.OptsFor(r.Node1), other.OptsFor(other.Node1)) &&
		ir.Equal(r.OptsFor(r.Node2), other.OptsFor(other.Node2))
}

// OptsFor merges the kind defaults with the selection props of the side id
// sits on.
func (r *Relation) OptsFor(id NodeID) ir.Object {
	out := defaultOpts(r.Kind)
	var props ir.Object
	switch id {
	case r.Node1:
		props = r.Spec.Selection1.Props
	case r.Node2:
		props = r.Spec.Selection2.Props
	}
	for k, v := range props {
		out[k] = v
	}
	return out
}

// Interested reports whether the relation subscribes to events of kind.
func (r *Relation) Interested(kind EventKind) bool {
	return slices.Contains(eventInterest(r.Kind), kind)
}

// TruthyOrFalsy applies the presence test to an endpoint.
func (r *Relation) TruthyOrFalsy(id NodeID) bool {
	if id == Nonexistent || !r.forrest.Alive(id) {
		return false
	}
	return ir.Truthy(r.forrest.Value(id))
}

// Execute aligns toward with the opposite endpoint according to the kind.
func (r *Relation) Execute(ctx context.Context, toward NodeID) error {
	if r.destroyed {
		return nil
	}
	return r.execute(ctx, toward)
}

// handleEventFromNode relays evt, which arrived at from, across this
// relation and then fans it out from the destination.
func (r *Relation) handleEventFromNode(ctx context.Context, evt *Event, from NodeID) error {
	f := r.forrest
	if r.destroyed || r.graftOnly || r.Spec.CreationOnly {
		return nil
	}
	to := r.Opposite(from)
	if to == Nonexistent || !f.Alive(to) {
		return nil
	}
	if !evt.chain.Visit(r) {
		return nil
	}
	if !f.ReceivesEvents(to) {
		return nil
	}
	if err := evt.budget.Check(evt.Tree); err != nil {
		slog.Error("relay budget exceeded",
			"relation", r.ID,
			"kind", r.Kind,
			"steps", evt.budget.Current(),
			"limit", evt.budget.MaxSteps(),
			"event", "relay_budget_exceeded",
		)
		return err
	}

	next, err := r.relay(ctx, evt, from, to)
	f.metrics.eventRelayed(r.Kind)
	if next == nil {
		return err
	}
	return errors.Join(err, f.fanOut(ctx, next, to, r))
}

// addRelation realizes a relation between n1 and n2, registering it with
// both endpoints. An equal relation that already exists is returned as is.
func (f *Forrest) addRelation(spec ir.RelationSpec, n1, n2 NodeID) *Relation {
	r := &Relation{
		ID:        spec.ID,
		Kind:      spec.Kind,
		Node1:     n1,
		Node2:     n2,
		Spec:      spec,
		graftOnly: spec.GraftOnly || spec.Kind == ir.KindGraft,
		forrest:   f,
	}
	for _, existing := range f.membership(n1, n2) {
		if existing.Equal(r) {
			return existing
		}
	}
	if n := f.get(n1); n != nil {
		n.relations = append(n.relations, r)
	}
	if n2 != n1 {
		if n := f.get(n2); n != nil {
			n.relations = append(n.relations, r)
		}
	}
	f.relations = append(f.relations, r)
	f.metrics.relationRealized(spec.Kind)
	return r
}

// membership returns the relation list of whichever endpoint is a real
// node, for duplicate detection.
func (f *Forrest) membership(n1, n2 NodeID) []*Relation {
	if n := f.get(n1); n != nil {
		return n.relations
	}
	if n := f.get(n2); n != nil {
		return n.relations
	}
	for _, r := range f.relations {
		if r.Node1 == n1 && r.Node2 == n2 {
			return []*Relation{r}
		}
	}
	return nil
}

// cloneRelation copies r onto new endpoints.
func (f *Forrest) cloneRelation(r *Relation, n1, n2 NodeID) *Relation {
	c := f.addRelation(r.Spec.Clone(), n1, n2)
	c.graftOnly = r.graftOnly
	return c
}

// destroyRelation unregisters r from both endpoints and the forrest.
func (f *Forrest) destroyRelation(r *Relation) {
	if r.destroyed {
		return
	}
	for _, id := range []NodeID{r.Node1, r.Node2} {
		if n := f.get(id); n != nil {
			n.relations = slices.DeleteFunc(n.relations, func(x *Relation) bool { return x == r })
		}
	}
	f.relations = slices.DeleteFunc(f.relations, func(x *Relation) bool { return x == r })
	r.destroyed = true
	f.metrics.relationDestroyed(r.Kind)
	f.notify(Event{Kind: EventRelationDestroyed, Node: r.Node1, Relation: r})
}

// RemoveRelation destroys a realized relation. Removing a destroyed
// relation does nothing.
func (f *Forrest) RemoveRelation(r *Relation) {
	if r == nil {
		return
	}
	f.destroyRelation(r)
}

// AllRelations returns every live relation in realization order.
func (f *Forrest) AllRelations() []*Relation {
	return slices.Clone(f.relations)
}
