package engine

// VisitedSet records which members of a traversal have been handled.
//
// The same guard serves two call sites:
//   - relay chains: an event records every relation it crosses, so a cycle
//     of value-mirroring relations is walked at most once per relation
//   - transform lineage: a state change records every transform it updates,
//     so each lineage member changes state exactly once
//
// A VisitedSet belongs to one traversal and is not safe for concurrent use.
type VisitedSet[K comparable] struct {
	seen  map[K]struct{}
	order []K
}

// NewVisitedSet creates an empty set.
func NewVisitedSet[K comparable]() *VisitedSet[K] {
	return &VisitedSet[K]{seen: make(map[K]struct{})}
}

// Visit marks k as handled. Returns false if k was already handled.
func (v *VisitedSet[K]) Visit(k K) bool {
	if _, ok := v.seen[k]; ok {
		return false
	}
	v.seen[k] = struct{}{}
	v.order = append(v.order, k)
	return true
}

// Seen reports whether k has been handled.
func (v *VisitedSet[K]) Seen(k K) bool {
	_, ok := v.seen[k]
	return ok
}

// Len returns the number of handled members.
func (v *VisitedSet[K]) Len() int {
	return len(v.seen)
}

// Order returns handled members in visit order.
func (v *VisitedSet[K]) Order() []K {
	out := make([]K, len(v.order))
	copy(out, v.order)
	return out
}
