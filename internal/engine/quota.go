package engine

import (
	"errors"
	"fmt"
)

// RelayBudget counts relation hops taken by one event and enforces a
// ceiling.
//
// Each event carries its own budget. The relay chain visited set already
// stops an event from crossing the same relation twice; the budget catches
// the other runaway shape, where every hop crosses a fresh relation because
// cardinality alignment keeps cloning items that realize new relations.
//
// Together they guarantee that propagation of one event terminates.
type RelayBudget struct {
	maxSteps int
	current  int
}

// NewRelayBudget creates a budget with the given limit.
func NewRelayBudget(maxSteps int) *RelayBudget {
	return &RelayBudget{maxSteps: maxSteps}
}

// Check increments the hop counter and validates against the limit.
func (q *RelayBudget) Check(origin string) error {
	q.current++
	if q.current > q.maxSteps {
		return &RelayBudgetError{
			Origin: origin,
			Steps:  q.current,
			Limit:  q.maxSteps,
		}
	}
	return nil
}

// Current returns the number of hops taken so far.
func (q *RelayBudget) Current() int {
	return q.current
}

// MaxSteps returns the limit.
func (q *RelayBudget) MaxSteps() int {
	return q.maxSteps
}

// RelayBudgetError is returned when one event exceeds the relay budget.
// Propagation of that event stops; the forrest stays usable.
type RelayBudgetError struct {
	Origin string // Tree where the event was raised
	Steps  int
	Limit  int
}

// Error implements the error interface.
func (e *RelayBudgetError) Error() string {
	return fmt.Sprintf("event from %s exceeded relay budget: %d hops > %d limit",
		e.Origin, e.Steps, e.Limit)
}

// IsRelayBudgetError returns true if the error is a RelayBudgetError.
// Uses errors.As to handle wrapped errors.
func IsRelayBudgetError(err error) bool {
	var be *RelayBudgetError
	return errors.As(err, &be)
}
