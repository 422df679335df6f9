package queryir

import (
	"fmt"

	"github.com/roach88/cts/internal/ir"
)

// Match evaluates a Select filter against one row, keyed by column name.
// Bound variables are looked up in bound. Joins are not evaluated in
// memory; FieldEquals is an error here.
//
// Match and the sqlite backend agree on every portable query. Null
// comparisons do not: sqlite never matches null, Match compares it like
// any other value.
func Match(p Predicate, row ir.Object, bound map[string]ir.Value) (bool, error) {
	if p == nil {
		return true, nil
	}

	switch pred := p.(type) {
	case Equals:
		return ir.Equal(row[pred.Field], pred.Value), nil
	case *Equals:
		return ir.Equal(row[pred.Field], pred.Value), nil
	case In:
		return matchIn(pred, row), nil
	case *In:
		return matchIn(*pred, row), nil
	case BoundEquals:
		return matchBound(pred, row, bound)
	case *BoundEquals:
		return matchBound(*pred, row, bound)
	case And:
		return matchAll(pred.Predicates, row, bound)
	case *And:
		return matchAll(pred.Predicates, row, bound)
	case Or:
		return matchAny(pred.Predicates, row, bound)
	case *Or:
		return matchAny(pred.Predicates, row, bound)
	default:
		return false, fmt.Errorf("predicate %T cannot be evaluated in memory", p)
	}
}

func matchIn(in In, row ir.Object) bool {
	for _, v := range in.Values {
		if ir.Equal(row[in.Field], v) {
			return true
		}
	}
	return false
}

func matchBound(beq BoundEquals, row ir.Object, bound map[string]ir.Value) (bool, error) {
	v, ok := bound[beq.BoundVar]
	if !ok {
		return false, fmt.Errorf("unbound variable %q", beq.BoundVar)
	}
	return ir.Equal(row[beq.Field], v), nil
}

func matchAll(preds []Predicate, row ir.Object, bound map[string]ir.Value) (bool, error) {
	for _, p := range preds {
		ok, err := Match(p, row, bound)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func matchAny(preds []Predicate, row ir.Object, bound map[string]ir.Value) (bool, error) {
	for _, p := range preds {
		ok, err := Match(p, row, bound)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}
