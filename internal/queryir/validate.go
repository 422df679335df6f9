package queryir

import (
	"fmt"

	"github.com/roach88/cts/internal/ir"
)

// ValidationResult contains portability analysis of a query.
//
// Queries outside the portable fragment still run against sqlite but may
// evaluate differently, or not at all, against other journal backends.
type ValidationResult struct {
	// IsPortable indicates the query uses only portable fragment features.
	IsPortable bool

	// Warnings lists non-portable features used in the query.
	Warnings []string

	// Errors lists problems no backend can run: unknown tables or columns.
	Errors []string
}

// Valid reports whether the query can run at all.
func (r ValidationResult) Valid() bool { return len(r.Errors) == 0 }

// Validate checks a query against the journal catalog and the portable
// fragment rules:
//  1. No null comparisons
//  2. No Or predicates
//  3. Explicit bindings
//
// Validate is a pure function with no side effects.
func Validate(query Query) ValidationResult {
	v := &validator{warnings: []string{}}
	v.validateQuery(query)

	return ValidationResult{
		IsPortable: len(v.warnings) == 0 && len(v.errors) == 0,
		Warnings:   v.warnings,
		Errors:     v.errors,
	}
}

type validator struct {
	warnings []string
	errors   []string
}

func (v *validator) addWarning(format string, args ...any) {
	v.warnings = append(v.warnings, fmt.Sprintf(format, args...))
}

func (v *validator) addError(format string, args ...any) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}

func (v *validator) validateQuery(q Query) {
	if q == nil {
		v.addError("nil query")
		return
	}

	switch query := q.(type) {
	case Select:
		v.validateSelect(query)
	case *Select:
		v.validateSelect(*query)
	case Join:
		v.validateJoin(query)
	case *Join:
		v.validateJoin(*query)
	default:
		v.addError("unknown query type: %T", q)
	}
}

func (v *validator) validateSelect(sel Select) {
	if _, ok := Columns[sel.From]; !ok {
		v.addError("unknown table %q", sel.From)
		return
	}
	if len(sel.Bindings) == 0 {
		v.addWarning("Empty bindings (SELECT *) - portable fragment requires explicit field selection")
	}
	for field := range sel.Bindings {
		v.checkField(sel.From, field)
	}
	if sel.Limit < 0 {
		v.addError("negative limit %d", sel.Limit)
	}
	v.validatePredicate(sel.From, "", sel.Filter)
}

func (v *validator) validateJoin(join Join) {
	left, lok := selectOf(join.Left)
	right, rok := selectOf(join.Right)
	if !lok || !rok {
		v.addError("join sides must be selects")
		return
	}
	v.validateSelect(left)
	v.validateSelect(right)
	if join.On == nil {
		v.addError("join without condition")
		return
	}
	v.validatePredicate(left.From, right.From, join.On)
}

// validatePredicate checks p. Plain fields resolve against table; the
// right side of a FieldEquals resolves against other.
func (v *validator) validatePredicate(table, other string, p Predicate) {
	if p == nil {
		return
	}

	switch pred := p.(type) {
	case Equals:
		v.validateEquals(table, pred)
	case *Equals:
		v.validateEquals(table, *pred)
	case In:
		v.validateIn(table, pred)
	case *In:
		v.validateIn(table, *pred)
	case BoundEquals:
		v.checkField(table, pred.Field)
	case *BoundEquals:
		v.checkField(table, pred.Field)
	case FieldEquals:
		v.validateFieldEquals(table, other, pred)
	case *FieldEquals:
		v.validateFieldEquals(table, other, *pred)
	case And:
		for _, sub := range pred.Predicates {
			v.validatePredicate(table, other, sub)
		}
	case *And:
		for _, sub := range pred.Predicates {
			v.validatePredicate(table, other, sub)
		}
	case Or:
		v.validateOr(table, other, pred)
	case *Or:
		v.validateOr(table, other, *pred)
	default:
		v.addError("unknown predicate type: %T", p)
	}
}

func (v *validator) validateEquals(table string, eq Equals) {
	v.checkField(table, eq.Field)
	if eq.Value == nil || ir.IsNull(eq.Value) {
		v.addWarning("Field '%s' compared to NULL - portable fragment requires explicit values", eq.Field)
	}
}

func (v *validator) validateIn(table string, in In) {
	v.checkField(table, in.Field)
	for _, val := range in.Values {
		if val == nil || ir.IsNull(val) {
			v.addWarning("Field '%s' compared to NULL - portable fragment requires explicit values", in.Field)
			return
		}
	}
}

func (v *validator) validateFieldEquals(table, other string, fe FieldEquals) {
	if other == "" {
		v.addError("field comparison %s = %s outside a join", fe.Left, fe.Right)
		return
	}
	v.checkField(table, fe.Left)
	v.checkField(other, fe.Right)
}

func (v *validator) validateOr(table, other string, or Or) {
	v.addWarning("Or predicate - portable fragment allows conjunctions only")
	for _, sub := range or.Predicates {
		v.validatePredicate(table, other, sub)
	}
}

func (v *validator) checkField(table, field string) {
	if !KnownColumn(table, field) {
		v.addError("unknown column %q in table %q", field, table)
	}
}

func selectOf(q Query) (Select, bool) {
	switch query := q.(type) {
	case Select:
		return query, true
	case *Select:
		return *query, true
	default:
		return Select{}, false
	}
}
