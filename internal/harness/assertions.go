package harness

import (
	"fmt"
	"strings"

	"github.com/roach88/cts/internal/adapter"
	"github.com/roach88/cts/internal/engine"
	"github.com/roach88/cts/internal/ir"
	"github.com/roach88/cts/internal/queryir"
)

// AssertionError is returned when an assertion fails.
// It includes detailed context to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	if len(e.Trace) > 0 {
		fmt.Fprintf(&buf, "\nFull trace:\n")
		for i, event := range e.Trace {
			fmt.Fprintf(&buf, "  [%d] step %d %s %s:%s %s", i+1, event.Step, event.Kind, event.Tree, event.Node, event.GUID)
			if event.State != "" {
				fmt.Fprintf(&buf, " %s", event.State)
			}
			buf.WriteString("\n")
		}
	}

	return buf.String()
}

// AssertionContext is what assertions are evaluated against.
type AssertionContext struct {
	Forrest *engine.Forrest
	Journal *adapter.MemoryJournal

	// Transforms indexes every transform seen during the run by GUID.
	Transforms map[string]*engine.Transform
}

// EvaluateAssertions evaluates all assertions against the result.
// Returns a slice of error messages for failed assertions.
func EvaluateAssertions(result *Result, assertions []Assertion, actx *AssertionContext) []string {
	var errors []string

	for i, assertion := range assertions {
		var err error

		switch assertion.Type {
		case AssertValue:
			err = assertValue(actx.Forrest, assertion)
		case AssertChildCount:
			err = assertChildCount(actx.Forrest, assertion)
		case AssertRelationCount:
			err = assertRelationCount(actx.Forrest, assertion)
		case AssertTransformState:
			err = assertTransformState(actx.Transforms, result.Trace, assertion)
		case AssertJournalCount:
			if actx.Journal == nil {
				err = fmt.Errorf("journal_count requires a journal")
			} else {
				err = assertJournalCount(actx.Journal, assertion)
			}
		default:
			err = fmt.Errorf("unknown assertion type %q", assertion.Type)
		}

		if err != nil {
			errors = append(errors, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}

	return errors
}

func (h *Harness) evaluate(assertions []Assertion) []string {
	return EvaluateAssertions(h.result, assertions, &AssertionContext{
		Forrest:    h.fixture.Forrest,
		Journal:    h.fixture.Journal,
		Transforms: h.transforms,
	})
}

// selectNodes resolves an assertion target; an unknown tree selects nothing.
func selectNodes(f *engine.Forrest, a Assertion) []engine.NodeID {
	if !f.ContainsTree(a.Tree) {
		return nil
	}
	return f.Find(a.Tree, a.Selector).Nodes()
}

// assertValue checks the first selected node's value. A missing value in
// the assertion expects null.
func assertValue(f *engine.Forrest, a Assertion) error {
	want, err := ir.FromAny(a.Value)
	if err != nil {
		return fmt.Errorf("value: %w", err)
	}

	nodes := selectNodes(f, a)
	if len(nodes) == 0 {
		return &AssertionError{
			Type:     AssertValue,
			Expected: fmt.Sprintf("%s %q to select a node", a.Tree, a.Selector),
			Actual:   "no nodes selected",
		}
	}
	got := f.Value(nodes[0])
	if got == nil {
		got = ir.Null{}
	}
	if !ir.Equal(want, got) {
		return &AssertionError{
			Type:     AssertValue,
			Expected: fmt.Sprintf("%s %q = %s", a.Tree, a.Selector, describe(want)),
			Actual:   describe(got),
		}
	}
	return nil
}

func assertChildCount(f *engine.Forrest, a Assertion) error {
	nodes := selectNodes(f, a)
	if len(nodes) == 0 {
		return &AssertionError{
			Type:     AssertChildCount,
			Expected: fmt.Sprintf("%s %q to select a node", a.Tree, a.Selector),
			Actual:   "no nodes selected",
		}
	}
	if got := len(f.Children(nodes[0])); got != *a.Count {
		return &AssertionError{
			Type:     AssertChildCount,
			Expected: fmt.Sprintf("%d children under %s %q", *a.Count, a.Tree, a.Selector),
			Actual:   fmt.Sprintf("%d children", got),
		}
	}
	return nil
}

// assertRelationCount counts distinct relations across every selected node.
func assertRelationCount(f *engine.Forrest, a Assertion) error {
	seen := make(map[*engine.Relation]bool)
	for _, id := range selectNodes(f, a) {
		for _, r := range f.Relations(id) {
			if a.Kind == "" || r.Kind == a.Kind {
				seen[r] = true
			}
		}
	}
	if len(seen) != *a.Count {
		what := "relations"
		if a.Kind != "" {
			what = string(a.Kind) + " relations"
		}
		return &AssertionError{
			Type:     AssertRelationCount,
			Expected: fmt.Sprintf("%d %s on %s %q", *a.Count, what, a.Tree, a.Selector),
			Actual:   fmt.Sprintf("%d %s", len(seen), what),
		}
	}
	return nil
}

func assertTransformState(transforms map[string]*engine.Transform, trace []TraceEvent, a Assertion) error {
	t, ok := transforms[a.GUID]
	if !ok {
		return &AssertionError{
			Type:     AssertTransformState,
			Expected: fmt.Sprintf("transform %s", a.GUID),
			Actual:   "transform never observed",
			Trace:    trace,
		}
	}
	if t.State != a.State {
		return &AssertionError{
			Type:     AssertTransformState,
			Expected: fmt.Sprintf("transform %s in state %s", a.GUID, a.State),
			Actual:   fmt.Sprintf("state %s", t.State),
			Trace:    trace,
		}
	}
	return nil
}

// assertJournalCount counts journal entries, filtered by tree and state
// when the assertion names them.
func assertJournalCount(j *adapter.MemoryJournal, a Assertion) error {
	var preds []queryir.Predicate
	if a.Tree != "" {
		preds = append(preds, queryir.Equals{Field: "tree_name", Value: ir.String(a.Tree)})
	}
	if a.State != "" {
		preds = append(preds, queryir.Equals{Field: "state", Value: ir.String(a.State)})
	}
	entries, err := j.Select(queryir.And{Predicates: preds}, nil)
	if err != nil {
		return fmt.Errorf("journal query: %w", err)
	}
	if len(entries) != *a.Count {
		return &AssertionError{
			Type:     AssertJournalCount,
			Expected: fmt.Sprintf("%d journal entries%s", *a.Count, describeFilter(a)),
			Actual:   fmt.Sprintf("%d entries", len(entries)),
		}
	}
	return nil
}

func describeFilter(a Assertion) string {
	var parts []string
	if a.Tree != "" {
		parts = append(parts, "tree="+a.Tree)
	}
	if a.State != "" {
		parts = append(parts, "state="+string(a.State))
	}
	if len(parts) == 0 {
		return ""
	}
	return " where " + strings.Join(parts, " AND ")
}

// describe renders a value as JSON for messages.
func describe(v ir.Value) string {
	data, err := ir.MarshalValue(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
