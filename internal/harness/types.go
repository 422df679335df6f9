package harness

import (
	"github.com/roach88/cts/internal/engine"
	"github.com/roach88/cts/internal/ir"
)

// TraceEvent is one forrest event observed while a scenario ran.
type TraceEvent struct {
	// Step is the index of the step that produced the event.
	Step int `json:"step"`

	// Kind is the event kind: "value-changed", "transform" or
	// "transform-state".
	Kind      string            `json:"kind"`
	Tree      string            `json:"tree"`
	Node      string            `json:"node,omitempty"`
	GUID      string            `json:"guid,omitempty"`
	Operation ir.Operation      `json:"operation,omitempty"`
	State     ir.TransformState `json:"state,omitempty"`
	MimicOf   string            `json:"mimic_of,omitempty"`
	Value     ir.Value          `json:"value,omitempty"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass indicates overall test success.
	// True if every step behaved as declared and all assertions hold.
	Pass bool `json:"pass"`

	// Trace contains the observed events in order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`

	// Journal holds the committed transforms at the end of the run.
	Journal []ir.JournalEntry `json:"journal,omitempty"`
}

// NewResult creates a new passing result.
// Used as the starting point for test execution.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// traceEvent converts a forrest event. Only value changes, announced
// transforms and commit state changes are traced.
func traceEvent(f *engine.Forrest, step int, evt engine.Event) (TraceEvent, bool) {
	switch evt.Kind {
	case engine.EventValueChanged, engine.EventTransform, engine.EventTransformState:
	default:
		return TraceEvent{}, false
	}

	te := TraceEvent{
		Step: step,
		Kind: evt.Kind.String(),
		Tree: evt.Tree,
		Node: f.Identifier(evt.Node),
	}
	if evt.Kind == engine.EventValueChanged {
		te.Value = evt.Value
	}
	if t := evt.Transform; t != nil {
		te.GUID = t.GUID
		te.Operation = t.Operation
		if t.MimicOf() != nil {
			te.MimicOf = t.MimicOf().GUID
		}
		if evt.Kind == engine.EventTransformState {
			te.State = t.State
		}
		if evt.Kind == engine.EventTransform {
			te.Value = t.Value
		}
	}
	return te, true
}
