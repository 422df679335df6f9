package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/roach88/cts/internal/engine"
	"github.com/roach88/cts/internal/ir"
	"github.com/roach88/cts/internal/testutil"
)

// Harness is the test execution engine.
// It runs scenarios against a real forrest with deterministic GUIDs and an
// in-memory journal.
type Harness struct {
	fixture    *testutil.Fixture
	logger     *slog.Logger
	step       int
	result     *Result
	transforms map[string]*engine.Transform
}

// Option configures Run.
type Option func(*Harness)

// WithLogger routes harness logging to l. By default logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) { h.logger = l }
}

// Run executes a test scenario and returns the result.
//
// Each scenario runs in a fresh forrest for isolation. Execution flow:
// 1. Realize the scenario's forrest with the doc and grid adapters
// 2. Execute steps in order, tracing every event they cause
// 3. Evaluate assertions against the final forrest and journal
// 4. Return result with pass/fail, trace, and errors
//
// A step failing unexpectedly stops the remaining steps; assertions are
// still evaluated. Run returns an error only when the forrest cannot be
// built.
func Run(ctx context.Context, scenario *Scenario, opts ...Option) (*Result, error) {
	if scenario.ForrestSpec == nil {
		if err := resolveScenario(scenario); err != nil {
			return nil, fmt.Errorf("resolve scenario %s: %w", scenario.Name, err)
		}
	}

	h := &Harness{
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		result:     NewResult(),
		transforms: make(map[string]*engine.Transform),
	}
	for _, opt := range opts {
		opt(h)
	}

	fixtureOpts := []testutil.FixtureOption{
		testutil.WithGUIDPrefix(scenario.GUIDPrefix),
		testutil.WithEngineOptions(engine.WithMockRemote(scenario.Mock)),
		testutil.WithListener(h.observe),
	}
	if scenario.BaseDir != "" {
		fixtureOpts = append(fixtureOpts, testutil.WithBaseDir(scenario.BaseDir))
	}
	fx, err := testutil.NewFixture(ctx, *scenario.ForrestSpec, fixtureOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to realize forrest: %w", err)
	}
	h.fixture = fx

	for i, step := range scenario.Steps {
		h.step = i
		if !h.runStep(ctx, i, step) {
			break
		}
	}

	for _, msg := range h.evaluate(scenario.Assertions) {
		h.result.AddError(msg)
	}
	h.result.Journal = fx.Journal.Entries()
	return h.result, nil
}

// observe traces forrest events and indexes transforms by GUID.
func (h *Harness) observe(evt engine.Event) {
	if t := evt.Transform; t != nil {
		h.transforms[t.GUID] = t
	}
	if h.fixture == nil {
		return
	}
	if te, ok := traceEvent(h.fixture.Forrest, h.step, evt); ok {
		h.result.Trace = append(h.result.Trace, te)
	}
}

// runStep executes step i and checks its error against ExpectError.
// It reports whether later steps should run.
func (h *Harness) runStep(ctx context.Context, i int, step Step) bool {
	err := h.execute(ctx, step)

	switch {
	case step.ExpectError != "" && err == nil:
		h.result.AddError(fmt.Sprintf("steps[%d]: %s succeeded, want error containing %q", i, step.Kind(), step.ExpectError))
	case step.ExpectError != "" && !strings.Contains(err.Error(), step.ExpectError):
		h.result.AddError(fmt.Sprintf("steps[%d]: %s error %q does not contain %q", i, step.Kind(), err, step.ExpectError))
	case step.ExpectError == "" && err != nil:
		h.result.AddError(fmt.Sprintf("steps[%d]: %s: %v", i, step.Kind(), err))
		return false
	}

	h.logger.Info("step completed",
		"step", i,
		"kind", step.Kind(),
		"error", err,
	)
	return true
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	f := h.fixture.Forrest

	switch {
	case step.SetValue != nil:
		val, err := ir.FromAny(step.SetValue.Value)
		if err != nil {
			return fmt.Errorf("value: %w", err)
		}
		nodes, err := h.nodes(step.SetValue.Target)
		if err != nil {
			return err
		}
		var errs []error
		for _, id := range nodes {
			errs = append(errs, f.SetValue(ctx, id, val))
		}
		return errors.Join(errs...)

	case step.InsertClone != nil:
		s := step.InsertClone
		container, err := h.node(s.Target)
		if err != nil {
			return err
		}
		after := engine.AppendIndex
		if s.After != nil {
			after = *s.After
		}
		_, err = f.CloneIterable(ctx, container, s.From, after, engine.CloneIterableOptions{
			ThrowEvent:     true,
			CloneRelations: true,
		})
		return err

	case step.RemoveChild != nil:
		s := step.RemoveChild
		parent, err := h.node(s.Target)
		if err != nil {
			return err
		}
		children := f.Children(parent)
		if s.Index >= len(children) {
			return fmt.Errorf("%s %q has %d children, no index %d", s.Tree, s.Selector, len(children), s.Index)
		}
		child := children[s.Index]
		if err := f.RemoveChild(ctx, parent, child, true); err != nil {
			return err
		}
		return f.Destroy(child)

	case step.Record != nil:
		return f.ApplyRecord(ctx, *step.Record)

	case step.Execute != nil:
		s := step.Execute
		nodes, err := h.nodes(s.Target)
		if err != nil {
			return err
		}
		var errs []error
		for _, id := range nodes {
			for _, r := range f.Relations(id) {
				if s.Kind != "" && r.Kind != s.Kind {
					continue
				}
				errs = append(errs, r.Execute(ctx, id))
			}
		}
		return errors.Join(errs...)

	case step.ProcessIncoming != nil:
		s := step.ProcessIncoming
		root, err := h.node(s.Target)
		if err != nil {
			return err
		}
		return f.ProcessIncoming(ctx, root, engine.ProcessOptions{
			AllDirections: s.AllDirections,
			DisableRemote: s.DisableRemote,
		})

	case step.Reload != nil:
		s := step.Reload
		spec, ok := treeSpec(f, s.Tree)
		if !ok {
			return fmt.Errorf("no tree spec named %q", s.Tree)
		}
		spec.Source = s.Source
		if err := f.UpdateTreeSpec(spec); err != nil {
			return err
		}
		return f.ReloadTreeSpec(ctx, s.Tree, s.Render)

	default:
		return fmt.Errorf("step has no action")
	}
}

// nodes resolves a target to the nodes it selects. Selecting nothing is an
// error; steps always mean to act on something.
func (h *Harness) nodes(t Target) ([]engine.NodeID, error) {
	f := h.fixture.Forrest
	if !f.ContainsTree(t.Tree) {
		return nil, fmt.Errorf("unknown tree %q", t.Tree)
	}
	sel := f.Find(t.Tree, t.Selector)
	if sel.Empty() {
		return nil, fmt.Errorf("%s %q selects no nodes", t.Tree, t.Selector)
	}
	return sel.Nodes(), nil
}

func (h *Harness) node(t Target) (engine.NodeID, error) {
	nodes, err := h.nodes(t)
	if err != nil {
		return engine.NoNode, err
	}
	return nodes[0], nil
}

func treeSpec(f *engine.Forrest, name string) (ir.TreeSpec, bool) {
	for _, spec := range f.TreeSpecs() {
		if spec.Name == name {
			return spec, true
		}
	}
	return ir.TreeSpec{}, false
}
