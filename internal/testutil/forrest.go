package testutil

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/roach88/cts/internal/adapter"
	"github.com/roach88/cts/internal/engine"
	"github.com/roach88/cts/internal/ir"
)

// Fixture is a realized forrest wired to an in-memory journal. Commits from
// committing trees land in Journal and follow their lineage's state.
type Fixture struct {
	Forrest *engine.Forrest
	Journal *adapter.MemoryJournal
	GUIDs   *GUIDSequence
}

// FixtureOption configures NewFixture.
type FixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	baseDir    string
	guidPrefix string
	engineOpts []engine.Option
	listeners  []engine.Listener
}

// WithBaseDir resolves relative tree URLs against dir.
func WithBaseDir(dir string) FixtureOption {
	return func(c *fixtureConfig) { c.baseDir = dir }
}

// WithGUIDPrefix numbers transforms prefix-1, prefix-2, ...
func WithGUIDPrefix(prefix string) FixtureOption {
	return func(c *fixtureConfig) { c.guidPrefix = prefix }
}

// WithEngineOptions passes extra options to engine.New.
func WithEngineOptions(opts ...engine.Option) FixtureOption {
	return func(c *fixtureConfig) { c.engineOpts = append(c.engineOpts, opts...) }
}

// WithListener observes the forrest before the spec is realized.
func WithListener(l engine.Listener) FixtureOption {
	return func(c *fixtureConfig) { c.listeners = append(c.listeners, l) }
}

// NewFixture builds a forrest with the doc and grid adapters, deterministic
// GUIDs and a memory journal, then adds spec to it.
func NewFixture(ctx context.Context, spec ir.ForrestSpec, opts ...FixtureOption) (*Fixture, error) {
	var cfg fixtureConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	journal := adapter.NewMemoryJournal()
	committer := adapter.NewCommitter(journal)
	guids := NewGUIDSequence(cfg.guidPrefix)

	var adapterOpts []adapter.Option
	if cfg.baseDir != "" {
		adapterOpts = append(adapterOpts, adapter.WithBaseDir(cfg.baseDir))
	}
	engineOpts := adapter.Adapters(committer, adapterOpts...)
	engineOpts = append(engineOpts, engine.WithGUIDGenerator(guids))
	engineOpts = append(engineOpts, cfg.engineOpts...)

	f := engine.New(engineOpts...)
	committer.Follow(ctx, f)
	for _, l := range cfg.listeners {
		f.Observe(l)
	}
	if err := f.AddSpec(ctx, spec); err != nil {
		return nil, fmt.Errorf("add spec %q: %w", spec.Name, err)
	}
	return &Fixture{Forrest: f, Journal: journal, GUIDs: guids}, nil
}

// MustFixture is NewFixture for tests.
func MustFixture(t testing.TB, spec ir.ForrestSpec, opts ...FixtureOption) *Fixture {
	t.Helper()
	fx, err := NewFixture(context.Background(), spec, opts...)
	if err != nil {
		t.Fatalf("fixture: %v", err)
	}
	return fx
}

// One returns the single node selector names in tree, failing the test
// otherwise.
func (fx *Fixture) One(t testing.TB, tree, selector string) engine.NodeID {
	t.Helper()
	sel := fx.Forrest.Find(tree, selector)
	if sel.Len() != 1 {
		t.Fatalf("%s %q selects %d nodes, want 1", tree, selector, sel.Len())
	}
	return sel.First()
}

// Doc declares a doc tree with an inline source that throws and receives
// events.
func Doc(name, source string) ir.TreeSpec {
	return ir.TreeSpec{
		Name:          name,
		Kind:          adapter.DocKind,
		Source:        source,
		ThrowEvents:   true,
		ReceiveEvents: true,
	}
}

// Grid declares a committing grid tree with an inline source.
func Grid(name, source string) ir.TreeSpec {
	return ir.TreeSpec{
		Name:          name,
		Kind:          adapter.GridKind,
		Source:        source,
		ThrowEvents:   true,
		ReceiveEvents: true,
		Commits:       true,
	}
}

// Sel parses "tree:selector" into a selection.
func Sel(s string) ir.SelectionSpec {
	tree, selector, _ := strings.Cut(s, ":")
	return ir.SelectionSpec{TreeName: tree, Selector: selector}
}

// Relate declares a relation of kind between two "tree:selector" sides.
func Relate(kind ir.RelationKind, a, b string) ir.RelationSpec {
	return ir.RelationSpec{Kind: kind, Selection1: Sel(a), Selection2: Sel(b)}
}
