package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/cts/internal/ir"
)

func pageSpec() ir.ForrestSpec {
	return ir.ForrestSpec{
		Name: "demo",
		Trees: []ir.TreeSpec{
			{Name: "page", Kind: "doc", ThrowEvents: true, ReceiveEvents: true},
			{Name: "other", Kind: "doc", ThrowEvents: true, ReceiveEvents: true},
		},
		Relations: []ir.RelationSpec{{
			Kind:       ir.KindIs,
			Selection1: ir.SelectionSpec{TreeName: "page", Selector: "title"},
			Selection2: ir.SelectionSpec{TreeName: "other", Selector: "label"},
		}},
	}
}

func pageAdapter() *fakeAdapter {
	a := newFakeAdapter("doc")
	a.docs["page"] = branch("page", leaf("title", ir.String("draft")))
	a.docs["other"] = branch("other", leaf("label", ir.String("L")))
	return a
}

type depLoader struct {
	mu   sync.Mutex
	urls []string
	err  error
}

func (l *depLoader) LoadDependency(_ context.Context, dep ir.DependencySpec) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.urls = append(l.urls, dep.URL)
	return l.err
}

// =============================================================================
// AddSpec
// =============================================================================

func TestAddSpec_RealizesTreesThenRelations(t *testing.T) {
	ctx := context.Background()
	f := New(WithAdapter(pageAdapter()))

	require.NoError(t, f.AddSpec(ctx, pageSpec()))
	assert.Equal(t, []string{"other", "page"}, f.TreeNames())
	require.Len(t, f.RelationSpecs(), 1)
	assert.NotEmpty(t, f.RelationSpecs()[0].ID, "declarations get a content hash")
	require.Len(t, f.AllRelations(), 1)

	require.NoError(t, f.SetValue(ctx, one(t, f, "page", "title"), ir.String("x")))
	assert.Equal(t, ir.String("x"), f.Value(one(t, f, "other", "label")))
}

func TestAddSpec_RejectsInvalidSpec(t *testing.T) {
	spec := pageSpec()
	spec.Relations[0].Kind = "mirrors"
	spec.Trees = append(spec.Trees, ir.TreeSpec{Name: "page", Kind: "doc"})
	f := New(WithAdapter(pageAdapter()))

	err := f.AddSpec(context.Background(), spec)
	require.Error(t, err)
	assert.ErrorContains(t, err, "invalid forrest spec")
	assert.ErrorContains(t, err, `unknown relation kind "mirrors"`)
	assert.ErrorContains(t, err, `duplicate tree name: "page"`)
	assert.Empty(t, f.TreeNames(), "nothing is realized")
}

func TestAddSpec_Traced(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	f := New(WithAdapter(pageAdapter()), WithTracer(tp.Tracer("test")))

	require.NoError(t, f.AddSpec(context.Background(), pageSpec()))

	names := map[string]int{}
	for _, s := range sr.Ended() {
		names[s.Name()]++
	}
	assert.Equal(t, 1, names["engine.AddSpec"])
	assert.Equal(t, 2, names["engine.LoadTree"])
}

// =============================================================================
// Adapters
// =============================================================================

func TestRealizeTrees_UnknownAdapter(t *testing.T) {
	f := New(WithAdapter(pageAdapter()))

	err := f.RealizeTrees(context.Background(), []ir.TreeSpec{{Name: "page", Kind: "grid"}})
	require.Error(t, err)
	assert.True(t, IsResolutionError(err))

	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeUnknownAdapter, re.Code)
	assert.Equal(t, "page", re.TreeName)
}

func TestRealizeTrees_DefaultKindFallback(t *testing.T) {
	f := New(WithAdapter(pageAdapter()), WithDefaultKind("doc"))

	tree, err := f.RealizeTree(context.Background(), ir.TreeSpec{Name: "page", Kind: "grid"})
	require.NoError(t, err)
	assert.Equal(t, "doc", tree.Adapter().Kind())
	assert.Equal(t, "page", f.ProvenanceOf(tree.Root).TreeName)
}

func TestRealizeTrees_LoadFailure(t *testing.T) {
	f := New(WithAdapter(pageAdapter()))

	err := f.RealizeTrees(context.Background(), []ir.TreeSpec{
		{Name: "page", Kind: "doc"},
		{Name: "missing", Kind: "doc"},
	})
	require.Error(t, err)
	assert.ErrorContains(t, err, "load tree missing")
	assert.False(t, f.ContainsTree("page"), "no tree is planted when any load fails")
}

// =============================================================================
// Aliases
// =============================================================================

func TestAlias_SharesTreeAndReceive(t *testing.T) {
	f := New(WithAdapter(pageAdapter()))

	require.NoError(t, f.RealizeTrees(context.Background(), []ir.TreeSpec{
		{Name: "view", Kind: "doc", URL: "alias(page)", ReceiveEvents: true},
		{Name: "page", Kind: "doc"},
	}))

	assert.Same(t, f.Tree("page"), f.Tree("view"))
	assert.True(t, f.ReceivesEvents(one(t, f, "page", "title")), "receive enabled through the alias")
	assert.Equal(t, one(t, f, "page", "title"), one(t, f, "view", "title"))
}

func TestAlias_OfUndefinedTree(t *testing.T) {
	f := New(WithAdapter(pageAdapter()))

	err := f.RealizeTrees(context.Background(), []ir.TreeSpec{
		{Name: "view", Kind: "doc", URL: "alias(nowhere)"},
	})
	require.Error(t, err)
	assert.True(t, IsResolutionError(err))
	assert.ErrorContains(t, err, "alias of undefined tree")
	assert.False(t, f.ContainsTree("view"))
}

// =============================================================================
// Reload
// =============================================================================

func TestReloadTreeSpec_RebindsAndRerealizes(t *testing.T) {
	ctx := context.Background()
	a := pageAdapter()
	f := New(WithAdapter(a))
	spec := pageSpec()
	spec.Trees = append(spec.Trees, ir.TreeSpec{Name: "view", Kind: "doc", URL: "alias(page)"})
	require.NoError(t, f.AddSpec(ctx, spec))
	oldTitle := one(t, f, "page", "title")

	a.docs["page"] = branch("page", leaf("title", ir.String("fresh")), leaf("extra", ir.Null{}))
	require.NoError(t, f.ReloadTreeSpec(ctx, "page", false))

	assert.False(t, f.Alive(oldTitle))
	title := one(t, f, "page", "title")
	assert.NotEqual(t, oldTitle, title)
	assert.Equal(t, ir.String("fresh"), f.Value(title))
	assert.Same(t, f.Tree("page"), f.Tree("view"), "aliases follow the reloaded tree")
	require.Len(t, f.Relations(title), 1)
	assert.Len(t, f.Relations(one(t, f, "other", "label")), 1, "stale relations are gone")
}

func TestReloadTreeSpec_Render(t *testing.T) {
	ctx := context.Background()
	f := New(WithAdapter(pageAdapter()))
	require.NoError(t, f.AddSpec(ctx, pageSpec()))

	require.NoError(t, f.ReloadTreeSpec(ctx, "page", true))
	assert.Equal(t, ir.String("L"), f.Value(one(t, f, "page", "title")), "incoming relations pulled the label")
}

func TestReloadTreeSpec_Errors(t *testing.T) {
	ctx := context.Background()
	f := New(WithAdapter(pageAdapter()))
	spec := pageSpec()
	spec.Trees = append(spec.Trees, ir.TreeSpec{Name: "view", Kind: "doc", URL: "alias(page)"})
	require.NoError(t, f.AddSpec(ctx, spec))

	assert.ErrorContains(t, f.ReloadTreeSpec(ctx, "ghost", false), `no tree spec named "ghost"`)
	assert.ErrorContains(t, f.ReloadTreeSpec(ctx, "view", false), "is an alias")
}

func TestUpdateTreeSpec(t *testing.T) {
	ctx := context.Background()
	f := New(WithAdapter(pageAdapter()))
	require.NoError(t, f.AddSpec(ctx, pageSpec()))

	spec := f.TreeSpecs()[0]
	spec.Source = "title: updated"
	require.NoError(t, f.UpdateTreeSpec(spec))
	assert.Equal(t, "title: updated", f.TreeSpecs()[0].Source)
	assert.Empty(t, f.Tree("page").Spec.Source, "tree in place keeps its old spec")

	assert.ErrorContains(t, f.UpdateTreeSpec(ir.TreeSpec{Name: "ghost"}), `no tree spec named "ghost"`)
}

// =============================================================================
// Dependencies
// =============================================================================

func TestDependencies_LoadedThroughLoader(t *testing.T) {
	loader := &depLoader{}
	f := New(WithAdapter(pageAdapter()), WithDependencyLoader(loader))
	spec := pageSpec()
	spec.Dependencies = []ir.DependencySpec{{URL: "lib/a.cue"}, {URL: "lib/b.cue"}}

	require.NoError(t, f.AddSpec(context.Background(), spec))
	assert.ElementsMatch(t, []string{"lib/a.cue", "lib/b.cue"}, loader.urls)
	assert.True(t, f.AllDependenciesLoaded())

	ran := false
	f.AfterDepsLoaded(func() { ran = true })
	assert.True(t, ran, "runs at once when nothing is pending")
}

func TestDependencies_LoaderFailure(t *testing.T) {
	loader := &depLoader{err: errors.New("404")}
	f := New(WithAdapter(pageAdapter()), WithDependencyLoader(loader))
	spec := pageSpec()
	spec.Dependencies = []ir.DependencySpec{{URL: "lib/a.cue"}}

	err := f.AddSpec(context.Background(), spec)
	assert.ErrorContains(t, err, "load dependencies")
	assert.False(t, f.AllDependenciesLoaded())
	assert.Empty(t, f.TreeNames())
}

func TestDependencies_DeferredCallbacks(t *testing.T) {
	f := New()
	f.DependencyLoading("a")
	f.DependencyLoading("b")

	var order []string
	f.AfterDepsLoaded(func() { order = append(order, "first") })
	f.AfterDepsLoaded(func() { order = append(order, "second") })

	f.DependencyLoaded("a")
	assert.Empty(t, order)
	f.DependencyLoaded("b")
	assert.Equal(t, []string{"first", "second"}, order)

	f.DependencyLoaded("b")
	assert.Len(t, order, 2, "callbacks run once")
}

// =============================================================================
// Snapshot
// =============================================================================

func TestSnapshot(t *testing.T) {
	f, _ := testForrest(t, map[string]*Shape{
		"page": branch("page", leaf("title", ir.String("hi")), branch("empty")),
	})
	root := f.Tree("page").Root
	f.get(one(t, f, "page", "empty")).hidden = true

	want := ir.NewObject(
		ir.O("label", ir.String("page")),
		ir.O("kind", ir.String("object")),
		ir.O("value", ir.Null{}),
		ir.O("children", ir.Array{
			ir.NewObject(
				ir.O("label", ir.String("title")),
				ir.O("kind", ir.String("value")),
				ir.O("value", ir.String("hi")),
			),
			ir.NewObject(
				ir.O("label", ir.String("empty")),
				ir.O("kind", ir.String("object")),
				ir.O("value", ir.Null{}),
				ir.O("hidden", ir.Bool(true)),
			),
		}),
	)
	assert.True(t, ir.Equal(want, f.Snapshot(root)), "got %s", ir.Text(f.Snapshot(root)))
	assert.Equal(t, ir.Null{}, f.Snapshot(NodeID(999)))
}
