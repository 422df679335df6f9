package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cts/internal/ir"
)

func areSpec(t *testing.T, f *Forrest, props1, props2 ir.Object) *Relation {
	t.Helper()
	spec := f.AddRelationSpec(ir.RelationSpec{
		Kind:       ir.KindAre,
		Selection1: ir.SelectionSpec{TreeName: "page", Selector: "list", Props: props1},
		Selection2: ir.SelectionSpec{TreeName: "other", Selector: "list"},
	})
	_, err := f.RealizeRelation(spec, NoNode, nil)
	require.NoError(t, err)
	for _, r := range f.Relations(one(t, f, "page", "list")) {
		if r.Kind == ir.KindAre {
			return r
		}
	}
	t.Fatal("are relation not realized")
	return nil
}

// =============================================================================
// Cardinality alignment
// =============================================================================

func TestAre_ShrinksFromTheEnd(t *testing.T) {
	f, _ := testForrest(t, map[string]*Shape{
		"page":  branch("page", items("list", "a", "b", "c")),
		"other": branch("other", items("list", "x", "y")),
	})
	r := areSpec(t, f, nil, nil)
	list := one(t, f, "page", "list")
	c := one(t, f, "page", "list.i2")

	require.NoError(t, r.Execute(context.Background(), list))
	assert.Equal(t, []string{"a", "b"}, texts(f, f.Children(list)))
	assert.False(t, f.Alive(c))
}

func TestAre_GrowsAndRescopesClones(t *testing.T) {
	ctx := context.Background()
	f, _ := testForrest(t, map[string]*Shape{
		"page":  branch("page", items("list", "a")),
		"other": branch("other", items("list", "x", "y", "z")),
	})
	r := areSpec(t, f, nil, nil)
	relate(t, f, ir.KindIs, "page", "list.*", "other", "list.*")
	list := one(t, f, "page", "list")
	require.Len(t, f.Relations(one(t, f, "page", "list.i0")), 3, "unaligned cross product")

	require.NoError(t, r.Execute(ctx, list))

	pageItems := f.Children(list)
	otherItems := f.Children(one(t, f, "other", "list"))
	require.Len(t, pageItems, 3)
	for i, id := range pageItems {
		rels := f.Relations(id)
		require.Len(t, rels, 1, "item %d relates only to its counterpart", i)
		assert.Equal(t, otherItems[i], rels[0].Opposite(id))
	}

	require.NoError(t, f.ProcessIncoming(ctx, list, ProcessOptions{}))
	assert.Equal(t, []string{"x", "y", "z"}, texts(f, pageItems))
}

func TestAre_ModPicksTemplates(t *testing.T) {
	f, _ := testForrest(t, map[string]*Shape{
		"page":  branch("page", items("list", "a", "b")),
		"other": branch("other", items("list", "1", "2", "3", "4", "5")),
	})
	r := areSpec(t, f, ir.NewObject(ir.O("mod", ir.Int(2))), nil)
	list := one(t, f, "page", "list")

	require.NoError(t, r.Execute(context.Background(), list))
	assert.Equal(t, []string{"a", "b", "a", "b", "a"}, texts(f, f.Children(list)))
}

func TestAre_EmptyTargetCannotGrow(t *testing.T) {
	f, _ := testForrest(t, map[string]*Shape{
		"page":  branch("page", branch("list")),
		"other": branch("other", items("list", "x")),
	})
	r := areSpec(t, f, nil, nil)

	err := r.Execute(context.Background(), one(t, f, "page", "list"))
	require.Error(t, err)
	assert.True(t, IsStructuralError(err))

	var re *RuntimeError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, ErrCodeNoIterables, re.Code)
}

func TestAre_PrefixAndSuffixAreNotItems(t *testing.T) {
	f, _ := testForrest(t, map[string]*Shape{
		"page":  branch("page", items("list", "head", "a", "b", "c", "foot")),
		"other": branch("other", items("list", "x")),
	})
	r := areSpec(t, f, ir.NewObject(ir.O("prefix", ir.Int(1)), ir.O("suffix", ir.Int(1))), nil)
	list := one(t, f, "page", "list")

	require.NoError(t, r.Execute(context.Background(), list))
	assert.Equal(t, []string{"head", "a", "foot"}, texts(f, f.Children(list)))
}

// =============================================================================
// Transform relay
// =============================================================================

func TestAre_RelaysInsert(t *testing.T) {
	ctx := context.Background()
	f, _ := testForrest(t, map[string]*Shape{
		"page":  branch("page", items("list", "a", "b")),
		"other": branch("other", items("list", "x", "y")),
	})
	areSpec(t, f, nil, nil)
	rec := &recorder{}
	f.Observe(rec.listen)

	clone, err := f.CloneIterable(ctx, one(t, f, "page", "list"), 0, -2, CloneIterableOptions{ThrowEvent: true})
	require.NoError(t, err)
	assert.Equal(t, 2, f.IndexOf(one(t, f, "page", "list"), clone))

	assert.Equal(t, []string{"x", "y", "a"}, texts(f, f.Children(one(t, f, "other", "list"))),
		"the new item is seeded with the inserted value")

	evts := rec.of(EventTransform)
	require.Len(t, evts, 2)
	origin, relayed := evts[0].Transform, evts[1].Transform
	assert.Same(t, origin, relayed.MimicOf())
	assert.Equal(t, "other", relayed.TreeName)
	idx, _ := relayed.ArgInt("index")
	assert.Equal(t, 2, idx)
	assert.Nil(t, relayed.IterableOpts, "applied transforms carry child indexes")
}

func TestAre_RelaysRemoveAcrossPrefix(t *testing.T) {
	ctx := context.Background()
	f, _ := testForrest(t, map[string]*Shape{
		"page":  branch("page", items("list", "head", "a", "b")),
		"other": branch("other", items("list", "x", "y")),
	})
	areSpec(t, f, ir.NewObject(ir.O("prefix", ir.Int(1))), nil)
	list := one(t, f, "page", "list")

	require.NoError(t, f.RemoveChild(ctx, list, one(t, f, "page", "list.i1"), true))
	assert.Equal(t, []string{"y"}, texts(f, f.Children(one(t, f, "other", "list"))),
		"child index 1 is item 0 behind a one-child prefix")
}

func TestAre_RelaysInsertAcrossPrefix(t *testing.T) {
	ctx := context.Background()
	f, _ := testForrest(t, map[string]*Shape{
		"page":  branch("page", items("list", "head", "a", "b")),
		"other": branch("other", items("list", "x", "y")),
	})
	prefix := ir.NewObject(ir.O("prefix", ir.Int(1)))
	areSpec(t, f, prefix, nil)
	list := one(t, f, "page", "list")

	_, err := f.CloneIterable(ctx, list, 0, -2, CloneIterableOptions{ThrowEvent: true, IterableOpts: prefix})
	require.NoError(t, err)
	assert.Equal(t, []string{"head", "a", "b", "a"}, texts(f, f.Children(list)))
	assert.Equal(t, []string{"x", "y", "a"}, texts(f, f.Children(one(t, f, "other", "list"))))
}

func TestAre_LineageStopsRelayCycle(t *testing.T) {
	ctx := context.Background()
	f, _ := testForrest(t, map[string]*Shape{
		"page": branch("page", items("a", "1"), items("b", "1"), items("c", "1")),
	})
	relate(t, f, ir.KindAre, "page", "a", "page", "b")
	relate(t, f, ir.KindAre, "page", "b", "page", "c")
	relate(t, f, ir.KindAre, "page", "c", "page", "a")

	_, err := f.CloneIterable(ctx, one(t, f, "page", "a"), 0, -2, CloneIterableOptions{ThrowEvent: true})
	require.NoError(t, err)

	for _, name := range []string{"a", "b", "c"} {
		assert.Len(t, f.Children(one(t, f, "page", name)), 2, "list %s gains exactly one item", name)
	}
}

// =============================================================================
// Iterables
// =============================================================================

func TestIterables_Options(t *testing.T) {
	f, _ := testForrest(t, map[string]*Shape{
		"page": branch("page", items("list", "h", "a", "b", "c", "f")),
	})
	list := one(t, f, "page", "list")
	opts := func(pairs ...ir.Pair) ir.Object { return ir.NewObject(pairs...) }

	tests := []struct {
		name string
		opts ir.Object
		want []string
	}{
		{"none", nil, []string{"h", "a", "b", "c", "f"}},
		{"prefix and suffix", opts(ir.O("prefix", ir.Int(1)), ir.O("suffix", ir.Int(1))), []string{"a", "b", "c"}},
		{"numeric strings", opts(ir.O("prefix", ir.String("2"))), []string{"b", "c", "f"}},
		{"item", opts(ir.O("prefix", ir.Int(1)), ir.O("item", ir.Int(1))), []string{"b"}},
		{"item out of range", opts(ir.O("item", ir.Int(9))), []string{}},
		{"limit", opts(ir.O("limit", ir.Int(2))), []string{"h", "a"}},
		{"window too small", opts(ir.O("prefix", ir.Int(3)), ir.O("suffix", ir.Int(3))), []string{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, texts(f, f.Iterables(list, tt.opts)))
		})
	}

	random := f.Iterables(list, opts(ir.O("item", ir.String("random"))))
	require.Len(t, random, 1)
	assert.Contains(t, f.Children(list), random[0])
}

func TestIterableLineage(t *testing.T) {
	f, _ := testForrest(t, map[string]*Shape{
		"page":  branch("page", items("list", "a", "b")),
		"other": branch("other", items("list", "x", "y")),
	})
	areSpec(t, f, nil, nil)
	b := one(t, f, "page", "list.i1")

	lineage := f.IterableLineage(b, NoNode, -1)
	require.Len(t, lineage, 1)
	assert.Equal(t, one(t, f, "other", "list"), lineage[0].Container)
	assert.Equal(t, one(t, f, "other", "list.i1"), lineage[0].Item)

	// Past the end of the related collection there is no counterpart.
	beyond := f.IterableLineage(b, one(t, f, "page", "list"), 5)
	require.Len(t, beyond, 1)
	assert.Equal(t, NoNode, beyond[0].Item)
}

func TestIterableLineage_PositionPerRelationWindow(t *testing.T) {
	f, _ := testForrest(t, map[string]*Shape{
		"page":  branch("page", items("list", "head", "a", "b")),
		"other": branch("other", items("list", "x", "y")),
		"third": branch("third", items("list", "p", "q", "r")),
	})
	for _, spec := range []ir.RelationSpec{
		{
			Kind:       ir.KindAre,
			Selection1: ir.SelectionSpec{TreeName: "page", Selector: "list", Props: ir.NewObject(ir.O("prefix", ir.Int(1)))},
			Selection2: ir.SelectionSpec{TreeName: "other", Selector: "list"},
		},
		{
			Kind:       ir.KindAre,
			Selection1: ir.SelectionSpec{TreeName: "page", Selector: "list"},
			Selection2: ir.SelectionSpec{TreeName: "third", Selector: "list"},
		},
	} {
		_, err := f.RealizeRelation(f.AddRelationSpec(spec), NoNode, nil)
		require.NoError(t, err)
	}
	a := one(t, f, "page", "list.i1")

	got := map[NodeID]NodeID{}
	for _, e := range f.IterableLineage(a, NoNode, -1) {
		got[e.Container] = e.Item
	}
	assert.Equal(t, map[NodeID]NodeID{
		one(t, f, "other", "list"): one(t, f, "other", "list.i0"),
		one(t, f, "third", "list"): one(t, f, "third", "list.i1"),
	}, got)
}
