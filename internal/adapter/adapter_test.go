package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roach88/cts/internal/engine"
	"github.com/roach88/cts/internal/ir"
)

const pageDoc = `
title: Hello
items:
  - name: apple
    qty: 1
  - name: pear
    qty: 2
ratio: 0.5
draft: false
note: ~
`

const sheetDoc = `
- [Title, Hello]
- [apple, 1]
- [pear, 2]
`

// newForrest realizes a page document and a sheet grid, with the page
// title mirrored into cell B1 of the sheet.
func newForrest(t *testing.T, c *Committer, opts ...engine.Option) *engine.Forrest {
	t.Helper()
	return newFollowedForrest(t, context.Background(), c, opts...)
}

// newFollowedForrest is newForrest with the committer following under ctx.
func newFollowedForrest(t *testing.T, ctx context.Context, c *Committer, opts ...engine.Option) *engine.Forrest {
	t.Helper()
	opts = append(opts, Adapters(c)...)
	opts = append(opts, engine.WithGUIDGenerator(engine.NewSequenceGenerator("t")))
	f := engine.New(opts...)
	c.Follow(ctx, f)

	spec := ir.ForrestSpec{
		Name: "adapters",
		Trees: []ir.TreeSpec{
			{Name: "page", Kind: DocKind, Source: pageDoc, ThrowEvents: true, ReceiveEvents: true},
			{Name: "sheet", Kind: GridKind, Source: sheetDoc, ThrowEvents: true, ReceiveEvents: true, Commits: true},
		},
		Relations: []ir.RelationSpec{{
			Kind:       ir.KindIs,
			Selection1: ir.SelectionSpec{TreeName: "page", Selector: "title"},
			Selection2: ir.SelectionSpec{TreeName: "sheet", Selector: "B1"},
		}},
	}
	require.NoError(t, f.AddSpec(context.Background(), spec))
	return f
}

func TestAdapters_RenderersAndIdentifiers(t *testing.T) {
	for _, a := range []engine.Adapter{NewDoc(), NewGrid()} {
		_, renders := a.(Renderer)
		_, identifies := a.(engine.Identifier)
		require.True(t, renders, a.Kind())
		require.True(t, identifies, a.Kind())
	}
}

// one returns the single node selector names in tree.
func one(t *testing.T, f *engine.Forrest, tree, selector string) engine.NodeID {
	t.Helper()
	sel := f.Find(tree, selector)
	require.Equal(t, 1, sel.Len(), "%s %q", tree, selector)
	return sel.First()
}
