package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cts/internal/engine"
	"github.com/roach88/cts/internal/ir"
)

func shopSpec() ir.ForrestSpec {
	return ir.ForrestSpec{
		Name: "shop",
		Trees: []ir.TreeSpec{
			Doc("page", "title: Hello\n"),
			Grid("sheet", "- [Title, Hello]\n"),
		},
		Relations: []ir.RelationSpec{Relate(ir.KindIs, "page:title", "sheet:B1")},
	}
}

func TestSel(t *testing.T) {
	assert.Equal(t, ir.SelectionSpec{TreeName: "sheet", Selector: "B1"}, Sel("sheet:B1"))
	assert.Equal(t, ir.SelectionSpec{TreeName: "page"}, Sel("page"))
}

func TestFixture_JournalsCommits(t *testing.T) {
	fx := MustFixture(t, shopSpec(), WithGUIDPrefix("x"))

	require.NoError(t, fx.Forrest.SetValue(context.Background(), fx.One(t, "page", "title"), ir.String("Hi")))
	assert.Equal(t, ir.String("Hi"), fx.Forrest.Value(fx.One(t, "sheet", "B1")))

	entries := fx.Journal.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, "x-2", entries[0].Record.GUID)
	assert.Equal(t, "x-1", entries[0].MimicOf)
	assert.Equal(t, ir.StateSuccess, entries[0].State)
	assert.Equal(t, int64(2), fx.GUIDs.Issued())
}

func TestFixture_ListenersSeeEveryEvent(t *testing.T) {
	var kinds []engine.EventKind
	fx := MustFixture(t, shopSpec(), WithListener(func(evt engine.Event) {
		kinds = append(kinds, evt.Kind)
	}))

	require.NoError(t, fx.Forrest.SetValue(context.Background(), fx.One(t, "page", "title"), ir.String("Hi")))
	assert.Equal(t, engine.EventValueChanged, kinds[0])
	assert.Contains(t, kinds, engine.EventTransformState)
}

func TestFixture_MockRemoteSkipsJournal(t *testing.T) {
	fx := MustFixture(t, shopSpec(), WithEngineOptions(engine.WithMockRemote(true)))

	require.NoError(t, fx.Forrest.SetValue(context.Background(), fx.One(t, "sheet", "B1"), ir.String("x")))
	assert.Empty(t, fx.Journal.Entries())
}

func TestNewFixture_InvalidSpec(t *testing.T) {
	_, err := NewFixture(context.Background(), ir.ForrestSpec{
		Name:  "broken",
		Trees: []ir.TreeSpec{{Name: "page"}},
	})
	assert.ErrorContains(t, err, `add spec "broken"`)
}
