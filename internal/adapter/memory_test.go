package adapter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cts/internal/ir"
	"github.com/roach88/cts/internal/queryir"
)

func entry(guid, tree string, seq int64) ir.JournalEntry {
	return ir.JournalEntry{
		Record: ir.TransformRecord{
			Operation: ir.OpSetValue,
			TreeName:  tree,
			Value:     ir.String(guid),
			GUID:      guid,
		},
		State: ir.StatePending,
		Seq:   seq,
	}
}

func TestMemoryJournal_WriteIsIdempotent(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()

	ok, err := j.WriteTransform(ctx, entry("t-1", "page", 1))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = j.WriteTransform(ctx, entry("t-1", "other", 5))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, "page", j.Entries()[0].Record.TreeName)

	_, err = j.WriteTransform(ctx, ir.JournalEntry{})
	assert.ErrorContains(t, err, "empty guid")
}

func TestMemoryJournal_UpdateState(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()
	_, err := j.WriteTransform(ctx, entry("t-1", "page", 1))
	require.NoError(t, err)

	require.NoError(t, j.UpdateState(ctx, "t-1", ir.StateFailed))
	require.NoError(t, j.UpdateState(ctx, "t-1", ir.StateFailed))
	assert.Equal(t, []ir.TransformState{ir.StatePending, ir.StateFailed}, j.History("t-1"))

	assert.ErrorContains(t, j.UpdateState(ctx, "nope", ir.StateSuccess), `unknown transform "nope"`)
}

func TestMemoryJournal_EntriesOrdered(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()
	for _, e := range []ir.JournalEntry{entry("c", "page", 2), entry("b", "page", 1), entry("a", "page", 2)} {
		_, err := j.WriteTransform(ctx, e)
		require.NoError(t, err)
	}

	var guids []string
	for _, e := range j.Entries() {
		guids = append(guids, e.Record.GUID)
	}
	assert.Equal(t, []string{"b", "a", "c"}, guids)
}

func TestMemoryJournal_Select(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()
	for _, e := range []ir.JournalEntry{entry("t-1", "page", 1), entry("t-2", "sheet", 2), entry("t-3", "page", 3)} {
		_, err := j.WriteTransform(ctx, e)
		require.NoError(t, err)
	}
	require.NoError(t, j.UpdateState(ctx, "t-3", ir.StateSuccess))

	got, err := j.Select(queryir.And{Predicates: []queryir.Predicate{
		queryir.Equals{Field: "tree_name", Value: ir.String("page")},
		queryir.BoundEquals{Field: "state", BoundVar: "state"},
	}}, map[string]ir.Value{"state": ir.String("success")})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "t-3", got[0].Record.GUID)

	_, err = j.Select(queryir.BoundEquals{Field: "state", BoundVar: "missing"}, nil)
	assert.Error(t, err)
}

func TestEntryRow(t *testing.T) {
	e := entry("t-1", "page", 4)
	e.MimicOf = "t-0"
	row := EntryRow(e)

	assert.Equal(t, ir.Int(4), row["seq"])
	assert.Equal(t, ir.String("set-value"), row["operation"])
	assert.Equal(t, ir.String("t-0"), row["mimic_of"])
	assert.Equal(t, ir.Object{}, row["args"])
	for _, col := range queryir.Columns[queryir.TableTransforms] {
		assert.Contains(t, row, col)
	}
}
