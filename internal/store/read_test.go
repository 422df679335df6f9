package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cts/internal/ir"
)

func TestReadTransform_NotFound(t *testing.T) {
	s := createTestStore(t)

	_, err := s.ReadTransform(context.Background(), "nope")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestReadAll_Empty(t *testing.T) {
	s := createTestStore(t)

	entries, err := s.ReadAll(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, entries, "empty journal returns an empty slice, not nil")
	assert.Empty(t, entries)
}

func TestReadAll_DeterministicOrdering(t *testing.T) {
	s := createTestStore(t)

	// Written out of order; b and a share a seq.
	mustWrite(t, s,
		createTestEntry("c", "page", 3),
		createTestEntry("b", "page", 1),
		createTestEntry("a", "page", 1),
		createTestEntry("d", "grid", 2),
	)

	for i := 0; i < 3; i++ {
		entries, err := s.ReadAll(context.Background())
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "d", "c"}, guidsOf(entries))
	}
}

func TestReadTransformsForTree(t *testing.T) {
	s := createTestStore(t)
	mustWrite(t, s,
		createTestEntry("t-1", "page", 1),
		createTestEntry("t-2", "grid", 2),
		createTestEntry("t-3", "page", 3),
	)

	entries, err := s.ReadTransformsForTree(context.Background(), "page")
	require.NoError(t, err)
	assert.Equal(t, []string{"t-1", "t-3"}, guidsOf(entries))

	entries, err = s.ReadTransformsForTree(context.Background(), "missing")
	require.NoError(t, err)
	assert.NotNil(t, entries)
	assert.Empty(t, entries)
}

func TestReadLineage(t *testing.T) {
	s := createTestStore(t)

	// t-0 is the origin on a tree that does not commit, so it is never
	// journaled. t-1 and t-2 were relayed from it; t-3 from t-2.
	child := func(guid, parent string, seq int64) ir.JournalEntry {
		e := createTestEntry(guid, "page", seq)
		e.MimicOf = parent
		return e
	}
	mustWrite(t, s,
		child("t-1", "t-0", 1),
		child("t-2", "t-0", 2),
		child("t-3", "t-2", 3),
		createTestEntry("other", "page", 4),
	)

	for _, start := range []string{"t-1", "t-3", "t-0"} {
		t.Run(start, func(t *testing.T) {
			entries, err := s.ReadLineage(context.Background(), start)
			require.NoError(t, err)
			assert.Equal(t, []string{"t-1", "t-2", "t-3"}, guidsOf(entries))
		})
	}

	entries, err := s.ReadLineage(context.Background(), "other")
	require.NoError(t, err)
	assert.Equal(t, []string{"other"}, guidsOf(entries))
}

func TestFindPending(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	mustWrite(t, s,
		createTestEntry("t-1", "page", 1),
		createTestEntry("t-2", "page", 2),
		createTestEntry("t-3", "page", 3),
	)
	require.NoError(t, s.UpdateState(ctx, "t-2", ir.StateSuccess))

	pending, err := s.FindPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"t-1", "t-3"}, guidsOf(pending))
}

func TestStateCountsAndLastSeq(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	seq, err := s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), seq)

	mustWrite(t, s,
		createTestEntry("t-1", "page", 4),
		createTestEntry("t-2", "grid", 7),
		createTestEntry("t-3", "page", 5),
	)
	require.NoError(t, s.UpdateState(ctx, "t-1", ir.StateFailed))

	seq, err = s.LastSeq(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)

	counts, err := s.StateCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ir.StateCount{
		{State: ir.StateFailed, Count: 1},
		{State: ir.StatePending, Count: 2},
	}, counts)

	trees, err := s.ListTrees(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"grid", "page"}, trees)
}

func TestOrderedReads_TieOnSeqOrdersByGUID(t *testing.T) {
	ctx := context.Background()
	s := createTestStore(t)
	root := createTestEntry("r", "page", 1)
	b := createTestEntry("b", "grid", 2)
	b.MimicOf = "r"
	a := createTestEntry("a", "grid", 2)
	a.MimicOf = "r"
	mustWrite(t, s, root, b, a)

	want := []string{"r", "a", "b"}

	all, err := s.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, guidsOf(all))

	lineage, err := s.ReadLineage(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, want, guidsOf(lineage))

	pending, err := s.FindPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, guidsOf(pending))

	grid, err := s.ReadTransformsForTree(ctx, "grid")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, guidsOf(grid))

	var replayed []ir.JournalEntry
	require.NoError(t, s.Replay(ctx, nil, func(e ir.JournalEntry) error {
		replayed = append(replayed, e)
		return nil
	}))
	assert.Equal(t, want, guidsOf(replayed))
}
