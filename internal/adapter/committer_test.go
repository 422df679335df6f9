package adapter

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cts/internal/engine"
	"github.com/roach88/cts/internal/ir"
	"github.com/roach88/cts/internal/store"
)

type failingJournal struct{}

func (failingJournal) WriteTransform(context.Context, ir.JournalEntry) (bool, error) {
	return false, errors.New("disk full")
}

func (failingJournal) UpdateState(context.Context, string, ir.TransformState) error {
	return errors.New("disk full")
}

// ctxJournal refuses state updates under a done context.
type ctxJournal struct {
	*MemoryJournal
}

func (j ctxJournal) UpdateState(ctx context.Context, guid string, state ir.TransformState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return j.MemoryJournal.UpdateState(ctx, guid, state)
}

func (c *Committer) tracked() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

func TestCommitter_JournalsRelayedTransform(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()
	f := newForrest(t, NewCommitter(j))

	require.NoError(t, f.SetValue(ctx, one(t, f, "page", "title"), ir.String("Bonjour")))
	assert.Equal(t, ir.String("Bonjour"), f.Value(one(t, f, "sheet", "B1")))

	entries := j.Entries()
	require.Len(t, entries, 1, "only the committing tree is journaled")
	e := entries[0]
	assert.Equal(t, "sheet", e.Record.TreeName)
	assert.Equal(t, "B1", e.Record.NodeIdentifier)
	assert.Equal(t, ir.OpSetValue, e.Record.Operation)
	assert.Equal(t, ir.String("Bonjour"), e.Record.Value)
	assert.Equal(t, ir.StateSuccess, e.State)
	assert.NotEmpty(t, e.MimicOf, "relayed transforms point at their origin")
	assert.Equal(t, []ir.TransformState{ir.StatePending, ir.StateSuccess}, j.History(e.Record.GUID))
}

func TestCommitter_FailureMarksTransformFailed(t *testing.T) {
	ctx := context.Background()
	f := newForrest(t, NewCommitter(failingJournal{}))

	var states []ir.TransformState
	f.Observe(func(evt engine.Event) {
		if evt.Kind == engine.EventTransformState && evt.Tree == "sheet" {
			states = append(states, evt.Transform.State)
		}
	})

	err := f.SetValue(ctx, one(t, f, "sheet", "B1"), ir.String("x"))
	require.Error(t, err)
	assert.True(t, engine.IsRemoteError(err))
	assert.ErrorContains(t, err, "disk full")
	assert.Equal(t, []ir.TransformState{ir.StatePending, ir.StateFailed}, states)
}

func TestCommitter_NilJournalAcceptsCommits(t *testing.T) {
	f := newForrest(t, NewCommitter(nil))

	require.NoError(t, f.SetValue(context.Background(), one(t, f, "sheet", "A2"), ir.String("plum")))
	assert.Equal(t, ir.String("plum"), f.Value(one(t, f, "sheet", "A2")))
}

func TestCommitter_MockRemoteSkipsJournal(t *testing.T) {
	j := NewMemoryJournal()
	f := newForrest(t, NewCommitter(j), engine.WithMockRemote(true))

	require.NoError(t, f.SetValue(context.Background(), one(t, f, "sheet", "A2"), ir.String("plum")))
	assert.Empty(t, j.Entries())
}

func TestCommitter_SQLiteJournal(t *testing.T) {
	ctx := context.Background()
	s, err := store.Open(filepath.Join(t.TempDir(), "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := newForrest(t, NewCommitter(s))
	require.NoError(t, f.SetValue(ctx, one(t, f, "sheet", "B3"), ir.String("7")))

	entries, err := s.ReadTransformsForTree(ctx, "sheet")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "B3", entries[0].Record.NodeIdentifier)
	assert.Equal(t, ir.Int(7), entries[0].Record.Value, "grid normalizes before commit")
	assert.Equal(t, ir.StateSuccess, entries[0].State)

	history, err := s.ReadStateHistory(ctx, entries[0].Record.GUID)
	require.NoError(t, err)
	assert.Equal(t, []ir.TransformState{ir.StatePending, ir.StateSuccess}, history)
}

func TestCommitter_ForgetsFinalTransforms(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryJournal()
	c := NewCommitter(j)
	f := newForrest(t, c)

	for _, v := range []string{"one", "two", "three"} {
		require.NoError(t, f.SetValue(ctx, one(t, f, "sheet", "A2"), ir.String(v)))
	}
	require.Len(t, j.Entries(), 3)
	assert.Zero(t, c.tracked(), "transforms are dropped once their state is final")
	for _, e := range j.Entries() {
		assert.Equal(t, ir.StateSuccess, e.State)
	}
}

func TestCommitter_FollowOutlivesCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	j := ctxJournal{NewMemoryJournal()}
	f := newFollowedForrest(t, ctx, NewCommitter(j))
	cancel()

	require.NoError(t, f.SetValue(context.Background(), one(t, f, "sheet", "A2"), ir.String("plum")))
	entries := j.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, ir.StateSuccess, entries[0].State)
}
