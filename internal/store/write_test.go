package store

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cts/internal/ir"
)

func TestWriteTransform_Basic(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := createTestEntry("t-1", "page", 3)
	e.Record.Args = ir.NewObject(ir.O("index", ir.Int(2)))
	e.MimicOf = "t-0"

	inserted, err := s.WriteTransform(ctx, e)
	require.NoError(t, err)
	assert.True(t, inserted)

	got, err := s.ReadTransform(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, e.Record.GUID, got.Record.GUID)
	assert.Equal(t, int64(3), got.Seq)
	assert.Equal(t, ir.OpSetValue, got.Record.Operation)
	assert.Equal(t, "page.yaml", got.TreeURL)
	assert.Equal(t, "t-0", got.MimicOf)
	assert.Equal(t, ir.StatePending, got.State)
	assert.True(t, ir.Equal(e.Record.Value, got.Record.Value))
	assert.True(t, ir.Equal(e.Record.Args, got.Record.Args))
}

func TestWriteTransform_CanonicalJSON(t *testing.T) {
	s := createTestStore(t)

	e := createTestEntry("t-1", "page", 1)
	e.Record.Value = ir.NewObject(ir.O("zeta", ir.String("<b>")), ir.O("alpha", ir.Int(1)))
	mustWrite(t, s, e)

	var raw string
	require.NoError(t, s.db.QueryRow("SELECT value FROM transforms WHERE guid = 't-1'").Scan(&raw))
	assert.Equal(t, `{"alpha":1,"zeta":"<b>"}`, raw)
}

func TestWriteTransform_Idempotent(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first := createTestEntry("t-1", "page", 1)
	inserted, err := s.WriteTransform(ctx, first)
	require.NoError(t, err)
	require.True(t, inserted)

	second := createTestEntry("t-1", "other", 9)
	second.State = ir.StateSuccess
	inserted, err = s.WriteTransform(ctx, second)
	require.NoError(t, err)
	assert.False(t, inserted)

	got, err := s.ReadTransform(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, "page", got.Record.TreeName, "first write wins")

	history, err := s.ReadStateHistory(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, []ir.TransformState{ir.StatePending}, history)
}

func TestWriteTransform_Rejects(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	_, err := s.WriteTransform(ctx, ir.JournalEntry{})
	assert.ErrorContains(t, err, "empty guid")

	bad := createTestEntry("t-2", "page", 1)
	bad.Record.Operation = "node-moved"
	_, err = s.WriteTransform(ctx, bad)
	assert.Error(t, err)

	_, err = s.ReadTransform(ctx, "t-2")
	assert.ErrorIs(t, err, sql.ErrNoRows, "failed write leaves no row")
}

func TestWriteTransform_DefaultsStateToNone(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	e := createTestEntry("t-1", "page", 1)
	e.State = ""
	mustWrite(t, s, e)

	got, err := s.ReadTransform(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, ir.StateNone, got.State)
}

func TestUpdateState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	mustWrite(t, s, createTestEntry("t-1", "page", 1))

	require.NoError(t, s.UpdateState(ctx, "t-1", ir.StateSuccess))
	require.NoError(t, s.UpdateState(ctx, "t-1", ir.StateSuccess))

	got, err := s.ReadTransform(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, ir.StateSuccess, got.State)

	history, err := s.ReadStateHistory(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, []ir.TransformState{ir.StatePending, ir.StateSuccess}, history,
		"repeating a state records nothing")
}

func TestUpdateState_UnknownGUID(t *testing.T) {
	s := createTestStore(t)

	err := s.UpdateState(context.Background(), "missing", ir.StateFailed)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestUpdateState_RejectsUnknownState(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	mustWrite(t, s, createTestEntry("t-1", "page", 1))

	assert.Error(t, s.UpdateState(ctx, "t-1", "lost"))

	got, err := s.ReadTransform(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, ir.StatePending, got.State)
}
