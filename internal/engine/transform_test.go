package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/roach88/cts/internal/ir"
)

// committingForrest realizes a committing "page" tree whose title mirrors
// the label of a non-committing "other" tree.
func committingForrest(t *testing.T, opts ...Option) (*Forrest, *fakeAdapter) {
	t.Helper()
	a := newFakeAdapter("doc")
	a.docs["page"] = branch("page", leaf("title", ir.String("draft")), items("list", "a", "b"))
	a.docs["other"] = branch("other", leaf("label", ir.Null{}))

	base := []Option{WithAdapter(a), WithGUIDGenerator(NewSequenceGenerator("t")), WithAppContext("app")}
	f := New(append(base, opts...)...)
	require.NoError(t, f.RealizeTrees(context.Background(), []ir.TreeSpec{
		{Name: "page", Kind: "doc", URL: "mem://page", ThrowEvents: true, ReceiveEvents: true, Commits: true},
		{Name: "other", Kind: "doc", ThrowEvents: true, ReceiveEvents: true},
	}))
	relate(t, f, ir.KindIs, "page", "title", "other", "label")
	return f, a
}

// =============================================================================
// Lineage
// =============================================================================

func TestRelayFor_StopsAtLineageMembers(t *testing.T) {
	f := New(WithGUIDGenerator(NewSequenceGenerator("t")))
	origin := f.newTransform(ir.OpSetValue, NodeID(4))

	m1 := origin.RelayFor(5)
	require.NotNil(t, m1)
	m2 := m1.RelayFor(6)
	require.NotNil(t, m2)
	m3 := origin.RelayFor(7)
	require.NotNil(t, m3)

	assert.Nil(t, origin.RelayFor(6), "6 already hosts a mimic")
	assert.Nil(t, m2.RelayFor(4), "4 hosts the origin")
	assert.Same(t, origin, m1.MimicOf())
	assert.Equal(t, []*Transform{m1, m3}, origin.Mimics())
	assert.ElementsMatch(t, []*Transform{origin, m1, m2, m3}, m2.Lineage())
	assert.Equal(t, ir.OpSetValue, m2.Operation)
	assert.NotEqual(t, origin.GUID, m1.GUID)
}

func TestChangeState_UpdatesEveryMemberOnce(t *testing.T) {
	f := New(WithGUIDGenerator(NewSequenceGenerator("t")))
	rec := &recorder{}
	f.Observe(rec.listen)

	origin := f.newTransform(ir.OpSetValue, NodeID(1))
	tip := origin.RelayFor(2).RelayFor(3)
	origin.RelayFor(4)

	tip.ChangeState(ir.StatePending)
	for _, m := range origin.Lineage() {
		assert.Equal(t, ir.StatePending, m.State)
	}
	assert.Len(t, rec.of(EventTransformState), 4)

	origin.ChangeState(ir.StatePending)
	assert.Len(t, rec.of(EventTransformState), 4, "unchanged state notifies nobody")
}

// =============================================================================
// Commit
// =============================================================================

func TestCommit_SuccessSharesStateWithMimics(t *testing.T) {
	ctx := context.Background()
	reg := prometheus.NewRegistry()
	m := NewMetrics(WithRegistry(reg))
	f, a := committingForrest(t, WithMetrics(m))

	require.NoError(t, f.SetValue(ctx, one(t, f, "page", "title"), ir.String("final")))

	committed := a.committed()
	require.Len(t, committed, 1, "only the committing tree reaches the store")
	origin := committed[0]
	assert.Equal(t, ir.StateSuccess, origin.State)
	require.Len(t, origin.Mimics(), 1)
	mimic := origin.Mimics()[0]
	assert.Equal(t, ir.StateSuccess, mimic.State)
	assert.Equal(t, "other", mimic.TreeName)
	assert.Equal(t, ir.String("final"), mimic.Value)

	rec := origin.Record()
	assert.Equal(t, ir.OpSetValue, rec.Operation)
	assert.Equal(t, "app", rec.AppContext)
	assert.Equal(t, "page", rec.TreeName)
	assert.Equal(t, "title", rec.NodeIdentifier)
	assert.Equal(t, ir.String("final"), rec.Value)
	assert.Equal(t, "t-1", rec.GUID)

	entry := origin.Entry()
	assert.Equal(t, "mem://page", entry.TreeURL)
	assert.Equal(t, ir.StateSuccess, entry.State)
	assert.Equal(t, int64(1), entry.Seq)
	assert.Empty(t, entry.MimicOf)
	assert.Equal(t, "t-1", mimic.Entry().MimicOf)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transformStates.WithLabelValues("pending")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.transformStates.WithLabelValues("success")))
}

func TestCommit_FailureFailsLineage(t *testing.T) {
	ctx := context.Background()
	f, a := committingForrest(t)
	a.commitErr = errors.New("store rejected")
	rec := &recorder{}
	f.Observe(rec.listen)

	err := f.SetValue(ctx, one(t, f, "page", "title"), ir.String("final"))
	require.Error(t, err)
	assert.True(t, IsRemoteError(err))
	assert.ErrorContains(t, err, "store rejected")

	label := one(t, f, "other", "label")
	var relayed *Transform
	for _, e := range rec.of(EventValueChanged) {
		if e.Node == label {
			relayed = e.Transform
		}
	}
	require.NotNil(t, relayed)
	assert.Equal(t, ir.StateFailed, relayed.State)
	assert.Equal(t, ir.StateFailed, relayed.MimicOf().State)
	assert.Equal(t, ir.String("final"), f.Value(label), "local propagation is not rolled back")
}

func TestCommit_RejectedMimicKeepsLineageFailed(t *testing.T) {
	ctx := context.Background()
	pages := newFakeAdapter("doc")
	pages.docs["page"] = branch("page", leaf("title", ir.String("draft")))
	others := newFakeAdapter("ledger")
	others.docs["other"] = branch("other", leaf("label", ir.Null{}))
	others.commitErr = errors.New("ledger rejected")

	f := New(WithAdapter(pages), WithAdapter(others), WithGUIDGenerator(NewSequenceGenerator("t")))
	require.NoError(t, f.RealizeTrees(ctx, []ir.TreeSpec{
		{Name: "page", Kind: "doc", ThrowEvents: true, ReceiveEvents: true, Commits: true},
		{Name: "other", Kind: "ledger", ThrowEvents: true, ReceiveEvents: true, Commits: true},
	}))
	relate(t, f, ir.KindIs, "page", "title", "other", "label")

	var states []ir.TransformState
	f.Observe(func(evt Event) {
		if evt.Kind == EventTransformState {
			states = append(states, evt.Transform.State)
		}
	})

	err := f.SetValue(ctx, one(t, f, "page", "title"), ir.String("final"))
	require.Error(t, err)
	assert.True(t, IsRemoteError(err))
	assert.ErrorContains(t, err, "tree=other")

	require.Len(t, others.committed(), 1)
	mimic := others.committed()[0]
	require.NotNil(t, mimic.MimicOf())
	assert.Equal(t, ir.StateFailed, mimic.State)
	assert.Equal(t, ir.StateFailed, mimic.MimicOf().State)
	assert.Empty(t, pages.committed(), "a failed lineage is not committed elsewhere")
	assert.NotContains(t, states, ir.StateSuccess)
}

func TestChangeState_FailedIsFinal(t *testing.T) {
	f := New(WithGUIDGenerator(NewSequenceGenerator("t")))
	origin := f.newTransform(ir.OpSetValue, NodeID(1))
	mimic := origin.RelayFor(2)

	mimic.ChangeState(ir.StatePending)
	mimic.ChangeState(ir.StateFailed)
	origin.ChangeState(ir.StatePending)
	origin.ChangeState(ir.StateSuccess)

	assert.Equal(t, ir.StateFailed, origin.State)
	assert.Equal(t, ir.StateFailed, mimic.State)
}

func TestCommit_MockResolvesImmediately(t *testing.T) {
	ctx := context.Background()
	f, a := committingForrest(t, WithMockRemote(true))
	rec := &recorder{}
	f.Observe(rec.listen)

	require.NoError(t, f.SetValue(ctx, one(t, f, "page", "title"), ir.String("final")))
	assert.Empty(t, a.committed())

	var states []ir.TransformState
	for _, e := range rec.of(EventTransformState) {
		if e.Tree == "page" {
			states = append(states, e.Transform.State)
		}
	}
	assert.Len(t, states, 2)
	assert.Equal(t, ir.StateSuccess, rec.of(EventTransformState)[len(rec.of(EventTransformState))-1].Transform.State)
}

func TestCommit_DisableRemote(t *testing.T) {
	ctx := context.Background()
	f, a := committingForrest(t)
	title := one(t, f, "page", "title")
	f.SetDisableRemote(title, true)

	require.NoError(t, f.SetValue(ctx, title, ir.String("local")))
	assert.Empty(t, a.committed())
}

func TestCommit_Traced(t *testing.T) {
	ctx := context.Background()
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	f, a := committingForrest(t, WithTracer(tp.Tracer("test")))
	a.commitErr = errors.New("offline")

	_ = f.SetValue(ctx, one(t, f, "page", "title"), ir.String("final"))

	var commit sdktrace.ReadOnlySpan
	for _, s := range sr.Ended() {
		if s.Name() == "engine.Commit" {
			commit = s
		}
	}
	require.NotNil(t, commit)
	assert.Equal(t, codes.Error, commit.Status().Code)
	require.Len(t, commit.Events(), 1, "the rejection is recorded on the span")
}

// =============================================================================
// Remote application
// =============================================================================

func TestApplyRecord_SetValueIsNotRecommitted(t *testing.T) {
	ctx := context.Background()
	f, a := committingForrest(t)

	require.NoError(t, f.ApplyRecord(ctx, ir.TransformRecord{
		Operation:      ir.OpSetValue,
		TreeName:       "page",
		NodeIdentifier: "title",
		Value:          ir.String("remote"),
		GUID:           "remote-1",
	}))

	assert.Equal(t, ir.String("remote"), f.Value(one(t, f, "page", "title")))
	assert.Equal(t, ir.String("remote"), f.Value(one(t, f, "other", "label")), "remote changes still propagate locally")
	assert.Empty(t, a.committed())
}

func TestApplyRecord_NodeInserted(t *testing.T) {
	ctx := context.Background()
	f, a := committingForrest(t)
	rec := &recorder{}
	f.Observe(rec.listen)

	require.NoError(t, f.ApplyRecord(ctx, ir.TransformRecord{
		Operation:      ir.OpNodeInserted,
		TreeName:       "page",
		NodeIdentifier: "list",
		Value:          ir.String("r"),
		Args:           ir.NewObject(ir.O("index", ir.Int(1))),
		GUID:           "remote-2",
	}))

	assert.Equal(t, []string{"a", "r", "b"}, texts(f, f.Children(one(t, f, "page", "list"))))
	assert.Empty(t, a.committed())

	evts := rec.of(EventTransform)
	require.Len(t, evts, 1)
	assert.True(t, evts[0].Transform.FromRemote)
	assert.Equal(t, "remote-2", evts[0].Transform.GUID)
	assert.Equal(t, ir.StateSuccess, evts[0].Transform.State)
}

func TestApplyRecord_NodeRemovedOutOfRange(t *testing.T) {
	f, _ := committingForrest(t)

	err := f.ApplyRecord(context.Background(), ir.TransformRecord{
		Operation:      ir.OpNodeRemoved,
		TreeName:       "page",
		NodeIdentifier: "list",
		Args:           ir.NewObject(ir.O("index", ir.Int(7))),
	})
	assert.ErrorContains(t, err, "out of range")
}

func TestApplyRecord_UnknownTarget(t *testing.T) {
	ctx := context.Background()
	f, _ := committingForrest(t)

	err := f.ApplyRecord(ctx, ir.TransformRecord{Operation: ir.OpSetValue, TreeName: "ghost"})
	assert.True(t, IsResolutionError(err))

	err = f.ApplyRecord(ctx, ir.TransformRecord{Operation: ir.OpSetValue, TreeName: "page", NodeIdentifier: "nope"})
	assert.ErrorContains(t, err, "not found")
}
