package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/cts/internal/engine"
	"github.com/roach88/cts/internal/ir"
)

// Journal is the remote store committed transforms are written to.
// *store.Store and *MemoryJournal implement it.
type Journal interface {
	WriteTransform(ctx context.Context, e ir.JournalEntry) (bool, error)
	UpdateState(ctx context.Context, guid string, state ir.TransformState) error
}

// Committer writes committed transforms to a Journal and keeps their
// journaled state in step with the forrest.
//
// A transform is journaled as pending when it is committed. When the
// forrest later resolves its lineage to success or failed, Follow carries
// the new state to every journaled member.
type Committer struct {
	journal Journal

	mu      sync.Mutex
	written map[string]bool
}

// NewCommitter returns a committer writing to j. A nil journal accepts
// every commit without recording it.
func NewCommitter(j Journal) *Committer {
	return &Committer{journal: j, written: make(map[string]bool)}
}

// Commit journals t.
func (c *Committer) Commit(ctx context.Context, t *engine.Transform) error {
	if c == nil || c.journal == nil {
		return nil
	}
	e := t.Entry()
	if _, err := c.journal.WriteTransform(ctx, e); err != nil {
		return fmt.Errorf("journal transform %s: %w", t.GUID, err)
	}

	c.mu.Lock()
	c.written[t.GUID] = true
	c.mu.Unlock()

	slog.Debug("transform journaled",
		"guid", t.GUID,
		"tree", t.TreeName,
		"operation", t.Operation,
		"seq", t.Seq,
	)
	return nil
}

// Follow subscribes to f's transform state changes and records them for
// journaled transforms. Listeners run without a context, so updates use
// ctx's values but outlive its cancellation: a final state reached while
// shutting down is still journaled.
func (c *Committer) Follow(ctx context.Context, f *engine.Forrest) {
	if c == nil || c.journal == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	f.Observe(func(evt engine.Event) {
		if evt.Kind != engine.EventTransformState || evt.Transform == nil {
			return
		}
		t := evt.Transform
		final := t.State == ir.StateSuccess || t.State == ir.StateFailed
		c.mu.Lock()
		ok := c.written[t.GUID]
		if ok && final {
			delete(c.written, t.GUID)
		}
		c.mu.Unlock()
		if !ok {
			return
		}
		if err := c.journal.UpdateState(ctx, t.GUID, t.State); err != nil {
			slog.Warn("journal state update failed",
				"guid", t.GUID,
				"state", t.State,
				"error", err,
			)
		}
	})
}
