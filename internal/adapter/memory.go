package adapter

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"

	"github.com/roach88/cts/internal/ir"
	"github.com/roach88/cts/internal/queryir"
)

// MemoryJournal is an in-process Journal. Writes follow the sqlite
// journal's rules: a GUID is recorded once and repeating a state records
// nothing.
type MemoryJournal struct {
	mu      sync.Mutex
	entries []ir.JournalEntry
	index   map[string]int
	history map[string][]ir.TransformState
}

// NewMemoryJournal returns an empty journal.
func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{
		index:   make(map[string]int),
		history: make(map[string][]ir.TransformState),
	}
}

// WriteTransform implements Journal.
func (j *MemoryJournal) WriteTransform(_ context.Context, e ir.JournalEntry) (bool, error) {
	if e.Record.GUID == "" {
		return false, fmt.Errorf("write transform: empty guid")
	}
	if e.State == "" {
		e.State = ir.StateNone
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, ok := j.index[e.Record.GUID]; ok {
		return false, nil
	}
	j.index[e.Record.GUID] = len(j.entries)
	j.entries = append(j.entries, e)
	j.history[e.Record.GUID] = append(j.history[e.Record.GUID], e.State)
	return true, nil
}

// UpdateState implements Journal.
func (j *MemoryJournal) UpdateState(_ context.Context, guid string, state ir.TransformState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	i, ok := j.index[guid]
	if !ok {
		return fmt.Errorf("unknown transform %q", guid)
	}
	if j.entries[i].State == state {
		return nil
	}
	j.entries[i].State = state
	j.history[guid] = append(j.history[guid], state)
	return nil
}

// Entries returns the journal ordered by seq, then GUID.
func (j *MemoryJournal) Entries() []ir.JournalEntry {
	j.mu.Lock()
	out := slices.Clone(j.entries)
	j.mu.Unlock()

	slices.SortStableFunc(out, func(a, b ir.JournalEntry) int {
		if c := cmp.Compare(a.Seq, b.Seq); c != 0 {
			return c
		}
		return strings.Compare(a.Record.GUID, b.Record.GUID)
	})
	return out
}

// History returns the states guid has passed through, oldest first.
func (j *MemoryJournal) History(guid string) []ir.TransformState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.history[guid])
}

// Select returns the entries matching p, in journal order.
func (j *MemoryJournal) Select(p queryir.Predicate, bound map[string]ir.Value) ([]ir.JournalEntry, error) {
	out := []ir.JournalEntry{}
	for _, e := range j.Entries() {
		ok, err := queryir.Match(p, EntryRow(e), bound)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// EntryRow renders e as a row of the transforms table.
func EntryRow(e ir.JournalEntry) ir.Object {
	row := ir.NewObject(
		ir.O("guid", ir.String(e.Record.GUID)),
		ir.O("seq", ir.Int(e.Seq)),
		ir.O("operation", ir.String(e.Record.Operation)),
		ir.O("app_context", ir.String(e.Record.AppContext)),
		ir.O("tree_name", ir.String(e.Record.TreeName)),
		ir.O("tree_url", ir.String(e.TreeURL)),
		ir.O("node_identifier", ir.String(e.Record.NodeIdentifier)),
		ir.O("value", e.Record.Value),
		ir.O("args", e.Record.Args),
		ir.O("state", ir.String(e.State)),
		ir.O("mimic_of", ir.Null{}),
	)
	if row["value"] == nil {
		row["value"] = ir.Null{}
	}
	if e.Record.Args == nil {
		row["args"] = ir.Object{}
	}
	if e.MimicOf != "" {
		row["mimic_of"] = ir.String(e.MimicOf)
	}
	return row
}
