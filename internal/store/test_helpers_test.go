package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/cts/internal/ir"
)

// createTestStore opens a fresh journal in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestEntry creates a pending set-value entry with minimal fields.
func createTestEntry(guid, tree string, seq int64) ir.JournalEntry {
	return ir.JournalEntry{
		Record: ir.TransformRecord{
			Operation:      ir.OpSetValue,
			AppContext:     "test",
			TreeName:       tree,
			NodeIdentifier: "title",
			Value:          ir.String("v-" + guid),
			Args:           ir.Object{},
			GUID:           guid,
		},
		TreeURL: tree + ".yaml",
		State:   ir.StatePending,
		Seq:     seq,
	}
}

func mustWrite(t *testing.T, s *Store, entries ...ir.JournalEntry) {
	t.Helper()
	for _, e := range entries {
		if _, err := s.WriteTransform(context.Background(), e); err != nil {
			t.Fatalf("WriteTransform(%s) failed: %v", e.Record.GUID, err)
		}
	}
}

func guidsOf(entries []ir.JournalEntry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Record.GUID
	}
	return out
}
