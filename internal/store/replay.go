package store

import (
	"context"
	"fmt"

	"github.com/roach88/cts/internal/ir"
	"github.com/roach88/cts/internal/queryir"
)

// Summary describes the journal as a whole, for recovery and reporting.
type Summary struct {
	LastSeq int64
	Trees   []string
	Counts  []ir.StateCount
	Pending int // Entries whose commit never resolved
}

// Summarize reports the journal's extent and state breakdown.
func (s *Store) Summarize(ctx context.Context) (Summary, error) {
	var sum Summary
	var err error

	if sum.LastSeq, err = s.LastSeq(ctx); err != nil {
		return sum, fmt.Errorf("summarize: %w", err)
	}
	if sum.Trees, err = s.ListTrees(ctx); err != nil {
		return sum, fmt.Errorf("summarize: %w", err)
	}
	if sum.Counts, err = s.StateCounts(ctx); err != nil {
		return sum, fmt.Errorf("summarize: %w", err)
	}
	for _, c := range sum.Counts {
		if c.State == ir.StatePending {
			sum.Pending = c.Count
		}
	}
	return sum, nil
}

// Replay calls fn for every entry matching filter, in journal order.
// A nil filter replays everything. Replay stops at the first error fn
// returns.
//
// Entries are read before fn runs, so fn may write to the store.
func (s *Store) Replay(ctx context.Context, filter queryir.Predicate, fn func(ir.JournalEntry) error) error {
	bindings := make(map[string]string, len(queryir.Columns[queryir.TableTransforms]))
	for _, col := range queryir.Columns[queryir.TableTransforms] {
		bindings[col] = col
	}

	rows, err := s.Query(ctx, queryir.Select{
		From:     queryir.TableTransforms,
		Filter:   filter,
		Bindings: bindings,
	}, nil)
	if err != nil {
		return fmt.Errorf("replay: %w", err)
	}

	for _, row := range rows {
		if err := ctx.Err(); err != nil {
			return err
		}
		e, err := entryFromRow(row)
		if err != nil {
			return fmt.Errorf("replay: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
	return nil
}

// entryFromRow rebuilds a journal entry from a row of Query output with
// identity bindings.
func entryFromRow(row ir.Object) (ir.JournalEntry, error) {
	seq, ok := row["seq"].(ir.Int)
	if !ok {
		return ir.JournalEntry{}, fmt.Errorf("row has no integer seq: %v", row["seq"])
	}
	args, _ := row["args"].(ir.Object)
	if args == nil {
		args = ir.Object{}
	}
	value := row["value"]
	if value == nil {
		value = ir.Null{}
	}

	return ir.JournalEntry{
		Record: ir.TransformRecord{
			Operation:      ir.Operation(text(row, "operation")),
			AppContext:     text(row, "app_context"),
			TreeName:       text(row, "tree_name"),
			NodeIdentifier: text(row, "node_identifier"),
			Value:          value,
			Args:           args,
			GUID:           text(row, "guid"),
		},
		TreeURL: text(row, "tree_url"),
		State:   ir.TransformState(text(row, "state")),
		MimicOf: text(row, "mimic_of"),
		Seq:     int64(seq),
	}, nil
}

func text(row ir.Object, key string) string {
	s, _ := row[key].(ir.String)
	return string(s)
}
