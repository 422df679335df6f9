package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/cts/internal/ir"
)

const orderBySeq = `ORDER BY seq ASC, guid COLLATE BINARY ASC`

// ReadTransform retrieves a single journal entry by GUID.
// Returns sql.ErrNoRows if not found.
func (s *Store) ReadTransform(ctx context.Context, guid string) (ir.JournalEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+entryColumns+`
		FROM transforms
		WHERE guid = ?
	`, guid)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return ir.JournalEntry{}, err
	}
	if err != nil {
		return ir.JournalEntry{}, fmt.Errorf("read transform %s: %w", guid, err)
	}
	return e, nil
}

// ReadTransformsForTree returns every entry committed against treeName.
//
// Returns an empty slice (not nil) if the tree has no entries.
func (s *Store) ReadTransformsForTree(ctx context.Context, treeName string) ([]ir.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM transforms
		WHERE tree_name = ?
		`+orderBySeq, treeName)
	if err != nil {
		return nil, fmt.Errorf("query tree %s: %w", treeName, err)
	}
	return collectEntries(rows)
}

// ReadAll returns the whole journal in replay order.
func (s *Store) ReadAll(ctx context.Context) ([]ir.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+entryColumns+` FROM transforms `+orderBySeq)
	if err != nil {
		return nil, fmt.Errorf("query all transforms: %w", err)
	}
	return collectEntries(rows)
}

// ReadLineage returns the journaled members of guid's lineage: its
// ancestors through mimic_of and every transform relayed from them.
//
// Members reachable only through a transform that was never journaled
// are not returned.
func (s *Store) ReadLineage(ctx context.Context, guid string) ([]ir.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH RECURSIVE
		up(guid) AS (
			SELECT ?
			UNION
			SELECT t.mimic_of FROM transforms t JOIN up ON t.guid = up.guid
			WHERE t.mimic_of IS NOT NULL
		),
		down(guid) AS (
			SELECT guid FROM up
			UNION
			SELECT t.guid FROM transforms t JOIN down ON t.mimic_of = down.guid
		)
		SELECT `+entryColumns+`
		FROM transforms
		WHERE guid IN (SELECT guid FROM down)
		`+orderBySeq, guid)
	if err != nil {
		return nil, fmt.Errorf("query lineage %s: %w", guid, err)
	}
	return collectEntries(rows)
}

// ReadStateHistory returns the states guid has passed through, oldest
// first. Returns an empty slice for an unknown GUID.
func (s *Store) ReadStateHistory(ctx context.Context, guid string) ([]ir.TransformState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state FROM state_changes
		WHERE guid = ?
		ORDER BY id ASC
	`, guid)
	if err != nil {
		return nil, fmt.Errorf("query state history %s: %w", guid, err)
	}
	defer rows.Close()

	states := []ir.TransformState{}
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("scan state change: %w", err)
		}
		states = append(states, ir.TransformState(state))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state changes: %w", err)
	}
	return states, nil
}

// FindPending returns entries whose commit never resolved. After a
// crash these are the transforms that may or may not have reached the
// remote store.
func (s *Store) FindPending(ctx context.Context) ([]ir.JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+entryColumns+`
		FROM transforms
		WHERE state = ?
		`+orderBySeq, string(ir.StatePending))
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	return collectEntries(rows)
}

// StateCounts summarizes the journal by commit state, ordered by state.
func (s *Store) StateCounts(ctx context.Context) ([]ir.StateCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT state, COUNT(*) FROM transforms
		GROUP BY state
		ORDER BY state COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query state counts: %w", err)
	}
	defer rows.Close()

	counts := []ir.StateCount{}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		counts = append(counts, ir.StateCount{State: ir.TransformState(state), Count: n})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state counts: %w", err)
	}
	return counts, nil
}

// LastSeq returns the highest journaled seq, or 0 for an empty journal.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM transforms`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("query last seq: %w", err)
	}
	return seq.Int64, nil
}

// ListTrees returns the distinct tree names in the journal, sorted.
func (s *Store) ListTrees(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT tree_name FROM transforms
		ORDER BY tree_name COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query trees: %w", err)
	}
	defer rows.Close()

	names := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan tree name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate trees: %w", err)
	}
	return names, nil
}
