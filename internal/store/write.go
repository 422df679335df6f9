package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/roach88/cts/internal/ir"
)

// WriteTransform journals a committed transform and its initial state.
// Returns whether a new record was inserted.
//
// Uses ON CONFLICT(guid) DO NOTHING for idempotency: writing a GUID that
// is already journaled leaves the stored row and its history untouched.
// Other constraint violations (unknown operation or state) still return
// errors.
func (s *Store) WriteTransform(ctx context.Context, e ir.JournalEntry) (inserted bool, err error) {
	if e.Record.GUID == "" {
		return false, fmt.Errorf("write transform: empty guid")
	}
	if e.State == "" {
		e.State = ir.StateNone
	}

	valueJSON, err := marshalValue(e.Record.Value)
	if err != nil {
		return false, fmt.Errorf("write transform %s: %w", e.Record.GUID, err)
	}
	argsJSON, err := marshalArgs(e.Record.Args)
	if err != nil {
		return false, fmt.Errorf("write transform %s: %w", e.Record.GUID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("write transform: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	result, err := tx.ExecContext(ctx, `
		INSERT INTO transforms
		(guid, seq, operation, app_context, tree_name, tree_url, node_identifier, value, args, state, mimic_of)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(guid) DO NOTHING
	`,
		e.Record.GUID,
		e.Seq,
		string(e.Record.Operation),
		e.Record.AppContext,
		e.Record.TreeName,
		e.TreeURL,
		e.Record.NodeIdentifier,
		valueJSON,
		argsJSON,
		string(e.State),
		nullString(e.MimicOf),
	)
	if err != nil {
		return false, fmt.Errorf("write transform %s: %w", e.Record.GUID, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("write transform: rows affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if err := appendStateChange(ctx, tx, e.Record.GUID, e.State); err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("write transform: commit: %w", err)
	}
	return true, nil
}

// UpdateState moves a journaled transform to state and appends the
// transition to its history. Setting the state it already has is a no-op.
//
// Returns sql.ErrNoRows if guid was never journaled.
func (s *Store) UpdateState(ctx context.Context, guid string, state ir.TransformState) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("update state: begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT state FROM transforms WHERE guid = ?`, guid).Scan(&current)
	if err == sql.ErrNoRows {
		return err
	}
	if err != nil {
		return fmt.Errorf("update state %s: %w", guid, err)
	}
	if ir.TransformState(current) == state {
		return nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE transforms SET state = ? WHERE guid = ?`, string(state), guid); err != nil {
		return fmt.Errorf("update state %s: %w", guid, err)
	}
	if err := appendStateChange(ctx, tx, guid, state); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("update state: commit: %w", err)
	}
	return nil
}

func appendStateChange(ctx context.Context, tx *sql.Tx, guid string, state ir.TransformState) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO state_changes (guid, state) VALUES (?, ?)
	`, guid, string(state))
	if err != nil {
		return fmt.Errorf("append state change %s: %w", guid, err)
	}
	return nil
}
