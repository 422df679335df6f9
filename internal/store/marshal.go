package store

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/cts/internal/ir"
)

// marshalValue converts a transform value to canonical JSON TEXT.
func marshalValue(v ir.Value) (string, error) {
	if v == nil {
		v = ir.Null{}
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	return string(data), nil
}

// marshalArgs converts transform args to canonical JSON TEXT.
// nil args are stored as {}.
func marshalArgs(args ir.Object) (string, error) {
	if args == nil {
		args = ir.Object{}
	}
	data, err := ir.MarshalCanonical(args)
	if err != nil {
		return "", fmt.Errorf("marshal args: %w", err)
	}
	return string(data), nil
}

// unmarshalValue parses stored JSON TEXT. Integers keep full int64
// precision.
func unmarshalValue(data string) (ir.Value, error) {
	if data == "" {
		return ir.Null{}, nil
	}
	v, err := ir.UnmarshalValue([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return v, nil
}

func unmarshalArgs(data string) (ir.Object, error) {
	if data == "" || data == "{}" {
		return ir.Object{}, nil
	}
	var obj ir.Object
	if err := json.Unmarshal([]byte(data), &obj); err != nil {
		return nil, fmt.Errorf("unmarshal args: %w", err)
	}
	return obj, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

type scanner interface {
	Scan(dest ...any) error
}

const entryColumns = `guid, seq, operation, app_context, tree_name, tree_url, node_identifier, value, args, state, mimic_of`

// scanEntry reads one row selected with entryColumns.
func scanEntry(row scanner) (ir.JournalEntry, error) {
	var (
		e           ir.JournalEntry
		op, state   string
		value, args string
		mimicOf     sql.NullString
	)
	err := row.Scan(
		&e.Record.GUID,
		&e.Seq,
		&op,
		&e.Record.AppContext,
		&e.Record.TreeName,
		&e.TreeURL,
		&e.Record.NodeIdentifier,
		&value,
		&args,
		&state,
		&mimicOf,
	)
	if err != nil {
		return ir.JournalEntry{}, err
	}

	e.Record.Operation = ir.Operation(op)
	e.State = ir.TransformState(state)
	e.MimicOf = mimicOf.String

	if e.Record.Value, err = unmarshalValue(value); err != nil {
		return ir.JournalEntry{}, fmt.Errorf("transform %s: %w", e.Record.GUID, err)
	}
	if e.Record.Args, err = unmarshalArgs(args); err != nil {
		return ir.JournalEntry{}, fmt.Errorf("transform %s: %w", e.Record.GUID, err)
	}
	return e, nil
}

// collectEntries drains rows into a non-nil slice.
func collectEntries(rows *sql.Rows) ([]ir.JournalEntry, error) {
	defer rows.Close()

	entries := []ir.JournalEntry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transform: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transforms: %w", err)
	}
	return entries, nil
}
