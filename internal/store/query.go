package store

import (
	"context"
	"fmt"

	"github.com/roach88/cts/internal/ir"
	"github.com/roach88/cts/internal/queryir"
	"github.com/roach88/cts/internal/querysql"
)

// Query runs a journal query and returns one object per row, keyed by
// the query's bound variable names. bound supplies values for
// BoundEquals predicates.
//
// value and args columns are decoded back into IR values; every other
// column comes back as a scalar.
func (s *Store) Query(ctx context.Context, q queryir.Query, bound map[string]ir.Value) ([]ir.Object, error) {
	compiler := querysql.NewSQLCompiler()
	for k, v := range bound {
		compiler.BoundValues[k] = v
	}

	sqlText, params, err := compiler.Compile(q)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("query columns: %w", err)
	}
	encoded := encodedAliases(q)

	results := []ir.Object{}
	for rows.Next() {
		raw := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		obj := make(ir.Object, len(cols))
		for i, col := range cols {
			v, err := columnValue(raw[i], encoded[col])
			if err != nil {
				return nil, fmt.Errorf("column %s: %w", col, err)
			}
			obj[col] = v
		}
		results = append(results, obj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return results, nil
}

// encodedAliases returns the output names that carry canonical JSON.
func encodedAliases(q queryir.Query) map[string]bool {
	out := map[string]bool{}
	sel := func(s queryir.Select) {
		if s.From != queryir.TableTransforms {
			return
		}
		if len(s.Bindings) == 0 {
			out["value"], out["args"] = true, true
			return
		}
		for src, alias := range s.Bindings {
			if src == "value" || src == "args" {
				out[alias] = true
			}
		}
	}
	switch query := q.(type) {
	case queryir.Select:
		sel(query)
	case *queryir.Select:
		sel(*query)
	case queryir.Join:
		sel(selectOf(query.Left))
		sel(selectOf(query.Right))
	case *queryir.Join:
		sel(selectOf(query.Left))
		sel(selectOf(query.Right))
	}
	return out
}

func selectOf(q queryir.Query) queryir.Select {
	switch query := q.(type) {
	case queryir.Select:
		return query
	case *queryir.Select:
		return *query
	}
	return queryir.Select{}
}

func columnValue(raw any, encoded bool) (ir.Value, error) {
	if b, ok := raw.([]byte); ok {
		raw = string(b)
	}
	if s, ok := raw.(string); ok && encoded {
		return unmarshalValue(s)
	}
	return ir.FromAny(raw)
}
