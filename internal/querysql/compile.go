package querysql

import (
	"fmt"
	"sort"
	"strings"

	"github.com/roach88/cts/internal/ir"
	"github.com/roach88/cts/internal/queryir"
)

// orderKeys is the deterministic ORDER BY of each journal table.
var orderKeys = map[string][]string{
	queryir.TableTransforms:   {"seq ASC", "guid COLLATE BINARY ASC"},
	queryir.TableStateChanges: {"id ASC"},
}

// encodedColumns hold canonical JSON in the journal, so literals compared
// against them are encoded the same way.
var encodedColumns = map[string]bool{"value": true, "args": true}

// SQLCompiler compiles QueryIR to parameterized SQL for SQLite.
//
// Every query ends with a deterministic ORDER BY. Values are always
// parameters; identifiers are checked against the journal catalog before
// they are written into the statement.
type SQLCompiler struct {
	// BoundValues holds the values for BoundEquals predicates.
	BoundValues map[string]ir.Value
}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{
		BoundValues: make(map[string]ir.Value),
	}
}

// Compile converts a QueryIR query to parameterized SQL.
// Returns (sql, params, error).
func (c *SQLCompiler) Compile(q queryir.Query) (string, []any, error) {
	if q == nil {
		return "", nil, fmt.Errorf("cannot compile nil query")
	}
	if res := queryir.Validate(q); !res.Valid() {
		return "", nil, fmt.Errorf("invalid query: %s", strings.Join(res.Errors, "; "))
	}

	switch query := q.(type) {
	case queryir.Select:
		return c.compileSelect(query)
	case *queryir.Select:
		return c.compileSelect(*query)
	case queryir.Join:
		return c.compileJoin(query)
	case *queryir.Join:
		return c.compileJoin(*query)
	default:
		return "", nil, fmt.Errorf("unsupported query type: %T", q)
	}
}

func (c *SQLCompiler) compileSelect(q queryir.Select) (string, []any, error) {
	selectClause := compileBindings(q.Bindings, "")

	var whereClause string
	var params []any
	if q.Filter != nil {
		filterSQL, filterParams, err := c.compilePredicate(q.Filter, "", "")
		if err != nil {
			return "", nil, fmt.Errorf("compile filter: %w", err)
		}
		whereClause = " WHERE " + filterSQL
		params = filterParams
	}

	sql := fmt.Sprintf("SELECT %s FROM %s%s ORDER BY %s",
		selectClause,
		q.From,
		whereClause,
		stableOrderKey(q.From, ""))
	if q.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", q.Limit)
	}

	return sql, params, nil
}

// compileBindings converts bindings to a column list, qualified with
// table when set. Keys are sorted for deterministic output.
func compileBindings(bindings map[string]string, table string) string {
	if len(bindings) == 0 {
		if table != "" {
			return table + ".*"
		}
		return "*"
	}

	keys := make([]string, 0, len(bindings))
	for k := range bindings {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, sourceField := range keys {
		boundVar := bindings[sourceField]
		col := qualify(table, sourceField)
		if sourceField == boundVar && table == "" {
			parts = append(parts, col)
		} else {
			parts = append(parts, fmt.Sprintf("%s AS %s", col, quoteIdent(boundVar)))
		}
	}
	return strings.Join(parts, ", ")
}

// stableOrderKey returns the ORDER BY list for table.
func stableOrderKey(table, qualifier string) string {
	keys := orderKeys[table]
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = qualify(qualifier, k)
	}
	return strings.Join(parts, ", ")
}

// compilePredicate compiles p. Plain fields are qualified with left;
// FieldEquals right-hand fields with right.
func (c *SQLCompiler) compilePredicate(p queryir.Predicate, left, right string) (string, []any, error) {
	if p == nil {
		return "1 = 1", nil, nil
	}

	switch pred := p.(type) {
	case queryir.Equals:
		return compileEquals(pred, left)
	case *queryir.Equals:
		return compileEquals(*pred, left)
	case queryir.In:
		return compileIn(pred, left)
	case *queryir.In:
		return compileIn(*pred, left)
	case queryir.BoundEquals:
		return c.compileBoundEquals(pred, left)
	case *queryir.BoundEquals:
		return c.compileBoundEquals(*pred, left)
	case queryir.FieldEquals:
		return fmt.Sprintf("%s = %s", qualify(left, pred.Left), qualify(right, pred.Right)), nil, nil
	case *queryir.FieldEquals:
		return fmt.Sprintf("%s = %s", qualify(left, pred.Left), qualify(right, pred.Right)), nil, nil
	case queryir.And:
		return c.compileJunction(pred.Predicates, " AND ", "1 = 1", left, right)
	case *queryir.And:
		return c.compileJunction(pred.Predicates, " AND ", "1 = 1", left, right)
	case queryir.Or:
		return c.compileJunction(pred.Predicates, " OR ", "1 = 0", left, right)
	case *queryir.Or:
		return c.compileJunction(pred.Predicates, " OR ", "1 = 0", left, right)
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

func compileEquals(eq queryir.Equals, table string) (string, []any, error) {
	param, err := valueToParam(eq.Field, eq.Value)
	if err != nil {
		return "", nil, fmt.Errorf("convert value: %w", err)
	}
	return fmt.Sprintf("%s = ?", qualify(table, eq.Field)), []any{param}, nil
}

func compileIn(in queryir.In, table string) (string, []any, error) {
	if len(in.Values) == 0 {
		return "1 = 0", nil, nil
	}
	params := make([]any, len(in.Values))
	marks := make([]string, len(in.Values))
	for i, v := range in.Values {
		param, err := valueToParam(in.Field, v)
		if err != nil {
			return "", nil, fmt.Errorf("convert value: %w", err)
		}
		params[i] = param
		marks[i] = "?"
	}
	return fmt.Sprintf("%s IN (%s)", qualify(table, in.Field), strings.Join(marks, ", ")), params, nil
}

func (c *SQLCompiler) compileBoundEquals(beq queryir.BoundEquals, table string) (string, []any, error) {
	val, ok := c.BoundValues[beq.BoundVar]
	if !ok {
		return "", nil, fmt.Errorf("unbound variable %q", beq.BoundVar)
	}
	param, err := valueToParam(beq.Field, val)
	if err != nil {
		return "", nil, fmt.Errorf("convert bound %s: %w", beq.BoundVar, err)
	}
	return fmt.Sprintf("%s = ?", qualify(table, beq.Field)), []any{param}, nil
}

func (c *SQLCompiler) compileJunction(preds []queryir.Predicate, sep, empty, left, right string) (string, []any, error) {
	if len(preds) == 0 {
		return empty, nil, nil
	}

	sqlParts := make([]string, 0, len(preds))
	var allParams []any
	for _, pred := range preds {
		sql, params, err := c.compilePredicate(pred, left, right)
		if err != nil {
			return "", nil, err
		}
		if len(preds) > 1 {
			sql = "(" + sql + ")"
		}
		sqlParts = append(sqlParts, sql)
		allParams = append(allParams, params...)
	}
	return strings.Join(sqlParts, sep), allParams, nil
}

// compileJoin compiles a queryir.Join to SQL INNER JOIN. Side filters
// become WHERE conditions qualified with their table.
func (c *SQLCompiler) compileJoin(j queryir.Join) (string, []any, error) {
	left, _ := selectOf(j.Left)
	right, _ := selectOf(j.Right)
	if left.From == right.From {
		return "", nil, fmt.Errorf("self join on %s is not supported", left.From)
	}

	onSQL, params, err := c.compilePredicate(j.On, left.From, right.From)
	if err != nil {
		return "", nil, fmt.Errorf("compile join ON: %w", err)
	}

	var where []string
	for _, side := range []queryir.Select{left, right} {
		if side.Filter == nil {
			continue
		}
		sql, sideParams, err := c.compilePredicate(side.Filter, side.From, "")
		if err != nil {
			return "", nil, fmt.Errorf("compile %s filter: %w", side.From, err)
		}
		where = append(where, "("+sql+")")
		params = append(params, sideParams...)
	}

	sql := fmt.Sprintf("SELECT %s, %s FROM %s INNER JOIN %s ON %s",
		compileBindings(left.Bindings, left.From),
		compileBindings(right.Bindings, right.From),
		left.From,
		right.From,
		onSQL)
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY " + stableOrderKey(left.From, left.From) + ", " + stableOrderKey(right.From, right.From)
	if left.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", left.Limit)
	}

	return sql, params, nil
}

func selectOf(q queryir.Query) (queryir.Select, bool) {
	switch query := q.(type) {
	case queryir.Select:
		return query, true
	case *queryir.Select:
		return *query, true
	default:
		return queryir.Select{}, false
	}
}

func qualify(table, field string) string {
	if table == "" {
		return field
	}
	return table + "." + field
}

// quoteIdent quotes an alias. Aliases are caller-chosen, so they are
// never trusted as bare identifiers.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// valueToParam converts a literal to the parameter compared against field.
// Encoded columns take canonical JSON; other columns take scalars only.
func valueToParam(field string, v ir.Value) (any, error) {
	if encodedColumns[field] {
		data, err := ir.MarshalCanonical(v)
		if err != nil {
			return nil, err
		}
		return string(data), nil
	}
	switch val := v.(type) {
	case ir.String:
		return string(val), nil
	case ir.Int:
		return int64(val), nil
	case ir.Bool:
		return bool(val), nil
	case nil, ir.Null:
		return nil, nil
	default:
		return nil, fmt.Errorf("%T cannot be compared with column %s", v, field)
	}
}
