package adapter

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/cts/internal/engine"
	"github.com/roach88/cts/internal/ir"
)

// GridKind is the tree kind Grid realizes.
const GridKind = "grid"

// Node kinds produced by the grid adapter.
const (
	KindGrid = "grid"
	KindRow  = "row"
	KindCell = "cell"
)

var (
	cellRef  = regexp.MustCompile(`^([A-Z]+)([1-9][0-9]*)$`)
	rangeRef = regexp.MustCompile(`^([A-Z]+)([1-9][0-9]*):([A-Z]+)([1-9][0-9]*)$`)
	colRef   = regexp.MustCompile(`^[A-Z]+$`)
)

// Grid realizes tables of rows.
//
// A grid document is a sequence of rows, or a mapping whose "rows" key
// holds one. Each row is a sequence of scalar cells. Rows and cells are
// addressed by position:
//
//	row:*    every row
//	row:3    the third row
//	col:B    the B cell of every row
//	B3       one cell
//	A2:B5    a rectangle, row by row
//
// Selecting within a row, a bare column letter names its cell and "*"
// every cell.
type Grid struct {
	src       source
	committer *Committer
}

// NewGrid returns a grid adapter.
func NewGrid(opts ...Option) *Grid {
	c := newConfig(opts)
	return &Grid{src: source{baseDir: c.baseDir}, committer: c.committer}
}

// Kind implements engine.Adapter.
func (g *Grid) Kind() string { return GridKind }

// Load implements engine.Adapter.
func (g *Grid) Load(ctx context.Context, spec ir.TreeSpec) (*engine.Shape, error) {
	data, err := g.src.read(ctx, spec)
	if err != nil {
		return nil, err
	}
	root, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", spec.Name, err)
	}

	shape := &engine.Shape{Kind: KindGrid}
	if root == nil {
		return shape, nil
	}

	rows := root
	if root.Kind == yaml.MappingNode {
		rows = nil
		for i := 0; i+1 < len(root.Content); i += 2 {
			switch root.Content[i].Value {
			case "rows":
				rows = resolveAlias(root.Content[i+1])
			case relationsKey:
				specs, err := inlineRelations(root.Content[i+1])
				if err != nil {
					return nil, err
				}
				shape.Inline = append(shape.Inline, specs...)
			}
		}
		if rows == nil {
			return shape, nil
		}
	}
	if rows.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("grid %s: rows must be a sequence", spec.Name)
	}

	for r, rowNode := range rows.Content {
		row := &engine.Shape{Kind: KindRow, Label: strconv.Itoa(r + 1)}
		rowNode = resolveAlias(rowNode)
		cells := rowNode.Content
		if rowNode.Kind == yaml.ScalarNode {
			cells = []*yaml.Node{rowNode}
		} else if rowNode.Kind != yaml.SequenceNode {
			return nil, fmt.Errorf("grid %s: row %d must be a sequence of cells", spec.Name, r+1)
		}
		for c, cellNode := range cells {
			cellNode = resolveAlias(cellNode)
			if cellNode.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("grid %s: cell %s%d must be a scalar", spec.Name, ColumnName(c), r+1)
			}
			row.Children = append(row.Children, &engine.Shape{
				Kind:  KindCell,
				Label: ColumnName(c),
				Value: normalizeCell(scalarValue(cellNode)),
			})
		}
		shape.Children = append(shape.Children, row)
	}
	return shape, nil
}

// Find implements engine.Adapter.
func (g *Grid) Find(v engine.View, root engine.NodeID, sel ir.SelectionSpec) ([]engine.NodeID, error) {
	s := strings.TrimSpace(sel.Selector)
	if s == "" {
		return []engine.NodeID{root}, nil
	}

	switch v.NodeKind(root) {
	case KindRow:
		return findInRow(v, root, strings.ToUpper(s))
	case KindCell:
		return nil, fmt.Errorf("cannot select %q within a cell", s)
	}

	rows := v.Children(root)
	switch {
	case s == "row:*":
		return rows, nil

	case strings.HasPrefix(s, "row:"):
		n, err := strconv.Atoi(strings.TrimPrefix(s, "row:"))
		if err != nil {
			return nil, fmt.Errorf("bad row selector %q", s)
		}
		if n < 1 || n > len(rows) {
			return nil, nil
		}
		return []engine.NodeID{rows[n-1]}, nil

	case strings.HasPrefix(s, "col:"):
		col, ok := ColumnIndex(strings.ToUpper(strings.TrimPrefix(s, "col:")))
		if !ok {
			return nil, fmt.Errorf("bad column selector %q", s)
		}
		var out []engine.NodeID
		for _, r := range rows {
			if cells := v.Children(r); col < len(cells) {
				out = append(out, cells[col])
			}
		}
		return out, nil
	}

	upper := strings.ToUpper(s)
	if m := cellRef.FindStringSubmatch(upper); m != nil {
		return cellsIn(v, rows, m[1], m[2], m[1], m[2]), nil
	}
	if m := rangeRef.FindStringSubmatch(upper); m != nil {
		return cellsIn(v, rows, m[1], m[2], m[3], m[4]), nil
	}
	return nil, fmt.Errorf("unknown grid selector %q", s)
}

func findInRow(v engine.View, row engine.NodeID, s string) ([]engine.NodeID, error) {
	cells := v.Children(row)
	if s == "*" {
		return cells, nil
	}
	if !colRef.MatchString(s) {
		return nil, fmt.Errorf("unknown row selector %q", s)
	}
	col, ok := ColumnIndex(s)
	if !ok {
		return nil, fmt.Errorf("bad column %q", s)
	}
	if col >= len(cells) {
		return nil, nil
	}
	return []engine.NodeID{cells[col]}, nil
}

// cellsIn returns the cells of the rectangle between two references,
// row by row. Cells outside the grid are skipped.
func cellsIn(v engine.View, rows []engine.NodeID, c1, r1, c2, r2 string) []engine.NodeID {
	colA, okA := ColumnIndex(c1)
	colB, okB := ColumnIndex(c2)
	if !okA || !okB {
		return nil
	}
	rowA, _ := strconv.Atoi(r1)
	rowB, _ := strconv.Atoi(r2)
	colA, colB = min(colA, colB), max(colA, colB)
	rowA, rowB = min(rowA, rowB), max(rowA, rowB)

	var out []engine.NodeID
	for r := rowA; r <= rowB && r <= len(rows); r++ {
		cells := v.Children(rows[r-1])
		for c := colA; c <= colB && c < len(cells); c++ {
			out = append(out, cells[c])
		}
	}
	return out
}

// NodeIdentifier implements engine.Identifier: "" for the grid, row:N for
// rows and a cell reference for cells, all by current position.
func (g *Grid) NodeIdentifier(v engine.View, id engine.NodeID) string {
	switch v.NodeKind(id) {
	case KindRow:
		return fmt.Sprintf("row:%d", indexIn(v, v.Parent(id), id)+1)
	case KindCell:
		row := v.Parent(id)
		return fmt.Sprintf("%s%d", ColumnName(indexIn(v, row, id)), indexIn(v, v.Parent(row), row)+1)
	default:
		return ""
	}
}

// CloneBegin implements engine.Adapter.
func (g *Grid) CloneBegin(_ context.Context, v engine.View, id engine.NodeID) (*engine.Shape, error) {
	if v.NodeKind(id) == KindGrid {
		return nil, fmt.Errorf("cannot clone a whole grid: %w", engine.ErrCloneUnsupported)
	}
	return copyShape(v, id), nil
}

// SetValue implements engine.Adapter. Numeric strings become integers and
// TRUE/FALSE become booleans, the way a spreadsheet reads typed input.
func (g *Grid) SetValue(v engine.View, id engine.NodeID, val ir.Value) (ir.Value, error) {
	switch val.(type) {
	case ir.Array, ir.Object:
		return nil, fmt.Errorf("grid cells hold scalars, got %T", val)
	}
	return normalizeCell(val), nil
}

func normalizeCell(val ir.Value) ir.Value {
	s, ok := val.(ir.String)
	if !ok {
		return val
	}
	text := strings.TrimSpace(string(s))
	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		return ir.Int(n)
	}
	switch strings.ToUpper(text) {
	case "TRUE":
		return ir.Bool(true)
	case "FALSE":
		return ir.Bool(false)
	}
	return val
}

// Commit implements engine.Adapter.
func (g *Grid) Commit(ctx context.Context, t *engine.Transform) error {
	return g.committer.Commit(ctx, t)
}

// Value returns the grid at id as an array of rows of cell values. A row
// yields its cells and a cell its value.
func (g *Grid) Value(v engine.View, id engine.NodeID) ir.Value {
	switch v.NodeKind(id) {
	case KindGrid, KindRow:
		kids := v.Children(id)
		arr := make(ir.Array, len(kids))
		for i, c := range kids {
			arr[i] = g.Value(v, c)
		}
		return arr
	default:
		return v.Value(id)
	}
}

// Render encodes the subtree at id as a document in format.
func (g *Grid) Render(v engine.View, id engine.NodeID, format string) ([]byte, error) {
	return encode(g.yamlNode(v, id), g.Value(v, id), format)
}

func (g *Grid) yamlNode(v engine.View, id engine.NodeID) *yaml.Node {
	switch v.NodeKind(id) {
	case KindGrid, KindRow:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		if v.NodeKind(id) == KindRow {
			n.Style = yaml.FlowStyle
		}
		for _, c := range v.Children(id) {
			n.Content = append(n.Content, g.yamlNode(v, c))
		}
		return n
	default:
		return scalarNode(v.Value(id))
	}
}

// ColumnName returns the spreadsheet name of a zero-based column: A, B,
// ..., Z, AA, AB, ...
func ColumnName(i int) string {
	var b []byte
	for i++; i > 0; i = (i - 1) / 26 {
		b = append([]byte{byte('A' + (i-1)%26)}, b...)
	}
	return string(b)
}

// maxColumnLetters bounds column names so that their index fits an int.
const maxColumnLetters = 7

// ColumnIndex parses a column name back to its zero-based index. Names
// longer than seven letters are rejected.
func ColumnIndex(name string) (int, bool) {
	if name == "" || len(name) > maxColumnLetters {
		return 0, false
	}
	n := 0
	for _, r := range name {
		if r < 'A' || r > 'Z' {
			return 0, false
		}
		n = n*26 + int(r-'A'+1)
	}
	return n - 1, true
}
