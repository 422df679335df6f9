package adapter

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/cts/internal/engine"
	"github.com/roach88/cts/internal/ir"
)

// Node kinds produced by the doc adapter.
const (
	KindObject = "object"
	KindArray  = "array"
	KindValue  = "value"
)

// DocKind is the tree kind Doc realizes.
const DocKind = "doc"

// Option configures an adapter.
type Option func(*config)

type config struct {
	baseDir   string
	committer *Committer
}

// WithBaseDir resolves relative tree URLs against dir.
func WithBaseDir(dir string) Option {
	return func(c *config) { c.baseDir = dir }
}

// WithCommitter routes commits through c. Without one, commits are
// accepted and dropped.
func WithCommitter(c *Committer) Option {
	return func(cfg *config) { cfg.committer = c }
}

func newConfig(opts []Option) config {
	var c config
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// Doc realizes JSON and YAML documents.
//
// Selectors are dotted paths below the selection root. A segment matches
// object keys by name, array items by zero-based position, and "*" matches
// every child. The empty selector selects the root.
type Doc struct {
	src       source
	committer *Committer
}

// NewDoc returns a doc adapter.
func NewDoc(opts ...Option) *Doc {
	c := newConfig(opts)
	return &Doc{src: source{baseDir: c.baseDir}, committer: c.committer}
}

// Kind implements engine.Adapter.
func (d *Doc) Kind() string { return DocKind }

// Load implements engine.Adapter.
func (d *Doc) Load(ctx context.Context, spec ir.TreeSpec) (*engine.Shape, error) {
	data, err := d.src.read(ctx, spec)
	if err != nil {
		return nil, err
	}
	root, err := parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", spec.Name, err)
	}
	if root == nil {
		return &engine.Shape{Kind: KindValue, Value: ir.Null{}}, nil
	}
	return docShape(root, "")
}

func docShape(n *yaml.Node, label string) (*engine.Shape, error) {
	n = resolveAlias(n)
	switch n.Kind {
	case yaml.MappingNode:
		s := &engine.Shape{Kind: KindObject, Label: label}
		for i := 0; i+1 < len(n.Content); i += 2 {
			key, val := n.Content[i].Value, n.Content[i+1]
			if key == relationsKey {
				specs, err := inlineRelations(val)
				if err != nil {
					return nil, err
				}
				s.Inline = append(s.Inline, specs...)
				continue
			}
			child, err := docShape(val, key)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", key, err)
			}
			s.Children = append(s.Children, child)
		}
		return s, nil

	case yaml.SequenceNode:
		s := &engine.Shape{Kind: KindArray, Label: label}
		for i, item := range n.Content {
			child, err := docShape(item, strconv.Itoa(i))
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			s.Children = append(s.Children, child)
		}
		return s, nil

	case yaml.ScalarNode:
		return &engine.Shape{Kind: KindValue, Label: label, Value: scalarValue(n)}, nil

	default:
		return nil, fmt.Errorf("unsupported YAML node kind %d", n.Kind)
	}
}

// Find implements engine.Adapter.
func (d *Doc) Find(v engine.View, root engine.NodeID, sel ir.SelectionSpec) ([]engine.NodeID, error) {
	if sel.Selector == "" {
		return []engine.NodeID{root}, nil
	}
	cur := []engine.NodeID{root}
	for _, seg := range strings.Split(sel.Selector, ".") {
		if seg == "" {
			return nil, fmt.Errorf("empty segment in selector %q", sel.Selector)
		}
		var next []engine.NodeID
		for _, id := range cur {
			next = append(next, docStep(v, id, seg)...)
		}
		cur = next
		if len(cur) == 0 {
			break
		}
	}
	return cur, nil
}

func docStep(v engine.View, id engine.NodeID, seg string) []engine.NodeID {
	kids := v.Children(id)
	if seg == "*" {
		return kids
	}
	if v.NodeKind(id) == KindArray {
		i, err := strconv.Atoi(seg)
		if err != nil || i < 0 || i >= len(kids) {
			return nil
		}
		return []engine.NodeID{kids[i]}
	}
	var out []engine.NodeID
	for _, c := range kids {
		if v.Label(c) == seg {
			out = append(out, c)
		}
	}
	return out
}

// NodeIdentifier implements engine.Identifier. Array items are named by
// their current position, so the identifier always resolves through Find.
func (d *Doc) NodeIdentifier(v engine.View, id engine.NodeID) string {
	var segs []string
	for cur := id; v.Parent(cur) != engine.NoNode; cur = v.Parent(cur) {
		parent := v.Parent(cur)
		if v.NodeKind(parent) == KindArray {
			segs = append(segs, strconv.Itoa(indexIn(v, parent, cur)))
		} else {
			segs = append(segs, v.Label(cur))
		}
	}
	for i, j := 0, len(segs)-1; i < j; i, j = i+1, j-1 {
		segs[i], segs[j] = segs[j], segs[i]
	}
	return strings.Join(segs, ".")
}

func indexIn(v engine.View, parent, child engine.NodeID) int {
	for i, c := range v.Children(parent) {
		if c == child {
			return i
		}
	}
	return -1
}

// CloneBegin implements engine.Adapter.
func (d *Doc) CloneBegin(_ context.Context, v engine.View, id engine.NodeID) (*engine.Shape, error) {
	return copyShape(v, id), nil
}

// copyShape describes the subtree at id as a shape.
func copyShape(v engine.View, id engine.NodeID) *engine.Shape {
	s := &engine.Shape{
		Kind:  v.NodeKind(id),
		Label: v.Label(id),
		Value: v.Value(id),
		Attrs: v.Attrs(id),
	}
	for _, c := range v.Children(id) {
		s.Children = append(s.Children, copyShape(v, c))
	}
	return s
}

// SetValue implements engine.Adapter. Only scalars can be stored; the
// structure of objects and arrays changes through transforms.
func (d *Doc) SetValue(v engine.View, id engine.NodeID, val ir.Value) (ir.Value, error) {
	switch val.(type) {
	case ir.Array, ir.Object:
		return nil, fmt.Errorf("doc nodes hold scalars, got %T", val)
	}
	return val, nil
}

// Commit implements engine.Adapter.
func (d *Doc) Commit(ctx context.Context, t *engine.Transform) error {
	return d.committer.Commit(ctx, t)
}

// Value reconstructs the document value of the subtree at id: objects
// and arrays from their children, scalars from the node value.
func (d *Doc) Value(v engine.View, id engine.NodeID) ir.Value {
	switch v.NodeKind(id) {
	case KindObject:
		obj := ir.Object{}
		for _, c := range v.Children(id) {
			obj[v.Label(c)] = d.Value(v, c)
		}
		return obj
	case KindArray:
		kids := v.Children(id)
		arr := make(ir.Array, len(kids))
		for i, c := range kids {
			arr[i] = d.Value(v, c)
		}
		return arr
	default:
		return v.Value(id)
	}
}

// Render encodes the subtree at id as a document in format ("json" or
// "yaml"). YAML output keeps key order; JSON output sorts keys.
func (d *Doc) Render(v engine.View, id engine.NodeID, format string) ([]byte, error) {
	return encode(d.yamlNode(v, id), d.Value(v, id), format)
}

func (d *Doc) yamlNode(v engine.View, id engine.NodeID) *yaml.Node {
	switch v.NodeKind(id) {
	case KindObject:
		n := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
		for _, c := range v.Children(id) {
			key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: v.Label(c)}
			n.Content = append(n.Content, key, d.yamlNode(v, c))
		}
		return n
	case KindArray:
		n := &yaml.Node{Kind: yaml.SequenceNode, Tag: "!!seq"}
		for _, c := range v.Children(id) {
			n.Content = append(n.Content, d.yamlNode(v, c))
		}
		return n
	default:
		return scalarNode(v.Value(id))
	}
}
