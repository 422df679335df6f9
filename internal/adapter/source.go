package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/roach88/cts/internal/ir"
)

// relationsKey holds inline relation declarations inside a document.
const relationsKey = "_relations"

// source reads tree documents. Concurrent loads of the same file share
// one read.
type source struct {
	baseDir string
	group   singleflight.Group
}

func (s *source) read(ctx context.Context, spec ir.TreeSpec) ([]byte, error) {
	if spec.Source != "" {
		return []byte(spec.Source), nil
	}
	if spec.URL == "" {
		return nil, fmt.Errorf("tree %s has neither url nor source", spec.Name)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := s.resolve(spec)
	v, err, shared := s.group.Do(path, func() (any, error) {
		return os.ReadFile(path)
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", spec.URL, err)
	}
	if shared {
		slog.Debug("document read shared", "tree", spec.Name, "path", path)
	}
	return v.([]byte), nil
}

func (s *source) resolve(spec ir.TreeSpec) string {
	return ResolvePath(spec, s.baseDir)
}

// ResolvePath maps a tree URL to a file path. Relative paths resolve
// against the declaring document, then baseDir.
func ResolvePath(spec ir.TreeSpec, baseDir string) string {
	path := strings.TrimPrefix(spec.URL, "file://")
	if filepath.IsAbs(path) {
		return path
	}
	if spec.LoadedFrom != "" {
		return filepath.Join(filepath.Dir(spec.LoadedFrom), path)
	}
	if baseDir != "" {
		return filepath.Join(baseDir, path)
	}
	return path
}

// parse decodes a JSON or YAML document. JSON is read through the YAML
// decoder so key order is kept either way. An empty document yields nil.
func parse(data []byte) (*yaml.Node, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if doc.Kind == 0 || len(doc.Content) == 0 {
		return nil, nil
	}
	return resolveAlias(doc.Content[0]), nil
}

func resolveAlias(n *yaml.Node) *yaml.Node {
	for n != nil && n.Kind == yaml.AliasNode {
		n = n.Alias
	}
	return n
}

// scalarValue converts a YAML scalar to a value. Floats and other
// non-integral numbers stay strings.
func scalarValue(n *yaml.Node) ir.Value {
	switch n.ShortTag() {
	case "!!null":
		return ir.Null{}
	case "!!bool":
		var b bool
		if err := n.Decode(&b); err == nil {
			return ir.Bool(b)
		}
	case "!!int":
		var i int64
		if err := n.Decode(&i); err == nil {
			return ir.Int(i)
		}
	}
	return ir.String(n.Value)
}

// inlineRelations decodes a _relations entry. The YAML tree is decoded
// generically, then through the JSON tags of ir.RelationSpec.
func inlineRelations(n *yaml.Node) ([]ir.RelationSpec, error) {
	var raw any
	if err := n.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%s: %w", relationsKey, err)
	}
	val, err := ir.FromAny(raw)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", relationsKey, err)
	}
	data, err := ir.MarshalValue(val)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", relationsKey, err)
	}
	var specs []ir.RelationSpec
	if err := json.Unmarshal(data, &specs); err != nil {
		return nil, fmt.Errorf("%s: %w", relationsKey, err)
	}
	for i := range specs {
		if specs[i].ID == "" {
			specs[i].ID = ir.MustRelationSpecID(specs[i])
		}
	}
	return specs, nil
}

// Format picks the output encoding for a tree: the spec's explicit
// format, else the URL extension, else YAML.
func Format(spec ir.TreeSpec) string {
	if spec.Format != "" {
		return spec.Format
	}
	if strings.EqualFold(filepath.Ext(spec.URL), ".json") {
		return "json"
	}
	return "yaml"
}

// encode renders a YAML node tree in the given format.
func encode(n *yaml.Node, val ir.Value, format string) ([]byte, error) {
	if format == "json" {
		out, err := ir.MarshalValue(val)
		if err != nil {
			return nil, err
		}
		return append(out, '\n'), nil
	}
	var b strings.Builder
	enc := yaml.NewEncoder(&b)
	enc.SetIndent(2)
	if err := enc.Encode(n); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// scalarNode renders a value as a YAML scalar.
func scalarNode(v ir.Value) *yaml.Node {
	n := &yaml.Node{Kind: yaml.ScalarNode}
	switch val := v.(type) {
	case nil, ir.Null:
		n.Tag, n.Value = "!!null", "null"
	case ir.Bool:
		n.Tag, n.Value = "!!bool", ir.Text(val)
	case ir.Int:
		n.Tag, n.Value = "!!int", ir.Text(val)
	default:
		n.Tag, n.Value = "!!str", ir.Text(val)
	}
	return n
}
