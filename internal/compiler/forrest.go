package compiler

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/cts/internal/ir"
)

// CompileSource compiles a CUE document holding a top-level `forrest`
// block. filename is used for error positions and recorded on each tree
// as LoadedFrom so relative URLs resolve against it.
func CompileSource(src []byte, filename string) (*ir.ForrestSpec, error) {
	ctx := cuecontext.New()
	v := ctx.CompileBytes(src, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	fv := v.LookupPath(cue.ParsePath("forrest"))
	if !fv.Exists() {
		return nil, &CompileError{
			Field:   "forrest",
			Message: "no forrest block found",
			Pos:     v.Pos(),
		}
	}

	spec, err := CompileForrest(fv)
	if err != nil {
		return nil, err
	}
	for i := range spec.Trees {
		if spec.Trees[i].LoadedFrom == "" {
			spec.Trees[i].LoadedFrom = filename
		}
	}
	return spec, nil
}

// CompileForrest parses a CUE value into a ForrestSpec.
//
// The value is the forrest struct itself:
//
//	forrest: {
//		name: "shop"
//		trees: page: {kind: "doc", url: "page.yaml", throw_events: true}
//		relations: [{
//			kind: "is"
//			selection1: {tree: "page", selector: "title"}
//			selection2: {tree: "sheet", selector: "B1"}
//		}]
//	}
//
// Trees are keyed by name and keep their declaration order.
func CompileForrest(v cue.Value) (*ir.ForrestSpec, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	spec := &ir.ForrestSpec{
		Trees:     []ir.TreeSpec{},
		Relations: []ir.RelationSpec{},
	}

	var err error
	if spec.Name, err = optionalString(v, "name"); err != nil {
		return nil, err
	}

	treesVal := v.LookupPath(cue.ParsePath("trees"))
	if !treesVal.Exists() {
		return nil, &CompileError{
			Field:   "trees",
			Message: "trees are required",
			Pos:     v.Pos(),
		}
	}
	if spec.Trees, err = parseTrees(treesVal); err != nil {
		return nil, err
	}

	if relVal := v.LookupPath(cue.ParsePath("relations")); relVal.Exists() {
		if spec.Relations, err = parseRelations(relVal); err != nil {
			return nil, err
		}
	}

	if depVal := v.LookupPath(cue.ParsePath("dependencies")); depVal.Exists() {
		if spec.Dependencies, err = parseDependencies(depVal); err != nil {
			return nil, err
		}
	}

	return spec, nil
}

func parseTrees(v cue.Value) ([]ir.TreeSpec, error) {
	iter, err := v.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}

	trees := []ir.TreeSpec{}
	for iter.Next() {
		tv := iter.Value()
		tree := ir.TreeSpec{Name: strings.Trim(iter.Selector().String(), `"`)}

		fields := []struct {
			name string
			dst  *string
		}{
			{"kind", &tree.Kind},
			{"url", &tree.URL},
			{"source", &tree.Source},
			{"format", &tree.Format},
		}
		for _, fd := range fields {
			if *fd.dst, err = optionalString(tv, fd.name); err != nil {
				return nil, err
			}
		}

		flags := []struct {
			name string
			dst  *bool
		}{
			{"receive_events", &tree.ReceiveEvents},
			{"throw_events", &tree.ThrowEvents},
			{"commits", &tree.Commits},
			{"mock", &tree.Mock},
		}
		for _, fl := range flags {
			if *fl.dst, err = optionalBool(tv, fl.name); err != nil {
				return nil, err
			}
		}

		if tree.Kind == "" {
			return nil, &CompileError{
				Field:   fmt.Sprintf("trees.%s.kind", tree.Name),
				Message: "kind is required",
				Pos:     tv.Pos(),
			}
		}
		trees = append(trees, tree)
	}
	return trees, nil
}

func parseRelations(v cue.Value) ([]ir.RelationSpec, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	relations := []ir.RelationSpec{}
	for i := 0; iter.Next(); i++ {
		rv := iter.Value()
		field := fmt.Sprintf("relations[%d]", i)

		var rel ir.RelationSpec
		kind, err := optionalString(rv, "kind")
		if err != nil {
			return nil, err
		}
		if kind == "" {
			return nil, &CompileError{Field: field + ".kind", Message: "kind is required", Pos: rv.Pos()}
		}
		rel.Kind = ir.RelationKind(kind)

		if rel.ID, err = optionalString(rv, "id"); err != nil {
			return nil, err
		}
		if rel.Selection1, err = parseSelection(rv, "selection1", field); err != nil {
			return nil, err
		}
		if rel.Selection2, err = parseSelection(rv, "selection2", field); err != nil {
			return nil, err
		}
		if rel.Opts, err = optionalObject(rv, "opts"); err != nil {
			return nil, err
		}
		if rel.GraftOnly, err = optionalBool(rv, "graft_only"); err != nil {
			return nil, err
		}
		if rel.CreationOnly, err = optionalBool(rv, "creation_only"); err != nil {
			return nil, err
		}
		relations = append(relations, rel)
	}
	return relations, nil
}

// parseSelection accepts either a struct {tree, selector, props} or the
// shorthand string "tree" or "tree:selector".
func parseSelection(rv cue.Value, name, field string) (ir.SelectionSpec, error) {
	sv := rv.LookupPath(cue.ParsePath(name))
	if !sv.Exists() {
		return ir.SelectionSpec{}, &CompileError{
			Field:   field + "." + name,
			Message: name + " is required",
			Pos:     rv.Pos(),
		}
	}

	if s, err := sv.String(); err == nil {
		tree, selector, _ := strings.Cut(s, ":")
		return ir.SelectionSpec{TreeName: tree, Selector: selector}, nil
	}

	var sel ir.SelectionSpec
	var err error
	if sel.TreeName, err = optionalString(sv, "tree"); err != nil {
		return sel, err
	}
	if sel.Selector, err = optionalString(sv, "selector"); err != nil {
		return sel, err
	}
	if sel.Props, err = optionalObject(sv, "props"); err != nil {
		return sel, err
	}
	return sel, nil
}

func parseDependencies(v cue.Value) ([]ir.DependencySpec, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var deps []ir.DependencySpec
	for iter.Next() {
		dv := iter.Value()
		if url, err := dv.String(); err == nil {
			deps = append(deps, ir.DependencySpec{URL: url})
			continue
		}
		var dep ir.DependencySpec
		if dep.URL, err = optionalString(dv, "url"); err != nil {
			return nil, err
		}
		if dep.Kind, err = optionalString(dv, "kind"); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, nil
}

func optionalString(v cue.Value, name string) (string, error) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return "", nil
	}
	s, err := fv.String()
	if err != nil {
		return "", formatCUEError(err)
	}
	return s, nil
}

func optionalBool(v cue.Value, name string) (bool, error) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return false, nil
	}
	b, err := fv.Bool()
	if err != nil {
		return false, formatCUEError(err)
	}
	return b, nil
}

func optionalObject(v cue.Value, name string) (ir.Object, error) {
	fv := v.LookupPath(cue.ParsePath(name))
	if !fv.Exists() {
		return nil, nil
	}
	val, err := extractValue(fv, name)
	if err != nil {
		return nil, err
	}
	obj, ok := val.(ir.Object)
	if !ok {
		return nil, &CompileError{Field: name, Message: "must be a struct", Pos: fv.Pos()}
	}
	return obj, nil
}

// extractValue converts a concrete CUE value into an ir.Value.
// Floats are rejected; option bags and cell values are integers.
func extractValue(v cue.Value, field string) (ir.Value, error) {
	switch v.IncompleteKind() {
	case cue.NullKind:
		return ir.Null{}, nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Bool(b), nil
	case cue.IntKind:
		n, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Int(n), nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.String(s), nil
	case cue.ListKind:
		iter, err := v.List()
		if err != nil {
			return nil, formatCUEError(err)
		}
		arr := ir.Array{}
		for i := 0; iter.Next(); i++ {
			elem, err := extractValue(iter.Value(), fmt.Sprintf("%s[%d]", field, i))
			if err != nil {
				return nil, err
			}
			arr = append(arr, elem)
		}
		return arr, nil
	case cue.StructKind:
		iter, err := v.Fields()
		if err != nil {
			return nil, formatCUEError(err)
		}
		obj := ir.Object{}
		for iter.Next() {
			key := strings.Trim(iter.Selector().String(), `"`)
			elem, err := extractValue(iter.Value(), field+"."+key)
			if err != nil {
				return nil, err
			}
			obj[key] = elem
		}
		return obj, nil
	case cue.FloatKind, cue.NumberKind:
		return nil, &CompileError{
			Field:   field,
			Message: "float values are forbidden, use int instead",
			Pos:     v.Pos(),
		}
	default:
		return nil, &CompileError{
			Field:   field,
			Message: fmt.Sprintf("unsupported value kind: %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	first := errs[0]
	if positions := errors.Positions(first); len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: first.Error(),
			Pos:     positions[0],
		}
	}
	return err
}
