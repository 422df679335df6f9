package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cts/internal/ir"
)

func validForrest() *ir.ForrestSpec {
	return &ir.ForrestSpec{
		Name: "shop",
		Trees: []ir.TreeSpec{
			{Name: "page", Kind: "doc", URL: "page.yaml"},
			{Name: "sheet", Kind: "grid", Source: "[[a]]"},
		},
		Relations: []ir.RelationSpec{{
			Kind:       ir.KindIs,
			Selection1: ir.SelectionSpec{TreeName: "page", Selector: "title"},
			Selection2: ir.SelectionSpec{TreeName: "sheet", Selector: "B1"},
		}},
	}
}

func codes(errs []ValidationError) []string {
	out := make([]string, len(errs))
	for i, e := range errs {
		out[i] = e.Code
	}
	return out
}

func TestValidateForrestValid(t *testing.T) {
	assert.Empty(t, Validate(validForrest()))
	assert.Empty(t, Validate(*validForrest()), "by value")
}

func TestValidateUnsupportedType(t *testing.T) {
	errs := Validate("not a spec")
	require.Len(t, errs, 1)
	assert.Equal(t, ErrUnsupportedIRType, errs[0].Code)
}

func TestValidateForrest(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ir.ForrestSpec)
		code   string
		field  string
	}{
		{"empty tree name", func(s *ir.ForrestSpec) { s.Trees[0].Name = "" }, ErrTreeNameInvalid, "trees[0].name"},
		{"missing kind", func(s *ir.ForrestSpec) { s.Trees[1].Kind = "" }, ErrTreeKindMissing, "trees[1].kind"},
		{"duplicate tree", func(s *ir.ForrestSpec) { s.Trees[1].Name = "page" }, ErrDuplicateTree, "trees[1].name"},
		{"malformed alias", func(s *ir.ForrestSpec) { s.Trees[0].URL = "alias()" }, ErrMalformedAlias, "trees[0].url"},
		{"unknown alias target", func(s *ir.ForrestSpec) { s.Trees[0].URL = "alias(nope)" }, ErrUnknownAliasTarget, "trees[0].url"},
		{"bad format", func(s *ir.ForrestSpec) { s.Trees[0].Format = "xml" }, ErrInvalidFormat, "trees[0].format"},
		{"no document", func(s *ir.ForrestSpec) { s.Trees[1].Source = "" }, ErrTreeNoDocument, "trees[1]"},
		{"unknown relation kind", func(s *ir.ForrestSpec) { s.Relations[0].Kind = "mirrors" }, ErrUnknownRelationKind, "relations[0].kind"},
		{"missing selection tree", func(s *ir.ForrestSpec) { s.Relations[0].Selection1.TreeName = "" }, ErrMissingSelection, "relations[0].selection1.tree"},
		{"negative limit", func(s *ir.ForrestSpec) {
			s.Relations[0].Selection2.Props = ir.NewObject(ir.O("limit", ir.Int(-1)))
		}, ErrInvalidProp, "relations[0].selection2.props.limit"},
		{"string prefix", func(s *ir.ForrestSpec) {
			s.Relations[0].Opts = ir.NewObject(ir.O("prefix", ir.String("1")))
		}, ErrInvalidProp, "relations[0].opts.prefix"},
		{"bad item", func(s *ir.ForrestSpec) {
			s.Relations[0].Selection1.Props = ir.NewObject(ir.O("item", ir.String("first")))
		}, ErrInvalidProp, "relations[0].selection1.props.item"},
		{"duplicate relation id", func(s *ir.ForrestSpec) {
			s.Relations[0].ID = "r"
			s.Relations = append(s.Relations, s.Relations[0])
		}, ErrDuplicateRelationID, "relations[1].id"},
		{"dependency without url", func(s *ir.ForrestSpec) {
			s.Dependencies = []ir.DependencySpec{{Kind: "js"}}
		}, ErrDependencyNoURL, "dependencies[0].url"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := validForrest()
			tt.mutate(spec)

			errs := Validate(spec)
			require.Len(t, errs, 1, "got %v", errs)
			assert.Equal(t, tt.code, errs[0].Code)
			assert.Equal(t, tt.field, errs[0].Field)
		})
	}
}

func TestValidateItemAccepted(t *testing.T) {
	for _, item := range []ir.Value{ir.Int(0), ir.String("random"), ir.Null{}} {
		spec := validForrest()
		spec.Relations[0].Selection1.Props = ir.NewObject(ir.O("item", item), ir.O("custom", ir.String("x")))
		assert.Empty(t, Validate(spec), "item %v", item)
	}
}

func TestValidateAliasCycle(t *testing.T) {
	spec := validForrest()
	spec.Trees = append(spec.Trees,
		ir.TreeSpec{Name: "a", Kind: "doc", URL: "alias(b)"},
		ir.TreeSpec{Name: "b", Kind: "doc", URL: "alias(a)"},
		ir.TreeSpec{Name: "c", Kind: "doc", URL: "alias(c)"},
		ir.TreeSpec{Name: "d", Kind: "doc", URL: "alias(page)"},
	)

	errs := Validate(spec)
	require.Len(t, errs, 2, "got %v", errs)
	assert.Equal(t, []string{ErrAliasCycle, ErrAliasCycle}, codes(errs))
	assert.Equal(t, "trees[2].url", errs[0].Field)
	assert.Contains(t, errs[0].Message, "a → b → a")
	assert.Equal(t, "trees[4].url", errs[1].Field)
	assert.Contains(t, errs[1].Message, "c → c")
}

func TestValidateCollectsAllErrors(t *testing.T) {
	spec := validForrest()
	spec.Trees[0].Kind = ""
	spec.Trees[1].Source = ""
	spec.Relations[0].Kind = "nope"

	errs := Validate(spec)
	assert.ElementsMatch(t,
		[]string{ErrTreeKindMissing, ErrUnknownRelationKind, ErrTreeNoDocument},
		codes(errs))
}

func TestValidationErrorFormat(t *testing.T) {
	err := ValidationError{Field: "trees[0].kind", Message: "is required", Code: ErrTreeKindMissing}
	assert.Equal(t, "[E102] trees[0].kind: is required", err.Error())

	err.Line = 7
	assert.Equal(t, "[E102] line 7: trees[0].kind: is required", err.Error())
}
