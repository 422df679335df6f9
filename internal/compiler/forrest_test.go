package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/cts/internal/ir"
)

const shopForrest = `
forrest: {
	name: "shop"
	trees: {
		page: {kind: "doc", url: "page.yaml", throw_events: true, receive_events: true}
		sheet: {kind: "grid", format: "yaml", source: "[[Title, Hello]]", commits: true, mock: true}
		mirror: {kind: "doc", url: "alias(page)"}
	}
	relations: [{
		kind: "is"
		selection1: {tree: "page", selector: "title"}
		selection2: "sheet:B1"
	}, {
		kind: "are"
		id:   "items"
		selection1: {tree: "page", selector: "items", props: {prefix: 1, item: "random"}}
		selection2: {tree: "sheet", selector: "row:*"}
		opts: {mod: 2, tags: ["a", true, null]}
		graft_only: true
	}]
	dependencies: ["lib.js", {url: "style.css", kind: "css"}]
}
`

func TestCompileSource(t *testing.T) {
	spec, err := CompileSource([]byte(shopForrest), "shop.cue")
	require.NoError(t, err)

	assert.Equal(t, "shop", spec.Name)
	require.Len(t, spec.Trees, 3)
	assert.Equal(t, ir.TreeSpec{
		Name:          "page",
		Kind:          "doc",
		URL:           "page.yaml",
		ThrowEvents:   true,
		ReceiveEvents: true,
		LoadedFrom:    "shop.cue",
	}, spec.Trees[0])
	assert.Equal(t, ir.TreeSpec{
		Name:       "sheet",
		Kind:       "grid",
		Format:     "yaml",
		Source:     "[[Title, Hello]]",
		Commits:    true,
		Mock:       true,
		LoadedFrom: "shop.cue",
	}, spec.Trees[1])
	assert.Equal(t, "mirror", spec.Trees[2].Name)

	require.Len(t, spec.Relations, 2)
	is := spec.Relations[0]
	assert.Equal(t, ir.KindIs, is.Kind)
	assert.Empty(t, is.ID, "ids are assigned when the forrest loads")
	assert.Equal(t, ir.SelectionSpec{TreeName: "page", Selector: "title"}, is.Selection1)
	assert.Equal(t, ir.SelectionSpec{TreeName: "sheet", Selector: "B1"}, is.Selection2, "shorthand selection")

	are := spec.Relations[1]
	assert.Equal(t, "items", are.ID)
	assert.True(t, are.GraftOnly)
	assert.False(t, are.CreationOnly)
	assert.True(t, ir.Equal(
		ir.NewObject(ir.O("prefix", ir.Int(1)), ir.O("item", ir.String("random"))),
		are.Selection1.Props))
	assert.True(t, ir.Equal(
		ir.NewObject(
			ir.O("mod", ir.Int(2)),
			ir.O("tags", ir.Array{ir.String("a"), ir.Bool(true), ir.Null{}}),
		),
		are.Opts))

	assert.Equal(t, []ir.DependencySpec{
		{URL: "lib.js"},
		{URL: "style.css", Kind: "css"},
	}, spec.Dependencies)

	assert.Empty(t, Validate(spec))
}

func TestCompileSource_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		err  string
	}{
		{"no forrest", `other: {}`, "no forrest block found"},
		{"no trees", `forrest: {name: "x"}`, "trees are required"},
		{"tree without kind", `forrest: trees: page: {url: "p.yaml"}`, "kind is required"},
		{"relation without kind", `forrest: {
			trees: page: {kind: "doc", source: "{}"}
			relations: [{selection1: "page", selection2: "page"}]
		}`, "relations[0].kind: kind is required"},
		{"missing selection", `forrest: {
			trees: page: {kind: "doc", source: "{}"}
			relations: [{kind: "is", selection1: "page"}]
		}`, "selection2 is required"},
		{"float prop", `forrest: {
			trees: page: {kind: "doc", source: "{}"}
			relations: [{kind: "are", selection1: {tree: "page", props: {limit: 1.5}}, selection2: "page"}]
		}`, "float values are forbidden"},
		{"wrong type", `forrest: trees: page: {kind: 3}`, "string"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CompileSource([]byte(tt.src), "bad.cue")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestCompileSource_SyntaxErrorHasPosition(t *testing.T) {
	_, err := CompileSource([]byte("forrest: {\n\ttrees: \n"), "broken.cue")
	require.Error(t, err)

	var ce *CompileError
	require.ErrorAs(t, err, &ce)
	assert.True(t, ce.Pos.IsValid())
	assert.Contains(t, err.Error(), "broken.cue:")
}

func TestCompileError_Format(t *testing.T) {
	err := &CompileError{Field: "trees", Message: "trees are required"}
	assert.Equal(t, "trees: trees are required", err.Error())
}
