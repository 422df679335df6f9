package ir

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleRelation() RelationSpec {
	return RelationSpec{
		Kind:       KindAre,
		Selection1: SelectionSpec{TreeName: "page", Selector: "items", Props: Object{"prefix": Int(1)}},
		Selection2: SelectionSpec{TreeName: "sheet1", Selector: "row:*"},
	}
}

func TestHashWithDomain_Separation(t *testing.T) {
	data := []byte(`{"a":1}`)
	assert.NotEqual(t, hashWithDomain(DomainForrest, data), hashWithDomain(DomainRelation, data))
	assert.Len(t, hashWithDomain(DomainForrest, data), 64)
}

func TestRelationSpecID_Stable(t *testing.T) {
	id1, err := RelationSpecID(sampleRelation())
	require.NoError(t, err)
	id2, err := RelationSpecID(sampleRelation())
	require.NoError(t, err)

	assert.Equal(t, id1, id2)
	assert.True(t, strings.HasPrefix(id1, "rel-"))
}

func TestRelationSpecID_IgnoresExistingID(t *testing.T) {
	withID := sampleRelation()
	withID.ID = "custom"
	assert.Equal(t, MustRelationSpecID(sampleRelation()), MustRelationSpecID(withID))
}

func TestRelationSpecID_SensitiveToProps(t *testing.T) {
	other := sampleRelation()
	other.Selection1.Props = Object{"prefix": Int(2)}
	assert.NotEqual(t, MustRelationSpecID(sampleRelation()), MustRelationSpecID(other))
}

func TestSpecHash_ChangesWithTrees(t *testing.T) {
	spec := ForrestSpec{Trees: []TreeSpec{{Name: "page", Kind: "doc"}}}
	h1, err := SpecHash(spec)
	require.NoError(t, err)

	spec.Trees = append(spec.Trees, TreeSpec{Name: "sheet1", Kind: "grid"})
	h2, err := SpecHash(spec)
	require.NoError(t, err)

	assert.NotEqual(t, h1, h2)
}
