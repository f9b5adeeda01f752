package plan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.themisdb.dev/internal/aql/ast"
	"go.themisdb.dev/internal/aql/parser"
)

func TestShouldMaterializeSingleRefInlines(t *testing.T) {
	q, err := parser.Parse(`WITH recent AS (FOR x IN events RETURN x) FOR r IN recent RETURN r`)
	require.NoError(t, err)
	usage := CountCTERefs(q, "recent")
	assert.Equal(t, 1, usage.RefCount)
	assert.False(t, ShouldMaterialize(usage))
}

func TestShouldMaterializeMultipleRefsMaterializes(t *testing.T) {
	q, err := parser.Parse(`WITH recent AS (FOR x IN events RETURN x) FOR a IN recent FILTER a.id == recent RETURN a`)
	require.NoError(t, err)
	usage := CountCTERefs(q, "recent")
	assert.GreaterOrEqual(t, usage.RefCount, 2)
	assert.True(t, ShouldMaterialize(usage))
}

func TestShouldMaterializeGroupedUsageMaterializes(t *testing.T) {
	q := &ast.Query{
		Clauses: []ast.Clause{
			{Collect: &ast.CollectClause{
				Aggregates: []ast.Aggregate{{Var: "total", Func: "SUM", Arg: &ast.Expr{Ident: strPtr("recent")}}},
			}},
		},
	}
	usage := CountCTERefs(q, "recent")
	assert.Equal(t, 1, usage.RefCount)
	assert.True(t, usage.UsedInGrouped)
	assert.True(t, ShouldMaterialize(usage))
}

func strPtr(s string) *string { return &s }

func TestChooseVectorGeoPlanPrefersSpatialWhenCandidatesSmall(t *testing.T) {
	spatialFirst, _ := ChooseVectorGeoPlan(VectorGeoStats{
		Dim:               128,
		K:                 10,
		SpatialCandidates: 50,
		LogN:              20,
		Overfetch:         2,
		PrefilterSize:     5,
		SpatialUniverse:   1000,
		CVecBase:          1,
		CIndexSpatial:     0.1,
		CSpatialEval:      1,
	})
	assert.True(t, spatialFirst)
}

func TestChooseVectorGeoPlanPrefersVectorWhenSpatialUniverseHuge(t *testing.T) {
	spatialFirst, _ := ChooseVectorGeoPlan(VectorGeoStats{
		Dim:               768,
		K:                 10,
		SpatialCandidates: 1_000_000,
		LogN:              20,
		Overfetch:         2,
		PrefilterSize:     900_000,
		SpatialUniverse:   1_000_000,
		CVecBase:          1,
		CIndexSpatial:     1,
		CSpatialEval:      1,
	})
	assert.False(t, spatialFirst)
}

func TestChooseContentGeoPlanSmallBBoxBoostsSpatial(t *testing.T) {
	assert.True(t, ChooseContentGeoPlan(ContentGeoStats{BBoxRatio: 0.005}))
}

func TestChooseContentGeoPlanPrefersIndexedSide(t *testing.T) {
	assert.True(t, ChooseContentGeoPlan(ContentGeoStats{BBoxRatio: 0.5, SpatialIndexed: true}))
	assert.False(t, ChooseContentGeoPlan(ContentGeoStats{BBoxRatio: 0.5, FulltextIndexed: true}))
}

func TestEstimateGraphGeoExpansionAndAbortThreshold(t *testing.T) {
	estimate := EstimateGraphGeoExpansion(50, 4)
	assert.Greater(t, estimate, float64(GraphGeoAbortThreshold))
}

func TestPickCheapestBreaksTiesOnSelectivity(t *testing.T) {
	n1 := &Node{Kind: IndexScan, IndexName: "a"}
	n2 := &Node{Kind: IndexScan, IndexName: "b"}
	picked := PickCheapest([]Candidate{
		{Node: n1, Cost: 10, IndexArity: 1},
		{Node: n2, Cost: 10, IndexArity: 2},
	})
	assert.Same(t, n2, picked)
}
