package spatial

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go.themisdb.dev/internal/codec"
)

func pointLeaf(pk string, x, y float64) Leaf {
	g := codec.GeoJSON{Type: "Point", Coordinates: []float64{x, y}}
	return Leaf{PK: pk, MBR: MBROf(g), Geo: g}
}

func TestBulkLoadThenIntersecting(t *testing.T) {
	var leaves []Leaf
	for i := 0; i < 50; i++ {
		leaves = append(leaves, pointLeaf(string(rune('a'+i%26)), float64(i), float64(i)))
	}
	tree := BulkLoad(leaves)
	require.NotNil(t, tree.Root)

	hits := tree.Intersecting(MBR{MinX: 0, MinY: 0, MaxX: 5, MaxY: 5}, nil)
	assert.NotEmpty(t, hits)
	for _, h := range hits {
		assert.True(t, h.MBR.Intersects(MBR{MinX: 0, MinY: 0, MaxX: 5, MaxY: 5}))
	}
}

func TestIncrementalInsertAndOverflowSplit(t *testing.T) {
	tree := NewTree()
	for i := 0; i < MaxEntries*3; i++ {
		tree.Insert(pointLeaf("p", float64(i), float64(i)))
	}
	hits := tree.Intersecting(MBR{MinX: -1, MinY: -1, MaxX: 1000, MaxY: 1000}, nil)
	assert.Len(t, hits, MaxEntries*3)
}

func TestWithinRequiresFullContainment(t *testing.T) {
	tree := NewTree()
	tree.Insert(pointLeaf("inside", 1, 1))
	tree.Insert(pointLeaf("outside", 100, 100))

	hits := tree.Within(MBR{MinX: 0, MinY: 0, MaxX: 10, MaxY: 10}, nil)
	require.Len(t, hits, 1)
	assert.Equal(t, "inside", hits[0].PK)
}

func TestDistanceEuclidean(t *testing.T) {
	assert.InDelta(t, 5.0, Distance(0, 0, 3, 4), 1e-9)
}
