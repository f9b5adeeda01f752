package vector

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomVec(r *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = r.Float32()
	}
	return v
}

func TestAddRejectsDimMismatch(t *testing.T) {
	idx := New(DefaultParams(4, Cosine))
	err := idx.Add("p1", []float32{1, 2, 3})
	assert.Error(t, err)
}

func TestSearchFindsExactMatch(t *testing.T) {
	idx := New(DefaultParams(3, L2))
	require.NoError(t, idx.Add("a", []float32{1, 0, 0}))
	require.NoError(t, idx.Add("b", []float32{0, 1, 0}))
	require.NoError(t, idx.Add("c", []float32{0, 0, 1}))

	results, err := idx.Search([]float32{1, 0, 0}, 1, 50)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].PK)
}

func TestSearchIsDeterministicAcrossRuns(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	vectors := make(map[string][]float32)
	for i := 0; i < 30; i++ {
		vectors[string(rune('a'+i))] = randomVec(r, 8)
	}
	query := randomVec(r, 8)

	build := func() []Result {
		idx := New(DefaultParams(8, Cosine))
		for i := 0; i < 30; i++ {
			pk := string(rune('a' + i))
			require.NoError(t, idx.Add(pk, vectors[pk]))
		}
		res, err := idx.Search(query, 5, 50)
		require.NoError(t, err)
		return res
	}

	first := build()
	second := build()
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].PK, second[i].PK)
	}
}

func TestDeleteTombstonesAndExcludesFromSearch(t *testing.T) {
	idx := New(DefaultParams(3, L2))
	require.NoError(t, idx.Add("a", []float32{1, 0, 0}))
	require.NoError(t, idx.Add("b", []float32{0, 1, 0}))

	assert.True(t, idx.Delete("a"))
	assert.False(t, idx.Delete("a")) // already tombstoned

	results, err := idx.Search([]float32{1, 0, 0}, 2, 50)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "a", r.PK)
	}
	assert.Greater(t, idx.TombstoneFraction(), 0.0)
}

func TestSearchPrefilteredRespectsAllowedSet(t *testing.T) {
	idx := New(DefaultParams(2, L2))
	for i := 0; i < 10; i++ {
		idx.Add(string(rune('a'+i)), []float32{float32(i), float32(i)})
	}
	allowed := map[string]struct{}{"a": {}, "b": {}}

	results, err := idx.SearchPrefiltered([]float32{0, 0}, 5, 50, allowed, 3)
	require.NoError(t, err)
	for _, r := range results {
		_, ok := allowed[r.PK]
		assert.True(t, ok)
	}
}

func TestRebuildDropsTombstones(t *testing.T) {
	idx := New(DefaultParams(2, L2))
	idx.Add("a", []float32{0, 0})
	idx.Add("b", []float32{1, 1})
	idx.Delete("a")

	fresh := idx.Rebuild()
	assert.Equal(t, 0.0, fresh.TombstoneFraction())
	results, err := fresh.Search([]float32{0, 0}, 2, 50)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "a", r.PK)
	}
}
