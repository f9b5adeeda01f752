package keyschema

import (
	"bytes"
	"math"
	"math/rand"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeIntOrderPreserving(t *testing.T) {
	values := []int64{math.MinInt64, -1 << 40, -1000, -1, 0, 1, 1000, 1 << 40, math.MaxInt64}
	encoded := make([][]byte, len(values))
	for i, v := range values {
		encoded[i] = EncodeInt(v)
	}
	for i := 1; i < len(encoded); i++ {
		assert.Truef(t, bytes.Compare(encoded[i-1], encoded[i]) < 0,
			"expected Encode(%d) < Encode(%d)", values[i-1], values[i])
	}
	for _, v := range values {
		require.Equal(t, v, DecodeInt(EncodeInt(v)))
	}
}

func TestEncodeIntFuzzOrdering(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	values := make([]int64, 200)
	for i := range values {
		values[i] = r.Int63() - (1 << 62)
	}
	sorted := append([]int64(nil), values...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	byEncoding := append([]int64(nil), values...)
	sort.Slice(byEncoding, func(i, j int) bool {
		return bytes.Compare(EncodeInt(byEncoding[i]), EncodeInt(byEncoding[j])) < 0
	})
	assert.Equal(t, sorted, byEncoding)
}

func TestEncodeFloatOrderPreserving(t *testing.T) {
	values := []float64{
		math.Inf(-1), -1e300, -1.5, -0.0, 0.0, 1.5, 1e300, math.Inf(1),
	}
	encoded := make([][]byte, len(values))
	for i, v := range values {
		encoded[i] = EncodeFloat(v)
	}
	for i := 1; i < len(encoded); i++ {
		assert.Truef(t, bytes.Compare(encoded[i-1], encoded[i]) <= 0,
			"expected Encode(%v) <= Encode(%v)", values[i-1], values[i])
	}
}

func TestEncodeFloatSignedZeroEqual(t *testing.T) {
	assert.Equal(t, EncodeFloat(0.0), EncodeFloat(math.Copysign(0, -1)))
}

func TestEncodeFloatNaNSortsLast(t *testing.T) {
	nanEnc := EncodeFloat(math.NaN())
	infEnc := EncodeFloat(math.Inf(1))
	assert.True(t, bytes.Compare(infEnc, nanEnc) <= 0)
}

func TestEscapeMarksSeparators(t *testing.T) {
	s := "a:b:c"
	escaped := Escape(s)
	assert.NotContains(t, escaped, string(rune(Separator))+"unescaped-marker")
	// An escaped separator is always preceded by the escape byte; a naive
	// split on Separator ignores that marker and still cuts the value, so
	// the key yields at least the four unescaped fields.
	parts := bytes.Split(Equality("t", "c", escaped, "pk1"), []byte{Separator})
	assert.True(t, len(parts) >= 4)
}

func TestKeyClassesAreDeterministic(t *testing.T) {
	k1 := Entity("users", "u1")
	k2 := Entity("users", "u1")
	assert.Equal(t, k1, k2)

	assert.True(t, bytes.HasPrefix(Equality("users", "city", "Berlin", "u1"), EqualityPrefix("users", "city", "Berlin")))
	assert.True(t, bytes.HasPrefix(GraphOut("a", "e1"), GraphOutPrefix("a")))
	assert.True(t, bytes.HasPrefix(GraphIn("b", "e1"), GraphInPrefix("b")))
	assert.True(t, bytes.HasPrefix(FulltextInverted("docs", "content", "deep", "d1"), FulltextInvertedPrefix("docs", "content", "deep")))
}

func TestChangefeedKeysOrderBySequence(t *testing.T) {
	k1 := Changefeed(1)
	k2 := Changefeed(2)
	k10 := Changefeed(10)
	assert.True(t, bytes.Compare(k1, k2) < 0)
	assert.True(t, bytes.Compare(k2, k10) < 0)
}
