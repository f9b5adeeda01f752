package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func roundTrip(t *testing.T, v Value) Value {
	t.Helper()
	b := Encode(v)
	got, err := Decode(b)
	require.NoError(t, err)
	return got
}

func TestRoundTripScalars(t *testing.T) {
	cases := []Value{
		Null(),
		FromBool(true),
		FromBool(false),
		FromInt64(-42),
		FromInt64(0),
		FromFloat64(3.14159),
		FromString("hello, äöü"),
		FromBytes([]byte{0, 1, 2, 255}),
		FromVector([]float32{0.1, -0.2, 3.0}),
	}
	for _, c := range cases {
		got := roundTrip(t, c)
		assert.True(t, Equal(c, got))
	}
}

func TestRoundTripComposite(t *testing.T) {
	v := FromObject(map[string]Value{
		"city":  FromString("Berlin"),
		"stars": FromInt64(4),
		"tags":  FromArray([]Value{FromString("a"), FromString("b")}),
	})
	got := roundTrip(t, v)
	assert.True(t, Equal(v, got))
}

func TestObjectEncodingIsKeyOrderIndependent(t *testing.T) {
	a := FromObject(map[string]Value{"a": FromInt64(1), "b": FromInt64(2)})
	b := FromObject(map[string]Value{"b": FromInt64(2), "a": FromInt64(1)})
	assert.Equal(t, Encode(a), Encode(b))
}

func TestGeometryRoundTrip(t *testing.T) {
	g := GeoJSON{
		Type:        "Point",
		Coordinates: []float64{13.405, 52.52},
	}
	v := FromGeometry(g)
	got := roundTrip(t, v)
	assert.Equal(t, g.Type, got.Geometry.Type)
	assert.Equal(t, g.Coordinates, got.Geometry.Coordinates)
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	b := append(Encode(FromInt64(1)), 0xFF)
	_, err := Decode(b)
	assert.Error(t, err)
}

func TestNotEqualDifferentKinds(t *testing.T) {
	assert.False(t, Equal(FromInt64(1), FromFloat64(1)))
}
