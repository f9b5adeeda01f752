// Package codec implements ThemisDB's canonical Value encoding: a
// tagged union (spec.md §3) with a deterministic byte representation
// used both for primary entity storage and for order-preserving range
// index keys (spec.md §4.2). JSON is deliberately not used here — it is
// reserved for the changefeed event envelope and index metadata
// documents, never for the canonical bytes a round-trip test compares.
package codec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"sort"
)

// Kind discriminates a Value's payload.
type Kind byte

const (
	KindNull Kind = iota
	KindBool
	KindInt64
	KindFloat64
	KindString
	KindBytes
	KindArray
	KindObject
	KindGeometry
	KindVector
)

// Value is the tagged union every Entity field holds.
type Value struct {
	Kind     Kind
	Bool     bool
	Int64    int64
	Float64  float64
	String   string
	Bytes    []byte
	Array    []Value
	Object   map[string]Value
	Geometry GeoJSON
	Vector   []float32
}

// GeoJSON is a minimal GeoJSON geometry carrier; only the subset needed
// by the spatial index (Point, Polygon, bounding-box derivation) is
// modeled. Coordinates follow [lon, lat] GeoJSON order.
type GeoJSON struct {
	Type        string    `json:"type"`
	Coordinates []float64 `json:"coordinates,omitempty"`
	// Polygon/MultiPoint rings; empty for Point.
	Rings [][][2]float64 `json:"-"`
}

func Null() Value                      { return Value{Kind: KindNull} }
func FromBool(b bool) Value            { return Value{Kind: KindBool, Bool: b} }
func FromInt64(i int64) Value          { return Value{Kind: KindInt64, Int64: i} }
func FromFloat64(f float64) Value      { return Value{Kind: KindFloat64, Float64: f} }
func FromString(s string) Value        { return Value{Kind: KindString, String: s} }
func FromBytes(b []byte) Value         { return Value{Kind: KindBytes, Bytes: b} }
func FromArray(a []Value) Value        { return Value{Kind: KindArray, Array: a} }
func FromObject(o map[string]Value) Value { return Value{Kind: KindObject, Object: o} }
func FromGeometry(g GeoJSON) Value     { return Value{Kind: KindGeometry, Geometry: g} }
func FromVector(v []float32) Value     { return Value{Kind: KindVector, Vector: v} }

// Encode produces the canonical byte representation of v. The encoding
// is self-describing (kind-tagged) so Decode is always total for bytes
// produced by Encode, and two equal values always produce identical
// bytes (the round-trip / hashing invariant in spec.md §8).
func Encode(v Value) []byte {
	var buf bytes.Buffer
	encodeInto(&buf, v)
	return buf.Bytes()
}

func encodeInto(buf *bytes.Buffer, v Value) {
	buf.WriteByte(byte(v.Kind))
	switch v.Kind {
	case KindNull:
	case KindBool:
		if v.Bool {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindInt64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], uint64(v.Int64))
		buf.Write(b[:])
	case KindFloat64:
		var b [8]byte
		binary.BigEndian.PutUint64(b[:], math.Float64bits(v.Float64))
		buf.Write(b[:])
	case KindString:
		writeLenPrefixed(buf, []byte(v.String))
	case KindBytes:
		writeLenPrefixed(buf, v.Bytes)
	case KindArray:
		writeVarint(buf, int64(len(v.Array)))
		for _, item := range v.Array {
			encodeInto(buf, item)
		}
	case KindObject:
		keys := make([]string, 0, len(v.Object))
		for k := range v.Object {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		writeVarint(buf, int64(len(keys)))
		for _, k := range keys {
			writeLenPrefixed(buf, []byte(k))
			encodeInto(buf, v.Object[k])
		}
	case KindGeometry:
		writeLenPrefixed(buf, []byte(v.Geometry.Type))
		writeVarint(buf, int64(len(v.Geometry.Coordinates)))
		for _, c := range v.Geometry.Coordinates {
			var b [8]byte
			binary.BigEndian.PutUint64(b[:], math.Float64bits(c))
			buf.Write(b[:])
		}
		writeVarint(buf, int64(len(v.Geometry.Rings)))
		for _, ring := range v.Geometry.Rings {
			writeVarint(buf, int64(len(ring)))
			for _, pt := range ring {
				var b [16]byte
				binary.BigEndian.PutUint64(b[0:8], math.Float64bits(pt[0]))
				binary.BigEndian.PutUint64(b[8:16], math.Float64bits(pt[1]))
				buf.Write(b[:])
			}
		}
	case KindVector:
		writeVarint(buf, int64(len(v.Vector)))
		for _, f := range v.Vector {
			var b [4]byte
			binary.BigEndian.PutUint32(b[:], math.Float32bits(f))
			buf.Write(b[:])
		}
	}
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	writeVarint(buf, int64(len(b)))
	buf.Write(b)
}

func writeVarint(buf *bytes.Buffer, n int64) {
	var tmp [binary.MaxVarintLen64]byte
	l := binary.PutVarint(tmp[:], n)
	buf.Write(tmp[:l])
}

// Decode parses bytes produced by Encode. It is total over well-formed
// input; malformed input returns an error rather than panicking.
func Decode(b []byte) (Value, error) {
	r := bytes.NewReader(b)
	v, err := decodeFrom(r)
	if err != nil {
		return Value{}, err
	}
	if r.Len() != 0 {
		return Value{}, fmt.Errorf("codec: %d trailing bytes after value", r.Len())
	}
	return v, nil
}

func decodeFrom(r *bytes.Reader) (Value, error) {
	kindByte, err := r.ReadByte()
	if err != nil {
		return Value{}, err
	}
	kind := Kind(kindByte)
	switch kind {
	case KindNull:
		return Value{Kind: KindNull}, nil
	case KindBool:
		b, err := r.ReadByte()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindBool, Bool: b != 0}, nil
	case KindInt64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Value{}, err
		}
		return Value{Kind: KindInt64, Int64: int64(binary.BigEndian.Uint64(b[:]))}, nil
	case KindFloat64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return Value{}, err
		}
		return Value{Kind: KindFloat64, Float64: math.Float64frombits(binary.BigEndian.Uint64(b[:]))}, nil
	case KindString:
		s, err := readLenPrefixed(r)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindString, String: string(s)}, nil
	case KindBytes:
		b, err := readLenPrefixed(r)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindBytes, Bytes: b}, nil
	case KindArray:
		n, err := binary.ReadVarint(r)
		if err != nil {
			return Value{}, err
		}
		arr := make([]Value, 0, n)
		for i := int64(0); i < n; i++ {
			item, err := decodeFrom(r)
			if err != nil {
				return Value{}, err
			}
			arr = append(arr, item)
		}
		return Value{Kind: KindArray, Array: arr}, nil
	case KindObject:
		n, err := binary.ReadVarint(r)
		if err != nil {
			return Value{}, err
		}
		obj := make(map[string]Value, n)
		for i := int64(0); i < n; i++ {
			k, err := readLenPrefixed(r)
			if err != nil {
				return Value{}, err
			}
			v, err := decodeFrom(r)
			if err != nil {
				return Value{}, err
			}
			obj[string(k)] = v
		}
		return Value{Kind: KindObject, Object: obj}, nil
	case KindGeometry:
		typ, err := readLenPrefixed(r)
		if err != nil {
			return Value{}, err
		}
		n, err := binary.ReadVarint(r)
		if err != nil {
			return Value{}, err
		}
		coords := make([]float64, 0, n)
		for i := int64(0); i < n; i++ {
			var b [8]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return Value{}, err
			}
			coords = append(coords, math.Float64frombits(binary.BigEndian.Uint64(b[:])))
		}
		nr, err := binary.ReadVarint(r)
		if err != nil {
			return Value{}, err
		}
		rings := make([][][2]float64, 0, nr)
		for i := int64(0); i < nr; i++ {
			np, err := binary.ReadVarint(r)
			if err != nil {
				return Value{}, err
			}
			ring := make([][2]float64, 0, np)
			for j := int64(0); j < np; j++ {
				var b [16]byte
				if _, err := io.ReadFull(r, b[:]); err != nil {
					return Value{}, err
				}
				ring = append(ring, [2]float64{
					math.Float64frombits(binary.BigEndian.Uint64(b[0:8])),
					math.Float64frombits(binary.BigEndian.Uint64(b[8:16])),
				})
			}
			rings = append(rings, ring)
		}
		return Value{Kind: KindGeometry, Geometry: GeoJSON{Type: string(typ), Coordinates: coords, Rings: rings}}, nil
	case KindVector:
		n, err := binary.ReadVarint(r)
		if err != nil {
			return Value{}, err
		}
		vec := make([]float32, 0, n)
		for i := int64(0); i < n; i++ {
			var b [4]byte
			if _, err := io.ReadFull(r, b[:]); err != nil {
				return Value{}, err
			}
			vec = append(vec, math.Float32frombits(binary.BigEndian.Uint32(b[:])))
		}
		return Value{Kind: KindVector, Vector: vec}, nil
	default:
		return Value{}, fmt.Errorf("codec: unknown kind byte %d", kindByte)
	}
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadVarint(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, b); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// Equal reports deep equality by comparing canonical encodings.
func Equal(a, b Value) bool {
	return bytes.Equal(Encode(a), Encode(b))
}
