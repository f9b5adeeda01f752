// Package keyschema implements the deterministic byte-string key
// encoding rules from spec.md §4.2 and the canonical key-class prefixes
// from spec.md §3. Every function here is pure: a key is a function of
// its logical identifiers, nothing else, which is what lets the Entity
// Store's reindex-from-scratch invariant hold.
package keyschema

import (
	"encoding/binary"
	"math"
	"strings"
)

// Separator is the reserved field delimiter; occurrences inside a field
// must be escaped with escapeByte before concatenation.
const Separator = ':'

const escapeByte = 0x01

// Escape replaces literal Separator bytes inside s with the escape byte
// followed by the separator, so splitting on an unescaped Separator is
// unambiguous.
func Escape(s string) string {
	if !strings.ContainsRune(s, Separator) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + 4)
	for _, r := range s {
		if r == Separator {
			b.WriteByte(escapeByte)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func join(parts ...string) []byte {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = Escape(p)
	}
	return []byte(strings.Join(escaped, string(Separator)))
}

// EncodeInt encodes a signed 64-bit integer into an order-preserving
// big-endian representation: flip the sign bit so two's-complement
// ordering becomes unsigned lexicographic ordering.
func EncodeInt(v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v)^(1<<63))
	return b[:]
}

// DecodeInt reverses EncodeInt.
func DecodeInt(b []byte) int64 {
	u := binary.BigEndian.Uint64(b)
	return int64(u ^ (1 << 63))
}

// EncodeFloat encodes an IEEE-754 float64 so that lexicographic byte
// order equals numeric order: for non-negative floats, flip the sign
// bit; for negative floats, flip every bit. NaNs with a clear sign bit
// (such as math.NaN()) sort after +Inf, since they occupy the highest
// positive bit patterns; NaNs with the sign bit set are bit-flipped like
// negative floats and sort before -Inf. Both signed zeros map to the
// identical encoded value.
func EncodeFloat(f float64) []byte {
	bits := math.Float64bits(f)
	if f == 0 {
		bits = 0 // collapse -0.0 and +0.0 to one encoding
	}
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bits)
	return b[:]
}

// DecodeFloat reverses EncodeFloat.
func DecodeFloat(b []byte) float64 {
	bits := binary.BigEndian.Uint64(b)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits)
}

// Entity builds the primary entity key: entity:{table}:{pk}
func Entity(table, pk string) []byte {
	return join("entity", table, pk)
}

// EntityTablePrefix returns the prefix enumerating every entity in table.
func EntityTablePrefix(table string) []byte {
	return append(join("entity", table), Separator)
}

// Equality builds an equality index key: idx:{table}:{col}:{encoded_val}:{pk}
func Equality(table, col, encodedVal, pk string) []byte {
	return join("idx", table, col, encodedVal, pk)
}

// EqualityPrefix returns the prefix for scanning all pks matching a value.
func EqualityPrefix(table, col, encodedVal string) []byte {
	return append(join("idx", table, col, encodedVal), Separator)
}

// Range builds a range index key: ridx:{table}:{col}:{order_preserving_val}:{pk}
// orderPreservingVal must already be an order-preserving byte encoding
// (EncodeInt/EncodeFloat or a raw UTF-8 string, which already sorts
// lexicographically).
func Range(table, col string, orderPreservingVal []byte, pk string) []byte {
	prefix := join("ridx", table, col)
	out := make([]byte, 0, len(prefix)+1+len(orderPreservingVal)+1+len(pk))
	out = append(out, prefix...)
	out = append(out, Separator)
	out = append(out, orderPreservingVal...)
	out = append(out, Separator)
	out = append(out, []byte(Escape(pk))...)
	return out
}

// RangeColPrefix returns the prefix enumerating every range-index entry
// for (table, col), used as the scan bound before applying encoded
// lower/upper bounds.
func RangeColPrefix(table, col string) []byte {
	return append(join("ridx", table, col), Separator)
}

// Composite builds a composite index key:
// cidx:{table}:{col1|col2|…}:{encoded_vals}:{pk}
func Composite(table string, cols []string, encodedVals []string, pk string) []byte {
	colsJoined := strings.Join(cols, "|")
	valsJoined := strings.Join(encodedVals, "|")
	return join("cidx", table, colsJoined, valsJoined, pk)
}

// CompositePrefix builds a progressive prefix over the first len(vals)
// columns of a composite index, for conjunctive queries that only bind
// a leading subset of the declared columns.
func CompositePrefix(table string, cols []string, vals []string) []byte {
	colsJoined := strings.Join(cols, "|")
	valsJoined := strings.Join(vals, "|")
	return append(join("cidx", table, colsJoined, valsJoined), Separator)
}

// Sparse builds a sparse index key: sidx:{table}:{col}:{pk}
func Sparse(table, col, pk string) []byte {
	return join("sidx", table, col, pk)
}

// SparsePrefix returns the prefix enumerating every pk for which col is present.
func SparsePrefix(table, col string) []byte {
	return append(join("sidx", table, col), Separator)
}

// TTL builds a TTL index key: ttlidx:{expiry_ms}:{table}:{pk}
func TTL(expiryMs int64, table, pk string) []byte {
	prefix := []byte("ttlidx:")
	out := append(prefix, EncodeInt(expiryMs)...)
	out = append(out, Separator)
	out = append(out, join(table, pk)...)
	return out
}

// TTLUpperBound returns the exclusive upper bound for scanning every TTL
// entry with expiry_ms <= cutoff.
func TTLUpperBound(cutoff int64) []byte {
	out := append([]byte("ttlidx:"), EncodeInt(cutoff)...)
	return append(out, 0xFF) // one past the largest possible separator byte for this expiry
}

// FulltextInverted builds: ftidx:{table}:{col}:{token}:{pk}
func FulltextInverted(table, col, token, pk string) []byte {
	return join("ftidx", table, col, token, pk)
}

// FulltextInvertedPrefix returns the prefix enumerating pks containing token.
func FulltextInvertedPrefix(table, col, token string) []byte {
	return append(join("ftidx", table, col, token), Separator)
}

// FulltextTermFreq builds: fttf:{table}:{col}:{token}:{pk}
func FulltextTermFreq(table, col, token, pk string) []byte {
	return join("fttf", table, col, token, pk)
}

// FulltextDocLength builds: ftdlen:{table}:{col}:{pk}
func FulltextDocLength(table, col, pk string) []byte {
	return join("ftdlen", table, col, pk)
}

// FulltextDocLengthPrefix enumerates every indexed document length for (table, col).
func FulltextDocLengthPrefix(table, col string) []byte {
	return append(join("ftdlen", table, col), Separator)
}

// FulltextMeta builds: ftidxmeta:{table}:{col}
func FulltextMeta(table, col string) []byte {
	return join("ftidxmeta", table, col)
}

// SpatialNode builds: rtree:{table}:{col}:{node_id}
func SpatialNode(table, col string, nodeID uint64) []byte {
	var id [8]byte
	binary.BigEndian.PutUint64(id[:], nodeID)
	prefix := join("rtree", table, col)
	out := append(prefix, Separator)
	return append(out, id[:]...)
}

// SpatialNodePrefix enumerates every R-tree node for (table, col).
func SpatialNodePrefix(table, col string) []byte {
	return append(join("rtree", table, col), Separator)
}

// VectorMeta builds: vec:{table}:{col}:meta
func VectorMeta(table, col string) []byte {
	return join("vec", table, col, "meta")
}

// VectorPKMapping builds: vec:{table}:{col}:pk:{pk}
func VectorPKMapping(table, col, pk string) []byte {
	return join("vec", table, col, "pk", pk)
}

// VectorPKMappingPrefix enumerates every pk→internal-id mapping for (table, col).
func VectorPKMappingPrefix(table, col string) []byte {
	return append(join("vec", table, col, "pk"), Separator)
}

// GraphOut builds: graph:out:{from_pk}:{edge_id}
func GraphOut(fromPK, edgeID string) []byte {
	return join("graph", "out", fromPK, edgeID)
}

// GraphOutPrefix enumerates every outbound edge from fromPK.
func GraphOutPrefix(fromPK string) []byte {
	return append(join("graph", "out", fromPK), Separator)
}

// GraphIn builds: graph:in:{to_pk}:{edge_id}
func GraphIn(toPK, edgeID string) []byte {
	return join("graph", "in", toPK, edgeID)
}

// GraphInPrefix enumerates every inbound edge to toPK.
func GraphInPrefix(toPK string) []byte {
	return append(join("graph", "in", toPK), Separator)
}

// Changefeed builds: cf:{seq:u64_big_endian}
func Changefeed(seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return append([]byte("cf:"), b[:]...)
}

// ChangefeedPrefix is the bucket-wide prefix for the changefeed family.
var ChangefeedPrefix = []byte("cf:")

// Undo builds: undo:{txid}:{seq}
func Undo(txID string, seq uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	prefix := join("undo", txID)
	out := append(prefix, Separator)
	return append(out, b[:]...)
}

// UndoPrefix enumerates every undo record for a transaction.
func UndoPrefix(txID string) []byte {
	return append(join("undo", txID), Separator)
}
