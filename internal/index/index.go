// Package index implements the equality, range, composite, sparse, and
// TTL secondary index types from spec.md §4.4, grounded on the
// teacher's db/couchdb_index.go and db/couchdb_query.go Mango-style
// index declarations — generalized from CouchDB design documents to
// physical key ranges over the KV engine.
package index

import (
	"bytes"

	"go.themisdb.dev/internal/codec"
	"go.themisdb.dev/internal/keyschema"
	"go.themisdb.dev/internal/kv"
)

// Kind enumerates the declared index types.
type Kind string

const (
	Equality  Kind = "equality"
	Range     Kind = "range"
	Composite Kind = "composite"
	Sparse    Kind = "sparse"
	TTL       Kind = "ttl"
)

// Declaration is one secondary index declared on a table.
type Declaration struct {
	Name  string
	Table string
	Kind  Kind
	Cols  []string // one column for Equality/Range/Sparse/TTL, many for Composite
}

// encodedString renders a codec.Value as the escaped string key-schema
// expects for equality/composite keys (order doesn't matter there, only
// uniqueness), and as an order-preserving byte string for range keys.
func encodedString(v codec.Value) string {
	return string(codec.Encode(v))
}

func orderPreservingBytes(v codec.Value) []byte {
	switch v.Kind {
	case codec.KindInt64:
		return keyschema.EncodeInt(v.Int64)
	case codec.KindFloat64:
		return keyschema.EncodeFloat(v.Float64)
	case codec.KindString:
		return []byte(v.String)
	default:
		return codec.Encode(v)
	}
}

// Keys computes the physical index keys a single entity value
// contributes to this declaration, used by entity.Diff to compute
// adds/removes against the previous version.
func (d Declaration) Keys(pk string, fields map[string]codec.Value) [][]byte {
	switch d.Kind {
	case Equality:
		v, ok := fields[d.Cols[0]]
		if !ok {
			return nil
		}
		return [][]byte{keyschema.Equality(d.Table, d.Cols[0], encodedString(v), pk)}
	case Range:
		v, ok := fields[d.Cols[0]]
		if !ok {
			return nil
		}
		return [][]byte{keyschema.Range(d.Table, d.Cols[0], orderPreservingBytes(v), pk)}
	case Sparse:
		if _, ok := fields[d.Cols[0]]; !ok {
			return nil
		}
		return [][]byte{keyschema.Sparse(d.Table, d.Cols[0], pk)}
	case Composite:
		vals := make([]string, 0, len(d.Cols))
		for _, c := range d.Cols {
			v, ok := fields[c]
			if !ok {
				return nil // a composite index only covers entities that set every column
			}
			vals = append(vals, encodedString(v))
		}
		return [][]byte{keyschema.Composite(d.Table, d.Cols, vals, pk)}
	case TTL:
		v, ok := fields[d.Cols[0]]
		if !ok || v.Kind != codec.KindInt64 {
			return nil
		}
		return [][]byte{keyschema.TTL(v.Int64, d.Table, pk)}
	default:
		return nil
	}
}

// Match looks up every pk with col == value under an equality index.
func Match(snap kv.SnapshotHandle, table, col string, value codec.Value) ([]string, error) {
	prefix := keyschema.EqualityPrefix(table, col, encodedString(value))
	return scanPKSuffix(snap, "idx", prefix)
}

// Bound is an inclusive/exclusive bound on a range scan.
type Bound struct {
	Value     codec.Value
	Inclusive bool
	Set       bool
}

// ScanRange walks a range index between lo and hi (either may be
// unset for an open bound), ascending or descending.
func ScanRange(snap kv.SnapshotHandle, table, col string, lo, hi Bound, descending bool) ([]string, error) {
	base := keyschema.RangeColPrefix(table, col)
	var lower, upper []byte
	if lo.Set {
		lower = append(append([]byte{}, base...), orderPreservingBytes(lo.Value)...)
		if !lo.Inclusive {
			lower = append(lower, 0xFF)
		}
	} else {
		lower = base
	}
	if hi.Set {
		upper = append(append([]byte{}, base...), orderPreservingBytes(hi.Value)...)
		if hi.Inclusive {
			upper = append(upper, 0xFF)
		}
	} else {
		upper = prefixUpperBound(base)
	}

	var pks []string
	dir := kv.Forward
	if descending {
		dir = kv.Backward
	}
	err := snap.Iterate("ridx", lower, upper, dir, func(item kv.KV) bool {
		// Key is base+val+":"+Escape(pk); val may itself hold ':' or end in
		// the escape byte, so split at the leftmost ':' after which every
		// ':' is escaped.
		rest, sep := item.Key[len(base):], -1
		for i := len(rest) - 1; i >= 0; i-- {
			if rest[i] == keyschema.Separator {
				if sep = i; i == 0 || rest[i-1] != 0x01 {
					break
				}
			}
		}
		if sep >= 0 {
			pks = append(pks, unescapePK(rest[sep+1:]))
		}
		return true
	})
	return pks, err
}

// MatchComposite performs a progressive prefix scan over a composite
// index: it matches every entity whose leading len(vals) columns equal
// vals, regardless of trailing column values (spec.md §4.4).
func MatchComposite(snap kv.SnapshotHandle, table string, cols []string, vals []codec.Value) ([]string, error) {
	strs := make([]string, len(vals))
	for i, v := range vals {
		strs[i] = encodedString(v)
	}
	prefix := keyschema.CompositePrefix(table, cols, strs)
	return scanPKSuffix(snap, "cidx", prefix)
}

// MatchSparse enumerates every pk for which col is present at all.
func MatchSparse(snap kv.SnapshotHandle, table, col string) ([]string, error) {
	prefix := keyschema.SparsePrefix(table, col)
	return scanPKSuffix(snap, "sidx", prefix)
}

// ExpiredBefore enumerates every (table, pk) whose TTL index entry has
// expiry_ms <= cutoff, the scan the TTL sweeper runs each tick.
func ExpiredBefore(snap kv.SnapshotHandle, cutoff int64) ([]struct{ Table, PK string }, error) {
	upper := keyschema.TTLUpperBound(cutoff)
	var out []struct{ Table, PK string }
	err := snap.Iterate("ttlidx", []byte("ttlidx:"), upper, kv.Forward, func(item kv.KV) bool {
		// ttlidx:{expiry}:{table}:{pk} — skip the 7-byte "ttlidx:" tag, the
		// 8-byte expiry and the separator after it.
		rest := item.Key[7+8+1:]
		parts := splitUnescaped(rest)
		if len(parts) == 2 {
			out = append(out, struct{ Table, PK string }{Table: parts[0], PK: parts[1]})
		}
		return true
	})
	return out, err
}

func scanPKSuffix(snap kv.SnapshotHandle, family string, prefix []byte) ([]string, error) {
	var pks []string
	upper := prefixUpperBound(prefix)
	err := snap.Iterate(family, prefix, upper, kv.Forward, func(item kv.KV) bool {
		if pk, ok := suffixAfterPrefix(item.Key, prefix); ok {
			pks = append(pks, pk)
		}
		return true
	})
	return pks, err
}

func suffixAfterPrefix(key, prefix []byte) (string, bool) {
	if !bytes.HasPrefix(key, prefix) {
		return "", false
	}
	return unescapePK(key[len(prefix):]), true
}

// unescapePK reverses keyschema.Escape: a pk containing the ':' field
// separator was written with each literal ':' preceded by the 0x01
// escape byte, so Match/ScanRange/MatchComposite/MatchSparse must strip
// those escape bytes before handing the pk back to callers.
func unescapePK(b []byte) string {
	out := make([]byte, 0, len(b))
	escaped := false
	for _, c := range b {
		if escaped {
			out = append(out, c)
			escaped = false
			continue
		}
		if c == 0x01 {
			escaped = true
			continue
		}
		out = append(out, c)
	}
	return string(out)
}

// prefixUpperBound returns the smallest byte string that sorts after
// every key beginning with prefix, by incrementing the last byte (with
// carry) — the standard "prefix scan" exclusive upper bound.
func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte{}, prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil // prefix is all 0xFF: unbounded above
}

func splitUnescaped(b []byte) []string {
	var parts []string
	var cur []byte
	escaped := false
	for _, c := range b {
		if escaped {
			cur = append(cur, c)
			escaped = false
			continue
		}
		if c == 0x01 {
			escaped = true
			continue
		}
		if c == keyschema.Separator {
			parts = append(parts, string(cur))
			cur = nil
			continue
		}
		cur = append(cur, c)
	}
	parts = append(parts, string(cur))
	return parts
}
