// Package entity implements the Entity Store (spec.md §4.3): the
// canonical PUT/GET/DELETE surface over the KV engine, grounded on the
// teacher's db/couchdb_generic.go generic-document CRUD shape (the same
// method names and diff-before-write discipline), adapted from an HTTP
// document database to the embedded KV engine.
package entity

import (
	"sort"
	"time"

	"go.themisdb.dev/internal/codec"
	"go.themisdb.dev/internal/errs"
	"go.themisdb.dev/internal/keyschema"
	"go.themisdb.dev/internal/kv"
)

// Meta carries the lifecycle metadata every Entity has in addition to
// its fields (spec.md §3).
type Meta struct {
	CreatedAt int64 // unix millis
	UpdatedAt int64
	TTL       *int64 // unix millis expiry, nil = no TTL
	Version   uint64
}

// Entity is the universal record (spec.md §3).
type Entity struct {
	Table  string
	PK     string
	Fields map[string]codec.Value
	Meta   Meta
}

// encode serializes an Entity to its canonical bytes: fields as a
// codec.Object, with meta packed alongside so the whole record round-trips
// through a single Value (the byte-stability invariant in spec.md §8).
func encode(e Entity) []byte {
	obj := make(map[string]codec.Value, len(e.Fields)+1)
	for k, v := range e.Fields {
		obj[k] = v
	}
	meta := map[string]codec.Value{
		"created_at": codec.FromInt64(e.Meta.CreatedAt),
		"updated_at": codec.FromInt64(e.Meta.UpdatedAt),
		"version":    codec.FromInt64(int64(e.Meta.Version)),
	}
	if e.Meta.TTL != nil {
		meta["ttl"] = codec.FromInt64(*e.Meta.TTL)
	}
	obj["__meta__"] = codec.FromObject(meta)
	return codec.Encode(codec.FromObject(obj))
}

func decode(table, pk string, b []byte) (Entity, error) {
	v, err := codec.Decode(b)
	if err != nil {
		return Entity{}, errs.Wrap(errs.Internal, err, "decode entity %s/%s", table, pk)
	}
	if v.Kind != codec.KindObject {
		return Entity{}, errs.New(errs.Internal, "entity %s/%s is not an object", table, pk)
	}
	fields := make(map[string]codec.Value, len(v.Object))
	var meta Meta
	for k, fv := range v.Object {
		if k == "__meta__" {
			if fv.Kind == codec.KindObject {
				if c, ok := fv.Object["created_at"]; ok {
					meta.CreatedAt = c.Int64
				}
				if u, ok := fv.Object["updated_at"]; ok {
					meta.UpdatedAt = u.Int64
				}
				if ver, ok := fv.Object["version"]; ok {
					meta.Version = uint64(ver.Int64)
				}
				if ttl, ok := fv.Object["ttl"]; ok {
					t := ttl.Int64
					meta.TTL = &t
				}
			}
			continue
		}
		fields[k] = fv
	}
	return Entity{Table: table, PK: pk, Fields: fields, Meta: meta}, nil
}

// IndexKeySet is the set of physical index keys an IndexDeclaration
// derives from one entity value, used by Diff to compute adds/removes
// (spec.md §4.3).
type IndexKeySet map[string]struct{}

func NewIndexKeySet(keys ...[]byte) IndexKeySet {
	s := make(IndexKeySet, len(keys))
	for _, k := range keys {
		s[string(k)] = struct{}{}
	}
	return s
}

// Diff computes adds = new - old and removes = old - new, the pure
// function spec.md §4.3 specifies for index maintenance: no index write
// happens for a key present in both sets.
func Diff(oldKeys, newKeys IndexKeySet) (adds, removes [][]byte) {
	for k := range newKeys {
		if _, ok := oldKeys[k]; !ok {
			adds = append(adds, []byte(k))
		}
	}
	for k := range oldKeys {
		if _, ok := newKeys[k]; !ok {
			removes = append(removes, []byte(k))
		}
	}
	sort.Slice(adds, func(i, j int) bool { return string(adds[i]) < string(adds[j]) })
	sort.Slice(removes, func(i, j int) bool { return string(removes[i]) < string(removes[j]) })
	return adds, removes
}

// Store is the Entity Store over a raw kv.Engine. Higher layers (the Tx
// Manager) fold the ops returned by PutOp/DeleteOp into their own write
// batch; Get/Scan read through a snapshot.
type Store struct {
	engine kv.Engine
}

func New(engine kv.Engine) *Store {
	return &Store{engine: engine}
}

// Get resolves (table, pk) under the given snapshot, or the live engine
// if snap is nil (read-committed semantics read fresh each time).
func (s *Store) Get(snap kv.SnapshotHandle, table, pk string) (Entity, bool, error) {
	key := keyschema.Entity(table, pk)
	var raw []byte
	var ok bool
	var err error
	if snap != nil {
		raw, ok, err = snap.Get("entity", key)
	} else {
		raw, ok, err = s.engine.Get("entity", key)
	}
	if err != nil {
		return Entity{}, false, err
	}
	if !ok {
		return Entity{}, false, nil
	}
	e, err := decode(table, pk, raw)
	if err != nil {
		return Entity{}, false, err
	}
	return e, true, nil
}

// PutOp returns the kv.WriteOp that stores e's canonical bytes, for the
// caller (the Tx Manager) to fold into an atomic write batch alongside
// index diffs, the changefeed append, and undo capture.
func PutOp(e Entity) kv.WriteOp {
	return kv.WriteOp{Family: "entity", Key: keyschema.Entity(e.Table, e.PK), Value: encode(e)}
}

// DeleteOp returns the kv.WriteOp that removes an entity's canonical bytes.
func DeleteOp(table, pk string) kv.WriteOp {
	return kv.WriteOp{Family: "entity", Key: keyschema.Entity(table, pk), Value: nil}
}

// Now returns the current time in unix millis; a function var so tests
// can freeze time without faking the system clock.
var Now = func() int64 { return time.Now().UnixMilli() }

// NewEntity builds an Entity with fresh lifecycle metadata for an
// initial PUT (version 1, created_at == updated_at).
func NewEntity(table, pk string, fields map[string]codec.Value, ttl *int64) Entity {
	now := Now()
	return Entity{
		Table:  table,
		PK:     pk,
		Fields: fields,
		Meta:   Meta{CreatedAt: now, UpdatedAt: now, TTL: ttl, Version: 1},
	}
}

// Replace builds the next version of an existing entity for a full-value
// PUT, bumping Version and UpdatedAt while preserving CreatedAt.
func Replace(prev Entity, fields map[string]codec.Value, ttl *int64) Entity {
	return Entity{
		Table: prev.Table,
		PK:    prev.PK,
		Fields: fields,
		Meta: Meta{
			CreatedAt: prev.Meta.CreatedAt,
			UpdatedAt: Now(),
			TTL:       ttl,
			Version:   prev.Meta.Version + 1,
		},
	}
}

// Merge builds the next version of an existing entity for an AQL UPDATE
// (field merge rather than full replace, spec.md §3 lifecycle).
func Merge(prev Entity, patch map[string]codec.Value) Entity {
	merged := make(map[string]codec.Value, len(prev.Fields)+len(patch))
	for k, v := range prev.Fields {
		merged[k] = v
	}
	for k, v := range patch {
		merged[k] = v
	}
	return Replace(prev, merged, prev.Meta.TTL)
}
