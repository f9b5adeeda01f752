// Package kv defines the ordered key-value engine contract (spec.md
// §4.1) and implements it over go.etcd.io/bbolt, grounded on the
// teacher's db/bolt/bolt.go wrapper. bbolt already gives ThemisDB
// everything the contract asks for: a single mmap'd, copy-on-write
// B+tree file provides atomic batched writes, stable snapshot reads
// (a read-only transaction pins the pre-write mmap view), ordered
// iteration via bucket cursors, and hot backup via Tx.CopyFile. A
// top-level bucket per key-class family stands in for "column
// families."
package kv

import (
	"bytes"
	"context"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"go.themisdb.dev/internal/errs"
)

// Families are the top-level buckets every Engine opens at startup.
// This list is the physical realization of the key classes in spec.md §3.
var Families = []string{
	"entity", "idx", "ridx", "cidx", "sidx", "ttlidx",
	"ftidx", "fttf", "ftdlen", "ftidxmeta",
	"rtree", "vec", "graph", "cf", "undo",
}

// Direction controls iteration order for Iterate.
type Direction int

const (
	Forward Direction = iota
	Backward
)

// KV is an ordered key-value pair yielded during iteration.
type KV struct {
	Key   []byte
	Value []byte
}

// WriteOp is one operation inside an atomic WriteBatch.
type WriteOp struct {
	Family string
	Key    []byte
	Value  []byte // nil means delete
}

// SnapshotHandle is a stable read view: reads through it never observe
// writes committed after the snapshot was taken.
type SnapshotHandle interface {
	Get(family string, key []byte) ([]byte, bool, error)
	Iterate(family string, lower, upper []byte, dir Direction, fn func(KV) bool) error
	Close() error
}

// Engine is the adapter contract every higher layer (Entity Store,
// indexes, graph, vector, changefeed) programs against.
type Engine interface {
	Get(family string, key []byte) ([]byte, bool, error)
	Put(family string, key, value []byte) error
	Delete(family string, key []byte) error
	WriteBatch(ops []WriteOp) error
	Iterate(family string, lower, upper []byte, dir Direction, fn func(KV) bool) error
	Snapshot() (SnapshotHandle, error)
	Checkpoint(path string) error
	Close() error
}

// BoltEngine implements Engine over bbolt, the way the teacher's
// db/bolt.DB wraps *bolt.DB with JSON-shaped helpers — generalized here
// to raw byte families with ordered range iteration instead of
// single-bucket JSON get/put.
type BoltEngine struct {
	db *bolt.DB
}

// Open opens or creates a bbolt-backed engine at path and ensures every
// family bucket exists (replaying nothing further: bbolt's mmap file is
// already durable across crashes once a write transaction commits).
func Open(path string) (*BoltEngine, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, errs.Wrap(errs.StorageFailed, err, "open kv engine at %s", path)
	}
	e := &BoltEngine{db: db}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, f := range Families {
			if _, err := tx.CreateBucketIfNotExists([]byte(f)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, errs.Wrap(errs.StorageFailed, err, "create family buckets")
	}
	return e, nil
}

func (e *BoltEngine) Get(family string, key []byte) ([]byte, bool, error) {
	var value []byte
	var found bool
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(family))
		if b == nil {
			return fmt.Errorf("unknown family %q", family)
		}
		v := b.Get(key)
		if v != nil {
			found = true
			value = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, errs.Wrap(errs.StorageFailed, err, "get %s/%x", family, key)
	}
	return value, found, nil
}

func (e *BoltEngine) Put(family string, key, value []byte) error {
	return e.WriteBatch([]WriteOp{{Family: family, Key: key, Value: value}})
}

func (e *BoltEngine) Delete(family string, key []byte) error {
	return e.WriteBatch([]WriteOp{{Family: family, Key: key, Value: nil}})
}

// WriteBatch applies every op atomically in one bbolt write transaction
// — this is what lets the Tx Manager (spec.md §4.8) and the Changefeed
// (spec.md §4.12) guarantee that no event is visible without its data
// and vice versa: both land in the same call.
func (e *BoltEngine) WriteBatch(ops []WriteOp) error {
	err := e.db.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			b := tx.Bucket([]byte(op.Family))
			if b == nil {
				return fmt.Errorf("unknown family %q", op.Family)
			}
			if op.Value == nil {
				if err := b.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			if err := b.Put(op.Key, op.Value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errs.Wrap(errs.StorageFailed, err, "write batch of %d ops", len(ops))
	}
	return nil
}

// Iterate walks family's keys in [lower, upper) order. A nil lower/upper
// bound is unbounded on that side. Direction controls ascending versus
// descending traversal. fn returning false stops iteration early.
func (e *BoltEngine) Iterate(family string, lower, upper []byte, dir Direction, fn func(KV) bool) error {
	err := e.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(family))
		if b == nil {
			return fmt.Errorf("unknown family %q", family)
		}
		return iterateBucket(b, lower, upper, dir, fn)
	})
	if err != nil {
		return errs.Wrap(errs.StorageFailed, err, "iterate %s", family)
	}
	return nil
}

func iterateBucket(b *bolt.Bucket, lower, upper []byte, dir Direction, fn func(KV) bool) error {
	c := b.Cursor()
	if dir == Forward {
		var k, v []byte
		if lower != nil {
			k, v = c.Seek(lower)
		} else {
			k, v = c.First()
		}
		for ; k != nil; k, v = c.Next() {
			if upper != nil && bytes.Compare(k, upper) >= 0 {
				break
			}
			if !fn(KV{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)}) {
				return nil
			}
		}
		return nil
	}
	// Backward: seek past upper, then step back.
	var k, v []byte
	if upper != nil {
		k, v = c.Seek(upper)
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
	} else {
		k, v = c.Last()
	}
	for ; k != nil; k, v = c.Prev() {
		if lower != nil && bytes.Compare(k, lower) < 0 {
			break
		}
		if !fn(KV{Key: append([]byte(nil), k...), Value: append([]byte(nil), v...)}) {
			return nil
		}
	}
	return nil
}

// boltSnapshot pins a read-only bbolt transaction open until Close,
// giving a stable MVCC read view exactly as spec.md §4.1 requires.
type boltSnapshot struct {
	tx *bolt.Tx
}

func (e *BoltEngine) Snapshot() (SnapshotHandle, error) {
	tx, err := e.db.Begin(false)
	if err != nil {
		return nil, errs.Wrap(errs.StorageFailed, err, "begin snapshot")
	}
	return &boltSnapshot{tx: tx}, nil
}

func (s *boltSnapshot) Get(family string, key []byte) ([]byte, bool, error) {
	b := s.tx.Bucket([]byte(family))
	if b == nil {
		return nil, false, fmt.Errorf("unknown family %q", family)
	}
	v := b.Get(key)
	if v == nil {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (s *boltSnapshot) Iterate(family string, lower, upper []byte, dir Direction, fn func(KV) bool) error {
	b := s.tx.Bucket([]byte(family))
	if b == nil {
		return fmt.Errorf("unknown family %q", family)
	}
	return iterateBucket(b, lower, upper, dir, fn)
}

func (s *boltSnapshot) Close() error {
	return s.tx.Rollback()
}

// Checkpoint writes a consistent hot-backup copy of the whole engine to
// path, grounded on bbolt's native Tx.CopyFile used under a read
// transaction (the teacher's Open() passes a Timeout option for the
// same "don't block forever on a locked file" concern).
func (e *BoltEngine) Checkpoint(path string) error {
	err := e.db.View(func(tx *bolt.Tx) error {
		return tx.CopyFile(path, 0600)
	})
	if err != nil {
		return errs.Wrap(errs.StorageFailed, err, "checkpoint to %s", path)
	}
	return nil
}

func (e *BoltEngine) Close() error {
	if err := e.db.Close(); err != nil {
		return errs.Wrap(errs.StorageFailed, err, "close kv engine")
	}
	return nil
}

// WithDeadline runs fn unless ctx is already done. bbolt itself has no
// native cancellation, and ctx is checked only once, before fn starts;
// fn runs to completion even if ctx expires while it runs.
func WithDeadline(ctx context.Context, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return errs.Wrap(errs.Cancelled, err, "operation cancelled before start")
	}
	return fn()
}
