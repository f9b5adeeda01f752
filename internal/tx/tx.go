// Package tx implements the MVCC transaction manager from spec.md
// §4.8: READ_COMMITTED and SNAPSHOT isolation, write-write conflict
// detection at commit, and a SAGA-style compensation log for rollback.
// The phase state machine (Active → {Committed, RolledBack}) is
// grounded on the teacher's db/state_store.go ActionState phase
// constants — adapted from a Postgres-backed workflow-action state
// table to an in-process transaction handle over the KV engine, and
// the conflict-detection shape on db/couchdb_types.go's IsConflict,
// generalized from one HTTP status code check into per-key first-touch
// version comparison.
package tx

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.themisdb.dev/internal/errs"
	"go.themisdb.dev/internal/kv"
)

// Phase mirrors the teacher's ActionState phase constants, narrowed to
// the three states a KV transaction actually passes through.
type Phase string

const (
	PhaseActive     Phase = "active"
	PhaseCommitted  Phase = "committed"
	PhaseRolledBack Phase = "rolled_back"
)

// Isolation selects read semantics (spec.md §4.8).
type Isolation string

const (
	ReadCommitted Isolation = "READ_COMMITTED"
	Snapshot      Isolation = "SNAPSHOT"
)

// Compensation is one SAGA compensating action, pushed at the time a
// mutation with an effect outside the KV write batch is issued (e.g. an
// HNSW insert): rollback runs these in reverse order. Compensations
// must be idempotent (spec.md §9: "a crash mid-rollback requires replay").
type Compensation struct {
	Description string
	Undo        func() error
}

// touchedKey records the version of a key as first observed by a
// transaction's read-set, for write-write conflict detection at commit.
type touchedKey struct {
	family  string
	key     string
	version uint64
}

// Tx is one open transaction handle.
type Tx struct {
	ID         string
	Isolation  Isolation
	beginTime  time.Time
	timeout    time.Duration
	snap       kv.SnapshotHandle // non-nil only under Snapshot isolation
	mu         sync.Mutex
	phase      Phase
	writeSet   []kv.WriteOp
	readSet    map[string]touchedKey
	compensate []Compensation
}

func (t *Tx) Phase() Phase {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.phase
}

func (t *Tx) Deadline() time.Time { return t.beginTime.Add(t.timeout) }

// Compensations returns a copy of every compensation registered so far,
// for the SAGA batch log to append once the transaction commits.
func (t *Tx) Compensations() []Compensation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Compensation{}, t.compensate...)
}

func (t *Tx) IsExpired(now time.Time) bool { return now.After(t.Deadline()) }

// Manager owns the KV engine handle, the versioned-key table used for
// conflict detection, the monotonic commit-sequence allocator, and the
// set of currently open transactions (spec.md §9's "registry of open
// snapshots").
type Manager struct {
	engine    kv.Engine
	mu        sync.Mutex
	open      map[string]*Tx
	versions  map[string]uint64 // "family/key" -> version, bumped on every committed write
	seqCount  uint64
	idCount   uint64
	OnCommit  func(tx *Tx, ops []kv.WriteOp, seq uint64)
}

func NewManager(engine kv.Engine) *Manager {
	return &Manager{
		engine:   engine,
		open:     map[string]*Tx{},
		versions: map[string]uint64{},
	}
}

func (m *Manager) nextID() string {
	id := atomic.AddUint64(&m.idCount, 1)
	return formatSeq("tx", id)
}

func formatSeq(prefix string, n uint64) string {
	const digits = "0123456789"
	if n == 0 {
		return prefix + "-0"
	}
	buf := make([]byte, 0, 20)
	for n > 0 {
		buf = append([]byte{digits[n%10]}, buf...)
		n /= 10
	}
	return prefix + "-" + string(buf)
}

// Begin allocates a txid and, for Snapshot isolation, pins a stable
// read view for the transaction's lifetime.
func (m *Manager) Begin(isolation Isolation, timeout time.Duration) (*Tx, error) {
	t := &Tx{
		ID:        m.nextID(),
		Isolation: isolation,
		beginTime: time.Now(),
		timeout:   timeout,
		phase:     PhaseActive,
		readSet:   map[string]touchedKey{},
	}
	if isolation == Snapshot {
		snap, err := m.engine.Snapshot()
		if err != nil {
			return nil, err
		}
		t.snap = snap
	}
	m.mu.Lock()
	m.open[t.ID] = t
	m.mu.Unlock()
	return t, nil
}

// versionKey joins a family and key into the flat string used as the
// version table's lookup key.
func versionKey(family string, key []byte) string {
	return family + "\x00" + string(key)
}

// Get serves a read from the transaction's write-set first (so a
// transaction observes its own uncommitted writes), then its snapshot
// (Snapshot isolation) or the live engine (ReadCommitted, "each
// statement reads a fresh snapshot"), recording the key's current
// version into the read-set for conflict detection at commit.
func (t *Tx) Get(m *Manager, family string, key []byte) ([]byte, bool, error) {
	t.mu.Lock()
	for i := len(t.writeSet) - 1; i >= 0; i-- {
		op := t.writeSet[i]
		if op.Family == family && string(op.Key) == string(key) {
			t.mu.Unlock()
			return op.Value, op.Value != nil, nil
		}
	}
	t.mu.Unlock()

	var raw []byte
	var ok bool
	var err error
	if t.Isolation == Snapshot {
		raw, ok, err = t.snap.Get(family, key)
	} else {
		raw, ok, err = m.engine.Get(family, key)
	}
	if err != nil {
		return nil, false, err
	}

	m.mu.Lock()
	version := m.versions[versionKey(family, key)]
	m.mu.Unlock()

	t.mu.Lock()
	vk := versionKey(family, key)
	if _, seen := t.readSet[vk]; !seen {
		t.readSet[vk] = touchedKey{family: family, key: vk, version: version}
	}
	t.mu.Unlock()

	return raw, ok, nil
}

// Put buffers a write in the transaction's write batch and registers an
// inverse compensation for SAGA rollback.
func (t *Tx) Put(family string, key, value []byte, compensate Compensation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeSet = append(t.writeSet, kv.WriteOp{Family: family, Key: key, Value: value})
	t.compensate = append(t.compensate, compensate)
}

// AddCompensation registers a compensating action for a side effect
// applied outside the KV write batch (e.g. an HNSW insert made eagerly
// visible before commit), without buffering any write of its own.
func (t *Tx) AddCompensation(c Compensation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.compensate = append(t.compensate, c)
}

// Commit assigns a commit sequence, applies the write batch atomically,
// and releases the snapshot — but first, under Snapshot isolation,
// checks every read-set entry's first-touch version against the
// current version table; any mismatch is a write-write conflict.
//
// buildChangefeedOp, if non-nil, is called only after the conflict
// check has passed, so a changefeed sequence is never drawn for a
// transaction that fails to commit (spec.md §8's "strictly monotonic
// and gap-free").
func (m *Manager) Commit(ctx context.Context, t *Tx, buildChangefeedOp func() (*kv.WriteOp, error)) (uint64, error) {
	t.mu.Lock()
	if t.phase != PhaseActive {
		t.mu.Unlock()
		return 0, errs.New(errs.Internal, "tx %s is not active", t.ID)
	}
	writeSet := append([]kv.WriteOp{}, t.writeSet...)
	readSet := make(map[string]touchedKey, len(t.readSet))
	for k, v := range t.readSet {
		readSet[k] = v
	}
	t.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return 0, errs.Wrap(errs.Cancelled, err, "tx %s commit cancelled", t.ID)
	}

	m.mu.Lock()
	if t.Isolation == Snapshot {
		for vk, touched := range readSet {
			if m.versions[vk] != touched.version {
				m.mu.Unlock()
				return 0, errs.New(errs.Conflict, "write-write conflict on %s for tx %s", touched.key, t.ID)
			}
		}
	}

	m.seqCount++
	seq := m.seqCount
	for _, op := range writeSet {
		m.versions[versionKey(op.Family, op.Key)]++
	}

	var changefeedOp *kv.WriteOp
	if buildChangefeedOp != nil {
		op, err := buildChangefeedOp()
		if err != nil {
			m.mu.Unlock()
			return 0, err
		}
		changefeedOp = op
	}
	m.mu.Unlock()

	ops := writeSet
	if changefeedOp != nil {
		ops = append(ops, *changefeedOp)
	}
	if err := m.engine.WriteBatch(ops); err != nil {
		return 0, err
	}

	t.mu.Lock()
	t.phase = PhaseCommitted
	t.mu.Unlock()

	if t.snap != nil {
		_ = t.snap.Close()
	}
	m.mu.Lock()
	delete(m.open, t.ID)
	m.mu.Unlock()

	if m.OnCommit != nil {
		m.OnCommit(t, writeSet, seq)
	}
	return seq, nil
}

// Rollback discards the write batch and runs every registered SAGA
// compensation in reverse order, for side effects already applied
// outside the KV batch (e.g. an HNSW insert made eagerly visible before
// commit).
func (m *Manager) Rollback(t *Tx) error {
	t.mu.Lock()
	if t.phase != PhaseActive {
		t.mu.Unlock()
		return nil
	}
	compensations := append([]Compensation{}, t.compensate...)
	t.mu.Unlock()

	var firstErr error
	for i := len(compensations) - 1; i >= 0; i-- {
		if compensations[i].Undo == nil {
			continue // plain KV write folded into the write batch, nothing to undo
		}
		if err := compensations[i].Undo(); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	t.mu.Lock()
	t.phase = PhaseRolledBack
	t.mu.Unlock()

	if t.snap != nil {
		_ = t.snap.Close()
	}
	m.mu.Lock()
	delete(m.open, t.ID)
	m.mu.Unlock()
	return firstErr
}

// SweepTimedOut rolls back every open transaction past its deadline,
// the background task spec.md §4.8 names ("a background task sweeps
// timed-out transactions").
func (m *Manager) SweepTimedOut(now time.Time) []string {
	m.mu.Lock()
	var expired []*Tx
	for _, t := range m.open {
		if t.IsExpired(now) {
			expired = append(expired, t)
		}
	}
	m.mu.Unlock()

	var ids []string
	for _, t := range expired {
		_ = m.Rollback(t)
		ids = append(ids, t.ID)
	}
	return ids
}

// OpenCount reports how many transactions are currently active, for
// the Admin Facade's Stats.
func (m *Manager) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}
