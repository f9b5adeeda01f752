// Package admin implements the Admin Facade from spec.md §6: the
// single entry point that wraps the KV engine, the entity store, the
// transaction manager, the index catalog, and the fulltext/spatial/
// vector/graph/fusion subsystems behind one operation surface.
// Grounded on the teacher's db/couchdb.go CouchDBService — a struct
// constructed once at startup exposing every domain operation as a
// method, rather than letting callers reach into storage internals
// directly.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.themisdb.dev/internal/aql/ast"
	"go.themisdb.dev/internal/aql/exec"
	"go.themisdb.dev/internal/aql/parser"
	"go.themisdb.dev/internal/aql/plan"
	"go.themisdb.dev/internal/changefeed"
	"go.themisdb.dev/internal/codec"
	"go.themisdb.dev/internal/config"
	"go.themisdb.dev/internal/entity"
	"go.themisdb.dev/internal/errs"
	"go.themisdb.dev/internal/fusion"
	"go.themisdb.dev/internal/graph"
	"go.themisdb.dev/internal/index"
	"go.themisdb.dev/internal/index/fulltext"
	"go.themisdb.dev/internal/index/spatial"
	"go.themisdb.dev/internal/keyschema"
	"go.themisdb.dev/internal/kv"
	"go.themisdb.dev/internal/saga"
	"go.themisdb.dev/internal/semcache"
	"go.themisdb.dev/internal/sweep"
	"go.themisdb.dev/internal/telemetry"
	"go.themisdb.dev/internal/tx"
	"go.themisdb.dev/internal/vector"
)

// Result is the tagged outcome every Facade operation returns instead
// of a bare (T, error) pair (spec.md §6: "every external operation
// returns Ok(value) or Err(kind, message, details)").
type Result[T any] struct {
	Value T
	Err   *errs.Error
}

func Ok[T any](v T) Result[T] { return Result[T]{Value: v} }

func Err[T any](err *errs.Error) Result[T] { return Result[T]{Err: err} }

func wrapErr[T any](e error) Result[T] {
	if e == nil {
		return Result[T]{}
	}
	if ae, ok := e.(*errs.Error); ok {
		return Result[T]{Err: ae}
	}
	return Result[T]{Err: errs.Wrap(errs.Internal, e, "admin facade operation failed")}
}

func (r Result[T]) IsOk() bool { return r.Err == nil }

// indexFamily maps a declared index kind to its physical KV family.
func indexFamily(k index.Kind) string {
	switch k {
	case index.Equality:
		return "idx"
	case index.Range:
		return "ridx"
	case index.Composite:
		return "cidx"
	case index.Sparse:
		return "sidx"
	case index.TTL:
		return "ttlidx"
	default:
		return "idx"
	}
}

// Facade is ThemisDB's single constructed entry point, built once by
// Open and shared by every transport (HTTP, the embedded CLI, …).
type Facade struct {
	cfg    config.Config
	engine kv.Engine
	store  *entity.Store
	txMgr  *tx.Manager
	tracer *telemetry.Provider
	pool   *sweep.Pool
	cache  *semcache.Cache
	signer *saga.Signer

	cfMu  sync.Mutex
	cf    *changefeed.Allocator

	sagaMu      sync.Mutex
	sagaPending []saga.Entry
	sagaSeq     uint64

	catalogMu sync.RWMutex
	indexes   map[string]index.Declaration   // index name -> declaration
	byTable   map[string][]index.Declaration // table -> declarations
	fulltext  map[string]fulltext.Pipeline   // "table/col" -> pipeline
	spatial   map[string]*spatial.Tree       // "table/col" -> tree
	vectors   map[string]*vector.Index       // "table/col" -> index
}

func tableCol(table, col string) string { return table + "/" + col }

// Open builds a Facade over cfg.DataDir, resuming the changefeed
// sequence from whatever was last persisted, and registers (but does
// not yet start) the TTL/tx-timeout/changefeed-retention sweepers.
func Open(cfg config.Config) (*Facade, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errs.Wrap(errs.Internal, err, "admin: invalid configuration")
	}
	engine, err := kv.Open(cfg.DataDir)
	if err != nil {
		return nil, errs.Wrap(errs.StorageFailed, err, "admin: open storage at %s", cfg.DataDir)
	}

	f := &Facade{
		cfg:      cfg,
		engine:   engine,
		store:    entity.New(engine),
		txMgr:    tx.NewManager(engine),
		cache:    semcache.New(semcache.NewInProcessBackend()),
		signer:   saga.NewSigner(cfg.SAGASigningKey),
		indexes:  map[string]index.Declaration{},
		byTable:  map[string][]index.Declaration{},
		fulltext: map[string]fulltext.Pipeline{},
		spatial:  map[string]*spatial.Tree{},
		vectors:  map[string]*vector.Index{},
	}

	if err := f.resumeChangefeed(); err != nil {
		_ = engine.Close()
		return nil, err
	}

	f.txMgr.OnCommit = f.recordSagaEntries

	f.pool = sweep.New([]sweep.Task{
		{Name: "ttl-sweep", Interval: cfg.TTLSweepInterval, Run: f.sweepExpiredTTL},
		{Name: "tx-timeout-sweep", Interval: cfg.TxTimeout, Run: f.sweepTimedOutTx},
		{Name: "changefeed-retention-sweep", Interval: cfg.ChangefeedWatermarkAge, Run: f.sweepChangefeedRetention},
		{Name: "saga-finalize", Interval: cfg.TxTimeout, Run: f.finalizeSagaBatch},
	})
	return f, nil
}

// recordSagaEntries is tx.Manager's OnCommit hook: every compensation a
// committed transaction registered becomes one Entry pending finalize
// into the next signed SAGA batch (spec.md §4.13).
func (f *Facade) recordSagaEntries(t *tx.Tx, _ []kv.WriteOp, seq uint64) {
	comps := t.Compensations()
	if len(comps) == 0 {
		return
	}
	f.sagaMu.Lock()
	defer f.sagaMu.Unlock()
	for _, c := range comps {
		f.sagaSeq++
		f.sagaPending = append(f.sagaPending, saga.Entry{TxID: t.ID, Seq: f.sagaSeq, Description: c.Description})
	}
}

// finalizeSagaBatch signs and clears whatever SAGA entries have
// accumulated since the last tick, the periodic batch close spec.md
// §4.13 describes.
func (f *Facade) finalizeSagaBatch(ctx context.Context) error {
	f.sagaMu.Lock()
	pending := f.sagaPending
	f.sagaPending = nil
	f.sagaMu.Unlock()

	if len(pending) == 0 {
		return nil
	}
	batchID := fmt.Sprintf("batch-%d", entity.Now())
	batch, err := f.signer.Finalize(batchID, entity.Now(), pending)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	return f.engine.WriteBatch([]kv.WriteOp{{Family: "undo", Key: []byte(batchID), Value: raw}})
}

// WithTracer attaches a telemetry provider, which ExecuteAQL hands to
// the executor for its per-plan-node spans.
func (f *Facade) WithTracer(p *telemetry.Provider) *Facade {
	f.tracer = p
	return f
}

// Start launches the background sweepers; callers stop them by
// cancelling ctx or calling Close.
func (f *Facade) Start(ctx context.Context) {
	f.pool.Start(ctx)
}

// Close stops the sweepers and closes the underlying storage engine.
func (f *Facade) Close() error {
	f.pool.Stop()
	return f.engine.Close()
}

func (f *Facade) resumeChangefeed() error {
	snap, err := f.engine.Snapshot()
	if err != nil {
		return errs.Wrap(errs.StorageFailed, err, "admin: open snapshot to resume changefeed")
	}
	defer snap.Close()

	var highest uint64
	err = snap.Iterate("cf", keyschema.ChangefeedPrefix, nil, kv.Backward, func(item kv.KV) bool {
		var ev changefeed.Event
		if jsonErr := json.Unmarshal(item.Value, &ev); jsonErr == nil {
			highest = ev.Seq
		}
		return false // only the first item in descending order, the highest seq
	})
	if err != nil {
		return errs.Wrap(errs.StorageFailed, err, "admin: scan changefeed to resume sequence")
	}
	f.cf = changefeed.NewAllocator(highest)
	return nil
}

// --- entity operations -----------------------------------------------

// PutEntity writes fields under (table, pk), replacing any prior
// version, inside a single implicit transaction: entity bytes, index
// diffs, fulltext postings, and the changefeed event all land in one
// atomic write batch (spec.md §4.3). Spatial and vector side-index
// updates are applied to their in-memory structures outside that batch
// (see maintainSideIndexes).
func (f *Facade) PutEntity(ctx context.Context, table, pk string, fields map[string]codec.Value, ttl *int64) Result[entity.Entity] {
	t, err := f.txMgr.Begin(f.isolation(), f.cfg.TxTimeout)
	if err != nil {
		return wrapErr[entity.Entity](err)
	}

	prev, existed, err := f.store.Get(nil, table, pk)
	if err != nil {
		_ = f.txMgr.Rollback(t)
		return wrapErr[entity.Entity](err)
	}

	var next entity.Entity
	if existed {
		next = entity.Replace(prev, fields, ttl)
	} else {
		next = entity.NewEntity(table, pk, fields, ttl)
	}

	t.Put("entity", keyschema.Entity(table, pk), entity.PutOp(next).Value, tx.Compensation{
		Description: fmt.Sprintf("revert entity %s/%s", table, pk),
	})

	f.maintainIndexes(t, table, pk, prev, next, existed)
	if err := f.maintainSideIndexes(t, table, pk, prev, next, existed); err != nil {
		_ = f.txMgr.Rollback(t)
		return wrapErr[entity.Entity](err)
	}

	commitTS := entity.Now()
	if _, err := f.txMgr.Commit(ctx, t, func() (*kv.WriteOp, error) {
		op, err := changefeed.Append(changefeed.Event{
			Seq:      f.nextChangefeedSeq(),
			TxID:     t.ID,
			CommitTS: commitTS,
			Ops:      []changefeed.EntityOp{{Op: changefeed.OpPut, Table: table, PK: pk}},
		})
		if err != nil {
			return nil, err
		}
		return &op, nil
	}); err != nil {
		_ = f.txMgr.Rollback(t)
		return wrapErr[entity.Entity](err)
	}
	return Ok(next)
}

// GetEntity resolves (table, pk) against the live engine.
func (f *Facade) GetEntity(table, pk string) Result[entity.Entity] {
	e, ok, err := f.store.Get(nil, table, pk)
	if err != nil {
		return wrapErr[entity.Entity](err)
	}
	if !ok {
		return Err[entity.Entity](errs.New(errs.NotFound, "entity %s/%s not found", table, pk))
	}
	return Ok(e)
}

// DeleteEntity removes (table, pk) and its index/side-index entries in
// one atomic transaction.
func (f *Facade) DeleteEntity(ctx context.Context, table, pk string) Result[struct{}] {
	t, err := f.txMgr.Begin(f.isolation(), f.cfg.TxTimeout)
	if err != nil {
		return wrapErr[struct{}](err)
	}

	prev, existed, err := f.store.Get(nil, table, pk)
	if err != nil {
		_ = f.txMgr.Rollback(t)
		return wrapErr[struct{}](err)
	}
	if !existed {
		_ = f.txMgr.Rollback(t)
		return Err[struct{}](errs.New(errs.NotFound, "entity %s/%s not found", table, pk))
	}

	t.Put("entity", keyschema.Entity(table, pk), nil, tx.Compensation{
		Description: fmt.Sprintf("restore entity %s/%s", table, pk),
	})
	f.maintainIndexes(t, table, pk, prev, entity.Entity{}, false)
	if err := f.maintainSideIndexes(t, table, pk, prev, entity.Entity{}, false); err != nil {
		_ = f.txMgr.Rollback(t)
		return wrapErr[struct{}](err)
	}

	commitTS := entity.Now()
	if _, err := f.txMgr.Commit(ctx, t, func() (*kv.WriteOp, error) {
		op, err := changefeed.Append(changefeed.Event{
			Seq:      f.nextChangefeedSeq(),
			TxID:     t.ID,
			CommitTS: commitTS,
			Ops:      []changefeed.EntityOp{{Op: changefeed.OpDelete, Table: table, PK: pk}},
		})
		if err != nil {
			return nil, err
		}
		return &op, nil
	}); err != nil {
		_ = f.txMgr.Rollback(t)
		return wrapErr[struct{}](err)
	}
	return Ok(struct{}{})
}

// BatchEntity is one element of a batch_put/batch_delete request.
type BatchEntity struct {
	Table  string
	PK     string
	Fields map[string]codec.Value
	TTL    *int64
}

// BatchPut applies every entry as one PutEntity call each, short-
// circuiting on the first failure (spec.md §6: batch_* operations are
// not themselves atomic across entries, each entry is its own
// transaction).
func (f *Facade) BatchPut(ctx context.Context, entries []BatchEntity) Result[[]entity.Entity] {
	out := make([]entity.Entity, 0, len(entries))
	for _, e := range entries {
		res := f.PutEntity(ctx, e.Table, e.PK, e.Fields, e.TTL)
		if !res.IsOk() {
			return Err[[]entity.Entity](res.Err)
		}
		out = append(out, res.Value)
	}
	return Ok(out)
}

// BatchKey identifies one entity for BatchDelete.
type BatchKey struct {
	Table string
	PK    string
}

func (f *Facade) BatchDelete(ctx context.Context, keys []BatchKey) Result[int] {
	count := 0
	for _, k := range keys {
		res := f.DeleteEntity(ctx, k.Table, k.PK)
		if !res.IsOk() {
			return Err[int](res.Err)
		}
		count++
	}
	return Ok(count)
}

func (f *Facade) isolation() tx.Isolation {
	if f.cfg.Isolation == string(tx.ReadCommitted) {
		return tx.ReadCommitted
	}
	return tx.Snapshot
}

func (f *Facade) nextChangefeedSeq() uint64 {
	f.cfMu.Lock()
	defer f.cfMu.Unlock()
	return f.cf.Next()
}

// maintainIndexes computes index key diffs for every declaration on
// table and folds the add/remove ops into t's write batch, per
// entity.Diff's pure adds/removes split (spec.md §4.3).
func (f *Facade) maintainIndexes(t *tx.Tx, table, pk string, prev, next entity.Entity, nextExists bool) {
	f.catalogMu.RLock()
	decls := append([]index.Declaration{}, f.byTable[table]...)
	f.catalogMu.RUnlock()

	for _, d := range decls {
		var oldKeys, newKeys entity.IndexKeySet
		if prev.Fields != nil {
			oldKeys = entity.NewIndexKeySet(d.Keys(pk, prev.Fields)...)
		} else {
			oldKeys = entity.NewIndexKeySet()
		}
		if nextExists {
			newKeys = entity.NewIndexKeySet(d.Keys(pk, next.Fields)...)
		} else {
			newKeys = entity.NewIndexKeySet()
		}
		adds, removes := entity.Diff(oldKeys, newKeys)
		family := indexFamily(d.Kind)
		for _, k := range adds {
			t.Put(family, k, []byte{1}, tx.Compensation{Description: "unwind index add " + d.Name})
		}
		for _, k := range removes {
			t.Put(family, k, nil, tx.Compensation{Description: "unwind index remove " + d.Name})
		}
	}
}

// maintainSideIndexes updates the fulltext/spatial/vector subsystems
// registered on table's columns. Fulltext postings are KV writes folded
// into the transaction's write batch like secondary index entries. The
// spatial tree and the vector indexes are in-memory structures updated
// immediately: a vector insert registers a SAGA compensation that
// deletes the vector again if the surrounding transaction rolls back,
// while a spatial insert registers a compensation whose Undo does
// nothing, so a rolled-back put leaves its leaf in the tree. Vector
// deletes register no compensation.
func (f *Facade) maintainSideIndexes(t *tx.Tx, table, pk string, prev, next entity.Entity, nextExists bool) error {
	f.catalogMu.Lock()
	defer f.catalogMu.Unlock()

	for key, pipeline := range f.fulltext {
		tbl, col, ok := splitTableCol(key)
		if !ok || tbl != table {
			continue
		}
		if prevVal, ok := prev.Fields[col]; ok && prevVal.Kind == codec.KindString {
			oldTokens := pipeline.Tokenize(prevVal.String)
			for _, op := range fulltext.RemoveOps(table, col, pk, oldTokens) {
				t.Put(op.Family, op.Key, op.Value, tx.Compensation{Description: "unwind fulltext remove " + key})
			}
		}
		if nextExists {
			if v, ok := next.Fields[col]; ok && v.Kind == codec.KindString {
				newTokens := pipeline.Tokenize(v.String)
				for _, op := range fulltext.IndexOps(table, col, pk, newTokens) {
					t.Put(op.Family, op.Key, op.Value, tx.Compensation{Description: "unwind fulltext add " + key})
				}
			}
		}
	}

	for key, tree := range f.spatial {
		tbl, col, ok := splitTableCol(key)
		if !ok || tbl != table {
			continue
		}
		if nextExists {
			if v, ok := next.Fields[col]; ok && v.Kind == codec.KindGeometry {
				tree.Insert(spatial.Leaf{PK: pk, MBR: spatial.MBROf(v.Geometry), Geo: v.Geometry})
				t.AddCompensation(tx.Compensation{
					Description: "spatial insert is not undone, rebuilt from entity store on replay",
					Undo:        func() error { return nil },
				})
			}
		}
	}

	for key, idx := range f.vectors {
		tbl, col, ok := splitTableCol(key)
		if !ok || tbl != table {
			continue
		}
		if nextExists {
			if v, ok := next.Fields[col]; ok && v.Kind == codec.KindVector {
				if err := idx.Add(pk, v.Vector); err != nil {
					return errs.Wrap(errs.Internal, err, "vector insert %s/%s", key, pk)
				}
				capturedIdx := idx
				t.AddCompensation(tx.Compensation{
					Description: "undo vector insert " + key,
					Undo:        func() error { capturedIdx.Delete(pk); return nil },
				})
			} else {
				idx.Delete(pk)
			}
		} else {
			idx.Delete(pk)
		}
	}
	return nil
}

func splitTableCol(key string) (table, col string, ok bool) {
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '/' {
			return key[:i], key[i+1:], true
		}
	}
	return "", "", false
}

// --- index catalog -----------------------------------------------------

// CreateIndexRequest describes a create_index call (spec.md §6).
type CreateIndexRequest struct {
	Name  string
	Table string
	Kind  index.Kind
	Cols  []string

	FulltextPipeline *fulltext.Pipeline // Kind-specific config; only one of these is set
	VectorParams     *vector.Params
}

// CreateIndex declares a new secondary, fulltext, spatial, or vector
// index on table, registering it in the in-memory catalog the query
// planner and the mutation path both consult.
func (f *Facade) CreateIndex(req CreateIndexRequest) Result[struct{}] {
	f.catalogMu.Lock()
	defer f.catalogMu.Unlock()

	if _, exists := f.indexes[req.Name]; exists {
		return Err[struct{}](errs.New(errs.AlreadyExists, "index %s already declared", req.Name))
	}

	switch req.Kind {
	case index.Equality, index.Range, index.Composite, index.Sparse, index.TTL:
		decl := index.Declaration{Name: req.Name, Table: req.Table, Kind: req.Kind, Cols: req.Cols}
		f.indexes[req.Name] = decl
		f.byTable[req.Table] = append(f.byTable[req.Table], decl)
	case "fulltext":
		p := fulltext.DefaultEnglishPipeline()
		if req.FulltextPipeline != nil {
			p = *req.FulltextPipeline
		}
		key := tableCol(req.Table, req.Cols[0])
		f.fulltext[key] = p
	case "spatial":
		key := tableCol(req.Table, req.Cols[0])
		f.spatial[key] = spatial.NewTree()
	case "vector":
		params := vector.DefaultParams(128, vector.Cosine)
		if req.VectorParams != nil {
			params = *req.VectorParams
		}
		key := tableCol(req.Table, req.Cols[0])
		f.vectors[key] = vector.New(params)
	default:
		return Err[struct{}](errs.New(errs.Unsupported, "unknown index kind %s", req.Kind))
	}
	return Ok(struct{}{})
}

// DropIndex removes a declared index from the catalog. The physical
// keys already written are left for a future compaction pass; dropping
// only stops new maintenance and new query planning from using it.
func (f *Facade) DropIndex(name string) Result[struct{}] {
	f.catalogMu.Lock()
	defer f.catalogMu.Unlock()

	if decl, ok := f.indexes[name]; ok {
		delete(f.indexes, name)
		kept := f.byTable[decl.Table][:0]
		for _, d := range f.byTable[decl.Table] {
			if d.Name != name {
				kept = append(kept, d)
			}
		}
		f.byTable[decl.Table] = kept
		return Ok(struct{}{})
	}
	if _, ok := f.fulltext[name]; ok {
		delete(f.fulltext, name)
		return Ok(struct{}{})
	}
	if _, ok := f.spatial[name]; ok {
		delete(f.spatial, name)
		return Ok(struct{}{})
	}
	if _, ok := f.vectors[name]; ok {
		delete(f.vectors, name)
		return Ok(struct{}{})
	}
	return Err[struct{}](errs.New(errs.NotFound, "index %s not declared", name))
}

// --- search operations --------------------------------------------------

func (f *Facade) FulltextSearch(table, col, query string, limit int) Result[[]fulltext.Scored] {
	f.catalogMu.RLock()
	pipeline, ok := f.fulltext[tableCol(table, col)]
	f.catalogMu.RUnlock()
	if !ok {
		return Err[[]fulltext.Scored](errs.New(errs.NotFound, "no fulltext index on %s.%s", table, col))
	}
	snap, err := f.engine.Snapshot()
	if err != nil {
		return wrapErr[[]fulltext.Scored](err)
	}
	defer snap.Close()
	scored, err := fulltext.Search(snap, table, col, pipeline, query, limit)
	if err != nil {
		return wrapErr[[]fulltext.Scored](err)
	}
	return Ok(scored)
}

func (f *Facade) VectorSearch(table, col string, query []float32, k int, allowed map[string]struct{}) Result[[]vector.Result] {
	f.catalogMu.RLock()
	idx, ok := f.vectors[tableCol(table, col)]
	f.catalogMu.RUnlock()
	if !ok {
		return Err[[]vector.Result](errs.New(errs.NotFound, "no vector index on %s.%s", table, col))
	}
	ef := int(float64(k) * f.cfg.VectorOverfetch)
	if ef < k {
		ef = k
	}
	var res []vector.Result
	var err error
	if allowed != nil {
		res, err = idx.SearchPrefiltered(query, k, ef, allowed, f.cfg.VectorOverfetch)
	} else {
		res, err = idx.Search(query, k, ef)
	}
	if err != nil {
		return wrapErr[[]vector.Result](err)
	}
	return Ok(res)
}

// FusionSearchRequest asks for a rank-fused result set over fulltext
// and vector hits on the same table (spec.md §4.14).
type FusionSearchRequest struct {
	Table        string
	FulltextCol  string
	Query        string
	VectorCol    string
	QueryVector  []float32
	K            int
	WeightedText float64 // 0 selects RRF fusion, >0 selects weighted fusion with this text weight
}

func (f *Facade) FusionSearch(req FusionSearchRequest) Result[[]fusion.Fused] {
	textRes := f.FulltextSearch(req.Table, req.FulltextCol, req.Query, req.K)
	if !textRes.IsOk() {
		return Err[[]fusion.Fused](textRes.Err)
	}
	vecRes := f.VectorSearch(req.Table, req.VectorCol, req.QueryVector, req.K, nil)
	if !vecRes.IsOk() {
		return Err[[]fusion.Fused](vecRes.Err)
	}

	textRanked := make([]fusion.Ranked, len(textRes.Value))
	for i, s := range textRes.Value {
		textRanked[i] = fusion.Ranked{PK: s.PK, Score: s.Score}
	}
	vecRanked := make([]fusion.Ranked, len(vecRes.Value))
	for i, r := range vecRes.Value {
		vecRanked[i] = fusion.Ranked{PK: r.PK, Score: r.Score}
	}

	var fused []fusion.Fused
	if req.WeightedText > 0 {
		fused = fusion.Weighted(textRanked, vecRanked, req.WeightedText)
	} else {
		fused = fusion.RRF(60, textRanked, vecRanked)
	}
	return Ok(fusion.TopK(fused, req.K))
}

// --- AQL execution -------------------------------------------------------

// ExecuteAQL parses and runs text over the entity store, resolving
// every FOR-over-table source through the index catalog and the
// entity store's table scan (spec.md §4.9-§4.11).
func (f *Facade) ExecuteAQL(ctx context.Context, text string) Result[[]any] {
	q, err := parser.Parse(text)
	if err != nil {
		return wrapErr[[]any](err)
	}

	ec := &exec.Context{
		Source:  f.aqlSource,
		Cache:   exec.NewCTECache(f.cfg.CTECacheMaxBytes, f.cfg.CTESpillDir),
		Tracer:  f.tracer,
		Catalog: f,
	}
	defer ec.Cache.Close()

	values, err := exec.RunQuery(ctx, ec, q)
	if err != nil {
		return wrapErr[[]any](err)
	}
	return Ok(values)
}

// IndexesOn satisfies plan.Catalog, letting Translate fold a FOR+FILTER
// pipeline into a narrower physical scan without importing this
// package (it would create an import cycle).
func (f *Facade) IndexesOn(table string) []index.Declaration {
	f.catalogMu.RLock()
	defer f.catalogMu.RUnlock()
	return append([]index.Declaration{}, f.byTable[table]...)
}

// aqlSource serves every Scan/IndexScan/… leaf node against a fresh
// snapshot: a bare Scan walks the whole table, the index-backed kinds
// resolve pks through the declared catalog entry and fetch the
// matching entities, and the content/geo/vector/graph kinds dispatch
// to their respective subsystems.
func (f *Facade) aqlSource(ctx context.Context, node *plan.Node) ([]exec.Row, error) {
	snap, err := f.engine.Snapshot()
	if err != nil {
		return nil, err
	}
	defer snap.Close()

	switch node.Kind {
	case plan.IndexScan:
		var pks []string
		if len(node.MatchValues) > 0 {
			pks, err = index.Match(snap, node.Table, node.Column, node.MatchValues[0])
		} else {
			pks, err = index.MatchSparse(snap, node.Table, node.Column)
		}
		if err != nil {
			return nil, err
		}
		return f.fetchRows(snap, node.Table, node.Var, pks)

	case plan.RangeScan:
		pks, err := index.ScanRange(snap, node.Table, node.Column, node.LowerBound, node.UpperBound, false)
		if err != nil {
			return nil, err
		}
		return f.fetchRows(snap, node.Table, node.Var, pks)

	case plan.CompositeScan:
		pks, err := index.MatchComposite(snap, node.Table, node.Columns, node.MatchValues)
		if err != nil {
			return nil, err
		}
		return f.fetchRows(snap, node.Table, node.Var, pks)

	case plan.FulltextScan:
		f.catalogMu.RLock()
		pipeline, ok := f.fulltext[tableCol(node.Table, node.Column)]
		f.catalogMu.RUnlock()
		if !ok {
			return nil, errs.New(errs.NotFound, "no fulltext index on %s.%s", node.Table, node.Column)
		}
		scored, err := fulltext.Search(snap, node.Table, node.Column, pipeline, node.Query, node.K)
		if err != nil {
			return nil, err
		}
		rows := make([]exec.Row, 0, len(scored))
		for _, s := range scored {
			row, ok, err := f.fetchScoredRow(snap, node.Table, node.Var, s.PK, s.Score)
			if err != nil {
				return nil, err
			}
			if ok {
				rows = append(rows, row)
			}
		}
		return rows, nil

	case plan.SpatialScan:
		f.catalogMu.RLock()
		tree, ok := f.spatial[tableCol(node.Table, node.Column)]
		f.catalogMu.RUnlock()
		if !ok {
			return nil, errs.New(errs.NotFound, "no spatial index on %s.%s", node.Table, node.Column)
		}
		query := spatial.MBR{
			MinX: node.CenterLon - node.Radius, MinY: node.CenterLat - node.Radius,
			MaxX: node.CenterLon + node.Radius, MaxY: node.CenterLat + node.Radius,
		}
		leaves := tree.Intersecting(query, func(l spatial.Leaf) bool {
			m := spatial.MBROf(l.Geo)
			cx, cy := (m.MinX+m.MaxX)/2, (m.MinY+m.MaxY)/2
			return spatial.Distance(cx, cy, node.CenterLon, node.CenterLat) <= node.Radius
		})
		pks := make([]string, len(leaves))
		for i, l := range leaves {
			pks[i] = l.PK
		}
		return f.fetchRows(snap, node.Table, node.Var, pks)

	case plan.VectorKnn:
		f.catalogMu.RLock()
		idx, ok := f.vectors[tableCol(node.Table, node.Column)]
		f.catalogMu.RUnlock()
		if !ok {
			return nil, errs.New(errs.NotFound, "no vector index on %s.%s", node.Table, node.Column)
		}
		ef := int(float64(node.K) * f.cfg.VectorOverfetch)
		if ef < node.K {
			ef = node.K
		}
		res, err := idx.Search(node.VectorQuery, node.K, ef)
		if err != nil {
			return nil, err
		}
		rows := make([]exec.Row, 0, len(res))
		for _, r := range res {
			row, ok, err := f.fetchScoredRow(snap, node.Table, node.Var, r.PK, r.Score)
			if err != nil {
				return nil, err
			}
			if ok {
				rows = append(rows, row)
			}
		}
		return rows, nil

	case plan.Traversal:
		return f.traversalRows(snap, node)

	case plan.ShortestPath:
		return f.shortestPathRows(snap, node)

	default:
		return f.scanTable(snap, node.Table, node.Var)
	}
}

func (f *Facade) scanTable(snap kv.SnapshotHandle, table, varName string) ([]exec.Row, error) {
	prefix := keyschema.EntityTablePrefix(table)
	var rows []exec.Row
	err := snap.Iterate("entity", prefix, nil, kv.Forward, func(item kv.KV) bool {
		v, decodeErr := codec.Decode(item.Value)
		if decodeErr != nil {
			return true
		}
		rows = append(rows, exec.Row{varName: valueToAny(v)})
		return true
	})
	return rows, err
}

// fetchRows reads each pk's entity and binds it to varName, silently
// skipping any pk whose entity has since been removed (an index entry
// trailing a concurrent delete, not a query error).
func (f *Facade) fetchRows(snap kv.SnapshotHandle, table, varName string, pks []string) ([]exec.Row, error) {
	rows := make([]exec.Row, 0, len(pks))
	for _, pk := range pks {
		row, ok, err := f.fetchRow(snap, table, varName, pk)
		if err != nil {
			return nil, err
		}
		if ok {
			rows = append(rows, row)
		}
	}
	return rows, nil
}

func (f *Facade) fetchRow(snap kv.SnapshotHandle, table, varName, pk string) (exec.Row, bool, error) {
	raw, ok, err := snap.Get("entity", keyschema.Entity(table, pk))
	if err != nil || !ok {
		return nil, false, err
	}
	v, err := codec.Decode(raw)
	if err != nil {
		return nil, false, err
	}
	return exec.Row{varName: valueToAny(v)}, true, nil
}

// fetchScoredRow is fetchRow plus a "_score" field folded into the
// bound document so BM25/SIMILARITY/PROXIMITY/FULLTEXT can read it back
// out of the row without re-running the index lookup.
func (f *Facade) fetchScoredRow(snap kv.SnapshotHandle, table, varName, pk string, score float64) (exec.Row, bool, error) {
	row, ok, err := f.fetchRow(snap, table, varName, pk)
	if err != nil || !ok {
		return nil, ok, err
	}
	if doc, ok := row[varName].(map[string]any); ok {
		doc["_score"] = score
	}
	return row, true, nil
}

// literalStartPK extracts a string literal start/target vertex from a
// traversal expression. Correlated starts (e.g. a field access bound to
// an outer FOR row) are not yet supported since NestedLoopJoin
// evaluates both sides of a join independently before merging.
func literalStartPK(e *ast.Expr) (string, bool) {
	if e == nil || e.Literal == nil || e.Literal.String == nil {
		return "", false
	}
	return *e.Literal.String, true
}

// splitVertexID splits a "table/pk" vertex identifier, the document-id
// convention graph edges reference their endpoints by.
func splitVertexID(id string) (table, pk string, ok bool) {
	i := strings.IndexByte(id, '/')
	if i < 0 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}

func decodeEdge(b []byte) graph.Edge {
	var e graph.Edge
	_ = json.Unmarshal(b, &e)
	return e
}

func edgeToAny(e graph.Edge) map[string]any {
	return map[string]any{"id": e.ID, "from": e.From, "to": e.To, "type": e.Type, "weight": e.Weight}
}

func (f *Facade) traversalRows(snap kv.SnapshotHandle, node *plan.Node) ([]exec.Row, error) {
	start, ok := literalStartPK(node.Expr)
	if !ok {
		return nil, errs.New(errs.Unsupported, "graph traversal requires a literal start vertex")
	}
	dir := graph.Outbound
	if strings.EqualFold(node.Direction, "INBOUND") {
		dir = graph.Inbound
	}
	steps, err := graph.Traverse(snap, start, dir, int(node.MaxDepth), decodeEdge)
	if err != nil {
		return nil, err
	}
	return f.stepRows(snap, node, steps)
}

func (f *Facade) shortestPathRows(snap kv.SnapshotHandle, node *plan.Node) ([]exec.Row, error) {
	start, ok := literalStartPK(node.Expr)
	if !ok {
		return nil, errs.New(errs.Unsupported, "SHORTEST_PATH requires a literal start vertex")
	}
	target, ok := literalStartPK(node.Target)
	if !ok {
		return nil, errs.New(errs.Unsupported, "SHORTEST_PATH requires a literal target vertex")
	}
	edges, found, err := graph.ShortestPath(snap, start, target, int(node.MaxDepth), decodeEdge, nil)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, nil
	}
	return f.stepRows(snap, node, edgesToSteps(start, edges))
}

func edgesToSteps(start string, edges []graph.Edge) []graph.Step {
	steps := make([]graph.Step, 0, len(edges)+1)
	steps = append(steps, graph.Step{Vertex: start})
	cur := start
	var path []graph.Edge
	for _, e := range edges {
		path = append(path, e)
		next := e.To
		if e.To == cur {
			next = e.From
		}
		steps = append(steps, graph.Step{Vertex: next, Edge: e, Path: append([]graph.Edge{}, path...)})
		cur = next
	}
	return steps
}

// stepRows binds each traversal Step's vertex/edge/path to the
// TraversalClause's v/e/p variables, fetching the vertex's entity
// document through its "table/pk" identifier.
func (f *Facade) stepRows(snap kv.SnapshotHandle, node *plan.Node, steps []graph.Step) ([]exec.Row, error) {
	rows := make([]exec.Row, 0, len(steps))
	for _, s := range steps {
		row := exec.Row{}
		if node.Var != "" {
			if vtable, vpk, ok := splitVertexID(s.Vertex); ok {
				vrow, found, err := f.fetchRow(snap, vtable, node.Var, vpk)
				if err != nil {
					return nil, err
				}
				if found {
					row[node.Var] = vrow[node.Var]
				} else {
					row[node.Var] = s.Vertex
				}
			} else {
				row[node.Var] = s.Vertex
			}
		}
		if node.EdgeVar != "" {
			row[node.EdgeVar] = edgeToAny(s.Edge)
		}
		if node.PathVar != "" {
			path := make([]any, len(s.Path))
			for i, e := range s.Path {
				path[i] = edgeToAny(e)
			}
			row[node.PathVar] = path
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// valueToAny converts a canonical codec.Value into the dynamic
// representation the executor evaluates expressions over.
func valueToAny(v codec.Value) any {
	switch v.Kind {
	case codec.KindNull:
		return nil
	case codec.KindBool:
		return v.Bool
	case codec.KindInt64:
		return v.Int64
	case codec.KindFloat64:
		return v.Float64
	case codec.KindString:
		return v.String
	case codec.KindBytes:
		return v.Bytes
	case codec.KindArray:
		out := make([]any, len(v.Array))
		for i, e := range v.Array {
			out[i] = valueToAny(e)
		}
		return out
	case codec.KindObject:
		out := make(map[string]any, len(v.Object))
		for k, e := range v.Object {
			out[k] = valueToAny(e)
		}
		return out
	case codec.KindVector:
		out := make([]any, len(v.Vector))
		for i, e := range v.Vector {
			out[i] = float64(e)
		}
		return out
	case codec.KindGeometry:
		return v.Geometry
	default:
		return nil
	}
}

// --- transactions ---------------------------------------------------------

func (f *Facade) BeginTx() Result[string] {
	t, err := f.txMgr.Begin(f.isolation(), f.cfg.TxTimeout)
	if err != nil {
		return wrapErr[string](err)
	}
	return Ok(t.ID)
}

// --- graph traversal -------------------------------------------------------

// Traverse runs a breadth-first walk over the graph edge family,
// bounded by maxDepth only; no Graph+Geo abort threshold is applied.
func (f *Facade) Traverse(start string, dir graph.Direction, maxDepth int, decode func([]byte) graph.Edge) Result[[]graph.Step] {
	snap, err := f.engine.Snapshot()
	if err != nil {
		return wrapErr[[]graph.Step](err)
	}
	defer snap.Close()
	steps, err := graph.Traverse(snap, start, dir, maxDepth, decode)
	if err != nil {
		return wrapErr[[]graph.Step](err)
	}
	return Ok(steps)
}

// --- changefeed ------------------------------------------------------------

func (f *Facade) ChangefeedRead(after changefeed.Cursor, limit int) Result[[]changefeed.Event] {
	snap, err := f.engine.Snapshot()
	if err != nil {
		return wrapErr[[]changefeed.Event](err)
	}
	defer snap.Close()
	events, err := changefeed.Read(snap, after, limit)
	if err != nil {
		return wrapErr[[]changefeed.Event](err)
	}
	return Ok(events)
}

// --- stats ------------------------------------------------------------------

// Stats is the operational snapshot stats() returns (spec.md §6).
type Stats struct {
	OpenTransactions int
	DeclaredIndexes  int
	FulltextIndexes  int
	SpatialIndexes   int
	VectorIndexes    int
	CacheHitRate     float64
}

func (f *Facade) Stats() Result[Stats] {
	f.catalogMu.RLock()
	defer f.catalogMu.RUnlock()
	return Ok(Stats{
		OpenTransactions: f.txMgr.OpenCount(),
		DeclaredIndexes:  len(f.indexes),
		FulltextIndexes:  len(f.fulltext),
		SpatialIndexes:   len(f.spatial),
		VectorIndexes:    len(f.vectors),
		CacheHitRate:     f.cache.Stats().HitRate(),
	})
}

// --- background sweepers ---------------------------------------------------

func (f *Facade) sweepExpiredTTL(ctx context.Context) error {
	snap, err := f.engine.Snapshot()
	if err != nil {
		return err
	}
	defer snap.Close()

	expired, err := index.ExpiredBefore(snap, entity.Now())
	if err != nil {
		return err
	}
	for _, e := range expired {
		if res := f.DeleteEntity(ctx, e.Table, e.PK); !res.IsOk() && !errs.Is(res.Err, errs.NotFound) {
			return res.Err
		}
	}
	return nil
}

func (f *Facade) sweepTimedOutTx(ctx context.Context) error {
	f.txMgr.SweepTimedOut(time.Now())
	return nil
}

// sweepChangefeedRetention finds the highest sequence whose commit
// timestamp is older than the configured watermark age and deletes
// every event up to and including it (spec.md §4.12's retention sweep).
// Events are read in ascending seq order, which is also ascending
// commit-timestamp order since seq is assigned at commit time, so the
// scan can stop at the first event still inside the retention window.
func (f *Facade) sweepChangefeedRetention(ctx context.Context) error {
	snap, err := f.engine.Snapshot()
	if err != nil {
		return err
	}
	defer snap.Close()

	cutoff := entity.Now() - f.cfg.ChangefeedWatermarkAge.Milliseconds()
	events, err := changefeed.Read(snap, 0, 0)
	if err != nil {
		return err
	}

	var watermark changefeed.Cursor
	for _, ev := range events {
		if ev.CommitTS >= cutoff {
			break
		}
		watermark = changefeed.Cursor(ev.Seq + 1)
	}
	if watermark == 0 {
		return nil
	}

	ops, err := changefeed.RetentionOps(snap, watermark)
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return nil
	}
	return f.engine.WriteBatch(ops)
}
