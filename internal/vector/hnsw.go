// Package vector implements the HNSW (hierarchical navigable small
// world) approximate nearest-neighbor index from spec.md §4.6. No
// example repo in the retrieval pack implements ANN search (confirmed
// by search across other_examples/ for hnsw/ivf/ann patterns — only an
// unrelated RDF triple store surfaced), so this is a direct,
// spec-exact implementation on the standard library — see DESIGN.md.
package vector

import (
	"math"
	"math/rand"
	"sort"
	"sync"

	"go.themisdb.dev/internal/errs"
)

// Metric selects the distance function (spec.md §4.6).
type Metric string

const (
	Cosine Metric = "cosine"
	L2     Metric = "l2"
	Dot    Metric = "dot"
)

func distance(metric Metric, a, b []float32) float64 {
	switch metric {
	case L2:
		var sum float64
		for i := range a {
			d := float64(a[i] - b[i])
			sum += d * d
		}
		return math.Sqrt(sum)
	case Dot:
		var sum float64
		for i := range a {
			sum += float64(a[i]) * float64(b[i])
		}
		return -sum // smaller is "closer" throughout this package
	default: // Cosine
		var dot, na, nb float64
		for i := range a {
			dot += float64(a[i]) * float64(b[i])
		}
		for i := range a {
			na += float64(a[i]) * float64(a[i])
		}
		for i := range b {
			nb += float64(b[i]) * float64(b[i])
		}
		if na == 0 || nb == 0 {
			return 1
		}
		return 1 - dot/(math.Sqrt(na)*math.Sqrt(nb))
	}
}

// node is one vector's multi-layer adjacency, HNSW's core structure.
type node struct {
	pk        string
	vector    []float32
	layer     int
	neighbors []map[int]struct{} // per-layer neighbor sets, indexed by internal id
	deleted   bool
}

// Params configures one (table, column) index (spec.md §4.6 defaults).
type Params struct {
	Dim            int
	Metric         Metric
	M              int
	EfConstruction int
	Seed           int64
}

func DefaultParams(dim int, metric Metric) Params {
	return Params{Dim: dim, Metric: metric, M: 16, EfConstruction: 200, Seed: 1}
}

// Index is an in-memory HNSW graph. Callers persist pk→internal-id
// mappings via the VectorPKMapping key schema and vector catalog via
// VectorMeta; this type holds the live navigable graph structure.
type Index struct {
	mu             sync.RWMutex
	params         Params
	nodes          []*node
	pkToID         map[string]int
	entryPoint     int
	maxLayer       int
	rng            *rand.Rand
	tombstoneCount int
}

func New(params Params) *Index {
	return &Index{
		params:     params,
		pkToID:     map[string]int{},
		entryPoint: -1,
		rng:        rand.New(rand.NewSource(params.Seed)),
	}
}

func (idx *Index) randomLayer() int {
	ml := 1.0 / math.Log(float64(idx.params.M))
	layer := int(math.Floor(-math.Log(idx.rng.Float64()) * ml))
	return layer
}

// Add inserts pk with the given vector, rejecting dimension mismatches
// against the catalog (spec.md §4.6).
func (idx *Index) Add(pk string, vec []float32) error {
	if len(vec) != idx.params.Dim {
		return errs.New(errs.SchemaViolation, "vector dim %d does not match catalog dim %d", len(vec), idx.params.Dim)
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()

	id := len(idx.nodes)
	layer := idx.randomLayer()
	n := &node{pk: pk, vector: append([]float32{}, vec...), layer: layer}
	n.neighbors = make([]map[int]struct{}, layer+1)
	for i := range n.neighbors {
		n.neighbors[i] = map[int]struct{}{}
	}
	idx.nodes = append(idx.nodes, n)
	idx.pkToID[pk] = id

	if idx.entryPoint == -1 {
		idx.entryPoint = id
		idx.maxLayer = layer
		return nil
	}

	ep := idx.entryPoint
	for l := idx.maxLayer; l > layer; l-- {
		ep = idx.greedyClosest(ep, vec, l)
	}
	for l := minInt(layer, idx.maxLayer); l >= 0; l-- {
		candidates := idx.searchLayer(vec, ep, idx.params.EfConstruction, l)
		selected := idx.selectNeighbors(candidates, idx.params.M)
		for _, c := range selected {
			n.neighbors[l][c] = struct{}{}
			idx.nodes[c].neighbors[l][id] = struct{}{}
		}
		if len(candidates) > 0 {
			ep = candidates[0].id
		}
	}
	if layer > idx.maxLayer {
		idx.maxLayer = layer
		idx.entryPoint = id
	}
	return nil
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

type scored struct {
	id   int
	dist float64
}

func (idx *Index) greedyClosest(ep int, query []float32, layer int) int {
	best := ep
	bestDist := distance(idx.params.Metric, idx.nodes[ep].vector, query)
	improved := true
	for improved {
		improved = false
		for nb := range idx.nodes[best].layerNeighbors(layer) {
			d := distance(idx.params.Metric, idx.nodes[nb].vector, query)
			if d < bestDist {
				bestDist = d
				best = nb
				improved = true
			}
		}
	}
	return best
}

func (n *node) layerNeighbors(layer int) map[int]struct{} {
	if layer >= len(n.neighbors) {
		return nil
	}
	return n.neighbors[layer]
}

func (idx *Index) searchLayer(query []float32, ep int, ef int, layer int) []scored {
	visited := map[int]bool{ep: true}
	candidates := []scored{{id: ep, dist: distance(idx.params.Metric, idx.nodes[ep].vector, query)}}
	result := append([]scored{}, candidates...)

	for len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].dist < candidates[j].dist })
		c := candidates[0]
		candidates = candidates[1:]

		sort.Slice(result, func(i, j int) bool { return result[i].dist < result[j].dist })
		if len(result) >= ef && c.dist > result[len(result)-1].dist {
			break
		}
		for nb := range idx.nodes[c.id].layerNeighbors(layer) {
			if visited[nb] || idx.nodes[nb].deleted {
				continue
			}
			visited[nb] = true
			d := distance(idx.params.Metric, idx.nodes[nb].vector, query)
			candidates = append(candidates, scored{id: nb, dist: d})
			result = append(result, scored{id: nb, dist: d})
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].dist < result[j].dist })
	if len(result) > ef {
		result = result[:ef]
	}
	return result
}

func (idx *Index) selectNeighbors(candidates []scored, m int) []int {
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	out := make([]int, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}

// Result is one search hit.
type Result struct {
	PK    string
	Score float64 // the underlying distance metric value, lower is closer
}

// Search returns the k nearest pks to query, deterministic given fixed
// insertion order and seed (spec.md §4.6).
func (idx *Index) Search(query []float32, k, ef int) ([]Result, error) {
	if len(query) != idx.params.Dim {
		return nil, errs.New(errs.SchemaViolation, "query dim %d does not match catalog dim %d", len(query), idx.params.Dim)
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if idx.entryPoint == -1 {
		return nil, nil
	}
	if ef < k {
		ef = k
	}
	ep := idx.entryPoint
	for l := idx.maxLayer; l > 0; l-- {
		ep = idx.greedyClosest(ep, query, l)
	}
	candidates := idx.searchLayer(query, ep, ef, 0)
	var out []Result
	for _, c := range candidates {
		if idx.nodes[c.id].deleted {
			continue
		}
		out = append(out, Result{PK: idx.nodes[c.id].pk, Score: c.dist})
		if len(out) == k {
			break
		}
	}
	return out, nil
}

// SearchPrefiltered performs the same descent but restricts accepted
// results to allowed, over-fetching by overfetch× k candidates before
// filtering in-ring (spec.md §4.6).
func (idx *Index) SearchPrefiltered(query []float32, k, ef int, allowed map[string]struct{}, overfetch float64) ([]Result, error) {
	if overfetch < 1 {
		overfetch = 1
	}
	fetchK := int(math.Ceil(float64(k) * overfetch))
	fetchEf := ef
	if fetchEf < fetchK {
		fetchEf = fetchK
	}
	raw, err := idx.Search(query, fetchK, fetchEf)
	if err != nil {
		return nil, err
	}
	var out []Result
	for _, r := range raw {
		if _, ok := allowed[r.PK]; ok {
			out = append(out, r)
			if len(out) == k {
				break
			}
		}
	}
	return out, nil
}

// Delete tombstones pk; TombstoneFraction reports the fraction of
// tombstoned nodes so the caller can trigger Rebuild when it crosses a
// threshold (spec.md §4.6).
func (idx *Index) Delete(pk string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	id, ok := idx.pkToID[pk]
	if !ok || idx.nodes[id].deleted {
		return false
	}
	idx.nodes[id].deleted = true
	idx.tombstoneCount++
	return true
}

func (idx *Index) TombstoneFraction() float64 {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	if len(idx.nodes) == 0 {
		return 0
	}
	return float64(idx.tombstoneCount) / float64(len(idx.nodes))
}

// Rebuild constructs a fresh index containing only the live (non-
// tombstoned) vectors, in their original relative insertion order, the
// same parameters and seed so the new graph is deterministic.
func (idx *Index) Rebuild() *Index {
	idx.mu.RLock()
	live := make([]*node, 0, len(idx.nodes))
	for _, n := range idx.nodes {
		if !n.deleted {
			live = append(live, n)
		}
	}
	idx.mu.RUnlock()

	fresh := New(idx.params)
	for _, n := range live {
		_ = fresh.Add(n.pk, n.vector)
	}
	return fresh
}
