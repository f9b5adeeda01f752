// Package graph implements the graph index from spec.md §4.5: edges
// stored as two independent directed adjacency tables, BFS/DFS
// traversal with visited-set cycle avoidance, and bidirectional BFS
// shortest path. It is adapted from the teacher's db/couchdb_graph.go
// Traverse/traverseForward/traverseReverse level-by-level walk — the
// same "current level → next level, tracked by a visited set, stop
// when a level is empty or depth is exhausted" shape, generalized from
// single-field document references to the graph:out/graph:in key
// families and from unbounded depth to a maxDepth cutoff.
package graph

import (
	"go.themisdb.dev/internal/keyschema"
	"go.themisdb.dev/internal/kv"
)

// Edge is one stored graph edge, the value at graph:out/graph:in keys.
type Edge struct {
	ID     string
	From   string
	To     string
	Type   string
	Weight float64
}

// Direction selects which adjacency table a traversal follows.
type Direction int

const (
	Outbound Direction = iota
	Inbound
)

// OutOps returns the write ops registering one edge in both directions
// (spec.md §4.5: "On put, write both graph:out:{from}:{eid} and
// graph:in:{to}:{eid}").
func OutOps(e Edge, encode func(Edge) []byte) []kv.WriteOp {
	return []kv.WriteOp{
		{Family: "graph", Key: keyschema.GraphOut(e.From, e.ID), Value: encode(e)},
		{Family: "graph", Key: keyschema.GraphIn(e.To, e.ID), Value: encode(e)},
	}
}

// RemoveOps reverses OutOps for an edge being deleted.
func RemoveOps(e Edge) []kv.WriteOp {
	return []kv.WriteOp{
		{Family: "graph", Key: keyschema.GraphOut(e.From, e.ID), Value: nil},
		{Family: "graph", Key: keyschema.GraphIn(e.To, e.ID), Value: nil},
	}
}

func neighbors(snap kv.SnapshotHandle, vertex string, dir Direction, decode func([]byte) Edge) ([]Edge, error) {
	var prefix []byte
	var family = "graph"
	if dir == Outbound {
		prefix = keyschema.GraphOutPrefix(vertex)
	} else {
		prefix = keyschema.GraphInPrefix(vertex)
	}
	upper := prefixUpperBound(prefix)
	var edges []Edge
	err := snap.Iterate(family, prefix, upper, kv.Forward, func(item kv.KV) bool {
		edges = append(edges, decode(item.Value))
		return true
	})
	return edges, err
}

func prefixUpperBound(prefix []byte) []byte {
	out := append([]byte{}, prefix...)
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] < 0xFF {
			out[i]++
			return out[:i+1]
		}
	}
	return nil
}

// Step is one (vertex, edge, path) triple a traversal yields.
type Step struct {
	Vertex string
	Edge   Edge   // zero value for the start vertex
	Path   []Edge // edges from start to Vertex, in order
}

// Traverse performs a BFS from start up to maxDepth hops, yielding a
// Step per visited vertex the first time it is reached — cycles are
// avoided purely by the visited set, matching spec.md §4.5 and the
// teacher's level-by-level loop.
func Traverse(snap kv.SnapshotHandle, start string, dir Direction, maxDepth int, decode func([]byte) Edge) ([]Step, error) {
	visited := map[string]bool{start: true}
	results := []Step{{Vertex: start}}

	type frontierItem struct {
		vertex string
		path   []Edge
	}
	frontier := []frontierItem{{vertex: start}}

	for depth := 0; depth < maxDepth; depth++ {
		var next []frontierItem
		for _, item := range frontier {
			edges, err := neighbors(snap, item.vertex, dir, decode)
			if err != nil {
				return nil, err
			}
			for _, e := range edges {
				to := e.To
				if dir == Inbound {
					to = e.From
				}
				if visited[to] {
					continue
				}
				visited[to] = true
				path := append(append([]Edge{}, item.path...), e)
				results = append(results, Step{Vertex: to, Edge: e, Path: path})
				next = append(next, frontierItem{vertex: to, path: path})
			}
		}
		if len(next) == 0 {
			break
		}
		frontier = next
	}
	return results, nil
}

// TraverseDFS performs a depth-first traversal up to maxDepth, for
// callers that need pre-order rather than level-order results.
func TraverseDFS(snap kv.SnapshotHandle, start string, dir Direction, maxDepth int, decode func([]byte) Edge) ([]Step, error) {
	visited := map[string]bool{start: true}
	results := []Step{{Vertex: start}}

	var walk func(vertex string, depth int, path []Edge) error
	walk = func(vertex string, depth int, path []Edge) error {
		if depth >= maxDepth {
			return nil
		}
		edges, err := neighbors(snap, vertex, dir, decode)
		if err != nil {
			return err
		}
		for _, e := range edges {
			to := e.To
			if dir == Inbound {
				to = e.From
			}
			if visited[to] {
				continue
			}
			visited[to] = true
			childPath := append(append([]Edge{}, path...), e)
			results = append(results, Step{Vertex: to, Edge: e, Path: childPath})
			if err := walk(to, depth+1, childPath); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(start, 0, nil); err != nil {
		return nil, err
	}
	return results, nil
}

// ShortestPath performs bidirectional BFS over the unweighted graph
// between from and to, returning the edge sequence of a shortest path,
// or ok=false if no path exists within maxDepth total hops (spec.md
// §4.5). allowed, if non-nil, restricts which vertices may be expanded
// (the "optional spatial predicate filters vertices before expansion").
func ShortestPath(snap kv.SnapshotHandle, from, to string, maxDepth int, decode func([]byte) Edge, allowed func(string) bool) ([]Edge, bool, error) {
	if from == to {
		return nil, true, nil
	}

	type visitRecord struct {
		via  Edge
		from string
	}
	fwdVisited := map[string]visitRecord{from: {}}
	bwdVisited := map[string]visitRecord{to: {}}
	fwdFrontier := []string{from}
	bwdFrontier := []string{to}

	meetAt := ""
	for depth := 0; depth < maxDepth && meetAt == ""; depth++ {
		var nextFwd []string
		for _, v := range fwdFrontier {
			edges, err := neighbors(snap, v, Outbound, decode)
			if err != nil {
				return nil, false, err
			}
			for _, e := range edges {
				if allowed != nil && !allowed(e.To) {
					continue
				}
				if _, ok := fwdVisited[e.To]; ok {
					continue
				}
				fwdVisited[e.To] = visitRecord{via: e, from: v}
				nextFwd = append(nextFwd, e.To)
				if _, ok := bwdVisited[e.To]; ok {
					meetAt = e.To
				}
			}
		}
		fwdFrontier = nextFwd
		// Each half-expansion adds one hop, so both count against maxDepth.
		if meetAt != "" || len(fwdFrontier) == 0 || depth+1 >= maxDepth {
			break
		}
		depth++

		var nextBwd []string
		for _, v := range bwdFrontier {
			edges, err := neighbors(snap, v, Inbound, decode)
			if err != nil {
				return nil, false, err
			}
			for _, e := range edges {
				if allowed != nil && !allowed(e.From) {
					continue
				}
				if _, ok := bwdVisited[e.From]; ok {
					continue
				}
				bwdVisited[e.From] = visitRecord{via: e, from: v}
				nextBwd = append(nextBwd, e.From)
				if _, ok := fwdVisited[e.From]; ok {
					meetAt = e.From
				}
			}
		}
		bwdFrontier = nextBwd
	}

	if meetAt == "" {
		return nil, false, nil
	}

	var fwdPath []Edge
	for v := meetAt; v != from; {
		rec := fwdVisited[v]
		fwdPath = append([]Edge{rec.via}, fwdPath...)
		v = rec.from
	}
	var bwdPath []Edge
	for v := meetAt; v != to; {
		rec := bwdVisited[v]
		bwdPath = append(bwdPath, rec.via)
		v = rec.from
	}
	return append(fwdPath, bwdPath...), true, nil
}

// EstimateBranchingFactor samples the first two hops from start to
// estimate expansion size, the Graph+Geo planner heuristic from spec.md
// §4.5 ("samples the first two hops... aborts if estimated expansion
// exceeds 1e6").
func EstimateBranchingFactor(snap kv.SnapshotHandle, start string, dir Direction, decode func([]byte) Edge) (float64, error) {
	hop1, err := neighbors(snap, start, dir, decode)
	if err != nil || len(hop1) == 0 {
		return 0, err
	}
	var totalHop2 int
	sampled := 0
	for _, e := range hop1 {
		v := e.To
		if dir == Inbound {
			v = e.From
		}
		hop2, err := neighbors(snap, v, dir, decode)
		if err != nil {
			return 0, err
		}
		totalHop2 += len(hop2)
		sampled++
	}
	if sampled == 0 {
		return float64(len(hop1)), nil
	}
	avgHop2 := float64(totalHop2) / float64(sampled)
	return float64(len(hop1)) * avgHop2, nil
}

// EstimatedExpansionTooLarge applies the 1e6 abort threshold.
func EstimatedExpansionTooLarge(estimate float64) bool {
	return estimate > 1e6
}
