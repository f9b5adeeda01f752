// Package plan translates an AQL AST into a physical plan tree and
// chooses among alternative physical strategies using the cost model
// from spec.md §4.10: Vector+Geo and Content+Geo hybrid cost
// comparisons, Graph+Geo branching-factor sampling, and the CTE
// materialize-vs-inline policy.
package plan

import (
	"sort"

	"go.themisdb.dev/internal/aql/ast"
	"go.themisdb.dev/internal/codec"
	"go.themisdb.dev/internal/index"
)

// Catalog answers the questions Translate needs to fold a FOR+FILTER
// pipeline into a narrower physical scan than a full Scan+Filter: which
// secondary indexes exist on a table, and whether a fulltext/spatial/
// vector index is declared on a given column.
type Catalog interface {
	IndexesOn(table string) []index.Declaration
}

// NodeKind enumerates every physical plan node type spec.md §4.10 names.
type NodeKind string

const (
	Scan            NodeKind = "Scan"
	IndexScan       NodeKind = "IndexScan"
	RangeScan       NodeKind = "RangeScan"
	CompositeScan   NodeKind = "CompositeScan"
	FulltextScan    NodeKind = "FulltextScan"
	SpatialScan     NodeKind = "SpatialScan"
	VectorKnn       NodeKind = "VectorKnn"
	HashJoin        NodeKind = "HashJoin"
	NestedLoopJoin  NodeKind = "NestedLoopJoin"
	Filter          NodeKind = "Filter"
	Project         NodeKind = "Project"
	Sort            NodeKind = "Sort"
	Limit           NodeKind = "Limit"
	Aggregate       NodeKind = "Aggregate"
	Traversal       NodeKind = "Traversal"
	ShortestPath    NodeKind = "ShortestPath"
	LetNode         NodeKind = "Let"
	CTEMaterialize  NodeKind = "CTEMaterialize"
	CTERef          NodeKind = "CTERef"
	SubqueryScalar  NodeKind = "SubqueryScalar"
	SubqueryArray   NodeKind = "SubqueryArray"
	QuantifierNode  NodeKind = "Quantifier"
)

// Node is one physical plan node. Fields not relevant to Kind are zero.
type Node struct {
	Kind     NodeKind
	Table    string
	Column   string
	Var      string
	Children []*Node

	// IndexScan/RangeScan/CompositeScan detail: the declared index this
	// scan reads through and the literal value(s) folded in from the
	// FILTER clause the planner matched against it. Columns/MatchValues
	// carry the composite case; Column/MatchValue (0th element) alone
	// covers Equality/Range/Sparse.
	IndexName   string
	Columns     []string
	MatchValues []codec.Value
	LowerBound  index.Bound
	UpperBound  index.Bound
	Bound       string // Sort nodes: "ASC" or "DESC", read by the executor for sort direction

	// FulltextScan detail.
	Query string
	K     int

	// SpatialScan detail: a center point and radius (meters), matching
	// the WITHIN_RADIUS pseudo-collection function.
	CenterLon, CenterLat, Radius float64

	// VectorKnn detail.
	VectorQuery []float32

	// Filter/Project/Sort/Limit/Aggregate detail. For Aggregate, Expr
	// carries the COLLECT group-by expression (nil for a single
	// ungrouped aggregate row) and Aggregates carries the AGGREGATE list.
	Expr       *ast.Expr
	Offset     int64
	Count      int64
	Aggregates []ast.Aggregate

	// Traversal/ShortestPath detail. Var is the bound vertex variable,
	// Table the edge collection, Expr the start-vertex expression.
	Direction string
	MinDepth  int64
	MaxDepth  int64
	EdgeVar   string
	PathVar   string
	Target    *ast.Expr // ShortestPath's TO expression, nil for Traversal

	// CTE detail.
	CTEName string

	// Cost is the estimated cost assigned by the planner, used for
	// tie-breaking and for tests asserting which strategy won.
	Cost float64
}

// CTEUsage tracks how many times a CTE is referenced and whether any
// reference appears inside an aggregate/SORT/GROUP context.
type CTEUsage struct {
	RefCount      int
	UsedInGrouped bool
}

// CountCTERefs walks q looking for FOR collections and Ident/CTERef
// expressions matching cteName, returning usage stats that drive the
// materialize decision.
func CountCTERefs(q *ast.Query, cteName string) CTEUsage {
	var usage CTEUsage
	for _, cl := range q.Clauses {
		grouped := cl.Sort != nil || cl.Collect != nil
		if cl.For != nil && cl.For.Collection == cteName {
			usage.RefCount++
		}
		walkClauseExprs(cl, func(e *ast.Expr) {
			if refsName(e, cteName) {
				usage.RefCount++
				if grouped {
					usage.UsedInGrouped = true
				}
			}
		})
	}
	return usage
}

func refsName(e *ast.Expr, name string) bool {
	if e == nil {
		return false
	}
	if e.Ident != nil && *e.Ident == name {
		return true
	}
	if e.CTERef != nil && *e.CTERef == name {
		return true
	}
	found := false
	walkExpr(e, func(sub *ast.Expr) {
		if sub.Ident != nil && *sub.Ident == name {
			found = true
		}
		if sub.CTERef != nil && *sub.CTERef == name {
			found = true
		}
	})
	return found
}

func walkExpr(e *ast.Expr, visit func(*ast.Expr)) {
	if e == nil {
		return
	}
	visit(e)
	if e.Field != nil {
		walkExpr(e.Field.Base, visit)
	}
	if e.Binary != nil {
		walkExpr(e.Binary.Left, visit)
		walkExpr(e.Binary.Right, visit)
	}
	if e.Unary != nil {
		walkExpr(e.Unary.Operand, visit)
	}
	if e.Call != nil {
		for _, a := range e.Call.Args {
			walkExpr(a, visit)
		}
	}
	if e.Quantifier != nil {
		walkExpr(e.Quantifier.Array, visit)
		walkExpr(e.Quantifier.Predicate, visit)
	}
	if e.Literal != nil {
		for _, a := range e.Literal.Array {
			walkExpr(a, visit)
		}
		for _, v := range e.Literal.Object {
			walkExpr(v, visit)
		}
	}
}

func walkClauseExprs(cl ast.Clause, visit func(*ast.Expr)) {
	switch {
	case cl.Filter != nil:
		visit(cl.Filter.Cond)
	case cl.Let != nil:
		visit(cl.Let.Expr)
	case cl.Sort != nil:
		for _, k := range cl.Sort.Keys {
			visit(k.Expr)
		}
	case cl.Collect != nil:
		for _, gb := range cl.Collect.GroupBy {
			visit(gb.Expr)
		}
		for _, agg := range cl.Collect.Aggregates {
			visit(agg.Arg)
		}
	case cl.Return != nil:
		visit(cl.Return.Expr)
	case cl.For != nil && cl.For.Source != nil:
		visit(cl.For.Source)
	}
}

// ShouldMaterialize implements the CTE policy from spec.md §4.10:
// ref_count > 1, or any reference used in an aggregate/SORT/GROUP
// context, forces materialization; a single plain reference may inline.
func ShouldMaterialize(u CTEUsage) bool {
	return u.RefCount > 1 || u.UsedInGrouped
}

// VectorGeoStats carries the estimates the Vector+Geo cost model needs.
type VectorGeoStats struct {
	Dim               int
	K                 float64 // requested top-k
	SpatialCandidates float64
	LogN              float64
	Overfetch         float64
	PrefilterSize     float64
	SpatialUniverse   float64
	CVecBase          float64
	CIndexSpatial     float64
	CSpatialEval      float64
}

const vecBaseDim = 128

// ChooseVectorGeoPlan picks between spatial-first and vector-first
// strategies per spec.md §4.10's worked cost formulas, applying the
// prefilter discount when the equality/range prefilter is under 10% of
// the spatial universe.
func ChooseVectorGeoPlan(s VectorGeoStats) (spatialFirst bool, cost float64) {
	dimScale := float64(s.Dim) / vecBaseDim
	cVec := s.CVecBase * dimScale
	spatialCost := s.SpatialCandidates * (s.CIndexSpatial + cVec)
	vectorCost := s.LogN*dimScale + s.K*s.Overfetch*s.CSpatialEval

	if s.SpatialUniverse > 0 && s.PrefilterSize/s.SpatialUniverse < 0.10 {
		spatialCost *= 0.5
	}

	if spatialCost <= vectorCost {
		return true, spatialCost
	}
	return false, vectorCost
}

// ContentGeoStats carries the estimates the Content+Geo cost model needs.
type ContentGeoStats struct {
	BBoxRatio      float64
	EstimatedHits  float64
	FulltextIndexed bool
	SpatialIndexed  bool
}

// ChooseContentGeoPlan picks fulltext-first vs spatial-first per
// spec.md §4.10: a bbox covering under 1% of the space boosts
// spatial-first; otherwise prefer whichever side has an index and,
// failing that, the side with fewer estimated hits.
func ChooseContentGeoPlan(s ContentGeoStats) (spatialFirst bool) {
	if s.BBoxRatio < 0.01 {
		return true
	}
	if s.SpatialIndexed && !s.FulltextIndexed {
		return true
	}
	if s.FulltextIndexed && !s.SpatialIndexed {
		return false
	}
	return s.EstimatedHits > 1000
}

// GraphGeoAbortThreshold is the estimated-vertex-count ceiling past
// which a Graph+Geo traversal plan is rejected in favor of a full scan
// (spec.md §4.10).
const GraphGeoAbortThreshold = 1_000_000

// EstimateGraphGeoExpansion extrapolates a branching factor sampled
// over the first two hops out to maxDepth.
func EstimateGraphGeoExpansion(branchingFactor float64, maxDepth int64) float64 {
	estimate := 1.0
	acc := 1.0
	for i := int64(0); i < maxDepth; i++ {
		acc *= branchingFactor
		estimate += acc
	}
	return estimate
}

// Candidate is one physical alternative considered for a query shape,
// used by the deterministic tie-breaker.
type Candidate struct {
	Node         *Node
	Cost         float64
	IndexArity   int // number of columns the chosen index covers; higher = more selective
}

// PickCheapest returns the lowest-cost candidate; ties break toward the
// candidate whose index covers more columns (more selective), then
// toward the first candidate in input order for full determinism.
func PickCheapest(candidates []Candidate) *Node {
	if len(candidates) == 0 {
		return nil
	}
	sorted := make([]Candidate, len(candidates))
	copy(sorted, candidates)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Cost != sorted[j].Cost {
			return sorted[i].Cost < sorted[j].Cost
		}
		return sorted[i].IndexArity > sorted[j].IndexArity
	})
	return sorted[0].Node
}
