package plan

import (
	"go.themisdb.dev/internal/aql/ast"
	"go.themisdb.dev/internal/codec"
	"go.themisdb.dev/internal/index"
)

// Translate builds the physical plan tree for one clause pipeline
// (spec.md §4.10). cteNames identifies which bare collection names in a
// FOR clause actually refer to a CTE binding rather than a stored
// table, so the FOR is lowered to CTERef instead of Scan. cat is the
// index catalog consulted to fold a FOR+FILTER pair into IndexScan/
// RangeScan/CompositeScan instead of a full Scan whenever the FILTER
// matches a declared index; cat may be nil, in which case every bare
// collection FOR lowers to Scan as before.
//
// Each FOR starts a new stream; a second FOR nests the running plan
// into a NestedLoopJoin. Translate never emits a HashJoin node.
func Translate(q *ast.Query, cteNames map[string]bool, cat Catalog) *Node {
	var cur *Node
	clauses := q.Clauses
	for i, cl := range clauses {
		switch {
		case cl.For != nil:
			var nextFilter *ast.FilterClause
			if i+1 < len(clauses) && clauses[i+1].Filter != nil {
				nextFilter = clauses[i+1].Filter
			}
			node := forNode(cl.For, cteNames, cat, nextFilter)
			if cur == nil {
				cur = node
			} else {
				cur = &Node{Kind: NestedLoopJoin, Children: []*Node{cur, node}}
			}

		case cl.Traversal != nil:
			cur = traversalNode(cl.Traversal, cur)

		case cl.Filter != nil:
			cur = &Node{Kind: Filter, Expr: cl.Filter.Cond, Children: []*Node{cur}}

		case cl.Let != nil:
			cur = &Node{Kind: LetNode, Var: cl.Let.Var, Expr: cl.Let.Expr, Children: []*Node{cur}}

		case cl.Sort != nil:
			// Apply keys lowest-priority-first so the stable sort on the
			// last-applied (highest-priority) key wins ties correctly.
			for i := len(cl.Sort.Keys) - 1; i >= 0; i-- {
				k := cl.Sort.Keys[i]
				dir := ""
				if k.Descending {
					dir = "DESC"
				}
				cur = &Node{Kind: Sort, Expr: k.Expr, Bound: dir, Children: []*Node{cur}}
			}

		case cl.Limit != nil:
			cur = &Node{Kind: Limit, Offset: cl.Limit.Offset, Count: cl.Limit.Count, Children: []*Node{cur}}

		case cl.Collect != nil:
			var groupVar string
			var groupExpr *ast.Expr
			if len(cl.Collect.GroupBy) > 0 {
				groupVar = cl.Collect.GroupBy[0].Var
				groupExpr = cl.Collect.GroupBy[0].Expr
			}
			cur = &Node{Kind: Aggregate, Var: groupVar, Expr: groupExpr, Aggregates: cl.Collect.Aggregates, Children: []*Node{cur}}

		case cl.Return != nil:
			cur = &Node{Kind: Project, Var: "_return", Expr: cl.Return.Expr, Children: []*Node{cur}}
		}
	}
	return cur
}

func forNode(f *ast.ForClause, cteNames map[string]bool, cat Catalog, nextFilter *ast.FilterClause) *Node {
	if f.Collection != "" {
		if cteNames[f.Collection] {
			return &Node{Kind: CTERef, CTEName: f.Collection, Var: f.Var}
		}
		if node := chooseIndexScan(f, cat, nextFilter); node != nil {
			return node
		}
		return &Node{Kind: Scan, Table: f.Collection, Var: f.Var}
	}
	if node := sourceFunctionNode(f); node != nil {
		return node
	}
	// An expression source (array literal, subquery result) is lowered
	// to a Scan node carrying the expression; the executor evaluates it
	// directly and binds one row per array element instead of calling
	// out to a table SourceFunc.
	return &Node{Kind: Scan, Var: f.Var, Expr: f.Source}
}

func traversalNode(t *ast.TraversalClause, start *Node) *Node {
	kind := Traversal
	if t.ShortestPathTo != nil {
		kind = ShortestPath
	}
	node := &Node{
		Kind:      kind,
		Table:     t.Collection,
		Var:       t.VertexVar,
		EdgeVar:   t.EdgeVar,
		PathVar:   t.PathVar,
		Direction: t.Direction,
		MinDepth:  t.MinDepth,
		MaxDepth:  t.MaxDepth,
		Expr:      t.Start,
		Target:    t.ShortestPathTo,
	}
	if start == nil {
		return node
	}
	return &Node{Kind: NestedLoopJoin, Children: []*Node{start, node}}
}

// sourceFunctionNode recognizes the pseudo-collection functions that
// lower a FOR's expression source straight into an index-backed scan
// instead of the array-literal evaluation path: FULLTEXT(table, col,
// query[, limit]), WITHIN_RADIUS(table, col, lon, lat, radiusMeters),
// and VECTOR_SEARCH(table, col, queryVector, k).
func sourceFunctionNode(f *ast.ForClause) *Node {
	if f.Source == nil || f.Source.Call == nil {
		return nil
	}
	call := f.Source.Call
	switch call.Name {
	case "FULLTEXT":
		if len(call.Args) < 3 {
			return nil
		}
		table, ok1 := literalString(call.Args[0])
		col, ok2 := literalString(call.Args[1])
		query, ok3 := literalString(call.Args[2])
		if !ok1 || !ok2 || !ok3 {
			return nil
		}
		k := 0
		if len(call.Args) > 3 {
			if lim, ok := literalInt(call.Args[3]); ok {
				k = int(lim)
			}
		}
		return &Node{Kind: FulltextScan, Table: table, Var: f.Var, Column: col, Query: query, K: k}

	case "WITHIN_RADIUS":
		if len(call.Args) != 5 {
			return nil
		}
		table, ok1 := literalString(call.Args[0])
		col, ok2 := literalString(call.Args[1])
		lon, ok3 := literalFloat(call.Args[2])
		lat, ok4 := literalFloat(call.Args[3])
		radius, ok5 := literalFloat(call.Args[4])
		if !ok1 || !ok2 || !ok3 || !ok4 || !ok5 {
			return nil
		}
		return &Node{Kind: SpatialScan, Table: table, Var: f.Var, Column: col, CenterLon: lon, CenterLat: lat, Radius: radius}

	case "VECTOR_SEARCH":
		if len(call.Args) != 4 {
			return nil
		}
		table, ok1 := literalString(call.Args[0])
		col, ok2 := literalString(call.Args[1])
		vec, ok3 := literalFloatArray(call.Args[2])
		k, ok4 := literalInt(call.Args[3])
		if !ok1 || !ok2 || !ok3 || !ok4 {
			return nil
		}
		return &Node{Kind: VectorKnn, Table: table, Var: f.Var, Column: col, VectorQuery: vec, K: int(k)}
	}
	return nil
}

func literalString(e *ast.Expr) (string, bool) {
	if e == nil || e.Literal == nil || e.Literal.String == nil {
		return "", false
	}
	return *e.Literal.String, true
}

func literalFloat(e *ast.Expr) (float64, bool) {
	if e == nil || e.Literal == nil {
		return 0, false
	}
	switch {
	case e.Literal.Float != nil:
		return *e.Literal.Float, true
	case e.Literal.Int != nil:
		return float64(*e.Literal.Int), true
	}
	return 0, false
}

func literalInt(e *ast.Expr) (int64, bool) {
	if e == nil || e.Literal == nil || e.Literal.Int == nil {
		return 0, false
	}
	return *e.Literal.Int, true
}

func literalFloatArray(e *ast.Expr) ([]float32, bool) {
	if e == nil || e.Literal == nil || e.Literal.Array == nil {
		return nil, false
	}
	out := make([]float32, len(e.Literal.Array))
	for i, item := range e.Literal.Array {
		f, ok := literalFloat(item)
		if !ok {
			return nil, false
		}
		out[i] = float32(f)
	}
	return out, true
}

// chooseIndexScan matches the conjuncts of nextFilter's condition
// against f's declared indexes, building one Candidate per match and
// picking the cheapest via PickCheapest — spec.md §4.10's "prefer more
// selective index" tie-breaker, reusing the composite-arity signal as
// the selectivity proxy since no row-count statistics are collected.
func chooseIndexScan(f *ast.ForClause, cat Catalog, nextFilter *ast.FilterClause) *Node {
	if cat == nil || nextFilter == nil {
		return nil
	}
	decls := cat.IndexesOn(f.Collection)
	if len(decls) == 0 {
		return nil
	}
	preds := conjuncts(nextFilter.Cond)

	var candidates []Candidate
	for _, decl := range decls {
		switch decl.Kind {
		case index.Equality:
			if v, ok := matchEquality(f.Var, decl.Cols[0], preds); ok {
				node := &Node{Kind: IndexScan, Table: f.Collection, Var: f.Var, Column: decl.Cols[0], IndexName: decl.Name, MatchValues: []codec.Value{v}}
				candidates = append(candidates, Candidate{Node: node, Cost: 1, IndexArity: 1})
			}
		case index.Sparse:
			if matchSparse(f.Var, decl.Cols[0], preds) {
				node := &Node{Kind: IndexScan, Table: f.Collection, Var: f.Var, Column: decl.Cols[0], IndexName: decl.Name}
				candidates = append(candidates, Candidate{Node: node, Cost: 2, IndexArity: 1})
			}
		case index.Range:
			if lo, hi, ok := matchRange(f.Var, decl.Cols[0], preds); ok {
				node := &Node{Kind: RangeScan, Table: f.Collection, Var: f.Var, Column: decl.Cols[0], IndexName: decl.Name, LowerBound: lo, UpperBound: hi}
				candidates = append(candidates, Candidate{Node: node, Cost: 3, IndexArity: 1})
			}
		case index.Composite:
			vals, ok := matchComposite(f.Var, decl.Cols, preds)
			if ok {
				node := &Node{Kind: CompositeScan, Table: f.Collection, Var: f.Var, Columns: decl.Cols, IndexName: decl.Name, MatchValues: vals}
				candidates = append(candidates, Candidate{Node: node, Cost: 1, IndexArity: len(decl.Cols)})
			}
		}
	}
	return PickCheapest(candidates)
}

// conjuncts flattens a chain of AND expressions into its leaf predicates.
func conjuncts(e *ast.Expr) []*ast.Expr {
	if e == nil {
		return nil
	}
	if e.Binary != nil && e.Binary.Op == ast.OpAnd {
		return append(conjuncts(e.Binary.Left), conjuncts(e.Binary.Right)...)
	}
	return []*ast.Expr{e}
}

// fieldOf reports whether e is `base.col` for the given FOR variable.
func fieldOf(e *ast.Expr, v, col string) bool {
	return e != nil && e.Field != nil && e.Field.Field == col &&
		e.Field.Base != nil && e.Field.Base.Ident != nil && *e.Field.Base.Ident == v
}

func literalValue(e *ast.Expr) (codec.Value, bool) {
	if e == nil || e.Literal == nil {
		return codec.Value{}, false
	}
	switch {
	case e.Literal.Int != nil:
		return codec.FromInt64(*e.Literal.Int), true
	case e.Literal.Float != nil:
		return codec.FromFloat64(*e.Literal.Float), true
	case e.Literal.String != nil:
		return codec.FromString(*e.Literal.String), true
	case e.Literal.Bool != nil:
		return codec.FromBool(*e.Literal.Bool), true
	}
	return codec.Value{}, false
}

func matchEquality(v, col string, preds []*ast.Expr) (codec.Value, bool) {
	for _, p := range preds {
		if p.Binary == nil || p.Binary.Op != ast.OpEq {
			continue
		}
		if fieldOf(p.Binary.Left, v, col) {
			if val, ok := literalValue(p.Binary.Right); ok {
				return val, true
			}
		}
		if fieldOf(p.Binary.Right, v, col) {
			if val, ok := literalValue(p.Binary.Left); ok {
				return val, true
			}
		}
	}
	return codec.Value{}, false
}

func matchSparse(v, col string, preds []*ast.Expr) bool {
	for _, p := range preds {
		if p.Binary == nil || p.Binary.Op != ast.OpNeq {
			continue
		}
		left, right := p.Binary.Left, p.Binary.Right
		if fieldOf(left, v, col) && right != nil && right.Literal != nil && right.Literal.Null {
			return true
		}
		if fieldOf(right, v, col) && left != nil && left.Literal != nil && left.Literal.Null {
			return true
		}
	}
	return false
}

func matchRange(v, col string, preds []*ast.Expr) (lo, hi index.Bound, ok bool) {
	for _, p := range preds {
		if p.Binary == nil {
			continue
		}
		op := p.Binary.Op
		if op != ast.OpLt && op != ast.OpLte && op != ast.OpGt && op != ast.OpGte {
			continue
		}
		var val codec.Value
		var have bool
		var fieldIsLeft bool
		if fieldOf(p.Binary.Left, v, col) {
			if val, have = literalValue(p.Binary.Right); have {
				fieldIsLeft = true
			}
		} else if fieldOf(p.Binary.Right, v, col) {
			val, have = literalValue(p.Binary.Left)
		}
		if !have {
			continue
		}
		// Normalize so "field OP literal" always reads as the bound the
		// field itself must satisfy (flip when the literal was on the left).
		effOp := op
		if !fieldIsLeft {
			switch op {
			case ast.OpLt:
				effOp = ast.OpGt
			case ast.OpLte:
				effOp = ast.OpGte
			case ast.OpGt:
				effOp = ast.OpLt
			case ast.OpGte:
				effOp = ast.OpLte
			}
		}
		switch effOp {
		case ast.OpGt:
			lo = index.Bound{Value: val, Inclusive: false, Set: true}
		case ast.OpGte:
			lo = index.Bound{Value: val, Inclusive: true, Set: true}
		case ast.OpLt:
			hi = index.Bound{Value: val, Inclusive: false, Set: true}
		case ast.OpLte:
			hi = index.Bound{Value: val, Inclusive: true, Set: true}
		}
		ok = true
	}
	return lo, hi, ok
}

func matchComposite(v string, cols []string, preds []*ast.Expr) ([]codec.Value, bool) {
	vals := make([]codec.Value, len(cols))
	for i, col := range cols {
		val, found := matchEquality(v, col, preds)
		if !found {
			return nil, false
		}
		vals[i] = val
	}
	return vals, true
}

// CTENames collects the set of CTE binding names visible to q's main
// clause pipeline, for Translate's FOR-vs-CTERef disambiguation.
func CTENames(q *ast.Query) map[string]bool {
	out := make(map[string]bool, len(q.CTEs))
	for _, cte := range q.CTEs {
		out[cte.Name] = true
	}
	return out
}
