// Package ast defines the typed AQL syntax tree from spec.md §4.9:
// Query, Stmt, Expr, FunctionCall, Subquery, CTE, Traversal. The
// surface covers FOR…IN, FILTER, SORT, LIMIT, COLLECT, LET, RETURN,
// WITH (CTEs), parenthesized subqueries, ANY/ALL…SATISFIES
// quantifiers, function calls, and graph traversal with an optional
// SHORTEST_PATH TO clause.
package ast

// Query is the root of a parsed AQL statement: zero or more CTEs
// followed by the main clause pipeline.
type Query struct {
	CTEs   []CTE
	Clauses []Clause
}

// CTE is a `WITH name AS (subquery)` binding.
type CTE struct {
	Name     string
	Subquery *Query
}

// Clause is one pipeline stage. Exactly one concrete type is set.
type Clause struct {
	For       *ForClause
	Filter    *FilterClause
	Let       *LetClause
	Sort      *SortClause
	Limit     *LimitClause
	Collect   *CollectClause
	Return    *ReturnClause
	Traversal *TraversalClause
}

// ForClause is `FOR var IN collectionOrExpr`.
type ForClause struct {
	Var        string
	Collection string // bare collection name, empty if Source is an expression
	Source     *Expr  // subquery/array expression source, nil if Collection is set
}

// FilterClause is `FILTER expr`.
type FilterClause struct {
	Cond *Expr
}

// LetClause is `LET var = expr`.
type LetClause struct {
	Var  string
	Expr *Expr
}

// SortKey is one `expr [ASC|DESC]` entry.
type SortKey struct {
	Expr       *Expr
	Descending bool
}

// SortClause is `SORT key1 [ASC|DESC], key2 …`.
type SortClause struct {
	Keys []SortKey
}

// LimitClause is `LIMIT [offset,] count`.
type LimitClause struct {
	Offset int64
	Count  int64
}

// Aggregate is one `name = FUNC(expr)` binding inside COLLECT AGGREGATE.
type Aggregate struct {
	Var  string
	Func string
	Arg  *Expr
}

// CollectClause is `COLLECT var = expr [INTO group] [AGGREGATE agg, …]`.
type CollectClause struct {
	GroupBy    []LetClause
	Into       string
	Aggregates []Aggregate
}

// ReturnClause is `RETURN expr`.
type ReturnClause struct {
	Expr *Expr
}

// TraversalClause is `FOR v,e,p IN min..max OUTBOUND|INBOUND start
// collection [SHORTEST_PATH TO target]`.
type TraversalClause struct {
	VertexVar string
	EdgeVar   string
	PathVar   string
	MinDepth  int64
	MaxDepth  int64
	Direction string // "OUTBOUND" | "INBOUND"
	Start     *Expr
	Collection string
	ShortestPathTo *Expr // nil unless SHORTEST_PATH TO was present
}

// Subquery is a parenthesized query used as a scalar or array
// expression.
type Subquery struct {
	Query *Query
}

// Quantifier is `ANY|ALL var IN arrayExpr SATISFIES pred`.
type Quantifier struct {
	All      bool
	Var      string
	Array    *Expr
	Predicate *Expr
}

// FunctionCall is a built-in or user function invocation, e.g.
// `ST_Within(a, b)`, `BM25(doc)`, `LENGTH(arr)`.
type FunctionCall struct {
	Name string
	Args []*Expr
}

// BinaryOp enumerates the operators Expr.Binary supports.
type BinaryOp string

const (
	OpAnd  BinaryOp = "AND"
	OpOr   BinaryOp = "OR"
	OpEq   BinaryOp = "=="
	OpNeq  BinaryOp = "!="
	OpLt   BinaryOp = "<"
	OpLte  BinaryOp = "<="
	OpGt   BinaryOp = ">"
	OpGte  BinaryOp = ">="
	OpAdd  BinaryOp = "+"
	OpSub  BinaryOp = "-"
	OpMul  BinaryOp = "*"
	OpDiv  BinaryOp = "/"
	OpIn   BinaryOp = "IN"
)

// BinaryExpr is `left op right`.
type BinaryExpr struct {
	Op    BinaryOp
	Left  *Expr
	Right *Expr
}

// UnaryOp enumerates the operators Expr.Unary supports.
type UnaryOp string

const (
	OpNot UnaryOp = "NOT"
	OpNeg UnaryOp = "-"
)

// UnaryExpr is `op operand`.
type UnaryExpr struct {
	Op      UnaryOp
	Operand *Expr
}

// FieldAccess is `base.field`.
type FieldAccess struct {
	Base  *Expr
	Field string
}

// Literal holds one scalar/array/object literal value.
type Literal struct {
	Null     bool
	Bool     *bool
	Int      *int64
	Float    *float64
	String   *string
	Array    []*Expr
	Object   map[string]*Expr
}

// Expr is a tagged union over every AQL expression form. Exactly one
// field is set per node, matching spec.md §4.9's "AST is typed" note.
type Expr struct {
	Literal     *Literal
	Ident       *string // bare variable reference
	Field       *FieldAccess
	Binary      *BinaryExpr
	Unary       *UnaryExpr
	Call        *FunctionCall
	Subquery    *Subquery
	Quantifier  *Quantifier
	CTERef      *string // reference to a CTE by name
}
