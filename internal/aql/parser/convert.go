package parser

import (
	"strings"

	"go.themisdb.dev/internal/aql/ast"
)

func convertQuery(c *cstQuery) (*ast.Query, error) {
	q := &ast.Query{}
	for _, cte := range c.CTEs {
		sub, err := convertQuery(cte.Sub)
		if err != nil {
			return nil, err
		}
		q.CTEs = append(q.CTEs, ast.CTE{Name: cte.Name, Subquery: sub})
	}
	for _, cl := range c.Clauses {
		conv, err := convertClause(cl)
		if err != nil {
			return nil, err
		}
		q.Clauses = append(q.Clauses, conv)
	}
	return q, nil
}

func convertClause(c *cstClause) (ast.Clause, error) {
	switch {
	case c.Traversal != nil:
		start, err := convertExpr(c.Traversal.Start)
		if err != nil {
			return ast.Clause{}, err
		}
		var pathVar string
		if c.Traversal.PathVar != nil {
			pathVar = *c.Traversal.PathVar
		}
		var target *ast.Expr
		if c.Traversal.ToTarget != nil {
			target, err = convertExpr(c.Traversal.ToTarget)
			if err != nil {
				return ast.Clause{}, err
			}
		}
		return ast.Clause{Traversal: &ast.TraversalClause{
			VertexVar:      c.Traversal.VertexVar,
			EdgeVar:        c.Traversal.EdgeVar,
			PathVar:        pathVar,
			MinDepth:       c.Traversal.MinDepth,
			MaxDepth:       c.Traversal.MaxDepth,
			Direction:      strings.ToUpper(c.Traversal.Direction),
			Start:          start,
			Collection:     c.Traversal.Collection,
			ShortestPathTo: target,
		}}, nil

	case c.For != nil:
		var src *ast.Expr
		coll := ""
		if c.For.Collection != nil {
			coll = *c.For.Collection
		} else if c.For.Source != nil {
			e, err := convertExpr(c.For.Source)
			if err != nil {
				return ast.Clause{}, err
			}
			src = e
		}
		return ast.Clause{For: &ast.ForClause{Var: c.For.Var, Collection: coll, Source: src}}, nil

	case c.Filter != nil:
		e, err := convertExpr(c.Filter.Cond)
		if err != nil {
			return ast.Clause{}, err
		}
		return ast.Clause{Filter: &ast.FilterClause{Cond: e}}, nil

	case c.Let != nil:
		e, err := convertExpr(c.Let.Expr)
		if err != nil {
			return ast.Clause{}, err
		}
		return ast.Clause{Let: &ast.LetClause{Var: c.Let.Var, Expr: e}}, nil

	case c.Sort != nil:
		var keys []ast.SortKey
		for _, k := range c.Sort.Keys {
			e, err := convertExpr(k.Expr)
			if err != nil {
				return ast.Clause{}, err
			}
			desc := k.Dir != nil && strings.EqualFold(*k.Dir, "DESC")
			keys = append(keys, ast.SortKey{Expr: e, Descending: desc})
		}
		return ast.Clause{Sort: &ast.SortClause{Keys: keys}}, nil

	case c.Limit != nil:
		if c.Limit.Second != nil {
			return ast.Clause{Limit: &ast.LimitClause{Offset: c.Limit.First, Count: *c.Limit.Second}}, nil
		}
		return ast.Clause{Limit: &ast.LimitClause{Offset: 0, Count: c.Limit.First}}, nil

	case c.Collect != nil:
		var groupBy []ast.LetClause
		if c.Collect.GroupVar != nil && c.Collect.GroupExpr != nil {
			e, err := convertExpr(c.Collect.GroupExpr)
			if err != nil {
				return ast.Clause{}, err
			}
			groupBy = append(groupBy, ast.LetClause{Var: *c.Collect.GroupVar, Expr: e})
		}
		var into string
		if c.Collect.Into != nil {
			into = *c.Collect.Into
		}
		var aggs []ast.Aggregate
		for _, a := range c.Collect.Aggs {
			e, err := convertExpr(a.Arg)
			if err != nil {
				return ast.Clause{}, err
			}
			aggs = append(aggs, ast.Aggregate{Var: a.Var, Func: a.Func, Arg: e})
		}
		return ast.Clause{Collect: &ast.CollectClause{GroupBy: groupBy, Into: into, Aggregates: aggs}}, nil

	case c.Return != nil:
		e, err := convertExpr(c.Return.Expr)
		if err != nil {
			return ast.Clause{}, err
		}
		return ast.Clause{Return: &ast.ReturnClause{Expr: e}}, nil
	}
	return ast.Clause{}, mustErr("empty clause")
}

func mustErr(format string, args ...any) error {
	return &parseErr{msg: format}
}

type parseErr struct{ msg string }

func (e *parseErr) Error() string { return e.msg }

func convertExpr(e *cstExpr) (*ast.Expr, error) {
	return convertOr(e.Or)
}

func convertOr(o *cstOr) (*ast.Expr, error) {
	left, err := convertAnd(o.Left)
	if err != nil {
		return nil, err
	}
	for _, r := range o.Right {
		right, err := convertAnd(r)
		if err != nil {
			return nil, err
		}
		left = &ast.Expr{Binary: &ast.BinaryExpr{Op: ast.OpOr, Left: left, Right: right}}
	}
	return left, nil
}

func convertAnd(a *cstAnd) (*ast.Expr, error) {
	left, err := convertNot(a.Left)
	if err != nil {
		return nil, err
	}
	for _, r := range a.Right {
		right, err := convertNot(r)
		if err != nil {
			return nil, err
		}
		left = &ast.Expr{Binary: &ast.BinaryExpr{Op: ast.OpAnd, Left: left, Right: right}}
	}
	return left, nil
}

func convertNot(n *cstNot) (*ast.Expr, error) {
	inner, err := convertCompare(n.Inner)
	if err != nil {
		return nil, err
	}
	if n.Negated {
		return &ast.Expr{Unary: &ast.UnaryExpr{Op: ast.OpNot, Operand: inner}}, nil
	}
	return inner, nil
}

var compareOps = map[string]ast.BinaryOp{
	"==": ast.OpEq, "!=": ast.OpNeq, "<=": ast.OpLte, ">=": ast.OpGte,
	"<": ast.OpLt, ">": ast.OpGt, "IN": ast.OpIn, "in": ast.OpIn,
}

func convertCompare(c *cstCompare) (*ast.Expr, error) {
	left, err := convertAdditive(c.Left)
	if err != nil {
		return nil, err
	}
	if c.Op == nil {
		return left, nil
	}
	right, err := convertAdditive(c.Right)
	if err != nil {
		return nil, err
	}
	return &ast.Expr{Binary: &ast.BinaryExpr{Op: compareOps[*c.Op], Left: left, Right: right}}, nil
}

func convertAdditive(a *cstAdditive) (*ast.Expr, error) {
	left, err := convertMultiplicative(a.Left)
	if err != nil {
		return nil, err
	}
	for i, op := range a.Ops {
		right, err := convertMultiplicative(a.Rest[i])
		if err != nil {
			return nil, err
		}
		bop := ast.OpAdd
		if op == "-" {
			bop = ast.OpSub
		}
		left = &ast.Expr{Binary: &ast.BinaryExpr{Op: bop, Left: left, Right: right}}
	}
	return left, nil
}

func convertMultiplicative(m *cstMultiplicative) (*ast.Expr, error) {
	left, err := convertUnary(m.Left)
	if err != nil {
		return nil, err
	}
	for i, op := range m.Ops {
		right, err := convertUnary(m.Rest[i])
		if err != nil {
			return nil, err
		}
		bop := ast.OpMul
		if op == "/" {
			bop = ast.OpDiv
		}
		left = &ast.Expr{Binary: &ast.BinaryExpr{Op: bop, Left: left, Right: right}}
	}
	return left, nil
}

func convertUnary(u *cstUnary) (*ast.Expr, error) {
	inner, err := convertPostfix(u.Inner)
	if err != nil {
		return nil, err
	}
	if u.Neg {
		return &ast.Expr{Unary: &ast.UnaryExpr{Op: ast.OpNeg, Operand: inner}}, nil
	}
	return inner, nil
}

func convertPostfix(p *cstPostfix) (*ast.Expr, error) {
	base, err := convertPrimary(p.Base)
	if err != nil {
		return nil, err
	}
	for _, field := range p.Fields {
		base = &ast.Expr{Field: &ast.FieldAccess{Base: base, Field: field}}
	}
	return base, nil
}

func convertPrimary(p *cstPrimary) (*ast.Expr, error) {
	switch {
	case p.Subquery != nil:
		sub, err := convertQuery(p.Subquery)
		if err != nil {
			return nil, err
		}
		return &ast.Expr{Subquery: &ast.Subquery{Query: sub}}, nil

	case p.Quantifier != nil:
		arr, err := convertExpr(p.Quantifier.Array)
		if err != nil {
			return nil, err
		}
		pred, err := convertExpr(p.Quantifier.Pred)
		if err != nil {
			return nil, err
		}
		return &ast.Expr{Quantifier: &ast.Quantifier{
			All: p.Quantifier.All, Var: p.Quantifier.Var, Array: arr, Predicate: pred,
		}}, nil

	case p.Call != nil:
		args := make([]*ast.Expr, len(p.Call.Args))
		for i, a := range p.Call.Args {
			e, err := convertExpr(a)
			if err != nil {
				return nil, err
			}
			args[i] = e
		}
		return &ast.Expr{Call: &ast.FunctionCall{Name: p.Call.Name, Args: args}}, nil

	case p.Array != nil:
		items := make([]*ast.Expr, len(p.Array.Items))
		for i, it := range p.Array.Items {
			e, err := convertExpr(it)
			if err != nil {
				return nil, err
			}
			items[i] = e
		}
		return &ast.Expr{Literal: &ast.Literal{Array: items}}, nil

	case p.Object != nil:
		obj := make(map[string]*ast.Expr, len(p.Object.Entries))
		for _, entry := range p.Object.Entries {
			e, err := convertExpr(entry.Value)
			if err != nil {
				return nil, err
			}
			obj[entry.Key] = e
		}
		return &ast.Expr{Literal: &ast.Literal{Object: obj}}, nil

	case p.Null:
		return &ast.Expr{Literal: &ast.Literal{Null: true}}, nil

	case p.Bool != nil:
		b := strings.EqualFold(*p.Bool, "true")
		return &ast.Expr{Literal: &ast.Literal{Bool: &b}}, nil

	case p.Float != nil:
		return &ast.Expr{Literal: &ast.Literal{Float: p.Float}}, nil

	case p.Int != nil:
		return &ast.Expr{Literal: &ast.Literal{Int: p.Int}}, nil

	case p.String != nil:
		return &ast.Expr{Literal: &ast.Literal{String: p.String}}, nil

	case p.Ident != nil:
		return &ast.Expr{Ident: p.Ident}, nil
	}
	return nil, mustErr("empty primary expression")
}
