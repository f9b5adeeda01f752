package exec

import (
	"fmt"
	"strings"

	"go.themisdb.dev/internal/aql/ast"
	"go.themisdb.dev/internal/errs"
)

// eval reduces an ast.Expr to a concrete Go value (bool, int64, float64,
// string, []any, map[string]any, or nil) against the variable bindings
// in ec — the same untyped shape the executor's Row type carries.
func eval(e *ast.Expr, ec *Context) (any, error) {
	switch {
	case e.Literal != nil:
		return evalLiteral(e.Literal, ec)
	case e.Ident != nil:
		return ec.Bindings[*e.Ident], nil
	case e.CTERef != nil:
		rows, ok, err := ec.Cache.Get(*e.CTERef)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, errs.New(errs.Internal, "cte %s not materialized", *e.CTERef)
		}
		return rows, nil
	case e.Field != nil:
		base, err := eval(e.Field.Base, ec)
		if err != nil {
			return nil, err
		}
		obj, ok := base.(map[string]any)
		if !ok {
			return nil, nil
		}
		return obj[e.Field.Field], nil
	case e.Binary != nil:
		return evalBinary(e.Binary, ec)
	case e.Unary != nil:
		return evalUnary(e.Unary, ec)
	case e.Call != nil:
		return evalCall(e.Call, ec)
	case e.Quantifier != nil:
		return evalQuantifierExpr(e.Quantifier, ec)
	case e.Subquery != nil:
		return nil, errs.New(errs.Unsupported, "bare subquery expression requires planner lowering to SubqueryScalar/SubqueryArray")
	}
	return nil, errs.New(errs.Internal, "empty expression node")
}

func evalLiteral(l *ast.Literal, ec *Context) (any, error) {
	switch {
	case l.Null:
		return nil, nil
	case l.Bool != nil:
		return *l.Bool, nil
	case l.Int != nil:
		return *l.Int, nil
	case l.Float != nil:
		return *l.Float, nil
	case l.String != nil:
		return *l.String, nil
	case l.Array != nil:
		out := make([]any, len(l.Array))
		for i, item := range l.Array {
			v, err := eval(item, ec)
			if err != nil {
				return nil, err
			}
			out[i] = v
		}
		return out, nil
	case l.Object != nil:
		out := make(map[string]any, len(l.Object))
		for k, item := range l.Object {
			v, err := eval(item, ec)
			if err != nil {
				return nil, err
			}
			out[k] = v
		}
		return out, nil
	}
	return nil, nil
}

func evalBinary(b *ast.BinaryExpr, ec *Context) (any, error) {
	switch b.Op {
	case ast.OpAnd:
		l, err := evalBool(b.Left, ec)
		if err != nil {
			return nil, err
		}
		if !l {
			return false, nil
		}
		return evalBool(b.Right, ec)
	case ast.OpOr:
		l, err := evalBool(b.Left, ec)
		if err != nil {
			return nil, err
		}
		if l {
			return true, nil
		}
		return evalBool(b.Right, ec)
	}

	left, err := eval(b.Left, ec)
	if err != nil {
		return nil, err
	}
	right, err := eval(b.Right, ec)
	if err != nil {
		return nil, err
	}

	switch b.Op {
	case ast.OpEq:
		return compareValues(left, right) == 0, nil
	case ast.OpNeq:
		return compareValues(left, right) != 0, nil
	case ast.OpLt:
		return compareValues(left, right) < 0, nil
	case ast.OpLte:
		return compareValues(left, right) <= 0, nil
	case ast.OpGt:
		return compareValues(left, right) > 0, nil
	case ast.OpGte:
		return compareValues(left, right) >= 0, nil
	case ast.OpAdd, ast.OpSub, ast.OpMul, ast.OpDiv:
		return evalArith(b.Op, left, right)
	case ast.OpIn:
		arr, ok := right.([]any)
		if !ok {
			return false, nil
		}
		for _, item := range arr {
			if compareValues(left, item) == 0 {
				return true, nil
			}
		}
		return false, nil
	}
	return nil, errs.New(errs.Unsupported, "binary operator %s", b.Op)
}

func evalArith(op ast.BinaryOp, left, right any) (any, error) {
	lf, lok := asFloat(left)
	rf, rok := asFloat(right)
	if !lok || !rok {
		return nil, errs.New(errs.SchemaViolation, "arithmetic requires numeric operands")
	}
	switch op {
	case ast.OpAdd:
		return lf + rf, nil
	case ast.OpSub:
		return lf - rf, nil
	case ast.OpMul:
		return lf * rf, nil
	case ast.OpDiv:
		if rf == 0 {
			return nil, errs.New(errs.SchemaViolation, "division by zero")
		}
		return lf / rf, nil
	}
	return nil, errs.New(errs.Internal, "unreachable arithmetic op %s", op)
}

func evalUnary(u *ast.UnaryExpr, ec *Context) (any, error) {
	v, err := eval(u.Operand, ec)
	if err != nil {
		return nil, err
	}
	switch u.Op {
	case ast.OpNot:
		b, ok := v.(bool)
		if !ok {
			return nil, errs.New(errs.SchemaViolation, "NOT requires a boolean operand")
		}
		return !b, nil
	case ast.OpNeg:
		f, ok := asFloat(v)
		if !ok {
			return nil, errs.New(errs.SchemaViolation, "unary - requires a numeric operand")
		}
		return -f, nil
	}
	return nil, errs.New(errs.Internal, "unreachable unary op %s", u.Op)
}

func evalCall(c *ast.FunctionCall, ec *Context) (any, error) {
	fn, ok := functionRegistry[strings.ToUpper(c.Name)]
	if !ok {
		return nil, errs.New(errs.Unsupported, "unknown function %s", c.Name)
	}
	args := make([]any, len(c.Args))
	for i, a := range c.Args {
		v, err := eval(a, ec)
		if err != nil {
			return nil, err
		}
		args[i] = v
	}
	return fn(args)
}

func evalQuantifierExpr(q *ast.Quantifier, ec *Context) (any, error) {
	arrVal, err := eval(q.Array, ec)
	if err != nil {
		return nil, err
	}
	arr, ok := arrVal.([]any)
	if !ok {
		return false, nil
	}
	matched := 0
	for _, item := range arr {
		child := ec.withRow(Row{q.Var: item})
		ok, err := evalBool(q.Predicate, child)
		if err != nil {
			return nil, err
		}
		if ok {
			matched++
		}
	}
	if q.All {
		return matched == len(arr), nil
	}
	return matched > 0, nil
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

// compareValues orders two dynamic values: numbers compare numerically,
// strings lexically, bools false<true; mismatched kinds compare by
// their formatted string as a stable, total fallback.
func compareValues(a, b any) int {
	if af, aok := asFloat(a); aok {
		if bf, bok := asFloat(b); bok {
			switch {
			case af < bf:
				return -1
			case af > bf:
				return 1
			default:
				return 0
			}
		}
	}
	if as, aok := a.(string); aok {
		if bs, bok := b.(string); bok {
			switch {
			case as < bs:
				return -1
			case as > bs:
				return 1
			default:
				return 0
			}
		}
	}
	if ab, aok := a.(bool); aok {
		if bb, bok := b.(bool); bok {
			if ab == bb {
				return 0
			}
			if !ab {
				return -1
			}
			return 1
		}
	}
	as, bs := fmt.Sprint(a), fmt.Sprint(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	default:
		return 0
	}
}
