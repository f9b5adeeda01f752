// Package parser implements the AQL lexer/parser from spec.md §4.9
// using github.com/alecthomas/participle/v2 (the AQL-grammar library
// this corpus depends on — it appears in cuemby-warren's go.mod and is
// wired here as the parser-combinator driving ThemisDB's own grammar,
// not borrowed grammar rules). Parsing proceeds in two stages: a CST
// shaped by participle's struct tags, then convertQuery walks the CST into
// the ast package's tagged-union Query/Expr types.
package parser

import (
	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"

	"go.themisdb.dev/internal/aql/ast"
	"go.themisdb.dev/internal/errs"
)

var aqlLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Whitespace", Pattern: `\s+`},
	{Name: "Comment", Pattern: `//[^\n]*`},
	{Name: "String", Pattern: `"(\\.|[^"])*"|'(\\.|[^'])*'`},
	{Name: "Float", Pattern: `\d+\.\d+`},
	{Name: "Int", Pattern: `\d+`},
	{Name: "Ident", Pattern: `[A-Za-z_][A-Za-z0-9_]*`},
	{Name: "Punct", Pattern: `==|!=|<=|>=|&&|\|\||[-+*/(),.\[\]{}:=<>]`},
})

// cstQuery is the top-level participle grammar rule.
type cstQuery struct {
	CTEs    []*cstCTE    `( @@ )*`
	Clauses []*cstClause `( @@ )+`
}

type cstCTE struct {
	Name string    `"WITH" @Ident "AS" "("`
	Sub  *cstQuery `@@ ")"`
}

type cstClause struct {
	Traversal *cstTraversal `  @@`
	For       *cstFor       `| @@`
	Filter    *cstFilter    `| @@`
	Let       *cstLet       `| @@`
	Sort      *cstSort      `| @@`
	Limit     *cstLimit     `| @@`
	Collect   *cstCollect   `| @@`
	Return    *cstReturn    `| @@`
}

type cstFor struct {
	Var        string   `"FOR" @Ident "IN"`
	Collection *string  `( @Ident`
	Source     *cstExpr `  | @@ )`
}

// cstTraversal is `FOR v,e,p IN min..max OUTBOUND|INBOUND start
// collection [SHORTEST_PATH TO target]`, distinguished from cstFor by
// the comma after the first identifier (participle tries alternatives
// in order, so this must be listed before cstFor in cstClause).
type cstTraversal struct {
	VertexVar  string   `"FOR" @Ident ","`
	EdgeVar    string   `@Ident`
	PathVar    *string  `( "," @Ident )?`
	MinDepth   int64    `"IN" @Int "." "."`
	MaxDepth   int64    `@Int`
	Direction  string   `@("OUTBOUND" | "INBOUND")`
	Start      *cstExpr `@@`
	Collection string   `@Ident`
	ToTarget   *cstExpr `( "SHORTEST_PATH" "TO" @@ )?`
}

type cstFilter struct {
	Cond *cstExpr `"FILTER" @@`
}

type cstLet struct {
	Var  string   `"LET" @Ident "="`
	Expr *cstExpr `@@`
}

type cstSortKey struct {
	Expr *cstExpr `@@`
	Dir  *string  `( @("ASC" | "DESC") )?`
}

type cstSort struct {
	Keys []*cstSortKey `"SORT" @@ ( "," @@ )*`
}

type cstLimit struct {
	First  int64  `"LIMIT" @Int`
	Second *int64 `( "," @Int )?`
}

type cstAggregate struct {
	Var  string   `@Ident "="`
	Func string   `@Ident "("`
	Arg  *cstExpr `@@ ")"`
}

type cstCollect struct {
	GroupVar  *string         `"COLLECT" ( @Ident`
	GroupExpr *cstExpr        `  "=" @@ )?`
	Into      *string         `( "INTO" @Ident )?`
	Aggs      []*cstAggregate `( "AGGREGATE" @@ ( "," @@ )* )?`
}

type cstReturn struct {
	Expr *cstExpr `"RETURN" @@`
}

// Expression grammar, precedence climbing encoded directly in the
// production chain: Or -> And -> Not -> Comparison -> Additive ->
// Multiplicative -> Unary -> Postfix -> Primary.
type cstExpr struct {
	Or *cstOr `@@`
}

type cstOr struct {
	Left  *cstAnd   `@@`
	Right []*cstAnd `( "||" @@ )*`
}

type cstAnd struct {
	Left  *cstNot   `@@`
	Right []*cstNot `( "&&" @@ )*`
}

type cstNot struct {
	Negated bool        `( @"NOT"`
	Inner   *cstCompare `)? @@`
}

type cstCompare struct {
	Left  *cstAdditive `@@`
	Op    *string      `( @("==" | "!=" | "<=" | ">=" | "<" | ">" | "IN")`
	Right *cstAdditive `  @@ )?`
}

type cstAdditive struct {
	Left  *cstMultiplicative   `@@`
	Ops   []string             `( @("+" | "-")`
	Rest  []*cstMultiplicative `  @@ )*`
}

type cstMultiplicative struct {
	Left *cstUnary   `@@`
	Ops  []string    `( @("*" | "/")`
	Rest []*cstUnary `  @@ )*`
}

type cstUnary struct {
	Neg   bool        `( @"-" )?`
	Inner *cstPostfix `@@`
}

type cstPostfix struct {
	Base   *cstPrimary `@@`
	Fields []string    `( "." @Ident )*`
}

type cstQuantifier struct {
	All   bool     `( "ANY" | @"ALL" )`
	Var   string   `@Ident "IN"`
	Array *cstExpr `@@ "SATISFIES"`
	Pred  *cstExpr `@@`
}

type cstCall struct {
	Name string     `@Ident "("`
	Args []*cstExpr `( @@ ( "," @@ )* )? ")"`
}

type cstArray struct {
	Items []*cstExpr `"[" ( @@ ( "," @@ )* )? "]"`
}

type cstObjectEntry struct {
	Key   string   `( @Ident | @String ) ":"`
	Value *cstExpr `@@`
}

type cstObject struct {
	Entries []*cstObjectEntry `"{" ( @@ ( "," @@ )* )? "}"`
}

type cstPrimary struct {
	Subquery   *cstQuery      `  "(" @@ ")"`
	Quantifier *cstQuantifier `| @@`
	Call       *cstCall       `| @@`
	Array      *cstArray      `| @@`
	Object     *cstObject     `| @@`
	Null       bool           `| @"null"`
	Bool       *string        `| @("true" | "false")`
	Float      *float64       `| @Float`
	Int        *int64         `| @Int`
	String     *string        `| @String`
	Ident      *string        `| @Ident`
}

var aqlParser = participle.MustBuild[cstQuery](
	participle.Lexer(aqlLexer),
	participle.Unquote("String"),
	participle.UseLookahead(3),
	participle.CaseInsensitive("Ident"),
)

// Parse lexes and parses source into a typed AST, raising ParseError
// with the offending position on any lex or grammar violation
// (spec.md §4.9).
func Parse(source string) (*ast.Query, error) {
	cst, err := aqlParser.ParseString("", source)
	if err != nil {
		if pe, ok := err.(participle.Error); ok {
			pos := pe.Position()
			return nil, errs.New(errs.ParseError, "line %d, column %d: %s", pos.Line, pos.Column, pe.Message())
		}
		return nil, errs.Wrap(errs.ParseError, err, "parse query")
	}
	return convertQuery(cst)
}

