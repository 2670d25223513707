package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// The expression grammar: boolean connectives over comparisons over
// arithmetic, with literals, names, and dotted selector paths. There is no
// call syntax and no assignment; evaluation cannot reach outside the
// supplied bindings.

var exprLexer = lexer.MustSimple([]lexer.SimpleRule{
	{Name: "Float", Pattern: `[0-9]+\.[0-9]+`},
	{Name: "Int", Pattern: `[0-9]+`},
	{Name: "String", Pattern: `"(\\"|[^"])*"`},
	{Name: "Ident", Pattern: `[a-zA-Z_][a-zA-Z0-9_]*`},
	{Name: "Operators", Pattern: `==|!=|<=|>=|[-+*/%<>().]`},
	{Name: "Whitespace", Pattern: `\s+`},
})

var exprParser = participle.MustBuild[exprNode](
	participle.Lexer(exprLexer),
	participle.Elide("Whitespace"),
	participle.Unquote("String"),
	participle.UseLookahead(2),
)

type exprNode struct {
	Or []*andNode `parser:"@@ ( 'or' @@ )*"`
}

type andNode struct {
	And []*notNode `parser:"@@ ( 'and' @@ )*"`
}

type notNode struct {
	Not *notNode  `parser:"  'not' @@"`
	Cmp *cmpNode  `parser:"| @@"`
}

type cmpNode struct {
	Left  *sumNode `parser:"@@"`
	Op    string   `parser:"( @('==' | '!=' | '<=' | '>=' | '<' | '>' | 'in')"`
	Right *sumNode `parser:"  @@ )?"`
}

type sumNode struct {
	Left *termNode  `parser:"@@"`
	Rest []*sumRest `parser:"@@*"`
}

type sumRest struct {
	Op   string    `parser:"@('+' | '-')"`
	Term *termNode `parser:"@@"`
}

type termNode struct {
	Left *atomNode   `parser:"@@"`
	Rest []*termRest `parser:"@@*"`
}

type termRest struct {
	Op   string    `parser:"@('*' | '/' | '%')"`
	Atom *atomNode `parser:"@@"`
}

type atomNode struct {
	Float  *float64  `parser:"  @Float"`
	Int    *int64    `parser:"| @Int"`
	Str    *string   `parser:"| @String"`
	True   bool      `parser:"| @'true'"`
	False  bool      `parser:"| @'false'"`
	Path   []string  `parser:"| @Ident ( '.' @Ident )+"`
	Name   *string   `parser:"| @Ident"`
	Sub    *exprNode `parser:"| '(' @@ ')'"`
}

// Expr is a compiled sandbox expression.
type Expr struct {
	src  string
	root *exprNode
}

// CompileExpr parses src under the expression grammar.
func CompileExpr(src string) (*Expr, error) {
	root, err := exprParser.ParseString("", src)
	if err != nil {
		return nil, parseErr("expression %q: %v", src, err)
	}
	return &Expr{src: src, root: root}, nil
}

// Source returns the original expression text.
func (e *Expr) Source() string { return e.src }

// Eval evaluates the expression against the bindings. Bindings are never
// mutated; identical inputs produce identical results.
func (e *Expr) Eval(bindings map[string]any) (any, error) {
	return e.root.eval(bindings)
}

// EvalBool evaluates the expression and requires a boolean result.
func (e *Expr) EvalBool(bindings map[string]any) (bool, error) {
	v, err := e.Eval(bindings)
	if err != nil {
		return false, err
	}
	b, ok := v.(bool)
	if !ok {
		return false, mismatch("bool", "expression %q yields %T, want bool", e.src, v)
	}
	return b, nil
}

func (n *exprNode) eval(b map[string]any) (any, error) {
	v, err := n.Or[0].eval(b)
	if err != nil {
		return nil, err
	}
	if len(n.Or) == 1 {
		return v, nil
	}
	left, ok := v.(bool)
	if !ok {
		return nil, mismatch("or", "left operand of or is %T, want bool", v)
	}
	for _, alt := range n.Or[1:] {
		if left {
			return true, nil
		}
		v, err := alt.eval(b)
		if err != nil {
			return nil, err
		}
		right, ok := v.(bool)
		if !ok {
			return nil, mismatch("or", "operand of or is %T, want bool", v)
		}
		left = right
	}
	return left, nil
}

func (n *andNode) eval(b map[string]any) (any, error) {
	v, err := n.And[0].eval(b)
	if err != nil {
		return nil, err
	}
	if len(n.And) == 1 {
		return v, nil
	}
	left, ok := v.(bool)
	if !ok {
		return nil, mismatch("and", "left operand of and is %T, want bool", v)
	}
	for _, alt := range n.And[1:] {
		if !left {
			return false, nil
		}
		v, err := alt.eval(b)
		if err != nil {
			return nil, err
		}
		right, ok := v.(bool)
		if !ok {
			return nil, mismatch("and", "operand of and is %T, want bool", v)
		}
		left = right
	}
	return left, nil
}

func (n *notNode) eval(b map[string]any) (any, error) {
	if n.Not != nil {
		v, err := n.Not.eval(b)
		if err != nil {
			return nil, err
		}
		bv, ok := v.(bool)
		if !ok {
			return nil, mismatch("not", "operand of not is %T, want bool", v)
		}
		return !bv, nil
	}
	return n.Cmp.eval(b)
}

func (n *cmpNode) eval(b map[string]any) (any, error) {
	left, err := n.Left.eval(b)
	if err != nil {
		return nil, err
	}
	if n.Op == "" {
		return left, nil
	}
	right, err := n.Right.eval(b)
	if err != nil {
		return nil, err
	}
	return compare(n.Op, left, right)
}

func (n *sumNode) eval(b map[string]any) (any, error) {
	acc, err := n.Left.eval(b)
	if err != nil {
		return nil, err
	}
	for _, r := range n.Rest {
		rv, err := r.Term.eval(b)
		if err != nil {
			return nil, err
		}
		acc, err = arith(r.Op, acc, rv)
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func (n *termNode) eval(b map[string]any) (any, error) {
	acc, err := n.Left.eval(b)
	if err != nil {
		return nil, err
	}
	for _, r := range n.Rest {
		rv, err := r.Atom.eval(b)
		if err != nil {
			return nil, err
		}
		acc, err = arith(r.Op, acc, rv)
		if err != nil {
			return nil, err
		}
	}
	return acc, nil
}

func (n *atomNode) eval(b map[string]any) (any, error) {
	switch {
	case n.Float != nil:
		return *n.Float, nil
	case n.Int != nil:
		return *n.Int, nil
	case n.Str != nil:
		return *n.Str, nil
	case n.True:
		return true, nil
	case n.False:
		return false, nil
	case len(n.Path) > 0:
		return lookupPath(b, n.Path)
	case n.Name != nil:
		v, ok := b[*n.Name]
		if !ok {
			return nil, unbound(*n.Name)
		}
		return v, nil
	case n.Sub != nil:
		return n.Sub.eval(b)
	}
	return nil, parseErr("empty atom")
}

func lookupPath(b map[string]any, path []string) (any, error) {
	var current any
	current, ok := b[path[0]]
	if !ok {
		return nil, unbound(path[0])
	}
	for _, seg := range path[1:] {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, mismatch(".", "cannot select %q from %T", seg, current)
		}
		current, ok = m[seg]
		if !ok {
			return nil, unbound(strings.Join(path, "."))
		}
	}
	return current, nil
}

// numeric widens int64 to float64 for mixed arithmetic and comparison.
func numeric(v any) (float64, bool, bool) {
	switch n := v.(type) {
	case int64:
		return float64(n), true, true
	case float64:
		return n, false, true
	}
	return 0, false, false
}

func arith(op string, left, right any) (any, error) {
	// String concatenation is the one non-numeric arithmetic form.
	if op == "+" {
		if ls, ok := left.(string); ok {
			rs, ok := right.(string)
			if !ok {
				return nil, mismatch("+", "cannot add %T to string", right)
			}
			return ls + rs, nil
		}
	}

	lf, lInt, lok := numeric(left)
	rf, rInt, rok := numeric(right)
	if !lok || !rok {
		return nil, mismatch(op, "operands of %s are %T and %T, want numbers", op, left, right)
	}

	bothInt := lInt && rInt
	switch op {
	case "+":
		if bothInt {
			return left.(int64) + right.(int64), nil
		}
		return lf + rf, nil
	case "-":
		if bothInt {
			return left.(int64) - right.(int64), nil
		}
		return lf - rf, nil
	case "*":
		if bothInt {
			return left.(int64) * right.(int64), nil
		}
		return lf * rf, nil
	case "/":
		if bothInt {
			if right.(int64) == 0 {
				return nil, mismatch("/", "division by zero")
			}
			return left.(int64) / right.(int64), nil
		}
		if rf == 0 {
			return nil, mismatch("/", "division by zero")
		}
		return lf / rf, nil
	case "%":
		if !bothInt {
			return nil, mismatch("%", "operands of %% must be integers")
		}
		if right.(int64) == 0 {
			return nil, mismatch("%", "division by zero")
		}
		return left.(int64) % right.(int64), nil
	}
	return nil, parseErr("unknown arithmetic operator %q", op)
}

func compare(op string, left, right any) (any, error) {
	if op == "in" {
		return evalIn(left, right)
	}

	// Numeric comparison with int/float widening.
	if lf, _, lok := numeric(left); lok {
		rf, _, rok := numeric(right)
		if !rok {
			return nil, mismatch(op, "cannot compare number with %T", right)
		}
		switch op {
		case "==":
			return lf == rf, nil
		case "!=":
			return lf != rf, nil
		case "<":
			return lf < rf, nil
		case "<=":
			return lf <= rf, nil
		case ">":
			return lf > rf, nil
		case ">=":
			return lf >= rf, nil
		}
	}

	switch l := left.(type) {
	case string:
		r, ok := right.(string)
		if !ok {
			return nil, mismatch(op, "cannot compare string with %T", right)
		}
		switch op {
		case "==":
			return l == r, nil
		case "!=":
			return l != r, nil
		case "<":
			return l < r, nil
		case "<=":
			return l <= r, nil
		case ">":
			return l > r, nil
		case ">=":
			return l >= r, nil
		}
	case bool:
		r, ok := right.(bool)
		if !ok {
			return nil, mismatch(op, "cannot compare bool with %T", right)
		}
		switch op {
		case "==":
			return l == r, nil
		case "!=":
			return l != r, nil
		}
		return nil, mismatch(op, "bool supports only == and !=")
	case time.Time:
		r, ok := right.(time.Time)
		if !ok {
			return nil, mismatch(op, "cannot compare time with %T", right)
		}
		switch op {
		case "==":
			return l.Equal(r), nil
		case "!=":
			return !l.Equal(r), nil
		case "<":
			return l.Before(r), nil
		case "<=":
			return !l.After(r), nil
		case ">":
			return l.After(r), nil
		case ">=":
			return !l.Before(r), nil
		}
	}
	return nil, mismatch(op, "cannot compare %T with %T", left, right)
}

func evalIn(needle, haystack any) (any, error) {
	switch h := haystack.(type) {
	case []any:
		for _, item := range h {
			eq, err := compare("==", needle, item)
			if err != nil {
				continue // heterogeneous sequences: non-comparable items don't match
			}
			if eq == true {
				return true, nil
			}
		}
		return false, nil
	case string:
		ns, ok := needle.(string)
		if !ok {
			return nil, mismatch("in", "left operand of `in <string>` must be string, got %T", needle)
		}
		return strings.Contains(h, ns), nil
	}
	return nil, mismatch("in", "right operand of in is %T, want sequence or string", haystack)
}

// formatValue renders an evaluated value into template output. Deterministic:
// same value, same bytes.
func formatValue(v any) (string, error) {
	switch t := v.(type) {
	case string:
		return t, nil
	case int64:
		return fmt.Sprintf("%d", t), nil
	case float64:
		// Trailing-zero-free but stable form.
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%.6f", t), "0"), "."), nil
	case bool:
		if t {
			return "true", nil
		}
		return "false", nil
	case time.Time:
		return t.UTC().Format(time.RFC3339), nil
	}
	return "", mismatch("output", "cannot render value of type %T", v)
}
