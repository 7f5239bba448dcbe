package rule

import (
	"fmt"
	"strconv"
)

// Expr is a parsed boolean expression over series references and
// numeric literals.
type Expr interface {
	eval(env *evalEnv) bool
	String() string
}

// Ref names one series a rule reads.
type Ref struct {
	Plugin string
	Metric string
}

func (r Ref) String() string { return r.Plugin + "." + r.Metric }

type binaryExpr struct {
	op          string // "AND" or "OR"
	left, right Expr
}

// Both sides always evaluate so every referenced series lands in the
// bindings map and missing references are all reported.
func (b *binaryExpr) eval(env *evalEnv) bool {
	l := b.left.eval(env)
	r := b.right.eval(env)
	if b.op == "AND" {
		return l && r
	}
	return l || r
}

func (b *binaryExpr) String() string {
	return b.left.String() + " " + b.op + " " + b.right.String()
}

type notExpr struct {
	expr Expr
}

func (n *notExpr) eval(env *evalEnv) bool { return !n.expr.eval(env) }
func (n *notExpr) String() string         { return "NOT " + n.expr.String() }

type operand struct {
	ref *Ref
	num float64
}

func (o operand) String() string {
	if o.ref != nil {
		return o.ref.String()
	}
	return strconv.FormatFloat(o.num, 'g', -1, 64)
}

type cmpExpr struct {
	op          string
	left, right operand
}

func (c *cmpExpr) eval(env *evalEnv) bool {
	l := env.resolve(c.left)
	r := env.resolve(c.right)
	switch c.op {
	case ">":
		return l > r
	case "<":
		return l < r
	case ">=":
		return l >= r
	case "<=":
		return l <= r
	case "==":
		return l == r
	default: // "!="
		return l != r
	}
}

func (c *cmpExpr) String() string {
	return c.left.String() + " " + c.op + " " + c.right.String()
}

// evalEnv resolves operands during one evaluation, collecting the
// bindings used and any references that could not be resolved.
type evalEnv struct {
	look     func(Ref) (float64, bool)
	bindings map[string]float64
	missing  []string
	seen     map[string]bool
}

func newEvalEnv(look func(Ref) (float64, bool)) *evalEnv {
	return &evalEnv{
		look:     look,
		bindings: make(map[string]float64),
		seen:     make(map[string]bool),
	}
}

func (e *evalEnv) resolve(o operand) float64 {
	if o.ref == nil {
		return o.num
	}
	name := o.ref.String()
	v, ok := e.look(*o.ref)
	if !ok {
		if !e.seen[name] {
			e.seen[name] = true
			e.missing = append(e.missing, name)
		}
		return 0
	}
	e.bindings[name] = v
	return v
}

// Parse compiles an expression according to the grammar
//
//	Expr    := Or
//	Or      := And ("OR" And)*
//	And     := Not ("AND" Not)*
//	Not     := "NOT" Not | Cmp
//	Cmp     := Operand CmpOp Operand
//	CmpOp   := ">" | "<" | ">=" | "<=" | "==" | "!="
//	Operand := Ident "." Ident | Number
func Parse(input string) (Expr, error) {
	toks, err := lex(input)
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", input, err)
	}
	p := &parser{toks: toks}
	expr, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("parse %q: %w", input, err)
	}
	if tok := p.peek(); tok.kind != tokEOF {
		return nil, fmt.Errorf("parse %q: unexpected %s at offset %d", input, tok.kind, tok.pos)
	}
	return expr, nil
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	tok := p.toks[p.pos]
	if tok.kind != tokEOF {
		p.pos++
	}
	return tok
}

func (p *parser) expect(kind tokenKind) (token, error) {
	tok := p.peek()
	if tok.kind != kind {
		return token{}, fmt.Errorf("expected %s, got %s at offset %d", kind, tok.kind, tok.pos)
	}
	return p.next(), nil
}

func (p *parser) parseOr() (Expr, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokOr {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: "OR", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Expr, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: "AND", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Expr, error) {
	if p.peek().kind == tokNot {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notExpr{expr: inner}, nil
	}
	return p.parseCmp()
}

func (p *parser) parseCmp() (Expr, error) {
	left, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	op, err := p.expect(tokCmp)
	if err != nil {
		return nil, err
	}
	right, err := p.parseOperand()
	if err != nil {
		return nil, err
	}
	return &cmpExpr{op: op.text, left: left, right: right}, nil
}

func (p *parser) parseOperand() (operand, error) {
	switch tok := p.peek(); tok.kind {
	case tokNumber:
		p.next()
		num, err := strconv.ParseFloat(tok.text, 64)
		if err != nil {
			return operand{}, fmt.Errorf("invalid number %q at offset %d", tok.text, tok.pos)
		}
		return operand{num: num}, nil

	case tokIdent:
		p.next()
		if _, err := p.expect(tokDot); err != nil {
			return operand{}, err
		}
		metric, err := p.expect(tokIdent)
		if err != nil {
			return operand{}, err
		}
		return operand{ref: &Ref{Plugin: tok.text, Metric: metric.text}}, nil

	default:
		return operand{}, fmt.Errorf("expected identifier or number, got %s at offset %d", tok.kind, tok.pos)
	}
}

// collectRefs walks the tree and returns each referenced series once,
// in first-appearance order.
func collectRefs(expr Expr) []Ref {
	var refs []Ref
	seen := make(map[Ref]bool)
	var walk func(Expr)
	walk = func(e Expr) {
		switch v := e.(type) {
		case *binaryExpr:
			walk(v.left)
			walk(v.right)
		case *notExpr:
			walk(v.expr)
		case *cmpExpr:
			for _, o := range []operand{v.left, v.right} {
				if o.ref != nil && !seen[*o.ref] {
					seen[*o.ref] = true
					refs = append(refs, *o.ref)
				}
			}
		}
	}
	walk(expr)
	return refs
}
