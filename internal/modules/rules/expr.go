package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode"
)

// The custom condition accepts a restricted arithmetic/boolean expression
// over context variables. Grammar (precedence climbing, lowest first):
//
//	or     := and ('||' and)*
//	and    := not ('&&' not)*
//	not    := '!' not | cmp
//	cmp    := sum (('>'|'<'|'>='|'<='|'=='|'!=') sum)?
//	sum    := term (('+'|'-') term)*
//	term   := unary (('*'|'/') unary)*
//	unary  := '-' unary | primary
//	primary:= number | variable | '(' or ')'
//
// Variables are dotted identifiers resolved against the evaluation context:
// price.BTC, balance.USDC, baseline.XRP, total_usd. Unknown variables
// evaluate to NaN, which makes every comparison false.

// Expr is a parsed custom expression.
type Expr struct {
	root exprNode
	src  string
}

// VarLookup resolves a variable name to its value. ok=false yields NaN.
type VarLookup func(name string) (float64, bool)

type exprNode interface {
	eval(vars VarLookup) float64
}

// Eval evaluates the expression; any non-zero, non-NaN result is true.
func (e *Expr) Eval(vars VarLookup) bool {
	v := e.root.eval(vars)
	return !math.IsNaN(v) && v != 0
}

// String returns the original source.
func (e *Expr) String() string { return e.src }

// ParseExpr parses a restricted expression, rejecting unknown syntax.
func ParseExpr(src string) (*Expr, error) {
	p := &exprParser{src: src}
	p.next()
	root, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.tok != tokEOF {
		return nil, fmt.Errorf("invalid expression: unexpected %q", p.lit)
	}
	return &Expr{root: root, src: src}, nil
}

type tokKind int

const (
	tokEOF tokKind = iota
	tokNumber
	tokIdent
	tokOp
	tokLParen
	tokRParen
)

type exprParser struct {
	src string
	pos int
	tok tokKind
	lit string
}

func (p *exprParser) next() {
	for p.pos < len(p.src) && unicode.IsSpace(rune(p.src[p.pos])) {
		p.pos++
	}
	if p.pos >= len(p.src) {
		p.tok, p.lit = tokEOF, ""
		return
	}

	c := p.src[p.pos]
	switch {
	case c == '(':
		p.tok, p.lit = tokLParen, "("
		p.pos++
	case c == ')':
		p.tok, p.lit = tokRParen, ")"
		p.pos++
	case strings.ContainsRune("+-*/", rune(c)):
		p.tok, p.lit = tokOp, string(c)
		p.pos++
	case strings.ContainsRune("><=!&|", rune(c)):
		start := p.pos
		p.pos++
		if p.pos < len(p.src) && strings.ContainsRune("=&|", rune(p.src[p.pos])) {
			p.pos++
		}
		p.tok, p.lit = tokOp, p.src[start:p.pos]
	case c >= '0' && c <= '9' || c == '.':
		start := p.pos
		for p.pos < len(p.src) && (p.src[p.pos] >= '0' && p.src[p.pos] <= '9' || p.src[p.pos] == '.') {
			p.pos++
		}
		p.tok, p.lit = tokNumber, p.src[start:p.pos]
	case unicode.IsLetter(rune(c)) || c == '_':
		start := p.pos
		for p.pos < len(p.src) {
			r := rune(p.src[p.pos])
			if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_' && r != '.' {
				break
			}
			p.pos++
		}
		p.tok, p.lit = tokIdent, p.src[start:p.pos]
	default:
		p.tok, p.lit = tokOp, string(c)
		p.pos++
	}
}

func (p *exprParser) parseOr() (exprNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.tok == tokOp && p.lit == "||" {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseAnd() (exprNode, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.tok == tokOp && p.lit == "&&" {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseNot() (exprNode, error) {
	if p.tok == tokOp && p.lit == "!" {
		p.next()
		inner, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &notNode{inner: inner}, nil
	}
	return p.parseCmp()
}

var cmpOps = map[string]bool{">": true, "<": true, ">=": true, "<=": true, "==": true, "!=": true}

func (p *exprParser) parseCmp() (exprNode, error) {
	left, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	if p.tok == tokOp && cmpOps[p.lit] {
		op := p.lit
		p.next()
		right, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		return &binaryNode{op: op, left: left, right: right}, nil
	}
	return left, nil
}

func (p *exprParser) parseSum() (exprNode, error) {
	left, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	for p.tok == tokOp && (p.lit == "+" || p.lit == "-") {
		op := p.lit
		p.next()
		right, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseTerm() (exprNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.tok == tokOp && (p.lit == "*" || p.lit == "/") {
		op := p.lit
		p.next()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryNode{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *exprParser) parseUnary() (exprNode, error) {
	if p.tok == tokOp && p.lit == "-" {
		p.next()
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &negNode{inner: inner}, nil
	}
	return p.parsePrimary()
}

func (p *exprParser) parsePrimary() (exprNode, error) {
	switch p.tok {
	case tokNumber:
		v, err := strconv.ParseFloat(p.lit, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid number %q", p.lit)
		}
		p.next()
		return &constNode{value: v}, nil
	case tokIdent:
		name := p.lit
		p.next()
		return &varNode{name: name}, nil
	case tokLParen:
		p.next()
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.tok != tokRParen {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		p.next()
		return inner, nil
	default:
		return nil, fmt.Errorf("unexpected token %q", p.lit)
	}
}

type constNode struct{ value float64 }

func (n *constNode) eval(VarLookup) float64 { return n.value }

type varNode struct{ name string }

func (n *varNode) eval(vars VarLookup) float64 {
	if v, ok := vars(n.name); ok {
		return v
	}
	return math.NaN()
}

type negNode struct{ inner exprNode }

func (n *negNode) eval(vars VarLookup) float64 { return -n.inner.eval(vars) }

type notNode struct{ inner exprNode }

func (n *notNode) eval(vars VarLookup) float64 {
	v := n.inner.eval(vars)
	if math.IsNaN(v) {
		return math.NaN()
	}
	if v == 0 {
		return 1
	}
	return 0
}

type binaryNode struct {
	op          string
	left, right exprNode
}

func (n *binaryNode) eval(vars VarLookup) float64 {
	l := n.left.eval(vars)

	// Short-circuit boolean operators; NaN operands poison the result.
	switch n.op {
	case "&&":
		if math.IsNaN(l) {
			return math.NaN()
		}
		if l == 0 {
			return 0
		}
		return boolVal(truthy(n.right.eval(vars)))
	case "||":
		if !math.IsNaN(l) && l != 0 {
			return 1
		}
		r := n.right.eval(vars)
		if math.IsNaN(l) || math.IsNaN(r) {
			return math.NaN()
		}
		return boolVal(r != 0)
	}

	r := n.right.eval(vars)
	if math.IsNaN(l) || math.IsNaN(r) {
		return math.NaN()
	}

	switch n.op {
	case "+":
		return l + r
	case "-":
		return l - r
	case "*":
		return l * r
	case "/":
		if r == 0 {
			return math.NaN()
		}
		return l / r
	case ">":
		return boolVal(l > r)
	case "<":
		return boolVal(l < r)
	case ">=":
		return boolVal(l >= r)
	case "<=":
		return boolVal(l <= r)
	case "==":
		return boolVal(l == r)
	case "!=":
		return boolVal(l != r)
	}
	return math.NaN()
}

func truthy(v float64) bool { return !math.IsNaN(v) && v != 0 }

func boolVal(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
