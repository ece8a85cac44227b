package policy

import (
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// Value is the typed result of expression evaluation.
type Value struct {
	Kind ValueKind
	Str  string
	Num  float64
	Bool bool
	List []Value
}

// ValueKind enumerates the expression value types.
type ValueKind int

const (
	KindNull ValueKind = iota
	KindString
	KindNumber
	KindBool
	KindList
)

func stringVal(s string) Value  { return Value{Kind: KindString, Str: s} }
func numberVal(n float64) Value { return Value{Kind: KindNumber, Num: n} }
func boolVal(b bool) Value      { return Value{Kind: KindBool, Bool: b} }
func nullVal() Value            { return Value{Kind: KindNull} }

// Truthy follows the usual rules: false/0/""/empty list/null are falsy.
func (v Value) Truthy() bool {
	switch v.Kind {
	case KindBool:
		return v.Bool
	case KindNumber:
		return v.Num != 0
	case KindString:
		return v.Str != ""
	case KindList:
		return len(v.List) > 0
	default:
		return false
	}
}

func (v Value) equals(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindString:
		return v.Str == o.Str
	case KindNumber:
		return v.Num == o.Num
	case KindBool:
		return v.Bool == o.Bool
	case KindNull:
		return true
	case KindList:
		if len(v.List) != len(o.List) {
			return false
		}
		for i := range v.List {
			if !v.List[i].equals(o.List[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// Env resolves dotted identifiers. Roots are "context" and "step".
type Env map[string]any

func (e Env) lookup(path []string) Value {
	var cur any = map[string]any(e)
	for _, seg := range path {
		m, ok := cur.(map[string]any)
		if !ok {
			return nullVal()
		}
		cur, ok = m[seg]
		if !ok {
			return nullVal()
		}
	}
	return fromGo(cur)
}

func fromGo(v any) Value {
	switch t := v.(type) {
	case nil:
		return nullVal()
	case string:
		return stringVal(t)
	case bool:
		return boolVal(t)
	case float64:
		return numberVal(t)
	case float32:
		return numberVal(float64(t))
	case int:
		return numberVal(float64(t))
	case int64:
		return numberVal(float64(t))
	case []any:
		out := make([]Value, 0, len(t))
		for _, e := range t {
			out = append(out, fromGo(e))
		}
		return Value{Kind: KindList, List: out}
	case map[string]any:
		// Maps have no literal form; treated as opaque truthy presence.
		return boolVal(len(t) > 0)
	default:
		return stringVal(fmt.Sprint(t))
	}
}

// Node is an expression AST node.
type Node interface {
	Eval(env Env) Value
}

// Lit is a literal value.
type Lit struct{ Val Value }

// Ident is a dotted identifier, e.g. context.env.
type Ident struct{ Path []string }

// Eq compares two operands for equality.
type Eq struct{ L, R Node }

// Neq compares two operands for inequality.
type Neq struct{ L, R Node }

// In tests list membership of the left operand in the right.
type In struct{ L, R Node }

// NotIn is the negation of In.
type NotIn struct{ L, R Node }

// And short-circuits on a falsy left operand.
type And struct{ L, R Node }

// Or short-circuits on a truthy left operand.
type Or struct{ L, R Node }

func (n Lit) Eval(Env) Value      { return n.Val }
func (n Ident) Eval(env Env) Value { return env.lookup(n.Path) }
func (n Eq) Eval(env Env) Value   { return boolVal(n.L.Eval(env).equals(n.R.Eval(env))) }
func (n Neq) Eval(env Env) Value  { return boolVal(!n.L.Eval(env).equals(n.R.Eval(env))) }

func (n In) Eval(env Env) Value {
	l, r := n.L.Eval(env), n.R.Eval(env)
	if r.Kind != KindList {
		return boolVal(false)
	}
	for _, e := range r.List {
		if l.equals(e) {
			return boolVal(true)
		}
	}
	return boolVal(false)
}

func (n NotIn) Eval(env Env) Value {
	return boolVal(!In{n.L, n.R}.Eval(env).Bool)
}

func (n And) Eval(env Env) Value {
	if !n.L.Eval(env).Truthy() {
		return boolVal(false)
	}
	return boolVal(n.R.Eval(env).Truthy())
}

func (n Or) Eval(env Env) Value {
	if n.L.Eval(env).Truthy() {
		return boolVal(true)
	}
	return boolVal(n.R.Eval(env).Truthy())
}

// --- lexer ---

type tokenKind int

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokEq
	tokNeq
	tokIn
	tokNotIn
	tokAnd
	tokOr
	tokLParen
	tokRParen
	tokLBracket
	tokRBracket
	tokComma
)

type token struct {
	kind tokenKind
	text string
}

func lex(src string) ([]token, error) {
	var out []token
	i := 0
	for i < len(src) {
		c := src[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case c == '(':
			out = append(out, token{tokLParen, "("})
			i++
		case c == ')':
			out = append(out, token{tokRParen, ")"})
			i++
		case c == '[':
			out = append(out, token{tokLBracket, "["})
			i++
		case c == ']':
			out = append(out, token{tokRBracket, "]"})
			i++
		case c == ',':
			out = append(out, token{tokComma, ","})
			i++
		case c == '=':
			if i+1 < len(src) && src[i+1] == '=' {
				out = append(out, token{tokEq, "=="})
				i += 2
			} else {
				return nil, fmt.Errorf("unexpected '=' at %d", i)
			}
		case c == '!':
			if i+1 < len(src) && src[i+1] == '=' {
				out = append(out, token{tokNeq, "!="})
				i += 2
			} else {
				return nil, fmt.Errorf("unexpected '!' at %d", i)
			}
		case c == '\'' || c == '"':
			quote := c
			j := i + 1
			for j < len(src) && src[j] != quote {
				j++
			}
			if j >= len(src) {
				return nil, fmt.Errorf("unterminated string at %d", i)
			}
			out = append(out, token{tokString, src[i+1 : j]})
			i = j + 1
		case c >= '0' && c <= '9' || c == '-' && i+1 < len(src) && src[i+1] >= '0' && src[i+1] <= '9':
			j := i + 1
			for j < len(src) && (src[j] >= '0' && src[j] <= '9' || src[j] == '.') {
				j++
			}
			out = append(out, token{tokNumber, src[i:j]})
			i = j
		case unicode.IsLetter(rune(c)) || c == '_':
			j := i
			for j < len(src) && (unicode.IsLetter(rune(src[j])) || unicode.IsDigit(rune(src[j])) || src[j] == '_' || src[j] == '.') {
				j++
			}
			word := src[i:j]
			i = j
			switch strings.ToLower(word) {
			case "and":
				out = append(out, token{tokAnd, word})
			case "or":
				out = append(out, token{tokOr, word})
			case "in":
				out = append(out, token{tokIn, word})
			case "not":
				// only meaningful as "not in"
				k := i
				for k < len(src) && (src[k] == ' ' || src[k] == '\t') {
					k++
				}
				if strings.HasPrefix(strings.ToLower(src[k:]), "in") &&
					(k+2 >= len(src) || !isIdentByte(src[k+2])) {
					out = append(out, token{tokNotIn, "not in"})
					i = k + 2
				} else {
					return nil, fmt.Errorf("unexpected 'not' at %d", i)
				}
			default:
				out = append(out, token{tokIdent, word})
			}
		default:
			return nil, fmt.Errorf("unexpected %q at %d", c, i)
		}
	}
	out = append(out, token{tokEOF, ""})
	return out, nil
}

func isIdentByte(c byte) bool {
	return unicode.IsLetter(rune(c)) || unicode.IsDigit(rune(c)) || c == '_' || c == '.'
}

// --- parser ---

type parser struct {
	toks []token
	pos  int
}

// ParseExpr parses a precondition expression into its AST.
// Precedence: parentheses > comparison/membership > and > or.
func ParseExpr(src string) (Node, error) {
	toks, err := lex(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	node, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tokEOF {
		return nil, fmt.Errorf("trailing input %q", p.peek().text)
	}
	return node, nil
}

func (p *parser) peek() token { return p.toks[p.pos] }
func (p *parser) next() token {
	t := p.toks[p.pos]
	p.pos++
	return t
}

func (p *parser) parseOr() (Node, error) {
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
		left = Or{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tokAnd {
		p.next()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = And{left, right}
	}
	return left, nil
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	switch p.peek().kind {
	case tokEq:
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return Eq{left, right}, nil
	case tokNeq:
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return Neq{left, right}, nil
	case tokIn:
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return In{left, right}, nil
	case tokNotIn:
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		return NotIn{left, right}, nil
	}
	return left, nil
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokString:
		return Lit{stringVal(t.text)}, nil
	case tokNumber:
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q", t.text)
		}
		return Lit{numberVal(n)}, nil
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return Lit{boolVal(true)}, nil
		case "false":
			return Lit{boolVal(false)}, nil
		case "null", "none":
			return Lit{nullVal()}, nil
		}
		return Ident{Path: strings.Split(t.text, ".")}, nil
	case tokLParen:
		node, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next().kind != tokRParen {
			return nil, fmt.Errorf("missing ')'")
		}
		return node, nil
	case tokLBracket:
		var elems []Value
		for p.peek().kind != tokRBracket {
			el, err := p.parsePrimary()
			if err != nil {
				return nil, err
			}
			lit, ok := el.(Lit)
			if !ok {
				return nil, fmt.Errorf("list literals must contain literals")
			}
			elems = append(elems, lit.Val)
			if p.peek().kind == tokComma {
				p.next()
			}
		}
		p.next() // ]
		return Lit{Value{Kind: KindList, List: elems}}, nil
	default:
		return nil, fmt.Errorf("unexpected token %q", t.text)
	}
}
