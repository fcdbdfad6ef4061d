package expressions

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/lifecycle/pkg/schema"
)

// builtins maps supported function names to their arity.
var builtins = map[string]int{
	"NOW":           0,
	"DAYS_BETWEEN":  2,
	"HOURS_BETWEEN": 2,
}

var durationUnits = map[string]time.Duration{
	"SECOND":  time.Second,
	"SECONDS": time.Second,
	"MINUTE":  time.Minute,
	"MINUTES": time.Minute,
	"HOUR":    time.Hour,
	"HOURS":   time.Hour,
	"DAY":     24 * time.Hour,
	"DAYS":    24 * time.Hour,
	"WEEK":    7 * 24 * time.Hour,
	"WEEKS":   7 * 24 * time.Hour,
}

// UnitDuration returns the length of one unit, accepting singular, plural
// and lower-case spellings ("hours", "Day").
func UnitDuration(unit string) (time.Duration, bool) {
	d, ok := durationUnits[strings.ToUpper(unit)]
	return d, ok
}

var reserved = map[string]bool{
	"AND": true, "OR": true, "NOT": true, "IN": true,
	"NULL": true, "TRUE": true, "FALSE": true,
}

// Parse parses a guard or formula into an AST.
//
// Precedence from loosest to tightest: OR, AND, NOT, comparison and IN,
// additive (+ -), primary.
func Parse(src string) (Node, error) {
	if strings.TrimSpace(src) == "" {
		return nil, schema.NewError(schema.ErrCodeExpression, "empty expression")
	}
	toks, err := lex(src)
	if err != nil {
		return nil, parseError(src, err)
	}
	p := &parser{toks: toks}
	n, err := p.parseOr()
	if err != nil {
		return nil, parseError(src, err)
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, parseError(src, fmt.Errorf("unexpected %s", t))
	}
	return n, nil
}

func parseError(src string, err error) error {
	return schema.NewErrorf(schema.ErrCodeExpression, "parse %q: %s", src, err.Error()).
		WithCause(err).
		WithDetails(map[string]any{"expression": src})
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) next() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) expect(kind tokenKind, what string) error {
	if t := p.next(); t.kind != kind {
		return fmt.Errorf("expected %s, got %s", what, t)
	}
	return nil
}

func (p *parser) parseOr() (Node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.peek().keyword("OR") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &Or{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (Node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.peek().keyword("AND") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = &And{Left: left, Right: right}
	}
	return left, nil
}

func (p *parser) parseNot() (Node, error) {
	if p.peek().keyword("NOT") {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return &Not{Operand: operand}, nil
	}
	return p.parseComparison()
}

func (p *parser) parseComparison() (Node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}

	t := p.peek()
	switch {
	case t.kind == tokOp && t.text != "+" && t.text != "-":
		p.next()
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		return &Comparison{Op: CompareOp(t.text), Left: left, Right: right}, nil
	case t.keyword("IN"):
		p.next()
		return p.parseInList(left)
	case t.keyword("NOT") && p.toks[p.pos+1].keyword("IN"):
		p.pos += 2
		in, err := p.parseInList(left)
		if err != nil {
			return nil, err
		}
		return &Not{Operand: in}, nil
	}
	return left, nil
}

// parseInList parses "[a, b, ...]". Bare identifiers are string literals,
// so `priority IN [High, Critical]` needs no quoting.
func (p *parser) parseInList(operand Node) (Node, error) {
	if err := p.expect(tokLBracket, "'[' after IN"); err != nil {
		return nil, err
	}
	in := &In{Operand: operand}
	if p.peek().kind == tokRBracket {
		p.next()
		return in, nil
	}
	for {
		t := p.peek()
		var item Node
		if t.kind == tokIdent && !reserved[strings.ToUpper(t.text)] {
			p.next()
			item = &Literal{Value: t.text}
		} else {
			n, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			item = n
		}
		in.Items = append(in.Items, item)

		switch t := p.next(); t.kind {
		case tokComma:
			continue
		case tokRBracket:
			return in, nil
		default:
			return nil, fmt.Errorf("expected ',' or ']' in IN list, got %s", t)
		}
	}
}

func (p *parser) parseAdditive() (Node, error) {
	left, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		t := p.peek()
		if t.kind != tokOp || (t.text != "+" && t.text != "-") {
			return left, nil
		}
		p.next()
		right, err := p.parsePrimary()
		if err != nil {
			return nil, err
		}
		left = &Arithmetic{Op: t.text[0], Left: left, Right: right}
	}
}

func (p *parser) parsePrimary() (Node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return p.parseNumber(t, false)
	case tokOp:
		if t.text == "-" && p.peek().kind == tokNumber {
			return p.parseNumber(p.next(), true)
		}
	case tokString:
		return &Literal{Value: t.text}, nil
	case tokLParen:
		n, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, "')'"); err != nil {
			return nil, err
		}
		return n, nil
	case tokIdent:
		switch strings.ToUpper(t.text) {
		case "NULL":
			return &Literal{Value: nil}, nil
		case "TRUE":
			return &Literal{Value: true}, nil
		case "FALSE":
			return &Literal{Value: false}, nil
		}
		if reserved[strings.ToUpper(t.text)] {
			break
		}
		if p.peek().kind == tokLParen {
			return p.parseCall(t)
		}
		return p.parseFieldRef(t)
	}
	return nil, fmt.Errorf("unexpected %s", t)
}

// parseNumber parses a number, folding a trailing unit keyword into a
// duration literal ("4 HOURS").
func (p *parser) parseNumber(t token, negative bool) (Node, error) {
	f, err := strconv.ParseFloat(t.text, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid number %s", t)
	}
	if negative {
		f = -f
	}
	if u := p.peek(); u.kind == tokIdent {
		if unit, ok := UnitDuration(u.text); ok {
			p.next()
			return &Literal{Value: time.Duration(f * float64(unit))}, nil
		}
	}
	return &Literal{Value: f}, nil
}

func (p *parser) parseCall(name token) (Node, error) {
	fn := strings.ToUpper(name.text)
	arity, ok := builtins[fn]
	if !ok {
		return nil, fmt.Errorf("unknown function %s", name)
	}
	p.next() // (

	call := &FunctionCall{Name: fn}
	if p.peek().kind != tokRParen {
		for {
			arg, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			call.Args = append(call.Args, arg)
			if p.peek().kind != tokComma {
				break
			}
			p.next()
		}
	}
	if err := p.expect(tokRParen, "')'"); err != nil {
		return nil, err
	}
	if len(call.Args) != arity {
		return nil, fmt.Errorf("%s expects %d argument(s), got %d", fn, arity, len(call.Args))
	}
	return call, nil
}

func (p *parser) parseFieldRef(first token) (Node, error) {
	ref := &FieldRef{Path: []string{first.text}}
	for p.peek().kind == tokDot {
		p.next()
		seg := p.next()
		if seg.kind != tokIdent {
			return nil, fmt.Errorf("expected field name after '.', got %s", seg)
		}
		ref.Path = append(ref.Path, seg.text)
	}
	return ref, nil
}
