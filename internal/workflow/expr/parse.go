package expr

import "fmt"

// The AST is a closed set of value-producing forms. There is deliberately no
// assignment, no definition, and no call target other than the builtin set.
type astNode interface{}

type numLit float64
type strLit string
type boolLit bool
type nullLit struct{}
type identRef string

type memberNode struct {
	obj astNode
	key string
}

type indexNode struct {
	obj astNode
	idx astNode
}

type unaryNode struct {
	op      string
	operand astNode
}

type binaryNode struct {
	op          string
	left, right astNode
}

type ternaryNode struct {
	cond, then, els astNode
}

type callNode struct {
	name string
	args []astNode
}

var builtinNames = map[string]bool{
	"len": true, "has": true, "get": true, "str": true, "num": true,
	"bool": true, "now": true, "floor": true, "ceil": true, "round": true,
	"min": true, "max": true, "abs": true, "includes": true,
	"startsWith": true, "lower": true, "upper": true,
}

type parser struct {
	toks []token
	pos  int
}

func (p *parser) cur() token  { return p.toks[p.pos] }
func (p *parser) next() token { t := p.toks[p.pos]; p.pos++; return t }

func (p *parser) expect(op string) error {
	if !p.cur().is(op) {
		return fmt.Errorf("expected %q at %d", op, p.cur().pos)
	}
	p.pos++
	return nil
}

func (p *parser) keyword(name string) bool {
	if p.cur().kind == tokIdent && p.cur().text == name {
		p.pos++
		return true
	}
	return false
}

func parse(toks []token) (astNode, error) {
	p := &parser{toks: toks}
	node, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if p.cur().kind != tokEOF {
		return nil, fmt.Errorf("unexpected trailing input at %d: %q", p.cur().pos, p.cur().text)
	}
	return node, nil
}

func (p *parser) parseExpr() (astNode, error) {
	return p.parseTernary()
}

func (p *parser) parseTernary() (astNode, error) {
	cond, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if !p.cur().is("?") {
		return cond, nil
	}
	p.pos++
	then, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	if err := p.expect(":"); err != nil {
		return nil, err
	}
	els, err := p.parseExpr()
	if err != nil {
		return nil, err
	}
	return ternaryNode{cond: cond, then: then, els: els}, nil
}

func (p *parser) parseOr() (astNode, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.keyword("or") {
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "or", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (astNode, error) {
	left, err := p.parseEquality()
	if err != nil {
		return nil, err
	}
	for p.keyword("and") {
		right, err := p.parseEquality()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: "and", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseEquality() (astNode, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.cur().is("=="):
			op = "=="
		case p.cur().is("!="):
			op = "!="
		default:
			return left, nil
		}
		p.pos++
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseComparison() (astNode, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.cur().is("<="):
			op = "<="
		case p.cur().is(">="):
			op = ">="
		case p.cur().is("<"):
			op = "<"
		case p.cur().is(">"):
			op = ">"
		default:
			return left, nil
		}
		p.pos++
		right, err := p.parseAdditive()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseAdditive() (astNode, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.cur().is("+"):
			op = "+"
		case p.cur().is("-"):
			op = "-"
		default:
			return left, nil
		}
		p.pos++
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseMultiplicative() (astNode, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for {
		var op string
		switch {
		case p.cur().is("*"):
			op = "*"
		case p.cur().is("/"):
			op = "/"
		case p.cur().is("%"):
			op = "%"
		default:
			return left, nil
		}
		p.pos++
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = binaryNode{op: op, left: left, right: right}
	}
}

func (p *parser) parseUnary() (astNode, error) {
	if p.cur().is("-") {
		p.pos++
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "-", operand: operand}, nil
	}
	if p.keyword("not") {
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return unaryNode{op: "not", operand: operand}, nil
	}
	return p.parsePostfix()
}

func (p *parser) parsePostfix() (astNode, error) {
	node, err := p.parsePrimary()
	if err != nil {
		return nil, err
	}
	for {
		switch {
		case p.cur().is("."):
			p.pos++
			name := p.cur()
			if name.kind != tokIdent {
				return nil, fmt.Errorf("expected property name at %d", name.pos)
			}
			p.pos++
			// Method-call sugar: receiver.builtin(args) becomes
			// builtin(receiver, args...).
			if p.cur().is("(") && builtinNames[name.text] {
				args, err := p.parseArgs()
				if err != nil {
					return nil, err
				}
				node = callNode{name: name.text, args: append([]astNode{node}, args...)}
				continue
			}
			node = memberNode{obj: node, key: name.text}
		case p.cur().is("["):
			p.pos++
			idx, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expect("]"); err != nil {
				return nil, err
			}
			node = indexNode{obj: node, idx: idx}
		case p.cur().is("("):
			ident, ok := node.(identRef)
			if !ok || !builtinNames[string(ident)] {
				return nil, fmt.Errorf("unknown function at %d", p.cur().pos)
			}
			args, err := p.parseArgs()
			if err != nil {
				return nil, err
			}
			node = callNode{name: string(ident), args: args}
		default:
			return node, nil
		}
	}
}

func (p *parser) parseArgs() ([]astNode, error) {
	if err := p.expect("("); err != nil {
		return nil, err
	}
	var args []astNode
	if p.cur().is(")") {
		p.pos++
		return args, nil
	}
	for {
		arg, err := p.parseExpr()
		if err != nil {
			return nil, err
		}
		args = append(args, arg)
		if p.cur().is(",") {
			p.pos++
			continue
		}
		if err := p.expect(")"); err != nil {
			return nil, err
		}
		return args, nil
	}
}

func (p *parser) parsePrimary() (astNode, error) {
	t := p.cur()
	switch t.kind {
	case tokNumber:
		p.pos++
		return numLit(t.num), nil
	case tokString:
		p.pos++
		return strLit(t.text), nil
	case tokIdent:
		switch t.text {
		case "true":
			p.pos++
			return boolLit(true), nil
		case "false":
			p.pos++
			return boolLit(false), nil
		case "null", "undefined":
			p.pos++
			return nullLit{}, nil
		}
		p.pos++
		return identRef(t.text), nil
	case tokOp:
		if t.is("(") {
			p.pos++
			inner, err := p.parseExpr()
			if err != nil {
				return nil, err
			}
			if err := p.expect(")"); err != nil {
				return nil, err
			}
			return inner, nil
		}
	}
	return nil, fmt.Errorf("unexpected token at %d: %q", t.pos, t.text)
}
