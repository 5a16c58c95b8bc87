package orderfilter

import (
	"fmt"
	"strings"
)

// Grammar:
//
//	or      = and { ("or" | "||") and }
//	and     = not { ("and" | "&&") not }
//	not     = ("not" | "!") not | compare
//	compare = sum { cmpop sum }
//	cmpop   = "==" | "!=" | "<" | "<=" | ">" | ">=" | "in" | "not" "in"
//	sum     = product { ("+" | "-") product }
//	product = unary { ("*" | "/" | "%") unary }
//	unary   = ("-" | "+") unary | primary
//	primary = number | string | "true" | "false" | "null" | field
//	        | "(" or ")" | "[" [ or { "," or } ] "]"
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

func (p *parser) isKeyword(word string) bool {
	t := p.peek()
	return t.kind == tokIdent && strings.EqualFold(t.text, word)
}

func (p *parser) isOp(ops ...string) bool {
	t := p.peek()
	if t.kind != tokOp {
		return false
	}
	for _, op := range ops {
		if t.text == op {
			return true
		}
	}
	return false
}

func (p *parser) expect(kind tokenKind, what string) error {
	if t := p.next(); t.kind != kind {
		return fmt.Errorf("expected %s, found %s at %d", what, t, t.pos)
	}
	return nil
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("or") || p.isOp("||") {
		p.next()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = orNode{left, right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseNot()
	if err != nil {
		return nil, err
	}
	for p.isKeyword("and") || p.isOp("&&") {
		p.next()
		right, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		left = andNode{left, right}
	}
	return left, nil
}

func (p *parser) parseNot() (node, error) {
	if p.isKeyword("not") || p.isOp("!") {
		p.next()
		operand, err := p.parseNot()
		if err != nil {
			return nil, err
		}
		return notNode{operand}, nil
	}
	return p.parseCompare()
}

// compareOp consumes a comparison operator if one is next.
func (p *parser) compareOp() (string, bool) {
	switch {
	case p.isOp("==", "!=", "<", "<=", ">", ">="):
		return p.next().text, true
	case p.isKeyword("in"):
		p.next()
		return "in", true
	case p.isKeyword("not") && p.pos+1 < len(p.toks) &&
		p.toks[p.pos+1].kind == tokIdent && strings.EqualFold(p.toks[p.pos+1].text, "in"):
		p.pos += 2
		return "not in", true
	}
	return "", false
}

func (p *parser) parseCompare() (node, error) {
	first, err := p.parseSum()
	if err != nil {
		return nil, err
	}
	cmp := compareNode{operands: []node{first}}
	for {
		op, ok := p.compareOp()
		if !ok {
			break
		}
		operand, err := p.parseSum()
		if err != nil {
			return nil, err
		}
		cmp.ops = append(cmp.ops, op)
		cmp.operands = append(cmp.operands, operand)
	}
	if len(cmp.ops) == 0 {
		return first, nil
	}
	return cmp, nil
}

func (p *parser) parseSum() (node, error) {
	left, err := p.parseProduct()
	if err != nil {
		return nil, err
	}
	for p.isOp("+", "-") {
		op := p.next().text
		right, err := p.parseProduct()
		if err != nil {
			return nil, err
		}
		left = arithNode{op, left, right}
	}
	return left, nil
}

func (p *parser) parseProduct() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.isOp("*", "/", "%") {
		op := p.next().text
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = arithNode{op, left, right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	if p.isOp("-", "+") {
		op := p.next().text
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		if op == "-" {
			return negNode{operand}, nil
		}
		return plusNode{operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	t := p.next()
	switch t.kind {
	case tokNumber:
		return literal{t.num}, nil
	case tokString:
		return literal{t.text}, nil
	case tokLParen:
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokRParen, `")"`); err != nil {
			return nil, err
		}
		return inner, nil
	case tokLBracket:
		var items listNode
		if p.peek().kind == tokRBracket {
			p.next()
			return items, nil
		}
		for {
			item, err := p.parseOr()
			if err != nil {
				return nil, err
			}
			items = append(items, item)
			if p.peek().kind == tokComma {
				p.next()
				if p.peek().kind == tokRBracket {
					p.next()
					return items, nil
				}
				continue
			}
			if err := p.expect(tokRBracket, `"]"`); err != nil {
				return nil, err
			}
			return items, nil
		}
	case tokIdent:
		switch strings.ToLower(t.text) {
		case "true":
			return literal{true}, nil
		case "false":
			return literal{false}, nil
		case "null", "none", "nil":
			return literal{nil}, nil
		}
		f, ok := fieldByName[t.text]
		if !ok {
			return nil, fmt.Errorf("unknown name %q at %d", t.text, t.pos)
		}
		return fieldNode(f), nil
	}
	return nil, fmt.Errorf("unexpected %s at %d", t, t.pos)
}
