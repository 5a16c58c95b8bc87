package orderfilter

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// Value is the result of evaluating a sub-expression: nil, bool, float64,
// string or []Value.
type Value any

// ErrType is returned when operands cannot be combined.
var ErrType = errors.New("type mismatch")

type node interface {
	eval(f Fields) (Value, error)
}

type literal struct{ v Value }

func (l literal) eval(Fields) (Value, error) { return l.v, nil }

type fieldNode field

func (n fieldNode) eval(f Fields) (Value, error) { return f.get(field(n)), nil }

type listNode []node

func (n listNode) eval(f Fields) (Value, error) {
	out := make([]Value, len(n))
	for i, item := range n {
		v, err := item.eval(f)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

type orNode struct{ left, right node }

func (n orNode) eval(f Fields) (Value, error) {
	l, err := n.left.eval(f)
	if err != nil {
		return nil, err
	}
	if truthy(l) {
		return true, nil
	}
	r, err := n.right.eval(f)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

type andNode struct{ left, right node }

func (n andNode) eval(f Fields) (Value, error) {
	l, err := n.left.eval(f)
	if err != nil {
		return nil, err
	}
	if !truthy(l) {
		return false, nil
	}
	r, err := n.right.eval(f)
	if err != nil {
		return nil, err
	}
	return truthy(r), nil
}

type notNode struct{ operand node }

func (n notNode) eval(f Fields) (Value, error) {
	v, err := n.operand.eval(f)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type negNode struct{ operand node }

func (n negNode) eval(f Fields) (Value, error) {
	v, err := n.operand.eval(f)
	if err != nil {
		return nil, err
	}
	x, ok := number(v)
	if !ok {
		return nil, fmt.Errorf("%w: cannot negate %s", ErrType, describe(v))
	}
	return -x, nil
}

type plusNode struct{ operand node }

func (n plusNode) eval(f Fields) (Value, error) {
	v, err := n.operand.eval(f)
	if err != nil {
		return nil, err
	}
	x, ok := number(v)
	if !ok {
		return nil, fmt.Errorf("%w: unary + on %s", ErrType, describe(v))
	}
	return x, nil
}

type arithNode struct {
	op          string
	left, right node
}

func (n arithNode) eval(f Fields) (Value, error) {
	l, err := n.left.eval(f)
	if err != nil {
		return nil, err
	}
	r, err := n.right.eval(f)
	if err != nil {
		return nil, err
	}
	if n.op == "+" {
		if ls, ok := l.(string); ok {
			if rs, ok := r.(string); ok {
				return ls + rs, nil
			}
		}
	}
	x, okx := number(l)
	y, oky := number(r)
	if !okx || !oky {
		return nil, fmt.Errorf("%w: %s %s %s", ErrType, describe(l), n.op, describe(r))
	}
	switch n.op {
	case "+":
		return x + y, nil
	case "-":
		return x - y, nil
	case "*":
		return x * y, nil
	case "/":
		if y == 0 {
			return nil, errors.New("division by zero")
		}
		return x / y, nil
	default:
		if y == 0 {
			return nil, errors.New("modulo by zero")
		}
		return x - y*math.Floor(x/y), nil
	}
}

// compareNode evaluates chained comparisons: a < b <= c means a < b and b <= c.
type compareNode struct {
	operands []node
	ops      []string
}

func (n compareNode) eval(f Fields) (Value, error) {
	left, err := n.operands[0].eval(f)
	if err != nil {
		return nil, err
	}
	for i, op := range n.ops {
		right, err := n.operands[i+1].eval(f)
		if err != nil {
			return nil, err
		}
		ok, err := compare(op, left, right)
		if err != nil {
			return nil, err
		}
		if !ok {
			return false, nil
		}
		left = right
	}
	return true, nil
}

func compare(op string, l, r Value) (bool, error) {
	switch op {
	case "==":
		return equal(l, r), nil
	case "!=":
		return !equal(l, r), nil
	case "in":
		return contains(r, l)
	case "not in":
		in, err := contains(r, l)
		return !in, err
	}

	if x, ok := number(l); ok {
		if y, ok := number(r); ok {
			return ordered(op, cmp3(x, y)), nil
		}
	}
	if x, ok := l.(string); ok {
		if y, ok := r.(string); ok {
			return ordered(op, strings.Compare(x, y)), nil
		}
	}
	return false, fmt.Errorf("%w: %s %s %s", ErrType, describe(l), op, describe(r))
}

func cmp3(x, y float64) int {
	switch {
	case x < y:
		return -1
	case x > y:
		return 1
	}
	return 0
}

func ordered(op string, c int) bool {
	switch op {
	case "<":
		return c < 0
	case "<=":
		return c <= 0
	case ">":
		return c > 0
	default:
		return c >= 0
	}
}

func contains(container, item Value) (bool, error) {
	switch c := container.(type) {
	case []Value:
		for _, v := range c {
			if equal(v, item) {
				return true, nil
			}
		}
		return false, nil
	case string:
		s, ok := item.(string)
		if !ok {
			return false, fmt.Errorf("%w: %s in string", ErrType, describe(item))
		}
		return strings.Contains(c, s), nil
	case nil:
		return false, nil
	}
	return false, fmt.Errorf("%w: membership test on %s", ErrType, describe(container))
}

func equal(l, r Value) bool {
	if x, ok := number(l); ok {
		y, ok := number(r)
		return ok && x == y
	}
	switch lv := l.(type) {
	case nil:
		return r == nil
	case string:
		rv, ok := r.(string)
		return ok && lv == rv
	case []Value:
		rv, ok := r.([]Value)
		if !ok || len(lv) != len(rv) {
			return false
		}
		for i := range lv {
			if !equal(lv[i], rv[i]) {
				return false
			}
		}
		return true
	}
	return false
}

// number treats booleans as 0/1 so protected == 1 matches protected == true.
func number(v Value) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

func truthy(v Value) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	case []Value:
		return len(x) > 0
	}
	return true
}

func describe(v Value) string {
	switch v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case float64:
		return "number"
	case string:
		return "string"
	case []Value:
		return "list"
	}
	return fmt.Sprintf("%T", v)
}
