// Package orderfilter compiles the small predicate language used by
// "cancel where". Expressions may reference only a fixed set of order
// fields; anything else is rejected at compile time.
//
//	age > 60 and role == 'entry'
//	group in ['ladder:INFY:1a2b3c4d', 'swing'] && !protected
//	symbol == "SBIN" or quantity >= 100
package orderfilter

import (
	"errors"
	"fmt"
	"strings"
)

var ErrEmpty = errors.New("empty filter expression")

type field int

const (
	fieldAge field = iota
	fieldRole
	fieldGroup
	fieldStrategyID
	fieldProtected
	fieldSymbol
	fieldStatus
	fieldQuantity
)

var fieldByName = map[string]field{
	"age":         fieldAge,
	"role":        fieldRole,
	"group":       fieldGroup,
	"strategy_id": fieldStrategyID,
	"protected":   fieldProtected,
	"symbol":      fieldSymbol,
	"status":      fieldStatus,
	"quantity":    fieldQuantity,
}

// FieldNames lists the names an expression may reference.
func FieldNames() []string {
	return []string{"age", "role", "group", "strategy_id", "protected", "symbol", "status", "quantity"}
}

// Fields is the evaluation context for one order. Empty strings evaluate to
// null.
type Fields struct {
	Age        float64 // seconds since creation
	Role       string
	Group      string
	StrategyID string
	Protected  bool
	Symbol     string
	Status     string
	Quantity   int
}

func optional(s string) Value {
	if s == "" {
		return nil
	}
	return s
}

func (f Fields) get(k field) Value {
	switch k {
	case fieldAge:
		return f.Age
	case fieldRole:
		return optional(f.Role)
	case fieldGroup:
		return optional(f.Group)
	case fieldStrategyID:
		return optional(f.StrategyID)
	case fieldProtected:
		return f.Protected
	case fieldSymbol:
		return optional(f.Symbol)
	case fieldStatus:
		return optional(f.Status)
	case fieldQuantity:
		return float64(f.Quantity)
	}
	return nil
}

// Expr is a compiled predicate. It is immutable and safe for concurrent use.
type Expr struct {
	src  string
	root node
}

// Compile parses text into an Expr.
func Compile(text string) (*Expr, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, ErrEmpty
	}
	toks, err := lex(text)
	if err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	p := &parser{toks: toks}
	root, err := p.parseOr()
	if err != nil {
		return nil, fmt.Errorf("invalid filter: %w", err)
	}
	if t := p.peek(); t.kind != tokEOF {
		return nil, fmt.Errorf("invalid filter: unexpected %s at %d", t, t.pos)
	}
	return &Expr{src: text, root: root}, nil
}

func (e *Expr) String() string { return e.src }

// Eval reports whether f satisfies the expression. Non-boolean results are
// converted by truthiness.
func (e *Expr) Eval(f Fields) (bool, error) {
	v, err := e.root.eval(f)
	if err != nil {
		return false, fmt.Errorf("evaluate %q: %w", e.src, err)
	}
	return truthy(v), nil
}
