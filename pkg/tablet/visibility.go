// ABOUTME: Cell visibility expressions (A&B|(C&D)) evaluated against caller authorizations
// ABOUTME: & binds tighter than |, parentheses group, the empty expression is public

package tablet

import (
	"fmt"
	"sort"
	"sync"
)

// Authorizations is the set of labels a caller holds
type Authorizations struct {
	labels map[string]struct{}
}

// NewAuthorizations builds an authorization set
func NewAuthorizations(labels ...string) Authorizations {
	set := make(map[string]struct{}, len(labels))
	for _, l := range labels {
		if l != "" {
			set[l] = struct{}{}
		}
	}
	return Authorizations{labels: set}
}

// Contains reports whether the label is held
func (a Authorizations) Contains(label string) bool {
	_, ok := a.labels[label]
	return ok
}

// Labels returns the held labels, sorted
func (a Authorizations) Labels() []string {
	out := make([]string, 0, len(a.labels))
	for l := range a.labels {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

type visKind uint8

const (
	visLabel visKind = iota
	visAnd
	visOr
)

type visNode struct {
	kind     visKind
	label    string
	children []*visNode
}

func (n *visNode) eval(auths Authorizations) bool {
	switch n.kind {
	case visLabel:
		return auths.Contains(n.label)
	case visAnd:
		for _, c := range n.children {
			if !c.eval(auths) {
				return false
			}
		}
		return true
	default:
		for _, c := range n.children {
			if c.eval(auths) {
				return true
			}
		}
		return false
	}
}

// Visibility is a parsed visibility expression
type Visibility struct {
	expr string
	root *visNode
}

var visCache sync.Map // string -> *Visibility

// ParseVisibility parses and caches an expression
func ParseVisibility(expr string) (*Visibility, error) {
	if v, ok := visCache.Load(expr); ok {
		return v.(*Visibility), nil
	}
	vis := &Visibility{expr: expr}
	if expr != "" {
		p := &visParser{in: expr}
		root, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.pos != len(p.in) {
			return nil, fmt.Errorf("%w: %q: unexpected %q at %d", ErrInvalidVisibility, expr, p.in[p.pos], p.pos)
		}
		vis.root = root
	}
	actual, _ := visCache.LoadOrStore(expr, vis)
	return actual.(*Visibility), nil
}

// String returns the source expression
func (v *Visibility) String() string {
	return v.expr
}

// Evaluate reports whether the authorizations satisfy the expression
func (v *Visibility) Evaluate(auths Authorizations) bool {
	if v.root == nil {
		return true
	}
	return v.root.eval(auths)
}

// CanSee parses the expression and evaluates it. Unparseable expressions are never visible.
func CanSee(expr string, auths Authorizations) bool {
	if expr == "" {
		return true
	}
	v, err := ParseVisibility(expr)
	if err != nil {
		return false
	}
	return v.Evaluate(auths)
}

type visParser struct {
	in  string
	pos int
}

func (p *visParser) parseOr() (*visNode, error) {
	first, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	children := []*visNode{first}
	for p.pos < len(p.in) && p.in[p.pos] == '|' {
		p.pos++
		next, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		children = append(children, next)
	}
	if len(children) == 1 {
		return first, nil
	}
	return &visNode{kind: visOr, children: children}, nil
}

func (p *visParser) parseAnd() (*visNode, error) {
	first, err := p.parseTerm()
	if err != nil {
		return nil, err
	}
	children := []*visNode{first}
	for p.pos < len(p.in) && p.in[p.pos] == '&' {
		p.pos++
		next, err := p.parseTerm()
		if err != nil {
			return nil, err
		}
		children = append(children, next)
	}
	if len(children) == 1 {
		return first, nil
	}
	return &visNode{kind: visAnd, children: children}, nil
}

func (p *visParser) parseTerm() (*visNode, error) {
	if p.pos >= len(p.in) {
		return nil, fmt.Errorf("%w: %q: unexpected end", ErrInvalidVisibility, p.in)
	}
	if p.in[p.pos] == '(' {
		p.pos++
		inner, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.pos >= len(p.in) || p.in[p.pos] != ')' {
			return nil, fmt.Errorf("%w: %q: missing ')'", ErrInvalidVisibility, p.in)
		}
		p.pos++
		return inner, nil
	}
	start := p.pos
	for p.pos < len(p.in) && isLabelByte(p.in[p.pos]) {
		p.pos++
	}
	if start == p.pos {
		return nil, fmt.Errorf("%w: %q: expected label at %d", ErrInvalidVisibility, p.in, start)
	}
	return &visNode{kind: visLabel, label: p.in[start:p.pos]}, nil
}

func isLabelByte(b byte) bool {
	switch {
	case b >= 'a' && b <= 'z', b >= 'A' && b <= 'Z', b >= '0' && b <= '9':
		return true
	case b == '_', b == '-', b == '.', b == ':', b == '/':
		return true
	}
	return false
}
