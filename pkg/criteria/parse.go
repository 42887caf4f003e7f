package criteria

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"
	celast "github.com/google/cel-go/common/ast"
	"github.com/google/cel-go/common/operators"
)

// AttrsVariable is the name attribute keys are selected from in expressions
const AttrsVariable = "attrs"

// Parse turns a CEL expression over the attrs map into a predicate tree.
// Supported forms:
//
//	attrs.color == "red"    attrs["size"] == 3
//	has(attrs.color)        !has(attrs.color)
//	a && b                  a || b
func Parse(expr string) (Node, error) {
	if strings.TrimSpace(expr) == "" {
		return Node{}, ErrEmptyExpression
	}

	env, err := cel.NewEnv(cel.Variable(AttrsVariable, cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return Node{}, fmt.Errorf("criteria: cel environment: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return Node{}, fmt.Errorf("criteria: compile %q: %w", expr, iss.Err())
	}

	node, err := convert(ast.NativeRep().Expr())
	if err != nil {
		return Node{}, fmt.Errorf("criteria: %q: %w", expr, err)
	}
	return node, nil
}

// MustParse is Parse for expressions known at compile time
func MustParse(expr string) Node {
	n, err := Parse(expr)
	if err != nil {
		panic(err)
	}
	return n
}

func convert(e celast.Expr) (Node, error) {
	switch e.Kind() {
	case celast.SelectKind:
		sel := e.AsSelect()
		if !sel.IsTestOnly() {
			return Node{}, fmt.Errorf("bare attribute %q is not a predicate", sel.FieldName())
		}
		key, err := attrKey(e)
		if err != nil {
			return Node{}, err
		}
		return Has(key), nil

	case celast.CallKind:
		call := e.AsCall()
		args := call.Args()
		switch call.FunctionName() {
		case operators.LogicalAnd, operators.LogicalOr:
			children := make([]Node, 0, len(args))
			for _, a := range args {
				c, err := convert(a)
				if err != nil {
					return Node{}, err
				}
				children = append(children, flatten(call.FunctionName(), c)...)
			}
			if call.FunctionName() == operators.LogicalAnd {
				return And(children...), nil
			}
			return Or(children...), nil

		case operators.LogicalNot:
			inner, err := convert(args[0])
			if err != nil {
				return Node{}, err
			}
			if inner.Kind != KindHas {
				return Node{}, fmt.Errorf("negation is only supported on has(), got %s", inner)
			}
			return HasNot(inner.Key), nil

		case operators.Equals:
			key, err := attrKey(args[0])
			lit := args[1]
			if err != nil {
				// literal on the left
				key, err = attrKey(args[1])
				lit = args[0]
			}
			if err != nil {
				return Node{}, fmt.Errorf("equality needs an attrs operand: %w", err)
			}
			if lit.Kind() != celast.LiteralKind {
				return Node{}, fmt.Errorf("attribute %q must be compared with a literal", key)
			}
			return Equals(key, lit.AsLiteral().Value()), nil
		}
		return Node{}, fmt.Errorf("unsupported function %q", call.FunctionName())
	}
	return Node{}, fmt.Errorf("unsupported expression kind %d", e.Kind())
}

// flatten merges nested operators of the same kind into one level
func flatten(fn string, n Node) []Node {
	if (fn == operators.LogicalAnd && n.Kind == KindAnd) || (fn == operators.LogicalOr && n.Kind == KindOr) {
		return n.Children
	}
	return []Node{n}
}

// attrKey extracts k from attrs.k or attrs["k"]
func attrKey(e celast.Expr) (string, error) {
	switch e.Kind() {
	case celast.SelectKind:
		sel := e.AsSelect()
		if isAttrs(sel.Operand()) {
			return sel.FieldName(), nil
		}
	case celast.CallKind:
		call := e.AsCall()
		if call.FunctionName() == operators.Index && len(call.Args()) == 2 && isAttrs(call.Args()[0]) {
			idx := call.Args()[1]
			if idx.Kind() == celast.LiteralKind {
				if s, ok := idx.AsLiteral().Value().(string); ok {
					return s, nil
				}
			}
		}
	}
	return "", fmt.Errorf("expected %s.<key> or %s[\"<key>\"]", AttrsVariable, AttrsVariable)
}

func isAttrs(e celast.Expr) bool {
	return e.Kind() == celast.IdentKind && e.AsIdent() == AttrsVariable
}
