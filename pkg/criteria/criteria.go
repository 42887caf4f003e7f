// ABOUTME: Boolean attribute predicate tree shared by the planner and the residual evaluator
// ABOUTME: AND/OR nodes with ordered children over EQUALS, HAS and HAS_NOT leaves

package criteria

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/nainya/attrstore/pkg/record"
	"github.com/nainya/attrstore/pkg/types"
)

// ErrEmptyExpression is returned for a blank query string
var ErrEmptyExpression = errors.New("criteria: empty expression")

// ErrInvalidNode is returned by Validate for malformed trees
var ErrInvalidNode = errors.New("criteria: invalid node")

// Kind discriminates node variants
type Kind uint8

const (
	KindAnd Kind = iota + 1
	KindOr
	KindEquals
	KindHas
	KindHasNot
)

func (k Kind) String() string {
	switch k {
	case KindAnd:
		return "AND"
	case KindOr:
		return "OR"
	case KindEquals:
		return "EQUALS"
	case KindHas:
		return "HAS"
	case KindHasNot:
		return "HAS_NOT"
	default:
		return fmt.Sprintf("Kind(%d)", uint8(k))
	}
}

// Node is one predicate. Trees are built once and never mutated.
type Node struct {
	Kind     Kind
	Key      string
	Value    any
	Children []Node
}

// And matches when every child matches
func And(children ...Node) Node {
	return Node{Kind: KindAnd, Children: children}
}

// Or matches when any child matches
func Or(children ...Node) Node {
	return Node{Kind: KindOr, Children: children}
}

// Equals matches records holding key with the given value
func Equals(key string, value any) Node {
	return Node{Kind: KindEquals, Key: key, Value: value}
}

// Has matches records holding key with any value
func Has(key string) Node {
	return Node{Kind: KindHas, Key: key}
}

// HasNot matches records without key
func HasNot(key string) Node {
	return Node{Kind: KindHasNot, Key: key}
}

// IsLeaf reports whether the node has no children by construction
func (n Node) IsLeaf() bool {
	return n.Kind == KindEquals || n.Kind == KindHas || n.Kind == KindHasNot
}

// Validate checks the whole tree
func (n Node) Validate() error {
	switch n.Kind {
	case KindAnd, KindOr:
		if len(n.Children) == 0 {
			return fmt.Errorf("%w: %s without children", ErrInvalidNode, n.Kind)
		}
		for i, c := range n.Children {
			if err := c.Validate(); err != nil {
				return fmt.Errorf("%s child %d: %w", n.Kind, i, err)
			}
		}
		return nil
	case KindEquals:
		if n.Key == "" {
			return fmt.Errorf("%w: EQUALS without key", ErrInvalidNode)
		}
		if n.Value == nil {
			return fmt.Errorf("%w: EQUALS %q without value", ErrInvalidNode, n.Key)
		}
		return nil
	case KindHas, KindHasNot:
		if n.Key == "" {
			return fmt.Errorf("%w: %s without key", ErrInvalidNode, n.Kind)
		}
		return nil
	default:
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidNode, n.Kind)
	}
}

// Keys returns every attribute key the tree mentions, sorted and distinct
func (n Node) Keys() []string {
	seen := make(map[string]struct{})
	n.collectKeys(seen)
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (n Node) collectKeys(seen map[string]struct{}) {
	if n.Key != "" {
		seen[n.Key] = struct{}{}
	}
	for _, c := range n.Children {
		c.collectKeys(seen)
	}
}

func (n Node) String() string {
	switch n.Kind {
	case KindAnd, KindOr:
		parts := make([]string, len(n.Children))
		for i, c := range n.Children {
			parts[i] = c.String()
		}
		return n.Kind.String() + "(" + strings.Join(parts, ", ") + ")"
	case KindEquals:
		return fmt.Sprintf("EQUALS(%s, %v)", n.Key, n.Value)
	default:
		return fmt.Sprintf("%s(%s)", n.Kind, n.Key)
	}
}

// Matches evaluates the tree against a decoded record. Values compare by
// their registry encoding, so an int matches the equal int64.
func Matches(n Node, rec record.Record, reg *types.Registry) bool {
	switch n.Kind {
	case KindAnd:
		for _, c := range n.Children {
			if !Matches(c, rec, reg) {
				return false
			}
		}
		return len(n.Children) > 0
	case KindOr:
		for _, c := range n.Children {
			if Matches(c, rec, reg) {
				return true
			}
		}
		return false
	case KindEquals:
		alias, want, err := reg.Encode(n.Value)
		if err != nil {
			return false
		}
		for _, a := range rec.Get(n.Key) {
			gotAlias, got, err := reg.Encode(a.Value)
			if err == nil && gotAlias == alias && got == want {
				return true
			}
		}
		return false
	case KindHas:
		return rec.Has(n.Key)
	case KindHasNot:
		return !rec.Has(n.Key)
	default:
		return false
	}
}
