// ABOUTME: Type registry mapping attribute values to (alias, string) pairs
// ABOUTME: Resolved at construction and immutable afterwards, safe for concurrent use

package types

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownAlias is returned when decoding a value whose alias has no encoder
	ErrUnknownAlias = errors.New("types: unknown alias")

	// ErrUnsupportedType is returned when no encoder resolves a Go value
	ErrUnsupportedType = errors.New("types: unsupported value type")
)

// Encoder converts values of one logical type to and from strings.
// Encoded strings must sort in the same order as the values they encode.
type Encoder interface {
	// Alias is the short stable name stored next to the encoded value
	Alias() string

	// Resolves reports whether the encoder handles the given Go value
	Resolves(v any) bool

	// Encode converts a value to its string form
	Encode(v any) (string, error)

	// Decode converts a string form back into a value
	Decode(s string) (any, error)
}

// Registry resolves encoders by alias and by Go value
type Registry struct {
	encoders []Encoder
	byAlias  map[string]Encoder
}

// NewRegistry builds a registry from the given encoders.
// Resolution by value tries encoders in order, so more specific ones go first.
func NewRegistry(encoders ...Encoder) (*Registry, error) {
	r := &Registry{
		encoders: make([]Encoder, 0, len(encoders)),
		byAlias:  make(map[string]Encoder, len(encoders)),
	}
	for _, enc := range encoders {
		alias := enc.Alias()
		if alias == "" {
			return nil, fmt.Errorf("types: encoder %T has empty alias", enc)
		}
		if _, exists := r.byAlias[alias]; exists {
			return nil, fmt.Errorf("types: duplicate alias %q", alias)
		}
		r.byAlias[alias] = enc
		r.encoders = append(r.encoders, enc)
	}
	return r, nil
}

// Alias returns the alias for a value
func (r *Registry) Alias(v any) (string, error) {
	enc, err := r.resolve(v)
	if err != nil {
		return "", err
	}
	return enc.Alias(), nil
}

// Encode returns the alias and encoded form of a value
func (r *Registry) Encode(v any) (alias string, encoded string, err error) {
	enc, err := r.resolve(v)
	if err != nil {
		return "", "", err
	}
	encoded, err = enc.Encode(v)
	if err != nil {
		return "", "", fmt.Errorf("encode %s: %w", enc.Alias(), err)
	}
	return enc.Alias(), encoded, nil
}

// Decode converts an (alias, encoded) pair back into a value
func (r *Registry) Decode(alias, encoded string) (any, error) {
	enc, ok := r.byAlias[alias]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAlias, alias)
	}
	v, err := enc.Decode(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", alias, err)
	}
	return v, nil
}

// Aliases returns the registered aliases in registration order
func (r *Registry) Aliases() []string {
	out := make([]string, 0, len(r.encoders))
	for _, enc := range r.encoders {
		out = append(out, enc.Alias())
	}
	return out
}

func (r *Registry) resolve(v any) (Encoder, error) {
	if v == nil {
		return nil, fmt.Errorf("%w: nil", ErrUnsupportedType)
	}
	for _, enc := range r.encoders {
		if enc.Resolves(v) {
			return enc, nil
		}
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
}
