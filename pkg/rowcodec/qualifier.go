package rowcodec

import (
	"fmt"
	"strings"

	"github.com/nainya/attrstore/pkg/types"
)

const (
	keySep   = "\x00"
	aliasSep = "\x01"
)

// EncodeQualifier builds the {key}\x00{alias}\x01{encoded} attribute qualifier
func EncodeQualifier(key, alias, encoded string) string {
	return key + keySep + alias + aliasSep + encoded
}

// ParseQualifier splits an attribute qualifier into its parts
func ParseQualifier(q string) (key, alias, encoded string, err error) {
	key, rest, ok := strings.Cut(q, keySep)
	if !ok {
		return "", "", "", fmt.Errorf("%w: qualifier %q has no key separator", ErrCorruptRow, q)
	}
	alias, encoded, ok = strings.Cut(rest, aliasSep)
	if !ok {
		return "", "", "", fmt.Errorf("%w: qualifier %q has no alias separator", ErrCorruptRow, q)
	}
	return key, alias, encoded, nil
}

// QualifierKey returns only the attribute key of a qualifier
func QualifierKey(q string) string {
	key, _, _ := strings.Cut(q, keySep)
	return key
}

// ValueQualifier encodes a typed attribute value into a qualifier
func ValueQualifier(reg *types.Registry, key string, value any) (string, error) {
	alias, encoded, err := reg.Encode(value)
	if err != nil {
		return "", fmt.Errorf("attribute %q: %w", key, err)
	}
	return EncodeQualifier(key, alias, encoded), nil
}

// DecodeValueQualifier decodes a qualifier back into key and typed value.
// Unknown aliases surface as types.ErrUnknownAlias.
func DecodeValueQualifier(reg *types.Registry, q string) (string, any, error) {
	key, alias, encoded, err := ParseQualifier(q)
	if err != nil {
		return "", nil, err
	}
	v, err := reg.Decode(alias, encoded)
	if err != nil {
		return key, nil, fmt.Errorf("attribute %q: %w", key, err)
	}
	return key, v, nil
}
