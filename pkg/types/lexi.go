// ABOUTME: Lexicographically sortable encoders for the built-in attribute types
// ABOUTME: Integers flip the sign bit and encode big-endian hex so string order matches numeric order

package types

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Built-in aliases
const (
	AliasString  = "string"
	AliasInteger = "integer"
	AliasLong    = "long"
	AliasDouble  = "double"
	AliasBoolean = "boolean"
	AliasDate    = "date"
	AliasBytes   = "bytes"
)

// LexiTypes is the default registry used by the stores
var LexiTypes = MustRegistry(
	StringEncoder{},
	IntegerEncoder{},
	LongEncoder{},
	DoubleEncoder{},
	BooleanEncoder{},
	DateEncoder{},
	BytesEncoder{},
)

// MustRegistry is NewRegistry that panics on error, for package-level registries
func MustRegistry(encoders ...Encoder) *Registry {
	r, err := NewRegistry(encoders...)
	if err != nil {
		panic(err)
	}
	return r
}

// StringEncoder stores strings as-is
type StringEncoder struct{}

func (StringEncoder) Alias() string { return AliasString }

func (StringEncoder) Resolves(v any) bool {
	_, ok := v.(string)
	return ok
}

func (StringEncoder) Encode(v any) (string, error) {
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("%w: %T is not a string", ErrUnsupportedType, v)
	}
	return s, nil
}

func (StringEncoder) Decode(s string) (any, error) { return s, nil }

// IntegerEncoder handles int32 values
type IntegerEncoder struct{}

func (IntegerEncoder) Alias() string { return AliasInteger }

func (IntegerEncoder) Resolves(v any) bool {
	_, ok := v.(int32)
	return ok
}

func (IntegerEncoder) Encode(v any) (string, error) {
	i, ok := v.(int32)
	if !ok {
		return "", fmt.Errorf("%w: %T is not an int32", ErrUnsupportedType, v)
	}
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(i)^(1<<31))
	return hex.EncodeToString(buf[:]), nil
}

func (IntegerEncoder) Decode(s string) (any, error) {
	raw, err := decodeHex(s, 4)
	if err != nil {
		return nil, err
	}
	return int32(binary.BigEndian.Uint32(raw) ^ (1 << 31)), nil
}

// LongEncoder handles int64 and int values
type LongEncoder struct{}

func (LongEncoder) Alias() string { return AliasLong }

func (LongEncoder) Resolves(v any) bool {
	switch v.(type) {
	case int64, int:
		return true
	}
	return false
}

func (LongEncoder) Encode(v any) (string, error) {
	var i int64
	switch n := v.(type) {
	case int64:
		i = n
	case int:
		i = int64(n)
	default:
		return "", fmt.Errorf("%w: %T is not an int64", ErrUnsupportedType, v)
	}
	return encodeInt64(i), nil
}

func (LongEncoder) Decode(s string) (any, error) {
	return decodeInt64(s)
}

// DoubleEncoder handles float64 values using the sortable IEEE-754 bit trick
type DoubleEncoder struct{}

func (DoubleEncoder) Alias() string { return AliasDouble }

func (DoubleEncoder) Resolves(v any) bool {
	switch v.(type) {
	case float64, float32:
		return true
	}
	return false
}

func (DoubleEncoder) Encode(v any) (string, error) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	default:
		return "", fmt.Errorf("%w: %T is not a float64", ErrUnsupportedType, v)
	}
	bits := math.Float64bits(f)
	if f < 0 || (f == 0 && math.Signbit(f)) {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], bits)
	return hex.EncodeToString(buf[:]), nil
}

func (DoubleEncoder) Decode(s string) (any, error) {
	raw, err := decodeHex(s, 8)
	if err != nil {
		return nil, err
	}
	bits := binary.BigEndian.Uint64(raw)
	if bits&(1<<63) != 0 {
		bits &^= 1 << 63
	} else {
		bits = ^bits
	}
	return math.Float64frombits(bits), nil
}

// BooleanEncoder stores booleans as "0" and "1"
type BooleanEncoder struct{}

func (BooleanEncoder) Alias() string { return AliasBoolean }

func (BooleanEncoder) Resolves(v any) bool {
	_, ok := v.(bool)
	return ok
}

func (BooleanEncoder) Encode(v any) (string, error) {
	b, ok := v.(bool)
	if !ok {
		return "", fmt.Errorf("%w: %T is not a bool", ErrUnsupportedType, v)
	}
	if b {
		return "1", nil
	}
	return "0", nil
}

func (BooleanEncoder) Decode(s string) (any, error) {
	switch s {
	case "1":
		return true, nil
	case "0":
		return false, nil
	}
	return nil, fmt.Errorf("invalid boolean %q", s)
}

// DateEncoder stores time.Time as sortable epoch milliseconds
type DateEncoder struct{}

func (DateEncoder) Alias() string { return AliasDate }

func (DateEncoder) Resolves(v any) bool {
	_, ok := v.(time.Time)
	return ok
}

func (DateEncoder) Encode(v any) (string, error) {
	t, ok := v.(time.Time)
	if !ok {
		return "", fmt.Errorf("%w: %T is not a time.Time", ErrUnsupportedType, v)
	}
	return encodeInt64(t.UnixMilli()), nil
}

func (DateEncoder) Decode(s string) (any, error) {
	ms, err := decodeInt64(s)
	if err != nil {
		return nil, err
	}
	return time.UnixMilli(ms.(int64)).UTC(), nil
}

// BytesEncoder stores raw bytes as hex
type BytesEncoder struct{}

func (BytesEncoder) Alias() string { return AliasBytes }

func (BytesEncoder) Resolves(v any) bool {
	_, ok := v.([]byte)
	return ok
}

func (BytesEncoder) Encode(v any) (string, error) {
	b, ok := v.([]byte)
	if !ok {
		return "", fmt.Errorf("%w: %T is not []byte", ErrUnsupportedType, v)
	}
	return hex.EncodeToString(b), nil
}

func (BytesEncoder) Decode(s string) (any, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid bytes: %w", err)
	}
	return b, nil
}

// EncodeTimestamp returns the sortable form of epoch milliseconds, used in physical keys
func EncodeTimestamp(ms int64) string {
	return encodeInt64(ms)
}

// DecodeTimestamp reverses EncodeTimestamp
func DecodeTimestamp(s string) (int64, error) {
	v, err := decodeInt64(s)
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func encodeInt64(i int64) string {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(i)^(1<<63))
	return hex.EncodeToString(buf[:])
}

func decodeInt64(s string) (any, error) {
	raw, err := decodeHex(s, 8)
	if err != nil {
		return nil, err
	}
	return int64(binary.BigEndian.Uint64(raw) ^ (1 << 63)), nil
}

func decodeHex(s string, size int) ([]byte, error) {
	if len(s) != size*2 {
		return nil, fmt.Errorf("expected %d hex chars, got %s", size*2, strconv.Quote(s))
	}
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return raw, nil
}
