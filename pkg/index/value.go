// ABOUTME: Global index aggregate value (cardinality, expiration) and its commutative merge
// ABOUTME: The same merge backs the in-batch accumulator and the table combiner

package index

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nainya/attrstore/pkg/tablet"
)

// NoExpiration marks an aggregate that must be kept forever
const NoExpiration int64 = -1

// ValueSize is the fixed encoded width of a Value
const ValueSize = 16

// ErrBadValue is returned when an index value is not ValueSize bytes
var ErrBadValue = errors.New("index: malformed aggregate value")

// Value summarizes how many attribute tuples landed on one index entry and
// how long the entry must be kept.
type Value struct {
	Cardinality uint64
	Expiration  int64
}

// NewValue creates a single observation. A negative expiration means none.
func NewValue(cardinality uint64, expiration int64) Value {
	if expiration < 0 {
		expiration = NoExpiration
	}
	return Value{Cardinality: cardinality, Expiration: expiration}
}

// Merge combines two aggregates. Cardinalities add; the expiration is
// NoExpiration if either side has none, otherwise the later of the two.
func Merge(a, b Value) Value {
	out := Value{Cardinality: a.Cardinality + b.Cardinality}
	if a.Expiration == NoExpiration || b.Expiration == NoExpiration {
		out.Expiration = NoExpiration
	} else {
		out.Expiration = max(a.Expiration, b.Expiration)
	}
	return out
}

// Expired reports whether a finite expiration lies before now
func (v Value) Expired(now int64) bool {
	return v.Expiration != NoExpiration && v.Expiration < now
}

// Encode returns the fixed-width big-endian form
func (v Value) Encode() []byte {
	buf := make([]byte, ValueSize)
	binary.BigEndian.PutUint64(buf[0:8], v.Cardinality)
	binary.BigEndian.PutUint64(buf[8:16], uint64(v.Expiration))
	return buf
}

// DecodeValue parses an encoded aggregate
func DecodeValue(data []byte) (Value, error) {
	if len(data) != ValueSize {
		return Value{}, fmt.Errorf("%w: %d bytes", ErrBadValue, len(data))
	}
	return Value{
		Cardinality: binary.BigEndian.Uint64(data[0:8]),
		Expiration:  int64(binary.BigEndian.Uint64(data[8:16])),
	}, nil
}

// Combine is the table combiner for both index partitions. It folds every
// stored version of one index key into a single aggregate.
func Combine(_ tablet.Key, values [][]byte) ([]byte, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: nothing to combine", ErrBadValue)
	}
	acc, err := DecodeValue(values[0])
	if err != nil {
		return nil, err
	}
	for _, raw := range values[1:] {
		v, err := DecodeValue(raw)
		if err != nil {
			return nil, err
		}
		acc = Merge(acc, v)
	}
	return acc.Encode(), nil
}
