// ABOUTME: Whole-group row codec: many cells packed into one value behind a count/expiration header
// ABOUTME: Supports one level of nesting so per-record groups can be packed under a shard row

package rowcodec

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/nainya/attrstore/pkg/tablet"
)

// HeaderSize is the fixed header width: cell count (4) + minimum expiration (8)
const HeaderSize = 12

// NoExpiration marks a group with at least one member that never expires
const NoExpiration int64 = -1

// ErrCorruptRow is returned when a header or cell framing does not add up
var ErrCorruptRow = errors.New("rowcodec: corrupt row")

// ExpirationFunc reports a cell's expiration in epoch millis and whether it has one
type ExpirationFunc func(c tablet.Cell) (int64, bool)

// Header is the decoded fixed-width prefix of an encoded row
type Header struct {
	Count         uint32
	MinExpiration int64
}

// Fresh reports whether the header alone proves no member expired before now.
// A NoExpiration header proves nothing: other members may still carry one.
func (h Header) Fresh(now int64) bool {
	return h.MinExpiration != NoExpiration && h.MinExpiration >= now
}

// MinExpiration folds member expirations: NoExpiration if any member has
// none, otherwise the earliest finite one.
func MinExpiration(cells []tablet.Cell, expirationOf ExpirationFunc) int64 {
	if len(cells) == 0 {
		return NoExpiration
	}
	minExp := int64(0)
	for i, c := range cells {
		exp, ok := expirationOf(c)
		if !ok || exp < 0 {
			return NoExpiration
		}
		if i == 0 || exp < minExp {
			minExp = exp
		}
	}
	return minExp
}

// Encode packs cells in order behind a header
func Encode(cells []tablet.Cell, expirationOf ExpirationFunc) []byte {
	return EncodeWithExpiration(cells, MinExpiration(cells, expirationOf))
}

// EncodeWithExpiration packs cells behind a header carrying a precomputed expiration
func EncodeWithExpiration(cells []tablet.Cell, minExpiration int64) []byte {
	size := HeaderSize
	for _, c := range cells {
		size += c.Size() + 16
	}
	out := make([]byte, HeaderSize, size)
	binary.BigEndian.PutUint32(out[0:4], uint32(len(cells)))
	binary.BigEndian.PutUint64(out[4:12], uint64(minExpiration))
	for _, c := range cells {
		out = tablet.AppendCell(out, c)
	}
	return out
}

// DecodeHeader reads only the fixed-width header
func DecodeHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorruptRow, len(data))
	}
	return Header{
		Count:         binary.BigEndian.Uint32(data[0:4]),
		MinExpiration: int64(binary.BigEndian.Uint64(data[4:12])),
	}, nil
}

// Decode reads exactly the number of cells the header announces
func Decode(data []byte) (Header, []tablet.Cell, error) {
	h, err := DecodeHeader(data)
	if err != nil {
		return Header{}, nil, err
	}

	// every cell needs at least 4 length bytes + 8 timestamp bytes + 1 value length byte
	if uint64(h.Count)*13 > uint64(len(data)-HeaderSize) {
		return Header{}, nil, fmt.Errorf("%w: header claims %d cells in %d bytes", ErrCorruptRow, h.Count, len(data)-HeaderSize)
	}

	cells := make([]tablet.Cell, 0, h.Count)
	pos := HeaderSize
	for i := uint32(0); i < h.Count; i++ {
		c, n, err := tablet.ReadCell(data[pos:])
		if err != nil {
			return Header{}, nil, fmt.Errorf("%w: cell %d of %d: %v", ErrCorruptRow, i, h.Count, err)
		}
		cells = append(cells, c)
		pos += n
	}
	if pos != len(data) {
		return Header{}, nil, fmt.Errorf("%w: %d trailing bytes after %d cells", ErrCorruptRow, len(data)-pos, h.Count)
	}
	return h, cells, nil
}

// Group is one inner group of a nested row
type Group struct {
	Outer  tablet.Cell
	Header Header
	Cells  []tablet.Cell
}

// EncodeNested packs already-encoded inner rows (as outer cell values) into
// an outer row. The outer expiration is derived from the inner headers.
func EncodeNested(outer []tablet.Cell) ([]byte, error) {
	minExp := int64(0)
	for i, c := range outer {
		h, err := DecodeHeader(c.Value)
		if err != nil {
			return nil, fmt.Errorf("inner group %d: %w", i, err)
		}
		if h.MinExpiration == NoExpiration {
			minExp = NoExpiration
			continue
		}
		if minExp == NoExpiration {
			continue
		}
		if i == 0 || h.MinExpiration < minExp {
			minExp = h.MinExpiration
		}
	}
	if len(outer) == 0 {
		minExp = NoExpiration
	}
	return EncodeWithExpiration(outer, minExp), nil
}

// DecodeNested decodes the outer layer and then every inner group
func DecodeNested(data []byte) (Header, []Group, error) {
	h, outer, err := Decode(data)
	if err != nil {
		return Header{}, nil, err
	}
	groups := make([]Group, 0, len(outer))
	for i, c := range outer {
		ih, inner, err := Decode(c.Value)
		if err != nil {
			return Header{}, nil, fmt.Errorf("inner group %d (%q): %w", i, c.Family, err)
		}
		groups = append(groups, Group{Outer: c, Header: ih, Cells: inner})
	}
	return h, groups, nil
}
