package tablet

import (
	"encoding/binary"
	"fmt"
)

// AppendCell serializes one cell: row, family, qualifier and visibility as
// uvarint-length strings, the timestamp as 8 big-endian bytes, then the
// value as uvarint-length bytes.
func AppendCell(dst []byte, c Cell) []byte {
	dst = appendString(dst, c.Row)
	dst = appendString(dst, c.Family)
	dst = appendString(dst, c.Qualifier)
	dst = appendString(dst, c.Visibility)
	dst = binary.BigEndian.AppendUint64(dst, uint64(c.Timestamp))
	dst = binary.AppendUvarint(dst, uint64(len(c.Value)))
	return append(dst, c.Value...)
}

// ReadCell parses a cell written by AppendCell and returns the bytes consumed
func ReadCell(src []byte) (Cell, int, error) {
	var c Cell
	pos := 0
	fields := []*string{&c.Row, &c.Family, &c.Qualifier, &c.Visibility}
	for _, f := range fields {
		s, n, err := readString(src[pos:])
		if err != nil {
			return Cell{}, 0, err
		}
		*f = s
		pos += n
	}
	if len(src)-pos < 8 {
		return Cell{}, 0, fmt.Errorf("%w: short timestamp", ErrMalformedCell)
	}
	c.Timestamp = int64(binary.BigEndian.Uint64(src[pos : pos+8]))
	pos += 8

	value, n, err := readBytes(src[pos:])
	if err != nil {
		return Cell{}, 0, err
	}
	c.Value = value
	pos += n
	return c, pos, nil
}

// EncodeCells serializes a batch of cells back to back
func EncodeCells(cells []Cell) []byte {
	size := 0
	for _, c := range cells {
		size += c.Size() + 16
	}
	out := make([]byte, 0, size)
	for _, c := range cells {
		out = AppendCell(out, c)
	}
	return out
}

// DecodeCells parses a buffer written by EncodeCells
func DecodeCells(data []byte) ([]Cell, error) {
	var cells []Cell
	for pos := 0; pos < len(data); {
		c, n, err := ReadCell(data[pos:])
		if err != nil {
			return nil, fmt.Errorf("cell %d: %w", len(cells), err)
		}
		cells = append(cells, c)
		pos += n
	}
	return cells, nil
}

// Size approximates the memory held by a cell
func (c Cell) Size() int {
	return len(c.Row) + len(c.Family) + len(c.Qualifier) + len(c.Visibility) + 8 + len(c.Value)
}

func appendString(dst []byte, s string) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(s)))
	return append(dst, s...)
}

func readString(src []byte) (string, int, error) {
	b, n, err := readBytes(src)
	return string(b), n, err
}

func readBytes(src []byte) ([]byte, int, error) {
	l, n := binary.Uvarint(src)
	if n <= 0 {
		return nil, 0, fmt.Errorf("%w: bad length prefix", ErrMalformedCell)
	}
	if uint64(len(src)-n) < l {
		return nil, 0, fmt.Errorf("%w: length %d exceeds remaining %d bytes", ErrMalformedCell, l, len(src)-n)
	}
	if l == 0 {
		return nil, n, nil
	}
	out := make([]byte, l)
	copy(out, src[n:n+int(l)])
	return out, n + int(l), nil
}
