// ABOUTME: Compact binary encoding for attribute metadata stored in cell values
// ABOUTME: Pairs are escaped and null-terminated so the format survives arbitrary bytes

package record

import (
	"errors"
	"fmt"
	"sort"
)

// ErrBadMetadata is returned when a stored metadata blob cannot be parsed
var ErrBadMetadata = errors.New("record: malformed metadata")

const (
	escapeByte     = 0xFE
	terminatorByte = 0x00
)

// EncodeMetadata serializes metadata in sorted key order.
// Visibility is carried by the cell itself and is never written here.
func EncodeMetadata(meta map[string]string) []byte {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		if k == MetaVisibility {
			continue
		}
		keys = append(keys, k)
	}
	if len(keys) == 0 {
		return nil
	}
	sort.Strings(keys)

	out := make([]byte, 0, 32*len(keys))
	for _, k := range keys {
		out = appendEscaped(out, []byte(k))
		out = appendEscaped(out, []byte(meta[k]))
	}
	return out
}

// DecodeMetadata parses a blob written by EncodeMetadata, then restores the
// visibility entry from the cell when it is non-empty.
func DecodeMetadata(data []byte, visibility string) (map[string]string, error) {
	meta := make(map[string]string)
	pos := 0
	for pos < len(data) {
		key, next, err := readEscaped(data, pos)
		if err != nil {
			return nil, err
		}
		value, next, err := readEscaped(data, next)
		if err != nil {
			return nil, err
		}
		meta[string(key)] = string(value)
		pos = next
	}
	if visibility != "" {
		meta[MetaVisibility] = visibility
	}
	return meta, nil
}

// appendEscaped escapes 0x00 and the escape byte, then null-terminates
func appendEscaped(out, s []byte) []byte {
	for _, b := range s {
		if b == terminatorByte || b == escapeByte {
			out = append(out, escapeByte)
		}
		out = append(out, b)
	}
	return append(out, terminatorByte)
}

func readEscaped(data []byte, pos int) ([]byte, int, error) {
	var out []byte
	for i := pos; i < len(data); i++ {
		switch data[i] {
		case escapeByte:
			if i+1 >= len(data) {
				return nil, 0, fmt.Errorf("%w: dangling escape at %d", ErrBadMetadata, i)
			}
			i++
			out = append(out, data[i])
		case terminatorByte:
			return out, i + 1, nil
		default:
			out = append(out, data[i])
		}
	}
	return nil, 0, fmt.Errorf("%w: unterminated string at %d", ErrBadMetadata, pos)
}
