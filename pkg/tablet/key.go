// ABOUTME: Cell keys, ranges and ordering for the sorted tablet substrate
// ABOUTME: Keys sort by row, family, qualifier, visibility, then newest timestamp first

package tablet

import (
	"cmp"
	"strings"
)

// Key addresses one cell version
type Key struct {
	Row        string
	Family     string
	Qualifier  string
	Visibility string
	Timestamp  int64
}

// Cell is a key with its value
type Cell struct {
	Key
	Value []byte
}

// Compare orders keys: coordinates ascending, timestamp descending
func Compare(a, b Key) int {
	if c := CompareCoordinates(a, b); c != 0 {
		return c
	}
	return cmp.Compare(b.Timestamp, a.Timestamp)
}

// CompareCoordinates orders keys ignoring the timestamp
func CompareCoordinates(a, b Key) int {
	if c := strings.Compare(a.Row, b.Row); c != 0 {
		return c
	}
	if c := strings.Compare(a.Family, b.Family); c != 0 {
		return c
	}
	if c := strings.Compare(a.Qualifier, b.Qualifier); c != 0 {
		return c
	}
	return strings.Compare(a.Visibility, b.Visibility)
}

// SameCoordinates reports whether two keys differ only by timestamp
func SameCoordinates(a, b Key) bool {
	return a.Row == b.Row && a.Family == b.Family && a.Qualifier == b.Qualifier && a.Visibility == b.Visibility
}

// Range selects rows in [StartRow, EndRow). An empty EndRow is unbounded.
// FamilyPrefix, when set, further restricts the column families returned.
type Range struct {
	StartRow     string
	EndRow       string
	FamilyPrefix string
}

// ExactRow selects a single row
func ExactRow(row string) Range {
	return Range{StartRow: row, EndRow: row + "\x00"}
}

// PrefixRange selects every row starting with prefix
func PrefixRange(prefix string) Range {
	return Range{StartRow: prefix, EndRow: PrefixEnd(prefix)}
}

// ContainsRow reports whether the row lies inside the range bounds
func (r Range) ContainsRow(row string) bool {
	if row < r.StartRow {
		return false
	}
	return r.EndRow == "" || row < r.EndRow
}

// PrefixEnd returns the smallest string greater than every string with the
// given prefix, or "" when no such bound exists.
func PrefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1])
		}
	}
	return ""
}
