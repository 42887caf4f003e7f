// ABOUTME: Scan-time pushdown filters: time window, metadata expiration, field projection, empty rows
// ABOUTME: Every filter is a pure function over one cell plus a scan-stage adapter reading its options

package filter

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nainya/attrstore/pkg/record"
	"github.com/nainya/attrstore/pkg/rowcodec"
	"github.com/nainya/attrstore/pkg/tablet"
)

// Option keys understood by the scan-stage adapters
const (
	OptCurrentTime = "currentTime"
	OptTTL         = "ttl"
	OptNow         = "now"
	OptFields      = "fields"
)

// fieldSep separates projected field names in OptFields
const fieldSep = "\x1f"

// CellExpiration reads the expiration from a shard cell's metadata value.
// Unreadable metadata counts as no expiration; the decoder reports it.
func CellExpiration(c tablet.Cell) (int64, bool) {
	meta, err := record.DecodeMetadata(c.Value, c.Visibility)
	if err != nil {
		return 0, false
	}
	return record.ExpirationOf(meta)
}

// TimeOptions builds time-window options keeping timestamps in [start, end)
func TimeOptions(start, end time.Time) map[string]string {
	return map[string]string{
		OptCurrentTime: strconv.FormatInt(end.UnixMilli(), 10),
		OptTTL:         strconv.FormatInt(end.Sub(start).Milliseconds(), 10),
	}
}

// NowOptions builds expiration options for the given instant
func NowOptions(now time.Time) map[string]string {
	return map[string]string{OptNow: strconv.FormatInt(now.UnixMilli(), 10)}
}

// FieldsOptions builds projection options. No fields means keep everything.
func FieldsOptions(fields []string) map[string]string {
	return map[string]string{OptFields: strings.Join(fields, fieldSep)}
}

func int64Option(opts map[string]string, name string) (int64, error) {
	raw, ok := opts[name]
	if !ok {
		return 0, fmt.Errorf("filter: missing option %q", name)
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("filter: option %q: %w", name, err)
	}
	return v, nil
}

func fieldsOption(opts map[string]string) map[string]struct{} {
	raw := opts[OptFields]
	if raw == "" {
		return nil
	}
	return record.FieldSet(strings.Split(raw, fieldSep))
}

// InWindow reports whether ts lies within ttl of currentTime and strictly before it
func InWindow(ts, currentTime, ttl int64) bool {
	return ts < currentTime && currentTime-ts <= ttl
}

// TimeWindow is a cell-level stage dropping cells outside the configured window
func TimeWindow(src tablet.CellIterator, opts map[string]string) (tablet.CellIterator, error) {
	current, err := int64Option(opts, OptCurrentTime)
	if err != nil {
		return nil, err
	}
	ttl, err := int64Option(opts, OptTTL)
	if err != nil {
		return nil, err
	}
	return tablet.Filter(src, func(c tablet.Cell) (bool, error) {
		return InWindow(c.Timestamp, current, ttl), nil
	}), nil
}

// ExpireGroup drops members of an encoded group whose expiration passed.
// Groups whose header proves nothing expired are returned untouched.
func ExpireGroup(group []byte, now int64) ([]byte, error) {
	h, err := rowcodec.DecodeHeader(group)
	if err != nil {
		return nil, err
	}
	if h.Fresh(now) {
		return group, nil
	}
	_, cells, err := rowcodec.Decode(group)
	if err != nil {
		return nil, err
	}
	kept := cells[:0]
	for _, c := range cells {
		if exp, ok := CellExpiration(c); ok && exp < now {
			continue
		}
		kept = append(kept, c)
	}
	if len(kept) == len(cells) {
		return group, nil
	}
	return rowcodec.Encode(kept, CellExpiration), nil
}

// ProjectGroup keeps only members whose attribute key is in fields.
// A nil or empty set keeps everything.
func ProjectGroup(group []byte, fields map[string]struct{}) ([]byte, error) {
	if len(fields) == 0 {
		return group, nil
	}
	_, cells, err := rowcodec.Decode(group)
	if err != nil {
		return nil, err
	}
	kept := cells[:0]
	for _, c := range cells {
		if _, ok := fields[rowcodec.QualifierKey(c.Qualifier)]; ok {
			kept = append(kept, c)
		}
	}
	return rowcodec.Encode(kept, CellExpiration), nil
}

// EmptyGroup reports whether an encoded group holds no cells
func EmptyGroup(group []byte) (bool, error) {
	h, err := rowcodec.DecodeHeader(group)
	if err != nil {
		return false, err
	}
	return h.Count == 0, nil
}

// Corrupt groups pass through group-level stages untouched so the decoding
// caller decides between aborting and skipping.
func groupStage(src tablet.CellIterator, fn func([]byte) ([]byte, error)) tablet.CellIterator {
	return tablet.Transform(src, func(c tablet.Cell) (tablet.Cell, bool, error) {
		out, err := fn(c.Value)
		if err != nil {
			return c, true, nil
		}
		c.Value = out
		return c, true, nil
	})
}

// Expiration is a group-level stage removing expired attributes
func Expiration(src tablet.CellIterator, opts map[string]string) (tablet.CellIterator, error) {
	now, err := int64Option(opts, OptNow)
	if err != nil {
		return nil, err
	}
	return groupStage(src, func(g []byte) ([]byte, error) { return ExpireGroup(g, now) }), nil
}

// Projection is a group-level stage keeping only the configured fields
func Projection(src tablet.CellIterator, opts map[string]string) (tablet.CellIterator, error) {
	fields := fieldsOption(opts)
	if len(fields) == 0 {
		return src, nil
	}
	return groupStage(src, func(g []byte) ([]byte, error) { return ProjectGroup(g, fields) }), nil
}

// EmptyRow is a group-level stage dropping groups left without cells.
// It must run after Expiration and Projection.
func EmptyRow(src tablet.CellIterator, _ map[string]string) (tablet.CellIterator, error) {
	return tablet.Filter(src, func(c tablet.Cell) (bool, error) {
		empty, err := EmptyGroup(c.Value)
		if err != nil {
			return true, nil
		}
		return !empty, nil
	}), nil
}
