package index

import (
	"fmt"
	"strconv"

	"github.com/nainya/attrstore/pkg/tablet"
)

// OptNow carries the reference time in epoch millis for ExpirationFilter
const OptNow = "now"

// ExpirationFilter is a scan stage over index cells dropping aggregates whose
// expiration passed. Stages see combined values, so the decision covers
// every stored version of an entry.
func ExpirationFilter(src tablet.CellIterator, opts map[string]string) (tablet.CellIterator, error) {
	raw, ok := opts[OptNow]
	if !ok {
		return nil, fmt.Errorf("index: missing option %q", OptNow)
	}
	now, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("index: option %q: %w", OptNow, err)
	}
	return tablet.Filter(src, func(c tablet.Cell) (bool, error) {
		v, err := DecodeValue(c.Value)
		if err != nil {
			return false, fmt.Errorf("index entry %q/%q/%q: %w", c.Row, c.Family, c.Qualifier, err)
		}
		return !v.Expired(now), nil
	}), nil
}
