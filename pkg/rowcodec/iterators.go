package rowcodec

import (
	"fmt"
	"io"

	"github.com/nainya/attrstore/pkg/tablet"
)

// WholeColumnFamily returns a scan stage that packs consecutive cells sharing
// row and family into one cell. The packed cell keeps the row and family,
// carries the newest member timestamp, and holds the encoded group as value.
func WholeColumnFamily(expirationOf ExpirationFunc) tablet.IteratorFactory {
	return func(src tablet.CellIterator, _ map[string]string) (tablet.CellIterator, error) {
		return &groupIterator{
			src:  tablet.NewPeekingIterator(src),
			same: func(a, b tablet.Key) bool { return a.Row == b.Row && a.Family == b.Family },
			pack: func(cells []tablet.Cell) ([]byte, error) { return Encode(cells, expirationOf), nil },
			key:  func(k tablet.Key) tablet.Key { return tablet.Key{Row: k.Row, Family: k.Family} },
		}, nil
	}
}

// WholeRow is a scan stage that packs consecutive already-grouped cells of
// one row into a nested row. It must run after WholeColumnFamily.
func WholeRow(src tablet.CellIterator, _ map[string]string) (tablet.CellIterator, error) {
	return &groupIterator{
		src:  tablet.NewPeekingIterator(src),
		same: func(a, b tablet.Key) bool { return a.Row == b.Row },
		pack: EncodeNested,
		key:  func(k tablet.Key) tablet.Key { return tablet.Key{Row: k.Row} },
	}, nil
}

type groupIterator struct {
	src  *tablet.PeekingIterator
	same func(a, b tablet.Key) bool
	pack func(cells []tablet.Cell) ([]byte, error)
	key  func(k tablet.Key) tablet.Key
}

func (g *groupIterator) Next() (tablet.Cell, error) {
	first, err := g.src.Next()
	if err != nil {
		return tablet.Cell{}, err
	}

	members := []tablet.Cell{first}
	newest := first.Timestamp
	for {
		c, err := g.src.Peek()
		if err == io.EOF {
			break
		}
		if err != nil {
			return tablet.Cell{}, err
		}
		if !g.same(first.Key, c.Key) {
			break
		}
		_, _ = g.src.Next()
		members = append(members, c)
		newest = max(newest, c.Timestamp)
	}

	value, err := g.pack(members)
	if err != nil {
		return tablet.Cell{}, fmt.Errorf("group %q/%q: %w", first.Row, first.Family, err)
	}
	key := g.key(first.Key)
	key.Timestamp = newest
	return tablet.Cell{Key: key, Value: value}, nil
}
