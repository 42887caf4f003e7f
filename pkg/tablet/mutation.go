package tablet

import "fmt"

// Column is one update inside a mutation
type Column struct {
	Family     string
	Qualifier  string
	Visibility string
	Timestamp  int64
	Value      []byte
}

// Mutation groups updates for a single row
type Mutation struct {
	Row     string
	Columns []Column
}

// NewMutation creates an empty mutation for row
func NewMutation(row string) *Mutation {
	return &Mutation{Row: row}
}

// Put appends a column update
func (m *Mutation) Put(family, qualifier, visibility string, timestamp int64, value []byte) {
	m.Columns = append(m.Columns, Column{
		Family:     family,
		Qualifier:  qualifier,
		Visibility: visibility,
		Timestamp:  timestamp,
		Value:      value,
	})
}

// Size approximates the buffered size of the mutation
func (m *Mutation) Size() int64 {
	size := int64(len(m.Row))
	for _, c := range m.Columns {
		size += int64(len(c.Family) + len(c.Qualifier) + len(c.Visibility) + 8 + len(c.Value))
	}
	return size
}

// Validate checks the row and every visibility expression
func (m *Mutation) Validate() error {
	if m.Row == "" {
		return fmt.Errorf("%w: empty row", ErrInvalidMutation)
	}
	if len(m.Columns) == 0 {
		return fmt.Errorf("%w: row %q has no columns", ErrInvalidMutation, m.Row)
	}
	for _, c := range m.Columns {
		if _, err := ParseVisibility(c.Visibility); err != nil {
			return fmt.Errorf("row %q: %w", m.Row, err)
		}
	}
	return nil
}

// Cells flattens the mutation into cells
func (m *Mutation) Cells() []Cell {
	cells := make([]Cell, len(m.Columns))
	for i, c := range m.Columns {
		cells[i] = Cell{
			Key: Key{
				Row:        m.Row,
				Family:     c.Family,
				Qualifier:  c.Qualifier,
				Visibility: c.Visibility,
				Timestamp:  c.Timestamp,
			},
			Value: c.Value,
		}
	}
	return cells
}
