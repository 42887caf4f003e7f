package qfd

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/attrstore/pkg/record"
	"github.com/nainya/attrstore/pkg/rowcodec"
	"github.com/nainya/attrstore/pkg/types"
)

func TestFamilyRoundTrip(t *testing.T) {
	ts := time.Date(2024, 1, 31, 10, 0, 0, 5_000_000, time.UTC)

	f := Family(Event, "click", "e-1", ts, true)
	got, err := ParseFamily(f)
	require.NoError(t, err)
	assert.Equal(t, Event, got.Discriminant)
	assert.Equal(t, "click", got.Type)
	assert.Equal(t, "e-1", got.ID)
	assert.True(t, ts.Equal(got.Timestamp))

	f = Family(Entity, "user", "u-1", ts, false)
	assert.Equal(t, TypePrefix(Entity, "user")+"u-1", f)
	got, err = ParseFamily(f)
	require.NoError(t, err)
	assert.Equal(t, ParsedFamily{Discriminant: Entity, Type: "user", ID: "u-1"}, got)
}

func TestEventFamiliesSortByTime(t *testing.T) {
	early := Family(Event, "click", "e", time.UnixMilli(1_000), true)
	late := Family(Event, "click", "e", time.UnixMilli(20_000), true)
	assert.Less(t, early, late)
}

func TestParseFamilyRejectsMalformed(t *testing.T) {
	for _, f := range []string{
		"",
		"e\x01click\x01id",
		"n\x01user",
		"x\x01user\x01id",
		"e\x01click\x01id\x01not-a-timestamp",
	} {
		_, err := ParseFamily(f)
		assert.True(t, errors.Is(err, rowcodec.ErrCorruptRow), "family %q", f)
	}
}

func TestValidateRecord(t *testing.T) {
	attr := record.NewAttribute("color", "red")
	tests := []struct {
		name string
		rec  record.Record
		ok   bool
	}{
		{"valid", record.NewEntity("user", "u1", attr), true},
		{"missing type", record.NewEntity("", "u1", attr), false},
		{"missing id", record.NewEntity("user", "", attr), false},
		{"separator in id", record.NewEntity("user", "u\x1f1", attr), false},
		{"no attributes", record.NewEntity("user", "u1"), false},
		{"empty key", record.NewEntity("user", "u1", record.NewAttribute("", "x")), false},
		{"reserved key", record.NewEntity("user", "u1", record.NewAttribute("a\x00b", "x")), false},
		{"unsupported value", record.NewEntity("user", "u1", record.NewAttribute("k", []int{1})), false},
		{"bad visibility", record.NewEntity("user", "u1", attr.WithVisibility("(A")), false},
		{"good visibility", record.NewEntity("user", "u1", attr.WithVisibility("A|B")), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateRecord(tt.rec, types.LexiTypes, false)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrInvalidArgument)
		})
	}
}

func TestRecordMutation(t *testing.T) {
	ts := time.UnixMilli(1_700_000_000_000).UTC()
	rec := record.NewEvent("click", "e1", ts,
		record.NewAttribute("color", "red").WithVisibility("A"),
		record.NewAttribute("size", int64(3)).WithMetadata("unit", "cm"))

	m, err := RecordMutation("20231114_002", Event, rec, types.LexiTypes, true)
	require.NoError(t, err)
	require.NoError(t, m.Validate())

	cells := m.Cells()
	require.Len(t, cells, 2)
	for _, c := range cells {
		assert.Equal(t, "20231114_002", c.Row)
		assert.Equal(t, Family(Event, "click", "e1", ts, true), c.Family)
		assert.Equal(t, ts.UnixMilli(), c.Timestamp)
	}
	assert.Equal(t, "A", cells[0].Visibility)

	key, value, err := rowcodec.DecodeValueQualifier(types.LexiTypes, cells[1].Qualifier)
	require.NoError(t, err)
	assert.Equal(t, "size", key)
	assert.Equal(t, int64(3), value)

	meta, err := record.DecodeMetadata(cells[1].Value, cells[1].Visibility)
	require.NoError(t, err)
	assert.Equal(t, "cm", meta["unit"])
}
