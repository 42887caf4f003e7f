package types

import (
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLexiTypesRoundTrip(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123).UTC()
	cases := []struct {
		value any
		alias string
	}{
		{"red", AliasString},
		{"", AliasString},
		{int32(-42), AliasInteger},
		{int64(1 << 40), AliasLong},
		{int64(-7), AliasLong},
		{3.25, AliasDouble},
		{-0.5, AliasDouble},
		{true, AliasBoolean},
		{false, AliasBoolean},
		{now, AliasDate},
		{[]byte{0x00, 0xff}, AliasBytes},
	}

	for _, tc := range cases {
		alias, encoded, err := LexiTypes.Encode(tc.value)
		require.NoError(t, err)
		assert.Equal(t, tc.alias, alias)

		decoded, err := LexiTypes.Decode(alias, encoded)
		require.NoError(t, err)
		assert.Equal(t, tc.value, decoded)
	}
}

func TestLexiIntEncodedAsLong(t *testing.T) {
	alias, encoded, err := LexiTypes.Encode(12)
	require.NoError(t, err)
	assert.Equal(t, AliasLong, alias)

	v, err := LexiTypes.Decode(alias, encoded)
	require.NoError(t, err)
	assert.Equal(t, int64(12), v)
}

func TestLexiLongSortOrder(t *testing.T) {
	values := []int64{-1 << 62, -1000, -1, 0, 1, 999, 1 << 62}
	encoded := make([]string, len(values))
	for i, v := range values {
		_, s, err := LexiTypes.Encode(v)
		require.NoError(t, err)
		encoded[i] = s
	}
	assert.True(t, sort.StringsAreSorted(encoded), "encoded longs must sort numerically: %v", encoded)
}

func TestLexiDoubleSortOrder(t *testing.T) {
	values := []float64{-1e9, -2.5, -0.0001, 0, 0.0001, 2.5, 1e9}
	encoded := make([]string, len(values))
	for i, v := range values {
		_, s, err := LexiTypes.Encode(v)
		require.NoError(t, err)
		encoded[i] = s
	}
	assert.True(t, sort.StringsAreSorted(encoded), "encoded doubles must sort numerically: %v", encoded)
}

func TestRegistryErrors(t *testing.T) {
	_, err := LexiTypes.Decode("nope", "x")
	assert.True(t, errors.Is(err, ErrUnknownAlias))

	_, _, err = LexiTypes.Encode(struct{}{})
	assert.True(t, errors.Is(err, ErrUnsupportedType))

	_, _, err = LexiTypes.Encode(nil)
	assert.True(t, errors.Is(err, ErrUnsupportedType))

	_, err = LexiTypes.Decode(AliasLong, "zz")
	assert.Error(t, err)
}

func TestNewRegistryRejectsDuplicateAlias(t *testing.T) {
	_, err := NewRegistry(StringEncoder{}, StringEncoder{})
	assert.Error(t, err)
}

func TestTimestampEncoding(t *testing.T) {
	a := EncodeTimestamp(1000)
	b := EncodeTimestamp(2000)
	assert.Less(t, a, b)

	ms, err := DecodeTimestamp(b)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), ms)
}
