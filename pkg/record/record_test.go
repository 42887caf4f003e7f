package record

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributeMetadataHelpers(t *testing.T) {
	a := NewAttribute("color", "red").WithVisibility("A&B").WithExpiration(5000)

	assert.Equal(t, "A&B", a.Visibility())
	exp, ok := a.Expiration()
	require.True(t, ok)
	assert.Equal(t, int64(5000), exp)
	assert.True(t, a.Expired(5001))
	assert.False(t, a.Expired(5000))

	plain := NewAttribute("size", int64(3))
	_, ok = plain.Expiration()
	assert.False(t, ok)
	assert.False(t, plain.Expired(1<<62))
}

func TestWithMetadataDoesNotAlias(t *testing.T) {
	base := NewAttribute("k", "v").WithVisibility("A")
	derived := base.WithVisibility("B")
	assert.Equal(t, "A", base.Visibility())
	assert.Equal(t, "B", derived.Visibility())
}

func TestRecordProjection(t *testing.T) {
	r := NewEvent("T", "1", time.Unix(10, 0),
		NewAttribute("a", "1"),
		NewAttribute("b", "2"),
		NewAttribute("a", "3"),
	)

	assert.Equal(t, []string{"a", "b"}, r.Keys())
	assert.True(t, r.Has("b"))
	assert.Len(t, r.Get("a"), 2)

	p := r.Project(FieldSet([]string{"b"}))
	require.Len(t, p.Attributes, 1)
	assert.Equal(t, "b", p.Attributes[0].Key)
	assert.Equal(t, r.Identifier(), p.Identifier())

	all := r.Project(FieldSet(nil))
	assert.Len(t, all.Attributes, 3)
}

func TestMetadataRoundTrip(t *testing.T) {
	meta := map[string]string{
		MetaVisibility: "A|B",
		MetaExpiration: "123",
		"source":       "sensor\x00\xfe\xff",
	}

	blob := EncodeMetadata(meta)
	decoded, err := DecodeMetadata(blob, "A|B")
	require.NoError(t, err)
	assert.Equal(t, meta, decoded)

	noVis, err := DecodeMetadata(blob, "")
	require.NoError(t, err)
	_, hasVis := noVis[MetaVisibility]
	assert.False(t, hasVis)
}

func TestMetadataEmpty(t *testing.T) {
	assert.Nil(t, EncodeMetadata(map[string]string{MetaVisibility: "A"}))

	decoded, err := DecodeMetadata(nil, "")
	require.NoError(t, err)
	assert.Empty(t, decoded)
}

func TestMetadataCorrupt(t *testing.T) {
	_, err := DecodeMetadata([]byte("key-without-terminator"), "")
	assert.True(t, errors.Is(err, ErrBadMetadata))

	_, err = DecodeMetadata([]byte{'k', 0x00, 'v', 0xFE}, "")
	assert.True(t, errors.Is(err, ErrBadMetadata))
}
