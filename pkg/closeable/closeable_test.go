package closeable

import (
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counting(n int, closed *int) *Iterator[int] {
	i := 0
	return New(func() (int, error) {
		if i >= n {
			return 0, io.EOF
		}
		i++
		return i, nil
	}, func() error {
		*closed++
		return nil
	})
}

func TestExhaustionCloses(t *testing.T) {
	closed := 0
	got, err := Collect(counting(3, &closed))
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, 1, closed)
}

func TestCloseIsIdempotent(t *testing.T) {
	closed := 0
	it := counting(3, &closed)
	v, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	require.NoError(t, it.Close())
	require.NoError(t, it.Close())
	assert.Equal(t, 1, closed)

	_, err = it.Next()
	assert.Equal(t, io.EOF, err)
}

func TestErrorCloses(t *testing.T) {
	boom := errors.New("boom")
	closed := 0
	it := New(func() (int, error) { return 0, boom }, func() error { closed++; return nil })
	_, err := it.Next()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, closed)
}

func TestMapAndDistinct(t *testing.T) {
	closed := 0
	evens := Map(counting(6, &closed), func(v int) (int, bool, error) {
		return v * 10, v%2 == 0, nil
	})
	got, err := Collect(evens)
	require.NoError(t, err)
	assert.Equal(t, []int{20, 40, 60}, got)
	assert.Equal(t, 1, closed)

	d := Distinct(FromSlice([]string{"a", "b", "a", "c", "b"}), func(s string) string { return s })
	got2, err := Collect(d)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got2)
}

func TestAllBreakCloses(t *testing.T) {
	closed := 0
	it := counting(10, &closed)
	var seen []int
	for v, err := range it.All() {
		require.NoError(t, err)
		seen = append(seen, v)
		if v == 2 {
			break
		}
	}
	assert.Equal(t, []int{1, 2}, seen)
	assert.Equal(t, 1, closed)
}

func TestJoin(t *testing.T) {
	a := errors.New("a")
	err := Join(func() error { return a }, nil, func() error { return nil })()
	assert.ErrorIs(t, err, a)
	assert.NoError(t, Join()())

	none, err := Collect(Empty[int]())
	require.NoError(t, err)
	assert.Empty(t, none)
}
