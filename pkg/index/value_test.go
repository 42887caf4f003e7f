package index

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/attrstore/pkg/tablet"
)

func fold(values []Value) Value {
	acc := values[0]
	for _, v := range values[1:] {
		acc = Merge(acc, v)
	}
	return acc
}

func randomValues(rng *rand.Rand, n int) []Value {
	out := make([]Value, n)
	for i := range out {
		exp := rng.Int63n(1_000_000)
		if rng.Intn(5) == 0 {
			exp = NoExpiration
		}
		out[i] = Value{Cardinality: uint64(rng.Intn(100)), Expiration: exp}
	}
	return out
}

func TestMergeCommutativeAndAssociative(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := 0; trial < 200; trial++ {
		values := randomValues(rng, 1+rng.Intn(12))

		var sum uint64
		maxExp := int64(0)
		anyNone := false
		for _, v := range values {
			sum += v.Cardinality
			if v.Expiration == NoExpiration {
				anyNone = true
			} else {
				maxExp = max(maxExp, v.Expiration)
			}
		}
		want := Value{Cardinality: sum, Expiration: maxExp}
		if anyNone {
			want.Expiration = NoExpiration
		}

		require.Equal(t, want, fold(values))

		shuffled := append([]Value(nil), values...)
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		assert.Equal(t, want, fold(shuffled))

		// regroup: fold two halves independently then merge
		if len(values) > 1 {
			mid := len(shuffled) / 2
			assert.Equal(t, want, Merge(fold(shuffled[:mid]), fold(shuffled[mid:])))
		}
	}
}

func TestMergeExpirationRules(t *testing.T) {
	assert.Equal(t, Value{2, 20}, Merge(Value{1, 10}, Value{1, 20}))
	assert.Equal(t, Value{2, NoExpiration}, Merge(Value{1, 10}, Value{1, NoExpiration}))
	assert.Equal(t, Value{2, NoExpiration}, Merge(Value{1, NoExpiration}, Value{1, 99}))
}

func TestValueEncoding(t *testing.T) {
	v := NewValue(42, NoExpiration)
	raw := v.Encode()
	require.Len(t, raw, ValueSize)

	decoded, err := DecodeValue(raw)
	require.NoError(t, err)
	assert.Equal(t, v, decoded)

	_, err = DecodeValue(raw[:8])
	assert.True(t, errors.Is(err, ErrBadValue))
}

func TestValueExpired(t *testing.T) {
	assert.True(t, Value{1, 10}.Expired(11))
	assert.False(t, Value{1, 10}.Expired(10))
	assert.False(t, Value{1, NoExpiration}.Expired(1<<62))
}

func TestCombineFoldsAllVersions(t *testing.T) {
	out, err := Combine(tablet.Key{}, [][]byte{
		NewValue(1, 5).Encode(),
		NewValue(2, 9).Encode(),
		NewValue(3, 7).Encode(),
	})
	require.NoError(t, err)

	v, err := DecodeValue(out)
	require.NoError(t, err)
	assert.Equal(t, Value{6, 9}, v)

	_, err = Combine(tablet.Key{}, [][]byte{{1, 2}})
	assert.Error(t, err)
}
