// ABOUTME: Lazy, closeable result sequences returned by every store read
// ABOUTME: Closing releases the underlying scan; exhausting a sequence closes it too

package closeable

import (
	"errors"
	"io"
	"iter"
	"sync"
)

// Iterator yields values lazily until io.EOF or an error
type Iterator[T any] struct {
	next  func() (T, error)
	close func() error

	once     sync.Once
	closeErr error
	done     bool
}

// New wraps a pull function and its release hook. close may be nil.
func New[T any](next func() (T, error), close func() error) *Iterator[T] {
	return &Iterator[T]{next: next, close: close}
}

// FromSlice iterates over an in-memory slice
func FromSlice[T any](items []T) *Iterator[T] {
	pos := 0
	return New(func() (T, error) {
		if pos >= len(items) {
			var zero T
			return zero, io.EOF
		}
		v := items[pos]
		pos++
		return v, nil
	}, nil)
}

// Empty returns an exhausted iterator
func Empty[T any]() *Iterator[T] {
	return FromSlice[T](nil)
}

// Next returns the next value, io.EOF once exhausted, or the first error.
// The iterator closes itself on io.EOF and on error.
func (it *Iterator[T]) Next() (T, error) {
	var zero T
	if it.done {
		return zero, io.EOF
	}
	v, err := it.next()
	if err != nil {
		it.done = true
		closeErr := it.Close()
		if err == io.EOF && closeErr != nil {
			return zero, closeErr
		}
		return zero, err
	}
	return v, nil
}

// Close releases the underlying resources. Safe to call more than once.
func (it *Iterator[T]) Close() error {
	it.once.Do(func() {
		it.done = true
		if it.close != nil {
			it.closeErr = it.close()
		}
	})
	return it.closeErr
}

// All adapts the iterator to a range-over-func sequence. Breaking out of the
// loop closes the iterator.
func (it *Iterator[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		defer it.Close()
		for {
			v, err := it.Next()
			if err == io.EOF {
				return
			}
			if !yield(v, err) || err != nil {
				return
			}
		}
	}
}

// Collect drains the iterator into a slice and closes it
func Collect[T any](it *Iterator[T]) ([]T, error) {
	var out []T
	for {
		v, err := it.Next()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, v)
	}
}

// Map transforms each value. Returning false drops the value.
func Map[T, U any](it *Iterator[T], fn func(T) (U, bool, error)) *Iterator[U] {
	return New(func() (U, error) {
		var zero U
		for {
			v, err := it.Next()
			if err != nil {
				return zero, err
			}
			out, ok, err := fn(v)
			if err != nil {
				return zero, err
			}
			if ok {
				return out, nil
			}
		}
	}, it.Close)
}

// Distinct drops values already seen, by key
func Distinct[T any, K comparable](it *Iterator[T], key func(T) K) *Iterator[T] {
	seen := make(map[K]struct{})
	return Map(it, func(v T) (T, bool, error) {
		k := key(v)
		if _, dup := seen[k]; dup {
			return v, false, nil
		}
		seen[k] = struct{}{}
		return v, true, nil
	})
}

// Join closes several resources, returning every failure
func Join(closers ...func() error) func() error {
	return func() error {
		var errs []error
		for _, c := range closers {
			if c == nil {
				continue
			}
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
}
