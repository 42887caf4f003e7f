package tablet

import (
	"errors"
	"fmt"
)

var (
	// ErrTableNotFound indicates an operation on a table that was never created
	ErrTableNotFound = errors.New("tablet: table not found")

	// ErrTableExists indicates CreateTable was called twice for one name
	ErrTableExists = errors.New("tablet: table already exists")

	// ErrClosed indicates an operation on a closed store, writer or scanner
	ErrClosed = errors.New("tablet: closed")

	// ErrInvalidVisibility indicates a visibility expression that does not parse
	ErrInvalidVisibility = errors.New("tablet: invalid visibility expression")

	// ErrInvalidMutation indicates a mutation without a row or columns
	ErrInvalidMutation = errors.New("tablet: invalid mutation")

	// ErrMalformedCell indicates a serialized cell that cannot be read back
	ErrMalformedCell = errors.New("tablet: malformed cell")
)

// MutationsRejectedError reports a flush that could not apply its mutations
type MutationsRejectedError struct {
	Table     string
	Mutations int
	Err       error
}

func (e *MutationsRejectedError) Error() string {
	return fmt.Sprintf("tablet: %d mutations rejected for table %q: %v", e.Mutations, e.Table, e.Err)
}

func (e *MutationsRejectedError) Unwrap() error {
	return e.Err
}
