package sqlite

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when no exchange exists for the requested id.
var ErrNotFound = errors.New("exchange not found")

// UnavailableError indicates the persistence layer cannot be read or
// written (disk error, locked database, missing file).
type UnavailableError struct {
	Err error
	Op  string
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("store unavailable (%s): %v", e.Op, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// IsUnavailable reports whether err stems from an unavailable store.
func IsUnavailable(err error) bool {
	var ue *UnavailableError
	return errors.As(err, &ue)
}
