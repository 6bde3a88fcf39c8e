package lock

import (
	"errors"
	"fmt"
)

// ErrLockTimeout is the cause recorded when acquisition exceeds its budget.
var ErrLockTimeout = errors.New("lock acquisition timed out")

// ErrNotOwner is returned by release when the marker was reclaimed by
// another holder while this one still believed it held the lock.
var ErrNotOwner = errors.New("lock no longer owned")

// Error describes a failed lock operation on a specific file.
// Acquisition failures are retryable by the caller.
type Error struct {
	Path  string
	Cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("lock %s: %v", e.Path, e.Cause)
}

func (e *Error) Unwrap() error { return e.Cause }

// IsTimeout reports whether err is a lock acquisition timeout.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrLockTimeout)
}
