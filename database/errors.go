package database

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrNotFound is returned for single-row lookups that match nothing
var ErrNotFound = errors.New("not found")

// IOError is a failed query, write or subscribe against the store.
type IOError struct {
	Op     string
	Status int // HTTP status, 0 for transport failures
	Err    error
}

func (e *IOError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Transient reports whether retrying the same call could succeed.
func (e *IOError) Transient() bool {
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	return e.Status == 0 || e.Status >= 500 || e.Status == http.StatusTooManyRequests
}

// IsTransient reports whether err carries a transient IOError.
func IsTransient(err error) bool {
	var ioe *IOError
	return errors.As(err, &ioe) && ioe.Transient()
}
