package notifications

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when none of the requested notifications exist for
// the user.
var ErrNotFound = errors.New("no notifications found")

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s %s", e.Field, e.Reason)
}

// StoreError wraps a failed database operation. It is the only failure that
// makes the consumer ask for redelivery.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

// CacheError wraps a failed cache operation. Callers log it and fall back to
// the store.
type CacheError struct {
	Op  string
	Key string
	Err error
}

func (e *CacheError) Error() string { return fmt.Sprintf("cache %s %s: %v", e.Op, e.Key, e.Err) }
func (e *CacheError) Unwrap() error { return e.Err }

// PushError wraps a failed real-time push.
type PushError struct {
	UserID string
	Err    error
}

func (e *PushError) Error() string { return fmt.Sprintf("push to user %s: %v", e.UserID, e.Err) }
func (e *PushError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
