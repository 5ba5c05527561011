package broker

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Manager.Channel before a successful
	// Connect or after the session was lost.
	ErrNotConnected = errors.New("broker channel is not initialized")
	// ErrConnectInProgress is returned when Connect is called while another
	// Connect is still running.
	ErrConnectInProgress = errors.New("broker connect already in progress")
	// ErrClosed is returned by a Channel after Close.
	ErrClosed = errors.New("broker channel is closed")
	// ErrAlreadySettled is returned by a second Ack or Reject of a Delivery.
	ErrAlreadySettled = errors.New("delivery already settled")
)

// ConnectionError reports that the broker stayed unreachable for every
// configured attempt.
type ConnectionError struct {
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("broker unreachable after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }
