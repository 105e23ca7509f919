package database

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by any operation before Connect succeeds
	// or after Close
	ErrNotConnected = errors.New("database not connected")
	// ErrNotFound is returned by Store lookups that match nothing
	ErrNotFound = errors.New("document not found")
	// ErrDuplicate is returned when inserting an id that already exists
	ErrDuplicate = errors.New("duplicate document id")
	// ErrChangeStreamUnsupported is returned by Watch when no push feed is configured
	ErrChangeStreamUnsupported = errors.New("change stream not supported")
	// ErrSubscriptionClosed is returned when closing a subscription twice
	ErrSubscriptionClosed = errors.New("subscription already closed")
	// ErrStreamInterrupted ends a push subscription whose feed went away
	ErrStreamInterrupted = errors.New("change stream interrupted")
)

// PersistenceError wraps a failed store operation
type PersistenceError struct {
	Op  string
	Err error
}

// Error formats the failed operation and its cause
func (e *PersistenceError) Error() string {
	return fmt.Sprintf("failed to %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying cause
func (e *PersistenceError) Unwrap() error {
	return e.Err
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotConnected) {
		return ErrNotConnected
	}
	return &PersistenceError{Op: op, Err: err}
}
