package sessions

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a session id has no file on disk.
var ErrNotFound = errors.New("session not found")

// StorageError wraps an I/O failure with the operation and session it hit.
type StorageError struct {
	Op        string
	SessionID string
	Err       error
}

func (e *StorageError) Error() string {
	if e.SessionID == "" {
		return fmt.Sprintf("sessions: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("sessions: %s %s: %v", e.Op, e.SessionID, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op, id string, err error) error {
	return &StorageError{Op: op, SessionID: id, Err: err}
}
