package db

import "errors"

// Sentinel errors for database operations.
var (
	ErrNoDocument   = errors.New("db: no document matched")
	ErrNotConnected = errors.New("db: not connected")
)

// Error wraps an underlying error with the operation name for diagnostics.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *Error) Unwrap() error { return e.Err }
