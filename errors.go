package sessionpool

import (
	"errors"
	"fmt"
)

var (
	// ErrConnection is returned when the driver fails to open an attachment.
	ErrConnection = errors.New("connection failed")

	// ErrTransactionStart is returned when a read or write transaction cannot be started.
	ErrTransactionStart = errors.New("transaction start failed")

	// ErrTransactionEnd is returned when committing or rolling back a write transaction fails.
	ErrTransactionEnd = errors.New("transaction end failed")

	// ErrInvariantViolation signals a broken acquire/release discipline in the caller,
	// such as releasing a session that holds no references.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrDoubleRelease is returned by a single-use release callback invoked more than once.
	ErrDoubleRelease = errors.New("double release")

	// ErrStaleHandle is returned when an attachment or transaction is found
	// disconnected or finished at the time of use.
	ErrStaleHandle = errors.New("stale handle")

	// ErrLockConflict is returned when a no-wait transaction hits a conflicting lock.
	ErrLockConflict = errors.New("lock conflict")

	// ErrBusy is returned when a statement, commit or rollback gave up
	// waiting for a transaction that another statement or open Rows holds.
	ErrBusy = errors.New("transaction busy")

	// ErrClosed is returned by every operation once the Manager has been closed.
	ErrClosed = errors.New("session pool closed")
)

// OpError describes a failed Manager operation. Kind is one of the package
// sentinel errors and Err, when set, is the underlying driver error.
// errors.Is matches both.
type OpError struct {
	Op        string
	SessionID string
	Kind      error
	Err       error
}

func (e *OpError) Error() string {
	msg := fmt.Sprintf("sessionpool: %s session %q: %v", e.Op, e.SessionID, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func opError(op, sessionID string, kind, err error) error {
	return &OpError{Op: op, SessionID: sessionID, Kind: kind, Err: err}
}
