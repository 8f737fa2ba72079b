package syncer

import (
	"errors"
	"fmt"

	"github.com/roach88/syncdb/internal/ir"
)

// ErrStopped is returned to callers still waiting when the coordinator
// stops.
var ErrStopped = errors.New("syncer stopped")

// ErrorCode categorizes sync failures.
type ErrorCode string

const (
	// ErrCodeTransport indicates the connection failed or was lost.
	ErrCodeTransport ErrorCode = "TRANSPORT"

	// ErrCodeJoinRejected indicates the server refused the channel join.
	// Terminal: the coordinator stops reconnecting.
	ErrCodeJoinRejected ErrorCode = "JOIN_REJECTED"

	// ErrCodeStorage indicates a local storage failure.
	ErrCodeStorage ErrorCode = "STORAGE"

	// ErrCodeWriteRejected indicates the server refused a write. The entry
	// is parked with the server's field errors.
	ErrCodeWriteRejected ErrorCode = "WRITE_REJECTED"

	// ErrCodeTimeout indicates a request got no reply in time. The entry
	// stays in the log and is replayed after reconnect.
	ErrCodeTimeout ErrorCode = "TIMEOUT"
)

// Error is a sync failure reported to callers.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Entry is the affected log entry, for write errors.
	Entry *ir.LogEntry

	// Fields holds the server's field errors for WRITE_REJECTED.
	Fields ir.FieldErrors

	// Err is the underlying cause, if any.
	Err error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Entry != nil {
		msg = fmt.Sprintf("%s (log=%d)", msg, e.Entry.LogID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// FindCode returns the first *Error with code anywhere in err's tree,
// following both single and joined wrapping.
func FindCode(err error, code ErrorCode) (*Error, bool) {
	switch e := err.(type) {
	case nil:
		return nil, false
	case *Error:
		if e.Code == code {
			return e, true
		}
	}
	switch u := err.(type) {
	case interface{ Unwrap() error }:
		return FindCode(u.Unwrap(), code)
	case interface{ Unwrap() []error }:
		for _, inner := range u.Unwrap() {
			if se, ok := FindCode(inner, code); ok {
				return se, true
			}
		}
	}
	return nil, false
}

func hasCode(err error, code ErrorCode) bool {
	_, ok := FindCode(err, code)
	return ok
}

// IsJoinRejected reports whether err is a join rejection.
func IsJoinRejected(err error) bool { return hasCode(err, ErrCodeJoinRejected) }

// IsWriteRejected reports whether err is a server write rejection.
func IsWriteRejected(err error) bool { return hasCode(err, ErrCodeWriteRejected) }

// IsTimeout reports whether err is a request timeout.
func IsTimeout(err error) bool { return hasCode(err, ErrCodeTimeout) }

// IsTransport reports whether err is a connection failure.
func IsTransport(err error) bool { return hasCode(err, ErrCodeTransport) }

// IsStorage reports whether err is a local storage failure.
func IsStorage(err error) bool { return hasCode(err, ErrCodeStorage) }

func newWriteRejectedError(entry ir.LogEntry, fields ir.FieldErrors, cause error) *Error {
	return &Error{
		Code:    ErrCodeWriteRejected,
		Message: fmt.Sprintf("server rejected %s on %s", entry.Op.Kind, entry.Op.Table),
		Entry:   &entry,
		Fields:  fields,
		Err:     cause,
	}
}

func newTimeoutError(entry ir.LogEntry, cause error) *Error {
	return &Error{
		Code:    ErrCodeTimeout,
		Message: "write not acknowledged in time",
		Entry:   &entry,
		Err:     cause,
	}
}
