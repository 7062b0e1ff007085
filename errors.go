package walb

import (
	"errors"
	"fmt"
	"syscall"
)

// Error represents a structured walb error with context
type Error struct {
	Op    string        // Operation that failed (e.g., "CLEAR_LOG", "CREATE_SNAPSHOT")
	LSID  uint64        // LSID involved (InvalidLSID if not applicable)
	Name  string        // Snapshot name (empty if not applicable)
	Code  WalbErrorCode // High-level error category
	Msg   string        // Human-readable message
	Inner error         // Wrapped error
}

// Error implements the error interface
func (e *Error) Error() string {
	var ctx string

	if e.Op != "" {
		ctx = fmt.Sprintf("op=%s", e.Op)
	}

	if e.LSID != InvalidLSID {
		if ctx != "" {
			ctx += " "
		}
		ctx += fmt.Sprintf("lsid=%d", e.LSID)
	}

	if e.Name != "" {
		if ctx != "" {
			ctx += " "
		}
		ctx += fmt.Sprintf("name=%s", e.Name)
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}

	if ctx != "" {
		return fmt.Sprintf("walb: %s (%s)", msg, ctx)
	}

	return fmt.Sprintf("walb: %s", msg)
}

// Unwrap returns the wrapped error for errors.Is/As support
func (e *Error) Unwrap() error {
	return e.Inner
}

// Is provides errors.Is support for WalbError compatibility
func (e *Error) Is(target error) bool {
	if target == nil {
		return false
	}

	// Support legacy WalbError comparison
	if we, ok := target.(WalbError); ok {
		return e.Code == WalbErrorCode(we)
	}

	// Support structured Error comparison
	if te, ok := target.(*Error); ok {
		return e.Code == te.Code
	}

	return false
}

// WalbErrorCode represents high-level error categories
type WalbErrorCode string

const (
	ErrCodeIOError         WalbErrorCode = "I/O error"
	ErrCodeChecksumError   WalbErrorCode = "checksum mismatch"
	ErrCodeInvalidLSID     WalbErrorCode = "invalid lsid"
	ErrCodeLogOverflow     WalbErrorCode = "log overflow"
	ErrCodeReadOnly        WalbErrorCode = "engine is read-only"
	ErrCodeNameConflict    WalbErrorCode = "snapshot name already exists"
	ErrCodeNotFound        WalbErrorCode = "not found"
	ErrCodeBusy            WalbErrorCode = "busy"
	ErrCodeInvalidArgument WalbErrorCode = "invalid argument"
	ErrCodeNotImplemented  WalbErrorCode = "not implemented"
)

// Legacy WalbError type for simple sentinel comparisons
type WalbError string

func (e WalbError) Error() string {
	return string(e)
}

// Legacy error constants
const (
	ErrIOError         WalbError = "I/O error"
	ErrChecksumError   WalbError = "checksum mismatch"
	ErrInvalidLSID     WalbError = "invalid lsid"
	ErrLogOverflow     WalbError = "log overflow"
	ErrReadOnly        WalbError = "engine is read-only"
	ErrNameConflict    WalbError = "snapshot name already exists"
	ErrNotFound        WalbError = "not found"
	ErrBusy            WalbError = "busy"
	ErrInvalidArgument WalbError = "invalid argument"
	ErrNotImplemented  WalbError = "not implemented"
)

// Error constructors

// NewError creates a new structured error
func NewError(op string, code WalbErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		LSID: InvalidLSID,
		Code: code,
		Msg:  msg,
	}
}

// NewLSIDError creates a new error carrying the LSID it concerns
func NewLSIDError(op string, lsid uint64, code WalbErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		LSID: lsid,
		Code: code,
		Msg:  msg,
	}
}

// NewSnapshotError creates a new error carrying a snapshot name
func NewSnapshotError(op, name string, code WalbErrorCode, msg string) *Error {
	return &Error{
		Op:   op,
		LSID: InvalidLSID,
		Name: name,
		Code: code,
		Msg:  msg,
	}
}

// WrapError wraps an existing error with walb context
func WrapError(op string, inner error) *Error {
	if inner == nil {
		return nil
	}

	// If it's already a structured error, just update the operation
	if we, ok := inner.(*Error); ok {
		return &Error{
			Op:    op,
			LSID:  we.LSID,
			Name:  we.Name,
			Code:  we.Code,
			Msg:   we.Msg,
			Inner: we.Inner,
		}
	}

	// Map common syscall errors to walb error codes
	code := ErrCodeIOError
	if errno, ok := inner.(syscall.Errno); ok {
		code = mapErrnoToCode(errno)
	}

	return &Error{
		Op:    op,
		LSID:  InvalidLSID,
		Code:  code,
		Msg:   inner.Error(),
		Inner: inner,
	}
}

// mapErrnoToCode maps syscall errno to walb error codes
func mapErrnoToCode(errno syscall.Errno) WalbErrorCode {
	switch errno {
	case syscall.ENOENT:
		return ErrCodeNotFound
	case syscall.EBUSY:
		return ErrCodeBusy
	case syscall.EINVAL, syscall.E2BIG:
		return ErrCodeInvalidArgument
	case syscall.EROFS:
		return ErrCodeReadOnly
	case syscall.ENOSPC:
		return ErrCodeLogOverflow
	default:
		return ErrCodeIOError
	}
}

// IsCode checks if an error matches a specific error code
func IsCode(err error, code WalbErrorCode) bool {
	var walbErr *Error
	if errors.As(err, &walbErr) {
		return walbErr.Code == code
	}
	return false
}
