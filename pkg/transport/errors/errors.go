// Package errors provides error types and error codes for the transport layer.
// This is a leaf package with no internal dependencies, designed to be imported
// by the medium, smart-protocol, and transport packages without causing
// circular imports.
//
// Import graph: errors <- medium <- smart <- transport implementations
//
// The same taxonomy is used for failures coming off the wire and for local
// filesystem-style failures, so upper layers never need to know whether a
// path lives behind a network connection or on local disk.
package errors

import (
	"fmt"
)

// ErrorCode represents the type of error that occurred.
type ErrorCode int

const (
	// ErrNotFound indicates the requested path does not exist.
	ErrNotFound ErrorCode = iota + 1

	// ErrFileExists indicates the target path already exists.
	ErrFileExists

	// ErrDirectoryNotEmpty indicates a directory could not be removed
	// because it still has entries.
	ErrDirectoryNotEmpty

	// ErrNotADirectory indicates the operation requires a directory.
	ErrNotADirectory

	// ErrPermissionDenied indicates the server or OS refused access.
	ErrPermissionDenied

	// ErrReadError indicates a file exists but could not be read.
	ErrReadError

	// ErrShortRead indicates a readv chunk returned fewer bytes than
	// requested. Short reads are never silently padded.
	ErrShortRead

	// ErrReadOnly indicates a write was attempted on a read-only transport.
	ErrReadOnly

	// ErrConnection indicates a DNS, TCP, or SSH-level connection failure.
	ErrConnection

	// ErrHostKeyMismatch indicates the remote host presented a key that does
	// not match the recorded one. Always fatal.
	ErrHostKeyMismatch

	// ErrUnknownVendor indicates a forced SSH vendor name is not registered.
	ErrUnknownVendor

	// ErrVendorNotFound indicates no usable SSH implementation was found.
	ErrVendorNotFound

	// ErrUnknownMethod indicates the server does not recognise a smart
	// protocol method. Recoverable: callers lower the capability floor and
	// fall back to an older method.
	ErrUnknownMethod

	// ErrUnexpectedResponse indicates a structurally valid response that the
	// caller cannot interpret. Fatal for the request.
	ErrUnexpectedResponse

	// ErrProtocol indicates a malformed wire message. Fatal.
	ErrProtocol

	// ErrLockContention indicates the resource is already locked by someone
	// else.
	ErrLockContention

	// ErrTokenMismatch indicates a lock token was presented that does not
	// match the token the lock was created with.
	ErrTokenMismatch

	// ErrNotLocked indicates an unlock was attempted on a resource that
	// holds no lock. Distinct from ErrTokenMismatch.
	ErrNotLocked

	// ErrCannotLock indicates the transport does not support write locks.
	ErrCannotLock

	// ErrNoSuchRevision indicates a referenced revision is not present.
	ErrNoSuchRevision

	// ErrNotStacked indicates a stacking operation on an unstacked branch.
	ErrNotStacked

	// ErrUnknownServer indicates an unrecognised error verb from the server.
	// The original wire tuple is preserved in the message.
	ErrUnknownServer
)

// String returns a human-readable name for the error code.
func (e ErrorCode) String() string {
	switch e {
	case ErrNotFound:
		return "NotFound"
	case ErrFileExists:
		return "FileExists"
	case ErrDirectoryNotEmpty:
		return "DirectoryNotEmpty"
	case ErrNotADirectory:
		return "NotADirectory"
	case ErrPermissionDenied:
		return "PermissionDenied"
	case ErrReadError:
		return "ReadError"
	case ErrShortRead:
		return "ShortRead"
	case ErrReadOnly:
		return "ReadOnly"
	case ErrConnection:
		return "Connection"
	case ErrHostKeyMismatch:
		return "HostKeyMismatch"
	case ErrUnknownVendor:
		return "UnknownVendor"
	case ErrVendorNotFound:
		return "VendorNotFound"
	case ErrUnknownMethod:
		return "UnknownMethod"
	case ErrUnexpectedResponse:
		return "UnexpectedResponse"
	case ErrProtocol:
		return "Protocol"
	case ErrLockContention:
		return "LockContention"
	case ErrTokenMismatch:
		return "TokenMismatch"
	case ErrNotLocked:
		return "NotLocked"
	case ErrCannotLock:
		return "CannotLock"
	case ErrNoSuchRevision:
		return "NoSuchRevision"
	case ErrNotStacked:
		return "NotStacked"
	case ErrUnknownServer:
		return "UnknownServer"
	default:
		return fmt.Sprintf("Unknown(%d)", e)
	}
}

// TransportError represents a transport-layer error with an error code.
type TransportError struct {
	Code    ErrorCode
	Message string
	Path    string

	// Err is the underlying cause, if any (socket error, SSH failure, ...).
	Err error
}

// Error implements the error interface.
func (e *TransportError) Error() string {
	switch {
	case e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s (path: %s): %v", e.Code, e.Message, e.Path, e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s: %s (path: %s)", e.Code, e.Message, e.Path)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
}

// Unwrap returns the underlying cause for errors.Is/As chains.
func (e *TransportError) Unwrap() error {
	return e.Err
}

// ============================================================================
// Factory Functions
// ============================================================================

// NewNotFoundError creates a NotFound error for a path.
func NewNotFoundError(path string) *TransportError {
	return &TransportError{
		Code:    ErrNotFound,
		Message: "no such file",
		Path:    path,
	}
}

// NewFileExistsError creates a FileExists error.
func NewFileExistsError(path string) *TransportError {
	return &TransportError{
		Code:    ErrFileExists,
		Message: "file exists",
		Path:    path,
	}
}

// NewDirectoryNotEmptyError creates a DirectoryNotEmpty error.
func NewDirectoryNotEmptyError(path string) *TransportError {
	return &TransportError{
		Code:    ErrDirectoryNotEmpty,
		Message: "directory not empty",
		Path:    path,
	}
}

// NewNotADirectoryError creates a NotADirectory error.
func NewNotADirectoryError(path string) *TransportError {
	return &TransportError{
		Code:    ErrNotADirectory,
		Message: "not a directory",
		Path:    path,
	}
}

// NewPermissionDeniedError creates a PermissionDenied error. extra carries
// any server-supplied detail and may be empty.
func NewPermissionDeniedError(path, extra string) *TransportError {
	msg := "permission denied"
	if extra != "" {
		msg = fmt.Sprintf("permission denied: %s", extra)
	}
	return &TransportError{
		Code:    ErrPermissionDenied,
		Message: msg,
		Path:    path,
	}
}

// NewReadError creates a ReadError for a path.
func NewReadError(path string) *TransportError {
	return &TransportError{
		Code:    ErrReadError,
		Message: "read error",
		Path:    path,
	}
}

// NewReadOnlyError creates a ReadOnly error.
func NewReadOnlyError(path string) *TransportError {
	return &TransportError{
		Code:    ErrReadOnly,
		Message: "transport is read-only",
		Path:    path,
	}
}

// NewShortReadError creates a ShortRead error identifying exactly which
// request came up short.
func NewShortReadError(path string, offset uint64, expected, actual int) *TransportError {
	return &TransportError{
		Code: ErrShortRead,
		Message: fmt.Sprintf("short read at offset %d: expected %d bytes, got %d",
			offset, expected, actual),
		Path: path,
	}
}

// NewConnectionError creates a Connection error with host/port context.
func NewConnectionError(host string, port int, cause error) *TransportError {
	return &TransportError{
		Code:    ErrConnection,
		Message: fmt.Sprintf("unable to connect to %s", hostPort(host, port)),
		Err:     cause,
	}
}

// NewConnectionResetError creates a Connection error for an established
// connection that dropped mid-call.
func NewConnectionResetError(detail string, cause error) *TransportError {
	return &TransportError{
		Code:    ErrConnection,
		Message: fmt.Sprintf("connection closed: %s", detail),
		Err:     cause,
	}
}

// NewHostKeyMismatchError creates a HostKeyMismatch error. The fingerprints
// are included so the operator can compare what was expected against what
// the server presented.
func NewHostKeyMismatchError(host string, port int, expected, actual string) *TransportError {
	return &TransportError{
		Code: ErrHostKeyMismatch,
		Message: fmt.Sprintf("host key for %s does not match: expected %s, got %s",
			hostPort(host, port), expected, actual),
	}
}

// NewUnknownVendorError creates an UnknownVendor error for a forced vendor
// name that is not registered.
func NewUnknownVendorError(name string) *TransportError {
	return &TransportError{
		Code:    ErrUnknownVendor,
		Message: fmt.Sprintf("unknown SSH vendor %q", name),
	}
}

// NewVendorNotFoundError creates a VendorNotFound error.
func NewVendorNotFoundError() *TransportError {
	return &TransportError{
		Code:    ErrVendorNotFound,
		Message: "no usable SSH implementation found",
	}
}

// NewUnknownMethodError creates an UnknownMethod error for a smart protocol
// method the server does not recognise.
func NewUnknownMethodError(method string) *TransportError {
	return &TransportError{
		Code:    ErrUnknownMethod,
		Message: fmt.Sprintf("remote server does not recognise method %q", method),
	}
}

// NewUnexpectedResponseError creates an UnexpectedResponse error carrying
// the offending response tuple.
func NewUnexpectedResponseError(tuple []string) *TransportError {
	return &TransportError{
		Code:    ErrUnexpectedResponse,
		Message: fmt.Sprintf("unexpected response %q", tuple),
	}
}

// NewProtocolError creates a Protocol error for a malformed wire message.
func NewProtocolError(detail string) *TransportError {
	return &TransportError{
		Code:    ErrProtocol,
		Message: detail,
	}
}

// NewLockContentionError creates a LockContention error.
func NewLockContentionError(path string) *TransportError {
	return &TransportError{
		Code:    ErrLockContention,
		Message: "could not acquire lock, held by someone else",
		Path:    path,
	}
}

// NewTokenMismatchError creates a TokenMismatch error.
func NewTokenMismatchError(given, lockHolder string) *TransportError {
	return &TransportError{
		Code:    ErrTokenMismatch,
		Message: fmt.Sprintf("token %q does not match lock token %q", given, lockHolder),
	}
}

// NewNotLockedError creates a NotLocked error.
func NewNotLockedError(path string) *TransportError {
	return &TransportError{
		Code:    ErrNotLocked,
		Message: "not locked",
		Path:    path,
	}
}

// NewCannotLockError creates a CannotLock error for transports without lock
// support.
func NewCannotLockError(base string) *TransportError {
	return &TransportError{
		Code:    ErrCannotLock,
		Message: fmt.Sprintf("transport %s does not support write locks", base),
	}
}

// NewNoSuchRevisionError creates a NoSuchRevision error.
func NewNoSuchRevisionError(branch, revision string) *TransportError {
	return &TransportError{
		Code:    ErrNoSuchRevision,
		Message: fmt.Sprintf("branch %s has no revision %s", branch, revision),
	}
}

// NewNotStackedError creates a NotStacked error.
func NewNotStackedError(branch string) *TransportError {
	return &TransportError{
		Code:    ErrNotStacked,
		Message: fmt.Sprintf("branch %s is not stacked", branch),
	}
}

// NewUnknownServerError creates an UnknownServer error preserving the
// original wire tuple for diagnostics.
func NewUnknownServerError(tuple []string) *TransportError {
	return &TransportError{
		Code:    ErrUnknownServer,
		Message: fmt.Sprintf("server sent unrecognised error %q", tuple),
	}
}

// ============================================================================
// Error Type Checking Helpers
// ============================================================================

// code extracts the ErrorCode from err, or 0 if err is not a TransportError.
func code(err error) ErrorCode {
	if te, ok := err.(*TransportError); ok {
		return te.Code
	}
	return 0
}

// IsNotFoundError returns true if the error is a NotFound error.
func IsNotFoundError(err error) bool {
	return code(err) == ErrNotFound
}

// IsUnknownMethodError returns true if the error indicates an unrecognised
// smart protocol method.
func IsUnknownMethodError(err error) bool {
	return code(err) == ErrUnknownMethod
}

// IsShortReadError returns true if the error is a readv short read.
func IsShortReadError(err error) bool {
	return code(err) == ErrShortRead
}

// IsConnectionError returns true for connection-level failures, including
// host key mismatches.
func IsConnectionError(err error) bool {
	c := code(err)
	return c == ErrConnection || c == ErrHostKeyMismatch
}

// IsLockError returns true for any lock-related failure.
func IsLockError(err error) bool {
	c := code(err)
	return c == ErrLockContention || c == ErrTokenMismatch ||
		c == ErrNotLocked || c == ErrCannotLock
}

func hostPort(host string, port int) string {
	if port > 0 {
		return fmt.Sprintf("%s:%d", host, port)
	}
	return host
}
