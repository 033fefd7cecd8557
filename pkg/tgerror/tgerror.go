// Package tgerror implements tangram's structured, propagatable error value
// alongside the taxonomy of error codes and their HTTP status mapping.
// It gives the ordinary fmt.Errorf %w wrapping idiom a serializable
// sibling: plain Go errors are used internally, and are
// converted to/from *Error at every boundary that crosses a process or the
// wire (HTTP handlers, process finish, the sandbox proxy).
package tgerror

import (
	"errors"
	"fmt"
	"net/http"
)

// Code classifies an error for propagation and HTTP status mapping.
type Code string

const (
	CodeNotFound           Code = "not_found"
	CodeInvalid            Code = "invalid"
	CodeCancelled          Code = "cancelled"
	CodeConflict           Code = "conflict"
	CodeExhausted          Code = "exhausted"
	CodeFailedPrecondition Code = "failed_precondition"
	CodeInternal           Code = "internal"
	CodeNetwork            Code = "network"
	CodeChecksum           Code = "checksum"
)

// HTTPStatus maps an error code to the HTTP status used when the error
// crosses the wire.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeFailedPrecondition:
		return http.StatusPreconditionFailed
	case CodeExhausted:
		return http.StatusServiceUnavailable
	case CodeInvalid:
		return http.StatusBadRequest
	case CodeCancelled:
		return 499 // client closed request; no stdlib constant
	case CodeNetwork:
		return http.StatusBadGateway
	case CodeChecksum:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Error is the structured error value from { code?, message, location?,
// stack?, source?, values, diagnostics? }. Source may chain to another
// inline Error or to a stored error object id, permitting chains across
// process boundaries.
type Error struct {
	Code        Code              `json:"code,omitempty"`
	Message     string            `json:"message"`
	Location    string            `json:"location,omitempty"`
	Stack       []string          `json:"stack,omitempty"`
	Source      *Error            `json:"source,omitempty"`
	SourceID    string            `json:"source_id,omitempty"`
	Values      map[string]string `json:"values,omitempty"`
	Diagnostics []Diagnostic      `json:"diagnostics,omitempty"`
}

// Diagnostic is an additional note attached to an error, e.g. a solver's
// list of the patterns of an unsatisfiable package.
type Diagnostic struct {
	Severity string `json:"severity"`
	Message  string `json:"message"`
	Location string `json:"location,omitempty"`
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Location != "" {
		return fmt.Sprintf("%s: %s", e.Location, e.Message)
	}
	return e.Message
}

// Is reports whether target is a *Error with the same non-empty code,
// enabling errors.Is(err, tgerror.ErrNotFound)-style sentinel matching
// without requiring pointer identity.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil || t == nil {
		return false
	}
	return e.Code != "" && e.Code == t.Code
}

func (e *Error) Unwrap() error {
	if e == nil || e.Source == nil {
		return nil
	}
	return e.Source
}

// New creates a structured error with the given code and message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a location frame to err, producing (or extending) a
// structured Error chain. If err is already a *Error, its code is
// preserved; otherwise code defaults to CodeInternal.
func Wrap(err error, location string) *Error {
	if err == nil {
		return nil
	}
	var inner *Error
	if errors.As(err, &inner) {
		return &Error{
			Code:     inner.Code,
			Message:  inner.Message,
			Location: location,
			Source:   inner,
			Values:   inner.Values,
		}
	}
	return &Error{Code: CodeInternal, Message: err.Error(), Location: location}
}

// At sets the location frame on a freshly constructed error and returns it,
// for chaining: tgerror.New(...).At("store.Put").
func (e *Error) At(location string) *Error {
	e.Location = location
	return e
}

// WithValue attaches a context key/value pair to the error.
func (e *Error) WithValue(key, value string) *Error {
	if e.Values == nil {
		e.Values = make(map[string]string)
	}
	e.Values[key] = value
	return e
}

// CodeOf extracts the Code from err, defaulting to CodeInternal if err is
// not a *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// Is reports whether err's code (recursively) equals code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

var (
	// ErrNotFound is a sentinel for object/process/tag absence, matched
	// with errors.Is against errors produced by New(CodeNotFound, ...).
	ErrNotFound = New(CodeNotFound, "not found")
	// ErrInvalid is a sentinel for malformed input.
	ErrInvalid = New(CodeInvalid, "invalid")
	// ErrChecksum is a sentinel for expected != actual checksum.
	ErrChecksum = New(CodeChecksum, "checksum mismatch")
	// ErrCancelled is a sentinel for cooperative cancellation.
	ErrCancelled = New(CodeCancelled, "cancelled")
	// ErrConflict is a sentinel for tag leaf/branch collisions, process
	// state CAS failures and already-claimed pipe or pty readers.
	ErrConflict = New(CodeConflict, "conflict")
)
