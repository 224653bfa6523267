// Package errors provides domain-specific error types and error handling utilities
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode represents a specific error type
type ErrorCode int

const (
	// Common error codes
	ErrUnknown ErrorCode = iota
	ErrInvalidInput
	ErrConfiguration
	ErrConnection
	ErrTimeout
	ErrCancelled

	// Console error codes
	ErrCommandFailed
	ErrSessionLost

	// State machine error codes
	ErrInvalidTransition
	ErrPlatform
	ErrUnavailable
	ErrBootTimeout

	// Run lock error codes
	ErrLocked
)

var codeNames = map[ErrorCode]string{
	ErrUnknown:           "unknown",
	ErrInvalidInput:      "invalid input",
	ErrConfiguration:     "configuration",
	ErrConnection:        "connection",
	ErrTimeout:           "timeout",
	ErrCancelled:         "cancelled",
	ErrCommandFailed:     "command failed",
	ErrSessionLost:       "session lost",
	ErrInvalidTransition: "invalid transition",
	ErrPlatform:          "platform failure",
	ErrUnavailable:       "unavailable",
	ErrBootTimeout:       "boot timeout",
	ErrLocked:            "locked",
}

// String returns the human readable name of the code
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Error represents a domain-specific error with context
type Error struct {
	// Code identifies the error type
	Code ErrorCode

	// Message provides human-readable error details
	Message string

	// Op describes the operation that failed
	Op string

	// Cause is the underlying error that triggered this one
	Cause error

	// Context holds additional error context
	Context map[string]interface{}
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	return msg
}

// Unwrap implements the errors.Unwrap interface
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Sentinel values usable with errors.Is
var (
	Timeout           = &Error{Code: ErrTimeout, Message: "timeout"}
	CommandFailed     = &Error{Code: ErrCommandFailed, Message: "command failed"}
	SessionLost       = &Error{Code: ErrSessionLost, Message: "session lost"}
	InvalidTransition = &Error{Code: ErrInvalidTransition, Message: "invalid transition"}
	Platform          = &Error{Code: ErrPlatform, Message: "platform failure"}
	Unavailable       = &Error{Code: ErrUnavailable, Message: "unavailable"}
	BootTimeout       = &Error{Code: ErrBootTimeout, Message: "boot timeout"}
	Locked            = &Error{Code: ErrLocked, Message: "locked"}
)

// annotate returns a copy of err as an *Error that edit may modify. Foreign
// errors become the cause of a new *Error carrying their code.
func annotate(err error, edit func(e *Error)) error {
	if err == nil {
		return nil
	}
	var e Error
	if de, ok := err.(*Error); ok {
		e = *de
	} else {
		e = Error{Code: GetCode(err), Message: err.Error(), Cause: err}
	}
	edit(&e)
	return &e
}

// WithOp adds an operation name to the error
func WithOp(err error, op string) error {
	return annotate(err, func(e *Error) { e.Op = op })
}

// WithContext merges fields into the error context
func WithContext(err error, fields map[string]interface{}) error {
	return annotate(err, func(e *Error) {
		merged := make(map[string]interface{}, len(e.Context)+len(fields))
		for k, v := range e.Context {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		e.Context = merged
	})
}

// New creates a new Error
func New(code ErrorCode, message string) error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new Error with a formatted message
func Newf(code ErrorCode, format string, args ...interface{}) error {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps an error with a code and message
func Wrap(err error, code ErrorCode, message string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: message, Cause: err}
}

// Wrapf wraps an error with a code and formatted message
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) error {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// GetCode returns the outermost error code found in the chain
func GetCode(err error) ErrorCode {
	if err == nil {
		return ErrUnknown
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ErrUnknown
}

// HasCode reports whether any error in the chain carries code
func HasCode(err error, code ErrorCode) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// GetContext returns the error context
func GetContext(err error) map[string]interface{} {
	if err == nil {
		return nil
	}

	var e *Error
	if errors.As(err, &e) {
		return e.Context
	}
	return nil
}

// IsTimeout returns true if the error is a timeout error
func IsTimeout(err error) bool {
	return HasCode(err, ErrTimeout)
}

// IsCancelled returns true if the error is a cancelled error
func IsCancelled(err error) bool {
	return HasCode(err, ErrCancelled)
}

// IsUnavailable returns true if a feature or sensor is not present
func IsUnavailable(err error) bool {
	return HasCode(err, ErrUnavailable)
}

// IsTemporary reports whether the failure may clear up on its own
func IsTemporary(err error) bool {
	switch GetCode(err) {
	case ErrTimeout, ErrConnection:
		return true
	}
	return false
}

// IsRetryable reports whether an operation failing with err is worth
// another attempt
func IsRetryable(err error) bool {
	return IsTemporary(err) || GetCode(err) == ErrLocked
}
