// Package bidierror implements the wire-visible BiDi error taxonomy
// (spec.md §7) as a single typed error, the same way the teacher package
// exposes typed sentinels (ErrTimedOut, ErrTargetCrashed, ErrChannelClosed)
// rather than ad hoc strings.
package bidierror

import (
	"errors"
	"fmt"
)

// Code is one of the wire error codes from spec.md §6/§7.
type Code string

const (
	UnknownError                     Code = "unknown error"
	UnknownCommand                   Code = "unknown command"
	InvalidArgument                  Code = "invalid argument"
	NoSuchFrame                      Code = "no such frame"
	NoSuchScript                     Code = "no such script"
	NoSuchNode                       Code = "no such node"
	InvalidSessionID                 Code = "invalid session id"
	SessionNotCreated                Code = "session not created"
	UnsupportedOperation              Code = "unsupported operation"
	UnableToSetCookie                Code = "unable to set cookie"
	UnderspecifiedStoragePartition    Code = "underspecified storage partition"
	UnableToCaptureScreen             Code = "unable to capture screen"
)

// Error is the concrete type carried over the wire as {error, message}.
type Error struct {
	Code    Code
	Message string
	// Stacktrace is not set by any constructor in this package; in verbose
	// mode the processor renders the stack trace into the error response
	// itself. It is never required for correctness.
	Stacktrace string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func InvalidArgumentf(format string, args ...interface{}) *Error {
	return newf(InvalidArgument, format, args...)
}

func NoSuchFramef(format string, args ...interface{}) *Error {
	return newf(NoSuchFrame, format, args...)
}

func NoSuchScriptf(format string, args ...interface{}) *Error {
	return newf(NoSuchScript, format, args...)
}

func NoSuchNodef(format string, args ...interface{}) *Error {
	return newf(NoSuchNode, format, args...)
}

func InvalidSessionIDf(format string, args ...interface{}) *Error {
	return newf(InvalidSessionID, format, args...)
}

func SessionNotCreatedf(format string, args ...interface{}) *Error {
	return newf(SessionNotCreated, format, args...)
}

func UnknownCommandf(format string, args ...interface{}) *Error {
	return newf(UnknownCommand, format, args...)
}

func UnsupportedOperationf(format string, args ...interface{}) *Error {
	return newf(UnsupportedOperation, format, args...)
}

func UnableToSetCookief(format string, args ...interface{}) *Error {
	return newf(UnableToSetCookie, format, args...)
}

func UnderspecifiedStoragePartitionf(format string, args ...interface{}) *Error {
	return newf(UnderspecifiedStoragePartition, format, args...)
}

func UnableToCaptureScreenf(format string, args ...interface{}) *Error {
	return newf(UnableToCaptureScreen, format, args...)
}

func Unknownf(format string, args ...interface{}) *Error {
	return newf(UnknownError, format, args...)
}

// FromError recovers a *Error from err's chain, falling back to an
// UnknownError wrapping err verbatim. This is the single place that decides
// what a client sees for an error the domain processors didn't classify.
func FromError(err error) *Error {
	if err == nil {
		return nil
	}
	var be *Error
	if errors.As(err, &be) {
		return be
	}
	return Unknownf("%s", err.Error())
}
