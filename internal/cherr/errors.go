// Package cherr provides the structured error types shared by the engine.
//
// Every fatal condition the engine raises is one of five kinds, matching the
// error-handling design: InputError, FetchError, LockfileError, ToolError,
// and UnsupportedFeature. Resolvers construct these directly; the CLI layer
// is the only place that converts them into the single human-readable
// sentence plus structured fields shown to a user.
package cherr

import (
	"errors"
	"fmt"
)

// Code identifies the kind of a structured error.
type Code string

const (
	// InputError: request JSON malformed, path outside source tree,
	// unsupported flag combination. Recoverable by the user.
	InputError Code = "InputError"
	// FetchError: network failure after retries, checksum mismatch,
	// unsupported protocol. Fatal for the request.
	FetchError Code = "FetchError"
	// LockfileError: required lockfile missing, unpinned requirement,
	// unsupported locator.
	LockfileError Code = "LockfileError"
	// ToolError: a subprocess tool (go, yarn, cargo, bundle, git) exited
	// non-zero.
	ToolError Code = "ToolError"
	// UnsupportedFeature: PnP Zero-Install, v1 npm lockfile, vendor
	// divergence, etc.
	UnsupportedFeature Code = "UnsupportedFeature"
)

// Error is the single structured error type the engine raises. Message is
// the human sentence; Fields carries the structured diagnostic data
// (file, line, url, expected/actual checksum) that accompanies it.
type Error struct {
	Code    Code
	Message string
	Fields  map[string]string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an *Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an *Error wrapping an existing error.
func Wrap(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithField attaches a structured diagnostic field and returns e for chaining.
func (e *Error) WithField(key, value string) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[key] = value
	return e
}

// Is reports whether err is (or wraps) a *Error with the given code.
func Is(err error, code Code) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Code == code
	}
	return false
}

// GetCode extracts the code from err, or "" if err is not a *Error.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// UserMessage renders the single human-readable sentence for err, followed
// by any structured fields it carries, one per line.
func UserMessage(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return err.Error()
	}
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	for _, k := range []string{"file", "line", "url", "expected_checksum", "actual_checksum"} {
		if v, ok := e.Fields[k]; ok {
			msg += fmt.Sprintf("\n  %s: %s", k, v)
		}
	}
	return msg
}
