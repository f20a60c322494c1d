// Package rerr defines the typed error kinds used throughout the pipeline,
// mirroring spec section 7's five error kinds (Configuration, Boot, Runtime,
// Data, RedoLog). Errors are wrapped with one of these kinds and returned up
// to the replicator, whose errgroup cancels the rest of the pipeline on the
// first one; they are not routed through the replicator's StopHard.
package rerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind tags an Error with one of the five categories spec section 7 names.
type Kind int

const (
	// Configuration errors are missing or invalid user-supplied fields.
	Configuration Kind = iota
	// Boot errors are unmet startup preconditions.
	Boot
	// Runtime errors are operational failures: I/O, memory, integrity.
	Runtime
	// Data errors are schema/catalog inconsistencies.
	Data
	// RedoLog errors are parser-level decode failures.
	RedoLog
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Boot:
		return "boot"
	case Runtime:
		return "runtime"
	case Data:
		return "data"
	case RedoLog:
		return "redolog"
	default:
		return "unknown"
	}
}

// Code is a stable numeric identifier logged alongside the human message,
// per spec section 7's "logs them with a numeric code and human message".
type Code int

// Error is the typed error that crosses package boundaries in this module.
// Code and Kind are stable identifiers for log correlation; the wrapped
// cause carries the pkg/errors stack trace.
type Error struct {
	Kind    Kind
	Code    Code
	File    string
	Seq     uint32
	Offset  uint64
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.File != "" {
		return fmt.Sprintf("[%s:%04d] %s (file=%s seq=%d offset=%d)", e.Kind, e.Code, e.Message, e.File, e.Seq, e.Offset)
	}
	return fmt.Sprintf("[%s:%04d] %s", e.Kind, e.Code, e.Message)
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// New builds an Error with no wrapped cause.
func New(kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap wraps cause with a stack trace (via pkg/errors) and tags it with kind/code.
func Wrap(cause error, kind Kind, code Code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: errors.Wrap(cause, message)}
}

// AtPosition annotates the error with the file/sequence/offset it occurred
// at, per spec section 4.3's "raises a parser exception tagged with file,
// sequence, and offset".
func (e *Error) AtPosition(file string, seq uint32, offset uint64) *Error {
	e.File, e.Seq, e.Offset = file, seq, offset
	return e
}

// IsFatal reports whether this kind terminates the pipeline outright.
// Data and RedoLog are always fatal. Configuration is fatal at startup but,
// per spec section 7, non-fatal when reached through a live `update` call
// (the caller is expected to check that path separately before acting on
// this flag).
func (e *Error) IsFatal() bool {
	return true
}
