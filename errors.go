// SPDX-License-Identifier: GPL-3.0-or-later

package dqlite

import (
	"errors"
	"fmt"
)

// Code classifies an [*Error] the way the original C core classifies failures
// at the node boundary: misuse, memory exhaustion, or everything else.
type Code int

const (
	// CodeGeneric covers socket/bind syscall failures, loop init failures,
	// and consensus start failures -- anything that isn't a caller misuse
	// or an allocation failure.
	CodeGeneric Code = iota

	// CodeMisuse indicates the caller violated a precondition: reconfiguring
	// a running node, an unparseable bind address, a latency below the
	// 500us floor.
	CodeMisuse

	// CodeMemory indicates an allocation failure.
	CodeMemory
)

// String returns a human-readable name for c.
func (c Code) String() string {
	switch c {
	case CodeMisuse:
		return "misuse"
	case CodeMemory:
		return "memory"
	default:
		return "generic"
	}
}

// Error is the error type returned at the node's public boundary.
//
// Use [errors.Is] against [ErrMisuse], [ErrMemory], or [ErrGeneric] to test
// the code, or [AsCode] to extract it directly.
type Error struct {
	Code Code
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is one of the [ErrMisuse]/[ErrMemory]/[ErrGeneric]
// sentinels matching e.Code, enabling errors.Is(err, ErrMisuse) style checks.
func (e *Error) Is(target error) bool {
	sentinel, ok := target.(*Error)
	return ok && sentinel.Err == nil && sentinel.Code == e.Code
}

// Sentinels for errors.Is comparisons against [*Error.Code].
var (
	ErrMisuse  = &Error{Code: CodeMisuse}
	ErrMemory  = &Error{Code: CodeMemory}
	ErrGeneric = &Error{Code: CodeGeneric}
)

// newMisuseError wraps err (which may be nil) as a misuse [*Error].
func newMisuseError(op string, err error) error {
	return &Error{Code: CodeMisuse, Op: op, Err: err}
}

// newGenericError wraps err as a generic [*Error].
func newGenericError(op string, err error) error {
	return &Error{Code: CodeGeneric, Op: op, Err: err}
}

// AsCode extracts the [Code] carried by err, defaulting to [CodeGeneric]
// when err does not wrap an [*Error].
func AsCode(err error) Code {
	var as *Error
	if errors.As(err, &as) {
		return as.Code
	}
	return CodeGeneric
}
