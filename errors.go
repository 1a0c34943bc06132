// OpenSOC/Spyglass - error kinds
// Copyright (C) 2024 The OpenSOC Developers; All Rights Reserved
// <dev (at) opensoc (dot) io>

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.

// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

/*
	Every error that crosses a subsystem boundary carries a kind, so the
	caller can act on the category (retry, skip, give up) without string
	matching. Wrapping assigns a new kind; KindOf reports the outermost
	one in the chain.
*/

package spyglass

import (
	stderrors "errors"
	"fmt"

	"github.com/pkg/errors"
)

type ErrorKind uint8

const (
	ErrUnspecified ErrorKind = iota
	ErrParse                 // malformed input or expression
	ErrFormat                // reader could not materialise a slice
	ErrTypeClash             // operand type mismatches extractor
	ErrTimeout               // reader read timeout
	ErrEndOfInput
	ErrIO
	ErrCorruption // persisted format invalid
)

func (k ErrorKind) String() string {
	switch k {
	case ErrParse:
		return "parse_error"
	case ErrFormat:
		return "format_error"
	case ErrTypeClash:
		return "type_clash"
	case ErrTimeout:
		return "timeout"
	case ErrEndOfInput:
		return "end_of_input"
	case ErrIO:
		return "io_error"
	case ErrCorruption:
		return "corruption"
	default:
		return "unspecified"
	}
}

// Error is the kinded error type used throughout Spyglass.
type Error struct {
	kind ErrorKind
	msg  string
	err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.kind, e.msg, e.err)
	}
	return fmt.Sprintf("%s: %s", e.kind, e.msg)
}

func (e *Error) Unwrap() error { return e.err }

func (e *Error) Kind() ErrorKind { return e.kind }

func newError(kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...)}
}

// wrapError attaches a kind and message to an underlying cause.
func wrapError(err error, kind ErrorKind, format string, args ...interface{}) *Error {
	return &Error{kind: kind, msg: fmt.Sprintf(format, args...), err: errors.WithStack(err)}
}

// KindOf extracts the kind of the outermost *Error in err's chain,
// or ErrUnspecified when there is none.
func KindOf(err error) ErrorKind {
	var e *Error
	if stderrors.As(err, &e) {
		return e.kind
	}
	return ErrUnspecified
}

func IsCorruption(err error) bool { return KindOf(err) == ErrCorruption }

func IsEndOfInput(err error) bool { return KindOf(err) == ErrEndOfInput }

func IsTimeout(err error) bool { return KindOf(err) == ErrTimeout }

// EOF
