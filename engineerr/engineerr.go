// Copyright 2018 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package engineerr implements the engine's error-kind taxonomy: a closed
// set of Kind values that every component-level error carries, so callers
// can branch on failure class (engineerr.Is) without string matching.
package engineerr

import "fmt"

type Kind uint8

const (
	Unknown Kind = iota
	IoError
	VerificationMismatch
	Corruption
	Unrecoverable
	DataLoss
	InsufficientDisks
	NotFound
	InvalidArgument
	Conflict
)

func (k Kind) String() string {
	switch k {
	case IoError:
		return "IoError"
	case VerificationMismatch:
		return "VerificationMismatch"
	case Corruption:
		return "Corruption"
	case Unrecoverable:
		return "Unrecoverable"
	case DataLoss:
		return "DataLoss"
	case InsufficientDisks:
		return "InsufficientDisks"
	case NotFound:
		return "NotFound"
	case InvalidArgument:
		return "InvalidArgument"
	case Conflict:
		return "Conflict"
	default:
		return "Unknown"
	}
}

// Error carries a Kind alongside the usual formatted message and an
// optional cause, so it round-trips through fmt.Errorf("...: %w", err)
// chains while remaining inspectable via Is/KindOf.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func New(kind Kind, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, cause error, format string, args ...interface{}) error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			if e.Kind == kind {
				return true
			}
			err = e.Cause
			continue
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// KindOf returns the Kind of err if it (or anything it wraps) is an
// *Error, else Unknown.
func KindOf(err error) Kind {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return Unknown
		}
		err = u.Unwrap()
	}
	return Unknown
}
