// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package blunder provides error-handling wrappers
//
// These wrappers allow callers to attach an error code to a regular Go error
// while still conforming to the Go error interface.
//
// This package is currently implemented on top of the ansel1/merry package:
//   https://github.com/ansel1/merry
//
// merry attaches key/value context (and a stack trace) to errors; blunder
// standardizes one of those keys as an errno-like error code so errors can
// be classified without string matching.
package blunder

import (
	"fmt"

	"github.com/ansel1/merry"
	"golang.org/x/sys/unix"
)

// CacheError is the error-code space of the page-cache engine.
//
// Codes that have a natural linux/POSIX errno use it; engine-specific
// conditions that have no errno equivalent are assigned values above the
// errno range.
type CacheError int

const (
	// SuccessError is the zero value; no error code has been attached.
	SuccessError CacheError = 0

	NotPermError        CacheError = CacheError(int(unix.EPERM))  // Operation not permitted
	IOError             CacheError = CacheError(int(unix.EIO))    // Underlying device I/O failure
	TryAgainError       CacheError = CacheError(int(unix.EAGAIN)) // Transient; caller should retry
	OutOfMemoryError    CacheError = CacheError(int(unix.ENOMEM)) // Page buffer or cell allocation failed
	DevBusyError        CacheError = CacheError(int(unix.EBUSY))  // Every page in the cell is referenced
	InvalidArgError     CacheError = CacheError(int(unix.EINVAL)) // Bad option or request
	FileTooLargeError   CacheError = CacheError(int(unix.EFBIG))  // Offset beyond the mapped range
	NotImplementedError CacheError = CacheError(int(unix.ENOSYS)) // Function not implemented
	TimedOut            CacheError = CacheError(int(unix.ETIMEDOUT))

	// Engine-specific codes outside the errno space.
	InitError             CacheError = 10001 // Missing RAID config or unknown option at startup
	ExpandInProgressError CacheError = 10002 // Another thread holds TABLE_EXPANDING
)

const blunderErrorCodeKey = "errorCode"

func (err CacheError) String() string {
	switch err {
	case SuccessError:
		return "SuccessError"
	case InitError:
		return "InitError"
	case ExpandInProgressError:
		return "ExpandInProgressError"
	default:
		return unix.ErrnoName(unix.Errno(int(err)))
	}
}

// Value returns the int value of a CacheError.
func (err CacheError) Value() int {
	return int(err)
}

// AddError attaches the passed error code to the passed error.
func AddError(e error, errValue CacheError) error {
	return merry.WithValue(e, blunderErrorCodeKey, int(errValue))
}

// NewError creates a new error with the passed error code and message.
func NewError(errValue CacheError, format string, a ...interface{}) error {
	return merry.WithValue(fmt.Errorf(format, a...), blunderErrorCodeKey, int(errValue))
}

// Errno returns the error code attached to the passed error, or -1 if the
// error carries no code. A nil error returns SuccessError's value.
func Errno(e error) int {
	if nil == e {
		return int(SuccessError)
	}
	value, ok := merry.Value(e, blunderErrorCodeKey).(int)
	if !ok {
		return -1
	}
	return value
}

// Is returns true if the passed error carries the passed error code. A nil
// error carries SuccessError.
func Is(e error, errValue CacheError) bool {
	return Errno(e) == int(errValue)
}

// IsNot is the convenience inverse of Is.
func IsNot(e error, errValue CacheError) bool {
	return !Is(e, errValue)
}

// IsSuccess returns true if the passed error is nil.
func IsSuccess(e error) bool {
	return nil == e
}

// ErrorUpdate replaces the error code attached to the passed error, but only
// if it currently carries expectedValue (or no code at all).
func ErrorUpdate(e error, expectedValue CacheError, changeToValue CacheError) error {
	currentValue := Errno(e)
	if (currentValue == int(expectedValue)) || (currentValue == -1) {
		return merry.WithValue(e, blunderErrorCodeKey, int(changeToValue))
	}
	return e
}

// ErrorString returns the passed error's message decorated with its error
// code, or "" for a nil error.
func ErrorString(e error) string {
	if nil == e {
		return ""
	}
	return fmt.Sprintf("%s (errno: %v)", e.Error(), CacheError(Errno(e)).String())
}
