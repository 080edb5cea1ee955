// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package logger provides logging wrappers
//
// These wrappers allow us to standardize logging while still using a
// third-party logging package.
//
// This package is currently implemented on top of the sirupsen/logrus
// package:
//   https://github.com/sirupsen/logrus
//
// The APIs here add package, calling function, and goroutine id to all logs.
//
// Logging of trace and debug logs is enabled/disabled on a per package basis
// via the [Logging] config section.
package logger

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/pagecache/utils"
)

type Level int

// Our logging levels - These are the different logging levels supported by
// this package. They are a superset of logrus levels; Trace and Debug are
// gated per package before being handed to logrus.
const (
	PanicLevel Level = iota
	FatalLevel
	ErrorLevel
	WarnLevel
	InfoLevel
	TraceLevel
	DebugLevel
)

// The single configuration instance of this package; set by Up()/Down().
var (
	traceEnabledPkgs = make(map[string]bool)
	debugEnabledPkgs = make(map[string]bool)
)

func (level Level) logrusLevel() log.Level {
	switch level {
	case PanicLevel:
		return log.PanicLevel
	case FatalLevel:
		return log.FatalLevel
	case ErrorLevel:
		return log.ErrorLevel
	case WarnLevel:
		return log.WarnLevel
	case TraceLevel:
		return log.InfoLevel
	case DebugLevel:
		return log.DebugLevel
	default:
		return log.InfoLevel
	}
}

// newLogEntry creates a logrus entry decorated with the caller's package,
// function, and goroutine id. depth is the number of stack frames between
// the original log call site and here.
func newLogEntry(depth int) (entry *log.Entry, pkg string) {
	fn, pkg, gid := utils.GetFuncPackage(depth + 1)
	entry = log.WithFields(log.Fields{
		"function":  fn,
		"package":   pkg,
		"goroutine": gid,
	})
	return
}

func shouldLog(level Level, pkg string) bool {
	switch level {
	case TraceLevel:
		return traceEnabledPkgs[pkg]
	case DebugLevel:
		return debugEnabledPkgs[pkg]
	default:
		return true
	}
}

func logf(level Level, depth int, format string, args ...interface{}) {
	entry, pkg := newLogEntry(depth + 1)
	if !shouldLog(level, pkg) {
		return
	}
	switch level {
	case PanicLevel:
		entry.Panicf(format, args...)
	case FatalLevel:
		entry.Fatalf(format, args...)
	case ErrorLevel:
		entry.Errorf(format, args...)
	case WarnLevel:
		entry.Warnf(format, args...)
	case DebugLevel:
		entry.Debugf(format, args...)
	default:
		entry.Infof(format, args...)
	}
}

func Panicf(format string, args ...interface{}) {
	logf(PanicLevel, 1, format, args...)
}

func Fatalf(format string, args ...interface{}) {
	logf(FatalLevel, 1, format, args...)
}

func Errorf(format string, args ...interface{}) {
	logf(ErrorLevel, 1, format, args...)
}

func Warnf(format string, args ...interface{}) {
	logf(WarnLevel, 1, format, args...)
}

func Infof(format string, args ...interface{}) {
	logf(InfoLevel, 1, format, args...)
}

func Tracef(format string, args ...interface{}) {
	logf(TraceLevel, 1, format, args...)
}

func Debugf(format string, args ...interface{}) {
	logf(DebugLevel, 1, format, args...)
}

// The WithError variants append the error to the formatted message; they are
// the standard way to log a failure along with its cause.

func ErrorfWithError(err error, format string, args ...interface{}) {
	logf(ErrorLevel, 1, "%v: %v", fmt.Sprintf(format, args...), err)
}

func WarnfWithError(err error, format string, args ...interface{}) {
	logf(WarnLevel, 1, "%v: %v", fmt.Sprintf(format, args...), err)
}

func InfofWithError(err error, format string, args ...interface{}) {
	logf(InfoLevel, 1, "%v: %v", fmt.Sprintf(format, args...), err)
}

// PanicfWithError logs at error level and then panics with the same message.
func PanicfWithError(err error, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	logf(ErrorLevel, 1, "%v: %v", message, err)
	panic(fmt.Sprintf("%v: %v", message, err))
}
