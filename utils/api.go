// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package utils provides small helpers shared by the other packages:
// caller identification for log decoration and a simple stopwatch.
package utils

import (
	"bytes"
	"regexp"
	"runtime"
	"strconv"
	"time"
)

// GetGID returns the current goroutine id.
//
// NOTE: The goroutine id is deliberately not exposed by the runtime; we dig
//       it out of the stack header. Only use this for log decoration.
//
func GetGID() uint64 {
	b := make([]byte, 64)
	b = b[:runtime.Stack(b, false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	b = b[:bytes.IndexByte(b, ' ')]
	n, _ := strconv.ParseUint(string(b), 10, 64)
	return n
}

var extractFnName = regexp.MustCompile(`[^\/]*$`)
var extractPkgName = regexp.MustCompile(`^[^.]*`)
var extractBareFnName = regexp.MustCompile(`[^.]*$`)

// GetAFnName returns "package.function" for the caller the requested number
// of levels up the stack.
func GetAFnName(level int) string {
	pc, _, _, _ := runtime.Caller(level + 1)
	functionObject := runtime.FuncForPC(pc)
	return extractFnName.FindString(functionObject.Name())
}

// GetFuncPackage returns separate function and package names for the caller
// the requested number of levels up the stack, plus the goroutine id.
func GetFuncPackage(level int) (fn string, pkg string, gid uint64) {
	funcPkg := GetAFnName(level + 1)

	pkg = extractPkgName.FindString(funcPkg)
	fn = extractBareFnName.FindString(funcPkg)
	gid = GetGID()

	return fn, pkg, gid
}

// Stopwatch is a simple elapsed-time measurement tool used by the workout
// binaries.
type Stopwatch struct {
	StartTime   time.Time
	StopTime    time.Time
	ElapsedTime time.Duration
	IsRunning   bool
}

func NewStopwatch() *Stopwatch {
	return &Stopwatch{StartTime: time.Now(), IsRunning: true}
}

func (sw *Stopwatch) Stop() time.Duration {
	sw.StopTime = time.Now()
	if sw.IsRunning {
		sw.ElapsedTime = sw.StopTime.Sub(sw.StartTime)
		sw.IsRunning = false
	}
	return sw.ElapsedTime
}

func (sw *Stopwatch) Restart() {
	sw.StartTime = time.Now()
	sw.IsRunning = true
}

// Elapsed returns the elapsed time of the stopwatch, running or not.
func (sw *Stopwatch) Elapsed() time.Duration {
	if sw.IsRunning {
		return time.Since(sw.StartTime)
	}
	return sw.ElapsedTime
}
