// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package logger

import (
	"io"
	"os"

	log "github.com/sirupsen/logrus"

	"github.com/NVIDIA/pagecache/conf"
)

var logFile *os.File = nil

// Up initializes logging from the [Logging] section of the passed ConfMap.
// All options are optional; with none present logs go to stderr at info
// level with no per-package trace/debug logging.
func Up(confMap conf.ConfMap) (err error) {
	log.SetFormatter(&log.TextFormatter{DisableColors: true})

	logFilePath, _ := confMap.FetchOptionValueString("Logging", "LogFilePath")
	if "" != logFilePath {
		logFile, err = os.OpenFile(logFilePath, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if nil != err {
			log.Errorf("couldn't open log file: %v", err)
			return
		}
	}

	logToConsole, err := confMap.FetchOptionValueBool("Logging", "LogToConsole")
	if nil != err {
		logToConsole = false
		err = nil
	}

	if "" != logFilePath {
		if logToConsole {
			log.SetOutput(io.MultiWriter(logFile, os.Stderr))
		} else {
			log.SetOutput(logFile)
		}
	}
	// else: accept default destination of stderr

	// We always enable max logging in logrus and gate trace/debug logs in
	// this package instead.
	log.SetLevel(log.DebugLevel)

	traceConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "TraceLevelLogging")
	setTraceLoggingLevel(traceConfSlice)

	debugConfSlice, _ := confMap.FetchOptionValueStringSlice("Logging", "DebugLevelLogging")
	setDebugLoggingLevel(debugConfSlice)

	err = nil
	return
}

// Down closes the log file, if any, and resets package state.
func Down() (err error) {
	if nil != logFile {
		err = logFile.Close()
		logFile = nil
		log.SetOutput(os.Stderr)
	}
	traceEnabledPkgs = make(map[string]bool)
	debugEnabledPkgs = make(map[string]bool)
	return
}

func setTraceLoggingLevel(confStrings []string) {
	traceEnabledPkgs = make(map[string]bool)
	for _, pkg := range confStrings {
		if ("none" != pkg) && ("" != pkg) {
			traceEnabledPkgs[pkg] = true
		}
	}
}

func setDebugLoggingLevel(confStrings []string) {
	debugEnabledPkgs = make(map[string]bool)
	for _, pkg := range confStrings {
		if ("none" != pkg) && ("" != pkg) {
			debugEnabledPkgs[pkg] = true
		}
	}
}

// SetLogEntries redirects log output for tests wanting to examine what was
// logged.
func SetLogEntries(writer io.Writer) {
	log.SetOutput(writer)
}
