// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package bucketstats implements easy to use in-process statistics
// collection and reporting. Statistics start at zero and grow as they are
// added to.
//
// The statistics provided are a totaler (the Totaler interface) and an
// average (the Averager interface). Each statistic must have a unique name,
// "Name". One or more statistics are placed in a structure and registered,
// with a name, via a call to Register() before being used. The set of
// statistics registered can be queried by registered name or dumped all at
// once.
//
// Statistics are updated with lock-free atomic adds; values read while other
// goroutines are updating are approximate, which is the intended tradeoff.
package bucketstats

import (
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
)

type StatStringFormat int

const (
	StatFormatParsable1 StatStringFormat = iota
)

// A Totaler can be incremented, or added to, and tracks the total value of
// all values added.
type Totaler interface {
	Increment()
	Add(value uint64)
	TotalGet() (total uint64)
	Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) (values string)
}

// An Averager is a Totaler that also tracks the number of values added, so
// the mean value can be computed.
type Averager interface {
	Totaler
	CountGet() (count uint64)
	AverageGet() (avg uint64)
}

// Total is a simple totaler. The Name field must be unique within the
// registered structure; if left empty it defaults to the field name.
type Total struct {
	total uint64
	Name  string
}

func (this *Total) Increment() {
	atomic.AddUint64(&this.total, 1)
}

func (this *Total) Add(value uint64) {
	atomic.AddUint64(&this.total, value)
}

func (this *Total) TotalGet() (total uint64) {
	total = atomic.LoadUint64(&this.total)
	return
}

func (this *Total) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) (values string) {
	values = fmt.Sprintf("%s.%s.%s total:%d\n", pkgName, statsGroupName, this.Name, this.TotalGet())
	return
}

// Average tracks a total and a count of values added so it can report the
// mean.
type Average struct {
	count uint64
	total uint64
	Name  string
}

func (this *Average) Increment() {
	atomic.AddUint64(&this.total, 1)
	atomic.AddUint64(&this.count, 1)
}

func (this *Average) Add(value uint64) {
	atomic.AddUint64(&this.total, value)
	atomic.AddUint64(&this.count, 1)
}

func (this *Average) TotalGet() (total uint64) {
	total = atomic.LoadUint64(&this.total)
	return
}

func (this *Average) CountGet() (count uint64) {
	count = atomic.LoadUint64(&this.count)
	return
}

func (this *Average) AverageGet() (avg uint64) {
	count := atomic.LoadUint64(&this.count)
	if 0 == count {
		avg = 0
		return
	}
	avg = atomic.LoadUint64(&this.total) / count
	return
}

func (this *Average) Sprint(stringFmt StatStringFormat, pkgName string, statsGroupName string) (values string) {
	values = fmt.Sprintf("%s.%s.%s avg:%d count:%d total:%d\n",
		pkgName, statsGroupName, this.Name, this.AverageGet(), this.CountGet(), this.TotalGet())
	return
}

var (
	registryLock sync.Mutex
	registry     = make(map[string]interface{})
)

func registryKey(pkgName string, statsGroupName string) string {
	return pkgName + "." + statsGroupName
}

// Register registers and initializes a set of statistics.
//
// statsStruct is a pointer to a structure with one or more exported fields
// of type Total or Average (other fields are ignored). Names default to the
// field name. Registering a (pkgName, statsGroupName) pair a second time
// replaces the first registration.
func Register(pkgName string, statsGroupName string, statsStruct interface{}) {
	structValue := reflect.ValueOf(statsStruct).Elem()
	structType := structValue.Type()

	for i := 0; i < structType.NumField(); i++ {
		fieldValue := structValue.Field(i)
		if !fieldValue.CanAddr() || !fieldValue.CanSet() {
			continue
		}
		switch v := fieldValue.Addr().Interface().(type) {
		case *Total:
			if "" == v.Name {
				v.Name = structType.Field(i).Name
			}
		case *Average:
			if "" == v.Name {
				v.Name = structType.Field(i).Name
			}
		}
	}

	registryLock.Lock()
	registry[registryKey(pkgName, statsGroupName)] = statsStruct
	registryLock.Unlock()
}

// UnRegister removes the set of statistics registered under (pkgName,
// statsGroupName), if any.
func UnRegister(pkgName string, statsGroupName string) {
	registryLock.Lock()
	delete(registry, registryKey(pkgName, statsGroupName))
	registryLock.Unlock()
}

// SprintStats returns a string representation of the registered statistics
// group, or of all groups when both names are "*".
func SprintStats(stringFmt StatStringFormat, pkgName string, statsGroupName string) (values string) {
	registryLock.Lock()
	defer registryLock.Unlock()

	if ("*" == pkgName) && ("*" == statsGroupName) {
		keys := make([]string, 0, len(registry))
		for key := range registry {
			keys = append(keys, key)
		}
		sort.Strings(keys)
		for _, key := range keys {
			values += sprintStatsStruct(stringFmt, key, registry[key])
		}
		return
	}

	key := registryKey(pkgName, statsGroupName)
	statsStruct, ok := registry[key]
	if !ok {
		return
	}
	values = sprintStatsStruct(stringFmt, key, statsStruct)
	return
}

func sprintStatsStruct(stringFmt StatStringFormat, key string, statsStruct interface{}) (values string) {
	structValue := reflect.ValueOf(statsStruct).Elem()

	for i := 0; i < structValue.NumField(); i++ {
		fieldValue := structValue.Field(i)
		if !fieldValue.CanAddr() {
			continue
		}
		switch v := fieldValue.Addr().Interface().(type) {
		case *Total:
			values += fmt.Sprintf("%s.%s total:%d\n", key, v.Name, v.TotalGet())
		case *Average:
			values += fmt.Sprintf("%s.%s avg:%d count:%d total:%d\n",
				key, v.Name, v.AverageGet(), v.CountGet(), v.TotalGet())
		}
	}
	return
}
