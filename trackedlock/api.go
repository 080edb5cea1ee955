// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package trackedlock provides Mutex and RWMutex wrappers with lock hold
// tracking.
//
// If lock tracking is enabled ([TrackedLock]LockHoldTimeLimit > 0), the
// package checks the lock hold time on unlock. A lock held longer than the
// limit logs a warning with the goroutine id of the holder.
//
// If the limit is 0 (the default), locks are not tracked and the overhead of
// this package is a single atomic load per operation.
//
// trackedlock locks may be locked before the package is initialized; they
// are simply not tracked until the first Lock() after initialization.
package trackedlock

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/NVIDIA/pagecache/logger"
	"github.com/NVIDIA/pagecache/utils"
)

// lockHoldTimeLimit is the hold time, in nanoseconds, that triggers warning
// messages. 0 disables tracking.
var lockHoldTimeLimit int64

// mutexTrack holds the tracking state of one tracked lock.
type mutexTrack struct {
	lockTimeNs int64  // UnixNano at acquisition; 0 when untracked
	lockerGID  uint64 // goroutine id of the holder
}

func (mt *mutexTrack) lockTrack() {
	if 0 == atomic.LoadInt64(&lockHoldTimeLimit) {
		mt.lockTimeNs = 0
		return
	}
	mt.lockTimeNs = time.Now().UnixNano()
	mt.lockerGID = utils.GetGID()
}

func (mt *mutexTrack) unlockTrack(name string) {
	limit := atomic.LoadInt64(&lockHoldTimeLimit)
	if (0 == limit) || (0 == mt.lockTimeNs) {
		return
	}
	heldNs := time.Now().UnixNano() - mt.lockTimeNs
	if heldNs > limit {
		logger.Warnf("%s held for %v by goroutine %d (limit %v)",
			name, time.Duration(heldNs), mt.lockerGID, time.Duration(limit))
	}
	mt.lockTimeNs = 0
}

// Mutex wraps sync.Mutex to add tracking of lock hold time.
type Mutex struct {
	wrappedMutex sync.Mutex
	tracker      mutexTrack
}

func (m *Mutex) Lock() {
	m.wrappedMutex.Lock()
	m.tracker.lockTrack()
}

func (m *Mutex) Unlock() {
	m.tracker.unlockTrack("Mutex")
	m.wrappedMutex.Unlock()
}

// RWMutex wraps sync.RWMutex to add tracking of lock hold time. Only
// exclusive (writer) holds are tracked; reader holds are too numerous and
// too brief to be worth the bookkeeping.
type RWMutex struct {
	wrappedRWMutex sync.RWMutex
	tracker        mutexTrack
}

func (m *RWMutex) Lock() {
	m.wrappedRWMutex.Lock()
	m.tracker.lockTrack()
}

func (m *RWMutex) Unlock() {
	m.tracker.unlockTrack("RWMutex")
	m.wrappedRWMutex.Unlock()
}

func (m *RWMutex) RLock() {
	m.wrappedRWMutex.RLock()
}

func (m *RWMutex) RUnlock() {
	m.wrappedRWMutex.RUnlock()
}
