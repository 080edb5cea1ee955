// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"sync/atomic"

	"github.com/NVIDIA/pagecache/blockio"
	"github.com/NVIDIA/pagecache/trackedlock"
)

// A Shrinkable cache can be asked to give page frames back when the shared
// pool runs short.
type Shrinkable interface {
	ShrinkPages(npages int) int
}

// MemoryManager owns the page frame budget shared by every cell of the
// caches registered with it. Eviction of page contents happens inside
// cells; the manager only allocates frames and bounds the working set.
type MemoryManager struct {
	maxPages       int64
	allocatedPages int64 // atomic
	mutex          trackedlock.Mutex
	caches         []Shrinkable
}

func NewMemoryManager(maxSize int64) (manager *MemoryManager) {
	maxPages := maxSize / blockio.PageSize
	if maxPages < CellSize {
		maxPages = CellSize
	}
	manager = &MemoryManager{maxPages: maxPages}
	return
}

func (manager *MemoryManager) MaxSize() int64 {
	return manager.maxPages * blockio.PageSize
}

func (manager *MemoryManager) AllocatedPages() int64 {
	return atomic.LoadInt64(&manager.allocatedPages)
}

func (manager *MemoryManager) RegisterCache(cache Shrinkable) {
	manager.mutex.Lock()
	manager.caches = append(manager.caches, cache)
	manager.mutex.Unlock()
}

func (manager *MemoryManager) UnregisterCache(cache Shrinkable) {
	manager.mutex.Lock()
	for i, registered := range manager.caches {
		if registered == cache {
			manager.caches = append(manager.caches[:i], manager.caches[i+1:]...)
			break
		}
	}
	manager.mutex.Unlock()
}

// AverageCacheSize returns the fair share of the pool per registered cache,
// in bytes; a cache below this threshold is allowed to grow.
func (manager *MemoryManager) AverageCacheSize() int64 {
	manager.mutex.Lock()
	numCaches := len(manager.caches)
	manager.mutex.Unlock()
	if numCaches < 1 {
		numCaches = 1
	}
	return manager.MaxSize() / int64(numCaches)
}

// GetFreePages allocates npages page frames for the calling cache. On
// shortage it asks the registered caches (the caller first) to shrink;
// if nothing can be reclaimed it fails rather than overcommit.
func (manager *MemoryManager) GetFreePages(npages int, caller Shrinkable) (frames [][]byte, ok bool) {
	for {
		allocated := atomic.LoadInt64(&manager.allocatedPages)
		if allocated+int64(npages) <= manager.maxPages {
			if !atomic.CompareAndSwapInt64(&manager.allocatedPages, allocated, allocated+int64(npages)) {
				continue
			}
			frames = make([][]byte, npages)
			for i := range frames {
				frames[i] = make([]byte, blockio.PageSize)
			}
			ok = true
			return
		}

		reclaimed := manager.shrinkCaches(npages, caller)
		if 0 == reclaimed {
			ok = false
			return
		}
		atomic.AddInt64(&manager.allocatedPages, -int64(reclaimed))
	}
}

func (manager *MemoryManager) shrinkCaches(npages int, caller Shrinkable) (reclaimed int) {
	manager.mutex.Lock()
	caches := make([]Shrinkable, len(manager.caches))
	copy(caches, manager.caches)
	manager.mutex.Unlock()

	if nil != caller {
		reclaimed += caller.ShrinkPages(npages)
	}
	for _, cache := range caches {
		if reclaimed >= npages {
			break
		}
		if cache == caller {
			continue
		}
		reclaimed += cache.ShrinkPages(npages - reclaimed)
	}
	return
}

// ReleasePages returns frame budget to the pool at cache teardown.
func (manager *MemoryManager) ReleasePages(npages int64) {
	atomic.AddInt64(&manager.allocatedPages, -npages)
}
