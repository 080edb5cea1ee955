// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"runtime"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/NVIDIA/pagecache/blunder"
	"github.com/NVIDIA/pagecache/trackedlock"
)

const (
	cellOverflowFlag uint32 = 1 << 0
	cellInQueueFlag  uint32 = 1 << 1
)

// cell is one bucket of the associative cache: CellSize pages, a lock, and
// an eviction policy instance. The lock is held only across cell-local
// operations, never across underlying-I/O submission.
type cell struct {
	hash   int64
	table  *AssociativeCache
	lock   trackedlock.Mutex
	buf    pageBuffer
	policy evictionPolicy
	flags  uint32 // atomic
}

func newCell(table *AssociativeCache, hash int64, nodeID int) (c *cell, err error) {
	frames, ok := table.manager.GetFreePages(CellSize, table)
	if !ok {
		err = blunder.NewError(blunder.OutOfMemoryError,
			"no free pages for cell %d", hash)
		return
	}

	c = &cell{
		hash:   hash,
		table:  table,
		policy: newEvictionPolicy(table.policyType),
	}
	c.buf.setFrames(frames, nodeID)
	err = nil
	return
}

func (c *cell) isOverflow() bool {
	return 0 != atomic.LoadUint32(&c.flags)&cellOverflowFlag
}

func (c *cell) setOverflow() {
	for {
		old := atomic.LoadUint32(&c.flags)
		if atomic.CompareAndSwapUint32(&c.flags, old, old|cellOverflowFlag) {
			return
		}
	}
}

func (c *cell) clearOverflow() {
	for {
		old := atomic.LoadUint32(&c.flags)
		if atomic.CompareAndSwapUint32(&c.flags, old, old&^cellOverflowFlag) {
			return
		}
	}
}

func (c *cell) isInQueue() bool {
	return 0 != atomic.LoadUint32(&c.flags)&cellInQueueFlag
}

// setInQueue sets or clears the in-flush-queue flag and returns the prior
// state, so exactly one caller wins the right to enqueue the cell.
func (c *cell) setInQueue(inQueue bool) (was bool) {
	for {
		old := atomic.LoadUint32(&c.flags)
		var updated uint32
		if inQueue {
			updated = old | cellInQueueFlag
		} else {
			updated = old &^ cellInQueueFlag
		}
		if atomic.CompareAndSwapUint32(&c.flags, old, updated) {
			return 0 != old&cellInQueueFlag
		}
	}
}

// search is the hit-only fast path: it returns the referenced, hit-counted
// page holding offset, or nil.
func (c *cell) search(offset int64) (ret *Page) {
	c.lock.Lock()
	for i := 0; i < CellSize; i++ {
		if c.buf.getPage(i).Offset() == offset {
			ret = c.buf.getPage(i)
			break
		}
	}
	if nil != ret {
		if maxPageHits == ret.Hits() {
			c.buf.scaleDownHits()
		}
		ret.IncRef()
		ret.Hit()
	}
	c.lock.Unlock()
	return
}

// searchEvict returns the page holding offset, evicting a victim to make
// room on a miss. hit reports whether the page was already present. On a
// miss, oldOff carries the victim's prior offset (-1 if it never held one);
// the victim's new offset is assigned under the cell lock so other threads
// observe its new identity even before its data is ready. retry is set when
// a table expansion ran underneath us; the caller must restart the lookup
// with the cell lock NOT held.
func (c *cell) searchEvict(offset int64) (ret *Page, oldOff int64, hit bool, retry bool) {
	oldOff = -1

	c.lock.Lock()
	for i := 0; i < CellSize; i++ {
		if c.buf.getPage(i).Offset() == offset {
			ret = c.buf.getPage(i)
			break
		}
	}
	if nil == ret {
		ret, retry = c.getEmptyPage()
		if retry {
			// getEmptyPage released the cell lock before triggering the
			// expansion; the page may now live elsewhere.
			return
		}
		if ret.IsDirty() && !ret.IsOldDirty() {
			// The victim's prior contents are still unwritten; hand the
			// write-back obligation to whoever learns oldOff.
			ret.SetDirty(false)
			ret.SetOldDirty(true)
		}
		if ret.Initialized() {
			oldOff = ret.Offset()
		}
		ret.SetOffset(offset)
	} else {
		hit = true
		c.policy.accessPage(ret, &c.buf)
	}
	// The data in the page may not be ready yet; the caller handles that.
	ret.IncRef()
	if maxPageHits == ret.Hits() {
		c.buf.scaleDownHits()
	}
	ret.Hit()
	c.lock.Unlock()
	return
}

// getEmptyPage evicts a victim from the cell. Called with the cell lock
// held; returns with it held unless retry is true, in which case the lock
// has been released and the caller must restart its lookup.
func (c *cell) getEmptyPage() (ret *Page, retry bool) {
	expanded := false

	for {
		ret = c.policy.evictPage(&c.buf)
		if nil == ret {
			// Every page is referenced. Drop the lock so other threads can
			// still search the cell, wait for any reference to drain, and
			// try again.
			c.lock.Unlock()
			c.table.stats.AllReferencedWaits.Increment()
			allReferenced := true
			for allReferenced {
				for i := 0; i < CellSize; i++ {
					if 0 == c.buf.getPage(i).Ref() {
						allReferenced = false
						break
					}
				}
				if allReferenced {
					runtime.Gosched()
				}
			}
			c.lock.Lock()
			continue
		}

		if c.table.IsExpandable() && c.policy.expandBuffer(ret) {
			c.setOverflow()
			tableSize := c.table.Size()
			averageSize := c.table.manager.AverageCacheSize()
			if tableSize < averageSize && !expanded {
				c.lock.Unlock()
				if c.table.Expand(c) {
					retry = true
					return
				}
				c.lock.Lock()
				expanded = true
				continue
			}
		}

		return
	}
}

// rehash moves this cell's pages that now map to the expanded cell into it.
// Locks are taken in ascending hash order (this cell always hashes below
// the expanded one).
func (c *cell) rehash(expanded *cell) {
	c.lock.Lock()
	expanded.lock.Lock()
	j := 0
	for i := 0; i < CellSize; i++ {
		p := c.buf.getPage(i)
		if !p.Initialized() {
			continue
		}
		hash1 := c.table.hash1Next(p.Offset())
		if (hash1 != expanded.hash) && (hash1 != c.hash) {
			// The page was inserted under an older round and belongs to
			// neither cell. It won't be found again, so shorten its life.
			p.SetHits(1)
			continue
		}
		if hash1 == expanded.hash {
			if p.Ref() > 0 {
				// In use; we cannot move it. It stays behind under the
				// wrong hash and dies by the stale rule above.
				continue
			}
			expandedPage := expanded.buf.getPage(j)
			p.swapFrames(expandedPage)
			j++
		}
	}
	expanded.lock.Unlock()
	c.lock.Unlock()
	c.clearOverflow()
}

// getDirtyPages adds every dirty, non-io-pending page to the offset-ordered
// set with its reference count raised.
func (c *cell) getDirtyPages(pages *btree.BTree) {
	c.lock.Lock()
	for i := 0; i < CellSize; i++ {
		p := c.buf.getPage(i)
		// A referenced page can't be evicted, so it won't turn old-dirty
		// while the caller holds it. Skipping io-pending pages keeps pages
		// already being written back out of the flush batch.
		if p.IsDirty() && !p.IsIOPending() {
			p.IncRef()
			pages.ReplaceOrInsert(&dirtyPageItem{p: p, offset: p.Offset()})
		}
	}
	c.lock.Unlock()
}

// numPages counts pages whose flags include setMask and exclude clearMask.
func (c *cell) numPages(setMask uint32, clearMask uint32) (num int) {
	c.lock.Lock()
	for i := 0; i < CellSize; i++ {
		if c.buf.getPage(i).TestFlags(setMask, clearMask) {
			num++
		}
	}
	c.lock.Unlock()
	return
}
