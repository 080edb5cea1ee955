// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"runtime"
	"sync/atomic"

	"github.com/NVIDIA/pagecache/blockio"
)

// Page state bits. The lock bit makes the flags word double as a spinlock
// guarding compound state transitions and the pending-request chain.
const (
	pageLockBit      uint32 = 1 << 0
	pageDataReadyBit uint32 = 1 << 1
	pageDirtyBit     uint32 = 1 << 2
	pageIOPendingBit uint32 = 1 << 3
	pageOldDirtyBit  uint32 = 1 << 4
)

const maxPageHits = 255

// Page is one PageSize frame of the cache. A page belongs to exactly one
// cell; ownership moves between cells only during rehash. While the
// reference count is nonzero the page may not be evicted.
//
// The offset is reassigned under the owning cell's lock so that a page is
// visible under its new identity as soon as the cell lock drops, even while
// its data is not yet ready.
type Page struct {
	offset int64  // atomic; PageInvalidOffset until first use
	fileID uint64 // atomic; identity of the backing file
	flags  uint32 // atomic
	refcnt int32  // atomic
	hits   uint32 // atomic; saturates at maxPageHits
	nodeID int32
	data   []byte
	reqs   *blockio.Request // pending chain; guarded by the page lock
}

func (p *Page) init(data []byte, nodeID int) {
	p.offset = blockio.PageInvalidOffset
	p.data = data
	p.nodeID = int32(nodeID)
}

// Lock acquires the page spinlock. Holders only execute short in-memory
// sections, so spinning is cheaper than parking.
func (p *Page) Lock() {
	for {
		old := atomic.LoadUint32(&p.flags)
		if (0 == old&pageLockBit) &&
			atomic.CompareAndSwapUint32(&p.flags, old, old|pageLockBit) {
			return
		}
		runtime.Gosched()
	}
}

func (p *Page) Unlock() {
	for {
		old := atomic.LoadUint32(&p.flags)
		if atomic.CompareAndSwapUint32(&p.flags, old, old&^pageLockBit) {
			return
		}
	}
}

func (p *Page) setFlag(bit uint32, value bool) (was bool) {
	for {
		old := atomic.LoadUint32(&p.flags)
		var updated uint32
		if value {
			updated = old | bit
		} else {
			updated = old &^ bit
		}
		if atomic.CompareAndSwapUint32(&p.flags, old, updated) {
			return 0 != old&bit
		}
	}
}

func (p *Page) testFlag(bit uint32) bool {
	return 0 != atomic.LoadUint32(&p.flags)&bit
}

// TestFlags returns true if every bit of setMask is set and every bit of
// clearMask is clear.
func (p *Page) TestFlags(setMask uint32, clearMask uint32) bool {
	flags := atomic.LoadUint32(&p.flags)
	return (flags&setMask == setMask) && (0 == flags&clearMask)
}

func (p *Page) SetDataReady(ready bool) (was bool) {
	return p.setFlag(pageDataReadyBit, ready)
}

func (p *Page) DataReady() bool {
	return p.testFlag(pageDataReadyBit)
}

// SetDirty returns the prior dirty state so callers can detect the first
// dirtying of a page.
func (p *Page) SetDirty(dirty bool) (was bool) {
	return p.setFlag(pageDirtyBit, dirty)
}

func (p *Page) IsDirty() bool {
	return p.testFlag(pageDirtyBit)
}

func (p *Page) SetIOPending(ioPending bool) (was bool) {
	return p.setFlag(pageIOPendingBit, ioPending)
}

func (p *Page) IsIOPending() bool {
	return p.testFlag(pageIOPendingBit)
}

func (p *Page) SetOldDirty(oldDirty bool) (was bool) {
	return p.setFlag(pageOldDirtyBit, oldDirty)
}

func (p *Page) IsOldDirty() bool {
	return p.testFlag(pageOldDirtyBit)
}

// Initialized reports whether the page has ever been assigned an offset.
func (p *Page) Initialized() bool {
	return blockio.PageInvalidOffset != atomic.LoadInt64(&p.offset)
}

func (p *Page) Offset() int64 {
	return atomic.LoadInt64(&p.offset)
}

func (p *Page) SetOffset(offset int64) {
	atomic.StoreInt64(&p.offset, offset)
}

func (p *Page) FileID() uint64 {
	return atomic.LoadUint64(&p.fileID)
}

func (p *Page) SetFileID(fileID uint64) {
	atomic.StoreUint64(&p.fileID, fileID)
}

func (p *Page) Data() []byte {
	return p.data
}

func (p *Page) NodeID() int {
	return int(p.nodeID)
}

func (p *Page) IncRef() {
	atomic.AddInt32(&p.refcnt, 1)
}

func (p *Page) DecRef() {
	atomic.AddInt32(&p.refcnt, -1)
}

func (p *Page) Ref() int {
	return int(atomic.LoadInt32(&p.refcnt))
}

// Hit bumps the saturating hit counter.
func (p *Page) Hit() {
	for {
		old := atomic.LoadUint32(&p.hits)
		if old >= maxPageHits {
			return
		}
		if atomic.CompareAndSwapUint32(&p.hits, old, old+1) {
			return
		}
	}
}

func (p *Page) Hits() int {
	return int(atomic.LoadUint32(&p.hits))
}

func (p *Page) SetHits(hits int) {
	atomic.StoreUint32(&p.hits, uint32(hits))
}

func (p *Page) ResetHits() {
	atomic.StoreUint32(&p.hits, 0)
}

// AddReq pushes a request onto the page's pending chain. The page lock must
// be held.
func (p *Page) AddReq(req *blockio.Request) {
	req.SetNextReq(p.reqs)
	p.reqs = req
}

// ResetReqs detaches and returns the pending chain. The page lock must be
// held.
func (p *Page) ResetReqs() (head *blockio.Request) {
	head = p.reqs
	p.reqs = nil
	return
}

// swapFrames exchanges the identities and frames of two pages; used only by
// rehash with both cell locks held and both reference counts zero.
func (p *Page) swapFrames(other *Page) {
	pOffset := atomic.LoadInt64(&p.offset)
	atomic.StoreInt64(&p.offset, atomic.LoadInt64(&other.offset))
	atomic.StoreInt64(&other.offset, pOffset)

	pFileID := atomic.LoadUint64(&p.fileID)
	atomic.StoreUint64(&p.fileID, atomic.LoadUint64(&other.fileID))
	atomic.StoreUint64(&other.fileID, pFileID)

	pHits := atomic.LoadUint32(&p.hits)
	atomic.StoreUint32(&p.hits, atomic.LoadUint32(&other.hits))
	atomic.StoreUint32(&other.hits, pHits)

	pFlags := atomic.LoadUint32(&p.flags) &^ pageLockBit
	otherFlags := atomic.LoadUint32(&other.flags) &^ pageLockBit
	atomic.StoreUint32(&p.flags, otherFlags)
	atomic.StoreUint32(&other.flags, pFlags)

	// Neither page is referenced and both cells are locked, so nobody can
	// be touching the frames or chains themselves.
	p.data, other.data = other.data, p.data
	p.reqs, other.reqs = other.reqs, p.reqs
	p.nodeID, other.nodeID = other.nodeID, p.nodeID
}
