// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachedio

import (
	"runtime"
	"sync/atomic"

	"github.com/NVIDIA/pagecache/blockio"
	"github.com/NVIDIA/pagecache/blunder"
	"github.com/NVIDIA/pagecache/cache"
	"github.com/NVIDIA/pagecache/logger"
)

// Access submits a batch of user requests. Each request covers
// [offset, offset+size) of the backing file. Any request whose pages are
// all present and ready completes before Access returns
// (status = StatusOK); the rest complete through the user callback and
// report StatusPending, carrying the heap original in Status.PrivData.
// Access never blocks on the device.
func (gio *CachedIO) Access(requests []*blockio.Request, status []blockio.Status) {
	gio.HandlePendingRequests()

	var (
		cachedPages []*cache.Page
		cachedReqs  []*blockio.Request
		dirtyPages  []*cache.Page
	)

	for i := range requests {
		var (
			offset        = requests[i].Offset()
			size          = requests[i].Size()
			beginPgOffset = blockio.RoundPage(offset)
			endPgOffset   = blockio.RoundUpPage(offset + size)
			numPages      = (endPgOffset - beginPgOffset) / blockio.PageSize
			orig          *blockio.Request
			pages         []*cache.Page
			numPagesHit   int64
			numBytesDone  int64
		)

		gio.stats.Accesses.Increment()

		if (blockio.WriteAccess == requests[i].AccessMethod()) && !gio.writable {
			logger.Panicf("write access to a read-only cached io")
		}

		for tmpOff := beginPgOffset; tmpOff < endPgOffset; tmpOff += blockio.PageSize {
			p, oldOff, hit := gio.cache.SearchEvict(tmpOff)
			p.SetFileID(gio.GetFileID())

			gio.forceTestHit(p, &oldOff, &hit)

			if hit {
				gio.stats.PagesHit.Increment()
				numPagesHit++
				// Cached single-page requests steal away from the normal
				// path: the copy happens at the end, no original is made.
				if requests[i].Within1Page() && p.DataReady() {
					cachedReqs = append(cachedReqs, requests[i])
					cachedPages = append(cachedPages, p)
					break
				}
			} else {
				gio.stats.PagesMissed.Increment()
			}

			// The caller's request may be on its stack; from here on we
			// need a copy that outlives this call.
			if nil == orig {
				orig = gio.allocRequest()
				orig.InitCopy(requests[i])
			}

			// The page was evicted while its prior dirty contents are
			// still unwritten. Exactly one thread learned the old offset
			// and owns the write-back; everyone else queues behind the
			// page until the write-back completes.
			if p.IsOldDirty() {
				// A multi-page read batch can't extend over this page;
				// issue what we have.
				if len(pages) > 0 {
					var req blockio.Request
					blockio.ExtractPages(orig, pages[0].Offset(), len(pages), &req)
					numBytesDone += gio.readPages(&req, pages, orig)
					pages = pages[:0]
				}

				var orig1 *blockio.Request
				if endPgOffset-beginPgOffset > blockio.PageSize {
					orig1 = gio.allocRequest()
					blockio.ExtractPages(orig, tmpOff, 1, orig1)
					orig1.SetOrig(orig)
					orig1.SetPriv(p)
					orig1.SetPartial(true)
				} else {
					orig1 = orig
					orig1.SetPriv(p)
				}

				if (oldOff != blockio.RoundPage(offset)) && (-1 != oldOff) {
					// This thread evicted the dirty page and got its old
					// offset; it alone writes the old contents back.
					gio.stats.DirtyWritebacks.Increment()
					gio.writeDirtyPage(p, oldOff, orig1)
					continue
				}
				// Another thread owns the write-back. Queue behind the
				// page, rechecking under its lock in case the write-back
				// finished in the meantime.
				p.Lock()
				if p.IsOldDirty() {
					p.AddReq(orig1)
					p.Unlock()
					continue
				}
				p.Unlock()
				if orig1 != orig {
					gio.freeRequest(orig1)
				}
			}

			if blockio.WriteAccess == orig.AccessMethod() {
				// Writes are always broken into single pages.
				var req blockio.Request
				blockio.ExtractPages(orig, tmpOff, 1, &req)

				if orig.Size() == req.Size() {
					numBytesDone += gio.writeToPage(orig, p, &dirtyPages)
				} else {
					partialOrig := gio.allocRequest()
					partialOrig.InitCopy(&req)
					partialOrig.SetOrig(orig)
					partialOrig.SetPartial(true)
					numBytesDone += gio.writeToPage(partialOrig, p, &dirtyPages)
				}
			} else {
				// Large accesses only pay off for reads: batch misses into
				// one multi-page request, splitting at the iovec limit and
				// at RAID block boundaries.
				pages = append(pages, p)
				if (len(pages) == blockio.MaxNumIOVecs) ||
					(0 == (pages[0].Offset()+blockio.PageSize*int64(len(pages)))%gio.raidBlockBytes) {
					var req blockio.Request
					blockio.ExtractPages(orig, pages[0].Offset(), len(pages), &req)
					numBytesDone += gio.readPages(&req, pages, orig)
					pages = pages[:0]
				}
			}
		}

		// Only a large read leaves a partial batch behind.
		if len(pages) > 0 {
			var req blockio.Request
			blockio.ExtractPages(orig, pages[0].Offset(), len(pages), &req)
			numBytesDone += gio.readPages(&req, pages, orig)
		}

		if nil != status {
			// A fast-path hit made no original and is done. The request
			// may also have completed entirely in the slow path: the
			// pages were ready when copied, or every byte was overwritten.
			// A hit on a page whose read is still in flight is pending.
			if ((numPagesHit == numPages) && (nil == orig)) || (numBytesDone == size) {
				status[i] = blockio.Status{Code: blockio.StatusOK}
			} else {
				status[i] = blockio.Status{Code: blockio.StatusPending, PrivData: orig}
			}
		}
	}

	gio.processCachedReqs(cachedReqs, cachedPages)
	gio.cache.MarkDirtyPages(dirtyPages)
}

// forceTestHit is the synthetic hit-rate knob ([PageCache]TestHitRate): the
// configured percentage of accesses has its page forced ready without
// device I/O. Testing only.
func (gio *CachedIO) forceTestHit(p *cache.Page, oldOff *int64, hit *bool) {
	if gio.testHitRate <= 0 {
		return
	}
	if atomic.AddUint64(&gio.numAccesses, 1)%100 < uint64(gio.testHitRate) {
		if !p.DataReady() {
			p.SetIOPending(false)
			p.SetDataReady(true)
			*oldOff = -1
			*hit = true
			if p.IsOldDirty() {
				p.SetDirty(false)
				p.SetOldDirty(false)
			}
		}
	}
}

// processCachedReqs finishes the requests the fast path stole: single-page,
// data ready. The copies happen here, after the main loop, so fast requests
// don't interleave with eviction work.
func (gio *CachedIO) processCachedReqs(cachedReqs []*blockio.Request, cachedPages []*cache.Page) {
	var asyncReqs []*blockio.Request

	if 0 == len(cachedReqs) {
		return
	}
	gio.stats.FastProcessed.Add(uint64(len(cachedReqs)))

	for i, req := range cachedReqs {
		dirty := completeReq(req, cachedPages[i])
		if nil != dirty {
			gio.cache.MarkDirtyPages([]*cache.Page{dirty})
		}
		// Sync requests need no notification; their submitter returns
		// the status directly.
		if !req.IsSync() {
			asyncReqs = append(asyncReqs, req)
		}
	}
	gio.notifyCompletionAll(asyncReqs)
}

// AccessBuf is the synchronous single-request form: it submits through
// Access and blocks until the completion path signals the original
// request.
func (gio *CachedIO) AccessBuf(buf []byte, offset int64, method blockio.AccessMethod) (err error) {
	var (
		req    blockio.Request
		status [1]blockio.Status
	)

	req.Init(buf, gio.GetFileID(), offset, int64(len(buf)), method, gio, gio.nodeID)
	req.SetSync(true)

	gio.Access([]*blockio.Request{&req}, status[:])
	gio.underlying.FlushRequests()

	if blockio.StatusPending == status[0].Code {
		orig := status[0].PrivData.(*blockio.Request)
		gio.waitForReq(orig)
	} else if blockio.StatusFail == status[0].Code {
		err = blunder.NewError(blunder.IOError, "%v at offset %d failed", method, offset)
		return
	}
	err = nil
	return
}

// Preload populates [start, start+size) as ready pages without touching the
// device. Testing and warm-up only.
func (gio *CachedIO) Preload(start int64, size int64) (err error) {
	if size > gio.cache.Size() {
		err = blunder.NewError(blunder.InvalidArgError,
			"can't preload %d bytes into a %d byte cache", size, gio.cache.Size())
		return
	}
	if blockio.RoundPage(start) != start {
		err = blunder.NewError(blunder.InvalidArgError,
			"preload start %d is not page aligned", start)
		return
	}

	for offset := start; offset < start+size; offset += blockio.PageSize {
		p, _, _ := gio.cache.SearchEvict(offset)
		if !p.DataReady() {
			p.SetIOPending(false)
			p.SetDataReady(true)
		}
		p.DecRef()
	}
	err = nil
	return
}

// waitForReq blocks until the completion path signals the original request.
// Between checks it replays the pending queue: a write waiting out an
// old-dirty write-back is requeued by the completion callback and only
// makes progress when someone drives the queue, which here is the waiter
// itself.
func (gio *CachedIO) waitForReq(orig *blockio.Request) {
	gio.stats.SyncWaits.Increment()
	for !orig.SyncCompleted() {
		gio.HandlePendingRequests()
		gio.underlying.FlushRequests()
		runtime.Gosched()
	}
}

// wakeupOnReq marks a sync original complete; its waiter polls for it. Sync
// originals are never returned to the request pool, so the waiter's pointer
// stays valid however the race with completion falls out.
func (gio *CachedIO) wakeupOnReq(orig *blockio.Request, code blockio.StatusCode) {
	orig.MarkSyncCompleted()
}
