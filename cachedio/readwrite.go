// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachedio

import (
	"github.com/NVIDIA/pagecache/blockio"
	"github.com/NVIDIA/pagecache/cache"
	"github.com/NVIDIA/pagecache/logger"
)

// completeReqGeneric copies between a request and its page: into the page
// for writes (marking it dirty), out of the page for reads. The request
// must fit in one page or be a multi-page original, in which case only the
// page's portion is copied. The page reference is dropped. Returns the page
// if the copy dirtied it for the first time.
func completeReqGeneric(req *blockio.Request, p *cache.Page, lock bool) (dirtied *cache.Page) {
	var (
		pageOff int64
		reqBuf  []byte
		reqSize int64
	)

	if req.Within1Page() {
		pageOff = req.Offset() - blockio.RoundPage(req.Offset())
		reqBuf = req.Buffer()
		reqSize = req.Size()
	} else {
		var extracted blockio.Request
		blockio.ExtractPages(req, p.Offset(), 1, &extracted)
		pageOff = extracted.Offset() - blockio.RoundPage(extracted.Offset())
		reqBuf = extracted.Buffer()
		reqSize = extracted.Size()
	}

	if lock {
		p.Lock()
	}
	if blockio.WriteAccess == req.AccessMethod() {
		copy(p.Data()[pageOff:pageOff+reqSize], reqBuf)
		if !p.SetDirty(true) {
			dirtied = p
		}
	} else {
		copy(reqBuf[:reqSize], p.Data()[pageOff:])
	}
	if lock {
		p.Unlock()
	}
	p.DecRef()
	return
}

func completeReq(req *blockio.Request, p *cache.Page) *cache.Page {
	return completeReqGeneric(req, p, true)
}

func completeReqUnlocked(req *blockio.Request, p *cache.Page) *cache.Page {
	return completeReqGeneric(req, p, false)
}

// writeToPage applies a write covering memory within one page. Under the
// page lock:
//   - page not ready, no I/O pending, write smaller than the page: a
//     synthetic full-page read-fill goes to the device; the write rides on
//     its completion.
//   - page not ready, no I/O pending, full-page write: overwrite in place
//     and finish; the one case where a page turns dirty without its data
//     having been ready.
//   - read-fill in flight: queue behind the page.
//   - ready: copy under the lock and finish.
//
// Returns the bytes completed synchronously.
func (gio *CachedIO) writeToPage(orig *blockio.Request, p *cache.Page,
	dirtyPages *[]*cache.Page) (ret int64) {

	p.Lock()
	if p.IsOldDirty() {
		logger.Errorf("writeToPage: page at offset %d is old-dirty", p.Offset())
	}
	if !p.DataReady() {
		if !p.IsIOPending() {
			if orig.Size() < blockio.PageSize {
				off := orig.Offset()
				realOrig := orig.Orig()
				if nil == realOrig {
					realOrig = orig
				} else {
					// orig was just a per-page partial; the read-fill
					// reports straight to the true original.
					gio.freeRequest(orig)
				}
				readReq := &blockio.Request{}
				readReq.Init(p.Data(), realOrig.FileID(), blockio.RoundPage(off),
					blockio.PageSize, blockio.ReadAccess, gio.underlying, p.NodeID())
				readReq.SetOrig(realOrig)
				readReq.SetPriv(p)
				p.SetIOPending(true)
				p.Unlock()

				var status [1]blockio.Status
				gio.underlying.Access([]*blockio.Request{readReq}, status[:])
				if blockio.StatusFail == status[0].Code {
					logger.Fatalf("read-fill at offset %d failed", blockio.RoundPage(off))
				}
			} else {
				// Full-page overwrite: no point reading what we are about
				// to replace.
				dirtied := completeReqUnlocked(orig, p)
				if nil != dirtied {
					*dirtyPages = append(*dirtyPages, dirtied)
				}
				p.SetDataReady(true)
				p.Unlock()
				ret = blockio.PageSize
				gio.finalizeRequest(orig)
				gio.freeRequest(orig)
			}
		} else {
			// A read-fill is in flight; it can't be a write, or the data
			// would already be ready.
			orig.SetPriv(p)
			p.AddReq(orig)
			p.Unlock()
		}
	} else {
		p.Unlock()
		dirtied := completeReq(orig, p)
		if nil != dirtied {
			*dirtyPages = append(*dirtyPages, dirtied)
		}
		ret = orig.Size()
		gio.finalizeRequest(orig)
		gio.freeRequest(orig)
	}
	return
}

// readFromPage serves a read covering memory within one page: issue the
// page read if nothing is pending, queue behind an in-flight read, or copy
// out when ready.
func (gio *CachedIO) readFromPage(orig *blockio.Request, p *cache.Page) (ret int64) {
	p.Lock()
	if !p.DataReady() {
		if !p.IsIOPending() {
			p.SetIOPending(true)

			readReq := &blockio.Request{}
			readReq.Init(p.Data(), orig.FileID(), p.Offset(), blockio.PageSize,
				blockio.ReadAccess, gio.underlying, p.NodeID())
			readReq.SetOrig(orig)
			readReq.SetPriv(p)
			p.Unlock()

			var status [1]blockio.Status
			gio.underlying.Access([]*blockio.Request{readReq}, status[:])
			if blockio.StatusFail == status[0].Code {
				logger.Fatalf("read at offset %d failed", p.Offset())
			}
		} else {
			orig.SetPriv(p)
			p.AddReq(orig)
			p.Unlock()
		}
	} else {
		p.Unlock()
		ret = orig.Size()
		completeReq(orig, p)
		gio.finalizeRequest(orig)
		gio.freeRequest(orig)
	}
	return
}

// readPages issues a multi-page read for a batch of pages sorted by offset.
// Locks are taken in ascending offset order, so multi-page lock acquisition
// cannot deadlock. A page with a read already in flight breaks the batch
// (submit what we have, queue a partial on that page); a ready page also
// breaks it (copy out immediately).
func (gio *CachedIO) readPages(req *blockio.Request, pages []*cache.Page,
	orig *blockio.Request) (ret int64) {

	if len(pages) > blockio.MaxNumIOVecs {
		logger.Panicf("readPages: batch of %d exceeds the iovec limit", len(pages))
	}
	if nil != orig.Orig() {
		logger.Panicf("readPages: original request has an original itself")
	}

	multibuf := &blockio.Request{}
	multibuf.InitMultibuf(blockio.ReadAccess, gio.underlying, gio.nodeID, orig)

	for _, p := range pages {
		for {
			p.Lock()
			if !p.DataReady() && !p.IsIOPending() {
				p.SetIOPending(true)
				if multibuf.IsEmpty() {
					multibuf.SetOffset(p.Offset())
				}
				multibuf.AddPage(p)
				multibuf.SetPriv(p)
				p.Unlock()
				break
			}

			if !p.DataReady() && p.IsIOPending() {
				if !multibuf.IsEmpty() {
					// Submit the run collected so far, then look at this
					// page again with a fresh request.
					p.Unlock()
					gio.underlying.Access([]*blockio.Request{multibuf}, nil)
					multibuf = &blockio.Request{}
					multibuf.InitMultibuf(blockio.ReadAccess, gio.underlying, gio.nodeID, orig)
					continue
				}
				// Queue a one-page partial behind the in-flight read.
				partialOrig := gio.allocRequest()
				blockio.ExtractPages(orig, p.Offset(), 1, partialOrig)
				partialOrig.SetPartial(true)
				partialOrig.SetOrig(orig)
				partialOrig.SetPriv(p)
				p.AddReq(partialOrig)
				p.Unlock()
				break
			}

			// Data ready: the batch still breaks, but this page completes
			// on the spot.
			p.Unlock()
			if !multibuf.IsEmpty() {
				gio.underlying.Access([]*blockio.Request{multibuf}, nil)
				multibuf = &blockio.Request{}
				multibuf.InitMultibuf(blockio.ReadAccess, gio.underlying, gio.nodeID, orig)
			}
			var completePartial blockio.Request
			blockio.ExtractPages(orig, p.Offset(), 1, &completePartial)
			ret += completePartial.Size()
			completeReq(&completePartial, p)
			gio.finalizePartialRequest(&completePartial, orig)
			break
		}
	}

	if !multibuf.IsEmpty() {
		gio.underlying.Access([]*blockio.Request{multibuf}, nil)
	}
	return
}

// writeDirtyPage anchors the write-back of an evicted dirty page at its old
// offset, merged with adjacent dirty pages within the same RAID block.
// orig is the request that evicted the page; it is queued on completion so
// its own access can proceed.
func (gio *CachedIO) writeDirtyPage(p *cache.Page, off int64, orig *blockio.Request) {
	p.Lock()
	if p.IsIOPending() {
		logger.Panicf("writeDirtyPage: page at old offset %d already has I/O pending", off)
	}
	p.SetIOPending(true)
	req := &blockio.Request{}
	req.InitMultibuf(blockio.WriteAccess, gio.underlying, p.NodeID(), orig)
	req.SetOffset(off)
	req.AddPage(p)
	req.SetPriv(p)
	p.Unlock()

	gio.mergePagesToReq(req)

	var status [1]blockio.Status
	gio.underlying.Access([]*blockio.Request{req}, status[:])
	if blockio.StatusFail == status[0].Code {
		logger.Fatalf("write-back at offset %d failed", off)
	}
}

// mergePagesToReq extends a write-back forward then backward with adjacent
// dirty pages found in the cache, within one RAID block. Pages are locked
// one at a time in the direction of travel; backward extension rebases the
// request offset.
func (gio *CachedIO) mergePagesToReq(req *blockio.Request) {
	var (
		off         = req.Offset()
		blockOff    = blockio.Round(off, gio.raidBlockBytes)
		blockEndOff = blockOff + gio.raidBlockBytes
	)

	forwardOff := off + blockio.PageSize
	for forwardOff < blockEndOff {
		p := gio.cache.Search(forwardOff)
		if nil == p {
			break
		}
		p.Lock()
		if !p.IsDirty() || p.IsIOPending() {
			p.DecRef()
			p.Unlock()
			break
		}
		p.SetIOPending(true)
		req.AddPage(p)
		p.Unlock()
		forwardOff += blockio.PageSize
	}

	if off < blockio.PageSize {
		return
	}
	backwardOff := off - blockio.PageSize
	for backwardOff >= blockOff {
		p := gio.cache.Search(backwardOff)
		if nil == p {
			break
		}
		p.Lock()
		if !p.IsDirty() || p.IsIOPending() {
			p.DecRef()
			p.Unlock()
			break
		}
		p.SetIOPending(true)
		req.AddPageFront(p)
		req.SetOffset(backwardOff)
		p.Unlock()
		if backwardOff < blockio.PageSize {
			break
		}
		backwardOff -= blockio.PageSize
	}
}
