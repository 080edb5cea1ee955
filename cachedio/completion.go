// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachedio

import (
	"github.com/NVIDIA/pagecache/blockio"
	"github.com/NVIDIA/pagecache/cache"
	"github.com/NVIDIA/pagecache/logger"
)

// notifyCompletion delivers a finished request to the callback registered
// on the IO it was submitted to.
func (gio *CachedIO) notifyCompletion(req *blockio.Request) {
	io := req.IO()
	if (nil != io) && (nil != io.GetCallback()) {
		io.GetCallback().Invoke([]*blockio.Request{req})
	}
}

func (gio *CachedIO) notifyCompletionAll(requests []*blockio.Request) {
	for _, req := range requests {
		gio.notifyCompletion(req)
	}
}

// finalizePartialRequest credits a completed portion against its original.
// When the last byte lands, the original's submitter is woken (sync) or its
// callback invoked (async), and the original is freed once no completion
// path still references it.
func (gio *CachedIO) finalizePartialRequest(partial *blockio.Request, orig *blockio.Request) {
	orig.IncCompleteCount()
	if orig.CompleteSize(partial.Size()) {
		// The IO that issued the original handles its completion; with
		// stacked front-ends it need not be this one.
		io, ok := orig.IO().(*CachedIO)
		if !ok {
			io = gio
		}
		if orig.IsSync() {
			io.wakeupOnReq(orig, blockio.StatusOK)
		} else {
			io.notifyCompletion(orig)
		}
		orig.DecCompleteCount()
		orig.WaitForUnref()
		io.freeRequest(orig)
	} else {
		orig.DecCompleteCount()
	}
}

// finalizeRequest ends the processing of a request: partials credit their
// original, whole requests notify or wake their submitter directly. The
// caller owns freeing a non-partial request.
func (gio *CachedIO) finalizeRequest(req *blockio.Request) {
	if req.IsPartial() {
		orig := req.Orig()
		if nil == orig {
			logger.Panicf("finalizeRequest: partial request without an original")
		}
		if nil != orig.Orig() {
			logger.Panicf("finalizeRequest: original request has an original itself")
		}
		gio.finalizePartialRequest(req, orig)
		return
	}

	io, ok := req.IO().(*CachedIO)
	if !ok {
		io = gio
	}
	if req.IsSync() {
		io.wakeupOnReq(req, blockio.StatusOK)
	} else {
		io.notifyCompletion(req)
	}
}

// accessPageCallback receives completions from the underlying IO and routes
// them: flush-engine writes carry no original; everything else updates page
// state, replays pending chains, and credits originals.
type accessPageCallback struct {
	cachedIO *CachedIO
}

func (cb *accessPageCallback) Invoke(requests []*blockio.Request) {
	gio := cb.cachedIO
	for _, request := range requests {
		// No original: issued by the flush engine.
		if nil == request.Orig() {
			gio.cache.FlushCallback(request)
			continue
		}

		if request.NumBufs() > 1 {
			gio.multibufInvoke(request)
			continue
		}

		gio.singlebufInvoke(request)
	}
}

// singlebufInvoke completes a one-page underlying request: a page read
// (possibly a read-fill for a partial write) or an unmerged old-dirty
// write-back.
func (gio *CachedIO) singlebufInvoke(request *blockio.Request) {
	p := request.Priv().(*cache.Page)
	if request.Size() > blockio.PageSize {
		logger.Panicf("single-buffer completion of %d bytes", request.Size())
	}

	p.Lock()
	if blockio.ReadAccess == request.AccessMethod() {
		p.SetDataReady(true)
	} else {
		// The old dirty contents of an evicted page reached the device.
		p.SetOldDirty(false)
	}
	p.SetIOPending(false)
	pendingChain := p.ResetReqs()
	dataReady := p.DataReady()
	p.Unlock()

	if dataReady {
		// Ready data stays ready while we hold a reference: the only
		// transition to unready happens at eviction, and a referenced page
		// cannot be evicted.
		orig := request.Orig()
		dirtied := completeReq(orig, p)
		if nil != dirtied {
			gio.cache.MarkDirtyPages([]*cache.Page{dirtied})
		}
		var partial blockio.Request
		blockio.ExtractPages(orig, request.Offset(), 1, &partial)
		gio.finalizePartialRequest(&partial, orig)

		for req := pendingChain; nil != req; {
			// Pages with I/O pending never get multi-buffer requests, so
			// everything queued here is single-buffer.
			next := req.NextReq()
			req.SetNextReq(nil)
			dirtied := completeReq(req, p)
			if nil != dirtied {
				gio.cache.MarkDirtyPages([]*cache.Page{dirtied})
			}
			gio.finalizeRequest(req)
			gio.freeRequest(req)
			req = next
		}
	} else {
		// An old-dirty write-back finished but the page's new contents
		// haven't been read yet. Requeue the waiting request (and anything
		// queued behind the page) for the next Access pass.
		orig := request.Orig()
		orig.SetNextReq(pendingChain)
		orig.SetPriv(p)
		gio.queueRequests([]*blockio.Request{orig})
	}
}

// multibufInvoke completes a multi-page underlying request. The pages of
// the request are sorted by offset.
func (gio *CachedIO) multibufInvoke(request *blockio.Request) {
	var (
		dirtyPages []*cache.Page
		numBufs    = request.NumBufs()
		orig       = request.Orig()
	)

	if orig.NumBufs() != 1 {
		logger.Panicf("multibuf completion: original carries %d buffers", orig.NumBufs())
	}

	pendingChains := make([]*blockio.Request, numBufs)
	pages := make([]*cache.Page, numBufs)

	for i := 0; i < numBufs; i++ {
		p := request.GetPage(i).(*cache.Page)
		pages[i] = p
		p.Lock()
		if !p.IsIOPending() {
			logger.Errorf("multibuf completion: page at offset %d not io-pending", p.Offset())
		}
		if blockio.ReadAccess == request.AccessMethod() {
			p.SetDataReady(true)
		} else {
			p.SetDirty(false)
			p.SetOldDirty(false)
		}
		p.SetIOPending(false)
		pendingChains[i] = p.ResetReqs()
		if blockio.ReadAccess == request.AccessMethod() {
			dirtied := completeReqUnlocked(orig, p)
			if nil != dirtied {
				dirtyPages = append(dirtyPages, dirtied)
			}
		} else {
			// Pages pulled in by write merging carry a reference from the
			// cache search that found them; the anchor page's reference
			// belongs to the request waiting in orig.
			if p != request.Priv().(*cache.Page) {
				p.DecRef()
			}
		}
		p.Unlock()
	}

	if blockio.ReadAccess == request.AccessMethod() {
		var partial blockio.Request
		blockio.ExtractPages(orig, request.Offset(), numBufs, &partial)
		gio.finalizePartialRequest(&partial, orig)

		// Serve everything that queued up behind the pages while the read
		// was in flight; all of it is single-buffer.
		for i := 0; i < numBufs; i++ {
			for req := pendingChains[i]; nil != req; {
				next := req.NextReq()
				req.SetNextReq(nil)
				dirtied := completeReq(req, pages[i])
				if nil != dirtied {
					dirtyPages = append(dirtyPages, dirtied)
				}
				gio.finalizeRequest(req)
				gio.freeRequest(req)
				req = next
			}
		}
		gio.cache.MarkDirtyPages(dirtyPages)
	} else {
		// A merged old-dirty write-back finished. The waiting request and
		// everything queued behind the pages can't be applied on the
		// completion thread, so requeue it all for the next Access pass.
		requeue := []*blockio.Request{orig}
		for i := 0; i < numBufs; i++ {
			if nil != pendingChains[i] {
				requeue = append(requeue, pendingChains[i])
			}
		}
		gio.queueRequests(requeue)
	}
}
