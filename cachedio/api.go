// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package cachedio implements the cached I/O front-end: it decomposes user
// requests into page accesses against the shared associative cache, issues
// merged multi-page reads for misses, serializes partial-page writes behind
// synthetic read-fills, and writes back evicted dirty pages merged with
// their neighbors.
//
// There are three kinds of requests flowing through here:
//
//   original request:   a heap copy of a request passed to Access(); made
//                       lazily because the caller's request may live on its
//                       stack.
//   partial request:    part of an original covering at most one page,
//                       created when a page is busy (old-dirty or with a
//                       read in flight) and the original spans several.
//   underlying request: what actually goes to the device layer; the only
//                       kind that carries multiple buffers.
//
// A CachedIO is itself a blockio.IO, so callers submit requests to it the
// way they would to the raw device layer.
package cachedio

import (
	"sync"

	"github.com/NVIDIA/pagecache/blockio"
	"github.com/NVIDIA/pagecache/bucketstats"
	"github.com/NVIDIA/pagecache/cache"
	"github.com/NVIDIA/pagecache/logger"
	"github.com/NVIDIA/pagecache/trackedlock"
)

type cachedIOStatsGroup struct {
	Accesses        bucketstats.Total
	PagesHit        bucketstats.Total
	PagesMissed     bucketstats.Total
	FastProcessed   bucketstats.Total
	PendingHandled  bucketstats.Total
	SyncWaits       bucketstats.Total
	DirtyWritebacks bucketstats.Total
}

// CachedIO wraps an underlying blockio.IO with the shared page cache. One
// instance is intended per submitting thread; instances share the cache.
type CachedIO struct {
	underlying     blockio.IO
	cache          *cache.AssociativeCache
	nodeID         int
	raidBlockBytes int64
	writable       bool
	testHitRate    int
	numAccesses    uint64 // atomic; drives the synthetic hit-rate knob

	callback blockio.Callback // the user's completion callback

	pendingMutex trackedlock.Mutex
	pending      []*blockio.Request

	statsName string
	stats     cachedIOStatsGroup
}

// requestPool recycles original and partial request objects; underlying
// requests are allocated fresh and left to the garbage collector once their
// completion has run.
var requestPool = sync.Pool{
	New: func() interface{} {
		return &blockio.Request{}
	},
}

func (gio *CachedIO) allocRequest() *blockio.Request {
	return requestPool.Get().(*blockio.Request)
}

func (gio *CachedIO) freeRequest(req *blockio.Request) {
	// A sync original may still be polled by its blocked submitter; leave
	// it to the garbage collector rather than recycle it under the waiter.
	if req.IsSync() {
		return
	}
	*req = blockio.Request{}
	requestPool.Put(req)
}

// NewCachedIO builds a front-end over underlying backed by the passed
// cache. The underlying IO's callback is claimed by the front-end; user
// callbacks are registered on the CachedIO itself.
func NewCachedIO(underlying blockio.IO, pageCache *cache.AssociativeCache,
	raidBlockBytes int64, writable bool, testHitRate int) (gio *CachedIO) {

	gio = &CachedIO{
		underlying:     underlying,
		cache:          pageCache,
		nodeID:         underlying.GetNodeID(),
		raidBlockBytes: raidBlockBytes,
		writable:       writable,
		testHitRate:    testHitRate,
		statsName:      pageCache.StatsName(),
	}
	underlying.SetCallback(&accessPageCallback{cachedIO: gio})
	bucketstats.Register("cachedio", gio.statsName, &gio.stats)
	return
}

// Down detaches the front-end and unregisters its stats.
func (gio *CachedIO) Down() {
	bucketstats.UnRegister("cachedio", gio.statsName)
}

//
// blockio.IO interface
//

func (gio *CachedIO) SetCallback(callback blockio.Callback) {
	gio.callback = callback
}

func (gio *CachedIO) GetCallback() blockio.Callback {
	return gio.callback
}

func (gio *CachedIO) FlushRequests() {
	gio.underlying.FlushRequests()
}

func (gio *CachedIO) GetNodeID() int {
	return gio.nodeID
}

func (gio *CachedIO) GetFileID() uint64 {
	return gio.underlying.GetFileID()
}

// Cache exposes the shared cache (for stats dumps and tests).
func (gio *CachedIO) Cache() *cache.AssociativeCache {
	return gio.cache
}

// queueRequests parks request chains whose pages are mid-transition; they
// are replayed at the top of the next Access call.
func (gio *CachedIO) queueRequests(requests []*blockio.Request) {
	gio.pendingMutex.Lock()
	gio.pending = append(gio.pending, requests...)
	gio.pendingMutex.Unlock()
}

// HandlePendingRequests replays queued per-page requests; their pages are
// in a well-defined state by the time they are popped. It is drained at the
// top of every Access call and may be invoked directly by callers that want
// queued writes to make progress without submitting new work.
func (gio *CachedIO) HandlePendingRequests() (tot int) {
	var dirtyPages []*cache.Page

	for {
		gio.pendingMutex.Lock()
		requests := gio.pending
		gio.pending = nil
		gio.pendingMutex.Unlock()
		if 0 == len(requests) {
			break
		}

		for _, req := range requests {
			// The chain head and everything behind it target one page.
			p := req.Priv().(*cache.Page)
			if p.IsOldDirty() {
				logger.Errorf("pending request at offset %d targets old-dirty page %d",
					req.Offset(), p.Offset())
			}
			for nil != req {
				next := req.NextReq()
				req.SetNextReq(nil)
				if blockio.WriteAccess == req.AccessMethod() {
					gio.writeToPage(req, p, &dirtyPages)
				} else {
					gio.readFromPage(req, p)
				}
				req = next
				tot++
			}
		}
	}

	// Dirty pages are unusual here; they only appear when a queued write
	// happened to overwrite its entire page.
	gio.cache.MarkDirtyPages(dirtyPages)
	if tot > 0 {
		gio.stats.PendingHandled.Add(uint64(tot))
	}
	return
}
