// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"sync"

	"github.com/google/btree"

	"github.com/NVIDIA/pagecache/blockio"
	"github.com/NVIDIA/pagecache/logger"
	"github.com/NVIDIA/pagecache/platform"
)

const (
	// DefaultDirtyPagesThreshold is the dirty-page count past which a cell
	// is queued for write-back.
	DefaultDirtyPagesThreshold = 1

	// DefaultMaxDirtyCellsInQueue bounds the flush queue; cells that don't
	// fit stay dirty and are re-queued on a later marking.
	DefaultMaxDirtyCellsInQueue = 256
)

// dirtyPageItem orders a cell's dirty pages by offset for neighbor merging.
type dirtyPageItem struct {
	p      *Page
	offset int64
}

func (item *dirtyPageItem) Less(than btree.Item) bool {
	return item.offset < than.(*dirtyPageItem).offset
}

// FlushEngine is the background write-back worker of one cache. Cells whose
// dirty-page count crosses the threshold are queued here; the worker
// gathers their dirty pages, merges each write forward and backward with
// neighbor cells' dirty pages within one RAID block, and dispatches large
// multi-buffer writes.
type FlushEngine struct {
	cache               *AssociativeCache
	io                  blockio.IO
	dirtyCells          chan *cell
	activateChan        chan struct{}
	closeChan           chan struct{}
	doneWG              sync.WaitGroup
	dirtyPagesThreshold int
	raidBlockBytes      int64
}

func newFlushEngine(cache *AssociativeCache, io blockio.IO, dirtyPagesThreshold int,
	maxDirtyCellsInQueue int, raidBlockBytes int64) (flusher *FlushEngine) {

	if dirtyPagesThreshold < 1 {
		dirtyPagesThreshold = DefaultDirtyPagesThreshold
	}
	if maxDirtyCellsInQueue < 1 {
		maxDirtyCellsInQueue = DefaultMaxDirtyCellsInQueue
	}

	flusher = &FlushEngine{
		cache:               cache,
		io:                  io,
		dirtyCells:          make(chan *cell, maxDirtyCellsInQueue),
		activateChan:        make(chan struct{}, 1),
		closeChan:           make(chan struct{}),
		dirtyPagesThreshold: dirtyPagesThreshold,
		raidBlockBytes:      raidBlockBytes,
	}

	flusher.doneWG.Add(1)
	go flusher.run()
	return
}

// Down stops the worker after it drains the queued cells.
func (flusher *FlushEngine) Down() {
	close(flusher.closeChan)
	flusher.doneWG.Wait()
}

func (flusher *FlushEngine) run() {
	defer flusher.doneWG.Done()

	err := platform.BindToNode(flusher.cache.nodeID)
	if nil != err {
		logger.WarnfWithError(err, "flush worker could not bind to node %d", flusher.cache.nodeID)
	}

	for {
		select {
		case <-flusher.activateChan:
			flusher.drain()
		case <-flusher.closeChan:
			flusher.drain()
			return
		}
	}
}

func (flusher *FlushEngine) drain() {
	for {
		select {
		case c := <-flusher.dirtyCells:
			flusher.flushCell(c)
			flusher.cache.stats.FlushedCells.Increment()
		default:
			return
		}
	}
}

// DirtyPages inspects the cells of freshly dirtied pages and queues those
// crossing the dirty threshold. Called from completion paths; must not
// block.
func (flusher *FlushEngine) DirtyPages(pages []*Page) {
	queued := false
	for _, p := range pages {
		c := flusher.cache.getCellOffset(p.Offset())
		if c.isInQueue() {
			continue
		}
		// Dirty pages already under write-back don't count toward the
		// threshold.
		n := c.numPages(pageDirtyBit, pageIOPendingBit)
		if (n >= flusher.dirtyPagesThreshold) && !c.setInQueue(true) {
			select {
			case flusher.dirtyCells <- c:
				queued = true
			default:
				// Queue full; the cell stays dirty and will be offered
				// again on the next marking.
				c.setInQueue(false)
			}
		}
	}
	if queued {
		select {
		case flusher.activateChan <- struct{}{}:
		default:
		}
	}
}

// flushCell gathers the cell's dirty pages into per-page write requests,
// extends them through neighbor cells, and submits everything that merged.
func (flusher *FlushEngine) flushCell(c *cell) {
	dirtyPages := btree.New(2)
	c.getDirtyPages(dirtyPages)

	var requests []*blockio.Request
	dirtyPages.Ascend(func(item btree.Item) bool {
		p := item.(*dirtyPageItem).p
		p.Lock()
		if !p.IsIOPending() {
			req := &blockio.Request{}
			req.InitMultibuf(blockio.WriteAccess, flusher.io, p.NodeID(), nil)
			req.SetOffset(p.Offset())
			req.AddPage(p)
			req.SetPriv(p)
			p.SetIOPending(true)
			requests = append(requests, req)
		} else {
			// The page is being written back already; just let go of it.
			p.DecRef()
		}
		p.Unlock()
		return true
	})

	// Forward merge: walk the logical neighbors above, extending each
	// still-open request into the neighbor's dirty page at its end.
	var forwardComplete []*blockio.Request
	currCell := c
	for len(requests) > 0 {
		nextCell := flusher.cache.GetNextCell(currCell)
		if nil == nextCell {
			break
		}
		neighborPages := btree.New(2)
		nextCell.getDirtyPages(neighborPages)
		requests = flusher.mergePagesToReqs(requests, neighborPages, true, &forwardComplete)
		currCell = nextCell
	}
	forwardComplete = append(forwardComplete, requests...)

	// Backward merge: symmetric, extending the head downward.
	var complete []*blockio.Request
	currCell = c
	for len(forwardComplete) > 0 {
		prevCell := flusher.cache.GetPrevCell(currCell)
		if nil == prevCell {
			break
		}
		neighborPages := btree.New(2)
		prevCell.getDirtyPages(neighborPages)
		forwardComplete = flusher.mergePagesToReqs(forwardComplete, neighborPages, false, &complete)
		currCell = prevCell
	}
	complete = append(complete, forwardComplete...)

	flusher.writeRequests(complete)
	c.setInQueue(false)
}

// mergePagesToReqs tries to extend each open request by one neighbor page:
// forward at req.end, backward at req.begin - PageSize, never across a RAID
// block boundary. A neighbor page is consumed if it is clean to take
// (ready, not old-dirty, not io-pending); a request that cannot extend is
// closed onto complete. Pages left unconsumed are released.
func (flusher *FlushEngine) mergePagesToReqs(requests []*blockio.Request,
	neighborPages *btree.BTree, forward bool,
	complete *[]*blockio.Request) (remaining []*blockio.Request) {

	for _, req := range requests {
		var targetOff int64
		if forward {
			targetOff = req.Offset() + req.Size()
		} else {
			targetOff = req.Offset() - blockio.PageSize
		}

		extended := false
		if (targetOff >= 0) &&
			(blockio.Round(targetOff, flusher.raidBlockBytes) ==
				blockio.Round(req.Offset(), flusher.raidBlockBytes)) {
			item := neighborPages.Get(&dirtyPageItem{offset: targetOff})
			if nil != item {
				neighborPages.Delete(item)
				p := item.(*dirtyPageItem).p
				p.Lock()
				if !p.IsIOPending() {
					if forward {
						req.AddPage(p)
					} else {
						req.AddPageFront(p)
						req.SetOffset(p.Offset())
					}
					p.SetIOPending(true)
					extended = true
				} else {
					// Already being written back; the request stops here.
					p.DecRef()
				}
				p.Unlock()
			}
		}

		if extended {
			remaining = append(remaining, req)
		} else {
			*complete = append(*complete, req)
		}
	}

	// Release the neighbor pages nothing merged with.
	neighborPages.Ascend(func(item btree.Item) bool {
		item.(*dirtyPageItem).p.DecRef()
		return true
	})
	return
}

// writeRequests submits the merged writes. A request that never grew past
// its anchor page is discarded: its io-pending bit is cleared and its dirty
// bit left alone, so the page is simply re-queued later.
func (flusher *FlushEngine) writeRequests(requests []*blockio.Request) {
	for _, req := range requests {
		if req.NumBufs() > 1 {
			flusher.cache.stats.MergedWritePages.Add(uint64(req.NumBufs()))
			flusher.io.Access([]*blockio.Request{req}, nil)
		} else {
			p := req.Priv().(*Page)
			p.Lock()
			p.SetIOPending(false)
			p.DecRef()
			p.Unlock()
		}
	}
}

// RequestCallback finishes a flush write: dirty and io-pending bits drop
// page by page, and the references taken when the pages were gathered are
// released. Multi-buffer completions re-find their pages through the cache
// by offset.
func (flusher *FlushEngine) RequestCallback(req *blockio.Request) {
	if 1 == req.NumBufs() {
		p := req.Priv().(*Page)
		p.Lock()
		p.SetDirty(false)
		p.SetIOPending(false)
		p.DecRef()
		p.Unlock()
		return
	}

	off := req.Offset()
	for i := 0; i < req.NumBufs(); i++ {
		p := flusher.cache.Search(off)
		if nil == p {
			logger.Errorf("flush completion: page at offset %d vanished", off)
			off += blockio.PageSize
			continue
		}
		p.Lock()
		p.SetDirty(false)
		p.SetIOPending(false)
		// Once for the Search just above, once for the gather.
		p.DecRef()
		p.DecRef()
		p.Unlock()
		off += blockio.PageSize
	}
}
