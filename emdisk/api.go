// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package emdisk provides an in-memory emulation of the underlying
// asynchronous block device layer. Requests are executed by a worker
// goroutine bound to the device's NUMA node and completed through the
// registered callback, exactly as a real device layer would.
//
// It exists for tests, benchmarks, and development; blocks live in a
// sorted map keyed by page offset, so a sparse multi-terabyte "device"
// costs only what is touched.
package emdisk

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/NVIDIA/sortedmap"

	"github.com/NVIDIA/pagecache/blockio"
	"github.com/NVIDIA/pagecache/logger"
	"github.com/NVIDIA/pagecache/platform"
	"github.com/NVIDIA/pagecache/trackedlock"
)

// TraceEntry records one executed request for tests that assert on the
// device-visible request stream.
type TraceEntry struct {
	Method  blockio.AccessMethod
	Offset  int64
	Size    int64
	NumBufs int
}

// EmDisk emulates one file striped across an emulated device set. It
// implements blockio.IO.
type EmDisk struct {
	fileID   uint64
	nodeID   int
	callback blockio.Callback

	blocksMutex trackedlock.Mutex
	blocks      sortedmap.LLRBTree // key: uint64 page offset, value: []byte

	reqChan  chan *blockio.Request
	inFlight int64 // atomic
	idleMux  sync.Mutex
	idleCond *sync.Cond
	workerWG sync.WaitGroup

	numReads  uint64 // atomic
	numWrites uint64 // atomic

	traceMutex trackedlock.Mutex
	trace      []TraceEntry
	tracing    bool
}

// NewEmDisk creates an emulated device for one file and starts its worker.
func NewEmDisk(fileID uint64, nodeID int) (disk *EmDisk) {
	disk = &EmDisk{
		fileID:  fileID,
		nodeID:  nodeID,
		reqChan: make(chan *blockio.Request, 4096),
	}
	disk.blocks = sortedmap.NewLLRBTree(sortedmap.CompareUint64, disk)
	disk.idleCond = sync.NewCond(&disk.idleMux)

	disk.workerWG.Add(1)
	go disk.worker()
	return
}

// Close drains outstanding requests and stops the worker.
func (disk *EmDisk) Close() {
	disk.FlushRequests()
	close(disk.reqChan)
	disk.workerWG.Wait()
}

//
// blockio.IO interface
//

// Access enqueues requests for asynchronous execution. Completion arrives
// via the registered callback from the worker goroutine.
func (disk *EmDisk) Access(requests []*blockio.Request, status []blockio.Status) {
	for i, req := range requests {
		atomic.AddInt64(&disk.inFlight, 1)
		disk.reqChan <- req
		if nil != status {
			status[i] = blockio.Status{Code: blockio.StatusOK}
		}
	}
}

func (disk *EmDisk) SetCallback(callback blockio.Callback) {
	disk.callback = callback
}

func (disk *EmDisk) GetCallback() blockio.Callback {
	return disk.callback
}

// FlushRequests blocks until every request issued so far has completed and
// its callback has run.
func (disk *EmDisk) FlushRequests() {
	disk.idleMux.Lock()
	for atomic.LoadInt64(&disk.inFlight) > 0 {
		disk.idleCond.Wait()
	}
	disk.idleMux.Unlock()
}

func (disk *EmDisk) GetNodeID() int {
	return disk.nodeID
}

func (disk *EmDisk) GetFileID() uint64 {
	return disk.fileID
}

//
// Worker
//

func (disk *EmDisk) worker() {
	defer disk.workerWG.Done()

	err := platform.BindToNode(disk.nodeID)
	if nil != err {
		logger.WarnfWithError(err, "emdisk worker could not bind to node %d", disk.nodeID)
	}

	for req := range disk.reqChan {
		disk.execute(req)
		if callback := disk.callback; nil != callback {
			callback.Invoke([]*blockio.Request{req})
		}
		if 0 == atomic.AddInt64(&disk.inFlight, -1) {
			disk.idleMux.Lock()
			disk.idleCond.Broadcast()
			disk.idleMux.Unlock()
		}
	}
}

func (disk *EmDisk) execute(req *blockio.Request) {
	isWrite := blockio.WriteAccess == req.AccessMethod()
	if isWrite {
		atomic.AddUint64(&disk.numWrites, 1)
	} else {
		atomic.AddUint64(&disk.numReads, 1)
	}

	if disk.tracing {
		disk.traceMutex.Lock()
		disk.trace = append(disk.trace, TraceEntry{
			Method:  req.AccessMethod(),
			Offset:  req.Offset(),
			Size:    req.Size(),
			NumBufs: req.NumBufs(),
		})
		disk.traceMutex.Unlock()
	}

	off := req.Offset()
	for i := 0; i < req.NumBufs(); i++ {
		buf := req.GetBuf(i)
		data := buf.Bytes()[:buf.Size()]
		disk.copySpan(off, data, isWrite)
		off += buf.Size()
	}
}

// copySpan copies between data and the block store for the byte range
// starting at off; the range may cross block boundaries and need not be
// aligned.
func (disk *EmDisk) copySpan(off int64, data []byte, isWrite bool) {
	disk.blocksMutex.Lock()
	defer disk.blocksMutex.Unlock()

	for len(data) > 0 {
		var (
			blockOff  = blockio.RoundPage(off)
			within    = off - blockOff
			chunkSize = blockio.PageSize - within
		)
		if chunkSize > int64(len(data)) {
			chunkSize = int64(len(data))
		}

		block := disk.getBlockLocked(blockOff, isWrite)
		if isWrite {
			copy(block[within:within+chunkSize], data[:chunkSize])
		} else if nil != block {
			copy(data[:chunkSize], block[within:within+chunkSize])
		} else {
			// Unwritten region: reads return zeroes.
			for j := int64(0); j < chunkSize; j++ {
				data[j] = 0
			}
		}

		off += chunkSize
		data = data[chunkSize:]
	}
}

func (disk *EmDisk) getBlockLocked(blockOff int64, create bool) (block []byte) {
	value, ok, err := disk.blocks.GetByKey(uint64(blockOff))
	if nil != err {
		logger.PanicfWithError(err, "emdisk block lookup at offset %d", blockOff)
	}
	if ok {
		block = value.([]byte)
		return
	}
	if !create {
		return nil
	}
	block = make([]byte, blockio.PageSize)
	_, err = disk.blocks.Put(uint64(blockOff), block)
	if nil != err {
		logger.PanicfWithError(err, "emdisk block insert at offset %d", blockOff)
	}
	return
}

//
// Test hooks
//

// NumReads and NumWrites count requests executed, not bytes.
func (disk *EmDisk) NumReads() uint64 {
	return atomic.LoadUint64(&disk.numReads)
}

func (disk *EmDisk) NumWrites() uint64 {
	return atomic.LoadUint64(&disk.numWrites)
}

// EnableTrace starts recording executed requests; Trace returns a copy.
func (disk *EmDisk) EnableTrace() {
	disk.tracing = true
}

func (disk *EmDisk) Trace() (trace []TraceEntry) {
	disk.traceMutex.Lock()
	trace = make([]TraceEntry, len(disk.trace))
	copy(trace, disk.trace)
	disk.traceMutex.Unlock()
	return
}

func (disk *EmDisk) ResetTrace() {
	disk.traceMutex.Lock()
	disk.trace = nil
	disk.traceMutex.Unlock()
}

// Fill writes data straight into the block store, bypassing the request
// path; ReadBack is the symmetric read. Test setup and verification only.
func (disk *EmDisk) Fill(off int64, data []byte) {
	disk.copySpan(off, append([]byte(nil), data...), true)
}

func (disk *EmDisk) ReadBack(off int64, size int64) (data []byte) {
	data = make([]byte, size)
	disk.copySpan(off, data, false)
	return
}

//
// sortedmap.LLRBTreeCallbacks
//

func (disk *EmDisk) DumpKey(key sortedmap.Key) (keyAsString string, err error) {
	keyAsString = fmt.Sprintf("0x%016X", key.(uint64))
	err = nil
	return
}

func (disk *EmDisk) DumpValue(value sortedmap.Value) (valueAsString string, err error) {
	valueAsString = fmt.Sprintf("[%d bytes]", len(value.([]byte)))
	err = nil
	return
}
