// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blockio

import (
	"runtime"
	"sync/atomic"
)

// Buf is one buffer of a request: either a raw byte slice or a cache page.
type Buf struct {
	data []byte
	page Page
}

func MakeBuf(data []byte) Buf {
	return Buf{data: data}
}

func MakePageBuf(page Page) Buf {
	return Buf{page: page}
}

// Bytes returns the memory the buffer names.
func (buf Buf) Bytes() []byte {
	if nil != buf.page {
		return buf.page.Data()
	}
	return buf.data
}

func (buf Buf) Size() int64 {
	if nil != buf.page {
		return PageSize
	}
	return int64(len(buf.data))
}

func (buf Buf) Page() Page {
	return buf.page
}

// Extension holds the buffer vector of a multi-buffer request. The first
// NumEmbeddedIOVecs buffers live inline; beyond that the vector spills to
// the heap.
type Extension struct {
	embeddedBufs [NumEmbeddedIOVecs]Buf
	bufs         []Buf
}

func (ext *Extension) addBuf(buf Buf) {
	if nil == ext.bufs {
		ext.bufs = ext.embeddedBufs[:0]
	}
	ext.bufs = append(ext.bufs, buf)
}

func (ext *Extension) addBufFront(buf Buf) {
	if nil == ext.bufs {
		ext.bufs = ext.embeddedBufs[:0]
	}
	ext.bufs = append(ext.bufs, Buf{})
	copy(ext.bufs[1:], ext.bufs)
	ext.bufs[0] = buf
}

// Request describes one I/O against a (fileID, offset) range. See the
// package comment for the three kinds of requests built on this one type.
type Request struct {
	fileID       uint64
	offset       int64
	size         int64
	buf          []byte
	accessMethod AccessMethod
	io           IO
	nodeID       int
	sync         bool
	partial      bool
	orig         *Request
	priv         interface{}
	nextReq      *Request
	ext          *Extension

	// Completion accounting; meaningful on originals only.
	completedSize int64
	completeCount int32
	syncDone      uint32
}

// Init fills in a basic single-buffer request.
func (req *Request) Init(buf []byte, fileID uint64, offset int64, size int64,
	accessMethod AccessMethod, io IO, nodeID int) {
	*req = Request{
		fileID:       fileID,
		offset:       offset,
		size:         size,
		buf:          buf,
		accessMethod: accessMethod,
		io:           io,
		nodeID:       nodeID,
	}
}

// InitMultibuf fills in an empty extended (multi-buffer) request. Its offset
// is unset until the first page is added.
func (req *Request) InitMultibuf(accessMethod AccessMethod, io IO, nodeID int, orig *Request) {
	*req = Request{
		fileID:       io.GetFileID(),
		offset:       PageInvalidOffset,
		accessMethod: accessMethod,
		io:           io,
		nodeID:       nodeID,
		orig:         orig,
		ext:          &Extension{},
	}
}

// InitCopy makes req a copy of the identity of other (offset, size, buffer,
// method, routing) without its linkage or completion state.
func (req *Request) InitCopy(other *Request) {
	*req = Request{
		fileID:       other.fileID,
		offset:       other.offset,
		size:         other.size,
		buf:          other.buf,
		accessMethod: other.accessMethod,
		io:           other.io,
		nodeID:       other.nodeID,
		sync:         other.sync,
	}
}

func (req *Request) FileID() uint64 {
	return req.fileID
}

func (req *Request) Offset() int64 {
	return req.offset
}

func (req *Request) SetOffset(offset int64) {
	req.offset = offset
}

// Size returns the byte count the request covers; for a multi-buffer
// request this is the sum of its buffer sizes.
func (req *Request) Size() int64 {
	return req.size
}

// Buffer returns the single data buffer of a basic request.
func (req *Request) Buffer() []byte {
	return req.buf
}

func (req *Request) AccessMethod() AccessMethod {
	return req.accessMethod
}

func (req *Request) IO() IO {
	return req.io
}

func (req *Request) SetIO(io IO) {
	req.io = io
}

func (req *Request) NodeID() int {
	return req.nodeID
}

func (req *Request) IsSync() bool {
	return req.sync
}

func (req *Request) SetSync(sync bool) {
	req.sync = sync
}

func (req *Request) IsPartial() bool {
	return req.partial
}

func (req *Request) SetPartial(partial bool) {
	req.partial = partial
}

func (req *Request) Orig() *Request {
	return req.orig
}

func (req *Request) SetOrig(orig *Request) {
	req.orig = orig
}

func (req *Request) Priv() interface{} {
	return req.priv
}

func (req *Request) SetPriv(priv interface{}) {
	req.priv = priv
}

func (req *Request) NextReq() *Request {
	return req.nextReq
}

func (req *Request) SetNextReq(next *Request) {
	req.nextReq = next
}

// Within1Page returns true if the request does not cross a page boundary.
func (req *Request) Within1Page() bool {
	return RoundPage(req.offset) == RoundPage(req.offset+req.size-1)
}

// IsValid returns true if the request names a byte range.
func (req *Request) IsValid() bool {
	return req.size > 0 || (nil != req.ext && len(req.ext.bufs) > 0)
}

// IsEmpty returns true for a multi-buffer request holding no buffers yet.
func (req *Request) IsEmpty() bool {
	return nil != req.ext && 0 == len(req.ext.bufs)
}

// NumBufs returns the buffer count: 1 for a basic request.
func (req *Request) NumBufs() int {
	if nil == req.ext {
		return 1
	}
	return len(req.ext.bufs)
}

// AddBuf appends a raw buffer to an extended request.
func (req *Request) AddBuf(data []byte) {
	req.ext.addBuf(MakeBuf(data))
	req.size += int64(len(data))
}

// AddPage appends a page buffer to an extended request.
func (req *Request) AddPage(page Page) {
	req.ext.addBuf(MakePageBuf(page))
	req.size += PageSize
}

// AddPageFront prepends a page buffer to an extended request; the caller is
// responsible for rebasing the request offset.
func (req *Request) AddPageFront(page Page) {
	req.ext.addBufFront(MakePageBuf(page))
	req.size += PageSize
}

// GetBuf returns buffer i; index 0 of a basic request is its single buffer.
func (req *Request) GetBuf(i int) Buf {
	if nil == req.ext {
		return MakeBuf(req.buf)
	}
	return req.ext.bufs[i]
}

// GetPage returns the page behind buffer i, or nil if buffer i is a raw
// buffer.
func (req *Request) GetPage(i int) Page {
	if nil == req.ext {
		return nil
	}
	return req.ext.bufs[i].page
}

// OverlapSize returns how many bytes of the request fall within the page.
func (req *Request) OverlapSize(pageOffset int64) int64 {
	start := pageOffset
	if req.offset > start {
		start = req.offset
	}
	end := pageOffset + PageSize
	if req.offset+req.size < end {
		end = req.offset + req.size
	}
	if end < start {
		return 0
	}
	return end - start
}

// IncCompleteCount / DecCompleteCount guard an original against being freed
// while a completion path still references it.
func (req *Request) IncCompleteCount() {
	atomic.AddInt32(&req.completeCount, 1)
}

func (req *Request) DecCompleteCount() {
	atomic.AddInt32(&req.completeCount, -1)
}

// WaitForUnref spins until no completion path references the request. Refs
// are held only across short in-memory sections, so the wait is brief.
func (req *Request) WaitForUnref() {
	for atomic.LoadInt32(&req.completeCount) > 0 {
		runtime.Gosched()
	}
}

// CompleteSize adds completed bytes to the original's progress and reports
// whether the entire request has now completed.
func (req *Request) CompleteSize(completed int64) bool {
	return atomic.AddInt64(&req.completedSize, completed) >= req.size
}

// MarkSyncCompleted / SyncCompleted carry the done signal of a synchronous
// original from its completion path to the goroutine blocked on it.
func (req *Request) MarkSyncCompleted() {
	atomic.StoreUint32(&req.syncDone, 1)
}

func (req *Request) SyncCompleted() bool {
	return 1 == atomic.LoadUint32(&req.syncDone)
}

// ExtractPages extracts from req the portion covering
// [off, off+npages*PageSize), where off is page aligned. req must be a
// basic single-buffer request.
func ExtractPages(req *Request, off int64, npages int, extracted *Request) {
	var (
		reqBuf  []byte
		reqOff  int64
		reqSize int64
	)

	if off == RoundPage(req.offset) {
		// The extraction starts at the request's first page; the extracted
		// buffer begins at the request buffer.
		reqOff = req.offset
		reqBuf = req.buf
		reqSize = PageSize*int64(npages) - (reqOff - off)
		if reqSize > req.size {
			reqSize = req.size
		}
	} else {
		// The request buffer need not be page aligned.
		reqOff = off
		reqBuf = req.buf[off-req.offset:]
		remaining := req.size - (off - req.offset)
		reqSize = remaining
		if reqSize > PageSize*int64(npages) {
			reqSize = PageSize * int64(npages)
		}
	}

	extracted.Init(reqBuf[:reqSize], req.fileID, reqOff, reqSize,
		req.accessMethod, req.io, req.nodeID)
}
