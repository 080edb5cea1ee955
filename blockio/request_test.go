// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package blockio

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type testPage struct {
	data   []byte
	offset int64
}

func (p *testPage) Data() []byte  { return p.data }
func (p *testPage) Offset() int64 { return p.offset }
func (p *testPage) NodeID() int   { return 0 }

func TestRounding(t *testing.T) {
	assert.Equal(t, int64(0), RoundPage(100))
	assert.Equal(t, int64(4096), RoundPage(4096))
	assert.Equal(t, int64(4096), RoundPage(8191))
	assert.Equal(t, int64(4096), RoundUpPage(100))
	assert.Equal(t, int64(4096), RoundUpPage(4096))
	assert.Equal(t, int64(65536), Round(65536+123, 16*PageSize))
	assert.Equal(t, int64(131072), RoundUp(65536+123, 16*PageSize))
}

func TestWithin1Page(t *testing.T) {
	var req Request

	req.Init(make([]byte, 100), 1, 50, 100, ReadAccess, nil, 0)
	assert.True(t, req.Within1Page())

	req.Init(make([]byte, 100), 1, 4090, 100, ReadAccess, nil, 0)
	assert.False(t, req.Within1Page())

	req.Init(make([]byte, PageSize), 1, 0, PageSize, ReadAccess, nil, 0)
	assert.True(t, req.Within1Page())
}

func TestOverlapSize(t *testing.T) {
	var req Request

	req.Init(make([]byte, 6000), 1, 1000, 6000, WriteAccess, nil, 0)
	assert.Equal(t, int64(3096), req.OverlapSize(0))
	assert.Equal(t, int64(2904), req.OverlapSize(4096))
	assert.Equal(t, int64(0), req.OverlapSize(8192))
}

func TestExtensionGrowth(t *testing.T) {
	var req Request

	req.InitMultibuf(WriteAccess, &nullIO{}, 0, nil)
	assert.True(t, req.IsEmpty())

	// Push past the embedded vector to force the spill to the heap.
	for i := 0; i < NumEmbeddedIOVecs+4; i++ {
		req.AddPage(&testPage{data: make([]byte, PageSize), offset: int64(i) * PageSize})
	}
	assert.Equal(t, NumEmbeddedIOVecs+4, req.NumBufs())
	assert.Equal(t, int64(NumEmbeddedIOVecs+4)*PageSize, req.Size())
	for i := 0; i < req.NumBufs(); i++ {
		assert.Equal(t, int64(i)*PageSize, req.GetPage(i).Offset())
	}
}

func TestAddPageFront(t *testing.T) {
	var req Request

	req.InitMultibuf(WriteAccess, &nullIO{}, 0, nil)
	req.AddPage(&testPage{offset: 4096})
	req.SetOffset(4096)
	req.AddPageFront(&testPage{offset: 0})
	req.SetOffset(0)

	assert.Equal(t, 2, req.NumBufs())
	assert.Equal(t, int64(0), req.GetPage(0).Offset())
	assert.Equal(t, int64(4096), req.GetPage(1).Offset())
}

func TestExtractPagesAlignedFirstPage(t *testing.T) {
	var (
		extracted Request
		req       Request
	)

	buf := make([]byte, 10000)
	for i := range buf {
		buf[i] = byte(i)
	}
	req.Init(buf, 1, 100, 10000, ReadAccess, nil, 0)

	// First page of the request: begins at the request's own offset.
	ExtractPages(&req, 0, 1, &extracted)
	assert.Equal(t, int64(100), extracted.Offset())
	assert.Equal(t, int64(PageSize-100), extracted.Size())
	assert.Equal(t, byte(0), extracted.Buffer()[0])

	// An interior page.
	ExtractPages(&req, 4096, 1, &extracted)
	assert.Equal(t, int64(4096), extracted.Offset())
	assert.Equal(t, int64(PageSize), extracted.Size())
	assert.Equal(t, buf[4096-100], extracted.Buffer()[0])

	// The final, partial page.
	ExtractPages(&req, 8192, 1, &extracted)
	assert.Equal(t, int64(8192), extracted.Offset())
	assert.Equal(t, int64(100+10000-8192), extracted.Size())
}

func TestCompletionAccounting(t *testing.T) {
	var req Request

	req.Init(make([]byte, 8192), 1, 0, 8192, ReadAccess, nil, 0)

	assert.False(t, req.CompleteSize(4096))
	assert.True(t, req.CompleteSize(4096))

	req.IncCompleteCount()
	req.DecCompleteCount()
	req.WaitForUnref()
}

// nullIO satisfies IO for request construction in tests.
type nullIO struct {
	callback Callback
}

func (io *nullIO) Access(requests []*Request, status []Status) {}
func (io *nullIO) SetCallback(callback Callback)               { io.callback = callback }
func (io *nullIO) GetCallback() Callback                       { return io.callback }
func (io *nullIO) FlushRequests()                              {}
func (io *nullIO) GetNodeID() int                              { return 0 }
func (io *nullIO) GetFileID() uint64                           { return 0 }
