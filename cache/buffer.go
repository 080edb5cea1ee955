// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cache

// pageBuffer is the fixed-capacity page array of one cell. The pages are
// owned by the buffer; their data frames come from the memory manager at
// construction.
type pageBuffer struct {
	pages [CellSize]Page
}

func (buf *pageBuffer) setFrames(frames [][]byte, nodeID int) {
	for i := 0; i < CellSize; i++ {
		buf.pages[i].init(frames[i], nodeID)
	}
}

func (buf *pageBuffer) getPage(i int) *Page {
	return &buf.pages[i]
}

func (buf *pageBuffer) getIdx(p *Page) int {
	for i := 0; i < CellSize; i++ {
		if p == &buf.pages[i] {
			return i
		}
	}
	return -1
}

// scaleDownHits halves every page's hit count; invoked when any page's
// counter saturates so relative ordering survives the clamp.
func (buf *pageBuffer) scaleDownHits() {
	for i := 0; i < CellSize; i++ {
		p := &buf.pages[i]
		p.SetHits(p.Hits() / 2)
	}
}
