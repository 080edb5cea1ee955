// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"runtime"

	"github.com/NVIDIA/pagecache/logger"
)

// An evictionPolicy picks victims within one cell. All methods are invoked
// with the cell lock held.
//
// evictPage returns nil when every page in the cell is referenced and no
// victim exists; the caller must wait and retry. expandBuffer reports that
// the victim had been hit since insertion, which is the cell-overflow signal
// that triggers table expansion.
type evictionPolicy interface {
	evictPage(buf *pageBuffer) *Page
	accessPage(p *Page, buf *pageBuffer)
	expandBuffer(p *Page) bool
}

func newEvictionPolicy(policyType PolicyType) evictionPolicy {
	switch policyType {
	case PolicyLFU:
		return &lfuPolicy{}
	case PolicyFIFO:
		return &fifoPolicy{}
	case PolicyClock:
		return &clockPolicy{}
	case PolicyGClock:
		return &gclockPolicy{}
	default:
		return &lruPolicy{}
	}
}

// lruPolicy keeps a position vector ordered from oldest to most recently
// accessed.
type lruPolicy struct {
	posVec []int
}

func (policy *lruPolicy) evictPage(buf *pageBuffer) *Page {
	var pos int

	if len(policy.posVec) < CellSize {
		// The cell is still filling; hand out the next unused slot.
		pos = len(policy.posVec)
	} else {
		pos = policy.posVec[0]
		policy.posVec = policy.posVec[1:]
	}
	ret := buf.getPage(pos)
	// The oldest page is the victim no matter what; wait out any holders.
	for ret.Ref() > 0 {
		runtime.Gosched()
	}
	policy.posVec = append(policy.posVec, pos)
	ret.SetDataReady(false)
	return ret
}

func (policy *lruPolicy) accessPage(p *Page, buf *pageBuffer) {
	pos := buf.getIdx(p)
	for i, candidate := range policy.posVec {
		if candidate == pos {
			policy.posVec = append(policy.posVec[:i], policy.posVec[i+1:]...)
			break
		}
	}
	policy.posVec = append(policy.posVec, pos)
}

func (policy *lruPolicy) expandBuffer(p *Page) bool {
	// A victim that was re-accessed after insertion signals that the cell
	// is too small for its working set.
	return p.Hits() > 1
}

// lfuPolicy evicts the unreferenced page with the fewest hits.
type lfuPolicy struct{}

func (policy *lfuPolicy) evictPage(buf *pageBuffer) *Page {
	var ret *Page

	for nil == ret {
		minHits := maxPageHits + 1
		numIOPending := 0
		for i := 0; i < CellSize; i++ {
			p := buf.getPage(i)
			if p.Ref() > 0 {
				if p.IsIOPending() {
					numIOPending++
				}
				continue
			}
			// The refcount only rises under the cell lock, which we hold,
			// so an unreferenced page stays unreferenced here.
			if hits := p.Hits(); hits < minHits {
				minHits = hits
				ret = p
			}
			if 0 == minHits {
				// A page never accessed since insertion; just take it.
				break
			}
		}
		if nil == ret {
			if CellSize == numIOPending {
				logger.Warnf("lfu: every page in the cell has I/O pending")
			}
			runtime.Gosched()
		}
	}
	ret.SetDataReady(false)
	ret.ResetHits()
	return ret
}

func (policy *lfuPolicy) accessPage(p *Page, buf *pageBuffer) {
}

func (policy *lfuPolicy) expandBuffer(p *Page) bool {
	// The victim's hits were just reset; LFU never triggers expansion.
	return false
}

// fifoPolicy rotates through the cell in insertion order. Only useful for
// benchmarking; it ignores access recency entirely.
type fifoPolicy struct {
	idx int
}

func (policy *fifoPolicy) evictPage(buf *pageBuffer) *Page {
	ret := buf.getPage(policy.idx % CellSize)
	policy.idx++
	for ret.Ref() > 0 {
		ret = buf.getPage(policy.idx % CellSize)
		policy.idx++
	}
	ret.SetDataReady(false)
	return ret
}

func (policy *fifoPolicy) accessPage(p *Page, buf *pageBuffer) {
}

func (policy *fifoPolicy) expandBuffer(p *Page) bool {
	return false
}

// clockHand implements the shared scan of the CLOCK variants. Referenced
// pages are skipped (returning nil if the whole ring is referenced); dirty
// pages are skipped on the first lap; the victim is the first page with no
// hits. decrement tells a non-victim how to age: GCLOCK decrements its hits
// by one, CLOCK resets them to zero.
func clockHand(buf *pageBuffer, head *int, decrement bool) *Page {
	var (
		avoidDirty    = true
		numDirty      int
		numReferenced int
		ret           *Page
	)

	for nil == ret {
		p := buf.getPage(*head % CellSize)
		if numDirty+numReferenced >= CellSize {
			numDirty = 0
			numReferenced = 0
			avoidDirty = false
		}
		if p.Ref() > 0 {
			numReferenced++
			(*head)++
			if numReferenced >= CellSize {
				return nil
			}
			continue
		}
		if avoidDirty && p.IsDirty() {
			numDirty++
			(*head)++
			continue
		}
		if 0 == p.Hits() {
			ret = p
			break
		}
		if decrement {
			p.SetHits(p.Hits() - 1)
		} else {
			p.ResetHits()
		}
		(*head)++
	}
	ret.SetDataReady(false)
	return ret
}

type gclockPolicy struct {
	clockHead int
}

func (policy *gclockPolicy) evictPage(buf *pageBuffer) *Page {
	return clockHand(buf, &policy.clockHead, true)
}

func (policy *gclockPolicy) accessPage(p *Page, buf *pageBuffer) {
}

func (policy *gclockPolicy) expandBuffer(p *Page) bool {
	// The hand only stops on a page with zero hits.
	return false
}

type clockPolicy struct {
	clockHead int
}

func (policy *clockPolicy) evictPage(buf *pageBuffer) *Page {
	ret := clockHand(buf, &policy.clockHead, false)
	if nil != ret {
		ret.ResetHits()
	}
	return ret
}

func (policy *clockPolicy) accessPage(p *Page, buf *pageBuffer) {
}

func (policy *clockPolicy) expandBuffer(p *Page) bool {
	return false
}
