// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/pagecache/blockio"
)

func makeTestBuffer() *pageBuffer {
	var buf pageBuffer

	frames := make([][]byte, CellSize)
	for i := range frames {
		frames[i] = make([]byte, blockio.PageSize)
	}
	buf.setFrames(frames, 0)
	return &buf
}

func TestParsePolicyType(t *testing.T) {
	for _, name := range []string{"lru", "LFU", "fifo", "clock", "GClock"} {
		_, err := ParsePolicyType(name)
		assert.Nil(t, err)
	}
	_, err := ParsePolicyType("mru")
	assert.NotNil(t, err)
}

func TestLRUEvictionOrder(t *testing.T) {
	buf := makeTestBuffer()
	policy := &lruPolicy{}

	// Fill the cell; the policy hands out slots in order.
	var first *Page
	for i := 0; i < CellSize; i++ {
		p := policy.evictPage(buf)
		p.SetOffset(int64(i) * blockio.PageSize)
		if 0 == i {
			first = p
		}
	}

	// With no accesses, the oldest page is the next victim.
	victim := policy.evictPage(buf)
	assert.Equal(t, first, victim)

	// Accessing the now-oldest page spares it.
	second := buf.getPage(1)
	policy.accessPage(second, buf)
	victim = policy.evictPage(buf)
	assert.NotEqual(t, second, victim)
	assert.Equal(t, buf.getPage(2), victim)
}

func TestLRUExpandBuffer(t *testing.T) {
	policy := &lruPolicy{}
	p := makeTestPage()

	p.SetHits(1)
	assert.False(t, policy.expandBuffer(p))
	p.SetHits(2)
	assert.True(t, policy.expandBuffer(p))
}

func TestLFUPicksColdest(t *testing.T) {
	buf := makeTestBuffer()
	policy := &lfuPolicy{}

	for i := 0; i < CellSize; i++ {
		buf.getPage(i).SetHits(i + 5)
	}
	buf.getPage(7).SetHits(2)

	victim := policy.evictPage(buf)
	assert.Equal(t, buf.getPage(7), victim)
	// LFU resets the victim's hits.
	assert.Equal(t, 0, victim.Hits())

	// A referenced page is never picked, however cold.
	buf.getPage(3).SetHits(0)
	buf.getPage(3).IncRef()
	victim = policy.evictPage(buf)
	assert.NotEqual(t, buf.getPage(3), victim)
	buf.getPage(3).DecRef()
}

func TestFIFORotation(t *testing.T) {
	buf := makeTestBuffer()
	policy := &fifoPolicy{}

	for round := 0; round < 2; round++ {
		for i := 0; i < CellSize; i++ {
			assert.Equal(t, buf.getPage(i), policy.evictPage(buf))
		}
	}

	// A referenced page is skipped.
	buf.getPage(0).IncRef()
	assert.Equal(t, buf.getPage(1), policy.evictPage(buf))
	buf.getPage(0).DecRef()
}

func TestGClockAging(t *testing.T) {
	buf := makeTestBuffer()
	policy := &gclockPolicy{}

	for i := 0; i < CellSize; i++ {
		buf.getPage(i).SetHits(1)
	}
	buf.getPage(4).SetHits(0)

	// The hand decrements hit counts until it lands on page 4.
	victim := policy.evictPage(buf)
	assert.Equal(t, buf.getPage(4), victim)
	for i := 0; i < 4; i++ {
		assert.Equal(t, 0, buf.getPage(i).Hits())
	}
	// Pages past the victim keep their counts.
	assert.Equal(t, 1, buf.getPage(5).Hits())
}

func TestClockAllReferenced(t *testing.T) {
	buf := makeTestBuffer()
	policy := &clockPolicy{}

	for i := 0; i < CellSize; i++ {
		buf.getPage(i).IncRef()
	}
	assert.Nil(t, policy.evictPage(buf))

	for i := 0; i < CellSize; i++ {
		buf.getPage(i).DecRef()
	}
	assert.NotNil(t, policy.evictPage(buf))
}

func TestClockAvoidsDirtyFirstPass(t *testing.T) {
	buf := makeTestBuffer()
	policy := &clockPolicy{}

	// Everything clean has hits, the only zero-hit page is dirty: the first
	// lap skips it while aging every clean page to zero hits, so the second
	// lap takes the first clean page before reaching the dirty one.
	for i := 0; i < CellSize; i++ {
		buf.getPage(i).SetHits(1)
	}
	dirtyPage := buf.getPage(2)
	dirtyPage.SetHits(0)
	dirtyPage.SetDirty(true)
	dirtyPage.SetDataReady(true)

	victim := policy.evictPage(buf)
	assert.NotEqual(t, dirtyPage, victim)
	// The first clean page aged to zero on the way around.
	assert.Equal(t, buf.getPage(0), victim)
}
