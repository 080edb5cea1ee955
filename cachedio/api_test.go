// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachedio

import (
	"bytes"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NVIDIA/pagecache/blockio"
	"github.com/NVIDIA/pagecache/cache"
	"github.com/NVIDIA/pagecache/conf"
	"github.com/NVIDIA/pagecache/emdisk"
)

const testRAIDBlockBytes = 16 * blockio.PageSize

type testFixture struct {
	disk    *emdisk.EmDisk
	manager *cache.MemoryManager
	cache   *cache.AssociativeCache
	gio     *CachedIO
}

// makeFixture builds a front-end over an emulated disk with a cache of the
// requested cell count and no flush engine (flush engine tests drive the
// cache package directly).
func makeFixture(t *testing.T, cacheCells int64, policyType cache.PolicyType) *testFixture {
	disk := emdisk.NewEmDisk(0, 0)
	manager := cache.NewMemoryManager(cacheCells * cache.CellSize * blockio.PageSize)
	pageCache, err := cache.NewAssociativeCache(cacheCells*cache.CellSize*blockio.PageSize,
		policyType, false, 0, manager)
	require.Nil(t, err)

	gio := NewCachedIO(disk, pageCache, testRAIDBlockBytes, true, 0)
	return &testFixture{disk: disk, manager: manager, cache: pageCache, gio: gio}
}

func (fixture *testFixture) down() {
	fixture.gio.Down()
	fixture.cache.Down()
	fixture.disk.Close()
}

func fillPattern(disk *emdisk.EmDisk, off int64, size int64, seed byte) {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(int(seed) + i)
	}
	disk.Fill(off, data)
}

// Scenario: cold read of four pages misses four times; re-reading them hits
// four times without touching the device again.
func TestColdReadThenHits(t *testing.T) {
	fixture := makeFixture(t, 1, cache.PolicyLRU)
	defer fixture.down()

	for i := int64(0); i < 4; i++ {
		fillPattern(fixture.disk, i*blockio.PageSize, blockio.PageSize, byte(i))
	}

	buf := make([]byte, blockio.PageSize)
	for i := int64(0); i < 4; i++ {
		err := fixture.gio.AccessBuf(buf, i*blockio.PageSize, blockio.ReadAccess)
		assert.Nil(t, err)
		assert.Equal(t, byte(i), buf[0])
		assert.Equal(t, byte(int(i)+255), buf[255])
	}
	assert.Equal(t, uint64(4), fixture.gio.stats.PagesMissed.TotalGet())
	assert.Equal(t, uint64(4), fixture.disk.NumReads())

	for i := int64(0); i < 4; i++ {
		err := fixture.gio.AccessBuf(buf, i*blockio.PageSize, blockio.ReadAccess)
		assert.Nil(t, err)
		assert.Equal(t, byte(i), buf[0])
	}
	assert.Equal(t, uint64(4), fixture.gio.stats.PagesHit.TotalGet())
	// No further device reads: all four were cache hits.
	assert.Equal(t, uint64(4), fixture.disk.NumReads())
}

// Scenario: eight threads read the same cold page concurrently; exactly one
// underlying read is issued and everyone sees identical bytes.
func TestCollapsedConcurrentMiss(t *testing.T) {
	var wg sync.WaitGroup

	fixture := makeFixture(t, 1, cache.PolicyLRU)
	defer fixture.down()

	fillPattern(fixture.disk, 0, blockio.PageSize, 0x5A)

	results := make([][]byte, 8)
	for i := 0; i < 8; i++ {
		results[i] = make([]byte, blockio.PageSize)
		wg.Add(1)
		go func(buf []byte) {
			defer wg.Done()
			err := fixture.gio.AccessBuf(buf, 0, blockio.ReadAccess)
			assert.Nil(t, err)
		}(results[i])
	}
	wg.Wait()

	assert.Equal(t, uint64(1), fixture.disk.NumReads())
	for i := 1; i < 8; i++ {
		assert.True(t, bytes.Equal(results[0], results[i]))
	}
	assert.Equal(t, byte(0x5A), results[0][0])
}

// Scenario: a partial write to a cold page triggers a full-page read-fill;
// after it completes the page is dirty and reads back as the old bytes with
// the new range overlaid.
func TestPartialWriteReadFill(t *testing.T) {
	fixture := makeFixture(t, 1, cache.PolicyLRU)
	defer fixture.down()

	fillPattern(fixture.disk, 0, blockio.PageSize, 7)

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = 0xEE
	}
	err := fixture.gio.AccessBuf(payload, 50, blockio.WriteAccess)
	assert.Nil(t, err)

	// One full-page read-fill, no writes yet.
	assert.Equal(t, uint64(1), fixture.disk.NumReads())
	assert.Equal(t, uint64(0), fixture.disk.NumWrites())

	p := fixture.cache.Search(0)
	require.NotNil(t, p)
	assert.True(t, p.IsDirty())
	p.DecRef()

	readBuf := make([]byte, blockio.PageSize)
	err = fixture.gio.AccessBuf(readBuf, 0, blockio.ReadAccess)
	assert.Nil(t, err)
	for i := 0; i < blockio.PageSize; i++ {
		if (i >= 50) && (i < 150) {
			assert.Equal(t, byte(0xEE), readBuf[i])
		} else {
			assert.Equal(t, byte(7+i), readBuf[i])
		}
	}
}

// A full-page write overwrites in place with no read-fill.
func TestFullPageWriteSkipsReadFill(t *testing.T) {
	fixture := makeFixture(t, 1, cache.PolicyLRU)
	defer fixture.down()

	payload := make([]byte, blockio.PageSize)
	for i := range payload {
		payload[i] = 0xAB
	}
	err := fixture.gio.AccessBuf(payload, 0, blockio.WriteAccess)
	assert.Nil(t, err)

	assert.Equal(t, uint64(0), fixture.disk.NumReads())
	assert.Equal(t, uint64(0), fixture.disk.NumWrites())

	readBuf := make([]byte, blockio.PageSize)
	err = fixture.gio.AccessBuf(readBuf, 0, blockio.ReadAccess)
	assert.Nil(t, err)
	assert.True(t, bytes.Equal(payload, readBuf))
}

// A multi-page read is issued as one multi-buffer request.
func TestMultiPageReadBatches(t *testing.T) {
	fixture := makeFixture(t, 1, cache.PolicyLRU)
	defer fixture.down()
	fixture.disk.EnableTrace()

	fillPattern(fixture.disk, 0, 4*blockio.PageSize, 1)

	buf := make([]byte, 4*blockio.PageSize)
	err := fixture.gio.AccessBuf(buf, 0, blockio.ReadAccess)
	assert.Nil(t, err)

	trace := fixture.disk.Trace()
	require.Equal(t, 1, len(trace))
	assert.Equal(t, 4, trace[0].NumBufs)
	assert.Equal(t, byte(1), buf[0])
	assert.Equal(t, byte(1+1), buf[blockio.PageSize+1])
}

// A read crossing a RAID block boundary splits at the boundary.
func TestReadSplitsOnRAIDBoundary(t *testing.T) {
	fixture := makeFixture(t, 4, cache.PolicyLRU)
	defer fixture.down()
	fixture.disk.EnableTrace()

	start := int64(14) * blockio.PageSize
	fillPattern(fixture.disk, start, 4*blockio.PageSize, 3)

	// Pages 14..17: 14-15 in the first RAID block, 16-17 in the second.
	buf := make([]byte, 4*blockio.PageSize)
	err := fixture.gio.AccessBuf(buf, start, blockio.ReadAccess)
	assert.Nil(t, err)

	trace := fixture.disk.Trace()
	require.Equal(t, 2, len(trace))
	assert.Equal(t, 2, trace[0].NumBufs)
	assert.Equal(t, int64(14)*blockio.PageSize, trace[0].Offset)
	assert.Equal(t, 2, trace[1].NumBufs)
	assert.Equal(t, int64(16)*blockio.PageSize, trace[1].Offset)
	assert.Equal(t, byte(3), buf[0])
}

// Scenario: evicting a dirty page writes its old contents back merged with
// the neighboring dirty pages of its RAID block, while the evicting write
// waits behind the write-back and completes afterwards.
func TestDirtyEvictionWritebackAndMerge(t *testing.T) {
	fixture := makeFixture(t, 1, cache.PolicyLRU)
	defer fixture.down()
	fixture.disk.EnableTrace()

	// Dirty the whole cell: 16 full-page writes, all cached, no device
	// traffic.
	pagePayload := func(tag byte) []byte {
		payload := make([]byte, blockio.PageSize)
		for i := range payload {
			payload[i] = tag
		}
		return payload
	}
	for i := int64(0); i < cache.CellSize; i++ {
		err := fixture.gio.AccessBuf(pagePayload(byte(i+1)), i*blockio.PageSize, blockio.WriteAccess)
		assert.Nil(t, err)
	}
	assert.Equal(t, uint64(0), fixture.disk.NumWrites())

	// Writing page 16 evicts dirty page 0: its old contents (and the 15
	// dirty neighbors in RAID block 0) go to the device in one merged
	// write, then the new write proceeds.
	err := fixture.gio.AccessBuf(pagePayload(0x99), int64(cache.CellSize)*blockio.PageSize, blockio.WriteAccess)
	assert.Nil(t, err)

	assert.Equal(t, uint64(1), fixture.disk.NumWrites())
	trace := fixture.disk.Trace()
	require.Equal(t, 1, len(trace))
	assert.Equal(t, blockio.WriteAccess, trace[0].Method)
	assert.Equal(t, int64(0), trace[0].Offset)
	assert.Equal(t, cache.CellSize, trace[0].NumBufs)

	// The device holds the pre-eviction contents of block 0.
	for i := int64(0); i < cache.CellSize; i++ {
		assert.Equal(t, byte(i+1), fixture.disk.ReadBack(i*blockio.PageSize, 1)[0])
	}

	// The evicting write landed in the cache, dirty, not yet on the
	// device.
	p := fixture.cache.Search(int64(cache.CellSize) * blockio.PageSize)
	require.NotNil(t, p)
	assert.True(t, p.IsDirty())
	assert.Equal(t, byte(0x99), p.Data()[0])
	p.DecRef()
}

// The async vector interface: pending statuses carry the original request
// and the user callback fires exactly once per request.
func TestAsyncVectorAccess(t *testing.T) {
	fixture := makeFixture(t, 1, cache.PolicyLRU)
	defer fixture.down()

	fillPattern(fixture.disk, 0, 2*blockio.PageSize, 9)

	var (
		completedMutex sync.Mutex
		completed      []*blockio.Request
	)
	fixture.gio.SetCallback(callbackFunc(func(requests []*blockio.Request) {
		completedMutex.Lock()
		completed = append(completed, requests...)
		completedMutex.Unlock()
	}))

	bufA := make([]byte, blockio.PageSize)
	bufB := make([]byte, blockio.PageSize)
	var reqs [2]blockio.Request
	reqs[0].Init(bufA, 0, 0, blockio.PageSize, blockio.ReadAccess, fixture.gio, 0)
	reqs[1].Init(bufB, 0, blockio.PageSize, blockio.PageSize, blockio.ReadAccess, fixture.gio, 0)

	var status [2]blockio.Status
	fixture.gio.Access([]*blockio.Request{&reqs[0], &reqs[1]}, status[:])
	assert.Equal(t, blockio.StatusPending, status[0].Code)
	assert.Equal(t, blockio.StatusPending, status[1].Code)

	fixture.disk.FlushRequests()

	completedMutex.Lock()
	numCompleted := len(completed)
	completedMutex.Unlock()
	assert.Equal(t, 2, numCompleted)
	assert.Equal(t, byte(9), bufA[0])
	assert.Equal(t, byte((9+blockio.PageSize)%256), bufB[0])

	// A second access of the now-cached pages completes synchronously.
	fixture.gio.Access([]*blockio.Request{&reqs[0]}, status[:1])
	assert.Equal(t, blockio.StatusOK, status[0].Code)
}

type callbackFunc func(requests []*blockio.Request)

func (fn callbackFunc) Invoke(requests []*blockio.Request) {
	fn(requests)
}

// Round-trip law: random unaligned writes and reads against a small cache
// (forcing dirty evictions and write-backs) always read back what was last
// written.
func TestRandomReadWriteRoundTrip(t *testing.T) {
	fixture := makeFixture(t, 2, cache.PolicyLRU)
	defer fixture.down()

	const regionPages = 128
	region := make([]byte, regionPages*blockio.PageSize)
	rng := rand.New(rand.NewSource(0x5AF5))

	for op := 0; op < 400; op++ {
		off := rng.Int63n(int64(len(region)) - 20000)
		size := rng.Int63n(20000) + 1
		if rng.Intn(2) == 0 {
			payload := make([]byte, size)
			rng.Read(payload)
			copy(region[off:], payload)
			err := fixture.gio.AccessBuf(payload, off, blockio.WriteAccess)
			require.Nil(t, err)
		} else {
			buf := make([]byte, size)
			err := fixture.gio.AccessBuf(buf, off, blockio.ReadAccess)
			require.Nil(t, err)
			require.True(t, bytes.Equal(region[off:off+size], buf),
				"op %d: read at %d size %d diverged", op, off, size)
		}
	}

	// Full sweep at the end.
	final := make([]byte, len(region))
	for pageNum := int64(0); pageNum < regionPages; pageNum += 4 {
		err := fixture.gio.AccessBuf(final[pageNum*blockio.PageSize:(pageNum+4)*blockio.PageSize],
			pageNum*blockio.PageSize, blockio.ReadAccess)
		require.Nil(t, err)
	}
	assert.True(t, bytes.Equal(region, final))
}

func TestPreload(t *testing.T) {
	fixture := makeFixture(t, 1, cache.PolicyLRU)
	defer fixture.down()

	err := fixture.gio.Preload(0, 4*blockio.PageSize)
	assert.Nil(t, err)

	buf := make([]byte, blockio.PageSize)
	err = fixture.gio.AccessBuf(buf, 0, blockio.ReadAccess)
	assert.Nil(t, err)
	// Preloaded pages never touch the device.
	assert.Equal(t, uint64(0), fixture.disk.NumReads())

	err = fixture.gio.Preload(0, fixture.cache.Size()+blockio.PageSize)
	assert.NotNil(t, err)

	err = fixture.gio.Preload(100, blockio.PageSize)
	assert.NotNil(t, err)
}

func TestTestHitRateForcesHits(t *testing.T) {
	disk := emdisk.NewEmDisk(0, 0)
	manager := cache.NewMemoryManager(cache.CellSize * blockio.PageSize)
	pageCache, err := cache.NewAssociativeCache(cache.CellSize*blockio.PageSize,
		cache.PolicyLRU, false, 0, manager)
	require.Nil(t, err)

	gio := NewCachedIO(disk, pageCache, testRAIDBlockBytes, true, 100)
	defer func() { gio.Down(); pageCache.Down(); disk.Close() }()

	// With a 100% synthetic hit rate nothing ever reaches the device.
	buf := make([]byte, blockio.PageSize)
	for i := int64(0); i < 8; i++ {
		err = gio.AccessBuf(buf, i*blockio.PageSize, blockio.ReadAccess)
		assert.Nil(t, err)
	}
	assert.Equal(t, uint64(0), disk.NumReads())
}

func TestParamsFromConfMap(t *testing.T) {
	confMap, err := conf.MakeConfMapFromStrings([]string{
		"PageCache.CacheSize=4194304",
		"PageCache.CacheType=lfu",
		"PageCache.Expandable=true",
		"PageCache.TestHitRate=30",
		"FlushEngine.DirtyPagesThreshold=4",
	})
	require.Nil(t, err)

	params, err := ParamsFromConfMap(confMap)
	require.Nil(t, err)
	assert.Equal(t, int64(4194304), params.CacheSize)
	assert.Equal(t, cache.PolicyLFU, params.CacheType)
	assert.True(t, params.Expandable)
	assert.True(t, params.Writable)
	assert.Equal(t, 30, params.TestHitRate)
	assert.Equal(t, 4, params.DirtyPagesThreshold)
	assert.Equal(t, 1, params.NumNodes)

	// CacheSize is required.
	emptyMap, err := conf.MakeConfMapFromStrings([]string{})
	require.Nil(t, err)
	_, err = ParamsFromConfMap(emptyMap)
	assert.NotNil(t, err)

	// Unknown policy names fail at startup.
	badMap, err := conf.MakeConfMapFromStrings([]string{
		"PageCache.CacheSize=4194304",
		"PageCache.CacheType=mru",
	})
	require.Nil(t, err)
	_, err = ParamsFromConfMap(badMap)
	assert.NotNil(t, err)
}

func TestSystemUpDown(t *testing.T) {
	confMap, err := conf.MakeConfMapFromStrings([]string{
		"PageCache.CacheSize=1048576",
		"PageCache.CacheType=gclock",
		"RAID.BlockSize=16",
		"RAID.DiskPaths=/dev/emulated0, /dev/emulated1",
		"RAID.FileWeights=graph:2",
	})
	require.Nil(t, err)

	system, err := UpSystem(confMap)
	require.Nil(t, err)

	assert.Equal(t, 2, system.RAIDConfig().NumDisks())
	assert.Equal(t, 2, system.FileMappers().Get("graph").Weight())

	disk := emdisk.NewEmDisk(0, 0)
	gio := system.CreateCachedIO(disk)
	require.NotNil(t, gio)

	payload := make([]byte, blockio.PageSize)
	payload[0] = 0x42
	err = gio.AccessBuf(payload, 0, blockio.WriteAccess)
	assert.Nil(t, err)

	readBuf := make([]byte, blockio.PageSize)
	err = gio.AccessBuf(readBuf, 0, blockio.ReadAccess)
	assert.Nil(t, err)
	assert.Equal(t, byte(0x42), readBuf[0])

	system.Down()
	disk.Close()
}

// Four threads hammer overlapping pages with writes while four read;
// at quiescence the cache agrees with itself and every reference is
// released (no page leaks a refcount).
func TestConcurrentMixedAccess(t *testing.T) {
	var wg sync.WaitGroup

	fixture := makeFixture(t, 2, cache.PolicyGClock)
	defer fixture.down()

	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			buf := make([]byte, blockio.PageSize)
			for i := 0; i < 60; i++ {
				pageNum := rng.Int63n(64)
				if 0 == seed%2 {
					err := fixture.gio.AccessBuf(buf, pageNum*blockio.PageSize, blockio.WriteAccess)
					assert.Nil(t, err)
				} else {
					err := fixture.gio.AccessBuf(buf, pageNum*blockio.PageSize, blockio.ReadAccess)
					assert.Nil(t, err)
				}
			}
		}(int64(worker))
	}
	wg.Wait()

	// All references drain once the dust settles; a page with a residual
	// reference could never be evicted again.
	deadline := time.Now().Add(5 * time.Second)
	for {
		fixture.gio.HandlePendingRequests()
		fixture.disk.FlushRequests()
		if 0 == fixture.cache.ReferencedPages() {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("page references leaked")
		}
		time.Sleep(time.Millisecond)
	}
}
