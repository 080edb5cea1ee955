// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cache

import (
	"fmt"
	"sync/atomic"

	"github.com/dustin/go-humanize"

	"github.com/NVIDIA/pagecache/blockio"
	"github.com/NVIDIA/pagecache/blunder"
	"github.com/NVIDIA/pagecache/bucketstats"
	"github.com/NVIDIA/pagecache/logger"
	"github.com/NVIDIA/pagecache/trackedlock"
)

const (
	tableExpandingFlag uint32 = 1 << 0

	// defaultInitCacheSize bounds the initial footprint of an expandable
	// cache; the table grows toward the full cache size on demand.
	defaultInitCacheSize = int64(128 * 1024 * 1024)
)

type cacheStatsGroup struct {
	Hits               bucketstats.Total
	Misses             bucketstats.Total
	Expansions         bucketstats.Total
	Rehashes           bucketstats.Total
	AllReferencedWaits bucketstats.Total
	FlushedCells       bucketstats.Total
	MergedWritePages   bucketstats.Average
}

var cacheInstanceNumber uint64

// AssociativeCache is a linear-hashing directory of cells. Readers take
// table_lock shared just long enough to resolve a cell pointer; the single
// expander takes it exclusive only to publish new cell arrays and advance
// (split, level).
type AssociativeCache struct {
	level      int64 // current expansion round; expander-written
	split      int64 // next cell to rehash; expander-written
	initNCells int64
	ncellArrs  int64 // atomic; populated directory slots
	expandable bool
	nodeID     int
	policyType PolicyType
	tableLock  trackedlock.RWMutex
	cellsTable [][]*cell
	flags      uint32 // atomic
	manager    *MemoryManager
	flusher    *FlushEngine
	statsName  string
	stats      cacheStatsGroup
}

// NewAssociativeCache builds a cache of cacheSize bytes drawing page frames
// from the passed manager. An expandable cache starts at min(cacheSize,
// 128MiB) and grows one cell at a time as cells overflow.
func NewAssociativeCache(cacheSize int64, policyType PolicyType, expandable bool,
	nodeID int, manager *MemoryManager) (ac *AssociativeCache, err error) {

	initCacheSize := defaultInitCacheSize
	if (initCacheSize > cacheSize) || !expandable {
		// A fixed-size cache gets its full complement of cells up front.
		initCacheSize = cacheSize
	}
	if initCacheSize < CellSize*PageSize {
		err = blunder.NewError(blunder.InitError,
			"cache size %d is below one cell (%d bytes)", cacheSize, CellSize*PageSize)
		return
	}

	npages := initCacheSize / PageSize
	initNCells := npages / CellSize

	maxNPages := manager.MaxSize() / PageSize
	maxNCells := maxNPages / CellSize
	dirSlots := maxNCells / initNCells
	if dirSlots < 1 {
		dirSlots = 1
	}

	ac = &AssociativeCache{
		initNCells: initNCells,
		expandable: expandable,
		nodeID:     nodeID,
		policyType: policyType,
		cellsTable: make([][]*cell, dirSlots),
		manager:    manager,
		statsName:  fmt.Sprintf("PageCache-%d", atomic.AddUint64(&cacheInstanceNumber, 1)),
	}

	cells, err := ac.newCellArray(0)
	if nil != err {
		err = blunder.AddError(err, blunder.OutOfMemoryError)
		return
	}
	ac.cellsTable[0] = cells
	ac.ncellArrs = 1

	manager.RegisterCache(ac)
	bucketstats.Register("cache", ac.statsName, &ac.stats)

	logger.Infof("%s: %d initial cells (%s, policy %v, expandable %v)",
		ac.statsName, initNCells, humanize.IBytes(uint64(initCacheSize)), policyType, expandable)

	err = nil
	return
}

// Down tears the cache down: the flush engine stops and the stats group is
// unregistered. Dirty pages are not written back; that is the caller's
// responsibility via the flush engine before shutdown.
func (ac *AssociativeCache) Down() {
	if nil != ac.flusher {
		ac.flusher.Down()
		ac.flusher = nil
	}
	bucketstats.UnRegister("cache", ac.statsName)
	ac.manager.UnregisterCache(ac)
	ac.manager.ReleasePages(ac.NumCells() * CellSize)
}

func (ac *AssociativeCache) newCellArray(firstHash int64) (cells []*cell, err error) {
	cells = make([]*cell, ac.initNCells)
	for j := int64(0); j < ac.initNCells; j++ {
		cells[j], err = newCell(ac, firstHash+j, ac.nodeID)
		if nil != err {
			cells = nil
			return
		}
	}
	err = nil
	return
}

func (ac *AssociativeCache) IsExpandable() bool {
	return ac.expandable
}

// NumCells returns the count of live cells; valid cell indices are
// [0, NumCells()).
func (ac *AssociativeCache) NumCells() int64 {
	return atomic.LoadInt64(&ac.ncellArrs) * ac.initNCells
}

// Size returns the current footprint of the cache in bytes.
func (ac *AssociativeCache) Size() int64 {
	return ac.NumCells() * CellSize * PageSize
}

// sizeCells returns 2^level * initNCells, the modulus of the current round.
// Callers must hold tableLock or be the single expander.
func (ac *AssociativeCache) sizeCells() int64 {
	return (int64(1) << uint(ac.level)) * ac.initNCells
}

func (ac *AssociativeCache) hash1(offset int64) int64 {
	return (offset >> blockio.PageShift) % ac.sizeCells()
}

func (ac *AssociativeCache) hash2(offset int64) int64 {
	return (offset >> blockio.PageShift) % (2 * ac.sizeCells())
}

// hash1Next hashes under the next round's modulus; used by rehash to decide
// which pages move to the expanded cell. Only the expander calls this, so
// (level, split) are stable.
func (ac *AssociativeCache) hash1Next(offset int64) int64 {
	return (offset >> blockio.PageShift) % (2 * ac.sizeCells())
}

// idxLocked computes the cell index of an offset under the current
// (level, split). Callers must hold tableLock at least shared.
func (ac *AssociativeCache) idxLocked(offset int64) int64 {
	idx := ac.hash1(offset)
	if idx >= ac.split {
		return idx
	}
	return ac.hash2(offset)
}

// getCellOffset resolves the cell an offset maps to. The read lock covers
// only the index computation and pointer fetch; cell operations may block
// on I/O and must happen outside it.
func (ac *AssociativeCache) getCellOffset(offset int64) (c *cell) {
	ac.tableLock.RLock()
	idx := ac.idxLocked(offset)
	c = ac.cellsTable[idx/ac.initNCells][idx%ac.initNCells]
	ac.tableLock.RUnlock()
	return
}

// getCell returns the cell at a logical index. Only the expander uses it
// without the table lock; it is the only writer of the directory.
func (ac *AssociativeCache) getCell(idx int64) (c *cell) {
	return ac.cellsTable[idx/ac.initNCells][idx%ac.initNCells]
}

// getCellAt is the reader-safe variant of getCell for neighbor walks.
func (ac *AssociativeCache) getCellAt(idx int64) (c *cell) {
	ac.tableLock.RLock()
	c = ac.cellsTable[idx/ac.initNCells][idx%ac.initNCells]
	ac.tableLock.RUnlock()
	return
}

// Search returns the cached page at offset with its reference raised, or
// nil on a miss. It never evicts.
func (ac *AssociativeCache) Search(offset int64) (p *Page) {
	p = ac.getCellOffset(offset).search(offset)
	if nil != p {
		ac.stats.Hits.Increment()
	}
	return
}

// SearchEvict returns the page at offset, evicting to make room on a miss.
// hit reports whether the page was already present; oldOff carries the
// victim's prior offset (-1 on a hit or when the victim never held one),
// which makes its receiver the owner of any old-dirty write-back. The
// lookup restarts transparently when a table expansion moves the cell
// underneath it.
func (ac *AssociativeCache) SearchEvict(offset int64) (p *Page, oldOff int64, hit bool) {
	for {
		var retry bool
		p, oldOff, hit, retry = ac.getCellOffset(offset).searchEvict(offset)
		if !retry {
			break
		}
	}
	if hit {
		ac.stats.Hits.Increment()
	} else {
		ac.stats.Misses.Increment()
	}
	return
}

// Expand runs the linear-hashing expansion protocol on behalf of an
// overflowing cell. It returns true if this call ran the protocol (whether
// or not it rehashed to completion); false if another thread already holds
// TABLE_EXPANDING or the directory cannot grow.
func (ac *AssociativeCache) Expand(triggerCell *cell) bool {
	for {
		old := atomic.LoadUint32(&ac.flags)
		if 0 != old&tableExpandingFlag {
			// Another thread is expanding the table.
			return false
		}
		if atomic.CompareAndSwapUint32(&ac.flags, old, old|tableExpandingFlag) {
			break
		}
	}
	defer func() {
		for {
			old := atomic.LoadUint32(&ac.flags)
			if atomic.CompareAndSwapUint32(&ac.flags, old, old&^tableExpandingFlag) {
				return
			}
		}
	}()

	// From here on only this thread changes the table, so (level, split)
	// and the directory may be read without the lock; the lock is taken
	// exclusively only to publish changes to readers.
	ac.stats.Expansions.Increment()
	size := ac.sizeCells()

	for triggerCell.isOverflow() {
		cellsIdx := (ac.split + size) / ac.initNCells
		origArrs := atomic.LoadInt64(&ac.ncellArrs)
		if cellsIdx >= origArrs {
			if cellsIdx >= int64(len(ac.cellsTable)) {
				logger.Warnf("%s: directory exhausted at %d cells; expansion aborted",
					ac.statsName, ac.NumCells())
				return false
			}
			outOfMemory := false
			var newArrays [][]*cell
			for i := origArrs; i <= cellsIdx; i++ {
				cells, err := ac.newCellArray(i * ac.initNCells)
				if nil != err {
					logger.WarnfWithError(err, "%s: expansion halted", ac.statsName)
					outOfMemory = true
					break
				}
				newArrays = append(newArrays, cells)
			}

			// Publish whatever was allocated before bailing on OOM so the
			// bookkeeping matches the directory.
			ac.tableLock.Lock()
			for k, cells := range newArrays {
				ac.cellsTable[origArrs+int64(k)] = cells
			}
			atomic.AddInt64(&ac.ncellArrs, int64(len(newArrays)))
			ac.tableLock.Unlock()
			if outOfMemory {
				return false
			}
		}

		expandedCell := ac.getCell(ac.split + size)
		ac.getCell(ac.split).rehash(expandedCell)
		ac.stats.Rehashes.Increment()

		ac.tableLock.Lock()
		ac.split++
		if ac.split == size {
			ac.level++
			ac.split = 0
			logger.Infof("%s: level increased to %d", ac.statsName, ac.level)
			ac.tableLock.Unlock()
			break
		}
		ac.tableLock.Unlock()
	}

	return true
}

// GetPrevCell returns the logical neighbor below, or nil at index 0.
func (ac *AssociativeCache) GetPrevCell(c *cell) *cell {
	if 0 == c.hash {
		return nil
	}
	return ac.getCellAt(c.hash - 1)
}

// GetNextCell returns the logical neighbor above, or nil at the end of the
// populated range.
func (ac *AssociativeCache) GetNextCell(c *cell) *cell {
	if c.hash >= ac.NumCells()-1 {
		return nil
	}
	return ac.getCellAt(c.hash + 1)
}

// CreateFlushEngine attaches a flush worker writing through io. At most one
// flush engine exists per cache; subsequent calls return the existing one.
func (ac *AssociativeCache) CreateFlushEngine(io blockio.IO, dirtyPagesThreshold int,
	maxDirtyCellsInQueue int, raidBlockBytes int64) *FlushEngine {
	if nil == ac.flusher {
		ac.flusher = newFlushEngine(ac, io, dirtyPagesThreshold, maxDirtyCellsInQueue, raidBlockBytes)
	}
	return ac.flusher
}

// MarkDirtyPages hands freshly dirtied pages to the flush engine, which
// queues their cells once they cross the dirty threshold. A no-op without a
// flush engine.
func (ac *AssociativeCache) MarkDirtyPages(pages []*Page) {
	if (nil != ac.flusher) && (len(pages) > 0) {
		ac.flusher.DirtyPages(pages)
	}
}

// FlushCallback routes the completion of a flush-engine write.
func (ac *AssociativeCache) FlushCallback(req *blockio.Request) {
	if nil != ac.flusher {
		ac.flusher.RequestCallback(req)
	}
}

// ShrinkPages is the memory manager's overflow hook. Frames are only
// recycled in place by eviction, never surrendered, so the cache cannot
// give pages back.
func (ac *AssociativeCache) ShrinkPages(npages int) int {
	return 0
}

// StatsName identifies this cache's bucketstats group.
func (ac *AssociativeCache) StatsName() string {
	return ac.statsName
}

// ReferencedPages counts pages with a nonzero reference count; a quiesced
// cache reports zero.
func (ac *AssociativeCache) ReferencedPages() (num int) {
	for idx := int64(0); idx < ac.NumCells(); idx++ {
		c := ac.getCellAt(idx)
		c.lock.Lock()
		for i := 0; i < CellSize; i++ {
			if c.buf.getPage(i).Ref() > 0 {
				num++
			}
		}
		c.lock.Unlock()
	}
	return
}

// LevelAndSplit exposes the expansion state for tests and stats dumps.
func (ac *AssociativeCache) LevelAndSplit() (level int64, split int64) {
	ac.tableLock.RLock()
	level = ac.level
	split = ac.split
	ac.tableLock.RUnlock()
	return
}
