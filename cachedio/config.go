// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package cachedio

import (
	"github.com/NVIDIA/pagecache/blockio"
	"github.com/NVIDIA/pagecache/blunder"
	"github.com/NVIDIA/pagecache/cache"
	"github.com/NVIDIA/pagecache/conf"
	"github.com/NVIDIA/pagecache/logger"
	"github.com/NVIDIA/pagecache/mapper"
	"github.com/NVIDIA/pagecache/trackedlock"
)

// Params collects the [PageCache] and [FlushEngine] options.
type Params struct {
	CacheSize            int64
	CacheType            cache.PolicyType
	Expandable           bool
	NumNodes             int
	Writable             bool
	TestHitRate          int
	AIODepthPerFile      int
	DirtyPagesThreshold  int
	MaxDirtyCellsInQueue int
}

// ParamsFromConfMap reads the engine parameters; CacheSize is required,
// everything else has a default.
func ParamsFromConfMap(confMap conf.ConfMap) (params Params, err error) {
	cacheSize, err := confMap.FetchOptionValueUint64("PageCache", "CacheSize")
	if nil != err {
		err = blunder.NewError(blunder.InitError, "%v", err)
		return
	}
	params.CacheSize = int64(cacheSize)

	cacheTypeName, nonFatalErr := confMap.FetchOptionValueString("PageCache", "CacheType")
	if nil != nonFatalErr {
		cacheTypeName = "gclock"
	}
	params.CacheType, err = cache.ParsePolicyType(cacheTypeName)
	if nil != err {
		return
	}

	params.Expandable, nonFatalErr = confMap.FetchOptionValueBool("PageCache", "Expandable")
	if nil != nonFatalErr {
		params.Expandable = false
	}

	numNodes, nonFatalErr := confMap.FetchOptionValueUint32("PageCache", "NumNodes")
	if (nil != nonFatalErr) || (0 == numNodes) {
		numNodes = 1
	}
	params.NumNodes = int(numNodes)

	params.Writable, nonFatalErr = confMap.FetchOptionValueBool("PageCache", "Writable")
	if nil != nonFatalErr {
		params.Writable = true
	}

	testHitRate, nonFatalErr := confMap.FetchOptionValueUint32("PageCache", "TestHitRate")
	if nil != nonFatalErr {
		testHitRate = 0
	}
	if testHitRate > 100 {
		err = blunder.NewError(blunder.InitError, "TestHitRate %d not in 0..100", testHitRate)
		return
	}
	params.TestHitRate = int(testHitRate)

	aioDepth, nonFatalErr := confMap.FetchOptionValueUint32("PageCache", "AIODepthPerFile")
	if (nil != nonFatalErr) || (0 == aioDepth) {
		aioDepth = 32
	}
	params.AIODepthPerFile = int(aioDepth)

	dirtyThreshold, nonFatalErr := confMap.FetchOptionValueUint32("FlushEngine", "DirtyPagesThreshold")
	if nil != nonFatalErr {
		dirtyThreshold = cache.DefaultDirtyPagesThreshold
	}
	params.DirtyPagesThreshold = int(dirtyThreshold)

	maxDirtyCells, nonFatalErr := confMap.FetchOptionValueUint32("FlushEngine", "MaxDirtyCellsInQueue")
	if (nil != nonFatalErr) || (0 == maxDirtyCells) {
		maxDirtyCells = cache.DefaultMaxDirtyCellsInQueue
	}
	params.MaxDirtyCellsInQueue = int(maxDirtyCells)

	err = nil
	return
}

// System is the explicit home of what used to be process-wide state: the
// RAID config, the file mappers, the page frame pool, and the shared cache.
// Construct one at init, hand it to the factories, tear it down at exit.
type System struct {
	params      Params
	raidConfig  *mapper.RAIDConfig
	fileMappers *mapper.FileMapperSet
	manager     *cache.MemoryManager
	globalCache *cache.AssociativeCache
	mutex       trackedlock.Mutex
	cachedIOs   []*CachedIO
}

// UpSystem builds a System from a ConfMap. A missing or malformed [RAID]
// or [PageCache] section fails with InitError; failure to allocate the
// initial cache is fatal.
func UpSystem(confMap conf.ConfMap) (system *System, err error) {
	params, err := ParamsFromConfMap(confMap)
	if nil != err {
		return
	}

	raidConfig, err := mapper.RAIDConfigFromConfMap(confMap)
	if nil != err {
		return
	}

	fileMappers := mapper.NewFileMapperSet(raidConfig)
	fileWeights, nonFatalErr := confMap.FetchOptionValueStringSlice("RAID", "FileWeights")
	if nil == nonFatalErr {
		err = fileMappers.ApplyFileWeights(fileWeights)
		if nil != err {
			return
		}
	}

	manager := cache.NewMemoryManager(params.CacheSize)
	globalCache, err := cache.NewAssociativeCache(params.CacheSize, params.CacheType,
		params.Expandable, 0, manager)
	if nil != err {
		// Nothing works without the initial cache.
		logger.Fatalf("could not build the page cache: %v", err)
	}

	system = &System{
		params:      params,
		raidConfig:  raidConfig,
		fileMappers: fileMappers,
		manager:     manager,
		globalCache: globalCache,
	}
	err = nil
	return
}

// Down stops the flush engine and detaches the front-ends.
func (system *System) Down() {
	system.mutex.Lock()
	cachedIOs := system.cachedIOs
	system.cachedIOs = nil
	system.mutex.Unlock()

	for _, gio := range cachedIOs {
		gio.Down()
	}
	system.globalCache.Down()
}

func (system *System) Params() Params {
	return system.params
}

func (system *System) RAIDConfig() *mapper.RAIDConfig {
	return system.raidConfig
}

func (system *System) FileMappers() *mapper.FileMapperSet {
	return system.fileMappers
}

func (system *System) GlobalCache() *cache.AssociativeCache {
	return system.globalCache
}

// CreateCachedIO wraps an underlying IO with the shared cache. The first
// front-end's underlying IO also serves the flush engine.
func (system *System) CreateCachedIO(underlying blockio.IO) (gio *CachedIO) {
	gio = NewCachedIO(underlying, system.globalCache, system.raidConfig.BlockSizeBytes(),
		system.params.Writable, system.params.TestHitRate)

	system.mutex.Lock()
	if 0 == len(system.cachedIOs) {
		system.globalCache.CreateFlushEngine(underlying, system.params.DirtyPagesThreshold,
			system.params.MaxDirtyCellsInQueue, system.raidConfig.BlockSizeBytes())
	}
	system.cachedIOs = append(system.cachedIOs, gio)
	system.mutex.Unlock()
	return
}
