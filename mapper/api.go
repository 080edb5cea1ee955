// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package mapper translates a (file id, file offset) pair into a (disk,
// disk offset) pair according to the configured RAID striping. It is
// independent of the page cache; the cache only consults the RAID block
// size to bound the span of merged writes.
package mapper

import (
	"strconv"
	"strings"

	"github.com/NVIDIA/pagecache/blockio"
	"github.com/NVIDIA/pagecache/blunder"
	"github.com/NVIDIA/pagecache/conf"
	"github.com/NVIDIA/pagecache/trackedlock"
)

const (
	MappingRAID0 = "raid0"
)

// RAIDConfig describes the striping of the backing store.
type RAIDConfig struct {
	BlockSize     int64 // striping unit, in pages
	MappingOption string
	DiskPaths     []string
}

// BlockSizeBytes returns the striping unit in bytes; merged writes never
// cross a boundary of this size.
func (raidConfig *RAIDConfig) BlockSizeBytes() int64 {
	return raidConfig.BlockSize * blockio.PageSize
}

func (raidConfig *RAIDConfig) NumDisks() int {
	return len(raidConfig.DiskPaths)
}

// RAIDConfigFromConfMap builds a RAIDConfig from the [RAID] section.
// BlockSize and DiskPaths are required; MappingOption defaults to raid0.
func RAIDConfigFromConfMap(confMap conf.ConfMap) (raidConfig *RAIDConfig, err error) {
	blockSize, err := confMap.FetchOptionValueUint64("RAID", "BlockSize")
	if nil != err {
		err = blunder.NewError(blunder.InitError, "RAID config: %v", err)
		return
	}
	if 0 == blockSize {
		err = blunder.NewError(blunder.InitError, "RAID config: BlockSize must be nonzero")
		return
	}

	diskPaths, err := confMap.FetchOptionValueStringSlice("RAID", "DiskPaths")
	if nil != err {
		err = blunder.NewError(blunder.InitError, "RAID config: %v", err)
		return
	}
	if 0 == len(diskPaths) {
		err = blunder.NewError(blunder.InitError, "RAID config: DiskPaths must name at least one disk")
		return
	}

	mappingOption, err := confMap.FetchOptionValueString("RAID", "MappingOption")
	if nil != err {
		mappingOption = MappingRAID0
		err = nil
	}
	if MappingRAID0 != mappingOption {
		err = blunder.NewError(blunder.InitError, "RAID config: unknown MappingOption \"%v\"", mappingOption)
		return
	}

	raidConfig = &RAIDConfig{
		BlockSize:     int64(blockSize),
		MappingOption: mappingOption,
		DiskPaths:     diskPaths,
	}
	err = nil
	return
}

// FileMapper maps file offsets onto the disks of one RAID group.
type FileMapper struct {
	raidConfig *RAIDConfig
	fileID     uint64
	fileName   string
	weight     int
}

// CreateFileMapper returns a mapper for the named file.
func (raidConfig *RAIDConfig) CreateFileMapper(fileID uint64, fileName string) (fileMapper *FileMapper) {
	fileMapper = &FileMapper{
		raidConfig: raidConfig,
		fileID:     fileID,
		fileName:   fileName,
		weight:     1,
	}
	return
}

func (fileMapper *FileMapper) FileID() uint64 {
	return fileMapper.fileID
}

func (fileMapper *FileMapper) FileName() string {
	return fileMapper.fileName
}

func (fileMapper *FileMapper) Weight() int {
	return fileMapper.weight
}

func (fileMapper *FileMapper) SetWeight(weight int) {
	fileMapper.weight = weight
}

// Map translates a file offset into (disk index, disk offset) under RAID0
// striping: consecutive RAID blocks rotate across the disks.
func (fileMapper *FileMapper) Map(offset int64) (diskIdx int, diskOffset int64) {
	var (
		blockBytes = fileMapper.raidConfig.BlockSizeBytes()
		blockNum   = offset / blockBytes
		blockOff   = offset % blockBytes
		numDisks   = int64(fileMapper.raidConfig.NumDisks())
	)

	diskIdx = int(blockNum % numDisks)
	diskOffset = (blockNum/numDisks)*blockBytes + blockOff
	return
}

// SameBlock returns true if both offsets fall within one RAID block;
// merged I/O may only span offsets for which this holds.
func (fileMapper *FileMapper) SameBlock(offset1 int64, offset2 int64) bool {
	blockBytes := fileMapper.raidConfig.BlockSizeBytes()
	return offset1/blockBytes == offset2/blockBytes
}

// FileMapperSet hands out one FileMapper per file name, assigning file ids
// in order of first use.
type FileMapperSet struct {
	mutex      trackedlock.Mutex
	raidConfig *RAIDConfig
	byName     map[string]*FileMapper
	byID       map[uint64]*FileMapper
	nextFileID uint64
}

func NewFileMapperSet(raidConfig *RAIDConfig) (set *FileMapperSet) {
	set = &FileMapperSet{
		raidConfig: raidConfig,
		byName:     make(map[string]*FileMapper),
		byID:       make(map[uint64]*FileMapper),
	}
	return
}

// Get returns the mapper for the named file, creating it on first use.
func (set *FileMapperSet) Get(fileName string) (fileMapper *FileMapper) {
	set.mutex.Lock()
	defer set.mutex.Unlock()

	fileMapper, ok := set.byName[fileName]
	if !ok {
		fileMapper = set.raidConfig.CreateFileMapper(set.nextFileID, fileName)
		set.byName[fileName] = fileMapper
		set.byID[set.nextFileID] = fileMapper
		set.nextFileID++
	}
	return
}

// GetByID returns the mapper for a file id, or nil.
func (set *FileMapperSet) GetByID(fileID uint64) (fileMapper *FileMapper) {
	set.mutex.Lock()
	defer set.mutex.Unlock()
	return set.byID[fileID]
}

// ApplyFileWeights parses "name:weight" entries (the FileWeights conf
// option) and applies them to the named files' mappers.
func (set *FileMapperSet) ApplyFileWeights(weightStrings []string) (err error) {
	for _, weightString := range weightStrings {
		colonSplit := strings.SplitN(weightString, ":", 2)
		if 2 != len(colonSplit) {
			err = blunder.NewError(blunder.InitError,
				"FileWeights entry \"%v\" must be of the form name:weight", weightString)
			return
		}
		weight, parseErr := strconv.Atoi(strings.TrimSpace(colonSplit[1]))
		if nil != parseErr {
			err = blunder.NewError(blunder.InitError,
				"FileWeights entry \"%v\": %v", weightString, parseErr)
			return
		}
		set.Get(strings.TrimSpace(colonSplit[0])).SetWeight(weight)
	}
	err = nil
	return
}
