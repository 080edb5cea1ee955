// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package mapper

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/NVIDIA/pagecache/blockio"
	"github.com/NVIDIA/pagecache/blunder"
	"github.com/NVIDIA/pagecache/conf"
)

func makeTestRAIDConfig(t *testing.T, blockSize string, disks string) *RAIDConfig {
	confMap, err := conf.MakeConfMapFromStrings([]string{
		"RAID.BlockSize=" + blockSize,
		"RAID.DiskPaths=" + disks,
	})
	assert.Nil(t, err)

	raidConfig, err := RAIDConfigFromConfMap(confMap)
	assert.Nil(t, err)
	return raidConfig
}

func TestRAIDConfigErrors(t *testing.T) {
	confMap, err := conf.MakeConfMapFromStrings([]string{})
	assert.Nil(t, err)

	_, err = RAIDConfigFromConfMap(confMap)
	assert.NotNil(t, err)
	assert.True(t, blunder.Is(err, blunder.InitError))

	confMap, err = conf.MakeConfMapFromStrings([]string{
		"RAID.BlockSize=16",
		"RAID.DiskPaths=/d0",
		"RAID.MappingOption=raid5",
	})
	assert.Nil(t, err)

	_, err = RAIDConfigFromConfMap(confMap)
	assert.True(t, blunder.Is(err, blunder.InitError))
}

func TestRAID0Striping(t *testing.T) {
	raidConfig := makeTestRAIDConfig(t, "16", "/d0, /d1")
	fileMapper := raidConfig.CreateFileMapper(0, "graph")

	blockBytes := raidConfig.BlockSizeBytes()
	assert.Equal(t, int64(16*blockio.PageSize), blockBytes)

	// Block 0 → disk 0, block 1 → disk 1, block 2 → disk 0 again.
	diskIdx, diskOffset := fileMapper.Map(0)
	assert.Equal(t, 0, diskIdx)
	assert.Equal(t, int64(0), diskOffset)

	diskIdx, diskOffset = fileMapper.Map(blockBytes + 123)
	assert.Equal(t, 1, diskIdx)
	assert.Equal(t, int64(123), diskOffset)

	diskIdx, diskOffset = fileMapper.Map(2*blockBytes + 7)
	assert.Equal(t, 0, diskIdx)
	assert.Equal(t, blockBytes+7, diskOffset)
}

func TestSameBlock(t *testing.T) {
	raidConfig := makeTestRAIDConfig(t, "16", "/d0")
	fileMapper := raidConfig.CreateFileMapper(0, "graph")

	blockBytes := raidConfig.BlockSizeBytes()
	assert.True(t, fileMapper.SameBlock(0, blockBytes-1))
	assert.False(t, fileMapper.SameBlock(blockBytes-1, blockBytes))
}

func TestFileMapperSet(t *testing.T) {
	raidConfig := makeTestRAIDConfig(t, "16", "/d0")
	set := NewFileMapperSet(raidConfig)

	graphMapper := set.Get("graph")
	indexMapper := set.Get("index")
	assert.Equal(t, uint64(0), graphMapper.FileID())
	assert.Equal(t, uint64(1), indexMapper.FileID())
	assert.Equal(t, graphMapper, set.Get("graph"))
	assert.Equal(t, indexMapper, set.GetByID(1))
	assert.Nil(t, set.GetByID(99))
}

func TestFileWeights(t *testing.T) {
	raidConfig := makeTestRAIDConfig(t, "16", "/d0")
	set := NewFileMapperSet(raidConfig)

	err := set.ApplyFileWeights([]string{"graph:2", "index: 3"})
	assert.Nil(t, err)
	assert.Equal(t, 2, set.Get("graph").Weight())
	assert.Equal(t, 3, set.Get("index").Weight())

	err = set.ApplyFileWeights([]string{"bogus"})
	assert.True(t, blunder.Is(err, blunder.InitError))

	err = set.ApplyFileWeights([]string{"x:notanumber"})
	assert.True(t, blunder.Is(err, blunder.InitError))
}
