// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMemSize(t *testing.T) {
	assert.NotZero(t, MemSize())
}

func TestNumNodes(t *testing.T) {
	assert.True(t, NumNodes() >= 1)
}

func TestNodeCPUs(t *testing.T) {
	cpus, err := NodeCPUs(0)
	assert.Nil(t, err)
	assert.NotEmpty(t, cpus)

	// A bogus node falls back to the full CPU set rather than erroring.
	cpus, err = NodeCPUs(1 << 20)
	assert.Nil(t, err)
	assert.NotEmpty(t, cpus)
}
