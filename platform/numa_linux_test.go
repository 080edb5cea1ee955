// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCPUList(t *testing.T) {
	cpus, err := parseCPUList("0-3,8-11,16")
	assert.Nil(t, err)
	assert.Equal(t, []int{0, 1, 2, 3, 8, 9, 10, 11, 16}, cpus)

	cpus, err = parseCPUList("5")
	assert.Nil(t, err)
	assert.Equal(t, []int{5}, cpus)

	_, err = parseCPUList("not-a-cpu")
	assert.NotNil(t, err)
}
