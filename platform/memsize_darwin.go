// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"golang.org/x/sys/unix"
)

// MemSize returns the size of physical memory in bytes.
func MemSize() (memSize uint64) {
	memSize, err := unix.SysctlUint64("hw.memsize")
	if nil != err {
		return 0
	}
	return
}
