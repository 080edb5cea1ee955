// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"runtime"
)

// NumNodes returns 1; macOS exposes no NUMA topology.
func NumNodes() (numNodes int) {
	return 1
}

// NodeCPUs returns all CPUs; macOS exposes no NUMA topology.
func NodeCPUs(node int) (cpus []int, err error) {
	for cpu := 0; cpu < runtime.NumCPU(); cpu++ {
		cpus = append(cpus, cpu)
	}
	return
}

// BindToNode locks the calling goroutine to its OS thread; macOS offers no
// thread-affinity syscall to restrict it further.
func BindToNode(node int) (err error) {
	runtime.LockOSThread()
	return
}
