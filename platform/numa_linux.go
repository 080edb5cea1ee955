// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package platform

import (
	"fmt"
	"io/ioutil"
	"runtime"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// NumNodes returns the number of populated NUMA nodes, or 1 if the topology
// cannot be read.
func NumNodes() (numNodes int) {
	entries, err := ioutil.ReadDir("/sys/devices/system/node")
	if nil != err {
		return 1
	}
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "node") {
			if _, err = strconv.Atoi(entry.Name()[4:]); nil == err {
				numNodes++
			}
		}
	}
	if 0 == numNodes {
		numNodes = 1
	}
	return
}

// NodeCPUs returns the CPU ids belonging to the passed NUMA node. If the
// topology cannot be read, all CPUs are returned.
func NodeCPUs(node int) (cpus []int, err error) {
	cpulist, err := ioutil.ReadFile(
		fmt.Sprintf("/sys/devices/system/node/node%d/cpulist", node))
	if nil != err {
		return allCPUs(), nil
	}

	cpus, err = parseCPUList(strings.TrimSpace(string(cpulist)))
	if nil != err {
		return
	}
	if 0 == len(cpus) {
		cpus = allCPUs()
	}
	err = nil
	return
}

// BindToNode locks the calling goroutine to its OS thread and restricts that
// thread to the CPUs of the passed NUMA node.
func BindToNode(node int) (err error) {
	cpus, err := NodeCPUs(node)
	if nil != err {
		return
	}

	var cpuSet unix.CPUSet
	cpuSet.Zero()
	for _, cpu := range cpus {
		cpuSet.Set(cpu)
	}

	runtime.LockOSThread()
	err = unix.SchedSetaffinity(0, &cpuSet)
	return
}

func allCPUs() (cpus []int) {
	for cpu := 0; cpu < runtime.NumCPU(); cpu++ {
		cpus = append(cpus, cpu)
	}
	return
}

// parseCPUList parses a kernel cpulist string such as "0-3,8-11,16".
func parseCPUList(cpulist string) (cpus []int, err error) {
	if "" == cpulist {
		return
	}
	for _, chunk := range strings.Split(cpulist, ",") {
		dashSplit := strings.SplitN(chunk, "-", 2)
		if 1 == len(dashSplit) {
			var cpu int
			cpu, err = strconv.Atoi(dashSplit[0])
			if nil != err {
				return
			}
			cpus = append(cpus, cpu)
		} else {
			var first, last int
			first, err = strconv.Atoi(dashSplit[0])
			if nil != err {
				return
			}
			last, err = strconv.Atoi(dashSplit[1])
			if nil != err {
				return
			}
			for cpu := first; cpu <= last; cpu++ {
				cpus = append(cpus, cpu)
			}
		}
	}
	return
}
