// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// Package cache implements the associative page cache: a concurrent hash
// table of fixed-size cells, each holding a small set of pages with a
// pluggable eviction policy. The table grows on demand by linear hashing
// while serving live lookups.
//
// The cache stores page frames only; deciding what to read or write, and
// when, is the business of the cachedio package. The flush engine in this
// package writes back dirty pages in large merged requests when cells cross
// a dirty-page threshold.
package cache

import (
	"strings"

	"github.com/NVIDIA/pagecache/blockio"
	"github.com/NVIDIA/pagecache/blunder"
)

const (
	// CellSize is the number of pages per hash cell.
	CellSize = 16

	// PageSize is re-exported from blockio for the convenience of callers.
	PageSize = blockio.PageSize
)

// PolicyType names one of the supported per-cell eviction policies.
type PolicyType int

const (
	PolicyLRU PolicyType = iota
	PolicyLFU
	PolicyFIFO
	PolicyClock
	PolicyGClock
)

func (policyType PolicyType) String() string {
	switch policyType {
	case PolicyLRU:
		return "lru"
	case PolicyLFU:
		return "lfu"
	case PolicyFIFO:
		return "fifo"
	case PolicyClock:
		return "clock"
	case PolicyGClock:
		return "gclock"
	default:
		return "unknown"
	}
}

// ParsePolicyType maps a CacheType conf value onto a PolicyType.
func ParsePolicyType(name string) (policyType PolicyType, err error) {
	switch strings.ToLower(name) {
	case "lru":
		policyType = PolicyLRU
	case "lfu":
		policyType = PolicyLFU
	case "fifo":
		policyType = PolicyFIFO
	case "clock":
		policyType = PolicyClock
	case "gclock":
		policyType = PolicyGClock
	default:
		err = blunder.NewError(blunder.InitError, "unknown cache type \"%v\"", name)
	}
	return
}
