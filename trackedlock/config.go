// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

package trackedlock

import (
	"sync/atomic"

	"github.com/NVIDIA/pagecache/conf"
	"github.com/NVIDIA/pagecache/logger"
)

// Up initializes lock tracking from the [TrackedLock] section of the passed
// ConfMap. With no LockHoldTimeLimit option (or a value of 0s) tracking is
// disabled.
func Up(confMap conf.ConfMap) (err error) {
	limit, err := confMap.FetchOptionValueDuration("TrackedLock", "LockHoldTimeLimit")
	if nil != err {
		limit = 0
		err = nil
	}

	atomic.StoreInt64(&lockHoldTimeLimit, int64(limit))
	if 0 != limit {
		logger.Infof("trackedlock: tracking enabled, hold time limit %v", limit)
	}
	return
}

// Down disables lock tracking.
func Down() (err error) {
	atomic.StoreInt64(&lockHoldTimeLimit, 0)
	err = nil
	return
}
