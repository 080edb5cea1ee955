// Copyright (c) 2015-2021, NVIDIA CORPORATION.
// SPDX-License-Identifier: Apache-2.0

// cacheworkout drives random or sequential reads and writes through the
// cached I/O front-end over an emulated device and reports throughput and
// cache statistics.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"sync"

	"github.com/dustin/go-humanize"

	"github.com/NVIDIA/pagecache/blockio"
	"github.com/NVIDIA/pagecache/bucketstats"
	"github.com/NVIDIA/pagecache/cachedio"
	"github.com/NVIDIA/pagecache/conf"
	"github.com/NVIDIA/pagecache/emdisk"
	"github.com/NVIDIA/pagecache/logger"
	"github.com/NVIDIA/pagecache/platform"
	"github.com/NVIDIA/pagecache/trackedlock"
	"github.com/NVIDIA/pagecache/utils"
)

var (
	accessIsRandom bool
	accessIsWrite  bool
	opsPerThread   uint64
	regionBytes    int64
	threads        uint64
)

func usage(file *os.File) {
	fmt.Fprintf(file, "Usage:\n")
	fmt.Fprintf(file, "    %v [rRwW] threads ops-per-thread region-pages conf-file [section.option=value]*\n", os.Args[0])
	fmt.Fprintf(file, "  where:\n")
	fmt.Fprintf(file, "    r                       sequential page reads\n")
	fmt.Fprintf(file, "    R                       random page reads\n")
	fmt.Fprintf(file, "    w                       sequential page writes\n")
	fmt.Fprintf(file, "    W                       random page writes\n")
	fmt.Fprintf(file, "    threads                 number of submitting threads\n")
	fmt.Fprintf(file, "    ops-per-thread          page accesses each thread performs\n")
	fmt.Fprintf(file, "    region-pages            size of the accessed region, in pages\n")
	fmt.Fprintf(file, "    conf-file               input to conf.MakeConfMapFromFile()\n")
	fmt.Fprintf(file, "    [section.option=value]* optional input to conf.UpdateFromStrings()\n")
}

func workerLoop(gio *cachedio.CachedIO, seed int64, doneChan chan error) {
	var (
		buf = make([]byte, blockio.PageSize)
		err error
		rng = rand.New(rand.NewSource(seed))
	)

	_ = platform.BindToNode(0)

	numPages := regionBytes / blockio.PageSize
	for op := uint64(0); op < opsPerThread; op++ {
		var pageNum int64
		if accessIsRandom {
			pageNum = rng.Int63n(numPages)
		} else {
			pageNum = (seed*int64(opsPerThread) + int64(op)) % numPages
		}
		if accessIsWrite {
			rng.Read(buf[:16])
			err = gio.AccessBuf(buf, pageNum*blockio.PageSize, blockio.WriteAccess)
		} else {
			err = gio.AccessBuf(buf, pageNum*blockio.PageSize, blockio.ReadAccess)
		}
		if nil != err {
			doneChan <- err
			return
		}
	}
	doneChan <- nil
}

func main() {
	var (
		confMap conf.ConfMap
		err     error
		wg      sync.WaitGroup
	)

	if 6 > len(os.Args) {
		usage(os.Stderr)
		os.Exit(1)
	}

	switch os.Args[1] {
	case "r":
	case "R":
		accessIsRandom = true
	case "w":
		accessIsWrite = true
	case "W":
		accessIsRandom = true
		accessIsWrite = true
	default:
		fmt.Fprintf(os.Stderr, "os.Args[1] ('%v') must be one of 'r', 'R', 'w', or 'W'\n", os.Args[1])
		os.Exit(1)
	}

	threads, err = strconv.ParseUint(os.Args[2], 10, 64)
	if (nil != err) || (0 == threads) {
		fmt.Fprintf(os.Stderr, "threads ('%v') must be a positive number\n", os.Args[2])
		os.Exit(1)
	}

	opsPerThread, err = strconv.ParseUint(os.Args[3], 10, 64)
	if (nil != err) || (0 == opsPerThread) {
		fmt.Fprintf(os.Stderr, "ops-per-thread ('%v') must be a positive number\n", os.Args[3])
		os.Exit(1)
	}

	regionPages, err := strconv.ParseUint(os.Args[4], 10, 64)
	if (nil != err) || (0 == regionPages) {
		fmt.Fprintf(os.Stderr, "region-pages ('%v') must be a positive number\n", os.Args[4])
		os.Exit(1)
	}
	regionBytes = int64(regionPages) * blockio.PageSize

	confMap, err = conf.MakeConfMapFromFile(os.Args[5])
	if nil != err {
		fmt.Fprintf(os.Stderr, "conf.MakeConfMapFromFile(\"%v\") failed: %v\n", os.Args[5], err)
		os.Exit(1)
	}
	err = confMap.UpdateFromStrings(os.Args[6:])
	if nil != err {
		fmt.Fprintf(os.Stderr, "confMap.UpdateFromStrings(%v) failed: %v\n", os.Args[6:], err)
		os.Exit(1)
	}

	err = logger.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "logger.Up() failed: %v\n", err)
		os.Exit(1)
	}
	err = trackedlock.Up(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "trackedlock.Up() failed: %v\n", err)
		os.Exit(1)
	}

	system, err := cachedio.UpSystem(confMap)
	if nil != err {
		fmt.Fprintf(os.Stderr, "cachedio.UpSystem() failed: %v\n", err)
		os.Exit(1)
	}

	disk := emdisk.NewEmDisk(0, 0)
	gio := system.CreateCachedIO(disk)

	logger.Infof("cacheworkout: %d threads, %d ops each, %s region, cache %s",
		threads, opsPerThread,
		humanize.IBytes(uint64(regionBytes)),
		humanize.IBytes(uint64(system.Params().CacheSize)))

	// Warm the cache so read workouts measure the cache, not the cold
	// misses.
	if !accessIsWrite {
		preloadBytes := regionBytes
		if preloadBytes > system.GlobalCache().Size() {
			preloadBytes = system.GlobalCache().Size()
		}
		err = gio.Preload(0, preloadBytes)
		if nil != err {
			fmt.Fprintf(os.Stderr, "preload failed: %v\n", err)
			os.Exit(1)
		}
	}

	doneChan := make(chan error, threads)
	stopwatch := utils.NewStopwatch()
	for thread := uint64(0); thread < threads; thread++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			workerLoop(gio, seed, doneChan)
		}(int64(thread))
	}
	wg.Wait()
	elapsed := stopwatch.Stop()

	close(doneChan)
	for workerErr := range doneChan {
		if nil != workerErr {
			fmt.Fprintf(os.Stderr, "worker failed: %v\n", workerErr)
			os.Exit(1)
		}
	}

	totalOps := threads * opsPerThread
	totalBytes := totalOps * blockio.PageSize
	opsPerSecond := float64(totalOps) / elapsed.Seconds()
	fmt.Printf("elapsed:    %v\n", elapsed)
	fmt.Printf("ops:        %d (%.0f/sec)\n", totalOps, opsPerSecond)
	fmt.Printf("throughput: %s/sec\n", humanize.IBytes(uint64(float64(totalBytes)/elapsed.Seconds())))
	fmt.Printf("%s", bucketstats.SprintStats(bucketstats.StatFormatParsable1, "*", "*"))

	system.Down()
	disk.Close()
	_ = trackedlock.Down()
	_ = logger.Down()
}
