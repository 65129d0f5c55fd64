// Package stats derives per-size-class counters and global page totals
// from pkg/pagepool and pkg/pagebackend state, and validates the
// allocator's bookkeeping invariants at quiescent points.
package stats

import (
	"errors"
	"fmt"
	"time"

	"github.com/joshuapare/pageheap/pkg/pagebackend"
	"github.com/joshuapare/pageheap/pkg/pagepool"
)

// ErrConsistencyViolation is raised by CheckConsistency when the
// allocator's bookkeeping no longer adds up.
var ErrConsistencyViolation = errors.New("stats: consistency violation")

// ClassCounter is one size class's counters: blocks currently out, the
// bytes they cover, and the cumulative time spent allocating in the
// class.
type ClassCounter struct {
	SizePages      int64
	NumAllocations int64
	TotalBytes     int64
	ClocksSpent    time.Duration
}

// Global is the process-wide counter set.
type Global struct {
	NumAllocated int64 // pages currently handed out across all classes
	NumMapped    int64 // pages currently backed by the OS (mmap backend)
	Classes      []ClassCounter
}

// Snapshot reads the current counters from pool and backend. Per-class
// "currently allocated" is derived as Total-Free (blocks grown minus
// blocks free), matching pkg/pagepool.ClassStats' own bookkeeping.
func Snapshot(pool *pagepool.Pool, backend pagebackend.Backend) Global {
	classStats := pool.Stats()
	g := Global{
		NumMapped: backend.MappedPages(),
		Classes:   make([]ClassCounter, len(classStats)),
	}
	for i, cs := range classStats {
		allocatedBlocks := cs.Total - cs.Free
		g.Classes[i] = ClassCounter{
			SizePages:      cs.SizePages,
			NumAllocations: allocatedBlocks,
			TotalBytes:     allocatedBlocks * cs.SizePages * backend.PageSize(),
			ClocksSpent:    cs.Clocks,
		}
		g.NumAllocated += allocatedBlocks * cs.SizePages
	}
	return g
}

// CheckConsistency validates the derivable invariants against
// pkg/pagepool's own per-class bookkeeping: allocated pages (grown minus
// free, per class) never exceed capacity, mapped pages never exceed
// capacity, and (mmap backend only) mapped pages never fall below
// allocated pages. It does not independently verify free/allocated
// overlap or run alignment, and it knows nothing about pages held by
// pkg/contig's contiguous allocations, which aren't tracked per size
// class. It must only be called while the allocator is quiescent.
func CheckConsistency(pool *pagepool.Pool, backend pagebackend.Backend) error {
	classStats := pool.Stats()
	var freePages, grownPages int64
	for _, cs := range classStats {
		freePages += cs.Free * cs.SizePages
		grownPages += cs.Total * cs.SizePages
	}

	mapped := backend.MappedPages()
	capacity := backend.CapacityPages()
	allocated := grownPages - freePages

	if allocated < 0 {
		return fmt.Errorf("%w: negative allocated page count %d", ErrConsistencyViolation, allocated)
	}
	if allocated > capacity {
		return fmt.Errorf("%w: allocated %d exceeds capacity %d", ErrConsistencyViolation, allocated, capacity)
	}
	if mapped > capacity {
		return fmt.Errorf("%w: mapped %d exceeds capacity %d", ErrConsistencyViolation, mapped, capacity)
	}
	if backend.SupportsAdvise() && mapped < allocated {
		return fmt.Errorf("%w: mapped %d is less than allocated %d", ErrConsistencyViolation, mapped, allocated)
	}
	return nil
}
