// Package contig implements the contiguous page allocator: a single
// virtually-contiguous range, taking prior non-contiguous allocations as
// collateral that is released as part of the same call (whether or not
// the new range is obtained), and (mmap backend) advising free-mapped pages away to stay under the
// mapped-page budget before mmapping the fresh range.
package contig

import (
	"errors"
	"fmt"
	"sync"

	"github.com/joshuapare/pageheap/internal/logging"
	"github.com/joshuapare/pageheap/pkg/pagebackend"
	"github.com/joshuapare/pageheap/pkg/pagepool"
	"github.com/joshuapare/pageheap/pkg/tracker"
)

// ErrOutOfCapacity is returned by bare entry points when a request
// exceeds the page budget; the collateral-bearing call instead reports
// failure through its bool result.
var ErrOutOfCapacity = errors.New("contig: out of capacity")

// ReservationFunc is invoked with the effective byte delta before
// charging the tracker (preAlloc=true) and on release (preAlloc=false).
type ReservationFunc func(deltaBytes int64, preAlloc bool)

// Allocation is a single virtually-contiguous page range.
type Allocation struct {
	base  int64
	pages int64
}

// IsEmpty reports whether the allocation holds no pages.
func (a *Allocation) IsEmpty() bool { return a == nil || a.pages == 0 }

// NumPages returns the page count of the range.
func (a *Allocation) NumPages() int64 {
	if a == nil {
		return 0
	}
	return a.pages
}

// BaseAddress returns the base of the range.
func (a *Allocation) BaseAddress() int64 {
	if a == nil {
		return 0
	}
	return a.base
}

// Allocator is the contiguous page allocator. It shares a backend and
// tracker with a pagepool.Pool so collateral can be released to the same
// size classes and capacity accounting stays consistent across both
// paths.
type Allocator struct {
	backend pagebackend.Backend
	pool    *pagepool.Pool
	tracker *tracker.Tracker

	// mu serializes contiguous allocations and frees against each other.
	// The pool's own non-contiguous allocate/free paths do not take it, so
	// they can run between the advise-away and the mmap steps below.
	mu sync.Mutex
}

// New creates a contiguous allocator sharing backend, pool and tr with
// the rest of the allocator instance.
func New(backend pagebackend.Backend, pool *pagepool.Pool, tr *tracker.Tracker) *Allocator {
	return &Allocator{backend: backend, pool: pool, tracker: tr}
}

// AllocateContiguous allocates a fresh range of numPages, releasing
// collateral and out's prior contents as part of the same transition.
//
// collateral and out may each be nil or empty. Both are unconditionally
// released (to their size classes / the mapped pool) up front, so they
// are observably empty whether this call ultimately succeeds or fails.
// The tracker is touched exactly once, for the net page delta
// numPages - (collateral + out). A net charge is rolled back if a later
// step fails, so such a failed call leaves the tracker exactly as it was
// at entry, still counting collateral's and out's bytes although their
// pages have been released; a net release is not rolled back.
func (a *Allocator) AllocateContiguous(numPages int64, collateral *pagepool.Allocation, out *Allocation, cb ReservationFunc) (bool, error) {
	if numPages < 0 {
		return false, fmt.Errorf("contig: negative page count %d", numPages)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	collateralPages := collateral.NumPages()
	outPages := out.NumPages()
	netDelta := numPages - (collateralPages + outPages)
	pageSize := a.backend.PageSize()

	// Release collateral and out to their size classes / the mapped
	// pool unconditionally; both are empty from here on.
	if collateralPages > 0 {
		if err := a.pool.ReleaseRunsOnly(collateral); err != nil {
			return false, fmt.Errorf("contig: releasing collateral: %w", err)
		}
	}
	if outPages > 0 {
		if err := a.releaseOutLocked(out); err != nil {
			return false, fmt.Errorf("contig: releasing prior range: %w", err)
		}
	}

	// Charge (or release, if the call net-shrinks) the tracker for
	// netDelta. This is the only tracker operation this call performs.
	netBytes := netDelta * pageSize
	switch {
	case netDelta > 0:
		invokeCB(cb, netBytes, true)
		if a.tracker != nil {
			if err := a.tracker.Charge(netBytes); err != nil {
				invokeCB(cb, netBytes, false)
				return false, nil
			}
		}
	case netDelta < 0:
		if a.tracker != nil {
			a.tracker.Release(-netBytes)
		}
		invokeCB(cb, -netBytes, false)
	}

	// rollbackCharge undoes the charge applied above when a later step
	// fails. A net release can never fail, so there is nothing to roll
	// back on that branch.
	rollbackCharge := func() {
		if netDelta > 0 {
			if a.tracker != nil {
				a.tracker.Release(netBytes)
			}
			invokeCB(cb, netBytes, false)
		}
	}

	if numPages == 0 {
		// A pure release: out/collateral already emptied above.
		return true, nil
	}

	// Mmap backend only: make room under the mapped-page cap by advising
	// free-mapped pages away, lowest address first (delegated to the
	// pool, which already tracks per-class free lists by address). A
	// shortfall here (not enough free-mapped pages to advise) is not
	// itself a failure: it simply means the Grow below will hit its own
	// capacity check and fail there instead. Only a genuine madvise
	// syscall failure aborts the call here.
	var advised []pagebackend.PageRun
	if a.backend.SupportsAdvise() {
		need := a.backend.MappedPages() + numPages - a.backend.CapacityPages()
		if need > 0 {
			runs, err := a.pool.AdviseAwayFreePages(need)
			if err != nil {
				rollbackCharge()
				logging.L.Warn("contig: advise-away failed", "need", need, "err", err)
				return false, nil
			}
			advised = runs
		}
	}

	// mmap (or heap-grow) a fresh range of numPages.
	base, _, err := a.backend.Grow(numPages, 1)
	if err != nil {
		// Undo the advise-away too: the blocks released above left their
		// free lists entirely, so without re-faulting and re-adopting
		// them a failed call would permanently shrink the pool's
		// free-mapped capacity.
		if restoreErr := a.pool.ReadoptAdvisedRuns(advised); restoreErr != nil {
			logging.L.Warn("contig: restoring advised pages failed", "err", restoreErr)
		}
		rollbackCharge()
		logging.L.Warn("contig: backend grow failed", "pages", numPages, "err", err)
		return false, nil
	}

	out.base = base
	out.pages = numPages
	return true, nil
}

// releaseOutLocked returns out's range to the mapped pool rather than
// advising it away or unmapping it, keeping the pages usable by the
// size-classed allocator.
func (a *Allocator) releaseOutLocked(out *Allocation) error {
	if out.IsEmpty() {
		return nil
	}
	if err := a.pool.AdoptMappedRange(out.base, out.pages); err != nil {
		return err
	}
	out.base = 0
	out.pages = 0
	return nil
}

// FreeContiguous releases alloc's range back to the mapped pool (not
// advised away) so the size-classed allocator can reuse it, and credits
// the tracker for its bytes.
func (a *Allocator) FreeContiguous(alloc *Allocation, cb ReservationFunc) error {
	if alloc.IsEmpty() {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	bytes := alloc.pages * a.backend.PageSize()
	if err := a.pool.AdoptMappedRange(alloc.base, alloc.pages); err != nil {
		return err
	}
	if a.tracker != nil {
		a.tracker.Release(bytes)
		invokeCB(cb, bytes, false)
	}
	alloc.base = 0
	alloc.pages = 0
	return nil
}

func invokeCB(cb ReservationFunc, delta int64, preAlloc bool) {
	if cb == nil || delta == 0 {
		return
	}
	cb(delta, preAlloc)
}
