// Package pagepool implements the non-contiguous page allocator core:
// segregated per-size-class free lists (min-heaps over base addresses,
// lowest address popped first), grown from a pagebackend.Backend on
// demand, with rollback of every block already taken when a multi-run
// allocation fails partway through.
package pagepool

import (
	"container/heap"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/joshuapare/pageheap/internal/logging"
	"github.com/joshuapare/pageheap/pkg/pagebackend"
	"github.com/joshuapare/pageheap/pkg/sizeclass"
	"github.com/joshuapare/pageheap/pkg/tracker"
)

// ErrUnknownClass is returned when a PageRun's size doesn't match any
// configured size class, which should never happen for runs this pool
// itself produced.
var ErrUnknownClass = errors.New("pagepool: page count does not match any size class")

// Pool is the non-contiguous page allocator. It owns one free list and
// one mutex per size class, plus a global lock used only by operations
// that must see every class at once.
type Pool struct {
	table   *sizeclass.Table
	backend pagebackend.Backend
	tracker *tracker.Tracker // nil means no usage accounting

	growBlocks int64 // blocks requested from the backend per class miss

	globalMu sync.RWMutex
	classMu  []sync.Mutex
	free     []addrHeap
	total    []int64 // blocks belonging to each class (grown or adopted, minus advised away), per class index
	clocks   []int64 // cumulative nanoseconds spent acquiring, per class index
}

// New creates a Pool over table, sourcing fresh pages from backend and
// optionally charging tr for every live allocation's bytes.
func New(table *sizeclass.Table, backend pagebackend.Backend, tr *tracker.Tracker) *Pool {
	n := len(table.Classes())
	p := &Pool{
		table:      table,
		backend:    backend,
		tracker:    tr,
		growBlocks: 4,
		classMu:    make([]sync.Mutex, n),
		free:       make([]addrHeap, n),
		total:      make([]int64, n),
		clocks:     make([]int64, n),
	}
	for i := range p.free {
		heap.Init(&p.free[i])
	}
	return p
}

func (p *Pool) classIndex(pages int64) (int, bool) {
	for i, c := range p.table.Classes() {
		if c == pages {
			return i, true
		}
	}
	return 0, false
}

// ReservationCallback is invoked with the effective byte delta before
// charging the tracker (preAlloc=true) and on release (preAlloc=false,
// including a charge that ends up failing).
type ReservationCallback func(deltaBytes int64, preAlloc bool)

func invokeCB(cb ReservationCallback, delta int64, preAlloc bool) {
	if cb == nil || delta == 0 {
		return
	}
	cb(delta, preAlloc)
}

// AllocateNonContiguous satisfies numPages using the fewest runs the size
// class table allows, honoring minClassPages as a floor on run size. On
// any failure partway through a multi-run plan, every block already
// acquired is returned to its free list before the error is returned.
func (p *Pool) AllocateNonContiguous(numPages, minClassPages int64) (*Allocation, error) {
	return p.AllocateNonContiguousCB(numPages, minClassPages, nil)
}

// AllocateNonContiguousCB is AllocateNonContiguous with a reservation
// hook: cb is invoked with the effective byte count before charging the
// tracker, and again (preAlloc=false) if that charge fails.
func (p *Pool) AllocateNonContiguousCB(numPages, minClassPages int64, cb ReservationCallback) (*Allocation, error) {
	p.globalMu.RLock()
	defer p.globalMu.RUnlock()

	plan, err := sizeclass.Plan(p.table, numPages, minClassPages)
	if err != nil {
		return nil, err
	}

	runs := make([]PageRun, 0, len(plan))
	for _, r := range plan {
		idx, ok := p.classIndex(r.Size)
		if !ok {
			p.rollback(runs)
			return nil, ErrUnknownClass
		}
		for i := 0; i < r.Count; i++ {
			addr, err := p.acquireBlock(idx)
			if err != nil {
				p.rollback(runs)
				return nil, fmt.Errorf("pagepool: growing class %d pages: %w", r.Size, err)
			}
			runs = append(runs, PageRun{BaseAddress: addr, PageCount: r.Size})
		}
	}

	return p.chargeRuns(runs, cb)
}

// AllocateNonContiguousInto refills out in place: pages out already holds
// are released to their size classes first (collateral), then out
// receives the fresh runs. On failure out is left empty and the tracker
// reflects only the release.
func (p *Pool) AllocateNonContiguousInto(numPages, minClassPages int64, out *Allocation, cb ReservationCallback) error {
	if out == nil {
		return errors.New("pagepool: nil out allocation")
	}
	if !out.IsEmpty() {
		if _, err := p.FreeNonContiguousCB(out, cb); err != nil {
			return err
		}
	}
	fresh, err := p.AllocateNonContiguousCB(numPages, minClassPages, cb)
	if err != nil {
		return err
	}
	out.runs = fresh.take()
	return nil
}

// chargeRuns wraps freshly acquired runs into an Allocation and applies
// the tracker charge, undoing the acquisition if the charge is refused.
func (p *Pool) chargeRuns(runs []PageRun, cb ReservationCallback) (*Allocation, error) {
	alloc := newAllocation(runs)
	effectiveBytes := alloc.NumPages() * p.backend.PageSize()
	if p.tracker != nil {
		invokeCB(cb, effectiveBytes, true)
		if err := p.tracker.Charge(effectiveBytes); err != nil {
			invokeCB(cb, effectiveBytes, false)
			p.rollback(runs)
			return nil, err
		}
	}
	return alloc, nil
}

// FreeNonContiguous returns every run in alloc to its size class's free
// list, credits the tracker, and empties alloc. It reports the byte
// count released.
func (p *Pool) FreeNonContiguous(alloc *Allocation) (int64, error) {
	return p.FreeNonContiguousCB(alloc, nil)
}

// FreeNonContiguousCB is FreeNonContiguous with a reservation hook,
// invoked with the released byte count.
func (p *Pool) FreeNonContiguousCB(alloc *Allocation, cb ReservationCallback) (int64, error) {
	pages := alloc.NumPages()
	bytes := pages * p.backend.PageSize()
	if err := p.ReleaseRunsOnly(alloc); err != nil {
		return 0, err
	}
	if p.tracker != nil {
		p.tracker.Release(bytes)
	}
	invokeCB(cb, bytes, false)
	return bytes, nil
}

// ReleaseRunsOnly returns every run in alloc to its size class's free
// list and empties alloc, WITHOUT touching the tracker. This is used by
// the contiguous allocator (pkg/contig), which folds collateral release
// and the new range's charge into a single net tracker delta rather than
// a release-then-recharge pair.
func (p *Pool) ReleaseRunsOnly(alloc *Allocation) error {
	p.globalMu.RLock()
	defer p.globalMu.RUnlock()

	runs := alloc.take()
	for _, r := range runs {
		idx, ok := p.classIndex(r.PageCount)
		if !ok {
			return ErrUnknownClass
		}
		p.releaseBlock(idx, r.BaseAddress)
	}
	return nil
}

// Bytes resolves a PageRun belonging to this pool to its backing slice.
func (p *Pool) Bytes(run PageRun) ([]byte, error) {
	return p.backend.Bytes(pagebackend.PageRun{BaseAddress: run.BaseAddress, PageCount: run.PageCount})
}

func (p *Pool) acquireBlock(idx int) (int64, error) {
	start := time.Now()
	p.classMu[idx].Lock()
	defer p.classMu[idx].Unlock()
	defer func() { p.clocks[idx] += time.Since(start).Nanoseconds() }()

	if p.free[idx].Len() == 0 {
		if err := p.growLocked(idx); err != nil {
			return 0, err
		}
	}
	return heap.Pop(&p.free[idx]).(int64), nil
}

func (p *Pool) releaseBlock(idx int, addr int64) {
	p.classMu[idx].Lock()
	defer p.classMu[idx].Unlock()
	heap.Push(&p.free[idx], addr)
}

// growLocked asks the backend for growBlocks fresh blocks of this class
// and seeds the free list with them. Called with classMu[idx] held.
func (p *Pool) growLocked(idx int) error {
	classPages := p.table.Classes()[idx]
	base, _, err := p.backend.Grow(classPages, p.growBlocks)
	if err != nil {
		return err
	}
	for i := int64(0); i < p.growBlocks; i++ {
		heap.Push(&p.free[idx], base+i*classPages)
	}
	p.total[idx] += p.growBlocks
	logging.L.Debug("pagepool: grew class", "pages", classPages, "blocks", p.growBlocks)
	return nil
}

func (p *Pool) rollback(runs []PageRun) {
	for _, r := range runs {
		idx, ok := p.classIndex(r.PageCount)
		if !ok {
			continue
		}
		p.releaseBlock(idx, r.BaseAddress)
	}
}

// ClassStats reports, per size class, how many blocks exist in total,
// how many are currently free, and the cumulative time spent growing and
// allocating in the class.
type ClassStats struct {
	SizePages int64
	Total     int64
	Free      int64
	Clocks    time.Duration
}

// Stats returns a snapshot of every size class's block accounting.
func (p *Pool) Stats() []ClassStats {
	p.globalMu.Lock()
	defer p.globalMu.Unlock()
	out := make([]ClassStats, len(p.table.Classes()))
	for i, c := range p.table.Classes() {
		p.classMu[i].Lock()
		out[i] = ClassStats{
			SizePages: c,
			Total:     p.total[i],
			Free:      int64(p.free[i].Len()),
			Clocks:    time.Duration(p.clocks[i]),
		}
		p.classMu[i].Unlock()
	}
	return out
}

// AdviseAwayFreePages advises at least need pages of currently-free
// blocks away (or every free block, if fewer pages than need are free),
// choosing the globally lowest addresses first across all classes, and
// returns the runs it released. Used by the contiguous
// allocator to make budget room under the backend's mapped-page cap;
// a no-op on backends that don't support advising.
//
// A block that is advised away leaves its class entirely: Total is
// decremented alongside the free-list pop, not just the free count.
// Otherwise stats.Snapshot's Total-Free derivation of "allocated" pages
// would count every advised-away block as permanently allocated, and the
// allocated count could never return to zero. The eventual reclaim of
// this space (via AdoptMappedRange when a contiguous range covering it
// is freed) adds Total back, so the books balance.
func (p *Pool) AdviseAwayFreePages(need int64) ([]pagebackend.PageRun, error) {
	if !p.backend.SupportsAdvise() || need <= 0 {
		return nil, nil
	}

	p.globalMu.Lock()
	defer p.globalMu.Unlock()

	var picked []PageRun
	var pickedIdx []int
	var total int64
	for total < need {
		bestIdx := -1
		var bestAddr int64
		for i := range p.free {
			if p.free[i].Len() == 0 {
				continue
			}
			addr := p.free[i][0]
			if bestIdx == -1 || addr < bestAddr {
				bestIdx, bestAddr = i, addr
			}
		}
		if bestIdx == -1 {
			break // nothing left to advise
		}
		heap.Pop(&p.free[bestIdx])
		p.total[bestIdx]--
		picked = append(picked, PageRun{BaseAddress: bestAddr, PageCount: p.table.Classes()[bestIdx]})
		pickedIdx = append(pickedIdx, bestIdx)
		total += p.table.Classes()[bestIdx]
	}
	if len(picked) == 0 {
		return nil, nil
	}

	backendRuns := make([]pagebackend.PageRun, len(picked))
	for i, r := range picked {
		backendRuns[i] = pagebackend.PageRun{BaseAddress: r.BaseAddress, PageCount: r.PageCount}
	}
	if _, err := p.backend.AdviseAway(backendRuns); err != nil {
		// Put the picked blocks back, and restore the Total they were
		// just dropped from, before surfacing the failure.
		for i, r := range picked {
			p.releaseBlockUnlocked(r)
			p.total[pickedIdx[i]]++
		}
		return nil, fmt.Errorf("pagepool: advising pages away: %w", err)
	}
	return backendRuns, nil
}

// ReadoptAdvisedRuns restores runs previously returned by
// AdviseAwayFreePages: the backend re-faults their physical backing and
// each block rejoins its size class's free list, with the Total that
// AdviseAwayFreePages dropped added back. Used by the contiguous
// allocator to undo a successful advise-away when the step after it
// fails.
func (p *Pool) ReadoptAdvisedRuns(runs []pagebackend.PageRun) error {
	if len(runs) == 0 {
		return nil
	}

	p.globalMu.Lock()
	defer p.globalMu.Unlock()

	if err := p.backend.Reclaim(runs); err != nil {
		return fmt.Errorf("pagepool: re-faulting advised pages: %w", err)
	}
	for _, r := range runs {
		idx, ok := p.classIndex(r.PageCount)
		if !ok {
			return ErrUnknownClass
		}
		heap.Push(&p.free[idx], r.BaseAddress)
		p.total[idx]++
	}
	return nil
}

// releaseBlockUnlocked pushes addr back to its class free list; callers
// must already hold globalMu exclusively.
func (p *Pool) releaseBlockUnlocked(r PageRun) {
	idx, ok := p.classIndex(r.PageCount)
	if !ok {
		return
	}
	heap.Push(&p.free[idx], r.BaseAddress)
}

// AdoptMappedRange decomposes an externally-mapped, not-yet-size-classed
// range of pages (a freed contiguous allocation) into size-class blocks
// largest-to-smallest and seeds each block directly onto its class's
// free list without asking the backend to grow.
//
// This is how a contiguous free becomes usable by the size-classed
// allocator again, rather than leaking the range as unreachable mapped
// address space. A residual smaller than the smallest class stays
// unadopted: still mapped, just not reachable from any free list.
func (p *Pool) AdoptMappedRange(base, pages int64) error {
	if pages <= 0 {
		return nil
	}

	p.globalMu.Lock()
	defer p.globalMu.Unlock()

	classes := p.table.Classes()
	addr := base
	remaining := pages
	for i := len(classes) - 1; i >= 0 && remaining > 0; i-- {
		size := classes[i]
		for remaining >= size {
			heap.Push(&p.free[i], addr)
			p.total[i]++
			addr += size
			remaining -= size
		}
	}
	return nil
}
