// Package allocpool implements a bump allocator over a sequence of owned
// non-contiguous allocations, carving fixed-size requests from the
// current run and requesting a new underlying allocation (possibly
// spanning multiple runs) when the current one is exhausted.
//
// A request larger than the pool's default growth size bypasses the bump
// cursor entirely: it gets its own dedicated allocation (owned by the
// pool for Clear/total-count purposes) without disturbing the run and
// offset a subsequent small request would resume from. That dedicated
// allocation is serviced through pkg/contig rather than the size-classed
// allocator: a size-class plan for an oversized request can split across
// multiple non-adjacent blocks, and this pool must still hand back one
// flat byte slice.
package allocpool

import (
	"fmt"

	"github.com/joshuapare/pageheap/internal/logging"
	"github.com/joshuapare/pageheap/pkg/contig"
	"github.com/joshuapare/pageheap/pkg/pagepool"
)

// DefaultGrowthPages is the standard size (in pages) of each underlying
// allocation the pool requests when its current run is exhausted, unless
// New is given another growth size. A request larger than the pool's
// growth size times pageSize is serviced by its own dedicated allocation
// instead of becoming the new bump target.
const DefaultGrowthPages = 128

// Pool is the bump allocator.
type Pool struct {
	pagePool    *pagepool.Pool
	contigAlloc *contig.Allocator
	pageSize    int64
	growthPages int64

	allocations []*pagepool.Allocation
	currentIdx  int // index into allocations the bump cursor applies to; -1 if none yet
	runIndex    int // run index within allocations[currentIdx]
	offset      int64

	dedicated []*contig.Allocation

	totalAllocations int
}

// New creates a bump pool layered on pagePool for ordinary growth and
// contigAlloc for oversized dedicated requests. growthPages <= 0 defaults
// to DefaultGrowthPages.
func New(pagePool *pagepool.Pool, contigAlloc *contig.Allocator, pageSize, growthPages int64) *Pool {
	if growthPages <= 0 {
		growthPages = DefaultGrowthPages
	}
	return &Pool{
		pagePool:    pagePool,
		contigAlloc: contigAlloc,
		pageSize:    pageSize,
		growthPages: growthPages,
		currentIdx:  -1,
	}
}

// NumTotalAllocations returns the cumulative count of underlying
// allocations the pool has requested since the last Clear, including
// dedicated large-request allocations.
func (p *Pool) NumTotalAllocations() int { return p.totalAllocations }

// CurrentRunIndex returns the run index within the bump cursor's
// underlying allocation.
func (p *Pool) CurrentRunIndex() int { return p.runIndex }

// CurrentOffset returns the byte offset within the current run already
// handed out.
func (p *Pool) CurrentOffset() int64 { return p.offset }

// AllocateFixed carves bytes from the current run, advancing through
// runs and underlying allocations as needed. A request larger than the
// pool's growth size is serviced by a dedicated allocation that does not
// move the bump cursor.
func (p *Pool) AllocateFixed(bytes int64) ([]byte, error) {
	if bytes <= 0 {
		return nil, fmt.Errorf("allocpool: non-positive request %d", bytes)
	}

	if bytes > p.growthPages*p.pageSize {
		return p.allocateDedicated(bytes)
	}

	for {
		if buf, ok, err := p.tryCarve(bytes); err != nil {
			return nil, err
		} else if ok {
			return buf, nil
		}
		if advanced, err := p.advanceRun(); err != nil {
			return nil, err
		} else if advanced {
			continue
		}
		if err := p.growDefault(); err != nil {
			return nil, err
		}
	}
}

// allocateDedicated services an oversized request with its own
// virtually-contiguous range via pkg/contig, owned by the pool (for
// Clear) but never targeted by the bump cursor. Using the contiguous
// allocator rather than the size-classed one guarantees a single flat
// byte slice even when the request spans more pages than any one size
// class covers.
func (p *Pool) allocateDedicated(bytes int64) ([]byte, error) {
	pages := (bytes + p.pageSize - 1) / p.pageSize
	alloc := &contig.Allocation{}
	ok, err := p.contigAlloc.AllocateContiguous(pages, nil, alloc, nil)
	if err != nil {
		return nil, fmt.Errorf("allocpool: dedicated allocation of %d bytes: %w", bytes, err)
	}
	if !ok {
		return nil, fmt.Errorf("allocpool: dedicated allocation of %d bytes: %w", bytes, contig.ErrOutOfCapacity)
	}
	p.dedicated = append(p.dedicated, alloc)
	p.totalAllocations++
	logging.L.Debug("allocpool: dedicated oversized allocation", "pages", pages, "total", p.totalAllocations)

	buf, err := p.pagePool.Bytes(pagepool.PageRun{BaseAddress: alloc.BaseAddress(), PageCount: alloc.NumPages()})
	if err != nil {
		return nil, fmt.Errorf("allocpool: resolving dedicated range bytes: %w", err)
	}
	return buf[:bytes], nil
}

// tryCarve attempts to satisfy bytes from the cursor's current run
// without advancing or growing. ok is false (no error) when the current
// run, or the whole pool, doesn't have room and the caller must
// advance/grow.
func (p *Pool) tryCarve(bytes int64) ([]byte, bool, error) {
	if p.currentIdx < 0 {
		return nil, false, nil
	}
	runs := p.allocations[p.currentIdx].Runs()
	if p.runIndex >= len(runs) {
		return nil, false, nil
	}
	run := runs[p.runIndex]
	runBytes := run.PageCount * p.pageSize
	if p.offset+bytes > runBytes {
		return nil, false, nil
	}
	buf, err := p.pagePool.Bytes(run)
	if err != nil {
		return nil, false, fmt.Errorf("allocpool: resolving run bytes: %w", err)
	}
	out := buf[p.offset : p.offset+bytes]
	p.offset += bytes
	return out, true, nil
}

// advanceRun moves the cursor to the next run of its current underlying
// allocation, if one exists.
func (p *Pool) advanceRun() (bool, error) {
	if p.currentIdx < 0 {
		return false, nil
	}
	runs := p.allocations[p.currentIdx].Runs()
	if p.runIndex+1 >= len(runs) {
		return false, nil
	}
	p.runIndex++
	p.offset = 0
	return true, nil
}

// growDefault requests a fresh underlying allocation of the pool's
// standard growth size and makes it the new bump target.
func (p *Pool) growDefault() error {
	alloc, err := p.pagePool.AllocateNonContiguous(p.growthPages, 0)
	if err != nil {
		return fmt.Errorf("allocpool: growing underlying allocation: %w", err)
	}
	p.allocations = append(p.allocations, alloc)
	p.totalAllocations++
	p.currentIdx = len(p.allocations) - 1
	p.runIndex = 0
	p.offset = 0
	logging.L.Debug("allocpool: grew underlying allocation", "pages", p.growthPages, "total", p.totalAllocations)
	return nil
}

// Clear releases every underlying allocation (including dedicated ones)
// and resets the pool to its zero state.
func (p *Pool) Clear() error {
	for _, alloc := range p.allocations {
		if _, err := p.pagePool.FreeNonContiguous(alloc); err != nil {
			return fmt.Errorf("allocpool: clearing: %w", err)
		}
	}
	for _, d := range p.dedicated {
		if err := p.contigAlloc.FreeContiguous(d, nil); err != nil {
			return fmt.Errorf("allocpool: clearing dedicated allocation: %w", err)
		}
	}
	p.allocations = nil
	p.dedicated = nil
	p.currentIdx = -1
	p.runIndex = 0
	p.offset = 0
	p.totalAllocations = 0
	return nil
}
