package pagebackend

import (
	"fmt"
	"sort"
	"sync"

	"github.com/joshuapare/pageheap/internal/mapping"
)

type mmapChunk struct {
	base    int64
	region  *mapping.Region
	pages   int64
	advised []advisedRange // coalesced, sorted by offset (in pages, relative to base)
}

type advisedRange struct {
	offset int64 // pages from chunk base
	pages  int64
}

// MmapBackend services growth requests by reserving a fresh anonymous
// mapping per chunk, and supports advising specific free sub-ranges away
// to stay under the mapped-page budget.
//
// Each chunk is its own independent OS mapping; MappedPages tracks the
// logical budget (claimed pages minus pages currently advised away), not
// a single shared address range.
type MmapBackend struct {
	pageSize       int64
	capacity       int64 // pages
	maxMappedPages int64 // 0 means == capacity

	mu      sync.Mutex
	mapped  int64
	nextRef int64
	chunks  map[int64]*mmapChunk
}

// NewMmapBackend creates an mmap-backed page source. maxMappedPages <= 0
// means the mapped budget equals capacityPages.
func NewMmapBackend(pageSize, capacityPages, maxMappedPages int64) *MmapBackend {
	if maxMappedPages <= 0 || maxMappedPages > capacityPages {
		maxMappedPages = capacityPages
	}
	return &MmapBackend{
		pageSize:       pageSize,
		capacity:       capacityPages,
		maxMappedPages: maxMappedPages,
		chunks:         make(map[int64]*mmapChunk),
	}
}

func (b *MmapBackend) PageSize() int64      { return b.pageSize }
func (b *MmapBackend) CapacityPages() int64 { return b.capacity }

func (b *MmapBackend) MappedPages() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapped
}

func (b *MmapBackend) SupportsAdvise() bool { return true }

func (b *MmapBackend) Grow(unitPages, blockCount int64) (int64, []byte, error) {
	pages := unitPages * blockCount
	if pages <= 0 {
		return 0, nil, fmt.Errorf("pagebackend: non-positive grow request")
	}
	b.mu.Lock()
	if b.mapped+pages > b.maxMappedPages || b.mapped+pages > b.capacity {
		b.mu.Unlock()
		return 0, nil, ErrCapacityExceeded
	}

	// Prefer reclaiming a previously advised-away range over mapping a
	// fresh one: the address space is already reserved and counted.
	if base, buf, ok, err := b.reclaimLocked(pages); err != nil {
		b.mu.Unlock()
		return 0, nil, fmt.Errorf("pagebackend: reclaiming advised range: %w", err)
	} else if ok {
		b.mapped += pages
		b.mu.Unlock()
		return base, buf, nil
	}
	b.mu.Unlock()

	region, err := mapping.Reserve(int(pages * b.pageSize))
	if err != nil {
		return 0, nil, fmt.Errorf("pagebackend: reserving chunk: %w", err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mapped+pages > b.maxMappedPages || b.mapped+pages > b.capacity {
		region.Unmap()
		return 0, nil, ErrCapacityExceeded
	}
	base := b.nextRef
	b.nextRef += pages
	b.chunks[base] = &mmapChunk{base: base, region: region, pages: pages}
	b.mapped += pages
	return base, region.Bytes(), nil
}

// reclaimLocked looks across every chunk's advised-away ranges for one
// covering at least pages and, if found, re-faults the leading pages
// pages of it via mapping.PreFault and hands them back without reserving
// a new mapping. Callers must hold b.mu. A range larger than pages keeps
// its remainder advised, shrunk to start where the reclaimed pages end.
func (b *MmapBackend) reclaimLocked(pages int64) (int64, []byte, bool, error) {
	for _, chunk := range b.chunks {
		for i, r := range chunk.advised {
			if r.pages < pages {
				continue
			}
			data, err := chunk.region.Slice(int(r.offset*b.pageSize), int(pages*b.pageSize))
			if err != nil {
				return 0, nil, false, err
			}
			if err := mapping.PreFault(data); err != nil {
				return 0, nil, false, err
			}
			if r.pages == pages {
				chunk.advised = append(chunk.advised[:i], chunk.advised[i+1:]...)
			} else {
				chunk.advised[i] = advisedRange{offset: r.offset + pages, pages: r.pages - pages}
			}
			return chunk.base + r.offset, data, true, nil
		}
	}
	return 0, nil, false, nil
}

// AdviseAway releases the physical backing of each run and marks it
// advised within its owning chunk, decreasing MappedPages by the total
// page count released.
func (b *MmapBackend) AdviseAway(runs []PageRun) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var released int64
	for _, run := range runs {
		chunk, off, err := b.locate(run)
		if err != nil {
			return released, err
		}
		data, err := chunk.region.Slice(int(off*b.pageSize), int(run.PageCount*b.pageSize))
		if err != nil {
			return released, err
		}
		if err := mapping.AdviseDontNeed(data); err != nil {
			return released, fmt.Errorf("pagebackend: advising run %+v away: %w", run, err)
		}
		chunk.advised = insertAdvised(chunk.advised, advisedRange{offset: off, pages: run.PageCount})
		released += run.PageCount
		b.mapped -= run.PageCount
	}
	return released, nil
}

// Reclaim re-faults runs previously advised away and marks them mapped
// again. Each run must lie within a single advised range of its owning
// chunk, which holds for any run AdviseAway recorded.
func (b *MmapBackend) Reclaim(runs []PageRun) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, run := range runs {
		chunk, off, err := b.locate(run)
		if err != nil {
			return err
		}
		data, err := chunk.region.Slice(int(off*b.pageSize), int(run.PageCount*b.pageSize))
		if err != nil {
			return err
		}
		if err := mapping.PreFault(data); err != nil {
			return fmt.Errorf("pagebackend: re-faulting run %+v: %w", run, err)
		}
		chunk.advised = removeAdvised(chunk.advised, advisedRange{offset: off, pages: run.PageCount})
		b.mapped += run.PageCount
	}
	return nil
}

// removeAdvised subtracts r from existing. insertAdvised's coalescing
// guarantees r lies wholly within one entry, which is trimmed or split
// around it.
func removeAdvised(existing []advisedRange, r advisedRange) []advisedRange {
	for i, cur := range existing {
		if r.offset < cur.offset || r.offset+r.pages > cur.offset+cur.pages {
			continue
		}
		out := append([]advisedRange(nil), existing[:i]...)
		if r.offset > cur.offset {
			out = append(out, advisedRange{offset: cur.offset, pages: r.offset - cur.offset})
		}
		if end := cur.offset + cur.pages; r.offset+r.pages < end {
			out = append(out, advisedRange{offset: r.offset + r.pages, pages: end - (r.offset + r.pages)})
		}
		return append(out, existing[i+1:]...)
	}
	return existing
}

func insertAdvised(existing []advisedRange, r advisedRange) []advisedRange {
	existing = append(existing, r)
	sort.Slice(existing, func(i, j int) bool { return existing[i].offset < existing[j].offset })
	merged := existing[:1]
	for _, cur := range existing[1:] {
		last := &merged[len(merged)-1]
		if cur.offset == last.offset+last.pages {
			last.pages += cur.pages
		} else {
			merged = append(merged, cur)
		}
	}
	return merged
}

func (b *MmapBackend) locate(run PageRun) (*mmapChunk, int64, error) {
	for _, chunk := range b.chunks {
		if run.BaseAddress >= chunk.base && run.BaseAddress+run.PageCount <= chunk.base+chunk.pages {
			return chunk, run.BaseAddress - chunk.base, nil
		}
	}
	return nil, 0, fmt.Errorf("pagebackend: run %+v not found in any chunk", run)
}

func (b *MmapBackend) Bytes(run PageRun) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chunk, off, err := b.locate(run)
	if err != nil {
		return nil, err
	}
	return chunk.region.Slice(int(off*b.pageSize), int(run.PageCount*b.pageSize))
}

func (b *MmapBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	var firstErr error
	for _, chunk := range b.chunks {
		if err := chunk.region.Unmap(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	b.chunks = make(map[int64]*mmapChunk)
	b.mapped = 0
	return firstErr
}
