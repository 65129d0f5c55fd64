package pagebackend

import (
	"fmt"
	"sync"
)

// HeapBackend services growth requests from the plain process heap via
// make([]byte, ...). It never advises pages away: once claimed, a chunk
// stays resident until Close.
type HeapBackend struct {
	pageSize int64
	capacity int64 // pages

	mu      sync.Mutex
	mapped  int64
	nextRef int64
	chunks  map[int64][]byte
}

// NewHeapBackend creates a heap-backed page source with the given page
// size and total page budget.
func NewHeapBackend(pageSize, capacityPages int64) *HeapBackend {
	return &HeapBackend{
		pageSize: pageSize,
		capacity: capacityPages,
		chunks:   make(map[int64][]byte),
	}
}

func (b *HeapBackend) PageSize() int64      { return b.pageSize }
func (b *HeapBackend) CapacityPages() int64 { return b.capacity }

func (b *HeapBackend) MappedPages() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.mapped
}

func (b *HeapBackend) SupportsAdvise() bool { return false }

func (b *HeapBackend) Grow(unitPages, blockCount int64) (int64, []byte, error) {
	pages := unitPages * blockCount
	if pages <= 0 {
		return 0, nil, fmt.Errorf("pagebackend: non-positive grow request")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.mapped+pages > b.capacity {
		return 0, nil, ErrCapacityExceeded
	}
	base := b.nextRef
	b.nextRef += pages
	buf := make([]byte, pages*b.pageSize)
	b.chunks[base] = buf
	b.mapped += pages
	return base, buf, nil
}

// AdviseAway is a no-op: heap memory cannot be advised away.
func (b *HeapBackend) AdviseAway(runs []PageRun) (int64, error) { return 0, nil }

// Reclaim is a no-op: heap memory is never advised away.
func (b *HeapBackend) Reclaim(runs []PageRun) error { return nil }

func (b *HeapBackend) Bytes(run PageRun) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for base, buf := range b.chunks {
		chunkPages := int64(len(buf)) / b.pageSize
		if run.BaseAddress >= base && run.BaseAddress+run.PageCount <= base+chunkPages {
			off := (run.BaseAddress - base) * b.pageSize
			n := run.PageCount * b.pageSize
			return buf[off : off+n], nil
		}
	}
	return nil, fmt.Errorf("pagebackend: run %+v not found in any chunk", run)
}

func (b *HeapBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = make(map[int64][]byte)
	b.mapped = 0
	return nil
}
