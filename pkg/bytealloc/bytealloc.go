// Package bytealloc implements the byte-granularity façade: small
// requests go to the process heap, medium ("in size class") requests to
// the non-contiguous page allocator sized to land in a single run, and
// large requests to the contiguous allocator. A generic
// sequence-container allocator adapter sits on top for slice-of-T
// callers.
//
// A returned buffer doesn't carry its own tier or backing allocation, so
// the façade keeps a live table mapping each buffer's base pointer back
// to the structure needed to free it.
package bytealloc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/joshuapare/pageheap/pkg/contig"
	"github.com/joshuapare/pageheap/pkg/pagepool"
	"github.com/joshuapare/pageheap/pkg/sizeclass"
)

// ErrInvalidArgument reports a negative or absurdly large byte count at
// the façade, or a free of an untracked pointer.
var ErrInvalidArgument = errors.New("bytealloc: invalid argument")

// DefaultMaxMallocBytes is the small/medium threshold: requests at or
// below it are serviced from the process heap.
const DefaultMaxMallocBytes = 1 << 20

// SanityBoundBytes is the sequence-container adapter's overflow guard.
const SanityBoundBytes = int64(1) << 62

type tier int

const (
	tierSmall tier = iota
	tierSizeClass
	tierLarge
)

type liveEntry struct {
	tier        tier
	pageAlloc   *pagepool.Allocation
	contigRange *contig.Allocation
}

// Stats is the per-tier cumulative allocation counter set.
type Stats struct {
	TotalSmall         int64
	TotalInSizeClasses int64
	TotalLarge         int64
}

// Allocator is the byte-granularity façade over a non-contiguous pool
// and a contiguous allocator sharing the same size-class table.
type Allocator struct {
	table          *sizeclass.Table
	pool           *pagepool.Pool
	contigAlloc    *contig.Allocator
	pageSize       int64
	maxMallocBytes int64

	totalSmall         atomic.Int64
	totalInSizeClasses atomic.Int64
	totalLarge         atomic.Int64

	mu   sync.Mutex
	live map[uintptr]*liveEntry
}

// New creates a façade dispatching across table's size classes. A
// non-positive maxMallocBytes defaults to DefaultMaxMallocBytes.
func New(table *sizeclass.Table, pool *pagepool.Pool, contigAlloc *contig.Allocator, pageSize, maxMallocBytes int64) *Allocator {
	if maxMallocBytes <= 0 {
		maxMallocBytes = DefaultMaxMallocBytes
	}
	return &Allocator{
		table:          table,
		pool:           pool,
		contigAlloc:    contigAlloc,
		pageSize:       pageSize,
		maxMallocBytes: maxMallocBytes,
		live:           make(map[uintptr]*liveEntry),
	}
}

// AllocateBytes returns a buffer suitable for FreeBytes(buf, bytes),
// dispatching by size to the process heap, the non-contiguous allocator,
// or the contiguous allocator.
func (a *Allocator) AllocateBytes(bytes int64) ([]byte, error) {
	if bytes <= 0 {
		return nil, fmt.Errorf("bytealloc: non-positive request %d: %w", bytes, ErrInvalidArgument)
	}

	largestBytes := a.table.Largest() * a.pageSize
	switch {
	case bytes <= a.maxMallocBytes:
		return a.allocateSmall(bytes), nil
	case bytes <= largestBytes:
		return a.allocateInSizeClass(bytes)
	default:
		return a.allocateLarge(bytes)
	}
}

// FreeBytes releases a pointer previously returned by AllocateBytes;
// bytes must match the size originally requested.
func (a *Allocator) FreeBytes(ptr []byte, bytes int64) error {
	if bytes <= 0 {
		return fmt.Errorf("bytealloc: non-positive free size %d: %w", bytes, ErrInvalidArgument)
	}

	key := keyOf(ptr)
	a.mu.Lock()
	entry, ok := a.live[key]
	if ok {
		delete(a.live, key)
	}
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("bytealloc: free of untracked pointer (size %d): %w", bytes, ErrInvalidArgument)
	}

	switch entry.tier {
	case tierSmall:
		return nil // process heap: nothing to release explicitly
	case tierSizeClass:
		_, err := a.pool.FreeNonContiguous(entry.pageAlloc)
		return err
	case tierLarge:
		return a.contigAlloc.FreeContiguous(entry.contigRange, nil)
	default:
		return nil
	}
}

// Stats returns the cumulative per-tier allocation counts since
// construction or the last ResetStats.
func (a *Allocator) Stats() Stats {
	return Stats{
		TotalSmall:         a.totalSmall.Load(),
		TotalInSizeClasses: a.totalInSizeClasses.Load(),
		TotalLarge:         a.totalLarge.Load(),
	}
}

// ResetStats zeroes the per-tier counters.
func (a *Allocator) ResetStats() {
	a.totalSmall.Store(0)
	a.totalInSizeClasses.Store(0)
	a.totalLarge.Store(0)
}

func (a *Allocator) allocateSmall(bytes int64) []byte {
	buf := make([]byte, bytes)
	a.track(buf, &liveEntry{tier: tierSmall})
	a.totalSmall.Add(1)
	return buf
}

// allocateInSizeClass services a medium request from the non-contiguous
// allocator, choosing the smallest class >= the request as the floor so
// sizeclass.Plan always returns a single run.
func (a *Allocator) allocateInSizeClass(bytes int64) ([]byte, error) {
	pages := ceilDivPages(bytes, a.pageSize)
	floor, ok := a.table.SmallestGE(pages)
	if !ok {
		return nil, fmt.Errorf("bytealloc: %d pages exceeds largest size class %d", pages, a.table.Largest())
	}
	alloc, err := a.pool.AllocateNonContiguous(pages, floor)
	if err != nil {
		return nil, fmt.Errorf("bytealloc: in-size-class allocation of %d bytes: %w", bytes, err)
	}
	runs := alloc.Runs()
	buf, err := a.pool.Bytes(runs[0])
	if err != nil {
		_, _ = a.pool.FreeNonContiguous(alloc)
		return nil, fmt.Errorf("bytealloc: resolving in-size-class run bytes: %w", err)
	}
	buf = buf[:bytes]
	a.track(buf, &liveEntry{tier: tierSizeClass, pageAlloc: alloc})
	a.totalInSizeClasses.Add(1)
	return buf, nil
}

// allocateLarge services a request exceeding the largest size class via
// the contiguous allocator, taking no collateral.
func (a *Allocator) allocateLarge(bytes int64) ([]byte, error) {
	pages := ceilDivPages(bytes, a.pageSize)
	out := &contig.Allocation{}
	ok, err := a.contigAlloc.AllocateContiguous(pages, nil, out, nil)
	if err != nil {
		return nil, fmt.Errorf("bytealloc: large allocation of %d bytes: %w", bytes, err)
	}
	if !ok {
		return nil, fmt.Errorf("bytealloc: large allocation of %d bytes: %w", bytes, contig.ErrOutOfCapacity)
	}
	buf, err := a.pool.Bytes(pagepool.PageRun{BaseAddress: out.BaseAddress(), PageCount: out.NumPages()})
	if err != nil {
		_ = a.contigAlloc.FreeContiguous(out, nil)
		return nil, fmt.Errorf("bytealloc: resolving large range bytes: %w", err)
	}
	buf = buf[:bytes]
	a.track(buf, &liveEntry{tier: tierLarge, contigRange: out})
	a.totalLarge.Add(1)
	return buf, nil
}

func (a *Allocator) track(buf []byte, entry *liveEntry) {
	key := keyOf(buf)
	a.mu.Lock()
	a.live[key] = entry
	a.mu.Unlock()
}

func keyOf(buf []byte) uintptr {
	if len(buf) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

func ceilDivPages(bytes, pageSize int64) int64 {
	return (bytes + pageSize - 1) / pageSize
}

// SequenceAllocator adapts Allocator to an allocate(n)/deallocate(n)
// shape for sequence-container use, guarding against element counts
// whose byte size would overflow SanityBoundBytes.
type SequenceAllocator[T any] struct {
	a *Allocator
}

// NewSequenceAllocator wraps a for use as a sequence-container allocator
// of T.
func NewSequenceAllocator[T any](a *Allocator) *SequenceAllocator[T] {
	return &SequenceAllocator[T]{a: a}
}

// Allocate returns n elements of T backed by a single AllocateBytes call.
func (s *SequenceAllocator[T]) Allocate(n int64) ([]T, error) {
	if n < 0 {
		return nil, fmt.Errorf("bytealloc: negative element count %d: %w", n, ErrInvalidArgument)
	}
	if n == 0 {
		return nil, nil
	}
	elemSize := elemSizeOf[T]()
	if elemSize > 0 && n > SanityBoundBytes/elemSize {
		return nil, fmt.Errorf("bytealloc: %d elements of size %d overflows sanity bound: %w", n, elemSize, ErrInvalidArgument)
	}
	bytes := n * elemSize
	buf, err := s.a.AllocateBytes(bytes)
	if err != nil {
		return nil, err
	}
	return bytesToSlice[T](buf), nil
}

// Deallocate releases a slice previously returned by Allocate; n must
// match the element count originally requested.
func (s *SequenceAllocator[T]) Deallocate(elems []T, n int64) error {
	elemSize := elemSizeOf[T]()
	if n < 0 || (elemSize > 0 && n > SanityBoundBytes/elemSize) {
		return fmt.Errorf("bytealloc: bogus deallocate count %d: %w", n, ErrInvalidArgument)
	}
	if n == 0 || len(elems) == 0 {
		return nil
	}
	return s.a.FreeBytes(sliceToBytes(elems), n*elemSize)
}

func elemSizeOf[T any]() int64 {
	var zero T
	return int64(unsafe.Sizeof(zero))
}

func bytesToSlice[T any](buf []byte) []T {
	if len(buf) == 0 {
		return nil
	}
	elemSize := int(elemSizeOf[T]())
	return unsafe.Slice((*T)(unsafe.Pointer(&buf[0])), len(buf)/elemSize)
}

func sliceToBytes[T any](s []T) []byte {
	if len(s) == 0 {
		return nil
	}
	elemSize := int(elemSizeOf[T]())
	return unsafe.Slice((*byte)(unsafe.Pointer(&s[0])), len(s)*elemSize)
}
