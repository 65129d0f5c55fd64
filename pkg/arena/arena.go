// Package arena implements a single-region power-of-two allocator: a
// fixed-size anonymous mapping split into buddy blocks, with free lists
// per block size and coalescing on free.
package arena

import (
	"errors"
	"fmt"
	"sync"

	"github.com/joshuapare/pageheap/internal/bitutil"
	"github.com/joshuapare/pageheap/internal/mapping"
)

// ErrArenaFull is returned when no block of the requested size is
// available and none can be split from a larger free block.
var ErrArenaFull = errors.New("arena: no block large enough is free")

// ErrBadFree is returned when Free is given an offset that is not aligned
// to the block size for the given n. Free does not otherwise check that
// the block is currently allocated.
var ErrBadFree = errors.New("arena: offset is not an allocated block boundary")

// MmapArena is a single anonymous mapping of Size bytes, divided into
// buddy blocks of MinBlock..Size (each level double the one below).
type MmapArena struct {
	region   *mapping.Region
	size     int64
	minBlock int64
	levels   int // number of distinct block sizes, levels[0] == minBlock

	mu   sync.Mutex
	free []map[int64]struct{} // free[level] = set of block offsets at that size
	used int64                // bytes currently allocated
}

// New reserves a fresh arena of size bytes (rounded up to a power of two)
// split into blocks no smaller than minBlock (also rounded up).
func New(size, minBlock int64) (*MmapArena, error) {
	if size <= 0 || minBlock <= 0 {
		return nil, fmt.Errorf("arena: size and minBlock must be positive")
	}
	size = bitutil.NextPowerOfTwo(size)
	minBlock = bitutil.NextPowerOfTwo(minBlock)
	if minBlock > size {
		return nil, fmt.Errorf("arena: minBlock %d exceeds size %d", minBlock, size)
	}

	region, err := mapping.Reserve(int(size))
	if err != nil {
		return nil, fmt.Errorf("arena: reserving region: %w", err)
	}

	levels := bitutil.Log2Floor(size/minBlock) + 1
	a := &MmapArena{
		region:   region,
		size:     size,
		minBlock: minBlock,
		levels:   levels,
		free:     make([]map[int64]struct{}, levels),
	}
	for i := range a.free {
		a.free[i] = make(map[int64]struct{})
	}
	a.free[levels-1][0] = struct{}{} // the whole arena starts as one top-level block
	return a, nil
}

// Size returns the total arena size in bytes.
func (a *MmapArena) Size() int64 { return a.size }

func (a *MmapArena) levelSize(level int) int64 { return a.minBlock << uint(level) }

func (a *MmapArena) levelOf(n int64) (int, error) {
	if n <= 0 || n > a.size {
		return 0, fmt.Errorf("arena: request %d out of range", n)
	}
	need := bitutil.NextPowerOfTwo(n)
	if need < a.minBlock {
		need = a.minBlock
	}
	level := bitutil.Log2Floor(need / a.minBlock)
	if level >= a.levels {
		return 0, ErrArenaFull
	}
	return level, nil
}

// Alloc reserves a block of at least n bytes and returns its offset and
// a byte view over it.
func (a *MmapArena) Alloc(n int64) (int64, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	level, err := a.levelOf(n)
	if err != nil {
		return 0, nil, err
	}

	offset, ok := a.popFreeAtOrAbove(level)
	if !ok {
		return 0, nil, ErrArenaFull
	}
	a.used += a.levelSize(level)
	blockSize := a.levelSize(level)
	return offset, a.region.Bytes()[offset : offset+blockSize], nil
}

// popFreeAtOrAbove finds the smallest free block at level or above,
// splitting it down to level and pushing each resulting buddy onto the
// next level's free list.
func (a *MmapArena) popFreeAtOrAbove(level int) (int64, bool) {
	for l := level; l < a.levels; l++ {
		if len(a.free[l]) == 0 {
			continue
		}
		var offset int64
		for off := range a.free[l] {
			offset = off
			break
		}
		delete(a.free[l], offset)
		for cur := l; cur > level; cur-- {
			buddyOffset := offset + a.levelSize(cur-1)
			a.free[cur-1][buddyOffset] = struct{}{}
		}
		return offset, true
	}
	return 0, false
}

// Free releases the block at offset, sized n, merging it with its buddy
// repeatedly while the buddy is also free.
func (a *MmapArena) Free(offset, n int64) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	level, err := a.levelOf(n)
	if err != nil {
		return err
	}
	if offset%a.levelSize(level) != 0 {
		return ErrBadFree
	}
	a.used -= a.levelSize(level)

	for level < a.levels-1 {
		buddy := offset ^ a.levelSize(level)
		if _, free := a.free[level][buddy]; !free {
			break
		}
		delete(a.free[level], buddy)
		if buddy < offset {
			offset = buddy
		}
		level++
	}
	a.free[level][offset] = struct{}{}
	return nil
}

// Used returns the number of bytes currently allocated.
func (a *MmapArena) Used() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Available returns the number of bytes free.
func (a *MmapArena) Available() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size - a.used
}

// Close releases the arena's backing mapping.
func (a *MmapArena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.region.Unmap()
}
