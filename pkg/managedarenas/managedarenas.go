// Package managedarenas grows a collection of pkg/arena.MmapArena on
// demand: allocation tries arenas in insertion order, creating a new one
// only when none can satisfy the request, and an arena is retired once
// it is fully empty and not the sole arena left.
package managedarenas

import (
	"errors"
	"fmt"
	"sync"

	"github.com/joshuapare/pageheap/internal/logging"
	"github.com/joshuapare/pageheap/pkg/arena"
)

// ErrNotOwned is returned by Free when no arena in the collection backs
// the given offset.
var ErrNotOwned = errors.New("managedarenas: offset not owned by any arena")

// Arenas grows a collection of arena.MmapArena on demand. Allocation
// always scans in insertion order so low-index arenas drain before new
// ones are created, keeping fragmentation concentrated.
type Arenas struct {
	arenaSize int64
	minBlock  int64

	mu     sync.Mutex
	arenas []*entry
	nextID int64
}

type entry struct {
	arena *arena.MmapArena
	id    int64
}

// New creates an empty collection that grows arenas of arenaSize bytes,
// split into blocks no smaller than minBlock.
func New(arenaSize, minBlock int64) *Arenas {
	return &Arenas{arenaSize: arenaSize, minBlock: minBlock}
}

// Handle identifies a block by which arena holds it plus its offset
// within that arena, so Free can route without re-scanning by address.
type Handle struct {
	ArenaID int64
	Offset  int64
	Size    int64
}

// Alloc tries every arena in insertion order, creating a fresh one only
// when none can satisfy n bytes.
func (a *Arenas) Alloc(n int64) (Handle, []byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, e := range a.arenas {
		if off, buf, err := e.arena.Alloc(n); err == nil {
			return Handle{ArenaID: e.id, Offset: off, Size: n}, buf, nil
		}
	}

	e, err := a.growLocked()
	if err != nil {
		return Handle{}, nil, err
	}
	off, buf, err := e.arena.Alloc(n)
	if err != nil {
		return Handle{}, nil, fmt.Errorf("managedarenas: fresh arena cannot satisfy %d bytes: %w", n, err)
	}
	return Handle{ArenaID: e.id, Offset: off, Size: n}, buf, nil
}

func (a *Arenas) growLocked() (*entry, error) {
	ar, err := arena.New(a.arenaSize, a.minBlock)
	if err != nil {
		return nil, fmt.Errorf("managedarenas: creating arena: %w", err)
	}
	e := &entry{arena: ar, id: a.nextID}
	a.nextID++
	a.arenas = append(a.arenas, e)
	logging.L.Debug("managedarenas: grew", "arenaID", e.id, "size", a.arenaSize)
	return e, nil
}

// Free releases h back to its owning arena and retires that arena (and
// closes its mapping) if it is now empty and not the sole arena left.
func (a *Arenas) Free(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i, e := range a.arenas {
		if e.id != h.ArenaID {
			continue
		}
		if err := e.arena.Free(h.Offset, h.Size); err != nil {
			return fmt.Errorf("managedarenas: freeing in arena %d: %w", h.ArenaID, err)
		}
		if e.arena.Used() == 0 && len(a.arenas) > 1 {
			if err := e.arena.Close(); err != nil {
				return fmt.Errorf("managedarenas: retiring arena %d: %w", h.ArenaID, err)
			}
			a.arenas = append(a.arenas[:i], a.arenas[i+1:]...)
			logging.L.Debug("managedarenas: retired empty arena", "arenaID", h.ArenaID)
		}
		return nil
	}
	return ErrNotOwned
}

// NumArenas returns the number of live arenas.
func (a *Arenas) NumArenas() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.arenas)
}

// Close releases every arena's backing mapping.
func (a *Arenas) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for _, e := range a.arenas {
		if err := e.arena.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	a.arenas = nil
	return firstErr
}
