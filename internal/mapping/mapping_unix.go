//go:build unix

package mapping

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Reserve mmaps a fresh anonymous, zero-filled region of size bytes.
// MAP_NORESERVE means the OS does not commit swap/physical pages up
// front, so reserving a large region does not charge its whole capacity
// against RAM immediately.
func Reserve(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mapping: invalid reserve size %d", size)
	}
	if injector.shouldFail("mmap") {
		return nil, fmt.Errorf("mapping: %w", ErrSyscallMmap)
	}
	data, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("mapping: mmap failed: %w", err)
	}
	return &Region{data: data}, nil
}

// Unmap releases the region. Safe to call once; a second call is a no-op.
func (r *Region) Unmap() error {
	if r == nil || r.closed || r.data == nil {
		return nil
	}
	err := unix.Munmap(r.data)
	r.closed = true
	r.data = nil
	if err != nil {
		return fmt.Errorf("mapping: munmap failed: %w", err)
	}
	return nil
}

// AdviseDontNeed tells the OS the given sub-range's physical backing is no
// longer needed; the address range stays reserved.
func AdviseDontNeed(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if injector.shouldFail("madvise") {
		return fmt.Errorf("mapping: %w", ErrSyscallMadvise)
	}
	if err := unix.Madvise(data, unix.MADV_DONTNEED); err != nil {
		return fmt.Errorf("mapping: madvise(DONTNEED) failed: %w", err)
	}
	return nil
}

// PreFault asks the OS (MADV_WILLNEED) to back data with physical memory
// again, used when reclaiming previously advised-away pages. Only if that
// madvise call fails does it touch one byte per page instead.
func PreFault(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if err := unix.Madvise(data, unix.MADV_WILLNEED); err == nil {
		return nil
	}
	// Fall back to touching one byte per page; this forces a fault without
	// relying on a Linux-version-gated madvise flag.
	const pageSize = 4096
	var sink byte
	for i := 0; i < len(data); i += pageSize {
		sink ^= data[i]
	}
	sink ^= data[len(data)-1]
	_ = sink
	return nil
}
