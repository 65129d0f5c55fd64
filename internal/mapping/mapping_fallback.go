//go:build !unix

package mapping

import "fmt"

// Reserve falls back to a plain heap-allocated slice on platforms without
// mmap/madvise; the allocator still works, it just cannot advise pages
// away from the OS. Armed injection points still fire so failure-path
// tests behave the same on every platform.
func Reserve(size int) (*Region, error) {
	if size <= 0 {
		return nil, fmt.Errorf("mapping: invalid reserve size %d", size)
	}
	if injector.shouldFail("mmap") {
		return nil, fmt.Errorf("mapping: %w", ErrSyscallMmap)
	}
	return &Region{data: make([]byte, size)}, nil
}

func (r *Region) Unmap() error {
	if r == nil {
		return nil
	}
	r.closed = true
	r.data = nil
	return nil
}

// AdviseDontNeed is a no-op outside unix beyond honoring an armed
// injection point: there is nothing to advise away.
func AdviseDontNeed(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	if injector.shouldFail("madvise") {
		return fmt.Errorf("mapping: %w", ErrSyscallMadvise)
	}
	return nil
}

// PreFault is a no-op outside unix.
func PreFault(data []byte) error { return nil }
