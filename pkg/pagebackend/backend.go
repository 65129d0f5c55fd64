// Package pagebackend supplies the physical-page sources the page
// allocator (pkg/pagepool) and the contiguous allocator (pkg/contig)
// share: a raw process-heap backend, or an mmap-backed backend with
// advise-away support.
package pagebackend

import "errors"

// ErrCapacityExceeded is returned by Grow when satisfying the request
// would push mapped pages beyond capacity (or the optional mapped cap).
var ErrCapacityExceeded = errors.New("pagebackend: capacity exceeded")

// Backend is the physical-page source shared by the non-contiguous and
// contiguous page allocators.
type Backend interface {
	// PageSize returns the fixed page size in bytes.
	PageSize() int64

	// CapacityPages returns the allocator's total page budget.
	CapacityPages() int64

	// MappedPages returns pages currently mapped: reserved address space
	// that is not presently advised away.
	MappedPages() int64

	// Grow claims blockCount*unitPages contiguous pages that are not in
	// use and returns their base address plus a byte view over them: a
	// fresh chunk, or (mmap backend) a previously advised-away range
	// reclaimed in place. Fails with
	// ErrCapacityExceeded if MappedPages()+blockCount*unitPages would
	// exceed the backend's budget.
	Grow(unitPages, blockCount int64) (base int64, buf []byte, err error)

	// AdviseAway releases the physical backing of the given runs,
	// reducing MappedPages by their total page count. The heap backend
	// cannot advise pages away and always returns (0, nil).
	AdviseAway(runs []PageRun) (advisedPages int64, err error)

	// Reclaim re-faults runs previously passed to AdviseAway, marking
	// them mapped again. A no-op on backends that cannot advise.
	Reclaim(runs []PageRun) error

	// Bytes resolves a previously returned PageRun to its backing slice.
	Bytes(run PageRun) ([]byte, error)

	// SupportsAdvise reports whether AdviseAway can do real work.
	SupportsAdvise() bool

	// Close releases every chunk the backend has created.
	Close() error
}

// PageRun mirrors pagepool.PageRun without importing it, to avoid a cycle
// between pagebackend and its two consumers.
type PageRun struct {
	BaseAddress int64
	PageCount   int64
}
