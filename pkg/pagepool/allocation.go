package pagepool

import "fmt"

// PageRun is a single virtually-contiguous range of pages.
type PageRun struct {
	BaseAddress int64
	PageCount   int64
}

func (r PageRun) String() string {
	return fmt.Sprintf("[%d,+%d)", r.BaseAddress, r.PageCount)
}

// Allocation is an ordered, non-contiguous set of PageRuns returned by
// AllocateNonContiguous.
type Allocation struct {
	runs []PageRun
}

func newAllocation(runs []PageRun) *Allocation {
	return &Allocation{runs: runs}
}

// NumPages returns the sum of every run's page count.
func (a *Allocation) NumPages() int64 {
	if a == nil {
		return 0
	}
	var total int64
	for _, r := range a.runs {
		total += r.PageCount
	}
	return total
}

// IsEmpty reports whether the allocation holds no pages.
func (a *Allocation) IsEmpty() bool { return a == nil || len(a.runs) == 0 }

// Runs returns a copy of the allocation's page runs, in allocation order.
func (a *Allocation) Runs() []PageRun {
	if a == nil {
		return nil
	}
	out := make([]PageRun, len(a.runs))
	copy(out, a.runs)
	return out
}

// Append concatenates src's runs onto a and empties src, matching the
// move semantics consumers use when merging allocations together.
func (a *Allocation) Append(src *Allocation) {
	if src == nil {
		return
	}
	a.runs = append(a.runs, src.runs...)
	src.runs = nil
}

// take empties a and returns its former runs; used when an Allocation is
// consumed by FreeNonContiguous.
func (a *Allocation) take() []PageRun {
	if a == nil {
		return nil
	}
	runs := a.runs
	a.runs = nil
	return runs
}
