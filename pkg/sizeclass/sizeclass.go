// Package sizeclass implements the size-class table and run-planning
// algorithm: given a page count and an optional minimum class, produce
// the fewest runs that cover it, rounding up by at most one floor-sized
// unit.
package sizeclass

import (
	"fmt"
	"sort"
)

// Table holds the fixed, ascending set of supported run sizes (in pages).
type Table struct {
	classes []int64 // ascending, classes[0] >= 1
}

// NewTable validates and wraps a set of size classes. Each class must be
// a positive multiple of the previous one.
func NewTable(classes []int64) (*Table, error) {
	if len(classes) == 0 {
		return nil, fmt.Errorf("sizeclass: at least one size class required")
	}
	sorted := append([]int64(nil), classes...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if sorted[0] < 1 {
		return nil, fmt.Errorf("sizeclass: smallest class must be >= 1 page, got %d", sorted[0])
	}
	for i := 1; i < len(sorted); i++ {
		if sorted[i] <= sorted[i-1] {
			return nil, fmt.Errorf("sizeclass: duplicate class %d", sorted[i])
		}
		if sorted[i]%sorted[i-1] != 0 {
			return nil, fmt.Errorf("sizeclass: class %d is not a multiple of %d", sorted[i], sorted[i-1])
		}
	}
	return &Table{classes: sorted}, nil
}

// Classes returns the ascending list of supported run sizes.
func (t *Table) Classes() []int64 {
	out := make([]int64, len(t.classes))
	copy(out, t.classes)
	return out
}

// Largest returns the largest supported class.
func (t *Table) Largest() int64 { return t.classes[len(t.classes)-1] }

// Smallest returns the smallest supported class.
func (t *Table) Smallest() int64 { return t.classes[0] }

// SmallestGE returns the smallest class >= pages, and whether one exists
// (false if pages exceeds the largest class).
func (t *Table) SmallestGE(pages int64) (int64, bool) {
	idx := sort.Search(len(t.classes), func(i int) bool { return t.classes[i] >= pages })
	if idx == len(t.classes) {
		return 0, false
	}
	return t.classes[idx], true
}

// FloorClass returns the smallest supported class >= minPages, defaulting
// to the smallest class entirely when minPages <= 0. Used to honor an
// allocation's optional min_size_class_pages bias.
func (t *Table) FloorClass(minPages int64) (int64, error) {
	if minPages <= 0 {
		return t.Smallest(), nil
	}
	cls, ok := t.SmallestGE(minPages)
	if !ok {
		return 0, fmt.Errorf("sizeclass: no class >= minimum %d pages (largest is %d)", minPages, t.Largest())
	}
	return cls, nil
}

// Run describes count runs of exactly size pages to satisfy part of a plan.
type Run struct {
	Size  int64
	Count int
}

// Plan computes the fewest runs covering at least numPages while
// respecting floor as the minimum run size: classes are taken
// largest-to-smallest down to floor, then any residual below floor is
// covered by promoting one extra floor-sized run.
func Plan(t *Table, numPages int64, minClassPages int64) ([]Run, error) {
	if numPages <= 0 {
		return nil, nil
	}
	floor, err := t.FloorClass(minClassPages)
	if err != nil {
		return nil, err
	}

	remaining := numPages
	var plan []Run
	for i := len(t.classes) - 1; i >= 0; i-- {
		size := t.classes[i]
		if size > floor && size > remaining {
			continue
		}
		if size < floor {
			break
		}
		if count := remaining / size; count > 0 {
			plan = append(plan, Run{Size: size, Count: int(count)})
			remaining -= count * size
		}
		if size == floor {
			break
		}
	}
	if remaining > 0 {
		plan = append(plan, Run{Size: floor, Count: 1})
	}
	return plan, nil
}

// TotalPages returns the sum of pages a plan would allocate.
func TotalPages(plan []Run) int64 {
	var total int64
	for _, r := range plan {
		total += r.Size * int64(r.Count)
	}
	return total
}
