// Package pageheap wires the page allocator, contiguous allocator,
// byte-granularity façade, allocation pool, and usage tracker behind a
// single Allocator handle. A process-wide default instance can be
// installed for the lifetime of a process (or a test); child handles
// derived from any instance share its backend while charging their own
// usage tracker.
package pageheap

import (
	"errors"
	"fmt"
	"sync"

	"github.com/joshuapare/pageheap/internal/mapping"
	"github.com/joshuapare/pageheap/pkg/allocpool"
	"github.com/joshuapare/pageheap/pkg/bytealloc"
	"github.com/joshuapare/pageheap/pkg/contig"
	"github.com/joshuapare/pageheap/pkg/pagebackend"
	"github.com/joshuapare/pageheap/pkg/pagepool"
	"github.com/joshuapare/pageheap/pkg/sizeclass"
	"github.com/joshuapare/pageheap/pkg/stats"
	"github.com/joshuapare/pageheap/pkg/tracker"
)

// ErrInvalidConfig is returned by New/SetDefaultInstance when Config
// fails validation.
var ErrInvalidConfig = errors.New("pageheap: invalid configuration")

// DefaultPageSize is used when Config.PageSize is left zero.
const DefaultPageSize = 4096

// DefaultSizeClasses is used when Config.SizeClasses is left empty.
var DefaultSizeClasses = []int64{1, 2, 4, 8, 16, 32, 64, 128, 256}

// Config is the construction-time configuration: page budget, size
// classes, backend choice, and the optional knobs (mapped-page cap,
// malloc threshold, growth chunk, failure injection).
type Config struct {
	CapacityPages  int64
	SizeClasses    []int64
	UseMmapBackend bool
	MaxMappedPages int64 // 0 defaults to CapacityPages (mmap backend only)
	PageSize       int64 // 0 defaults to DefaultPageSize
	MaxMallocBytes int64 // 0 defaults to bytealloc.DefaultMaxMallocBytes
	GrowthPages    int64 // 0 defaults to allocpool.DefaultGrowthPages
	Injector       mapping.Point
}

// Option mutates a Config under construction.
type Option func(*Config)

// WithInjector arms point as this instance's failure-injection point at
// construction time. An armed point fires exactly once, on the next
// matching syscall; the toggle is process-global and test-only.
func WithInjector(point mapping.Point) Option {
	return func(c *Config) { c.Injector = point }
}

// WithMaxMappedPages sets the mmap backend's mapped-page cap.
func WithMaxMappedPages(pages int64) Option {
	return func(c *Config) { c.MaxMappedPages = pages }
}

// WithMaxMallocBytes overrides the byte façade's small/medium threshold.
func WithMaxMallocBytes(bytes int64) Option {
	return func(c *Config) { c.MaxMallocBytes = bytes }
}

// WithGrowthPages overrides the allocation pool's default growth chunk.
func WithGrowthPages(pages int64) Option {
	return func(c *Config) { c.GrowthPages = pages }
}

// NewConfig builds a Config for capacityPages pages, backed by the heap
// or mmap backend per useMmapBackend, over sizeClasses (DefaultSizeClasses
// if nil), with opts applied afterward.
func NewConfig(capacityPages int64, useMmapBackend bool, sizeClasses []int64, opts ...Option) Config {
	cfg := Config{
		CapacityPages:  capacityPages,
		SizeClasses:    sizeClasses,
		UseMmapBackend: useMmapBackend,
	}
	if len(cfg.SizeClasses) == 0 {
		cfg.SizeClasses = append([]int64(nil), DefaultSizeClasses...)
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (c *Config) applyDefaults() {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if len(c.SizeClasses) == 0 {
		c.SizeClasses = append([]int64(nil), DefaultSizeClasses...)
	}
}

func (c Config) validate() error {
	if c.CapacityPages <= 0 {
		return fmt.Errorf("%w: capacity_pages must be positive, got %d", ErrInvalidConfig, c.CapacityPages)
	}
	if len(c.SizeClasses) == 0 {
		return fmt.Errorf("%w: at least one size class required", ErrInvalidConfig)
	}
	return nil
}

// Stats is a point-in-time snapshot: page/class globals plus the byte
// façade's per-tier totals.
type Stats struct {
	Pages stats.Global
	Bytes bytealloc.Stats
}

// Allocator is a handle sharing a backend with every other handle
// derived from the same root instance, scoped by its own usage tracker.
type Allocator struct {
	cfg         Config
	backend     pagebackend.Backend
	ownsBackend bool

	table   *sizeclass.Table
	tracker *tracker.Tracker
	pool    *pagepool.Pool
	contig  *contig.Allocator
	bytes   *bytealloc.Allocator
	bump    *allocpool.Pool
}

// New builds a standalone allocator instance from cfg. It is not
// installed as the process default; call SetDefaultInstance for that.
func New(cfg Config) (*Allocator, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Injector != "" && cfg.Injector != mapping.PointNone {
		mapping.Arm(cfg.Injector)
	}

	backend := newBackend(cfg)
	a, err := newAllocator(cfg, backend, tracker.New(0))
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	a.ownsBackend = true
	return a, nil
}

func newBackend(cfg Config) pagebackend.Backend {
	if cfg.UseMmapBackend {
		return pagebackend.NewMmapBackend(cfg.PageSize, cfg.CapacityPages, cfg.MaxMappedPages)
	}
	return pagebackend.NewHeapBackend(cfg.PageSize, cfg.CapacityPages)
}

func newAllocator(cfg Config, backend pagebackend.Backend, tr *tracker.Tracker) (*Allocator, error) {
	table, err := sizeclass.NewTable(cfg.SizeClasses)
	if err != nil {
		return nil, fmt.Errorf("pageheap: building size class table: %w", err)
	}

	growthPages := cfg.GrowthPages
	if growthPages <= 0 {
		growthPages = allocpool.DefaultGrowthPages
	}

	pool := pagepool.New(table, backend, tr)
	contigAlloc := contig.New(backend, pool, tr)
	byteFacade := bytealloc.New(table, pool, contigAlloc, cfg.PageSize, cfg.MaxMallocBytes)
	bump := allocpool.New(pool, contigAlloc, cfg.PageSize, growthPages)

	return &Allocator{
		cfg:     cfg,
		backend: backend,
		table:   table,
		tracker: tr,
		pool:    pool,
		contig:  contigAlloc,
		bytes:   byteFacade,
		bump:    bump,
	}, nil
}

// AddChild produces a tracker-scoped child sharing a's backend: page and
// byte operations on the child charge a tracker that is a's tracker's
// child, capped at maxTotal (<= 0 means unbounded; see pkg/tracker).
func (a *Allocator) AddChild(maxTotal int64) (*Allocator, error) {
	return newAllocator(a.cfg, a.backend, a.tracker.Child(maxTotal))
}

// Tracker returns this handle's usage tracker.
func (a *Allocator) Tracker() *tracker.Tracker { return a.tracker }

// AllocateNonContiguous allocates numPages as a set of size-classed page
// runs; minClassPages, when positive, is the minimum run size.
func (a *Allocator) AllocateNonContiguous(numPages, minClassPages int64) (*pagepool.Allocation, error) {
	return a.pool.AllocateNonContiguous(numPages, minClassPages)
}

// AllocateNonContiguousCB is AllocateNonContiguous with a reservation
// callback invoked around the tracker charge.
func (a *Allocator) AllocateNonContiguousCB(numPages, minClassPages int64, cb pagepool.ReservationCallback) (*pagepool.Allocation, error) {
	return a.pool.AllocateNonContiguousCB(numPages, minClassPages, cb)
}

// FreeNonContiguous releases every run of alloc back to its size class
// and reports the byte count released.
func (a *Allocator) FreeNonContiguous(alloc *pagepool.Allocation) (int64, error) {
	return a.pool.FreeNonContiguous(alloc)
}

// AllocateContiguous allocates a single virtually-contiguous range of
// numPages, releasing collateral and any prior contents of out as part
// of the same atomic transition.
func (a *Allocator) AllocateContiguous(numPages int64, collateral *pagepool.Allocation, out *contig.Allocation) (bool, error) {
	return a.contig.AllocateContiguous(numPages, collateral, out, nil)
}

// AllocateContiguousCB is AllocateContiguous with a reservation callback
// invoked around the tracker charge.
func (a *Allocator) AllocateContiguousCB(numPages int64, collateral *pagepool.Allocation, out *contig.Allocation, cb contig.ReservationFunc) (bool, error) {
	return a.contig.AllocateContiguous(numPages, collateral, out, cb)
}

// FreeContiguous releases alloc's range back to the mapped pool.
func (a *Allocator) FreeContiguous(alloc *contig.Allocation) error {
	return a.contig.FreeContiguous(alloc, nil)
}

// AllocateBytes services a byte-granularity request, dispatching by size
// to the process heap, the size-classed allocator, or the contiguous
// allocator.
func (a *Allocator) AllocateBytes(numBytes int64) ([]byte, error) {
	return a.bytes.AllocateBytes(numBytes)
}

// FreeBytes releases a buffer returned by AllocateBytes; numBytes must
// match the size originally requested.
func (a *Allocator) FreeBytes(ptr []byte, numBytes int64) error {
	return a.bytes.FreeBytes(ptr, numBytes)
}

// AllocateBytesStats returns the byte façade's per-tier counters.
func (a *Allocator) AllocateBytesStats() bytealloc.Stats { return a.bytes.Stats() }

// TestingClearAllocateBytesStats zeroes the byte façade's counters
// between test cases.
func (a *Allocator) TestingClearAllocateBytesStats() { a.bytes.ResetStats() }

// SequenceAllocator returns a generic sequence-container allocator
// adapter over this instance's byte façade.
func SequenceAllocator[T any](a *Allocator) *bytealloc.SequenceAllocator[T] {
	return bytealloc.NewSequenceAllocator[T](a.bytes)
}

// AllocationPool returns this instance's bump allocator.
func (a *Allocator) AllocationPool() *allocpool.Pool { return a.bump }

// NumAllocated returns the pages currently handed out across all size
// classes.
func (a *Allocator) NumAllocated() int64 {
	return stats.Snapshot(a.pool, a.backend).NumAllocated
}

// NumMapped returns the pages currently backed by the OS.
func (a *Allocator) NumMapped() int64 { return a.backend.MappedPages() }

// Stats returns a snapshot of the page and byte counters.
func (a *Allocator) Stats() Stats {
	return Stats{Pages: stats.Snapshot(a.pool, a.backend), Bytes: a.bytes.Stats()}
}

// CheckConsistency validates the allocator's bookkeeping invariants;
// callers must ensure no operation is in flight on this instance or its
// siblings.
func (a *Allocator) CheckConsistency() error {
	return stats.CheckConsistency(a.pool, a.backend)
}

// Close releases the backend if this handle owns one. Child handles
// (from AddChild) share their parent's backend and are no-ops here; only
// the root instance (from New or the process default) actually closes
// the underlying mapping.
func (a *Allocator) Close() error {
	if !a.ownsBackend {
		return nil
	}
	return a.backend.Close()
}

var (
	defaultMu   sync.Mutex
	defaultInst *Allocator
)

// SetDefaultInstance builds cfg into a new root allocator, installs it
// as the process-wide default, and closes whatever instance previously
// held that role.
func SetDefaultInstance(cfg Config) (*Allocator, error) {
	inst, err := New(cfg)
	if err != nil {
		return nil, err
	}

	defaultMu.Lock()
	defer defaultMu.Unlock()
	prev := defaultInst
	defaultInst = inst
	if prev != nil {
		_ = prev.Close()
	}
	return inst, nil
}

// DestroyDefault tears down the process-wide default instance, if any.
// Intended for test teardown.
func DestroyDefault() error {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultInst == nil {
		return nil
	}
	err := defaultInst.Close()
	defaultInst = nil
	return err
}

// GetDefault returns the process-wide default instance, or nil if none
// has been installed.
func GetDefault() *Allocator {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	return defaultInst
}
