package contig

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/pageheap/internal/mapping"
	"github.com/joshuapare/pageheap/pkg/pagebackend"
	"github.com/joshuapare/pageheap/pkg/pagepool"
	"github.com/joshuapare/pageheap/pkg/sizeclass"
	"github.com/joshuapare/pageheap/pkg/tracker"
)

func newTestSetup(t *testing.T, capacityPages int64) (*pagepool.Pool, *Allocator, *tracker.Tracker, pagebackend.Backend) {
	t.Helper()
	table, err := sizeclass.NewTable([]int64{1, 2, 4, 8})
	require.NoError(t, err)
	backend := pagebackend.NewMmapBackend(4096, capacityPages, 0)
	tr := tracker.New(0)
	pool := pagepool.New(table, backend, tr)
	c := New(backend, pool, tr)
	return pool, c, tr, backend
}

func TestAllocateContiguousFreshRange(t *testing.T) {
	_, c, tr, backend := newTestSetup(t, 64)
	out := &Allocation{}
	ok, err := c.AllocateContiguous(16, nil, out, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.EqualValues(t, 16, out.NumPages())
	require.EqualValues(t, 16*backend.PageSize(), tr.Current())
}

func TestAllocateContiguousWithCollateral(t *testing.T) {
	pool, c, tr, backend := newTestSetup(t, 64)
	collateral, err := pool.AllocateNonContiguous(8, 0)
	require.NoError(t, err)
	require.EqualValues(t, 8*backend.PageSize(), tr.Current())

	out := &Allocation{}
	ok, err := c.AllocateContiguous(20, collateral, out, nil)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, collateral.IsEmpty())
	require.EqualValues(t, 20, out.NumPages())
	require.EqualValues(t, 20*backend.PageSize(), tr.Current())
}

func TestAllocateContiguousFailureLeavesTrackerAndArgsClean(t *testing.T) {
	pool, c, tr, _ := newTestSetup(t, 32)
	collateral, err := pool.AllocateNonContiguous(4, 0)
	require.NoError(t, err)
	trackerBefore := tr.Current()

	out := &Allocation{}
	ok, err := c.AllocateContiguous(1000, collateral, out, nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, collateral.IsEmpty())
	require.True(t, out.IsEmpty())
	// The net charge (numPages - collateralPages) was applied then fully
	// rolled back on the backend capacity failure, so the tracker ends
	// exactly where it started: collateral's original charge was never
	// separately released, since the collateral release itself is
	// tracker-neutral.
	require.EqualValues(t, trackerBefore, tr.Current())
}

func TestAllocateContiguousInjectedMadviseFailureRollsBackCharge(t *testing.T) {
	pool, c, tr, _ := newTestSetup(t, 32)
	// Fill to capacity so a large contiguous request needs advise-away.
	alloc, err := pool.AllocateNonContiguous(16, 0)
	require.NoError(t, err)
	_, err = pool.FreeNonContiguous(alloc)
	require.NoError(t, err) // free-mapped, available to advise

	mapping.Arm(mapping.PointMadvise)
	defer mapping.Disarm()

	before := tr.Current()
	out := &Allocation{}
	ok, err := c.AllocateContiguous(32, nil, out, nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, out.IsEmpty())
	require.EqualValues(t, before, tr.Current())
}

func TestAllocateContiguousInjectedMmapFailureRestoresAdvisedPages(t *testing.T) {
	pool, c, tr, backend := newTestSetup(t, 64)
	// Two allocations of half capacity force two separate backend chunks,
	// so the advised ranges below cannot coalesce into one reclaimable
	// range and Grow must reserve a fresh mapping, where the injected
	// mmap failure fires.
	a1, err := pool.AllocateNonContiguous(32, 0)
	require.NoError(t, err)
	a2, err := pool.AllocateNonContiguous(32, 0)
	require.NoError(t, err)
	_, err = pool.FreeNonContiguous(a1)
	require.NoError(t, err)
	_, err = pool.FreeNonContiguous(a2)
	require.NoError(t, err)
	require.EqualValues(t, 64, backend.MappedPages())

	statsBefore := pool.Stats()
	before := tr.Current()

	mapping.Arm(mapping.PointMmap)
	defer mapping.Disarm()

	out := &Allocation{}
	ok, err := c.AllocateContiguous(64, nil, out, nil)
	require.NoError(t, err)
	require.False(t, ok)
	require.True(t, out.IsEmpty())
	require.EqualValues(t, before, tr.Current())
	require.EqualValues(t, 64, backend.MappedPages(), "advised pages are re-faulted on rollback")

	statsAfter := pool.Stats()
	for i := range statsBefore {
		require.Equal(t, statsBefore[i].Free, statsAfter[i].Free, "class %d free count should be restored", i)
		require.Equal(t, statsBefore[i].Total, statsAfter[i].Total, "class %d total should be restored", i)
	}
}

func TestFreeContiguousReturnsRangeToMappedPool(t *testing.T) {
	pool, c, tr, backend := newTestSetup(t, 64)
	out := &Allocation{}
	ok, err := c.AllocateContiguous(16, nil, out, nil)
	require.NoError(t, err)
	require.True(t, ok)
	mappedBefore := backend.MappedPages()

	require.NoError(t, c.FreeContiguous(out, nil))
	require.True(t, out.IsEmpty())
	require.EqualValues(t, 0, tr.Current())
	require.Equal(t, mappedBefore, backend.MappedPages(), "freeing contiguous keeps pages mapped, not advised away")

	// The freed range should now be usable by the size-classed allocator.
	statsBefore := pool.Stats()
	var freeBefore int64
	for _, s := range statsBefore {
		freeBefore += s.Free
	}
	require.Greater(t, freeBefore, int64(0))
}

func TestReservationCallbackInvokedSymmetrically(t *testing.T) {
	_, c, _, _ := newTestSetup(t, 64)
	var events [][2]int64
	cb := func(delta int64, preAlloc bool) {
		p := int64(0)
		if preAlloc {
			p = 1
		}
		events = append(events, [2]int64{delta, p})
	}

	out := &Allocation{}
	ok, err := c.AllocateContiguous(16, nil, out, cb)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, events, 1)
	require.Equal(t, [2]int64{16 * 4096, 1}, events[0])

	require.NoError(t, c.FreeContiguous(out, cb))
	require.Len(t, events, 2)
	require.Equal(t, [2]int64{16 * 4096, 0}, events[1])
}
