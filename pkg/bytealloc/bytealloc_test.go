package bytealloc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/pageheap/pkg/contig"
	"github.com/joshuapare/pageheap/pkg/pagebackend"
	"github.com/joshuapare/pageheap/pkg/pagepool"
	"github.com/joshuapare/pageheap/pkg/sizeclass"
)

const pageSize = 4096

func newTestAllocator(t *testing.T, maxMallocBytes int64) *Allocator {
	t.Helper()
	table, err := sizeclass.NewTable([]int64{1, 2, 4, 8, 16})
	require.NoError(t, err)
	backend := pagebackend.NewMmapBackend(pageSize, 1<<16, 0)
	pool := pagepool.New(table, backend, nil)
	contigAlloc := contig.New(backend, pool, nil)
	return New(table, pool, contigAlloc, pageSize, maxMallocBytes)
}

func TestAllocateBytesSmallTierRoundTrips(t *testing.T) {
	a := newTestAllocator(t, 1024)
	buf, err := a.AllocateBytes(64)
	require.NoError(t, err)
	require.Len(t, buf, 64)
	buf[0] = 0x11
	require.NoError(t, a.FreeBytes(buf, 64))
	require.EqualValues(t, 1, a.Stats().TotalSmall)
}

func TestAllocateBytesInSizeClassTierRoundTrips(t *testing.T) {
	a := newTestAllocator(t, 1024)
	bytes := int64(8 * pageSize) // exceeds small threshold, within largest class (16 pages)
	buf, err := a.AllocateBytes(bytes)
	require.NoError(t, err)
	require.Len(t, buf, int(bytes))
	buf[0] = 0x22
	require.NoError(t, a.FreeBytes(buf, bytes))
	require.EqualValues(t, 1, a.Stats().TotalInSizeClasses)
}

func TestAllocateBytesLargeTierRoundTrips(t *testing.T) {
	a := newTestAllocator(t, 1024)
	bytes := int64(32 * pageSize) // exceeds largest size class (16 pages)
	buf, err := a.AllocateBytes(bytes)
	require.NoError(t, err)
	require.Len(t, buf, int(bytes))
	buf[0] = 0x33
	require.NoError(t, a.FreeBytes(buf, bytes))
	require.EqualValues(t, 1, a.Stats().TotalLarge)
}

func TestAllocateBytesRejectsNonPositive(t *testing.T) {
	a := newTestAllocator(t, 1024)
	_, err := a.AllocateBytes(0)
	require.ErrorIs(t, err, ErrInvalidArgument)
	_, err = a.AllocateBytes(-5)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestFreeBytesRejectsUntrackedPointer(t *testing.T) {
	a := newTestAllocator(t, 1024)
	bogus := make([]byte, 16)
	err := a.FreeBytes(bogus, 16)
	require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestResetStatsZeroesCounters(t *testing.T) {
	a := newTestAllocator(t, 1024)
	_, err := a.AllocateBytes(16)
	require.NoError(t, err)
	require.EqualValues(t, 1, a.Stats().TotalSmall)
	a.ResetStats()
	require.Equal(t, Stats{}, a.Stats())
}

func TestSequenceAllocatorRoundTrips(t *testing.T) {
	a := newTestAllocator(t, 1024)
	seq := NewSequenceAllocator[int64](a)

	elems, err := seq.Allocate(10)
	require.NoError(t, err)
	require.Len(t, elems, 10)
	elems[3] = 42
	require.EqualValues(t, 42, elems[3])

	require.NoError(t, seq.Deallocate(elems, 10))
}

func TestSequenceAllocatorRejectsOverflowingCount(t *testing.T) {
	a := newTestAllocator(t, 1024)
	seq := NewSequenceAllocator[int64](a)

	_, err := seq.Allocate(SanityBoundBytes)
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrInvalidArgument))
}

func TestSequenceAllocatorRejectsBogusDeallocateSize(t *testing.T) {
	a := newTestAllocator(t, 1024)
	seq := NewSequenceAllocator[int64](a)
	elems, err := seq.Allocate(4)
	require.NoError(t, err)

	err = seq.Deallocate(elems, -1)
	require.ErrorIs(t, err, ErrInvalidArgument)
}
