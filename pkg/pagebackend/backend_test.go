package pagebackend

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestHeapBackendGrowAndBytes(t *testing.T) {
	b := NewHeapBackend(4096, 16)
	base, buf, err := b.Grow(2, 3) // 6 pages
	require.NoError(t, err)
	require.Len(t, buf, 6*4096)
	require.EqualValues(t, 6, b.MappedPages())

	run := PageRun{BaseAddress: base + 2, PageCount: 2}
	view, err := b.Bytes(run)
	require.NoError(t, err)
	require.Len(t, view, 2*4096)

	adv, err := b.AdviseAway([]PageRun{run})
	require.NoError(t, err)
	require.Zero(t, adv)
	require.EqualValues(t, 6, b.MappedPages())
}

func TestHeapBackendCapacity(t *testing.T) {
	b := NewHeapBackend(4096, 4)
	_, _, err := b.Grow(1, 5)
	require.ErrorIs(t, err, ErrCapacityExceeded)

	_, _, err = b.Grow(1, 4)
	require.NoError(t, err)
	_, _, err = b.Grow(1, 1)
	require.ErrorIs(t, err, ErrCapacityExceeded)
}

func TestMmapBackendGrowAdviseAndBytes(t *testing.T) {
	b := NewMmapBackend(4096, 8, 0)
	base, buf, err := b.Grow(4, 1) // 4 pages
	require.NoError(t, err)
	require.Len(t, buf, 4*4096)
	require.EqualValues(t, 4, b.MappedPages())

	run := PageRun{BaseAddress: base, PageCount: 2}
	released, err := b.AdviseAway([]PageRun{run})
	require.NoError(t, err)
	require.EqualValues(t, 2, released)
	require.EqualValues(t, 2, b.MappedPages())

	require.NoError(t, b.Close())
}

func TestMmapBackendRespectsMaxMappedPages(t *testing.T) {
	b := NewMmapBackend(4096, 100, 4)
	_, _, err := b.Grow(4, 2) // 8 pages > max of 4
	require.ErrorIs(t, err, ErrCapacityExceeded)

	_, _, err = b.Grow(4, 1) // 4 pages, fits max
	require.NoError(t, err)
	require.NoError(t, b.Close())
}
