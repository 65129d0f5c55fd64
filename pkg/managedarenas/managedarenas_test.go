package managedarenas

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocFillsFirstArenaBeforeGrowing(t *testing.T) {
	a := New(256, 64)
	h1, _, err := a.Alloc(64)
	require.NoError(t, err)
	h2, _, err := a.Alloc(64)
	require.NoError(t, err)
	h3, _, err := a.Alloc(64)
	require.NoError(t, err)
	h4, _, err := a.Alloc(64)
	require.NoError(t, err)
	require.Equal(t, int64(0), h1.ArenaID)
	require.Equal(t, int64(0), h2.ArenaID)
	require.Equal(t, int64(0), h3.ArenaID)
	require.Equal(t, int64(0), h4.ArenaID)
	require.Equal(t, 1, a.NumArenas())

	h5, _, err := a.Alloc(64)
	require.NoError(t, err)
	require.Equal(t, int64(1), h5.ArenaID)
	require.Equal(t, 2, a.NumArenas())

	require.NoError(t, a.Close())
}

func TestFreeRetiresEmptyNonSoleArena(t *testing.T) {
	a := New(64, 64)
	h1, _, err := a.Alloc(64)
	require.NoError(t, err)
	h2, _, err := a.Alloc(64)
	require.NoError(t, err)
	require.Equal(t, 2, a.NumArenas())

	require.NoError(t, a.Free(h1))
	require.Equal(t, 1, a.NumArenas(), "emptied arena 0 should be retired")

	require.NoError(t, a.Free(h2))
	require.Equal(t, 1, a.NumArenas(), "the sole remaining arena is never retired")
}

func TestFreeRejectsUnownedHandle(t *testing.T) {
	a := New(64, 64)
	_, _, err := a.Alloc(64)
	require.NoError(t, err)
	err = a.Free(Handle{ArenaID: 99, Offset: 0, Size: 64})
	require.ErrorIs(t, err, ErrNotOwned)
}
