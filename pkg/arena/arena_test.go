package arena

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocSplitsAndFreeCoalesces(t *testing.T) {
	a, err := New(1024, 64)
	require.NoError(t, err)
	defer a.Close()

	off1, buf1, err := a.Alloc(64)
	require.NoError(t, err)
	require.Len(t, buf1, 64)

	off2, _, err := a.Alloc(64)
	require.NoError(t, err)
	require.NotEqual(t, off1, off2)
	require.EqualValues(t, 128, a.Used())

	require.NoError(t, a.Free(off1, 64))
	require.NoError(t, a.Free(off2, 64))
	require.EqualValues(t, 0, a.Used())
	require.EqualValues(t, 1024, a.Available())
}

func TestAllocSplitsLargerBlockWhenNeeded(t *testing.T) {
	a, err := New(1024, 64)
	require.NoError(t, err)
	defer a.Close()

	off, buf, err := a.Alloc(200) // rounds up to 256
	require.NoError(t, err)
	require.Len(t, buf, 256)
	require.EqualValues(t, 256, a.Used())
	require.NoError(t, a.Free(off, 200))
}

func TestArenaFullWhenExhausted(t *testing.T) {
	a, err := New(128, 64)
	require.NoError(t, err)
	defer a.Close()

	_, _, err = a.Alloc(64)
	require.NoError(t, err)
	_, _, err = a.Alloc(64)
	require.NoError(t, err)
	_, _, err = a.Alloc(64)
	require.ErrorIs(t, err, ErrArenaFull)
}

func TestRoundTripWriteReadThroughSlice(t *testing.T) {
	a, err := New(256, 64)
	require.NoError(t, err)
	defer a.Close()

	_, buf, err := a.Alloc(64)
	require.NoError(t, err)
	buf[0] = 0xAB
	require.Equal(t, byte(0xAB), buf[0])
}
