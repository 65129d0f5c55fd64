package mapping

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReserveAndUnmap(t *testing.T) {
	r, err := Reserve(64 * 1024)
	require.NoError(t, err)
	require.Equal(t, 64*1024, r.Len())

	data, err := r.Slice(0, 4096)
	require.NoError(t, err)
	data[0] = 0xAB
	require.Equal(t, byte(0xAB), r.Bytes()[0])

	require.NoError(t, r.Unmap())
	require.NoError(t, r.Unmap()) // second unmap is a no-op

	_, err = r.Slice(0, 1)
	require.ErrorIs(t, err, ErrClosed)
}

func TestSliceBounds(t *testing.T) {
	r, err := Reserve(4096)
	require.NoError(t, err)
	defer r.Unmap()

	_, err = r.Slice(4000, 200)
	require.Error(t, err)
}

func TestAdviseAndPreFault(t *testing.T) {
	r, err := Reserve(8192)
	require.NoError(t, err)
	defer r.Unmap()

	data, err := r.Slice(0, 4096)
	require.NoError(t, err)
	require.NoError(t, AdviseDontNeed(data))
	require.NoError(t, PreFault(data))
}
