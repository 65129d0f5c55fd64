//go:build unix

package mapping

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestInjectedMmapFailure(t *testing.T) {
	Arm(PointMmap)
	_, err := Reserve(4096)
	require.ErrorIs(t, err, ErrSyscallMmap)
	Disarm()

	// Injection fires exactly once.
	r, err := Reserve(4096)
	require.NoError(t, err)
	require.NoError(t, r.Unmap())
}

func TestInjectedMadviseFailure(t *testing.T) {
	r, err := Reserve(4096)
	require.NoError(t, err)
	defer r.Unmap()

	data, err := r.Slice(0, 4096)
	require.NoError(t, err)

	Arm(PointMadvise)
	require.ErrorIs(t, AdviseDontNeed(data), ErrSyscallMadvise)
	Disarm()

	require.NoError(t, AdviseDontNeed(data))
}
