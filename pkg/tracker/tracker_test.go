package tracker

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestChargeAndRelease(t *testing.T) {
	root := New(0)
	require.NoError(t, root.Charge(100))
	require.EqualValues(t, 100, root.Current())
	require.EqualValues(t, 100, root.Peak())

	root.Release(40)
	require.EqualValues(t, 60, root.Current())
	require.EqualValues(t, 100, root.Peak())
}

func TestChildRollsUpToParent(t *testing.T) {
	root := New(0)
	child := root.Child(0)

	require.NoError(t, child.Charge(50))
	require.EqualValues(t, 50, child.Current())
	require.EqualValues(t, 50, root.Current())

	child.Release(20)
	require.EqualValues(t, 30, child.Current())
	require.EqualValues(t, 30, root.Current())
}

func TestChargeFailsAtCapWithoutModifyingAncestors(t *testing.T) {
	root := New(0)
	child := root.Child(100)

	require.NoError(t, child.Charge(100))
	err := child.Charge(1)
	require.ErrorIs(t, err, ErrOutOfCapacity)
	require.EqualValues(t, 100, child.Current())
	require.EqualValues(t, 100, root.Current())
}

func TestChargeFailsAtAncestorCap(t *testing.T) {
	root := New(10)
	child := root.Child(0) // no cap of its own, inherits root's

	err := child.Charge(11)
	require.ErrorIs(t, err, ErrOutOfCapacity)
	require.EqualValues(t, 0, child.Current())
	require.EqualValues(t, 0, root.Current())
}

func TestOneByteCapChildRejectsSecondByte(t *testing.T) {
	root := New(0)
	// maxTotal <= 0 means unbounded, so a near-zero budget is expressed
	// with a 1-byte cap: one byte fits, the next is refused.
	tiny := root.Child(1)
	require.NoError(t, tiny.Charge(1))
	require.ErrorIs(t, tiny.Charge(1), ErrOutOfCapacity)
}

func TestConcurrentChargeRelease(t *testing.T) {
	root := New(0)
	const n = 200
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			require.NoError(t, root.Charge(1))
		}()
	}
	wg.Wait()
	require.EqualValues(t, n, root.Current())

	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			root.Release(1)
		}()
	}
	wg.Wait()
	require.EqualValues(t, 0, root.Current())
	require.EqualValues(t, n, root.Peak())
}
