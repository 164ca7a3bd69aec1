package allocity

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
)

func TestNewPoolRejectsUndersizedBlock(t *testing.T) {
	_, err := NewPool(int(ptrSize)-1, 16)
	require.ErrorIs(t, err, ErrBadConstruction)
}

func TestNewPoolRejectsNonPositiveCapacity(t *testing.T) {
	_, err := NewPool(8, 0)
	require.ErrorIs(t, err, ErrBadConstruction)
}

func TestPoolAcquireReleaseRoundTrip(t *testing.T) {
	p, err := NewPool(8, 4)
	require.NoError(t, err)
	require.Equal(t, 0, p.Used())

	blk, ok := p.Acquire()
	require.True(t, ok)
	require.Equal(t, 1, p.Used())

	require.NoError(t, p.Release(blk))
	require.Equal(t, 0, p.Used())
}

func TestPoolExhaustion(t *testing.T) {
	p, err := NewPool(8, 2)
	require.NoError(t, err)

	_, ok1 := p.Acquire()
	_, ok2 := p.Acquire()
	require.True(t, ok1)
	require.True(t, ok2)

	_, ok3 := p.Acquire()
	require.False(t, ok3, "pool of capacity 2 must refuse a 3rd acquire")
}

func TestPoolAcquireAllThenReleaseAll(t *testing.T) {
	const capacity = 64
	p, err := NewPool(16, capacity)
	require.NoError(t, err)

	blocks := make([]unsafe.Pointer, 0, capacity)
	for i := 0; i < capacity; i++ {
		b, ok := p.Acquire()
		require.True(t, ok)
		blocks = append(blocks, b)
	}
	require.Equal(t, capacity, p.Used())

	seen := make(map[unsafe.Pointer]struct{}, capacity)
	for _, b := range blocks {
		_, dup := seen[b]
		require.False(t, dup, "pool handed out the same block twice")
		seen[b] = struct{}{}
	}

	for _, b := range blocks {
		require.NoError(t, p.Release(b))
	}
	require.Equal(t, 0, p.Used())
}

func TestPoolReleaseRejectsForeignPointer(t *testing.T) {
	p, err := NewPool(8, 4)
	require.NoError(t, err)

	var x int64
	err = p.Release(unsafe.Pointer(&x))
	require.ErrorIs(t, err, ErrBadOwnership)
}

func TestPoolReleaseNilIsNoop(t *testing.T) {
	p, err := NewPool(8, 4)
	require.NoError(t, err)
	require.NoError(t, p.Release(nil))
}

func TestPoolClearResetsFreeList(t *testing.T) {
	p, err := NewPool(8, 4)
	require.NoError(t, err)

	_, _ = p.Acquire()
	_, _ = p.Acquire()
	require.Equal(t, 2, p.Used())

	p.Clear()
	require.Equal(t, 0, p.Used())

	for i := 0; i < 4; i++ {
		_, ok := p.Acquire()
		require.True(t, ok)
	}
}

func TestPoolIndexMapping(t *testing.T) {
	require.Equal(t, 0, poolIndex(1))
	require.Equal(t, 0, poolIndex(8))
	require.Equal(t, 1, poolIndex(9))
	require.Equal(t, 1, poolIndex(16))
	require.Equal(t, 31, poolIndex(256))
}

func TestPoolContains(t *testing.T) {
	p, err := NewPool(8, 4)
	require.NoError(t, err)

	blk, ok := p.Acquire()
	require.True(t, ok)
	require.True(t, p.contains(blk))

	var x int64
	require.False(t, p.contains(unsafe.Pointer(&x)))
}
