package allocity

import (
	"sync"
	"unsafe"

	"testing"

	"github.com/stretchr/testify/require"
)

func TestAcquireSmallFallsThroughOnEmptyList(t *testing.T) {
	var fl smallFreeLists
	calls := 0
	p := fl.acquireSmall(4, func(n int) unsafe.Pointer {
		calls++
		return sysAllocSmall(n)
	})
	require.NotNil(t, p)
	require.Equal(t, 1, calls)
}

func TestReleaseSmallThenAcquireReusesBlock(t *testing.T) {
	var fl smallFreeLists
	p := sysAllocSmall(4)
	fl.releaseSmall(4, p)

	calls := 0
	got := fl.acquireSmall(4, func(n int) unsafe.Pointer {
		calls++
		return sysAllocSmall(n)
	})
	require.Equal(t, p, got)
	require.Equal(t, 0, calls, "cached block should be reused without falling through")
}

func TestSmallFreeListsClear(t *testing.T) {
	var fl smallFreeLists
	p := sysAllocSmall(4)
	fl.releaseSmall(4, p)
	fl.clear()

	calls := 0
	fl.acquireSmall(4, func(n int) unsafe.Pointer {
		calls++
		return sysAllocSmall(n)
	})
	require.Equal(t, 1, calls, "clear must drop cached blocks")
}

func TestSysAllocSmallRoundsUpToMinBlock(t *testing.T) {
	p := sysAllocSmall(1)
	// Writing a full pointer-width link must not run past the backing
	// buffer; this writes the link into a 1-byte request directly, the
	// same store releaseSmall makes when it caches such a block.
	node := (*flNode)(p)
	node.next = nil
	require.Nil(t, node.next)
}

func TestSmallFreeListsConcurrentPushPop(t *testing.T) {
	var fl smallFreeLists
	const n = 500

	var wg sync.WaitGroup
	ptrs := make(chan unsafe.Pointer, n)
	for i := 0; i < n; i++ {
		ptrs <- sysAllocSmall(8)
	}
	close(ptrs)

	for p := range ptrs {
		wg.Add(1)
		go func(p unsafe.Pointer) {
			defer wg.Done()
			fl.releaseSmall(8, p)
		}(p)
	}
	wg.Wait()

	seen := make(map[unsafe.Pointer]struct{})
	var mu sync.Mutex
	var wg2 sync.WaitGroup
	for i := 0; i < n; i++ {
		wg2.Add(1)
		go func() {
			defer wg2.Done()
			got := fl.acquireSmall(8, func(n int) unsafe.Pointer { return sysAllocSmall(n) })
			mu.Lock()
			seen[got] = struct{}{}
			mu.Unlock()
		}()
	}
	wg2.Wait()

	require.Len(t, seen, n, "every pushed block must be popped exactly once, none lost or duplicated")
}
