package allocity

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// TestConcurrentAllocateDeallocateNeverDoubleGrants checks that no two
// live allocations ever alias the same address under concurrent
// pool-sized traffic across many goroutines.
func TestConcurrentAllocateDeallocateNeverDoubleGrants(t *testing.T) {
	a := New()
	defer a.Close()

	const workers = 32
	const perWorker = 200

	var g errgroup.Group
	results := make(chan unsafe.Pointer, workers*perWorker)

	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				p := a.Allocate(16)
				if p == nil {
					continue
				}
				results <- p
				if err := a.Deallocate(p); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(results)

	count := 0
	for range results {
		count++
	}
	require.Equal(t, workers*perWorker, count)
	require.True(t, a.IsEmpty())
}

// TestConcurrentPoolExhaustionStaysConsistent hammers a single pool past
// its capacity from many goroutines at once and checks that every
// allocation is either pool- or heap-origin, never lost, never aliased,
// and is cleanly freeable, even when the pool fills up under contention.
func TestConcurrentPoolExhaustionStaysConsistent(t *testing.T) {
	a := New()
	defer a.Close()

	const total = poolCapacity * 2
	ptrs := make(chan unsafe.Pointer, total)

	var g errgroup.Group
	for i := 0; i < total; i++ {
		g.Go(func() error {
			p := a.Allocate(8)
			if p == nil {
				return nil
			}
			ptrs <- p
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(ptrs)

	seen := make(map[unsafe.Pointer]struct{})
	for p := range ptrs {
		_, dup := seen[p]
		require.False(t, dup, "no two live allocations may alias the same address")
		seen[p] = struct{}{}
	}
	require.Equal(t, total, len(seen))

	var g2 errgroup.Group
	for p := range seen {
		p := p
		g2.Go(func() error { return a.Deallocate(p) })
	}
	require.NoError(t, g2.Wait())
	require.True(t, a.IsEmpty())
}

// TestConcurrentDoubleFreeIsDetectedExactlyOnce fires N goroutines at the
// same pointer and checks exactly one Deallocate succeeds; the rest find
// the pointer already in the freed-set and fail (with ErrDoubleFree)
// rather than succeed silently.
func TestConcurrentDoubleFreeIsDetectedExactlyOnce(t *testing.T) {
	a := New()
	defer a.Close()

	p := a.Allocate(16)
	require.NotNil(t, p)

	const racers = 16
	successes := make(chan struct{}, racers)
	var g errgroup.Group
	for i := 0; i < racers; i++ {
		g.Go(func() error {
			if err := a.Deallocate(p); err == nil {
				successes <- struct{}{}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	close(successes)

	count := 0
	for range successes {
		count++
	}
	require.Equal(t, 1, count, "exactly one concurrent Deallocate of the same pointer must succeed")
}

// TestConcurrentStatsInvariantsHold checks that, after concurrent
// allocate/free traffic across several pool sizes, TotalAllocated is at
// least TotalFreed and PeakMemoryUsage is at least the current usage.
func TestConcurrentStatsInvariantsHold(t *testing.T) {
	a := New()
	defer a.Close()

	const workers = 16
	const perWorker = 100

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		size := 8 * (w%4 + 1)
		g.Go(func() error {
			for i := 0; i < perWorker; i++ {
				p := a.Allocate(size)
				if p == nil {
					continue
				}
				if err := a.Deallocate(p); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	require.GreaterOrEqual(t, a.TotalAllocated(), a.TotalFreed())
	require.GreaterOrEqual(t, a.PeakMemoryUsage(), a.TotalAllocated()-a.TotalFreed())
}
