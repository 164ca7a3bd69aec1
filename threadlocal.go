package allocity

import (
	"sync"
	"unsafe"
)

// ThreadLocal is a diagnostic-only handle for per-thread state: a private
// record of recently seen allocations/deallocations that never
// participates in correctness decisions.
//
// Go has no native thread-local storage, and goroutines are not threads —
// so rather than guess at a goroutine identity, ThreadLocal is an explicit
// handle a caller creates once per logical worker (via Allocator.NewThread)
// and threads through its own calls with Observe/Release. This is a
// deliberate departure from the original's implicit thread_local statics,
// recorded as an Open Question decision in DESIGN.md.
type ThreadLocal struct {
	owner *Allocator

	mu                  sync.Mutex
	recentAllocations   map[unsafe.Pointer]int
	recentDeallocations map[unsafe.Pointer]struct{}
}

func newThreadLocal(owner *Allocator) *ThreadLocal {
	return &ThreadLocal{
		owner:               owner,
		recentAllocations:   make(map[unsafe.Pointer]int),
		recentDeallocations: make(map[unsafe.Pointer]struct{}),
	}
}

// Observe records p as a recent allocation of size bytes.
func (t *ThreadLocal) Observe(p unsafe.Pointer, size int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recentAllocations[p] = size
	delete(t.recentDeallocations, p)
}

// Release records p as a recent deallocation.
func (t *ThreadLocal) Release(p unsafe.Pointer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.recentAllocations, p)
	t.recentDeallocations[p] = struct{}{}
}

// RecentAllocations returns a snapshot copy of the recent-allocation map.
func (t *ThreadLocal) RecentAllocations() map[unsafe.Pointer]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[unsafe.Pointer]int, len(t.recentAllocations))
	for k, v := range t.recentAllocations {
		out[k] = v
	}
	return out
}

// RecentDeallocations returns a snapshot of recently freed pointers.
func (t *ThreadLocal) RecentDeallocations() []unsafe.Pointer {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]unsafe.Pointer, 0, len(t.recentDeallocations))
	for k := range t.recentDeallocations {
		out = append(out, k)
	}
	return out
}

// Clear empties both recent-activity sets, realizing
// ClearThreadLocalStorage for this handle.
func (t *ThreadLocal) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.recentAllocations = make(map[unsafe.Pointer]int)
	t.recentDeallocations = make(map[unsafe.Pointer]struct{})
}
