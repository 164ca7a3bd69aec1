package allocity

import (
	"sync/atomic"
	"unsafe"
)

// flNode is a free block reinterpreted as a Treiber-stack node: its first
// word is the link to the next free block of the same exact size.
type flNode struct {
	next unsafe.Pointer
}

// smallFreeLists holds 257 lock-free Treiber stacks, one per exact byte
// size in [1, 256] (index 0 is unused). Popping an empty list falls
// through to sysAlloc. Go's atomic.Pointer CompareAndSwap is sequentially
// consistent, which satisfies (and exceeds) the weaker release/relaxed
// ordering a hand-rolled Treiber stack would normally settle for.
type smallFreeLists struct {
	heads [257]atomic.Pointer[flNode]
}

// minBlock is the floor every cached small allocation is rounded up to so
// that embedding a Treiber-stack link into a freed block never writes past
// the end of its backing buffer. Real malloc implementations round small
// requests up to their own minimum granularity for the same reason; this
// mirrors that without changing the size recorded in the registry.
const minBlock = int(ptrSize)

// acquireSmall pops a cached block of exact size n, or calls sysAlloc(n)
// on a cache miss.
func (fl *smallFreeLists) acquireSmall(n int, sysAlloc func(int) unsafe.Pointer) unsafe.Pointer {
	head := fl.heads[n].Load()
	for head != nil {
		next := (*flNode)(head.next)
		if fl.heads[n].CompareAndSwap(head, next) {
			return unsafe.Pointer(head)
		}
		head = fl.heads[n].Load()
	}
	return sysAlloc(n)
}

// releaseSmall pushes p back onto the free list for exact size n.
func (fl *smallFreeLists) releaseSmall(n int, p unsafe.Pointer) {
	node := (*flNode)(p)
	for {
		head := fl.heads[n].Load()
		node.next = unsafe.Pointer(head)
		if fl.heads[n].CompareAndSwap(head, node) {
			return
		}
	}
}

// clear empties every list by dropping its head, so the cached nodes are
// no longer reachable from the cache — the Go-native equivalent of releasing cached memory
// back to the system allocator, since there is no explicit system_free
// counterpart to call.
func (fl *smallFreeLists) clear() {
	for i := range fl.heads {
		fl.heads[i].Store(nil)
	}
}

// sysAllocSmall is the system_malloc(n) fallback used by acquireSmall: a
// freshly made buffer of at least minBlock bytes (see minBlock), so that a
// later releaseSmall on the same pointer can safely embed a link.
func sysAllocSmall(n int) unsafe.Pointer {
	backing := n
	if backing < minBlock {
		backing = minBlock
	}
	buf := make([]byte, backing)
	return unsafe.Pointer(&buf[0])
}
