package allocity

import (
	"runtime"
	"sync"
	"unsafe"
)

const ptrSize = unsafe.Sizeof(uintptr(0))

// poolLink is the shape a free block is reinterpreted as while it sits on a
// Pool's embedded free list: its first machine word is the link to the next
// free block, or nil at the tail.
type poolLink struct {
	next unsafe.Pointer
}

// Pool is a fixed-block pool: one contiguous slab of capacity blocks of
// blockSize bytes each, with an embedded singly-linked free list threaded
// through the free blocks themselves. Acquire/Release are O(1) under a
// pool-local mutex.
//
// A Pool's zero value is not usable; construct with NewPool.
type Pool struct {
	mu        sync.Mutex
	slab      []byte
	base      uintptr
	blockSize int
	capacity  int
	free      unsafe.Pointer // head of the embedded free list, or nil
	used      int
}

// NewPool allocates a slab of blockSize*capacity bytes and threads an
// embedded free list through it. It fails if blockSize cannot hold a
// pointer-sized link field.
func NewPool(blockSize, capacity int) (*Pool, error) {
	if blockSize < int(ptrSize) {
		return nil, wrapSize(ErrBadConstruction, "NewPool", blockSize)
	}
	if capacity <= 0 {
		return nil, wrapSize(ErrBadConstruction, "NewPool", capacity)
	}

	p := &Pool{
		slab:      make([]byte, blockSize*capacity),
		blockSize: blockSize,
		capacity:  capacity,
	}
	p.base = uintptr(unsafe.Pointer(&p.slab[0]))
	p.initFreeListLocked()
	return p, nil
}

// initFreeListLocked links every block in the slab in order, block i to
// block i+1, the last block to nil. Caller must hold mu (or be inside
// construction, where no other goroutine can observe p yet).
func (p *Pool) initFreeListLocked() {
	for i := 0; i < p.capacity; i++ {
		block := p.blockAt(i)
		link := (*poolLink)(block)
		if i == p.capacity-1 {
			link.next = nil
		} else {
			link.next = p.blockAt(i + 1)
		}
	}
	p.free = p.blockAt(0)
	p.used = 0
}

func (p *Pool) blockAt(i int) unsafe.Pointer {
	return unsafe.Pointer(p.base + uintptr(i*p.blockSize))
}

// Acquire pops the head of the free list, or returns (nil, false) if the
// pool is exhausted. Exhaustion is the caller's (facade's) responsibility
// to resolve; Pool never grows.
func (p *Pool) Acquire() (unsafe.Pointer, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.free == nil {
		return nil, false
	}

	block := p.free
	link := (*poolLink)(block)
	p.free = link.next
	p.used++
	runtime.KeepAlive(p.slab)
	return block, true
}

// Release returns a block to the free list. A nil pointer is a silent
// no-op. A pointer outside the slab fails with ErrBadOwnership.
func (p *Pool) Release(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}

	addr := uintptr(ptr)
	if addr < p.base || addr >= p.base+uintptr(p.blockSize*p.capacity) {
		return wrapPointer(ErrBadOwnership, "Pool.Release", addr)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	link := (*poolLink)(ptr)
	link.next = p.free
	p.free = ptr
	p.used--
	runtime.KeepAlive(p.slab)
	return nil
}

// Clear re-threads the free list over the whole slab, discarding any
// outstanding acquisitions from the pool's point of view.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.initFreeListLocked()
}

// BlockSize reports the fixed block size of the pool.
func (p *Pool) BlockSize() int { return p.blockSize }

// Capacity reports the total number of blocks in the pool.
func (p *Pool) Capacity() int { return p.capacity }

// Used reports the number of blocks currently checked out.
func (p *Pool) Used() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used
}

// contains reports whether ptr lies within this pool's slab, without
// taking the lock (bounds are immutable after construction).
func (p *Pool) contains(ptr unsafe.Pointer) bool {
	addr := uintptr(ptr)
	return addr >= p.base && addr < p.base+uintptr(p.blockSize*p.capacity)
}

// poolIndex maps a byte size n in [1, 256] to the pool index carrying
// blocks of size 8*(index+1): sizes 1-8 go to pool 0, 9-16 to pool 1, ...
func poolIndex(n int) int { return (n - 1) / 8 }
