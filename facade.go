package allocity

import (
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
)

const numPools = 32
const poolCapacity = 1024

// Allocator is the public surface: a bank of 32 fixed-block pools (pool i
// carries 8*(i+1)-byte blocks, capacity 1024) for requests up to 256
// bytes, a DefaultAllocator for everything else, a live-allocation
// registry, and the safety discipline (double-free/unknown-pointer
// detection, optional debug fill) tying them together.
//
// Allocator must not be copied after first use — copy a Stats snapshot
// (as passed to the usage reporter) instead — and is not safe to use
// concurrently with Close.
type Allocator struct {
	pools [numPools]*Pool
	def   *DefaultAllocator

	mu       sync.Mutex // guards reg and freedSet together
	reg      *Registry
	freedSet map[unsafe.Pointer]struct{}

	debugMode atomic.Bool

	// poolBytesAllocated/poolBytesFreed fix the accounting asymmetry
	// noted in DESIGN.md: DefaultAllocator's own counters only ever see
	// heap-origin traffic (mirroring the source this was distilled
	// from), so the facade keeps its own running total of pool-origin
	// bytes to report true process-wide totals.
	poolBytesAllocated atomic.Uint64
	poolBytesFreed     atomic.Uint64
	peakUsage          atomic.Uint64

	logger  *zap.Logger
	metrics *allocatorMetrics

	threadsMu sync.Mutex
	threads   []*ThreadLocal

	closed atomic.Bool
}

// New constructs an Allocator with its 32 pools initialized eagerly and
// applies opts. There is no global singleton: the caller owns the
// returned instance and is responsible for calling Close when done.
func New(opts ...Option) *Allocator {
	a := &Allocator{
		reg:      NewRegistry(),
		freedSet: make(map[unsafe.Pointer]struct{}),
		logger:   zap.NewNop(),
	}
	for i := 0; i < numPools; i++ {
		p, err := NewPool((i+1)*8, poolCapacity)
		if err != nil {
			// blockSize = (i+1)*8 >= 8 >= ptrSize for every i >= 0, so
			// this can only fire if ptrSize somehow exceeds 8 bytes,
			// which never happens on any Go-supported platform.
			panic(err)
		}
		a.pools[i] = p
	}
	a.def = newDefaultAllocator(a.logger, nil)

	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewThread returns a diagnostic handle for the calling logical worker
// (see ThreadLocal). The allocator retains it so ClearAllocationMap and
// ClearSmallObjectFreeLists can reset every outstanding handle, the way
// AllocityThread::ClearThreadLocalStorage resets the calling thread's
// statics in the source this was distilled from.
func (a *Allocator) NewThread() *ThreadLocal {
	t := newThreadLocal(a)
	a.threadsMu.Lock()
	a.threads = append(a.threads, t)
	a.threadsMu.Unlock()
	return t
}

// Allocate returns size bytes, or nil if size == 0 or the heap path fails
// with ErrOutOfMemory (no registry change in either case). Requests of 1-256 bytes are served by the pool bank; if the
// target pool is exhausted, the request falls through to the heap path
// instead of failing. Requests above 256 bytes go straight to the Default
// Allocator.
func (a *Allocator) Allocate(size int) unsafe.Pointer {
	if size == 0 {
		a.logger.Debug("allocate(0): returning nil")
		return nil
	}

	origin := OriginPool
	poolIdx := -1
	var p unsafe.Pointer

	if size <= smallObjectThreshold {
		poolIdx = poolIndex(size)
		if acquired, ok := a.pools[poolIdx].Acquire(); ok {
			p = acquired
		} else {
			origin = OriginHeap
			poolIdx = -1
			heapPtr, err := a.def.Allocate(size)
			if err != nil {
				return nil
			}
			p = heapPtr
		}
	} else {
		origin = OriginHeap
		heapPtr, err := a.def.Allocate(size)
		if err != nil {
			return nil
		}
		p = heapPtr
	}

	if p == nil {
		return nil
	}

	a.mu.Lock()
	a.reg.Insert(p, size, origin)
	delete(a.freedSet, p)
	a.mu.Unlock()

	if origin == OriginPool {
		a.poolBytesAllocated.Add(uint64(size))
		a.metrics.setPoolUsed(poolIdx, a.pools[poolIdx].Used())
		a.metrics.observeAlloc(size)
	}
	a.updatePeak()
	a.metrics.setAllocationCount(a.AllocationCount())

	if a.debugMode.Load() {
		a.scanForStaleFill(p, size)
	}

	return p
}

// Deallocate releases p. A nil pointer is a silent no-op. Fails with
// ErrUnknownPointer if p has no live record, or ErrDoubleFree if p is in
// the freed-set; both leave all state unchanged.
func (a *Allocator) Deallocate(p unsafe.Pointer) error {
	if p == nil {
		a.logger.Debug("deallocate(nil): ignoring")
		return nil
	}

	// Claim p before touching the pool/heap so two concurrent frees of
	// the same pointer can never both proceed to release the underlying
	// block: only the goroutine that wins this critical section gets a
	// nil claimErr below.
	a.mu.Lock()
	rec, claimErr := a.claimLocked(p)
	a.mu.Unlock()
	if claimErr != nil {
		return wrapPointer(claimErr, "Allocator.Deallocate", uintptr(p))
	}

	if rec.Origin == OriginPool {
		idx := poolIndex(rec.Size)
		if err := a.pools[idx].Release(p); err != nil {
			return err
		}
		a.poolBytesFreed.Add(uint64(rec.Size))
		a.metrics.setPoolUsed(idx, a.pools[idx].Used())
		a.metrics.observeFree(rec.Size)
	} else {
		if a.debugMode.Load() {
			fillDebugPattern(p, rec.Size)
		}
		if err := a.def.Deallocate(p, rec.Size); err != nil {
			return err
		}
	}

	a.metrics.setAllocationCount(a.AllocationCount())
	return nil
}

// claimLocked, called under a.mu, atomically checks p's live record and —
// if found and not already freed — removes it from the registry and marks
// it in the freed-set in the same critical section, so the actual
// pool/heap release that follows can never race with a second concurrent
// claim of the same pointer. Returns a non-nil error (ErrDoubleFree or
// ErrUnknownPointer) if the claim fails.
func (a *Allocator) claimLocked(p unsafe.Pointer) (Record, error) {
	if _, freed := a.freedSet[p]; freed {
		return Record{}, ErrDoubleFree
	}
	rec, ok := a.reg.Find(p)
	if !ok {
		return Record{}, ErrUnknownPointer
	}
	a.reg.Remove(p)
	a.freedSet[p] = struct{}{}
	return rec, nil
}

// AlignedAllocate returns a pointer aligned to alignment bytes, always
// origin Heap, via the Default Allocator.
func (a *Allocator) AlignedAllocate(size, alignment int) (unsafe.Pointer, error) {
	p, err := a.def.AlignedAllocate(size, alignment)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	a.reg.Insert(p, size, OriginHeap)
	delete(a.freedSet, p)
	a.mu.Unlock()
	a.updatePeak()

	if a.debugMode.Load() {
		a.scanForStaleFill(p, size)
	}
	return p, nil
}

// AlignedDeallocate releases a pointer obtained from AlignedAllocate.
// Aligned allocations are tracked only in the facade's registry, not in
// the Default Allocator's double-free set — the registry's
// unknown-pointer/double-free checks cover them instead.
func (a *Allocator) AlignedDeallocate(p unsafe.Pointer) error {
	if p == nil {
		return nil
	}

	a.mu.Lock()
	rec, claimErr := a.claimLocked(p)
	a.mu.Unlock()
	if claimErr != nil {
		return wrapPointer(claimErr, "Allocator.AlignedDeallocate", uintptr(p))
	}

	if a.debugMode.Load() {
		fillDebugPattern(p, rec.Size)
	}
	if err := a.def.AlignedDeallocate(p, rec.Size); err != nil {
		return err
	}
	return nil
}

// Assign and Deassign are API-parity no-ops supplemented from
// original_source/include/Allocator.hpp, where they mark borrowed-vs-owned
// pointers for the caller's own bookkeeping without touching allocator
// state.
func (a *Allocator) Assign(p unsafe.Pointer) unsafe.Pointer { return p }
func (a *Allocator) Deassign(unsafe.Pointer)                {}

func (a *Allocator) SetOutOfMemoryHandler(fn func(size int)) { a.def.SetOutOfMemoryHandler(fn) }
func (a *Allocator) SetMemoryUsageReporter(fn func(*Stats))  { a.def.SetMemoryUsageReporter(fn) }
func (a *Allocator) SetEnableDoubleFreeCheck(enable bool)    { a.def.SetEnableDoubleFreeCheck(enable) }
func (a *Allocator) SetDebugMode(enable bool)                { a.debugMode.Store(enable) }

// TotalAllocated reports cumulative bytes returned across both the pool
// bank and the Default Allocator.
func (a *Allocator) TotalAllocated() uint64 {
	return a.def.TotalAllocated() + a.poolBytesAllocated.Load()
}

// TotalFreed reports cumulative bytes released across both the pool bank
// and the Default Allocator.
func (a *Allocator) TotalFreed() uint64 {
	return a.def.TotalFreed() + a.poolBytesFreed.Load()
}

// PeakMemoryUsage reports the high-water mark of TotalAllocated-TotalFreed
// across both subsystems.
func (a *Allocator) PeakMemoryUsage() uint64 { return a.peakUsage.Load() }

// AllocationCount reports the number of live entries in the registry.
func (a *Allocator) AllocationCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reg.Len()
}

// IsEmpty reports whether the registry has no live allocations.
func (a *Allocator) IsEmpty() bool { return a.AllocationCount() == 0 }

// FindAllocation reports the size recorded for p, if live.
func (a *Allocator) FindAllocation(p unsafe.Pointer) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.reg.Find(p)
	return rec.Size, ok
}

// ReportMemoryUsage invokes the configured usage reporter with a combined
// snapshot of both subsystems.
func (a *Allocator) ReportMemoryUsage() {
	s := Stats{
		TotalAllocated:  a.TotalAllocated(),
		TotalFreed:      a.TotalFreed(),
		PeakUsage:       a.PeakMemoryUsage(),
		AllocationCount: a.AllocationCount(),
	}
	a.def.reporter(&s)
}

// ClearAllocationMap empties the registry and freed-set, and clears every
// outstanding ThreadLocal handle.
func (a *Allocator) ClearAllocationMap() {
	a.mu.Lock()
	a.reg.Clear()
	a.freedSet = make(map[unsafe.Pointer]struct{})
	a.mu.Unlock()
	a.clearThreadLocals()
}

// ClearSmallObjectFreeLists drops the Default Allocator's cached small
// blocks, resets the freed-set and every pool's free list, and clears
// every outstanding ThreadLocal handle.
func (a *Allocator) ClearSmallObjectFreeLists() {
	a.def.ClearSmallObjectFreeLists()
	a.mu.Lock()
	a.freedSet = make(map[unsafe.Pointer]struct{})
	a.mu.Unlock()
	a.clearThreadLocals()
	for _, p := range a.pools {
		p.Clear()
	}
}

func (a *Allocator) clearThreadLocals() {
	a.threadsMu.Lock()
	defer a.threadsMu.Unlock()
	for _, t := range a.threads {
		t.Clear()
	}
}

// Close stops tracking, clears the registry, the freed-set, and every
// free list. It is not safe to race with any other Allocator method.
func (a *Allocator) Close() error {
	if !a.closed.CompareAndSwap(false, true) {
		return nil
	}
	a.ClearAllocationMap()
	a.ClearSmallObjectFreeLists()
	return nil
}

func (a *Allocator) updatePeak() {
	current := a.TotalAllocated() - a.TotalFreed()
	for {
		peak := a.peakUsage.Load()
		if current <= peak {
			a.metrics.setPeak(peak)
			return
		}
		if a.peakUsage.CompareAndSwap(peak, current) {
			a.metrics.setPeak(current)
			return
		}
	}
}

// scanForStaleFill is the best-effort use-after-free heuristic: scan a
// freshly returned buffer for the debug sentinel and warn on the first
// match. Uninitialized memory can legitimately contain 0xFE, so this is a
// diagnostic only, never a correctness signal.
func (a *Allocator) scanForStaleFill(p unsafe.Pointer, size int) {
	buf := unsafe.Slice((*byte)(p), size)
	for i, b := range buf {
		if b == debugFillByte {
			a.logger.Warn("possible use-after-free detected",
				zap.Uintptr("ptr", uintptr(p)), zap.Int("offset", i))
			return
		}
	}
}

const debugFillByte = 0xFE

// fillDebugPattern writes the debug sentinel over a buffer about to be
// released, so a later use-after-free scan on a recycled allocation has a
// chance of catching it.
func fillDebugPattern(p unsafe.Pointer, size int) {
	buf := unsafe.Slice((*byte)(p), size)
	for i := range buf {
		buf[i] = debugFillByte
	}
}
