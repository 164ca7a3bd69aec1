package allocity

import (
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
)

// smallObjectThreshold is the largest size served by the small free-list
// cache; anything bigger passes straight through to the system allocator.
const smallObjectThreshold = 256

// DefaultAllocator combines the segregated small free-list cache with a
// direct system-allocation path for large requests, and keeps the
// process-wide usage counters. It is the "heap" side of the facade: the
// fixed-block pool bank in facade.go is tried first for sizes up to 256
// bytes, and DefaultAllocator never sees those requests unless the pool
// bank is exhausted.
type DefaultAllocator struct {
	small smallFreeLists

	totalAllocated atomic.Uint64
	totalFreed     atomic.Uint64
	peakUsage      atomic.Uint64

	doubleFreeCheck atomic.Bool
	trackMu         sync.Mutex
	allocatedPtrs   map[unsafe.Pointer]struct{}

	oomHandler func(size int)
	reporter   func(*Stats)

	logger  *zap.Logger
	metrics *allocatorMetrics
}

func newDefaultAllocator(logger *zap.Logger, metrics *allocatorMetrics) *DefaultAllocator {
	d := &DefaultAllocator{
		allocatedPtrs: make(map[unsafe.Pointer]struct{}),
		logger:        logger,
		metrics:       metrics,
	}
	d.oomHandler = d.defaultOOMHandler
	d.reporter = d.defaultReporter
	return d
}

// Allocate returns size bytes (size==0 is substituted with 1). Requests
// ≤256 bytes are served by the small free-list
// cache; larger requests go straight to the Go runtime allocator. On
// failure the OOM handler runs before ErrOutOfMemory is returned.
func (d *DefaultAllocator) Allocate(size int) (unsafe.Pointer, error) {
	if size == 0 {
		size = 1
	}

	var p unsafe.Pointer
	if size <= smallObjectThreshold {
		p = d.small.acquireSmall(size, sysAllocSmall)
	} else {
		p = sysAllocLarge(size)
	}

	if p == nil {
		d.oomHandler(size)
		return nil, wrapSize(ErrOutOfMemory, "DefaultAllocator.Allocate", size)
	}

	d.totalAllocated.Add(uint64(size))
	d.updatePeak()

	if d.doubleFreeCheck.Load() {
		d.trackMu.Lock()
		d.allocatedPtrs[p] = struct{}{}
		d.trackMu.Unlock()
	}

	if d.metrics != nil {
		d.metrics.observeAlloc(size)
	}

	return p, nil
}

// Deallocate returns p, previously obtained from Allocate with the given
// size, to the cache (small) or the runtime (large). A nil pointer is a
// silent no-op. When the double-free check is enabled, freeing a pointer
// absent from allocatedPtrs fails with ErrDoubleFree and leaves state
// unchanged.
func (d *DefaultAllocator) Deallocate(p unsafe.Pointer, size int) error {
	if p == nil {
		return nil
	}

	if d.doubleFreeCheck.Load() {
		d.trackMu.Lock()
		if _, ok := d.allocatedPtrs[p]; !ok {
			d.trackMu.Unlock()
			return wrapPointer(ErrDoubleFree, "DefaultAllocator.Deallocate", uintptr(p))
		}
		delete(d.allocatedPtrs, p)
		d.trackMu.Unlock()
	}

	if size <= smallObjectThreshold {
		d.small.releaseSmall(size, p)
	}
	// size > smallObjectThreshold: nothing to release explicitly — the
	// Go runtime reclaims the buffer once the last reference (held by the
	// facade's registry) is dropped.

	d.totalFreed.Add(uint64(size))
	if d.metrics != nil {
		d.metrics.observeFree(size)
	}
	return nil
}

// AlignedAllocate returns a pointer aligned to alignment bytes (which must
// be a power of two), using the portable over-allocate-and-shift technique:
// the original base pointer is stashed in the word immediately preceding
// the aligned address, mirroring the portable fallback branch of the
// source this was distilled from (posix_memalign/_aligned_malloc have no
// Go equivalent).
func (d *DefaultAllocator) AlignedAllocate(size, alignment int) (unsafe.Pointer, error) {
	space := size + alignment - 1 + int(ptrSize)
	buf := make([]byte, space)
	base := uintptr(unsafe.Pointer(&buf[0]))

	aligned := (base + uintptr(ptrSize) + uintptr(alignment) - 1) &^ (uintptr(alignment) - 1)
	p := unsafe.Pointer(aligned)
	*(*unsafe.Pointer)(unsafe.Pointer(aligned - ptrSize)) = unsafe.Pointer(base)
	runtime.KeepAlive(buf)

	if p == nil {
		d.oomHandler(size)
		return nil, wrapSize(ErrOutOfMemory, "DefaultAllocator.AlignedAllocate", size)
	}

	d.totalAllocated.Add(uint64(size))
	d.updatePeak()
	if d.metrics != nil {
		d.metrics.observeAlloc(size)
	}
	return p, nil
}

// AlignedDeallocate releases a pointer obtained from AlignedAllocate by
// recovering the stashed original base pointer. A nil pointer is a
// silent no-op.
func (d *DefaultAllocator) AlignedDeallocate(p unsafe.Pointer, size int) error {
	if p == nil {
		return nil
	}
	// The base pointer keeps the backing array alive for GC purposes; we
	// don't need to do anything else to "free" it in Go.
	_ = *(*unsafe.Pointer)(unsafe.Pointer(uintptr(p) - ptrSize))
	d.totalFreed.Add(uint64(size))
	if d.metrics != nil {
		d.metrics.observeFree(size)
	}
	return nil
}

// ClearSmallObjectFreeLists drops every cached small block (letting the
// runtime reclaim them) and resets TotalFreed to TotalAllocated, a
// coarse accounting reset.
func (d *DefaultAllocator) ClearSmallObjectFreeLists() {
	d.small.clear()
	d.totalFreed.Store(d.totalAllocated.Load())
	if d.doubleFreeCheck.Load() {
		d.trackMu.Lock()
		d.allocatedPtrs = make(map[unsafe.Pointer]struct{})
		d.trackMu.Unlock()
	}
}

// SetEnableDoubleFreeCheck toggles the allocatedPtrs bookkeeping used to
// detect double-free/invalid-free on the Default Allocator's own path.
func (d *DefaultAllocator) SetEnableDoubleFreeCheck(enable bool) {
	d.doubleFreeCheck.Store(enable)
	if !enable {
		d.trackMu.Lock()
		d.allocatedPtrs = make(map[unsafe.Pointer]struct{})
		d.trackMu.Unlock()
	}
}

func (d *DefaultAllocator) SetOutOfMemoryHandler(fn func(size int)) {
	if fn == nil {
		fn = d.defaultOOMHandler
	}
	d.oomHandler = fn
}

func (d *DefaultAllocator) SetMemoryUsageReporter(fn func(*Stats)) {
	if fn == nil {
		fn = d.defaultReporter
	}
	d.reporter = fn
}

func (d *DefaultAllocator) TotalAllocated() uint64 { return d.totalAllocated.Load() }
func (d *DefaultAllocator) TotalFreed() uint64     { return d.totalFreed.Load() }
func (d *DefaultAllocator) PeakMemoryUsage() uint64 { return d.peakUsage.Load() }

func (d *DefaultAllocator) ReportMemoryUsage() {
	s := d.snapshot()
	d.reporter(&s)
}

func (d *DefaultAllocator) snapshot() Stats {
	return Stats{
		TotalAllocated: d.totalAllocated.Load(),
		TotalFreed:     d.totalFreed.Load(),
		PeakUsage:      d.peakUsage.Load(),
	}
}

// updatePeak keeps PeakUsage ≥ TotalAllocated-TotalFreed via a CAS loop,
// matching DefaultAllocator::UpdatePeakMemoryUsage in the source this was
// distilled from.
func (d *DefaultAllocator) updatePeak() {
	current := d.totalAllocated.Load() - d.totalFreed.Load()
	for {
		peak := d.peakUsage.Load()
		if current <= peak {
			return
		}
		if d.peakUsage.CompareAndSwap(peak, current) {
			return
		}
	}
}

func (d *DefaultAllocator) defaultOOMHandler(size int) {
	d.logger.Warn("out of memory", zap.Int("requested_bytes", size))
}

func (d *DefaultAllocator) defaultReporter(s *Stats) {
	d.logger.Info("memory usage",
		zap.String("total_allocated", humanizeBytes(s.TotalAllocated)),
		zap.String("total_freed", humanizeBytes(s.TotalFreed)),
		zap.String("current_usage", humanizeBytes(s.TotalAllocated-s.TotalFreed)),
		zap.String("peak_usage", humanizeBytes(s.PeakUsage)),
	)
}

// sysAllocLarge is the large-object passthrough: a freshly made buffer,
// standing in for a direct system_malloc(size) call. There is no caching
// layer here — large objects are always served directly.
func sysAllocLarge(size int) unsafe.Pointer {
	buf := make([]byte, size)
	return unsafe.Pointer(&buf[0])
}
