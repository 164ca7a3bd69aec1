package allocity

import (
	"strconv"

	"github.com/cznic/mathutil"
	"github.com/prometheus/client_golang/prometheus"
)

// allocatorMetrics is the optional Prometheus surface. It is nil-safe:
// every method returns early on a nil receiver (DefaultAllocator also
// guards its call sites with "if d.metrics != nil"), so a consumer that
// never calls WithMetrics pays nothing. The
// label-vector shape (one series per pool/size bucket) mirrors the
// metrics struct the retrieval pack's own memory-pool code registers
// (availableBuffersPerSlab / errorsCounter keyed by slab name).
type allocatorMetrics struct {
	totalAllocated prometheus.Counter
	totalFreed     prometheus.Counter
	peakUsage      prometheus.Gauge
	allocationCnt  prometheus.Gauge
	poolUsed       *prometheus.GaugeVec
	largeAllocs    *prometheus.HistogramVec
}

func newAllocatorMetrics(reg prometheus.Registerer) *allocatorMetrics {
	if reg == nil {
		return nil
	}

	m := &allocatorMetrics{
		totalAllocated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "allocity_total_allocated_bytes",
			Help: "Cumulative bytes returned by Allocate/AlignedAllocate.",
		}),
		totalFreed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "allocity_total_freed_bytes",
			Help: "Cumulative bytes returned via Deallocate/AlignedDeallocate.",
		}),
		peakUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "allocity_peak_usage_bytes",
			Help: "High-water mark of TotalAllocated - TotalFreed.",
		}),
		allocationCnt: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "allocity_allocation_count",
			Help: "Number of currently live allocations tracked in the registry.",
		}),
		poolUsed: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "allocity_pool_used_blocks",
			Help: "Blocks currently checked out, per fixed-block pool.",
		}, []string{"pool_index"}),
		largeAllocs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "allocity_large_alloc_bytes",
			Help:    "Size distribution of allocations served directly by the system allocator.",
			Buckets: prometheus.ExponentialBuckets(512, 2, 12),
		}, []string{"size_class"}),
	}

	reg.MustRegister(m.totalAllocated, m.totalFreed, m.peakUsage, m.allocationCnt, m.poolUsed, m.largeAllocs)
	return m
}

func (m *allocatorMetrics) observeAlloc(size int) {
	if m == nil {
		return
	}
	m.totalAllocated.Add(float64(size))
	if size > smallObjectThreshold {
		m.largeAllocs.WithLabelValues(largeSizeClassLabel(size)).Observe(float64(size))
	}
}

func (m *allocatorMetrics) observeFree(size int) {
	if m == nil {
		return
	}
	m.totalFreed.Add(float64(size))
}

func (m *allocatorMetrics) setPeak(v uint64) {
	if m == nil {
		return
	}
	m.peakUsage.Set(float64(v))
}

func (m *allocatorMetrics) setAllocationCount(n int) {
	if m == nil {
		return
	}
	m.allocationCnt.Set(float64(n))
}

func (m *allocatorMetrics) setPoolUsed(index, used int) {
	if m == nil {
		return
	}
	m.poolUsed.WithLabelValues(strconv.Itoa(index)).Set(float64(used))
}

// largeSizeClassLabel buckets a raw large-allocation size into its
// power-of-two class, the same bucketing mathutil.BitLen drives for
// cznic/memory's own page size classes — applied here purely to the
// telemetry label, since the allocation path itself must keep calling
// straight through to the system allocator for every large request.
func largeSizeClassLabel(size int) string {
	class := 1 << uint(mathutil.BitLen(size-1))
	return strconv.Itoa(class)
}
