package allocity

import "github.com/dustin/go-humanize"

// Stats is an immutable snapshot of the allocator's usage counters at one
// point in time, passed to MemoryUsageReporter hooks.
type Stats struct {
	TotalAllocated  uint64
	TotalFreed      uint64
	PeakUsage       uint64
	AllocationCount int
}

// CurrentUsage reports TotalAllocated - TotalFreed at the moment the
// snapshot was taken.
func (s Stats) CurrentUsage() uint64 { return s.TotalAllocated - s.TotalFreed }

func humanizeBytes(n uint64) string { return humanize.Bytes(n) }
