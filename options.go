package allocity

import (
	"go.uber.org/zap"

	"github.com/prometheus/client_golang/prometheus"
)

// Option configures an Allocator at construction time. There is no
// environment-variable or config-file surface — construction options are
// the only knob, following the functional-options pattern common to
// allocator-style packages.
type Option func(*Allocator)

// WithDebugMode enables the best-effort use-after-free scan on every
// returned buffer and the 0xFE debug fill on deallocation of heap-origin
// allocations (pool blocks are not filled).
func WithDebugMode(enable bool) Option {
	return func(a *Allocator) { a.debugMode.Store(enable) }
}

// WithDoubleFreeCheck enables the Default Allocator's allocatedPtrs
// bookkeeping.
func WithDoubleFreeCheck(enable bool) Option {
	return func(a *Allocator) { a.def.SetEnableDoubleFreeCheck(enable) }
}

// WithLogger supplies the *zap.Logger used by the default OOM handler and
// usage reporter. Defaults to zap.NewNop() — a consumer who never calls
// this option pays nothing for logging.
func WithLogger(logger *zap.Logger) Option {
	return func(a *Allocator) {
		if logger == nil {
			return
		}
		a.logger = logger
		a.def.logger = logger
	}
}

// WithOutOfMemoryHandler installs a custom OOM hook, invoked with the
// requested size before the triggering call fails.
func WithOutOfMemoryHandler(fn func(size int)) Option {
	return func(a *Allocator) { a.def.SetOutOfMemoryHandler(fn) }
}

// WithMemoryUsageReporter installs a custom usage reporter, invoked by
// ReportMemoryUsage.
func WithMemoryUsageReporter(fn func(*Stats)) Option {
	return func(a *Allocator) { a.def.SetMemoryUsageReporter(fn) }
}

// WithMetrics registers the allocator's Prometheus series
// (allocity_total_allocated_bytes, allocity_peak_usage_bytes, ...) against
// reg. Passing nil (the default) disables metrics entirely.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(a *Allocator) {
		m := newAllocatorMetrics(reg)
		a.metrics = m
		a.def.metrics = m
	}
}
