// Package allocity implements a size-segregated user-space memory
// allocator: a bank of fixed-block pools for small requests, a
// lock-free free-list cache backing a system-allocator fallback for
// everything else, and a registry-backed facade that detects
// double-frees and unknown pointers.
//
// The zero-configuration path is New() with no options: a nop logger,
// no metrics, double-free checking and debug fill both off. Wire in
// WithLogger, WithMetrics, WithDoubleFreeCheck, WithDebugMode,
// WithOutOfMemoryHandler, and WithMemoryUsageReporter as needed.
package allocity
