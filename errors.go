package allocity

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel error kinds. Callers classify a failure with errors.Is against
// one of these; the wrapped error carries the call-site detail.
var (
	// ErrOutOfMemory is returned when the pool bank, the small free-list
	// cache, and the system allocator all fail to satisfy a request.
	ErrOutOfMemory = errors.New("allocity: out of memory")

	// ErrUnknownPointer is returned by Deallocate/AlignedDeallocate when the
	// pointer has no live record in the registry.
	ErrUnknownPointer = errors.New("allocity: unknown pointer")

	// ErrDoubleFree is returned when a pointer already present in the
	// freed-set (or absent from the double-free tracking set) is freed
	// again.
	ErrDoubleFree = errors.New("allocity: double free")

	// ErrBadOwnership is returned by Pool.Release when the pointer falls
	// outside the pool's slab.
	ErrBadOwnership = errors.New("allocity: pointer does not belong to pool")

	// ErrBadConstruction is returned by NewPool when blockSize is too small
	// to hold an embedded free-list link.
	ErrBadConstruction = errors.New("allocity: invalid pool construction")
)

func wrapPointer(err error, op string, p uintptr) error {
	return errors.Wrapf(err, "%s: ptr=%#x", op, p)
}

func wrapSize(err error, op string, size int) error {
	return errors.Wrapf(err, "%s: size=%d", op, size)
}

// fmtSize formats a byte count as "<n> bytes". The default hooks log sizes
// as zap fields and do not call it.
func fmtSize(size int) string { return fmt.Sprintf("%d bytes", size) }
