package gmm

import "github.com/cockroachdb/errors"

var (
	// ErrOutOfMemory is returned when the kernel cannot back a buffer object or a GPU virtual
	// address heap has no room for the request
	ErrOutOfMemory = errors.New("out of graphics memory")
	// ErrInvalidHandle is returned when a shared handle does not refer to an importable buffer
	ErrInvalidHandle = errors.New("invalid shared handle")
	// ErrUnsupportedPlacement is returned when an allocation asks for a memory pool the
	// device does not provide
	ErrUnsupportedPlacement = errors.New("unsupported memory placement")
	// ErrHostPtrNotAccessible is returned when the kernel refuses to wrap a host range in a
	// buffer object
	ErrHostPtrNotAccessible = errors.New("host pointer is not accessible to the device")
	// ErrHostPtrConflict is returned when a host range partially overlaps a range already
	// wrapped by a different buffer object
	ErrHostPtrConflict = errors.New("host pointer overlaps an existing host pointer fragment")
	// ErrNotShareable is returned when exporting an allocation that was not created shareable
	ErrNotShareable = errors.New("allocation is not shareable")
	// ErrUnknownAllocation is returned when an allocation is not owned by the memory manager,
	// usually because it was already freed
	ErrUnknownAllocation = errors.New("allocation is not owned by this memory manager")
)

// classifyCreateError attaches ErrOutOfMemory to kernel errors that report resource exhaustion
func classifyCreateError(err error, format string, args ...any) error {
	err = errors.Wrapf(err, format, args...)
	if isOutOfMemoryErrno(err) {
		return errors.Mark(err, ErrOutOfMemory)
	}
	return err
}

func classifyImportError(err error, format string, args ...any) error {
	err = errors.Wrapf(err, format, args...)
	if isInvalidHandleErrno(err) {
		return errors.Mark(err, ErrInvalidHandle)
	}
	if isOutOfMemoryErrno(err) {
		return errors.Mark(err, ErrOutOfMemory)
	}
	return err
}

func classifyUserptrError(err error, format string, args ...any) error {
	err = errors.Wrapf(err, format, args...)
	if isHostPtrAccessErrno(err) {
		return errors.Mark(err, ErrHostPtrNotAccessible)
	}
	if isOutOfMemoryErrno(err) {
		return errors.Mark(err, ErrOutOfMemory)
	}
	return err
}
