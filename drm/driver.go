// Package drm is the kernel-facing edge of the graphics memory manager. It exposes the
// handful of GEM and PRIME operations the allocation layer needs: creating buffer objects
// from scratch or around host memory, closing them, and exporting/importing them as
// dma-buf file descriptors.
package drm

//go:generate mockgen -source driver.go -destination mocks/driver.go -package mocks

import "fmt"

// Handle is a GEM handle. Handles are scoped to the DRM file they were created on and 0
// is never a valid handle.
type Handle uint32

func (h Handle) String() string {
	return fmt.Sprintf("gem:%d", uint32(h))
}

// UserptrFlags modify how the kernel wraps host memory in a buffer object
type UserptrFlags uint32

const (
	// UserptrReadOnly asks the kernel to map the host pages read-only for the GPU
	UserptrReadOnly UserptrFlags = 0x1
	// UserptrUnsynchronized skips the kernel's mmu notifier. Requires CAP_SYS_ADMIN.
	UserptrUnsynchronized UserptrFlags = 0x80000000
)

// Driver is the set of kernel operations consumed by the memory manager. Errors returned
// by implementations should wrap the kernel errno so callers can classify them.
type Driver interface {
	// CreateBuffer creates a kernel-owned buffer object of size bytes
	CreateBuffer(size int) (Handle, error)
	// CreateUserptr wraps size bytes of host memory starting at ptr in a buffer object.
	// ptr and size must be page aligned.
	CreateUserptr(ptr uintptr, size int, flags UserptrFlags) (Handle, error)
	// Close releases the GEM handle
	Close(handle Handle) error

	// PrimeHandleToFD exports the buffer object as a dma-buf file descriptor
	PrimeHandleToFD(handle Handle) (int, error)
	// PrimeFDToHandle imports a dma-buf file descriptor. Importing the same dma-buf twice on
	// one DRM file yields the same handle.
	PrimeFDToHandle(fd int) (Handle, error)
	// SharedBufferSize returns the size in bytes of the dma-buf behind fd
	SharedBufferSize(fd int) (int, error)
}
