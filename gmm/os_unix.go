//go:build unix

package gmm

import (
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/computedrv/gpumem/memutils"
	"golang.org/x/sys/unix"
)

// mapHostMemory maps anonymous memory the device can wrap with a userptr buffer object. The
// returned mapping may be larger than size; ptr is the first address aligned to alignment.
func mapHostMemory(size, alignment int) (mapping []byte, ptr uintptr, err error) {
	length := size
	if alignment > unix.Getpagesize() {
		length += alignment
	}

	mapping, err = unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, 0, classifyCreateError(err, "failed to map %d bytes of host memory", length)
	}

	ptr = memutils.AlignUp(uintptr(unsafe.Pointer(&mapping[0])), uintptr(alignment))
	return mapping, ptr, nil
}

func unmapHostMemory(mapping []byte) error {
	if len(mapping) == 0 {
		return nil
	}
	return errors.Wrap(unix.Munmap(mapping), "failed to unmap host memory")
}

func isOutOfMemoryErrno(err error) bool {
	return errors.Is(err, unix.ENOMEM) || errors.Is(err, unix.ENOSPC)
}

func isInvalidHandleErrno(err error) bool {
	return errors.Is(err, unix.EBADF) || errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EINVAL)
}

func isHostPtrAccessErrno(err error) bool {
	return errors.Is(err, unix.EFAULT) || errors.Is(err, unix.EPERM)
}
