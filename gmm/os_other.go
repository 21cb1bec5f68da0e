//go:build !unix

package gmm

import (
	"unsafe"

	"github.com/computedrv/gpumem/memutils"
)

func mapHostMemory(size, alignment int) (mapping []byte, ptr uintptr, err error) {
	mapping = make([]byte, size+alignment)
	ptr = memutils.AlignUp(uintptr(unsafe.Pointer(&mapping[0])), uintptr(alignment))
	return mapping, ptr, nil
}

func unmapHostMemory(mapping []byte) error {
	return nil
}

func isOutOfMemoryErrno(err error) bool   { return false }
func isInvalidHandleErrno(err error) bool { return false }
func isHostPtrAccessErrno(err error) bool { return false }
