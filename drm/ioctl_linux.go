//go:build linux

package drm

import (
	"io"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

const (
	iocWrite uintptr = 1
	iocRead  uintptr = 2

	drmIoctlBase   uintptr = 'd'
	drmCommandBase uintptr = 0x40

	drmCloexec = unix.O_CLOEXEC
	drmRdwr    = unix.O_RDWR
)

func drmIoc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | drmIoctlBase<<8 | nr
}

func drmIow(nr, size uintptr) uintptr  { return drmIoc(iocWrite, nr, size) }
func drmIowr(nr, size uintptr) uintptr { return drmIoc(iocRead|iocWrite, nr, size) }

// struct drm_gem_close
type gemClose struct {
	Handle uint32
	Pad    uint32
}

// struct drm_prime_handle
type primeHandle struct {
	Handle uint32
	Flags  uint32
	Fd     int32
}

// struct drm_i915_gem_create
type i915GemCreate struct {
	Size   uint64
	Handle uint32
	Pad    uint32
}

// struct drm_i915_gem_userptr
type i915GemUserptr struct {
	UserPtr  uint64
	UserSize uint64
	Flags    uint32
	Handle   uint32
}

var (
	ioctlGemClose        = drmIow(0x09, unsafe.Sizeof(gemClose{}))
	ioctlPrimeHandleToFD = drmIowr(0x2d, unsafe.Sizeof(primeHandle{}))
	ioctlPrimeFDToHandle = drmIowr(0x2e, unsafe.Sizeof(primeHandle{}))
	ioctlI915GemCreate   = drmIowr(drmCommandBase+0x1b, unsafe.Sizeof(i915GemCreate{}))
	ioctlI915GemUserptr  = drmIowr(drmCommandBase+0x33, unsafe.Sizeof(i915GemUserptr{}))
)

// Device is a Driver backed by an open DRM render node
type Device struct {
	fd   int
	path string
}

var _ Driver = &Device{}

// Open opens a DRM render node such as /dev/dri/renderD128
func Open(path string) (*Device, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open drm device %s", path)
	}

	return &Device{fd: fd, path: path}, nil
}

func (d *Device) Path() string { return d.path }

// Release closes the DRM file. Every GEM handle created on it is released by the kernel.
func (d *Device) Release() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

func (d *Device) ioctl(request uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), request, uintptr(arg))
		if errno == 0 {
			return nil
		}
		if errno == unix.EINTR || errno == unix.EAGAIN {
			continue
		}
		return errno
	}
}

func (d *Device) CreateBuffer(size int) (Handle, error) {
	create := i915GemCreate{Size: uint64(size)}
	if err := d.ioctl(ioctlI915GemCreate, unsafe.Pointer(&create)); err != nil {
		return 0, errors.Wrapf(err, "DRM_IOCTL_I915_GEM_CREATE of %d bytes failed", size)
	}

	return Handle(create.Handle), nil
}

func (d *Device) CreateUserptr(ptr uintptr, size int, flags UserptrFlags) (Handle, error) {
	userptr := i915GemUserptr{
		UserPtr:  uint64(ptr),
		UserSize: uint64(size),
		Flags:    uint32(flags),
	}
	if err := d.ioctl(ioctlI915GemUserptr, unsafe.Pointer(&userptr)); err != nil {
		return 0, errors.Wrapf(err, "DRM_IOCTL_I915_GEM_USERPTR of %d bytes at 0x%x failed", size, ptr)
	}

	return Handle(userptr.Handle), nil
}

func (d *Device) Close(handle Handle) error {
	closeArgs := gemClose{Handle: uint32(handle)}
	if err := d.ioctl(ioctlGemClose, unsafe.Pointer(&closeArgs)); err != nil {
		return errors.Wrapf(err, "DRM_IOCTL_GEM_CLOSE of %s failed", handle)
	}

	return nil
}

func (d *Device) PrimeHandleToFD(handle Handle) (int, error) {
	prime := primeHandle{
		Handle: uint32(handle),
		Flags:  uint32(drmCloexec | drmRdwr),
		Fd:     -1,
	}
	if err := d.ioctl(ioctlPrimeHandleToFD, unsafe.Pointer(&prime)); err != nil {
		return -1, errors.Wrapf(err, "DRM_IOCTL_PRIME_HANDLE_TO_FD of %s failed", handle)
	}

	return int(prime.Fd), nil
}

func (d *Device) PrimeFDToHandle(fd int) (Handle, error) {
	prime := primeHandle{Fd: int32(fd)}
	if err := d.ioctl(ioctlPrimeFDToHandle, unsafe.Pointer(&prime)); err != nil {
		return 0, errors.Wrapf(err, "DRM_IOCTL_PRIME_FD_TO_HANDLE of fd %d failed", fd)
	}

	return Handle(prime.Handle), nil
}

func (d *Device) SharedBufferSize(fd int) (int, error) {
	size, err := unix.Seek(fd, 0, io.SeekEnd)
	if err != nil {
		return 0, errors.Wrapf(err, "could not determine the size of dma-buf fd %d", fd)
	}
	if _, err = unix.Seek(fd, 0, io.SeekStart); err != nil {
		return 0, errors.Wrapf(err, "could not rewind dma-buf fd %d", fd)
	}

	return int(size), nil
}
