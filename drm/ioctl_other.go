//go:build !linux

package drm

import "github.com/cockroachdb/errors"

// Device is a Driver backed by an open DRM render node. DRM is only available on linux.
type Device struct{}

var _ Driver = &Device{}

var errUnsupportedPlatform = errors.New("drm devices are only supported on linux")

func Open(path string) (*Device, error) {
	return nil, errors.Wrapf(errUnsupportedPlatform, "failed to open drm device %s", path)
}

func (d *Device) Path() string   { return "" }
func (d *Device) Release() error { return nil }

func (d *Device) CreateBuffer(size int) (Handle, error) { return 0, errUnsupportedPlatform }
func (d *Device) CreateUserptr(ptr uintptr, size int, flags UserptrFlags) (Handle, error) {
	return 0, errUnsupportedPlatform
}
func (d *Device) Close(handle Handle) error                  { return errUnsupportedPlatform }
func (d *Device) PrimeHandleToFD(handle Handle) (int, error) { return -1, errUnsupportedPlatform }
func (d *Device) PrimeFDToHandle(fd int) (Handle, error)     { return 0, errUnsupportedPlatform }
func (d *Device) SharedBufferSize(fd int) (int, error)       { return 0, errUnsupportedPlatform }
