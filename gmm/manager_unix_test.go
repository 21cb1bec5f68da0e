//go:build unix

package gmm

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/computedrv/gpumem/drm"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/sys/unix"
)

func TestCreateBufferOutOfMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver, manager := readyManager(t, ctrl, CreateOptions{})

	driver.EXPECT().CreateBuffer(4096).Return(drm.Handle(0), unix.ENOMEM)

	_, err := manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: 4096, Flags: AllocationCreateCpuInaccessible})
	require.True(t, errors.Is(err, ErrOutOfMemory))
	require.True(t, errors.Is(err, unix.ENOMEM))
	require.NoError(t, manager.Validate())
}

func TestCreateUserptrRefusedUnmapsHostMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver, manager := readyManager(t, ctrl, CreateOptions{})

	driver.EXPECT().CreateUserptr(gomock.Any(), 4096, drm.UserptrFlags(0)).Return(drm.Handle(0), unix.EPERM)

	_, err := manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: 4096})
	require.True(t, errors.Is(err, ErrHostPtrNotAccessible))
	require.NoError(t, manager.Validate())
}

func TestHostPtrFailureLeavesNoBufferObjects(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver, manager := readyManager(t, ctrl, CreateOptions{})

	driver.EXPECT().CreateUserptr(uintptr(0x30000), 0x1000, drm.UserptrFlags(0)).Return(drm.Handle(1), nil)
	driver.EXPECT().CreateUserptr(uintptr(0x31000), 0x1000, drm.UserptrFlags(0)).Return(drm.Handle(2), nil)
	driver.EXPECT().CreateUserptr(uintptr(0x32000), 0x1000, drm.UserptrFlags(0)).Return(drm.Handle(0), unix.EFAULT)
	driver.EXPECT().Close(drm.Handle(1)).Return(nil)
	driver.EXPECT().Close(drm.Handle(2)).Return(nil)

	_, err := manager.AllocateGraphicsMemoryForHostPtr(0x30800, 0x2000)
	require.True(t, errors.Is(err, ErrHostPtrNotAccessible))

	var stats Statistics
	manager.CalculateStatistics(&stats)
	require.Equal(t, 0, stats.BufferObjects.BlockCount)
	require.Equal(t, 0, stats.HostPtrFragmentCount)
	require.Equal(t, 0, stats.Total.AllocationCount)
	require.NoError(t, manager.Validate())
	require.NoError(t, manager.Destroy())
}

func TestImportBadFileDescriptor(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver, manager := readyManager(t, ctrl, CreateOptions{})

	driver.EXPECT().PrimeFDToHandle(99).Return(drm.Handle(0), unix.EBADF)

	_, err := manager.CreateGraphicsAllocationFromSharedHandle(99, false)
	require.True(t, errors.Is(err, ErrInvalidHandle))
}
