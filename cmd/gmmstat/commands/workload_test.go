package commands

import (
	"context"
	"io"
	"testing"

	"github.com/computedrv/gpumem/drm"
	"github.com/computedrv/gpumem/drm/mocks"
	"github.com/computedrv/gpumem/gmm"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
	"golang.org/x/sys/unix"
)

func TestRoundTripClosesExportedHandle(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver := mocks.NewMockDriver(ctrl)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	manager, err := gmm.New(logger, driver, gmm.CreateOptions{})
	require.NoError(t, err)

	fd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	require.NoError(t, err)

	driver.EXPECT().CreateBuffer(4096).Return(drm.Handle(5), nil)
	driver.EXPECT().PrimeHandleToFD(drm.Handle(5)).Return(fd, nil)
	driver.EXPECT().PrimeFDToHandle(fd).Return(drm.Handle(5), nil)

	alloc, err := manager.AllocateGraphicsMemory(gmm.AllocationCreateInfo{Size: 4096, Shareable: true})
	require.NoError(t, err)

	w := &workload{manager: manager, logger: logger, allocations: []*gmm.Allocation{alloc}}
	require.NoError(t, w.roundTrip(alloc))
	require.Len(t, w.allocations, 2)

	_, err = unix.FcntlInt(uintptr(fd), unix.F_GETFD, 0)
	require.ErrorIs(t, err, unix.EBADF)

	driver.EXPECT().Close(drm.Handle(5)).Return(nil)
	require.NoError(t, w.release(context.Background()))
	require.NoError(t, manager.Destroy())
}
