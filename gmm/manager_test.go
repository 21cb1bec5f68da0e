package gmm

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/computedrv/gpumem/drm"
	"github.com/computedrv/gpumem/drm/mocks"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"golang.org/x/exp/slog"
)

func readyManager(t *testing.T, ctrl *gomock.Controller, options CreateOptions) (*mocks.MockDriver, *MemoryManager) {
	driver := mocks.NewMockDriver(ctrl)

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	manager, err := New(logger, driver, options)
	require.NoError(t, err)

	return driver, manager
}

type recordedWait struct {
	contextID uint32
	taskCount uint64
}

type recordingWaiter struct {
	waits []recordedWait
	err   error
}

func (w *recordingWaiter) WaitForTaskCount(ctx context.Context, contextID uint32, taskCount uint64) error {
	w.waits = append(w.waits, recordedWait{contextID: contextID, taskCount: taskCount})
	return w.err
}

func TestNewDefaults(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, manager := readyManager(t, ctrl, CreateOptions{})

	require.Equal(t, uint32(1), manager.OsContextCount())
	require.Equal(t, 4096, manager.HostPtrPageSize())
	require.Equal(t, defaultHeap32Base, manager.Heap32Base())
	require.NoError(t, manager.Validate())
	require.NoError(t, manager.Destroy())
}

func TestNewInvalidOptions(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver := mocks.NewMockDriver(ctrl)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	_, err := New(logger, driver, CreateOptions{HostPtrPageSize: 3000})
	require.Error(t, err)

	_, err = New(logger, driver, CreateOptions{Heap32Size: 1 << 33})
	require.Error(t, err)

	_, err = New(logger, driver, CreateOptions{
		GpuVaBase:  0x10000000,
		GpuVaSize:  0x10000000,
		Heap32Base: 0x18000000,
		Heap32Size: 0x10000000,
	})
	require.Error(t, err)

	_, err = New(logger, nil, CreateOptions{})
	require.Error(t, err)
}

func TestNewAddressRangeOverflow(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver := mocks.NewMockDriver(ctrl)
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	_, err := New(logger, driver, CreateOptions{
		GpuVaBase: 0xFFFF_FFFF_FFFF_0000,
		GpuVaSize: 0x20000,
	})
	require.Error(t, err)

	_, err = New(logger, driver, CreateOptions{
		Heap32Base: 0xFFFF_FFFF_FFFF_0000,
		Heap32Size: 0x20000,
	})
	require.Error(t, err)
}

func TestAllocateGraphicsMemoryUnified(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver, manager := readyManager(t, ctrl, CreateOptions{OsContextCount: 2})

	driver.EXPECT().CreateUserptr(gomock.Any(), 8192, drm.UserptrFlags(0)).Return(drm.Handle(3), nil)

	alloc, err := manager.AllocateGraphicsMemory(AllocationCreateInfo{
		Size: 5000,
		Type: AllocationTypeBuffer,
		Name: "scratch",
	})
	require.NoError(t, err)

	require.NotZero(t, alloc.CPUPtr())
	require.Zero(t, alloc.CPUPtr()%4096)
	require.Equal(t, uint64(alloc.CPUPtr()), alloc.GpuAddress())
	require.Equal(t, 8192, alloc.UnderlyingBufferSize())
	require.Equal(t, System4KBPages, alloc.MemoryPool())
	require.Equal(t, BufferObjectHandle(3), alloc.BackingBufferObject())
	require.Equal(t, uint32(2), alloc.OsContextsCount())
	require.Equal(t, AllocationTypeBuffer, alloc.AllocationType())
	require.Equal(t, "scratch", alloc.Name())
	require.NoError(t, manager.Validate())

	info, ok := manager.BufferObject(3)
	require.True(t, ok)
	require.Equal(t, 1, info.RefCount)
	require.Equal(t, 8192, info.Size)

	driver.EXPECT().Close(drm.Handle(3)).Return(nil)
	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), alloc))

	_, ok = manager.BufferObject(3)
	require.False(t, ok)
	require.NoError(t, manager.Validate())
	require.NoError(t, manager.Destroy())
}

func TestAllocateGraphicsMemory64KBPages(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver, manager := readyManager(t, ctrl, CreateOptions{})

	driver.EXPECT().CreateUserptr(gomock.Any(), 65536, drm.UserptrReadOnly).Return(drm.Handle(4), nil)

	alloc, err := manager.AllocateGraphicsMemory(AllocationCreateInfo{
		Size:  100,
		Flags: AllocationCreate64KBPages | AllocationCreateReadOnly | AllocationCreateNotEvictable,
	})
	require.NoError(t, err)

	require.Zero(t, alloc.CPUPtr()%65536)
	require.Equal(t, System64KBPages, alloc.MemoryPool())
	require.Equal(t, 65536, alloc.UnderlyingBufferSize())
	require.False(t, alloc.IsEvictable())

	driver.EXPECT().Close(drm.Handle(4)).Return(nil)
	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), alloc))
}

func TestAllocateGraphicsMemory32BitAddressing(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver, manager := readyManager(t, ctrl, CreateOptions{})

	driver.EXPECT().CreateUserptr(gomock.Any(), 4096, drm.UserptrFlags(0)).Return(drm.Handle(1), nil)
	driver.EXPECT().CreateUserptr(gomock.Any(), 4096, drm.UserptrFlags(0)).Return(drm.Handle(2), nil)

	first, err := manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: 4096, Type: AllocationTypeKernelISA, Flags: AllocationCreate32BitAddressing})
	require.NoError(t, err)
	second, err := manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: 4096, Type: AllocationTypeKernelISA, Flags: AllocationCreate32BitAddressing})
	require.NoError(t, err)

	require.Equal(t, System4KBPagesWith32BitGpuAddressing, first.MemoryPool())
	require.Equal(t, defaultHeap32Base, first.GpuBaseAddress())
	require.Equal(t, defaultHeap32Base, first.GpuAddress())
	require.Equal(t, uint64(0), first.GpuAddressToPatch())
	require.Equal(t, uint64(4096), second.GpuAddressToPatch())
	require.NotEqual(t, uint64(first.CPUPtr()), first.GpuAddress())
	require.NoError(t, manager.Validate())

	driver.EXPECT().Close(drm.Handle(1)).Return(nil)
	driver.EXPECT().Close(drm.Handle(2)).Return(nil)
	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), first))
	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), second))
	require.NoError(t, manager.Validate())
}

func TestAllocateGraphicsMemoryCpuInaccessible(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver, manager := readyManager(t, ctrl, CreateOptions{})

	driver.EXPECT().CreateBuffer(4096).Return(drm.Handle(9), nil)

	alloc, err := manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: 1, Flags: AllocationCreateCpuInaccessible})
	require.NoError(t, err)

	require.Equal(t, uintptr(0), alloc.CPUPtr())
	require.False(t, alloc.IsCPUAccessible())
	require.Equal(t, defaultGpuVaBase, alloc.GpuAddress())
	require.Equal(t, SystemCpuInaccessible, alloc.MemoryPool())
	require.Equal(t, 4096, alloc.UnderlyingBufferSize())

	driver.EXPECT().Close(drm.Handle(9)).Return(nil)
	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), alloc))
}

func TestAllocateGraphicsMemoryLocalMemory(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, manager := readyManager(t, ctrl, CreateOptions{})

	_, err := manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: 4096, Flags: AllocationCreateLocalMemory})
	require.True(t, errors.Is(err, ErrUnsupportedPlacement))

	driver, manager := readyManager(t, ctrl, CreateOptions{LocalMemorySupported: true})
	driver.EXPECT().CreateBuffer(4096).Return(drm.Handle(2), nil)

	alloc, err := manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: 4096, Flags: AllocationCreateLocalMemory})
	require.NoError(t, err)
	require.Equal(t, LocalMemory, alloc.MemoryPool())

	driver.EXPECT().Close(drm.Handle(2)).Return(nil)
	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), alloc))
}

func TestAllocateGraphicsMemoryInvalidInfo(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, manager := readyManager(t, ctrl, CreateOptions{})

	_, err := manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: 0})
	require.Error(t, err)

	_, err = manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: 4096, Flags: AllocationCreateLocalMemory | AllocationCreate32BitAddressing})
	require.Error(t, err)

	_, err = manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: 4096, Shareable: true, Flags: AllocationCreate32BitAddressing})
	require.Error(t, err)

	_, err = manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: math.MaxInt})
	require.Error(t, err)

	_, err = manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: math.MaxInt - 4096, Flags: AllocationCreate64KBPages | AllocationCreateCpuInaccessible})
	require.Error(t, err)
	require.NoError(t, manager.Validate())
}

func TestAllocateGraphicsMemoryVaExhausted(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver, manager := readyManager(t, ctrl, CreateOptions{
		GpuVaBase: 0x100000000,
		GpuVaSize: 0x2000,
	})

	driver.EXPECT().CreateBuffer(0x2000).Return(drm.Handle(1), nil)
	driver.EXPECT().CreateBuffer(0x1000).Return(drm.Handle(2), nil)
	driver.EXPECT().Close(drm.Handle(2)).Return(nil)

	alloc, err := manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: 0x2000, Flags: AllocationCreateCpuInaccessible})
	require.NoError(t, err)

	_, err = manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: 0x1000, Flags: AllocationCreateCpuInaccessible})
	require.True(t, errors.Is(err, ErrOutOfMemory))
	require.NoError(t, manager.Validate())

	driver.EXPECT().Close(drm.Handle(1)).Return(nil)
	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), alloc))
}

func TestAllocateGraphicsMemoryForHostPtr(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver, manager := readyManager(t, ctrl, CreateOptions{})

	driver.EXPECT().CreateUserptr(uintptr(0x10000), 0x1000, drm.UserptrFlags(0)).Return(drm.Handle(1), nil)
	driver.EXPECT().CreateUserptr(uintptr(0x11000), 0x1000, drm.UserptrFlags(0)).Return(drm.Handle(2), nil)
	driver.EXPECT().CreateUserptr(uintptr(0x12000), 0x1000, drm.UserptrFlags(0)).Return(drm.Handle(3), nil)

	first, err := manager.AllocateGraphicsMemoryForHostPtr(0x10800, 0x2000)
	require.NoError(t, err)

	require.Equal(t, 3, first.FragmentCount())
	require.Equal(t, BufferObjectHandle(1), first.BackingBufferObject())
	require.Equal(t, []BufferObjectHandle{1, 2, 3}, first.AppendBufferObjects(nil))
	require.Equal(t, uint64(0x10800), first.GpuAddress())
	require.Equal(t, 0x2000, first.UnderlyingBufferSize())
	require.Equal(t, System4KBPages, first.MemoryPool())
	require.Equal(t, AllocationTypeExternalHostPtr, first.AllocationType())

	storage := first.FragmentsStorage()
	require.Equal(t, FragmentLeading, storage.Fragment(0).Position)
	require.Equal(t, FragmentMiddle, storage.Fragment(1).Position)
	require.Equal(t, FragmentTrailing, storage.Fragment(2).Position)

	// The second range begins inside the first range's trailing page and reuses its buffer object
	driver.EXPECT().CreateUserptr(uintptr(0x13000), 0x1000, drm.UserptrFlags(0)).Return(drm.Handle(4), nil)

	second, err := manager.AllocateGraphicsMemoryForHostPtr(0x12800, 0x1000)
	require.NoError(t, err)
	require.Equal(t, []BufferObjectHandle{3, 4}, second.AppendBufferObjects(nil))
	require.Equal(t, BufferObjectHandle(3), second.BackingBufferObject())

	info, ok := manager.BufferObject(3)
	require.True(t, ok)
	require.Equal(t, 2, info.RefCount)
	require.Equal(t, uintptr(0x12000), info.HostPtr)
	require.NoError(t, manager.Validate())

	driver.EXPECT().Close(drm.Handle(1)).Return(nil)
	driver.EXPECT().Close(drm.Handle(2)).Return(nil)
	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), first))

	info, ok = manager.BufferObject(3)
	require.True(t, ok)
	require.Equal(t, 1, info.RefCount)

	driver.EXPECT().Close(drm.Handle(3)).Return(nil)
	driver.EXPECT().Close(drm.Handle(4)).Return(nil)
	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), second))
	require.NoError(t, manager.Validate())
	require.NoError(t, manager.Destroy())
}

func TestAllocateGraphicsMemoryForHostPtrConflict(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver, manager := readyManager(t, ctrl, CreateOptions{})

	driver.EXPECT().CreateUserptr(uintptr(0x20000), 0x2000, drm.UserptrFlags(0)).Return(drm.Handle(1), nil)

	alloc, err := manager.AllocateGraphicsMemoryForHostPtr(0x20000, 0x2000)
	require.NoError(t, err)
	require.Equal(t, 1, alloc.FragmentCount())

	_, err = manager.AllocateGraphicsMemoryForHostPtr(0x21800, 0x100)
	require.True(t, errors.Is(err, ErrHostPtrConflict))

	_, err = manager.AllocateGraphicsMemoryForHostPtr(0x1F000, 0x2000)
	require.True(t, errors.Is(err, ErrHostPtrConflict))

	_, err = manager.AllocateGraphicsMemoryForHostPtr(0x20000, 0x1000)
	require.True(t, errors.Is(err, ErrHostPtrConflict))

	// An exact match of a cached fragment is reused rather than rejected
	again, err := manager.AllocateGraphicsMemoryForHostPtr(0x20000, 0x2000)
	require.NoError(t, err)
	require.Equal(t, BufferObjectHandle(1), again.BackingBufferObject())
	require.NoError(t, manager.Validate())

	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), again))
	driver.EXPECT().Close(drm.Handle(1)).Return(nil)
	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), alloc))
}

func TestAllocateGraphicsMemoryForHostPtrInvalidRange(t *testing.T) {
	ctrl := gomock.NewController(t)
	_, manager := readyManager(t, ctrl, CreateOptions{})

	_, err := manager.AllocateGraphicsMemoryForHostPtr(0, 0x1000)
	require.True(t, errors.Is(err, ErrHostPtrNotAccessible))

	_, err = manager.AllocateGraphicsMemoryForHostPtr(0x1000, 0)
	require.True(t, errors.Is(err, ErrHostPtrNotAccessible))
}

func TestSharedHandleRoundTrip(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver, manager := readyManager(t, ctrl, CreateOptions{})

	driver.EXPECT().CreateBuffer(4096).Return(drm.Handle(5), nil)

	exported, err := manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: 4096, Shareable: true})
	require.NoError(t, err)
	require.Equal(t, SystemCpuInaccessible, exported.MemoryPool())
	require.True(t, exported.IsAllocationShareable())

	driver.EXPECT().PrimeHandleToFD(drm.Handle(5)).Return(42, nil)

	handle, err := manager.ExportSharedHandle(exported)
	require.NoError(t, err)
	require.Equal(t, SharedHandle(42), handle)
	require.Equal(t, SharedHandle(42), exported.SharedHandle())

	handle, err = manager.ExportSharedHandle(exported)
	require.NoError(t, err)
	require.Equal(t, SharedHandle(42), handle)

	// Importing our own export resolves to the same buffer object and gpu address
	driver.EXPECT().PrimeFDToHandle(42).Return(drm.Handle(5), nil)

	imported, err := manager.CreateGraphicsAllocationFromSharedHandle(42, false)
	require.NoError(t, err)
	require.Equal(t, BufferObjectHandle(5), imported.BackingBufferObject())
	require.Equal(t, exported.GpuAddress(), imported.GpuAddress())
	require.Equal(t, SharedHandle(42), imported.SharedHandle())
	require.Equal(t, SystemCpuInaccessible, imported.MemoryPool())
	require.Equal(t, AllocationTypeSharedBuffer, imported.AllocationType())
	require.False(t, imported.IsAllocationShareable())

	bo, ok := manager.SharedHandleBufferObject(42)
	require.True(t, ok)
	require.Equal(t, BufferObjectHandle(5), bo)
	require.NoError(t, manager.Validate())

	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), imported))

	driver.EXPECT().Close(drm.Handle(5)).Return(nil)
	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), exported))

	_, ok = manager.SharedHandleBufferObject(42)
	require.False(t, ok)
	require.NoError(t, manager.Destroy())
}

func TestSharedHandleNumberReused(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver, manager := readyManager(t, ctrl, CreateOptions{})

	driver.EXPECT().CreateBuffer(4096).Return(drm.Handle(5), nil)
	driver.EXPECT().PrimeHandleToFD(drm.Handle(5)).Return(42, nil)

	exported, err := manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: 4096, Shareable: true})
	require.NoError(t, err)
	_, err = manager.ExportSharedHandle(exported)
	require.NoError(t, err)

	// The exporter closed fd 42 and the OS handed the number out again for another dma-buf
	driver.EXPECT().PrimeFDToHandle(42).Return(drm.Handle(9), nil)
	driver.EXPECT().SharedBufferSize(42).Return(8192, nil)

	imported, err := manager.CreateGraphicsAllocationFromSharedHandle(42, false)
	require.NoError(t, err)
	require.Equal(t, BufferObjectHandle(9), imported.BackingBufferObject())

	bo, ok := manager.SharedHandleBufferObject(42)
	require.True(t, ok)
	require.Equal(t, BufferObjectHandle(9), bo)

	info, ok := manager.BufferObject(5)
	require.True(t, ok)
	require.Empty(t, info.SharedHandles)
	require.NoError(t, manager.Validate())

	driver.EXPECT().Close(drm.Handle(5)).Return(nil)
	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), exported))

	bo, ok = manager.SharedHandleBufferObject(42)
	require.True(t, ok)
	require.Equal(t, BufferObjectHandle(9), bo)
	var stats Statistics
	manager.CalculateStatistics(&stats)
	require.Equal(t, 1, stats.SharedHandleCount)
	require.NoError(t, manager.Validate())

	driver.EXPECT().Close(drm.Handle(9)).Return(nil)
	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), imported))

	_, ok = manager.SharedHandleBufferObject(42)
	require.False(t, ok)
	require.NoError(t, manager.Destroy())
}

func TestImportSharedHandleTwice(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver, manager := readyManager(t, ctrl, CreateOptions{OsContextCount: 3})

	driver.EXPECT().PrimeFDToHandle(11).Return(drm.Handle(7), nil).Times(2)
	driver.EXPECT().SharedBufferSize(11).Return(8192, nil)

	first, err := manager.CreateGraphicsAllocationFromSharedHandle(11, true)
	require.NoError(t, err)
	second, err := manager.CreateGraphicsAllocationFromSharedHandle(11, true)
	require.NoError(t, err)

	require.Equal(t, first.BackingBufferObject(), second.BackingBufferObject())
	require.Equal(t, first.GpuAddress(), second.GpuAddress())
	require.Equal(t, defaultGpuVaBase, first.GpuAddress())
	require.Equal(t, 8192, first.UnderlyingBufferSize())
	require.Equal(t, uint32(3), first.OsContextsCount())
	require.Equal(t, uintptr(0), first.CPUPtr())

	info, ok := manager.BufferObject(7)
	require.True(t, ok)
	require.Equal(t, 2, info.RefCount)
	require.Equal(t, []SharedHandle{11}, info.SharedHandles)

	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), first))
	driver.EXPECT().Close(drm.Handle(7)).Return(nil)
	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), second))
	require.NoError(t, manager.Validate())
}

func TestImportSharedHandleInvalid(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver, manager := readyManager(t, ctrl, CreateOptions{})

	_, err := manager.CreateGraphicsAllocationFromSharedHandle(NonSharedResource, false)
	require.True(t, errors.Is(err, ErrInvalidHandle))

	driver.EXPECT().PrimeFDToHandle(12).Return(drm.Handle(3), nil)
	driver.EXPECT().SharedBufferSize(12).Return(0, nil)
	driver.EXPECT().Close(drm.Handle(3)).Return(nil)

	_, err = manager.CreateGraphicsAllocationFromSharedHandle(12, false)
	require.True(t, errors.Is(err, ErrInvalidHandle))
	require.NoError(t, manager.Validate())
}

func TestExportNotShareable(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver, manager := readyManager(t, ctrl, CreateOptions{})

	driver.EXPECT().CreateBuffer(4096).Return(drm.Handle(5), nil)

	alloc, err := manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: 4096, Flags: AllocationCreateCpuInaccessible})
	require.NoError(t, err)

	_, err = manager.ExportSharedHandle(alloc)
	require.True(t, errors.Is(err, ErrNotShareable))
	require.False(t, alloc.HasSharedHandle())

	driver.EXPECT().Close(drm.Handle(5)).Return(nil)
	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), alloc))
}

func TestFreeWaitsForUsingContexts(t *testing.T) {
	ctrl := gomock.NewController(t)
	waiter := &recordingWaiter{}
	driver, manager := readyManager(t, ctrl, CreateOptions{OsContextCount: 3, CompletionWaiter: waiter})

	driver.EXPECT().CreateBuffer(4096).Return(drm.Handle(5), nil)

	alloc, err := manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: 4096, Flags: AllocationCreateCpuInaccessible})
	require.NoError(t, err)

	alloc.UpdateTaskCount(10, 1)
	alloc.UpdateTaskCount(3, 2)

	driver.EXPECT().Close(drm.Handle(5)).Return(nil)
	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), alloc))

	require.Equal(t, []recordedWait{
		{contextID: 1, taskCount: 10},
		{contextID: 2, taskCount: 3},
	}, waiter.waits)
	require.False(t, alloc.IsUsed())
}

func TestFreeWaitFailureKeepsAllocation(t *testing.T) {
	ctrl := gomock.NewController(t)
	waiter := &recordingWaiter{err: context.DeadlineExceeded}
	driver, manager := readyManager(t, ctrl, CreateOptions{CompletionWaiter: waiter})

	driver.EXPECT().CreateBuffer(4096).Return(drm.Handle(5), nil)

	alloc, err := manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: 4096, Flags: AllocationCreateCpuInaccessible})
	require.NoError(t, err)
	alloc.UpdateTaskCount(1, 0)

	err = manager.FreeGraphicsMemory(context.Background(), alloc)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
	require.True(t, alloc.IsUsed())

	_, ok := manager.BufferObject(5)
	require.True(t, ok)

	waiter.err = nil
	driver.EXPECT().Close(drm.Handle(5)).Return(nil)
	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), alloc))
}

func TestFreeResidentAllocationPanics(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver, manager := readyManager(t, ctrl, CreateOptions{OsContextCount: 2})

	driver.EXPECT().CreateBuffer(4096).Return(drm.Handle(5), nil)

	alloc, err := manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: 4096, Flags: AllocationCreateCpuInaccessible})
	require.NoError(t, err)

	alloc.UpdateResidencyTaskCount(8, 1)
	require.Panics(t, func() {
		_ = manager.FreeGraphicsMemory(context.Background(), alloc)
	})

	alloc.ResetResidencyTaskCount(1)
	driver.EXPECT().Close(drm.Handle(5)).Return(nil)
	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), alloc))
}

func TestDoubleFree(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver, manager := readyManager(t, ctrl, CreateOptions{})

	driver.EXPECT().CreateBuffer(4096).Return(drm.Handle(5), nil)
	driver.EXPECT().Close(drm.Handle(5)).Return(nil)

	alloc, err := manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: 4096, Flags: AllocationCreateCpuInaccessible})
	require.NoError(t, err)
	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), alloc))

	err = manager.FreeGraphicsMemory(context.Background(), alloc)
	require.True(t, errors.Is(err, ErrUnknownAllocation))

	_, err = manager.ExportSharedHandle(NewDrmAllocation(1, 0x1000, 0x1000, System4KBPages, 1, true))
	require.True(t, errors.Is(err, ErrUnknownAllocation))
}

func TestDestroyWithUnreleasedAllocations(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver, manager := readyManager(t, ctrl, CreateOptions{})

	driver.EXPECT().CreateBuffer(4096).Return(drm.Handle(5), nil)

	alloc, err := manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: 4096, Flags: AllocationCreateCpuInaccessible, Name: "leaked"})
	require.NoError(t, err)
	require.Error(t, manager.Destroy())

	driver.EXPECT().Close(drm.Handle(5)).Return(nil)
	require.NoError(t, manager.FreeGraphicsMemory(context.Background(), alloc))
	require.NoError(t, manager.Destroy())
}

func TestCalculateStatistics(t *testing.T) {
	ctrl := gomock.NewController(t)
	driver, manager := readyManager(t, ctrl, CreateOptions{})

	driver.EXPECT().CreateBuffer(4096).Return(drm.Handle(1), nil)
	driver.EXPECT().CreateBuffer(8192).Return(drm.Handle(2), nil)
	driver.EXPECT().CreateUserptr(uintptr(0x40000), 0x1000, drm.UserptrFlags(0)).Return(drm.Handle(3), nil)

	_, err := manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: 4096, Flags: AllocationCreateCpuInaccessible})
	require.NoError(t, err)
	_, err = manager.AllocateGraphicsMemory(AllocationCreateInfo{Size: 8192, Flags: AllocationCreateCpuInaccessible})
	require.NoError(t, err)
	_, err = manager.AllocateGraphicsMemoryForHostPtr(0x40010, 0x20)
	require.NoError(t, err)

	var stats Statistics
	manager.CalculateStatistics(&stats)

	require.Equal(t, 2, stats.MemoryPools[SystemCpuInaccessible].AllocationCount)
	require.Equal(t, 12288, stats.MemoryPools[SystemCpuInaccessible].AllocationBytes)
	require.Equal(t, 4096, stats.MemoryPools[SystemCpuInaccessible].AllocationSizeMin)
	require.Equal(t, 8192, stats.MemoryPools[SystemCpuInaccessible].AllocationSizeMax)
	require.Equal(t, 1, stats.MemoryPools[System4KBPages].AllocationCount)
	require.Equal(t, 0x20, stats.MemoryPools[System4KBPages].AllocationBytes)
	require.Equal(t, 3, stats.Total.AllocationCount)
	require.Equal(t, 3, stats.BufferObjects.BlockCount)
	require.Equal(t, 4096+8192+4096, stats.BufferObjects.BlockBytes)
	require.Equal(t, 1, stats.HostPtrFragmentCount)
	require.Equal(t, 2, stats.GpuVaHeap.AllocationCount)
	require.Equal(t, 0, stats.Heap32.AllocationCount)

	dump := manager.BuildStatsString(true)
	require.True(t, json.Valid([]byte(dump)))
	require.Contains(t, dump, "SystemCpuInaccessible")
	require.Contains(t, dump, "AllocationTypeExternalHostPtr")
}
