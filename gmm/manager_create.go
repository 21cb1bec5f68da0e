package gmm

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/computedrv/gpumem/drm"
	"github.com/computedrv/gpumem/gmm/internal/utils"
	"github.com/computedrv/gpumem/memutils"
	"github.com/computedrv/gpumem/memutils/vaheap"
	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific memory manager behaviors to activate or deactivate
type CreateFlags int32

var managerCreateFlagsMapping = make(map[CreateFlags]string)

func (f CreateFlags) String() string {
	if f == 0 {
		return "None"
	}
	if name, ok := managerCreateFlagsMapping[f]; ok {
		return name
	}
	return "Unknown"
}

const (
	// ManagerCreateExternallySynchronized ensures that the memory manager will not be synchronized
	// internally. The consumer must guarantee that it is used from only one goroutine at a time.
	// Residency slots on allocations remain atomic either way.
	ManagerCreateExternallySynchronized CreateFlags = 1 << iota
)

func init() {
	managerCreateFlagsMapping[ManagerCreateExternallySynchronized] = "ManagerCreateExternallySynchronized"
}

const (
	defaultGpuVaBase       uint64 = 0x8000_0000_0000
	defaultGpuVaSize       uint64 = 0x7FFF_0000_0000
	defaultHeap32Base      uint64 = 0xFFFF_0000_0000
	defaultHeap32Size      uint64 = 0xFFFF_0000
	defaultHostPtrPageSize int    = 4096
	pageSize64KB           int    = 64 * 1024
)

// CompletionWaiter blocks until an os context has retired the submission with taskCount.
// FreeGraphicsMemory uses it before releasing allocations that are still referenced by
// in-flight work.
type CompletionWaiter interface {
	WaitForTaskCount(ctx context.Context, contextID uint32, taskCount uint64) error
}

// CreateOptions contains optional settings when creating a memory manager. It is valid to leave
// all the fields blank.
type CreateOptions struct {
	// Flags indicates specific memory manager behaviors to activate or deactivate
	Flags CreateFlags
	// OsContextCount is the number of os contexts that allocations track residency for. Defaults to 1.
	OsContextCount uint32

	// GpuVaBase and GpuVaSize describe the GPU virtual address range handed out to buffer objects
	// with no host address. The default range sits above the canonical user address space so it
	// never collides with unified (gpu == cpu) addresses.
	GpuVaBase uint64
	GpuVaSize uint64
	// Heap32Base and Heap32Size describe the 32-bit addressable GPU heap. Heap32Size may not
	// exceed 4GB.
	Heap32Base uint64
	Heap32Size uint64

	// LocalMemorySupported enables the LocalMemory pool
	LocalMemorySupported bool
	// HostPtrPageSize is the granularity host pointers are partitioned into fragments at.
	// Must be a power of two. Defaults to 4096.
	HostPtrPageSize int

	// CompletionWaiter is optional. Without it, FreeGraphicsMemory assumes the caller has already
	// waited for every submission that uses the allocation.
	CompletionWaiter CompletionWaiter
}

// New creates a new MemoryManager on top of driver
//
// logger - receives debug logs for every entry point and errors for leaked allocations
//
// driver - the kernel interface that buffer objects are created through
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, driver drm.Driver, options CreateOptions) (*MemoryManager, error) {
	if driver == nil {
		return nil, errors.New("attempted to create a memory manager with a nil driver")
	}

	useMutex := options.Flags&ManagerCreateExternallySynchronized == 0

	manager := &MemoryManager{
		useMutex:             useMutex,
		logger:               logger,
		driver:               driver,
		createFlags:          options.Flags,
		osContextCount:       options.OsContextCount,
		pageSize:             options.HostPtrPageSize,
		localMemorySupported: options.LocalMemorySupported,
		waiter:               options.CompletionWaiter,

		mutex:         utils.OptionalRWMutex{UseMutex: useMutex},
		bufferObjects: swiss.NewMap[BufferObjectHandle, *bufferObject](64),
		sharedHandles: swiss.NewMap[SharedHandle, BufferObjectHandle](8),

		hostPtrFragments: newHostPtrCache(),
	}

	if manager.osContextCount == 0 {
		manager.osContextCount = 1
	}

	if manager.pageSize == 0 {
		manager.pageSize = defaultHostPtrPageSize
	}
	err := memutils.CheckPow2(manager.pageSize, "CreateOptions.HostPtrPageSize")
	if err != nil {
		return nil, err
	}

	gpuVaBase, gpuVaSize := options.GpuVaBase, options.GpuVaSize
	if gpuVaSize == 0 {
		gpuVaBase, gpuVaSize = defaultGpuVaBase, defaultGpuVaSize
	}
	heap32Base, heap32Size := options.Heap32Base, options.Heap32Size
	if heap32Size == 0 {
		heap32Base, heap32Size = defaultHeap32Base, defaultHeap32Size
	}

	if gpuVaBase+gpuVaSize < gpuVaBase {
		return nil, errors.Newf("gpu virtual address range at 0x%x of size 0x%x overflows the address space", gpuVaBase, gpuVaSize)
	}
	if heap32Base+heap32Size < heap32Base {
		return nil, errors.Newf("32-bit heap at 0x%x of size 0x%x overflows the address space", heap32Base, heap32Size)
	}
	if heap32Size > 1<<32 {
		return nil, errors.Newf("CreateOptions.Heap32Size 0x%x does not fit in 32 bits", heap32Size)
	}
	if !memutils.IsAligned(gpuVaBase, uint64(pageSize64KB)) || !memutils.IsAligned(heap32Base, uint64(pageSize64KB)) {
		return nil, errors.Newf("gpu virtual address heaps must begin on a 64KB boundary, but were 0x%x and 0x%x", gpuVaBase, heap32Base)
	}
	if gpuVaBase < heap32Base+heap32Size && heap32Base < gpuVaBase+gpuVaSize {
		return nil, errors.Newf("gpu virtual address range [0x%x,0x%x) overlaps the 32-bit heap [0x%x,0x%x)",
			gpuVaBase, gpuVaBase+gpuVaSize, heap32Base, heap32Base+heap32Size)
	}

	manager.gpuVaHeap = vaheap.New(gpuVaBase, gpuVaSize)
	manager.heap32 = vaheap.New(heap32Base, heap32Size)

	for pool := 0; pool < memoryPoolCount; pool++ {
		manager.allocations[pool].Init(useMutex)
	}

	return manager, nil
}
